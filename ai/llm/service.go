// Package llm wraps the OpenAI-compatible chat API used by the resolver,
// clarification agent, and answer synthesizer.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a chat message. Tool results carry the ToolCallID they
// answer; assistant messages may carry the tool calls they issued.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// CallStats represents statistics for a single LLM call.
type CallStats struct {
	PromptTokens     int   `json:"prompt_tokens"`
	CompletionTokens int   `json:"completion_tokens"`
	TotalTokens      int   `json:"total_tokens"`
	TotalDurationMs  int64 `json:"total_duration_ms"`
}

// Service is the LLM service interface.
type Service interface {
	// Chat performs synchronous chat. Returns content, statistics, and error.
	Chat(ctx context.Context, messages []Message) (string, *CallStats, error)

	// ChatWithTools performs chat with function calling support.
	ChatWithTools(ctx context.Context, messages []Message, tools []ToolDescriptor) (*ChatResponse, *CallStats, error)

	// Model returns the configured model identifier.
	Model() string
}

// MetricsRecorder observes token usage and latency per completed call.
type MetricsRecorder interface {
	RecordLLMTokens(model, tokenType string, count int)
	RecordLLMLatency(model, kind string, latency time.Duration)
}

// ToolDescriptor represents a function/tool available to the LLM.
type ToolDescriptor struct {
	Name        string
	Description string
	Parameters  string // JSON Schema string
}

// ChatResponse represents the LLM response including potential tool calls.
type ChatResponse struct {
	Content   string
	ToolCalls []ToolCall
}

// ToolCall represents a request to call a tool.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall represents the function details.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Config represents LLM service configuration.
type Config struct {
	APIKey      string
	BaseURL     string  // default: https://api.deepseek.com
	Model       string  // default: deepseek-chat
	MaxTokens   int     // default: 2048
	Temperature float32 // default: 0
	Timeout     int     // request timeout in seconds (default: 60)

	// RequestsPerSecond throttles outbound calls; <=0 disables throttling.
	RequestsPerSecond float64
	// MaxConcurrent bounds in-flight calls; <=0 means 8.
	MaxConcurrent int64

	// LogFullPayload logs complete prompts and completions; otherwise content
	// is truncated to LogMaxChars.
	LogFullPayload bool
	LogMaxChars    int

	// Metrics receives per-call observations; nil disables recording.
	Metrics MetricsRecorder
}

type service struct {
	client         *openai.Client
	model          string
	maxTokens      int
	temperature    float32
	timeout        int
	limiter        *rate.Limiter
	inflight       *semaphore.Weighted
	logFullPayload bool
	logMaxChars    int
	metrics        MetricsRecorder
}

// NewService creates a new LLM service against a DeepSeek-compatible endpoint.
func NewService(cfg *Config) (Service, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm api key is not configured")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.deepseek.com"
	}
	model := cfg.Model
	if model == "" {
		model = "deepseek-chat"
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = baseURL
	clientConfig.HTTPClient = newHTTPClient()

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	logMaxChars := cfg.LogMaxChars
	if logMaxChars <= 0 {
		logMaxChars = 800
	}

	return &service{
		client:         openai.NewClientWithConfig(clientConfig),
		model:          model,
		maxTokens:      maxTokens,
		temperature:    cfg.Temperature,
		timeout:        timeout,
		limiter:        limiter,
		inflight:       semaphore.NewWeighted(maxConcurrent),
		logFullPayload: cfg.LogFullPayload,
		logMaxChars:    logMaxChars,
		metrics:        cfg.Metrics,
	}, nil
}

func (s *service) Model() string {
	return s.model
}

func (s *service) Chat(ctx context.Context, messages []Message) (string, *CallStats, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(s.timeout)*time.Second)
	defer cancel()

	if err := s.acquire(ctx); err != nil {
		return "", nil, err
	}
	defer s.inflight.Release(1)

	s.logRequest("chat", messages)
	startTime := time.Now()

	req := openai.ChatCompletionRequest{
		Model:       s.model,
		MaxTokens:   s.maxTokens,
		Temperature: s.temperature,
		Messages:    convertMessages(messages),
	}

	resp, err := s.client.CreateChatCompletion(ctx, req)
	if err != nil {
		slog.Error("LLM: chat request failed", "error", err)
		return "", nil, fmt.Errorf("LLM chat failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil, fmt.Errorf("empty response from LLM")
	}

	content := resp.Choices[0].Message.Content
	stats := statsFromUsage(resp.Usage, time.Since(startTime))
	s.recordStats("chat", stats)
	s.logResponse("chat", content, stats)
	return content, stats, nil
}

func (s *service) ChatWithTools(ctx context.Context, messages []Message, tools []ToolDescriptor) (*ChatResponse, *CallStats, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(s.timeout)*time.Second)
	defer cancel()

	if err := s.acquire(ctx); err != nil {
		return nil, nil, err
	}
	defer s.inflight.Release(1)

	openaiTools := make([]openai.Tool, len(tools))
	for i, t := range tools {
		openaiTools[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  json.RawMessage(t.Parameters),
			},
		}
	}

	s.logRequest("chat_with_tools", messages)
	startTime := time.Now()

	req := openai.ChatCompletionRequest{
		Model:       s.model,
		MaxTokens:   s.maxTokens,
		Temperature: s.temperature,
		Messages:    convertMessages(messages),
		Tools:       openaiTools,
	}

	resp, err := s.client.CreateChatCompletion(ctx, req)
	if err != nil {
		slog.Error("LLM: tool chat request failed", "error", err)
		return nil, nil, fmt.Errorf("LLM chat with tools failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, nil, fmt.Errorf("empty response from LLM")
	}

	choice := resp.Choices[0]
	response := &ChatResponse{Content: choice.Message.Content}
	if len(choice.Message.ToolCalls) > 0 {
		response.ToolCalls = make([]ToolCall, len(choice.Message.ToolCalls))
		for i, tc := range choice.Message.ToolCalls {
			response.ToolCalls[i] = ToolCall{
				ID:   tc.ID,
				Type: string(tc.Type),
				Function: FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			}
		}
	}

	stats := statsFromUsage(resp.Usage, time.Since(startTime))
	s.recordStats("chat_with_tools", stats)
	s.logResponse("chat_with_tools", response.Content, stats)
	return response, stats, nil
}

func (s *service) recordStats(kind string, stats *CallStats) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordLLMTokens(s.model, "prompt", stats.PromptTokens)
	s.metrics.RecordLLMTokens(s.model, "completion", stats.CompletionTokens)
	s.metrics.RecordLLMLatency(s.model, kind, time.Duration(stats.TotalDurationMs)*time.Millisecond)
}

func (s *service) acquire(ctx context.Context) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("LLM rate limit wait: %w", err)
		}
	}
	if err := s.inflight.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("LLM concurrency acquire: %w", err)
	}
	return nil
}

func (s *service) logRequest(kind string, messages []Message) {
	if !slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	last := ""
	if len(messages) > 0 {
		last = messages[len(messages)-1].Content
	}
	slog.Debug("LLM: request",
		"kind", kind,
		"model", s.model,
		"messages_count", len(messages),
		"last_message", s.clip(last),
	)
}

func (s *service) logResponse(kind string, content string, stats *CallStats) {
	slog.Debug("LLM: response",
		"kind", kind,
		"content", s.clip(content),
		"total_tokens", stats.TotalTokens,
		"duration_ms", stats.TotalDurationMs,
	)
}

func (s *service) clip(content string) string {
	if s.logFullPayload {
		return content
	}
	runes := []rune(content)
	if len(runes) <= s.logMaxChars {
		return content
	}
	return string(runes[:s.logMaxChars]) + "...(truncated)"
}

func statsFromUsage(usage openai.Usage, duration time.Duration) *CallStats {
	return &CallStats{
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
		TotalDurationMs:  duration.Milliseconds(),
	}
}

func convertMessages(messages []Message) []openai.ChatCompletionMessage {
	llmMessages := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		msg := openai.ChatCompletionMessage{Content: m.Content}
		switch m.Role {
		case RoleSystem:
			msg.Role = openai.ChatMessageRoleSystem
		case RoleAssistant:
			msg.Role = openai.ChatMessageRoleAssistant
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolType(tc.Type),
					Function: openai.FunctionCall{
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					},
				})
			}
		case RoleTool:
			msg.Role = openai.ChatMessageRoleTool
			msg.ToolCallID = m.ToolCallID
		default:
			msg.Role = openai.ChatMessageRoleUser
		}
		llmMessages[i] = msg
	}
	return llmMessages
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// SystemPrompt creates a system message.
func SystemPrompt(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage creates a user message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage creates an assistant message.
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}
