package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type llmObservation struct {
	model string
	label string
	count int
}

type captureRecorder struct {
	tokens    []llmObservation
	latencies []llmObservation
}

func (r *captureRecorder) RecordLLMTokens(model, tokenType string, count int) {
	r.tokens = append(r.tokens, llmObservation{model: model, label: tokenType, count: count})
}

func (r *captureRecorder) RecordLLMLatency(model, kind string, _ time.Duration) {
	r.latencies = append(r.latencies, llmObservation{model: model, label: kind})
}

const chatCompletionBody = `{
	"id": "chatcmpl-1",
	"object": "chat.completion",
	"choices": [
		{"index": 0, "message": {"role": "assistant", "content": "好的"}, "finish_reason": "stop"}
	],
	"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
}`

func newChatCompletionServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, err := w.Write([]byte(chatCompletionBody))
		require.NoError(t, err)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newRecordedService(t *testing.T, srv *httptest.Server, recorder MetricsRecorder) Service {
	t.Helper()
	service, err := NewService(&Config{
		APIKey:  "test-key",
		BaseURL: srv.URL,
		Model:   "deepseek-chat",
		Metrics: recorder,
	})
	require.NoError(t, err)
	return service
}

func TestChatRecordsTokenAndLatencyMetrics(t *testing.T) {
	recorder := &captureRecorder{}
	service := newRecordedService(t, newChatCompletionServer(t), recorder)

	content, stats, err := service.Chat(context.Background(), []Message{UserMessage("你好")})
	require.NoError(t, err)
	require.Equal(t, "好的", content)
	require.Equal(t, 15, stats.TotalTokens)

	require.Equal(t, []llmObservation{
		{model: "deepseek-chat", label: "prompt", count: 10},
		{model: "deepseek-chat", label: "completion", count: 5},
	}, recorder.tokens)
	require.Len(t, recorder.latencies, 1)
	require.Equal(t, "deepseek-chat", recorder.latencies[0].model)
	require.Equal(t, "chat", recorder.latencies[0].label)
}

func TestChatWithToolsRecordsLatencyKind(t *testing.T) {
	recorder := &captureRecorder{}
	service := newRecordedService(t, newChatCompletionServer(t), recorder)

	resp, _, err := service.ChatWithTools(context.Background(), []Message{UserMessage("查订单")}, nil)
	require.NoError(t, err)
	require.Equal(t, "好的", resp.Content)

	require.Len(t, recorder.latencies, 1)
	require.Equal(t, "chat_with_tools", recorder.latencies[0].label)
}

func TestChatWithoutRecorder(t *testing.T) {
	service, err := NewService(&Config{
		APIKey:  "test-key",
		BaseURL: newChatCompletionServer(t).URL,
	})
	require.NoError(t, err)

	content, _, err := service.Chat(context.Background(), []Message{UserMessage("你好")})
	require.NoError(t, err)
	require.Equal(t, "好的", content)
}
