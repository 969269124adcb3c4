// Package clarify runs the bounded ReAct loop the resolver gate falls back
// to when deterministic parsing cannot finish a turn.
package clarify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pkg/errors"

	"github.com/hrygo/parkwise/ai/llm"
	"github.com/hrygo/parkwise/ai/memory"
	"github.com/hrygo/parkwise/ai/resolver"
)

const systemPrompt = "你是停车业务澄清助手。" +
	"目标是最短路径补齐业务必填槽位并消除歧义。" +
	"当用户参数可能同时代表订单或停车场时，优先调用工具先查订单再查停车场后再判断。" +
	"最终回复必须是单个 JSON 对象，且只能包含 JSON，禁止输出任何额外说明、前后缀或 Markdown。" +
	`仅输出JSON: {"action":"ask_user|finish_clarify|abort",` +
	`"clarify_question":string|null,"slot_updates":object,` +
	`"resolved_intent":"rule_explain|arrears_check|fee_verify"|null,` +
	`"route_target":string|null,"intent_evidence":[string,...],"reason":string|null}。`

const defaultAskQuestion = "请补充关键信息后继续，例如订单号 SCN-020 或车牌号。"

// Agent is the ReAct clarification sub-agent.
type Agent struct {
	llm   llm.Service
	tools *Toolset
}

var _ resolver.ClarifyAgent = (*Agent)(nil)

// NewAgent creates the agent. The service must be non-nil; the gate handles
// the disabled case itself.
func NewAgent(service llm.Service, tools *Toolset) *Agent {
	return &Agent{llm: service, tools: tools}
}

type agentCompletion struct {
	Action          string         `json:"action"`
	ClarifyQuestion *string        `json:"clarify_question"`
	SlotUpdates     map[string]any `json:"slot_updates"`
	ResolvedIntent  string         `json:"resolved_intent"`
	RouteTarget     string         `json:"route_target"`
	IntentEvidence  []string       `json:"intent_evidence"`
	Reason          *string        `json:"reason"`
}

// RunClarifyTask executes one bounded loop: prior clarify history plus the
// current query, tool round-trips, then a single JSON verdict.
func (a *Agent) RunClarifyTask(ctx context.Context, task *resolver.ClarifyTask) (*resolver.ClarifyOutcome, error) {
	if a.llm == nil {
		return nil, errors.New("clarify agent: llm service not configured")
	}

	conversation := historyMessages(task.Memory)
	conversation = append(conversation, llm.UserMessage(task.Payload.Query))
	slog.Info("clarify_react: input",
		"session_id", task.Payload.SessionID,
		"required_slots", task.RequiredSlots,
		"max_rounds", task.MaxRounds,
		"history_messages", len(conversation)-1,
	)

	resolvedSlots := seedSlots(task.Payload)
	trace := []string{"clarify_react:start", "clarify_react:agent:create_react_agent"}

	invocationLimit := task.MaxRounds * 2
	if invocationLimit < 4 {
		invocationLimit = 4
	}

	finalContent, answered := "", false
	for i := 0; i < invocationLimit; i++ {
		messages := append([]llm.Message{llm.SystemPrompt(systemPrompt)}, conversation...)
		resp, _, err := a.llm.ChatWithTools(ctx, messages, a.tools.Descriptors())
		if err != nil {
			return nil, errors.Wrap(err, "clarify react invocation")
		}
		conversation = append(conversation, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		if len(resp.ToolCalls) == 0 {
			finalContent, answered = resp.Content, true
			break
		}
		for _, call := range resp.ToolCalls {
			result, err := a.tools.Execute(ctx, call)
			if err != nil {
				slog.Warn("clarify_react: tool execution failed", "tool", call.Function.Name, "error", err)
				result = fmt.Sprintf(`{"tool":%q,"hit":false,"reason":"tool_error"}`, call.Function.Name)
			}
			conversation = append(conversation, llm.Message{
				Role:       llm.RoleTool,
				Content:    result,
				ToolCallID: call.ID,
			})
		}
	}

	if !answered {
		trace = append(trace, "clarify_react:parse:fallback_ask_user", "clarify_react:agent:ask_user")
		return &resolver.ClarifyOutcome{
			Decision:             resolver.DecisionClarifyReact,
			ClarifyQuestion:      defaultAskQuestion,
			ResolvedSlots:        resolvedSlots,
			MissingRequiredSlots: missingSlots(task.RequiredSlots, resolvedSlots),
			Trace:                trace,
			Messages:             conversation,
		}, nil
	}

	raw, ok := llm.ExtractJSONObject(finalContent)
	var completion agentCompletion
	if !ok || json.Unmarshal(raw, &completion) != nil {
		question := strings.TrimSpace(finalContent)
		if question == "" {
			question = "请补充必要信息后继续。"
		}
		trace = append(trace, "clarify_react:parse:fallback_ask_user", "clarify_react:agent:ask_user")
		slog.Info("clarify_react: parse fallback", "question_len", len(question))
		return &resolver.ClarifyOutcome{
			Decision:             resolver.DecisionClarifyReact,
			ClarifyQuestion:      question,
			ResolvedSlots:        resolvedSlots,
			MissingRequiredSlots: missingSlots(task.RequiredSlots, resolvedSlots),
			Trace:                trace,
			Messages:             conversation,
		}, nil
	}

	action := strings.TrimSpace(completion.Action)
	switch action {
	case "ask_user", "finish_clarify", "abort":
	default:
		action = "ask_user"
	}
	for key, value := range completion.SlotUpdates {
		text := strings.TrimSpace(fmt.Sprint(value))
		if value != nil && text != "" {
			resolvedSlots[key] = text
		}
	}
	missing := missingSlots(task.RequiredSlots, resolvedSlots)
	if action == "finish_clarify" && len(missing) > 0 {
		action = "ask_user"
	}
	trace = append(trace, "clarify_react:agent:"+action)

	decision := resolver.DecisionClarifyReact
	switch action {
	case "finish_clarify":
		decision = resolver.DecisionContinueBusiness
	case "abort":
		decision = resolver.DecisionClarifyAbort
	}
	question := ""
	if completion.ClarifyQuestion != nil {
		question = strings.TrimSpace(*completion.ClarifyQuestion)
	}
	if action == "ask_user" && question == "" {
		question = defaultAskQuestion
	}

	slog.Info("clarify_react: result",
		"action", action,
		"decision", decision,
		"missing_required_slots", missing,
		"resolved_intent", completion.ResolvedIntent,
	)
	return &resolver.ClarifyOutcome{
		Decision:             decision,
		ClarifyQuestion:      question,
		ResolvedSlots:        resolvedSlots,
		ResolvedIntent:       strings.TrimSpace(completion.ResolvedIntent),
		RouteTarget:          strings.TrimSpace(completion.RouteTarget),
		IntentEvidence:       completion.IntentEvidence,
		MissingRequiredSlots: missing,
		Trace:                trace,
		Messages:             conversation,
	}, nil
}

// historyMessages rehydrates the prior clarify conversation. Tool messages
// without a tool_call_id are dropped because the chat API rejects them.
func historyMessages(state *memory.State) []llm.Message {
	if state == nil {
		return []llm.Message{}
	}
	history := make([]llm.Message, 0, len(state.ClarifyMessages))
	for _, msg := range state.ClarifyMessages {
		switch msg.Role {
		case llm.RoleUser, llm.RoleAssistant, llm.RoleSystem:
			history = append(history, msg)
		case llm.RoleTool:
			if msg.ToolCallID != "" {
				history = append(history, msg)
			}
		}
	}
	return history
}

func seedSlots(payload *resolver.TurnPayload) map[string]string {
	slots := map[string]string{}
	for _, key := range resolver.SlotKeys {
		if value := payload.Slot(key); value != "" {
			slots[key] = value
		}
	}
	return slots
}

func missingSlots(required []string, resolved map[string]string) []string {
	missing := []string{}
	for _, slot := range required {
		if resolved[slot] == "" {
			missing = append(missing, slot)
		}
	}
	return missing
}
