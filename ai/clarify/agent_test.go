package clarify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hrygo/parkwise/ai/llm"
	"github.com/hrygo/parkwise/ai/memory"
	"github.com/hrygo/parkwise/ai/resolver"
	"github.com/hrygo/parkwise/plugin/bizapi"
)

// scriptedLLM replays canned responses and records every request it saw.
// Once the script runs out the last response repeats.
type scriptedLLM struct {
	responses []*llm.ChatResponse
	calls     int
	seen      [][]llm.Message
}

func (s *scriptedLLM) Chat(_ context.Context, _ []llm.Message) (string, *llm.CallStats, error) {
	return "", nil, nil
}

func (s *scriptedLLM) ChatWithTools(_ context.Context, messages []llm.Message, _ []llm.ToolDescriptor) (*llm.ChatResponse, *llm.CallStats, error) {
	s.seen = append(s.seen, messages)
	idx := s.calls
	s.calls++
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	return s.responses[idx], &llm.CallStats{}, nil
}

func (s *scriptedLLM) Model() string { return "deepseek-chat" }

func offlineToolset() *Toolset {
	return NewToolset(bizapi.NewClient("http://127.0.0.1:0", time.Second))
}

func TestAgentFinishClarify(t *testing.T) {
	script := &scriptedLLM{responses: []*llm.ChatResponse{{
		Content: `{"action":"finish_clarify","clarify_question":null,` +
			`"slot_updates":{"order_no":"SCN-020"},` +
			`"resolved_intent":"fee_verify","route_target":"fee_verify",` +
			`"intent_evidence":["用户要求核验订单金额"],"reason":null}`,
	}}}
	agent := NewAgent(script, offlineToolset())

	outcome, err := agent.RunClarifyTask(context.Background(), &resolver.ClarifyTask{
		Payload:       &resolver.TurnPayload{Query: "订单号是SCN-020，帮我核验金额"},
		RequiredSlots: []string{"order_no"},
		MaxRounds:     3,
	})

	require.NoError(t, err)
	require.Equal(t, resolver.DecisionContinueBusiness, outcome.Decision)
	require.Equal(t, "SCN-020", outcome.ResolvedSlots["order_no"])
	require.Equal(t, "fee_verify", outcome.ResolvedIntent)
	require.Equal(t, "fee_verify", outcome.RouteTarget)
	require.Empty(t, outcome.MissingRequiredSlots)
	require.Contains(t, outcome.Trace, "clarify_react:start")
	require.Contains(t, outcome.Trace, "clarify_react:agent:finish_clarify")
}

func TestAgentDowngradesFinishWithMissingSlots(t *testing.T) {
	script := &scriptedLLM{responses: []*llm.ChatResponse{{
		Content: `{"action":"finish_clarify","clarify_question":null,"slot_updates":{},"reason":null}`,
	}}}
	agent := NewAgent(script, offlineToolset())

	outcome, err := agent.RunClarifyTask(context.Background(), &resolver.ClarifyTask{
		Payload:       &resolver.TurnPayload{Query: "继续吧"},
		RequiredSlots: []string{"order_no"},
		MaxRounds:     3,
	})

	require.NoError(t, err)
	require.Equal(t, resolver.DecisionClarifyReact, outcome.Decision)
	require.Equal(t, defaultAskQuestion, outcome.ClarifyQuestion)
	require.Equal(t, []string{"order_no"}, outcome.MissingRequiredSlots)
	require.Contains(t, outcome.Trace, "clarify_react:agent:ask_user")
}

func TestAgentToolRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/parking-orders/SCN-020", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
			"order_no":  "SCN-020",
			"plate_no":  "沪SCN020",
			"city_code": "310100",
			"lot_code":  "LOT-001",
		}))
	}))
	t.Cleanup(srv.Close)

	script := &scriptedLLM{responses: []*llm.ChatResponse{
		{ToolCalls: []llm.ToolCall{{
			ID:   "call-1",
			Type: "function",
			Function: llm.FunctionCall{
				Name:      "lookup_order",
				Arguments: `{"order_no":"scn-020"}`,
			},
		}}},
		{Content: `{"action":"finish_clarify","slot_updates":{"order_no":"SCN-020"},` +
			`"resolved_intent":"fee_verify","route_target":"fee_verify"}`},
	}}
	agent := NewAgent(script, NewToolset(bizapi.NewClient(srv.URL, time.Second)))

	outcome, err := agent.RunClarifyTask(context.Background(), &resolver.ClarifyTask{
		Payload:       &resolver.TurnPayload{Query: "SCN-020这个是订单还是停车场？"},
		RequiredSlots: []string{"order_no"},
		MaxRounds:     3,
	})

	require.NoError(t, err)
	require.Equal(t, 2, script.calls)
	require.Equal(t, resolver.DecisionContinueBusiness, outcome.Decision)

	// The second request must replay the assistant tool call and its result.
	second := script.seen[1]
	var toolMsg *llm.Message
	for i := range second {
		if second[i].Role == llm.RoleTool {
			toolMsg = &second[i]
		}
	}
	require.NotNil(t, toolMsg)
	require.Equal(t, "call-1", toolMsg.ToolCallID)
	require.Contains(t, toolMsg.Content, `"hit":true`)
	require.Contains(t, toolMsg.Content, "LOT-001")
}

func TestAgentParseFallback(t *testing.T) {
	script := &scriptedLLM{responses: []*llm.ChatResponse{{
		Content: "请问你要核验哪一笔订单？",
	}}}
	agent := NewAgent(script, offlineToolset())

	outcome, err := agent.RunClarifyTask(context.Background(), &resolver.ClarifyTask{
		Payload:       &resolver.TurnPayload{Query: "这笔不太对"},
		RequiredSlots: []string{"order_no"},
		MaxRounds:     3,
	})

	require.NoError(t, err)
	require.Equal(t, resolver.DecisionClarifyReact, outcome.Decision)
	require.Equal(t, "请问你要核验哪一笔订单？", outcome.ClarifyQuestion)
	require.Contains(t, outcome.Trace, "clarify_react:parse:fallback_ask_user")
}

func TestAgentAbort(t *testing.T) {
	script := &scriptedLLM{responses: []*llm.ChatResponse{{
		Content: `{"action":"abort","clarify_question":null,"slot_updates":{},"reason":"用户拒绝提供信息"}`,
	}}}
	agent := NewAgent(script, offlineToolset())

	outcome, err := agent.RunClarifyTask(context.Background(), &resolver.ClarifyTask{
		Payload:   &resolver.TurnPayload{Query: "不想说"},
		MaxRounds: 3,
	})

	require.NoError(t, err)
	require.Equal(t, resolver.DecisionClarifyAbort, outcome.Decision)
	require.Contains(t, outcome.Trace, "clarify_react:agent:abort")
}

func TestAgentRehydratesHistory(t *testing.T) {
	state := memory.NewState()
	state.ClarifyMessages = []llm.Message{
		{Role: llm.RoleUser, Content: "这笔订单帮我核验"},
		{Role: llm.RoleAssistant, Content: "请提供订单号。"},
		{Role: llm.RoleTool, Content: "orphan"}, // no tool_call_id, must be dropped
	}
	script := &scriptedLLM{responses: []*llm.ChatResponse{{
		Content: `{"action":"ask_user","clarify_question":"请提供订单号，例如 SCN-020。","slot_updates":{}}`,
	}}}
	agent := NewAgent(script, offlineToolset())

	outcome, err := agent.RunClarifyTask(context.Background(), &resolver.ClarifyTask{
		Payload:       &resolver.TurnPayload{Query: "订单号我再找找"},
		RequiredSlots: []string{"order_no"},
		Memory:        state,
		MaxRounds:     3,
	})

	require.NoError(t, err)
	first := script.seen[0]
	// system prompt + two history messages + current query
	require.Len(t, first, 4)
	require.Equal(t, llm.RoleSystem, first[0].Role)
	require.Equal(t, "这笔订单帮我核验", first[1].Content)
	require.Equal(t, "订单号我再找找", first[3].Content)
	require.Equal(t, "请提供订单号，例如 SCN-020。", outcome.ClarifyQuestion)
	// The returned transcript never contains the system prompt.
	for _, msg := range outcome.Messages {
		require.NotEqual(t, llm.RoleSystem, msg.Role)
	}
}

func TestAgentStopsAtInvocationLimit(t *testing.T) {
	script := &scriptedLLM{responses: []*llm.ChatResponse{
		{ToolCalls: []llm.ToolCall{{
			ID:       "loop",
			Type:     "function",
			Function: llm.FunctionCall{Name: "lookup_order", Arguments: `{"order_no":""}`},
		}}},
	}}
	agent := NewAgent(script, offlineToolset())

	outcome, err := agent.RunClarifyTask(context.Background(), &resolver.ClarifyTask{
		Payload:       &resolver.TurnPayload{Query: "查一下"},
		RequiredSlots: []string{"order_no"},
		MaxRounds:     3,
	})

	require.NoError(t, err)
	require.Equal(t, 6, script.calls)
	require.Equal(t, resolver.DecisionClarifyReact, outcome.Decision)
	require.Equal(t, defaultAskQuestion, outcome.ClarifyQuestion)
	require.Contains(t, outcome.Trace, "clarify_react:parse:fallback_ask_user")
}
