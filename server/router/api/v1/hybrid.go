package v1

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/hrygo/parkwise/ai/llm"
	"github.com/hrygo/parkwise/ai/memory"
	"github.com/hrygo/parkwise/ai/resolver"
)

// HybridAnswerResponse is the body of POST /api/v1/answer/hybrid.
type HybridAnswerResponse struct {
	SessionID        string         `json:"session_id,omitempty"`
	TurnID           string         `json:"turn_id"`
	MemoryTTLSeconds int            `json:"memory_ttl_seconds"`
	Intent           string         `json:"intent"`
	Conclusion       string         `json:"conclusion"`
	KeyPoints        []string       `json:"key_points"`
	BusinessFacts    map[string]any `json:"business_facts"`
	Citations        []Citation     `json:"citations"`
	RetrievedCount   int            `json:"retrieved_count"`
	Model            string         `json:"model"`
	GraphTrace       []string       `json:"graph_trace"`
}

// HybridAnswer runs the full turn: resolver pipeline, one memory write, and
// the hybrid answer workflow. Clarification terminals are 200 responses whose
// business facts carry the error kind.
func (s *RAGService) HybridAnswer(c echo.Context) error {
	ctx := c.Request().Context()
	startTime := time.Now()

	payload := &resolver.TurnPayload{}
	if err := c.Bind(payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Malformed request").SetInternal(err)
	}
	payload.Query = strings.TrimSpace(payload.Query)
	if payload.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	if payload.TurnID == "" {
		payload.TurnID = uuid.NewString()
	}

	// Memory is read once at turn entry and written once at turn exit.
	state, _ := s.Memory.Get(payload.SessionID)

	parse := s.Parser.Parse(ctx, payload)
	hydrate := resolver.Hydrate(parse, state)
	gate := s.Gate.Decide(ctx, parse, hydrate, state)
	s.Metrics.RecordGateDecision(gate.Decision, gate.ClarifyError)

	trace := make([]string, 0, len(parse.Trace)+len(hydrate.Trace)+len(gate.Trace))
	trace = append(trace, parse.Trace...)
	trace = append(trace, hydrate.Trace...)
	trace = append(trace, gate.Trace...)

	if gate.Decision != resolver.DecisionContinueBusiness {
		s.writeClarifyMemory(state, parse, gate)
		if len(gate.ClarifyMessages) > 0 {
			s.Metrics.RecordClarifyMessages(len(gate.ClarifyMessages))
		}
		intent := parse.Intent
		s.Metrics.RecordHybridRequest(intent, time.Since(startTime), true)
		if intent == "" {
			intent = "clarify"
		}
		return c.JSON(http.StatusOK, &HybridAnswerResponse{
			SessionID:        payload.SessionID,
			TurnID:           payload.TurnID,
			MemoryTTLSeconds: s.Profile.MemoryTTLSeconds,
			Intent:           intent,
			Conclusion:       gate.ClarifyReason,
			KeyPoints:        []string{},
			BusinessFacts: map[string]any{
				"error":    gate.ClarifyError,
				"decision": gate.Decision,
			},
			Citations:  []Citation{},
			Model:      "",
			GraphTrace: trace,
		})
	}

	business := gate.Payload
	if business.IntentHint == "" {
		business.IntentHint = parse.Intent
	}
	result, err := s.Workflow.Run(ctx, business, payload.TurnID)
	if err != nil {
		s.Metrics.RecordHybridRequest(business.IntentHint, time.Since(startTime), false)
		return echo.NewHTTPError(http.StatusServiceUnavailable, "Failed to synthesize answer").SetInternal(err)
	}

	s.writeContinueMemory(state, business, result.Intent)
	s.Metrics.RecordRetrievedChunks(len(result.RetrievedItems))
	s.Metrics.RecordHybridRequest(result.Intent, time.Since(startTime), true)

	trace = append(trace, result.Trace...)
	keyPoints := result.KeyPoints
	if keyPoints == nil {
		keyPoints = []string{}
	}
	return c.JSON(http.StatusOK, &HybridAnswerResponse{
		SessionID:        payload.SessionID,
		TurnID:           payload.TurnID,
		MemoryTTLSeconds: s.Profile.MemoryTTLSeconds,
		Intent:           result.Intent,
		Conclusion:       result.Conclusion,
		KeyPoints:        keyPoints,
		BusinessFacts:    result.BusinessFacts,
		Citations:        citationsOf(result.RetrievedItems),
		RetrievedCount:   len(result.RetrievedItems),
		Model:            result.Model,
		GraphTrace:       trace,
	})
}

// snapshotSlots captures the carryable slot values of the final payload.
// order_no is never snapshotted, so it cannot hydrate into a later turn.
func snapshotSlots(payload *resolver.TurnPayload) map[string]string {
	slots := map[string]string{}
	for _, key := range resolver.SlotKeys {
		if key == "order_no" {
			continue
		}
		if value := payload.Slot(key); value != "" {
			slots[key] = value
		}
	}
	return slots
}

func resolvedSlots(payload *resolver.TurnPayload) map[string]string {
	slots := map[string]string{}
	for _, key := range resolver.SlotKeys {
		if value := payload.Slot(key); value != "" {
			slots[key] = value
		}
	}
	return slots
}

// writeContinueMemory persists the successful turn: slots snapshot, the turn
// record, and a cleared clarification state.
func (s *RAGService) writeContinueMemory(prev *memory.State, payload *resolver.TurnPayload, intent string) {
	if payload.SessionID == "" {
		return
	}
	next := memory.NewState()
	next.Slots = snapshotSlots(payload)
	next.ResolvedSlots = resolvedSlots(payload)
	if prev != nil {
		next.Turns = append(next.Turns, prev.Turns...)
	}
	next.Turns = append(next.Turns, memory.Turn{
		TurnID:  payload.TurnID,
		Query:   payload.Query,
		Intent:  intent,
		OrderNo: payload.OrderNo,
	})
	s.Memory.Put(payload.SessionID, next, s.memoryTTL())
}

// writeClarifyMemory persists a clarification terminal: the pending marker and
// the clarify transcript, so the next turn resumes the conversation.
func (s *RAGService) writeClarifyMemory(prev *memory.State, parse *resolver.ParseResult, gate *resolver.GateResult) {
	payload := gate.Payload
	if payload.SessionID == "" {
		return
	}
	next := memory.NewState()
	next.Slots = snapshotSlots(payload)
	if prev != nil {
		next.Turns = append(next.Turns, prev.Turns...)
		next.ResolvedSlots = prev.ResolvedSlots
	}
	next.Turns = append(next.Turns, memory.Turn{
		TurnID:  payload.TurnID,
		Query:   payload.Query,
		Intent:  parse.Intent,
		OrderNo: payload.OrderNo,
	})
	next.PendingClarification = &memory.PendingClarification{
		Decision: gate.Decision,
		Error:    gate.ClarifyError,
	}
	next.ClarifyMessages = clarifyTranscript(prev, gate)
	s.Memory.Put(payload.SessionID, next, s.memoryTTL())
}

// clarifyTranscript prefers the ReAct transcript of this turn; deterministic
// short circuits keep whatever transcript the session already had.
func clarifyTranscript(prev *memory.State, gate *resolver.GateResult) []llm.Message {
	if len(gate.ClarifyMessages) > 0 {
		return gate.ClarifyMessages
	}
	if prev != nil {
		return prev.ClarifyMessages
	}
	return nil
}
