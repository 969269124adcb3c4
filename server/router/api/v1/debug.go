package v1

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/hrygo/parkwise/ai/resolver"
)

// DebugIntentSlotParse runs parse and hydrate against the live session memory
// without touching it.
func (s *RAGService) DebugIntentSlotParse(c echo.Context) error {
	ctx := c.Request().Context()

	payload := &resolver.TurnPayload{}
	if err := c.Bind(payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Malformed request").SetInternal(err)
	}
	payload.Query = strings.TrimSpace(payload.Query)
	if payload.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}

	state, _ := s.Memory.Get(payload.SessionID)
	parse := s.Parser.Parse(ctx, payload)
	hydrate := resolver.Hydrate(parse, state)

	return c.JSON(http.StatusOK, map[string]any{
		"parse":   parse,
		"hydrate": hydrate,
	})
}

// DebugClarifyReact runs the full resolver including the gate and applies the
// same memory write as the hybrid endpoint, so multi-turn clarification flows
// can be exercised in isolation.
func (s *RAGService) DebugClarifyReact(c echo.Context) error {
	ctx := c.Request().Context()

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

	state, _ := s.Memory.Get(payload.SessionID)
	parse := s.Parser.Parse(ctx, payload)
	hydrate := resolver.Hydrate(parse, state)
	gate := s.Gate.Decide(ctx, parse, hydrate, state)
	s.Metrics.RecordGateDecision(gate.Decision, gate.ClarifyError)

	if gate.Decision == resolver.DecisionContinueBusiness {
		intent := gate.Payload.IntentHint
		if intent == "" {
			intent = parse.Intent
		}
		s.writeContinueMemory(state, gate.Payload, intent)
	} else {
		s.writeClarifyMemory(state, parse, gate)
	}

	trace := make([]string, 0, len(parse.Trace)+len(hydrate.Trace)+len(gate.Trace))
	trace = append(trace, parse.Trace...)
	trace = append(trace, hydrate.Trace...)
	trace = append(trace, gate.Trace...)

	return c.JSON(http.StatusOK, map[string]any{
		"decision":       gate.Decision,
		"payload":        gate.Payload,
		"clarify_reason": gate.ClarifyReason,
		"clarify_error":  gate.ClarifyError,
		"trace":          trace,
	})
}
