package resolver

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/hrygo/parkwise/ai/memory"
)

var errNoClarifyAgent = errors.New("no clarify agent configured")

// Clarify prompts keyed by the missing information.
const (
	clarifyAskOrderNo   = "请提供要核验的订单号（order_no，例如 SCN-020）。"
	clarifyAskPlateNo   = "请提供要查询欠费的车牌号（plate_no，例如 沪A12345）。"
	clarifyAskRequired  = "请补充必要信息后继续。"
	clarifyUnavailable  = "当前澄清流程暂不可用，请补充必要信息后继续。"
	clarifyAskIntent    = "请先确认你的问题类型：规则解释、欠费查询，还是订单金额核验？"
	clarifyAbortMessage = "当前信息仍不足以继续，请补充关键信息后重试。"
)

// Gate is the single authority on how the resolver terminates a turn.
type Gate struct {
	agent     ClarifyAgent // nil means the ReAct path always falls back
	maxRounds int
}

// NewGate creates a gate around the clarification sub-agent.
func NewGate(agent ClarifyAgent, maxRounds int) *Gate {
	if maxRounds < 1 {
		maxRounds = 3
	}
	return &Gate{agent: agent, maxRounds: maxRounds}
}

// Decide evaluates the decision policy top-down: pass, deterministic short
// circuit, then a single ReAct invocation with normalization.
func (g *Gate) Decide(ctx context.Context, parse *ParseResult, hydrate *HydrateResult, state *memory.State) *GateResult {
	needReact := len(hydrate.MissingRequiredSlots) > 0 || parse.Intent == ""
	trace := []string{}
	if contains(parse.Ambiguities, "order_reference") && hydrate.Payload.OrderNo == "" {
		needReact = true
		trace = append(trace, "react_clarify_gate_async:order_reference")
	}

	if !needReact {
		if len(trace) == 0 {
			trace = append(trace, "react_clarify_gate_async:pass")
		}
		return &GateResult{
			Decision: DecisionContinueBusiness,
			Payload:  hydrate.Payload,
			Trace:    trace,
		}
	}

	if short := g.shortCircuit(parse, hydrate, trace); short != nil {
		return short
	}

	trace = append(trace, "react_clarify_gate_async:enter_react")
	outcome, err := g.invokeReactOnce(ctx, parse, hydrate, state)
	if err != nil {
		slog.Warn("react_clarify_gate: react loop failed, falling back", "error", err)
		return &GateResult{
			Decision:      DecisionClarifyShortCircuit,
			Payload:       hydrate.Payload,
			ClarifyReason: clarifyUnavailable,
			ClarifyError:  "clarify_fallback",
			Trace:         append(trace, "react_clarify_gate_async:fallback:react_error"),
		}
	}
	return g.normalizeReactOutcome(parse, hydrate, trace, outcome)
}

// shortCircuit answers deterministically when the intent is already known and
// only required slots are missing. The LLM is never consulted here.
func (g *Gate) shortCircuit(parse *ParseResult, hydrate *HydrateResult, trace []string) *GateResult {
	if parse.Intent == "" || len(hydrate.MissingRequiredSlots) == 0 {
		return nil
	}
	reason, errKind := clarifyAskRequired, "missing_required_slots"
	if contains(hydrate.MissingRequiredSlots, "order_no") {
		reason, errKind = clarifyAskOrderNo, "missing_order_no"
	} else if contains(hydrate.MissingRequiredSlots, "plate_no") {
		reason, errKind = clarifyAskPlateNo, "missing_plate_no"
	}
	return &GateResult{
		Decision:      DecisionClarifyShortCircuit,
		Payload:       hydrate.Payload,
		ClarifyReason: reason,
		ClarifyError:  errKind,
		Trace:         append(trace, "react_clarify_gate_async:short_circuit:"+errKind),
	}
}

func (g *Gate) invokeReactOnce(ctx context.Context, parse *ParseResult, hydrate *HydrateResult, state *memory.State) (*ClarifyOutcome, error) {
	if g.agent == nil {
		return nil, errNoClarifyAgent
	}
	return g.agent.RunClarifyTask(ctx, &ClarifyTask{
		Payload:       hydrate.Payload,
		RequiredSlots: RequiredSlots(parse.Intent),
		Memory:        state,
		MaxRounds:     g.maxRounds,
	})
}

// normalizeReactOutcome rewrites the sub-agent result into the gate contract.
func (g *Gate) normalizeReactOutcome(parse *ParseResult, hydrate *HydrateResult, trace []string, outcome *ClarifyOutcome) *GateResult {
	payload := hydrate.Payload.Clone()
	for key, value := range outcome.ResolvedSlots {
		if value != "" {
			payload.SetSlot(key, value)
		}
	}
	trace = append(trace, outcome.Trace...)

	if outcome.Decision == DecisionContinueBusiness {
		resolvedIntent := outcome.ResolvedIntent
		if resolvedIntent == "" {
			resolvedIntent = parse.Intent
		}
		switch {
		case resolvedIntent == "" || !ValidIntent(resolvedIntent):
			return &GateResult{
				Decision:        DecisionClarifyReact,
				Payload:         payload,
				ClarifyReason:   questionOr(outcome.ClarifyQuestion, clarifyAskIntent),
				ClarifyError:    "missing_intent",
				Trace:           append(trace, "react_clarify_gate_async:pending_intent"),
				ClarifyMessages: outcome.Messages,
			}
		case outcome.RouteTarget != "" && outcome.RouteTarget != resolvedIntent:
			return &GateResult{
				Decision:        DecisionClarifyReact,
				Payload:         payload,
				ClarifyReason:   questionOr(outcome.ClarifyQuestion, clarifyAskRequired),
				ClarifyError:    "intent_route_mismatch",
				Trace:           append(trace, "react_clarify_gate_async:intent_route_mismatch"),
				ClarifyMessages: outcome.Messages,
			}
		case len(outcome.MissingRequiredSlots) == 0:
			payload.IntentHint = resolvedIntent
			return &GateResult{
				Decision:        DecisionContinueBusiness,
				Payload:         payload,
				Trace:           append(trace, "react_clarify_gate_async:continue_business"),
				ClarifyMessages: outcome.Messages,
			}
		}
	}

	if outcome.Decision == DecisionClarifyAbort {
		return &GateResult{
			Decision:        DecisionClarifyAbort,
			Payload:         payload,
			ClarifyReason:   questionOr(outcome.ClarifyQuestion, clarifyAbortMessage),
			ClarifyError:    "clarify_abort",
			Trace:           append(trace, "react_clarify_gate_async:abort"),
			ClarifyMessages: outcome.Messages,
		}
	}

	return &GateResult{
		Decision:        DecisionClarifyReact,
		Payload:         payload,
		ClarifyReason:   questionOr(outcome.ClarifyQuestion, clarifyAskRequired),
		ClarifyError:    "clarify_react_required",
		Trace:           append(trace, "react_clarify_gate_async:clarify_react"),
		ClarifyMessages: outcome.Messages,
	}
}

func questionOr(question, fallback string) string {
	if question != "" {
		return question
	}
	return fallback
}
