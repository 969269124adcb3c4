// Package workflow runs the hybrid answer graph: route by intent, gather
// business facts, retrieve evidence, synthesize a grounded answer.
package workflow

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/pkg/errors"

	"github.com/hrygo/parkwise/ai/resolver"
	"github.com/hrygo/parkwise/plugin/bizapi"
	"github.com/hrygo/parkwise/store"
)

// NoEvidenceConclusion is returned when neither chunks nor facts exist.
const NoEvidenceConclusion = "未检索到可用证据，暂时无法回答该问题。"

type (
	// RetrieveFunc fetches knowledge chunks for the turn's filters.
	RetrieveFunc func(ctx context.Context, payload *resolver.TurnPayload) ([]*store.RetrievedChunk, error)
	// FactsFunc builds business facts; failures are embedded in the map.
	FactsFunc func(ctx context.Context, payload *resolver.TurnPayload) map[string]any
	// SynthesizeFunc produces (conclusion, key_points, model) from evidence.
	SynthesizeFunc func(ctx context.Context, query string, items []*store.RetrievedChunk, facts map[string]any, intent string) (string, []string, string, error)
)

// Workflow wires the graph nodes. Function-valued dependencies keep the
// branch executors swappable in tests.
type Workflow struct {
	Retrieve     RetrieveFunc
	ArrearsFacts FactsFunc
	FeeFacts     FactsFunc
	Synthesize   SynthesizeFunc
}

// New assembles the production workflow from the fact tools, the retrieval
// function, and the answer synthesizer.
func New(facts *bizapi.FactTools, retrieve RetrieveFunc, synthesizer *Synthesizer) *Workflow {
	return &Workflow{
		Retrieve: retrieve,
		ArrearsFacts: func(ctx context.Context, p *resolver.TurnPayload) map[string]any {
			return facts.BuildArrearsFacts(ctx, executionContext(p))
		},
		FeeFacts: func(ctx context.Context, p *resolver.TurnPayload) map[string]any {
			return facts.BuildFeeVerifyFacts(ctx, executionContext(p))
		},
		Synthesize: synthesizer.Synthesize,
	}
}

// State is the accumulated graph state returned to the handler.
type State struct {
	Intent         string                  `json:"intent"`
	RetrievedItems []*store.RetrievedChunk `json:"retrieved_items"`
	BusinessFacts  map[string]any          `json:"business_facts"`
	Conclusion     string                  `json:"conclusion"`
	KeyPoints      []string                `json:"key_points"`
	Model          string                  `json:"model"`
	Trace          []string                `json:"trace"`
}

// Run executes the graph for one turn. The resolver gate already decided the
// intent; an invalid one is a contract violation and skips straight to the
// synthesizer with an error fact.
func (w *Workflow) Run(ctx context.Context, payload *resolver.TurnPayload, requestID string) (*State, error) {
	state := &State{Trace: []string{}, BusinessFacts: map[string]any{}}

	intent := payload.IntentHint
	if !resolver.ValidIntent(intent) {
		slog.Warn("hybrid: intent contract violated", "request_id", requestID, "intent_hint", intent)
		state.BusinessFacts = map[string]any{"error": "missing_intent_contract"}
		state.Trace = append(state.Trace, "missing_intent_contract")
		if err := w.synthesize(ctx, payload, state, requestID); err != nil {
			return nil, err
		}
		return state, nil
	}
	state.Intent = intent
	state.Trace = append(state.Trace, "intent_classifier:"+intent)
	slog.Info("hybrid: node=intent_classifier", "request_id", requestID, "intent", intent)

	switch intent {
	case resolver.IntentArrearsCheck:
		state.BusinessFacts = w.ArrearsFacts(ctx, payload)
		state.Trace = append(state.Trace, "arrears_check_flow")
		slog.Info("hybrid: node=arrears_check_flow",
			"request_id", requestID, "arrears_count", state.BusinessFacts["arrears_count"])
	case resolver.IntentFeeVerify:
		state.BusinessFacts = w.FeeFacts(ctx, payload)
		state.Trace = append(state.Trace, "fee_verify_flow")
		slog.Info("hybrid: node=fee_verify_flow",
			"request_id", requestID,
			"amount_check_result", state.BusinessFacts["amount_check_result"],
			"error", state.BusinessFacts["error"])
		if err := w.retrieve(ctx, payload, state, requestID); err != nil {
			return nil, err
		}
	default:
		state.BusinessFacts = map[string]any{"intent": "rule_explain", "note": "RAG-only explanation flow"}
		state.Trace = append(state.Trace, "rule_explain_flow")
		slog.Info("hybrid: node=rule_explain_flow", "request_id", requestID)
		if err := w.retrieve(ctx, payload, state, requestID); err != nil {
			return nil, err
		}
	}

	if err := w.synthesize(ctx, payload, state, requestID); err != nil {
		return nil, err
	}
	return state, nil
}

func (w *Workflow) retrieve(ctx context.Context, payload *resolver.TurnPayload, state *State, requestID string) error {
	items, err := w.Retrieve(ctx, payload)
	if err != nil {
		return errors.Wrap(err, "rag retrieve")
	}
	state.RetrievedItems = items
	state.Trace = append(state.Trace, "rag_retrieve:"+strconv.Itoa(len(items)))
	slog.Info("hybrid: node=rag_retrieve", "request_id", requestID, "retrieved_count", len(items))
	return nil
}

func (w *Workflow) synthesize(ctx context.Context, payload *resolver.TurnPayload, state *State, requestID string) error {
	if len(state.RetrievedItems) == 0 && len(state.BusinessFacts) == 0 {
		slog.Info("hybrid: node=answer_synthesizer no data", "request_id", requestID)
		state.Conclusion = NoEvidenceConclusion
		state.KeyPoints = []string{}
		state.Model = ""
		state.Trace = append(state.Trace, "answer_synthesizer:no_data")
		return nil
	}
	conclusion, keyPoints, model, err := w.Synthesize(ctx, payload.Query, state.RetrievedItems, state.BusinessFacts, state.Intent)
	if err != nil {
		return errors.Wrap(err, "answer synthesizer")
	}
	state.Conclusion = conclusion
	state.KeyPoints = keyPoints
	state.Model = model
	state.Trace = append(state.Trace, "answer_synthesizer")
	slog.Info("hybrid: node=answer_synthesizer done",
		"request_id", requestID, "model", model, "key_points", len(keyPoints))
	return nil
}

func executionContext(p *resolver.TurnPayload) *bizapi.ExecutionContext {
	ec := &bizapi.ExecutionContext{
		CityCode: p.CityCode,
		LotCode:  p.LotCode,
		PlateNo:  p.PlateNo,
		OrderNo:  p.OrderNo,
		RuleCode: p.RuleCode,
	}
	if p.EntryTime != "" {
		if t, ok := bizapi.ParseTime(p.EntryTime); ok {
			ec.EntryTime = &t
		}
	}
	if p.ExitTime != "" {
		if t, ok := bizapi.ParseTime(p.ExitTime); ok {
			ec.ExitTime = &t
		}
	}
	return ec
}
