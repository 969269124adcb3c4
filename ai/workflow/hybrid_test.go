package workflow

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/parkwise/ai/resolver"
	"github.com/hrygo/parkwise/store"
)

type workflowRecorder struct {
	retrieveCalls   int
	arrearsCalls    int
	feeCalls        int
	synthesizeCalls int
	synthFacts      map[string]any
	synthIntent     string

	retrieved []*store.RetrievedChunk
	synthErr  error
}

func (r *workflowRecorder) workflow() *Workflow {
	return &Workflow{
		Retrieve: func(_ context.Context, _ *resolver.TurnPayload) ([]*store.RetrievedChunk, error) {
			r.retrieveCalls++
			return r.retrieved, nil
		},
		ArrearsFacts: func(_ context.Context, p *resolver.TurnPayload) map[string]any {
			r.arrearsCalls++
			return map[string]any{"intent": "arrears_check", "plate_no": p.PlateNo, "arrears_count": 2}
		},
		FeeFacts: func(_ context.Context, p *resolver.TurnPayload) map[string]any {
			r.feeCalls++
			return map[string]any{"intent": "fee_verify", "order_no": p.OrderNo, "amount_check_result": "不一致"}
		},
		Synthesize: func(_ context.Context, _ string, _ []*store.RetrievedChunk, facts map[string]any, intent string) (string, []string, string, error) {
			r.synthesizeCalls++
			r.synthFacts = facts
			r.synthIntent = intent
			if r.synthErr != nil {
				return "", nil, "", r.synthErr
			}
			return "综合结论", []string{"要点一"}, "deepseek-chat", nil
		},
	}
}

func chunk(id int64) *store.RetrievedChunk {
	return &store.RetrievedChunk{ChunkID: id, SourceID: "src-1", Title: "计费规则", Content: "首小时4元"}
}

func TestWorkflowArrearsCheckSkipsRetrieve(t *testing.T) {
	rec := &workflowRecorder{retrieved: []*store.RetrievedChunk{chunk(1)}}
	w := rec.workflow()

	state, err := w.Run(context.Background(), &resolver.TurnPayload{
		Query:      "沪SCN009有没有欠费",
		IntentHint: resolver.IntentArrearsCheck,
		PlateNo:    "沪SCN009",
	}, "req-1")

	require.NoError(t, err)
	require.Zero(t, rec.retrieveCalls)
	require.Equal(t, 1, rec.arrearsCalls)
	require.Equal(t, []string{
		"intent_classifier:arrears_check",
		"arrears_check_flow",
		"answer_synthesizer",
	}, state.Trace)
	require.Empty(t, state.RetrievedItems)
	require.Equal(t, 2, state.BusinessFacts["arrears_count"])
	require.Equal(t, "综合结论", state.Conclusion)
}

func TestWorkflowFeeVerifyRetrieves(t *testing.T) {
	rec := &workflowRecorder{retrieved: []*store.RetrievedChunk{chunk(1), chunk(2)}}
	w := rec.workflow()

	state, err := w.Run(context.Background(), &resolver.TurnPayload{
		Query:      "核验订单 SCN-020",
		IntentHint: resolver.IntentFeeVerify,
		OrderNo:    "SCN-020",
	}, "req-2")

	require.NoError(t, err)
	require.Equal(t, 1, rec.retrieveCalls)
	require.Equal(t, 1, rec.feeCalls)
	require.Equal(t, []string{
		"intent_classifier:fee_verify",
		"fee_verify_flow",
		"rag_retrieve:2",
		"answer_synthesizer",
	}, state.Trace)
	require.Equal(t, "fee_verify", rec.synthIntent)
	require.Len(t, state.RetrievedItems, 2)
}

func TestWorkflowRuleExplainRetrieves(t *testing.T) {
	rec := &workflowRecorder{retrieved: []*store.RetrievedChunk{chunk(1)}}
	w := rec.workflow()

	state, err := w.Run(context.Background(), &resolver.TurnPayload{
		Query:      "夜间停车怎么收费",
		IntentHint: resolver.IntentRuleExplain,
	}, "req-3")

	require.NoError(t, err)
	require.Equal(t, 1, rec.retrieveCalls)
	require.Equal(t, []string{
		"intent_classifier:rule_explain",
		"rule_explain_flow",
		"rag_retrieve:1",
		"answer_synthesizer",
	}, state.Trace)
	require.Equal(t, "RAG-only explanation flow", state.BusinessFacts["note"])
}

func TestWorkflowMissingIntentContract(t *testing.T) {
	rec := &workflowRecorder{}
	w := rec.workflow()

	state, err := w.Run(context.Background(), &resolver.TurnPayload{Query: "随便问问"}, "req-4")

	require.NoError(t, err)
	require.Zero(t, rec.retrieveCalls)
	require.Zero(t, rec.arrearsCalls)
	require.Zero(t, rec.feeCalls)
	require.Contains(t, state.Trace, "missing_intent_contract")
	require.Equal(t, "missing_intent_contract", state.BusinessFacts["error"])
	require.Empty(t, state.Intent)
	// Facts carry the error, so the synthesizer still runs.
	require.Equal(t, 1, rec.synthesizeCalls)
}

func TestWorkflowNoEvidence(t *testing.T) {
	rec := &workflowRecorder{}
	w := rec.workflow()
	w.FeeFacts = func(_ context.Context, _ *resolver.TurnPayload) map[string]any { return map[string]any{} }

	state, err := w.Run(context.Background(), &resolver.TurnPayload{
		Query:      "核验一下",
		IntentHint: resolver.IntentFeeVerify,
		OrderNo:    "SCN-020",
	}, "req-5")

	require.NoError(t, err)
	require.Zero(t, rec.synthesizeCalls)
	require.Equal(t, NoEvidenceConclusion, state.Conclusion)
	require.Empty(t, state.Model)
	require.Contains(t, state.Trace, "answer_synthesizer:no_data")
}

func TestWorkflowSynthesisErrorPropagates(t *testing.T) {
	rec := &workflowRecorder{synthErr: errors.New("llm down")}
	w := rec.workflow()

	_, err := w.Run(context.Background(), &resolver.TurnPayload{
		Query:      "夜间停车怎么收费",
		IntentHint: resolver.IntentRuleExplain,
	}, "req-6")

	require.Error(t, err)
	require.Contains(t, err.Error(), "answer synthesizer")
}
