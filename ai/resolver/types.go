// Package resolver turns a raw user turn into either a routable business
// request or a terminal clarification.
package resolver

import (
	"context"

	"github.com/hrygo/parkwise/ai/llm"
	"github.com/hrygo/parkwise/ai/memory"
)

// Intents.
const (
	IntentRuleExplain  = "rule_explain"
	IntentArrearsCheck = "arrears_check"
	IntentFeeVerify    = "fee_verify"
)

// ValidIntent reports whether s names a routable intent.
func ValidIntent(s string) bool {
	switch s {
	case IntentRuleExplain, IntentArrearsCheck, IntentFeeVerify:
		return true
	}
	return false
}

// RequiredSlots returns the slots an intent cannot run without.
func RequiredSlots(intent string) []string {
	switch intent {
	case IntentFeeVerify:
		return []string{"order_no"}
	case IntentArrearsCheck:
		return []string{"plate_no"}
	}
	return nil
}

// Slot value provenance.
const (
	SourceUser     = "user"
	SourceMemory   = "memory"
	SourceInferred = "inferred"
)

// Gate decisions.
const (
	DecisionContinueBusiness    = "continue_business"
	DecisionClarifyShortCircuit = "clarify_short_circuit"
	DecisionClarifyReact        = "clarify_react"
	DecisionClarifyAbort        = "clarify_abort"
)

// TurnPayload is the immutable per-turn request context. Empty strings mean
// the field was not provided.
type TurnPayload struct {
	SessionID  string `json:"session_id,omitempty"`
	TurnID     string `json:"turn_id,omitempty"`
	Query      string `json:"query"`
	IntentHint string `json:"intent_hint,omitempty"`

	CityCode string `json:"city_code,omitempty"`
	LotCode  string `json:"lot_code,omitempty"`
	PlateNo  string `json:"plate_no,omitempty"`
	OrderNo  string `json:"order_no,omitempty"`
	AtTime   string `json:"at_time,omitempty"`

	TopK            int      `json:"top_k,omitempty"`
	DocType         string   `json:"doc_type,omitempty"`
	SourceType      string   `json:"source_type,omitempty"`
	SourceIDs       []string `json:"source_ids,omitempty"`
	IncludeInactive bool     `json:"include_inactive,omitempty"`

	RuleCode  string `json:"rule_code,omitempty"`
	EntryTime string `json:"entry_time,omitempty"`
	ExitTime  string `json:"exit_time,omitempty"`
}

// Clone returns a shallow copy safe for per-stage mutation.
func (p *TurnPayload) Clone() *TurnPayload {
	clone := *p
	if p.SourceIDs != nil {
		clone.SourceIDs = append([]string(nil), p.SourceIDs...)
	}
	return &clone
}

// Slot returns the named slot value, or "" for unknown keys.
func (p *TurnPayload) Slot(key string) string {
	switch key {
	case "city_code":
		return p.CityCode
	case "lot_code":
		return p.LotCode
	case "plate_no":
		return p.PlateNo
	case "order_no":
		return p.OrderNo
	case "at_time":
		return p.AtTime
	}
	return ""
}

// SetSlot assigns a named slot; unknown keys are ignored.
func (p *TurnPayload) SetSlot(key, value string) {
	switch key {
	case "city_code":
		p.CityCode = value
	case "lot_code":
		p.LotCode = value
	case "plate_no":
		p.PlateNo = value
	case "order_no":
		p.OrderNo = value
	case "at_time":
		p.AtTime = value
	}
}

// SlotKeys is the canonical slot iteration order.
var SlotKeys = []string{"city_code", "lot_code", "plate_no", "order_no", "at_time"}

// ParseResult is the stage-1 artifact.
type ParseResult struct {
	Payload              *TurnPayload      `json:"payload"`
	Intent               string            `json:"intent,omitempty"`
	IntentConfidence     *float64          `json:"intent_confidence,omitempty"`
	FieldSources         map[string]string `json:"field_sources"`
	MissingRequiredSlots []string          `json:"missing_required_slots"`
	Ambiguities          []string          `json:"ambiguities"`
	Trace                []string          `json:"trace"`
}

// HydrateResult is the stage-2 artifact.
type HydrateResult struct {
	Payload              *TurnPayload      `json:"payload"`
	FieldSources         map[string]string `json:"field_sources"`
	MissingRequiredSlots []string          `json:"missing_required_slots"`
	Trace                []string          `json:"trace"`
}

// GateResult is the resolver's terminal artifact. Only the gate may emit
// DecisionContinueBusiness.
type GateResult struct {
	Decision        string        `json:"decision"`
	Payload         *TurnPayload  `json:"payload"`
	ClarifyReason   string        `json:"clarify_reason,omitempty"`
	ClarifyError    string        `json:"clarify_error,omitempty"`
	Trace           []string      `json:"trace"`
	ClarifyMessages []llm.Message `json:"clarify_messages,omitempty"`
}

// ClarifyTask is the input handed to the clarification sub-agent.
type ClarifyTask struct {
	Payload       *TurnPayload
	RequiredSlots []string
	Memory        *memory.State
	MaxRounds     int
}

// ClarifyOutcome is the sub-agent's normalized result.
type ClarifyOutcome struct {
	Decision             string            `json:"decision"`
	ClarifyQuestion      string            `json:"clarify_question,omitempty"`
	ResolvedSlots        map[string]string `json:"resolved_slots"`
	ResolvedIntent       string            `json:"resolved_intent,omitempty"`
	RouteTarget          string            `json:"route_target,omitempty"`
	IntentEvidence       []string          `json:"intent_evidence,omitempty"`
	MissingRequiredSlots []string          `json:"missing_required_slots"`
	Trace                []string          `json:"trace"`
	Messages             []llm.Message     `json:"messages,omitempty"`
}

// ClarifyAgent runs one bounded clarification loop.
type ClarifyAgent interface {
	RunClarifyTask(ctx context.Context, task *ClarifyTask) (*ClarifyOutcome, error)
}

func missingRequired(intent string, payload *TurnPayload) []string {
	missing := []string{}
	for _, slot := range RequiredSlots(intent) {
		if payload.Slot(slot) == "" {
			missing = append(missing, slot)
		}
	}
	return missing
}
