package store

import (
	"encoding/json"
	"time"
)

// BillingRule is the rule master row; versions carry the effective payloads.
type BillingRule struct {
	ID        int64                 `json:"id"`
	RuleCode  string                `json:"rule_code"`
	Name      string                `json:"name"`
	Status    string                `json:"status"`
	ScopeType string                `json:"scope_type"`
	Scope     json.RawMessage       `json:"scope"`
	CreatedAt time.Time             `json:"created_at"`
	UpdatedAt time.Time             `json:"updated_at"`
	Versions  []*BillingRuleVersion `json:"versions"`
}

// BillingRuleVersion is one effective window of a rule.
// RulePayload is the ordered segment list consumed by the billing engine.
type BillingRuleVersion struct {
	ID            int64           `json:"id"`
	RuleID        int64           `json:"rule_id"`
	VersionNo     int             `json:"version_no"`
	EffectiveFrom time.Time       `json:"effective_from"`
	EffectiveTo   *time.Time      `json:"effective_to"`
	Priority      int             `json:"priority"`
	RulePayload   json.RawMessage `json:"rule_payload"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// UpsertBillingRule updates the rule master by RuleCode and appends a new version.
type UpsertBillingRule struct {
	RuleCode      string
	Name          string
	Status        string
	ScopeType     string
	Scope         json.RawMessage
	EffectiveFrom time.Time
	EffectiveTo   *time.Time
	Priority      int
	RulePayload   json.RawMessage
}

// FindBillingRules filters the rule list.
type FindBillingRules struct {
	CityCode *string
	LotCode  *string
}
