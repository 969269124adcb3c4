package bizapi

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hrygo/parkwise/server/service/billing"
	"github.com/hrygo/parkwise/store"
)

// UpsertBillingRuleRequest updates the rule master by rule_code and appends a
// new version.
type UpsertBillingRuleRequest struct {
	RuleCode      string          `json:"rule_code"`
	Name          string          `json:"name"`
	Status        string          `json:"status"`
	ScopeType     string          `json:"scope_type"`
	Scope         json.RawMessage `json:"scope"`
	EffectiveFrom time.Time       `json:"effective_from"`
	EffectiveTo   *time.Time      `json:"effective_to,omitempty"`
	Priority      int             `json:"priority"`
	RulePayload   json.RawMessage `json:"rule_payload"`
}

func (s *BizAPIService) UpsertBillingRule(c echo.Context) error {
	request := &UpsertBillingRuleRequest{}
	if err := c.Bind(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Malformed request").SetInternal(err)
	}
	if request.RuleCode == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "rule_code is required")
	}
	if request.EffectiveFrom.IsZero() {
		return echo.NewHTTPError(http.StatusBadRequest, "effective_from is required")
	}
	if len(request.RulePayload) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "rule_payload is required")
	}
	var payload []billing.Segment
	if err := json.Unmarshal(request.RulePayload, &payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "rule_payload must be a segment list").SetInternal(err)
	}

	rule, err := s.Store.UpsertBillingRule(c.Request().Context(), &store.UpsertBillingRule{
		RuleCode:      request.RuleCode,
		Name:          request.Name,
		Status:        request.Status,
		ScopeType:     request.ScopeType,
		Scope:         request.Scope,
		EffectiveFrom: request.EffectiveFrom,
		EffectiveTo:   request.EffectiveTo,
		Priority:      request.Priority,
		RulePayload:   request.RulePayload,
	})
	if err != nil {
		if isVersionOverlap(err) {
			return echo.NewHTTPError(http.StatusConflict, "Effective window overlaps an existing version").SetInternal(err)
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to upsert billing rule").SetInternal(err)
	}
	return c.JSON(http.StatusOK, rule)
}

// SimulateBillingRequest asks for a fee simulation against the version of the
// rule active at entry_time.
type SimulateBillingRequest struct {
	RuleCode  string    `json:"rule_code"`
	EntryTime time.Time `json:"entry_time"`
	ExitTime  time.Time `json:"exit_time"`
}

// SimulateBillingResponse reports the simulated fee.
type SimulateBillingResponse struct {
	RuleCode        string                     `json:"rule_code"`
	VersionNo       int                        `json:"version_no"`
	DurationMinutes int                        `json:"duration_minutes"`
	TotalAmount     string                     `json:"total_amount"`
	Breakdown       []billing.SegmentBreakdown `json:"breakdown"`
}

func (s *BizAPIService) SimulateBilling(c echo.Context) error {
	request := &SimulateBillingRequest{}
	if err := c.Bind(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Malformed request").SetInternal(err)
	}
	if request.RuleCode == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "rule_code is required")
	}
	if request.EntryTime.IsZero() || request.ExitTime.IsZero() {
		return echo.NewHTTPError(http.StatusBadRequest, "entry_time and exit_time are required")
	}

	rule, err := s.Store.GetBillingRuleByCode(c.Request().Context(), request.RuleCode)
	if err != nil {
		if isNotFound(err) {
			return echo.NewHTTPError(http.StatusNotFound, "Billing rule not found").SetInternal(err)
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to get billing rule").SetInternal(err)
	}

	version := activeVersion(rule.Versions, request.EntryTime)
	if version == nil {
		return echo.NewHTTPError(http.StatusNotFound, "No billing rule version covers entry_time")
	}

	var payload []billing.Segment
	if err := json.Unmarshal(version.RulePayload, &payload); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Stored rule payload is invalid").SetInternal(err)
	}
	result, err := s.Engine.SimulateFee(payload, request.EntryTime, request.ExitTime)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to simulate fee").SetInternal(err)
	}

	return c.JSON(http.StatusOK, &SimulateBillingResponse{
		RuleCode:        rule.RuleCode,
		VersionNo:       version.VersionNo,
		DurationMinutes: result.DurationMinutes,
		TotalAmount:     result.TotalAmount.StringFixed(2),
		Breakdown:       result.Breakdown,
	})
}

// activeVersion picks the version whose [effective_from, effective_to) window
// covers entryTime, highest (priority, version_no) first.
func activeVersion(versions []*store.BillingRuleVersion, entryTime time.Time) *store.BillingRuleVersion {
	covering := []*store.BillingRuleVersion{}
	for _, version := range versions {
		if entryTime.Before(version.EffectiveFrom) {
			continue
		}
		if version.EffectiveTo != nil && !entryTime.Before(*version.EffectiveTo) {
			continue
		}
		covering = append(covering, version)
	}
	if len(covering) == 0 {
		return nil
	}
	sort.Slice(covering, func(i, j int) bool {
		if covering[i].Priority != covering[j].Priority {
			return covering[i].Priority > covering[j].Priority
		}
		return covering[i].VersionNo > covering[j].VersionNo
	})
	return covering[0]
}
