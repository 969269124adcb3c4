package bizapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// ExecutionContext carries the resolved slots a fact builder may use.
type ExecutionContext struct {
	CityCode  string
	LotCode   string
	PlateNo   string
	OrderNo   string
	RuleCode  string
	EntryTime *time.Time
	ExitTime  *time.Time
}

// FactTools builds business fact maps for the answer synthesizer. Failures
// are reported inside the facts, never as Go errors, so a broken upstream
// still yields an answerable turn.
type FactTools struct {
	client *Client
}

// NewFactTools wraps the business API client.
func NewFactTools(client *Client) *FactTools {
	return &FactTools{client: client}
}

// BuildArrearsFacts queries unpaid orders for a plate.
func (t *FactTools) BuildArrearsFacts(ctx context.Context, bc *ExecutionContext) map[string]any {
	slog.Info("fact[arrears_check] start", "plate_no", bc.PlateNo, "city_code", bc.CityCode)
	attemptedTools := []string{"GET /api/v1/arrears-orders"}
	rows, err := t.client.GetArrearsOrders(ctx, bc.PlateNo, bc.CityCode)
	if err != nil {
		kind := "arrears_tool_request_error"
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			kind = "arrears_tool_http_error"
			slog.Warn("fact[arrears_check] http error", "status", statusErr.StatusCode)
		} else {
			slog.Warn("fact[arrears_check] request error", "error", err)
		}
		return map[string]any{
			"intent":          "arrears_check",
			"plate_no":        bc.PlateNo,
			"city_code":       bc.CityCode,
			"error":           kind,
			"attempted_tools": attemptedTools,
		}
	}
	orderNos := make([]string, 0, len(rows))
	for _, row := range rows {
		orderNos = append(orderNos, fmt.Sprint(row["order_no"]))
	}
	slog.Info("fact[arrears_check] done", "count", len(rows))
	return map[string]any{
		"intent":            "arrears_check",
		"plate_no":          bc.PlateNo,
		"city_code":         bc.CityCode,
		"arrears_count":     len(rows),
		"arrears_order_nos": orderNos,
		"orders":            rows,
		"attempted_tools":   attemptedTools,
	}
}

// BuildFeeVerifyFacts fetches the order, re-simulates the fee and compares
// the two totals at two decimal places.
func (t *FactTools) BuildFeeVerifyFacts(ctx context.Context, bc *ExecutionContext) map[string]any {
	if bc.OrderNo == "" {
		slog.Info("fact[fee_verify] skip", "reason", "missing_order_no")
		return map[string]any{
			"intent":          "fee_verify",
			"error":           "order_no is required for fee_verify",
			"error_detail":    "需要提供order_no后才能执行金额核验。",
			"attempted_tools": []string{},
		}
	}

	slog.Info("fact[fee_verify] start", "order_no", bc.OrderNo)
	attemptedTools := []string{"GET /api/v1/parking-orders/{order_no}"}
	order, err := t.client.GetParkingOrder(ctx, bc.OrderNo)
	if err != nil {
		kind := "order_tool_request_error"
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			kind = "order_tool_http_error"
			if statusErr.StatusCode == 404 {
				kind = "order_not_found"
			}
			slog.Warn("fact[fee_verify] get order http error", "status", statusErr.StatusCode, "order_no", bc.OrderNo)
		} else {
			slog.Warn("fact[fee_verify] get order request error", "order_no", bc.OrderNo, "error", err)
		}
		return map[string]any{
			"intent":          "fee_verify",
			"order_no":        bc.OrderNo,
			"error":           kind,
			"attempted_tools": attemptedTools,
		}
	}

	ruleCode := bc.RuleCode
	if ruleCode == "" {
		ruleCode = fmt.Sprint(orderField(order, "billing_rule_code"))
	}

	entryTime, ok := timeFromContextOrOrder(bc.EntryTime, order, "entry_time")
	if !ok {
		slog.Warn("fact[fee_verify] invalid entry_time", "order_no", bc.OrderNo)
		return map[string]any{
			"intent":          "fee_verify",
			"error":           "entry_time is invalid for fee_verify",
			"attempted_tools": attemptedTools,
		}
	}
	if bc.ExitTime == nil && orderField(order, "exit_time") == nil {
		slog.Warn("fact[fee_verify] missing exit_time", "order_no", bc.OrderNo)
		return map[string]any{
			"intent":          "fee_verify",
			"error":           "exit_time is required for fee_verify",
			"attempted_tools": attemptedTools,
		}
	}
	exitTime, ok := timeFromContextOrOrder(bc.ExitTime, order, "exit_time")
	if !ok {
		slog.Warn("fact[fee_verify] invalid exit_time", "order_no", bc.OrderNo)
		return map[string]any{
			"intent":          "fee_verify",
			"error":           "exit_time is invalid for fee_verify",
			"attempted_tools": attemptedTools,
		}
	}

	sim, err := t.client.SimulateBilling(ctx, ruleCode, entryTime, exitTime)
	if err != nil {
		kind := "simulate_tool_request_error"
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			kind = "simulate_tool_http_error"
			slog.Warn("fact[fee_verify] simulate http error", "status", statusErr.StatusCode, "order_no", bc.OrderNo)
		} else {
			slog.Warn("fact[fee_verify] simulate request error", "order_no", bc.OrderNo, "error", err)
		}
		return map[string]any{
			"intent":          "fee_verify",
			"order_no":        bc.OrderNo,
			"rule_code":       ruleCode,
			"entry_time":      entryTime.Format(time.RFC3339),
			"exit_time":       exitTime.Format(time.RFC3339),
			"error":           kind,
			"order":           order,
			"attempted_tools": attemptedTools,
		}
	}
	attemptedTools = append(attemptedTools, "POST /api/v1/billing-rules/simulate")

	orderTotal := normalizeDecimalString(orderField(order, "total_amount"))
	simTotal := normalizeDecimalString(sim["total_amount"])
	consistent := orderTotal == simTotal
	result, action := "一致", "自动通过"
	if !consistent {
		result, action = "不一致", "需人工复核"
	}
	slog.Info("fact[fee_verify] done", "order_no", bc.OrderNo, "amount_check_result", result)
	return map[string]any{
		"intent":              "fee_verify",
		"order_no":            bc.OrderNo,
		"rule_code":           ruleCode,
		"entry_time":          entryTime.Format(time.RFC3339),
		"exit_time":           exitTime.Format(time.RFC3339),
		"order_total_amount":  orderTotal,
		"sim_total_amount":    simTotal,
		"amount_check_result": result,
		"amount_check_action": action,
		"order":               order,
		"simulation":          sim,
		"attempted_tools":     attemptedTools,
	}
}

func orderField(order map[string]any, key string) any {
	if order == nil {
		return nil
	}
	return order[key]
}

// timeFromContextOrOrder prefers the caller-provided time and otherwise
// parses the order field.
func timeFromContextOrOrder(override *time.Time, order map[string]any, key string) (time.Time, bool) {
	if override != nil {
		return *override, true
	}
	raw := orderField(order, key)
	if raw == nil {
		return time.Time{}, false
	}
	return ParseTime(fmt.Sprint(raw))
}

// ParseTime accepts RFC 3339 timestamps and the zone-less variant the
// business API emits.
func ParseTime(value string) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, true
	}
	if t, err := time.ParseInLocation("2006-01-02T15:04:05", value, time.Local); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// normalizeDecimalString renders any JSON amount value with exactly two
// decimal places so totals from different sources compare as strings.
func normalizeDecimalString(value any) string {
	d := decimal.Zero
	switch v := value.(type) {
	case nil:
	case string:
		if parsed, err := decimal.NewFromString(v); err == nil {
			d = parsed
		}
	case float64:
		d = decimal.NewFromFloat(v)
	case json.Number:
		if parsed, err := decimal.NewFromString(v.String()); err == nil {
			d = parsed
		}
	case decimal.Decimal:
		d = v
	default:
		if parsed, err := decimal.NewFromString(fmt.Sprint(v)); err == nil {
			d = parsed
		}
	}
	return d.StringFixed(2)
}
