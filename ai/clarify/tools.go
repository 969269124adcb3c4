package clarify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/hrygo/parkwise/ai/llm"
	"github.com/hrygo/parkwise/plugin/bizapi"
)

// Toolset exposes the business lookups the clarification agent may call.
// Every tool returns a JSON object string; lookup failures are reported
// inside the object so the agent can reason about them.
type Toolset struct {
	client *bizapi.Client
}

// NewToolset wraps the business API client.
func NewToolset(client *bizapi.Client) *Toolset {
	return &Toolset{client: client}
}

// Descriptors lists the tools for the chat completion request.
func (t *Toolset) Descriptors() []llm.ToolDescriptor {
	return []llm.ToolDescriptor{
		{
			Name:        "lookup_order",
			Description: "按订单号查询订单是否存在。",
			Parameters: `{"type":"object","properties":{` +
				`"order_no":{"type":"string","description":"订单号，例如 SCN-020"}},` +
				`"required":["order_no"]}`,
		},
		{
			Name:        "query_billing_rules_by_params",
			Description: "按停车场编码（可选城市）查询是否存在匹配的计费规则。",
			Parameters: `{"type":"object","properties":{` +
				`"lot_code":{"type":"string","description":"停车场编码"},` +
				`"city_code":{"type":"string","description":"城市行政区划代码，可选"}},` +
				`"required":["lot_code"]}`,
		},
	}
}

// Execute dispatches a tool call and renders the result as JSON.
func (t *Toolset) Execute(ctx context.Context, call llm.ToolCall) (string, error) {
	var args map[string]string
	if call.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			return "", errors.Wrapf(err, "decode arguments for %s", call.Function.Name)
		}
	}
	switch call.Function.Name {
	case "lookup_order":
		return marshalToolResult(t.lookupOrder(ctx, args["order_no"]))
	case "query_billing_rules_by_params":
		return marshalToolResult(t.queryBillingRulesByParams(ctx, args["lot_code"], args["city_code"]))
	}
	return "", errors.Errorf("unknown tool %q", call.Function.Name)
}

func (t *Toolset) lookupOrder(ctx context.Context, orderNo string) map[string]any {
	normalized := strings.ToUpper(strings.TrimSpace(orderNo))
	if normalized == "" {
		return map[string]any{"tool": "lookup_order", "hit": false, "reason": "missing_order_no"}
	}
	order, err := t.client.GetParkingOrder(ctx, normalized)
	if err != nil {
		return map[string]any{
			"tool":     "lookup_order",
			"hit":      false,
			"order_no": normalized,
			"reason":   toolFailureReason(err),
		}
	}
	return map[string]any{
		"tool":      "lookup_order",
		"hit":       true,
		"order_no":  normalized,
		"plate_no":  order["plate_no"],
		"city_code": order["city_code"],
		"lot_code":  order["lot_code"],
	}
}

func (t *Toolset) queryBillingRulesByParams(ctx context.Context, lotCode, cityCode string) map[string]any {
	normalizedLot := strings.ToUpper(strings.TrimSpace(lotCode))
	normalizedCity := strings.TrimSpace(cityCode)
	if normalizedLot == "" {
		return map[string]any{"tool": "query_billing_rules_by_params", "hit": false, "reason": "missing_lot_code"}
	}
	rows, err := t.client.GetBillingRules(ctx, normalizedCity, normalizedLot)
	if err != nil {
		return map[string]any{
			"tool":      "query_billing_rules_by_params",
			"hit":       false,
			"lot_code":  normalizedLot,
			"city_code": normalizedCity,
			"reason":    toolFailureReason(err),
		}
	}
	if len(rows) == 0 {
		return map[string]any{
			"tool":      "query_billing_rules_by_params",
			"hit":       false,
			"lot_code":  normalizedLot,
			"city_code": normalizedCity,
			"reason":    "rule_not_found",
		}
	}
	ruleCodes := make([]string, 0, len(rows))
	for _, row := range rows {
		ruleCodes = append(ruleCodes, fmt.Sprint(row["rule_code"]))
	}
	return map[string]any{
		"tool":               "query_billing_rules_by_params",
		"hit":                true,
		"lot_code":           normalizedLot,
		"city_code":          normalizedCity,
		"matched_rule_count": len(rows),
		"rule_codes":         ruleCodes,
	}
}

func toolFailureReason(err error) string {
	var statusErr *bizapi.StatusError
	if errors.As(err, &statusErr) {
		return fmt.Sprintf("http_%d", statusErr.StatusCode)
	}
	return "request_error"
}

func marshalToolResult(result map[string]any) (string, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return "", errors.Wrap(err, "marshal tool result")
	}
	return string(data), nil
}
