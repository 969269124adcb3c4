package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/hrygo/parkwise/ai/llm"
)

var orderNoPattern = regexp.MustCompile(`(?i)\bSCN-\d+\b`)

// orderReferenceTokens mark queries that point at an order without naming it.
var orderReferenceTokens = []string{"上一单", "上一笔", "这笔", "这单", "第一笔"}

const parseSystemPrompt = "你是停车业务意图与槽位解析器。" +
	"根据用户问题判断意图并抽取槽位，不确定的字段输出 null。" +
	"最终回复必须是单个 JSON 对象，禁止输出任何额外说明或 Markdown。" +
	`仅输出JSON: {"intent":"rule_explain|arrears_check|fee_verify"|null,` +
	`"intent_confidence":number|null,` +
	`"slots":{"order_no":string|null,"plate_no":string|null,"city_code":string|null,"lot_code":string|null},` +
	`"ambiguities":[string,...]}。`

// Parser performs stage 1: deterministic extraction plus an optional one-shot
// LLM augmentation.
type Parser struct {
	llm llm.Service // nil disables augmentation
}

// NewParser creates a parser. A nil service degrades to deterministic parsing.
func NewParser(service llm.Service) *Parser {
	return &Parser{llm: service}
}

type parseCompletion struct {
	Intent           string             `json:"intent"`
	IntentConfidence *float64           `json:"intent_confidence"`
	Slots            map[string]*string `json:"slots"`
	Ambiguities      []string           `json:"ambiguities"`
}

// Parse resolves intent and slots from the turn payload. User-provided values
// are never overwritten by inference.
func (p *Parser) Parse(ctx context.Context, payload *TurnPayload) *ParseResult {
	result := &ParseResult{
		Payload:      payload.Clone(),
		FieldSources: map[string]string{},
		Ambiguities:  []string{},
		Trace:        []string{},
	}
	for _, key := range SlotKeys {
		if result.Payload.Slot(key) != "" {
			result.FieldSources[key] = SourceUser
		}
	}

	if ValidIntent(result.Payload.IntentHint) {
		result.Intent = result.Payload.IntentHint
		result.Trace = append(result.Trace, "intent_slot_parse:intent_hint:"+result.Intent)
	}

	if result.Payload.OrderNo == "" {
		if match := orderNoPattern.FindString(result.Payload.Query); match != "" {
			result.Payload.OrderNo = strings.ToUpper(match)
			result.FieldSources["order_no"] = SourceUser
			result.Trace = append(result.Trace, "intent_slot_parse:order_no_from_query")
		}
	}

	if result.Payload.OrderNo == "" && wantsOrderReference(result.Payload.Query) {
		result.Ambiguities = append(result.Ambiguities, "order_reference")
		result.Trace = append(result.Trace, "intent_slot_parse:order_reference")
	}

	if result.Intent == "" {
		if p.llm == nil {
			result.Trace = append(result.Trace, "intent_slot_parse:llm_skip:no_api_key")
		} else {
			p.augmentWithLLM(ctx, result)
		}
	}

	result.MissingRequiredSlots = missingRequired(result.Intent, result.Payload)
	return result
}

// augmentWithLLM runs the one-shot parse call. Failures keep the deterministic
// result and leave a trace tag behind.
func (p *Parser) augmentWithLLM(ctx context.Context, result *ParseResult) {
	messages := []llm.Message{
		llm.SystemPrompt(parseSystemPrompt),
		llm.UserMessage(fmt.Sprintf(
			"根据用户问题选择一个最合适意图:\n"+
				"- rule_explain: 解释计费规则/政策\n"+
				"- arrears_check: 查询是否欠费/欠费订单\n"+
				"- fee_verify: 针对订单金额核验、重算、对账\n\n"+
				"用户问题: %s", result.Payload.Query)),
	}

	content, _, err := p.llm.Chat(ctx, messages)
	if err != nil {
		slog.Warn("intent_slot_parse: llm call failed, using deterministic result", "error", err)
		result.Trace = append(result.Trace, "intent_slot_parse:llm_fallback")
		return
	}
	raw, ok := llm.ExtractJSONObject(content)
	if !ok {
		result.Trace = append(result.Trace, "intent_slot_parse:llm_fallback")
		return
	}
	var completion parseCompletion
	if err := json.Unmarshal(raw, &completion); err != nil {
		result.Trace = append(result.Trace, "intent_slot_parse:llm_fallback")
		return
	}

	if result.Intent == "" && ValidIntent(completion.Intent) {
		result.Intent = completion.Intent
		result.IntentConfidence = completion.IntentConfidence
		result.Trace = append(result.Trace, "intent_slot_parse:llm:"+completion.Intent)
	} else {
		result.Trace = append(result.Trace, "intent_slot_parse:llm_fallback")
	}

	for _, key := range []string{"order_no", "plate_no", "city_code", "lot_code"} {
		value := completion.Slots[key]
		if value == nil || strings.TrimSpace(*value) == "" {
			continue
		}
		if result.Payload.Slot(key) != "" {
			continue
		}
		result.Payload.SetSlot(key, strings.TrimSpace(*value))
		result.FieldSources[key] = SourceInferred
	}

	for _, ambiguity := range completion.Ambiguities {
		if ambiguity != "" && !contains(result.Ambiguities, ambiguity) {
			result.Ambiguities = append(result.Ambiguities, ambiguity)
		}
	}
}

func wantsOrderReference(query string) bool {
	for _, token := range orderReferenceTokens {
		if strings.Contains(query, token) {
			return true
		}
	}
	return false
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
