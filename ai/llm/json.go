package llm

import (
	"encoding/json"
	"strings"
)

// ExtractJSONObject pulls the first JSON object out of a model completion.
// It tolerates ``` fences and leading prose around the object.
func ExtractJSONObject(text string) (json.RawMessage, bool) {
	trimmed := strings.TrimSpace(stripCodeFences(text))
	if trimmed == "" {
		return nil, false
	}

	if raw, ok := decodeObject(trimmed); ok {
		return raw, true
	}

	// Scan every brace and try to decode an object starting there.
	for offset := 0; offset < len(trimmed); offset++ {
		if trimmed[offset] != '{' {
			continue
		}
		if raw, ok := decodeObject(trimmed[offset:]); ok {
			return raw, true
		}
	}
	return nil, false
}

func decodeObject(text string) (json.RawMessage, bool) {
	decoder := json.NewDecoder(strings.NewReader(text))
	var value map[string]any
	if err := decoder.Decode(&value); err != nil {
		return nil, false
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, false
	}
	return raw, true
}

func stripCodeFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if newline := strings.IndexByte(trimmed, '\n'); newline >= 0 {
		// Drop a language tag such as "json" on the fence line.
		head := strings.TrimSpace(trimmed[:newline])
		if len(head) <= 8 {
			trimmed = trimmed[newline+1:]
		}
	}
	if end := strings.LastIndex(trimmed, "```"); end >= 0 {
		trimmed = trimmed[:end]
	}
	return strings.TrimSpace(trimmed)
}
