package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/hrygo/parkwise/ai/llm"
	"github.com/hrygo/parkwise/store"
)

const synthSystemPrompt = "你是停车业务知识助手。仅基于给定证据回答，禁止编造。" +
	`输出严格 JSON: {"conclusion": string, "key_points": [string,...]}。`

// Synthesizer turns retrieved chunks and business facts into a grounded
// conclusion with key points.
type Synthesizer struct {
	llm llm.Service
}

// NewSynthesizer creates a synthesizer. A nil service makes every call fail,
// which the HTTP layer reports as unavailability.
func NewSynthesizer(service llm.Service) *Synthesizer {
	return &Synthesizer{llm: service}
}

type synthCompletion struct {
	Conclusion string `json:"conclusion"`
	KeyPoints  []any  `json:"key_points"`
}

// Synthesize answers from chunks plus business facts.
func (s *Synthesizer) Synthesize(ctx context.Context, query string, items []*store.RetrievedChunk, facts map[string]any, intent string) (string, []string, string, error) {
	if s.llm == nil {
		return "", nil, "", errors.New("answer synthesizer: llm service not configured")
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "用户问题:\n%s\n\n", query)
	if intent != "" {
		fmt.Fprintf(&prompt, "意图: %s\n\n", intent)
	}
	if len(facts) > 0 {
		factsJSON, err := json.Marshal(facts)
		if err != nil {
			return "", nil, "", errors.Wrap(err, "marshal business facts")
		}
		fmt.Fprintf(&prompt, "业务事实(JSON):\n%s\n\n", factsJSON)
	}
	fmt.Fprintf(&prompt, "证据片段:\n%s\n\n请给出结论和要点。", renderContext(items))

	content, _, err := s.llm.Chat(ctx, []llm.Message{
		llm.SystemPrompt(synthSystemPrompt),
		llm.UserMessage(prompt.String()),
	})
	if err != nil {
		return "", nil, "", errors.Wrap(err, "synthesis chat")
	}

	conclusion, keyPoints := parseSynthesis(content)
	return conclusion, keyPoints, s.llm.Model(), nil
}

// SynthesizeFromChunks is the RAG-only variant used by the plain answer
// endpoint.
func (s *Synthesizer) SynthesizeFromChunks(ctx context.Context, query string, items []*store.RetrievedChunk) (string, []string, string, error) {
	return s.Synthesize(ctx, query, items, nil, "")
}

// parseSynthesis extracts the JSON verdict; non-JSON output becomes the
// conclusion verbatim.
func parseSynthesis(content string) (string, []string) {
	raw, ok := llm.ExtractJSONObject(content)
	if !ok {
		return strings.TrimSpace(content), []string{}
	}
	var completion synthCompletion
	if err := json.Unmarshal(raw, &completion); err != nil {
		return strings.TrimSpace(content), []string{}
	}
	conclusion := strings.TrimSpace(completion.Conclusion)
	if conclusion == "" {
		conclusion = "未生成结论"
	}
	keyPoints := []string{}
	for _, point := range completion.KeyPoints {
		if text := strings.TrimSpace(fmt.Sprint(point)); text != "" {
			keyPoints = append(keyPoints, text)
		}
	}
	return conclusion, keyPoints
}

// renderContext numbers each chunk the way the prompt expects citations.
func renderContext(items []*store.RetrievedChunk) string {
	blocks := make([]string, 0, len(items))
	for i, item := range items {
		score := ""
		if item.Score != nil {
			score = fmt.Sprintf("%g", *item.Score)
		}
		blocks = append(blocks, strings.Join([]string{
			fmt.Sprintf("[%d] source_id=%s chunk_id=%d", i+1, item.SourceID, item.ChunkID),
			fmt.Sprintf("doc_type=%s title=%s", item.DocType, item.Title),
			fmt.Sprintf("score=%s", score),
			fmt.Sprintf("content=%s", item.Content),
		}, "\n"))
	}
	return strings.Join(blocks, "\n\n")
}
