package v1

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/hrygo/parkwise/ai/resolver"
	"github.com/hrygo/parkwise/plugin/bizapi"
	"github.com/hrygo/parkwise/store"
)

// RetrieveRequest carries the retrieval filters plus an optional caller-side
// query embedding. Without one the store falls back to lexical scoring.
type RetrieveRequest struct {
	resolver.TurnPayload
	QueryEmbedding []float32 `json:"query_embedding,omitempty"`
}

// AnswerResponse is the body of the RAG-only answer endpoint.
type AnswerResponse struct {
	Conclusion     string     `json:"conclusion"`
	KeyPoints      []string   `json:"key_points"`
	Citations      []Citation `json:"citations"`
	RetrievedCount int        `json:"retrieved_count"`
	Model          string     `json:"model"`
}

// Answer is the RAG-only path: retrieve and synthesize, no resolver, no
// business facts.
func (s *RAGService) Answer(c echo.Context) error {
	ctx := c.Request().Context()

	request := &RetrieveRequest{}
	if err := c.Bind(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Malformed request").SetInternal(err)
	}
	request.Query = strings.TrimSpace(request.Query)
	if request.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	if !s.Profile.IsLLMEnabled() {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "LLM is not configured")
	}

	items, err := s.Store.RetrieveKnowledge(ctx, s.retrieveFind(&request.TurnPayload, request.QueryEmbedding))
	if err != nil {
		if errors.Is(err, store.ErrDimMismatch) {
			return echo.NewHTTPError(http.StatusBadRequest, "Embedding dimension mismatch").SetInternal(err)
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to retrieve knowledge").SetInternal(err)
	}
	s.Metrics.RecordRetrievedChunks(len(items))

	conclusion, keyPoints, model, err := s.Synthesizer.SynthesizeFromChunks(ctx, request.Query, items)
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "Failed to synthesize answer").SetInternal(err)
	}
	if keyPoints == nil {
		keyPoints = []string{}
	}
	return c.JSON(http.StatusOK, &AnswerResponse{
		Conclusion:     conclusion,
		KeyPoints:      keyPoints,
		Citations:      citationsOf(items),
		RetrievedCount: len(items),
		Model:          model,
	})
}

// Retrieve exposes the knowledge retrieval directly.
func (s *RAGService) Retrieve(c echo.Context) error {
	ctx := c.Request().Context()

	request := &RetrieveRequest{}
	if err := c.Bind(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Malformed request").SetInternal(err)
	}

	items, err := s.Store.RetrieveKnowledge(ctx, s.retrieveFind(&request.TurnPayload, request.QueryEmbedding))
	if err != nil {
		if errors.Is(err, store.ErrDimMismatch) {
			return echo.NewHTTPError(http.StatusBadRequest, "Embedding dimension mismatch").SetInternal(err)
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to retrieve knowledge").SetInternal(err)
	}
	if items == nil {
		items = []*store.RetrievedChunk{}
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items})
}

// retrieveForTurn adapts the hybrid workflow's retrieval to the store. The
// hybrid path carries no embedding, so scoring is lexical.
func (s *RAGService) retrieveForTurn(ctx context.Context, payload *resolver.TurnPayload) ([]*store.RetrievedChunk, error) {
	return s.Store.RetrieveKnowledge(ctx, s.retrieveFind(payload, nil))
}

func (s *RAGService) retrieveFind(payload *resolver.TurnPayload, embedding []float32) *store.RetrieveKnowledge {
	topK := payload.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	if topK > maxTopK {
		topK = maxTopK
	}
	find := &store.RetrieveKnowledge{
		Query:           payload.Query,
		QueryEmbedding:  embedding,
		TopK:            topK,
		SourceIDs:       payload.SourceIDs,
		IncludeInactive: payload.IncludeInactive,
	}
	if payload.DocType != "" {
		find.DocType = &payload.DocType
	}
	if payload.SourceType != "" {
		find.SourceType = &payload.SourceType
	}
	if payload.CityCode != "" {
		find.CityCode = &payload.CityCode
	}
	if payload.LotCode != "" {
		find.LotCode = &payload.LotCode
	}
	if payload.AtTime != "" {
		if t, ok := bizapi.ParseTime(payload.AtTime); ok {
			find.AtTime = &t
		}
	}
	return find
}
