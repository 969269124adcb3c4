package v1

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/hrygo/parkwise/store"
)

// UpsertKnowledgeSourceRequest addresses a source by source_id; on conflict
// every field is replaced.
type UpsertKnowledgeSourceRequest struct {
	SourceID      string     `json:"source_id"`
	DocType       string     `json:"doc_type"`
	SourceType    string     `json:"source_type"`
	Title         string     `json:"title"`
	CityCode      *string    `json:"city_code,omitempty"`
	LotCodes      []string   `json:"lot_codes,omitempty"`
	EffectiveFrom *time.Time `json:"effective_from,omitempty"`
	EffectiveTo   *time.Time `json:"effective_to,omitempty"`
	Version       *string    `json:"version,omitempty"`
	SourceURI     *string    `json:"source_uri,omitempty"`
	IsActive      *bool      `json:"is_active,omitempty"`
}

// UpsertKnowledgeSource creates or replaces one document-level entry.
func (s *RAGService) UpsertKnowledgeSource(c echo.Context) error {
	ctx := c.Request().Context()

	request := &UpsertKnowledgeSourceRequest{}
	if err := c.Bind(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Malformed request").SetInternal(err)
	}
	if request.SourceID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "source_id is required")
	}
	if request.Title == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "title is required")
	}

	isActive := true
	if request.IsActive != nil {
		isActive = *request.IsActive
	}
	source, err := s.Store.UpsertKnowledgeSource(ctx, &store.UpsertKnowledgeSource{
		SourceID:      request.SourceID,
		DocType:       request.DocType,
		SourceType:    request.SourceType,
		Title:         request.Title,
		CityCode:      request.CityCode,
		LotCodes:      request.LotCodes,
		EffectiveFrom: request.EffectiveFrom,
		EffectiveTo:   request.EffectiveTo,
		Version:       request.Version,
		SourceURI:     request.SourceURI,
		IsActive:      isActive,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to upsert knowledge source").SetInternal(err)
	}
	return c.JSON(http.StatusOK, source)
}

// IngestChunkRequest is one chunk within a batch ingest.
type IngestChunkRequest struct {
	ScenarioID *string         `json:"scenario_id,omitempty"`
	ChunkIndex int             `json:"chunk_index"`
	ChunkText  string          `json:"chunk_text"`
	Embedding  []float32       `json:"embedding,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// IngestChunksRequest is the body of POST /api/v1/knowledge/chunks/batch.
type IngestChunksRequest struct {
	SourceID        string                `json:"source_id"`
	ReplaceExisting bool                  `json:"replace_existing"`
	Chunks          []*IngestChunkRequest `json:"chunks"`
}

// IngestKnowledgeChunks loads a chunk batch under an existing source.
func (s *RAGService) IngestKnowledgeChunks(c echo.Context) error {
	ctx := c.Request().Context()

	request := &IngestChunksRequest{}
	if err := c.Bind(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Malformed request").SetInternal(err)
	}
	if request.SourceID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "source_id is required")
	}
	if len(request.Chunks) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "chunks must not be empty")
	}

	chunks := make([]*store.KnowledgeChunkIngest, 0, len(request.Chunks))
	for _, chunk := range request.Chunks {
		chunks = append(chunks, &store.KnowledgeChunkIngest{
			ScenarioID: chunk.ScenarioID,
			ChunkIndex: chunk.ChunkIndex,
			ChunkText:  chunk.ChunkText,
			Embedding:  chunk.Embedding,
			Metadata:   chunk.Metadata,
		})
	}

	sourcePK, ingested, err := s.Store.IngestKnowledgeChunks(ctx, &store.IngestKnowledgeChunks{
		SourceID:        request.SourceID,
		ReplaceExisting: request.ReplaceExisting,
		Chunks:          chunks,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "Knowledge source not found").SetInternal(err)
		}
		if errors.Is(err, store.ErrDimMismatch) {
			return echo.NewHTTPError(http.StatusBadRequest, "Embedding dimension mismatch").SetInternal(err)
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to ingest chunks").SetInternal(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"source_id": request.SourceID,
		"source_pk": sourcePK,
		"ingested":  ingested,
	})
}
