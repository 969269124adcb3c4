// Package v1 exposes the rag-core HTTP surface: hybrid answering, plain
// retrieval and answering, knowledge ingestion, and resolver debug routes.
package v1

import (
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hrygo/parkwise/ai/memory"
	"github.com/hrygo/parkwise/ai/metrics"
	"github.com/hrygo/parkwise/ai/resolver"
	"github.com/hrygo/parkwise/ai/workflow"
	"github.com/hrygo/parkwise/internal/profile"
	"github.com/hrygo/parkwise/plugin/bizapi"
	"github.com/hrygo/parkwise/store"
)

const (
	defaultTopK = 5
	maxTopK     = 20
)

// RAGService handles the answer and knowledge routes.
type RAGService struct {
	Profile *profile.Profile
	Store   *store.Store
	Memory  *memory.Store
	Metrics *metrics.PrometheusExporter

	Parser      *resolver.Parser
	Gate        *resolver.Gate
	Synthesizer *workflow.Synthesizer
	Workflow    *workflow.Workflow
}

// RAGServiceConfig carries the dependencies of the rag-core routes.
type RAGServiceConfig struct {
	Profile     *profile.Profile
	Store       *store.Store
	Memory      *memory.Store
	Metrics     *metrics.PrometheusExporter
	Parser      *resolver.Parser
	Gate        *resolver.Gate
	Synthesizer *workflow.Synthesizer
	FactTools   *bizapi.FactTools
}

// NewRAGService assembles the service and its hybrid workflow.
func NewRAGService(cfg *RAGServiceConfig) *RAGService {
	s := &RAGService{
		Profile:     cfg.Profile,
		Store:       cfg.Store,
		Memory:      cfg.Memory,
		Metrics:     cfg.Metrics,
		Parser:      cfg.Parser,
		Gate:        cfg.Gate,
		Synthesizer: cfg.Synthesizer,
	}
	s.Workflow = workflow.New(cfg.FactTools, s.retrieveForTurn, cfg.Synthesizer)
	return s
}

// Register mounts the rag-core routes.
func (s *RAGService) Register(e *echo.Echo) {
	g := e.Group("/api/v1")

	g.POST("/answer/hybrid", s.HybridAnswer)
	g.POST("/answer", s.Answer)
	g.POST("/retrieve", s.Retrieve)

	g.POST("/knowledge/sources", s.UpsertKnowledgeSource)
	g.POST("/knowledge/chunks/batch", s.IngestKnowledgeChunks)

	g.POST("/debug/intent-slot-parse", s.DebugIntentSlotParse)
	g.POST("/debug/clarify-react", s.DebugClarifyReact)
}

func (s *RAGService) memoryTTL() time.Duration {
	return time.Duration(s.Profile.MemoryTTLSeconds) * time.Second
}

// Citation is one evidence reference in an answer response.
type Citation struct {
	SourceID string   `json:"source_id"`
	ChunkID  int64    `json:"chunk_id"`
	DocType  string   `json:"doc_type"`
	Title    string   `json:"title"`
	Score    *float64 `json:"score,omitempty"`
}

func citationsOf(items []*store.RetrievedChunk) []Citation {
	citations := make([]Citation, 0, len(items))
	for _, item := range items {
		citations = append(citations, Citation{
			SourceID: item.SourceID,
			ChunkID:  item.ChunkID,
			DocType:  item.DocType,
			Title:    item.Title,
			Score:    item.Score,
		})
	}
	return citations
}
