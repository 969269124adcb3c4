package store

import (
	"encoding/json"
	"time"
)

// KnowledgeSource is a document-level knowledge entry.
type KnowledgeSource struct {
	ID            int64           `json:"id"`
	SourceID      string          `json:"source_id"`
	DocType       string          `json:"doc_type"`
	SourceType    string          `json:"source_type"`
	Title         string          `json:"title"`
	CityCode      *string         `json:"city_code"`
	LotCodes      []string        `json:"lot_codes"`
	EffectiveFrom *time.Time      `json:"effective_from"`
	EffectiveTo   *time.Time      `json:"effective_to"`
	Version       *string         `json:"version"`
	SourceURI     *string         `json:"source_uri"`
	IsActive      bool            `json:"is_active"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// UpsertKnowledgeSource carries the updatable fields of a knowledge source.
// The row is addressed by SourceID; on conflict every field below is replaced.
type UpsertKnowledgeSource struct {
	SourceID      string
	DocType       string
	SourceType    string
	Title         string
	CityCode      *string
	LotCodes      []string
	EffectiveFrom *time.Time
	EffectiveTo   *time.Time
	Version       *string
	SourceURI     *string
	IsActive      bool
}

// KnowledgeChunkIngest is a single chunk to ingest under a source.
type KnowledgeChunkIngest struct {
	ScenarioID *string
	ChunkIndex int
	ChunkText  string
	Embedding  []float32
	Metadata   json.RawMessage
}

// IngestKnowledgeChunks loads chunks for the source identified by SourceID.
// When ReplaceExisting is set, prior chunks of the source are deleted first.
type IngestKnowledgeChunks struct {
	SourceID        string
	ReplaceExisting bool
	Chunks          []*KnowledgeChunkIngest
}

// RetrieveKnowledge describes a filtered retrieval over knowledge chunks.
// With QueryEmbedding set the driver orders by cosine distance; otherwise the
// caller-visible ordering is the lexical fallback computed over candidates.
type RetrieveKnowledge struct {
	Query           string
	QueryEmbedding  []float32
	TopK            int
	DocType         *string
	SourceType      *string
	CityCode        *string
	LotCode         *string
	AtTime          *time.Time
	SourceIDs       []string
	IncludeInactive bool
}

// RetrievedChunk is one retrieval hit joined with its source.
type RetrievedChunk struct {
	ChunkID    int64           `json:"chunk_id"`
	SourcePK   int64           `json:"source_pk"`
	SourceID   string          `json:"source_id"`
	DocType    string          `json:"doc_type"`
	SourceType string          `json:"source_type"`
	Title      string          `json:"title"`
	Content    string          `json:"content"`
	ScenarioID *string         `json:"scenario_id"`
	Metadata   json.RawMessage `json:"metadata"`
	// Score is the cosine distance when vector search was used; smaller is closer.
	Score *float64 `json:"score"`
}
