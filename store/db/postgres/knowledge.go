package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/pgvector/pgvector-go"
	"github.com/pkg/errors"

	"github.com/hrygo/parkwise/store"
)

// UpsertKnowledgeSource inserts or fully replaces a knowledge source by source_id.
func (d *DB) UpsertKnowledgeSource(ctx context.Context, upsert *store.UpsertKnowledgeSource) (*store.KnowledgeSource, error) {
	lotCodesJSON, err := json.Marshal(nonNilStrings(upsert.LotCodes))
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal lot_codes")
	}

	stmt := `
		INSERT INTO knowledge_sources (
			source_id, doc_type, source_type, title, city_code, lot_codes,
			effective_from, effective_to, version, source_uri, is_active
		) VALUES (` + placeholders(11) + `)
		ON CONFLICT (source_id) DO UPDATE SET
			doc_type = EXCLUDED.doc_type,
			source_type = EXCLUDED.source_type,
			title = EXCLUDED.title,
			city_code = EXCLUDED.city_code,
			lot_codes = EXCLUDED.lot_codes,
			effective_from = EXCLUDED.effective_from,
			effective_to = EXCLUDED.effective_to,
			version = EXCLUDED.version,
			source_uri = EXCLUDED.source_uri,
			is_active = EXCLUDED.is_active,
			updated_at = NOW()
		RETURNING id, source_id, doc_type, source_type, title, city_code, lot_codes,
			effective_from, effective_to, version, source_uri, is_active, created_at, updated_at
	`

	row := d.db.QueryRowContext(ctx, stmt,
		upsert.SourceID,
		upsert.DocType,
		upsert.SourceType,
		upsert.Title,
		upsert.CityCode,
		lotCodesJSON,
		upsert.EffectiveFrom,
		upsert.EffectiveTo,
		upsert.Version,
		upsert.SourceURI,
		upsert.IsActive,
	)
	source, err := scanKnowledgeSource(row)
	if err != nil {
		return nil, errors.Wrap(err, "failed to upsert knowledge source")
	}
	return source, nil
}

// GetKnowledgeSourceBySourceID returns the source or store.ErrNotFound.
func (d *DB) GetKnowledgeSourceBySourceID(ctx context.Context, sourceID string) (*store.KnowledgeSource, error) {
	stmt := `
		SELECT id, source_id, doc_type, source_type, title, city_code, lot_codes,
			effective_from, effective_to, version, source_uri, is_active, created_at, updated_at
		FROM knowledge_sources
		WHERE source_id = ` + placeholder(1)

	source, err := scanKnowledgeSource(d.db.QueryRowContext(ctx, stmt, sourceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get knowledge source")
	}
	return source, nil
}

// IngestKnowledgeChunks validates and inserts chunks for an existing source.
// Returns the source primary key and the number of inserted rows.
func (d *DB) IngestKnowledgeChunks(ctx context.Context, ingest *store.IngestKnowledgeChunks) (int64, int, error) {
	source, err := d.GetKnowledgeSourceBySourceID(ctx, ingest.SourceID)
	if err != nil {
		return 0, 0, err
	}

	for idx, chunk := range ingest.Chunks {
		if len(chunk.Embedding) != d.embeddingDim {
			return 0, 0, errors.Wrapf(store.ErrDimMismatch,
				"chunk[%d]: expected %d, got %d", idx, d.embeddingDim, len(chunk.Embedding))
		}
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to begin ingest transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if ingest.ReplaceExisting {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM knowledge_chunks WHERE source_pk = `+placeholder(1), source.ID); err != nil {
			return 0, 0, errors.Wrap(err, "failed to delete prior chunks")
		}
	}

	insert := `
		INSERT INTO knowledge_chunks (source_pk, scenario_id, chunk_index, chunk_text, embedding, metadata)
		VALUES (` + placeholders(6) + `)
	`
	for _, chunk := range ingest.Chunks {
		metadata := chunk.Metadata
		if len(metadata) == 0 {
			metadata = json.RawMessage(`{}`)
		}
		if _, err := tx.ExecContext(ctx, insert,
			source.ID,
			chunk.ScenarioID,
			chunk.ChunkIndex,
			chunk.ChunkText,
			pgvector.NewVector(chunk.Embedding),
			[]byte(metadata),
		); err != nil {
			return 0, 0, errors.Wrap(err, "failed to insert knowledge chunk")
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE knowledge_sources SET updated_at = NOW() WHERE id = `+placeholder(1), source.ID); err != nil {
		return 0, 0, errors.Wrap(err, "failed to touch knowledge source")
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, errors.Wrap(err, "failed to commit ingest transaction")
	}
	return source.ID, len(ingest.Chunks), nil
}

// RetrieveKnowledge runs a filtered retrieval.
// Vector search orders by cosine distance with a stable tie break; without a
// query embedding, candidates are re-ranked by the lexical match score.
func (d *DB) RetrieveKnowledge(ctx context.Context, find *store.RetrieveKnowledge) ([]*store.RetrievedChunk, error) {
	if find.QueryEmbedding != nil && len(find.QueryEmbedding) != d.embeddingDim {
		return nil, errors.Wrapf(store.ErrDimMismatch,
			"query_embedding: expected %d, got %d", d.embeddingDim, len(find.QueryEmbedding))
	}

	topK := find.TopK
	if topK <= 0 {
		topK = 5
	}

	where, args := []string{"1 = 1"}, []any{}
	if !find.IncludeInactive {
		where = append(where, "s.is_active = TRUE")
	}
	if find.DocType != nil {
		where, args = append(where, "s.doc_type = "+placeholder(len(args)+1)), append(args, *find.DocType)
	}
	if find.SourceType != nil {
		where, args = append(where, "s.source_type = "+placeholder(len(args)+1)), append(args, *find.SourceType)
	}
	if find.CityCode != nil {
		where, args = append(where, "s.city_code = "+placeholder(len(args)+1)), append(args, *find.CityCode)
	}
	if find.LotCode != nil {
		lotJSON, err := json.Marshal([]string{*find.LotCode})
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal lot_code filter")
		}
		where, args = append(where, "s.lot_codes @> "+placeholder(len(args)+1)), append(args, lotJSON)
	}
	if len(find.SourceIDs) > 0 {
		marks := make([]string, len(find.SourceIDs))
		for i, id := range find.SourceIDs {
			marks[i] = placeholder(len(args) + 1)
			args = append(args, id)
		}
		where = append(where, "s.source_id IN ("+strings.Join(marks, ", ")+")")
	}
	if find.AtTime != nil {
		where = append(where,
			"(s.effective_from IS NULL OR s.effective_from <= "+placeholder(len(args)+1)+")")
		args = append(args, *find.AtTime)
		where = append(where,
			"(s.effective_to IS NULL OR s.effective_to > "+placeholder(len(args)+1)+")")
		args = append(args, *find.AtTime)
	}

	selectCols := `
		c.id, c.source_pk, s.source_id, s.doc_type, s.source_type, s.title,
		c.chunk_text, c.scenario_id, c.metadata, c.chunk_index
	`

	if find.QueryEmbedding != nil {
		vector := pgvector.NewVector(find.QueryEmbedding)
		scoreArg := placeholder(len(args) + 1)
		args = append(args, vector)
		limitArg := placeholder(len(args) + 1)
		args = append(args, topK)

		query := `
			SELECT ` + selectCols + `, c.embedding <=> ` + scoreArg + ` AS score
			FROM knowledge_chunks c
			INNER JOIN knowledge_sources s ON c.source_pk = s.id
			WHERE ` + strings.Join(where, " AND ") + `
			ORDER BY score ASC, s.source_id ASC, c.chunk_index ASC, c.id ASC
			LIMIT ` + limitArg

		rows, err := d.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, errors.Wrap(err, "failed to retrieve knowledge by vector")
		}
		defer rows.Close()
		return scanRetrievedChunks(rows, true)
	}

	candidateLimit := topK * 10
	if candidateLimit < 100 {
		candidateLimit = 100
	}
	limitArg := placeholder(len(args) + 1)
	args = append(args, candidateLimit)

	query := `
		SELECT ` + selectCols + `, NULL AS score
		FROM knowledge_chunks c
		INNER JOIN knowledge_sources s ON c.source_pk = s.id
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY s.source_id ASC, c.chunk_index ASC, c.id ASC
		LIMIT ` + limitArg

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to retrieve knowledge candidates")
	}
	defer rows.Close()

	candidates, err := scanRetrievedChunks(rows, false)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(find.Query) != "" {
		sortByLexicalScore(find.Query, candidates)
	}
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}
	return candidates, nil
}

func scanRetrievedChunks(rows *sql.Rows, withScore bool) ([]*store.RetrievedChunk, error) {
	list := []*store.RetrievedChunk{}
	for rows.Next() {
		var item store.RetrievedChunk
		var metadata []byte
		var chunkIndex int
		var score sql.NullFloat64
		if err := rows.Scan(
			&item.ChunkID,
			&item.SourcePK,
			&item.SourceID,
			&item.DocType,
			&item.SourceType,
			&item.Title,
			&item.Content,
			&item.ScenarioID,
			&metadata,
			&chunkIndex,
			&score,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan retrieved chunk")
		}
		item.Metadata = json.RawMessage(metadata)
		if withScore && score.Valid {
			v := score.Float64
			item.Score = &v
		}
		list = append(list, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return list, nil
}

// sortByLexicalScore re-ranks candidates by descending token-match score with a
// stable (source_id, chunk_index, id) tie break. Candidates arrive already in
// tie-break order, so a stable sort on score alone preserves it.
func sortByLexicalScore(query string, candidates []*store.RetrievedChunk) {
	scores := make(map[int64]int, len(candidates))
	for _, item := range candidates {
		scores[item.ChunkID] = lexicalMatchScore(query, item.Title, item.Content)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return scores[candidates[i].ChunkID] > scores[candidates[j].ChunkID]
	})
}

type knowledgeSourceScanner interface {
	Scan(dest ...any) error
}

func scanKnowledgeSource(row knowledgeSourceScanner) (*store.KnowledgeSource, error) {
	var source store.KnowledgeSource
	var lotCodes []byte
	if err := row.Scan(
		&source.ID,
		&source.SourceID,
		&source.DocType,
		&source.SourceType,
		&source.Title,
		&source.CityCode,
		&lotCodes,
		&source.EffectiveFrom,
		&source.EffectiveTo,
		&source.Version,
		&source.SourceURI,
		&source.IsActive,
		&source.CreatedAt,
		&source.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(lotCodes, &source.LotCodes); err != nil {
		return nil, fmt.Errorf("failed to decode lot_codes: %w", err)
	}
	return &source, nil
}

func nonNilStrings(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}
