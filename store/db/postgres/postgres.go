// Package postgres implements the store driver on PostgreSQL with pgvector.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	// Postgres driver.
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/hrygo/parkwise/internal/profile"
)

// DB is the postgres driver.
type DB struct {
	db           *sql.DB
	profile      *profile.Profile
	embeddingDim int
}

// NewDB opens a postgres connection described by the profile DSN.
func NewDB(p *profile.Profile) (*DB, error) {
	db, err := sql.Open("postgres", p.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open postgres connection")
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	return &DB{db: db, profile: p, embeddingDim: p.EmbeddingDim}, nil
}

// GetDB returns the underlying sql.DB.
func (d *DB) GetDB() *sql.DB {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Migrate applies the schema. Statements are idempotent.
func (d *DB) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS knowledge_sources (
			id BIGSERIAL PRIMARY KEY,
			source_id VARCHAR(128) NOT NULL UNIQUE,
			doc_type VARCHAR(32) NOT NULL,
			source_type VARCHAR(32) NOT NULL DEFAULT 'biz_derived',
			title VARCHAR(255) NOT NULL DEFAULT '',
			city_code VARCHAR(32),
			lot_codes JSONB NOT NULL DEFAULT '[]'::jsonb,
			effective_from TIMESTAMPTZ,
			effective_to TIMESTAMPTZ,
			version VARCHAR(64),
			source_uri VARCHAR(512),
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS ix_knowledge_sources_doc_type ON knowledge_sources (doc_type)`,
		`CREATE INDEX IF NOT EXISTS ix_knowledge_sources_city_code ON knowledge_sources (city_code)`,
		`CREATE INDEX IF NOT EXISTS ix_knowledge_sources_lot_codes_gin ON knowledge_sources USING gin (lot_codes)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS knowledge_chunks (
			id BIGSERIAL PRIMARY KEY,
			source_pk BIGINT NOT NULL,
			scenario_id VARCHAR(64),
			chunk_index INTEGER NOT NULL DEFAULT 0,
			chunk_text TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, d.embeddingDim),
		`CREATE INDEX IF NOT EXISTS ix_knowledge_chunks_source_pk ON knowledge_chunks (source_pk)`,
		`CREATE INDEX IF NOT EXISTS ix_knowledge_chunks_embedding_cos
			ON knowledge_chunks USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)`,
		`CREATE TABLE IF NOT EXISTS billing_rules (
			id BIGSERIAL PRIMARY KEY,
			rule_code VARCHAR(64) NOT NULL UNIQUE,
			name VARCHAR(128) NOT NULL,
			status VARCHAR(32) NOT NULL DEFAULT 'enabled',
			scope_type VARCHAR(20) NOT NULL DEFAULT 'lot_code',
			scope JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS ix_billing_rules_scope_gin ON billing_rules USING gin (scope)`,
		`CREATE TABLE IF NOT EXISTS billing_rule_versions (
			id BIGSERIAL PRIMARY KEY,
			rule_id BIGINT NOT NULL REFERENCES billing_rules (id) ON DELETE CASCADE,
			version_no INTEGER NOT NULL,
			effective_from TIMESTAMPTZ NOT NULL,
			effective_to TIMESTAMPTZ,
			priority INTEGER NOT NULL DEFAULT 100,
			rule_payload JSONB NOT NULL DEFAULT '[]'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (rule_id, version_no)
		)`,
		`CREATE TABLE IF NOT EXISTS parking_orders (
			id BIGSERIAL PRIMARY KEY,
			order_no VARCHAR(64) NOT NULL UNIQUE,
			plate_no VARCHAR(16) NOT NULL,
			city_code VARCHAR(32) NOT NULL,
			lot_code VARCHAR(64) NOT NULL,
			billing_rule_code VARCHAR(64) NOT NULL,
			billing_rule_version_no INTEGER,
			entry_time TIMESTAMPTZ NOT NULL,
			exit_time TIMESTAMPTZ,
			total_amount NUMERIC(10,2) NOT NULL DEFAULT 0,
			paid_amount NUMERIC(10,2) NOT NULL DEFAULT 0,
			arrears_amount NUMERIC(10,2) NOT NULL DEFAULT 0,
			status VARCHAR(32) NOT NULL DEFAULT 'UNPAID',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS ix_parking_orders_plate_no ON parking_orders (plate_no)`,
		`CREATE INDEX IF NOT EXISTS ix_parking_orders_city_code ON parking_orders (city_code)`,
	}

	for _, stmt := range stmts {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "failed to apply migration statement")
		}
	}
	return nil
}

// placeholder returns the positional parameter for the given 1-based index.
func placeholder(index int) string {
	return fmt.Sprintf("$%d", index)
}

// placeholders returns "$1, $2, ..., $n".
func placeholders(n int) string {
	list := make([]string, n)
	for i := 0; i < n; i++ {
		list[i] = placeholder(i + 1)
	}
	return strings.Join(list, ", ")
}
