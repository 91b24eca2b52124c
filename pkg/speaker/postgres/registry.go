// Package postgres provides a pgvector-backed [speaker.Registry] for
// deployments that already run the session store on PostgreSQL.
//
// Embeddings live in a vector(39) column with an HNSW cosine index, so
// Identify is a single nearest-neighbour query instead of a scan. The
// pgvector extension must be available in the target database; [New]
// installs it via CREATE EXTENSION IF NOT EXISTS.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/voxtail/voxtail/pkg/speaker"
	"github.com/voxtail/voxtail/pkg/voiceprint"
)

var ddl = fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS speakers (
    name         TEXT         PRIMARY KEY,
    embedding    vector(%d)   NOT NULL,
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    sample_count INTEGER      NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_speakers_embedding
    ON speakers USING hnsw (embedding vector_cosine_ops);
`, voiceprint.Dim)

// Registry implements [speaker.Registry] on a PostgreSQL table with a
// pgvector embedding column. All methods are safe for concurrent use;
// synchronization is delegated to the database.
type Registry struct {
	pool      *pgxpool.Pool
	threshold float64
}

var _ speaker.Registry = (*Registry)(nil)

// New connects to the database at dsn, registers pgvector types on every
// connection, and ensures the speakers table and its HNSW index exist.
func New(ctx context.Context, dsn string, threshold float64) (*Registry, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("speaker postgres: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("speaker postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("speaker postgres: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return nil, fmt.Errorf("speaker postgres: migrate: %w", err)
	}

	return &Registry{pool: pool, threshold: threshold}, nil
}

// Close releases the connection pool.
func (r *Registry) Close() {
	r.pool.Close()
}

// Train implements [speaker.Registry] as an upsert.
func (r *Registry) Train(ctx context.Context, name string, embedding []float64, samples int) error {
	if name == "" {
		return speaker.ErrEmptyName
	}
	if len(embedding) != voiceprint.Dim {
		return fmt.Errorf("speaker postgres: train %q: %w", name, voiceprint.ErrDimensionMismatch)
	}

	const q = `
		INSERT INTO speakers (name, embedding, created_at, sample_count)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET
		    embedding    = EXCLUDED.embedding,
		    created_at   = EXCLUDED.created_at,
		    sample_count = EXCLUDED.sample_count`

	_, err := r.pool.Exec(ctx, q, name, toVector(embedding), time.Now().UTC(), samples)
	if err != nil {
		return fmt.Errorf("speaker postgres: train %q: %w", name, err)
	}
	slog.Info("speaker trained", "name", name, "samples", samples)
	return nil
}

// Identify implements [speaker.Registry] with a cosine-distance
// nearest-neighbour query (`embedding <=> $1` is pgvector cosine
// distance; similarity is 1 − distance).
func (r *Registry) Identify(ctx context.Context, embedding []float64) (speaker.Match, error) {
	if len(embedding) != voiceprint.Dim {
		return speaker.Match{}, fmt.Errorf("speaker postgres: identify: %w", voiceprint.ErrDimensionMismatch)
	}

	const q = `
		SELECT name, 1 - (embedding <=> $1) AS similarity
		FROM   speakers
		ORDER  BY embedding <=> $1
		LIMIT  1`

	var m speaker.Match
	err := r.pool.QueryRow(ctx, q, toVector(embedding)).Scan(&m.Name, &m.Similarity)
	if errors.Is(err, pgx.ErrNoRows) {
		return speaker.Match{}, nil
	}
	if err != nil {
		return speaker.Match{}, fmt.Errorf("speaker postgres: identify: %w", err)
	}

	if m.Similarity < r.threshold {
		return speaker.Match{Similarity: m.Similarity}, nil
	}
	m.Matched = true
	return m, nil
}

// List implements [speaker.Registry].
func (r *Registry) List(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT name FROM speakers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("speaker postgres: list: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("speaker postgres: list: %w", err)
	}
	return names, nil
}

// Delete implements [speaker.Registry].
func (r *Registry) Delete(ctx context.Context, name string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM speakers WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("speaker postgres: delete %q: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("speaker postgres: delete %q: %w", name, speaker.ErrNotFound)
	}
	slog.Info("speaker deleted", "name", name)
	return nil
}

// toVector narrows a float64 embedding to the float32 vector type pgvector
// stores. The precision loss is far below the match threshold's
// resolution.
func toVector(embedding []float64) pgvector.Vector {
	f32 := make([]float32, len(embedding))
	for i, v := range embedding {
		f32[i] = float32(v)
	}
	return pgvector.NewVector(f32)
}
