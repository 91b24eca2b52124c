// Package postgres implements the session store on PostgreSQL. Each
// list entry is a row in transcript_entries ordered by a BIGSERIAL
// sequence, and TTLs are tracked per key in transcript_keys with a
// background sweeper reclaiming expired rows.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxtail/voxtail/pkg/store"
)

const (
	ddlKeys = `
		CREATE TABLE IF NOT EXISTS transcript_keys (
			key        TEXT PRIMARY KEY,
			expires_at TIMESTAMPTZ
		)`

	ddlEntries = `
		CREATE TABLE IF NOT EXISTS transcript_entries (
			key     TEXT   NOT NULL REFERENCES transcript_keys(key) ON DELETE CASCADE,
			seq     BIGSERIAL,
			payload BYTEA  NOT NULL,
			PRIMARY KEY (key, seq)
		)`

	ddlExpiryIndex = `
		CREATE INDEX IF NOT EXISTS transcript_keys_expires_at_idx
		ON transcript_keys (expires_at)
		WHERE expires_at IS NOT NULL`
)

// sweepInterval is how often the background sweeper deletes expired keys.
const sweepInterval = time.Minute

// Store is a PostgreSQL-backed [store.SessionStore]. All methods are
// safe for concurrent use.
type Store struct {
	pool   *pgxpool.Pool
	log    *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
}

var _ store.SessionStore = (*Store)(nil)

// New establishes a connection pool to the database at dsn, ensures the
// transcript tables exist, and starts the expiry sweeper. Call
// [Store.Close] to release the pool and stop the sweeper.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	for _, ddl := range []string{ddlKeys, ddlEntries, ddlExpiryIndex} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres store: migrate: %w", err)
		}
	}

	sweepCtx, cancel := context.WithCancel(context.Background())
	s := &Store{
		pool:   pool,
		log:    logger.With("component", "store.postgres"),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.sweepLoop(sweepCtx)
	return s, nil
}

// Append implements store.SessionStore.
func (s *Store) Append(ctx context.Context, key string, value []byte) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres store: begin append: %w", err)
	}
	defer tx.Rollback(ctx)

	// Revive an expired key as a fresh list before appending.
	const reset = `
		DELETE FROM transcript_keys
		WHERE  key = $1 AND expires_at IS NOT NULL AND expires_at <= now()`
	if _, err := tx.Exec(ctx, reset, key); err != nil {
		return fmt.Errorf("postgres store: reset expired key: %w", err)
	}

	const upsert = `
		INSERT INTO transcript_keys (key) VALUES ($1)
		ON CONFLICT (key) DO NOTHING`
	if _, err := tx.Exec(ctx, upsert, key); err != nil {
		return fmt.Errorf("postgres store: upsert key: %w", err)
	}

	const insert = `INSERT INTO transcript_entries (key, payload) VALUES ($1, $2)`
	if _, err := tx.Exec(ctx, insert, key, value); err != nil {
		return fmt.Errorf("postgres store: insert entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres store: commit append: %w", err)
	}
	return nil
}

// GetRange implements store.SessionStore.
func (s *Store) GetRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	const exists = `
		SELECT count(*) FROM transcript_keys
		WHERE  key = $1 AND (expires_at IS NULL OR expires_at > now())`
	var n int
	if err := s.pool.QueryRow(ctx, exists, key).Scan(&n); err != nil {
		return nil, fmt.Errorf("postgres store: check key: %w", err)
	}
	if n == 0 {
		return nil, store.ErrNotFound
	}

	const count = `SELECT count(*) FROM transcript_entries WHERE key = $1`
	var total int64
	if err := s.pool.QueryRow(ctx, count, key).Scan(&total); err != nil {
		return nil, fmt.Errorf("postgres store: count entries: %w", err)
	}

	lo, hi, ok := store.RangeBounds(start, stop, total)
	if !ok {
		return nil, nil
	}

	const q = `
		SELECT payload
		FROM   transcript_entries
		WHERE  key = $1
		ORDER  BY seq
		OFFSET $2
		LIMIT  $3`
	rows, err := s.pool.Query(ctx, q, key, lo, hi-lo+1)
	if err != nil {
		return nil, fmt.Errorf("postgres store: get range: %w", err)
	}
	defer rows.Close()

	out := make([][]byte, 0, hi-lo+1)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("postgres store: scan entry: %w", err)
		}
		out = append(out, payload)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: iterate entries: %w", err)
	}
	return out, nil
}

// Expire implements store.SessionStore.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	const q = `
		UPDATE transcript_keys
		SET    expires_at = now() + ($2::bigint * interval '1 microsecond')
		WHERE  key = $1 AND (expires_at IS NULL OR expires_at > now())`
	tag, err := s.pool.Exec(ctx, q, key, ttl.Microseconds())
	if err != nil {
		return fmt.Errorf("postgres store: expire: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Ping reports whether the database is reachable. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres store: ping: %w", err)
	}
	return nil
}

// Close stops the sweeper and releases the connection pool.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
		s.pool.Close()
	})
}

// sweepLoop deletes expired keys (and, via cascade, their entries) until
// the store is closed.
func (s *Store) sweepLoop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			const q = `
				DELETE FROM transcript_keys
				WHERE  expires_at IS NOT NULL AND expires_at <= now()`
			tag, err := s.pool.Exec(ctx, q)
			if err != nil {
				s.log.Warn("expiry sweep failed", "error", err)
				continue
			}
			if n := tag.RowsAffected(); n > 0 {
				s.log.Debug("swept expired transcript keys", "keys", n)
			}
		}
	}
}
