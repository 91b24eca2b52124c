// Package memory provides an in-process SessionStore backed by a map.
// It is the default driver for tests and single-node deploys where a
// PostgreSQL instance is not available.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/voxtail/voxtail/pkg/store"
)

type entry struct {
	values    [][]byte
	expiresAt time.Time // zero means no TTL
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Store is an in-memory SessionStore. Expired keys are reclaimed lazily
// on access, so memory is only reclaimed when a key is touched again.
type Store struct {
	mu   sync.RWMutex
	data map[string]*entry
	now  func() time.Time
}

var _ store.SessionStore = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		data: make(map[string]*entry),
		now:  time.Now,
	}
}

// Append implements store.SessionStore.
func (s *Store) Append(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[key]
	if ok && e.expired(s.now()) {
		delete(s.data, key)
		ok = false
	}
	if !ok {
		e = &entry{}
		s.data[key] = e
	}
	buf := make([]byte, len(value))
	copy(buf, value)
	e.values = append(e.values, buf)
	return nil
}

// GetRange implements store.SessionStore.
func (s *Store) GetRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	e, ok := s.data[key]
	if ok && e.expired(s.now()) {
		ok = false
	}
	if !ok {
		s.mu.RUnlock()
		return nil, store.ErrNotFound
	}
	lo, hi, any := store.RangeBounds(start, stop, int64(len(e.values)))
	if !any {
		s.mu.RUnlock()
		return nil, nil
	}
	out := make([][]byte, 0, hi-lo+1)
	for _, v := range e.values[lo : hi+1] {
		buf := make([]byte, len(v))
		copy(buf, v)
		out = append(out, buf)
	}
	s.mu.RUnlock()
	return out, nil
}

// Expire implements store.SessionStore.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[key]
	if !ok || e.expired(s.now()) {
		delete(s.data, key)
		return store.ErrNotFound
	}
	e.expiresAt = s.now().Add(ttl)
	return nil
}

// Len reports the number of live keys. Used by tests and stats.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	now := s.now()
	for _, e := range s.data {
		if !e.expired(now) {
			n++
		}
	}
	return n
}
