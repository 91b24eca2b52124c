package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/voxtail/voxtail/pkg/transcribe"
	"github.com/voxtail/voxtail/pkg/types"
)

// ErrAllFailed is returned when every backend in a [TranscribeFallback] chain
// failed or had an open circuit breaker.
var ErrAllFailed = errors.New("resilience: all backends failed")

// FallbackConfig configures a [TranscribeFallback]. The CircuitBreaker
// settings are applied per chain member; each backend gets its own breaker.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig

	// Logger receives failover events. Defaults to slog.Default().
	Logger *slog.Logger
}

type chainEntry struct {
	backend transcribe.Backend
	breaker *CircuitBreaker
}

// TranscribeFallback implements [transcribe.Backend] with failover across a
// chain of backends. Windows go to the first backend whose breaker admits the
// call; on failure the next one is tried in registration order.
//
// The chain must be assembled before first use; AddFallback is not safe to
// call concurrently with Transcribe.
type TranscribeFallback struct {
	entries []chainEntry
	cfg     FallbackConfig
	log     *slog.Logger
}

var _ transcribe.Backend = (*TranscribeFallback)(nil)

// NewTranscribeFallback creates a chain with primary as the preferred
// backend. Further backends are registered with
// [TranscribeFallback.AddFallback].
func NewTranscribeFallback(primary transcribe.Backend, cfg FallbackConfig) *TranscribeFallback {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	f := &TranscribeFallback{cfg: cfg, log: cfg.Logger}
	f.add(primary)
	return f
}

// AddFallback appends a backend tried after all earlier chain members.
func (f *TranscribeFallback) AddFallback(backend transcribe.Backend) {
	f.add(backend)
}

func (f *TranscribeFallback) add(backend transcribe.Backend) {
	cbCfg := f.cfg.CircuitBreaker
	cbCfg.Name = backend.Name()
	cbCfg.Logger = f.cfg.Logger
	f.entries = append(f.entries, chainEntry{
		backend: backend,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Transcribe runs the window through the first healthy backend in the chain.
// Backends with open breakers are skipped without being called. If every
// member fails, the returned error wraps [ErrAllFailed] and carries the last
// backend error.
func (f *TranscribeFallback) Transcribe(ctx context.Context, w types.AudioWindow) (*transcribe.Result, error) {
	var lastErr error
	for i := range f.entries {
		entry := &f.entries[i]

		var res *transcribe.Result
		err := entry.breaker.Execute(func() error {
			var innerErr error
			res, innerErr = entry.backend.Transcribe(ctx, w)
			return innerErr
		})
		if err == nil {
			return res, nil
		}
		lastErr = err

		if errors.Is(err, ErrCircuitOpen) {
			f.log.Debug("skipping backend, circuit open",
				"backend", entry.backend.Name())
		} else {
			f.log.Warn("backend failed, trying next",
				"backend", entry.backend.Name(), "error", err)
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}

// Name implements transcribe.Backend.
func (f *TranscribeFallback) Name() string { return "fallback-chain" }
