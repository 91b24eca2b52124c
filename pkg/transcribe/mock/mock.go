// Package mock provides a scripted [transcribe.Backend] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/voxtail/voxtail/pkg/transcribe"
	"github.com/voxtail/voxtail/pkg/types"
)

// Backend is a call-recording transcription backend. Results are consumed
// in order; when the script is exhausted the last entry repeats. A nil
// script yields a fixed single-segment result.
//
// All fields must be set before first use; the call log is synchronized.
type Backend struct {
	// Script is the sequence of results to return.
	Script []*transcribe.Result

	// Err, when non-nil, is returned by every call instead of a result.
	Err error

	// Delay, when set, makes Transcribe block until the context is done
	// or the delay channel is closed — used to test in-flight gating.
	Delay chan struct{}

	mu    sync.Mutex
	calls int

	// Windows records every window passed to Transcribe.
	Windows []types.AudioWindow
}

var _ transcribe.Backend = (*Backend)(nil)

// Transcribe implements [transcribe.Backend].
func (b *Backend) Transcribe(ctx context.Context, w types.AudioWindow) (*transcribe.Result, error) {
	if b.Delay != nil {
		select {
		case <-b.Delay:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	b.mu.Lock()
	b.Windows = append(b.Windows, w)
	n := b.calls
	b.calls++
	b.mu.Unlock()

	if b.Err != nil {
		return nil, b.Err
	}
	if len(b.Script) == 0 {
		return &transcribe.Result{
			Text:       "mock transcript",
			Segments:   []transcribe.Segment{{End: w.Duration().Seconds(), Text: "mock transcript", Confidence: 1}},
			Confidence: 1,
			Language:   "en",
		}, nil
	}
	if n >= len(b.Script) {
		n = len(b.Script) - 1
	}
	return b.Script[n], nil
}

// Name implements [transcribe.Backend].
func (b *Backend) Name() string { return "mock" }

// Calls returns how many times Transcribe was invoked.
func (b *Backend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}
