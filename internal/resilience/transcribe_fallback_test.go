package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voxtail/voxtail/internal/resilience"
	"github.com/voxtail/voxtail/pkg/transcribe"
	"github.com/voxtail/voxtail/pkg/transcribe/mock"
	"github.com/voxtail/voxtail/pkg/types"
)

func testConfig() resilience.FallbackConfig {
	return resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  3,
			ResetTimeout: 50 * time.Millisecond,
			HalfOpenMax:  1,
		},
	}
}

func testWindow() types.AudioWindow {
	return types.AudioWindow{
		PCM:         make([]byte, 64000),
		SampleRate:  16000,
		Channels:    1,
		SampleWidth: 2,
	}
}

func TestTranscribeFallback_PrimarySucceeds(t *testing.T) {
	t.Parallel()
	primary := &mock.Backend{Script: []*transcribe.Result{{Text: "from primary", Confidence: 1}}}
	secondary := &mock.Backend{Script: []*transcribe.Result{{Text: "from secondary", Confidence: 1}}}

	chain := resilience.NewTranscribeFallback(primary, testConfig())
	chain.AddFallback(secondary)

	res, err := chain.Transcribe(context.Background(), testWindow())
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "from primary" {
		t.Errorf("Text = %q, want %q", res.Text, "from primary")
	}
	if secondary.Calls() != 0 {
		t.Errorf("secondary was called %d times, want 0", secondary.Calls())
	}
}

func TestTranscribeFallback_FallsThroughOnUnavailable(t *testing.T) {
	t.Parallel()
	primary := &mock.Backend{Err: transcribe.ErrUnavailable}
	secondary := &mock.Backend{Script: []*transcribe.Result{{Text: "rescued", Confidence: 1}}}

	chain := resilience.NewTranscribeFallback(primary, testConfig())
	chain.AddFallback(secondary)

	res, err := chain.Transcribe(context.Background(), testWindow())
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "rescued" {
		t.Errorf("Text = %q, want %q", res.Text, "rescued")
	}
	if primary.Calls() != 1 {
		t.Errorf("primary was called %d times, want 1", primary.Calls())
	}
}

func TestTranscribeFallback_AllFail(t *testing.T) {
	t.Parallel()
	primary := &mock.Backend{Err: transcribe.ErrUnavailable}
	secondary := &mock.Backend{Err: transcribe.ErrUnavailable}

	chain := resilience.NewTranscribeFallback(primary, testConfig())
	chain.AddFallback(secondary)

	_, err := chain.Transcribe(context.Background(), testWindow())
	if !errors.Is(err, resilience.ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestTranscribeFallback_CircuitOpensAfterRepeatedFailures(t *testing.T) {
	t.Parallel()
	primary := &mock.Backend{Err: transcribe.ErrUnavailable}
	secondary := &mock.Backend{Script: []*transcribe.Result{{Text: "ok", Confidence: 1}}}

	chain := resilience.NewTranscribeFallback(primary, testConfig())
	chain.AddFallback(secondary)

	ctx := context.Background()
	// Trip the primary's breaker.
	for range 5 {
		if _, err := chain.Transcribe(ctx, testWindow()); err != nil {
			t.Fatalf("Transcribe: %v", err)
		}
	}

	// MaxFailures is 3, so the primary must have stopped being tried.
	if calls := primary.Calls(); calls > 3 {
		t.Errorf("primary was called %d times after breaker should have opened, want <= 3", calls)
	}
}
