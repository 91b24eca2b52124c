// Package transcribe defines the Backend abstraction over speech-to-text
// engines.
//
// A Backend turns one canonical audio window into text. Three variants
// ship with voxtail — remote (OpenAI audio transcriptions), local
// (whisper.cpp CGO bindings), and fallback (a plain HTTP recognizer) —
// plus a scripted mock for tests. Every pipeline works with any single
// variant present; selection is configuration-driven.
package transcribe

import (
	"context"
	"errors"

	"github.com/voxtail/voxtail/pkg/types"
)

// ErrUnavailable marks a backend failure that makes the call eligible for
// fall-through to the next configured variant (network down, server 5xx,
// model not loaded). Input errors are not wrapped in it: retrying bad
// audio elsewhere cannot help.
var ErrUnavailable = errors.New("transcribe: backend unavailable")

// Segment is one timed span of the backend's output.
type Segment struct {
	// Start and End are offsets from the beginning of the window, in
	// seconds.
	Start float64
	End   float64

	Text string

	// Confidence in [0,1]; backends that do not report one fill in
	// their variant default.
	Confidence float64
}

// Result is the transcription of one window.
type Result struct {
	// Text is the full joined transcript of the window.
	Text string

	// Segments carries per-span timings when the backend reports them;
	// at minimum one segment spanning the window.
	Segments []Segment

	// Confidence is the overall recognition confidence in [0,1].
	Confidence float64

	// Language is the detected language code, when reported.
	Language string
}

// Backend is the capability shared by all transcription variants.
//
// Implementations must be safe for concurrent use; sessions for many
// clients call Transcribe in parallel.
type Backend interface {
	// Transcribe converts one canonical window into text. It must
	// respect ctx cancellation and wrap availability failures in
	// [ErrUnavailable].
	Transcribe(ctx context.Context, w types.AudioWindow) (*Result, error)

	// Name identifies the variant in logs and metrics ("remote",
	// "local", "fallback").
	Name() string
}
