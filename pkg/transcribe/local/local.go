// Package local provides a [transcribe.Backend] backed by the whisper.cpp
// CGO bindings. The whisper.cpp static library (libwhisper.a) and headers
// must be available at link time via LIBRARY_PATH and C_INCLUDE_PATH.
//
// The model is loaded once at construction and shared by all calls; each
// call creates its own whisper context because contexts are not
// thread-safe while the model is.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/voxtail/voxtail/pkg/transcribe"
	"github.com/voxtail/voxtail/pkg/types"
)

// defaultConfidence is assigned when the model output carries no usable
// token probabilities.
const defaultConfidence = 0.8

// Option is a functional option for configuring a Backend.
type Option func(*Backend)

// WithLanguage sets the language code passed to whisper.cpp. Defaults to
// "en".
func WithLanguage(lang string) Option {
	return func(b *Backend) { b.language = lang }
}

// Backend implements [transcribe.Backend] on a local whisper.cpp model.
type Backend struct {
	model    whisperlib.Model
	language string

	// closed guards the model handle; Transcribe after Close reports
	// the backend unavailable instead of crashing in C.
	mu     sync.RWMutex
	closed bool
}

var _ transcribe.Backend = (*Backend)(nil)

// New loads the whisper.cpp model from modelPath. The caller must call
// Close when the backend is no longer needed.
func New(modelPath string, opts ...Option) (*Backend, error) {
	if modelPath == "" {
		return nil, errors.New("local: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("local: load model %q: %w", modelPath, err)
	}

	b := &Backend{model: model, language: "en"}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

// Close releases the model.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.model.Close()
}

// Name implements [transcribe.Backend].
func (b *Backend) Name() string { return "local" }

// Transcribe implements [transcribe.Backend].
func (b *Backend) Transcribe(ctx context.Context, w types.AudioWindow) (*transcribe.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, fmt.Errorf("%w: model closed", transcribe.ErrUnavailable)
	}

	wctx, err := b.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("%w: create context: %v", transcribe.ErrUnavailable, err)
	}
	if err := wctx.SetLanguage(b.language); err != nil {
		slog.Warn("local: failed to set language, using model default", "language", b.language, "error", err)
	}

	samples := pcmToFloat32(w.PCM)
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return nil, fmt.Errorf("local: process audio: %w", err)
	}

	res := &transcribe.Result{Confidence: defaultConfidence, Language: b.language}
	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("local: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text == "" {
			continue
		}
		parts = append(parts, text)
		res.Segments = append(res.Segments, transcribe.Segment{
			Start:      segment.Start.Seconds(),
			End:        segment.End.Seconds(),
			Text:       text,
			Confidence: defaultConfidence,
		})
	}
	res.Text = strings.Join(parts, " ")

	if len(res.Segments) == 0 {
		res.Segments = []transcribe.Segment{{
			End:        w.Duration().Seconds(),
			Confidence: defaultConfidence,
		}}
	}
	return res, nil
}

// pcmToFloat32 converts canonical s16le PCM to the float32 samples the
// bindings expect.
func pcmToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	samples := make([]float32, n)
	for i := range n {
		sample := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		samples[i] = float32(sample) / 32768.0
	}
	return samples
}
