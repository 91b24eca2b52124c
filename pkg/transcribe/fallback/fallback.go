// Package fallback provides the simplest [transcribe.Backend]: a plain
// HTTP recognizer that accepts a WAV upload and returns only the joined
// text (whisper.cpp's server binary and several small ASR servers speak
// exactly this shape).
//
// Because the recognizer reports no timings or confidences, the result is
// a single segment spanning the whole window with a flat confidence of
// 0.7.
package fallback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/voxtail/voxtail/pkg/audio"
	"github.com/voxtail/voxtail/pkg/transcribe"
	"github.com/voxtail/voxtail/pkg/types"
)

// defaultConfidence is assigned to every fallback result; the recognizer
// itself reports none.
const defaultConfidence = 0.7

// Option is a functional option for configuring a Backend.
type Option func(*Backend)

// WithLanguage sets the language hint forwarded to the recognizer.
// Defaults to none (server-side detection).
func WithLanguage(lang string) Option {
	return func(b *Backend) { b.language = lang }
}

// WithHTTPClient replaces the default HTTP client (30 s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(b *Backend) { b.httpClient = c }
}

// Backend implements [transcribe.Backend] against a recognizer endpoint
// accepting POST multipart/form-data with a "file" field and answering
// {"text": "..."}.
type Backend struct {
	serverURL  string
	language   string
	httpClient *http.Client
}

var _ transcribe.Backend = (*Backend)(nil)

// New creates a Backend for the recognizer at serverURL (e.g.
// "http://localhost:8080/inference").
func New(serverURL string, opts ...Option) (*Backend, error) {
	if serverURL == "" {
		return nil, errors.New("fallback: serverURL must not be empty")
	}
	b := &Backend{
		serverURL:  serverURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

// Name implements [transcribe.Backend].
func (b *Backend) Name() string { return "fallback" }

// Transcribe implements [transcribe.Backend]. The window is wrapped in a
// RIFF header and uploaded as one clip.
func (b *Backend) Transcribe(ctx context.Context, w types.AudioWindow) (*transcribe.Result, error) {
	wav := audio.EncodeWAV(w.PCM, w.SampleRate, w.Channels)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "window.wav")
	if err != nil {
		return nil, fmt.Errorf("fallback: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return nil, fmt.Errorf("fallback: write wav data: %w", err)
	}
	if b.language != "" {
		if err := mw.WriteField("language", b.language); err != nil {
			return nil, fmt.Errorf("fallback: write language field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("fallback: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.serverURL, &body)
	if err != nil {
		return nil, fmt.Errorf("fallback: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transcribe.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: recognizer returned HTTP %d", transcribe.ErrUnavailable, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", transcribe.ErrUnavailable, err)
	}

	var parsed struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("fallback: parse response: %w", err)
	}

	text := strings.TrimSpace(parsed.Text)
	return &transcribe.Result{
		Text: text,
		Segments: []transcribe.Segment{{
			Start:      0,
			End:        w.Duration().Seconds(),
			Text:       text,
			Confidence: defaultConfidence,
		}},
		Confidence: defaultConfidence,
		Language:   b.language,
	}, nil
}
