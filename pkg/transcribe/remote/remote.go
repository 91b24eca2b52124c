// Package remote provides a [transcribe.Backend] backed by the OpenAI
// audio transcriptions API.
//
// Windows are uploaded as single WAV clips with the verbose JSON response
// format so per-segment timings come back. The API reports no usable
// per-segment confidence, so results carry a flat 0.9.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/voxtail/voxtail/pkg/audio"
	"github.com/voxtail/voxtail/pkg/transcribe"
	"github.com/voxtail/voxtail/pkg/types"
)

// defaultConfidence is assigned when the service reports none, which for
// the transcriptions API is always.
const defaultConfidence = 0.9

// config holds optional configuration for the backend.
type config struct {
	baseURL  string
	model    string
	language string
	timeout  time.Duration
}

// Option is a functional option for Backend.
type Option func(*config)

// WithBaseURL overrides the default API base URL (for proxies and
// API-compatible servers).
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithModel selects the transcription model. Defaults to whisper-1.
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithLanguage sets the language hint. Empty lets the service detect.
func WithLanguage(lang string) Option {
	return func(c *config) { c.language = lang }
}

// WithTimeout sets a per-request HTTP timeout. Defaults to 60 s.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// Backend implements [transcribe.Backend] using the OpenAI API.
type Backend struct {
	client   oai.Client
	model    string
	language string
}

var _ transcribe.Backend = (*Backend)(nil)

// New constructs a remote Backend.
func New(apiKey string, opts ...Option) (*Backend, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("remote: apiKey must not be empty")
	}

	cfg := &config{
		model:   string(oai.AudioModelWhisper1),
		timeout: 60 * time.Second,
	}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &Backend{
		client:   oai.NewClient(reqOpts...),
		model:    cfg.model,
		language: cfg.language,
	}, nil
}

// Name implements [transcribe.Backend].
func (b *Backend) Name() string { return "remote" }

// verboseTranscription mirrors the verbose_json response shape. The SDK's
// typed Transcription drops the segment list, so the raw payload is
// re-parsed here.
type verboseTranscription struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Segments []struct {
		ID    int     `json:"id"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

// Transcribe implements [transcribe.Backend].
func (b *Backend) Transcribe(ctx context.Context, w types.AudioWindow) (*transcribe.Result, error) {
	wav := audio.EncodeWAV(w.PCM, w.SampleRate, w.Channels)

	params := oai.AudioTranscriptionNewParams{
		File:           oai.File(bytes.NewReader(wav), "window.wav", "audio/wav"),
		Model:          oai.AudioModel(b.model),
		ResponseFormat: oai.AudioResponseFormatVerboseJSON,
	}
	if b.language != "" {
		params.Language = oai.String(b.language)
	}

	resp, err := b.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transcribe.ErrUnavailable, err)
	}

	var verbose verboseTranscription
	if err := json.Unmarshal([]byte(resp.RawJSON()), &verbose); err != nil {
		return nil, fmt.Errorf("remote: parse verbose response: %w", err)
	}

	res := &transcribe.Result{
		Text:       strings.TrimSpace(verbose.Text),
		Confidence: defaultConfidence,
		Language:   verbose.Language,
	}
	for _, seg := range verbose.Segments {
		res.Segments = append(res.Segments, transcribe.Segment{
			Start:      seg.Start,
			End:        seg.End,
			Text:       strings.TrimSpace(seg.Text),
			Confidence: defaultConfidence,
		})
	}
	if len(res.Segments) == 0 && res.Text != "" {
		res.Segments = []transcribe.Segment{{
			End:        w.Duration().Seconds(),
			Text:       res.Text,
			Confidence: defaultConfidence,
		}}
	}
	return res, nil
}
