// Package server exposes the HTTP surface: the websocket streaming
// endpoint, the batch upload endpoints over the pipeline, speaker
// management, stored-transcript retrieval, and the health and metrics
// probes.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxtail/voxtail/internal/health"
	"github.com/voxtail/voxtail/internal/observe"
	"github.com/voxtail/voxtail/internal/pipeline"
	"github.com/voxtail/voxtail/internal/resilience"
	"github.com/voxtail/voxtail/internal/stream"
	"github.com/voxtail/voxtail/pkg/audio"
	"github.com/voxtail/voxtail/pkg/speaker"
	"github.com/voxtail/voxtail/pkg/store"
	"github.com/voxtail/voxtail/pkg/transcribe"
)

// maxUploadBytes caps multipart audio uploads (64 MiB covers several
// minutes of 16-bit 48 kHz stereo source material).
const maxUploadBytes = 64 << 20

// Server wires the HTTP handlers to the processing pipeline, the stream
// manager, and the session store.
type Server struct {
	pipeline *pipeline.Pipeline
	manager  *stream.Manager
	store    store.SessionStore
	health   *health.Handler
	log      *slog.Logger
	metrics  *observe.Metrics
}

// Params carries the Server's dependencies. Health may be nil to skip the
// probe endpoints; Metrics defaults to the process-wide instruments.
type Params struct {
	Pipeline *pipeline.Pipeline
	Manager  *stream.Manager
	Store    store.SessionStore
	Health   *health.Handler
	Logger   *slog.Logger
	Metrics  *observe.Metrics
}

// New builds a Server. Pipeline and Manager are required.
func New(p Params) (*Server, error) {
	if p.Pipeline == nil {
		return nil, errors.New("server: pipeline is required")
	}
	if p.Manager == nil {
		return nil, errors.New("server: stream manager is required")
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Metrics == nil {
		p.Metrics = observe.DefaultMetrics()
	}
	return &Server{
		pipeline: p.Pipeline,
		manager:  p.Manager,
		store:    p.Store,
		health:   p.Health,
		log:      p.Logger,
		metrics:  p.Metrics,
	}, nil
}

// Handler returns the routed HTTP handler with the observability
// middleware applied to every API route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/stream", s.handleStream)
	mux.HandleFunc("POST /v1/audio/process", s.handleProcessAudio)
	mux.HandleFunc("POST /v1/speakers/identify", s.handleIdentifySpeakers)
	mux.HandleFunc("POST /v1/speakers/train", s.handleTrainSpeaker)
	mux.HandleFunc("GET /v1/speakers", s.handleListSpeakers)
	mux.HandleFunc("DELETE /v1/speakers/{name}", s.handleDeleteSpeaker)
	mux.HandleFunc("GET /v1/sessions/{id}/transcript", s.handleTranscript)
	mux.HandleFunc("GET /v1/stats", s.handleStats)

	mux.Handle("GET /metrics", promhttp.Handler())
	if s.health != nil {
		s.health.Register(mux)
	}

	return observe.Middleware(s.metrics)(mux)
}

// errorBody is the uniform error response shape.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Kind: kind, Message: message}})
}

// writeDomainError maps pipeline and store sentinels to HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, audio.ErrUnsupportedFormat):
		writeError(w, http.StatusBadRequest, "unsupported_format", err.Error())
	case errors.Is(err, audio.ErrDecode):
		writeError(w, http.StatusBadRequest, "decode_failed", err.Error())
	case errors.Is(err, transcribe.ErrUnavailable), errors.Is(err, resilience.ErrAllFailed):
		writeError(w, http.StatusServiceUnavailable, "backend_unavailable", err.Error())
	case errors.Is(err, speaker.ErrEmptyName):
		writeError(w, http.StatusBadRequest, "invalid_name", err.Error())
	case errors.Is(err, speaker.ErrNotFound), errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}
