// Package mcp exposes a read-only Model Context Protocol server over
// streamable HTTP so that agent frontends can inspect the service: the
// registered speakers, a session's stored transcript, and the live
// connection stats. Nothing here mutates state.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/voxtail/voxtail/internal/stream"
	"github.com/voxtail/voxtail/pkg/speaker"
	"github.com/voxtail/voxtail/pkg/store"
	"github.com/voxtail/voxtail/pkg/types"
)

// serverName identifies this MCP implementation to clients.
const serverName = "voxtail"

// Service owns the MCP server and its tool handlers.
type Service struct {
	registry speaker.Registry
	store    store.SessionStore
	manager  *stream.Manager
	log      *slog.Logger
}

// Params carries the read-only views the tools answer from. Any of the
// dependencies may be nil; the matching tool then reports an error to the
// caller instead of being registered at all.
type Params struct {
	Registry speaker.Registry
	Store    store.SessionStore
	Manager  *stream.Manager
	Version  string
	Logger   *slog.Logger
}

// New builds the service.
func New(p Params) *Service {
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	return &Service{
		registry: p.Registry,
		store:    p.Store,
		manager:  p.Manager,
		log:      p.Logger,
	}
}

// listSpeakersOutput is the structured result of the list_speakers tool.
type listSpeakersOutput struct {
	Speakers []string `json:"speakers"`
}

// transcriptInput selects the session whose transcript to fetch.
type transcriptInput struct {
	SessionID string `json:"session_id" jsonschema:"the streaming session id whose transcript to fetch"`
}

// transcriptOutput is the stored transcript tail in append order.
type transcriptOutput struct {
	SessionID string                   `json:"session_id"`
	Updates   []types.TranscriptUpdate `json:"updates"`
}

// Handler builds the MCP server with the available tools and returns the
// streamable-HTTP handler to mount.
func (s *Service) Handler(version string) http.Handler {
	srv := mcpsdk.NewServer(&mcpsdk.Implementation{Name: serverName, Version: version}, nil)

	if s.registry != nil {
		mcpsdk.AddTool(srv, &mcpsdk.Tool{
			Name:        "list_speakers",
			Description: "List the names of all speakers registered for voice identification.",
		}, s.listSpeakers)
	}
	if s.store != nil {
		mcpsdk.AddTool(srv, &mcpsdk.Tool{
			Name:        "get_session_transcript",
			Description: "Fetch the stored transcript updates for a streaming session, in append order.",
		}, s.getSessionTranscript)
	}
	if s.manager != nil {
		mcpsdk.AddTool(srv, &mcpsdk.Tool{
			Name:        "connection_stats",
			Description: "Report the current number of active streaming sessions and in-flight window tasks.",
		}, s.connectionStats)
	}

	return mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server {
		return srv
	}, nil)
}

func (s *Service) listSpeakers(ctx context.Context, _ *mcpsdk.CallToolRequest, _ struct{}) (*mcpsdk.CallToolResult, listSpeakersOutput, error) {
	names, err := s.registry.List(ctx)
	if err != nil {
		return nil, listSpeakersOutput{}, fmt.Errorf("mcp: list speakers: %w", err)
	}
	if names == nil {
		names = []string{}
	}
	return nil, listSpeakersOutput{Speakers: names}, nil
}

func (s *Service) getSessionTranscript(ctx context.Context, _ *mcpsdk.CallToolRequest, in transcriptInput) (*mcpsdk.CallToolResult, transcriptOutput, error) {
	if in.SessionID == "" {
		return nil, transcriptOutput{}, errors.New("mcp: session_id is required")
	}
	entries, err := s.store.GetRange(ctx, store.TranscriptKey(in.SessionID), 0, -1)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, transcriptOutput{}, fmt.Errorf("mcp: no transcript for session %s", in.SessionID)
		}
		return nil, transcriptOutput{}, fmt.Errorf("mcp: fetch transcript: %w", err)
	}

	out := transcriptOutput{SessionID: in.SessionID, Updates: make([]types.TranscriptUpdate, 0, len(entries))}
	for _, raw := range entries {
		var upd types.TranscriptUpdate
		if err := json.Unmarshal(raw, &upd); err != nil {
			s.log.Warn("skip malformed stored update", "session_id", in.SessionID, "error", err)
			continue
		}
		out.Updates = append(out.Updates, upd)
	}
	return nil, out, nil
}

func (s *Service) connectionStats(_ context.Context, _ *mcpsdk.CallToolRequest, _ struct{}) (*mcpsdk.CallToolResult, stream.Stats, error) {
	return nil, s.manager.Stats(), nil
}
