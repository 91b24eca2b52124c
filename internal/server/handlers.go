package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/voxtail/voxtail/internal/stream"
	"github.com/voxtail/voxtail/pkg/store"
	"github.com/voxtail/voxtail/pkg/types"
)

// handleStream upgrades to a websocket, registers the client with the
// stream manager, and pumps frames until the client disconnects. Binary
// frames are PCM chunks; text frames are config envelopes.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // origin policy is enforced upstream
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(1 << 20)

	ctx := r.Context()
	emit := newSocketEmitter(conn)
	sess, err := s.manager.Register(ctx, emit.emit)
	if err != nil {
		s.log.Error("register streaming client", "error", err)
		conn.Close(websocket.StatusInternalError, "registration failed")
		return
	}
	defer s.manager.Unregister(sess.ClientID())

	for {
		typ, frame, err := conn.Read(ctx)
		if err != nil {
			// Normal client close lands here too.
			s.log.Debug("stream read ended",
				"client_id", sess.ClientID(), "error", err)
			return
		}
		switch typ {
		case websocket.MessageBinary:
			if err := s.manager.Route(sess.ClientID(), frame, true); err != nil {
				s.log.Warn("route chunk", "client_id", sess.ClientID(), "error", err)
				return
			}
		case websocket.MessageText:
			if err := s.manager.Route(sess.ClientID(), frame, false); err != nil {
				// Malformed config envelopes are a client bug, not a
				// reason to drop the stream.
				s.log.Warn("bad client envelope",
					"client_id", sess.ClientID(), "error", err)
			}
		}
	}
}

// socketEmitter serializes envelope writes to one websocket. The actor
// goroutine and the registration path both emit.
type socketEmitter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newSocketEmitter(conn *websocket.Conn) *socketEmitter {
	return &socketEmitter{conn: conn}
}

func (e *socketEmitter) emit(ctx context.Context, env stream.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("server: marshal envelope: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("server: write envelope: %w", err)
	}
	return nil
}

// readUpload extracts the uploaded audio blob from a multipart form and
// derives a format hint from the filename extension.
func readUpload(w http.ResponseWriter, r *http.Request) ([]byte, string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, "", fmt.Errorf("server: missing file field: %w", err)
	}
	defer file.Close()

	blob, err := io.ReadAll(file)
	if err != nil {
		return nil, "", fmt.Errorf("server: read upload: %w", err)
	}
	hint := strings.TrimPrefix(filepath.Ext(header.Filename), ".")
	return blob, hint, nil
}

func (s *Server) handleProcessAudio(w http.ResponseWriter, r *http.Request) {
	blob, hint, err := readUpload(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_upload", err.Error())
		return
	}
	resp, err := s.pipeline.Process(r.Context(), blob, hint)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleIdentifySpeakers(w http.ResponseWriter, r *http.Request) {
	blob, hint, err := readUpload(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_upload", err.Error())
		return
	}
	res, err := s.pipeline.IdentifySpeakers(r.Context(), blob, hint)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleTrainSpeaker(w http.ResponseWriter, r *http.Request) {
	blob, hint, err := readUpload(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_upload", err.Error())
		return
	}
	name := r.FormValue("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, "invalid_name", "name field is required")
		return
	}
	resp, err := s.pipeline.TrainSpeaker(r.Context(), name, blob, hint)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListSpeakers(w http.ResponseWriter, r *http.Request) {
	names, err := s.pipeline.ListSpeakers(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"speakers": names})
}

func (s *Server) handleDeleteSpeaker(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.pipeline.DeleteSpeaker(r.Context(), name); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "name": name})
}

// transcriptResponse is the stored transcript tail for one session.
type transcriptResponse struct {
	SessionID string                   `json:"session_id"`
	Updates   []types.TranscriptUpdate `json:"updates"`
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "not_found", "no session store configured")
		return
	}
	id := r.PathValue("id")
	entries, err := s.store.GetRange(r.Context(), store.TranscriptKey(id), 0, -1)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found",
				fmt.Sprintf("no transcript for session %s", id))
			return
		}
		writeDomainError(w, err)
		return
	}

	resp := transcriptResponse{SessionID: id, Updates: make([]types.TranscriptUpdate, 0, len(entries))}
	for _, raw := range entries {
		var upd types.TranscriptUpdate
		if err := json.Unmarshal(raw, &upd); err != nil {
			s.log.Warn("skip malformed stored update", "session_id", id, "error", err)
			continue
		}
		resp.Updates = append(resp.Updates, upd)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Stats())
}
