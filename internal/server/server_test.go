package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voxtail/voxtail/internal/health"
	"github.com/voxtail/voxtail/internal/pipeline"
	"github.com/voxtail/voxtail/internal/server"
	"github.com/voxtail/voxtail/internal/stream"
	"github.com/voxtail/voxtail/pkg/audio"
	"github.com/voxtail/voxtail/pkg/speaker"
	"github.com/voxtail/voxtail/pkg/store"
	"github.com/voxtail/voxtail/pkg/store/memory"
	"github.com/voxtail/voxtail/pkg/transcribe/mock"
	"github.com/voxtail/voxtail/pkg/types"
)

func toneWAV(t *testing.T, seconds float64) []byte {
	t.Helper()
	n := int(seconds * float64(audio.CanonicalSampleRate))
	pcm := make([]byte, n*2)
	for i := range n {
		ts := float64(i) / float64(audio.CanonicalSampleRate)
		s := int16(20000 * math.Sin(2*math.Pi*140*ts))
		pcm[2*i] = byte(uint16(s))
		pcm[2*i+1] = byte(uint16(s) >> 8)
	}
	return audio.EncodeWAV(pcm, audio.CanonicalSampleRate, 1)
}

type harness struct {
	srv     *httptest.Server
	store   *memory.Store
	backend *mock.Backend
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	backend := &mock.Backend{}
	reg, err := speaker.NewDiskRegistry(t.TempDir(), 0.7)
	if err != nil {
		t.Fatalf("NewDiskRegistry: %v", err)
	}
	st := memory.New()

	pipe := pipeline.New(backend, reg)
	mgr, err := stream.NewManager(stream.ManagerParams{
		Backend:       backend,
		Registry:      reg,
		Store:         st,
		StoreTTL:      time.Hour,
		DefaultConfig: stream.SessionConfig{SampleRate: 16000, Channels: 1},
		WindowBytes:   64000,
		IdleTimeout:   time.Minute,
		JanitorPeriod: time.Minute,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	mgr.Start(context.Background())
	t.Cleanup(mgr.Close)

	s, err := server.New(server.Params{
		Pipeline: pipe,
		Manager:  mgr,
		Store:    st,
		Health: health.New(health.Checker{
			Name:  "store",
			Check: func(context.Context) error { return nil },
		}),
	})
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return &harness{srv: ts, store: st, backend: backend}
}

func uploadRequest(t *testing.T, url string, fields map[string]string, filename string, blob []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field %s: %v", k, err)
		}
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write(blob); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, &body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func doJSON(t *testing.T, req *http.Request, wantStatus int, out any) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request %s: %v", req.URL.Path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != wantStatus {
		t.Fatalf("%s status = %d, want %d (body %s)", req.URL.Path, resp.StatusCode, wantStatus, body)
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			t.Fatalf("decode %s response: %v", req.URL.Path, err)
		}
	}
}

func TestProcessAudioEndpoint(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	req := uploadRequest(t, h.srv.URL+"/v1/audio/process", nil, "clip.wav", toneWAV(t, 2))
	var resp types.VoiceProcessingResponse
	doJSON(t, req, http.StatusOK, &resp)

	if resp.Status != "completed" {
		t.Errorf("status = %q, want completed", resp.Status)
	}
	if resp.Transcript != "mock transcript" {
		t.Errorf("transcript = %q, want mock transcript", resp.Transcript)
	}
	if resp.Metadata.SampleRate != audio.CanonicalSampleRate {
		t.Errorf("metadata sample rate = %d, want %d", resp.Metadata.SampleRate, audio.CanonicalSampleRate)
	}
}

func TestProcessAudioEndpoint_BadBlob(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	req := uploadRequest(t, h.srv.URL+"/v1/audio/process", nil, "clip.xyz", []byte("not audio at all"))
	var body struct {
		Error struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"error"`
	}
	doJSON(t, req, http.StatusBadRequest, &body)
	if body.Error.Kind != "unsupported_format" && body.Error.Kind != "decode_failed" {
		t.Errorf("error kind = %q, want a decode failure", body.Error.Kind)
	}
}

func TestProcessAudioEndpoint_MissingFile(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	req, err := http.NewRequest(http.MethodPost, h.srv.URL+"/v1/audio/process",
		strings.NewReader("plain body"))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	doJSON(t, req, http.StatusBadRequest, nil)
}

func TestSpeakerEndpoints(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	// Train.
	req := uploadRequest(t, h.srv.URL+"/v1/speakers/train",
		map[string]string{"name": "alice"}, "alice.wav", toneWAV(t, 3))
	var trained types.SpeakerTrainingResponse
	doJSON(t, req, http.StatusOK, &trained)
	if trained.Status != "trained" || trained.Name != "alice" {
		t.Errorf("training response = %+v", trained)
	}

	// List.
	listReq, _ := http.NewRequest(http.MethodGet, h.srv.URL+"/v1/speakers", nil)
	var list struct {
		Speakers []string `json:"speakers"`
	}
	doJSON(t, listReq, http.StatusOK, &list)
	if len(list.Speakers) != 1 || list.Speakers[0] != "alice" {
		t.Errorf("speakers = %v, want [alice]", list.Speakers)
	}

	// Identify.
	idReq := uploadRequest(t, h.srv.URL+"/v1/speakers/identify", nil, "clip.wav", toneWAV(t, 4))
	var ident types.SpeakerIdentificationResult
	doJSON(t, idReq, http.StatusOK, &ident)
	if ident.TotalSpeakers < 1 {
		t.Errorf("total speakers = %d, want at least 1", ident.TotalSpeakers)
	}

	// Delete, then delete again.
	delReq, _ := http.NewRequest(http.MethodDelete, h.srv.URL+"/v1/speakers/alice", nil)
	doJSON(t, delReq, http.StatusOK, nil)
	delAgain, _ := http.NewRequest(http.MethodDelete, h.srv.URL+"/v1/speakers/alice", nil)
	doJSON(t, delAgain, http.StatusNotFound, nil)
}

func TestTrainSpeakerEndpoint_RequiresName(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	req := uploadRequest(t, h.srv.URL+"/v1/speakers/train", nil, "clip.wav", toneWAV(t, 2))
	doJSON(t, req, http.StatusBadRequest, nil)
}

func TestTranscriptEndpoint(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	upd := types.TranscriptUpdate{SessionID: "sess-1", ChunkID: "chunk-1", Text: "hello", IsFinal: true}
	raw, _ := json.Marshal(upd)
	if err := h.store.Append(context.Background(), store.TranscriptKey("sess-1"), raw); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	req, _ := http.NewRequest(http.MethodGet, h.srv.URL+"/v1/sessions/sess-1/transcript", nil)
	var resp struct {
		SessionID string                   `json:"session_id"`
		Updates   []types.TranscriptUpdate `json:"updates"`
	}
	doJSON(t, req, http.StatusOK, &resp)
	if len(resp.Updates) != 1 || resp.Updates[0].Text != "hello" {
		t.Errorf("updates = %+v, want the seeded entry", resp.Updates)
	}

	missing, _ := http.NewRequest(http.MethodGet, h.srv.URL+"/v1/sessions/nope/transcript", nil)
	doJSON(t, missing, http.StatusNotFound, nil)
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		req, _ := http.NewRequest(http.MethodGet, h.srv.URL+path, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestStreamEndpoint(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/v1/stream"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	defer conn.CloseNow()

	readEnvelope := func() stream.Envelope {
		t.Helper()
		typ, frame, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read envelope: %v", err)
		}
		if typ != websocket.MessageText {
			t.Fatalf("message type = %v, want text", typ)
		}
		var env stream.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		return env
	}

	hello := readEnvelope()
	if hello.Type != stream.TypeConnectionEstablished {
		t.Fatalf("first envelope type = %q, want %q", hello.Type, stream.TypeConnectionEstablished)
	}
	var welcome stream.ConnectionEstablished
	if err := json.Unmarshal(hello.Data, &welcome); err != nil {
		t.Fatalf("decode connection_established: %v", err)
	}
	if welcome.SessionID == "" || welcome.ClientID == "" {
		t.Fatal("connection_established is missing ids")
	}

	// A config envelope is echoed back.
	cfgFrame := fmt.Sprintf(`{"type":"config","data":{"language":"en"},"timestamp":%q}`,
		time.Now().UTC().Format(time.RFC3339))
	if err := conn.Write(ctx, websocket.MessageText, []byte(cfgFrame)); err != nil {
		t.Fatalf("write config: %v", err)
	}
	echo := readEnvelope()
	if echo.Type != stream.TypeConfigUpdated {
		t.Fatalf("envelope type = %q, want %q", echo.Type, stream.TypeConfigUpdated)
	}

	// One full window of PCM yields a transcript update and a store append.
	window := make([]byte, 64000)
	if err := conn.Write(ctx, websocket.MessageBinary, window); err != nil {
		t.Fatalf("write chunk: %v", err)
	}
	upd := readEnvelope()
	if upd.Type != stream.TypeTranscriptUpdate {
		t.Fatalf("envelope type = %q, want %q", upd.Type, stream.TypeTranscriptUpdate)
	}
	var tu types.TranscriptUpdate
	if err := json.Unmarshal(upd.Data, &tu); err != nil {
		t.Fatalf("decode transcript update: %v", err)
	}
	if tu.Text != "mock transcript" || !tu.IsFinal {
		t.Errorf("update = %+v, want final mock transcript", tu)
	}

	// The append lands just after the emit; allow it a moment.
	deadline := time.Now().Add(2 * time.Second)
	for {
		entries, err := h.store.GetRange(ctx, store.TranscriptKey(welcome.SessionID), 0, -1)
		if err == nil && len(entries) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("stored entries = %d (err %v), want 1", len(entries), err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
