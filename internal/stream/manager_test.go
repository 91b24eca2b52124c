package stream_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/voxtail/voxtail/internal/stream"
	"github.com/voxtail/voxtail/pkg/transcribe/mock"
)

func newManager(t *testing.T, p stream.ManagerParams) *stream.Manager {
	t.Helper()
	if p.Backend == nil {
		p.Backend = &mock.Backend{}
	}
	if p.WindowBytes == 0 {
		p.WindowBytes = 1000
	}
	if p.DefaultConfig == (stream.SessionConfig{}) {
		p.DefaultConfig = testConfig()
	}
	if p.IdleTimeout == 0 {
		p.IdleTimeout = time.Minute
	}
	if p.JanitorPeriod == 0 {
		p.JanitorPeriod = time.Minute
	}
	m, err := stream.NewManager(p)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	m.Start(context.Background())
	t.Cleanup(m.Close)
	return m
}

func TestManager_RegisterSendsConnectionEstablished(t *testing.T) {
	t.Parallel()

	m := newManager(t, stream.ManagerParams{})
	sink := &capture{}
	s, err := m.Register(context.Background(), sink.emit)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	envs := sink.byType(stream.TypeConnectionEstablished)
	if len(envs) != 1 {
		t.Fatalf("connection_established envelopes = %d, want 1", len(envs))
	}
	var hello stream.ConnectionEstablished
	if err := json.Unmarshal(envs[0].Data, &hello); err != nil {
		t.Fatalf("decode connection_established: %v", err)
	}
	if _, err := uuid.Parse(hello.ClientID); err != nil {
		t.Errorf("client id %q is not a uuid: %v", hello.ClientID, err)
	}
	if _, err := uuid.Parse(hello.SessionID); err != nil {
		t.Errorf("session id %q is not a uuid: %v", hello.SessionID, err)
	}
	if hello.ClientID != s.ClientID() || hello.SessionID != s.SessionID() {
		t.Error("connection_established ids do not match the session")
	}
	if hello.Config != testConfig() {
		t.Errorf("announced config = %+v, want %+v", hello.Config, testConfig())
	}

	if got := m.Stats().ActiveSessions; got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}
}

func TestManager_RoutesChunksAndConfig(t *testing.T) {
	t.Parallel()

	backend := &mock.Backend{}
	m := newManager(t, stream.ManagerParams{Backend: backend, WindowBytes: 100})
	sink := &capture{}
	s, err := m.Register(context.Background(), sink.emit)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if err := m.Route(s.ClientID(), fill(100, 0x01), true); err != nil {
		t.Fatalf("Route(binary) error = %v", err)
	}
	waitFor(t, "transcript update", func() bool {
		return len(sink.byType(stream.TypeTranscriptUpdate)) == 1
	})

	frame := []byte(`{"type":"config","data":{"language":"fr"},"timestamp":"2026-08-26T00:00:00Z"}`)
	if err := m.Route(s.ClientID(), frame, false); err != nil {
		t.Fatalf("Route(config) error = %v", err)
	}
	waitFor(t, "config echo", func() bool {
		return len(sink.byType(stream.TypeConfigUpdated)) == 1
	})

	if err := m.Route("nope", fill(10, 0x01), true); err == nil || !errors.Is(err, stream.ErrUnknownClient) {
		t.Errorf("Route(unknown) error = %v, want ErrUnknownClient", err)
	}
}

func TestManager_RouteRejectsMalformedConfig(t *testing.T) {
	t.Parallel()

	m := newManager(t, stream.ManagerParams{})
	sink := &capture{}
	s, err := m.Register(context.Background(), sink.emit)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	frame := []byte(`{"type":"config","data":{"langauge":"fr"},"timestamp":"2026-08-26T00:00:00Z"}`)
	if err := m.Route(s.ClientID(), frame, false); err == nil {
		t.Error("Route() with unknown config field error = nil, want error")
	}
}

func TestManager_UnregisterTerminates(t *testing.T) {
	t.Parallel()

	m := newManager(t, stream.ManagerParams{})
	sink := &capture{}
	s, err := m.Register(context.Background(), sink.emit)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	m.Unregister(s.ClientID())

	if got := s.State(); got != stream.StateTerminated {
		t.Errorf("state after unregister = %v, want %v", got, stream.StateTerminated)
	}
	if got := m.Stats().ActiveSessions; got != 0 {
		t.Errorf("active sessions = %d, want 0", got)
	}
	if err := m.Route(s.ClientID(), fill(10, 0x01), true); !errors.Is(err, stream.ErrUnknownClient) {
		t.Errorf("Route() after unregister error = %v, want ErrUnknownClient", err)
	}

	// Unregistering twice is a no-op.
	m.Unregister(s.ClientID())
}

func TestManager_JanitorEvictsIdleSessions(t *testing.T) {
	t.Parallel()

	m := newManager(t, stream.ManagerParams{
		IdleTimeout:   30 * time.Millisecond,
		JanitorPeriod: 10 * time.Millisecond,
	})
	sink := &capture{}
	s, err := m.Register(context.Background(), sink.emit)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	waitFor(t, "janitor eviction", func() bool {
		return m.Stats().ActiveSessions == 0
	})
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session actor did not terminate after eviction")
	}
	if got := s.State(); got != stream.StateTerminated {
		t.Errorf("state after eviction = %v, want %v", got, stream.StateTerminated)
	}
}

func TestManager_StatsCountsInFlight(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	backend := &mock.Backend{Delay: release}
	m := newManager(t, stream.ManagerParams{Backend: backend, WindowBytes: 100})
	sink := &capture{}
	s, err := m.Register(context.Background(), sink.emit)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if err := m.Route(s.ClientID(), fill(100, 0x01), true); err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	waitFor(t, "in-flight window", func() bool {
		return m.Stats().InFlightWindows == 1
	})

	close(release)
	waitFor(t, "window completion", func() bool {
		return m.Stats().InFlightWindows == 0
	})
	if got := m.Stats().TotalSessions; got != 1 {
		t.Errorf("total sessions = %d, want 1", got)
	}
}
