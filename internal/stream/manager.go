package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/voxtail/voxtail/internal/correct"
	"github.com/voxtail/voxtail/internal/observe"
	"github.com/voxtail/voxtail/pkg/speaker"
	"github.com/voxtail/voxtail/pkg/store"
	"github.com/voxtail/voxtail/pkg/transcribe"
	"github.com/voxtail/voxtail/pkg/voiceprint"
)

// ErrUnknownClient is returned by Route for client ids with no live session.
var ErrUnknownClient = errors.New("stream: unknown client")

// Stats is a point-in-time snapshot of the manager's load.
type Stats struct {
	ActiveSessions  int64 `json:"active_sessions"`
	InFlightWindows int64 `json:"in_flight_windows"`
	TotalSessions   int64 `json:"total_sessions"`
}

// ManagerParams carries the shared dependencies every session is built
// from plus the janitor tuning.
type ManagerParams struct {
	Backend   transcribe.Backend
	Registry  speaker.Registry
	Extractor *voiceprint.Extractor
	Corrector *correct.Corrector
	Store     store.SessionStore
	StoreTTL  time.Duration

	DefaultConfig  SessionConfig
	WindowBytes    int
	MaxBufferBytes int

	// IdleTimeout is how long a session may go without activity before
	// the janitor terminates it.
	IdleTimeout time.Duration
	// JanitorPeriod is the sweep interval.
	JanitorPeriod time.Duration

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Manager owns the set of live streaming sessions. Register/Unregister are
// the only writers of the session map; Route reads it on every chunk.
type Manager struct {
	params  ManagerParams
	log     *slog.Logger
	metrics *observe.Metrics

	mu       sync.RWMutex
	sessions map[string]*Session // keyed by client id

	total atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewManager validates the shared dependencies and returns a manager with
// the janitor not yet running; call Start.
func NewManager(p ManagerParams) (*Manager, error) {
	if p.Backend == nil {
		return nil, errors.New("stream: manager needs a transcription backend")
	}
	if p.WindowBytes <= 0 {
		return nil, fmt.Errorf("stream: invalid window size %d", p.WindowBytes)
	}
	if p.IdleTimeout <= 0 || p.JanitorPeriod <= 0 {
		return nil, errors.New("stream: idle timeout and janitor period must be positive")
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Metrics == nil {
		p.Metrics = observe.DefaultMetrics()
	}
	return &Manager{
		params:   p,
		log:      p.Logger,
		metrics:  p.Metrics,
		sessions: make(map[string]*Session),
	}, nil
}

// Start launches the janitor. The manager runs until Close or until ctx is
// cancelled.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.janitorLoop(ctx)
}

// Register accepts a new client: issues fresh unguessable client and
// session ids, builds a session with the default config, starts its actor,
// and sends the connection_established envelope through emit.
func (m *Manager) Register(ctx context.Context, emit Emitter) (*Session, error) {
	clientID := uuid.NewString()
	sessionID := uuid.NewString()

	s, err := NewSession(SessionParams{
		ClientID:       clientID,
		SessionID:      sessionID,
		Config:         m.params.DefaultConfig,
		Backend:        m.params.Backend,
		Registry:       m.params.Registry,
		Extractor:      m.params.Extractor,
		Corrector:      m.params.Corrector,
		Store:          m.params.Store,
		StoreTTL:       m.params.StoreTTL,
		WindowBytes:    m.params.WindowBytes,
		MaxBufferBytes: m.params.MaxBufferBytes,
		Emit:           emit,
		Logger:         m.log,
		Metrics:        m.metrics,
	})
	if err != nil {
		return nil, err
	}

	env, err := NewEnvelope(TypeConnectionEstablished, sessionID, ConnectionEstablished{
		ClientID:  clientID,
		SessionID: sessionID,
		Config:    m.params.DefaultConfig,
	})
	if err != nil {
		return nil, err
	}
	if err := emit(ctx, env); err != nil {
		return nil, fmt.Errorf("stream: send connection_established: %w", err)
	}

	s.Start(ctx)

	m.mu.Lock()
	m.sessions[clientID] = s
	m.mu.Unlock()
	m.total.Add(1)
	m.metrics.ActiveSessions.Add(ctx, 1)

	m.log.Info("client connected", "client_id", clientID, "session_id", sessionID)
	return s, nil
}

// Route dispatches one client frame to the owning session: binary frames
// are PCM chunks, text frames are config envelopes whose merge is echoed
// back as config_updated.
func (m *Manager) Route(clientID string, frame []byte, binary bool) error {
	m.mu.RLock()
	s, ok := m.sessions[clientID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownClient, clientID)
	}
	if binary {
		return s.Ingest(frame)
	}
	upd, err := ParseClientEnvelope(frame)
	if err != nil {
		return err
	}
	return s.UpdateConfig(upd)
}

// Lookup returns the live session for a client id.
func (m *Manager) Lookup(clientID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[clientID]
	return s, ok
}

// Unregister removes the client's session and terminates it: any in-flight
// window task is cancelled and the buffer is released. The transcript list
// stays in the store under its TTL.
func (m *Manager) Unregister(clientID string) {
	m.mu.Lock()
	s, ok := m.sessions[clientID]
	if ok {
		delete(m.sessions, clientID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	s.Close()
	m.metrics.ActiveSessions.Add(context.Background(), -1)
	m.log.Info("client disconnected",
		"client_id", clientID,
		"session_id", s.SessionID(),
	)
}

// Stats snapshots the current load. In-flight counts sessions whose actor
// has a window task running.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Stats{
		ActiveSessions: int64(len(m.sessions)),
		TotalSessions:  m.total.Load(),
	}
	for _, s := range m.sessions {
		switch s.State() {
		case StateProcessing, StateDraining:
			st.InFlightWindows++
		}
	}
	return st
}

// Close stops the janitor and terminates every live session. Safe to call
// more than once.
func (m *Manager) Close() {
	m.once.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		m.wg.Wait()

		m.mu.Lock()
		sessions := m.sessions
		m.sessions = make(map[string]*Session)
		m.mu.Unlock()

		for id, s := range sessions {
			s.Close()
			m.metrics.ActiveSessions.Add(context.Background(), -1)
			m.log.Debug("session closed on shutdown",
				"client_id", id, "session_id", s.SessionID())
		}
	})
}

// janitorLoop terminates sessions whose last activity is older than the
// idle timeout. Idle eviction is logged as its own event, distinct from a
// client-initiated disconnect.
func (m *Manager) janitorLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.params.JanitorPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepIdle()
		}
	}
}

func (m *Manager) sweepIdle() {
	cutoff := time.Now().UTC().Add(-m.params.IdleTimeout)

	m.mu.RLock()
	var idle []*Session
	for _, s := range m.sessions {
		if s.LastActivity().Before(cutoff) {
			idle = append(idle, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range idle {
		m.mu.Lock()
		delete(m.sessions, s.ClientID())
		m.mu.Unlock()

		s.Close()
		m.metrics.ActiveSessions.Add(context.Background(), -1)
		m.log.Warn("session idle timeout, terminated by janitor",
			"client_id", s.ClientID(),
			"session_id", s.SessionID(),
			"idle_for", time.Since(s.LastActivity()).Round(time.Second).String(),
		)
	}
}
