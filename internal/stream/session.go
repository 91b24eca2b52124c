package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/voxtail/voxtail/internal/correct"
	"github.com/voxtail/voxtail/internal/observe"
	"github.com/voxtail/voxtail/pkg/audio"
	"github.com/voxtail/voxtail/pkg/speaker"
	"github.com/voxtail/voxtail/pkg/store"
	"github.com/voxtail/voxtail/pkg/transcribe"
	"github.com/voxtail/voxtail/pkg/types"
	"github.com/voxtail/voxtail/pkg/voiceprint"
)

// State is the lifecycle phase of a streaming session. Transitions are
// driven by chunk arrival, window-task completion, close, and idle timeout.
type State int32

const (
	// StateRegistered: accepted, empty buffer, default config.
	StateRegistered State = iota
	// StateBuffering: accumulating chunks below the window threshold.
	StateBuffering
	// StateProcessing: exactly one window task in flight; chunks still append.
	StateProcessing
	// StateDraining: closing while a window task winds down.
	StateDraining
	// StateTerminated: all resources released.
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateRegistered:
		return "registered"
	case StateBuffering:
		return "buffering"
	case StateProcessing:
		return "processing"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Emitter delivers a server→client envelope over the open connection.
// It is called only from the session's actor goroutine, so implementations
// need no internal ordering.
type Emitter func(ctx context.Context, env Envelope) error

// unmatchedConfidence is attached to updates whose window produced an
// embedding that matched no registered speaker.
const unmatchedConfidence = 0.5

// inboxSize bounds the actor mailbox. Binary ingest blocks once it fills,
// which pushes backpressure onto the socket reader.
const inboxSize = 64

// SessionParams carries everything a session actor needs. Registry and
// Extractor may be nil together to disable identification outright;
// Corrector and Store are optional.
type SessionParams struct {
	ClientID  string
	SessionID string
	Config    SessionConfig

	Backend   transcribe.Backend
	Registry  speaker.Registry
	Extractor *voiceprint.Extractor
	Corrector *correct.Corrector
	Store     store.SessionStore
	StoreTTL  time.Duration

	// WindowBytes is the buffered-byte threshold that cuts a window.
	WindowBytes int
	// MaxBufferBytes caps the pending buffer; 0 means unbounded. Overflow
	// drops the oldest chunks with a logged warning.
	MaxBufferBytes int

	Emit    Emitter
	Logger  *slog.Logger
	Metrics *observe.Metrics
}

type inboxMsg struct {
	chunk  []byte
	config *ConfigUpdate
}

// Session is the per-client actor. All buffer and window state is confined
// to the run goroutine; the exported methods only hand messages across the
// inbox channel or read atomics.
type Session struct {
	clientID  string
	sessionID string

	backend   transcribe.Backend
	registry  speaker.Registry
	extractor *voiceprint.Extractor
	corrector *correct.Corrector
	store     store.SessionStore
	storeTTL  time.Duration

	windowBytes    int
	maxBufferBytes int

	emit    Emitter
	log     *slog.Logger
	metrics *observe.Metrics

	inbox   chan inboxMsg
	results chan *types.TranscriptUpdate

	// actor-owned state, untouched outside run
	cfg      SessionConfig
	chunks   [][]byte
	buffered int
	inFlight bool
	chunkSeq int64

	state        atomic.Int32
	lastActivity atomic.Int64
	connectedAt  time.Time

	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
	taskWG    sync.WaitGroup
	done      chan struct{}
}

// NewSession builds a session actor. Start must be called before any
// ingest; the session stays in StateRegistered until the first chunk.
func NewSession(p SessionParams) (*Session, error) {
	if p.Backend == nil {
		return nil, errors.New("stream: session needs a transcription backend")
	}
	if p.Emit == nil {
		return nil, errors.New("stream: session needs an emitter")
	}
	if p.WindowBytes <= 0 {
		return nil, fmt.Errorf("stream: invalid window size %d", p.WindowBytes)
	}
	log := p.Logger
	if log == nil {
		log = slog.Default()
	}
	met := p.Metrics
	if met == nil {
		met = observe.DefaultMetrics()
	}

	now := time.Now().UTC()
	s := &Session{
		clientID:       p.ClientID,
		sessionID:      p.SessionID,
		backend:        p.Backend,
		registry:       p.Registry,
		extractor:      p.Extractor,
		corrector:      p.Corrector,
		store:          p.Store,
		storeTTL:       p.StoreTTL,
		windowBytes:    p.WindowBytes,
		maxBufferBytes: p.MaxBufferBytes,
		emit:           p.Emit,
		log:            log.With("client_id", p.ClientID, "session_id", p.SessionID),
		metrics:        met,
		inbox:          make(chan inboxMsg, inboxSize),
		results:        make(chan *types.TranscriptUpdate, 1),
		cfg:            p.Config,
		connectedAt:    now,
		done:           make(chan struct{}),
	}
	s.state.Store(int32(StateRegistered))
	s.lastActivity.Store(now.UnixNano())
	return s, nil
}

// Start launches the actor goroutine. The session runs until Close or
// until ctx is cancelled.
func (s *Session) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)
}

// Ingest queues one binary PCM chunk. The chunk is copied, so the caller
// may reuse its read buffer. Blocks when the actor is saturated; returns
// an error once the session has terminated.
func (s *Session) Ingest(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	select {
	case s.inbox <- inboxMsg{chunk: buf}:
		return nil
	case <-s.done:
		return fmt.Errorf("stream: session %s is closed", s.sessionID)
	}
}

// UpdateConfig queues a config change. The echo envelope is emitted by the
// actor after the merge, in order with any pending transcript updates.
func (s *Session) UpdateConfig(upd ConfigUpdate) error {
	select {
	case s.inbox <- inboxMsg{config: &upd}:
		return nil
	case <-s.done:
		return fmt.Errorf("stream: session %s is closed", s.sessionID)
	}
}

// Close terminates the session: the in-flight window task (if any) is
// cancelled cooperatively and nothing is emitted or appended afterwards.
// Safe to call more than once; blocks until the actor has wound down.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

// Done is closed when the actor has fully terminated.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current lifecycle phase.
func (s *Session) State() State { return State(s.state.Load()) }

// ClientID returns the connection's unguessable client identifier.
func (s *Session) ClientID() string { return s.clientID }

// SessionID returns the transcript session identifier.
func (s *Session) SessionID() string { return s.sessionID }

// ConnectedAt returns when the session was registered.
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// LastActivity returns the time of the most recent chunk or config
// message. The janitor compares it against the idle timeout.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load()).UTC()
}

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

func (s *Session) touch() { s.lastActivity.Store(time.Now().UTC().UnixNano()) }

// run is the actor loop. Every buffer mutation, emit, and store append
// happens here, which is what gives the per-client FIFO guarantee.
func (s *Session) run(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case msg := <-s.inbox:
			switch {
			case msg.chunk != nil:
				s.onChunk(ctx, msg.chunk)
			case msg.config != nil:
				s.onConfig(ctx, *msg.config)
			}
		case upd := <-s.results:
			s.onResult(ctx, upd)
		}
	}
}

// shutdown waits for the in-flight task to observe cancellation, then
// releases the buffer. The task's context is derived from the session
// context, so it is already cancelled and will not emit nor append.
func (s *Session) shutdown() {
	if s.inFlight {
		s.setState(StateDraining)
		s.metrics.InFlightWindows.Add(context.Background(), -1)
	}
	s.taskWG.Wait()
	s.chunks = nil
	s.buffered = 0
	s.setState(StateTerminated)
	s.log.Debug("session terminated")
}

func (s *Session) onChunk(ctx context.Context, chunk []byte) {
	s.touch()
	s.chunks = append(s.chunks, chunk)
	s.buffered += len(chunk)
	if s.State() == StateRegistered {
		s.setState(StateBuffering)
	}

	// Cap enforcement: drop oldest first, keep at least the newest chunk.
	if s.maxBufferBytes > 0 {
		dropped := 0
		for s.buffered > s.maxBufferBytes && len(s.chunks) > 1 {
			s.buffered -= len(s.chunks[0])
			s.chunks[0] = nil
			s.chunks = s.chunks[1:]
			dropped++
		}
		if dropped > 0 {
			s.log.Warn("session buffer over cap, dropped oldest chunks",
				"dropped", dropped,
				"buffered_bytes", s.buffered,
				"cap_bytes", s.maxBufferBytes,
			)
			s.metrics.RecordChunkDrop(ctx, int64(dropped))
		}
	}

	if !s.inFlight && s.buffered >= s.windowBytes {
		s.launchWindow(ctx)
	}
}

func (s *Session) onConfig(ctx context.Context, upd ConfigUpdate) {
	s.touch()
	s.cfg = upd.apply(s.cfg)
	env, err := NewEnvelope(TypeConfigUpdated, s.sessionID, s.cfg)
	if err != nil {
		s.log.Error("encode config echo", "error", err)
		return
	}
	if err := s.emit(ctx, env); err != nil {
		s.log.Warn("emit config echo", "error", err)
	}
	s.log.Info("session config updated",
		"language", s.cfg.Language,
		"diarization", s.cfg.Diarization,
	)
}

// launchWindow concatenates the pending chunks into one window and starts
// the processing task. The newest chunk is retained as overlap context
// when two or more chunks existed, giving a small boundary cushion
// without unbounded duplication.
func (s *Session) launchWindow(ctx context.Context) {
	pcm := make([]byte, 0, s.buffered)
	for _, c := range s.chunks {
		pcm = append(pcm, c...)
	}
	if len(s.chunks) >= 2 {
		tail := s.chunks[len(s.chunks)-1]
		s.chunks = [][]byte{tail}
		s.buffered = len(tail)
	} else {
		s.chunks = nil
		s.buffered = 0
	}

	s.chunkSeq++
	chunkID := fmt.Sprintf("chunk-%d", s.chunkSeq)
	cfg := s.cfg

	s.inFlight = true
	s.setState(StateProcessing)
	s.metrics.InFlightWindows.Add(ctx, 1)

	s.taskWG.Add(1)
	go s.processWindow(ctx, pcm, chunkID, cfg)
}

// processWindow runs off the actor goroutine. It must not touch actor
// state; the result travels back through the results channel. A cancelled
// task sends nothing.
func (s *Session) processWindow(ctx context.Context, pcm []byte, chunkID string, cfg SessionConfig) {
	defer s.taskWG.Done()
	start := time.Now()
	upd := s.buildUpdate(ctx, pcm, chunkID, cfg)
	s.metrics.WindowDuration.Record(ctx, time.Since(start).Seconds())
	if upd == nil || ctx.Err() != nil {
		return
	}
	select {
	case s.results <- upd:
	case <-ctx.Done():
	}
}

// buildUpdate performs the per-window steps: build the canonical window,
// transcribe, optionally identify the speaker, apply correction. Failures
// yield an empty-text confidence-0 update so the stream stays open; a
// cancelled context yields nil.
func (s *Session) buildUpdate(ctx context.Context, pcm []byte, chunkID string, cfg SessionConfig) *types.TranscriptUpdate {
	w := audio.Normalize(pcm, cfg.SampleRate, cfg.Channels)

	upd := &types.TranscriptUpdate{
		SessionID: s.sessionID,
		ChunkID:   chunkID,
		IsFinal:   true,
		Timestamp: time.Now().UTC(),
	}

	res, err := s.transcribeWindow(ctx, w)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		s.log.Warn("window transcription failed", "chunk_id", chunkID, "error", err)
		return upd // empty text, confidence 0
	}
	upd.Text = res.Text
	upd.Confidence = res.Confidence

	if cfg.Diarization && s.registry != nil && s.extractor != nil {
		name, conf, err := s.identifySpeaker(ctx, w)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("window speaker identification failed", "chunk_id", chunkID, "error", err)
			return &types.TranscriptUpdate{
				SessionID: s.sessionID,
				ChunkID:   chunkID,
				IsFinal:   true,
				Timestamp: time.Now().UTC(),
			}
		}
		upd.Speaker = name
		upd.Confidence = conf
	}

	if s.corrector != nil && upd.Text != "" {
		corrected, _, err := s.corrector.Apply(ctx, upd.Text, upd.Confidence)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("window correction failed", "chunk_id", chunkID, "error", err)
		} else {
			upd.Text = corrected
		}
	}
	return upd
}

func (s *Session) transcribeWindow(ctx context.Context, w types.AudioWindow) (*transcribe.Result, error) {
	start := time.Now()
	res, err := s.backend.Transcribe(ctx, w)
	s.metrics.TranscribeDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("backend", s.backend.Name())))
	if err != nil {
		s.metrics.RecordBackendRequest(ctx, s.backend.Name(), "error")
		return nil, fmt.Errorf("stream: transcribe window: %w", err)
	}
	s.metrics.RecordBackendRequest(ctx, s.backend.Name(), "ok")
	return res, nil
}

// identifySpeaker extracts one embedding for the whole window and asks the
// registry. Unmatched windows carry no name and a fixed mid confidence.
func (s *Session) identifySpeaker(ctx context.Context, w types.AudioWindow) (string, float64, error) {
	emb := s.extractor.Extract(w)
	m, err := s.registry.Identify(ctx, emb)
	if err != nil {
		return "", 0, fmt.Errorf("stream: identify speaker: %w", err)
	}
	if !m.Matched {
		return "", unmatchedConfidence, nil
	}
	return m.Name, m.Similarity, nil
}

// onResult emits the finished update and appends it to the store, in that
// order, from the actor goroutine. Store failure is logged and non-fatal:
// the client already has the update.
func (s *Session) onResult(ctx context.Context, upd *types.TranscriptUpdate) {
	s.inFlight = false
	s.metrics.InFlightWindows.Add(ctx, -1)
	s.setState(StateBuffering)

	status := "ok"
	if upd.Text == "" && upd.Confidence == 0 {
		status = "empty"
	}
	s.metrics.RecordTranscriptUpdate(ctx, status)

	env, err := NewEnvelope(TypeTranscriptUpdate, s.sessionID, upd)
	if err != nil {
		s.log.Error("encode transcript update", "chunk_id", upd.ChunkID, "error", err)
	} else if err := s.emit(ctx, env); err != nil {
		s.log.Warn("emit transcript update", "chunk_id", upd.ChunkID, "error", err)
	}

	s.appendToStore(ctx, upd)

	// Chunks kept arriving while the task ran; cut the next window now.
	if s.buffered >= s.windowBytes {
		s.launchWindow(ctx)
	}
}

func (s *Session) appendToStore(ctx context.Context, upd *types.TranscriptUpdate) {
	if s.store == nil {
		return
	}
	key := store.TranscriptKey(s.sessionID)
	payload, err := json.Marshal(upd)
	if err != nil {
		s.log.Error("encode update for store", "chunk_id", upd.ChunkID, "error", err)
		return
	}
	if err := s.store.Append(ctx, key, payload); err != nil {
		s.log.Warn("store append failed, update not persisted",
			"chunk_id", upd.ChunkID, "error", err)
		s.metrics.RecordStoreAppendFailure(ctx)
		return
	}
	if s.storeTTL > 0 {
		if err := s.store.Expire(ctx, key, s.storeTTL); err != nil {
			s.log.Warn("store expire failed", "error", err)
		}
	}
}
