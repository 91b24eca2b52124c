// Package stream implements the real-time ingest layer: one actor per
// connected client that buffers PCM chunks, cuts fixed-duration windows,
// transcribes them, and emits TranscriptUpdates over the open connection
// while appending them to the session store. A Manager owns the set of
// live sessions and runs the idle janitor.
package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Server→client envelope types.
const (
	TypeConnectionEstablished = "connection_established"
	TypeTranscriptUpdate      = "transcript_update"
	TypeConfigUpdated         = "config_updated"
)

// TypeConfig is the only client→server text envelope type. Binary frames
// carry raw PCM and need no envelope.
const TypeConfig = "config"

// Envelope is the typed wire frame exchanged over the streaming connection.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope builds a server→client envelope of the given type, marshalling
// data as the payload and stamping the current UTC time.
func NewEnvelope(typ, sessionID string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("stream: marshal %s payload: %w", typ, err)
	}
	return Envelope{
		Type:      typ,
		Data:      raw,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
	}, nil
}

// SessionConfig is the per-session mutable configuration. It is sent in full
// inside connection_established and echoed in full after every update.
type SessionConfig struct {
	// Language hint passed to the transcription backend; empty means
	// auto-detect.
	Language string `json:"language"`

	// Diarization toggles per-window speaker identification.
	Diarization bool `json:"diarization"`

	// SampleRate of the client's PCM frames in Hz.
	SampleRate int `json:"sample_rate_hz"`

	// Channels of the client's PCM frames.
	Channels int `json:"channels"`
}

// ConfigUpdate is the payload of a client config envelope. Absent fields
// leave the current value untouched.
type ConfigUpdate struct {
	Language    *string `json:"language,omitempty"`
	Diarization *bool   `json:"diarization,omitempty"`
}

// apply merges the update into cfg and returns the result.
func (u ConfigUpdate) apply(cfg SessionConfig) SessionConfig {
	if u.Language != nil {
		cfg.Language = *u.Language
	}
	if u.Diarization != nil {
		cfg.Diarization = *u.Diarization
	}
	return cfg
}

// ConnectionEstablished is the payload of the first server→client envelope.
type ConnectionEstablished struct {
	ClientID  string        `json:"client_id"`
	SessionID string        `json:"session_id"`
	Config    SessionConfig `json:"config"`
}

// ParseClientEnvelope decodes a client text frame. Both the outer envelope
// and the config payload are decoded strictly: unknown fields are rejected
// so that typos in client payloads fail loudly instead of being ignored.
func ParseClientEnvelope(frame []byte) (ConfigUpdate, error) {
	var env Envelope
	dec := json.NewDecoder(bytes.NewReader(frame))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return ConfigUpdate{}, fmt.Errorf("stream: decode client envelope: %w", err)
	}
	if env.Type != TypeConfig {
		return ConfigUpdate{}, fmt.Errorf("stream: unsupported client envelope type %q", env.Type)
	}

	var upd ConfigUpdate
	dec = json.NewDecoder(bytes.NewReader(env.Data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&upd); err != nil {
		return ConfigUpdate{}, fmt.Errorf("stream: decode config payload: %w", err)
	}
	return upd, nil
}
