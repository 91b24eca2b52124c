// Package config provides the configuration schema and loader for the
// Voxtail voice processing server.
package config

import "time"

// LogLevel controls log verbosity for the Voxtail server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Backend selects the transcription backend variant.
type Backend string

const (
	// BackendRemote uses the OpenAI audio transcription API.
	BackendRemote Backend = "remote"

	// BackendLocal runs a whisper.cpp model in-process.
	BackendLocal Backend = "local"

	// BackendFallback posts WAV windows to a plain HTTP recognizer.
	BackendFallback Backend = "fallback"
)

// IsValid reports whether b is a recognised backend.
func (b Backend) IsValid() bool {
	switch b {
	case BackendRemote, BackendLocal, BackendFallback:
		return true
	}
	return false
}

// StoreDriver selects the session store implementation.
type StoreDriver string

const (
	StoreMemory   StoreDriver = "memory"
	StorePostgres StoreDriver = "postgres"
)

// IsValid reports whether d is a recognised store driver.
func (d StoreDriver) IsValid() bool {
	return d == StoreMemory || d == StorePostgres
}

// RegistryDriver selects the speaker registry implementation.
type RegistryDriver string

const (
	RegistryDisk     RegistryDriver = "disk"
	RegistryPostgres RegistryDriver = "postgres"
)

// IsValid reports whether d is a recognised registry driver.
func (d RegistryDriver) IsValid() bool {
	return d == RegistryDisk || d == RegistryPostgres
}

// Config is the root configuration structure for Voxtail.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Audio      AudioConfig      `yaml:"audio"`
	Quality    QualityConfig    `yaml:"quality"`
	Speakers   SpeakersConfig   `yaml:"speakers"`
	Session    SessionConfig    `yaml:"session"`
	Transcribe TranscribeConfig `yaml:"transcribe"`
	Store      StoreConfig      `yaml:"store"`
	Correct    CorrectConfig    `yaml:"correct"`
	MCP        MCPConfig        `yaml:"mcp"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// AudioConfig fixes the canonical processing format and window size.
type AudioConfig struct {
	// ChunkDurationS is the target window length in seconds.
	ChunkDurationS float64 `yaml:"chunk_duration_s"`

	// SampleRateHz is the canonical sample rate all audio is resampled to.
	SampleRateHz int `yaml:"sample_rate_hz"`

	// Channels is the canonical channel count (mono).
	Channels int `yaml:"channels"`
}

// WindowBytes returns the streaming window threshold in bytes of
// canonical s16le PCM.
func (a AudioConfig) WindowBytes() int {
	return int(a.ChunkDurationS * float64(a.SampleRateHz) * float64(a.Channels) * 2)
}

// QualityConfig tunes the quality assessor.
type QualityConfig struct {
	// SNRNoiseReductionThresholdDB is the SNR below which noise
	// suppression is applied before transcription.
	SNRNoiseReductionThresholdDB float64 `yaml:"snr_noise_reduction_threshold_db"`
}

// SpeakersConfig tunes speaker identification and diarization.
type SpeakersConfig struct {
	// Registry selects the speaker registry implementation.
	Registry RegistryDriver `yaml:"registry"`

	// RegistryDir is the directory holding voiceprint records when
	// Registry is "disk".
	RegistryDir string `yaml:"registry_dir"`

	// MatchThreshold is the minimum cosine similarity for a positive
	// speaker match, in [0, 1].
	MatchThreshold float64 `yaml:"match_threshold"`

	// DiarizationEnabled toggles speaker attribution on streaming
	// transcript updates.
	DiarizationEnabled bool `yaml:"diarization_enabled"`

	// MinSpeakers and MaxSpeakers bound the diarizer's cluster search.
	MinSpeakers int `yaml:"min_speakers"`
	MaxSpeakers int `yaml:"max_speakers"`
}

// SessionConfig tunes streaming session lifecycle management.
type SessionConfig struct {
	// IdleTimeoutS is how long a session may go without client
	// activity before the janitor terminates it.
	IdleTimeoutS int `yaml:"idle_timeout_s"`

	// JanitorPeriodS is how often the janitor scans for idle sessions.
	JanitorPeriodS int `yaml:"janitor_period_s"`

	// MaxBufferBytes caps a session's pending-chunk buffer. Overflow
	// drops the oldest chunks.
	MaxBufferBytes int `yaml:"max_buffer_bytes"`
}

// IdleTimeout returns the idle timeout as a duration.
func (s SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutS) * time.Second
}

// JanitorPeriod returns the janitor scan period as a duration.
func (s SessionConfig) JanitorPeriod() time.Duration {
	return time.Duration(s.JanitorPeriodS) * time.Second
}

// TranscribeConfig selects and configures the transcription backends.
type TranscribeConfig struct {
	// Backend is the primary transcription backend.
	Backend Backend `yaml:"backend"`

	// Chain lists additional backends tried in order when the primary
	// reports itself unavailable. May be empty.
	Chain []Backend `yaml:"chain"`

	Remote   RemoteBackendConfig   `yaml:"remote"`
	Local    LocalBackendConfig    `yaml:"local"`
	Fallback FallbackBackendConfig `yaml:"fallback"`
}

// RemoteBackendConfig configures the OpenAI transcription backend.
type RemoteBackendConfig struct {
	// APIKey authenticates against the API. Falls back to the
	// OPENAI_API_KEY environment variable when empty.
	APIKey string `yaml:"api_key"`

	// Model is the transcription model (e.g., "whisper-1").
	Model string `yaml:"model"`

	// BaseURL overrides the default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Language is an optional ISO 639-1 hint.
	Language string `yaml:"language"`
}

// LocalBackendConfig configures the in-process whisper.cpp backend.
type LocalBackendConfig struct {
	// ModelPath is the ggml model file to load.
	ModelPath string `yaml:"model_path"`

	// Language is an optional ISO 639-1 hint.
	Language string `yaml:"language"`
}

// FallbackBackendConfig configures the plain HTTP recognizer backend.
type FallbackBackendConfig struct {
	// URL is the recognizer endpoint WAV windows are posted to.
	URL string `yaml:"url"`

	// Language is an optional ISO 639-1 hint.
	Language string `yaml:"language"`
}

// StoreConfig selects and configures the session store.
type StoreConfig struct {
	// Driver selects the store implementation.
	Driver StoreDriver `yaml:"driver"`

	// DSN is the PostgreSQL connection string when Driver is "postgres".
	// Also used by the pgvector speaker registry.
	DSN string `yaml:"dsn"`

	// TTLSeconds is the transcript list time-to-live.
	TTLSeconds int `yaml:"ttl_s"`
}

// TTL returns the transcript TTL as a duration.
func (s StoreConfig) TTL() time.Duration {
	return time.Duration(s.TTLSeconds) * time.Second
}

// CorrectConfig tunes the transcript correction pass.
type CorrectConfig struct {
	// Enabled toggles the phonetic correction pass.
	Enabled bool `yaml:"enabled"`

	// Vocabulary lists extra domain terms matched phonetically against
	// transcript words, in addition to registered speaker names.
	Vocabulary []string `yaml:"vocabulary"`

	// MinSimilarity is the Jaro-Winkler floor for accepting a phonetic
	// replacement, in [0, 1].
	MinSimilarity float64 `yaml:"min_similarity"`

	// LLM configures an optional model polish pass. Disabled when the
	// provider is empty.
	LLM LLMCorrectConfig `yaml:"llm"`
}

// LLMCorrectConfig configures the LLM polish pass applied to
// low-confidence transcripts.
type LLMCorrectConfig struct {
	// Provider is the any-llm provider id (e.g., "openai", "ollama").
	// Empty disables the pass.
	Provider string `yaml:"provider"`

	// Model is the provider-specific model name.
	Model string `yaml:"model"`

	// APIKey authenticates against the provider if required.
	APIKey string `yaml:"api_key"`

	// ConfidenceThreshold is the transcript confidence below which the
	// polish pass runs.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
}

// MCPConfig gates the read-only MCP tool surface.
type MCPConfig struct {
	// Enabled mounts the MCP streamable-HTTP handler at /mcp.
	Enabled bool `yaml:"enabled"`
}

// TelemetryConfig tunes metrics and tracing.
type TelemetryConfig struct {
	// Enabled toggles the OpenTelemetry providers. The /metrics
	// endpoint is served either way; with telemetry disabled it only
	// exposes process and Go runtime collectors.
	Enabled bool `yaml:"enabled"`

	// ServiceName overrides the reported service.name resource.
	ServiceName string `yaml:"service_name"`
}

// Default returns a Config populated with the documented defaults.
// Loading merges file values over this baseline.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   LogInfo,
		},
		Audio: AudioConfig{
			ChunkDurationS: 2.0,
			SampleRateHz:   16000,
			Channels:       1,
		},
		Quality: QualityConfig{
			SNRNoiseReductionThresholdDB: 10,
		},
		Speakers: SpeakersConfig{
			Registry:           RegistryDisk,
			RegistryDir:        "speakers",
			MatchThreshold:     0.7,
			DiarizationEnabled: true,
			MinSpeakers:        1,
			MaxSpeakers:        10,
		},
		Session: SessionConfig{
			IdleTimeoutS:   300,
			JanitorPeriodS: 30,
			MaxBufferBytes: 1 << 20,
		},
		Transcribe: TranscribeConfig{
			Backend: BackendFallback,
			Remote: RemoteBackendConfig{
				Model: "whisper-1",
			},
			Fallback: FallbackBackendConfig{
				URL: "http://127.0.0.1:8085",
			},
		},
		Store: StoreConfig{
			Driver:     StoreMemory,
			TTLSeconds: 86400,
		},
		Correct: CorrectConfig{
			Enabled:       true,
			MinSimilarity: 0.85,
			LLM: LLMCorrectConfig{
				ConfidenceThreshold: 0.6,
			},
		},
		Telemetry: TelemetryConfig{
			Enabled:     true,
			ServiceName: "voxtail",
		},
	}
}
