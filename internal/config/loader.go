package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over the [Default]
// baseline and validates the result. Unknown keys are rejected.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			// Empty file means all defaults.
			return cfg, Validate(cfg)
		}
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Audio
	if cfg.Audio.ChunkDurationS <= 0 {
		errs = append(errs, fmt.Errorf("audio.chunk_duration_s %.2f must be positive", cfg.Audio.ChunkDurationS))
	}
	if cfg.Audio.SampleRateHz <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate_hz %d must be positive", cfg.Audio.SampleRateHz))
	}
	if cfg.Audio.Channels != 1 {
		errs = append(errs, fmt.Errorf("audio.channels %d is unsupported; processing is mono only", cfg.Audio.Channels))
	}

	// Speakers
	if cfg.Speakers.Registry != "" && !cfg.Speakers.Registry.IsValid() {
		errs = append(errs, fmt.Errorf("speakers.registry %q is invalid; valid values: disk, postgres", cfg.Speakers.Registry))
	}
	if cfg.Speakers.Registry == RegistryDisk && cfg.Speakers.RegistryDir == "" {
		errs = append(errs, errors.New("speakers.registry_dir is required when speakers.registry is disk"))
	}
	if cfg.Speakers.Registry == RegistryPostgres && cfg.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn is required when speakers.registry is postgres"))
	}
	if cfg.Speakers.MatchThreshold < 0 || cfg.Speakers.MatchThreshold > 1 {
		errs = append(errs, fmt.Errorf("speakers.match_threshold %.2f is out of range [0, 1]", cfg.Speakers.MatchThreshold))
	}
	if cfg.Speakers.MinSpeakers < 1 {
		errs = append(errs, fmt.Errorf("speakers.min_speakers %d must be at least 1", cfg.Speakers.MinSpeakers))
	}
	if cfg.Speakers.MaxSpeakers < cfg.Speakers.MinSpeakers {
		errs = append(errs, fmt.Errorf("speakers.max_speakers %d must be >= speakers.min_speakers %d", cfg.Speakers.MaxSpeakers, cfg.Speakers.MinSpeakers))
	}

	// Session
	if cfg.Session.IdleTimeoutS <= 0 {
		errs = append(errs, fmt.Errorf("session.idle_timeout_s %d must be positive", cfg.Session.IdleTimeoutS))
	}
	if cfg.Session.JanitorPeriodS <= 0 {
		errs = append(errs, fmt.Errorf("session.janitor_period_s %d must be positive", cfg.Session.JanitorPeriodS))
	}
	if cfg.Session.MaxBufferBytes > 0 && cfg.Session.MaxBufferBytes < cfg.Audio.WindowBytes() {
		errs = append(errs, fmt.Errorf("session.max_buffer_bytes %d is below one window (%d bytes)", cfg.Session.MaxBufferBytes, cfg.Audio.WindowBytes()))
	}

	// Transcribe
	if !cfg.Transcribe.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("transcribe.backend %q is invalid; valid values: remote, local, fallback", cfg.Transcribe.Backend))
	}
	for i, b := range cfg.Transcribe.Chain {
		if !b.IsValid() {
			errs = append(errs, fmt.Errorf("transcribe.chain[%d] %q is invalid; valid values: remote, local, fallback", i, b))
		}
	}
	for _, b := range append([]Backend{cfg.Transcribe.Backend}, cfg.Transcribe.Chain...) {
		switch b {
		case BackendLocal:
			if cfg.Transcribe.Local.ModelPath == "" {
				errs = append(errs, errors.New("transcribe.local.model_path is required when the local backend is configured"))
			}
		case BackendFallback:
			if cfg.Transcribe.Fallback.URL == "" {
				errs = append(errs, errors.New("transcribe.fallback.url is required when the fallback backend is configured"))
			}
		case BackendRemote:
			if cfg.Transcribe.Remote.APIKey == "" && os.Getenv("OPENAI_API_KEY") == "" {
				slog.Warn("transcribe.remote.api_key is empty and OPENAI_API_KEY is unset; remote transcription will fail")
			}
		}
	}

	// Store
	if cfg.Store.Driver != "" && !cfg.Store.Driver.IsValid() {
		errs = append(errs, fmt.Errorf("store.driver %q is invalid; valid values: memory, postgres", cfg.Store.Driver))
	}
	if cfg.Store.Driver == StorePostgres && cfg.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn is required when store.driver is postgres"))
	}
	if cfg.Store.TTLSeconds <= 0 {
		errs = append(errs, fmt.Errorf("store.ttl_s %d must be positive", cfg.Store.TTLSeconds))
	}

	// Correct
	if cfg.Correct.MinSimilarity < 0 || cfg.Correct.MinSimilarity > 1 {
		errs = append(errs, fmt.Errorf("correct.min_similarity %.2f is out of range [0, 1]", cfg.Correct.MinSimilarity))
	}
	if cfg.Correct.LLM.Provider != "" && cfg.Correct.LLM.Model == "" {
		errs = append(errs, errors.New("correct.llm.model is required when correct.llm.provider is set"))
	}
	if t := cfg.Correct.LLM.ConfidenceThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("correct.llm.confidence_threshold %.2f is out of range [0, 1]", t))
	}

	return errors.Join(errs...)
}
