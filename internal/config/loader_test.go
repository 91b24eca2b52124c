package config_test

import (
	"strings"
	"testing"

	"github.com/voxtail/voxtail/internal/config"
)

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader(empty): %v", err)
	}

	if got, want := cfg.Server.ListenAddr, ":8080"; got != want {
		t.Errorf("ListenAddr = %q, want %q", got, want)
	}
	if got, want := cfg.Audio.WindowBytes(), 64000; got != want {
		t.Errorf("WindowBytes() = %d, want %d", got, want)
	}
	if got, want := cfg.Speakers.MatchThreshold, 0.7; got != want {
		t.Errorf("MatchThreshold = %v, want %v", got, want)
	}
	if got, want := cfg.Store.TTLSeconds, 86400; got != want {
		t.Errorf("TTLSeconds = %d, want %d", got, want)
	}
	if cfg.Transcribe.Backend != config.BackendFallback {
		t.Errorf("Backend = %q, want %q", cfg.Transcribe.Backend, config.BackendFallback)
	}
	if !cfg.Speakers.DiarizationEnabled {
		t.Error("DiarizationEnabled = false, want true by default")
	}
}

func TestLoadFromReader_OverridesMergeOverDefaults(t *testing.T) {
	t.Parallel()
	const doc = `
server:
  listen_addr: ":9090"
  log_level: debug
speakers:
  match_threshold: 0.8
transcribe:
  backend: remote
  remote:
    api_key: sk-test
    model: whisper-1
`
	cfg, err := config.LoadFromReader(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if got, want := cfg.Server.ListenAddr, ":9090"; got != want {
		t.Errorf("ListenAddr = %q, want %q", got, want)
	}
	if got, want := cfg.Speakers.MatchThreshold, 0.8; got != want {
		t.Errorf("MatchThreshold = %v, want %v", got, want)
	}
	if cfg.Transcribe.Backend != config.BackendRemote {
		t.Errorf("Backend = %q, want remote", cfg.Transcribe.Backend)
	}
	// Untouched sections keep their defaults.
	if got, want := cfg.Session.IdleTimeoutS, 300; got != want {
		t.Errorf("IdleTimeoutS = %d, want default %d", got, want)
	}
}

func TestLoadFromReader_RejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	const doc = `
server:
  listen_addr: ":8080"
  not_a_real_key: true
`
	if _, err := config.LoadFromReader(strings.NewReader(doc)); err == nil {
		t.Fatal("LoadFromReader accepted an unknown key, want error")
	}
}

func TestValidate_CollectsAllFailures(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Server.LogLevel = "loud"
	cfg.Speakers.MatchThreshold = 1.5
	cfg.Session.IdleTimeoutS = 0
	cfg.Transcribe.Backend = "telepathy"

	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("Validate accepted an invalid config")
	}
	for _, want := range []string{"server.log_level", "speakers.match_threshold", "session.idle_timeout_s", "transcribe.backend"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error does not mention %s: %v", want, err)
		}
	}
}

func TestValidate_BackendRequirements(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Transcribe.Backend = config.BackendLocal
	cfg.Transcribe.Local.ModelPath = ""
	if err := config.Validate(cfg); err == nil || !strings.Contains(err.Error(), "model_path") {
		t.Errorf("local backend without model_path: err = %v, want model_path error", err)
	}

	cfg = config.Default()
	cfg.Transcribe.Chain = []config.Backend{config.BackendLocal}
	cfg.Transcribe.Local.ModelPath = "/models/ggml-base.bin"
	if err := config.Validate(cfg); err != nil {
		t.Errorf("chained local backend with model_path: %v", err)
	}
}

func TestValidate_PostgresRequiresDSN(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Store.Driver = config.StorePostgres
	if err := config.Validate(cfg); err == nil || !strings.Contains(err.Error(), "store.dsn") {
		t.Errorf("postgres driver without dsn: err = %v, want store.dsn error", err)
	}

	cfg = config.Default()
	cfg.Speakers.Registry = config.RegistryPostgres
	if err := config.Validate(cfg); err == nil || !strings.Contains(err.Error(), "store.dsn") {
		t.Errorf("pgvector registry without dsn: err = %v, want store.dsn error", err)
	}
}

func TestValidate_BufferBelowWindow(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Session.MaxBufferBytes = 1000
	if err := config.Validate(cfg); err == nil || !strings.Contains(err.Error(), "max_buffer_bytes") {
		t.Errorf("buffer below one window: err = %v, want max_buffer_bytes error", err)
	}
}
