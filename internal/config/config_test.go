package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLoadUsesLexiconFallbackOrder(t *testing.T) {
	home := t.TempDir()
	primary := filepath.Join(home, ".config", "yaxha", "lexicon.rules")
	secondary := filepath.Join(home, ".config", "yaxha", "substitutions.rules")

	if err := os.MkdirAll(filepath.Dir(secondary), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}

	t.Setenv("HOME", home)
	t.Setenv("YAXHA_LEXICON_FILE", "")
	t.Setenv("YAXHA_POLICY_FILE", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Speech.LexiconPath != "" {
		t.Fatalf("expected no lexicon without files, got %q", cfg.Speech.LexiconPath)
	}

	if err := os.WriteFile(secondary, []byte("IELTS => eye elts\n"), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	cfg, err = Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Speech.LexiconPath != secondary {
		t.Fatalf("expected substitutions fallback, got %q", cfg.Speech.LexiconPath)
	}

	if err := os.WriteFile(primary, []byte("a => b\n"), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	cfg, err = Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Speech.LexiconPath != primary {
		t.Fatalf("expected lexicon priority, got %q", cfg.Speech.LexiconPath)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("YAXHA_POLICY_FILE", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Backend.URL != "ws://localhost:8000/listen" || cfg.Backend.ConnectDelay != 100*time.Millisecond {
		t.Fatalf("unexpected backend defaults: %+v", cfg.Backend)
	}
	if cfg.Policy.PrepSeconds != 60 || cfg.Policy.FloorSeconds != 120 || cfg.Policy.CeilingSeconds != 180 {
		t.Fatalf("unexpected policy defaults: %+v", cfg.Policy)
	}
	if cfg.Policy.AdvanceOnCeilingAnyStage || cfg.Policy.SilentFloorRejection {
		t.Fatalf("policy flags must default off: %+v", cfg.Policy)
	}
	if cfg.Session.ChunkInterval != 250*time.Millisecond || cfg.Session.CommitGrace != 0 {
		t.Fatalf("unexpected session defaults: %+v", cfg.Session)
	}
	if cfg.Audio.Backend != AudioBackendFFMPEG {
		t.Fatalf("expected ffmpeg backend, got %q", cfg.Audio.Backend)
	}
	if cfg.Speech.Volume != 0.9 || len(cfg.Speech.Voices) != 2 || cfg.Speech.Voices[0] != "en-GB" {
		t.Fatalf("unexpected speech defaults: %+v", cfg.Speech)
	}
	if cfg.Analyzer.Retention != 0.9 || cfg.Analyzer.FFTSize != 512 {
		t.Fatalf("unexpected analyzer defaults: %+v", cfg.Analyzer)
	}
	if cfg.Metrics.Addr != "" {
		t.Fatalf("metrics listener must be opt-in")
	}
}

func TestLoadRespectsOverrides(t *testing.T) {
	home := t.TempDir()
	lexicon := filepath.Join(home, "my.rules")

	t.Setenv("HOME", home)
	t.Setenv("YAXHA_POLICY_FILE", "")
	t.Setenv("YAXHA_BACKEND_URL", "wss://exam.example.com/listen")
	t.Setenv("YAXHA_CONNECT_DELAY_MS", "0")
	t.Setenv("YAXHA_AUDIO_BACKEND", "MALGO")
	t.Setenv("YAXHA_FFMPEG_COMMAND", "my-ffmpeg")
	t.Setenv("YAXHA_AUDIO_INPUT_FORMAT", "alsa")
	t.Setenv("YAXHA_AUDIO_INPUT_DEVICE", "mic0")
	t.Setenv("YAXHA_SAMPLE_RATE", "22050")
	t.Setenv("YAXHA_CHANNELS", "2")
	t.Setenv("YAXHA_CHUNK_INTERVAL_MS", "100")
	t.Setenv("YAXHA_COMMIT_GRACE_MS", "25")
	t.Setenv("YAXHA_FLOOR_SECONDS", "90")
	t.Setenv("YAXHA_ADVANCE_ON_CEILING_ANY_STAGE", "yes")
	t.Setenv("YAXHA_SILENT_FLOOR_REJECTION", "1")
	t.Setenv("YAXHA_TTS_COMMAND", "say")
	t.Setenv("YAXHA_TTS_VOICES", "en-AU, en-US ,")
	t.Setenv("YAXHA_TTS_VOLUME", "0.5")
	t.Setenv("YAXHA_TTS_ENABLED", "off")
	t.Setenv("YAXHA_LEXICON_FILE", lexicon)
	t.Setenv("YAXHA_METRICS_ADDR", "127.0.0.1:9464")
	t.Setenv("YAXHA_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Backend.URL != "wss://exam.example.com/listen" || cfg.Backend.ConnectDelay != 0 {
		t.Fatalf("unexpected backend config: %+v", cfg.Backend)
	}
	if cfg.Audio.Backend != AudioBackendMalgo || cfg.Audio.RecorderCommand != "my-ffmpeg" || cfg.Audio.InputFormat != "alsa" || cfg.Audio.InputDevice != "mic0" {
		t.Fatalf("unexpected audio config: %+v", cfg.Audio)
	}
	if cfg.Audio.SampleRate != 22050 || cfg.Audio.Channels != 2 {
		t.Fatalf("unexpected sample/channels: %+v", cfg.Audio)
	}
	if cfg.Session.ChunkInterval != 100*time.Millisecond || cfg.Session.CommitGrace != 25*time.Millisecond {
		t.Fatalf("unexpected session config: %+v", cfg.Session)
	}
	if cfg.Policy.FloorSeconds != 90 || !cfg.Policy.AdvanceOnCeilingAnyStage || !cfg.Policy.SilentFloorRejection {
		t.Fatalf("unexpected policy: %+v", cfg.Policy)
	}
	if cfg.Speech.Enabled || cfg.Speech.Command != "say" || cfg.Speech.Volume != 0.5 {
		t.Fatalf("unexpected speech config: %+v", cfg.Speech)
	}
	if len(cfg.Speech.Voices) != 2 || cfg.Speech.Voices[0] != "en-AU" || cfg.Speech.Voices[1] != "en-US" {
		t.Fatalf("unexpected voices: %v", cfg.Speech.Voices)
	}
	if cfg.Speech.LexiconPath != lexicon {
		t.Fatalf("unexpected lexicon path %q", cfg.Speech.LexiconPath)
	}
	if cfg.Metrics.Addr != "127.0.0.1:9464" || cfg.Level() != zerolog.DebugLevel {
		t.Fatalf("unexpected metrics/log config: %+v %s", cfg.Metrics, cfg.LogLevel)
	}
}

func TestLoadPolicyFileWithEnvOverride(t *testing.T) {
	home := t.TempDir()
	policy := filepath.Join(home, "policy.yaml")
	contents := `policy:
  prep_seconds: 30
  floor_seconds: 60
  ceiling_seconds: 90
  silent_floor_rejection: true
session:
  flush_timeout_ms: 1500
analyzer:
  retention: 0.8
`
	if err := os.WriteFile(policy, []byte(contents), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	t.Setenv("HOME", home)
	t.Setenv("YAXHA_POLICY_FILE", policy)
	t.Setenv("YAXHA_CEILING_SECONDS", "120")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Policy.PrepSeconds != 30 || cfg.Policy.FloorSeconds != 60 || !cfg.Policy.SilentFloorRejection {
		t.Fatalf("policy file not applied: %+v", cfg.Policy)
	}
	if cfg.Policy.CeilingSeconds != 120 {
		t.Fatalf("env must override policy file, got %d", cfg.Policy.CeilingSeconds)
	}
	if cfg.Session.FlushTimeout != 1500*time.Millisecond || cfg.Session.ChunkInterval != 250*time.Millisecond {
		t.Fatalf("unexpected session config: %+v", cfg.Session)
	}
	if cfg.Analyzer.Retention != 0.8 || cfg.Analyzer.FFTSize != 512 {
		t.Fatalf("unexpected analyzer config: %+v", cfg.Analyzer)
	}
}

func TestLoadPolicyFileErrors(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	t.Setenv("YAXHA_POLICY_FILE", filepath.Join(home, "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatalf("expected missing policy file to fail")
	}

	bad := filepath.Join(home, "bad.yaml")
	if err := os.WriteFile(bad, []byte("policy: [unterminated"), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	t.Setenv("YAXHA_POLICY_FILE", bad)
	if _, err := Load(); err == nil {
		t.Fatalf("expected malformed policy file to fail")
	}
}

func TestLoadInvalidValuesFallback(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("YAXHA_POLICY_FILE", "")
	t.Setenv("YAXHA_SAMPLE_RATE", "bad")
	t.Setenv("YAXHA_CHANNELS", "-1")
	t.Setenv("YAXHA_AUDIO_BACKEND", "portaudio")
	t.Setenv("YAXHA_CHUNK_INTERVAL_MS", "bad")
	t.Setenv("YAXHA_FLOOR_SECONDS", "500")
	t.Setenv("YAXHA_TTS_VOLUME", "3")
	t.Setenv("YAXHA_FFT_SIZE", "500")
	t.Setenv("YAXHA_BAND_RETENTION", "1")
	t.Setenv("YAXHA_TTS_ENABLED", "not-bool")
	t.Setenv("YAXHA_LOG_LEVEL", "loud")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Audio.SampleRate != 16000 || cfg.Audio.Channels != 1 {
		t.Fatalf("expected default audio format, got %+v", cfg.Audio)
	}
	if cfg.Audio.Backend != AudioBackendFFMPEG {
		t.Fatalf("expected ffmpeg fallback, got %q", cfg.Audio.Backend)
	}
	if cfg.Session.ChunkInterval != 250*time.Millisecond {
		t.Fatalf("expected chunk interval fallback, got %s", cfg.Session.ChunkInterval)
	}
	if cfg.Policy.FloorSeconds != 120 {
		t.Fatalf("floor above ceiling must fall back, got %d", cfg.Policy.FloorSeconds)
	}
	if cfg.Speech.Volume != 0.9 || !cfg.Speech.Enabled {
		t.Fatalf("unexpected speech fallback: %+v", cfg.Speech)
	}
	if cfg.Analyzer.FFTSize != 512 || cfg.Analyzer.Retention != 0.9 {
		t.Fatalf("unexpected analyzer fallback: %+v", cfg.Analyzer)
	}
	if cfg.Level() != zerolog.InfoLevel {
		t.Fatalf("expected info level fallback, got %s", cfg.Level())
	}
}
