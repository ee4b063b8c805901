package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	AudioBackendFFMPEG = "ffmpeg"
	AudioBackendMalgo  = "malgo"
)

// Config stores runtime configuration for the exam client.
type Config struct {
	Backend  BackendConfig
	Audio    AudioConfig
	Session  SessionConfig
	Policy   PolicyConfig
	Speech   SpeechConfig
	Analyzer AnalyzerConfig
	Metrics  MetricsConfig
	LogLevel string
}

type BackendConfig struct {
	URL              string
	ConnectDelay     time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

type AudioConfig struct {
	Backend         string
	RecorderCommand string
	InputFormat     string
	InputDevice     string
	SampleRate      int
	Channels        int
}

type SessionConfig struct {
	ChunkInterval time.Duration
	FlushTimeout  time.Duration
	CommitGrace   time.Duration
}

// PolicyConfig is the cue-card timing policy. It may also come from the
// YAML file named by YAXHA_POLICY_FILE.
type PolicyConfig struct {
	PrepSeconds              int  `yaml:"prep_seconds"`
	FloorSeconds             int  `yaml:"floor_seconds"`
	CeilingSeconds           int  `yaml:"ceiling_seconds"`
	AdvanceOnCeilingAnyStage bool `yaml:"advance_on_ceiling_any_stage"`
	SilentFloorRejection     bool `yaml:"silent_floor_rejection"`
}

type SpeechConfig struct {
	Enabled          bool
	Command          string
	Voices           []string
	Volume           float64
	WordsPerMinute   int
	SettleDelay      time.Duration
	LexiconPath      string
	LexiconPassLimit int
}

type AnalyzerConfig struct {
	FFTSize       int
	FrameInterval time.Duration
	Retention     float64
}

type MetricsConfig struct {
	// Addr enables the Prometheus listener when non-empty.
	Addr string
}

type policyFile struct {
	Policy  PolicyConfig `yaml:"policy"`
	Session struct {
		ChunkIntervalMS int `yaml:"chunk_interval_ms"`
		FlushTimeoutMS  int `yaml:"flush_timeout_ms"`
		CommitGraceMS   int `yaml:"commit_grace_ms"`
	} `yaml:"session"`
	Analyzer struct {
		FFTSize         int     `yaml:"fft_size"`
		FrameIntervalMS int     `yaml:"frame_interval_ms"`
		Retention       float64 `yaml:"retention"`
	} `yaml:"analyzer"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		Backend: BackendConfig{
			URL:              "ws://localhost:8000/listen",
			ConnectDelay:     100 * time.Millisecond,
			HandshakeTimeout: 5 * time.Second,
			WriteTimeout:     5 * time.Second,
		},
		Audio: AudioConfig{
			Backend:         AudioBackendFFMPEG,
			RecorderCommand: "ffmpeg",
			InputFormat:     "pulse",
			InputDevice:     "default",
			SampleRate:      16000,
			Channels:        1,
		},
		Session: SessionConfig{
			ChunkInterval: 250 * time.Millisecond,
			FlushTimeout:  3 * time.Second,
		},
		Policy: PolicyConfig{
			PrepSeconds:    60,
			FloorSeconds:   120,
			CeilingSeconds: 180,
		},
		Speech: SpeechConfig{
			Enabled:          true,
			Command:          "espeak-ng",
			Voices:           []string{"en-GB", "en-US"},
			Volume:           0.9,
			SettleDelay:      100 * time.Millisecond,
			LexiconPassLimit: 8,
		},
		Analyzer: AnalyzerConfig{
			FFTSize:       512,
			FrameInterval: 16 * time.Millisecond,
			Retention:     0.9,
		},
		LogLevel: "info",
	}
}

// Load resolves configuration from .env, the optional policy file and
// environment variables, in increasing priority.
func Load() (Config, error) {
	_ = godotenv.Load()

	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, errors.New("could not determine home directory")
	}

	cfg := Defaults()
	if path := strings.TrimSpace(os.Getenv("YAXHA_POLICY_FILE")); path != "" {
		if err := applyPolicyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	lexiconPath := strings.TrimSpace(os.Getenv("YAXHA_LEXICON_FILE"))
	if lexiconPath == "" {
		lexiconPath = firstExisting(
			filepath.Join(home, ".config", "yaxha", "lexicon.rules"),
			filepath.Join(home, ".config", "yaxha", "substitutions.rules"),
		)
	}

	cfg.Backend = BackendConfig{
		URL:              envOrDefault("YAXHA_BACKEND_URL", cfg.Backend.URL),
		ConnectDelay:     envOrDefaultMillis("YAXHA_CONNECT_DELAY_MS", cfg.Backend.ConnectDelay),
		HandshakeTimeout: envOrDefaultMillis("YAXHA_HANDSHAKE_TIMEOUT_MS", cfg.Backend.HandshakeTimeout),
		WriteTimeout:     envOrDefaultMillis("YAXHA_WRITE_TIMEOUT_MS", cfg.Backend.WriteTimeout),
	}
	cfg.Audio = AudioConfig{
		Backend:         strings.ToLower(envOrDefault("YAXHA_AUDIO_BACKEND", cfg.Audio.Backend)),
		RecorderCommand: envOrDefault("YAXHA_FFMPEG_COMMAND", cfg.Audio.RecorderCommand),
		InputFormat:     envOrDefault("YAXHA_AUDIO_INPUT_FORMAT", cfg.Audio.InputFormat),
		InputDevice:     firstNonEmpty(os.Getenv("YAXHA_AUDIO_INPUT_DEVICE"), os.Getenv("PULSE_SOURCE"), cfg.Audio.InputDevice),
		SampleRate:      envOrDefaultInt("YAXHA_SAMPLE_RATE", cfg.Audio.SampleRate),
		Channels:        envOrDefaultInt("YAXHA_CHANNELS", cfg.Audio.Channels),
	}
	cfg.Session = SessionConfig{
		ChunkInterval: envOrDefaultMillis("YAXHA_CHUNK_INTERVAL_MS", cfg.Session.ChunkInterval),
		FlushTimeout:  envOrDefaultMillis("YAXHA_FLUSH_TIMEOUT_MS", cfg.Session.FlushTimeout),
		CommitGrace:   envOrDefaultMillis("YAXHA_COMMIT_GRACE_MS", cfg.Session.CommitGrace),
	}
	cfg.Policy = PolicyConfig{
		PrepSeconds:              envOrDefaultInt("YAXHA_PREP_SECONDS", cfg.Policy.PrepSeconds),
		FloorSeconds:             envOrDefaultInt("YAXHA_FLOOR_SECONDS", cfg.Policy.FloorSeconds),
		CeilingSeconds:           envOrDefaultInt("YAXHA_CEILING_SECONDS", cfg.Policy.CeilingSeconds),
		AdvanceOnCeilingAnyStage: envOrDefaultBool("YAXHA_ADVANCE_ON_CEILING_ANY_STAGE", cfg.Policy.AdvanceOnCeilingAnyStage),
		SilentFloorRejection:     envOrDefaultBool("YAXHA_SILENT_FLOOR_REJECTION", cfg.Policy.SilentFloorRejection),
	}
	cfg.Speech = SpeechConfig{
		Enabled:          envOrDefaultBool("YAXHA_TTS_ENABLED", cfg.Speech.Enabled),
		Command:          envOrDefault("YAXHA_TTS_COMMAND", cfg.Speech.Command),
		Voices:           envOrDefaultList("YAXHA_TTS_VOICES", cfg.Speech.Voices),
		Volume:           envOrDefaultFloat("YAXHA_TTS_VOLUME", cfg.Speech.Volume),
		WordsPerMinute:   envOrDefaultInt("YAXHA_TTS_WPM", cfg.Speech.WordsPerMinute),
		SettleDelay:      envOrDefaultMillis("YAXHA_TTS_SETTLE_MS", cfg.Speech.SettleDelay),
		LexiconPath:      lexiconPath,
		LexiconPassLimit: envOrDefaultInt("YAXHA_LEXICON_PASS_LIMIT", cfg.Speech.LexiconPassLimit),
	}
	cfg.Analyzer = AnalyzerConfig{
		FFTSize:       envOrDefaultInt("YAXHA_FFT_SIZE", cfg.Analyzer.FFTSize),
		FrameInterval: envOrDefaultMillis("YAXHA_FRAME_INTERVAL_MS", cfg.Analyzer.FrameInterval),
		Retention:     envOrDefaultFloat("YAXHA_BAND_RETENTION", cfg.Analyzer.Retention),
	}
	cfg.Metrics.Addr = strings.TrimSpace(os.Getenv("YAXHA_METRICS_ADDR"))
	cfg.LogLevel = envOrDefault("YAXHA_LOG_LEVEL", cfg.LogLevel)

	cfg.normalize()
	return cfg, nil
}

func applyPolicyFile(cfg *Config, path string) error {
	contents, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read policy file: %w", err)
	}

	file := policyFile{Policy: cfg.Policy}
	file.Session.ChunkIntervalMS = int(cfg.Session.ChunkInterval / time.Millisecond)
	file.Session.FlushTimeoutMS = int(cfg.Session.FlushTimeout / time.Millisecond)
	file.Session.CommitGraceMS = int(cfg.Session.CommitGrace / time.Millisecond)
	file.Analyzer.FFTSize = cfg.Analyzer.FFTSize
	file.Analyzer.FrameIntervalMS = int(cfg.Analyzer.FrameInterval / time.Millisecond)
	file.Analyzer.Retention = cfg.Analyzer.Retention

	if err := yaml.Unmarshal(contents, &file); err != nil {
		return fmt.Errorf("failed to parse policy file %s: %w", path, err)
	}

	cfg.Policy = file.Policy
	cfg.Session.ChunkInterval = time.Duration(file.Session.ChunkIntervalMS) * time.Millisecond
	cfg.Session.FlushTimeout = time.Duration(file.Session.FlushTimeoutMS) * time.Millisecond
	cfg.Session.CommitGrace = time.Duration(file.Session.CommitGraceMS) * time.Millisecond
	cfg.Analyzer.FFTSize = file.Analyzer.FFTSize
	cfg.Analyzer.FrameInterval = time.Duration(file.Analyzer.FrameIntervalMS) * time.Millisecond
	cfg.Analyzer.Retention = file.Analyzer.Retention
	return nil
}

func (c *Config) normalize() {
	d := Defaults()

	if c.Audio.Backend != AudioBackendMalgo {
		c.Audio.Backend = AudioBackendFFMPEG
	}
	if c.Audio.SampleRate <= 0 {
		c.Audio.SampleRate = d.Audio.SampleRate
	}
	if c.Audio.Channels <= 0 {
		c.Audio.Channels = d.Audio.Channels
	}
	if c.Session.ChunkInterval < 10*time.Millisecond {
		c.Session.ChunkInterval = d.Session.ChunkInterval
	}
	if c.Session.FlushTimeout <= 0 {
		c.Session.FlushTimeout = d.Session.FlushTimeout
	}
	if c.Session.CommitGrace < 0 {
		c.Session.CommitGrace = 0
	}
	if c.Policy.PrepSeconds <= 0 {
		c.Policy.PrepSeconds = d.Policy.PrepSeconds
	}
	if c.Policy.CeilingSeconds <= 0 {
		c.Policy.CeilingSeconds = d.Policy.CeilingSeconds
	}
	if c.Policy.FloorSeconds <= 0 || c.Policy.FloorSeconds > c.Policy.CeilingSeconds {
		c.Policy.FloorSeconds = min(d.Policy.FloorSeconds, c.Policy.CeilingSeconds)
	}
	if c.Speech.Volume <= 0 || c.Speech.Volume > 1 {
		c.Speech.Volume = d.Speech.Volume
	}
	if c.Speech.LexiconPassLimit <= 0 {
		c.Speech.LexiconPassLimit = d.Speech.LexiconPassLimit
	}
	if c.Analyzer.FFTSize < 64 || c.Analyzer.FFTSize&(c.Analyzer.FFTSize-1) != 0 {
		c.Analyzer.FFTSize = d.Analyzer.FFTSize
	}
	if c.Analyzer.FrameInterval <= 0 {
		c.Analyzer.FrameInterval = d.Analyzer.FrameInterval
	}
	if c.Analyzer.Retention <= 0 || c.Analyzer.Retention >= 1 {
		c.Analyzer.Retention = d.Analyzer.Retention
	}
}

// Level parses LogLevel, falling back to info.
func (c Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(c.LogLevel)))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

func firstExisting(paths ...string) string {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func envOrDefault(key string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envOrDefaultInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultFloat(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultMillis(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return time.Duration(parsed) * time.Millisecond
}

func envOrDefaultBool(key string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func envOrDefaultList(key string, fallback []string) []string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
