package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config stores runtime configuration for the client and the relay server.
type Config struct {
	Backend  BackendConfig  `yaml:"backend"`
	Audio    AudioConfig    `yaml:"audio"`
	Detector DetectorConfig `yaml:"detector"`
	Export   ExportConfig   `yaml:"export"`
	Server   ServerConfig   `yaml:"server"`
	Deepgram DeepgramConfig `yaml:"deepgram"`
	OpenAI   OpenAIConfig   `yaml:"openai"`
	Sentry   SentryConfig   `yaml:"sentry"`
	LogLevel string         `yaml:"log_level"`
}

type BackendConfig struct {
	BaseURL    string        `yaml:"base_url"`
	SocketPath string        `yaml:"socket_path"`
	WarmupPath string        `yaml:"warmup_path"`
	ChatPath   string        `yaml:"chat_path"`
	Timeout    time.Duration `yaml:"timeout"`
}

type AudioConfig struct {
	RecorderCommand string `yaml:"recorder_command"`
	InputFormat     string `yaml:"input_format"`
	InputDevice     string `yaml:"input_device"`
	InputFile       string `yaml:"input_file"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	BlockSize       int    `yaml:"block_size"`
}

type DetectorConfig struct {
	SilenceThreshold float64       `yaml:"silence_threshold"`
	SilenceDuration  time.Duration `yaml:"silence_duration"`
}

type ExportConfig struct {
	Dir    string `yaml:"dir"`
	Compat bool   `yaml:"compat"`
}

type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	PingInterval time.Duration `yaml:"ping_interval"`
	PingTimeout  time.Duration `yaml:"ping_timeout"`
}

type DeepgramConfig struct {
	APIKey      string `yaml:"api_key"`
	APIBaseURL  string `yaml:"api_base_url"`
	Model       string `yaml:"model"`
	Language    string `yaml:"language"`
	SmartFormat bool   `yaml:"smart_format"`
}

type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

type SentryConfig struct {
	DSN         string `yaml:"dsn"`
	Environment string `yaml:"environment"`
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults() Config {
	return Config{
		Backend: BackendConfig{
			BaseURL:    "http://localhost:8080",
			SocketPath: "/ws/socket.io",
			WarmupPath: "/stt",
			ChatPath:   "/chat_completion",
			Timeout:    10 * time.Second,
		},
		Audio: AudioConfig{
			RecorderCommand: "ffmpeg",
			InputFormat:     "pulse",
			InputDevice:     "default",
			SampleRate:      16000,
			Channels:        1,
			BlockSize:       4096,
		},
		Detector: DetectorConfig{
			SilenceThreshold: 0.01,
			SilenceDuration:  10 * time.Second,
		},
		Server: ServerConfig{
			Addr:         ":8080",
			IdleTimeout:  time.Second,
			PingInterval: 25 * time.Second,
			PingTimeout:  20 * time.Second,
		},
		Deepgram: DeepgramConfig{
			APIBaseURL:  "https://api.deepgram.com/v1",
			Model:       "nova-2",
			Language:    "ja",
			SmartFormat: true,
		},
		OpenAI: OpenAIConfig{
			Model: "gpt-4o-mini",
		},
		Sentry: SentryConfig{
			Environment: "development",
		},
		LogLevel: "info",
	}
}

// Load resolves configuration from defaults, then the optional YAML file named
// by VOICECHAT_CONFIG, then environment variables.
func Load() (Config, error) {
	cfg := Defaults()

	if path := strings.TrimSpace(os.Getenv("VOICECHAT_CONFIG")); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()
	cfg.clamp()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Backend.BaseURL = envOrDefault("VOICECHAT_BACKEND_URL", c.Backend.BaseURL)
	c.Backend.SocketPath = envOrDefault("VOICECHAT_SOCKET_PATH", c.Backend.SocketPath)
	c.Backend.Timeout = envOrDefaultMillis("VOICECHAT_BACKEND_TIMEOUT_MS", c.Backend.Timeout)

	c.Audio.RecorderCommand = envOrDefault("VOICECHAT_FFMPEG_COMMAND", c.Audio.RecorderCommand)
	c.Audio.InputFormat = envOrDefault("VOICECHAT_AUDIO_INPUT_FORMAT", c.Audio.InputFormat)
	c.Audio.InputDevice = envOrDefault("VOICECHAT_AUDIO_INPUT_DEVICE", c.Audio.InputDevice)
	c.Audio.InputFile = envOrDefault("VOICECHAT_AUDIO_INPUT_FILE", c.Audio.InputFile)
	c.Audio.SampleRate = envOrDefaultInt("VOICECHAT_SAMPLE_RATE", c.Audio.SampleRate)
	c.Audio.Channels = envOrDefaultInt("VOICECHAT_CHANNELS", c.Audio.Channels)
	c.Audio.BlockSize = envOrDefaultInt("VOICECHAT_BLOCK_SIZE", c.Audio.BlockSize)

	c.Detector.SilenceThreshold = envOrDefaultFloat("VOICECHAT_SILENCE_THRESHOLD", c.Detector.SilenceThreshold)
	c.Detector.SilenceDuration = envOrDefaultMillis("VOICECHAT_SILENCE_DURATION_MS", c.Detector.SilenceDuration)

	c.Export.Dir = envOrDefault("VOICECHAT_EXPORT_DIR", c.Export.Dir)
	c.Export.Compat = envOrDefaultBool("VOICECHAT_EXPORT_COMPAT", c.Export.Compat)

	c.Server.Addr = envOrDefault("VOICECHAT_SERVER_ADDR", c.Server.Addr)
	c.Server.IdleTimeout = envOrDefaultMillis("VOICECHAT_SERVER_IDLE_MS", c.Server.IdleTimeout)

	c.Deepgram.APIKey = envOrDefault("DEEPGRAM_API_KEY", c.Deepgram.APIKey)
	c.Deepgram.APIBaseURL = envOrDefault("DEEPGRAM_API_BASE", c.Deepgram.APIBaseURL)
	c.Deepgram.Model = envOrDefault("DEEPGRAM_MODEL", c.Deepgram.Model)
	c.Deepgram.Language = envOrDefault("DEEPGRAM_LANGUAGE", c.Deepgram.Language)
	c.Deepgram.SmartFormat = envOrDefaultBool("DEEPGRAM_SMART_FORMAT", c.Deepgram.SmartFormat)

	c.OpenAI.APIKey = envOrDefault("OPENAI_API_KEY", c.OpenAI.APIKey)
	c.OpenAI.BaseURL = envOrDefault("OPENAI_BASE_URL", c.OpenAI.BaseURL)
	c.OpenAI.Model = envOrDefault("OPENAI_MODEL", c.OpenAI.Model)

	c.Sentry.DSN = envOrDefault("SENTRY_DSN", c.Sentry.DSN)
	c.Sentry.Environment = envOrDefault("ENVIRONMENT", c.Sentry.Environment)

	c.LogLevel = envOrDefault("VOICECHAT_LOG_LEVEL", c.LogLevel)
}

// clamp puts invalid tunables back to their defaults.
func (c *Config) clamp() {
	d := Defaults()
	if c.Backend.Timeout <= 0 {
		c.Backend.Timeout = d.Backend.Timeout
	}
	if c.Backend.WarmupPath == "" {
		c.Backend.WarmupPath = d.Backend.WarmupPath
	}
	if c.Backend.ChatPath == "" {
		c.Backend.ChatPath = d.Backend.ChatPath
	}
	if c.Audio.SampleRate <= 0 {
		c.Audio.SampleRate = d.Audio.SampleRate
	}
	if c.Audio.Channels <= 0 {
		c.Audio.Channels = d.Audio.Channels
	}
	if c.Audio.BlockSize < 256 {
		c.Audio.BlockSize = d.Audio.BlockSize
	}
	if c.Detector.SilenceDuration <= 0 {
		c.Detector.SilenceDuration = d.Detector.SilenceDuration
	}
	if c.Server.IdleTimeout <= 0 {
		c.Server.IdleTimeout = d.Server.IdleTimeout
	}
	if c.Server.PingInterval <= 0 {
		c.Server.PingInterval = d.Server.PingInterval
	}
	if c.Server.PingTimeout <= 0 {
		c.Server.PingTimeout = d.Server.PingTimeout
	}
}

// Validate rejects values that cannot be clamped to something usable.
func (c Config) Validate() error {
	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("audio sample rate must be positive, got %d", c.Audio.SampleRate)
	}
	if c.Audio.Channels <= 0 {
		return fmt.Errorf("audio channel count must be positive, got %d", c.Audio.Channels)
	}
	if c.Detector.SilenceThreshold <= 0 || c.Detector.SilenceThreshold >= 1 {
		return fmt.Errorf("silence threshold must be between 0 and 1, got %g", c.Detector.SilenceThreshold)
	}
	u, err := url.Parse(c.Backend.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid backend url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("backend url must be http or https, got %q", c.Backend.BaseURL)
	}
	if u.Host == "" {
		return errors.New("backend url has no host")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLogLevel maps debug|info|warn|error onto slog levels.
func ParseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
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
