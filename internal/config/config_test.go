package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var envKeys = []string{
	"VOICECHAT_CONFIG",
	"VOICECHAT_BACKEND_URL", "VOICECHAT_SOCKET_PATH", "VOICECHAT_BACKEND_TIMEOUT_MS",
	"VOICECHAT_FFMPEG_COMMAND", "VOICECHAT_AUDIO_INPUT_FORMAT", "VOICECHAT_AUDIO_INPUT_DEVICE",
	"VOICECHAT_AUDIO_INPUT_FILE", "VOICECHAT_SAMPLE_RATE", "VOICECHAT_CHANNELS", "VOICECHAT_BLOCK_SIZE",
	"VOICECHAT_SILENCE_THRESHOLD", "VOICECHAT_SILENCE_DURATION_MS",
	"VOICECHAT_EXPORT_DIR", "VOICECHAT_EXPORT_COMPAT",
	"VOICECHAT_SERVER_ADDR", "VOICECHAT_SERVER_IDLE_MS",
	"DEEPGRAM_API_KEY", "DEEPGRAM_API_BASE", "DEEPGRAM_MODEL", "DEEPGRAM_LANGUAGE", "DEEPGRAM_SMART_FORMAT",
	"OPENAI_API_KEY", "OPENAI_BASE_URL", "OPENAI_MODEL",
	"SENTRY_DSN", "ENVIRONMENT", "VOICECHAT_LOG_LEVEL",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Backend.BaseURL != "http://localhost:8080" || cfg.Backend.SocketPath != "/ws/socket.io" {
		t.Fatalf("unexpected backend config: %+v", cfg.Backend)
	}
	if cfg.Backend.WarmupPath != "/stt" || cfg.Backend.ChatPath != "/chat_completion" {
		t.Fatalf("unexpected backend paths: %+v", cfg.Backend)
	}
	if cfg.Audio.SampleRate != 16000 || cfg.Audio.Channels != 1 || cfg.Audio.BlockSize != 4096 {
		t.Fatalf("unexpected audio config: %+v", cfg.Audio)
	}
	if cfg.Detector.SilenceThreshold != 0.01 || cfg.Detector.SilenceDuration != 10*time.Second {
		t.Fatalf("unexpected detector config: %+v", cfg.Detector)
	}
	if cfg.Server.IdleTimeout != time.Second || cfg.Server.PingInterval != 25*time.Second {
		t.Fatalf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Deepgram.Language != "ja" || cfg.OpenAI.Model != "gpt-4o-mini" {
		t.Fatalf("unexpected provider config: %+v %+v", cfg.Deepgram, cfg.OpenAI)
	}
}

func TestLoadRespectsOverridesAndFallbacks(t *testing.T) {
	clearEnv(t)
	t.Setenv("VOICECHAT_BACKEND_URL", "https://relay.example.com")
	t.Setenv("VOICECHAT_BACKEND_TIMEOUT_MS", "2500")
	t.Setenv("VOICECHAT_AUDIO_INPUT_FILE", "/tmp/in.wav")
	t.Setenv("VOICECHAT_SAMPLE_RATE", "48000")
	t.Setenv("VOICECHAT_CHANNELS", "bogus")
	t.Setenv("VOICECHAT_BLOCK_SIZE", "16")
	t.Setenv("VOICECHAT_SILENCE_THRESHOLD", "0.2")
	t.Setenv("VOICECHAT_SILENCE_DURATION_MS", "1500")
	t.Setenv("VOICECHAT_EXPORT_COMPAT", "yes")
	t.Setenv("VOICECHAT_SERVER_IDLE_MS", "-5")
	t.Setenv("DEEPGRAM_SMART_FORMAT", "off")
	t.Setenv("OPENAI_MODEL", "gpt-4o")
	t.Setenv("VOICECHAT_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Backend.BaseURL != "https://relay.example.com" || cfg.Backend.Timeout != 2500*time.Millisecond {
		t.Fatalf("unexpected backend config: %+v", cfg.Backend)
	}
	if cfg.Audio.InputFile != "/tmp/in.wav" || cfg.Audio.SampleRate != 48000 {
		t.Fatalf("unexpected audio config: %+v", cfg.Audio)
	}
	if cfg.Audio.Channels != 1 || cfg.Audio.BlockSize != 4096 {
		t.Fatalf("expected invalid values to fall back, got %+v", cfg.Audio)
	}
	if cfg.Detector.SilenceThreshold != 0.2 || cfg.Detector.SilenceDuration != 1500*time.Millisecond {
		t.Fatalf("unexpected detector config: %+v", cfg.Detector)
	}
	if !cfg.Export.Compat || cfg.Deepgram.SmartFormat {
		t.Fatalf("unexpected bool overrides: export=%+v deepgram=%+v", cfg.Export, cfg.Deepgram)
	}
	if cfg.Server.IdleTimeout != time.Second {
		t.Fatalf("expected negative idle to fall back, got %v", cfg.Server.IdleTimeout)
	}
	if cfg.OpenAI.Model != "gpt-4o" || cfg.LogLevel != "debug" {
		t.Fatalf("unexpected overrides: %+v %q", cfg.OpenAI, cfg.LogLevel)
	}
}

func TestLoadAppliesFileBeforeEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "voicechat.yaml")
	body := strings.Join([]string{
		"backend:",
		"  base_url: http://file.example.com:9000",
		"  timeout: 3s",
		"detector:",
		"  silence_threshold: 0.05",
		"  silence_duration: 2s",
		"server:",
		"  addr: 127.0.0.1:9999",
		"deepgram:",
		"  model: nova-3",
		"",
	}, "\n")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	t.Setenv("VOICECHAT_CONFIG", path)
	t.Setenv("DEEPGRAM_MODEL", "nova-2-general")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Backend.BaseURL != "http://file.example.com:9000" || cfg.Backend.Timeout != 3*time.Second {
		t.Fatalf("unexpected backend config: %+v", cfg.Backend)
	}
	if cfg.Detector.SilenceThreshold != 0.05 || cfg.Detector.SilenceDuration != 2*time.Second {
		t.Fatalf("unexpected detector config: %+v", cfg.Detector)
	}
	if cfg.Server.Addr != "127.0.0.1:9999" {
		t.Fatalf("unexpected server addr %q", cfg.Server.Addr)
	}
	if cfg.Deepgram.Model != "nova-2-general" {
		t.Fatalf("expected env to override file, got %q", cfg.Deepgram.Model)
	}
	if cfg.Backend.SocketPath != "/ws/socket.io" {
		t.Fatalf("expected untouched keys to keep defaults, got %q", cfg.Backend.SocketPath)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("VOICECHAT_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))

	if _, err := Load(); err == nil {
		t.Fatalf("expected missing config file error")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string][2]string{
		"threshold too high": {"VOICECHAT_SILENCE_THRESHOLD", "1.5"},
		"threshold zero":     {"VOICECHAT_SILENCE_THRESHOLD", "0"},
		"bad scheme":         {"VOICECHAT_BACKEND_URL", "ftp://example.com"},
		"no host":            {"VOICECHAT_BACKEND_URL", "http://"},
		"log level":          {"VOICECHAT_LOG_LEVEL", "loud"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(kv[0], kv[1])
			if _, err := Load(); err == nil {
				t.Fatalf("expected validation error for %s=%s", kv[0], kv[1])
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"":      slog.LevelInfo,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for input, want := range cases {
		got, err := ParseLogLevel(input)
		if err != nil || got != want {
			t.Fatalf("ParseLogLevel(%q) = %v, %v; want %v", input, got, err, want)
		}
	}
}
