package bootstrap

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"

	"voicechat/internal/audio"
	"voicechat/internal/chat"
	"voicechat/internal/config"
	"voicechat/internal/domain"
	"voicechat/internal/ports"
	"voicechat/internal/providers/deepgram"
	"voicechat/internal/providers/openai"
	"voicechat/internal/providers/socketio"
	"voicechat/internal/server"
	"voicechat/internal/usecase"
)

const sentryFlushTimeout = 2 * time.Second

// Client is the assembled capture and transcription graph for one run.
type Client struct {
	Config        config.Config
	Encoder       *audio.WAVEncoder
	Capture       *usecase.CaptureSession
	Transcription *usecase.TranscriptionSession
	Chat          *chat.Client
}

// Close releases the transcription channel and the capture device, then
// waits for in-flight exports.
func (c *Client) Close() error {
	err := c.Transcription.Close()
	if cerr := c.Capture.Close(); err == nil {
		err = cerr
	}
	c.Encoder.Wait()
	return err
}

// BuildClient wires capture, encoder and transcription session. The capture
// device is acquired here; capture starts when the transcription session does.
func BuildClient(
	ctx context.Context,
	cfg config.Config,
	sink ports.TranscriptSink,
	onExport func(domain.ExportedAudio),
	logger *slog.Logger,
) (*Client, error) {
	logger = orDiscard(logger)

	encoder := audio.NewWAVEncoder(onExport)
	capture, err := usecase.NewCaptureSession(
		ctx,
		newAudioCapture(cfg.Audio),
		encoder,
		usecase.CaptureConfig{
			Audio: ports.AudioConfig{
				SampleRate:  cfg.Audio.SampleRate,
				Channels:    cfg.Audio.Channels,
				BlockSize:   cfg.Audio.BlockSize,
				InputFormat: cfg.Audio.InputFormat,
				InputDevice: cfg.Audio.InputDevice,
			},
			SilenceThreshold: cfg.Detector.SilenceThreshold,
			SilenceDuration:  cfg.Detector.SilenceDuration,
			Compat:           cfg.Export.Compat,
		},
		usecase.WithCaptureLogger(logger.With("component", "capture")),
	)
	if err != nil {
		return nil, err
	}

	backend := socketio.NewBackend(socketio.Config{
		BaseURL:    cfg.Backend.BaseURL,
		SocketPath: cfg.Backend.SocketPath,
		WarmupPath: cfg.Backend.WarmupPath,
		Timeout:    cfg.Backend.Timeout,
	}, logger.With("component", "backend"))

	transcription := usecase.NewTranscriptionSession(
		capture,
		backend,
		sink,
		usecase.WithTranscriptionLogger(logger.With("component", "transcription")),
	)

	chatClient := chat.NewClient(chat.Config{
		BaseURL: cfg.Backend.BaseURL,
		Path:    cfg.Backend.ChatPath,
	}, nil, logger.With("component", "chat"))

	return &Client{
		Config:        cfg,
		Encoder:       encoder,
		Capture:       capture,
		Transcription: transcription,
		Chat:          chatClient,
	}, nil
}

// newAudioCapture replays a WAV file when one is configured and records the
// microphone through ffmpeg otherwise.
func newAudioCapture(cfg config.AudioConfig) ports.AudioCapture {
	if cfg.InputFile != "" {
		return audio.NewWAVFileCapture(cfg.InputFile, true)
	}
	return audio.NewFFMPEGCapture(cfg.RecorderCommand)
}

// BuildServer wires the relay server. A provider without an API key is left
// out, so its endpoint reports that it is not configured.
func BuildServer(cfg config.Config, logger *slog.Logger) *server.Server {
	logger = orDiscard(logger)

	var recognizer ports.TranscriptionProvider
	if cfg.Deepgram.APIKey != "" {
		recognizer = deepgram.NewRecognizer(deepgram.Config{
			APIKey:      cfg.Deepgram.APIKey,
			APIBaseURL:  cfg.Deepgram.APIBaseURL,
			Model:       cfg.Deepgram.Model,
			Language:    cfg.Deepgram.Language,
			SmartFormat: cfg.Deepgram.SmartFormat,
		}, logger.With("component", "deepgram"))
	} else {
		logger.Warn("DEEPGRAM_API_KEY is not set; transcription sockets will be rejected")
	}

	var completer ports.ChatCompleter
	if cfg.OpenAI.APIKey != "" {
		completer = openai.NewCompleter(openai.Config{
			APIKey:  cfg.OpenAI.APIKey,
			BaseURL: cfg.OpenAI.BaseURL,
			Model:   cfg.OpenAI.Model,
		}, logger.With("component", "openai"))
	} else {
		logger.Warn("OPENAI_API_KEY is not set; chat completion is disabled")
	}

	return server.New(server.Config{
		SocketPath:   cfg.Backend.SocketPath,
		IdleTimeout:  cfg.Server.IdleTimeout,
		PingInterval: cfg.Server.PingInterval,
		PingTimeout:  cfg.Server.PingTimeout,
		Streaming:    relayStreamingConfig(cfg),
	}, recognizer, completer, server.NewMetrics(), logger.With("component", "server"))
}

// relayStreamingConfig describes the audio the relay receives. Clients send
// the first channel of each block only, so the stream is always mono.
func relayStreamingConfig(cfg config.Config) ports.StreamingConfig {
	return ports.StreamingConfig{
		SampleRate:     cfg.Audio.SampleRate,
		Channels:       1,
		Encoding:       "linear16",
		InterimResults: true,
	}
}

// NewLogger builds the text logger used by the CLIs.
func NewLogger(cfg config.Config, w io.Writer) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// InitSentry enables error reporting when a DSN is configured. The returned
// flush must run before the process exits.
func InitSentry(cfg config.SentryConfig, logger *slog.Logger) func() {
	if cfg.DSN == "" {
		return func() {}
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
	})
	if err != nil {
		orDiscard(logger).Warn("sentry init failed", "error", err)
		return func() {}
	}
	return func() { sentry.Flush(sentryFlushTimeout) }
}

// ReportFatal sends err to Sentry, if enabled, before the caller exits.
func ReportFatal(err error) {
	if err == nil {
		return
	}
	sentry.CaptureException(err)
	sentry.Flush(sentryFlushTimeout)
}

func orDiscard(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return logger
}
