package ports

import (
	"context"
	"time"

	"voicechat/internal/domain"
)

// AudioConfig describes how the microphone should be captured.
type AudioConfig struct {
	SampleRate  int
	Channels    int
	BlockSize   int
	InputFormat string
	InputDevice string
}

// FrameSource is a live, non-restartable sequence of sample blocks.
// Blocks is closed when the source ends; Err reports why.
type FrameSource interface {
	Blocks() <-chan domain.SampleBlock
	Err() error
	Close() error
}

// AudioCapture acquires a capture device.
type AudioCapture interface {
	Open(ctx context.Context, cfg AudioConfig) (FrameSource, error)
}

// Encoder accepts capture commands and produces encoded audio asynchronously.
type Encoder interface {
	Init(sampleRate int, channels int, compat bool)
	Append(block domain.SampleBlock)
	Clear()
	Export(format string)
}

// Timer is a pending one-shot callback.
type Timer interface {
	Stop() bool
}

// Clock schedules one-shot callbacks.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// InboundMessage is an event received from the transcription backend.
type InboundMessage struct {
	Event string
	Text  string
}

// DuplexChannel is a live bidirectional session with the transcription backend.
// Inbound is closed once the channel disconnects; Err reports a non-graceful cause.
type DuplexChannel interface {
	Emit(event string, payload []byte) error
	Inbound() <-chan InboundMessage
	Err() error
	Close() error
}

// TranscriptionBackend initiates sessions and opens duplex channels.
type TranscriptionBackend interface {
	Initiate(ctx context.Context) error
	Connect(ctx context.Context) (DuplexChannel, error)
}

// TranscriptSink receives transcript updates and the final transcript.
type TranscriptSink interface {
	TranscriptUpdated(text string)
	TranscriptFinished(text string)
}

// StreamingConfig describes provider-agnostic recognizer settings.
type StreamingConfig struct {
	SampleRate     int
	Channels       int
	Encoding       string
	InterimResults bool
}

// StreamingSession is an active recognizer websocket session.
type StreamingSession interface {
	SendAudio(chunk []byte) error
	CloseSend() error
	Events() <-chan domain.TranscriptEvent
	Wait() error
	Close() error
}

// TranscriptionProvider starts streaming recognizer sessions.
type TranscriptionProvider interface {
	StartStreaming(ctx context.Context, cfg StreamingConfig) (StreamingSession, error)
}

// ChatCompleter streams completion deltas for a conversation.
type ChatCompleter interface {
	StreamChat(ctx context.Context, messages []domain.ChatMessage, onDelta func(string) error) error
}
