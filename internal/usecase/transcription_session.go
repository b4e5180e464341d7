package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"voicechat/internal/audio"
	"voicechat/internal/domain"
	"voicechat/internal/ports"
)

const (
	eventMic        = "mic"
	eventStop       = "stop"
	eventTranscript = "transcript"
)

// CaptureStream is the part of a CaptureSession a transcription session drives.
type CaptureStream interface {
	Start() error
	Stop()
	Events() <-chan domain.CaptureEvent
}

// TranscriptionOption customizes a TranscriptionSession.
type TranscriptionOption func(*TranscriptionSession)

// WithTranscriptionLogger sets the logger for channel lifecycle messages.
func WithTranscriptionLogger(logger *slog.Logger) TranscriptionOption {
	return func(s *TranscriptionSession) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// TranscriptionSession bridges a capture stream to the transcription backend.
//
// Captured blocks are forwarded as "mic" events and utterance boundaries as
// "stop". The backend answers with full replacement "transcript" messages.
// When the channel closes, capture stops and the sink receives the last
// transcript exactly once for that channel.
type TranscriptionSession struct {
	id      string
	capture CaptureStream
	backend ports.TranscriptionBackend
	sink    ports.TranscriptSink
	logger  *slog.Logger

	warmupMu sync.Mutex

	mu         sync.Mutex
	conn       *connection
	transcript string
	warmupErr  error

	detach       chan struct{}
	detachOnce   sync.Once
	consumerDone chan struct{}
}

type connection struct {
	channel    ports.DuplexChannel
	finishOnce sync.Once
	done       chan struct{}
}

// NewTranscriptionSession subscribes to capture events immediately. Events
// that arrive before a channel is open are dropped.
func NewTranscriptionSession(
	capture CaptureStream,
	backend ports.TranscriptionBackend,
	sink ports.TranscriptSink,
	opts ...TranscriptionOption,
) *TranscriptionSession {
	s := &TranscriptionSession{
		id:           uuid.NewString(),
		capture:      capture,
		backend:      backend,
		sink:         sink,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		detach:       make(chan struct{}),
		consumerDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("session", s.id)

	go s.consume()
	return s
}

// ID identifies the session in logs.
func (s *TranscriptionSession) ID() string {
	return s.id
}

// Start warms up the backend channel and then starts capture.
//
// A failed warmup is not returned: the session finishes with an empty
// transcript instead and capture stays stopped. WarmupErr reports it.
func (s *TranscriptionSession) Start(ctx context.Context) error {
	conn := s.warmup(ctx)
	if conn == nil {
		return nil
	}
	if err := s.capture.Start(); err != nil {
		s.logger.Error("capture start failed", "error", err)
		s.finish(conn)
		return err
	}
	return nil
}

// Stop asks the backend to finalize the current utterance.
// Without a live channel it does nothing.
func (s *TranscriptionSession) Stop() error {
	conn := s.current()
	if conn == nil {
		return nil
	}
	return conn.channel.Emit(eventStop, nil)
}

// WarmupErr returns the warmup failure of the most recent Start, or nil
// when that Start opened a channel.
func (s *TranscriptionSession) WarmupErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.warmupErr
}

// Transcript returns the most recent transcript of the live channel.
func (s *TranscriptionSession) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript
}

// Close stops forwarding capture events and releases the live channel.
// The sink still sees the finish for that channel, once.
func (s *TranscriptionSession) Close() error {
	s.detachOnce.Do(func() { close(s.detach) })
	<-s.consumerDone

	conn := s.current()
	if conn == nil {
		return nil
	}
	err := conn.channel.Close()
	<-conn.done
	return err
}

func (s *TranscriptionSession) warmup(ctx context.Context) *connection {
	s.warmupMu.Lock()
	defer s.warmupMu.Unlock()

	if conn := s.current(); conn != nil {
		return conn
	}

	if err := s.backend.Initiate(ctx); err != nil {
		s.logger.Error("transcription warmup failed", "error", err)
		s.failWarmup(err)
		return nil
	}

	channel, err := s.backend.Connect(ctx)
	if err != nil {
		s.logger.Error("transcription connect failed", "error", err)
		s.failWarmup(err)
		return nil
	}

	conn := &connection{channel: channel, done: make(chan struct{})}
	s.mu.Lock()
	s.conn = conn
	s.warmupErr = nil
	s.mu.Unlock()
	s.logger.Info("transcription channel open")

	go s.receive(conn)
	return conn
}

// failWarmup records err before the empty finish so a sink woken by that
// finish already sees it.
func (s *TranscriptionSession) failWarmup(err error) {
	s.mu.Lock()
	s.warmupErr = err
	s.mu.Unlock()
	s.finish(&connection{})
}

func (s *TranscriptionSession) current() *connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *TranscriptionSession) receive(conn *connection) {
	defer close(conn.done)

	for msg := range conn.channel.Inbound() {
		if msg.Event != eventTranscript {
			continue
		}
		s.mu.Lock()
		if s.conn != conn {
			s.mu.Unlock()
			continue
		}
		s.transcript = msg.Text
		s.mu.Unlock()
		s.sink.TranscriptUpdated(msg.Text)
	}

	if err := conn.channel.Err(); err != nil {
		s.logger.Warn("transcription channel closed with error", "error", err)
	} else {
		s.logger.Info("transcription channel closed")
	}
	s.finish(conn)
}

// finish runs the completion routine at most once per connection.
func (s *TranscriptionSession) finish(conn *connection) {
	conn.finishOnce.Do(func() {
		s.capture.Stop()

		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		final := s.transcript
		s.transcript = ""
		s.mu.Unlock()

		if conn.channel != nil {
			if err := conn.channel.Close(); err != nil {
				s.logger.Debug("transcription channel close failed", "error", err)
			}
		}
		s.sink.TranscriptFinished(final)
	})
}

func (s *TranscriptionSession) consume() {
	defer close(s.consumerDone)

	events := s.capture.Events()
	for {
		select {
		case <-s.detach:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			s.forward(event)
		}
	}
}

func (s *TranscriptionSession) forward(event domain.CaptureEvent) {
	conn := s.current()
	if conn == nil {
		return
	}

	var err error
	switch event.Kind {
	case domain.CaptureEventData:
		if event.Block.Channels() == 0 {
			return
		}
		err = conn.channel.Emit(eventMic, audio.EncodePCM16LE(event.Block[0]))
	case domain.CaptureEventPunctuation:
		err = conn.channel.Emit(eventStop, nil)
	default:
		return
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Debug("emit failed", "event", event.Kind, "error", err)
	}
}
