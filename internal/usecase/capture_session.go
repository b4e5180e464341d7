package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"voicechat/internal/domain"
	"voicechat/internal/ports"
	"voicechat/internal/vad"
)

// DefaultSilenceDuration is how long silence must last after speech before an utterance ends.
const DefaultSilenceDuration = 10 * time.Second

const exportFormatWAV = "audio/wav"

var ErrCaptureClosed = errors.New("capture session is closed")

// CaptureConfig controls device capture and silence segmentation.
type CaptureConfig struct {
	Audio            ports.AudioConfig
	SilenceThreshold float64
	SilenceDuration  time.Duration
	Compat           bool
}

// CaptureOption customizes a CaptureSession.
type CaptureOption func(*CaptureSession)

// WithClock replaces the clock used for the silence timer.
func WithClock(clock ports.Clock) CaptureOption {
	return func(s *CaptureSession) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithCaptureLogger sets the logger for capture lifecycle messages.
func WithCaptureLogger(logger *slog.Logger) CaptureOption {
	return func(s *CaptureSession) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// CaptureSession segments captured audio into utterances.
//
// Blocks are classified as they arrive. Leading silence is dropped. Once
// speech has been heard, silence arms a one-shot timer; speech cancels it.
// When the timer fires the session emits an utterance boundary, asks the
// encoder to export what it has buffered, and stops recording.
type CaptureSession struct {
	source   ports.FrameSource
	encoder  ports.Encoder
	detector vad.Detector
	clock    ports.Clock
	logger   *slog.Logger

	silenceDuration time.Duration
	events          *eventQueue
	pumpDone        chan struct{}

	mu            sync.Mutex
	recording     bool
	soundDetected bool
	timer         ports.Timer
	timerSeq      uint64
	closed        bool
	err           error
}

// NewCaptureSession acquires the capture device and initializes the encoder.
// A device failure is returned as is; no events are produced in that case.
func NewCaptureSession(
	ctx context.Context,
	capture ports.AudioCapture,
	encoder ports.Encoder,
	cfg CaptureConfig,
	opts ...CaptureOption,
) (*CaptureSession, error) {
	if cfg.Audio.SampleRate <= 0 {
		cfg.Audio.SampleRate = 16000
	}
	if cfg.Audio.Channels <= 0 {
		cfg.Audio.Channels = 1
	}
	if cfg.SilenceDuration <= 0 {
		cfg.SilenceDuration = DefaultSilenceDuration
	}

	source, err := capture.Open(ctx, cfg.Audio)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio capture: %w", err)
	}

	s := &CaptureSession{
		source:          source,
		encoder:         encoder,
		detector:        vad.NewDetector(cfg.SilenceThreshold),
		clock:           SystemClock(),
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		silenceDuration: cfg.SilenceDuration,
		events:          newEventQueue(),
		pumpDone:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	encoder.Init(cfg.Audio.SampleRate, cfg.Audio.Channels, cfg.Compat)
	go s.pump()
	return s, nil
}

// Start begins delivering captured blocks.
func (s *CaptureSession) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrCaptureClosed
	}
	if s.err != nil {
		return s.err
	}
	if !s.recording {
		s.logger.Debug("capture started")
	}
	s.recording = true
	return nil
}

// Stop halts delivery, revokes the silence timer and clears the encoder buffer.
// It is safe to call repeatedly and from the timer callback path.
func (s *CaptureSession) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.stopLocked()
}

// Events returns the ordered capture event stream. Read it from one goroutine at a time.
func (s *CaptureSession) Events() <-chan domain.CaptureEvent {
	return s.events.out
}

// State reports the current voice activity state.
func (s *CaptureSession) State() domain.CaptureStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	voice := domain.VoiceStateIdle
	if s.soundDetected {
		voice = domain.VoiceStateListening
		if s.timer != nil {
			voice = domain.VoiceStateArmed
		}
	}
	return domain.CaptureStatus{Voice: voice, Recording: s.recording, SoundDetected: s.soundDetected}
}

// Err returns the error that terminated the event stream, if any.
func (s *CaptureSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops capture, releases the device and closes the event stream.
func (s *CaptureSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.stopLocked()
	s.closed = true
	s.mu.Unlock()

	s.events.discard()
	return s.source.Close()
}

// HandleBlock runs one block through silence segmentation. Blocks received
// while not recording are ignored. An empty block is a contract violation.
func (s *CaptureSession) HandleBlock(block domain.SampleBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrCaptureClosed
	}
	if !s.recording {
		return nil
	}

	result, err := s.detector.Classify(block)
	if err != nil {
		return err
	}

	if result.Silent {
		if !s.soundDetected {
			return nil
		}
		if s.timer == nil {
			s.armTimerLocked()
		}
	} else {
		s.soundDetected = true
		s.cancelTimerLocked()
	}

	s.events.push(domain.DataEvent(block))
	s.encoder.Append(block)
	return nil
}

func (s *CaptureSession) pump() {
	defer close(s.pumpDone)

	for block := range s.source.Blocks() {
		if err := s.HandleBlock(block); err != nil {
			if errors.Is(err, ErrCaptureClosed) {
				return
			}
			s.fail(fmt.Errorf("capture block rejected: %w", err))
			return
		}
	}

	if err := s.source.Err(); err != nil {
		s.fail(err)
		return
	}
	s.logger.Debug("capture source ended")
	s.events.close()
}

func (s *CaptureSession) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	if !s.closed {
		s.stopLocked()
	}
	s.mu.Unlock()

	s.logger.Error("capture failed", "error", err)
	s.events.close()
}

func (s *CaptureSession) armTimerLocked() {
	s.timerSeq++
	seq := s.timerSeq
	s.timer = s.clock.AfterFunc(s.silenceDuration, func() {
		s.silenceElapsed(seq)
	})
}

func (s *CaptureSession) cancelTimerLocked() {
	if s.timer == nil {
		return
	}
	s.timer.Stop()
	s.timer = nil
	s.timerSeq++
}

// silenceElapsed ends the utterance unless the timer was revoked first.
func (s *CaptureSession) silenceElapsed(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.timer == nil || s.timerSeq != seq {
		return
	}
	s.timer = nil

	s.events.push(domain.UtteranceBoundary())
	s.encoder.Export(exportFormatWAV)
	s.stopLocked()
	s.soundDetected = false
	s.logger.Debug("utterance boundary", "silence", s.silenceDuration)
}

func (s *CaptureSession) stopLocked() {
	if s.recording {
		s.logger.Debug("capture stopped")
	}
	s.recording = false
	s.cancelTimerLocked()
	s.soundDetected = false
	s.encoder.Clear()
}
