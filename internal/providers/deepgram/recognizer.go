package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"voicechat/internal/domain"
	"voicechat/internal/ports"
)

const (
	defaultAPIBaseURL = "https://api.deepgram.com/v1"
	defaultModel      = "nova-2"
	defaultLanguage   = "ja"
	defaultKeepAlive  = 5 * time.Second

	keepAliveMessage   = `{"type":"KeepAlive"}`
	closeStreamMessage = `{"type":"CloseStream"}`
)

// Config controls Deepgram live recognition.
type Config struct {
	APIKey      string
	APIBaseURL  string
	Model       string
	Language    string
	SmartFormat bool
	// KeepAlive is how long the socket may go without audio before a keepalive is sent.
	KeepAlive time.Duration
}

// Recognizer implements ports.TranscriptionProvider against the Deepgram live API.
type Recognizer struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *slog.Logger
}

func NewRecognizer(cfg Config, logger *slog.Logger) *Recognizer {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Language == "" {
		cfg.Language = defaultLanguage
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = defaultKeepAlive
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Recognizer{cfg: cfg, dialer: websocket.DefaultDialer, logger: logger}
}

// StartStreaming opens a live recognition socket. The stream ends when ctx is cancelled.
func (r *Recognizer) StartStreaming(ctx context.Context, cfg ports.StreamingConfig) (ports.StreamingSession, error) {
	if strings.TrimSpace(r.cfg.APIKey) == "" {
		return nil, errors.New("DEEPGRAM_API_KEY is not configured")
	}

	wsURL, err := buildListenURL(r.cfg, cfg)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+r.cfg.APIKey)

	conn, _, err := r.dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Deepgram websocket: %w", err)
	}

	stream := &recognizerStream{
		conn:      conn,
		logger:    r.logger,
		keepAlive: r.cfg.KeepAlive,
		events:    make(chan domain.TranscriptEvent, 64),
		audio:     make(chan []byte, 32),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}

	stream.wg.Add(2)
	go stream.readLoop()
	go stream.writeLoop()
	go func() {
		stream.wg.Wait()
		close(stream.events)
		_ = conn.Close()
		close(stream.done)
	}()

	go func() {
		select {
		case <-ctx.Done():
			_ = stream.Close()
		case <-stream.done:
		}
	}()

	return stream, nil
}

type recognizerStream struct {
	conn      *websocket.Conn
	logger    *slog.Logger
	keepAlive time.Duration

	events  chan domain.TranscriptEvent
	audio   chan []byte
	closing chan struct{}
	done    chan struct{}

	wg sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeSendOnce sync.Once
	shutdownOnce  sync.Once
	sendMu        sync.RWMutex
	sendClosed    bool
}

func (s *recognizerStream) SendAudio(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}

	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.sendClosed {
		return errors.New("audio stream is already closed")
	}

	copied := append([]byte(nil), chunk...)
	select {
	case s.audio <- copied:
		return nil
	case <-s.closing:
		if err := s.waitErr(); err != nil {
			return err
		}
		return errors.New("recognizer stream closed")
	}
}

// CloseSend flushes queued audio and asks Deepgram to finalize the stream.
func (s *recognizerStream) CloseSend() error {
	s.closeSendOnce.Do(func() {
		s.sendMu.Lock()
		s.sendClosed = true
		close(s.audio)
		s.sendMu.Unlock()
	})
	return nil
}

func (s *recognizerStream) Events() <-chan domain.TranscriptEvent {
	return s.events
}

func (s *recognizerStream) Wait() error {
	<-s.done
	return s.waitErr()
}

func (s *recognizerStream) Close() error {
	s.shutdown()
	<-s.done
	return s.waitErr()
}

// shutdown stops both loops without waiting for them.
func (s *recognizerStream) shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.closing)
		_ = s.conn.Close()
	})
}

func (s *recognizerStream) waitErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *recognizerStream) setErr(err error) {
	if err == nil {
		return
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) {
		return
	}
	select {
	case <-s.closing:
		return
	default:
	}

	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *recognizerStream) writeLoop() {
	defer s.wg.Done()

	idle := time.NewTimer(s.keepAlive)
	defer idle.Stop()

	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				if err := s.conn.WriteMessage(websocket.TextMessage, []byte(closeStreamMessage)); err != nil {
					s.setErr(fmt.Errorf("failed to close stream: %w", err))
					s.shutdown()
				}
				return
			}
			if err := s.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				s.setErr(fmt.Errorf("failed to send audio: %w", err))
				s.shutdown()
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.keepAlive)
		case <-idle.C:
			if err := s.conn.WriteMessage(websocket.TextMessage, []byte(keepAliveMessage)); err != nil {
				s.setErr(fmt.Errorf("failed to send keepalive: %w", err))
				s.shutdown()
				return
			}
			idle.Reset(s.keepAlive)
		case <-s.closing:
			return
		}
	}
}

func (s *recognizerStream) readLoop() {
	defer s.wg.Done()
	defer s.shutdown()

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			s.setErr(fmt.Errorf("failed to read recognizer event: %w", err))
			return
		}

		var response liveResponse
		if err := json.Unmarshal(payload, &response); err != nil {
			s.logger.Debug("ignoring recognizer payload", "error", err)
			continue
		}

		if strings.EqualFold(response.Type, "Error") {
			message := strings.TrimSpace(response.Message)
			if message == "" {
				message = "deepgram returned an unknown error"
			}
			s.setErr(errors.New(message))
			return
		}

		transcript := extractTranscript(response)
		if transcript == "" {
			continue
		}

		event := domain.TranscriptEvent{Text: transcript, IsSpeechFinal: response.SpeechFinal}
		if response.IsFinal || response.SpeechFinal {
			event.Kind = domain.TranscriptKindFinal
		} else {
			event.Kind = domain.TranscriptKindPartial
		}
		select {
		case s.events <- event:
		case <-s.closing:
			return
		}
	}
}

type alternatives []struct {
	Transcript string `json:"transcript"`
}

type liveResponse struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`

	Channel struct {
		Alternatives alternatives `json:"alternatives"`
	} `json:"channel"`

	Results struct {
		Channels []struct {
			Alternatives alternatives `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

func extractTranscript(response liveResponse) string {
	if len(response.Channel.Alternatives) > 0 {
		if text := strings.TrimSpace(response.Channel.Alternatives[0].Transcript); text != "" {
			return text
		}
	}
	if len(response.Results.Channels) > 0 && len(response.Results.Channels[0].Alternatives) > 0 {
		return strings.TrimSpace(response.Results.Channels[0].Alternatives[0].Transcript)
	}
	return ""
}

func buildListenURL(recognizerCfg Config, streamCfg ports.StreamingConfig) (string, error) {
	base := strings.TrimSpace(recognizerCfg.APIBaseURL)
	if base == "" {
		base = defaultAPIBaseURL
	}

	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	base = strings.TrimRight(base, "/")

	listenURL, err := url.Parse(base + "/listen")
	if err != nil {
		return "", fmt.Errorf("invalid Deepgram API base URL: %w", err)
	}

	if streamCfg.Encoding == "" {
		streamCfg.Encoding = "linear16"
	}
	if streamCfg.SampleRate <= 0 {
		streamCfg.SampleRate = 16000
	}
	if streamCfg.Channels <= 0 {
		streamCfg.Channels = 1
	}

	query := listenURL.Query()
	query.Set("model", recognizerCfg.Model)
	query.Set("encoding", streamCfg.Encoding)
	query.Set("sample_rate", fmt.Sprintf("%d", streamCfg.SampleRate))
	query.Set("channels", fmt.Sprintf("%d", streamCfg.Channels))
	query.Set("interim_results", fmt.Sprintf("%t", streamCfg.InterimResults))
	query.Set("smart_format", fmt.Sprintf("%t", recognizerCfg.SmartFormat))
	if recognizerCfg.Language != "" {
		query.Set("language", recognizerCfg.Language)
	}
	listenURL.RawQuery = query.Encode()
	return listenURL.String(), nil
}
