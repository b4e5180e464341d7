// Package server is the relay backend: session warmup, chat completion
// streaming and the Socket.IO transcription endpoint.
package server

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/websocket"

	"voicechat/internal/ports"
)

const (
	defaultSocketPath   = "/ws/socket.io"
	defaultIdleTimeout  = time.Second
	defaultPingInterval = 25 * time.Second
	defaultPingTimeout  = 20 * time.Second
	maxPayload          = 1 << 20
)

// Config controls relay behavior.
type Config struct {
	SocketPath   string
	IdleTimeout  time.Duration
	PingInterval time.Duration
	PingTimeout  time.Duration
	Streaming    ports.StreamingConfig
}

// Server routes relay requests to the recognizer and the completer.
type Server struct {
	cfg        Config
	recognizer ports.TranscriptionProvider
	completer  ports.ChatCompleter
	metrics    *Metrics
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	mux        *http.ServeMux

	socketsMu sync.Mutex
	sockets   map[*socketConn]struct{}
}

func New(
	cfg Config,
	recognizer ports.TranscriptionProvider,
	completer ports.ChatCompleter,
	metrics *Metrics,
	logger *slog.Logger,
) *Server {
	if cfg.SocketPath == "" {
		cfg.SocketPath = defaultSocketPath
	}
	cfg.SocketPath = "/" + strings.Trim(cfg.SocketPath, "/") + "/"
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = defaultPingTimeout
	}
	if cfg.Streaming.SampleRate <= 0 {
		cfg.Streaming.SampleRate = 16000
	}
	if cfg.Streaming.Channels <= 0 {
		cfg.Streaming.Channels = 1
	}
	if cfg.Streaming.Encoding == "" {
		cfg.Streaming.Encoding = "linear16"
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := &Server{
		cfg:        cfg,
		recognizer: recognizer,
		completer:  completer,
		metrics:    metrics,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		mux:     http.NewServeMux(),
		sockets: make(map[*socketConn]struct{}),
	}
	s.setupRoutes()
	return s
}

// Handler returns the root handler for an http.Server. Panics are reported to
// Sentry and answered with a 500.
func (s *Server) Handler() http.Handler {
	return withSentryRecovery(s.mux)
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/stt", s.withMetrics("/stt", s.handleWarmup))
	s.mux.HandleFunc("/chat_completion", s.withMetrics("/chat_completion", s.handleChatCompletion))
	s.mux.HandleFunc(s.cfg.SocketPath, s.handleSocket)
	s.mux.Handle("/metrics", s.metrics.Handler())
}

// handleWarmup answers the session-initiation request with an empty object.
func (s *Server) handleWarmup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, "{}")
}

// withMetrics records request counts and latency, and answers CORS preflights.
func (s *Server) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		setCORSHeaders(w.Header())
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		if r.Method == http.MethodOptions {
			ww.WriteHeader(http.StatusNoContent)
		} else {
			handler(ww, r)
		}

		s.metrics.RecordHTTPRequest(r.Method, endpoint, strconv.Itoa(ww.statusCode), time.Since(start).Seconds())
	}
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(r)
				hub.RecoverWithContext(r.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func setCORSHeaders(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type")
}

// responseWriter captures the status code and keeps streaming responses flushable.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(p []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(p)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
