package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"voicechat/internal/ports"
	sio "voicechat/internal/socketio"
)

const (
	reasonClientStop       = "stop"
	reasonClientDisconnect = "client_disconnect"
	reasonTransport        = "transport"
	reasonIdle             = "idle"
	reasonRecognizerError  = "recognizer_error"
	reasonRecognizerEnd    = "recognizer_end"
	reasonConnectFailed    = "connect_failed"
	reasonShutdown         = "shutdown"

	writeWait = 5 * time.Second
)

// handleSocket serves one Socket.IO client over a websocket.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("EIO") != "4" || q.Get("transport") != "websocket" {
		http.Error(w, "unsupported transport", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("socket upgrade failed", "error", err)
		return
	}

	sc := newSocketConn(s, conn)
	if err := sc.open(); err != nil {
		s.logger.Warn("socket open failed", "sid", sc.sid, "error", err)
		_ = conn.Close()
		return
	}
	s.metrics.socketOpened()
	s.track(sc)
	defer s.untrack(sc)
	sc.logger.Info("client connected")

	go sc.writeLoop()
	go sc.pingLoop()
	sc.readLoop(r.Context())
	<-sc.writerDone
}

func (s *Server) track(c *socketConn) {
	s.socketsMu.Lock()
	s.sockets[c] = struct{}{}
	s.socketsMu.Unlock()
}

func (s *Server) untrack(c *socketConn) {
	s.socketsMu.Lock()
	delete(s.sockets, c)
	s.socketsMu.Unlock()
}

// CloseSockets disconnects every live transcription socket. Hijacked
// connections are not covered by http.Server.Shutdown.
func (s *Server) CloseSockets() {
	s.socketsMu.Lock()
	conns := make([]*socketConn, 0, len(s.sockets))
	for c := range s.sockets {
		conns = append(conns, c)
	}
	s.socketsMu.Unlock()

	for _, c := range conns {
		c.end(reasonShutdown)
	}
}

// socketConn is the per-client relay state. The writer goroutine is the only
// websocket writer; the handler goroutine is the only reader.
type socketConn struct {
	srv    *Server
	conn   *websocket.Conn
	sid    string
	logger *slog.Logger

	out        chan []byte
	closing    chan struct{}
	writerDone chan struct{}

	transcript *transcriptBuilder

	// pending binary event waiting for its attachments
	pendingEvent string
	pendingArgs  []json.RawMessage
	pendingNeed  int
	attachments  [][]byte

	mu       sync.Mutex
	stream   ports.StreamingSession
	cancel   context.CancelFunc
	idle     *time.Timer
	stopping bool
	ended    bool
}

func newSocketConn(s *Server, conn *websocket.Conn) *socketConn {
	sid := uuid.NewString()
	return &socketConn{
		srv:        s,
		conn:       conn,
		sid:        sid,
		logger:     s.logger.With("sid", sid),
		out:        make(chan []byte, 64),
		closing:    make(chan struct{}),
		writerDone: make(chan struct{}),
		transcript: newTranscriptBuilder(),
	}
}

func (c *socketConn) open() error {
	payload, err := json.Marshal(sio.OpenPayload{
		SID:          c.sid,
		Upgrades:     []string{},
		PingInterval: int(c.srv.cfg.PingInterval / time.Millisecond),
		PingTimeout:  int(c.srv.cfg.PingTimeout / time.Millisecond),
		MaxPayload:   maxPayload,
	})
	if err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, sio.EncodeEngine(sio.EngineOpen, payload))
}

func (c *socketConn) send(frame []byte) {
	select {
	case <-c.closing:
		return
	default:
	}
	select {
	case c.out <- frame:
	case <-c.closing:
	}
}

func (c *socketConn) writeLoop() {
	defer close(c.writerDone)

	write := func(frame []byte) error {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		return c.conn.WriteMessage(websocket.TextMessage, frame)
	}

	for {
		select {
		case frame := <-c.out:
			if err := write(frame); err != nil {
				c.end(reasonTransport)
				_ = c.conn.Close()
				return
			}
		case <-c.closing:
		drain:
			for {
				select {
				case frame := <-c.out:
					if err := write(frame); err != nil {
						_ = c.conn.Close()
						return
					}
				default:
					break drain
				}
			}
			_ = write(sio.Packet{Type: sio.PacketDisconnect}.Encode())
			_ = c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			_ = c.conn.Close()
			return
		}
	}
}

func (c *socketConn) pingLoop() {
	ticker := time.NewTicker(c.srv.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.send(sio.EncodeEngine(sio.EnginePing, nil))
		case <-c.closing:
			return
		}
	}
}

func (c *socketConn) readLoop(ctx context.Context) {
	timeout := c.srv.cfg.PingInterval + c.srv.cfg.PingTimeout
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
		kind, frame, err := c.conn.ReadMessage()
		if err != nil {
			c.end(reasonTransport)
			return
		}

		if kind == websocket.BinaryMessage {
			c.handleAttachment(frame)
			continue
		}

		engineKind, payload, err := sio.DecodeEngine(frame)
		if err != nil {
			c.logger.Debug("ignoring engine frame", "error", err)
			continue
		}
		switch engineKind {
		case sio.EnginePing:
			c.send(sio.EncodeEngine(sio.EnginePong, payload))
		case sio.EngineClose:
			c.end(reasonClientDisconnect)
		case sio.EngineMessage:
			c.handlePacket(ctx, payload)
		}
	}
}

func (c *socketConn) handlePacket(ctx context.Context, payload []byte) {
	packet, err := sio.DecodePacket(payload)
	if err != nil {
		c.logger.Debug("ignoring socket packet", "error", err)
		return
	}

	switch packet.Type {
	case sio.PacketConnect:
		c.connect(ctx)
	case sio.PacketDisconnect:
		c.end(reasonClientDisconnect)
	case sio.PacketEvent:
		name, args, err := packet.Event()
		if err != nil {
			c.logger.Debug("ignoring socket event", "error", err)
			return
		}
		c.dispatch(name, args, nil)
	case sio.PacketBinaryEvent:
		name, args, err := packet.Event()
		if err != nil {
			c.logger.Debug("ignoring binary event", "error", err)
			return
		}
		if packet.Attachments == 0 {
			c.dispatch(name, args, nil)
			return
		}
		c.pendingEvent, c.pendingArgs = name, args
		c.pendingNeed = packet.Attachments
		c.attachments = c.attachments[:0]
	}
}

func (c *socketConn) handleAttachment(data []byte) {
	if c.pendingNeed == 0 {
		return
	}
	c.attachments = append(c.attachments, data)
	if len(c.attachments) < c.pendingNeed {
		return
	}
	name, args, attachments := c.pendingEvent, c.pendingArgs, c.attachments
	c.pendingEvent, c.pendingArgs, c.pendingNeed = "", nil, 0
	c.attachments = nil
	c.dispatch(name, args, attachments)
}

func (c *socketConn) dispatch(name string, args []json.RawMessage, attachments [][]byte) {
	switch name {
	case "mic":
		if len(args) == 0 {
			return
		}
		idx, ok := sio.PlaceholderIndex(args[0])
		if !ok || idx < 0 || idx >= len(attachments) {
			return
		}
		c.sendAudio(attachments[idx])
	case "stop":
		c.logger.Debug("stop requested")
		c.requestStop()
	default:
		c.logger.Debug("ignoring event", "event", name)
	}
}

// connect acknowledges the namespace and starts the recognizer stream.
func (c *socketConn) connect(parent context.Context) {
	c.mu.Lock()
	if c.stream != nil || c.ended {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if c.srv.recognizer == nil {
		c.rejectConnect("transcription is not configured")
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	stream, err := c.srv.recognizer.StartStreaming(ctx, c.srv.cfg.Streaming)
	if err != nil {
		cancel()
		c.logger.Error("recognizer start failed", "error", err)
		sentry.CaptureException(err)
		c.rejectConnect("transcription unavailable")
		return
	}

	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		cancel()
		_ = stream.Close()
		return
	}
	c.stream, c.cancel = stream, cancel
	c.mu.Unlock()

	ack, _ := json.Marshal(map[string]string{"sid": uuid.NewString()})
	c.send(sio.Packet{Type: sio.PacketConnect, Data: ack}.Encode())
	go c.relayTranscripts(stream)
}

func (c *socketConn) rejectConnect(message string) {
	data, _ := json.Marshal(map[string]string{"message": message})
	c.send(sio.Packet{Type: sio.PacketConnectError, Data: data}.Encode())
	c.end(reasonConnectFailed)
}

func (c *socketConn) sendAudio(chunk []byte) {
	c.mu.Lock()
	stream := c.stream
	stopping := c.stopping
	c.mu.Unlock()
	if stream == nil || stopping {
		return
	}
	if err := stream.SendAudio(chunk); err != nil {
		c.logger.Debug("recognizer rejected audio", "error", err)
		return
	}
	c.srv.metrics.AudioBytes.Add(float64(len(chunk)))
}

// requestStop flushes the recognizer so final results can still be relayed.
// The connection ends when the recognizer finishes or the idle timer fires.
func (c *socketConn) requestStop() {
	c.mu.Lock()
	stream := c.stream
	if stream == nil || c.stopping {
		c.mu.Unlock()
		if stream == nil {
			c.end(reasonClientStop)
		}
		return
	}
	c.stopping = true
	c.armIdleLocked(reasonClientStop)
	c.mu.Unlock()

	_ = stream.CloseSend()
}

func (c *socketConn) relayTranscripts(stream ports.StreamingSession) {
	for event := range stream.Events() {
		if !c.transcript.Add(event) {
			continue
		}
		text := c.transcript.Text()
		packet, err := sio.NewEvent("transcript", text)
		if err != nil {
			continue
		}
		c.send(packet.Encode())
		c.srv.metrics.TranscriptsEmitted.Inc()
		c.logger.Debug("transcript", "text", text, "final", event.Kind)

		c.mu.Lock()
		c.armIdleLocked(reasonIdle)
		c.mu.Unlock()
	}

	if err := stream.Wait(); err != nil {
		c.logger.Warn("recognizer stream failed", "error", err)
		c.end(reasonRecognizerError)
		return
	}

	c.mu.Lock()
	pending := c.idle != nil && !c.stopping
	c.mu.Unlock()
	if !pending {
		c.end(reasonRecognizerEnd)
	}
}

func (c *socketConn) armIdleLocked(reason string) {
	if c.ended {
		return
	}
	if c.idle != nil {
		c.idle.Stop()
	}
	c.idle = time.AfterFunc(c.srv.cfg.IdleTimeout, func() { c.end(reason) })
}

// end tears the connection down once: timer, recognizer, disconnect packet, socket.
func (c *socketConn) end(reason string) {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	if c.idle != nil {
		c.idle.Stop()
		c.idle = nil
	}
	stream, cancel := c.stream, c.cancel
	c.mu.Unlock()

	close(c.closing)
	if stream != nil {
		_ = stream.Close()
	}
	if cancel != nil {
		cancel()
	}
	c.srv.metrics.socketClosed(reason)
	c.logger.Info("client disconnected", "reason", reason)
}
