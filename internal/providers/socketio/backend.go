package socketio

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

	"voicechat/internal/ports"
	sio "voicechat/internal/socketio"
)

const (
	defaultBaseURL    = "http://localhost:8080"
	defaultSocketPath = "/ws/socket.io"
	defaultWarmupPath = "/stt"
	defaultTimeout    = 10 * time.Second

	closeGrace = time.Second
)

// Config controls the transcription backend endpoints.
type Config struct {
	BaseURL    string
	SocketPath string
	WarmupPath string
	Timeout    time.Duration
}

// Backend implements ports.TranscriptionBackend over HTTP and a Socket.IO websocket.
type Backend struct {
	cfg    Config
	client *http.Client
	dialer *websocket.Dialer
	logger *slog.Logger
}

func NewBackend(cfg Config, logger *slog.Logger) *Backend {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = defaultSocketPath
	}
	if cfg.WarmupPath == "" {
		cfg.WarmupPath = defaultWarmupPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Backend{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.Timeout},
		logger: logger,
	}
}

// Initiate performs the session-initiation request. Any 2xx response succeeds.
func (b *Backend) Initiate(ctx context.Context) error {
	endpoint := strings.TrimRight(b.cfg.BaseURL, "/") + b.cfg.WarmupPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build warmup request: %w", err)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("warmup request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("warmup request failed: %s", resp.Status)
	}
	return nil
}

// Connect dials the Socket.IO endpoint and completes the namespace handshake.
// The context bounds the handshake only; the channel lives until closed.
func (b *Backend) Connect(ctx context.Context) (ports.DuplexChannel, error) {
	wsURL, err := buildSocketURL(b.cfg.BaseURL, b.cfg.SocketPath)
	if err != nil {
		return nil, err
	}

	conn, _, err := b.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to transcription socket: %w", err)
	}

	deadline := time.Now().Add(b.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	open, err := handshake(conn, deadline)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	b.logger.Debug("socket handshake complete", "sid", open.SID)

	return newChannel(conn, open, b.logger), nil
}

func handshake(conn *websocket.Conn, deadline time.Time) (sio.OpenPayload, error) {
	var open sio.OpenPayload
	_ = conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	_, frame, err := conn.ReadMessage()
	if err != nil {
		return open, fmt.Errorf("failed to read engine open: %w", err)
	}
	kind, payload, err := sio.DecodeEngine(frame)
	if err != nil {
		return open, err
	}
	if kind != sio.EngineOpen {
		return open, fmt.Errorf("expected engine open, got %q", kind)
	}
	if err := json.Unmarshal(payload, &open); err != nil {
		return open, fmt.Errorf("invalid engine open payload: %w", err)
	}

	if err := conn.WriteMessage(websocket.TextMessage, sio.Packet{Type: sio.PacketConnect}.Encode()); err != nil {
		return open, fmt.Errorf("failed to send namespace connect: %w", err)
	}

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return open, fmt.Errorf("failed to read namespace connect: %w", err)
		}
		kind, payload, err := sio.DecodeEngine(frame)
		if err != nil {
			return open, err
		}
		switch kind {
		case sio.EnginePing:
			if err := conn.WriteMessage(websocket.TextMessage, sio.EncodeEngine(sio.EnginePong, payload)); err != nil {
				return open, fmt.Errorf("failed to answer ping: %w", err)
			}
			continue
		case sio.EngineClose:
			return open, errors.New("transcription socket closed during handshake")
		case sio.EngineMessage:
		default:
			continue
		}

		packet, err := sio.DecodePacket(payload)
		if err != nil {
			return open, err
		}
		switch packet.Type {
		case sio.PacketConnect:
			return open, nil
		case sio.PacketConnectError:
			return open, fmt.Errorf("namespace connect rejected: %s", strings.TrimSpace(string(packet.Data)))
		}
	}
}

func buildSocketURL(base string, socketPath string) (string, error) {
	base = strings.TrimSpace(base)
	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	base = strings.TrimRight(base, "/")

	socketURL, err := url.Parse(base + "/" + strings.Trim(socketPath, "/") + "/")
	if err != nil {
		return "", fmt.Errorf("invalid transcription backend URL: %w", err)
	}
	if socketURL.Scheme != "ws" && socketURL.Scheme != "wss" {
		return "", fmt.Errorf("invalid transcription backend URL scheme %q", socketURL.Scheme)
	}
	socketURL.RawQuery = sio.Query
	return socketURL.String(), nil
}

type outboundMessage [][]byte

// channel is a live Socket.IO session. All writes go through writeLoop.
type channel struct {
	conn   *websocket.Conn
	logger *slog.Logger

	inbound  chan ports.InboundMessage
	outbound chan outboundMessage
	control  chan []byte
	stop     chan struct{}
	readDone chan struct{}
	done     chan struct{}

	readTimeout time.Duration

	wg sync.WaitGroup

	errMu sync.Mutex
	err   error

	stopOnce sync.Once
}

func newChannel(conn *websocket.Conn, open sio.OpenPayload, logger *slog.Logger) *channel {
	c := &channel{
		conn:     conn,
		logger:   logger,
		inbound:  make(chan ports.InboundMessage, 32),
		outbound: make(chan outboundMessage, 32),
		control:  make(chan []byte, 4),
		stop:     make(chan struct{}),
		readDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
	if open.PingInterval > 0 {
		c.readTimeout = time.Duration(open.PingInterval+open.PingTimeout) * time.Millisecond
	}

	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()
	go func() {
		c.wg.Wait()
		_ = conn.Close()
		close(c.done)
	}()
	return c
}

// Emit sends an event. A non-nil payload travels as one binary attachment.
func (c *channel) Emit(event string, payload []byte) error {
	var msg outboundMessage
	if payload != nil {
		msg = outboundMessage{
			sio.NewBinaryEvent(event).Encode(),
			append([]byte(nil), payload...),
		}
	} else {
		packet, err := sio.NewEvent(event)
		if err != nil {
			return err
		}
		msg = outboundMessage{packet.Encode()}
	}

	select {
	case <-c.stop:
		return c.closedErr()
	default:
	}

	select {
	case c.outbound <- msg:
		return nil
	case <-c.stop:
		return c.closedErr()
	}
}

func (c *channel) Inbound() <-chan ports.InboundMessage {
	return c.inbound
}

func (c *channel) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close sends a namespace disconnect and waits for both loops to exit.
func (c *channel) Close() error {
	c.shutdown()
	<-c.done
	return c.Err()
}

func (c *channel) shutdown() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *channel) closedErr() error {
	if err := c.Err(); err != nil {
		return err
	}
	return sio.ErrChannelClosed
}

func (c *channel) setErr(err error) {
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

	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *channel) stopping() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

func (c *channel) writeLoop() {
	defer c.wg.Done()

	for {
		select {
		case frame := <-c.control:
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.setErr(fmt.Errorf("failed to send pong: %w", err))
				c.shutdown()
				_ = c.conn.Close()
				return
			}
		case msg := <-c.outbound:
			if err := c.writeMessage(msg); err != nil {
				c.setErr(err)
				c.shutdown()
				_ = c.conn.Close()
				return
			}
		case <-c.stop:
			// Events accepted before Close still go out ahead of the disconnect.
		drain:
			for {
				select {
				case frame := <-c.control:
					if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
						break drain
					}
				case msg := <-c.outbound:
					if err := c.writeMessage(msg); err != nil {
						break drain
					}
				default:
					break drain
				}
			}
			_ = c.conn.WriteMessage(websocket.TextMessage, sio.Packet{Type: sio.PacketDisconnect}.Encode())
			_ = c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			select {
			case <-c.readDone:
			case <-time.After(closeGrace):
			}
			_ = c.conn.Close()
			return
		}
	}
}

func (c *channel) writeMessage(msg outboundMessage) error {
	for i, frame := range msg {
		kind := websocket.TextMessage
		if i > 0 {
			kind = websocket.BinaryMessage
		}
		if err := c.conn.WriteMessage(kind, frame); err != nil {
			return fmt.Errorf("failed to send event: %w", err)
		}
	}
	return nil
}

func (c *channel) readLoop() {
	defer c.wg.Done()
	defer close(c.readDone)
	defer close(c.inbound)
	defer c.shutdown()

	for {
		if c.readTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		}
		kind, frame, err := c.conn.ReadMessage()
		if err != nil {
			if !c.stopping() {
				c.setErr(fmt.Errorf("failed to read socket event: %w", err))
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}

		engineKind, payload, err := sio.DecodeEngine(frame)
		if err != nil {
			c.logger.Debug("ignoring engine frame", "error", err)
			continue
		}
		switch engineKind {
		case sio.EnginePing:
			select {
			case c.control <- sio.EncodeEngine(sio.EnginePong, payload):
			default:
			}
			continue
		case sio.EngineClose:
			return
		case sio.EngineMessage:
		default:
			continue
		}

		packet, err := sio.DecodePacket(payload)
		if err != nil {
			c.logger.Debug("ignoring socket packet", "error", err)
			continue
		}
		switch packet.Type {
		case sio.PacketDisconnect:
			return
		case sio.PacketEvent:
		default:
			continue
		}

		name, args, err := packet.Event()
		if err != nil {
			c.logger.Debug("ignoring socket event", "error", err)
			continue
		}
		text, _ := sio.StringArg(args, 0)
		select {
		case c.inbound <- ports.InboundMessage{Event: name, Text: text}:
		case <-c.stop:
			return
		}
	}
}
