package socketio

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"voicechat/internal/ports"
	sio "voicechat/internal/socketio"
)

func TestBuildSocketURL(t *testing.T) {
	t.Parallel()

	got, err := buildSocketURL("https://example.com/", "/ws/socket.io")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "wss://example.com/ws/socket.io/?EIO=4&transport=websocket"
	if got != want {
		t.Fatalf("unexpected url:\n got %s\nwant %s", got, want)
	}

	if _, err := buildSocketURL("ftp://example.com", "/ws"); err == nil {
		t.Fatalf("expected scheme error")
	}
}

func TestInitiate(t *testing.T) {
	t.Parallel()

	var method, path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	backend := NewBackend(Config{BaseURL: server.URL}, nil)
	if err := backend.Initiate(context.Background()); err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	if method != http.MethodPost || path != "/stt" {
		t.Fatalf("unexpected warmup request: %s %s", method, path)
	}
}

func TestInitiateRejectsErrorStatus(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	backend := NewBackend(Config{BaseURL: server.URL}, nil)
	if err := backend.Initiate(context.Background()); err == nil {
		t.Fatalf("expected warmup error")
	}
}

func TestConnectExchangesEvents(t *testing.T) {
	t.Parallel()

	peer := newFakePeer(t)
	defer peer.close()

	backend := NewBackend(Config{BaseURL: peer.server.URL}, nil)
	ch, err := backend.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	if err := ch.Emit("mic", []byte{0x01, 0x02}); err != nil {
		t.Fatalf("emit mic failed: %v", err)
	}
	if err := ch.Emit("stop", nil); err != nil {
		t.Fatalf("emit stop failed: %v", err)
	}

	frames := peer.waitFrames(t, 3)
	if frames[0].text != `451-["mic",{"_placeholder":true,"num":0}]` {
		t.Fatalf("unexpected binary event header: %s", frames[0].text)
	}
	if !bytes.Equal(frames[1].binary, []byte{0x01, 0x02}) {
		t.Fatalf("unexpected attachment: %v", frames[1].binary)
	}
	if frames[2].text != `42["stop"]` {
		t.Fatalf("unexpected stop frame: %s", frames[2].text)
	}

	peer.send(`2`)
	peer.send(`42["transcript","hello"]`)

	select {
	case msg := <-ch.Inbound():
		if msg.Event != "transcript" || msg.Text != "hello" {
			t.Fatalf("unexpected inbound message: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for transcript")
	}

	peer.waitFrame(t, "3")

	peer.send(`41`)
	waitInboundClosed(t, ch.Inbound())
	if err := ch.Close(); err != nil {
		t.Fatalf("expected graceful close, got %v", err)
	}
	if err := ch.Emit("stop", nil); !errors.Is(err, sio.ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed, got %v", err)
	}
}

func TestConnectRejected(t *testing.T) {
	t.Parallel()

	peer := newFakePeer(t)
	peer.reject = true
	defer peer.close()

	backend := NewBackend(Config{BaseURL: peer.server.URL, Timeout: time.Second}, nil)
	if _, err := backend.Connect(context.Background()); err == nil {
		t.Fatalf("expected connect rejection")
	}
}

func TestCloseSendsDisconnect(t *testing.T) {
	t.Parallel()

	peer := newFakePeer(t)
	defer peer.close()

	backend := NewBackend(Config{BaseURL: peer.server.URL}, nil)
	ch, err := backend.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}

	frames := peer.waitFrames(t, 1)
	if frames[0].text != "41" {
		t.Fatalf("expected namespace disconnect, got %q", frames[0].text)
	}
	waitInboundClosed(t, ch.Inbound())
}

func TestCloseFlushesQueuedEvents(t *testing.T) {
	t.Parallel()

	peer := newFakePeer(t)
	defer peer.close()

	backend := NewBackend(Config{BaseURL: peer.server.URL}, nil)
	ch, err := backend.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if err := ch.Emit("mic", []byte{1, 2}); err != nil {
		t.Fatalf("emit mic failed: %v", err)
	}
	if err := ch.Emit("stop", nil); err != nil {
		t.Fatalf("emit stop failed: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	frames := peer.waitFrames(t, 4)
	if !strings.HasPrefix(frames[0].text, "451-") || !bytes.Equal(frames[1].binary, []byte{1, 2}) {
		t.Fatalf("expected binary mic event first, got %#v", frames[:2])
	}
	if frames[2].text != `42["stop"]` {
		t.Fatalf("expected stop before disconnect, got %q", frames[2].text)
	}
	if frames[3].text != "41" {
		t.Fatalf("expected namespace disconnect last, got %q", frames[3].text)
	}
}

type peerFrame struct {
	text   string
	binary []byte
}

// fakePeer is a minimal Socket.IO server: it completes the handshake and
// records every frame the client sends afterwards.
type fakePeer struct {
	server *httptest.Server
	reject bool

	mu     sync.Mutex
	conn   *websocket.Conn
	frames []peerFrame
	ready  chan struct{}
}

func newFakePeer(t *testing.T) *fakePeer {
	t.Helper()

	peer := &fakePeer{ready: make(chan struct{})}
	upgrader := websocket.Upgrader{}
	peer.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/ws/socket.io") || r.URL.Query().Get("EIO") != "4" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`0{"sid":"s1","upgrades":[],"pingInterval":25000,"pingTimeout":20000,"maxPayload":1000000}`))
		_, msg, err := conn.ReadMessage()
		if err != nil || string(msg) != "40" {
			return
		}
		if peer.reject {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`44{"message":"nope"}`))
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`40{"sid":"n1"}`))

		peer.mu.Lock()
		peer.conn = conn
		peer.mu.Unlock()
		close(peer.ready)

		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			peer.mu.Lock()
			if kind == websocket.BinaryMessage {
				peer.frames = append(peer.frames, peerFrame{binary: data})
			} else {
				peer.frames = append(peer.frames, peerFrame{text: string(data)})
			}
			peer.mu.Unlock()
		}
	}))
	return peer
}

func (p *fakePeer) send(frame string) {
	<-p.ready
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

func (p *fakePeer) snapshot() []peerFrame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]peerFrame(nil), p.frames...)
}

func (p *fakePeer) waitFrame(t *testing.T, text string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, f := range p.snapshot() {
			if f.text == text {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for frame %q", text)
}

func (p *fakePeer) waitFrames(t *testing.T, n int) []peerFrame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if frames := p.snapshot(); len(frames) >= n {
			return frames
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d frames, got %d", n, len(p.snapshot()))
	return nil
}

func (p *fakePeer) close() {
	p.server.CloseClientConnections()
	p.server.Close()
}

func waitInboundClosed(t *testing.T, inbound <-chan ports.InboundMessage) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-inbound:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for inbound to close")
		}
	}
}
