package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"voicechat/internal/domain"
	"voicechat/internal/ports"
	"voicechat/internal/providers/socketio"
)

type fakeRecognizer struct {
	mu      sync.Mutex
	streams []*fakeStream
	err     error
	started chan *fakeStream
}

func newFakeRecognizer() *fakeRecognizer {
	return &fakeRecognizer{started: make(chan *fakeStream, 4)}
}

func (f *fakeRecognizer) StartStreaming(_ context.Context, _ ports.StreamingConfig) (ports.StreamingSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := &fakeStream{
		events:    make(chan domain.TranscriptEvent, 8),
		audio:     make(chan []byte, 8),
		closeSend: make(chan struct{}),
	}
	f.streams = append(f.streams, s)
	f.started <- s
	return s, nil
}

type fakeStream struct {
	mu        sync.Mutex
	events    chan domain.TranscriptEvent
	audio     chan []byte
	closeSend chan struct{}
	sendOnce  sync.Once
	finished  bool
	closed    bool
	err       error
}

func (s *fakeStream) SendAudio(chunk []byte) error {
	s.audio <- append([]byte(nil), chunk...)
	return nil
}

func (s *fakeStream) CloseSend() error {
	s.sendOnce.Do(func() { close(s.closeSend) })
	return nil
}

func (s *fakeStream) Events() <-chan domain.TranscriptEvent { return s.events }

func (s *fakeStream) Wait() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.finish(nil)
	return nil
}

func (s *fakeStream) emit(ev domain.TranscriptEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.events <- ev
}

func (s *fakeStream) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	if s.err == nil {
		s.err = err
	}
	close(s.events)
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func startRelay(t *testing.T, recognizer ports.TranscriptionProvider, idle time.Duration) (*Server, *socketio.Backend) {
	t.Helper()
	srv := New(Config{IdleTimeout: idle}, recognizer, nil, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(srv.CloseSockets)
	return srv, socketio.NewBackend(socketio.Config{BaseURL: ts.URL, Timeout: 2 * time.Second}, nil)
}

func connect(t *testing.T, backend *socketio.Backend) ports.DuplexChannel {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ch, err := backend.Connect(ctx)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func waitStream(t *testing.T, r *fakeRecognizer) *fakeStream {
	t.Helper()
	select {
	case s := <-r.started:
		return s
	case <-time.After(2 * time.Second):
		t.Fatalf("recognizer stream not started")
		return nil
	}
}

func waitInbound(t *testing.T, ch ports.DuplexChannel) ports.InboundMessage {
	t.Helper()
	select {
	case msg, ok := <-ch.Inbound():
		if !ok {
			t.Fatalf("channel closed before message arrived")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for inbound message")
		return ports.InboundMessage{}
	}
}

func waitDisconnected(t *testing.T, ch ports.DuplexChannel) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch.Inbound():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for disconnect")
		}
	}
}

func TestSocketRelaysAudioAndTranscripts(t *testing.T) {
	t.Parallel()

	recognizer := newFakeRecognizer()
	srv, backend := startRelay(t, recognizer, time.Minute)
	ch := connect(t, backend)
	stream := waitStream(t, recognizer)

	pcm := []byte{0xff, 0x7f, 0x00, 0x80}
	if err := ch.Emit("mic", pcm); err != nil {
		t.Fatalf("emit failed: %v", err)
	}
	select {
	case got := <-stream.audio:
		if !bytes.Equal(got, pcm) {
			t.Fatalf("unexpected audio %x", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("audio never reached recognizer")
	}

	stream.emit(domain.TranscriptEvent{Kind: domain.TranscriptKindPartial, Text: "こん"})
	if msg := waitInbound(t, ch); msg.Event != "transcript" || msg.Text != "こん" {
		t.Fatalf("unexpected message %#v", msg)
	}
	stream.emit(domain.TranscriptEvent{Kind: domain.TranscriptKindFinal, Text: "こんにちは"})
	if msg := waitInbound(t, ch); msg.Text != "こんにちは" {
		t.Fatalf("unexpected message %#v", msg)
	}

	if n := testutil.ToFloat64(srv.metrics.AudioBytes); n != float64(len(pcm)) {
		t.Fatalf("expected %d audio bytes counted, got %v", len(pcm), n)
	}
	if n := testutil.ToFloat64(srv.metrics.TranscriptsEmitted); n != 2 {
		t.Fatalf("expected 2 transcripts counted, got %v", n)
	}
}

func TestSocketIdleTimeoutDisconnects(t *testing.T) {
	t.Parallel()

	recognizer := newFakeRecognizer()
	srv, backend := startRelay(t, recognizer, 50*time.Millisecond)
	ch := connect(t, backend)
	stream := waitStream(t, recognizer)

	stream.emit(domain.TranscriptEvent{Kind: domain.TranscriptKindFinal, Text: "hello"})
	_ = waitInbound(t, ch)
	waitDisconnected(t, ch)

	if !stream.isClosed() {
		t.Fatalf("expected recognizer stream to be closed")
	}
	if err := ch.Err(); err != nil {
		t.Fatalf("expected graceful disconnect, got %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for testutil.ToFloat64(srv.metrics.SocketsClosed.WithLabelValues(reasonIdle)) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("idle disconnect not counted")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSocketStopFlushesRecognizer(t *testing.T) {
	t.Parallel()

	recognizer := newFakeRecognizer()
	_, backend := startRelay(t, recognizer, time.Minute)
	ch := connect(t, backend)
	stream := waitStream(t, recognizer)

	if err := ch.Emit("stop", nil); err != nil {
		t.Fatalf("emit stop failed: %v", err)
	}
	select {
	case <-stream.closeSend:
	case <-time.After(2 * time.Second):
		t.Fatalf("stop did not flush recognizer")
	}

	stream.emit(domain.TranscriptEvent{Kind: domain.TranscriptKindFinal, Text: "last words"})
	stream.finish(nil)

	if msg := waitInbound(t, ch); msg.Text != "last words" {
		t.Fatalf("unexpected message %#v", msg)
	}
	waitDisconnected(t, ch)
}

func TestSocketRecognizerEndWithoutTranscriptDisconnects(t *testing.T) {
	t.Parallel()

	recognizer := newFakeRecognizer()
	_, backend := startRelay(t, recognizer, time.Minute)
	ch := connect(t, backend)
	stream := waitStream(t, recognizer)

	stream.finish(nil)
	waitDisconnected(t, ch)
}

func TestSocketRecognizerErrorDisconnects(t *testing.T) {
	t.Parallel()

	recognizer := newFakeRecognizer()
	srv, backend := startRelay(t, recognizer, time.Minute)
	ch := connect(t, backend)
	stream := waitStream(t, recognizer)

	stream.finish(errors.New("provider closed"))
	waitDisconnected(t, ch)

	deadline := time.Now().Add(time.Second)
	for testutil.ToFloat64(srv.metrics.SocketsClosed.WithLabelValues(reasonRecognizerError)) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("recognizer error not counted")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSocketConnectRejectedWhenRecognizerFails(t *testing.T) {
	t.Parallel()

	recognizer := newFakeRecognizer()
	recognizer.err = errors.New("no api key")
	_, backend := startRelay(t, recognizer, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := backend.Connect(ctx); err == nil {
		t.Fatalf("expected connect to be rejected")
	}
}

func TestCloseSocketsDisconnectsClients(t *testing.T) {
	t.Parallel()

	recognizer := newFakeRecognizer()
	srv, backend := startRelay(t, recognizer, time.Minute)
	ch := connect(t, backend)
	stream := waitStream(t, recognizer)

	srv.CloseSockets()
	waitDisconnected(t, ch)
	if !stream.isClosed() {
		t.Fatalf("expected recognizer stream to be closed")
	}
}

func TestSocketMicIgnoresOutOfRangeAttachment(t *testing.T) {
	t.Parallel()

	stream := &fakeStream{events: make(chan domain.TranscriptEvent, 1), audio: make(chan []byte, 4), closeSend: make(chan struct{})}
	c := newSocketConn(New(Config{}, nil, nil, nil, nil), nil)
	c.stream = stream

	for _, arg := range []string{
		`{"_placeholder":true,"num":-1}`,
		`{"_placeholder":true,"num":1}`,
	} {
		c.dispatch("mic", []json.RawMessage{json.RawMessage(arg)}, [][]byte{{1, 2}})
	}
	select {
	case chunk := <-stream.audio:
		t.Fatalf("out of range attachment reached the recognizer: %v", chunk)
	default:
	}

	c.dispatch("mic", []json.RawMessage{json.RawMessage(`{"_placeholder":true,"num":0}`)}, [][]byte{{1, 2}})
	select {
	case chunk := <-stream.audio:
		if !bytes.Equal(chunk, []byte{1, 2}) {
			t.Fatalf("unexpected chunk %v", chunk)
		}
	default:
		t.Fatalf("expected attachment to reach the recognizer")
	}
}
