package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"voicechat/internal/domain"
)

type fakeChat struct {
	chunks   []string
	err      error
	received [][]domain.ChatMessage
}

func (f *fakeChat) StreamCompletion(_ context.Context, messages []domain.ChatMessage, onChunk func(string), onFinish func()) error {
	f.received = append(f.received, append([]domain.ChatMessage(nil), messages...))
	if f.err != nil {
		return f.err
	}
	for _, c := range f.chunks {
		onChunk(c)
	}
	onFinish()
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTranscriptFinishedPrintsAndSignals(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	app := newApp(&out, "", discardLogger())
	app.TranscriptUpdated("hel")
	app.TranscriptFinished("hello")

	select {
	case got := <-app.Finished():
		if got != "hello" {
			t.Fatalf("unexpected transcript %q", got)
		}
	default:
		t.Fatalf("expected finished transcript")
	}
	if !strings.Contains(out.String(), "hello\n") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestTranscriptFinishedEmpty(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	app := newApp(&out, "", discardLogger())
	app.TranscriptFinished("")
	if !strings.Contains(out.String(), "(no transcript)") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestReplyKeepsHistory(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	chat := &fakeChat{chunks: []string{"こん", "にちは"}}
	app := newApp(&out, "", discardLogger())
	app.chat = chat

	if err := app.Reply(context.Background(), " hi "); err != nil {
		t.Fatalf("reply failed: %v", err)
	}
	chat.chunks = []string{"again"}
	if err := app.Reply(context.Background(), "once more"); err != nil {
		t.Fatalf("reply failed: %v", err)
	}

	history := app.History()
	if len(history) != 4 {
		t.Fatalf("expected 4 turns, got %#v", history)
	}
	if history[0].Content != "hi" || history[1].Role != domain.RoleAssistant || history[1].Content != "こんにちは" {
		t.Fatalf("unexpected first exchange %#v", history[:2])
	}
	if len(chat.received[1]) != 3 {
		t.Fatalf("second request should carry prior turns, got %#v", chat.received[1])
	}
	if !strings.Contains(out.String(), "> こんにちは\n") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestReplySkipsEmptyTranscript(t *testing.T) {
	t.Parallel()

	chat := &fakeChat{}
	app := newApp(io.Discard, "", discardLogger())
	app.chat = chat

	if err := app.Reply(context.Background(), "   "); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chat.received) != 0 {
		t.Fatalf("expected no chat request")
	}
}

func TestReplyFailureDropsAssistantTurn(t *testing.T) {
	t.Parallel()

	app := newApp(io.Discard, "", discardLogger())
	app.chat = &fakeChat{err: errors.New("down")}

	if err := app.Reply(context.Background(), "hi"); err == nil {
		t.Fatalf("expected chat error")
	}
	if history := app.History(); len(history) != 1 || history[0].Role != domain.RoleUser {
		t.Fatalf("unexpected history %#v", history)
	}
}

func TestHandleExportWritesFile(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "exports")
	app := newApp(io.Discard, dir, discardLogger())
	app.now = func() time.Time { return time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC) }

	app.HandleExport(domain.ExportedAudio{Format: "audio/wav", Data: []byte("RIFF")})

	data, err := os.ReadFile(filepath.Join(dir, "utterance-20240506T070809.000Z.wav"))
	if err != nil {
		t.Fatalf("export not written: %v", err)
	}
	if string(data) != "RIFF" {
		t.Fatalf("unexpected export contents %q", data)
	}
}

func TestHandleExportWithoutDirDiscards(t *testing.T) {
	t.Parallel()

	app := newApp(io.Discard, "", discardLogger())
	app.HandleExport(domain.ExportedAudio{Format: "audio/wav", Data: []byte("RIFF")})
	app.HandleExport(domain.ExportedAudio{Err: errors.New("encode failed")})
}
