package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"voicechat/internal/audio"
	"voicechat/internal/domain"
)

// chatStreamer is the part of chat.Client the app drives.
type chatStreamer interface {
	StreamCompletion(ctx context.Context, messages []domain.ChatMessage, onChunk func(string), onFinish func()) error
}

// App is the terminal front end: it renders transcripts, keeps the chat
// history and stores exported utterances.
type App struct {
	out       io.Writer
	exportDir string
	logger    *slog.Logger
	chat      chatStreamer
	now       func() time.Time

	mu       sync.Mutex
	history  []domain.ChatMessage
	finished chan string
}

func newApp(out io.Writer, exportDir string, logger *slog.Logger) *App {
	return &App{
		out:       out,
		exportDir: exportDir,
		logger:    logger,
		now:       time.Now,
		finished:  make(chan string, 1),
	}
}

// TranscriptUpdated redraws the live transcript line.
func (a *App) TranscriptUpdated(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fmt.Fprintf(a.out, "\r\033[K… %s", text)
}

// TranscriptFinished prints the final text and wakes the run loop.
func (a *App) TranscriptFinished(text string) {
	a.mu.Lock()
	fmt.Fprintf(a.out, "\r\033[K%s\n", finalLine(text))
	a.mu.Unlock()

	select {
	case a.finished <- text:
	default:
		a.logger.Warn("dropping transcript; previous one not consumed yet")
	}
}

// Finished delivers each final transcript.
func (a *App) Finished() <-chan string {
	return a.finished
}

// Reply sends the transcript as a user turn and prints the streamed answer.
// The exchange is kept so later turns carry the conversation.
func (a *App) Reply(ctx context.Context, transcript string) error {
	transcript = strings.TrimSpace(transcript)
	if transcript == "" || a.chat == nil {
		return nil
	}

	a.mu.Lock()
	a.history = append(a.history, domain.ChatMessage{Role: domain.RoleUser, Content: transcript})
	messages := append([]domain.ChatMessage(nil), a.history...)
	a.mu.Unlock()

	var reply strings.Builder
	fmt.Fprint(a.out, "> ")
	err := a.chat.StreamCompletion(ctx, messages, func(chunk string) {
		reply.WriteString(chunk)
		fmt.Fprint(a.out, chunk)
	}, func() {
		fmt.Fprintln(a.out)
	})
	if err != nil {
		fmt.Fprintln(a.out)
		return err
	}

	a.mu.Lock()
	a.history = append(a.history, domain.ChatMessage{Role: domain.RoleAssistant, Content: reply.String()})
	a.mu.Unlock()
	return nil
}

// History returns a copy of the conversation so far.
func (a *App) History() []domain.ChatMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.ChatMessage(nil), a.history...)
}

// HandleExport writes each exported utterance into the export directory.
// Without a directory exports are discarded.
func (a *App) HandleExport(exported domain.ExportedAudio) {
	if exported.Err != nil {
		a.logger.Error("audio export failed", "error", exported.Err)
		return
	}
	if a.exportDir == "" {
		return
	}
	if err := os.MkdirAll(a.exportDir, 0o755); err != nil {
		a.logger.Error("failed to create export dir", "dir", a.exportDir, "error", err)
		return
	}
	path := filepath.Join(a.exportDir, exportFileName(a.now(), exported.Format))
	if err := os.WriteFile(path, exported.Data, 0o644); err != nil {
		a.logger.Error("failed to write export", "path", path, "error", err)
		return
	}
	a.logger.Info("utterance exported", "path", path, "bytes", len(exported.Data))
}

func exportFileName(at time.Time, format string) string {
	ext := ".bin"
	if format == audio.FormatWAV {
		ext = ".wav"
	}
	return "utterance-" + at.UTC().Format("20060102T150405.000Z") + ext
}

func finalLine(text string) string {
	if strings.TrimSpace(text) == "" {
		return "(no transcript)"
	}
	return text
}
