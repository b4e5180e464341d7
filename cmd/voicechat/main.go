// Command voicechat records the microphone, streams it to the relay for
// transcription and optionally sends each utterance to the chat endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"voicechat/internal/bootstrap"
	"voicechat/internal/config"
)

func main() {
	chatFlag := flag.Bool("chat", false, "send each final transcript to the chat endpoint and print the reply")
	continuous := flag.Bool("continuous", false, "keep listening after each utterance")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "voicechat:", err)
		os.Exit(1)
	}
	logger := bootstrap.NewLogger(cfg, os.Stderr)
	flush := bootstrap.InitSentry(cfg.Sentry, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, os.Stdout, logger, *chatFlag, *continuous)
	stop()

	if err != nil {
		logger.Error("voicechat failed", "error", err)
		bootstrap.ReportFatal(err)
		flush()
		os.Exit(1)
	}
	flush()
}

// run drives listen cycles until the context ends. A cycle whose channel
// never opened ends the run with the warmup error instead of retrying.
func run(ctx context.Context, cfg config.Config, out io.Writer, logger *slog.Logger, withChat bool, continuous bool) error {
	app := newApp(out, cfg.Export.Dir, logger)

	client, err := bootstrap.BuildClient(ctx, cfg, app, app.HandleExport, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("shutdown finished with error", "error", err)
		}
	}()
	if withChat {
		app.chat = client.Chat
	}

	logger.Info("listening", "session", client.Transcription.ID(), "backend", cfg.Backend.BaseURL)
	if err := client.Transcription.Start(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			_ = client.Transcription.Stop()
			return nil
		case transcript := <-app.Finished():
			if err := app.Reply(ctx, transcript); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("chat completion failed", "error", err)
			}
			if err := client.Transcription.WarmupErr(); err != nil {
				return fmt.Errorf("transcription backend unavailable: %w", err)
			}
			if !continuous {
				return nil
			}
			if err := client.Transcription.Start(ctx); err != nil {
				return err
			}
		}
	}
}
