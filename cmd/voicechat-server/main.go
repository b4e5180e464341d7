// Command voicechat-server runs the relay: session warmup, chat completion
// streaming and the Socket.IO transcription endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"voicechat/internal/bootstrap"
	"voicechat/internal/config"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "voicechat-server:", err)
		os.Exit(1)
	}
	logger := bootstrap.NewLogger(cfg, os.Stderr)
	flush := bootstrap.InitSentry(cfg.Sentry, logger)
	defer flush()

	relay := bootstrap.BuildServer(cfg, logger)
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           relay.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv.RegisterOnShutdown(relay.CloseSockets)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("listen failed", "error", err)
			bootstrap.ReportFatal(err)
			flush()
			os.Exit(1)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}
