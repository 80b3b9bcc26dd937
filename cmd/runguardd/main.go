package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Gurpartap/runguard/internal/app"
	"github.com/Gurpartap/runguard/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := newServerLogger(serverLogOutput, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	application, err := app.New(cfg, logger)
	if err != nil {
		log.Fatalf("new app: %v", err)
	}

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- application.Start()
	}()
	logger.Info(
		"runguard listening",
		slog.String("addr", cfg.HTTPAddr),
		slog.Duration("tick_interval", cfg.TickInterval),
		slog.Bool("default_policy_unbounded", cfg.DefaultPolicy.Unbounded()),
	)

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-serverErrCh:
		if err != nil {
			logger.Error("server exited", slog.Any("error", err))
			os.Exit(1)
		}
		return
	case <-sigCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := <-serverErrCh; err != nil {
		logger.Error("server stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
}
