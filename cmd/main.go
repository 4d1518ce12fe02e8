package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/zoravur/room-presence/internal/app"
	"github.com/zoravur/room-presence/internal/config"
	"github.com/zoravur/room-presence/internal/logutil"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := logutil.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	zap.ReplaceGlobals(logger)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := app.NewServer(ctx, cfg, logger)
	if err != nil {
		zap.L().Fatal("server setup failed", zap.Error(err))
	}
	if err := srv.Run(ctx); err != nil {
		zap.L().Fatal("server exited", zap.Error(err))
	}
}
