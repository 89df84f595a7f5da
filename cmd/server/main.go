package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"trend-reversal/backend/internal/config"
	"trend-reversal/backend/internal/logger"
	"trend-reversal/backend/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	zl, err := logger.New(cfg.Env)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := server.Build(ctx, cfg, zl)
	if err != nil {
		zl.Fatal("build server", zap.Error(err))
	}
	if err := app.Run(ctx); err != nil {
		zl.Fatal("server stopped", zap.Error(err))
	}
	zl.Info("server stopped")
}
