package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nfrund/rufer/internal/app"
	"github.com/nfrund/rufer/internal/config"
	"github.com/nfrund/rufer/internal/logging"
)

func main() {
	logging.New()

	cfg, err := config.New()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting rufer",
		"instance_id", cfg.GetInstanceID(),
		"store", cfg.GetStoreDriver(),
		"pubsub", cfg.GetPubSubDriver())

	if err := app.New(cfg).Run(ctx); err != nil {
		slog.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped")
}
