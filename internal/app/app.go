// Package app wires the server's services together and runs them.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/do/v2"

	"github.com/nfrund/rufer/internal/config"
	"github.com/nfrund/rufer/internal/server"
)

const teardownTimeout = 15 * time.Second

// App is a configured server instance.
type App struct {
	injector *do.RootScope
}

// New registers every service for cfg. Nothing connects until Run.
func New(cfg config.Provider) *App {
	return &App{injector: do.New(Package(cfg))}
}

// Injector exposes the container, mainly for tests.
func (a *App) Injector() do.Injector {
	return a.injector
}

// Run boots the server and blocks until ctx ends. Every service is shut
// down before Run returns.
func (a *App) Run(ctx context.Context) error {
	defer a.teardown()

	srv, err := do.Invoke[*server.Server](a.injector)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}
	if err := srv.RegisterRoutes(ctx); err != nil {
		_ = srv.Shutdown(context.Background())
		return err
	}
	return srv.Start(ctx)
}

func (a *App) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	report := a.injector.ShutdownWithContext(ctx)
	if !report.Succeed {
		slog.Error("Service shutdown failed", "error", report.Error())
		return
	}
	slog.Info("Services shut down", "services", len(report.Services), "duration", report.ShutdownTime)
}
