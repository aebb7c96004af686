// Package chat mounts the realtime messaging surface: the websocket
// endpoint, the change log dispatcher and the session token janitor.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/samber/do/v2"

	"github.com/nfrund/rufer/internal/auth"
	"github.com/nfrund/rufer/internal/fanout"
	"github.com/nfrund/rufer/internal/module"
	"github.com/nfrund/rufer/internal/websocket"
)

const janitorInterval = time.Minute

// Module implements module.Module for realtime chat.
type Module struct {
	module.BaseModule

	bridge *websocket.Bridge
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the chat module.
func New() *Module {
	return &Module{}
}

// Name returns the module name.
func (m *Module) Name() string {
	return "chat"
}

// Boot registers GET /ws and starts the dispatcher and token janitor.
func (m *Module) Boot(ctx context.Context, g *echo.Group, i do.Injector) error {
	bridge, err := do.Invoke[*websocket.Bridge](i)
	if err != nil {
		return fmt.Errorf("resolve websocket bridge: %w", err)
	}
	dispatcher, err := do.Invoke[*fanout.Dispatcher](i)
	if err != nil {
		return fmt.Errorf("resolve dispatcher: %w", err)
	}
	tokens, err := do.Invoke[*auth.Service](i)
	if err != nil {
		return fmt.Errorf("resolve auth service: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := bridge.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("start websocket bridge: %w", err)
	}
	m.bridge = bridge
	m.cancel = cancel

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		if err := dispatcher.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Dispatcher stopped", "error", err)
		}
	}()
	go func() {
		defer m.wg.Done()
		tokens.RunJanitor(runCtx, janitorInterval)
	}()

	g.GET("/ws", bridge.Handler())
	slog.Info("Chat module booted")
	return nil
}

// Shutdown closes every websocket and waits for background work to stop.
func (m *Module) Shutdown(ctx context.Context) error {
	if m.cancel == nil {
		return nil
	}
	err := m.bridge.Shutdown(ctx)
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, fmt.Errorf("chat module did not stop in time: %w", ctx.Err()))
	}
	slog.Info("Chat module stopped")
	return err
}
