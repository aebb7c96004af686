// Package users mounts the user administration API used by trusted
// backends to register users and obtain websocket session tokens.
package users

import (
	"context"
	"fmt"

	"github.com/labstack/echo/v4"
	"github.com/samber/do/v2"

	"github.com/nfrund/rufer/internal/config"
	"github.com/nfrund/rufer/internal/handlers"
	"github.com/nfrund/rufer/internal/middleware"
	"github.com/nfrund/rufer/internal/module"
)

// Module implements module.Module for the user API.
type Module struct {
	module.BaseModule
	limit middleware.RateLimit
}

// Option is a function that configures a Module.
type Option func(*Module)

// WithRateLimit overrides the per IP limit on the issuance routes.
func WithRateLimit(limit middleware.RateLimit) Option {
	return func(m *Module) {
		m.limit = limit
	}
}

// New creates the users module.
func New(opts ...Option) *Module {
	m := &Module{limit: middleware.DefaultRateLimit}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Name returns the module name.
func (m *Module) Name() string {
	return "users"
}

// Boot registers the /api/users routes.
func (m *Module) Boot(_ context.Context, g *echo.Group, i do.Injector) error {
	cfg, err := do.Invoke[config.Provider](i)
	if err != nil {
		return fmt.Errorf("resolve config: %w", err)
	}
	h, err := do.Invoke[*handlers.UserHandler](i)
	if err != nil {
		return fmt.Errorf("resolve user handler: %w", err)
	}

	api := g.Group("/api/users")
	guarded := []echo.MiddlewareFunc{
		middleware.RateLimiter(m.limit),
		middleware.RequireSecret(cfg.GetSecretKey()),
	}
	api.POST("/register", h.Register, guarded...)
	api.POST("/session-token", h.SessionToken, guarded...)
	api.GET("/:userId/online", h.Online)
	return nil
}
