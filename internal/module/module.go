package module

import (
	"context"

	"github.com/labstack/echo/v4"
	"github.com/samber/do/v2"
)

// Module is a feature the server mounts under its own route group.
type Module interface {
	Name() string

	// Boot runs after every service is registered with the injector. It
	// mounts routes on router and starts background work.
	Boot(ctx context.Context, router *echo.Group, i do.Injector) error

	// Shutdown runs in reverse boot order when the server stops.
	Shutdown(ctx context.Context) error
}

// BaseModule supplies no-op lifecycle hooks for embedding.
type BaseModule struct{}

func (*BaseModule) Boot(context.Context, *echo.Group, do.Injector) error { return nil }

func (*BaseModule) Shutdown(context.Context) error { return nil }
