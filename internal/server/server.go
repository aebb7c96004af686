// Package server assembles the echo instance, mounts the application
// modules and runs the HTTP listener.
package server

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/samber/do/v2"

	"github.com/nfrund/rufer/internal/config"
	"github.com/nfrund/rufer/internal/handlers"
	"github.com/nfrund/rufer/internal/module"
	appmiddleware "github.com/nfrund/rufer/internal/middleware"
)

// Server holds the dependencies for the HTTP server.
type Server struct {
	E        *echo.Echo
	Cfg      config.Provider
	injector do.Injector
	modules  []module.Module
	booted   []module.Module
}

// New creates a new Server with the standard middleware chain. Routes are
// added by RegisterRoutes.
func New(cfg config.Provider, injector do.Injector, modules []module.Module) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = handlers.NewValidator()

	e.Use(middleware.RequestID())
	e.Use(appmiddleware.RequestLogger)
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger := appmiddleware.FromContext(c.Request().Context())
			if v.Error != nil {
				logger.Warn("Request completed with error",
					"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency, "error", v.Error)
				return nil
			}
			logger.Debug("Request completed",
				"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	setupErrorHandling(e)

	return &Server{
		E:        e,
		Cfg:      cfg,
		injector: injector,
		modules:  modules,
	}
}

// setupErrorHandling installs an error handler that logs unhandled errors
// with a stack trace and answers with a JSON body.
func setupErrorHandling(e *echo.Echo) {
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var he *echo.HTTPError
		if errors.As(err, &he) {
			msg, ok := he.Message.(string)
			if !ok {
				msg = http.StatusText(he.Code)
			}
			_ = c.JSON(he.Code, handlers.ErrorResponse{Code: http.StatusText(he.Code), Message: msg})
			return
		}

		slog.Error("Internal Server Error (Unhandled)",
			"error", err.Error(),
			"method", c.Request().Method,
			"path", c.Request().URL.Path,
			"stack_trace", string(debug.Stack()),
		)
		_ = c.JSON(http.StatusInternalServerError, handlers.ErrorResponse{
			Code:    "internal",
			Message: "internal server error",
		})
	}
}
