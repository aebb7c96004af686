package middleware

import (
	"context"
	"log/slog"

	"github.com/labstack/echo/v4"
)

type loggerKey struct{}

// RequestLogger puts a logger tagged with the request id, method, route and
// client address on the request context. It reads the id set by echo's
// RequestID middleware, so it must come after it.
func RequestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		logger := slog.Default().With(
			"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
			"method", req.Method,
			"route", c.Path(),
			"remote_ip", c.RealIP(),
		)
		c.SetRequest(req.WithContext(WithLogger(req.Context(), logger)))
		return next(c)
	}
}

func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the request logger, or the default logger outside a
// request.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}
