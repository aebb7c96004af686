package handlers

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
)

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// HealthHandler answers liveness probes.
type HealthHandler struct {
	checks map[string]HealthCheck
}

// NewHealthHandler creates a HealthHandler running the named checks.
func NewHealthHandler(checks map[string]HealthCheck) *HealthHandler {
	return &HealthHandler{checks: checks}
}

// Get responds {"status":"ok"} when every check passes and 503 otherwise.
func (h *HealthHandler) Get(c echo.Context) error {
	failed := map[string]string{}
	for name, check := range h.checks {
		if err := check(c.Request().Context()); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"status": "degraded", "failed": failed})
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
}
