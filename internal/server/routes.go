package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/samber/do/v2"

	"github.com/nfrund/rufer/internal/handlers"
)

// RegisterRoutes mounts /health and boots every module on the root group.
// Modules that booted are remembered so Shutdown can stop them.
func (s *Server) RegisterRoutes(ctx context.Context) error {
	health, err := do.Invoke[*handlers.HealthHandler](s.injector)
	if err != nil {
		return fmt.Errorf("resolve health handler: %w", err)
	}
	s.E.GET("/health", health.Get)

	root := s.E.Group("")
	for _, m := range s.modules {
		if err := m.Boot(ctx, root, s.injector); err != nil {
			return fmt.Errorf("boot module %s: %w", m.Name(), err)
		}
		s.booted = append(s.booted, m)
		slog.Debug("Module booted", "module", m.Name())
	}
	return nil
}
