package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/do/v2"

	"github.com/nfrund/rufer/internal/auth"
	"github.com/nfrund/rufer/internal/config"
	"github.com/nfrund/rufer/internal/cursor"
	"github.com/nfrund/rufer/internal/database"
	"github.com/nfrund/rufer/internal/delivery"
	"github.com/nfrund/rufer/internal/domain"
	"github.com/nfrund/rufer/internal/fanout"
	"github.com/nfrund/rufer/internal/handlers"
	"github.com/nfrund/rufer/internal/memstore"
	"github.com/nfrund/rufer/internal/presence"
	"github.com/nfrund/rufer/internal/pubsub"
	"github.com/nfrund/rufer/internal/server"
	"github.com/nfrund/rufer/internal/websocket"
)

const connectTimeout = 30 * time.Second

// Stores groups the repositories of the selected storage driver.
type Stores struct {
	Users    domain.UserRepository
	Messages domain.MessageRepository
	Changes  domain.ChangeLog
	Sessions domain.SessionRepository

	healthy  func(ctx context.Context) error
	shutdown func(ctx context.Context) error
}

// HealthCheck reports whether the backing store is reachable.
func (s *Stores) HealthCheck(ctx context.Context) error {
	return s.healthy(ctx)
}

// Shutdown closes the backing store.
func (s *Stores) Shutdown(ctx context.Context) error {
	return s.shutdown(ctx)
}

// Telemetry owns the tracer provider. Its Shutdown flushes pending spans.
type Telemetry struct {
	*pubsub.Tracing
}

// Bus wraps the room broadcast driver so the container can close it.
type Bus struct {
	pubsub.Bus
}

// Shutdown closes the driver.
func (b *Bus) Shutdown() error {
	return b.Close()
}

// Package registers every service of the server with the injector. Each
// provider runs lazily on first invocation.
func Package(cfg config.Provider) func(do.Injector) {
	return func(i do.Injector) {
		do.ProvideValue(i, cfg)
		do.Provide(i, provideTelemetry)
		do.Provide(i, provideStores)
		do.Provide(i, provideBus)
		do.Provide(i, provideCursors)
		do.Provide(i, providePresence)
		do.Provide(i, provideEngine)
		do.Provide(i, provideAuth)
		do.Provide(i, provideRouter)
		do.Provide(i, provideBridge)
		do.Provide(i, provideDispatcher)
		do.Provide(i, provideUserHandler)
		do.Provide(i, provideHealthHandler)
		do.Provide(i, provideServer)
	}
}

func provideTelemetry(i do.Injector) (*Telemetry, error) {
	cfg := do.MustInvoke[config.Provider](i)
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	tracing, err := pubsub.StartTracing(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("setup tracing: %w", err)
	}
	return &Telemetry{Tracing: tracing}, nil
}

func provideStores(i do.Injector) (*Stores, error) {
	cfg := do.MustInvoke[config.Provider](i)

	switch cfg.GetStoreDriver() {
	case config.DriverMemory:
		store := memstore.New()
		slog.Warn("Using in-memory store; data is lost on restart")
		return &Stores{
			Users:    store,
			Messages: store,
			Changes:  store,
			Sessions: store,
			healthy:  func(context.Context) error { return nil },
			shutdown: store.Shutdown,
		}, nil

	case config.DriverSurreal:
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()

		conn := database.NewConnection(database.SettingsFrom(cfg))
		if err := conn.Connect(ctx); err != nil {
			return nil, fmt.Errorf("connect to surrealdb: %w", err)
		}
		if err := database.ApplySchema(ctx, conn); err != nil {
			_ = conn.Shutdown(ctx)
			return nil, fmt.Errorf("apply schema: %w", err)
		}
		conn.Monitor(context.Background())

		return &Stores{
			Users:    database.NewUserStore(conn),
			Messages: database.NewMessageStore(conn),
			Changes:  database.NewChangeStore(conn, database.NewWatcher(conn)),
			Sessions: database.NewSessionStore(conn),
			healthy: func(context.Context) error {
				if !conn.IsHealthy() {
					return errors.New("surrealdb connection unhealthy")
				}
				return nil
			},
			shutdown: conn.Shutdown,
		}, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.GetStoreDriver())
	}
}

func provideBus(i do.Injector) (*Bus, error) {
	cfg := do.MustInvoke[config.Provider](i)
	tel := do.MustInvoke[*Telemetry](i)

	switch cfg.GetPubSubDriver() {
	case config.DriverNATS:
		bus, err := pubsub.ConnectNATS(cfg.GetNATSURL(), cfg.GetInstanceID(), tel.Tracer)
		if err != nil {
			return nil, err
		}
		return &Bus{Bus: bus}, nil
	default:
		return &Bus{Bus: pubsub.NewWatermillBus(tel.Tracer)}, nil
	}
}

// provideCursors keeps dispatcher cursors in badger. A memory store loses
// its change log on restart, so its cursors must not outlive it either.
func provideCursors(i do.Injector) (*cursor.BadgerStore, error) {
	cfg := do.MustInvoke[config.Provider](i)
	if cfg.GetCursorPath() == "" || cfg.GetStoreDriver() == config.DriverMemory {
		return cursor.OpenInMemory(slog.Default())
	}
	return cursor.Open(cfg.GetCursorPath(), slog.Default())
}

func providePresence(i do.Injector) (*presence.Registry, error) {
	stores := do.MustInvoke[*Stores](i)
	return presence.NewRegistry(stores.Changes, stores.Users), nil
}

func provideEngine(i do.Injector) (*delivery.Engine, error) {
	stores := do.MustInvoke[*Stores](i)
	registry := do.MustInvoke[*presence.Registry](i)
	return delivery.NewEngine(stores.Users, stores.Messages, stores.Changes, registry), nil
}

func provideAuth(i do.Injector) (*auth.Service, error) {
	cfg := do.MustInvoke[config.Provider](i)
	stores := do.MustInvoke[*Stores](i)
	return auth.NewService(stores.Sessions, stores.Users, auth.WithTTL(cfg.GetSessionTokenTTL())), nil
}

func provideRouter(i do.Injector) (*websocket.Router, error) {
	cfg := do.MustInvoke[config.Provider](i)
	engine := do.MustInvoke[*delivery.Engine](i)
	bus := do.MustInvoke[*Bus](i)
	return websocket.NewRouter(engine, bus, cfg.GetInstanceID()), nil
}

func provideBridge(i do.Injector) (*websocket.Bridge, error) {
	cfg := do.MustInvoke[config.Provider](i)
	tokens := do.MustInvoke[*auth.Service](i)
	registry := do.MustInvoke[*presence.Registry](i)
	router := do.MustInvoke[*websocket.Router](i)
	bus := do.MustInvoke[*Bus](i)
	return websocket.NewBridge(tokens, registry, router, bus, cfg.GetAllowedOrigins()), nil
}

func provideDispatcher(i do.Injector) (*fanout.Dispatcher, error) {
	cfg := do.MustInvoke[config.Provider](i)
	stores := do.MustInvoke[*Stores](i)
	cursors := do.MustInvoke[*cursor.BadgerStore](i)
	registry := do.MustInvoke[*presence.Registry](i)
	tel := do.MustInvoke[*Telemetry](i)
	return fanout.NewDispatcher("dispatcher-"+cfg.GetInstanceID(),
		stores.Changes, cursors, stores.Messages, stores.Users, registry,
		fanout.WithTracer(tel.Tracer)), nil
}

func provideUserHandler(i do.Injector) (*handlers.UserHandler, error) {
	engine := do.MustInvoke[*delivery.Engine](i)
	tokens := do.MustInvoke[*auth.Service](i)
	return handlers.NewUserHandler(engine, tokens), nil
}

// provideHealthHandler checks every invoked service that implements
// HealthCheck, such as the stores.
func provideHealthHandler(i do.Injector) (*handlers.HealthHandler, error) {
	return handlers.NewHealthHandler(map[string]handlers.HealthCheck{
		"services": func(ctx context.Context) error {
			var errs []error
			for name, err := range i.HealthCheckWithContext(ctx) {
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", name, err))
				}
			}
			return errors.Join(errs...)
		},
	}), nil
}

func provideServer(i do.Injector) (*server.Server, error) {
	cfg := do.MustInvoke[config.Provider](i)
	return server.New(cfg, i, NewModules()), nil
}
