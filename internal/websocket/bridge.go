package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/nfrund/rufer/internal/domain"
	"github.com/nfrund/rufer/internal/presence"
	"github.com/nfrund/rufer/internal/pubsub"
)

// Authenticator validates a connection token and returns its user.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

// Presence is the part of the presence registry the bridge drives.
type Presence interface {
	Join(ctx context.Context, userID string, conn presence.Conn) (bool, error)
	Leave(ctx context.Context, userID string, conn presence.Conn) (bool, error)
	Resolve(userID string) []presence.Conn
}

// Bridge accepts websocket connections, registers them with presence and
// routes their requests. It also delivers room signals from the bus to the
// local members of each room.
type Bridge struct {
	auth     Authenticator
	presence Presence
	router   *Router
	bus      pubsub.Subscriber
	origins  []string
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[*Client]struct{}
}

// NewBridge creates a bridge. origins lists accepted Origin host patterns;
// when empty any origin is accepted.
func NewBridge(auth Authenticator, presence Presence, router *Router, bus pubsub.Subscriber, origins []string) *Bridge {
	return &Bridge{
		auth:     auth,
		presence: presence,
		router:   router,
		bus:      bus,
		origins:  origins,
		logger:   slog.Default().With("component", "ws_bridge"),
		clients:  make(map[*Client]struct{}),
	}
}

// Start subscribes to room signals. Delivery stops when ctx ends.
func (b *Bridge) Start(ctx context.Context) error {
	return pubsub.RoomSignals.Subscribe(ctx, b.bus, func(ctx context.Context, _ string, sig pubsub.RoomSignal) error {
		for _, conn := range b.presence.Resolve(sig.Room) {
			if err := conn.Push(sig.Event, sig.Data); err != nil {
				b.logger.Debug("Room signal push failed", "event", sig.Event, "user_id", sig.Room, "error", err)
			}
		}
		return nil
	})
}

// Handler upgrades GET /ws?token=... The token is consumed before the
// upgrade, so a bad token gets a plain 401 and no websocket traffic.
func (b *Bridge) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		userID, err := b.auth.Authenticate(req.Context(), c.QueryParam("token"))
		if errors.Is(err, domain.ErrAuthentication) {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": err.Error()})
		}
		if err != nil {
			b.logger.ErrorContext(req.Context(), "Token validation failed", "error", err)
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "authentication unavailable"})
		}

		conn, err := websocket.Accept(c.Response(), req, &websocket.AcceptOptions{
			OriginPatterns:     b.origins,
			InsecureSkipVerify: len(b.origins) == 0,
		})
		if err != nil {
			// Accept has already written the error response.
			b.logger.WarnContext(req.Context(), "Failed to upgrade connection to WebSocket", "user_id", userID, "error", err)
			return nil
		}
		conn.SetReadLimit(readLimit)

		b.serve(req.Context(), userID, conn)
		return nil
	}
}

func (b *Bridge) serve(parent context.Context, userID string, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	defer cancel()

	client := newClient(uuid.NewString(), userID, conn, b.logger)
	b.track(client)
	defer b.untrack(client)

	if _, err := b.presence.Join(ctx, userID, client); err != nil {
		b.logger.ErrorContext(ctx, "Failed to register connection", "user_id", userID, "error", err)
		client.Close(websocket.StatusTryAgainLater, "presence unavailable")
		return
	}
	defer func() {
		leaveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, err := b.presence.Leave(leaveCtx, userID, client); err != nil {
			b.logger.Error("Failed to unregister connection", "user_id", userID, "error", err)
		}
	}()

	b.logger.InfoContext(ctx, "Client connected", "user_id", userID, "client_id", client.id)
	go client.writePump(ctx)
	b.readPump(ctx, client)
	client.Close(websocket.StatusNormalClosure, "")
}

// readPump handles requests one at a time until the connection fails.
func (b *Bridge) readPump(ctx context.Context, client *Client) {
	for {
		_, data, err := client.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				client.logger.Info("WebSocket closed normally by client")
			} else {
				client.logger.Debug("WebSocket read ended", "error", err)
			}
			return
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			_ = client.reply(failure("", errors.Join(errors.New("malformed frame"), domain.ErrValidation)))
			continue
		}

		resp, ok := b.router.Handle(ctx, client, req)
		if !ok {
			continue
		}
		if err := client.reply(resp); err != nil {
			return
		}
	}
}

func (b *Bridge) track(c *Client) {
	b.mu.Lock()
	b.clients[c] = struct{}{}
	b.mu.Unlock()
}

func (b *Bridge) untrack(c *Client) {
	b.mu.Lock()
	delete(b.clients, c)
	b.mu.Unlock()
}

// Connections returns the number of open connections on this instance.
func (b *Bridge) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Shutdown closes every open connection. Clients reconnect to another
// instance or after restart.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	clients := make([]*Client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()

	for _, c := range clients {
		c.Close(websocket.StatusGoingAway, "server shutting down")
	}
	b.logger.Info("WebSocket bridge shut down", "connections", len(clients))
	return nil
}
