package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Send pings to peer with this period.
	pingPeriod = 30 * time.Second
	// Outbound frames buffered per connection before it counts as too slow.
	sendBuffer = 256
	// Largest frame accepted from a client.
	readLimit = 64 << 10
)

var (
	errClientClosed = errors.New("client connection closed")
	errSlowConsumer = errors.New("client send buffer full")
)

// Client is one live websocket connection of an authenticated user. It
// satisfies presence.Conn.
type Client struct {
	id     string
	userID string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func newClient(id, userID string, conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{
		id:     id,
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		logger: logger.With("client_id", id, "user_id", userID),
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// UserID returns the authenticated user.
func (c *Client) UserID() string { return c.userID }

// Push queues a server event. A client that cannot keep up is disconnected
// rather than allowed to hold back other users' events; it catches up after
// reconnecting.
func (c *Client) Push(event string, data any) error {
	return c.write(Push{Event: event, Data: data})
}

func (c *Client) reply(resp Response) error {
	return c.write(resp)
}

func (c *Client) write(frame any) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return errClientClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return errClientClosed
	default:
		c.logger.Warn("Client send channel full, dropping connection")
		c.Close(websocket.StatusPolicyViolation, "send buffer full")
		return errSlowConsumer
	}
}

// Close ends the connection once. The close handshake runs in the
// background so callers such as the dispatcher never block on it.
func (c *Client) Close(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		close(c.done)
		go c.conn.Close(code, reason)
	})
}

// Done is closed once the client has been closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// writePump sends queued frames and keep-alive pings until the client closes.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case message := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.conn.Write(writeCtx, websocket.MessageText, message)
			cancel()
			if err != nil {
				c.logger.Debug("WebSocket write error", "error", err)
				c.Close(websocket.StatusInternalError, "write failed")
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				c.logger.Debug("WebSocket ping failed", "error", err)
				c.Close(websocket.StatusGoingAway, "ping timeout")
				return
			}
		}
	}
}
