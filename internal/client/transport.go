package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/nfrund/rufer/internal/backoff"
	"github.com/nfrund/rufer/internal/domain"
	ws "github.com/nfrund/rufer/internal/websocket"
)

// ErrClosed is returned by calls on a transport whose connection ended.
var ErrClosed = errors.New("connection closed")

// Transport is one authenticated connection to the server.
type Transport interface {
	// Call sends a request and decodes the ack payload into out, which may
	// be nil. A failed ack is returned as a *RequestError.
	Call(ctx context.Context, event string, data, out any) error
	// Emit sends an event that is not acknowledged.
	Emit(ctx context.Context, event string, data any) error
	// Pushes yields server initiated frames in arrival order. It is closed
	// when the connection ends for any reason.
	Pushes() <-chan ws.Frame
	Close() error
}

// Dialer opens a Transport authenticated by a session token.
type Dialer interface {
	Dial(ctx context.Context, token string) (Transport, error)
}

// TokenSource obtains a fresh session token for a user.
type TokenSource interface {
	Token(ctx context.Context, userID string) (string, error)
}

// TokenSourceFunc adapts a function to TokenSource.
type TokenSourceFunc func(ctx context.Context, userID string) (string, error)

func (f TokenSourceFunc) Token(ctx context.Context, userID string) (string, error) {
	return f(ctx, userID)
}

// RequestError is a request the server answered with success=false.
type RequestError struct {
	Event   string
	Code    string
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Event, e.Message)
}

// Is maps the wire code back onto the domain sentinels.
func (e *RequestError) Is(target error) bool {
	switch target {
	case domain.ErrValidation, domain.ErrNotFound, domain.ErrNotAuthorized, domain.ErrAuthentication, domain.ErrTransient:
		return domain.ErrorCode(target) == e.Code
	}
	return false
}

// WSDialer dials the server's /ws endpoint.
type WSDialer struct {
	// URL is the websocket endpoint, such as ws://localhost:3000/ws.
	URL     string
	Options *websocket.DialOptions
}

const readLimit = 1 << 20

// Dial connects with token. A rejected token fails the handshake.
func (d WSDialer) Dial(ctx context.Context, token string) (Transport, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parse websocket url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.Dial(ctx, u.String(), d.Options)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("handshake rejected: %w", domain.ErrAuthentication)
		}
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}
	conn.SetReadLimit(readLimit)
	return newWSTransport(conn), nil
}

type wsTransport struct {
	conn   *websocket.Conn
	pushes chan ws.Frame
	done   chan struct{}
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[string]chan ws.Frame
	once    sync.Once
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &wsTransport{
		conn:    conn,
		pushes:  make(chan ws.Frame, 64),
		done:    make(chan struct{}),
		cancel:  cancel,
		pending: make(map[string]chan ws.Frame),
	}
	go t.readLoop(ctx)
	return t
}

func (t *wsTransport) readLoop(ctx context.Context) {
	defer close(t.pushes)
	defer t.shutdown()

	for {
		var f ws.Frame
		if err := wsjson.Read(ctx, t.conn, &f); err != nil {
			return
		}
		if f.Event == ws.EventAck && f.ID != "" {
			t.mu.Lock()
			ch, ok := t.pending[f.ID]
			delete(t.pending, f.ID)
			t.mu.Unlock()
			if ok {
				ch <- f
			}
			continue
		}
		select {
		case t.pushes <- f:
		case <-ctx.Done():
			return
		}
	}
}

func (t *wsTransport) shutdown() {
	t.once.Do(func() {
		close(t.done)
		t.cancel()
	})
}

func (t *wsTransport) Call(ctx context.Context, event string, data, out any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	id := uuid.NewString()
	ch := make(chan ws.Frame, 1)

	t.mu.Lock()
	t.pending[id] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}()

	if err := wsjson.Write(ctx, t.conn, ws.Request{ID: id, Event: event, Data: raw}); err != nil {
		return fmt.Errorf("write %s: %w", event, errors.Join(err, ErrClosed))
	}

	select {
	case f := <-ch:
		if !f.Success {
			return &RequestError{Event: event, Code: f.Code, Message: f.Error}
		}
		if out != nil && len(f.Data) > 0 {
			if err := json.Unmarshal(f.Data, out); err != nil {
				return fmt.Errorf("decode %s result: %w", event, err)
			}
		}
		return nil
	case <-t.done:
		return fmt.Errorf("%s: %w", event, ErrClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *wsTransport) Emit(ctx context.Context, event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	return wsjson.Write(ctx, t.conn, ws.Request{Event: event, Data: raw})
}

func (t *wsTransport) Pushes() <-chan ws.Frame {
	return t.pushes
}

func (t *wsTransport) Close() error {
	t.shutdown()
	return t.conn.Close(websocket.StatusNormalClosure, "client closing")
}

// HTTPTokenSource obtains tokens from the user API with the shared secret.
type HTTPTokenSource struct {
	// BaseURL is the server root, such as http://localhost:3000.
	BaseURL string
	Secret  string
	Client  *http.Client
}

// Token requests a session token. An unknown user is not retried.
func (s HTTPTokenSource) Token(ctx context.Context, userID string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	if err := s.post(ctx, "/api/users/session-token", map[string]string{"userId": userID}, http.StatusOK, &out); err != nil {
		return "", err
	}
	return out.Token, nil
}

// Register creates the user or refreshes its display name.
func (s HTTPTokenSource) Register(ctx context.Context, userID, displayName string) error {
	body := map[string]string{"userId": userID, "displayName": displayName}
	return s.post(ctx, "/api/users/register", body, http.StatusCreated, nil)
}

func (s HTTPTokenSource) post(ctx context.Context, path string, body any, want int, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(s.BaseURL, "/")+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Rufer-Secret-Key", s.Secret)

	httpClient := s.Client
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, errors.Join(err, domain.ErrTransient))
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		var apiErr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		err := fmt.Errorf("post %s: status %d: %s", path, resp.StatusCode, apiErr.Message)
		switch resp.StatusCode {
		case http.StatusNotFound:
			return backoff.Permanent(errors.Join(err, domain.ErrNotFound))
		case http.StatusUnauthorized, http.StatusBadRequest:
			return backoff.Permanent(errors.Join(err, domain.ErrValidation))
		default:
			return errors.Join(err, domain.ErrTransient)
		}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
