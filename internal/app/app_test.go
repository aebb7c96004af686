package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/samber/do/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/rufer/internal/config"
	"github.com/nfrund/rufer/internal/cursor"
	"github.com/nfrund/rufer/internal/domain"
	"github.com/nfrund/rufer/internal/handlers"
	"github.com/nfrund/rufer/internal/middleware"
	"github.com/nfrund/rufer/internal/server"
	ws "github.com/nfrund/rufer/internal/websocket"
)

const testSecret = "test-secret"

func memoryConfig() *config.Config {
	return &config.Config{
		ServerAddr:      "127.0.0.1:0",
		InstanceID:      "test-1",
		StoreDriver:     config.DriverMemory,
		PubSubDriver:    config.DriverMemory,
		SecretKey:       testSecret,
		SessionTokenTTL: time.Minute,
	}
}

type harness struct {
	t   *testing.T
	srv *httptest.Server
}

func (h *harness) post(path, body string) *http.Response {
	h.t.Helper()
	req, err := http.NewRequest(http.MethodPost, h.srv.URL+path, strings.NewReader(body))
	require.NoError(h.t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.SecretHeader, testSecret)
	resp, err := h.srv.Client().Do(req)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (h *harness) connect(ctx context.Context, userID string) *websocket.Conn {
	h.t.Helper()
	resp := h.post("/api/users/register", `{"userId":"`+userID+`"}`)
	require.Equal(h.t, http.StatusCreated, resp.StatusCode)

	resp = h.post("/api/users/session-token", `{"userId":"`+userID+`"}`)
	require.Equal(h.t, http.StatusOK, resp.StatusCode)
	var tok handlers.TokenResponse
	require.NoError(h.t, json.NewDecoder(resp.Body).Decode(&tok))

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws?token=" + tok.Token
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(h.t, err)
	return conn
}

func readUntil(t *testing.T, ctx context.Context, conn *websocket.Conn, match func(ws.Frame) bool) ws.Frame {
	t.Helper()
	for {
		var f ws.Frame
		require.NoError(t, wsjson.Read(ctx, conn, &f))
		if match(f) {
			return f
		}
	}
}

func TestApp_MessageRoundTrip(t *testing.T) {
	a := New(memoryConfig())
	defer a.teardown()

	srv, err := do.Invoke[*server.Server](a.Injector())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, srv.RegisterRoutes(ctx))
	defer srv.Shutdown(context.Background())

	ts := httptest.NewServer(srv.E)
	defer ts.Close()
	h := &harness{t: t, srv: ts}

	health, err := ts.Client().Get(ts.URL + "/health")
	require.NoError(t, err)
	defer health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)

	alice := h.connect(ctx, "alice")
	defer alice.CloseNow()
	bob := h.connect(ctx, "bob")
	defer bob.CloseNow()

	require.NoError(t, wsjson.Write(ctx, alice, ws.Request{
		ID:    "r1",
		Event: ws.EventSendMessage,
		Data:  json.RawMessage(`{"recipientId":"bob","content":"hello bob"}`),
	}))
	ack := readUntil(t, ctx, alice, func(f ws.Frame) bool { return f.ID == "r1" })
	require.True(t, ack.Success, ack.Error)

	var sent domain.Message
	require.NoError(t, json.Unmarshal(ack.Data, &sent))
	assert.NotNil(t, sent.DeliveredAt, "bob is online so the message is delivered on send")

	push := readUntil(t, ctx, bob, func(f ws.Frame) bool { return f.Event == ws.EventNewMessage })
	var got domain.Message
	require.NoError(t, json.Unmarshal(push.Data, &got))
	assert.Equal(t, sent.ID, got.ID)
	assert.Equal(t, "hello bob", got.Content)

	delivered := readUntil(t, ctx, alice, func(f ws.Frame) bool { return f.Event == ws.EventMessageDelivered })
	assert.True(t, bytes.Contains(delivered.Data, []byte(sent.ID)))

	resp, err := ts.Client().Get(ts.URL + "/api/users/bob/online")
	require.NoError(t, err)
	defer resp.Body.Close()
	var online handlers.OnlineResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&online))
	assert.True(t, online.IsOnline)
}

func TestApp_IssuanceRequiresSecret(t *testing.T) {
	a := New(memoryConfig())
	defer a.teardown()

	srv := do.MustInvoke[*server.Server](a.Injector())
	require.NoError(t, srv.RegisterRoutes(context.Background()))
	defer srv.Shutdown(context.Background())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/users/register", strings.NewReader(`{"userId":"eve"}`))
	req.Header.Set("Content-Type", "application/json")
	srv.E.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	a := New(memoryConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	srv := do.MustInvoke[*server.Server](a.Injector())
	require.Eventually(t, func() bool { return srv.E.ListenerAddr() != nil }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(20 * time.Second):
		t.Fatal("app did not stop")
	}
}

func TestApp_MemoryStoreIgnoresPersistedCursor(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	persisted, err := cursor.Open(dir, nil)
	require.NoError(t, err)
	require.NoError(t, persisted.Save(ctx, "dispatcher-test-1", 40))
	require.NoError(t, persisted.Shutdown(ctx))

	cfg := memoryConfig()
	cfg.CursorPath = dir
	a := New(cfg)
	defer a.teardown()

	cursors := do.MustInvoke[*cursor.BadgerStore](a.Injector())
	seq, err := cursors.Load(ctx, "dispatcher-test-1")
	require.NoError(t, err)
	assert.Zero(t, seq, "a fresh memory log must start from a fresh cursor")
}
