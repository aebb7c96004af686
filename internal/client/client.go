// Package client keeps a user's local view of their conversations in step
// with the server: it resyncs on connect, applies pushes in arrival order,
// sends optimistically, relays typing and marks messages read while the
// conversation is on screen.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/nfrund/rufer/internal/backoff"
	"github.com/nfrund/rufer/internal/domain"
	ws "github.com/nfrund/rufer/internal/websocket"
)

const (
	DefaultTypingExpiry   = 3 * time.Second
	DefaultTypingDebounce = 300 * time.Millisecond
	DefaultCallTimeout    = 10 * time.Second
)

var errSuperseded = errors.New("connection attempt superseded")

// Status is the connection state reported to status listeners.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusFailed       Status = "failed"
)

// StatusEvent describes a connection state change. Attempt is set while
// reconnecting; Err carries the cause of a failure.
type StatusEvent struct {
	Status  Status
	Attempt int
	Err     error
}

// Option configures a Client.
type Option func(*Client)

// WithReconnectPolicy overrides the reconnect schedule.
func WithReconnectPolicy(p backoff.Policy) Option {
	return func(c *Client) { c.policy = p }
}

// WithTypingExpiry sets how long an inbound typing indicator lasts without
// a refresh.
func WithTypingExpiry(d time.Duration) Option {
	return func(c *Client) { c.typingExpiry = d }
}

// WithTypingDebounce sets the quiet period before typing-start is sent.
func WithTypingDebounce(d time.Duration) Option {
	return func(c *Client) { c.typingDebounce = d }
}

// WithCallTimeout bounds every request to the server.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) { c.callTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Client is one user's connection and local state. All methods are safe
// for concurrent use.
type Client struct {
	userID         string
	tokens         TokenSource
	dialer         Dialer
	policy         backoff.Policy
	typingExpiry   time.Duration
	typingDebounce time.Duration
	callTimeout    time.Duration
	logger         *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	st          *state
	transport   Transport
	generation  uint64
	status      Status
	closed      bool
	selected    string
	visible     bool
	focused     bool
	typing      map[string]*time.Timer
	outbound    *time.Timer
	pendingRead map[string]bool
	onStatus    []func(StatusEvent)
	onChange    []func()
}

// New creates a disconnected client for userID.
func New(userID string, tokens TokenSource, dialer Dialer, opts ...Option) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		userID:         userID,
		tokens:         tokens,
		dialer:         dialer,
		policy:         backoff.Reconnect(),
		typingExpiry:   DefaultTypingExpiry,
		typingDebounce: DefaultTypingDebounce,
		callTimeout:    DefaultCallTimeout,
		logger:         slog.Default(),
		ctx:            ctx,
		cancel:         cancel,
		st:             newState(userID),
		status:         StatusDisconnected,
		visible:        true,
		focused:        true,
		typing:         make(map[string]*time.Timer),
		pendingRead:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "client", "user_id", userID)
	return c
}

// OnStatus registers a listener for connection state changes.
func (c *Client) OnStatus(fn func(StatusEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStatus = append(c.onStatus, fn)
}

// OnChange registers a listener called after local state changed.
// Listeners run on the client's goroutines and must not block.
func (c *Client) OnChange(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = append(c.onChange, fn)
}

// Connect makes one connection attempt and resyncs. Later unexpected
// disconnects are retried in the background.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.generation++
	gen := c.generation
	c.mu.Unlock()

	c.setStatus(StatusEvent{Status: StatusConnecting})
	if err := c.connect(ctx, gen); err != nil {
		if errors.Is(err, errSuperseded) {
			return err
		}
		c.setStatus(StatusEvent{Status: StatusDisconnected, Err: err})
		return err
	}
	return nil
}

// connect obtains a token, dials and resyncs. It gives up with errSuperseded
// as soon as a newer attempt has started.
func (c *Client) connect(ctx context.Context, gen uint64) error {
	token, err := c.tokens.Token(ctx, c.userID)
	if err != nil {
		return fmt.Errorf("obtain session token: %w", err)
	}
	t, err := c.dialer.Dial(ctx, token)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed || gen != c.generation {
		c.mu.Unlock()
		_ = t.Close()
		return backoff.Permanent(errSuperseded)
	}
	prev := c.transport
	c.transport = t
	c.st.resetLoaded()
	c.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}

	if !c.spawn(func() { c.run(t) }) {
		_ = t.Close()
		return ErrClosed
	}

	if err := c.resync(ctx, t); err != nil {
		c.detach(t)
		return fmt.Errorf("resync: %w", err)
	}
	if !c.isCurrent(t) {
		return backoff.Permanent(errSuperseded)
	}
	c.setStatus(StatusEvent{Status: StatusConnected})
	c.logger.Info("Connected")
	return nil
}

// detach drops t without triggering a reconnect.
func (c *Client) detach(t Transport) {
	c.mu.Lock()
	if c.transport == t {
		c.transport = nil
	}
	c.mu.Unlock()
	_ = t.Close()
}

func (c *Client) isCurrent(t Transport) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport == t
}

// spawn runs fn tracked by the wait group unless the client is closed.
func (c *Client) spawn(fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
	return true
}

// resync rebuilds the local view: the user, the chat list, every
// conversation not loaded yet, then a mark-read pass.
func (c *Client) resync(ctx context.Context, t Transport) error {
	var me domain.User
	if err := c.call(ctx, t, ws.EventGetUser, ws.UserQuery{}, &me); err != nil {
		return err
	}
	var chats []domain.ChatSummary
	if err := c.call(ctx, t, ws.EventGetChats, struct{}{}, &chats); err != nil {
		return err
	}

	c.mu.Lock()
	c.st.me = me
	c.st.setChats(chats)
	peers := lo.Filter(lo.Keys(c.st.chats), func(p string, _ int) bool { return !c.st.loaded[p] })
	if c.selected != "" && !c.st.loaded[c.selected] && !lo.Contains(peers, c.selected) {
		peers = append(peers, c.selected)
	}
	c.mu.Unlock()

	for _, peer := range peers {
		if err := c.loadConversation(ctx, t, peer); err != nil {
			return err
		}
	}
	c.changed()
	c.markReadPass(ctx)
	return nil
}

func (c *Client) loadConversation(ctx context.Context, t Transport, peer string) error {
	var msgs []domain.Message
	if err := c.call(ctx, t, ws.EventGetMessages, ws.PeerData{UserID: peer}, &msgs); err != nil {
		return fmt.Errorf("load conversation with %s: %w", peer, err)
	}
	c.mu.Lock()
	for _, m := range msgs {
		c.st.upsert(m)
	}
	c.st.loaded[peer] = true
	c.mu.Unlock()
	return nil
}

func (c *Client) call(ctx context.Context, t Transport, event string, data, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	return t.Call(ctx, event, data, out)
}

// run applies the pushes of t in arrival order. When t ends while still
// current the client reconnects.
func (c *Client) run(t Transport) {
	for f := range t.Pushes() {
		c.apply(f)
	}

	c.mu.Lock()
	current := c.transport == t && !c.closed
	if current {
		c.transport = nil
	}
	c.mu.Unlock()
	if current {
		c.logger.Warn("Connection lost, reconnecting")
		c.reconnect()
	}
}

func (c *Client) reconnect() {
	c.mu.Lock()
	c.generation++
	gen := c.generation
	c.mu.Unlock()

	err := c.policy.Retry(c.ctx, func(attempt int) error {
		c.mu.Lock()
		stale := gen != c.generation
		c.mu.Unlock()
		if stale {
			return backoff.Permanent(errSuperseded)
		}
		c.setStatus(StatusEvent{Status: StatusReconnecting, Attempt: attempt})
		err := c.connect(c.ctx, gen)
		if err != nil && !errors.Is(err, errSuperseded) {
			c.logger.Warn("Reconnect attempt failed", "attempt", attempt, "error", err)
		}
		return err
	})
	switch {
	case err == nil, errors.Is(err, errSuperseded), c.ctx.Err() != nil:
		return
	default:
		c.logger.Error("Giving up reconnecting", "error", err)
		c.setStatus(StatusEvent{Status: StatusFailed, Err: err})
	}
}

func (c *Client) apply(f ws.Frame) {
	var err error
	switch f.Event {
	case ws.EventNewMessage:
		err = c.applyNewMessage(f.Data)
	case ws.EventMessageDelivered:
		var n ws.DeliveredNotice
		if err = json.Unmarshal(f.Data, &n); err == nil {
			c.mu.Lock()
			c.st.setDelivered(n.MessageID, n.DeliveredAt)
			c.mu.Unlock()
		}
	case ws.EventMessageRead:
		var n ws.ReadNotice
		if err = json.Unmarshal(f.Data, &n); err == nil {
			c.mu.Lock()
			c.applyRead(n.MessageID, n.ReadAt)
			c.mu.Unlock()
		}
	case ws.EventUserStatus:
		var st domain.UserStatus
		if err = json.Unmarshal(f.Data, &st); err == nil {
			c.mu.Lock()
			c.st.setPresence(st)
			c.mu.Unlock()
		}
	case ws.EventTypingStart, ws.EventTypingStop:
		var n ws.TypingNotice
		if err = json.Unmarshal(f.Data, &n); err == nil && n.RecipientID == c.userID {
			c.mu.Lock()
			if f.Event == ws.EventTypingStart {
				c.armTyping(n.UserID)
			} else {
				c.clearTyping(n.UserID)
			}
			c.mu.Unlock()
		}
	default:
		c.logger.Debug("Ignoring unknown push", "event", f.Event)
		return
	}
	if err != nil {
		c.logger.Warn("Dropping malformed push", "event", f.Event, "error", err)
		return
	}
	c.changed()
}

func (c *Client) applyNewMessage(raw json.RawMessage) error {
	var m domain.Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}

	c.mu.Lock()
	created, replaced := c.st.upsert(m)
	if replaced != "" {
		c.st.relabelLastMessage(replaced, m)
	}
	if created {
		c.st.touchChat(m, true)
	}
	peer := m.Counterpart(c.userID).ID
	if m.Recipient.ID == c.userID {
		c.clearTyping(peer)
	}
	readable := created && c.readableLocked(peer)
	c.mu.Unlock()

	if readable {
		c.spawn(func() { c.markReadPass(c.ctx) })
	}
	return nil
}

// applyRead must be called with c.mu held.
func (c *Client) applyRead(id string, at time.Time) {
	m, ok := c.st.byID[id]
	if !ok {
		return
	}
	if c.st.setRead(id, at) && m.Recipient.ID == c.userID {
		c.st.decrementUnread(m.Sender.ID)
	}
}

// armTyping must be called with c.mu held.
func (c *Client) armTyping(peer string) {
	if t, ok := c.typing[peer]; ok {
		t.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(c.typingExpiry, func() {
		c.mu.Lock()
		expired := c.typing[peer] == timer
		if expired {
			delete(c.typing, peer)
		}
		c.mu.Unlock()
		if expired {
			c.changed()
		}
	})
	c.typing[peer] = timer
}

// clearTyping must be called with c.mu held.
func (c *Client) clearTyping(peer string) {
	if t, ok := c.typing[peer]; ok {
		t.Stop()
		delete(c.typing, peer)
	}
}

// readableLocked reports whether messages from peer count as seen now.
func (c *Client) readableLocked(peer string) bool {
	return c.visible && c.focused && c.selected != "" && c.selected == peer
}

// markReadPass marks every unread message of the selected chat read, when
// the chat is on screen.
func (c *Client) markReadPass(ctx context.Context) {
	c.mu.Lock()
	t := c.transport
	if t == nil || !c.readableLocked(c.selected) {
		c.mu.Unlock()
		return
	}
	ids := lo.Filter(c.st.unreadFrom(c.selected), func(id string, _ int) bool { return !c.pendingRead[id] })
	for _, id := range ids {
		c.pendingRead[id] = true
	}
	c.mu.Unlock()

	for _, id := range ids {
		var m domain.Message
		err := c.call(ctx, t, ws.EventMarkMessageRead, ws.MarkReadData{MessageID: id}, &m)

		c.mu.Lock()
		delete(c.pendingRead, id)
		if err == nil && m.ReadAt != nil {
			c.applyRead(id, *m.ReadAt)
		}
		c.mu.Unlock()

		if err != nil {
			c.logger.Warn("Failed to mark message read", "message_id", id, "error", err)
			continue
		}
		c.changed()
	}
}

// SendMessage shows the message immediately under a provisional id, then
// replaces it with the stored message. On failure the provisional message
// is removed and the error returned.
func (c *Client) SendMessage(ctx context.Context, peer, content string) (*domain.Message, error) {
	if peer == "" || strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("recipient and content are required: %w", domain.ErrValidation)
	}

	c.mu.Lock()
	t := c.transport
	if t == nil {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.stopOutboundLocked()
	recipient := c.st.ensureChat(domain.UserRef{ID: peer})
	temp := domain.Message{
		ID:        provisionalPrefix + uuid.NewString(),
		Sender:    c.st.me.Ref(),
		Recipient: domain.UserRef{ID: peer, DisplayName: recipient.DisplayName},
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	prevLast := c.st.lastMessage(peer)
	c.st.addProvisional(temp)
	c.st.touchChat(temp, false)
	c.mu.Unlock()
	c.changed()

	if err := t.Emit(ctx, ws.EventTypingStop, ws.TypingData{RecipientID: peer}); err != nil {
		c.logger.Debug("Failed to send typing-stop", "error", err)
	}

	var confirmed domain.Message
	err := c.call(ctx, t, ws.EventSendMessage, ws.SendMessageData{RecipientID: peer, Content: content}, &confirmed)

	c.mu.Lock()
	if err != nil {
		c.st.remove(temp.ID)
		c.st.restoreLastMessage(peer, temp.ID, prevLast)
	} else {
		c.st.replace(temp.ID, confirmed)
		c.st.relabelLastMessage(temp.ID, confirmed)
	}
	c.mu.Unlock()
	c.changed()

	if err != nil {
		return nil, err
	}
	return &confirmed, nil
}

// NotifyTyping reports a keystroke in the conversation with peer.
// typing-start goes out once the keystrokes pause for the debounce period.
func (c *Client) NotifyTyping(peer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || peer == "" {
		return
	}
	c.stopOutboundLocked()
	var timer *time.Timer
	timer = time.AfterFunc(c.typingDebounce, func() {
		c.mu.Lock()
		fire := c.outbound == timer
		if fire {
			c.outbound = nil
		}
		t := c.transport
		c.mu.Unlock()
		if fire && t != nil {
			c.emit(t, ws.EventTypingStart, peer)
		}
	})
	c.outbound = timer
}

// StopTyping cancels a pending typing-start and tells peer typing ended.
func (c *Client) StopTyping(peer string) {
	c.mu.Lock()
	c.stopOutboundLocked()
	t := c.transport
	c.mu.Unlock()
	if t != nil {
		c.emit(t, ws.EventTypingStop, peer)
	}
}

func (c *Client) stopOutboundLocked() {
	if c.outbound != nil {
		c.outbound.Stop()
		c.outbound = nil
	}
}

func (c *Client) emit(t Transport, event, peer string) {
	ctx, cancel := context.WithTimeout(c.ctx, c.callTimeout)
	defer cancel()
	if err := t.Emit(ctx, event, ws.TypingData{RecipientID: peer}); err != nil {
		c.logger.Debug("Failed to send typing signal", "event", event, "error", err)
	}
}

// SelectChat puts the conversation with peer on screen, loading it first
// when needed.
func (c *Client) SelectChat(ctx context.Context, peer string) error {
	c.mu.Lock()
	c.selected = peer
	t := c.transport
	load := peer != "" && !c.st.loaded[peer]
	c.mu.Unlock()

	if t != nil && load {
		if err := c.loadConversation(ctx, t, peer); err != nil {
			return err
		}
		c.changed()
	}
	c.markReadPass(ctx)
	return nil
}

// StartChat opens a conversation with a registered user who may not have
// exchanged any message with us yet.
func (c *Client) StartChat(ctx context.Context, peer string) error {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return ErrClosed
	}

	var u domain.User
	if err := c.call(ctx, t, ws.EventGetUser, ws.UserQuery{UserID: peer}, &u); err != nil {
		return err
	}
	var st domain.UserStatus
	if err := c.call(ctx, t, ws.EventRequestUserStatus, ws.PeerData{UserID: peer}, &st); err != nil {
		return err
	}

	c.mu.Lock()
	c.st.ensureChat(u.Ref())
	c.st.setPresence(st)
	c.mu.Unlock()
	c.changed()
	return c.SelectChat(ctx, peer)
}

// SetVisibility records whether the conversation view is visible.
func (c *Client) SetVisibility(visible bool) {
	c.mu.Lock()
	c.visible = visible
	c.mu.Unlock()
	if visible {
		c.spawn(func() { c.markReadPass(c.ctx) })
	}
}

// SetFocus records whether the window has focus.
func (c *Client) SetFocus(focused bool) {
	c.mu.Lock()
	c.focused = focused
	c.mu.Unlock()
	if focused {
		c.spawn(func() { c.markReadPass(c.ctx) })
	}
}

// Messages returns the conversation with peer in display order.
func (c *Client) Messages(peer string) []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.conversation(peer)
}

// Chats returns the chat list, most recent first.
func (c *Client) Chats() []domain.ChatSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.chatList()
}

// IsTyping reports whether peer is typing to us.
func (c *Client) IsTyping(peer string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.typing[peer]
	return ok
}

// Presence returns the last known presence of userID.
func (c *Client) Presence(userID string) (domain.UserStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.st.presence[userID]
	return st, ok
}

// User returns the connected user as the server knows it.
func (c *Client) User() domain.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.me
}

// Selected returns the peer of the conversation on screen.
func (c *Client) Selected() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected
}

// Status returns the current connection state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Close disconnects and stops every background goroutine. The client
// cannot be reused.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	t := c.transport
	c.transport = nil
	c.stopOutboundLocked()
	for peer := range c.typing {
		c.clearTyping(peer)
	}
	c.mu.Unlock()

	c.cancel()
	var err error
	if t != nil {
		err = t.Close()
	}
	c.wg.Wait()
	c.setStatus(StatusEvent{Status: StatusDisconnected})
	return err
}

func (c *Client) setStatus(evt StatusEvent) {
	c.mu.Lock()
	c.status = evt.Status
	listeners := append([]func(StatusEvent){}, c.onStatus...)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(evt)
	}
}

func (c *Client) changed() {
	c.mu.Lock()
	listeners := append([]func(){}, c.onChange...)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}
