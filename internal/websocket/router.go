package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/nfrund/rufer/internal/delivery"
	"github.com/nfrund/rufer/internal/domain"
	"github.com/nfrund/rufer/internal/pubsub"
)

// ChatService is the delivery engine as seen by the socket layer.
type ChatService interface {
	Send(ctx context.Context, req delivery.SendRequest) (*domain.Message, error)
	FetchMessages(ctx context.Context, userID, otherUserID string) ([]domain.Message, error)
	FetchChats(ctx context.Context, userID string) ([]domain.ChatSummary, error)
	MarkRead(ctx context.Context, messageID, userID string) (*domain.Message, error)
	Changes(ctx context.Context, after int64, userID string, limit int) ([]domain.ChangeEvent, error)
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	CheckOnline(userID string) bool
	UserStatus(ctx context.Context, userID string) (*domain.UserStatus, error)
}

type route func(ctx context.Context, c *Client, data json.RawMessage) (any, error)

// Router turns client requests into delivery engine calls. Requests of one
// connection are handled in arrival order.
type Router struct {
	chat       ChatService
	bus        pubsub.Publisher
	instanceID string
	whitelist  *clientWhitelist
	validate   *validator.Validate
	routes     map[string]route
	logger     *slog.Logger
}

// NewRouter creates a router. Typing signals are published on bus so they
// reach a recipient connected to any instance.
func NewRouter(chat ChatService, bus pubsub.Publisher, instanceID string) *Router {
	r := &Router{
		chat:       chat,
		bus:        bus,
		instanceID: instanceID,
		whitelist:  DefaultClientWhitelist(),
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		logger:     slog.Default().With("component", "ws_router"),
	}
	r.routes = map[string]route{
		EventSendMessage:       r.sendMessage,
		EventGetMessages:       r.getMessages,
		EventMarkMessageRead:   r.markRead,
		EventGetChats:          r.getChats,
		EventGetChanges:        r.getChanges,
		EventGetUser:           r.getUser,
		EventCheckOnline:       r.checkOnline,
		EventRequestUserStatus: r.userStatus,
		EventTypingStart:       r.typing(EventTypingStart),
		EventTypingStop:        r.typing(EventTypingStop),
	}
	return r
}

// Handle runs one request. It reports false when no ack is owed, which is
// the case for fire-and-forget events sent without an id.
func (r *Router) Handle(ctx context.Context, c *Client, req Request) (Response, bool) {
	handle, routed := r.routes[req.Event]
	if !r.whitelist.IsAllowed(req.Event) || !routed {
		r.logger.WarnContext(ctx, "Rejected event not in whitelist", "event", req.Event, "user_id", c.userID)
		return failure(req.ID, fmt.Errorf("unknown event %q: %w", req.Event, domain.ErrValidation)), true
	}

	data, err := handle(ctx, c, req.Data)
	if req.ID == "" && (req.Event == EventTypingStart || req.Event == EventTypingStop) {
		if err != nil {
			r.logger.DebugContext(ctx, "Typing signal dropped", "user_id", c.userID, "error", err)
		}
		return Response{}, false
	}
	if err != nil {
		if !errors.Is(err, domain.ErrValidation) && !errors.Is(err, domain.ErrNotFound) && !errors.Is(err, domain.ErrNotAuthorized) {
			r.logger.ErrorContext(ctx, "Request failed", "event", req.Event, "user_id", c.userID, "error", err)
		}
		return failure(req.ID, err), true
	}
	return Response{ID: req.ID, Event: EventAck, Success: true, Data: data}, true
}

func failure(id string, err error) Response {
	msg := err.Error()
	if domain.ErrorCode(err) == "transient" {
		msg = "temporary failure, please retry"
	}
	return Response{ID: id, Event: EventAck, Success: false, Error: msg, Code: domain.ErrorCode(err)}
}

// decode unmarshals and validates a request payload.
func decode[T any](r *Router, raw json.RawMessage) (T, error) {
	var v T
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &v); err != nil {
			return v, fmt.Errorf("malformed payload: %w", domain.ErrValidation)
		}
	}
	if err := r.validate.Struct(v); err != nil {
		return v, fmt.Errorf("%s: %w", err.Error(), domain.ErrValidation)
	}
	return v, nil
}

func (r *Router) sendMessage(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	d, err := decode[SendMessageData](r, raw)
	if err != nil {
		return nil, err
	}
	return r.chat.Send(ctx, delivery.SendRequest{
		Sender:    domain.UserRef{ID: c.userID, DisplayName: d.SenderDisplayName},
		Recipient: domain.UserRef{ID: d.RecipientID, DisplayName: d.RecipientDisplayName},
		Content:   d.Content,
	})
}

func (r *Router) getMessages(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	d, err := decode[PeerData](r, raw)
	if err != nil {
		return nil, err
	}
	return r.chat.FetchMessages(ctx, c.userID, d.UserID)
}

func (r *Router) markRead(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	d, err := decode[MarkReadData](r, raw)
	if err != nil {
		return nil, err
	}
	return r.chat.MarkRead(ctx, d.MessageID, c.userID)
}

func (r *Router) getChats(ctx context.Context, c *Client, _ json.RawMessage) (any, error) {
	return r.chat.FetchChats(ctx, c.userID)
}

func (r *Router) getChanges(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	d, err := decode[ChangesData](r, raw)
	if err != nil {
		return nil, err
	}
	changes, err := r.chat.Changes(ctx, d.Sequence, c.userID, d.Limit)
	if err != nil {
		return nil, err
	}
	last := d.Sequence
	if len(changes) > 0 {
		last = changes[len(changes)-1].Sequence
	}
	if changes == nil {
		changes = []domain.ChangeEvent{}
	}
	return ChangesResult{Changes: changes, LastSequence: last}, nil
}

func (r *Router) getUser(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	d, err := decode[UserQuery](r, raw)
	if err != nil {
		return nil, err
	}
	if d.UserID == "" {
		d.UserID = c.userID
	}
	return r.chat.GetUser(ctx, d.UserID)
}

func (r *Router) checkOnline(_ context.Context, _ *Client, raw json.RawMessage) (any, error) {
	d, err := decode[PeerData](r, raw)
	if err != nil {
		return nil, err
	}
	return OnlineResult{UserID: d.UserID, IsOnline: r.chat.CheckOnline(d.UserID)}, nil
}

func (r *Router) userStatus(ctx context.Context, _ *Client, raw json.RawMessage) (any, error) {
	d, err := decode[PeerData](r, raw)
	if err != nil {
		return nil, err
	}
	return r.chat.UserStatus(ctx, d.UserID)
}

// typing relays a typing signal to the recipient's room on every instance.
func (r *Router) typing(event string) route {
	return func(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
		d, err := decode[TypingData](r, raw)
		if err != nil {
			return nil, err
		}
		notice, err := json.Marshal(TypingNotice{UserID: c.userID, RecipientID: d.RecipientID})
		if err != nil {
			return nil, err
		}
		sig := pubsub.RoomSignal{Room: d.RecipientID, Event: event, Data: notice, Origin: r.instanceID}
		if err := pubsub.RoomSignals.Publish(ctx, r.bus, c.userID, sig); err != nil {
			return nil, fmt.Errorf("publish %s: %w", event, errors.Join(err, domain.ErrTransient))
		}
		return nil, nil
	}
}
