package fanout

import (
	"context"
	"fmt"

	"github.com/samber/lo"

	"github.com/nfrund/rufer/internal/domain"
	ws "github.com/nfrund/rufer/internal/websocket"
)

func (d *Dispatcher) onMessageSent(ctx context.Context, evt domain.ChangeEvent) error {
	msg, err := d.messages.GetMessage(ctx, evt.Data.MessageID)
	if err != nil {
		return fmt.Errorf("load message %s: %w", evt.Data.MessageID, err)
	}
	d.push(ctx, ws.EventNewMessage, msg, msg.Sender.ID, msg.Recipient.ID)
	return nil
}

func (d *Dispatcher) onMessageDelivered(ctx context.Context, evt domain.ChangeEvent) error {
	d.push(ctx, ws.EventMessageDelivered, ws.DeliveredNotice{
		MessageID:   evt.Data.MessageID,
		DeliveredAt: evt.Timestamp,
	}, evt.Data.SenderID)
	return nil
}

func (d *Dispatcher) onMessageRead(ctx context.Context, evt domain.ChangeEvent) error {
	d.push(ctx, ws.EventMessageRead, ws.ReadNotice{
		MessageID: evt.Data.MessageID,
		ReadAt:    evt.Timestamp,
	}, evt.Data.SenderID, evt.Data.RecipientID)
	return nil
}

// onPresence tells the user and everyone the user has chatted with about a
// presence change.
func (d *Dispatcher) onPresence(ctx context.Context, evt domain.ChangeEvent) error {
	userID := evt.Data.UserID
	status := domain.UserStatus{UserID: userID}

	switch evt.Type {
	case domain.ChangeUserOnline:
		status.Status = domain.PresenceOnline
	case domain.ChangeUserOffline:
		status.Status = domain.PresenceOffline
		at := evt.Timestamp
		status.LastSeen = &at
	default:
		u, err := d.users.GetUser(ctx, userID)
		if err != nil {
			return fmt.Errorf("load user %s: %w", userID, err)
		}
		status.Status = domain.PresenceOnline
		if u.LastSeen != nil {
			status.Status = domain.PresenceOffline
			status.LastSeen = u.LastSeen
		}
	}

	peers, err := d.messages.Counterparts(ctx, userID)
	if err != nil {
		return fmt.Errorf("load counterparts of %s: %w", userID, err)
	}
	d.push(ctx, ws.EventUserStatus, status, append([]string{userID}, peers...)...)
	return nil
}

// push delivers data to every local connection of each room. A connection
// that refuses the push has already been scheduled for closing by its owner.
func (d *Dispatcher) push(ctx context.Context, event string, data any, rooms ...string) {
	for _, room := range lo.Uniq(rooms) {
		for _, conn := range d.rooms.Resolve(room) {
			if err := conn.Push(event, data); err != nil {
				d.logger.DebugContext(ctx, "Push to connection failed",
					"event", event, "user_id", room, "client_id", conn.ID(), "error", err)
			}
		}
	}
}
