package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
)

// Topic is a subject name bound to the JSON payload type carried on it.
type Topic[T any] string

func (t Topic[T]) Publish(ctx context.Context, p Publisher, sender string, payload T) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", string(t), err)
	}
	return p.Publish(ctx, Message{Topic: string(t), Sender: sender, Payload: data})
}

// Subscribe decodes each message into T before calling fn. A payload that
// does not decode is reported as a handler error.
func (t Topic[T]) Subscribe(ctx context.Context, s Subscriber, fn func(ctx context.Context, sender string, payload T) error) error {
	return s.Subscribe(ctx, string(t), func(ctx context.Context, msg Message) error {
		var payload T
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return fmt.Errorf("decode %s: %w", string(t), err)
		}
		return fn(ctx, msg.Sender, payload)
	})
}

// RoomSignal is a push addressed to one user's room. Each instance delivers
// it to the connections it holds for that user.
type RoomSignal struct {
	Room   string          `json:"room"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
	Origin string          `json:"origin,omitempty"`
}

// RoomSignals carries ephemeral pushes that never touch the change log,
// such as typing indicators.
var RoomSignals Topic[RoomSignal] = "rufer.rooms"
