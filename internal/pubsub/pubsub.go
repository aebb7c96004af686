// Package pubsub carries room broadcasts between server instances. A single
// instance runs the watermill bus in memory; a cluster shares NATS subjects.
package pubsub

import (
	"context"
)

// Message is one broadcast. Every subscriber of Topic receives it, the
// publishing instance included.
type Message struct {
	Topic string
	// Sender is the user whose action produced the broadcast.
	Sender  string
	Payload []byte
	// Header carries extra string attributes verbatim.
	Header map[string]string
}

type Handler func(ctx context.Context, msg Message) error

type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Subscriber registers handlers. Subscribe returns once the subscription is
// live; delivery stops when ctx is cancelled or the bus is closed. A handler
// sees the messages of one topic one at a time in publish order.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, handler Handler) error
}

type Bus interface {
	Publisher
	Subscriber
	Close() error
}
