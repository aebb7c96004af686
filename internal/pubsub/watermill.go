package pubsub

import (
	"context"
	"log/slog"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.opentelemetry.io/otel/trace"
)

const (
	metaTopic    = "rufer_topic"
	metaSender   = "rufer_sender"
	metaHeader   = "rufer_h_"
	inboxBacklog = 256
)

// WatermillBus is the single-instance bus on watermill's GoChannel.
type WatermillBus struct {
	channel   *gochannel.GoChannel
	publisher message.Publisher
	handle    func(message.HandlerFunc) message.HandlerFunc
}

// NewWatermillBus creates an in-memory bus. A nil tracer disables spans.
func NewWatermillBus(tracer trace.Tracer) *WatermillBus {
	channel := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: inboxBacklog,
		// Publish returns after the subscriber acked, which keeps the
		// signals for one room in order.
		BlockPublishUntilSubscriberAck: true,
	}, watermill.NewStdLogger(false, false))

	b := &WatermillBus{
		channel:   channel,
		publisher: channel,
		handle:    func(h message.HandlerFunc) message.HandlerFunc { return h },
	}
	if tracer != nil {
		b.publisher = &tracedPublisher{next: channel, tracer: tracer}
		b.handle = traceHandler(tracer)
	}
	return b
}

func toWatermill(ctx context.Context, msg Message) *message.Message {
	out := message.NewMessage(watermill.NewUUID(), msg.Payload)
	out.Metadata.Set(metaTopic, msg.Topic)
	if msg.Sender != "" {
		out.Metadata.Set(metaSender, msg.Sender)
	}
	for k, v := range msg.Header {
		out.Metadata.Set(metaHeader+k, v)
	}
	out.SetContext(ctx)
	return out
}

func fromWatermill(in *message.Message) Message {
	msg := Message{
		Topic:   in.Metadata.Get(metaTopic),
		Sender:  in.Metadata.Get(metaSender),
		Payload: in.Payload,
	}
	for k, v := range in.Metadata {
		if name, ok := strings.CutPrefix(k, metaHeader); ok {
			if msg.Header == nil {
				msg.Header = make(map[string]string)
			}
			msg.Header[name] = v
		}
	}
	return msg
}

func (b *WatermillBus) Publish(ctx context.Context, msg Message) error {
	return b.publisher.Publish(msg.Topic, toWatermill(ctx, msg))
}

func (b *WatermillBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	inbox, err := b.channel.Subscribe(ctx, topic)
	if err != nil {
		return err
	}

	process := b.handle(func(m *message.Message) ([]*message.Message, error) {
		return nil, handler(m.Context(), fromWatermill(m))
	})

	go func() {
		for m := range inbox {
			// A nack makes GoChannel redeliver forever. Room signals are
			// ephemeral, so a failed one is logged and dropped.
			if _, err := process(m); err != nil {
				slog.Warn("Room bus handler failed", "topic", topic, "msg_id", m.UUID, "error", err)
			}
			m.Ack()
		}
		slog.Debug("Room bus subscription ended", "topic", topic)
	}()
	return nil
}

// Close ends every subscription.
func (b *WatermillBus) Close() error {
	return b.channel.Close()
}
