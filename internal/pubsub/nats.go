package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	natsMsgID     = "Nats-Msg-Id"
	natsSender    = "Rufer-Sender"
	natsHeaderPfx = "Rufer-H-"
)

// NATSBus shares room broadcasts between instances over core NATS subjects.
// Every subscribed instance receives every message.
type NATSBus struct {
	nc         *nats.Conn
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	logger     *slog.Logger

	mu   sync.Mutex
	subs map[*nats.Subscription]struct{}
}

// ConnectNATS dials url. name shows up in the server's connection list and
// should be the instance id.
func ConnectNATS(url, name string, tracer trace.Tracer) (*NATSBus, error) {
	logger := slog.Default().With("component", "nats_bus", "instance", name)

	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("Lost NATS connection", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS connection restored", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}

	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer(instrumentationName)
	}
	return &NATSBus{
		nc:         nc,
		tracer:     tracer,
		propagator: propagation.TraceContext{},
		logger:     logger,
		subs:       make(map[*nats.Subscription]struct{}),
	}, nil
}

func (b *NATSBus) Publish(ctx context.Context, msg Message) error {
	out := nats.NewMsg(msg.Topic)
	out.Data = msg.Payload

	id := uuid.NewString()
	out.Header.Set(natsMsgID, id)
	if msg.Sender != "" {
		out.Header.Set(natsSender, msg.Sender)
	}
	for k, v := range msg.Header {
		out.Header.Set(natsHeaderPfx+k, v)
	}

	ctx, span := busSpan{
		system:    "nats",
		operation: "publish",
		topic:     msg.Topic,
		sender:    msg.Sender,
		messageID: id,
		payload:   msg.Payload,
	}.start(ctx, b.tracer)
	defer span.End()
	b.propagator.Inject(ctx, propagation.HeaderCarrier(http.Header(out.Header)))

	if err := b.nc.PublishMsg(out); err != nil {
		failSpan(span, err)
		return fmt.Errorf("publish to %s: %w", msg.Topic, err)
	}
	return nil
}

// Subscribe registers handler on topic. NATS calls it serially per
// subscription. The subscription ends when ctx is cancelled.
func (b *NATSBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	sub, err := b.nc.Subscribe(topic, func(in *nats.Msg) {
		msg := fromNATS(in)

		parent := b.propagator.Extract(ctx, propagation.HeaderCarrier(http.Header(in.Header)))
		spanCtx, span := busSpan{
			system:    "nats",
			operation: "process",
			topic:     topic,
			sender:    msg.Sender,
			messageID: in.Header.Get(natsMsgID),
			payload:   in.Data,
		}.start(parent, b.tracer)
		defer span.End()

		if err := handler(spanCtx, msg); err != nil {
			failSpan(span, err)
			b.logger.Warn("Room bus handler failed", "topic", topic, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
		if err := sub.Unsubscribe(); err != nil && !b.nc.IsClosed() {
			b.logger.Debug("Unsubscribe failed", "topic", topic, "error", err)
		}
	}()
	return nil
}

func fromNATS(in *nats.Msg) Message {
	msg := Message{
		Topic:   in.Subject,
		Sender:  in.Header.Get(natsSender),
		Payload: in.Data,
	}
	for k := range in.Header {
		if name, ok := strings.CutPrefix(k, natsHeaderPfx); ok {
			if msg.Header == nil {
				msg.Header = make(map[string]string)
			}
			msg.Header[strings.ToLower(name)] = in.Header.Get(k)
		}
	}
	return msg
}

// Close drains pending messages and closes the connection.
func (b *NATSBus) Close() error {
	if b.nc.IsClosed() {
		return nil
	}
	return b.nc.Drain()
}
