package pubsub

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const previewBytes = 100

// busSpan describes one publish or process step on the room bus.
type busSpan struct {
	system    string
	operation string
	topic     string
	sender    string
	messageID string
	payload   []byte
}

func (s busSpan) start(ctx context.Context, tracer trace.Tracer) (context.Context, trace.Span) {
	kind := trace.SpanKindProducer
	if s.operation == "process" {
		kind = trace.SpanKindConsumer
	}
	preview := s.payload
	if len(preview) > previewBytes {
		preview = preview[:previewBytes]
	}
	return tracer.Start(ctx, "rooms."+s.operation+" "+s.topic,
		trace.WithSpanKind(kind),
		trace.WithAttributes(
			attribute.String("messaging.system", s.system),
			attribute.String("messaging.operation", s.operation),
			attribute.String("messaging.destination.name", s.topic),
			attribute.String("messaging.message.id", s.messageID),
			attribute.Int("messaging.message.body.size", len(s.payload)),
			attribute.String("rufer.sender", s.sender),
			attribute.String("rufer.payload_preview", string(preview)),
		),
	)
}

func failSpan(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// traceHandler wraps a watermill handler in a consumer span.
func traceHandler(tracer trace.Tracer) func(message.HandlerFunc) message.HandlerFunc {
	return func(next message.HandlerFunc) message.HandlerFunc {
		return func(m *message.Message) ([]*message.Message, error) {
			ctx, span := busSpan{
				system:    "watermill",
				operation: "process",
				topic:     m.Metadata.Get(metaTopic),
				sender:    m.Metadata.Get(metaSender),
				messageID: m.UUID,
				payload:   m.Payload,
			}.start(m.Context(), tracer)
			defer span.End()

			m.SetContext(ctx)
			out, err := next(m)
			if err != nil {
				failSpan(span, err)
			}
			return out, err
		}
	}
}

// tracedPublisher opens a producer span per published message.
type tracedPublisher struct {
	next   message.Publisher
	tracer trace.Tracer
}

func (p *tracedPublisher) Publish(topic string, msgs ...*message.Message) error {
	spans := make([]trace.Span, len(msgs))
	for i, m := range msgs {
		ctx, span := busSpan{
			system:    "watermill",
			operation: "publish",
			topic:     topic,
			sender:    m.Metadata.Get(metaSender),
			messageID: m.UUID,
			payload:   m.Payload,
		}.start(m.Context(), p.tracer)
		m.SetContext(ctx)
		spans[i] = span
	}

	err := p.next.Publish(topic, msgs...)
	for _, span := range spans {
		if err != nil {
			failSpan(span, err)
		}
		span.End()
	}
	return err
}

func (p *tracedPublisher) Close() error {
	return p.next.Close()
}
