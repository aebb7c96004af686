// Package fanout tails the change log and pushes each event to the live
// connections of the users it concerns.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/nfrund/rufer/internal/backoff"
	"github.com/nfrund/rufer/internal/domain"
	"github.com/nfrund/rufer/internal/presence"
)

const (
	replayBatch    = 500
	defaultGapWait = 2 * time.Second
	gapPoll        = 50 * time.Millisecond
)

var errSubscriptionClosed = errors.New("change subscription closed")

// Rooms resolves a user id to the user's connections on this instance.
type Rooms interface {
	Resolve(userID string) []presence.Conn
}

// Messages is the part of the message store the dispatcher reads.
type Messages interface {
	GetMessage(ctx context.Context, id string) (*domain.Message, error)
	Counterparts(ctx context.Context, userID string) ([]string, error)
}

type handlerFunc func(ctx context.Context, evt domain.ChangeEvent) error

// Dispatcher is the single ordered consumer of the change log on one
// instance. Delivery is at-least-once: after a restart or a dropped
// subscription it resumes from the saved cursor.
type Dispatcher struct {
	name     string
	changes  domain.ChangeLog
	cursors  domain.CursorStore
	messages Messages
	users    domain.UserRepository
	rooms    Rooms

	handlers map[domain.ChangeType]handlerFunc
	retry    backoff.Policy
	gapWait  time.Duration
	tracer   trace.Tracer
	logger   *slog.Logger

	// cursor is owned by the Run goroutine.
	cursor int64

	mu      sync.Mutex
	running bool
}

// Option is a function that configures a Dispatcher.
type Option func(*Dispatcher)

// WithTracer records a span per dispatched event.
func WithTracer(tracer trace.Tracer) Option {
	return func(d *Dispatcher) {
		if tracer != nil {
			d.tracer = tracer
		}
	}
}

// WithRetryPolicy sets the backoff between resubscription attempts.
func WithRetryPolicy(p backoff.Policy) Option {
	return func(d *Dispatcher) {
		d.retry = p
	}
}

// WithGapWait bounds how long a missing sequence is waited for before the
// dispatcher moves past it.
func WithGapWait(wait time.Duration) Option {
	return func(d *Dispatcher) {
		d.gapWait = wait
	}
}

// NewDispatcher creates a dispatcher whose progress is saved in cursors
// under name. Each instance should use its own name.
func NewDispatcher(name string, changes domain.ChangeLog, cursors domain.CursorStore, messages Messages, users domain.UserRepository, rooms Rooms, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		name:     name,
		changes:  changes,
		cursors:  cursors,
		messages: messages,
		users:    users,
		rooms:    rooms,
		retry:    backoff.Default(),
		gapWait:  defaultGapWait,
		tracer:   noop.NewTracerProvider().Tracer("rufer"),
		logger:   slog.Default().With("service", "fanout", "dispatcher", name),
	}
	d.handlers = map[domain.ChangeType]handlerFunc{
		domain.ChangeMessageSent:      d.onMessageSent,
		domain.ChangeMessageDelivered: d.onMessageDelivered,
		domain.ChangeMessageRead:      d.onMessageRead,
		domain.ChangeUserOnline:       d.onPresence,
		domain.ChangeUserOffline:      d.onPresence,
		domain.ChangeUserStatus:       d.onPresence,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run replays the log after the saved cursor, then tails it until ctx ends.
// A saved cursor beyond the head of the log is reset to the head. A dropped
// subscription is retried with backoff indefinitely. Run returns nil on
// cancellation and an error only if the cursor cannot be loaded.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher %s is already running", d.name)
	}
	d.running = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}()

	cursor, err := d.cursors.Load(ctx, d.name)
	if err != nil {
		return fmt.Errorf("load dispatcher cursor: %w", err)
	}
	d.cursor = d.clampCursor(ctx, cursor)
	d.logger.Info("Dispatcher starting", "sequence", d.cursor)

	failures := 0
	for {
		progressed, err := d.follow(ctx)
		if ctx.Err() != nil {
			d.logger.Info("Dispatcher stopped", "sequence", d.cursor)
			return nil
		}
		if progressed {
			failures = 0
		}
		failures++

		delay := d.retry.Delay(failures)
		d.logger.Warn("Change subscription lost, resubscribing",
			"sequence", d.cursor, "attempt", failures, "delay_ms", delay.Milliseconds(), "error", err)
		if err := backoff.Sleep(ctx, delay); err != nil {
			d.logger.Info("Dispatcher stopped", "sequence", d.cursor)
			return nil
		}
		if d.retry.MaxAttempts > 0 && failures >= d.retry.MaxAttempts {
			failures = d.retry.MaxAttempts - 1
		}
	}
}

// clampCursor moves a saved cursor back to the head of the log when it
// points past it, as happens when the log was recreated empty while the
// cursor survived. Left alone, every new event up to the old cursor would
// be skipped. When the head cannot be read the saved cursor is kept.
func (d *Dispatcher) clampCursor(ctx context.Context, saved int64) int64 {
	if saved <= 0 {
		return saved
	}
	var head int64
	err := d.retry.Retry(ctx, func(int) error {
		var err error
		head, err = d.changes.Head(ctx)
		return err
	})
	if err != nil {
		d.logger.Warn("Could not read change log head, keeping saved cursor", "sequence", saved, "error", err)
		return saved
	}
	if saved <= head {
		return saved
	}

	d.logger.Warn("Saved cursor is ahead of the change log, restarting from the head",
		"sequence", saved, "head", head)
	if err := d.cursors.Save(ctx, d.name, head); err != nil {
		d.logger.Warn("Failed to save reset cursor", "sequence", head, "error", err)
	}
	return head
}

// Cursor returns the last processed sequence. It is only meaningful after
// Run has returned.
func (d *Dispatcher) Cursor() int64 {
	return d.cursor
}

// follow subscribes, replays what was missed and then handles live events
// until the subscription fails. It reports whether any event was processed.
func (d *Dispatcher) follow(ctx context.Context) (bool, error) {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Subscribe before replaying so nothing appended in between is missed.
	live, err := d.changes.Subscribe(subCtx)
	if err != nil {
		return false, fmt.Errorf("subscribe to change log: %w", err)
	}

	start := d.cursor
	if err := d.replay(ctx, 0); err != nil {
		return d.cursor > start, err
	}

	for {
		select {
		case <-ctx.Done():
			return d.cursor > start, ctx.Err()
		case evt, ok := <-live:
			if !ok {
				return d.cursor > start, errSubscriptionClosed
			}
			if evt.Sequence <= d.cursor {
				continue
			}
			if evt.Sequence > d.cursor+1 {
				if err := d.fillGap(ctx, evt.Sequence); err != nil {
					return d.cursor > start, err
				}
				if evt.Sequence <= d.cursor {
					continue
				}
			}
			if err := d.dispatch(ctx, evt); err != nil {
				return d.cursor > start, err
			}
		}
	}
}

// replay processes logged events after the cursor, in batches. When upTo is
// positive it stops before that sequence.
func (d *Dispatcher) replay(ctx context.Context, upTo int64) error {
	for {
		batch, err := d.changes.Since(ctx, d.cursor, replayBatch)
		if err != nil {
			return fmt.Errorf("replay change log: %w", err)
		}
		for _, evt := range batch {
			if upTo > 0 && evt.Sequence >= upTo {
				return nil
			}
			if evt.Sequence <= d.cursor {
				continue
			}
			if err := d.dispatch(ctx, evt); err != nil {
				return err
			}
		}
		if len(batch) < replayBatch {
			return nil
		}
	}
}

// fillGap reads the events between the cursor and next from the log. A
// sequence still missing after gapWait is skipped so one lost write cannot
// stall every later event.
func (d *Dispatcher) fillGap(ctx context.Context, next int64) error {
	deadline := time.Now().Add(d.gapWait)
	for {
		if err := d.replay(ctx, next); err != nil {
			return err
		}
		if d.cursor >= next-1 {
			return nil
		}
		if time.Now().After(deadline) {
			d.logger.Error("Change log gap did not close, skipping",
				"from", d.cursor+1, "to", next-1)
			return nil
		}
		if err := backoff.Sleep(ctx, gapPoll); err != nil {
			return err
		}
	}
}

// dispatch runs the handler for evt and advances the cursor. Transient
// failures are returned so the event is retried after resubscribing; any
// other failure is logged and the event is skipped.
func (d *Dispatcher) dispatch(ctx context.Context, evt domain.ChangeEvent) error {
	spanCtx, span := d.tracer.Start(ctx, "fanout.dispatch."+string(evt.Type),
		trace.WithAttributes(
			attribute.Int64("change.sequence", evt.Sequence),
			attribute.String("change.type", string(evt.Type)),
		),
	)
	defer span.End()

	if h, ok := d.handlers[evt.Type]; ok {
		if err := h(spanCtx, evt); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if errors.Is(err, domain.ErrTransient) {
				return err
			}
			d.logger.ErrorContext(ctx, "Dropping change event after handler failure",
				"sequence", evt.Sequence, "event", evt.Type, "error", err)
		}
	} else {
		d.logger.WarnContext(ctx, "No handler for change event", "sequence", evt.Sequence, "event", evt.Type)
	}

	d.cursor = evt.Sequence
	if err := d.cursors.Save(ctx, d.name, evt.Sequence); err != nil {
		// The in-memory cursor still advances; a restart may re-send a few events.
		d.logger.WarnContext(ctx, "Failed to save dispatcher cursor", "sequence", evt.Sequence, "error", err)
	}
	return nil
}
