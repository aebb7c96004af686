package database

import (
	"context"
	"time"
)

type timeoutKey int

const (
	readTimeoutKey timeoutKey = iota
	writeTimeoutKey
)

// WithQueryTimeout overrides the connection's read timeout for operations
// run with the returned context.
func WithQueryTimeout(ctx context.Context, d time.Duration) context.Context {
	return context.WithValue(ctx, readTimeoutKey, d)
}

// WithExecuteTimeout overrides the connection's write timeout.
func WithExecuteTimeout(ctx context.Context, d time.Duration) context.Context {
	return context.WithValue(ctx, writeTimeoutKey, d)
}

// bounded derives a context that expires after the override stored under
// key, or after fallback. A non-positive result means no deadline.
func bounded(ctx context.Context, key timeoutKey, fallback time.Duration) (context.Context, context.CancelFunc) {
	timeout := fallback
	if v, ok := ctx.Value(key).(time.Duration); ok && v > 0 {
		timeout = v
	}
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
