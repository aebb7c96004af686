package backoff

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicy_DelayWithoutJitter(t *testing.T) {
	p := Policy{Base: time.Second, Max: 30 * time.Second, Multiplier: 2}

	assert.Equal(t, 1*time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 16*time.Second, p.Delay(5))
	assert.Equal(t, 30*time.Second, p.Delay(6))
	assert.Equal(t, 30*time.Second, p.Delay(20))
}

func TestReconnect_JitterWithinOneSecond(t *testing.T) {
	p := Reconnect()
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		base := Policy{Base: p.Base, Max: p.Max, Multiplier: p.Multiplier}.Delay(attempt)
		for i := 0; i < 50; i++ {
			d := p.Delay(attempt)
			assert.GreaterOrEqual(t, d, base)
			assert.Less(t, d, base+time.Second)
		}
	}
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	p := Policy{Base: time.Millisecond, Max: 5 * time.Millisecond, MaxAttempts: 5}

	var calls []int
	err := p.Retry(context.Background(), func(attempt int) error {
		calls = append(calls, attempt)
		if attempt < 3 {
			return errors.New("not yet")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, calls)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	p := Policy{Base: time.Millisecond, Max: time.Millisecond, MaxAttempts: 3}
	boom := errors.New("boom")

	count := 0
	err := p.Retry(context.Background(), func(int) error {
		count++
		return boom
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, count)
}

func TestRetry_PermanentStopsImmediately(t *testing.T) {
	p := Policy{Base: time.Millisecond, MaxAttempts: 5}
	boom := errors.New("bad input")

	count := 0
	err := p.Retry(context.Background(), func(int) error {
		count++
		return Permanent(boom)
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, count)
}

func TestRetry_WrappedPermanentStopsImmediately(t *testing.T) {
	p := Policy{Base: time.Millisecond, MaxAttempts: 5}
	gone := errors.New("unknown user")

	count := 0
	err := p.Retry(context.Background(), func(int) error {
		count++
		return fmt.Errorf("obtain session token: %w", Permanent(gone))
	})

	assert.ErrorIs(t, err, gone)
	assert.Equal(t, 1, count)
	assert.True(t, IsPermanent(err))
	assert.False(t, IsPermanent(gone))
	assert.False(t, IsPermanent(nil))
}

func TestRetry_ContextCancelled(t *testing.T) {
	p := Policy{Base: time.Hour, MaxAttempts: 3}
	ctx, cancel := context.WithCancel(context.Background())

	err := p.Retry(ctx, func(int) error {
		cancel()
		return errors.New("fail")
	})

	assert.ErrorIs(t, err, context.Canceled)
}
