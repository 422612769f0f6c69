// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream failure")

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func fail(context.Context) error { return errUpstream }
func pass(context.Context) error { return nil }

func newTestBreaker(c *clock) *CircuitBreaker {
	return New(Config{
		MaxFailures:      2,
		ResetTimeout:     time.Minute,
		SuccessThreshold: 2,
		Now:              c.Now,
		IsFailure: func(err error) bool {
			return !errors.Is(err, context.Canceled)
		},
	})
}

func TestBreakerLifecycle(t *testing.T) {
	c := &clock{now: time.Unix(1000, 0)}
	cb := newTestBreaker(c)
	ctx := context.Background()

	assert.ErrorIs(t, cb.Do(ctx, fail), errUpstream)
	assert.Equal(t, StateClosed, cb.State())
	assert.ErrorIs(t, cb.Do(ctx, fail), errUpstream)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Do(ctx, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	c.Advance(time.Minute)
	require.NoError(t, cb.Do(ctx, pass))
	assert.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, cb.Do(ctx, pass))
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	c := &clock{now: time.Unix(1000, 0)}
	cb := newTestBreaker(c)
	ctx := context.Background()

	_ = cb.Do(ctx, fail)
	_ = cb.Do(ctx, fail)
	c.Advance(2 * time.Minute)

	assert.ErrorIs(t, cb.Do(ctx, fail), errUpstream)
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Do(ctx, pass), ErrCircuitOpen)
}

func TestBreakerIgnoredErrors(t *testing.T) {
	c := &clock{now: time.Unix(1000, 0)}
	cb := newTestBreaker(c)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := cb.Do(ctx, func(context.Context) error { return context.Canceled })
		assert.ErrorIs(t, err, context.Canceled)
	}
	state, failures, _ := cb.Stats()
	assert.Equal(t, StateClosed, state)
	assert.Zero(t, failures)
}

func TestBreakerTimeout(t *testing.T) {
	cb := New(Config{Timeout: 10 * time.Millisecond})

	err := cb.Do(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBreakerStateChangeNotification(t *testing.T) {
	c := &clock{now: time.Unix(1000, 0)}
	cb := newTestBreaker(c)

	changes := make(chan [2]State, 1)
	cb.OnStateChange(func(from, to State) { changes <- [2]State{from, to} })

	_ = cb.Do(context.Background(), fail)
	_ = cb.Do(context.Background(), fail)

	select {
	case got := <-changes:
		assert.Equal(t, [2]State{StateClosed, StateOpen}, got)
	case <-time.After(time.Second):
		t.Fatal("state change not reported")
	}
	assert.Equal(t, "open", StateOpen.String())
}
