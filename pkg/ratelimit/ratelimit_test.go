// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestTokenBucketRefill(t *testing.T) {
	c := &clock{now: time.Unix(0, 0)}
	tb := NewTokenBucket(2, 0.5, c.Now)

	assert.True(t, tb.Allow())
	assert.True(t, tb.Allow())
	assert.False(t, tb.Allow())

	// Half a second at 0.5/s accumulates a quarter token, which is carried over.
	c.Advance(500 * time.Millisecond)
	assert.False(t, tb.Allow())
	c.Advance(1500 * time.Millisecond)
	assert.True(t, tb.Allow())

	c.Advance(time.Hour)
	assert.EqualValues(t, 2, tb.Available())
	assert.False(t, tb.AllowN(3))
}

func TestLimiterPerDevice(t *testing.T) {
	c := &clock{now: time.Unix(0, 0)}
	l := NewLimiter(Config{Burst: 1, Rate: 1, MaxDevices: 2, Now: c.Now})

	assert.True(t, l.Allow("dev1"))
	assert.False(t, l.Allow("dev1"))
	assert.True(t, l.Allow("dev2"))
	assert.False(t, l.Allow("dev3"), "device cap reached")
	assert.Equal(t, 2, l.Devices())

	l.Remove("dev1")
	assert.Equal(t, 1, l.Devices())
	assert.True(t, l.Allow("dev3"))
	assert.False(t, l.Allow("dev1"), "cap reached again")

	c.Advance(time.Second)
	assert.True(t, l.Allow("dev2"))
}
