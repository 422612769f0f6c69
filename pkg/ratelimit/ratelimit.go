// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit budgets upstream publishes per downstream device.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimitExceeded is returned when a device has used its publish budget.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// TokenBucket implements the token bucket algorithm. Tokens refill continuously.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	now        func() time.Time
}

// NewTokenBucket creates a full bucket.
func NewTokenBucket(capacity int64, refillRate float64, now func() time.Time) *TokenBucket {
	if now == nil {
		now = time.Now
	}
	return &TokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: refillRate,
		lastRefill: now(),
		now:        now,
	}
}

// Allow takes one token if available.
func (tb *TokenBucket) Allow() bool {
	return tb.AllowN(1)
}

// AllowN takes n tokens if available.
func (tb *TokenBucket) AllowN(n int64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	if tb.tokens >= float64(n) {
		tb.tokens -= float64(n)
		return true
	}

	return false
}

func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}

	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
}

// Available returns the number of whole tokens available.
func (tb *TokenBucket) Available() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return int64(tb.tokens)
}

// Config holds the per-device budget.
type Config struct {
	// Burst is the bucket capacity.
	Burst int64
	// Rate is the number of publishes per second refilled into each bucket.
	Rate float64
	// MaxDevices caps the number of tracked buckets. New devices beyond it are refused.
	MaxDevices int
	Now        func() time.Time
}

// Limiter manages one bucket per device. Buckets are released explicitly when a device leaves.
type Limiter struct {
	mu      sync.Mutex
	config  Config
	buckets map[string]*TokenBucket
}

// NewLimiter creates a per-device limiter.
func NewLimiter(cfg Config) *Limiter {
	if cfg.Burst == 0 {
		cfg.Burst = 100
	}
	if cfg.Rate == 0 {
		cfg.Rate = 10
	}
	if cfg.MaxDevices == 0 {
		cfg.MaxDevices = 10000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Limiter{
		config:  cfg,
		buckets: make(map[string]*TokenBucket),
	}
}

// Allow takes one token from the device bucket.
func (l *Limiter) Allow(deviceID string) bool {
	return l.AllowN(deviceID, 1)
}

// AllowN takes n tokens from the device bucket, creating the bucket on first use.
func (l *Limiter) AllowN(deviceID string, n int64) bool {
	l.mu.Lock()
	tb, ok := l.buckets[deviceID]
	if !ok {
		if len(l.buckets) >= l.config.MaxDevices {
			l.mu.Unlock()
			return false
		}
		tb = NewTokenBucket(l.config.Burst, l.config.Rate, l.config.Now)
		l.buckets[deviceID] = tb
	}
	l.mu.Unlock()

	return tb.AllowN(n)
}

// Remove releases the device bucket.
func (l *Limiter) Remove(deviceID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, deviceID)
}

// Devices returns the number of tracked buckets.
func (l *Limiter) Devices() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
