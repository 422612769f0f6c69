// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package waitable provides containers a consumer can block on until a value
// arrives, bounded by a timeout. A timeout is reported as absence, never as an error.
package waitable

import (
	"sync"
	"time"
)

// Dict is a map whose readers can wait for a key to be put.
type Dict[K comparable, V any] struct {
	mu      sync.Mutex
	items   map[K]V
	changed chan struct{}
}

// NewDict creates an empty Dict.
func NewDict[K comparable, V any]() *Dict[K, V] {
	return &Dict[K, V]{
		items:   make(map[K]V),
		changed: make(chan struct{}),
	}
}

// Put stores v under k and wakes every waiter.
func (d *Dict[K, V]) Put(k K, v V) {
	d.mu.Lock()
	d.items[k] = v
	close(d.changed)
	d.changed = make(chan struct{})
	d.mu.Unlock()
}

// Take removes and returns the value under k, waiting up to timeout for it.
// A negative timeout waits forever, zero does not wait. When two callers race
// for one value exactly one of them receives it.
func (d *Dict[K, V]) Take(k K, timeout time.Duration) (V, bool) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		d.mu.Lock()
		if v, ok := d.items[k]; ok {
			delete(d.items, k)
			d.mu.Unlock()
			return v, true
		}
		changed := d.changed
		d.mu.Unlock()

		if timeout == 0 {
			var zero V
			return zero, false
		}

		select {
		case <-changed:
		case <-expired:
			var zero V
			return zero, false
		}
	}
}

// Len returns the number of stored values.
func (d *Dict[K, V]) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}
