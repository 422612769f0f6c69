// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package waitable

import (
	"sync"
	"time"

	"github.com/absmach/idtranslator/pkg/topic"
	"github.com/absmach/idtranslator/pkg/transport"
)

// MessageQueue is an unbounded FIFO of inbound messages. Push never blocks.
type MessageQueue struct {
	mu      sync.Mutex
	items   []transport.Message
	changed chan struct{}
}

// NewMessageQueue creates an empty queue.
func NewMessageQueue() *MessageQueue {
	return &MessageQueue{changed: make(chan struct{})}
}

// Push appends msg and wakes every waiter.
func (q *MessageQueue) Push(msg transport.Message) {
	q.mu.Lock()
	q.items = append(q.items, msg)
	close(q.changed)
	q.changed = make(chan struct{})
	q.mu.Unlock()
}

// Changed returns a channel closed by the next Push. Obtain the channel
// before draining the queue so that no arrival is missed.
func (q *MessageQueue) Changed() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.changed
}

// Len returns the number of queued messages.
func (q *MessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// WaitAny reports whether the queue became non-empty within timeout.
// It does not consume anything.
func (q *MessageQueue) WaitAny(timeout time.Duration) bool {
	_, ok := q.wait(timeout, func() (transport.Message, bool) {
		return transport.Message{}, len(q.items) > 0
	})
	return ok
}

// PopMatching removes and returns the oldest message satisfying match,
// waiting up to timeout. A negative timeout waits forever.
func (q *MessageQueue) PopMatching(match func(transport.Message) bool, timeout time.Duration) (transport.Message, bool) {
	return q.wait(timeout, func() (transport.Message, bool) {
		for i, msg := range q.items {
			if match(msg) {
				q.items = append(q.items[:i], q.items[i+1:]...)
				return msg, true
			}
		}
		return transport.Message{}, false
	})
}

// wait re-evaluates check under the lock after every push until it succeeds or timeout elapses.
func (q *MessageQueue) wait(timeout time.Duration, check func() (transport.Message, bool)) (transport.Message, bool) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		q.mu.Lock()
		if msg, ok := check(); ok {
			q.mu.Unlock()
			return msg, true
		}
		changed := q.changed
		q.mu.Unlock()

		if timeout == 0 {
			return transport.Message{}, false
		}

		select {
		case <-changed:
		case <-expired:
			return transport.Message{}, false
		}
	}
}

// PopAny removes the oldest message.
func (q *MessageQueue) PopAny(timeout time.Duration) (transport.Message, bool) {
	return q.PopMatching(func(transport.Message) bool { return true }, timeout)
}

// PopTwinResponse removes the response to requestTopic, or any twin response when it is empty.
func (q *MessageQueue) PopTwinResponse(c *topic.Codec, requestTopic string, timeout time.Duration) (transport.Message, bool) {
	return q.PopMatching(func(m transport.Message) bool {
		return c.IsTwinResponse(m.Topic, requestTopic)
	}, timeout)
}

// PopTwinDesiredPatch removes the oldest desired properties patch.
func (q *MessageQueue) PopTwinDesiredPatch(c *topic.Codec, timeout time.Duration) (transport.Message, bool) {
	return q.PopMatching(func(m transport.Message) bool {
		return c.IsTwinDesiredPatch(m.Topic)
	}, timeout)
}

// PopC2D removes the oldest cloud-to-device message.
func (q *MessageQueue) PopC2D(c *topic.Codec, timeout time.Duration) (transport.Message, bool) {
	return q.PopMatching(func(m transport.Message) bool {
		return c.IsC2D(m.Topic)
	}, timeout)
}

// PopMethodRequest removes the oldest request for methodName, or any method request when it is empty.
func (q *MessageQueue) PopMethodRequest(c *topic.Codec, methodName string, timeout time.Duration) (transport.Message, bool) {
	return q.PopMatching(func(m transport.Message) bool {
		return c.IsMethodRequest(m.Topic, methodName)
	}, timeout)
}
