// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport defines the publish/subscribe capability the gateway
// drives. Implementations own MQTT framing, TLS and acknowledgements.
package transport

import (
	"context"
	"errors"
)

// ErrNotConnected is returned by operations issued without a connection.
var ErrNotConnected = errors.New("transport not connected")

// Message is an inbound publish.
type Message struct {
	Topic   string
	Payload []byte
}

// Handlers receive transport events. They are called from transport
// goroutines and must not block.
type Handlers struct {
	OnConnectionLost func(err error)
	OnMessage        func(msg Message)
}

// Transport is a QoS 1 publish/subscribe connection to the hub.
type Transport interface {
	// SetHandlers registers event handlers. It must be called before Connect.
	SetHandlers(h Handlers)

	// SetCredentials replaces the username and password used by the next Connect.
	SetCredentials(username, password string)

	// Connect dials the hub and waits for the connection to be acknowledged.
	// A refusal of the credentials is reported as errors.ErrTransportRejected.
	Connect(ctx context.Context) error

	// Disconnect closes the connection. Handlers are not notified.
	Disconnect()

	// IsConnected reports whether the connection is up.
	IsConnected() bool

	Subscribe(ctx context.Context, topics ...string) error
	Unsubscribe(ctx context.Context, topics ...string) error
	Publish(ctx context.Context, topic string, payload []byte) error
}
