// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
)

// Responder writes an envelope back to a downstream session.
// Implementations must be safe for concurrent use.
type Responder interface {
	Respond(msgType, deviceID string, data []byte) error
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(msgType, deviceID string, data []byte) error

// Respond implements Responder.
func (f ResponderFunc) Respond(msgType, deviceID string, data []byte) error {
	return f(msgType, deviceID, data)
}

// Context contains session metadata passed to every Handler call.
type Context struct {
	// SessionID is a unique identifier for this connection/session
	SessionID string

	// DeviceID is set by the server once a connect envelope was accepted
	DeviceID string

	// RemoteAddr is the client's network address
	RemoteAddr string

	// Protocol indicates the listener (tcp, udp, ws)
	Protocol string

	// Responder writes envelopes back to the session
	Responder Responder
}

// Handler defines the callbacks for downstream operations.
// Errors from request methods are reported back to the device.
// Errors from OnDisconnect are logged only.
type Handler interface {
	// OnConnect registers deviceID with the options carried by the connect envelope.
	OnConnect(ctx context.Context, hctx *Context, deviceID string, options []byte) error

	// OnTelemetry sends data as a telemetry message with the given application properties.
	OnTelemetry(ctx context.Context, hctx *Context, deviceID string, data []byte, properties map[string]string) error

	// OnProperty sends data as a reported property patch.
	OnProperty(ctx context.Context, hctx *Context, deviceID string, data []byte) error

	// OnTwinRequest asks for the device twin. The twin arrives later through the Responder.
	OnTwinRequest(ctx context.Context, hctx *Context, deviceID string) error

	// OnDisconnect is called when the session of deviceID ends.
	OnDisconnect(ctx context.Context, hctx *Context, deviceID string) error
}

// NoopHandler is a Handler implementation that accepts everything.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) OnConnect(ctx context.Context, hctx *Context, deviceID string, options []byte) error {
	return nil
}

func (h *NoopHandler) OnTelemetry(ctx context.Context, hctx *Context, deviceID string, data []byte, properties map[string]string) error {
	return nil
}

func (h *NoopHandler) OnProperty(ctx context.Context, hctx *Context, deviceID string, data []byte) error {
	return nil
}

func (h *NoopHandler) OnTwinRequest(ctx context.Context, hctx *Context, deviceID string) error {
	return nil
}

func (h *NoopHandler) OnDisconnect(ctx context.Context, hctx *Context, deviceID string) error {
	return nil
}
