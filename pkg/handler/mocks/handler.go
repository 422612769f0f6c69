// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mocks provides a recording handler.Handler for listener tests.
package mocks

import (
	"context"
	"sync"

	"github.com/absmach/idtranslator/pkg/handler"
)

// Call is one recorded handler invocation.
type Call struct {
	Method     string
	DeviceID   string
	Data       []byte
	Properties map[string]string
	Context    handler.Context
}

// Handler records every call and returns the configured error for its method.
// OnConnect answers a "connected" envelope through the session responder, like the gateway does.
type Handler struct {
	mu     sync.Mutex
	calls  []Call
	errs   map[string]error
	notify chan Call
}

var _ handler.Handler = (*Handler)(nil)

// NewHandler creates a recording handler. Every call is also sent on Calls.
func NewHandler() *Handler {
	return &Handler{
		errs:   make(map[string]error),
		notify: make(chan Call, 100),
	}
}

// Fail makes method return err.
func (h *Handler) Fail(method string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs[method] = err
}

// Calls delivers recorded calls in order.
func (h *Handler) Calls() <-chan Call {
	return h.notify
}

// Recorded returns a copy of the recorded calls.
func (h *Handler) Recorded() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Call(nil), h.calls...)
}

func (h *Handler) record(method string, hctx *handler.Context, deviceID string, data []byte, props map[string]string) error {
	c := Call{
		Method:     method,
		DeviceID:   deviceID,
		Data:       append([]byte(nil), data...),
		Properties: props,
		Context:    *hctx,
	}

	h.mu.Lock()
	h.calls = append(h.calls, c)
	err := h.errs[method]
	h.mu.Unlock()

	select {
	case h.notify <- c:
	default:
	}

	return err
}

func (h *Handler) OnConnect(ctx context.Context, hctx *handler.Context, deviceID string, options []byte) error {
	if err := h.record("OnConnect", hctx, deviceID, options, nil); err != nil {
		return err
	}
	if hctx.Responder == nil {
		return nil
	}
	return hctx.Responder.Respond("connected", deviceID, []byte(`"ok"`))
}

func (h *Handler) OnTelemetry(ctx context.Context, hctx *handler.Context, deviceID string, data []byte, properties map[string]string) error {
	return h.record("OnTelemetry", hctx, deviceID, data, properties)
}

func (h *Handler) OnProperty(ctx context.Context, hctx *handler.Context, deviceID string, data []byte) error {
	return h.record("OnProperty", hctx, deviceID, data, nil)
}

func (h *Handler) OnTwinRequest(ctx context.Context, hctx *handler.Context, deviceID string) error {
	return h.record("OnTwinRequest", hctx, deviceID, nil, nil)
}

func (h *Handler) OnDisconnect(ctx context.Context, hctx *handler.Context, deviceID string) error {
	return h.record("OnDisconnect", hctx, deviceID, nil, nil)
}
