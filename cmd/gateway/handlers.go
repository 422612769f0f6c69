// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/absmach/idtranslator/pkg/handler"
)

var _ handler.Handler = (*LoggingHandler)(nil)

// LoggingHandler wraps a handler with per-operation debug logging.
type LoggingHandler struct {
	handler handler.Handler
	logger  *slog.Logger
}

func (h *LoggingHandler) log(hctx *handler.Context, op, deviceID string, start time.Time, err error) {
	args := []any{
		slog.String("op", op),
		slog.String("device_id", deviceID),
		slog.String("session", hctx.SessionID),
		slog.String("protocol", hctx.Protocol),
		slog.String("remote", hctx.RemoteAddr),
		slog.Duration("duration", time.Since(start)),
	}
	if err != nil {
		h.logger.Warn("Downstream request failed", append(args, slog.String("error", err.Error()))...)
		return
	}
	h.logger.Debug("Downstream request", args...)
}

// OnConnect implements handler.Handler.
func (h *LoggingHandler) OnConnect(ctx context.Context, hctx *handler.Context, deviceID string, options []byte) error {
	start := time.Now()
	err := h.handler.OnConnect(ctx, hctx, deviceID, options)
	h.log(hctx, "connect", deviceID, start, err)
	return err
}

// OnTelemetry implements handler.Handler.
func (h *LoggingHandler) OnTelemetry(ctx context.Context, hctx *handler.Context, deviceID string, data []byte, properties map[string]string) error {
	start := time.Now()
	err := h.handler.OnTelemetry(ctx, hctx, deviceID, data, properties)
	h.log(hctx, "telemetry", deviceID, start, err)
	return err
}

// OnProperty implements handler.Handler.
func (h *LoggingHandler) OnProperty(ctx context.Context, hctx *handler.Context, deviceID string, data []byte) error {
	start := time.Now()
	err := h.handler.OnProperty(ctx, hctx, deviceID, data)
	h.log(hctx, "property", deviceID, start, err)
	return err
}

// OnTwinRequest implements handler.Handler.
func (h *LoggingHandler) OnTwinRequest(ctx context.Context, hctx *handler.Context, deviceID string) error {
	start := time.Now()
	err := h.handler.OnTwinRequest(ctx, hctx, deviceID)
	h.log(hctx, "twin", deviceID, start, err)
	return err
}

// OnDisconnect implements handler.Handler.
func (h *LoggingHandler) OnDisconnect(ctx context.Context, hctx *handler.Context, deviceID string) error {
	start := time.Now()
	err := h.handler.OnDisconnect(ctx, hctx, deviceID)
	h.log(hctx, "disconnect", deviceID, start, err)
	return err
}
