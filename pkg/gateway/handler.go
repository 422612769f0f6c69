// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	gwerrors "github.com/absmach/idtranslator/pkg/errors"
	"github.com/absmach/idtranslator/pkg/handler"
	"github.com/absmach/idtranslator/pkg/parser"
)

// ErrNoResponder is returned for a connect from a session that cannot be answered.
var ErrNoResponder = errors.New("session has no responder")

// Handler adapts the Gateway to the downstream handler.Handler contract.
type Handler struct {
	gw     *Gateway
	logger *slog.Logger

	mu     sync.Mutex
	owners map[string]string // device id -> session id
}

var _ handler.Handler = (*Handler)(nil)

// NewHandler creates a downstream handler backed by gw.
func NewHandler(gw *Gateway, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		gw:     gw,
		logger: logger,
		owners: make(map[string]string),
	}
}

// EnvelopeType maps a callback category to the outbound envelope type.
func EnvelopeType(c Category) string {
	switch c {
	case CategoryTwin:
		return parser.TypeTwinRes
	case CategoryPropertyChange:
		return parser.TypePropChanged
	case CategoryCommand:
		return parser.TypeCommand
	case CategoryMessage:
		return parser.TypeC2D
	default:
		return parser.TypeUnknown
	}
}

// OnConnect registers the device and answers with a connected envelope.
// Hub traffic for the device is written to the session that connected it last.
func (h *Handler) OnConnect(ctx context.Context, hctx *handler.Context, deviceID string, options []byte) error {
	r := hctx.Responder
	if r == nil {
		return ErrNoResponder
	}

	cb := func(c Category, payload []byte) error {
		return r.Respond(EnvelopeType(c), deviceID, payload)
	}
	if err := h.gw.RegisterClient(ctx, deviceID, options, cb); err != nil {
		return err
	}

	h.mu.Lock()
	h.owners[deviceID] = hctx.SessionID
	h.mu.Unlock()

	h.logger.Debug("downstream device connected",
		slog.String("device_id", deviceID),
		slog.String("session", hctx.SessionID),
		slog.String("protocol", hctx.Protocol))

	return r.Respond(parser.TypeConnected, deviceID, nil)
}

func (h *Handler) OnTelemetry(ctx context.Context, hctx *handler.Context, deviceID string, data []byte, properties map[string]string) error {
	return h.gw.SendTelemetry(ctx, deviceID, data, properties)
}

func (h *Handler) OnProperty(ctx context.Context, hctx *handler.Context, deviceID string, data []byte) error {
	return h.gw.SendProperty(ctx, deviceID, data)
}

func (h *Handler) OnTwinRequest(ctx context.Context, hctx *handler.Context, deviceID string) error {
	return h.gw.GetTwin(ctx, deviceID)
}

// OnDisconnect unregisters the device unless another session has connected it since.
func (h *Handler) OnDisconnect(ctx context.Context, hctx *handler.Context, deviceID string) error {
	h.mu.Lock()
	owner, ok := h.owners[deviceID]
	if !ok || owner != hctx.SessionID {
		h.mu.Unlock()
		return nil
	}
	delete(h.owners, deviceID)
	h.mu.Unlock()

	err := h.gw.UnregisterClient(ctx, deviceID)
	if errors.Is(err, gwerrors.ErrUnknownDevice) {
		return nil
	}
	return err
}
