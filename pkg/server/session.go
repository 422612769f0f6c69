// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package server holds the envelope session shared by the downstream listeners.
package server

import (
	"bytes"
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/absmach/idtranslator/pkg/handler"
	"github.com/absmach/idtranslator/pkg/metrics"
	"github.com/absmach/idtranslator/pkg/parser"
)

// Envelope type label used for input that could not be decoded.
const typeMalformed = "malformed"

// Session dispatches the envelopes of one downstream session and remembers the
// devices it connected, so that all of them are disconnected when it ends.
type Session struct {
	Context *handler.Context

	handler handler.Handler
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	devices map[string]struct{}
}

// NewSession creates a session for hctx.
func NewSession(hctx *handler.Context, h handler.Handler, m *metrics.Metrics, logger *slog.Logger) *Session {
	return &Session{
		Context: hctx,
		handler: h,
		metrics: m,
		logger:  logger,
		devices: make(map[string]struct{}),
	}
}

// HandleFrame dispatches every envelope of a datagram or message frame.
// A frame may carry several newline separated envelopes.
func (s *Session) HandleFrame(ctx context.Context, frame []byte) {
	for _, line := range bytes.Split(frame, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		e, err := parser.Decode(line)
		if err != nil {
			s.Reject(err)
			continue
		}
		s.Dispatch(ctx, e)
	}
}

// Reject accounts for input that could not be decoded.
func (s *Session) Reject(err error) {
	s.metrics.EnvelopesTotal.WithLabelValues(s.Context.Protocol, typeMalformed, "error").Inc()
	s.logger.Warn("dropping malformed envelope",
		slog.String("session", s.Context.SessionID),
		slog.String("error", err.Error()))
}

// Dispatch hands e to the handler. Handler errors are logged and the session continues.
func (s *Session) Dispatch(ctx context.Context, e parser.Envelope) {
	s.metrics.EnvelopeSize.WithLabelValues(s.Context.Protocol).Observe(float64(len(e.Data)))

	err := s.metrics.ObserveEnvelope(s.Context.Protocol, e.Type, func() error {
		return parser.Dispatch(ctx, s.handler, s.Context, e)
	})
	if err != nil {
		s.logger.Warn("envelope rejected",
			slog.String("session", s.Context.SessionID),
			slog.String("type", e.Type),
			slog.String("device_id", e.ID),
			slog.String("error", err.Error()))
		return
	}

	if e.Type == parser.TypeConnect {
		s.mu.Lock()
		s.devices[e.ID] = struct{}{}
		s.mu.Unlock()
	}
}

// Devices returns the devices connected through the session.
func (s *Session) Devices() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.devices))
	for id := range s.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return ids
}

// Close disconnects every device of the session. It is safe to call more than once.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	devices := s.devices
	s.devices = make(map[string]struct{})
	s.mu.Unlock()

	for id := range devices {
		if err := s.handler.OnDisconnect(ctx, s.Context, id); err != nil {
			s.logger.Error("disconnect handler error",
				slog.String("session", s.Context.SessionID),
				slog.String("device_id", id),
				slog.String("error", err.Error()))
		}
	}
}
