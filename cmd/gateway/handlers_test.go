// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/absmach/idtranslator/pkg/handler"
	"github.com/absmach/idtranslator/pkg/handler/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggingHandler(t *testing.T) {
	var buf bytes.Buffer
	inner := mocks.NewHandler()
	h := &LoggingHandler{
		handler: inner,
		logger:  slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})),
	}
	hctx := &handler.Context{SessionID: "s1", Protocol: "tcp", RemoteAddr: "127.0.0.1:5000"}
	errBoom := errors.New("boom")

	inner.Fail("OnTelemetry", errBoom)

	require.NoError(t, h.OnConnect(context.Background(), hctx, "dev1", []byte("{}")))
	assert.ErrorIs(t, h.OnTelemetry(context.Background(), hctx, "dev1", []byte("42"), nil), errBoom)

	calls := inner.Recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, "OnConnect", calls[0].Method)
	assert.Equal(t, "OnTelemetry", calls[1].Method)
	out := buf.String()
	assert.Contains(t, out, `"op":"connect"`)
	assert.Contains(t, out, `"op":"telemetry"`)
	assert.Contains(t, out, `"error":"boom"`)
	assert.Contains(t, out, `"session":"s1"`)
}
