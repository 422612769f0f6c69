// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"sync"
	"testing"

	gwerrors "github.com/absmach/idtranslator/pkg/errors"
	"github.com/absmach/idtranslator/pkg/handler"
	"github.com/absmach/idtranslator/pkg/parser"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type envelope struct {
	msgType  string
	deviceID string
	data     string
}

type session struct {
	mu   sync.Mutex
	sent []envelope
}

func (s *session) Respond(msgType, deviceID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, envelope{msgType: msgType, deviceID: deviceID, data: string(data)})
	return nil
}

func (s *session) envelopes() []envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]envelope(nil), s.sent...)
}

func newSession(id string) (*session, *handler.Context) {
	s := &session{}
	return s, &handler.Context{SessionID: id, Protocol: "tcp", Responder: s}
}

func TestEnvelopeType(t *testing.T) {
	cases := map[Category]string{
		CategoryTwin:           parser.TypeTwinRes,
		CategoryPropertyChange: parser.TypePropChanged,
		CategoryCommand:        parser.TypeCommand,
		CategoryMessage:        parser.TypeC2D,
		Category("other"):      parser.TypeUnknown,
	}
	for c, want := range cases {
		assert.Equal(t, want, EnvelopeType(c), string(c))
	}
}

func TestHandlerConnect(t *testing.T) {
	e := newEnv(t)
	e.ready(t)
	h := NewHandler(e.gw, nil)
	ctx := context.Background()

	s, hctx := newSession("s1")
	require.NoError(t, h.OnConnect(ctx, hctx, "dev1", []byte(`{"model":"x"}`)))
	assert.Equal(t, []envelope{{msgType: parser.TypeConnected, deviceID: "dev1"}}, s.envelopes())

	e.tr.receive("$iothub/dev1/messages/c2d/post/", []byte(`{"led":"on"}`))
	require.Eventually(t, func() bool { return len(s.envelopes()) == 2 }, waitFor, tick)
	assert.Equal(t, envelope{msgType: parser.TypeC2D, deviceID: "dev1", data: `{"led":"on"}`}, s.envelopes()[1])

	require.NoError(t, h.OnTelemetry(ctx, hctx, "dev1", []byte(`{"t":1}`), nil))
	e.nextPublish(t, "$iothub/dev1/messages/events/")

	require.NoError(t, h.OnProperty(ctx, hctx, "dev1", []byte(`{"p":1}`)))
	e.nextPublish(t, "$iothub/dev1/twin/reported/")

	require.NoError(t, h.OnTwinRequest(ctx, hctx, "dev1"))
	e.nextPublish(t, "$iothub/dev1/twin/get/")
}

func TestHandlerConnectErrors(t *testing.T) {
	e := newEnv(t)
	h := NewHandler(e.gw, nil)
	ctx := context.Background()

	err := h.OnConnect(ctx, &handler.Context{SessionID: "s1"}, "dev1", nil)
	assert.ErrorIs(t, err, ErrNoResponder)

	_, hctx := newSession("s1")
	err = h.OnConnect(ctx, hctx, "dev1", nil)
	assert.ErrorIs(t, err, gwerrors.ErrNotReady)

	err = h.OnTelemetry(ctx, hctx, "dev1", []byte(`{}`), nil)
	assert.ErrorIs(t, err, gwerrors.ErrUnknownDevice)
}

func TestHandlerDisconnectOwnership(t *testing.T) {
	e := newEnv(t)
	e.ready(t)
	h := NewHandler(e.gw, nil)
	ctx := context.Background()

	_, first := newSession("s1")
	second, takeover := newSession("s2")
	require.NoError(t, h.OnConnect(ctx, first, "dev1", nil))
	require.NoError(t, h.OnConnect(ctx, takeover, "dev1", nil))

	// The stale session must not tear down the device.
	require.NoError(t, h.OnDisconnect(ctx, first, "dev1"))
	assert.Equal(t, []string{"dev1"}, e.gw.Devices())

	e.tr.receive("$iothub/dev1/twin/desired/?$version=2", []byte(`{"rate":5}`))
	require.Eventually(t, func() bool { return len(second.envelopes()) == 2 }, waitFor, tick)
	assert.Equal(t, parser.TypePropChanged, second.envelopes()[1].msgType)

	require.NoError(t, h.OnDisconnect(ctx, takeover, "dev1"))
	assert.Empty(t, e.gw.Devices())

	// Repeated disconnects are harmless.
	require.NoError(t, h.OnDisconnect(ctx, takeover, "dev1"))
}
