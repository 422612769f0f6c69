// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/absmach/idtranslator/pkg/handler/mocks"
	"github.com/absmach/idtranslator/pkg/parser"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func nextCall(t *testing.T, h *mocks.Handler) mocks.Call {
	t.Helper()
	select {
	case c := <-h.Calls():
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not called")
		return mocks.Call{}
	}
}

func TestSession(t *testing.T) {
	h := mocks.NewHandler()
	ts := httptest.NewServer(New(Config{Logger: discard}, h))
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"connect","id":"dev1"}`)))
	c := nextCall(t, h)
	assert.Equal(t, "OnConnect", c.Method)
	assert.Equal(t, Protocol, c.Context.Protocol)

	mt, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	e, err := parser.Decode(msg)
	require.NoError(t, err)
	assert.Equal(t, parser.TypeConnected, e.Type)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"telemetry","id":"dev1","data":{"t":2}}`+"\n"+`{"type":"twin_req","id":"dev1"}`)))
	assert.Equal(t, "OnTelemetry", nextCall(t, h).Method)
	assert.Equal(t, "OnTwinRequest", nextCall(t, h).Method)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	c = nextCall(t, h)
	assert.Equal(t, "OnDisconnect", c.Method)
	assert.Equal(t, "dev1", c.DeviceID)
}

func TestRejectsPlainHTTP(t *testing.T) {
	ts := httptest.NewServer(New(Config{Logger: discard}, mocks.NewHandler()))
	defer ts.Close()

	resp, err := http.Get(ts.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServeShutdown(t *testing.T) {
	h := mocks.NewHandler()
	srv := New(Config{Path: "/devices", Logger: discard, ShutdownTimeout: 2 * time.Second}, h)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		errs <- srv.Serve(ctx, ln)
	}()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/devices", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"connect","id":"dev1"}`)))
	assert.Equal(t, "OnConnect", nextCall(t, h).Method)

	cancel()
	select {
	case err := <-errs:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.Equal(t, "OnDisconnect", nextCall(t, h).Method)
}
