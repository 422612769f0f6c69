// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package udp

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/absmach/idtranslator/pkg/handler/mocks"
	"github.com/absmach/idtranslator/pkg/metrics"
	"github.com/absmach/idtranslator/pkg/parser"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	srv     *Server
	handler *mocks.Handler
	metrics *metrics.Metrics
	addr    *net.UDPAddr
	cancel  context.CancelFunc
	errs    chan error
}

func startServer(t *testing.T, cfg Config) *testServer {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	ts := &testServer{
		handler: mocks.NewHandler(),
		metrics: metrics.New("test", prometheus.NewRegistry()),
		addr:    conn.LocalAddr().(*net.UDPAddr),
		errs:    make(chan error, 1),
	}
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg.Metrics = ts.metrics
	ts.srv = New(cfg, ts.handler)

	ctx, cancel := context.WithCancel(context.Background())
	ts.cancel = cancel
	go func() {
		ts.errs <- ts.srv.Serve(ctx, conn)
	}()
	t.Cleanup(cancel)

	return ts
}

func (ts *testServer) nextCall(t *testing.T) mocks.Call {
	t.Helper()
	select {
	case c := <-ts.handler.Calls():
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not called")
		return mocks.Call{}
	}
}

func dial(t *testing.T, addr *net.UDPAddr) *net.UDPConn {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestSession(t *testing.T) {
	ts := startServer(t, Config{})
	conn := dial(t, ts.addr)

	_, err := conn.Write([]byte(`{"type":"connect","id":"dev1"}`))
	require.NoError(t, err)

	c := ts.nextCall(t)
	assert.Equal(t, "OnConnect", c.Method)
	assert.Equal(t, Protocol, c.Context.Protocol)
	assert.Equal(t, conn.LocalAddr().String(), c.Context.RemoteAddr)

	buf := make([]byte, 1024)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	e, err := parser.Decode(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, parser.TypeConnected, e.Type)

	_, err = conn.Write([]byte(`{"type":"telemetry","id":"dev1","data":{"t":1}}` + "\n" + `{"type":"twin_req","id":"dev1"}`))
	require.NoError(t, err)
	assert.Equal(t, "OnTelemetry", ts.nextCall(t).Method)
	assert.Equal(t, "OnTwinRequest", ts.nextCall(t).Method)

	assert.Equal(t, 1, ts.srv.sessions.Count())
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.ActiveSessions.WithLabelValues(Protocol)))
}

func TestOrderingPerClient(t *testing.T) {
	ts := startServer(t, Config{WorkerPoolSize: 4})
	conn := dial(t, ts.addr)

	_, err := conn.Write([]byte(`{"type":"connect","id":"dev1"}`))
	require.NoError(t, err)
	ts.nextCall(t)

	for i := 0; i < 20; i++ {
		_, err := conn.Write([]byte(`{"type":"property","id":"dev1","data":` + string(rune('0'+i%10)) + `}`))
		require.NoError(t, err)
	}

	for i := 0; i < 20; i++ {
		c := ts.nextCall(t)
		assert.Equal(t, string(rune('0'+i%10)), string(c.Data))
	}
}

func TestSessionExpiry(t *testing.T) {
	ts := startServer(t, Config{SessionTimeout: 100 * time.Millisecond})
	conn := dial(t, ts.addr)

	_, err := conn.Write([]byte(`{"type":"connect","id":"dev1"}`))
	require.NoError(t, err)
	assert.Equal(t, "OnConnect", ts.nextCall(t).Method)

	c := ts.nextCall(t)
	assert.Equal(t, "OnDisconnect", c.Method)
	assert.Equal(t, "dev1", c.DeviceID)
	assert.Equal(t, 0, ts.srv.sessions.Count())
}

func TestMaxSessions(t *testing.T) {
	ts := startServer(t, Config{MaxSessions: 1})

	first := dial(t, ts.addr)
	_, err := first.Write([]byte(`{"type":"connect","id":"dev1"}`))
	require.NoError(t, err)
	assert.Equal(t, "OnConnect", ts.nextCall(t).Method)

	second := dial(t, ts.addr)
	_, err = second.Write([]byte(`{"type":"connect","id":"dev2"}`))
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Len(t, ts.handler.Recorded(), 1)
}

func TestShutdownDisconnects(t *testing.T) {
	ts := startServer(t, Config{})
	conn := dial(t, ts.addr)

	_, err := conn.Write([]byte(`{"type":"connect","id":"dev1"}`))
	require.NoError(t, err)
	assert.Equal(t, "OnConnect", ts.nextCall(t).Method)

	ts.cancel()
	select {
	case err := <-ts.errs:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}

	c := ts.nextCall(t)
	assert.Equal(t, "OnDisconnect", c.Method)
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.SessionsTotal.WithLabelValues(Protocol, "success")))
}

func TestListenInvalidAddress(t *testing.T) {
	srv := New(Config{Address: "invalid:address:format"}, mocks.NewHandler())
	err := srv.Listen(context.Background())
	assert.Error(t, err)
}
