// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"os"
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

func startServer(t *testing.T, cfg Config) (*mocks.Handler, string, context.CancelFunc, <-chan error) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	h := mocks.NewHandler()
	srv := New(cfg, h)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		errs <- srv.Serve(ctx, ln)
	}()
	t.Cleanup(cancel)

	return h, ln.Addr().String(), cancel, errs
}

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
	m := metrics.New("test", prometheus.NewRegistry())
	h, addr, _, _ := startServer(t, Config{Metrics: m})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	r := bufio.NewReader(conn)

	_, err = conn.Write([]byte(`{"type":"connect","id":"dev1","data":{"model":"x"}}` + "\n"))
	require.NoError(t, err)

	c := nextCall(t, h)
	assert.Equal(t, "OnConnect", c.Method)
	assert.Equal(t, "dev1", c.DeviceID)
	assert.JSONEq(t, `{"model":"x"}`, string(c.Data))
	assert.Equal(t, Protocol, c.Context.Protocol)
	assert.NotEmpty(t, c.Context.SessionID)

	line, err := r.ReadBytes('\n')
	require.NoError(t, err)
	e, err := parser.Decode(line)
	require.NoError(t, err)
	assert.Equal(t, parser.TypeConnected, e.Type)
	assert.Equal(t, "dev1", e.ID)

	// Garbage does not end the session.
	_, err = conn.Write([]byte("garbage\n" + `{"type":"property","id":"dev1","data":{"fw":"1.0"}}` + "\n"))
	require.NoError(t, err)
	c = nextCall(t, h)
	assert.Equal(t, "OnProperty", c.Method)

	require.NoError(t, conn.Close())
	c = nextCall(t, h)
	assert.Equal(t, "OnDisconnect", c.Method)
	assert.Equal(t, "dev1", c.DeviceID)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.SessionsTotal.WithLabelValues(Protocol, "success")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EnvelopesTotal.WithLabelValues(Protocol, "malformed", "error")))
}

func TestGracefulShutdown(t *testing.T) {
	h, addr, cancel, errs := startServer(t, Config{ShutdownTimeout: 2 * time.Second})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(`{"type":"connect","id":"dev1"}` + "\n"))
	require.NoError(t, err)
	assert.Equal(t, "OnConnect", nextCall(t, h).Method)

	cancel()

	select {
	case err := <-errs:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.Equal(t, "OnDisconnect", nextCall(t, h).Method)

	_, err = net.DialTimeout("tcp", addr, 200*time.Millisecond)
	assert.Error(t, err)
}

func TestEnvelopeTooLarge(t *testing.T) {
	h, addr, _, _ := startServer(t, Config{MaxEnvelopeSize: 64})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(`{"type":"connect","id":"dev1"}` + "\n"))
	require.NoError(t, err)
	assert.Equal(t, "OnConnect", nextCall(t, h).Method)

	big := make([]byte, 128)
	for i := range big {
		big[i] = 'x'
	}
	_, err = conn.Write(append(big, '\n'))
	require.NoError(t, err)

	assert.Equal(t, "OnDisconnect", nextCall(t, h).Method)
}

func TestListenInvalidAddress(t *testing.T) {
	srv := New(Config{Address: "invalid:address:format"}, mocks.NewHandler())
	err := srv.Listen(context.Background())
	assert.Error(t, err)
}

func TestStalledClientWriteTimesOut(t *testing.T) {
	client, peer := net.Pipe()
	defer client.Close()
	defer peer.Close()

	w := parser.NewWriter(deadlineWriter{conn: client, timeout: 20 * time.Millisecond})

	start := time.Now()
	err := w.Respond(parser.TypeC2D, "dev1", []byte(`"hello"`))
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}
