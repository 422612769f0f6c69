// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"
	gwerrors "github.com/absmach/idtranslator/pkg/errors"
	"github.com/absmach/idtranslator/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const deniedClientID = "intruder"

type authPlugin struct{}

func (authPlugin) Load(gmqtt.Server) error { return nil }
func (authPlugin) Unload() error          { return nil }
func (authPlugin) Name() string            { return "auth" }

func (authPlugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnConnectWrapper: func(connect gmqtt.OnConnect) gmqtt.OnConnect {
			return func(ctx context.Context, client gmqtt.Client) uint8 {
				if client.OptionsReader().ClientID() == deniedClientID {
					return packets.CodeNotAuthorized
				}
				return connect(ctx, client)
			}
		},
	}
}

func startBroker(t *testing.T) (string, int) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := gmqtt.NewServer(
		gmqtt.WithTCPListener(ln),
		gmqtt.WithPlugin(authPlugin{}),
	)
	s.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})

	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func newTestClient(t *testing.T, host string, port int, clientID string) *Client {
	t.Helper()
	c := New(Config{
		Host:           host,
		Port:           port,
		ClientID:       clientID,
		ConnectTimeout: 2 * time.Second,
	})
	c.SetCredentials("hub/"+clientID, "secret")
	return c
}

func TestPublishSubscribe(t *testing.T) {
	host, port := startBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan transport.Message, 1)
	c := newTestClient(t, host, port, "gateway")
	c.SetHandlers(transport.Handlers{
		OnMessage: func(m transport.Message) { received <- m },
	})

	require.NoError(t, c.Connect(ctx))
	defer c.Disconnect()
	assert.True(t, c.IsConnected())

	require.NoError(t, c.Subscribe(ctx, "devices/dev1/messages/#"))
	require.NoError(t, c.Publish(ctx, "devices/dev1/messages/events/a=1", []byte(`{"t":21}`)))

	select {
	case m := <-received:
		assert.Equal(t, "devices/dev1/messages/events/a=1", m.Topic)
		assert.JSONEq(t, `{"t":21}`, string(m.Payload))
	case <-time.After(3 * time.Second):
		t.Fatal("message not delivered")
	}

	require.NoError(t, c.Unsubscribe(ctx, "devices/dev1/messages/#"))
}

func TestConnectRejected(t *testing.T) {
	host, port := startBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := newTestClient(t, host, port, deniedClientID)
	err := c.Connect(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, gwerrors.ErrTransportRejected)
	assert.False(t, c.IsConnected())
}

func TestConnectUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := newTestClient(t, "127.0.0.1", port, "gateway")
	err = c.Connect(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, gwerrors.ErrTransportRejected)
}

func TestNotConnected(t *testing.T) {
	c := New(Config{Host: "127.0.0.1", Port: 1, ClientID: "idle"})
	ctx := context.Background()

	assert.ErrorIs(t, c.Publish(ctx, "a", nil), ErrNotConnected)
	assert.ErrorIs(t, c.Subscribe(ctx, "a"), ErrNotConnected)
	assert.NoError(t, c.Subscribe(ctx))
	assert.False(t, c.IsConnected())
	c.Disconnect()
}

func TestConnectionLost(t *testing.T) {
	host, port := startBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lost := make(chan error, 1)
	first := newTestClient(t, host, port, "gateway")
	first.SetHandlers(transport.Handlers{
		OnConnectionLost: func(err error) { lost <- err },
	})
	require.NoError(t, first.Connect(ctx))

	// A second session with the same client id takes over the first.
	second := newTestClient(t, host, port, "gateway")
	require.NoError(t, second.Connect(ctx))
	defer second.Disconnect()

	select {
	case err := <-lost:
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("connection loss not reported")
	}
}
