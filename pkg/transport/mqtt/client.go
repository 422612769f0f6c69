// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mqtt implements transport.Transport with the paho MQTT client.
package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	gwerrors "github.com/absmach/idtranslator/pkg/errors"
	"github.com/absmach/idtranslator/pkg/transport"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
)

const qos = 1

// ErrNotConnected is returned by operations issued without a connection.
var ErrNotConnected = transport.ErrNotConnected

// Config holds the upstream connection settings.
type Config struct {
	// Host and Port of the hub or edge hub.
	Host string
	Port int

	ClientID string

	// TLSConfig enables mqtts. A nil config dials plain TCP.
	TLSConfig *tls.Config

	ConnectTimeout time.Duration
	KeepAlive      time.Duration

	Logger *slog.Logger
}

// Client is a single upstream MQTT connection.
// Reconnection is left to the caller so that every attempt can present fresh credentials.
type Client struct {
	config Config
	logger *slog.Logger

	mu       sync.RWMutex
	username string
	password string
	handlers transport.Handlers
	client   paho.Client
}

var _ transport.Transport = (*Client)(nil)

// New creates a client. Nothing is dialed until Connect.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 60 * time.Second
	}

	return &Client{
		config: cfg,
		logger: cfg.Logger,
	}
}

// SetHandlers implements transport.Transport.
func (c *Client) SetHandlers(h transport.Handlers) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = h
}

// SetCredentials implements transport.Transport.
func (c *Client) SetCredentials(username, password string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.username = username
	c.password = password
}

func (c *Client) credentials() (string, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username, c.password
}

func (c *Client) broker() string {
	scheme := "tls"
	if c.config.TLSConfig == nil {
		scheme = "tcp"
	}
	return scheme + "://" + net.JoinHostPort(c.config.Host, strconv.Itoa(c.config.Port))
}

// Connect implements transport.Transport.
func (c *Client) Connect(ctx context.Context) error {
	opts := paho.NewClientOptions().
		AddBroker(c.broker()).
		SetClientID(c.config.ClientID).
		SetProtocolVersion(4).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectTimeout(c.config.ConnectTimeout).
		SetKeepAlive(c.config.KeepAlive).
		SetCredentialsProvider(c.credentials).
		SetDefaultPublishHandler(c.onMessage).
		SetConnectionLostHandler(c.onConnectionLost)
	if c.config.TLSConfig != nil {
		opts.SetTLSConfig(c.config.TLSConfig)
	}

	client := paho.NewClient(opts)
	token := client.Connect()
	if err := wait(ctx, token); err != nil {
		if ct, ok := token.(*paho.ConnectToken); ok && refused(ct.ReturnCode(), err) {
			return fmt.Errorf("%w: %v", gwerrors.ErrTransportRejected, err)
		}
		return fmt.Errorf("failed to connect to %s: %w", c.broker(), err)
	}

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	c.logger.Info("connected to hub",
		slog.String("broker", c.broker()),
		slog.String("client_id", c.config.ClientID))

	return nil
}

func refused(rc byte, err error) bool {
	switch rc {
	case packets.ErrRefusedBadUsernameOrPassword, packets.ErrRefusedNotAuthorised:
		return true
	}
	return errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword) ||
		errors.Is(err, packets.ErrorRefusedNotAuthorised)
}

// Disconnect implements transport.Transport.
func (c *Client) Disconnect() {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()

	if client != nil && client.IsConnectionOpen() {
		client.Disconnect(250)
	}
}

// IsConnected implements transport.Transport.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client != nil && c.client.IsConnectionOpen()
}

func (c *Client) current() (paho.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil || !c.client.IsConnectionOpen() {
		return nil, ErrNotConnected
	}
	return c.client, nil
}

// Subscribe implements transport.Transport. Messages are delivered to Handlers.OnMessage.
func (c *Client) Subscribe(ctx context.Context, topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	client, err := c.current()
	if err != nil {
		return err
	}

	filters := make(map[string]byte, len(topics))
	for _, t := range topics {
		filters[t] = qos
	}

	return wait(ctx, client.SubscribeMultiple(filters, nil))
}

// Unsubscribe implements transport.Transport.
func (c *Client) Unsubscribe(ctx context.Context, topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	client, err := c.current()
	if err != nil {
		return err
	}
	return wait(ctx, client.Unsubscribe(topics...))
}

// Publish implements transport.Transport.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	client, err := c.current()
	if err != nil {
		return err
	}
	return wait(ctx, client.Publish(topic, qos, false, payload))
}

func (c *Client) onMessage(_ paho.Client, m paho.Message) {
	c.mu.RLock()
	h := c.handlers.OnMessage
	c.mu.RUnlock()

	if h == nil {
		c.logger.Warn("dropping message without handler", slog.String("topic", m.Topic()))
		return
	}
	h(transport.Message{Topic: m.Topic(), Payload: m.Payload()})
}

func (c *Client) onConnectionLost(_ paho.Client, err error) {
	c.mu.RLock()
	h := c.handlers.OnConnectionLost
	c.mu.RUnlock()

	c.logger.Warn("connection to hub lost", slog.String("error", err.Error()))
	if h != nil {
		h(err)
	}
}

func wait(ctx context.Context, t paho.Token) error {
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
