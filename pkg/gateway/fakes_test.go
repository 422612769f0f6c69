// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/absmach/idtranslator/pkg/auth"
	"github.com/absmach/idtranslator/pkg/provision"
	"github.com/absmach/idtranslator/pkg/transport"
)

type fakeTransport struct {
	mu          sync.Mutex
	handlers    transport.Handlers
	username    string
	password    string
	passwords   []string
	connectErrs []error
	connects    int
	disconnects int
	connected   bool
	subscribed  [][]string
	unsubscribe []string
	publishErr  error
	published   chan transport.Message
}

var _ transport.Transport = (*fakeTransport)(nil)

func newFakeTransport() *fakeTransport {
	return &fakeTransport{published: make(chan transport.Message, 100)}
}

func (f *fakeTransport) SetHandlers(h transport.Handlers) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = h
}

func (f *fakeTransport) SetCredentials(username, password string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.username, f.password = username, password
}

func (f *fakeTransport) credentials() (string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.username, f.password
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.connects++
	f.passwords = append(f.passwords, f.password)
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		if err != nil {
			return err
		}
	}
	f.connected = true

	return nil
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.connected = false
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Subscribe(ctx context.Context, topics ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return transport.ErrNotConnected
	}
	f.subscribed = append(f.subscribed, append([]string(nil), topics...))
	return nil
}

func (f *fakeTransport) Unsubscribe(ctx context.Context, topics ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribe = append(f.unsubscribe, topics...)
	return nil
}

func (f *fakeTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	err := f.publishErr
	if err == nil && !f.connected {
		err = transport.ErrNotConnected
	}
	f.mu.Unlock()
	if err != nil {
		return err
	}

	f.published <- transport.Message{Topic: topic, Payload: payload}
	return nil
}

// receive simulates an inbound publish.
func (f *fakeTransport) receive(topic string, payload []byte) {
	f.mu.Lock()
	h := f.handlers.OnMessage
	f.mu.Unlock()
	h(transport.Message{Topic: topic, Payload: payload})
}

// lose simulates a dropped connection.
func (f *fakeTransport) lose(err error) {
	f.mu.Lock()
	f.connected = false
	h := f.handlers.OnConnectionLost
	f.mu.Unlock()
	h(err)
}

func (f *fakeTransport) stats() (connects, disconnects int, passwords []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.disconnects, append([]string(nil), f.passwords...)
}

func (f *fakeTransport) subscriptions() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.subscribed...)
}

func (f *fakeTransport) unsubscribed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.unsubscribe...)
}

type fakeProvider struct {
	mu           sync.Mutex
	deviceID     string
	moduleID     string
	renewals     int
	readyToRenew bool
	handler      auth.RenewalHandler
}

var _ auth.Provider = (*fakeProvider)(nil)

func (p *fakeProvider) Identity() auth.Identity {
	return auth.Identity{Hostname: "hub.example.net", DeviceID: p.deviceID, ModuleID: p.moduleID}
}
func (p *fakeProvider) Hostname() string                { return "hub.example.net" }
func (p *fakeProvider) DeviceID() string                { return p.deviceID }
func (p *fakeProvider) ModuleID() string                { return p.moduleID }
func (p *fakeProvider) GatewayHostname() string         { return "edge.local" }
func (p *fakeProvider) Port() int                       { return auth.DefaultPort }
func (p *fakeProvider) APIVersion() string              { return auth.EdgeAPIVersion }
func (p *fakeProvider) Username() string                { return p.Identity().Username(auth.EdgeAPIVersion) }
func (p *fakeProvider) ClientID() string                { return p.Identity().ClientID() }
func (p *fakeProvider) SASURI() string                  { return p.Identity().SASURI() }
func (p *fakeProvider) TLSConfig() (*tls.Config, error) { return &tls.Config{}, nil }
func (p *fakeProvider) ExpiryTime() time.Time           { return time.Now().Add(time.Hour) }
func (p *fakeProvider) RenewalTime() time.Time          { return time.Now().Add(time.Hour - time.Minute) }
func (p *fakeProvider) CancelRenewalTimer()             {}

func (p *fakeProvider) Password() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("token-%d", p.renewals)
}

func (p *fakeProvider) ReadyToRenew() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readyToRenew
}

func (p *fakeProvider) SetRenewalTimer(h auth.RenewalHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

func (p *fakeProvider) Renew(ctx context.Context) error {
	p.mu.Lock()
	p.renewals++
	p.readyToRenew = false
	h := p.handler
	p.mu.Unlock()

	if h != nil {
		h()
	}
	return nil
}

func (p *fakeProvider) renewCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.renewals
}

type fakeProvisioner struct {
	mu       sync.Mutex
	settings []provision.Settings
	devices  []string
	err      error
}

func (f *fakeProvisioner) factory(s provision.Settings) (provision.Provisioner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings = append(f.settings, s)
	return f, nil
}

func (f *fakeProvisioner) Provision(ctx context.Context, deviceID string) (provision.Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return provision.Assignment{}, f.err
	}
	f.devices = append(f.devices, deviceID)
	return provision.Assignment{DeviceID: deviceID, AssignedHub: "hub-a.example.net"}, nil
}

func (f *fakeProvisioner) lastSettings() (provision.Settings, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.settings) == 0 {
		return provision.Settings{}, false
	}
	return f.settings[len(f.settings)-1], true
}

func (f *fakeProvisioner) provisioned() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.devices...)
}
