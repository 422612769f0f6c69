// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package auth provides the credentials the gateway presents to the hub:
// identity, MQTT username and password, TLS trust and SAS token renewal.
package auth

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/idtranslator/pkg/sastoken"
)

const (
	// DefaultPort is the MQTT over TLS port of the hub.
	DefaultPort = 8883

	// EdgeAPIVersion is the api-version used behind an edge hub.
	EdgeAPIVersion = "2018-06-30"

	// DirectAPIVersion is the api-version used when talking to the hub directly.
	DirectAPIVersion = "2019-10-01"
)

var errInvalidTrustBundle = errors.New("trust bundle contains no certificates")

// Identity names the principal that connects to the hub.
type Identity struct {
	Hostname        string
	DeviceID        string
	ModuleID        string
	GatewayHostname string
}

// ClientID returns "device[/module]".
func (i Identity) ClientID() string {
	if i.ModuleID != "" {
		return i.DeviceID + "/" + i.ModuleID
	}
	return i.DeviceID
}

// Username returns "hostname/device[/module]/?api-version=v".
func (i Identity) Username(apiVersion string) string {
	return i.Hostname + "/" + i.ClientID() + "/?api-version=" + apiVersion
}

// SASURI returns the resource a SAS token for this identity is signed over.
func (i Identity) SASURI() string {
	uri := i.Hostname + "/devices/" + i.DeviceID
	if i.ModuleID != "" {
		uri += "/modules/" + i.ModuleID
	}
	return uri
}

// RenewalHandler is invoked after the token has been refreshed by the renewal timer.
// It must apply the new credentials and re-arm the timer.
type RenewalHandler func()

// Provider is the capability surface shared by all authentication variants.
type Provider interface {
	Identity() Identity
	Hostname() string
	DeviceID() string
	ModuleID() string
	GatewayHostname() string
	Port() int
	APIVersion() string

	Username() string
	Password() string
	ClientID() string
	SASURI() string
	TLSConfig() (*tls.Config, error)

	ExpiryTime() time.Time
	RenewalTime() time.Time
	ReadyToRenew() bool

	// SetRenewalTimer arms a one-shot timer for the renewal time, replacing any armed timer.
	SetRenewalTimer(h RenewalHandler)
	// CancelRenewalTimer disarms the timer. A cancelled timer never fires its handler.
	CancelRenewalTimer()
	// Renew refreshes the token immediately and invokes the last registered handler.
	Renew(ctx context.Context) error
}

// Option configures a provider.
type Option func(*options)

type options struct {
	apiVersion string
	port       int
	ttl        time.Duration
	now        func() time.Time
	trust      []byte
	logger     *slog.Logger
}

// WithAPIVersion overrides the api-version in the username.
func WithAPIVersion(v string) Option {
	return func(o *options) {
		o.apiVersion = v
	}
}

// WithPort overrides DefaultPort.
func WithPort(port int) Option {
	return func(o *options) {
		o.port = port
	}
}

// WithTTL overrides the token validity.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.ttl = ttl
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithTrustBundle sets PEM encoded certificates used to verify the hub.
func WithTrustBundle(pem []byte) Option {
	return func(o *options) {
		o.trust = pem
	}
}

// WithLogger sets the logger used for renewal events.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func newOptions(opts []Option) options {
	o := options{
		apiVersion: DirectAPIVersion,
		port:       DefaultPort,
		ttl:        sastoken.DefaultTTL,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// renewable holds what every provider variant shares: identity, token and renewal timer.
type renewable struct {
	id     Identity
	opts   options
	token  *sastoken.Token
	logger *slog.Logger

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	handler RenewalHandler
}

func newRenewable(ctx context.Context, id Identity, signer sastoken.Signer, o options, extra ...sastoken.Option) (*renewable, error) {
	tokOpts := append([]sastoken.Option{sastoken.WithTTL(o.ttl), sastoken.WithClock(o.now)}, extra...)
	tok, err := sastoken.New(ctx, id.SASURI(), signer, tokOpts...)
	if err != nil {
		return nil, err
	}

	return &renewable{
		id:     id,
		opts:   o,
		token:  tok,
		logger: o.logger.With(slog.String("client_id", id.ClientID())),
	}, nil
}

func (r *renewable) Identity() Identity      { return r.id }
func (r *renewable) Hostname() string        { return r.id.Hostname }
func (r *renewable) DeviceID() string        { return r.id.DeviceID }
func (r *renewable) ModuleID() string        { return r.id.ModuleID }
func (r *renewable) GatewayHostname() string { return r.id.GatewayHostname }
func (r *renewable) Port() int               { return r.opts.port }
func (r *renewable) APIVersion() string      { return r.opts.apiVersion }
func (r *renewable) Username() string        { return r.id.Username(r.opts.apiVersion) }
func (r *renewable) Password() string        { return r.token.String() }
func (r *renewable) ClientID() string        { return r.id.ClientID() }
func (r *renewable) SASURI() string          { return r.id.SASURI() }
func (r *renewable) ExpiryTime() time.Time   { return r.token.ExpiryTime() }
func (r *renewable) RenewalTime() time.Time  { return r.token.RenewalTime() }

func (r *renewable) ReadyToRenew() bool {
	return !r.opts.now().Before(r.token.RenewalTime())
}

// TLSConfig trusts the configured bundle, or the system roots when there is none.
func (r *renewable) TLSConfig() (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if len(r.opts.trust) == 0 {
		return cfg, nil
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(r.opts.trust) {
		return nil, errInvalidTrustBundle
	}
	cfg.RootCAs = pool

	return cfg, nil
}

func (r *renewable) SetRenewalTimer(h RenewalHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopLocked()
	r.gen++
	gen := r.gen
	r.handler = h

	delay := r.token.RenewalTime().Sub(r.opts.now())
	if delay < 0 {
		delay = 0
	}
	r.timer = time.AfterFunc(delay, func() { r.fire(gen) })

	r.logger.Debug("token renewal scheduled", slog.Duration("in", delay))
}

func (r *renewable) CancelRenewalTimer() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
	r.gen++
}

func (r *renewable) stopLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *renewable) fire(gen uint64) {
	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	r.mu.Unlock()

	if err := r.Renew(context.Background()); err != nil {
		r.logger.Error("token renewal failed", slog.String("error", err.Error()))
	}
}

func (r *renewable) Renew(ctx context.Context) error {
	r.mu.Lock()
	r.stopLocked()
	r.gen++
	h := r.handler
	r.mu.Unlock()

	if err := r.token.Refresh(ctx); err != nil {
		return fmt.Errorf("failed to renew token for %s: %w", r.id.ClientID(), err)
	}

	r.logger.Info("token renewed", slog.Time("expiry", r.token.ExpiryTime()))

	if h != nil {
		h()
	}

	return nil
}
