// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package gateway translates downstream device identities onto one upstream hub connection.
//
// The Gateway owns a single authenticated transport for its module identity. It loads the
// provisioning settings from the module twin, provisions downstream devices on request and
// routes hub traffic addressed to them back through per-device callbacks.
//
// All connection state is mutated by the event loop started with Run. Transport callbacks,
// the token renewal timer and publish failures only signal the loop.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/idtranslator/pkg/auth"
	"github.com/absmach/idtranslator/pkg/breaker"
	gwerrors "github.com/absmach/idtranslator/pkg/errors"
	"github.com/absmach/idtranslator/pkg/metrics"
	"github.com/absmach/idtranslator/pkg/provision"
	"github.com/absmach/idtranslator/pkg/ratelimit"
	"github.com/absmach/idtranslator/pkg/topic"
	"github.com/absmach/idtranslator/pkg/transport"
	"github.com/absmach/idtranslator/pkg/waitable"
	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// DefaultOutboxSize is the number of hub messages queued per device.
const DefaultOutboxSize = 64

// State is the connection state of the gateway.
type State int32

const (
	Disconnected State = iota
	Connecting
	AwaitingModuleTwin
	Ready
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case AwaitingModuleTwin:
		return "awaiting_module_twin"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

// Category classifies what a device callback receives.
type Category string

const (
	CategoryTwin           Category = "twin"
	CategoryPropertyChange Category = "property_change"
	CategoryCommand        Category = "command"
	CategoryMessage        Category = "message"
)

// Callback receives hub traffic addressed to one device. Calls for one device are
// made in order from a goroutine owned by that device.
type Callback func(category Category, payload []byte) error

// Config holds the gateway configuration.
type Config struct {
	// Rules is the topic grammar of the module connection. Device scoped topics always
	// use the edge grammar, the only one that names a downstream device.
	Rules topic.RuleSet

	// IDScope is used when the module twin does not carry one.
	IDScope string

	// TwinTimeout bounds the wait for a device twin response.
	TwinTimeout time.Duration

	// ConnectTimeout bounds a single connection attempt.
	ConnectTimeout time.Duration

	// ReconnectMinInterval and ReconnectMaxInterval bound the reconnect backoff.
	ReconnectMinInterval time.Duration
	ReconnectMaxInterval time.Duration

	// OutboxSize bounds the hub messages queued for one device. Messages beyond it are dropped.
	OutboxSize int

	RateLimit ratelimit.Config
	Breaker   breaker.Config

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type device struct {
	id         string
	callback   Callback
	options    []byte
	topics     []string
	assignment provision.Assignment

	outbox chan outbound
	done   chan struct{}
}

type outbound struct {
	category Category
	payload  []byte
}

type twinResult struct {
	status  int
	payload []byte
}

// Gateway is the identity translator.
type Gateway struct {
	config   Config
	tr       transport.Transport
	provider auth.Provider
	factory  provision.Factory
	logger   *slog.Logger
	metrics  *metrics.Metrics

	module *topic.Codec
	device *topic.Codec
	direct *topic.Codec
	edge   *topic.Codec

	limiter *ratelimit.Limiter
	breaker *breaker.CircuitBreaker

	inbox         *waitable.MessageQueue
	moduleMethods *waitable.MessageQueue
	twins         *waitable.Dict[string, twinResult]

	lost     chan error
	renewed  chan struct{}
	rejected chan struct{}

	state atomic.Int32

	mu          sync.RWMutex
	devices     map[string]*device
	pending     map[string]string
	selfTwinRID string
	settings    provision.Settings
	provisioner provision.Provisioner
}

// New creates a gateway. Nothing is dialed until Run.
func New(cfg Config, tr transport.Transport, provider auth.Provider, factory provision.Factory) *Gateway {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(metrics.DefaultNamespace, prometheus.NewRegistry())
	}
	if cfg.TwinTimeout == 0 {
		cfg.TwinTimeout = 30 * time.Second
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.ReconnectMinInterval == 0 {
		cfg.ReconnectMinInterval = time.Second
	}
	if cfg.ReconnectMaxInterval == 0 {
		cfg.ReconnectMaxInterval = time.Minute
	}
	if cfg.OutboxSize == 0 {
		cfg.OutboxSize = DefaultOutboxSize
	}
	if cfg.Breaker.IsFailure == nil {
		cfg.Breaker.IsFailure = func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, transport.ErrNotConnected)
		}
	}

	g := &Gateway{
		config:   cfg,
		tr:       tr,
		provider: provider,
		factory:  factory,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,

		module: topic.NewCodec(cfg.Rules),
		device: topic.NewCodec(topic.Edge),
		direct: topic.NewCodec(topic.Direct),
		edge:   topic.NewCodec(topic.Edge),

		limiter: ratelimit.NewLimiter(cfg.RateLimit),
		breaker: breaker.New(cfg.Breaker),

		inbox:         waitable.NewMessageQueue(),
		moduleMethods: waitable.NewMessageQueue(),
		twins:         waitable.NewDict[string, twinResult](),

		lost:     make(chan error, 1),
		renewed:  make(chan struct{}, 1),
		rejected: make(chan struct{}, 1),

		devices: make(map[string]*device),
		pending: make(map[string]string),
		settings: provision.Settings{
			IDScope:   cfg.IDScope,
			GatewayID: provider.DeviceID(),
		},
	}

	g.breaker.OnStateChange(func(from, to breaker.State) {
		g.metrics.CircuitBreakerState.Set(float64(to))
		if to == breaker.StateOpen {
			g.metrics.CircuitBreakerTrips.Inc()
		}
		g.logger.Warn("upstream circuit breaker state changed",
			slog.String("from", from.String()),
			slog.String("to", to.String()))
	})

	return g
}

// State returns the current connection state.
func (g *Gateway) State() State {
	return State(g.state.Load())
}

// BreakerState returns the state of the upstream publish circuit breaker.
func (g *Gateway) BreakerState() breaker.State {
	return g.breaker.State()
}

func (g *Gateway) setState(s State) {
	if old := State(g.state.Swap(int32(s))); old != s {
		g.metrics.GatewayState.Set(float64(s))
		g.logger.Debug("gateway state changed",
			slog.String("from", old.String()),
			slog.String("to", s.String()))
	}
}

// Run connects to the hub and processes events until ctx is cancelled.
// It returns an error only when the hub rejects credentials that cannot be renewed.
func (g *Gateway) Run(ctx context.Context) error {
	g.tr.SetHandlers(transport.Handlers{
		OnConnectionLost: g.onConnectionLost,
		OnMessage:        g.inbox.Push,
	})
	g.provider.SetRenewalTimer(g.onTokenRenewed)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return g.serveModuleMethods(ctx)
	})
	eg.Go(func() error {
		defer g.provider.CancelRenewalTimer()
		defer g.shutdown()
		return g.loop(ctx)
	})

	return eg.Wait()
}

func (g *Gateway) shutdown() {
	g.tr.Disconnect()
	g.setState(Disconnected)
	g.logger.Info("gateway stopped")
}

func (g *Gateway) loop(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.config.ReconnectMinInterval
	bo.MaxInterval = g.config.ReconnectMaxInterval
	bo.MaxElapsedTime = 0
	bo.Reset()

	reconnect := time.NewTimer(0)
	defer reconnect.Stop()

	for {
		changed := g.inbox.Changed()
		g.drain(ctx)

		select {
		case <-ctx.Done():
			return nil

		case <-reconnect.C:
			err := g.connect(ctx)
			switch {
			case err == nil:
				bo.Reset()
			case errors.Is(err, gwerrors.ErrTransportRejected):
				if err := g.remediate(ctx, err); err != nil {
					return err
				}
			case ctx.Err() != nil:
				return nil
			default:
				delay := bo.NextBackOff()
				g.logger.Warn("failed to connect to hub",
					slog.String("error", err.Error()),
					slog.Duration("retry_in", delay))
				reconnect.Reset(delay)
			}

		case err := <-g.lost:
			g.setState(Disconnected)
			delay := bo.NextBackOff()
			g.logger.Warn("hub connection lost",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", delay))
			reconnect.Reset(delay)

		case <-g.renewed:
			g.logger.Info("reconnecting with renewed token")
			g.metrics.TokenRenewals.WithLabelValues("applied").Inc()
			g.provider.SetRenewalTimer(g.onTokenRenewed)
			g.tr.Disconnect()
			g.setState(Connecting)
			reconnect.Reset(0)

		case <-g.rejected:
			if err := g.remediate(ctx, gwerrors.ErrTransportRejected); err != nil {
				return err
			}

		case <-changed:
		}
	}
}

// remediate renews a token that is due for renewal. A rejection of a fresh token is fatal.
func (g *Gateway) remediate(ctx context.Context, cause error) error {
	if !g.provider.ReadyToRenew() {
		g.setState(Disconnected)
		g.logger.Error("hub rejected credentials that are not due for renewal",
			slog.String("error", cause.Error()))
		return gwerrors.New("connect", "", cause)
	}

	g.metrics.TokenRenewals.WithLabelValues("rejected").Inc()
	if err := g.provider.Renew(ctx); err != nil {
		return gwerrors.New("renew", "", err)
	}

	return nil
}

func (g *Gateway) connect(ctx context.Context) error {
	g.setState(Connecting)
	g.tr.SetCredentials(g.provider.Username(), g.provider.Password())

	cctx, cancel := context.WithTimeout(ctx, g.config.ConnectTimeout)
	defer cancel()

	if err := g.tr.Connect(cctx); err != nil {
		g.metrics.UpstreamConnects.WithLabelValues("error").Inc()
		g.setState(Disconnected)
		return err
	}
	g.metrics.UpstreamConnects.WithLabelValues("success").Inc()

	if err := g.onConnected(cctx); err != nil {
		g.tr.Disconnect()
		g.setState(Disconnected)
		return err
	}

	return nil
}

// onConnected subscribes the module and device families and asks for the module twin.
func (g *Gateway) onConnected(ctx context.Context) error {
	g.setState(AwaitingModuleTwin)

	deviceID, moduleID := g.provider.DeviceID(), g.provider.ModuleID()
	topics := []string{
		g.module.TwinResponseSubscribe(deviceID, moduleID, true),
		g.module.TwinDesiredSubscribe(deviceID, moduleID, true),
		g.module.MethodRequestSubscribe(deviceID, moduleID, true),
		"$iothub/#",
	}

	g.mu.RLock()
	for _, d := range g.devices {
		topics = append(topics, d.topics...)
	}
	g.mu.RUnlock()

	if err := g.tr.Subscribe(ctx, dedupe(topics)...); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	twinTopic := g.module.TwinGetPublish(deviceID, moduleID)
	rid, err := g.module.RequestID(twinTopic)
	if err != nil {
		return err
	}

	g.mu.Lock()
	g.selfTwinRID = rid
	g.mu.Unlock()

	g.logger.Info("connected to hub, fetching module twin",
		slog.String("client_id", g.provider.ClientID()))

	return g.publishControl(ctx, "module_twin", twinTopic, nil)
}

func (g *Gateway) drain(ctx context.Context) {
	for {
		msg, ok := g.inbox.PopAny(0)
		if !ok {
			return
		}
		g.dispatch(ctx, msg)
	}
}

func (g *Gateway) onConnectionLost(err error) {
	select {
	case g.lost <- err:
	default:
	}
}

func (g *Gateway) onTokenRenewed() {
	signal(g.renewed)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// publish sends device traffic upstream through the circuit breaker.
func (g *Gateway) publish(ctx context.Context, deviceID, kind, t string, payload []byte) error {
	return g.send(deviceID, kind, func() error {
		return g.breaker.Do(ctx, func(ctx context.Context) error {
			return g.tr.Publish(ctx, t, payload)
		})
	})
}

// publishControl sends module traffic, which the breaker never holds back.
func (g *Gateway) publishControl(ctx context.Context, kind, t string, payload []byte) error {
	return g.send("", kind, func() error {
		ctx, cancel := context.WithTimeout(ctx, g.config.ConnectTimeout)
		defer cancel()
		return g.tr.Publish(ctx, t, payload)
	})
}

func (g *Gateway) send(deviceID, kind string, f func() error) error {
	err := g.metrics.ObservePublish(kind, f)
	if err == nil {
		return nil
	}

	if errors.Is(err, gwerrors.ErrTransportRejected) {
		signal(g.rejected)
	}

	return gwerrors.New(kind, deviceID, err)
}

func dedupe(topics []string) []string {
	seen := make(map[string]bool, len(topics))
	out := topics[:0]
	for _, t := range topics {
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
