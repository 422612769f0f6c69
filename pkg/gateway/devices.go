// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	gwerrors "github.com/absmach/idtranslator/pkg/errors"
	"github.com/absmach/idtranslator/pkg/ratelimit"
	"github.com/absmach/idtranslator/pkg/topic"
	"github.com/google/uuid"
)

const (
	contentTypeJSON = "application/json"
	encodingUTF8    = "utf-8"
)

// RegisterClient provisions deviceID and subscribes its hub families. Registering a
// known device only replaces its callback. Before the module twin is loaded the call
// is a logged no-op returning ErrNotReady.
func (g *Gateway) RegisterClient(ctx context.Context, deviceID string, options []byte, cb Callback) error {
	if g.State() != Ready {
		g.logger.Info("gateway not ready, ignoring registration", slog.String("device_id", deviceID))
		return gwerrors.New("register", deviceID, gwerrors.ErrNotReady)
	}

	g.mu.Lock()
	if d, ok := g.devices[deviceID]; ok {
		d.callback = cb
		d.options = options
		g.mu.Unlock()
		g.logger.Debug("device callback replaced", slog.String("device_id", deviceID))
		return nil
	}
	p := g.provisioner
	g.mu.Unlock()

	start := time.Now()
	a, err := p.Provision(ctx, deviceID)
	g.metrics.ProvisioningDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		g.metrics.Provisioning.WithLabelValues("error").Inc()
		return gwerrors.New("register", deviceID, err)
	}
	g.metrics.Provisioning.WithLabelValues("success").Inc()

	topics := g.deviceTopics(deviceID)
	if err := g.tr.Subscribe(ctx, topics...); err != nil {
		return gwerrors.New("register", deviceID, err)
	}

	g.mu.Lock()
	if d, ok := g.devices[deviceID]; ok {
		d.callback = cb
		d.options = options
		g.mu.Unlock()
		return nil
	}
	d := &device{
		id:         deviceID,
		callback:   cb,
		options:    options,
		topics:     topics,
		assignment: a,
		outbox:     make(chan outbound, g.config.OutboxSize),
		done:       make(chan struct{}),
	}
	g.devices[deviceID] = d
	g.metrics.RegisteredDevices.Set(float64(len(g.devices)))
	g.mu.Unlock()

	go g.forward(d)

	g.logger.Info("device registered",
		slog.String("device_id", deviceID),
		slog.String("hub", a.AssignedHub))

	return nil
}

// forward runs the callbacks of d in arrival order until d is unregistered.
func (g *Gateway) forward(d *device) {
	for {
		select {
		case <-d.done:
			return
		case out := <-d.outbox:
			g.mu.RLock()
			cb := d.callback
			g.mu.RUnlock()

			if err := cb(out.category, out.payload); err != nil {
				g.logger.Warn("device callback failed",
					slog.String("device_id", d.id),
					slog.String("category", string(out.category)),
					slog.String("error", err.Error()))
			}
		}
	}
}

// deviceTopics lists the families of both grammars that are scoped to deviceID.
// Hub-rooted families that name no device are covered by the module subscriptions.
func (g *Gateway) deviceTopics(deviceID string) []string {
	var topics []string
	for _, c := range []*topic.Codec{g.direct, g.edge} {
		for _, t := range []string{
			c.TwinResponseSubscribe(deviceID, "", true),
			c.TwinDesiredSubscribe(deviceID, "", true),
			c.MethodRequestSubscribe(deviceID, "", true),
			c.MethodResponseSubscribe(deviceID, "", true),
			c.C2DSubscribe(deviceID, "", true),
		} {
			if ok, err := c.SentToDevice(t, deviceID); err == nil && ok {
				topics = append(topics, t)
			}
		}
	}

	return dedupe(topics)
}

// UnregisterClient unsubscribes deviceID and forgets its pending requests.
func (g *Gateway) UnregisterClient(ctx context.Context, deviceID string) error {
	g.mu.Lock()
	d, ok := g.devices[deviceID]
	if ok {
		delete(g.devices, deviceID)
		for rid, id := range g.pending {
			if id == deviceID {
				delete(g.pending, rid)
			}
		}
		g.metrics.RegisteredDevices.Set(float64(len(g.devices)))
		g.metrics.PendingRequests.Set(float64(len(g.pending)))
	}
	g.mu.Unlock()

	if !ok {
		return gwerrors.New("unregister", deviceID, gwerrors.ErrUnknownDevice)
	}

	close(d.done)
	g.limiter.Remove(deviceID)

	if g.tr.IsConnected() {
		if err := g.tr.Unsubscribe(ctx, d.topics...); err != nil {
			return gwerrors.New("unregister", deviceID, err)
		}
	}

	g.logger.Info("device unregistered", slog.String("device_id", deviceID))

	return nil
}

// Devices returns the registered device ids in order.
func (g *Gateway) Devices() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := make([]string, 0, len(g.devices))
	for id := range g.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return ids
}

func (g *Gateway) registered(deviceID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.devices[deviceID]
	return ok
}

// SendTelemetry publishes payload as a telemetry message of deviceID.
func (g *Gateway) SendTelemetry(ctx context.Context, deviceID string, payload []byte, properties map[string]string) error {
	if !g.registered(deviceID) {
		return gwerrors.New("telemetry", deviceID, gwerrors.ErrUnknownDevice)
	}

	t, err := g.device.TelemetryPublish(deviceID, "", &topic.Message{
		MessageID:       uuid.NewString(),
		ContentType:     contentTypeJSON,
		ContentEncoding: encodingUTF8,
		Properties:      topic.PropertiesFromMap(properties),
	})
	if err != nil {
		return gwerrors.New("telemetry", deviceID, err)
	}

	return g.publishFor(ctx, deviceID, "telemetry", t, payload)
}

// SendProperty publishes payload as a reported property patch of deviceID.
func (g *Gateway) SendProperty(ctx context.Context, deviceID string, payload []byte) error {
	if !g.registered(deviceID) {
		return gwerrors.New("property", deviceID, gwerrors.ErrUnknownDevice)
	}

	return g.publishFor(ctx, deviceID, "property", g.device.TwinReportedPublish(deviceID, ""), payload)
}

// GetTwin requests the twin of deviceID. The twin is delivered to the device callback
// with CategoryTwin, or dropped with a log entry after the twin timeout.
func (g *Gateway) GetTwin(ctx context.Context, deviceID string) error {
	if !g.registered(deviceID) {
		return gwerrors.New("twin_get", deviceID, gwerrors.ErrUnknownDevice)
	}

	t := g.device.TwinGetPublish(deviceID, "")
	rid, err := g.device.RequestID(t)
	if err != nil {
		return gwerrors.New("twin_get", deviceID, err)
	}

	g.mu.Lock()
	g.pending[rid] = deviceID
	g.metrics.PendingRequests.Set(float64(len(g.pending)))
	g.mu.Unlock()

	if err := g.publishFor(ctx, deviceID, "twin_get", t, nil); err != nil {
		g.mu.Lock()
		delete(g.pending, rid)
		g.metrics.PendingRequests.Set(float64(len(g.pending)))
		g.mu.Unlock()
		return err
	}

	go g.awaitTwin(rid, deviceID)

	return nil
}

func (g *Gateway) awaitTwin(rid, deviceID string) {
	res, ok := g.twins.Take(rid, g.config.TwinTimeout)
	if !ok {
		// A response may have been stored between the timeout and the removal.
		g.mu.Lock()
		delete(g.pending, rid)
		g.metrics.PendingRequests.Set(float64(len(g.pending)))
		res, ok = g.twins.Take(rid, 0)
		g.mu.Unlock()
	}
	if !ok {
		g.logger.Warn("timed out waiting for device twin",
			slog.String("device_id", deviceID),
			slog.Duration("timeout", g.config.TwinTimeout))
		return
	}
	if res.status != http.StatusOK {
		g.logger.Warn("device twin request failed",
			slog.String("device_id", deviceID),
			slog.Int("status", res.status))
		return
	}

	g.deliver(deviceID, CategoryTwin, res.payload)
}

// publishFor charges the device budget before publishing.
func (g *Gateway) publishFor(ctx context.Context, deviceID, kind, t string, payload []byte) error {
	if !g.limiter.Allow(deviceID) {
		g.metrics.RateLimitedPublishes.WithLabelValues(kind).Inc()
		return gwerrors.New(kind, deviceID, ratelimit.ErrRateLimitExceeded)
	}

	err := g.publish(ctx, deviceID, kind, t, payload)
	if err != nil && !errors.Is(err, context.Canceled) {
		g.logger.Warn("publish failed",
			slog.String("device_id", deviceID),
			slog.String("kind", kind),
			slog.String("error", err.Error()))
	}

	return err
}
