// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	gwerrors "github.com/absmach/idtranslator/pkg/errors"
	"github.com/absmach/idtranslator/pkg/topic"
	"github.com/absmach/idtranslator/pkg/transport"
	"github.com/goccy/go-json"
)

// Automatic answer to a method request forwarded to a device.
var methodAck = []byte(`{"result":true,"data":"n/a"}`)

type commandPayload struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type moduleSettings struct {
	EnrollmentGroupKey string `json:"EnrollmentGroupKey"`
	IDScope            string `json:"IdScope"`
	DownstreamModelID  string `json:"DownstreamModelId"`
}

// dispatch classifies msg by the stricter direct grammar first, then the edge grammar.
func (g *Gateway) dispatch(ctx context.Context, msg transport.Message) {
	for _, c := range []*topic.Codec{g.direct, g.edge} {
		if g.route(ctx, c, msg) {
			return
		}
	}

	g.drop("unmatched", msg.Topic)
}

func (g *Gateway) route(ctx context.Context, c *topic.Codec, msg transport.Message) bool {
	switch {
	case c.IsTwinResponse(msg.Topic, ""):
		g.onTwinResponse(c, msg)
	case c.IsTwinDesiredPatch(msg.Topic):
		g.onDesiredPatch(c, msg)
	case c.IsMethodRequest(msg.Topic, ""):
		g.onMethodRequest(ctx, c, msg)
	case c.IsMethodResponse(msg.Topic):
		g.onMethodResponse(c, msg)
	case c.IsC2D(msg.Topic):
		g.onC2D(c, msg)
	default:
		return false
	}

	return true
}

func (g *Gateway) drop(reason, t string) {
	g.metrics.DroppedMessages.WithLabelValues(reason).Inc()
	g.logger.Warn("dropping hub message",
		slog.String("reason", reason),
		slog.String("topic", t))
}

// toModule reports whether t addresses the module connection itself. Hub-rooted
// topics of the direct grammar name no one, so they belong to the connection.
func (g *Gateway) toModule(c *topic.Codec, t string) bool {
	ok, err := c.SentToModule(t, g.provider.DeviceID(), g.provider.ModuleID())
	if errors.Is(err, gwerrors.ErrAmbiguousTopic) {
		return true
	}
	return err == nil && ok
}

func (g *Gateway) onTwinResponse(c *topic.Codec, msg transport.Message) {
	rid, err := c.RequestID(msg.Topic)
	if err != nil {
		g.drop("malformed", msg.Topic)
		return
	}
	status, err := c.StatusCode(msg.Topic)
	if err != nil {
		g.drop("malformed", msg.Topic)
		return
	}

	g.mu.Lock()
	if rid == g.selfTwinRID {
		g.selfTwinRID = ""
		g.mu.Unlock()
		g.onModuleTwin(status, msg.Payload)
		return
	}
	deviceID, ok := g.pending[rid]
	if ok {
		delete(g.pending, rid)
		g.metrics.PendingRequests.Set(float64(len(g.pending)))
		g.twins.Put(rid, twinResult{status: status, payload: msg.Payload})
	}
	g.mu.Unlock()

	if !ok {
		// Acknowledgements of reported property patches land here too.
		g.logger.Debug("twin response without pending request",
			slog.String("topic", msg.Topic),
			slog.Int("status", status))
		return
	}
	g.metrics.UpstreamMessages.WithLabelValues("twin_response").Inc()
	g.logger.Debug("twin response received", slog.String("device_id", deviceID))
}

func (g *Gateway) onModuleTwin(status int, payload []byte) {
	if status != http.StatusOK {
		g.logger.Error("module twin request failed", slog.Int("status", status))
		return
	}

	var twin struct {
		Desired moduleSettings `json:"desired"`
	}
	if err := json.Unmarshal(payload, &twin); err != nil {
		g.logger.Error("failed to decode module twin", slog.String("error", err.Error()))
		return
	}

	g.applySettings(twin.Desired)
}

func (g *Gateway) onDesiredPatch(c *topic.Codec, msg transport.Message) {
	if g.toModule(c, msg.Topic) {
		var patch moduleSettings
		if err := json.Unmarshal(msg.Payload, &patch); err != nil {
			g.logger.Error("failed to decode module desired patch", slog.String("error", err.Error()))
			return
		}
		g.logger.Info("module desired properties changed")
		g.applySettings(patch)
		return
	}

	deviceID, err := c.DeviceID(msg.Topic)
	if err != nil {
		g.drop("malformed", msg.Topic)
		return
	}
	g.deliver(deviceID, CategoryPropertyChange, msg.Payload)
}

// applySettings merges module settings and builds a fresh provisioner.
// The gateway becomes ready once an enrollment group key is known.
func (g *Gateway) applySettings(ms moduleSettings) {
	g.mu.RLock()
	s := g.settings
	g.mu.RUnlock()

	if ms.EnrollmentGroupKey != "" {
		s.GroupKey = ms.EnrollmentGroupKey
	}
	if ms.IDScope != "" {
		s.IDScope = ms.IDScope
	}
	if ms.DownstreamModelID != "" {
		s.ModelID = ms.DownstreamModelID
	}
	if s.IDScope == "" {
		s.IDScope = g.config.IDScope
	}

	g.mu.Lock()
	g.settings = s
	g.mu.Unlock()

	if s.GroupKey == "" {
		g.logger.Error("module twin carries no enrollment group key")
		return
	}

	p, err := g.factory(s)
	if err != nil {
		g.logger.Error("failed to build provisioner", slog.String("error", err.Error()))
		return
	}

	g.mu.Lock()
	g.provisioner = p
	g.mu.Unlock()

	if g.state.CompareAndSwap(int32(AwaitingModuleTwin), int32(Ready)) {
		g.metrics.GatewayState.Set(float64(Ready))
		g.logger.Info("gateway ready",
			slog.String("id_scope", s.IDScope),
			slog.String("model_id", s.ModelID))
	}
}

func (g *Gateway) onMethodRequest(ctx context.Context, c *topic.Codec, msg transport.Message) {
	if g.toModule(c, msg.Topic) {
		g.moduleMethods.Push(msg)
		return
	}

	deviceID, err := c.DeviceID(msg.Topic)
	if err != nil {
		g.drop("malformed", msg.Topic)
		return
	}
	name, err := c.MethodName(msg.Topic)
	if err != nil {
		g.drop("malformed", msg.Topic)
		return
	}

	cmd, err := json.Marshal(commandPayload{Name: name, Payload: asJSON(msg.Payload)})
	if err != nil {
		g.logger.Error("failed to encode command", slog.String("error", err.Error()))
		return
	}
	if !g.deliver(deviceID, CategoryCommand, cmd) {
		return
	}

	resTopic, err := c.MethodResponsePublish(msg.Topic, http.StatusOK)
	if err != nil {
		g.logger.Error("failed to build method response topic", slog.String("error", err.Error()))
		return
	}
	if err := g.publish(ctx, deviceID, "method_response", resTopic, methodAck); err != nil {
		g.logger.Warn("failed to acknowledge method request",
			slog.String("device_id", deviceID),
			slog.String("method", name),
			slog.String("error", err.Error()))
	}
}

func (g *Gateway) onMethodResponse(c *topic.Codec, msg transport.Message) {
	deviceID, err := c.DeviceID(msg.Topic)
	if err != nil {
		g.drop("ambiguous", msg.Topic)
		return
	}
	g.deliver(deviceID, CategoryCommand, msg.Payload)
}

func (g *Gateway) onC2D(c *topic.Codec, msg transport.Message) {
	if g.toModule(c, msg.Topic) {
		g.drop("module_c2d", msg.Topic)
		return
	}

	deviceID, err := c.DeviceID(msg.Topic)
	if err != nil {
		g.drop("malformed", msg.Topic)
		return
	}
	g.deliver(deviceID, CategoryMessage, msg.Payload)
}

// deliver queues payload for the device callback. It reports whether the device is registered.
func (g *Gateway) deliver(deviceID string, category Category, payload []byte) bool {
	g.mu.RLock()
	d, ok := g.devices[deviceID]
	g.mu.RUnlock()

	if !ok {
		g.metrics.DroppedMessages.WithLabelValues("unknown_device").Inc()
		g.logger.Warn("dropping message for unknown device",
			slog.String("device_id", deviceID),
			slog.String("category", string(category)))
		return false
	}

	select {
	case d.outbox <- outbound{category: category, payload: payload}:
		g.metrics.UpstreamMessages.WithLabelValues(string(category)).Inc()
	default:
		g.metrics.DroppedMessages.WithLabelValues("outbox_full").Inc()
		g.logger.Warn("device outbox full, dropping message",
			slog.String("device_id", deviceID),
			slog.String("category", string(category)))
	}

	return true
}

// asJSON returns b when it is valid JSON and b as a JSON string otherwise.
func asJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	if json.Valid(b) {
		return b
	}
	quoted, _ := json.Marshal(string(b))
	return quoted
}
