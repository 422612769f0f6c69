// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/absmach/idtranslator/pkg/transport"
	"github.com/goccy/go-json"
)

// Methods the module answers itself.
const (
	MethodPing        = "ping"
	MethodListDevices = "listDevices"
)

type methodResult struct {
	Result bool `json:"result"`
	Data   any  `json:"data"`
}

// serveModuleMethods answers method requests addressed to the module until ctx is done.
func (g *Gateway) serveModuleMethods(ctx context.Context) error {
	for {
		changed := g.moduleMethods.Changed()
		for {
			msg, ok := g.moduleMethods.PopAny(0)
			if !ok {
				break
			}
			g.answerModuleMethod(ctx, msg)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-changed:
		}
	}
}

func (g *Gateway) answerModuleMethod(ctx context.Context, msg transport.Message) {
	c := g.edge
	if g.direct.IsMethodRequest(msg.Topic, "") {
		c = g.direct
	}

	name, err := c.MethodName(msg.Topic)
	if err != nil {
		g.drop("malformed", msg.Topic)
		return
	}

	status, result := g.invoke(name)
	body, err := json.Marshal(result)
	if err != nil {
		g.logger.Error("failed to encode method result", slog.String("error", err.Error()))
		return
	}

	t, err := c.MethodResponsePublish(msg.Topic, status)
	if err != nil {
		g.drop("malformed", msg.Topic)
		return
	}

	g.logger.Info("module method invoked",
		slog.String("method", name),
		slog.Int("status", status))

	if err := g.publishControl(ctx, "method_response", t, body); err != nil {
		g.logger.Warn("failed to answer module method",
			slog.String("method", name),
			slog.String("error", err.Error()))
	}
}

func (g *Gateway) invoke(name string) (int, methodResult) {
	switch name {
	case MethodPing:
		return http.StatusOK, methodResult{Result: true, Data: "pong"}
	case MethodListDevices:
		return http.StatusOK, methodResult{Result: true, Data: g.Devices()}
	default:
		return http.StatusNotFound, methodResult{Result: false, Data: "unknown method " + name}
	}
}
