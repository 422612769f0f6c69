// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topic

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/absmach/idtranslator/pkg/sastoken"
	"github.com/google/uuid"
)

// RuleSet selects the topic grammar.
type RuleSet int

const (
	// Direct is the grammar of a connection to the hub itself.
	Direct RuleSet = iota
	// Edge is the grammar of a connection to an edge hub.
	Edge
)

func (r RuleSet) String() string {
	switch r {
	case Direct:
		return "direct"
	case Edge:
		return "edge"
	default:
		return "unknown"
	}
}

// ParseRuleSet parses "direct" or "edge".
func ParseRuleSet(s string) (RuleSet, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "direct":
		return Direct, nil
	case "edge":
		return Edge, nil
	default:
		return 0, fmt.Errorf("unknown topic rule set %q", s)
	}
}

// Codec builds, parses and matches topics of one RuleSet.
type Codec struct {
	rules RuleSet
	newID func() string
}

// Option configures a Codec.
type Option func(*Codec)

// WithRequestIDs overrides the $rid generator.
func WithRequestIDs(gen func() string) Option {
	return func(c *Codec) {
		c.newID = gen
	}
}

// NewCodec creates a Codec for the given rule set.
func NewCodec(rules RuleSet, opts ...Option) *Codec {
	c := &Codec{
		rules: rules,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Rules returns the rule set the codec is bound to.
func (c *Codec) Rules() RuleSet {
	return c.rules
}

func edgePrefix(deviceID, moduleID string) string {
	if moduleID != "" {
		return "$iothub/" + deviceID + "/" + moduleID + "/"
	}
	return "$iothub/" + deviceID + "/"
}

func hubPrefix(deviceID, moduleID string) string {
	if moduleID != "" {
		return "devices/" + deviceID + "/modules/" + moduleID + "/"
	}
	return "devices/" + deviceID + "/"
}

func wild(topic string, wildcard bool) string {
	if wildcard {
		return topic + "#"
	}
	return topic
}

// TwinResponseSubscribe returns the twin response family.
func (c *Codec) TwinResponseSubscribe(deviceID, moduleID string, wildcard bool) string {
	if c.rules == Edge {
		return wild(edgePrefix(deviceID, moduleID)+"twin/res/", wildcard)
	}
	return wild("$iothub/twin/res/", wildcard)
}

// TwinDesiredSubscribe returns the desired properties patch family.
func (c *Codec) TwinDesiredSubscribe(deviceID, moduleID string, wildcard bool) string {
	if c.rules == Edge {
		return wild(edgePrefix(deviceID, moduleID)+"twin/desired/", wildcard)
	}
	return wild("$iothub/twin/PATCH/properties/desired/", wildcard)
}

// TwinReportedPublish returns a reported properties patch topic with a fresh request id.
func (c *Codec) TwinReportedPublish(deviceID, moduleID string) string {
	if c.rules == Edge {
		return edgePrefix(deviceID, moduleID) + "twin/reported/?$rid=" + c.newID()
	}
	return "$iothub/twin/PATCH/properties/reported/?$rid=" + c.newID()
}

// TwinGetPublish returns a twin get topic with a fresh request id.
func (c *Codec) TwinGetPublish(deviceID, moduleID string) string {
	if c.rules == Edge {
		return edgePrefix(deviceID, moduleID) + "twin/get/?$rid=" + c.newID()
	}
	return "$iothub/twin/GET/?$rid=" + c.newID()
}

// TelemetryPublish returns the telemetry topic, with msg encoded as the property bag.
func (c *Codec) TelemetryPublish(deviceID, moduleID string, msg *Message) (string, error) {
	var topic string
	if c.rules == Edge {
		topic = edgePrefix(deviceID, moduleID) + "messages/events/"
	} else {
		topic = hubPrefix(deviceID, moduleID) + "messages/events/"
	}
	if msg == nil {
		return topic, nil
	}

	props, err := EncodeProperties(msg)
	if err != nil {
		return "", err
	}

	return topic + props, nil
}

// C2DSubscribe returns the cloud-to-device message family.
func (c *Codec) C2DSubscribe(deviceID, moduleID string, wildcard bool) string {
	if c.rules == Edge {
		return wild(edgePrefix(deviceID, moduleID)+"messages/c2d/post/", wildcard)
	}
	return wild(hubPrefix(deviceID, moduleID)+"messages/devicebound/", wildcard)
}

// MethodRequestSubscribe returns the direct method request family.
func (c *Codec) MethodRequestSubscribe(deviceID, moduleID string, wildcard bool) string {
	if c.rules == Edge {
		return wild(edgePrefix(deviceID, moduleID)+"methods/post/", wildcard)
	}
	return wild("$iothub/methods/POST/", wildcard)
}

// MethodResponseSubscribe returns the direct method response family.
func (c *Codec) MethodResponseSubscribe(deviceID, moduleID string, wildcard bool) string {
	if c.rules == Edge {
		return wild(edgePrefix(deviceID, moduleID)+"methods/res/", wildcard)
	}
	return wild("$iothub/methods/res/", wildcard)
}

// MethodResponsePublish returns the topic that answers requestTopic with status.
// The request id, and under edge rules the device and module ids, are taken from the request.
func (c *Codec) MethodResponsePublish(requestTopic string, status int) (string, error) {
	rid, err := c.RequestID(requestTopic)
	if err != nil {
		return "", err
	}

	suffix := "methods/res/" + sastoken.Quote(strconv.Itoa(status)) + "/?$rid=" + sastoken.Quote(rid)
	if c.rules != Edge {
		return "$iothub/" + suffix, nil
	}

	deviceID, err := c.DeviceID(requestTopic)
	if err != nil {
		return "", err
	}
	moduleID, err := c.ModuleID(requestTopic)
	if err != nil {
		return "", err
	}

	return edgePrefix(deviceID, moduleID) + suffix, nil
}
