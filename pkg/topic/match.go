// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topic

import (
	"fmt"
	"strings"

	gwerrors "github.com/absmach/idtranslator/pkg/errors"
)

// IsTwinResponse reports whether topic is a twin response. When requestTopic
// is not empty, the response must also answer that request.
func (c *Codec) IsTwinResponse(topic, requestTopic string) bool {
	if requestTopic == "" {
		if c.rules == Edge {
			return strings.HasPrefix(topic, "$iothub/") && strings.Contains(topic, "/twin/res/")
		}
		return strings.HasPrefix(topic, "$iothub/twin/res/")
	}

	rid, err := c.RequestID(requestTopic)
	if err != nil {
		return false
	}

	prefix := "$iothub/twin/res/"
	if c.rules == Edge {
		deviceID, err := c.DeviceID(requestTopic)
		if err != nil {
			return false
		}
		moduleID, err := c.ModuleID(requestTopic)
		if err != nil {
			return false
		}
		prefix = c.TwinResponseSubscribe(deviceID, moduleID, false)
	}
	if !strings.HasPrefix(topic, prefix) {
		return false
	}

	got, err := c.RequestID(topic)
	return err == nil && got == rid
}

// IsTwinDesiredPatch reports whether topic carries a desired properties patch.
func (c *Codec) IsTwinDesiredPatch(topic string) bool {
	if c.rules == Edge {
		return strings.HasPrefix(topic, "$iothub/") && strings.Contains(topic, "/twin/desired/")
	}
	return strings.HasPrefix(topic, "$iothub/twin/PATCH/properties/desired/")
}

// IsC2D reports whether topic carries a cloud-to-device message.
func (c *Codec) IsC2D(topic string) bool {
	if c.rules == Edge {
		return strings.HasPrefix(topic, "$iothub/") && strings.Contains(topic, "/messages/c2d/post/")
	}
	return strings.HasPrefix(topic, "devices/") && strings.Contains(topic, "/messages/devicebound/")
}

// IsMethodRequest reports whether topic is a method request, for methodName when it is not empty.
func (c *Codec) IsMethodRequest(topic, methodName string) bool {
	var ok bool
	if c.rules == Edge {
		ok = strings.HasPrefix(topic, "$iothub/") && strings.Contains(topic, "/methods/post/")
	} else {
		ok = strings.HasPrefix(topic, "$iothub/methods/POST/")
	}
	if !ok || methodName == "" {
		return ok
	}

	name, err := c.MethodName(topic)
	return err == nil && name == methodName
}

// IsMethodResponse reports whether topic is a method response.
func (c *Codec) IsMethodResponse(topic string) bool {
	if c.rules == Edge {
		return strings.HasPrefix(topic, "$iothub/") && strings.Contains(topic, "/methods/res/")
	}
	return strings.HasPrefix(topic, "$iothub/methods/res/")
}

// SentToDevice reports whether topic is addressed to the device itself.
func (c *Codec) SentToDevice(topic, deviceID string) (bool, error) {
	if c.rules == Edge {
		return strings.HasPrefix(topic, edgePrefix(deviceID, "")), nil
	}
	if strings.HasPrefix(topic, "$iothub") {
		return false, fmt.Errorf("%w: %q", gwerrors.ErrAmbiguousTopic, topic)
	}
	return strings.HasPrefix(topic, hubPrefix(deviceID, "")), nil
}

// SentToModule reports whether topic is addressed to the module.
func (c *Codec) SentToModule(topic, deviceID, moduleID string) (bool, error) {
	if c.rules == Edge {
		return strings.HasPrefix(topic, edgePrefix(deviceID, moduleID)), nil
	}
	if strings.HasPrefix(topic, "$iothub") {
		return false, fmt.Errorf("%w: %q", gwerrors.ErrAmbiguousTopic, topic)
	}
	return strings.HasPrefix(topic, hubPrefix(deviceID, moduleID)), nil
}
