// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topic

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	gwerrors "github.com/absmach/idtranslator/pkg/errors"
)

var (
	edgeRequestFamilies   = []string{"/twin/reported/", "/twin/get/", "/twin/res/", "/methods/post/", "/methods/res/"}
	directRequestFamilies = []string{"/twin/PATCH/properties/reported/", "/twin/res/", "/twin/GET/", "/methods/POST/", "/methods/res/"}
	statusFamilies        = []string{"/methods/res/", "/twin/res/"}
	edgeVersionFamilies   = []string{"/twin/res/", "/twin/desired/", "/twin/reported/"}
	directVersionFamilies = []string{"/twin/res/", "/twin/PATCH/properties/desired/", "/twin/PATCH/properties/reported/"}
)

// verify checks the topic root and, when families is not empty, that the
// topic contains one of them.
func (c *Codec) verify(topic, feature string, families []string) error {
	switch {
	case strings.HasPrefix(topic, "$iothub"):
	case c.rules == Direct && strings.HasPrefix(topic, "devices/"):
	default:
		return fmt.Errorf("%w: %q", gwerrors.ErrNotIoTHubTopic, topic)
	}

	if len(families) == 0 {
		return nil
	}
	for _, f := range families {
		if strings.Contains(topic, f) {
			return nil
		}
	}

	return fmt.Errorf("%w: %q is not a %s topic", gwerrors.ErrWrongFeature, topic, feature)
}

// properties decodes the query part of a topic. Leading '$' are stripped from keys.
func properties(topic string) (map[string]string, error) {
	props := map[string]string{}
	_, query, ok := strings.Cut(topic, "?")
	if !ok || query == "" {
		return props, nil
	}

	for _, pair := range strings.Split(query, "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		key, err := url.PathUnescape(k)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed property %q", gwerrors.ErrWrongFeature, pair)
		}
		value, err := url.PathUnescape(v)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed property %q", gwerrors.ErrWrongFeature, pair)
		}
		props[strings.TrimLeft(key, "$")] = value
	}

	return props, nil
}

// segments splits the path part of a topic.
func segments(topic string) []string {
	path, _, _ := strings.Cut(topic, "?")
	return strings.Split(path, "/")
}

// RequestID extracts $rid from a twin or method topic.
func (c *Codec) RequestID(topic string) (string, error) {
	families := directRequestFamilies
	if c.rules == Edge {
		families = edgeRequestFamilies
	}
	if err := c.verify(topic, "request/response", families); err != nil {
		return "", err
	}

	props, err := properties(topic)
	if err != nil {
		return "", err
	}
	rid, ok := props["rid"]
	if !ok || rid == "" {
		return "", fmt.Errorf("%w: %q carries no request id", gwerrors.ErrWrongFeature, topic)
	}

	return rid, nil
}

// DeviceID extracts the device id. Direct hub-rooted topics carry none.
func (c *Codec) DeviceID(topic string) (string, error) {
	if err := c.verify(topic, "", nil); err != nil {
		return "", err
	}

	segs := segments(topic)
	if c.rules == Direct && segs[0] != "devices" {
		return "", fmt.Errorf("%w: %q", gwerrors.ErrAmbiguousTopic, topic)
	}
	if len(segs) < 2 || segs[1] == "" {
		return "", fmt.Errorf("%w: %q carries no device id", gwerrors.ErrWrongFeature, topic)
	}

	return segs[1], nil
}

// ModuleID extracts the module id. It is empty when the topic addresses a device.
func (c *Codec) ModuleID(topic string) (string, error) {
	if err := c.verify(topic, "", nil); err != nil {
		return "", err
	}

	segs := segments(topic)
	if c.rules == Direct {
		if segs[0] != "devices" {
			return "", fmt.Errorf("%w: %q", gwerrors.ErrAmbiguousTopic, topic)
		}
		if len(segs) > 3 && segs[2] == "modules" {
			return segs[3], nil
		}
		return "", nil
	}

	if len(segs) < 3 {
		return "", nil
	}
	switch segs[2] {
	case "messages", "twin", "methods":
		return "", nil
	}

	return segs[2], nil
}

// MethodName extracts the method name of a method request topic.
func (c *Codec) MethodName(topic string) (string, error) {
	post := "POST"
	if c.rules == Edge {
		post = "post"
	}
	if err := c.verify(topic, "method request", []string{"/methods/" + post + "/"}); err != nil {
		return "", err
	}

	segs := strings.Split(topic, "/")
	for i := 0; i+2 < len(segs); i++ {
		if segs[i] == "methods" && segs[i+1] == post && segs[i+2] != "" && !strings.HasPrefix(segs[i+2], "?") {
			return segs[i+2], nil
		}
	}

	return "", fmt.Errorf("%w: %q carries no method name", gwerrors.ErrWrongFeature, topic)
}

// StatusCode extracts the status of a twin or method response topic.
func (c *Codec) StatusCode(topic string) (int, error) {
	if err := c.verify(topic, "response", statusFamilies); err != nil {
		return 0, err
	}

	segs := segments(topic)
	for i := 0; i+1 < len(segs); i++ {
		if segs[i] != "res" {
			continue
		}
		status, err := strconv.Atoi(segs[i+1])
		if err != nil {
			return 0, fmt.Errorf("%w: status %q is not numeric", gwerrors.ErrWrongFeature, segs[i+1])
		}
		return status, nil
	}

	return 0, fmt.Errorf("%w: %q carries no status", gwerrors.ErrWrongFeature, topic)
}

// TwinVersion extracts $version from a twin response or patch topic.
func (c *Codec) TwinVersion(topic string) (int, error) {
	families := directVersionFamilies
	if c.rules == Edge {
		families = edgeVersionFamilies
	}
	if err := c.verify(topic, "twin", families); err != nil {
		return 0, err
	}

	props, err := properties(topic)
	if err != nil {
		return 0, err
	}
	v, ok := props["version"]
	if !ok {
		return 0, fmt.Errorf("%w: %q carries no version", gwerrors.ErrWrongFeature, topic)
	}
	version, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: version %q is not numeric", gwerrors.ErrWrongFeature, v)
	}

	return version, nil
}

// MessageProperties decodes the property bag that follows a telemetry or
// cloud-to-device topic.
func (c *Codec) MessageProperties(topic string) (map[string]string, error) {
	families := []string{"/messages/devicebound/", "/messages/events/"}
	if c.rules == Edge {
		families = []string{"/messages/c2d/post/", "/messages/events/"}
	}
	if err := c.verify(topic, "message", families); err != nil {
		return nil, err
	}

	for _, f := range families {
		if i := strings.Index(topic, f); i >= 0 {
			return DecodeProperties(topic[i+len(f):])
		}
	}

	return map[string]string{}, nil
}
