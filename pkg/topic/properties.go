// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topic

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	gwerrors "github.com/absmach/idtranslator/pkg/errors"
	"github.com/absmach/idtranslator/pkg/sastoken"
)

// System property keys in wire order.
const (
	PropOutputName      = "$.on"
	PropMessageID       = "$.mid"
	PropCorrelationID   = "$.cid"
	PropUserID          = "$.uid"
	PropContentType     = "$.ct"
	PropContentEncoding = "$.ce"
	PropInterfaceID     = "$.ifid"
	PropExpiry          = "$.exp"
)

var systemKeys = map[string]bool{
	PropOutputName:      true,
	PropMessageID:       true,
	PropCorrelationID:   true,
	PropUserID:          true,
	PropContentType:     true,
	PropContentEncoding: true,
	PropInterfaceID:     true,
	PropExpiry:          true,
}

const expiryLayout = "2006-01-02T15:04:05.999Z07:00"

// Property is an application property. Keys and values are converted to
// strings with fmt.Sprint before encoding.
type Property struct {
	Key   any
	Value any
}

// Message carries the property bag of a telemetry message.
type Message struct {
	OutputName      string
	MessageID       string
	CorrelationID   string
	UserID          string
	ContentType     string
	ContentEncoding string
	InterfaceID     string
	Expiry          time.Time
	Properties      []Property
}

// PropertiesFromMap converts string properties.
func PropertiesFromMap(m map[string]string) []Property {
	props := make([]Property, 0, len(m))
	for k, v := range m {
		props = append(props, Property{Key: k, Value: v})
	}
	return props
}

// EncodeProperties encodes system properties in wire order followed by the
// application properties sorted by key.
func EncodeProperties(m *Message) (string, error) {
	system := []struct{ key, value string }{
		{PropOutputName, m.OutputName},
		{PropMessageID, m.MessageID},
		{PropCorrelationID, m.CorrelationID},
		{PropUserID, m.UserID},
		{PropContentType, m.ContentType},
		{PropContentEncoding, m.ContentEncoding},
		{PropInterfaceID, m.InterfaceID},
	}
	if !m.Expiry.IsZero() {
		system = append(system, struct{ key, value string }{PropExpiry, m.Expiry.UTC().Format(expiryLayout)})
	}

	var pairs []string
	for _, p := range system {
		if p.value != "" {
			pairs = append(pairs, p.key+"="+sastoken.Quote(p.value))
		}
	}

	custom := make(map[string]string, len(m.Properties))
	keys := make([]string, 0, len(m.Properties))
	for _, p := range m.Properties {
		k := fmt.Sprint(p.Key)
		if _, ok := custom[k]; ok || systemKeys[k] {
			return "", fmt.Errorf("%w: %q", gwerrors.ErrDuplicatePropertyKey, k)
		}
		custom[k] = fmt.Sprint(p.Value)
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		pairs = append(pairs, sastoken.Quote(k)+"="+sastoken.Quote(custom[k]))
	}

	return strings.Join(pairs, "&"), nil
}

// DecodeProperties is the inverse of EncodeProperties. Keys are returned as
// sent, system properties keep their "$." prefix.
func DecodeProperties(encoded string) (map[string]string, error) {
	props := map[string]string{}
	for _, pair := range strings.Split(encoded, "&") {
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
		props[key] = value
	}
	return props, nil
}
