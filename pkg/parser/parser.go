// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package parser

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/absmach/idtranslator/pkg/handler"
	"github.com/goccy/go-json"
)

// Inbound envelope types.
const (
	TypeConnect   = "connect"
	TypeTelemetry = "telemetry"
	TypeProperty  = "property"
	TypeTwinReq   = "twin_req"
)

// Outbound envelope types.
const (
	TypeConnected   = "connected"
	TypeTwinRes     = "twin_res"
	TypePropChanged = "prop_changed"
	TypeCommand     = "command"
	TypeC2D         = "c2d"
	TypeUnknown     = "unknown"
)

var (
	// ErrMalformedEnvelope is returned for input that is not an envelope.
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrUnknownType is returned by Dispatch for types it does not handle.
	ErrUnknownType = errors.New("unknown envelope type")

	// ErrMissingID is returned by Dispatch for an envelope without a device id.
	ErrMissingID = errors.New("envelope has no device id")

	// ErrMissingData is returned by Dispatch for telemetry or property envelopes without data.
	ErrMissingData = errors.New("envelope has no data")
)

// Envelope is one downstream message.
type Envelope struct {
	Type       string            `json:"type"`
	ID         string            `json:"id,omitempty"`
	Data       json.RawMessage   `json:"data,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

// NewEnvelope builds an outbound envelope. Data that is not valid JSON is wrapped as a JSON string.
func NewEnvelope(msgType, deviceID string, data []byte) Envelope {
	e := Envelope{Type: msgType, ID: deviceID}
	if len(data) == 0 {
		return e
	}
	if json.Valid(data) {
		e.Data = json.RawMessage(data)
		return e
	}

	quoted, err := json.Marshal(string(data))
	if err == nil {
		e.Data = quoted
	}

	return e
}

// Decode parses a single envelope. Surrounding whitespace is ignored.
func Decode(b []byte) (Envelope, error) {
	var e Envelope
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return e, fmt.Errorf("%w: empty input", ErrMalformedEnvelope)
	}
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if e.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}

	return e, nil
}

// Encode serializes e followed by a newline.
func Encode(e Envelope) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// Dispatch calls the handler method matching the envelope type.
// A successful connect records the device in hctx.
func Dispatch(ctx context.Context, h handler.Handler, hctx *handler.Context, e Envelope) error {
	if e.ID == "" {
		return fmt.Errorf("%w: %s", ErrMissingID, e.Type)
	}

	switch e.Type {
	case TypeConnect:
		if err := h.OnConnect(ctx, hctx, e.ID, e.Data); err != nil {
			return err
		}
		hctx.DeviceID = e.ID
		return nil

	case TypeTelemetry:
		if len(e.Data) == 0 {
			return fmt.Errorf("%w: %s", ErrMissingData, e.Type)
		}
		return h.OnTelemetry(ctx, hctx, e.ID, e.Data, e.Properties)

	case TypeProperty:
		if len(e.Data) == 0 {
			return fmt.Errorf("%w: %s", ErrMissingData, e.Type)
		}
		return h.OnProperty(ctx, hctx, e.ID, e.Data)

	case TypeTwinReq:
		return h.OnTwinRequest(ctx, hctx, e.ID)

	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
}
