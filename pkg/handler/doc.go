// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler provides the interface that links downstream listeners to the gateway.
//
// # Data Flow
//
//	Device → Server → Parser (decodes envelope) → Handler → Gateway → Hub
//	Hub → Gateway → Responder → Parser (encodes envelope) → Server → Device
//
// # Handler Methods
//
// Request methods are called for every inbound envelope:
//   - OnConnect: registers the device named by the envelope
//   - OnTelemetry: forwards a telemetry message
//   - OnProperty: forwards a reported property patch
//   - OnTwinRequest: asks for the device twin, answered asynchronously
//
// OnDisconnect is called once per device when its session ends.
//
// # Context
//
// The Context struct carries session metadata across all handler calls:
//   - SessionID: Unique identifier for this connection/session
//   - DeviceID: The last device that connected over the session
//   - RemoteAddr: Client's network address
//   - Protocol: Listener name (tcp, udp, ws)
//   - Responder: Writes envelopes back to the session
//
// Asynchronous hub traffic reaches the device through the Responder captured at connect time.
package handler
