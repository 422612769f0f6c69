// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package parser implements the downstream envelope protocol.
//
// # Wire Format
//
// Every message is one JSON object terminated by a newline:
//
//	{"type":"telemetry","id":"sensor-1","data":{"t":21.5},"properties":{"unit":"C"}}
//
// Stream listeners (TCP) read newline separated envelopes. Datagram listeners (UDP)
// accept one or more envelopes per datagram. WebSocket listeners carry one envelope per frame.
//
// # Inbound Types
//
//   - connect: registers the device, data holds free-form options
//   - telemetry: data is sent as a telemetry message, properties become message properties
//   - property: data is sent as a reported property patch
//   - twin_req: asks for the device twin
//
// # Outbound Types
//
//   - connected: answer to connect
//   - twin_res: the device twin
//   - prop_changed: a desired property patch
//   - command: a method request or response
//   - c2d: a cloud-to-device message
//   - unknown: anything the gateway could not classify
//
// Outbound payloads that are not valid JSON are carried as JSON strings.
//
// # Integration with Servers
//
// Servers decode envelopes with Reader or Decode, then call Dispatch, which maps each
// inbound type onto the matching handler.Handler method. Writer implements
// handler.Responder for stream sessions.
package parser
