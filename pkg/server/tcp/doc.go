// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp implements the TCP listener for downstream devices.
//
// # Overview
//
// Each accepted connection is a session that carries newline delimited JSON
// envelopes in both directions. Inbound envelopes are dispatched to a
// handler.Handler; hub traffic is written back through the session Responder.
//
//	┌─────────┐           ┌─────────┐          ┌─────────┐
//	│ Device  │ ←─lines─→ │ Server  │ ───────→ │ Handler │
//	└─────────┘           └─────────┘          └─────────┘
//
// # Connection Flow
//
//  1. Client connects, the server assigns a session id
//  2. The server reads envelopes until the client closes or the server stops
//  3. Malformed envelopes and handler errors are logged, the session continues
//  4. When the session ends, OnDisconnect is called for every device it connected
//
// # Graceful Shutdown
//
// When the context is cancelled the listener closes and pending reads are
// interrupted. Sessions finish the envelope in flight. After ShutdownTimeout
// remaining connections are closed and ErrShutdownTimeout is returned.
//
// # Example
//
//	srv := tcp.New(tcp.Config{Address: ":64132"}, gateway.NewHandler(gw, logger))
//	if err := srv.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
package tcp
