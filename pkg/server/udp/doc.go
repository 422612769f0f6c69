// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package udp implements the UDP listener for downstream devices.
//
// # Overview
//
// UDP is connectionless, so the server keeps a session per client address.
// Every datagram carries one or more newline separated JSON envelopes and every
// outbound envelope is sent as its own datagram to the session address.
//
//	┌─────────┐               ┌─────────┐          ┌─────────┐
//	│ Device  │ ←─datagrams─→ │ Server  │ ───────→ │ Handler │
//	└─────────┘               └─────────┘          └─────────┘
//	                               ↓
//	                         ┌──────────┐
//	                         │ Session  │
//	                         │ Manager  │
//	                         └──────────┘
//
// # Ordering
//
// Datagrams are processed by a fixed pool of workers. The worker is chosen by
// hashing the client address, so datagrams of one client are handled in the
// order they were read while different clients proceed in parallel.
//
// # Session Lifecycle
//
// A session is created by the first datagram of an address and expires after
// SessionTimeout without traffic. Expiry and shutdown call OnDisconnect for
// every device the session connected.
//
// # Example
//
//	srv := udp.New(udp.Config{Address: ":64132"}, gateway.NewHandler(gw, logger))
//	if err := srv.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
package udp
