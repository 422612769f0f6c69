// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package topic builds, parses and matches hub MQTT topics.
//
// Two grammars exist. Direct rules are used against the hub itself: twin and
// method topics are rooted at $iothub/ and carry no device id, while
// telemetry and cloud-to-device topics live under devices/{d}[/modules/{m}]/.
// Edge rules are used behind an edge hub that multiplexes several identities
// over one connection, so every topic is rooted at $iothub/{d}[/{m}]/.
//
// A Codec is bound to one RuleSet at construction:
//
//	c := topic.NewCodec(topic.Edge)
//	get := c.TwinGetPublish("dev1", "")   // $iothub/dev1/twin/get/?$rid=<uuid>
//	rid, _ := c.RequestID(get)
//
// Parsers validate the topic family before extracting a field and fail with
// ErrNotIoTHubTopic or ErrWrongFeature. Matchers are predicates, except the
// scope matchers which report ErrAmbiguousTopic for hub-rooted direct topics.
package topic
