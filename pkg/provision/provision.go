// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package provision registers downstream devices with a device provisioning service.
package provision

import (
	"context"
)

// Assignment is the outcome of a successful registration.
type Assignment struct {
	DeviceID    string
	AssignedHub string
}

// Provisioner registers a device and reports the hub it was assigned to.
type Provisioner interface {
	Provision(ctx context.Context, deviceID string) (Assignment, error)
}

// Settings are the per-module provisioning parameters, read from the module twin.
type Settings struct {
	IDScope   string
	GroupKey  string
	GatewayID string
	ModelID   string
}

// Factory builds a Provisioner once the module settings are known.
type Factory func(Settings) (Provisioner, error)
