// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides the error taxonomy shared by the gateway packages.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidKey indicates a key that is not valid base64.
	ErrInvalidKey = errors.New("invalid key")

	// ErrTokenBuild indicates that the signer could not produce a SAS signature.
	ErrTokenBuild = errors.New("unable to build sas token")

	// ErrMalformedToken indicates a SAS token string that cannot be parsed.
	ErrMalformedToken = errors.New("malformed sas token")

	// ErrInvalidConnectionString indicates a connection string missing required fields.
	ErrInvalidConnectionString = errors.New("invalid connection string")

	// ErrNotIoTHubTopic indicates a topic outside of the hub topic namespace.
	ErrNotIoTHubTopic = errors.New("topic is not an iothub topic")

	// ErrWrongFeature indicates a hub topic that belongs to a different feature family.
	ErrWrongFeature = errors.New("topic is not for the requested feature")

	// ErrAmbiguousTopic indicates a hub-rooted topic that does not carry the requested scope.
	ErrAmbiguousTopic = errors.New("topic does not identify a device or module")

	// ErrDuplicatePropertyKey indicates two message properties share a key.
	ErrDuplicatePropertyKey = errors.New("duplicate property key")

	// ErrTransportRejected indicates the hub refused the supplied credentials.
	ErrTransportRejected = errors.New("transport rejected credentials")

	// ErrNotReady indicates the gateway has not finished loading its module configuration.
	ErrNotReady = errors.New("gateway not ready")

	// ErrUnknownDevice indicates an operation for a device that is not registered.
	ErrUnknownDevice = errors.New("unknown device")

	// ErrNotAssigned indicates provisioning finished without a hub assignment.
	ErrNotAssigned = errors.New("device not assigned")
)

// GatewayError wraps an error with the operation and device it relates to.
type GatewayError struct {
	Op       string // Operation that failed
	DeviceID string // Downstream device, empty for module-level operations
	Err      error  // Underlying error
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e.DeviceID != "" {
		return fmt.Sprintf("%s [%s]: %v", e.Op, e.DeviceID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *GatewayError) Unwrap() error {
	return e.Err
}

// New creates a new GatewayError. It returns nil for a nil error.
func New(op, deviceID string, err error) error {
	if err == nil {
		return nil
	}
	return &GatewayError{
		Op:       op,
		DeviceID: deviceID,
		Err:      err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
