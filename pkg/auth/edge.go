// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/absmach/idtranslator/pkg/sastoken"
)

var errMissingEdgeSetting = errors.New("missing edge runtime setting")

// EdgeSettings are the descriptors the edge runtime hands to a module.
type EdgeSettings struct {
	Hostname        string `env:"IOTHUBHOSTNAME"`
	DeviceID        string `env:"DEVICEID"`
	ModuleID        string `env:"MODULEID"`
	GenerationID    string `env:"MODULEGENERATIONID"`
	WorkloadURI     string `env:"WORKLOADURI"`
	APIVersion      string `env:"APIVERSION"`
	GatewayHostname string `env:"GATEWAYHOSTNAME"`
}

// Validate reports the first missing descriptor.
func (s EdgeSettings) Validate() error {
	required := []struct{ name, value string }{
		{"IOTHUBHOSTNAME", s.Hostname},
		{"DEVICEID", s.DeviceID},
		{"MODULEID", s.ModuleID},
		{"MODULEGENERATIONID", s.GenerationID},
		{"WORKLOADURI", s.WorkloadURI},
		{"APIVERSION", s.APIVersion},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%w: %s", errMissingEdgeSetting, r.name)
		}
	}
	return nil
}

// Identity returns the module identity described by the settings.
func (s EdgeSettings) Identity() Identity {
	return Identity{
		Hostname:        s.Hostname,
		DeviceID:        s.DeviceID,
		ModuleID:        s.ModuleID,
		GatewayHostname: s.GatewayHostname,
	}
}

// WorkloadService signs with the module key and provides the edge hub trust bundle.
type WorkloadService interface {
	Sign(ctx context.Context, message string) (string, error)
	TrustBundle(ctx context.Context) (string, error)
}

// Workload authenticates a module through the edge runtime workload API.
// The module key never leaves the runtime: every token refresh is a remote sign call.
type Workload struct {
	*renewable
}

var _ Provider = (*Workload)(nil)

// NewWorkload fetches the trust bundle and issues the first token.
func NewWorkload(ctx context.Context, settings EdgeSettings, svc WorkloadService, opts ...Option) (*Workload, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	bundle, err := svc.TrustBundle(ctx)
	if err != nil {
		return nil, err
	}

	o := newOptions(append([]Option{WithAPIVersion(EdgeAPIVersion)}, opts...))
	o.trust = []byte(bundle)

	r, err := newRenewable(ctx, settings.Identity(), sastoken.SignerFunc(svc.Sign), o)
	if err != nil {
		return nil, err
	}

	return &Workload{renewable: r}, nil
}
