// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"fmt"
	"strings"

	gwerrors "github.com/absmach/idtranslator/pkg/errors"
	"github.com/absmach/idtranslator/pkg/sastoken"
)

// Connection string keys.
const (
	HostName            = "HostName"
	DeviceID            = "DeviceId"
	ModuleID            = "ModuleId"
	SharedAccessKey     = "SharedAccessKey"
	SharedAccessKeyName = "SharedAccessKeyName"
	GatewayHostName     = "GatewayHostName"
)

var connStringKeys = map[string]bool{
	HostName:            true,
	DeviceID:            true,
	ModuleID:            true,
	SharedAccessKey:     true,
	SharedAccessKeyName: true,
	GatewayHostName:     true,
}

// ConnectionString is a parsed "Key=Value;Key=Value" connection string.
type ConnectionString map[string]string

// ParseConnectionString parses and validates a device or module connection string.
func ParseConnectionString(s string) (ConnectionString, error) {
	cs := ConnectionString{}
	for _, part := range strings.Split(strings.TrimSpace(s), ";") {
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("%w: %q is not a key=value pair", gwerrors.ErrInvalidConnectionString, part)
		}
		if !connStringKeys[kv[0]] {
			return nil, fmt.Errorf("%w: unknown key %q", gwerrors.ErrInvalidConnectionString, kv[0])
		}
		if _, ok := cs[kv[0]]; ok {
			return nil, fmt.Errorf("%w: duplicate key %q", gwerrors.ErrInvalidConnectionString, kv[0])
		}
		cs[kv[0]] = kv[1]
	}

	for _, key := range []string{HostName, DeviceID, SharedAccessKey} {
		if cs[key] == "" {
			return nil, fmt.Errorf("%w: missing %s", gwerrors.ErrInvalidConnectionString, key)
		}
	}

	return cs, nil
}

// Identity returns the identity named by the connection string.
func (cs ConnectionString) Identity() Identity {
	return Identity{
		Hostname:        cs[HostName],
		DeviceID:        cs[DeviceID],
		ModuleID:        cs[ModuleID],
		GatewayHostname: cs[GatewayHostName],
	}
}

// SymmetricKey authenticates with a shared access key held locally.
type SymmetricKey struct {
	*renewable
}

var _ Provider = (*SymmetricKey)(nil)

// NewSymmetricKey creates a provider from a connection string.
func NewSymmetricKey(ctx context.Context, connString string, opts ...Option) (*SymmetricKey, error) {
	cs, err := ParseConnectionString(connString)
	if err != nil {
		return nil, err
	}

	signer, err := sastoken.NewHMACSigner(cs[SharedAccessKey])
	if err != nil {
		return nil, err
	}

	var extra []sastoken.Option
	if name := cs[SharedAccessKeyName]; name != "" {
		extra = append(extra, sastoken.WithKeyName(name))
	}

	r, err := newRenewable(ctx, cs.Identity(), signer, newOptions(opts), extra...)
	if err != nil {
		return nil, err
	}

	return &SymmetricKey{renewable: r}, nil
}
