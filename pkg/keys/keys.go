// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package keys derives per-device symmetric keys from an enrollment group key.
package keys

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	gwerrors "github.com/absmach/idtranslator/pkg/errors"
)

// Derive returns base64(HMAC-SHA256(base64decode(groupKey), registrationID)).
// The result is the device key a provisioning service expects for a device
// enrolled through the group.
func Derive(groupKey, registrationID string) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(groupKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", gwerrors.ErrInvalidKey, err)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(registrationID))

	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}
