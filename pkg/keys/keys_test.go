// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"testing"

	gwerrors "github.com/absmach/idtranslator/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDerive(t *testing.T) {
	groupKey := base64.StdEncoding.EncodeToString([]byte("00"))

	mac := hmac.New(sha256.New, []byte("00"))
	mac.Write([]byte("dev1"))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	got, err := Derive(groupKey, "dev1")
	require.NoError(t, err)
	assert.Equal(t, expected, got)

	again, err := Derive(groupKey, "dev1")
	require.NoError(t, err)
	assert.Equal(t, got, again, "derivation must be deterministic")

	other, err := Derive(groupKey, "dev2")
	require.NoError(t, err)
	assert.NotEqual(t, got, other)

	raw, err := base64.StdEncoding.DecodeString(got)
	require.NoError(t, err)
	assert.Len(t, raw, sha256.Size)
}

func TestDeriveInvalidKey(t *testing.T) {
	_, err := Derive("not base64!!", "dev1")
	assert.True(t, errors.Is(err, gwerrors.ErrInvalidKey))
}
