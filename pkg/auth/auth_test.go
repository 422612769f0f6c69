// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"math/big"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	gwerrors "github.com/absmach/idtranslator/pkg/errors"
	"github.com/absmach/idtranslator/pkg/sastoken"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var key = base64.StdEncoding.EncodeToString([]byte("module-key"))

func TestIdentity(t *testing.T) {
	dev := Identity{Hostname: "hub.example.net", DeviceID: "dev1"}
	assert.Equal(t, "dev1", dev.ClientID())
	assert.Equal(t, "hub.example.net/dev1/?api-version=2019-10-01", dev.Username(DirectAPIVersion))
	assert.Equal(t, "hub.example.net/devices/dev1", dev.SASURI())

	mod := Identity{Hostname: "hub.example.net", DeviceID: "edge", ModuleID: "translator"}
	assert.Equal(t, "edge/translator", mod.ClientID())
	assert.Equal(t, "hub.example.net/edge/translator/?api-version=2018-06-30", mod.Username(EdgeAPIVersion))
	assert.Equal(t, "hub.example.net/devices/edge/modules/translator", mod.SASURI())
}

func TestParseConnectionString(t *testing.T) {
	cases := []struct {
		desc string
		cs   string
		id   Identity
		err  error
	}{
		{
			desc: "device",
			cs:   "HostName=hub.example.net;DeviceId=dev1;SharedAccessKey=" + key,
			id:   Identity{Hostname: "hub.example.net", DeviceID: "dev1"},
		},
		{
			desc: "module behind gateway",
			cs:   "HostName=hub.example.net;DeviceId=edge;ModuleId=translator;SharedAccessKey=" + key + ";GatewayHostName=edgehub",
			id:   Identity{Hostname: "hub.example.net", DeviceID: "edge", ModuleID: "translator", GatewayHostname: "edgehub"},
		},
		{
			desc: "missing key",
			cs:   "HostName=hub.example.net;DeviceId=dev1",
			err:  gwerrors.ErrInvalidConnectionString,
		},
		{
			desc: "unknown field",
			cs:   "HostName=hub.example.net;DeviceId=dev1;SharedAccessKey=" + key + ";Color=blue",
			err:  gwerrors.ErrInvalidConnectionString,
		},
		{
			desc: "duplicate field",
			cs:   "HostName=a;HostName=b;DeviceId=dev1;SharedAccessKey=" + key,
			err:  gwerrors.ErrInvalidConnectionString,
		},
		{
			desc: "not a pair",
			cs:   "HostName",
			err:  gwerrors.ErrInvalidConnectionString,
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			cs, err := ParseConnectionString(tc.cs)
			if tc.err != nil {
				assert.True(t, errors.Is(err, tc.err), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.id, cs.Identity())
			assert.Equal(t, key, cs[SharedAccessKey], "key padding must survive parsing")
		})
	}
}

func fixedClock() func() time.Time {
	now := time.Unix(time.Now().Unix(), 0)
	return func() time.Time { return now }
}

func TestSymmetricKey(t *testing.T) {
	cs := "HostName=hub.example.net;DeviceId=edge;ModuleId=translator;SharedAccessKey=" + key
	clock := fixedClock()

	p, err := NewSymmetricKey(context.Background(), cs, WithClock(clock), WithAPIVersion(EdgeAPIVersion))
	require.NoError(t, err)

	assert.Equal(t, "hub.example.net/edge/translator/?api-version=2018-06-30", p.Username())
	assert.Equal(t, "edge/translator", p.ClientID())
	assert.Equal(t, DefaultPort, p.Port())
	assert.Equal(t, clock().Add(sastoken.DefaultTTL).Unix(), p.ExpiryTime().Unix())
	assert.False(t, p.ReadyToRenew())

	info, err := sastoken.Parse(p.Password())
	require.NoError(t, err)
	assert.Equal(t, sastoken.Quote(p.SASURI()), info.Resource)
	assert.Empty(t, info.KeyName)
}

func TestSymmetricKeyName(t *testing.T) {
	cs := "HostName=hub;DeviceId=dev1;SharedAccessKey=" + key + ";SharedAccessKeyName=owner"
	p, err := NewSymmetricKey(context.Background(), cs)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(p.Password(), "&skn=owner"))
}

func TestSymmetricKeyInvalid(t *testing.T) {
	_, err := NewSymmetricKey(context.Background(), "HostName=hub;DeviceId=dev1;SharedAccessKey=%%%")
	assert.True(t, errors.Is(err, gwerrors.ErrInvalidKey))
}

func TestReadyToRenew(t *testing.T) {
	cs := "HostName=hub;DeviceId=dev1;SharedAccessKey=" + key
	p, err := NewSymmetricKey(context.Background(), cs, WithClock(fixedClock()), WithTTL(sastoken.RenewalMargin))
	require.NoError(t, err)
	assert.True(t, p.ReadyToRenew())
}

func TestRenewalTimerFires(t *testing.T) {
	cs := "HostName=hub;DeviceId=dev1;SharedAccessKey=" + key
	p, err := NewSymmetricKey(context.Background(), cs, WithClock(fixedClock()), WithTTL(sastoken.RenewalMargin))
	require.NoError(t, err)

	fired := make(chan struct{}, 2)
	p.SetRenewalTimer(func() { fired <- struct{}{} })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("renewal handler was not invoked")
	}

	select {
	case <-fired:
		t.Fatal("one-shot timer fired twice")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRenewalTimerCancel(t *testing.T) {
	cs := "HostName=hub;DeviceId=dev1;SharedAccessKey=" + key
	p, err := NewSymmetricKey(context.Background(), cs, WithClock(fixedClock()), WithTTL(sastoken.RenewalMargin+time.Second))
	require.NoError(t, err)

	var calls atomic.Int32
	p.SetRenewalTimer(func() { calls.Add(1) })
	p.CancelRenewalTimer()

	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

func TestRenewalTimerRearm(t *testing.T) {
	cs := "HostName=hub;DeviceId=dev1;SharedAccessKey=" + key
	p, err := NewSymmetricKey(context.Background(), cs, WithClock(fixedClock()), WithTTL(sastoken.RenewalMargin+time.Second))
	require.NoError(t, err)

	var first, second atomic.Int32
	p.SetRenewalTimer(func() { first.Add(1) })
	p.SetRenewalTimer(func() { second.Add(1) })

	assert.Eventually(t, func() bool { return second.Load() == 1 }, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, int32(0), first.Load())
}

func TestRenew(t *testing.T) {
	var now atomic.Int64
	now.Store(time.Now().Unix())
	clock := func() time.Time { return time.Unix(now.Load(), 0) }

	cs := "HostName=hub;DeviceId=dev1;SharedAccessKey=" + key
	p, err := NewSymmetricKey(context.Background(), cs, WithClock(clock))
	require.NoError(t, err)

	var calls atomic.Int32
	p.SetRenewalTimer(func() { calls.Add(1) })

	before := p.Password()
	now.Add(60)
	require.NoError(t, p.Renew(context.Background()))

	assert.NotEqual(t, before, p.Password())
	assert.Equal(t, int32(1), calls.Load())
}

type fakeWorkload struct {
	bundle  string
	signErr error
	signed  atomic.Int32
}

func (f *fakeWorkload) Sign(_ context.Context, message string) (string, error) {
	if f.signErr != nil {
		return "", f.signErr
	}
	f.signed.Add(1)
	return base64.StdEncoding.EncodeToString([]byte(message)), nil
}

func (f *fakeWorkload) TrustBundle(context.Context) (string, error) {
	return f.bundle, nil
}

func edgeSettings() EdgeSettings {
	return EdgeSettings{
		Hostname:        "hub.example.net",
		DeviceID:        "edge",
		ModuleID:        "translator",
		GenerationID:    "42",
		WorkloadURI:     "unix:///var/run/iotedge/workload.sock",
		APIVersion:      "2019-01-30",
		GatewayHostname: "edgehub",
	}
}

func TestWorkload(t *testing.T) {
	svc := &fakeWorkload{bundle: selfSignedPEM(t)}

	p, err := NewWorkload(context.Background(), edgeSettings(), svc)
	require.NoError(t, err)

	assert.Equal(t, "edgehub", p.GatewayHostname())
	assert.Equal(t, "hub.example.net/edge/translator/?api-version=2018-06-30", p.Username())
	assert.Equal(t, int32(1), svc.signed.Load())

	cfg, err := p.TLSConfig()
	require.NoError(t, err)
	assert.NotNil(t, cfg.RootCAs)

	require.NoError(t, p.Renew(context.Background()))
	assert.Equal(t, int32(2), svc.signed.Load())
}

func TestWorkloadErrors(t *testing.T) {
	settings := edgeSettings()
	settings.ModuleID = ""
	_, err := NewWorkload(context.Background(), settings, &fakeWorkload{})
	assert.ErrorContains(t, err, "MODULEID")

	_, err = NewWorkload(context.Background(), edgeSettings(), &fakeWorkload{signErr: errors.New("denied")})
	assert.True(t, errors.Is(err, gwerrors.ErrTokenBuild))

	p, err := NewWorkload(context.Background(), edgeSettings(), &fakeWorkload{bundle: "not a certificate"})
	require.NoError(t, err)
	_, err = p.TLSConfig()
	assert.Error(t, err)
}

func selfSignedPEM(t *testing.T) string {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "edgehub"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IsCA:         true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)

	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}
