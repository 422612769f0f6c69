// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package sastoken builds, refreshes and parses shared access signature tokens.
package sastoken

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	gwerrors "github.com/absmach/idtranslator/pkg/errors"
)

const (
	// DefaultTTL is the validity of a freshly built token.
	DefaultTTL = 3600 * time.Second

	// RenewalMargin is how long before expiry a token becomes due for renewal.
	RenewalMargin = 300 * time.Second

	prefix = "SharedAccessSignature "
)

// Signer produces a base64 signature for a message.
type Signer interface {
	Sign(ctx context.Context, message string) (string, error)
}

// SignerFunc adapts a function to the Signer interface.
type SignerFunc func(ctx context.Context, message string) (string, error)

// Sign implements Signer.
func (f SignerFunc) Sign(ctx context.Context, message string) (string, error) {
	return f(ctx, message)
}

// HMACSigner signs locally with a symmetric key.
type HMACSigner struct {
	key []byte
}

var _ Signer = (*HMACSigner)(nil)

// NewHMACSigner creates a signer from a base64 encoded key.
func NewHMACSigner(key string) (*HMACSigner, error) {
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gwerrors.ErrInvalidKey, err)
	}
	return &HMACSigner{key: raw}, nil
}

// Sign implements Signer.
func (s *HMACSigner) Sign(_ context.Context, message string) (string, error) {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Option configures a Token.
type Option func(*Token)

// WithKeyName sets the skn field of the token.
func WithKeyName(name string) Option {
	return func(t *Token) {
		t.keyName = name
	}
}

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(t *Token) {
		if ttl > 0 {
			t.ttl = ttl
		}
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(t *Token) {
		if now != nil {
			t.now = now
		}
	}
}

type snapshot struct {
	expiry int64
	value  string
}

// Token is a renewable SAS token for one resource URI.
// Readers always observe a complete token: Refresh swaps an immutable snapshot.
type Token struct {
	uri     string
	signer  Signer
	keyName string
	ttl     time.Duration
	now     func() time.Time
	current atomic.Pointer[snapshot]
}

// New builds a token for uri and signs it once.
func New(ctx context.Context, uri string, signer Signer, opts ...Option) (*Token, error) {
	t := &Token{
		uri:    uri,
		signer: signer,
		ttl:    DefaultTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}

	if err := t.Refresh(ctx); err != nil {
		return nil, err
	}

	return t, nil
}

// Refresh re-signs the token with a new expiry of now + TTL.
func (t *Token) Refresh(ctx context.Context) error {
	expiry := t.now().Add(t.ttl).Unix()
	resource := Quote(t.uri)
	se := strconv.FormatInt(expiry, 10)

	sig, err := t.signer.Sign(ctx, resource+"\n"+se)
	if err != nil {
		return fmt.Errorf("%w: %v", gwerrors.ErrTokenBuild, err)
	}

	value := prefix + "sr=" + resource + "&sig=" + Quote(sig) + "&se=" + se
	if t.keyName != "" {
		value += "&skn=" + t.keyName
	}

	t.current.Store(&snapshot{expiry: expiry, value: value})

	return nil
}

// String returns the current token.
func (t *Token) String() string {
	return t.current.Load().value
}

// URI returns the signed resource URI.
func (t *Token) URI() string {
	return t.uri
}

// TTL returns the validity applied on every refresh.
func (t *Token) TTL() time.Duration {
	return t.ttl
}

// ExpiryTime returns the expiry of the current token.
func (t *Token) ExpiryTime() time.Time {
	return time.Unix(t.current.Load().expiry, 0)
}

// RenewalTime returns the instant after which the token should be refreshed.
func (t *Token) RenewalTime() time.Time {
	return t.ExpiryTime().Add(-RenewalMargin)
}

// Info holds the fields of a parsed token. Values are kept in their encoded form.
type Info struct {
	Resource  string
	Signature string
	Expiry    string
	KeyName   string
}

// Parse splits a SAS token into its fields.
func Parse(token string) (Info, error) {
	parts := strings.Split(token, prefix)
	if len(parts) != 2 || parts[0] != "" {
		return Info{}, fmt.Errorf("%w: missing %q prefix", gwerrors.ErrMalformedToken, strings.TrimSpace(prefix))
	}

	fields := map[string]string{}
	for _, field := range strings.Split(parts[1], "&") {
		kv := strings.SplitN(field, "=", 2)
		if len(kv) != 2 {
			return Info{}, fmt.Errorf("%w: field %q has no value", gwerrors.ErrMalformedToken, field)
		}
		key := strings.TrimSpace(kv[0])
		switch key {
		case "sr", "sig", "se", "skn":
		default:
			return Info{}, fmt.Errorf("%w: unexpected field %q", gwerrors.ErrMalformedToken, key)
		}
		fields[key] = strings.TrimSpace(kv[1])
	}

	for _, required := range []string{"sr", "sig", "se"} {
		if _, ok := fields[required]; !ok {
			return Info{}, fmt.Errorf("%w: missing field %q", gwerrors.ErrMalformedToken, required)
		}
	}

	return Info{
		Resource:  fields["sr"],
		Signature: fields["sig"],
		Expiry:    fields["se"],
		KeyName:   fields["skn"],
	}, nil
}

// Quote percent-encodes every byte outside the unreserved set, encoding spaces as %20.
func Quote(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
