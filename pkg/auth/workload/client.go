// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package workload is a client for the edge runtime workload API: it signs
// data with the module key and serves the trust bundle of the edge hub.
package workload

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

const (
	// DefaultTimeout bounds a single workload API call.
	DefaultTimeout = 10 * time.Second

	keyID     = "primary"
	algorithm = "HMACSHA256"
)

var (
	// ErrUnexpectedStatus is returned when the workload API answers with a non-2xx status.
	ErrUnexpectedStatus = errors.New("unexpected workload api status")

	// ErrEmptyResponse is returned when a required response field is missing.
	ErrEmptyResponse = errors.New("empty workload api response")
)

// Config names the module the client signs for.
type Config struct {
	// URI of the workload API, unix:///var/run/iotedge/workload.sock or http://host:port.
	URI          string
	ModuleID     string
	GenerationID string
	APIVersion   string
	Timeout      time.Duration
}

// Client calls the workload API.
type Client struct {
	base   string
	config Config
	http   *http.Client
}

// New creates a workload client. unix:// URIs are dialed as unix domain sockets.
func New(cfg Config) (*Client, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	u, err := url.Parse(cfg.URI)
	if err != nil {
		return nil, fmt.Errorf("invalid workload uri %q: %w", cfg.URI, err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	base := strings.TrimSuffix(cfg.URI, "/")

	switch u.Scheme {
	case "unix":
		socket := u.Path
		transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socket)
		}
		base = "http://workload"
	case "http", "https":
	default:
		return nil, fmt.Errorf("unsupported workload uri scheme %q", u.Scheme)
	}

	return &Client{
		base:   base,
		config: cfg,
		http:   &http.Client{Transport: transport, Timeout: cfg.Timeout},
	}, nil
}

type signRequest struct {
	KeyID string `json:"keyId"`
	Algo  string `json:"algo"`
	Data  string `json:"data"`
}

type signResponse struct {
	Digest string `json:"digest"`
}

// Sign returns the base64 HMAC digest of message computed with the module key.
func (c *Client) Sign(ctx context.Context, message string) (string, error) {
	endpoint := fmt.Sprintf("%s/modules/%s/genid/%s/sign?api-version=%s",
		c.base,
		url.PathEscape(c.config.ModuleID),
		url.PathEscape(c.config.GenerationID),
		url.QueryEscape(c.config.APIVersion))

	body, err := json.Marshal(signRequest{
		KeyID: keyID,
		Algo:  algorithm,
		Data:  base64.StdEncoding.EncodeToString([]byte(message)),
	})
	if err != nil {
		return "", err
	}

	var resp signResponse
	if err := c.do(ctx, http.MethodPost, endpoint, body, &resp); err != nil {
		return "", fmt.Errorf("workload sign: %w", err)
	}
	if resp.Digest == "" {
		return "", fmt.Errorf("workload sign: %w", ErrEmptyResponse)
	}

	return resp.Digest, nil
}

type trustBundleResponse struct {
	Certificate string `json:"certificate"`
}

// TrustBundle returns the PEM encoded certificates the edge hub server certificate chains to.
func (c *Client) TrustBundle(ctx context.Context) (string, error) {
	endpoint := fmt.Sprintf("%s/trust-bundle?api-version=%s", c.base, url.QueryEscape(c.config.APIVersion))

	var resp trustBundleResponse
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return "", fmt.Errorf("workload trust bundle: %w", err)
	}
	if resp.Certificate == "" {
		return "", fmt.Errorf("workload trust bundle: %w", ErrEmptyResponse)
	}

	return resp.Certificate, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %d %s", ErrUnexpectedStatus, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	return json.Unmarshal(data, out)
}
