// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package provision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	gwerrors "github.com/absmach/idtranslator/pkg/errors"
	"github.com/absmach/idtranslator/pkg/keys"
	"github.com/absmach/idtranslator/pkg/sastoken"
	"github.com/goccy/go-json"
)

const (
	// DefaultEndpoint is the global provisioning service endpoint.
	DefaultEndpoint = "https://global.azure-devices-provisioning.net"
	// APIVersion of the provisioning REST surface.
	APIVersion = "2019-03-31"

	registrationKeyName = "registration"
	statusAssigning     = "assigning"
	statusAssigned      = "assigned"
)

var (
	// ErrMissingSettings indicates settings without a scope or group key.
	ErrMissingSettings = errors.New("missing provisioning settings")

	// ErrUnexpectedStatus indicates a non-success HTTP status from the service.
	ErrUnexpectedStatus = errors.New("unexpected provisioning status")

	// ErrPollExhausted indicates the registration was still assigning after the last poll.
	ErrPollExhausted = errors.New("provisioning still in progress")
)

// Config holds the transport settings of the provisioning client.
type Config struct {
	Endpoint     string
	PollInterval time.Duration
	MaxPolls     int
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// DPS registers devices through the provisioning service REST API,
// using symmetric keys derived from the enrollment group key.
type DPS struct {
	config   Config
	settings Settings
	client   *http.Client
	logger   *slog.Logger
}

var _ Provisioner = (*DPS)(nil)

// NewDPS creates a provisioning client for the given module settings.
func NewDPS(cfg Config, s Settings) (*DPS, error) {
	if s.IDScope == "" || s.GroupKey == "" {
		return nil, ErrMissingSettings
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxPolls == 0 {
		cfg.MaxPolls = 30
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &DPS{
		config:   cfg,
		settings: s,
		client:   cfg.HTTPClient,
		logger:   cfg.Logger,
	}, nil
}

// NewFactory returns a Factory producing DPS clients that share cfg.
func NewFactory(cfg Config) Factory {
	return func(s Settings) (Provisioner, error) {
		return NewDPS(cfg, s)
	}
}

type gatewayPayload struct {
	GatewayID string `json:"iotcGatewayId"`
}

type registrationPayload struct {
	ModelID string          `json:"iotcModelId,omitempty"`
	Gateway *gatewayPayload `json:"iotcGateway,omitempty"`
}

type registrationRequest struct {
	RegistrationID string               `json:"registrationId"`
	Payload        *registrationPayload `json:"payload,omitempty"`
}

type registrationState struct {
	AssignedHub string `json:"assignedHub"`
	DeviceID    string `json:"deviceId"`
	Status      string `json:"status"`
	ErrorCode   int    `json:"errorCode,omitempty"`
	ErrorMsg    string `json:"errorMessage,omitempty"`
}

type operationStatus struct {
	OperationID       string             `json:"operationId"`
	Status            string             `json:"status"`
	RegistrationState *registrationState `json:"registrationState,omitempty"`
}

// Provision implements Provisioner.
func (d *DPS) Provision(ctx context.Context, deviceID string) (Assignment, error) {
	key, err := keys.Derive(d.settings.GroupKey, deviceID)
	if err != nil {
		return Assignment{}, gwerrors.New("provision", deviceID, err)
	}
	signer, err := sastoken.NewHMACSigner(key)
	if err != nil {
		return Assignment{}, gwerrors.New("provision", deviceID, err)
	}
	resource := d.settings.IDScope + "/registrations/" + deviceID
	token, err := sastoken.New(ctx, resource, signer, sastoken.WithKeyName(registrationKeyName))
	if err != nil {
		return Assignment{}, gwerrors.New("provision", deviceID, err)
	}

	body := registrationRequest{RegistrationID: deviceID}
	if d.settings.ModelID != "" || d.settings.GatewayID != "" {
		body.Payload = &registrationPayload{ModelID: d.settings.ModelID}
		if d.settings.GatewayID != "" {
			body.Payload.Gateway = &gatewayPayload{GatewayID: d.settings.GatewayID}
		}
	}

	var op operationStatus
	if err := d.do(ctx, http.MethodPut, d.url(resource+"/register"), token.String(), body, &op); err != nil {
		return Assignment{}, gwerrors.New("provision", deviceID, err)
	}

	for polls := 0; op.Status == statusAssigning; polls++ {
		if polls >= d.config.MaxPolls {
			return Assignment{}, gwerrors.New("provision", deviceID, ErrPollExhausted)
		}
		select {
		case <-ctx.Done():
			return Assignment{}, gwerrors.New("provision", deviceID, ctx.Err())
		case <-time.After(d.config.PollInterval):
		}

		opURL := d.url(resource + "/operations/" + url.PathEscape(op.OperationID))
		if err := d.do(ctx, http.MethodGet, opURL, token.String(), nil, &op); err != nil {
			return Assignment{}, gwerrors.New("provision", deviceID, err)
		}
	}

	if op.Status != statusAssigned || op.RegistrationState == nil || op.RegistrationState.AssignedHub == "" {
		d.logger.Warn("device not assigned",
			slog.String("device_id", deviceID),
			slog.String("status", op.Status))
		return Assignment{}, gwerrors.New("provision", deviceID, fmt.Errorf("%w: status %q", gwerrors.ErrNotAssigned, op.Status))
	}

	d.logger.Info("device provisioned",
		slog.String("device_id", deviceID),
		slog.String("hub", op.RegistrationState.AssignedHub))

	return Assignment{
		DeviceID:    deviceID,
		AssignedHub: op.RegistrationState.AssignedHub,
	}, nil
}

func (d *DPS) url(path string) string {
	return d.config.Endpoint + "/" + path + "?api-version=" + APIVersion
}

func (d *DPS) do(ctx context.Context, method, target, auth string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", auth)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s %s", ErrUnexpectedStatus, resp.Status, bytes.TrimSpace(data))
	}

	return json.Unmarshal(data, out)
}
