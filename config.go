// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package idtranslator holds the process configuration of the identity translation gateway.
package idtranslator

import (
	"errors"
	"fmt"
	"time"

	"github.com/absmach/idtranslator/pkg/auth"
	"github.com/absmach/idtranslator/pkg/topic"
	"github.com/caarlos0/env/v11"
)

var errNoIdentity = errors.New("either CONNECTION_STRING or the IOTEDGE_ module settings are required")

// Config holds the gateway configuration read from the environment.
type Config struct {
	// Upstream identity. A connection string wins over the edge module settings.
	ConnectionString string            `env:"CONNECTION_STRING"`
	Edge             auth.EdgeSettings `envPrefix:"IOTEDGE_"`

	// TrustBundleFile holds PEM roots for a connection string that goes through an edge hub.
	TrustBundleFile string `env:"TRUST_BUNDLE_FILE"`

	// TopicRules is "direct" or "edge". Empty selects edge rules whenever the
	// connection goes through an edge hub.
	TopicRules     string        `env:"TOPIC_RULES"`
	TokenTTL       time.Duration `env:"TOKEN_TTL"       envDefault:"1h"`
	IDScope        string        `env:"ID_SCOPE"`
	TwinTimeout    time.Duration `env:"TWIN_TIMEOUT"    envDefault:"30s"`
	ConnectTimeout time.Duration `env:"CONNECT_TIMEOUT" envDefault:"30s"`
	KeepAlive      time.Duration `env:"KEEP_ALIVE"      envDefault:"60s"`
	ReconnectMin   time.Duration `env:"RECONNECT_MIN"   envDefault:"1s"`
	ReconnectMax   time.Duration `env:"RECONNECT_MAX"   envDefault:"1m"`

	// Provisioning
	DPSEndpoint     string        `env:"DPS_ENDPOINT"      envDefault:"https://global.azure-devices-provisioning.net"`
	DPSPollInterval time.Duration `env:"DPS_POLL_INTERVAL" envDefault:"2s"`
	DPSMaxPolls     int           `env:"DPS_MAX_POLLS"     envDefault:"30"`

	// Downstream listeners. An empty address disables the listener.
	TCPAddress        string        `env:"TCP_ADDRESS"         envDefault:":64132"`
	UDPAddress        string        `env:"UDP_ADDRESS"         envDefault:":64132"`
	WSAddress         string        `env:"WS_ADDRESS"`
	WSPath            string        `env:"WS_PATH"             envDefault:"/"`
	UDPSessionTimeout time.Duration `env:"UDP_SESSION_TIMEOUT" envDefault:"5m"`
	UDPWorkers        int           `env:"UDP_WORKERS"         envDefault:"16"`
	MaxEnvelopeSize   int           `env:"MAX_ENVELOPE_SIZE"   envDefault:"262144"`
	WriteTimeout      time.Duration `env:"WRITE_TIMEOUT"       envDefault:"10s"`
	OutboxSize        int           `env:"OUTBOX_SIZE"         envDefault:"64"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT"    envDefault:"30s"`

	// Rate Limiting
	RateLimitBurst int64   `env:"RATE_LIMIT_BURST" envDefault:"100"`
	RateLimitRate  float64 `env:"RATE_LIMIT_RATE"  envDefault:"10"`
	MaxDevices     int     `env:"MAX_DEVICES"      envDefault:"10000"`

	// Circuit Breaker
	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES"  envDefault:"5"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"30s"`
	BreakerTimeout      time.Duration `env:"BREAKER_TIMEOUT"       envDefault:"10s"`

	// Observability
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort  int    `env:"HEALTH_PORT"  envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"json"`
}

// NewConfig parses the configuration from the environment.
func NewConfig(opts env.Options) (Config, error) {
	c := Config{}
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}

	return c, nil
}

// Validate checks that an upstream identity is configured and the topic rules are known.
func (c Config) Validate() error {
	if c.ConnectionString == "" {
		if err := c.Edge.Validate(); err != nil {
			return fmt.Errorf("%w: %v", errNoIdentity, err)
		}
	}
	if _, err := c.Rules(); err != nil {
		return err
	}

	return nil
}

// UseWorkload reports whether the module authenticates through the edge workload API.
func (c Config) UseWorkload() bool {
	return c.ConnectionString == ""
}

// Rules returns the topic grammar of the upstream connection.
func (c Config) Rules() (topic.RuleSet, error) {
	if c.TopicRules != "" {
		return topic.ParseRuleSet(c.TopicRules)
	}
	if c.UseWorkload() {
		return topic.Edge, nil
	}

	cs, err := auth.ParseConnectionString(c.ConnectionString)
	if err != nil {
		return topic.Direct, err
	}
	if cs[auth.GatewayHostName] != "" {
		return topic.Edge, nil
	}

	return topic.Direct, nil
}
