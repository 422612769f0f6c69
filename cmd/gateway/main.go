// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package main runs the identity translation gateway: one upstream module connection
// shared by every downstream device session.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/absmach/idtranslator"
	"github.com/absmach/idtranslator/pkg/auth"
	"github.com/absmach/idtranslator/pkg/auth/workload"
	"github.com/absmach/idtranslator/pkg/breaker"
	"github.com/absmach/idtranslator/pkg/gateway"
	"github.com/absmach/idtranslator/pkg/handler"
	"github.com/absmach/idtranslator/pkg/health"
	"github.com/absmach/idtranslator/pkg/metrics"
	"github.com/absmach/idtranslator/pkg/provision"
	"github.com/absmach/idtranslator/pkg/ratelimit"
	"github.com/absmach/idtranslator/pkg/server/tcp"
	"github.com/absmach/idtranslator/pkg/server/udp"
	"github.com/absmach/idtranslator/pkg/server/websocket"
	"github.com/absmach/idtranslator/pkg/topic"
	"github.com/absmach/idtranslator/pkg/transport/mqtt"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	// .env file is optional
	_ = godotenv.Load()

	// Unprefixed so that the IOTEDGE_ variables set by the edge runtime are picked up as is.
	cfg, err := idtranslator.NewConfig(env.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(metrics.DefaultNamespace, reg)

	rules, err := cfg.Rules()
	if err != nil {
		logger.Error("Invalid topic rules", slog.String("error", err.Error()))
		os.Exit(1)
	}
	provider, err := newProvider(ctx, cfg, rules, logger)
	if err != nil {
		logger.Error("Failed to authenticate module", slog.String("error", err.Error()))
		os.Exit(1)
	}

	tlsConfig, err := provider.TLSConfig()
	if err != nil {
		logger.Error("Failed to build upstream TLS config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	host := provider.GatewayHostname()
	if host == "" {
		host = provider.Hostname()
	}
	upstream := mqtt.New(mqtt.Config{
		Host:           host,
		Port:           provider.Port(),
		ClientID:       provider.ClientID(),
		TLSConfig:      tlsConfig,
		ConnectTimeout: cfg.ConnectTimeout,
		KeepAlive:      cfg.KeepAlive,
		Logger:         logger,
	})

	factory := provision.NewFactory(provision.Config{
		Endpoint:     cfg.DPSEndpoint,
		PollInterval: cfg.DPSPollInterval,
		MaxPolls:     cfg.DPSMaxPolls,
		HTTPClient:   &http.Client{Timeout: cfg.ConnectTimeout},
		Logger:       logger,
	})

	gw := gateway.New(gatewayConfig(cfg, rules, logger, m), upstream, provider, factory)

	logger.Info("Starting identity translator",
		slog.String("module", provider.ClientID()),
		slog.String("upstream", host),
		slog.String("rules", rules.String()))

	checker := health.NewChecker(5 * time.Second)
	checker.RegisterCritical("upstream", func(ctx context.Context) error {
		if s := gw.State(); s != gateway.Ready {
			return fmt.Errorf("gateway is %s", s)
		}
		return nil
	})
	checker.Register("breaker", func(ctx context.Context) error {
		if s := gw.BreakerState(); s == breaker.StateOpen {
			return fmt.Errorf("upstream circuit breaker is %s", s)
		}
		return nil
	})
	checker.Register("goroutines", func(ctx context.Context) error {
		logger.Debug("Runtime stats", slog.Int("goroutines", runtime.NumGoroutine()))
		return nil
	})

	g.Go(func() error {
		return serveHTTP(ctx, "metrics", cfg.MetricsPort, metricsMux(reg), logger)
	})
	g.Go(func() error {
		return serveHTTP(ctx, "health", cfg.HealthPort, healthMux(checker), logger)
	})

	g.Go(func() error {
		return gw.Run(ctx)
	})

	h := &LoggingHandler{
		handler: gateway.NewHandler(gw, logger),
		logger:  logger,
	}
	startListeners(ctx, g, cfg, h, m, logger)

	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("Identity translator terminated with error: %s", err))
		os.Exit(1)
	}
	logger.Info("Identity translator stopped")
}

// gatewayConfig maps the process configuration onto the gateway.
func gatewayConfig(cfg idtranslator.Config, rules topic.RuleSet, logger *slog.Logger, m *metrics.Metrics) gateway.Config {
	return gateway.Config{
		Rules:                rules,
		IDScope:              cfg.IDScope,
		TwinTimeout:          cfg.TwinTimeout,
		ConnectTimeout:       cfg.ConnectTimeout,
		ReconnectMinInterval: cfg.ReconnectMin,
		ReconnectMaxInterval: cfg.ReconnectMax,
		OutboxSize:           cfg.OutboxSize,
		RateLimit: ratelimit.Config{
			Burst:      cfg.RateLimitBurst,
			Rate:       cfg.RateLimitRate,
			MaxDevices: cfg.MaxDevices,
		},
		Breaker: breaker.Config{
			MaxFailures:      cfg.BreakerMaxFailures,
			ResetTimeout:     cfg.BreakerResetTimeout,
			SuccessThreshold: 2,
			Timeout:          cfg.BreakerTimeout,
		},
		Logger:  logger,
		Metrics: m,
	}
}

func newProvider(ctx context.Context, cfg idtranslator.Config, rules topic.RuleSet, logger *slog.Logger) (auth.Provider, error) {
	opts := []auth.Option{
		auth.WithTTL(cfg.TokenTTL),
		auth.WithLogger(logger),
	}

	if !cfg.UseWorkload() {
		if rules == topic.Edge {
			opts = append(opts, auth.WithAPIVersion(auth.EdgeAPIVersion))
		}
		if cfg.TrustBundleFile != "" {
			bundle, err := os.ReadFile(cfg.TrustBundleFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read trust bundle: %w", err)
			}
			opts = append(opts, auth.WithTrustBundle(bundle))
		}
		sk, err := auth.NewSymmetricKey(ctx, cfg.ConnectionString, opts...)
		if err != nil {
			return nil, err
		}
		return sk, nil
	}

	svc, err := workload.New(workload.Config{
		URI:          cfg.Edge.WorkloadURI,
		ModuleID:     cfg.Edge.ModuleID,
		GenerationID: cfg.Edge.GenerationID,
		APIVersion:   cfg.Edge.APIVersion,
		Timeout:      cfg.ConnectTimeout,
	})
	if err != nil {
		return nil, err
	}

	w, err := auth.NewWorkload(ctx, cfg.Edge, svc, opts...)
	if err != nil {
		return nil, err
	}
	return w, nil
}

func startListeners(ctx context.Context, g *errgroup.Group, cfg idtranslator.Config, h handler.Handler, m *metrics.Metrics, logger *slog.Logger) {
	if cfg.TCPAddress != "" {
		srv := tcp.New(tcp.Config{
			Address:         cfg.TCPAddress,
			ShutdownTimeout: cfg.ShutdownTimeout,
			MaxEnvelopeSize: cfg.MaxEnvelopeSize,
			WriteTimeout:    cfg.WriteTimeout,
			Logger:          logger,
			Metrics:         m,
		}, h)
		g.Go(func() error {
			return srv.Listen(ctx)
		})
		logger.Info("TCP listener started", slog.String("address", cfg.TCPAddress))
	}

	if cfg.UDPAddress != "" {
		srv := udp.New(udp.Config{
			Address:         cfg.UDPAddress,
			SessionTimeout:  cfg.UDPSessionTimeout,
			ShutdownTimeout: cfg.ShutdownTimeout,
			MaxSessions:     cfg.MaxDevices,
			WorkerPoolSize:  cfg.UDPWorkers,
			Logger:          logger,
			Metrics:         m,
		}, h)
		g.Go(func() error {
			return srv.Listen(ctx)
		})
		logger.Info("UDP listener started", slog.String("address", cfg.UDPAddress))
	}

	if cfg.WSAddress != "" {
		srv := websocket.New(websocket.Config{
			Address:         cfg.WSAddress,
			Path:            cfg.WSPath,
			ShutdownTimeout: cfg.ShutdownTimeout,
			MaxEnvelopeSize: cfg.MaxEnvelopeSize,
			WriteTimeout:    cfg.WriteTimeout,
			Logger:          logger,
			Metrics:         m,
		}, h)
		g.Go(func() error {
			return srv.Listen(ctx)
		})
		logger.Info("WebSocket listener started",
			slog.String("address", cfg.WSAddress),
			slog.String("path", cfg.WSPath))
	}
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var logHandler slog.Handler
	if format == "json" {
		logHandler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		logHandler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(logHandler)
}

func metricsMux(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return mux
}

func healthMux(checker *health.Checker) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", checker.HTTPHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.HandleFunc("/live", health.LivenessHandler())
	return mux
}

// serveHTTP runs an auxiliary HTTP server until ctx is cancelled.
// A zero port disables the server.
func serveHTTP(ctx context.Context, name string, port int, h http.Handler, logger *slog.Logger) error {
	if port == 0 {
		return nil
	}

	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	logger.Info("Starting "+name+" server", slog.String("address", addr))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s server: %w", name, err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-c:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
