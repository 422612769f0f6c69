// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package websocket implements the WebSocket listener for downstream devices.
//
// Every text or binary message carries one or more newline separated JSON
// envelopes. Outbound envelopes are sent as one text message each.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/idtranslator/pkg/handler"
	"github.com/absmach/idtranslator/pkg/metrics"
	"github.com/absmach/idtranslator/pkg/parser"
	"github.com/absmach/idtranslator/pkg/server"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

// Protocol is the handler.Context protocol of WebSocket sessions.
const Protocol = "ws"

// DefaultWriteTimeout bounds a write to a client that stopped reading.
const DefaultWriteTimeout = 10 * time.Second

// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// Config holds the WebSocket server configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// Path is the upgrade endpoint. Defaults to "/".
	Path string

	// CheckOrigin validates the Origin header of upgrade requests.
	// Nil accepts every origin.
	CheckOrigin func(r *http.Request) bool

	// ShutdownTimeout is the maximum time to wait for sessions to close.
	ShutdownTimeout time.Duration

	// MaxEnvelopeSize bounds a single message. Zero uses parser.DefaultMaxSize.
	MaxEnvelopeSize int

	// WriteTimeout bounds a single write to the client. Zero uses DefaultWriteTimeout.
	WriteTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Server upgrades HTTP requests to downstream device sessions.
type Server struct {
	config   Config
	handler  handler.Handler
	upgrader websocket.Upgrader

	wg    sync.WaitGroup
	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

var _ http.Handler = (*Server)(nil)

// New creates a new WebSocket server with the given configuration and handler.
func New(cfg Config, h handler.Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(metrics.DefaultNamespace, prometheus.NewRegistry())
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.MaxEnvelopeSize == 0 {
		cfg.MaxEnvelopeSize = parser.DefaultMaxSize
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}

	return &Server{
		config:   cfg,
		handler:  h,
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
		conns:    make(map[*websocket.Conn]struct{}),
	}
}

// Listen serves upgrade requests on the configured address until the context is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	return s.Serve(ctx, listener)
}

// Serve serves upgrade requests on listener until the context is cancelled.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle(s.config.Path, s)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.config.Logger.Info("WebSocket server started",
			slog.String("address", listener.Addr().String()),
			slog.String("path", s.config.Path))
		errCh <- srv.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	s.config.Logger.Info("shutdown signal received, closing listener")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}

	// Hijacked connections are not tracked by http.Server.
	s.mu.Lock()
	deadline := time.Now().Add(time.Second)
	for conn := range s.conns {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown")
		_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = conn.SetReadDeadline(time.Now())
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("all sessions closed gracefully")
		return nil
	case <-shutdownCtx.Done():
		s.config.Logger.Warn("shutdown timeout exceeded, forcing connection closure")
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
		return ErrShutdownTimeout
	}
}

// ServeHTTP upgrades the request and runs the session until the peer goes away.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.config.Logger.Error("failed to upgrade client connection",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()
	s.track(conn, true)
	defer s.track(conn, false)
	defer conn.Close()

	conn.SetReadLimit(int64(s.config.MaxEnvelopeSize))

	hctx := &handler.Context{
		SessionID:  uuid.NewString(),
		RemoteAddr: r.RemoteAddr,
		Protocol:   Protocol,
		Responder:  parser.NewWriter(&textWriter{conn: conn, timeout: s.config.WriteTimeout}),
	}
	sess := server.NewSession(hctx, s.handler, s.config.Metrics, s.config.Logger)
	ctx := context.WithoutCancel(r.Context())

	s.config.Logger.Debug("websocket session started",
		slog.String("session", hctx.SessionID),
		slog.String("client", hctx.RemoteAddr))

	err = s.config.Metrics.ObserveSession(Protocol, func() error {
		defer sess.Close(ctx)
		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				if closed(err) {
					return nil
				}
				return err
			}
			sess.HandleFrame(ctx, frame)
		}
	})
	if err != nil {
		s.config.Logger.Debug("websocket session ended with error",
			slog.String("session", hctx.SessionID),
			slog.String("error", err.Error()))
	}

	s.config.Logger.Debug("websocket session closed", slog.String("session", hctx.SessionID))
}

func (s *Server) track(conn *websocket.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
		return
	}
	delete(s.conns, conn)
}

func closed(err error) bool {
	var ne net.Error
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) ||
		errors.Is(err, net.ErrClosed) ||
		(errors.As(err, &ne) && ne.Timeout())
}

// textWriter writes each envelope as one text message.
type textWriter struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	timeout time.Duration
}

func (w *textWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.conn.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil {
		return 0, err
	}
	if err := w.conn.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}
