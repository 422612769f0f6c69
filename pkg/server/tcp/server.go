// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/absmach/idtranslator/pkg/handler"
	"github.com/absmach/idtranslator/pkg/metrics"
	"github.com/absmach/idtranslator/pkg/parser"
	"github.com/absmach/idtranslator/pkg/server"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// Protocol is the handler.Context protocol of TCP sessions.
const Protocol = "tcp"

// DefaultWriteTimeout bounds a write to a client that stopped reading.
const DefaultWriteTimeout = 10 * time.Second

var (
	// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

// Config holds the TCP server configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// TLSConfig is optional TLS configuration for the listener
	TLSConfig *tls.Config

	// ShutdownTimeout is the maximum time to wait for active sessions to drain
	// during graceful shutdown. After this timeout, remaining connections are
	// forcefully closed.
	ShutdownTimeout time.Duration

	// MaxEnvelopeSize bounds a single envelope line. Zero uses parser.DefaultMaxSize.
	MaxEnvelopeSize int

	// WriteTimeout bounds a single write to the client. Zero uses DefaultWriteTimeout.
	WriteTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Server accepts downstream device sessions.
type Server struct {
	config  Config
	handler handler.Handler
	wg      sync.WaitGroup
	mu      sync.Mutex
	conns   map[net.Conn]struct{}
}

// New creates a new TCP server with the given configuration and handler.
func New(cfg Config, h handler.Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(metrics.DefaultNamespace, prometheus.NewRegistry())
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	return &Server{
		config:  cfg,
		handler: h,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Listen starts the TCP server and blocks until the context is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	return s.Serve(ctx, listener)
}

// Serve accepts sessions on listener until the context is cancelled.
// It implements graceful shutdown with session draining.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	if s.config.TLSConfig != nil {
		listener = tls.NewListener(listener, s.config.TLSConfig)
		s.config.Logger.Info("TLS enabled", slog.String("address", listener.Addr().String()))
	}

	s.config.Logger.Info("TCP server started", slog.String("address", listener.Addr().String()))

	// Active sessions outlive ctx until they are drained or forced.
	connCtx, connCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer connCancel()

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.config.Logger.Error("failed to accept connection", slog.String("error", err.Error()))
				continue
			}

			s.track(conn, true)
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer s.track(conn, false)
				if err := s.handleConn(connCtx, conn); err != nil {
					s.config.Logger.Debug("session ended with error",
						slog.String("remote", conn.RemoteAddr().String()),
						slog.String("error", err.Error()))
				}
			}()
		}
	}()

	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, closing listener")

	if err := listener.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	<-acceptDone

	// Interrupt blocked reads so sessions end after the envelope in flight.
	s.mu.Lock()
	for conn := range s.conns {
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
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown timeout exceeded, forcing connection closure")
		connCancel()
		select {
		case <-done:
		case <-time.After(time.Second):
		}
		return ErrShutdownTimeout
	}
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
		return
	}
	delete(s.conns, conn)
}

// handleConn runs one session until the client disconnects or the server stops.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) error {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if tlsConn, ok := conn.(*tls.Conn); ok {
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return fmt.Errorf("TLS handshake failed: %w", err)
		}
	}

	hctx := &handler.Context{
		SessionID:  uuid.NewString(),
		RemoteAddr: conn.RemoteAddr().String(),
		Protocol:   Protocol,
		Responder:  parser.NewWriter(deadlineWriter{conn: conn, timeout: s.config.WriteTimeout}),
	}
	sess := server.NewSession(hctx, s.handler, s.config.Metrics, s.config.Logger)

	s.config.Logger.Debug("session started",
		slog.String("session", hctx.SessionID),
		slog.String("client", hctx.RemoteAddr))

	return s.config.Metrics.ObserveSession(Protocol, func() error {
		defer func() {
			sess.Close(context.WithoutCancel(ctx))
			s.config.Logger.Debug("session closed", slog.String("session", hctx.SessionID))
		}()

		r := parser.NewReader(conn, s.config.MaxEnvelopeSize)
		for {
			e, err := r.Next()
			switch {
			case err == nil:
				sess.Dispatch(ctx, e)
			case errors.Is(err, parser.ErrMalformedEnvelope):
				sess.Reject(err)
			case closed(err):
				return nil
			default:
				return err
			}
		}
	})
}

// deadlineWriter fails writes that the client does not accept within timeout.
type deadlineWriter struct {
	conn    net.Conn
	timeout time.Duration
}

func (w deadlineWriter) Write(p []byte) (int, error) {
	if err := w.conn.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil {
		return 0, err
	}
	return w.conn.Write(p)
}

// closed reports whether err is the normal end of a session.
func closed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrDeadlineExceeded)
}
