// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package udp

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/idtranslator/pkg/handler"
	"github.com/absmach/idtranslator/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// Protocol is the handler.Context protocol of UDP sessions.
const Protocol = "udp"

const (
	// DefaultSessionTimeout is the default timeout for idle UDP sessions.
	DefaultSessionTimeout = 5 * time.Minute

	// DefaultShutdownTimeout is the default timeout for graceful shutdown.
	DefaultShutdownTimeout = 30 * time.Second

	// MaxDatagramSize is the maximum size of a UDP datagram.
	MaxDatagramSize = 65535

	// DefaultBufferSize is the default buffer size for UDP packets.
	DefaultBufferSize = 8192

	// DefaultWorkerPoolSize is the default number of workers for packet processing.
	DefaultWorkerPoolSize = 16

	// shardQueueSize is the number of datagrams buffered per worker.
	shardQueueSize = 64
)

// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// Config holds the UDP server configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// SessionTimeout is the idle timeout for UDP sessions.
	// If no datagram is received for this duration, the session is closed.
	SessionTimeout time.Duration

	// ShutdownTimeout bounds the disconnect of remaining sessions on shutdown.
	ShutdownTimeout time.Duration

	// MaxSessions is the maximum number of concurrent UDP sessions allowed.
	// If 0, no limit is enforced.
	MaxSessions int

	// BufferSize is the size of datagram read buffers in bytes.
	// If 0, uses DefaultBufferSize. Must not exceed MaxDatagramSize.
	BufferSize int

	// WorkerPoolSize is the number of goroutines processing datagrams.
	// If 0, uses DefaultWorkerPoolSize.
	WorkerPoolSize int

	// ReadBufferSize sets the socket receive buffer size (SO_RCVBUF).
	// If 0, uses system default.
	ReadBufferSize int

	// WriteBufferSize sets the socket send buffer size (SO_SNDBUF).
	// If 0, uses system default.
	WriteBufferSize int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// packetJob is a datagram queued for a worker.
type packetJob struct {
	conn       *net.UDPConn
	clientAddr *net.UDPAddr
	data       []byte
}

// Server serves downstream device sessions over UDP.
type Server struct {
	config     Config
	handler    handler.Handler
	sessions   *SessionManager
	bufferPool *sync.Pool
	shards     []chan packetJob
	workerWg   sync.WaitGroup
}

// New creates a new UDP server with the given configuration and handler.
func New(cfg Config, h handler.Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(metrics.DefaultNamespace, prometheus.NewRegistry())
	}
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.BufferSize > MaxDatagramSize {
		cfg.BufferSize = MaxDatagramSize
	}
	if cfg.WorkerPoolSize == 0 {
		cfg.WorkerPoolSize = DefaultWorkerPoolSize
	}

	bufferPool := &sync.Pool{
		New: func() interface{} {
			buf := make([]byte, cfg.BufferSize)
			return &buf
		},
	}

	shards := make([]chan packetJob, cfg.WorkerPoolSize)
	for i := range shards {
		shards[i] = make(chan packetJob, shardQueueSize)
	}

	return &Server{
		config:     cfg,
		handler:    h,
		sessions:   NewSessionManager(h, cfg.Metrics, cfg.Logger, cfg.MaxSessions),
		bufferPool: bufferPool,
		shards:     shards,
	}
}

// Listen starts the UDP server and blocks until the context is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve address %s: %w", s.config.Address, err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	return s.Serve(ctx, conn)
}

// Serve reads datagrams from conn until the context is cancelled. It owns conn.
func (s *Server) Serve(ctx context.Context, conn *net.UDPConn) error {
	defer conn.Close()

	if s.config.ReadBufferSize > 0 {
		if err := conn.SetReadBuffer(s.config.ReadBufferSize); err != nil {
			s.config.Logger.Warn("failed to set read buffer size",
				slog.String("error", err.Error()))
		}
	}
	if s.config.WriteBufferSize > 0 {
		if err := conn.SetWriteBuffer(s.config.WriteBufferSize); err != nil {
			s.config.Logger.Warn("failed to set write buffer size",
				slog.String("error", err.Error()))
		}
	}

	s.config.Logger.Info("UDP server started",
		slog.String("address", conn.LocalAddr().String()),
		slog.Duration("session_timeout", s.config.SessionTimeout),
		slog.Int("worker_pool_size", s.config.WorkerPoolSize),
		slog.Int("buffer_size", s.config.BufferSize))

	// Workers finish queued datagrams after ctx is done.
	workerCtx := context.WithoutCancel(ctx)
	s.startWorkerPool(workerCtx)

	cleanupCtx, cleanupCancel := context.WithCancel(ctx)
	defer cleanupCancel()
	go s.sessions.Cleanup(cleanupCtx, s.config.SessionTimeout)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)

		for {
			bufPtr := s.bufferPool.Get().(*[]byte)
			buffer := *bufPtr

			n, clientAddr, err := conn.ReadFromUDP(buffer)
			if err != nil {
				s.bufferPool.Put(bufPtr)
				select {
				case <-ctx.Done():
					return
				default:
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.config.Logger.Error("failed to read UDP packet",
					slog.String("error", err.Error()))
				continue
			}

			datagram := make([]byte, n)
			copy(datagram, buffer[:n])
			s.bufferPool.Put(bufPtr)

			select {
			case s.shard(clientAddr) <- packetJob{conn: conn, clientAddr: clientAddr, data: datagram}:
			case <-ctx.Done():
				return
			default:
				s.config.Logger.Warn("worker queue full, dropping packet",
					slog.String("client", clientAddr.String()))
			}
		}
	}()

	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, closing listener")

	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	<-readDone

	for _, ch := range s.shards {
		close(ch)
	}
	s.workerWg.Wait()
	s.config.Logger.Info("all workers stopped")

	return s.sessions.CloseAll(s.config.ShutdownTimeout)
}

// shard returns the queue of the worker that owns addr.
func (s *Server) shard(addr *net.UDPAddr) chan packetJob {
	h := fnv.New32a()
	_, _ = h.Write([]byte(addr.String()))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

func (s *Server) startWorkerPool(ctx context.Context) {
	for i, ch := range s.shards {
		s.workerWg.Add(1)
		go func(workerID int, jobs <-chan packetJob) {
			defer s.workerWg.Done()
			for job := range jobs {
				if err := s.handlePacket(ctx, job); err != nil {
					s.config.Logger.Debug("packet handler error",
						slog.Int("worker", workerID),
						slog.String("client", job.clientAddr.String()),
						slog.String("error", err.Error()))
				}
			}
		}(i, ch)
	}
	s.config.Logger.Info("worker pool started", slog.Int("workers", s.config.WorkerPoolSize))
}

// handlePacket dispatches the envelopes of one datagram in the session of its sender.
func (s *Server) handlePacket(ctx context.Context, job packetJob) error {
	sess, _, err := s.sessions.GetOrCreate(job.conn, job.clientAddr)
	if err != nil {
		s.config.Logger.Warn("failed to get/create session",
			slog.String("client", job.clientAddr.String()),
			slog.String("error", err.Error()))
		return err
	}

	sess.Envelopes.HandleFrame(ctx, job.data)

	return nil
}
