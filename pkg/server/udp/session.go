// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package udp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/idtranslator/pkg/handler"
	"github.com/absmach/idtranslator/pkg/metrics"
	"github.com/absmach/idtranslator/pkg/parser"
	"github.com/absmach/idtranslator/pkg/server"
	"github.com/google/uuid"
)

// Session is the virtual connection of one client address.
type Session struct {
	// ID is a unique identifier for this session
	ID string

	// RemoteAddr is the client's UDP address
	RemoteAddr *net.UDPAddr

	// Envelopes dispatches the datagrams of the session
	Envelopes *server.Session

	created      time.Time
	lastActivity time.Time
	mu           sync.Mutex
}

// UpdateActivity updates the last activity timestamp for this session.
func (s *Session) UpdateActivity() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the last activity timestamp.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// clientWriter sends each write as one datagram to addr.
type clientWriter struct {
	conn *net.UDPConn
	addr *net.UDPAddr
}

func (w *clientWriter) Write(p []byte) (int, error) {
	return w.conn.WriteToUDP(p, w.addr)
}

// SessionManager manages UDP sessions keyed by client address.
type SessionManager struct {
	sessions    map[string]*Session
	mu          sync.RWMutex
	handler     handler.Handler
	metrics     *metrics.Metrics
	logger      *slog.Logger
	maxSessions int
}

// NewSessionManager creates a new session manager.
func NewSessionManager(h handler.Handler, m *metrics.Metrics, logger *slog.Logger, maxSessions int) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		sessions:    make(map[string]*Session),
		handler:     h,
		metrics:     m,
		logger:      logger,
		maxSessions: maxSessions,
	}
}

// GetOrCreate gets an existing session or creates a new one for the given client address.
// Replies of a new session are written through conn.
func (sm *SessionManager) GetOrCreate(conn *net.UDPConn, clientAddr *net.UDPAddr) (*Session, bool, error) {
	key := clientAddr.String()

	sm.mu.RLock()
	if sess, ok := sm.sessions[key]; ok {
		sm.mu.RUnlock()
		sess.UpdateActivity()
		return sess, false, nil
	}
	sm.mu.RUnlock()

	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sess, ok := sm.sessions[key]; ok {
		sess.UpdateActivity()
		return sess, false, nil
	}

	if sm.maxSessions > 0 && len(sm.sessions) >= sm.maxSessions {
		return nil, false, fmt.Errorf("session limit reached (%d), rejecting new session", sm.maxSessions)
	}

	now := time.Now()
	hctx := &handler.Context{
		SessionID:  uuid.NewString(),
		RemoteAddr: key,
		Protocol:   Protocol,
		Responder:  parser.NewWriter(&clientWriter{conn: conn, addr: clientAddr}),
	}
	sess := &Session{
		ID:           hctx.SessionID,
		RemoteAddr:   clientAddr,
		Envelopes:    server.NewSession(hctx, sm.handler, sm.metrics, sm.logger),
		created:      now,
		lastActivity: now,
	}
	sm.sessions[key] = sess
	sm.metrics.ActiveSessions.WithLabelValues(Protocol).Inc()

	sm.logger.Debug("new UDP session created",
		slog.String("session", sess.ID),
		slog.String("client", key))

	return sess, true, nil
}

// Get returns an existing session for the given client address.
func (sm *SessionManager) Get(clientAddr *net.UDPAddr) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	sess, ok := sm.sessions[clientAddr.String()]
	return sess, ok
}

// Remove ends the session of clientAddr.
func (sm *SessionManager) Remove(ctx context.Context, clientAddr *net.UDPAddr) {
	sm.mu.Lock()
	sess, ok := sm.sessions[clientAddr.String()]
	delete(sm.sessions, clientAddr.String())
	sm.mu.Unlock()

	if ok {
		sm.end(ctx, sess)
	}
}

func (sm *SessionManager) end(ctx context.Context, sess *Session) {
	sess.Envelopes.Close(ctx)

	sm.metrics.ActiveSessions.WithLabelValues(Protocol).Dec()
	sm.metrics.SessionsTotal.WithLabelValues(Protocol, "success").Inc()
	sm.metrics.SessionDuration.WithLabelValues(Protocol).Observe(time.Since(sess.created).Seconds())

	sm.logger.Debug("UDP session closed",
		slog.String("session", sess.ID),
		slog.String("client", sess.RemoteAddr.String()))
}

// Cleanup removes idle sessions until ctx is done.
func (sm *SessionManager) Cleanup(ctx context.Context, timeout time.Duration) {
	ticker := time.NewTicker(timeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sm.cleanupExpired(ctx, timeout)
		}
	}
}

// cleanupExpired removes sessions that haven't been active within the timeout.
func (sm *SessionManager) cleanupExpired(ctx context.Context, timeout time.Duration) {
	now := time.Now()
	var expired []*Session

	sm.mu.Lock()
	for key, sess := range sm.sessions {
		if now.Sub(sess.LastActivity()) > timeout {
			expired = append(expired, sess)
			delete(sm.sessions, key)
		}
	}
	sm.mu.Unlock()

	for _, sess := range expired {
		sm.end(ctx, sess)
	}
	if len(expired) > 0 {
		sm.logger.Debug("cleaned up expired sessions", slog.Int("count", len(expired)))
	}
}

// CloseAll ends every session. It returns ErrShutdownTimeout when the
// disconnect handlers do not finish within timeout.
func (sm *SessionManager) CloseAll(timeout time.Duration) error {
	sm.mu.Lock()
	sessions := sm.sessions
	sm.sessions = make(map[string]*Session)
	sm.mu.Unlock()

	if len(sessions) == 0 {
		return nil
	}
	sm.logger.Info("closing UDP sessions", slog.Int("count", len(sessions)))

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, sess := range sessions {
			sm.end(ctx, sess)
		}
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		sm.logger.Warn("session close timeout exceeded")
		return ErrShutdownTimeout
	}
}

// Count returns the number of active sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}
