// Package frontend accepts client connections and speaks the PostgreSQL
// wire protocol: startup handshake, simple and extended query sub-protocols,
// and out-of-band cancellation.
package frontend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/flatgres/flatgres/pkg/config"
	"github.com/flatgres/flatgres/pkg/executor"
)

// Service handles incoming client connections. Each accepted connection gets
// its own Session goroutine; the only state sessions share is the read-only
// catalog behind the executor and the cancel-key registry held here.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	config *config.Config
	exec   *executor.Executor

	nextPID atomic.Uint32

	mu       sync.Mutex
	sessions map[uint32]*Session
}

// NewService creates a frontend Service. The config must already be validated
// and the executor's catalog fully populated: no table registration happens
// after the first session is accepted.
func NewService(ctx context.Context, cfg *config.Config, exec *executor.Executor, logger *slog.Logger) *Service {
	innerCtx, cancel := context.WithCancel(ctx)
	return &Service{
		ctx:      innerCtx,
		cancel:   cancel,
		logger:   logger,
		config:   cfg,
		exec:     exec,
		sessions: make(map[uint32]*Session),
	}
}

// Listen starts accepting connections on all configured addresses and blocks
// until the service shuts down or a listener fails to start.
func (s *Service) Listen() error {
	listeners := make([]net.Listener, 0, len(s.config.Listen))
	for _, addr := range s.config.Listen {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			for _, open := range listeners {
				_ = open.Close()
			}
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		listeners = append(listeners, ln)
		s.logger.Info("listening", "addr", ln.Addr().String())
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(listeners))

	for _, ln := range listeners {
		wg.Add(1)
		go func(ln net.Listener) {
			defer wg.Done()
			if err := s.acceptLoop(ln); err != nil {
				errCh <- err
			}
		}(ln)
	}

	var firstErr error
	select {
	case <-s.ctx.Done():
	case err := <-errCh:
		firstErr = err
	}

	s.cancel()
	for _, ln := range listeners {
		_ = ln.Close()
	}
	s.closeAllSessions()
	wg.Wait()

	return firstErr
}

func (s *Service) acceptLoop(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		sess := s.newSession(conn)
		go sess.Run()
	}
}

// Shutdown cancels the service's context, triggering graceful shutdown.
func (s *Service) Shutdown() {
	s.cancel()
}

func (s *Service) newSession(conn net.Conn) *Session {
	ctx, cancel := context.WithCancel(s.ctx)
	return &Session{
		ctx:     ctx,
		cancel:  cancel,
		service: s,
		conn:    conn,
		config:  s.config,
		exec:    s.exec,
		logger:  s.logger.With("client", conn.RemoteAddr().String()),
	}
}

// allocPID hands out backend process IDs. Offset so they don't look like
// real, low PIDs in client-side diagnostics.
func (s *Service) allocPID() uint32 {
	return 10000 + s.nextPID.Add(1)
}

func (s *Service) registerSession(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.state.PID] = sess
}

func (s *Service) unregisterSession(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess.state.PID)
}

// cancelRequest services an out-of-band CancelRequest: if the key data
// matches a live session, that session's in-flight query is cancelled. It
// never blocks on the target session, and a stale or mismatched request is
// silently ignored per protocol.
func (s *Service) cancelRequest(pid, secret uint32) {
	s.mu.Lock()
	sess := s.sessions[pid]
	s.mu.Unlock()

	if sess == nil || sess.state.SecretCancelKey != secret {
		s.logger.Debug("ignoring cancel request with unknown key data", "pid", pid)
		return
	}
	s.logger.Debug("cancel request", "pid", pid)
	sess.cancelQuery()
}

func (s *Service) closeAllSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		_ = sess.conn.Close()
	}
}
