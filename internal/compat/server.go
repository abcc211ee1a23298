// Package compat serves the classic spalloc line-oriented JSON protocol
// over TCP. It owns the listen socket and the session executor (a fixed
// worker pool when ThreadPoolSize is positive, else one goroutine per
// connection); all domain state lives behind the alloc façade.
package compat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/spinnaker-tools/spalloc-server/internal/alloc"
	"github.com/spinnaker-tools/spalloc-server/internal/config"
	"github.com/spinnaker-tools/spalloc-server/internal/epoch"
)

// sessionQueueDepth is how many accepted connections may wait for a
// worker when the executor is bounded.
const sessionQueueDepth = 128

// Service is the v1 compatibility server.
type Service struct {
	cfg       config.CompatConfig
	allocator alloc.Allocator
	epochs    *epoch.Tracker
	principal alloc.Principal
	log       *slog.Logger

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// connCh feeds the fixed worker pool when ThreadPoolSize > 0.
	connCh chan net.Conn

	mu       sync.Mutex
	sessions map[*session]struct{}
}

// New creates a compatibility service. The principal is presented to the
// allocator on every client-driven call.
func New(cfg config.CompatConfig, a alloc.Allocator, epochs *epoch.Tracker, principal alloc.Principal, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:       cfg,
		allocator: a,
		epochs:    epochs,
		principal: principal,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[*session]struct{}),
	}
}

// Start binds the listen socket and begins accepting sessions.
func (s *Service) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr(), err)
	}
	s.listener = listener
	s.log.Info("compat service listening", "addr", listener.Addr().String(),
		"pool_size", s.cfg.ThreadPoolSize)

	if s.cfg.ThreadPoolSize > 0 {
		s.connCh = make(chan net.Conn, sessionQueueDepth)
		for i := 0; i < s.cfg.ThreadPoolSize; i++ {
			s.wg.Add(1)
			go s.sessionWorker()
		}
	}

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listen address; useful when the configured port
// was 0.
func (s *Service) Addr() net.Addr {
	return s.listener.Addr()
}

// Stop shuts the service down: no new accepts, cooperative session
// cancellation, then forced socket teardown when the grace runs out.
func (s *Service) Stop() error {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	grace := s.cfg.ShutdownTimeout.Duration()
	if grace <= 0 {
		grace = 3 * time.Second
	}

	select {
	case <-done:
		return nil
	case <-time.After(grace):
	}

	// Sessions blocked in writes will not notice the context; cut them
	// off at the socket.
	s.mu.Lock()
	for sess := range s.sessions {
		sess.conn.Close()
	}
	s.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-time.After(grace):
		return errors.New("sessions did not stop within the shutdown grace")
	}
}

func (s *Service) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept error", "error", err)
			continue
		}

		if s.connCh != nil {
			select {
			case s.connCh <- conn:
			case <-s.ctx.Done():
				conn.Close()
				return
			}
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(conn)
		}()
	}
}

func (s *Service) sessionWorker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			// Drain anything still queued so sockets do not leak.
			for {
				select {
				case conn := <-s.connCh:
					conn.Close()
				default:
					return
				}
			}
		case conn := <-s.connCh:
			s.serve(conn)
		}
	}
}

func (s *Service) serve(conn net.Conn) {
	sess := newSession(s, conn)

	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	sess.run(s.ctx)

	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}
