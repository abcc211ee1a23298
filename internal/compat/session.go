package compat

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/spinnaker-tools/spalloc-server/internal/alloc"
	"github.com/spinnaker-tools/spalloc-server/internal/protocol"
)

// writeTimeout bounds a single response or notification write.
const writeTimeout = 30 * time.Second

// Notifier map keys for "all jobs" / "all machines" subscriptions. Job
// IDs are positive and machine names non-empty, so neither collides.
const (
	allJobsKey     = -1
	allMachinesKey = ""
)

// session is the per-connection state machine: read a line, dispatch,
// write the reply, repeat until EOF, error or shutdown. Notifier tasks
// share the socket through writeLine.
type session struct {
	srv  *Service
	conn net.Conn
	r    *bufio.Reader
	log  *slog.Logger

	// writeMu serialises dispatch replies with notifier messages so a
	// client never sees interleaved lines.
	writeMu sync.Mutex

	// raw is the line being dispatched, kept so create_job can store
	// the original request bytes.
	raw []byte

	// Mutated only from the dispatch path of this session.
	jobNotifiers     map[int]*notifier
	machineNotifiers map[string]*notifier
}

func newSession(srv *Service, conn net.Conn) *session {
	return &session{
		srv:              srv,
		conn:             conn,
		r:                bufio.NewReaderSize(conn, 4096),
		log:              srv.log.With("client", conn.RemoteAddr().String()),
		jobNotifiers:     make(map[int]*notifier),
		machineNotifiers: make(map[string]*notifier),
	}
}

// run drives the session until it closes. The read deadline doubles as
// the cancellation pulse: every timeout we re-check ctx.
func (s *session) run(ctx context.Context) {
	defer func() {
		s.stopAllNotifiers()
		s.conn.Close()
		s.log.Debug("session closed")
	}()

	s.log.Debug("session opened")

	readTimeout := s.srv.cfg.ReadTimeout.Duration()
	if readTimeout <= 0 {
		readTimeout = 2 * time.Second
	}

	var pending []byte
	for {
		if ctx.Err() != nil {
			return
		}

		s.conn.SetReadDeadline(time.Now().Add(readTimeout))
		chunk, err := s.r.ReadBytes('\n')
		pending = append(pending, chunk...)

		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if len(pending) > protocol.MaxLineLength {
					s.log.Warn("overlong line, closing session")
					return
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				return
			}
			if !errors.Is(err, net.ErrClosed) {
				s.log.Warn("read error", "error", err)
			}
			return
		}

		line := bytes.TrimRight(pending, "\r\n")
		pending = nil
		if len(line) == 0 {
			continue
		}
		if len(line) > protocol.MaxLineLength {
			s.log.Warn("overlong line, closing session")
			return
		}

		if err := s.handleLine(ctx, line); err != nil {
			// Only write failures unwind the session.
			if !errors.Is(err, net.ErrClosed) {
				s.log.Warn("write error", "error", err)
			}
			return
		}
	}
}

// handleLine decodes, dispatches and replies to one line. The returned
// error is a socket write failure; protocol-level failures become
// exception lines and keep the session alive.
func (s *session) handleLine(ctx context.Context, line []byte) error {
	cmd, err := protocol.DecodeCommand(line)
	if err != nil {
		return s.writeLine(protocol.ExceptionResponse{Exception: err.Error()})
	}

	s.raw = line
	result, err := s.dispatch(ctx, cmd)
	s.raw = nil
	if err != nil {
		s.logDispatchError(cmd.Command, err)
		return s.writeLine(protocol.ExceptionResponse{Exception: err.Error()})
	}
	return s.writeLine(protocol.ReturnResponse{Return: result})
}

// logDispatchError keeps client mistakes and not-found lookups out of
// the logs; they are normal traffic.
func (s *session) logDispatchError(command string, err error) {
	switch {
	case protocol.IsBadInput(err), alloc.IsNotFound(err):
	case errors.Is(err, alloc.ErrUnavailable),
		errors.Is(err, alloc.ErrDenied),
		errors.Is(err, alloc.ErrQuotaExceeded):
		s.log.Warn("command failed", "command", command, "error", err)
	default:
		s.log.Warn("unexpected dispatch error", "command", command, "error", err)
	}
}

// writeLine encodes and writes one message under the session write lock.
func (s *session) writeLine(msg any) error {
	data, err := protocol.EncodeLine(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err = s.conn.Write(data)
	return err
}

// remoteHost is the client address without the port, recorded against
// keepalives.
func (s *session) remoteHost() string {
	host, _, err := net.SplitHostPort(s.conn.RemoteAddr().String())
	if err != nil {
		return s.conn.RemoteAddr().String()
	}
	return host
}
