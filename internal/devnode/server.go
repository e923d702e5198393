// Package devnode publishes a [device.Channel] as a local endpoint (a Unix
// socket, or a named pipe on Windows) so consumer processes can open it.
//
// Each accepted connection is one open of the channel: the server opens a
// [device.Handle] after the hello frame and closes it when the connection
// ends. Requests on a connection run concurrently so a blocked wait does not
// hold up a poll or ioctl; responses carry the request nonce.
package devnode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"tools.zach/dev/neildev/internal/device"
	"tools.zach/dev/neildev/internal/logger"
)

// ///////////////////////////////////////////////
// Constants
// ///////////////////////////////////////////////

const (
	// DefaultMode is the endpoint permission: read/write for everyone.
	DefaultMode os.FileMode = 0o666
	// DefaultMaxConns bounds concurrent sessions.
	DefaultMaxConns = 64
)

// ///////////////////////////////////////////////
// Sentinel Errors
// ///////////////////////////////////////////////

var (
	// ErrEndpointInUse is returned by Publish when another process already
	// serves the endpoint.
	ErrEndpointInUse = errors.New("endpoint in use")
	// ErrNotSocket is returned by Publish when the endpoint path exists and
	// is not a socket.
	ErrNotSocket = errors.New("endpoint path is not a socket")
	// ErrPublished is returned by a second Publish.
	ErrPublished = errors.New("endpoint already published")
)

// ///////////////////////////////////////////////
// Server
// ///////////////////////////////////////////////

// Config configures a [Server].
type Config struct {
	Path     string
	Mode     os.FileMode // zero means DefaultMode
	MaxConns int         // zero or negative means DefaultMaxConns
	Logger   *slog.Logger
}

// Server implements [device.Node] over a local endpoint.
type Server struct {
	path     string
	mode     os.FileMode
	maxConns int
	log      *slog.Logger

	mu       sync.Mutex
	ch       *device.Channel
	ln       net.Listener
	sessions map[*session]struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New returns an unpublished server.
func New(cfg Config) *Server {
	if cfg.Mode == 0 {
		cfg.Mode = DefaultMode
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = DefaultMaxConns
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Server{
		path:     cfg.Path,
		mode:     cfg.Mode,
		maxConns: cfg.MaxConns,
		log:      log.With("component", "devnode"),
		sessions: make(map[*session]struct{}),
	}
}

// Path returns the endpoint path.
func (s *Server) Path() string { return s.path }

// Sessions returns the number of live sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Publish binds the endpoint and starts accepting sessions for ch.
func (s *Server) Publish(ch *device.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return ErrPublished
	}

	ln, err := listen(s.path, s.mode)
	if err != nil {
		return fmt.Errorf("publish %s: %w", s.path, err)
	}
	s.ch = ch
	s.ln = ln
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	go s.acceptLoop(ln)

	s.log.Info("endpoint published", "path", s.path, "mode", fmt.Sprintf("%#o", s.mode))
	return nil
}

// Unpublish stops accepting, ends every live session and removes the
// endpoint. Calling it on an unpublished server is a no-op.
func (s *Server) Unpublish() error {
	s.mu.Lock()
	ln := s.ln
	if ln == nil {
		s.mu.Unlock()
		return nil
	}
	s.ln = nil
	s.cancel()
	for ss := range s.sessions {
		_ = ss.conn.Close()
	}
	s.mu.Unlock()

	err := ln.Close()
	s.wg.Wait()
	if rmErr := removeEndpoint(s.path); rmErr != nil {
		err = errors.Join(err, rmErr)
	}
	s.log.Info("endpoint removed", "path", s.path)
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept error", "error", err)
			continue
		}

		ss, ok := s.track(conn)
		if !ok {
			s.log.Warn("session rejected", "reason", "max connections", "max", s.maxConns)
			rejectConn(conn, "too many connections")
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(ss)
			ss.serve()
		}()
	}
}

// track registers a session for conn unless the server is full or shutting
// down.
func (s *Server) track(conn net.Conn) (*session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil || len(s.sessions) >= s.maxConns {
		return nil, false
	}
	ss := newSession(s.ctx, s.ch, conn, s.log)
	s.sessions[ss] = struct{}{}
	return ss, true
}

func (s *Server) untrack(ss *session) {
	s.mu.Lock()
	delete(s.sessions, ss)
	s.mu.Unlock()
}
