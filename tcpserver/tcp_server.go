// Package tcpserver serves the delegate wire protocol. Each accepted connection
// becomes a session that reads request frames, passes them to a Handler and
// writes the response frames back in order.
package tcpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/imgdelegate/logger"
)

// TCPServer accepts connections on Addr and serves each one with Handler.
// The server runs its accept loop in a goroutine and supports graceful stop.
type TCPServer struct {
	Logger  logger.Logger
	Name    string
	Addr    string  // Listen address; "127.0.0.1:0" picks a free port
	Handler Handler // Produces one response per request

	// IdleTimeout closes a session that sends nothing for this long. Zero disables it.
	IdleTimeout time.Duration

	listener net.Listener
	running  atomic.Bool
	nextID   atomic.Uint32

	mu       sync.Mutex
	sessions map[uint32]*session

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTCPServer creates a server. Nothing is bound until Start.
//
// Parameters:
//   - name: Used in log messages
//   - addr: Listen address, e.g. ":7400"
//   - handler: Produces responses for requests
//   - l: Logger; nil discards output
//
// Returns:
//   - A new, stopped TCPServer
func NewTCPServer(name, addr string, handler Handler, l logger.Logger) *TCPServer {
	return &TCPServer{Logger: l, Name: name, Addr: addr, Handler: handler}
}

// Start binds Addr and begins the accept loop in a goroutine.
//
// Returns:
//   - An error if the server is already running, has no Handler, or if
//     listening on Addr fails
func (s *TCPServer) Start() error {
	if s.Logger == nil {
		s.Logger = logger.NewNopLogger()
	}

	if s.Handler == nil {
		return fmt.Errorf("server %s has no handler", s.Name)
	}

	if !s.running.CompareAndSwap(false, true) {
		s.Logger.Error("server already running")
		return fmt.Errorf("server %s already running", s.Name)
	}

	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		s.running.Store(false)
		s.Logger.Error("server failed to start", logger.Field{Key: "error", Value: err.Error()})
		return fmt.Errorf("server %s failed to start: %w", s.Name, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.sessions = make(map[uint32]*session)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	s.Logger.Info(fmt.Sprintf("%s server started", s.Name), logger.Field{Key: "addr", Value: ln.Addr().String()})

	s.wg.Add(1)
	go s.acceptLoop(ln)

	return nil
}

// Stop closes the listener and every active session, cancels in-flight
// handlers and waits for the session goroutines to exit. Safe to call when
// the server is not running.
func (s *TCPServer) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}

	s.mu.Lock()
	_ = s.listener.Close()
	s.cancel()
	for _, sess := range s.sessions {
		_ = sess.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.Logger.Info(fmt.Sprintf("%s server stopped", s.Name))
}

// ListenAddr returns the bound address, or "" when the server is not running.
func (s *TCPServer) ListenAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil || !s.running.Load() {
		return ""
	}

	return s.listener.Addr().String()
}

// SessionCount returns the number of open sessions.
func (s *TCPServer) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *TCPServer) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}

			s.Logger.Error(fmt.Sprintf("%s server accept error", s.Name), logger.Field{Key: "error", Value: err.Error()})
			continue
		}

		sess := newSession(s.nextID.Add(1), conn, s)
		if !s.addSession(sess) {
			_ = conn.Close()
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.removeSession(sess.id)
			sess.Handle(s.ctx)
		}()
	}
}

// addSession registers sess unless the server is stopping.
func (s *TCPServer) addSession(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return false
	}

	s.sessions[sess.id] = sess
	return true
}

func (s *TCPServer) removeSession(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}
