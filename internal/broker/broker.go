// Package broker implements the persistent-connection ingress: a TCP server
// speaking newline-framed pipe-delimited messages, used on networks where
// receivers cannot expose an HTTP port of their own.
package broker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/danilo-araujo0000/boton/internal/dispatch"
	"github.com/danilo-araujo0000/boton/internal/registry"
	"github.com/danilo-araujo0000/boton/internal/wire"
)

// Submitter accepts alert submissions. Satisfied by dispatch.Coordinator.
type Submitter interface {
	SubmitAlert(ctx context.Context, sub dispatch.Submission) (dispatch.Result, error)
}

// replyTimeout bounds each OK/ERR reply written back to a peer.
const replyTimeout = 5 * time.Second

// Server accepts broker connections and routes their frames.
type Server struct {
	addr        string
	registry    *registry.Registry
	coordinator Submitter
	sem         *semaphore.Weighted

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

// NewServer creates a broker server on addr admitting at most maxConns
// concurrent connections.
func NewServer(addr string, reg *registry.Registry, coordinator Submitter, maxConns int64) *Server {
	return &Server{
		addr:        addr,
		registry:    reg,
		coordinator: coordinator,
		sem:         semaphore.NewWeighted(maxConns),
	}
}

// Serve listens on the configured address and handles connections until ctx
// is canceled. Each connection holds one semaphore slot for its lifetime, so
// the connection count never exceeds the configured ceiling.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	slog.Info("Broker listening", "addr", s.addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.Error("Accept failed", "error", err)
			continue
		}

		if err := s.sem.Acquire(ctx, 1); err != nil {
			conn.Close()
			return nil
		}

		s.wg.Add(1)
		go func(conn net.Conn) {
			defer s.wg.Done()
			defer s.sem.Release(1)
			s.handleConn(ctx, conn)
		}(conn)
	}
}

// Addr returns the bound listen address, or nil before Serve has started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Wait blocks until every connection handler has returned or ctx expires.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleConn reads frames off one connection until it closes or sends
// something unparseable.
//
// The first frame decides the session's shape: a registration line keeps the
// connection open under the registry's supervision, while a bare alert line
// is treated as a fire-and-forget sender that is answered and closed.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	reader := bufio.NewReader(conn)

	line, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return
	}

	msg, err := wire.Parse(line)
	if err != nil {
		slog.Warn("Malformed opening frame", "remote", remote)
		s.reject(conn, rawReply(conn), "malformed frame")
		return
	}

	switch m := msg.(type) {
	case wire.Alert:
		defer conn.Close()
		s.submit(ctx, remote, m, rawReply(conn))
		return
	case wire.Registration:
		role := registry.RoleSender
		if wire.IsMasterClient(m.Identifier) {
			role = registry.RoleReceiver
		}
		session := s.registry.Register(m.Identifier, role, conn)
		s.serveSession(ctx, conn, reader, session)
	default:
		// A PONG before registration has nothing to keep alive.
		s.reject(conn, rawReply(conn), "expected registration")
	}
}

// serveSession runs the read loop for a registered connection. Every frame
// refreshes the session's liveness; the registry's sweeper owns eviction of
// connections that go quiet.
//
// Cleanup evicts the session object itself, not its identifier: if the peer
// reconnected, the identifier already names the replacement and this handler
// must only tear down its own connection.
func (s *Server) serveSession(ctx context.Context, conn net.Conn, reader *bufio.Reader, session *registry.Session) {
	defer s.registry.Evict(session, "connection closed")

	// Replies share the socket with the registry's pings; route them
	// through the session's serialized writer.
	reply := sessionReply(session)

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}

		msg, err := wire.Parse(line)
		if err != nil {
			slog.Warn("Malformed frame from session", "id", session.ID())
			s.reject(conn, reply, "malformed frame")
			return
		}

		s.registry.Touch(session.ID())

		switch m := msg.(type) {
		case wire.Alert:
			if !s.submit(ctx, session.ID(), m, reply) {
				conn.Close()
				return
			}
		default:
			// PONGs and re-registrations count as liveness only.
		}
	}
}

// submit hands an alert frame to the coordinator and answers through reply.
// It reports whether the submission was accepted.
func (s *Server) submit(ctx context.Context, from string, alert wire.Alert, reply func([]byte) error) bool {
	result, err := s.coordinator.SubmitAlert(ctx, dispatch.Submission{
		Hostname: alert.Hostname,
		Code:     alert.Code,
		Username: alert.Username,
	})
	if err != nil {
		slog.Warn("Alert submission rejected", "from", from, "error", err)
		reply([]byte("ERR|rejected\n"))
		return false
	}

	reply([]byte("OK|" + result.EventID + "\n"))
	return true
}

func (s *Server) reject(conn net.Conn, reply func([]byte) error, reason string) {
	reply([]byte("ERR|" + reason + "\n"))
	conn.Close()
}

// rawReply answers directly on a connection that holds no session, such as a
// fire-and-forget sender or a peer rejected before registration.
func rawReply(conn net.Conn) func([]byte) error {
	return func(payload []byte) error {
		conn.SetWriteDeadline(time.Now().Add(replyTimeout))
		defer conn.SetWriteDeadline(time.Time{})
		_, err := conn.Write(payload)
		return err
	}
}

// sessionReply answers through the session's serialized writer.
func sessionReply(session *registry.Session) func([]byte) error {
	return func(payload []byte) error {
		return session.Send(time.Now().Add(replyTimeout), payload)
	}
}
