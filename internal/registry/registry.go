// Package registry tracks live broker connections. Receiver stations stay
// connected for hours; the registry is the broker's source of truth for who
// can be reached right now.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/danilo-araujo0000/boton/internal/dispatch"
	"github.com/danilo-araujo0000/boton/internal/wire"
)

// Role distinguishes receiver stations, which alerts are pushed to, from
// sender clients, which only submit.
type Role int

const (
	RoleSender Role = iota
	RoleReceiver
)

func (r Role) String() string {
	if r == RoleReceiver {
		return "receiver"
	}
	return "sender"
}

// Session is one registered connection.
type Session struct {
	id   string
	role Role
	conn net.Conn

	// writeMu serializes writes; pings from the sweeper and alert frames
	// from the fan-out can target the same connection concurrently.
	writeMu sync.Mutex
}

// ID returns the identifier the session registered with.
func (s *Session) ID() string { return s.id }

// Role returns the session's role.
func (s *Session) Role() Role { return s.role }

func (s *Session) write(deadline time.Time, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if !deadline.IsZero() {
		if err := s.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		defer s.conn.SetWriteDeadline(time.Time{})
	}
	_, err := s.conn.Write(payload)
	return err
}

// Send writes payload to the session's connection, serialized with the
// registry's own pings and alert frames. Endpoint loops answering a peer
// must use it instead of writing to the connection directly.
func (s *Session) Send(deadline time.Time, payload []byte) error {
	return s.write(deadline, payload)
}

// Recorder receives registry counters.
type Recorder interface {
	RecordSessionEvicted()
}

type noopRecorder struct{}

func (noopRecorder) RecordSessionEvicted() {}

type entry struct {
	session  *Session
	lastSeen time.Time
}

// Registry is a mutex-guarded map of live sessions keyed by identifier.
// Registration is last-writer-wins: a reconnect under the same identifier
// evicts the stale session.
type Registry struct {
	pingAfter    time.Duration
	maxIdle      time.Duration
	interval     time.Duration
	writeTimeout time.Duration
	metrics      Recorder

	mu       sync.Mutex
	sessions map[string]*entry
}

// New creates a registry.
//
// Sessions idle longer than pingAfter are pinged by the sweeper; sessions
// idle longer than maxIdle are evicted. interval is the sweep period and
// writeTimeout bounds each outbound frame.
func New(pingAfter, maxIdle, interval, writeTimeout time.Duration, metrics Recorder) *Registry {
	if metrics == nil {
		metrics = noopRecorder{}
	}
	return &Registry{
		pingAfter:    pingAfter,
		maxIdle:      maxIdle,
		interval:     interval,
		writeTimeout: writeTimeout,
		metrics:      metrics,
		sessions:     make(map[string]*entry),
	}
}

// Register adds a session for conn under id. An existing session with the
// same id is evicted first; its connection is closed.
func (r *Registry) Register(id string, role Role, conn net.Conn) *Session {
	s := &Session{id: id, role: role, conn: conn}

	r.mu.Lock()
	old, exists := r.sessions[id]
	r.sessions[id] = &entry{session: s, lastSeen: time.Now()}
	r.mu.Unlock()

	if exists {
		slog.Info("Replacing stale session", "id", id, "role", role.String())
		old.session.conn.Close()
		r.metrics.RecordSessionEvicted()
	}

	slog.Info("Session registered",
		"id", id,
		"role", role.String(),
		"remote", conn.RemoteAddr().String(),
	)
	return s
}

// Touch marks a session as alive. Called on every inbound frame.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	if e, ok := r.sessions[id]; ok {
		e.lastSeen = time.Now()
	}
	r.mu.Unlock()
}

// Evict removes s and closes its connection. The map entry is deleted only
// while it still holds s: a reconnect may have registered a replacement
// under the same identifier, and the stale handler's cleanup must not tear
// that replacement down. Evicting twice, or evicting an already-replaced
// session, only re-closes the dead connection; the sweeper, the fan-out and
// the connection handler can race on it safely.
func (r *Registry) Evict(s *Session, reason string) {
	r.mu.Lock()
	e, ok := r.sessions[s.id]
	current := ok && e.session == s
	if current {
		delete(r.sessions, s.id)
	}
	r.mu.Unlock()

	s.conn.Close()
	if !current {
		return
	}

	r.metrics.RecordSessionEvicted()
	slog.Info("Session evicted", "id", s.id, "role", s.role.String(), "reason", reason)
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sessions returns a snapshot of live sessions with the given role.
func (r *Registry) Sessions(role Role) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Session
	for _, e := range r.sessions {
		if e.session.role == role {
			out = append(out, e.session)
		}
	}
	return out
}

// EvictAll removes every session. Called on shutdown so peers reconnect to
// another instance instead of waiting out a dead socket.
func (r *Registry) EvictAll(reason string) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		sessions = append(sessions, e.session)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		r.Evict(s, reason)
	}
}

// SendResult reports one broadcast send.
type SendResult struct {
	ID  string
	Err error
}

// Broadcast sends payload to every live session with the given role,
// concurrently, each send bounded by the registry write timeout. A failed
// send evicts the session. Results are returned per session.
func (r *Registry) Broadcast(role Role, payload []byte) []SendResult {
	sessions := r.Sessions(role)
	results := make([]SendResult, len(sessions))
	deadline := time.Now().Add(r.writeTimeout)

	var wg sync.WaitGroup
	for i, s := range sessions {
		wg.Add(1)
		go func(i int, s *Session) {
			defer wg.Done()
			err := s.write(deadline, payload)
			if err != nil {
				r.Evict(s, "broadcast write failed")
			}
			results[i] = SendResult{ID: s.id, Err: err}
		}(i, s)
	}
	wg.Wait()
	return results
}

// Sweep examines every session once: sessions idle beyond maxIdle are
// evicted, sessions idle beyond pingAfter are pinged. Network writes happen
// after the lock is released.
func (r *Registry) Sweep(now time.Time) {
	var toEvict, toPing []*Session

	r.mu.Lock()
	for _, e := range r.sessions {
		idle := now.Sub(e.lastSeen)
		switch {
		case idle > r.maxIdle:
			toEvict = append(toEvict, e.session)
		case idle > r.pingAfter:
			toPing = append(toPing, e.session)
		}
	}
	r.mu.Unlock()

	for _, s := range toEvict {
		r.Evict(s, "idle beyond limit")
	}
	for _, s := range toPing {
		if err := s.write(now.Add(r.writeTimeout), wire.EncodePing()); err != nil {
			r.Evict(s, "ping write failed")
		}
	}
}

// Run sweeps the registry periodically until ctx is canceled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(time.Now())
		}
	}
}

// List enumerates the currently connected receiver stations as fan-out
// destinations. Destination.Addr carries the session identifier.
func (r *Registry) List(ctx context.Context) ([]dispatch.Destination, error) {
	receivers := r.Sessions(RoleReceiver)

	dests := make([]dispatch.Destination, 0, len(receivers))
	for _, s := range receivers {
		dests = append(dests, dispatch.Destination{Addr: s.id, Name: s.id})
	}
	return dests, nil
}

// Deliver pushes an open-screen frame to the receiver session named by
// dest.Addr. A failed write evicts the session: the next alert should not
// wait on a connection already known to be broken.
func (r *Registry) Deliver(ctx context.Context, dest dispatch.Destination, alert dispatch.Resolved) error {
	r.mu.Lock()
	e, ok := r.sessions[dest.Addr]
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("no session registered for %q", dest.Addr)
	}

	deadline := time.Now().Add(r.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := e.session.write(deadline, wire.EncodeOpenScreen(alert.Room, alert.Code, alert.Username)); err != nil {
		r.Evict(e.session, "alert write failed")
		return fmt.Errorf("failed to write alert to %q: %w", dest.Addr, err)
	}
	return nil
}

var (
	_ dispatch.Dispatcher        = (*Registry)(nil)
	_ dispatch.DestinationSource = (*Registry)(nil)
)
