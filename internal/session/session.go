// Package session represents one connected client process: the
// rendezvous endpoint it used to reach the daemon, bound together with
// the bookkeeping needed to tear it down cleanly.
//
// Sessions decouple the connection lifecycle from the raw descriptor —
// lifecycle handlers operate on a Session rather than a bare
// *net.UnixConn, the same way the teacher's capability layer operated
// on a Session rather than a raw net.Conn.
package session

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ID uniquely identifies a session for the lifetime of the daemon
// process. Connections carry a session ID rather than a pointer, so a
// stale reference from a stack callback can be detected instead of
// dereferenced (Design Note 9's ownership rule applied symmetrically
// to sessions).
type ID uint64

var nextID atomic.Uint64

// NextID allocates a new, process-unique session id.
func NextID() ID {
	return ID(nextID.Add(1))
}

// Session is one connected client process: the rendezvous endpoint
// (capable of descriptor passing) plus liveness bookkeeping. Connection
// lifetimes are bounded by, but independent of, their Session's pointer
// identity — lifecycle code holds the session ID, not this struct, in
// any state that must survive the session's own teardown.
type Session struct {
	ID   ID
	Conn *net.UnixConn

	mu           sync.Mutex
	lastActivity time.Time
	connIDs      map[uint64]struct{} // connections bound to this session, by registry.ConnID
}

// New creates a Session bound to an accepted rendezvous connection.
func New(conn *net.UnixConn) *Session {
	return &Session{
		ID:           NextID(),
		Conn:         conn,
		lastActivity: time.Now(),
		connIDs:      make(map[uint64]struct{}),
	}
}

// Touch records RPC activity; IdleSince reports the time since the
// last one.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// IdleSince returns how long the session has gone without RPC traffic.
func (s *Session) IdleSince() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}

// AddConn records that connID is bound to this session.
func (s *Session) AddConn(connID uint64) {
	s.mu.Lock()
	s.connIDs[connID] = struct{}{}
	s.mu.Unlock()
}

// RemoveConn unbinds connID from this session.
func (s *Session) RemoveConn(connID uint64) {
	s.mu.Lock()
	delete(s.connIDs, connID)
	s.mu.Unlock()
}

// ConnIDs returns a snapshot of every connection currently bound to
// this session, used when the session closes and every bound
// Connection must be closed first (spec invariant: session teardown
// closes its connections before the rendezvous endpoint itself becomes
// unreachable).
func (s *Session) ConnIDs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, 0, len(s.connIDs))
	for id := range s.connIDs {
		out = append(out, id)
	}
	return out
}

// Close closes the rendezvous endpoint. Callers are responsible for
// closing bound connections first.
func (s *Session) Close() error {
	return s.Conn.Close()
}
