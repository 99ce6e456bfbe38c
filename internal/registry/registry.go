// Package registry maintains the Connection Registry: the two indexes
// over live connections (by stable connection id, and by the
// session-scoped descriptor the client assigned to its end of the
// stream pair) that every other component resolves through rather than
// holding direct references.
//
// REG_LOCK (Registry.mu) is a leaf lock: no Registry method calls out
// to another component while holding it. Stack callbacks, which run
// with the stack facade's STACK_LOCK held, take REG_LOCK inside it, so
// the two are always acquired in the order STACK_LOCK then REG_LOCK.
package registry

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/nct-project/nct/internal/session"
)

// State is the connection's position in the state machine described by
// §3: NEW -> BOUND -> LISTEN|CONNECTING -> ESTABLISHED -> CLOSING.
type State int

const (
	StateNew State = iota
	StateBound
	StateListen
	StateConnecting
	StateEstablished
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateBound:
		return "BOUND"
	case StateListen:
		return "LISTEN"
	case StateConnecting:
		return "CONNECTING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// ConnID is the stable, non-pointer handle a Connection is known by
// everywhere outside the registry: in the stack facade's per-PCB
// argument slot, in RPC bookkeeping, in log lines. It survives the
// Connection being moved, because it names an entry, not a memory
// address.
type ConnID uint64

var nextConnID atomic.Uint64

// NewConnID allocates a new, process-unique connection id.
func NewConnID() ConnID {
	return ConnID(nextConnID.Add(1))
}

// Connection is one client-visible socket: the stack-side connection
// block (identified by ID, resolved through the facade's own PCB map),
// the session it belongs to, the descriptor-passed stream pair's
// daemon-side endpoint, and the client-assigned peer descriptor once
// the MAP handshake completes.
type Connection struct {
	ID      ConnID
	Session session.ID

	LocalEnd *os.File // daemon-side endpoint of the descriptor-passed stream pair

	// PeerFD is the descriptor the client assigned to its end of the
	// pair. Unmapped is true until the client's MAP reply arrives —
	// Go has no sentinel-free "unset int32" that cannot collide with a
	// legitimate descriptor numbered 0, so an explicit flag is used
	// instead of e.g. -1.
	PeerFD   int32
	Unmapped bool

	State State

	// PendingReply is set while a connection awaits its RPC_MAP (for a
	// freshly created or accepted connection) or, for RPC_CONNECT, an
	// RPC return value deferred to a later stack callback.
	PendingReply bool

	// TxBuf holds client->stack bytes read from LocalEnd but not yet
	// accepted by the stack, bounded by TCP_SND_BUF.
	TxBuf []byte

	// ParentID is the listening connection's id for a child spawned by
	// nc_accept, 0 for connections that were not accept-spawned.
	ParentID ConnID
}

// Registry maintains the by-ConnID and by-(session,peer_fd) indexes
// over every live Connection.
type Registry struct {
	mu       sync.RWMutex
	byConnID map[ConnID]*Connection
	byPeerFD map[session.ID]map[int32]*Connection
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		byConnID: make(map[ConnID]*Connection),
		byPeerFD: make(map[session.ID]map[int32]*Connection),
	}
}

// Insert adds a newly created Connection, indexed by ConnID. It is not
// yet resolvable by peer_fd until SetPeerFD is called (the transient
// "findable only by pcb" window §4.D requires).
func (r *Registry) Insert(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byConnID[c.ID] = c
}

// Lookup resolves a Connection by its stable id. Used by stack
// callbacks, which only ever carry a ConnID.
func (r *Registry) Lookup(id ConnID) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byConnID[id]
	return c, ok
}

// LookupByPeerFD resolves a Connection by the descriptor the client
// named it by within its session. Used by RPC_BIND, RPC_LISTEN,
// RPC_CONNECT, and RPC_MAP_REQ.
func (r *Registry) LookupByPeerFD(sess session.ID, fd int32) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byPeerFD[sess]
	if !ok {
		return nil, false
	}
	c, ok := m[fd]
	return c, ok
}

// SetPeerFD completes the MAP handshake for c, making it resolvable by
// (session, fd) in addition to its ConnID. If another live Connection
// in the same session already claims fd, it is returned as the
// duplicate for the caller to resolve per §4.G's probe-and-reconcile
// procedure — SetPeerFD itself never silently evicts a conflicting
// entry.
func (r *Registry) SetPeerFD(c *Connection, fd int32) (dup *Connection, hadDup bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.byPeerFD[c.Session]
	if !ok {
		m = make(map[int32]*Connection)
		r.byPeerFD[c.Session] = m
	}
	if existing, exists := m[fd]; exists && existing != c {
		dup, hadDup = existing, true
	}

	c.PeerFD = fd
	c.Unmapped = false
	m[fd] = c
	return dup, hadDup
}

// Remove deletes c from both indexes. The by-peer_fd entry is only
// deleted if it still points at c — a remap (SetPeerFD binding a new
// Connection to c's old fd) may already have overwritten it, and
// Remove must not erase a live entry it no longer owns.
func (r *Registry) Remove(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byConnID, c.ID)
	if !c.Unmapped {
		if m, ok := r.byPeerFD[c.Session]; ok {
			if m[c.PeerFD] == c {
				delete(m, c.PeerFD)
				if len(m) == 0 {
					delete(r.byPeerFD, c.Session)
				}
			}
		}
	}
}

// ForSession returns every live Connection bound to sess, used by the
// duplicate-peer_fd probe (§4.G RPC_MAP) which must scan a session's
// connections, and by session teardown.
func (r *Registry) ForSession(sess session.ID) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Connection
	for _, c := range r.byConnID {
		if c.Session == sess {
			out = append(out, c)
		}
	}
	return out
}

// Len returns the number of live connections, used by diagnostics.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConnID)
}
