// Package lifecycle implements the connection lifecycle operations of
// §4.G: the six RPC handlers (SOCKET, LISTEN, BIND, CONNECT, MAP,
// MAP_REQ), the nc_accept/nc_connected/nc_recved/nc_sent/nc_err stack
// callbacks, and the nc_err errno translation table. It is the glue
// between internal/wire's decoded requests, internal/netstack.Facade,
// internal/registry.Registry, and internal/pump.Pump.
package lifecycle

import (
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"

	nctErrors "github.com/nct-project/nct/internal/errors"
	"github.com/nct-project/nct/internal/metrics"
	"github.com/nct-project/nct/internal/netstack"
	"github.com/nct-project/nct/internal/pump"
	"github.com/nct-project/nct/internal/registry"
	"github.com/nct-project/nct/internal/session"
	"github.com/nct-project/nct/internal/wire"
	"github.com/nct-project/nct/util"
)

// Reactor is the subset of internal/reactor.Reactor the lifecycle
// manager needs in order to register new connections' local_end
// descriptors and listeners for polling.
type Reactor interface {
	AddConn(fd int, id registry.ConnID) error
	Remove(fd int)
}

// Stack is the subset of internal/netstack.Facade the lifecycle
// manager drives. A narrow interface here, mirroring internal/pump's
// Stack interface, keeps this package's unit tests independent of
// gvisor.
type Stack interface {
	NewPCB(id registry.ConnID) error
	Bind(id registry.ConnID, ip net.IP, port int) error
	Listen(id registry.ConnID, backlog int) error
	Connect(id registry.ConnID, ip net.IP, port int) error
	SetCallbacks(id registry.ConnID, cb netstack.Callbacks)
	Close(id registry.ConnID)
}

// Manager ties the stack facade, registry, pump, and reactor together
// to implement the RPC lifecycle operations.
type Manager struct {
	stack   Stack
	reg     *registry.Registry
	pump    *pump.Pump
	reactor Reactor
	metrics *metrics.Collector
	log     *util.Logger

	ifaceIP net.IP

	// SessionLookup resolves a session.ID back to its live Session, set
	// by rpcserver at startup so nc_accept and deferred RETVAL replies
	// can reach a session's rendezvous endpoint. The lifecycle manager
	// does not itself track live sessions — that bookkeeping belongs to
	// rpcserver.
	SessionLookup func(session.ID) (*session.Session, bool)

	// OnChildReady fires once nc_accept has handed a freshly accepted
	// connection's client-visible descriptor to the shim. rpcserver
	// enqueues connID as pending confirmation by the client's next
	// RPC_MAP for this session; clientFD is carried through for log
	// lines only, since the MAP payload's fd is the client's own and
	// cannot be matched back to it (see rpcserver.Server.pending).
	OnChildReady func(sess session.ID, connID registry.ConnID, clientFD int32)
}

// New creates a Manager. ifaceIP is the virtual interface's address,
// used as the source for RPC_BIND per §4.G ("bind to iface_ip_v4[0]").
func New(stack Stack, reg *registry.Registry, p *pump.Pump, r Reactor, m *metrics.Collector, log *util.Logger, ifaceIP net.IP) *Manager {
	return &Manager{stack: stack, reg: reg, pump: p, reactor: r, metrics: m, log: log, ifaceIP: ifaceIP}
}

// newStreamPair creates a descriptor-passable byte-stream pair via
// socketpair(AF_UNIX, SOCK_STREAM), grounded on the teacher's use of
// os.Pipe()-backed stream pairs but upgraded to a socketpair so the
// client-visible end supports the same descriptor-passing primitive
// the rendezvous session itself uses.
func newStreamPair() (local *os.File, clientFD int, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, -1, nctErrors.WrapResource("descriptor-pair", err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, -1, nctErrors.WrapResource("descriptor-pair", err)
	}
	return os.NewFile(uintptr(fds[0]), "local_end"), fds[1], nil
}

// HandleSocket implements RPC_SOCKET.
func (m *Manager) HandleSocket(sess *session.Session, req wire.Socket) (id registry.ConnID, clientFD int, retval, errno int32) {
	id = registry.NewConnID()
	if err := m.stack.NewPCB(id); err != nil {
		m.metrics.RPCError()
		return 0, -1, -1, int32(unix.ENOMEM)
	}

	local, fd, err := newStreamPair()
	if err != nil {
		m.stack.Close(id)
		m.metrics.RPCError()
		return 0, -1, -1, int32(unix.ENOMEM)
	}

	conn := &registry.Connection{
		ID:           id,
		Session:      sess.ID,
		LocalEnd:     local,
		Unmapped:     true,
		State:        registry.StateNew,
		PendingReply: true,
	}
	m.reg.Insert(conn)
	sess.AddConn(uint64(id))
	m.metrics.ConnectionOpened()

	if err := m.reactor.AddConn(int(local.Fd()), id); err != nil && m.log != nil {
		m.log.Warn("socket: conn=%d register with reactor: %v", id, err)
	}

	return id, fd, 0, 0
}

// HandleMap implements RPC_MAP, including the duplicate-peer_fd
// reconciliation procedure.
func (m *Manager) HandleMap(sess *session.Session, connID registry.ConnID, req wire.Map) (retval, errno int32) {
	conn, ok := m.reg.Lookup(connID)
	if !ok {
		return -1, int32(unix.EBADF)
	}

	dup, hadDup := m.reg.SetPeerFD(conn, req.FD)
	conn.PendingReply = false

	if hadDup && dup != conn {
		if m.probeStale(dup) {
			m.metrics.MapDuplicateResolved()
			m.closeConn(dup)
		} else {
			m.fatalf("map: irreconcilable duplicate mappings for peer_fd %d in session %d: both conn=%d and conn=%d claim it and dup's peer is still live", req.FD, sess.ID, conn.ID, dup.ID)
		}
	}

	return 0, 0
}

// probeStale sends a single non-signaling byte to dup's local_end to
// determine whether the shim-side peer is still alive. A failure
// (EPIPE and friends) means the descriptor was silently reallocated
// and dup is stale.
func (m *Manager) probeStale(dup *registry.Connection) bool {
	_, err := dup.LocalEnd.Write([]byte{0})
	if err == nil {
		return false
	}
	return errors.Is(err, unix.EPIPE) || errors.Is(err, unix.ECONNRESET) || errors.Is(err, os.ErrClosed)
}

// HandleMapReq implements RPC_MAP_REQ.
func (m *Manager) HandleMapReq(sess *session.Session, req wire.MapReq) (retval, errno int32) {
	if _, ok := m.reg.LookupByPeerFD(sess.ID, req.FD); ok {
		return 1, 0
	}
	return 0, 0
}

// HandleBind implements RPC_BIND. Only IPv4 is supported.
func (m *Manager) HandleBind(sess *session.Session, req wire.Bind) (retval, errno int32) {
	conn, ok := m.reg.LookupByPeerFD(sess.ID, req.Sockfd)
	if !ok {
		return -1, int32(unix.EBADF)
	}
	if conn.State != registry.StateNew {
		return -1, int32(unix.EINVAL)
	}

	port := int(req.Addr.Port)
	if err := m.stack.Bind(conn.ID, m.ifaceIP, port); err != nil {
		m.metrics.RPCError()
		return -1, translateBindErrno(err)
	}
	conn.State = registry.StateBound
	return 0, 0
}

// HandleListen implements RPC_LISTEN. gvisor transitions the endpoint
// to LISTEN in place, so there is no replacement pcb to re-key the
// registry onto, unlike the lwIP-sourced original this diverges from.
func (m *Manager) HandleListen(sess *session.Session, req wire.Listen) (retval, errno int32) {
	conn, ok := m.reg.LookupByPeerFD(sess.ID, req.Sockfd)
	if !ok {
		return -1, int32(unix.EBADF)
	}
	if conn.State == registry.StateListen {
		return -1, int32(unix.EINVAL)
	}

	m.stack.SetCallbacks(conn.ID, netstack.Callbacks{
		OnAccept: func(childID registry.ConnID) { m.onAccept(conn, childID) },
	})

	if err := m.stack.Listen(conn.ID, int(req.Backlog)); err != nil {
		m.metrics.RPCError()
		return -1, translateErrno(err)
	}
	conn.State = registry.StateListen
	return 0, 0
}

// onAccept implements nc_accept: it runs under STACK_LOCK (invoked
// from Facade.drainAcceptsLocked). It wraps the child endpoint's
// descriptor pair, registers the child Connection, and hands the
// client-visible fd to the shim over the parent's session by writing
// a sentinel byte to the parent's local_end and sending the fd via
// descriptor passing.
func (m *Manager) onAccept(parent *registry.Connection, childID registry.ConnID) {
	local, clientFD, err := newStreamPair()
	if err != nil {
		if m.log != nil {
			m.log.Warn("nc_accept: conn=%d descriptor pair: %v", parent.ID, err)
		}
		m.stack.Close(childID)
		return
	}

	child := &registry.Connection{
		ID:       childID,
		Session:  parent.Session,
		LocalEnd: local,
		Unmapped: true,
		State:    registry.StateEstablished,
		ParentID: parent.ID,
	}
	m.reg.Insert(child)
	m.metrics.ConnectionOpened()

	if err := m.reactor.AddConn(int(local.Fd()), childID); err != nil && m.log != nil {
		m.log.Warn("nc_accept: conn=%d register with reactor: %v", childID, err)
	}

	m.stack.SetCallbacks(childID, netstack.Callbacks{
		OnRecv: func(data []byte, eof bool) { m.onRecv(child, data, eof) },
		OnSent: func() { m.onSent(child) },
		OnErr:  func(err error) { m.onErr(child, err) },
	})

	if _, err := parent.LocalEnd.Write([]byte{'z'}); err != nil && m.log != nil {
		m.log.Debug("nc_accept: conn=%d sentinel write: %v", parent.ID, err)
	}

	sess, ok := m.sessionFor(parent.Session)
	if ok {
		if err := sendFD(sess.Conn, clientFD); err != nil && m.log != nil {
			m.log.Warn("nc_accept: conn=%d send fd: %v", childID, err)
		}
	}
	unix.Close(clientFD)

	child.PendingReply = true

	if m.OnChildReady != nil {
		m.OnChildReady(parent.Session, childID, int32(clientFD))
	}
}

// HandleConnect implements RPC_CONNECT.
func (m *Manager) HandleConnect(sess *session.Session, req wire.Connect) (retval, errno int32, deferred bool) {
	conn, ok := m.reg.LookupByPeerFD(sess.ID, req.Sockfd)
	if !ok {
		return -1, int32(unix.EBADF), false
	}

	m.stack.SetCallbacks(conn.ID, netstack.Callbacks{
		OnRecv: func(data []byte, eof bool) { m.onRecv(conn, data, eof) },
		OnSent: func() { m.onSent(conn) },
		OnErr:  func(err error) { m.onErr(conn, err) },
		OnConnected: func(err error) {
			if err != nil {
				m.onErr(conn, err)
				return
			}
			conn.State = registry.StateEstablished
			conn.PendingReply = false
			m.deliverRetval(conn, 0, 0)
		},
	})

	ip := net.IPv4(req.Addr.Addr[0], req.Addr.Addr[1], req.Addr.Addr[2], req.Addr.Addr[3])
	port := int(req.Addr.Port)
	conn.State = registry.StateConnecting
	if err := m.stack.Connect(conn.ID, ip, port); err != nil {
		m.metrics.RPCError()
		return -1, translateConnectErrno(err), false
	}
	conn.PendingReply = true
	return 0, 0, true
}

// onRecv implements the nc_recved callback, delegating the actual
// byte shuffling to the pump.
func (m *Manager) onRecv(conn *registry.Connection, data []byte, eof bool) {
	if !m.pump.Recv(conn, data, eof) {
		m.closeConn(conn)
	}
}

// onSent implements nc_sent.
func (m *Manager) onSent(conn *registry.Connection) {
	m.pump.Sent(conn)
}

// onErr implements nc_err: for a connection still CONNECTING it
// translates the failure and reports it as the deferred RPC_CONNECT
// RETVAL, then closes the connection per §4.G ("after reporting, the
// connection is closed").
func (m *Manager) onErr(conn *registry.Connection, err error) {
	m.metrics.RPCError()
	if m.log != nil {
		m.log.Warn("nc_err: conn=%d: %v", conn.ID, err)
	}
	if conn.State == registry.StateConnecting {
		conn.PendingReply = false
		m.deliverRetval(conn, -1, translateErrno(err))
	}
	m.closeConn(conn)
}

// closeConn implements close(conn): detaches callbacks, closes the
// pcb and local_end, and removes the registry entry.
func (m *Manager) closeConn(conn *registry.Connection) {
	m.stack.Close(conn.ID)
	m.reactor.Remove(int(conn.LocalEnd.Fd()))
	conn.LocalEnd.Close()
	m.reg.Remove(conn)
	m.metrics.ConnectionClosed()
}

// CloseSession closes every Connection bound to sess before the
// caller closes the rendezvous endpoint itself.
func (m *Manager) CloseSession(sess *session.Session) {
	for _, conn := range m.reg.ForSession(sess.ID) {
		m.closeConn(conn)
	}
}

// fatalf reports an invariant violation that the daemon cannot recover
// from (error taxonomy bucket 5) and terminates the process, falling
// back to stderr directly if no logger was configured.
func (m *Manager) fatalf(format string, args ...interface{}) {
	if m.log != nil {
		m.log.Fatal(format, args...)
		return
	}
	fmt.Fprintf(os.Stderr, "FATAL: "+format+"\n", args...)
	os.Exit(1)
}

func (m *Manager) sessionFor(id session.ID) (*session.Session, bool) {
	if m.SessionLookup == nil {
		return nil, false
	}
	return m.SessionLookup(id)
}

// deliverRetval sends a deferred RETVAL reply once a pending
// RPC_CONNECT resolves asynchronously.
func (m *Manager) deliverRetval(conn *registry.Connection, retval, errno int32) {
	sess, ok := m.sessionFor(conn.Session)
	if !ok {
		return
	}
	if err := wire.EncodeRetval(sess.Conn, retval, errno); err != nil && m.log != nil {
		m.log.Warn("deliverRetval: conn=%d: %v", conn.ID, err)
	}
}

// translateErrno maps a netstack-translated error onto the errno table
// of §4.G's nc_err.
func translateErrno(err error) int32 {
	switch {
	case errors.Is(err, netstack.ErrNoBuf):
		return int32(unix.ENOBUFS)
	case errors.Is(err, netstack.ErrTimedOut):
		return int32(unix.ETIMEDOUT)
	case errors.Is(err, netstack.ErrNetUnreach):
		return int32(unix.ENETUNREACH)
	case errors.Is(err, netstack.ErrInProgress):
		return int32(unix.EINPROGRESS)
	case errors.Is(err, netstack.ErrInval):
		return int32(unix.EINVAL)
	case errors.Is(err, netstack.ErrWouldBlock):
		return int32(unix.EWOULDBLOCK)
	case errors.Is(err, netstack.ErrAddrInUse):
		return int32(unix.EADDRINUSE)
	case errors.Is(err, netstack.ErrIsConn):
		return int32(unix.EISCONN)
	case errors.Is(err, netstack.ErrConnRefused):
		return int32(unix.ECONNREFUSED)
	default:
		return -1
	}
}

// translateConnectErrno maps a netstack-translated error onto the
// errno table for a synchronous RPC_CONNECT failure specifically.
// Unlike the general nc_err table, a no-buffer-space failure here is
// reported as EAGAIN rather than ENOBUFS: the condition is transient
// and worth a client retry, unlike a hard ENOBUFS elsewhere in the
// table. The stack facade has no separate allocation-failure error, so
// there is no ENOMEM case to map. Every other failure falls back to
// the general table.
func translateConnectErrno(err error) int32 {
	if errors.Is(err, netstack.ErrNoBuf) {
		return int32(unix.EAGAIN)
	}
	return translateErrno(err)
}

// translateBindErrno maps a netstack-translated error onto the errno
// table for a synchronous RPC_BIND failure specifically. A
// no-buffer-space failure here is reported as ENOMEM, per §4.G's
// ERR_BUF mapping for bind, rather than the general table's ENOBUFS.
// Every other failure falls back to the general table.
func translateBindErrno(err error) int32 {
	if errors.Is(err, netstack.ErrNoBuf) {
		return int32(unix.ENOMEM)
	}
	return translateErrno(err)
}
