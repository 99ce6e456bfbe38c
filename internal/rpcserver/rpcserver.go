// Package rpcserver implements the RPC session layer of §4.C: a
// rendezvous Unix listener at the path named by a network id, one
// internal/session.Session per accepted client, and the opcode demux
// that turns decoded internal/wire requests into
// internal/lifecycle.Manager calls.
package rpcserver

import (
	"fmt"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	nctErrors "github.com/nct-project/nct/internal/errors"
	"github.com/nct-project/nct/internal/lifecycle"
	"github.com/nct-project/nct/internal/metrics"
	"github.com/nct-project/nct/internal/registry"
	"github.com/nct-project/nct/internal/session"
	"github.com/nct-project/nct/internal/wire"
	"github.com/nct-project/nct/util"
)

// Reactor is the subset of internal/reactor.Reactor the RPC server
// needs to multiplex its listener and every accepted session.
type Reactor interface {
	AddListener(fd int) error
	AddSession(fd int, id session.ID) error
	Remove(fd int)
}

// RendezvousPath formats the rendezvous socket path for a network id,
// per §6: a filesystem path keyed by 16 hex digits of the network id.
func RendezvousPath(dir string, networkID uint64) string {
	return fmt.Sprintf("%s/.nct_%016x", dir, networkID)
}

// Server owns the rendezvous listener and the live session table.
type Server struct {
	path     string
	listener *net.UnixListener
	reactor  Reactor
	lc       *lifecycle.Manager
	metrics  *metrics.Collector
	log      *util.Logger

	mu       sync.Mutex
	sessions map[session.ID]*session.Session

	// pending tracks, per session, the FIFO of ConnIDs awaiting their
	// RPC_MAP confirmation: one entry per connection freshly created
	// (RPC_SOCKET) or accepted (nc_accept) but not yet mapped. The MAP
	// payload's fd is the number the *client* assigned its own end of
	// the descriptor pair — an independent per-process fd table from
	// the daemon's, per POSIX SCM_RIGHTS semantics — so it cannot be
	// used to look the pending connection back up; matching instead
	// follows the order connections became pending within the session,
	// mirroring the original's single per-socket uptr slot that every
	// RPC_SOCKET/nc_accept overwrote and every MAP/retval consumed.
	pending map[session.ID][]registry.ConnID
}

// New creates a Server listening at RendezvousPath(dir, networkID). On
// return, the listener is bound but not yet registered with the
// reactor — call Start for that.
func New(dir string, networkID uint64, r Reactor, lc *lifecycle.Manager, m *metrics.Collector, log *util.Logger) (*Server, error) {
	path := RendezvousPath(dir, networkID)
	os.Remove(path)

	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", nctErrors.ErrRendezvousBindFailed, err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", nctErrors.ErrRendezvousBindFailed, err)
	}

	s := &Server{
		path:     path,
		listener: ln,
		reactor:  r,
		lc:       lc,
		metrics:  m,
		log:      log,
		sessions: make(map[session.ID]*session.Session),
		pending:  make(map[session.ID][]registry.ConnID),
	}

	lc.SessionLookup = s.sessionByID
	lc.OnChildReady = s.recordPending

	return s, nil
}

func (s *Server) sessionByID(id session.ID) (*session.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// recordPending enqueues connID as awaiting MAP for sessID. clientFD is
// not used for matching (see the pending field's doc comment) — it is
// accepted only so this method satisfies lifecycle.Manager's
// OnChildReady signature, which also carries it for log lines.
func (s *Server) recordPending(sessID session.ID, connID registry.ConnID, clientFD int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[sessID] = append(s.pending[sessID], connID)
}

// takePending dequeues the oldest ConnID still awaiting MAP for sessID.
func (s *Server) takePending(sessID session.ID) (registry.ConnID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.pending[sessID]
	if len(q) == 0 {
		return 0, false
	}
	id := q[0]
	s.pending[sessID] = q[1:]
	return id, true
}

// Start registers the rendezvous listener's descriptor with the
// reactor so its OnListenerReady hook (wired to Accept) fires on the
// next connecting client.
func (s *Server) Start() error {
	raw, err := s.listener.SyscallConn()
	if err != nil {
		return err
	}
	var ctlErr error
	err = raw.Control(func(fd uintptr) {
		ctlErr = s.reactor.AddListener(int(fd))
	})
	if err != nil {
		return err
	}
	return ctlErr
}

// Accept is invoked by the reactor when the listener is readable: one
// pending connection is ready to be accepted without blocking.
func (s *Server) Accept() {
	conn, err := s.listener.AcceptUnix()
	if err != nil {
		if s.log != nil {
			s.log.Warn("rpcserver: accept: %v", err)
		}
		return
	}

	sess := session.New(conn)
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	raw, err := conn.SyscallConn()
	if err != nil {
		if s.log != nil {
			s.log.Warn("rpcserver: session=%d syscallconn: %v", sess.ID, err)
		}
		return
	}
	raw.Control(func(fd uintptr) {
		if err := s.reactor.AddSession(int(fd), sess.ID); err != nil && s.log != nil {
			s.log.Warn("rpcserver: session=%d register: %v", sess.ID, err)
		}
	})
}

// HandleSession is invoked by the reactor when a session's endpoint is
// readable: decode exactly one request and dispatch it.
func (s *Server) HandleSession(id session.ID) {
	sess, ok := s.sessionByID(id)
	if !ok {
		return
	}
	sess.Touch()

	op, payload, err := wire.Decode(sess.Conn)
	if err != nil {
		s.closeSession(sess)
		return
	}

	switch op {
	case wire.OpSocket:
		s.handleSocket(sess, payload.(wire.Socket))
	case wire.OpMap:
		s.handleMap(sess, payload.(wire.Map))
	case wire.OpMapReq:
		s.handleMapReq(sess, payload.(wire.MapReq))
	case wire.OpBind:
		s.handleBind(sess, payload.(wire.Bind))
	case wire.OpListen:
		s.handleListen(sess, payload.(wire.Listen))
	case wire.OpConnect:
		s.handleConnect(sess, payload.(wire.Connect))
	default:
		s.metrics.RPCError()
		s.closeSession(sess)
	}
}

func (s *Server) handleSocket(sess *session.Session, req wire.Socket) {
	connID, clientFD, retval, errno := s.lc.HandleSocket(sess, req)
	if retval == 0 {
		s.recordPending(sess.ID, connID, int32(clientFD))
		if err := sendFD(sess.Conn, clientFD); err != nil && s.log != nil {
			s.log.Warn("rpcserver: session=%d send fd: %v", sess.ID, err)
		}
		closeLocal(clientFD)
		return
	}
	s.reply(sess, retval, errno)
}

func (s *Server) handleMap(sess *session.Session, req wire.Map) {
	connID, ok := s.takePending(sess.ID)
	if !ok {
		s.reply(sess, -1, int32(unix.EBADF))
		return
	}
	retval, errno := s.lc.HandleMap(sess, connID, req)
	s.reply(sess, retval, errno)
}

func (s *Server) handleMapReq(sess *session.Session, req wire.MapReq) {
	retval, errno := s.lc.HandleMapReq(sess, req)
	s.reply(sess, retval, errno)
}

func (s *Server) handleBind(sess *session.Session, req wire.Bind) {
	retval, errno := s.lc.HandleBind(sess, req)
	s.reply(sess, retval, errno)
}

func (s *Server) handleListen(sess *session.Session, req wire.Listen) {
	retval, errno := s.lc.HandleListen(sess, req)
	s.reply(sess, retval, errno)
}

func (s *Server) handleConnect(sess *session.Session, req wire.Connect) {
	retval, errno, deferred := s.lc.HandleConnect(sess, req)
	if deferred {
		return
	}
	s.reply(sess, retval, errno)
}

func (s *Server) reply(sess *session.Session, retval, errno int32) {
	if err := wire.EncodeRetval(sess.Conn, retval, errno); err != nil {
		s.closeSession(sess)
	}
}

func (s *Server) closeSession(sess *session.Session) {
	s.lc.CloseSession(sess)

	raw, err := sess.Conn.SyscallConn()
	if err == nil {
		raw.Control(func(fd uintptr) { s.reactor.Remove(int(fd)) })
	}
	sess.Close()

	s.mu.Lock()
	delete(s.sessions, sess.ID)
	delete(s.pending, sess.ID)
	s.mu.Unlock()
}

// Close tears down every session and the rendezvous listener itself.
func (s *Server) Close() error {
	s.mu.Lock()
	sessions := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		s.closeSession(sess)
	}

	err := s.listener.Close()
	os.Remove(s.path)
	return err
}
