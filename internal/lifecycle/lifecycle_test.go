package lifecycle

import (
	"net"
	"os"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/nct-project/nct/internal/metrics"
	"github.com/nct-project/nct/internal/netstack"
	"github.com/nct-project/nct/internal/pump"
	"github.com/nct-project/nct/internal/registry"
	"github.com/nct-project/nct/internal/session"
	"github.com/nct-project/nct/internal/wire"
)

type fakeStack struct {
	newPCBErr  error
	bindErr    error
	listenErr  error
	connectErr error
	cbs        map[registry.ConnID]netstack.Callbacks
	closed     []registry.ConnID
}

func newFakeStack() *fakeStack {
	return &fakeStack{cbs: make(map[registry.ConnID]netstack.Callbacks)}
}

func (f *fakeStack) NewPCB(id registry.ConnID) error { return f.newPCBErr }
func (f *fakeStack) Bind(id registry.ConnID, ip net.IP, port int) error    { return f.bindErr }
func (f *fakeStack) Listen(id registry.ConnID, backlog int) error         { return f.listenErr }
func (f *fakeStack) Connect(id registry.ConnID, ip net.IP, port int) error { return f.connectErr }
func (f *fakeStack) SetCallbacks(id registry.ConnID, cb netstack.Callbacks) {
	f.cbs[id] = cb
}
func (f *fakeStack) Close(id registry.ConnID) { f.closed = append(f.closed, id) }

type fakeReactor struct {
	added   []registry.ConnID
	removed []int
}

func (r *fakeReactor) AddConn(fd int, id registry.ConnID) error {
	r.added = append(r.added, id)
	return nil
}
func (r *fakeReactor) Remove(fd int) { r.removed = append(r.removed, fd) }

type fakePumpStack struct{}

func (fakePumpStack) SndBufAvail(id registry.ConnID) int          { return 4096 }
func (fakePumpStack) Write(id registry.ConnID, data []byte) (int, error) { return len(data), nil }

type fakeNotifier struct{}

func (fakeNotifier) DisableRead(id registry.ConnID) {}
func (fakeNotifier) EnableRead(id registry.ConnID)  {}

func newTestManager(t *testing.T) (*Manager, *fakeStack, *fakeReactor) {
	t.Helper()
	stack := newFakeStack()
	reactor := &fakeReactor{}
	p := pump.New(fakePumpStack{}, fakeNotifier{}, metrics.New(), nil, 4096)
	m := New(stack, registry.New(), p, reactor, metrics.New(), nil, net.ParseIP("10.0.0.1"))
	return m, stack, reactor
}

func newSession(t *testing.T) *session.Session {
	t.Helper()
	_, pw := socketpair(t)
	return session.New(pw)
}

func socketpair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	f0 := os.NewFile(uintptr(fds[0]), "a")
	f1 := os.NewFile(uintptr(fds[1]), "b")
	c0, err := net.FileConn(f0)
	if err != nil {
		t.Fatalf("FileConn: %v", err)
	}
	c1, err := net.FileConn(f1)
	if err != nil {
		t.Fatalf("FileConn: %v", err)
	}
	f0.Close()
	f1.Close()
	t.Cleanup(func() { c0.Close(); c1.Close() })
	return c0.(*net.UnixConn), c1.(*net.UnixConn)
}

func TestHandleSocket_Success(t *testing.T) {
	m, stack, reactor := newTestManager(t)
	sess := newSession(t)

	_, fd, retval, errno := m.HandleSocket(sess, wire.Socket{Domain: 2, Type: 1, Protocol: 0})
	defer unix.Close(fd)

	if retval != 0 || errno != 0 {
		t.Fatalf("retval=%d errno=%d, want 0,0", retval, errno)
	}
	if fd < 0 {
		t.Fatalf("fd = %d, want non-negative", fd)
	}
	if m.reg.Len() != 1 {
		t.Fatalf("registry len = %d, want 1", m.reg.Len())
	}
	if len(reactor.added) != 1 {
		t.Fatalf("reactor.added = %d, want 1", len(reactor.added))
	}
	_ = stack
}

func TestHandleSocket_PCBCreationFails(t *testing.T) {
	m, stack, _ := newTestManager(t)
	stack.newPCBErr = os.ErrInvalid
	sess := newSession(t)

	_, fd, retval, errno := m.HandleSocket(sess, wire.Socket{})

	if fd != -1 || retval != -1 || errno != int32(unix.ENOMEM) {
		t.Errorf("got (%d,%d,%d), want (-1,-1,ENOMEM)", fd, retval, errno)
	}
	if m.reg.Len() != 0 {
		t.Errorf("registry should be empty, got %d", m.reg.Len())
	}
}

func TestHandleMap_SimpleSuccess(t *testing.T) {
	m, _, _ := newTestManager(t)
	sess := newSession(t)

	_, fd, _, _ := m.HandleSocket(sess, wire.Socket{})
	defer unix.Close(fd)

	conns := m.reg.ForSession(sess.ID)
	if len(conns) != 1 {
		t.Fatalf("expected 1 connection, got %d", len(conns))
	}
	id := conns[0].ID

	retval, errno := m.HandleMap(sess, id, wire.Map{FD: 42})
	if retval != 0 || errno != 0 {
		t.Fatalf("got (%d,%d), want (0,0)", retval, errno)
	}
	if conns[0].PeerFD != 42 || conns[0].Unmapped {
		t.Errorf("connection not mapped correctly: %+v", conns[0])
	}

	if _, ok := m.reg.LookupByPeerFD(sess.ID, 42); !ok {
		t.Error("expected lookup by peer_fd to succeed")
	}
}

func TestHandleMap_DuplicateRemap_SurvivesStaleRemoval(t *testing.T) {
	m, _, _ := newTestManager(t)
	sess := newSession(t)

	aID, aFD, _, _ := m.HandleSocket(sess, wire.Socket{})
	if _, errno := m.HandleMap(sess, aID, wire.Map{FD: 42}); errno != 0 {
		t.Fatalf("mapping a: errno=%d", errno)
	}
	// Close a's client-visible end so probeStale(a) observes a dead peer
	// and the duplicate is treated as reclaimable, not ambiguous.
	unix.Close(aFD)

	bID, bFD, _, _ := m.HandleSocket(sess, wire.Socket{})
	defer unix.Close(bFD)

	retval, errno := m.HandleMap(sess, bID, wire.Map{FD: 42})
	if retval != 0 || errno != 0 {
		t.Fatalf("mapping b over stale a: got (%d,%d), want (0,0)", retval, errno)
	}

	// b must still be resolvable by peer_fd 42 after a's registry entry
	// is torn down — closeConn(a) must not evict b's now-current mapping.
	conn, ok := m.reg.LookupByPeerFD(sess.ID, 42)
	if !ok || conn.ID != bID {
		t.Fatalf("expected peer_fd 42 to resolve to b (%d) after duplicate resolution, got %+v ok=%v", bID, conn, ok)
	}
	if _, ok := m.reg.Lookup(aID); ok {
		t.Error("expected stale connection a to be removed from the registry")
	}
}

func TestHandleMap_UnknownConn(t *testing.T) {
	m, _, _ := newTestManager(t)
	sess := newSession(t)

	retval, errno := m.HandleMap(sess, registry.NewConnID(), wire.Map{FD: 1})
	if retval != -1 || errno != int32(unix.EBADF) {
		t.Errorf("got (%d,%d), want (-1,EBADF)", retval, errno)
	}
}

func TestHandleMapReq(t *testing.T) {
	m, _, _ := newTestManager(t)
	sess := newSession(t)
	_, fd, _, _ := m.HandleSocket(sess, wire.Socket{})
	defer unix.Close(fd)

	conns := m.reg.ForSession(sess.ID)
	m.HandleMap(sess, conns[0].ID, wire.Map{FD: 7})

	if retval, errno := m.HandleMapReq(sess, wire.MapReq{FD: 7}); retval != 1 || errno != 0 {
		t.Errorf("mapped fd: got (%d,%d), want (1,0)", retval, errno)
	}
	if retval, errno := m.HandleMapReq(sess, wire.MapReq{FD: 99}); retval != 0 || errno != 0 {
		t.Errorf("unmapped fd: got (%d,%d), want (0,0)", retval, errno)
	}
}

func TestHandleBind_NotFound(t *testing.T) {
	m, _, _ := newTestManager(t)
	sess := newSession(t)

	retval, errno := m.HandleBind(sess, wire.Bind{Sockfd: 5})
	if retval != -1 || errno != int32(unix.EBADF) {
		t.Errorf("got (%d,%d), want (-1,EBADF)", retval, errno)
	}
}

func TestHandleBind_Success(t *testing.T) {
	m, _, _ := newTestManager(t)
	sess := newSession(t)
	_, fd, _, _ := m.HandleSocket(sess, wire.Socket{})
	defer unix.Close(fd)
	conns := m.reg.ForSession(sess.ID)
	m.HandleMap(sess, conns[0].ID, wire.Map{FD: 3})

	retval, errno := m.HandleBind(sess, wire.Bind{Sockfd: 3, Addr: wire.SockAddrIn{Port: 8080}})
	if retval != 0 || errno != 0 {
		t.Fatalf("got (%d,%d), want (0,0)", retval, errno)
	}
	if conns[0].State != registry.StateBound {
		t.Errorf("state = %v, want StateBound", conns[0].State)
	}
}

func TestHandleListen_Success(t *testing.T) {
	m, _, _ := newTestManager(t)
	sess := newSession(t)
	_, fd, _, _ := m.HandleSocket(sess, wire.Socket{})
	defer unix.Close(fd)
	conns := m.reg.ForSession(sess.ID)
	m.HandleMap(sess, conns[0].ID, wire.Map{FD: 9})

	retval, errno := m.HandleListen(sess, wire.Listen{Sockfd: 9, Backlog: 4})
	if retval != 0 || errno != 0 {
		t.Fatalf("got (%d,%d), want (0,0)", retval, errno)
	}
	if conns[0].State != registry.StateListen {
		t.Errorf("state = %v, want StateListen", conns[0].State)
	}
}

func TestHandleConnect_SyncFailure_UsesConnectErrnoTable(t *testing.T) {
	m, stack, _ := newTestManager(t)
	stack.connectErr = netstack.ErrNoBuf
	sess := newSession(t)

	_, fd, _, _ := m.HandleSocket(sess, wire.Socket{})
	defer unix.Close(fd)
	conns := m.reg.ForSession(sess.ID)
	m.HandleMap(sess, conns[0].ID, wire.Map{FD: 11})

	retval, errno, deferred := m.HandleConnect(sess, wire.Connect{Sockfd: 11, Addr: wire.SockAddrIn{Port: 80}})
	if retval != -1 || errno != int32(unix.EAGAIN) || deferred {
		t.Fatalf("got (%d,%d,%v), want (-1,EAGAIN,false)", retval, errno, deferred)
	}
}

func TestHandleBind_SyncFailure_UsesBindErrnoTable(t *testing.T) {
	m, stack, _ := newTestManager(t)
	stack.bindErr = netstack.ErrNoBuf
	sess := newSession(t)

	_, fd, _, _ := m.HandleSocket(sess, wire.Socket{})
	defer unix.Close(fd)
	conns := m.reg.ForSession(sess.ID)
	m.HandleMap(sess, conns[0].ID, wire.Map{FD: 7})

	retval, errno := m.HandleBind(sess, wire.Bind{Sockfd: 7, Addr: wire.SockAddrIn{Port: 80}})
	if retval != -1 || errno != int32(unix.ENOMEM) {
		t.Fatalf("got (%d,%d), want (-1,ENOMEM)", retval, errno)
	}
}

func TestTranslateErrno(t *testing.T) {
	tests := []struct {
		in   error
		want int32
	}{
		{netstack.ErrNoBuf, int32(unix.ENOBUFS)},
		{netstack.ErrAddrInUse, int32(unix.EADDRINUSE)},
		{netstack.ErrInval, int32(unix.EINVAL)},
		{os.ErrInvalid, -1},
	}
	for _, tt := range tests {
		if got := translateErrno(tt.in); got != tt.want {
			t.Errorf("translateErrno(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestTranslateConnectErrno(t *testing.T) {
	tests := []struct {
		in   error
		want int32
	}{
		{netstack.ErrNoBuf, int32(unix.EAGAIN)},        // connect-specific: BUF -> EAGAIN, not ENOBUFS
		{netstack.ErrAddrInUse, int32(unix.EADDRINUSE)}, // everything else falls back to the general table
		{netstack.ErrConnRefused, int32(unix.ECONNREFUSED)},
		{os.ErrInvalid, -1},
	}
	for _, tt := range tests {
		if got := translateConnectErrno(tt.in); got != tt.want {
			t.Errorf("translateConnectErrno(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestTranslateBindErrno(t *testing.T) {
	tests := []struct {
		in   error
		want int32
	}{
		{netstack.ErrNoBuf, int32(unix.ENOMEM)},         // bind-specific: BUF -> ENOMEM, not ENOBUFS
		{netstack.ErrAddrInUse, int32(unix.EADDRINUSE)}, // everything else falls back to the general table
		{os.ErrInvalid, -1},
	}
	for _, tt := range tests {
		if got := translateBindErrno(tt.in); got != tt.want {
			t.Errorf("translateBindErrno(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
