// Package reactor implements the single-threaded event loop of §4.F:
// one OS thread polling the rendezvous listener, every RPC session
// endpoint, and every connection's local_end, driving the stack's
// periodic ticks and dispatching readiness to the data pump.
//
// Grounded on google-gvisor's pkg/waiter/fdnotifier epoll wrapper —
// the pack's own example of an epoll_pwait loop multiplexing readiness
// across many descriptors for a userspace network stack.
package reactor

import (
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nct-project/nct/internal/registry"
	"github.com/nct-project/nct/internal/session"
	"github.com/nct-project/nct/util"
)

const (
	defaultTCPTickMS = 10
	defaultARPTickMS = 5000

	kindListener = iota
	kindSession
	kindConn
)

// Stack is the subset of internal/netstack.Facade the reactor drives.
type Stack interface {
	Lock()
	Unlock()
	TickTCP()
	TickArp()
}

type entry struct {
	kind    int
	sessID  session.ID
	connID  registry.ConnID
	enabled bool
}

// Reactor owns the epoll instance and the callback set invoked when a
// registered descriptor becomes readable.
type Reactor struct {
	stack Stack
	log   *util.Logger

	tcpTickMS int
	arpTickMS int

	epfd int

	mu      sync.Mutex
	entries map[int]*entry // fd -> entry

	OnListenerReady func()
	OnSessionReady  func(session.ID)
	OnConnReady     func(registry.ConnID)

	stopCh chan struct{}
}

// New creates a Reactor backed by a fresh epoll instance, ticking the
// stack's TCP and ARP timers at the given periods in milliseconds. A
// zero period falls back to the teacher's original defaults (10ms /
// 5000ms).
func New(stack Stack, log *util.Logger, tcpTickMS, arpTickMS int) (*Reactor, error) {
	if tcpTickMS <= 0 {
		tcpTickMS = defaultTCPTickMS
	}
	if arpTickMS <= 0 {
		arpTickMS = defaultARPTickMS
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Reactor{
		stack:     stack,
		log:       log,
		tcpTickMS: tcpTickMS,
		arpTickMS: arpTickMS,
		epfd:      epfd,
		entries:   make(map[int]*entry),
		stopCh:    make(chan struct{}),
	}, nil
}

// AddListener registers the rendezvous listener's descriptor.
func (r *Reactor) AddListener(fd int) error {
	return r.add(fd, &entry{kind: kindListener, enabled: true})
}

// AddSession registers an RPC session endpoint's descriptor.
func (r *Reactor) AddSession(fd int, id session.ID) error {
	return r.add(fd, &entry{kind: kindSession, sessID: id, enabled: true})
}

// AddConn registers a connection's local_end descriptor, initially
// readable.
func (r *Reactor) AddConn(fd int, id registry.ConnID) error {
	return r.add(fd, &entry{kind: kindConn, connID: id, enabled: true})
}

func (r *Reactor) add(fd int, e *entry) error {
	r.mu.Lock()
	r.entries[fd] = e
	r.mu.Unlock()

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// Remove deregisters fd.
func (r *Reactor) Remove(fd int) {
	r.mu.Lock()
	delete(r.entries, fd)
	r.mu.Unlock()
	unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// DisableRead implements pump.Notifier: stops polling fd for
// readability without removing it from the epoll set entirely.
func (r *Reactor) DisableRead(id registry.ConnID) {
	r.toggle(id, false)
}

// EnableRead implements pump.Notifier: resumes polling fd for
// readability.
func (r *Reactor) EnableRead(id registry.ConnID) {
	r.toggle(id, true)
}

func (r *Reactor) toggle(id registry.ConnID, enable bool) {
	r.mu.Lock()
	var fd int = -1
	var e *entry
	for f, ent := range r.entries {
		if ent.kind == kindConn && ent.connID == id {
			fd, e = f, ent
			break
		}
	}
	if e == nil {
		r.mu.Unlock()
		return
	}
	if e.enabled == enable {
		r.mu.Unlock()
		return
	}
	e.enabled = enable
	r.mu.Unlock()

	events := uint32(0)
	if enable {
		events = unix.EPOLLIN
	}
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// Stop ends Run's loop at the next wake.
func (r *Reactor) Stop() {
	close(r.stopCh)
}

// Run implements the event loop of §4.F, steps 1-5. Blocks until Stop
// is called or an unrecoverable epoll error occurs.
func (r *Reactor) Run() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	lastTCP := time.Now()
	lastArp := time.Now()
	events := make([]unix.EpollEvent, 64)

	for {
		select {
		case <-r.stopCh:
			return nil
		default:
		}

		now := time.Now()
		tcpDue := r.tcpTickMS - int(now.Sub(lastTCP).Milliseconds())
		if tcpDue < 0 {
			tcpDue = 0
		}
		arpDue := r.arpTickMS - int(now.Sub(lastArp).Milliseconds())
		if arpDue < 0 {
			arpDue = 0
		}

		if tcpDue == 0 {
			r.stack.Lock()
			r.stack.TickTCP()
			r.stack.Unlock()
			lastTCP = now
		}
		if arpDue == 0 {
			r.stack.Lock()
			r.stack.TickArp()
			r.stack.Unlock()
			lastArp = now
		}

		timeout := tcpDue
		if arpDue < timeout {
			timeout = arpDue
		}

		n, err := unix.EpollWait(r.epfd, events, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			r.mu.Lock()
			e, ok := r.entries[fd]
			r.mu.Unlock()
			if !ok {
				continue
			}
			r.dispatch(e)
		}
	}
}

func (r *Reactor) dispatch(e *entry) {
	switch e.kind {
	case kindListener:
		if r.OnListenerReady != nil {
			r.OnListenerReady()
		}
	case kindSession:
		if r.OnSessionReady != nil {
			r.OnSessionReady(e.sessID)
		}
	case kindConn:
		if r.OnConnReady != nil {
			r.OnConnReady(e.connID)
		}
	}
}

// Close releases the epoll instance.
func (r *Reactor) Close() error {
	return unix.Close(r.epfd)
}
