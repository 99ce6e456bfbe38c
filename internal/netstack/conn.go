package netstack

import (
	"fmt"
	"net"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/waiter"

	"github.com/nct-project/nct/internal/registry"
)

// NewPCB creates a new TCP endpoint and registers it under id, which
// the caller (internal/lifecycle) allocates from registry.NewConnID so
// the Facade's pcb map and the Connection Registry share one key
// namespace, per Design Note 9.
func (f *Facade) NewPCB(id registry.ConnID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var wq waiter.Queue
	ep, err := f.stack.NewEndpoint(tcp.ProtocolNumber, ipv4.ProtocolNumber, &wq)
	if err != nil {
		return fmt.Errorf("new_pcb: %s", err)
	}

	p := &pcb{
		ep:       ep,
		wq:       &wq,
		sndLimit: f.sndBufCap,
		doneCh:   make(chan struct{}),
	}
	f.pcbs[id] = p
	go f.runPCB(id, p)
	return nil
}

// Bind implements bind(pcb,addr,port). Only IPv4 is supported, per
// §4.G.
func (f *Facade) Bind(id registry.ConnID, ip net.IP, port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.pcbs[id]
	if !ok {
		return fmt.Errorf("bind: unknown connection %d", id)
	}
	addr := tcpip.FullAddress{NIC: nicID, Addr: tcpip.Address(ip.To4()), Port: uint16(port)}
	if err := p.ep.Bind(addr); err != nil {
		return translateStackError(err)
	}
	return nil
}

// Listen implements listen(pcb,backlog). gvisor transitions the
// existing endpoint into the listening state in place rather than
// swapping it for a replacement pcb the way the lwIP-based original
// does, so there is no id to re-key here — the registry entry stays
// under the id it was created with. Accepted children are reported
// through the OnAccept callback installed with SetCallbacks.
func (f *Facade) Listen(id registry.ConnID, backlog int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.pcbs[id]
	if !ok {
		return fmt.Errorf("listen: unknown connection %d", id)
	}
	if err := p.ep.Listen(backlog); err != nil {
		return translateStackError(err)
	}
	p.listener = true
	return nil
}

// Connect implements connect(pcb,addr,port,on_connected). Synchronous
// failures are returned directly; an asynchronous outcome is delivered
// later to cb.OnConnected by the pcb's event goroutine.
func (f *Facade) Connect(id registry.ConnID, ip net.IP, port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.pcbs[id]
	if !ok {
		return fmt.Errorf("connect: unknown connection %d", id)
	}
	addr := tcpip.FullAddress{NIC: nicID, Addr: tcpip.Address(ip.To4()), Port: uint16(port)}
	err := p.ep.Connect(addr)
	if err == tcpip.ErrConnectStarted {
		p.connecting = true
		return nil
	}
	if err == nil {
		return nil
	}
	return translateStackError(err)
}

// Write implements write(pcb,data,copy=true) followed by output(pcb).
// gvisor's Write already segments and transmits, so output is a
// documented no-op folded into this call. Returns the number of bytes
// accepted; the caller compacts tx_buf by that much.
func (f *Facade) Write(id registry.ConnID, data []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.pcbs[id]
	if !ok {
		return 0, fmt.Errorf("write: unknown connection %d", id)
	}
	n, err := p.ep.Write(tcpip.SlicePayload(data), tcpip.WriteOptions{})
	if err != nil && err != tcpip.ErrWouldBlock {
		return int(n), translateStackError(err)
	}
	p.sndBuf += int(n)
	return int(n), nil
}

// SndBufAvail reports the remaining write window for id, the Facade's
// stand-in for lwIP's pcb.snd_buf (§4.E step 2).
func (f *Facade) SndBufAvail(id registry.ConnID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pcbs[id]
	if !ok {
		return 0
	}
	avail := p.sndLimit - p.sndBuf
	if avail < 0 {
		return 0
	}
	return avail
}

// SetCallbacks installs the callback binders (on_accept, on_recv,
// on_sent, on_err, on_connected, on_poll) for id.
func (f *Facade) SetCallbacks(id registry.ConnID, cb Callbacks) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.pcbs[id]; ok {
		p.cb = cb
	}
}

// Close implements close(pcb): detaches callbacks, closes the
// endpoint, stops the event goroutine, and removes the Facade's own
// pcb map entry. Safe to call more than once.
func (f *Facade) Close(id registry.ConnID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.pcbs[id]; ok {
		f.closePCBLocked(id, p)
	}
}

func (f *Facade) closePCBLocked(id registry.ConnID, p *pcb) {
	if p.closed {
		return
	}
	p.closed = true
	p.cb = Callbacks{}
	p.ep.Close()
	close(p.doneCh)
	delete(f.pcbs, id)
}

// runPCB is the per-connection event goroutine described by §4.A:
// it registers a channel wait entry for read/write readiness, blocks
// on it, and on wake takes STACK_LOCK before invoking the callback
// matching whatever happened.
func (f *Facade) runPCB(id registry.ConnID, p *pcb) {
	entry, notifyCh := waiter.NewChannelEntry(nil)
	p.wq.EventRegister(&entry, waiter.EventIn|waiter.EventOut|waiter.EventHUp|waiter.EventErr)
	defer p.wq.EventUnregister(&entry)

	poll := time.NewTicker(f.pollEvery)
	defer poll.Stop()

	for {
		select {
		case <-p.doneCh:
			return
		case <-poll.C:
			f.mu.Lock()
			cb := p.cb.OnPoll
			closed := p.closed
			f.mu.Unlock()
			if !closed && cb != nil {
				cb()
			}
		case <-notifyCh:
			f.dispatchPCBEvent(id, p)
		}
	}
}

// dispatchPCBEvent runs under a fresh acquisition of STACK_LOCK for
// each wake, draining readability/writability/acceptability until the
// endpoint reports ErrWouldBlock again.
func (f *Facade) dispatchPCBEvent(id registry.ConnID, p *pcb) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.closed {
		return
	}

	if p.listener {
		f.drainAcceptsLocked(id, p)
		return
	}

	f.drainReadsLocked(p)
	f.drainWritesLocked(p)
}

func (f *Facade) drainAcceptsLocked(id registry.ConnID, p *pcb) {
	for {
		ep, wq, err := p.ep.Accept()
		if err == tcpip.ErrWouldBlock {
			return
		}
		if err != nil {
			if p.cb.OnErr != nil {
				p.cb.OnErr(translateStackError(err))
			}
			return
		}
		childID := registry.NewConnID()
		child := &pcb{ep: ep, wq: wq, sndLimit: f.sndBufCap, doneCh: make(chan struct{})}
		f.pcbs[childID] = child
		go f.runPCB(childID, child)

		if p.cb.OnAccept != nil {
			p.cb.OnAccept(childID)
		}
	}
}

func (f *Facade) drainReadsLocked(p *pcb) {
	for {
		view, _, err := p.ep.Read(nil)
		if err == tcpip.ErrWouldBlock {
			return
		}
		if err == tcpip.ErrClosedForReceive {
			if p.cb.OnRecv != nil {
				p.cb.OnRecv(nil, true)
			}
			return
		}
		if err != nil {
			if p.cb.OnErr != nil {
				p.cb.OnErr(translateStackError(err))
			}
			return
		}
		if p.cb.OnRecv != nil {
			p.cb.OnRecv([]byte(view), false)
		}
	}
}

func (f *Facade) drainWritesLocked(p *pcb) {
	if p.connecting {
		p.connecting = false
		err := p.ep.GetSockOpt(tcpip.ErrorOption{})
		if p.cb.OnConnected != nil {
			if err != nil {
				p.cb.OnConnected(translateStackError(err))
			} else {
				p.cb.OnConnected(nil)
			}
		}
		return
	}

	// A writable wake means outstanding bytes have drained; reset the
	// counter and let the caller re-fill the window.
	if p.sndBuf > 0 {
		p.sndBuf = 0
		if p.cb.OnSent != nil {
			p.cb.OnSent()
		}
	}
}

// translateStackError maps a gvisor tcpip.Error onto the errno
// vocabulary of §4.G's nc_err table.
func translateStackError(err tcpip.Error) error {
	switch err {
	case tcpip.ErrNoBufferSpace:
		return errNoBuf
	case tcpip.ErrTimeout:
		return errTimedOut
	case tcpip.ErrNoRoute, tcpip.ErrNetworkUnreachable:
		return errNetUnreach
	case tcpip.ErrConnectStarted:
		return errInProgress
	case tcpip.ErrInvalidEndpointState, tcpip.ErrBadLocalAddress:
		return errInval
	case tcpip.ErrWouldBlock:
		return errWouldBlock
	case tcpip.ErrPortInUse:
		return errAddrInUse
	case tcpip.ErrAlreadyConnected, tcpip.ErrAlreadyConnecting:
		return errIsConn
	case tcpip.ErrConnectionRefused, tcpip.ErrConnectionAborted:
		return errConnRefused
	default:
		return fmt.Errorf("stack: %s", err)
	}
}
