// Package netstack wraps gvisor's userspace TCP/IP stack behind the
// lwIP-flavored callback API the rest of the daemon is written against:
// one global lock, a handful of connection operations, and callback
// binders invoked with that lock already held.
//
// gvisor's tcpip.Endpoint exposes Read/Write plus a waiter.Queue, not
// callbacks. Facade is the adapter: every pcb gets a background
// goroutine that blocks on a waiter.ChannelEntry and, on wake, invokes
// whichever callback is registered while holding mu — reproducing the
// "callbacks run with the lock already held" contract on top of a
// library that doesn't provide it natively.
package netstack

import (
	"fmt"
	"sync"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/waiter"

	nctErrors "github.com/nct-project/nct/internal/errors"
	"github.com/nct-project/nct/internal/metrics"
	"github.com/nct-project/nct/internal/registry"
	"github.com/nct-project/nct/util"
)

const nicID tcpip.NICID = 1

// outboundQueueLen bounds how many egress frames channel.Endpoint will
// hold before link_out drains them.
const outboundQueueLen = 512

// Callbacks groups the per-connection handlers a caller installs
// through OnAccept/OnRecv/OnSent/OnErr/OnConnected. Any field left nil
// is simply not invoked.
type Callbacks struct {
	OnAccept    func(child registry.ConnID)
	OnRecv      func(data []byte, eof bool)
	OnSent      func()
	OnErr       func(err error)
	OnConnected func(err error)
	OnPoll      func()
}

// pcb is the Facade's private bookkeeping for one connection block:
// the gvisor endpoint, its wait queue, the installed callbacks, and
// the outstanding-write counter that stands in for lwIP's pcb.snd_buf.
type pcb struct {
	ep       tcpip.Endpoint
	wq       *waiter.Queue
	listener bool

	// connecting is true between a Connect call that returned
	// ErrConnectStarted and the first writable wake, which reports the
	// outcome via GetSockOpt(tcpip.ErrorOption{}) and fires OnConnected.
	connecting bool

	cb Callbacks

	sndBuf   int // bytes written but not yet acknowledged writable
	sndLimit int

	doneCh chan struct{}
	closed bool
}

// Facade is the stack singleton described by Design Note 9: one
// process-wide instance, constructed at startup and torn down at
// shutdown. mu is STACK_LOCK — every operation below, and every
// callback invocation, runs with it held.
type Facade struct {
	mu sync.Mutex

	stack  *stack.Stack
	linkEP *channel.Endpoint

	pcbs map[registry.ConnID]*pcb

	ifaceAddr tcpip.Address
	sndBufCap int
	pollEvery time.Duration

	log     *util.Logger
	metrics *metrics.Collector

	onLinkOut func(frame []byte)
}

// Options configures NewFacade.
type Options struct {
	IfaceIP   string
	IfaceMask string
	Gateway   string
	MAC       string
	MTU       int
	SndBufCap int

	// ApplicationPollFreq is the application poll period in
	// half-seconds, per §6's Constants, driving OnPoll callbacks on
	// every live pcb. Zero defaults to the teacher's original 500ms.
	ApplicationPollFreq int

	Log     *util.Logger
	Metrics *metrics.Collector

	// OnLinkOut is the overlay's outbound Ethernet handler, called by
	// the Frame Bridge's link_out loop for every frame the stack emits.
	OnLinkOut func(frame []byte)
}

// NewFacade initializes the embedded stack and installs the virtual
// interface (netif_add): one NIC backed by a channel.Endpoint, IPv4
// and ARP network protocols, TCP transport, and a default route
// through the interface. Returns ErrStackLoadFailed instead of
// panicking on any failure, per Design Note 9's fallible-constructor
// requirement.
func NewFacade(opts Options) (*Facade, error) {
	mac, err := util.ParseMAC(opts.MAC)
	if err != nil {
		return nil, fmt.Errorf("%w: mac: %v", nctErrors.ErrStackLoadFailed, err)
	}
	ip, err := util.ParseIPv4(opts.IfaceIP)
	if err != nil {
		return nil, fmt.Errorf("%w: addr: %v", nctErrors.ErrStackLoadFailed, err)
	}
	mask, err := util.ParseIPv4(opts.IfaceMask)
	if err != nil {
		return nil, fmt.Errorf("%w: netmask: %v", nctErrors.ErrStackLoadFailed, err)
	}

	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol},
	})

	linkEP := channel.New(outboundQueueLen, uint32(opts.MTU), tcpip.LinkAddress(mac))
	if tcpErr := s.CreateNIC(nicID, linkEP); tcpErr != nil {
		return nil, fmt.Errorf("%w: create nic: %s", nctErrors.ErrStackLoadFailed, tcpErr)
	}

	addr := tcpip.Address(ip.To4())
	prefixLen, _ := netMaskBits(mask)
	protoAddr := tcpip.ProtocolAddress{
		Protocol:          ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{Address: addr, PrefixLen: prefixLen},
	}
	if tcpErr := s.AddProtocolAddress(nicID, protoAddr); tcpErr != nil {
		return nil, fmt.Errorf("%w: add address: %s", nctErrors.ErrStackLoadFailed, tcpErr)
	}

	subnet, _ := tcpip.NewSubnet(tcpip.Address(make([]byte, len(addr))), tcpip.AddressMask(make([]byte, len(addr))))
	route := tcpip.Route{Destination: subnet, NIC: nicID}
	if opts.Gateway != "" {
		gw, err := util.ParseIPv4(opts.Gateway)
		if err != nil {
			return nil, fmt.Errorf("%w: gateway: %v", nctErrors.ErrStackLoadFailed, err)
		}
		route.Gateway = tcpip.Address(gw.To4())
	}
	s.SetRouteTable([]tcpip.Route{route})

	pollEvery := 500 * time.Millisecond
	if opts.ApplicationPollFreq > 0 {
		pollEvery = time.Duration(opts.ApplicationPollFreq) * 500 * time.Millisecond
	}

	f := &Facade{
		stack:     s,
		linkEP:    linkEP,
		pcbs:      make(map[registry.ConnID]*pcb),
		ifaceAddr: addr,
		sndBufCap: opts.SndBufCap,
		pollEvery: pollEvery,
		log:       opts.Log,
		metrics:   opts.Metrics,
		onLinkOut: opts.OnLinkOut,
	}
	return f, nil
}

// netMaskBits converts a dotted-quad netmask into a CIDR prefix length.
func netMaskBits(mask []byte) (int, error) {
	n := 0
	for _, b := range mask {
		for b != 0 {
			n += int(b & 1)
			b >>= 1
		}
	}
	return n, nil
}

// TickTCP is called at least every TCP_TICK_MS, with STACK_LOCK
// already held by the caller (the reactor takes it around each tick).
// gvisor drives its own TCP retransmission timers internally, so this
// does no work. Preserved as an explicit method because the reactor's
// contract (§4.F) calls it unconditionally regardless of what the
// wrapped library needs.
func (f *Facade) TickTCP() {
	// Nothing to drive; gvisor's retransmission timers are internal.
}

// TickArp is the ARP-period counterpart to TickTCP, kept for the same
// reason: gvisor's ARP/NDP resolution is internal to the stack. It is
// also called with STACK_LOCK already held and does no work.
func (f *Facade) TickArp() {
}

// InputFrame enqueues an Ethernet frame for the stack to consume. It
// must be called with STACK_LOCK held by the caller (the Frame
// Bridge's put_frame does this).
func (f *Facade) InputFrame(frame []byte) {
	if len(frame) < header.EthernetMinimumSize {
		return
	}
	eth := header.Ethernet(frame)
	proto := eth.Type()
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Data: toVectorisedView(frame[header.EthernetMinimumSize:]),
	})
	f.linkEP.InjectInbound(proto, pkt)
}

// LinkEndpoint exposes the channel endpoint for the Frame Bridge's
// link_out loop.
func (f *Facade) LinkEndpoint() *channel.Endpoint { return f.linkEP }

// Lock/Unlock expose STACK_LOCK directly to callers (the reactor's
// tick/pump_tx call sites) that need to group several Facade calls
// under one critical section.
func (f *Facade) Lock()   { f.mu.Lock() }
func (f *Facade) Unlock() { f.mu.Unlock() }

// Close tears down the stack singleton. Forbidden to call more than
// once per process, per Design Note 9.
func (f *Facade) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, p := range f.pcbs {
		f.closePCBLocked(id, p)
	}
	f.linkEP.Close()
	f.stack.Close()
}
