package netstack

import (
	"context"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/buffer"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/stack"

	"github.com/nct-project/nct/util"
)

// PutFrame is the Frame Bridge's ingress path: it synthesizes an
// Ethernet header in front of payload, borrows a buffer from
// util.FramePool, and hands the frame to the stack under STACK_LOCK.
// A frame too large for a pooled buffer is dropped: the frame-dropped
// counter is incremented and the call returns without touching the
// stack.
func (f *Facade) PutFrame(srcMAC, dstMAC tcpip.LinkAddress, ethertype tcpip.NetworkProtocolNumber, payload []byte) {
	bufp := util.GetFrame()
	frame := (*bufp)[:0]
	total := header.EthernetMinimumSize + len(payload)
	if cap(frame) < total {
		util.PutFrame(bufp)
		f.metrics.FrameDropped()
		return
	}
	frame = frame[:total]
	header.Ethernet(frame[:header.EthernetMinimumSize]).Encode(&header.EthernetFields{
		SrcAddr: srcMAC,
		DstAddr: dstMAC,
		Type:    ethertype,
	})
	copy(frame[header.EthernetMinimumSize:], payload)

	f.mu.Lock()
	f.InputFrame(frame)
	f.mu.Unlock()

	util.PutFrame(bufp)
	f.metrics.FrameReceived()
}

// toVectorisedView wraps a payload slice for InjectInbound without an
// extra copy; the caller (InputFrame) owns frame for the duration of
// the call only, which matches how PutFrame uses a pooled buffer.
func toVectorisedView(payload []byte) buffer.VectorisedView {
	return buffer.NewVectorisedView(len(payload), []buffer.View{buffer.NewViewFromBytes(payload)})
}

// RunLinkOut drains the NIC's outbound queue and calls the overlay's
// Ethernet handler for each frame, until ctx is canceled. Grounded on
// tailscale-tailscale__netstack.go's injectOutbound loop: a single
// goroutine blocked on channel.Endpoint.ReadContext.
func (f *Facade) RunLinkOut(ctx context.Context) {
	for {
		info, ok := f.linkEP.ReadContext(ctx)
		if !ok {
			return
		}
		f.emitFrame(info.Pkt, info.Proto)
	}
}

func (f *Facade) emitFrame(pkt *stack.PacketBuffer, proto tcpip.NetworkProtocolNumber) {
	if f.onLinkOut == nil {
		return
	}
	size := 0
	for _, v := range pkt.Views() {
		size += len(v)
	}
	frame := make([]byte, 0, size)
	for _, v := range pkt.Views() {
		frame = append(frame, v...)
	}
	f.onLinkOut(frame)
	f.metrics.FrameSent()
}
