// Package pump moves bytes between a connection's client-facing
// stream (local_end) and the embedded stack, honoring flow control in
// both directions per §4.E: Pump.TX for client->stack, and the
// nc_recved/nc_sent stack callbacks for stack->client.
package pump

import (
	"errors"
	"io"
	"syscall"

	"github.com/nct-project/nct/internal/metrics"
	"github.com/nct-project/nct/internal/registry"
	"github.com/nct-project/nct/util"
)

// Stack is the subset of internal/netstack.Facade the pump needs. A
// narrow interface here keeps this package independent of gvisor.
type Stack interface {
	SndBufAvail(id registry.ConnID) int
	Write(id registry.ConnID, data []byte) (int, error)
}

// Notifier lets the pump toggle read readiness on a connection's
// local_end with the reactor, without importing internal/reactor
// (which itself depends on pump). internal/reactor implements this.
type Notifier interface {
	DisableRead(id registry.ConnID)
	EnableRead(id registry.ConnID)
}

// Pump wires a Stack and Notifier to the Connection Registry's TxBuf
// bookkeeping.
type Pump struct {
	stack    Stack
	notifier Notifier
	metrics  *metrics.Collector
	log      *util.Logger
	sndBufCap int
}

// New creates a Pump bounded by tcpSndBuf (TCP_SND_BUF, §4.E step 1).
func New(stack Stack, notifier Notifier, m *metrics.Collector, log *util.Logger, tcpSndBuf int) *Pump {
	return &Pump{stack: stack, notifier: notifier, metrics: m, log: log, sndBufCap: tcpSndBuf}
}

// TX implements pump_tx(conn): called from the reactor when
// conn.LocalEnd is readable. Must run under STACK_LOCK — the caller
// (reactor) is responsible for holding it, since this function also
// calls into Stack.Write, which assumes the lock.
func (p *Pump) TX(conn *registry.Connection) {
	if len(conn.TxBuf) >= p.sndBufCap {
		p.notifier.DisableRead(conn.ID)
		return
	}

	avail := p.stack.SndBufAvail(conn.ID) - len(conn.TxBuf)
	if avail <= 0 {
		p.notifier.DisableRead(conn.ID)
		return
	}

	readBufp := util.GetBuf()
	defer util.PutBuf(readBufp)
	readBuf := *readBufp
	if len(readBuf) > avail {
		readBuf = readBuf[:avail]
	}

	n, err := readFromLocalEnd(conn, readBuf)
	if n > 0 {
		conn.TxBuf = append(conn.TxBuf, readBuf[:n]...)
	}
	if err != nil && !errors.Is(err, syscall.EAGAIN) {
		if p.log != nil {
			p.log.Debug("pump_tx: conn=%d read local_end: %v", conn.ID, err)
		}
	}
	if len(conn.TxBuf) == 0 {
		return
	}

	written, werr := p.stack.Write(conn.ID, conn.TxBuf)
	if werr != nil {
		if p.log != nil {
			p.log.Warn("pump_tx: conn=%d stack write failed: %v", conn.ID, werr)
		}
		return
	}
	if written > 0 {
		conn.TxBuf = append(conn.TxBuf[:0], conn.TxBuf[written:]...)
		p.metrics.BytesClientToStack(int64(written))
	}
}

func readFromLocalEnd(conn *registry.Connection, buf []byte) (int, error) {
	n, err := conn.LocalEnd.Read(buf)
	if err == io.EOF {
		return n, nil
	}
	return n, err
}

// Recv implements the nc_recved callback: stack->client. data is nil
// on remote close, which the caller translates into Close(conn). On a
// short write the remainder is dropped and logged — the Open Question
// of §9(b), resolved toward drop-and-log to preserve observed
// semantics.
func (p *Pump) Recv(conn *registry.Connection, data []byte, eof bool) bool {
	if eof {
		return false
	}
	if len(data) == 0 {
		return true
	}
	n, err := conn.LocalEnd.Write(data)
	if n > 0 {
		p.metrics.BytesStackToClient(int64(n))
	}
	if err != nil && p.log != nil {
		p.log.Warn("nc_recved: conn=%d short write (%d/%d): %v", conn.ID, n, len(data), err)
	}
	return true
}

// Sent implements nc_sent: re-enables read notifications on local_end
// so any client bytes queued while the stack's window was closed get
// pumped again.
func (p *Pump) Sent(conn *registry.Connection) {
	p.notifier.EnableRead(conn.ID)
}
