// Package metrics provides lightweight, lock-free counters and gauges
// for tracking the runtime statistics of a running daemon.
//
// All methods are safe for concurrent use. A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check — the
// pump and the Frame Bridge call into it from hot paths without
// branching.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks runtime metrics for a daemon instance.
// A nil Collector is safe to use — all methods become no-ops.
type Collector struct {
	connectionsActive atomic.Int64
	connectionsTotal  atomic.Int64

	bytesClientToStack atomic.Int64
	bytesStackToClient atomic.Int64

	framesIn      atomic.Int64
	framesOut     atomic.Int64
	framesDropped atomic.Int64

	mapDuplicates atomic.Int64
	rpcErrors     atomic.Int64

	tunnelReconnects atomic.Int64
	errorsTotal      atomic.Int64

	mu              sync.RWMutex
	startTime       time.Time
	lastHealthCheck time.Time
	lastError       time.Time
	lastErrorMsg    string
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// ── Connection metrics ───────────────────────────────────────────────

// ConnectionOpened increments both the active and total counters.
func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.connectionsActive.Add(1)
	c.connectionsTotal.Add(1)
}

// ConnectionClosed decrements the active connection counter.
func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.connectionsActive.Add(-1)
}

// ActiveConnections returns the current number of open connections.
func (c *Collector) ActiveConnections() int64 {
	if c == nil {
		return 0
	}
	return c.connectionsActive.Load()
}

// TotalConnections returns the lifetime connection count.
func (c *Collector) TotalConnections() int64 {
	if c == nil {
		return 0
	}
	return c.connectionsTotal.Load()
}

// ── Pump byte metrics ────────────────────────────────────────────────

// BytesClientToStack records n bytes pumped from a client's local_end
// into the stack (pump_tx).
func (c *Collector) BytesClientToStack(n int64) {
	if c == nil {
		return
	}
	c.bytesClientToStack.Add(n)
}

// BytesStackToClient records n bytes delivered by nc_recved to a
// client's local_end.
func (c *Collector) BytesStackToClient(n int64) {
	if c == nil {
		return
	}
	c.bytesStackToClient.Add(n)
}

// TotalBytesClientToStack returns the lifetime client->stack byte count.
func (c *Collector) TotalBytesClientToStack() int64 {
	if c == nil {
		return 0
	}
	return c.bytesClientToStack.Load()
}

// TotalBytesStackToClient returns the lifetime stack->client byte count.
func (c *Collector) TotalBytesStackToClient() int64 {
	if c == nil {
		return 0
	}
	return c.bytesStackToClient.Load()
}

// ── Frame Bridge metrics ─────────────────────────────────────────────

// FrameReceived records one inbound overlay frame accepted by put_frame.
func (c *Collector) FrameReceived() {
	if c == nil {
		return
	}
	c.framesIn.Add(1)
}

// FrameSent records one outbound frame produced by link_out.
func (c *Collector) FrameSent() {
	if c == nil {
		return
	}
	c.framesOut.Add(1)
}

// FrameDropped records an inbound frame dropped because it did not fit
// a pooled frame buffer.
func (c *Collector) FrameDropped() {
	if c == nil {
		return
	}
	c.framesDropped.Add(1)
}

// ── Lifecycle metrics ────────────────────────────────────────────────

// MapDuplicateResolved records a RPC_MAP duplicate peer_fd resolution
// (§4.G). These are expected under client races and not errors on
// their own, but worth tracking.
func (c *Collector) MapDuplicateResolved() {
	if c == nil {
		return
	}
	c.mapDuplicates.Add(1)
}

// RPCError records a client-protocol error (bucket 1 of the error
// taxonomy): malformed opcode or unknown sockfd.
func (c *Collector) RPCError() {
	if c == nil {
		return
	}
	c.rpcErrors.Add(1)
}

// ── Tunnel metrics ───────────────────────────────────────────────────

// TunnelReconnect records a diagnostics tunnel reconnection event.
func (c *Collector) TunnelReconnect() {
	if c == nil {
		return
	}
	c.tunnelReconnects.Add(1)
}

// TunnelReconnects returns the total tunnel reconnection count.
func (c *Collector) TunnelReconnects() int64 {
	if c == nil {
		return 0
	}
	return c.tunnelReconnects.Load()
}

// ── Error metrics ────────────────────────────────────────────────────

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Health ───────────────────────────────────────────────────────────

// RecordHealthCheck updates the last health check timestamp.
func (c *Collector) RecordHealthCheck() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.lastHealthCheck = time.Now()
	c.mu.Unlock()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime             string `json:"uptime"`
	ConnectionsActive  int64  `json:"connections_active"`
	ConnectionsTotal   int64  `json:"connections_total"`
	BytesClientToStack int64  `json:"bytes_client_to_stack"`
	BytesStackToClient int64  `json:"bytes_stack_to_client"`
	FramesIn           int64  `json:"frames_in"`
	FramesOut          int64  `json:"frames_out"`
	FramesDropped      int64  `json:"frames_dropped"`
	MapDuplicates      int64  `json:"map_duplicates"`
	RPCErrors          int64  `json:"rpc_errors"`
	TunnelReconnects   int64  `json:"tunnel_reconnects"`
	ErrorsTotal        int64  `json:"errors_total"`
	LastHealthCheck    string `json:"last_health_check,omitempty"`
	LastError          string `json:"last_error,omitempty"`
	LastErrorMessage   string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:             time.Since(c.startTime).Truncate(time.Second).String(),
		ConnectionsActive:  c.connectionsActive.Load(),
		ConnectionsTotal:   c.connectionsTotal.Load(),
		BytesClientToStack: c.bytesClientToStack.Load(),
		BytesStackToClient: c.bytesStackToClient.Load(),
		FramesIn:           c.framesIn.Load(),
		FramesOut:          c.framesOut.Load(),
		FramesDropped:      c.framesDropped.Load(),
		MapDuplicates:      c.mapDuplicates.Load(),
		RPCErrors:          c.rpcErrors.Load(),
		TunnelReconnects:   c.tunnelReconnects.Load(),
		ErrorsTotal:        c.errorsTotal.Load(),
	}
	if !c.lastHealthCheck.IsZero() {
		s.LastHealthCheck = c.lastHealthCheck.Format(time.RFC3339)
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string. Consumed
// directly by internal/diagserver's status endpoint.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}
