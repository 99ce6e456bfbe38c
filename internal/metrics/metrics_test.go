package metrics

import (
	"encoding/json"
	"testing"
)

func TestCollector_Connections(t *testing.T) {
	c := New()

	c.ConnectionOpened()
	c.ConnectionOpened()
	if c.ActiveConnections() != 2 {
		t.Errorf("active = %d, want 2", c.ActiveConnections())
	}
	if c.TotalConnections() != 2 {
		t.Errorf("total = %d, want 2", c.TotalConnections())
	}

	c.ConnectionClosed()
	if c.ActiveConnections() != 1 {
		t.Errorf("active = %d, want 1", c.ActiveConnections())
	}
	if c.TotalConnections() != 2 {
		t.Errorf("total should remain 2, got %d", c.TotalConnections())
	}
}

func TestCollector_PumpBytes(t *testing.T) {
	c := New()

	c.BytesClientToStack(1024)
	c.BytesStackToClient(512)
	c.BytesClientToStack(100)

	if c.TotalBytesClientToStack() != 1124 {
		t.Errorf("client->stack = %d, want 1124", c.TotalBytesClientToStack())
	}
	if c.TotalBytesStackToClient() != 512 {
		t.Errorf("stack->client = %d, want 512", c.TotalBytesStackToClient())
	}
}

func TestCollector_Frames(t *testing.T) {
	c := New()
	c.FrameReceived()
	c.FrameReceived()
	c.FrameSent()
	c.FrameDropped()

	snap := c.Snapshot()
	if snap.FramesIn != 2 {
		t.Errorf("frames in = %d, want 2", snap.FramesIn)
	}
	if snap.FramesOut != 1 {
		t.Errorf("frames out = %d, want 1", snap.FramesOut)
	}
	if snap.FramesDropped != 1 {
		t.Errorf("frames dropped = %d, want 1", snap.FramesDropped)
	}
}

func TestCollector_LifecycleCounters(t *testing.T) {
	c := New()
	c.MapDuplicateResolved()
	c.RPCError()
	c.RPCError()

	snap := c.Snapshot()
	if snap.MapDuplicates != 1 {
		t.Errorf("map duplicates = %d, want 1", snap.MapDuplicates)
	}
	if snap.RPCErrors != 2 {
		t.Errorf("rpc errors = %d, want 2", snap.RPCErrors)
	}
}

func TestCollector_TunnelReconnects(t *testing.T) {
	c := New()

	c.TunnelReconnect()
	c.TunnelReconnect()
	c.TunnelReconnect()

	if c.TunnelReconnects() != 3 {
		t.Errorf("reconnects = %d, want 3", c.TunnelReconnects())
	}
}

func TestCollector_Errors(t *testing.T) {
	c := New()

	c.RecordError("first error")
	c.RecordError("second error")

	if c.ErrorCount() != 2 {
		t.Errorf("errors = %d, want 2", c.ErrorCount())
	}
}

func TestCollector_HealthCheck(t *testing.T) {
	c := New()
	c.RecordHealthCheck()

	snap := c.Snapshot()
	if snap.LastHealthCheck == "" {
		t.Error("expected non-empty health check timestamp")
	}
}

func TestCollector_Snapshot(t *testing.T) {
	c := New()
	c.ConnectionOpened()
	c.BytesClientToStack(100)
	c.BytesStackToClient(50)
	c.RecordError("test")

	snap := c.Snapshot()
	if snap.ConnectionsActive != 1 {
		t.Errorf("snap active = %d", snap.ConnectionsActive)
	}
	if snap.BytesClientToStack != 100 {
		t.Errorf("snap bytes client->stack = %d", snap.BytesClientToStack)
	}
	if snap.ErrorsTotal != 1 {
		t.Errorf("snap errors = %d", snap.ErrorsTotal)
	}
	if snap.LastErrorMessage != "test" {
		t.Errorf("snap error msg = %q", snap.LastErrorMessage)
	}
}

func TestCollector_JSON(t *testing.T) {
	c := New()
	c.ConnectionOpened()
	c.BytesStackToClient(42)

	raw := c.JSON()
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		t.Fatalf("JSON parse error: %v", err)
	}
	if snap.ConnectionsActive != 1 {
		t.Errorf("JSON active = %d", snap.ConnectionsActive)
	}
	if snap.BytesStackToClient != 42 {
		t.Errorf("JSON bytes stack->client = %d", snap.BytesStackToClient)
	}
}

func TestNilCollector_NoOps(t *testing.T) {
	var c *Collector

	c.ConnectionOpened()
	c.ConnectionClosed()
	c.BytesClientToStack(100)
	c.BytesStackToClient(100)
	c.FrameReceived()
	c.FrameDropped()
	c.MapDuplicateResolved()
	c.RPCError()
	c.TunnelReconnect()
	c.RecordError("test")
	c.RecordHealthCheck()

	if c.ActiveConnections() != 0 {
		t.Error("nil collector should return 0")
	}
	if c.TotalBytesClientToStack() != 0 {
		t.Error("nil collector should return 0")
	}
	if c.ErrorCount() != 0 {
		t.Error("nil collector should return 0")
	}

	snap := c.Snapshot()
	if snap.ConnectionsActive != 0 {
		t.Error("nil snapshot should be zero")
	}

	j := c.JSON()
	if j == "" {
		t.Error("nil JSON should return valid JSON")
	}
}
