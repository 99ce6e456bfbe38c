package metrics

import "testing"

// BenchmarkCollector_ConnectionOpen measures the overhead of recording
// a connection open event (atomic operations).
func BenchmarkCollector_ConnectionOpen(b *testing.B) {
	c := New()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.ConnectionOpened()
	}
}

// BenchmarkCollector_BytesClientToStack measures byte-counter overhead
// on the pump_tx hot path.
func BenchmarkCollector_BytesClientToStack(b *testing.B) {
	c := New()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.BytesClientToStack(32768)
	}
}

// BenchmarkCollector_Snapshot measures the cost of taking a snapshot.
func BenchmarkCollector_Snapshot(b *testing.B) {
	c := New()
	c.ConnectionOpened()
	c.BytesClientToStack(1024)
	c.RecordError("test")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = c.Snapshot()
	}
}

// BenchmarkCollector_JSON measures JSON export overhead (the path the
// diagnostics server hits on every /status request).
func BenchmarkCollector_JSON(b *testing.B) {
	c := New()
	c.ConnectionOpened()
	c.BytesClientToStack(1024)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = c.JSON()
	}
}

// BenchmarkNilCollector verifies nil-safe no-ops have zero overhead.
func BenchmarkNilCollector(b *testing.B) {
	var c *Collector
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.ConnectionOpened()
		c.BytesClientToStack(32768)
		c.RecordError("test")
	}
}
