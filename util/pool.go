package util

import "sync"

// DefaultBufSize is the standard buffer size for the data pump's
// client<->stack copy loops (32 KiB).
const DefaultBufSize = 32 * 1024

// FrameBufSize bounds a pooled Ethernet frame buffer: a generous MTU
// (9000, covering jumbo frames) plus room for the synthesized header.
const FrameBufSize = 9014

// BufPool provides reusable byte buffers for the data pump, reducing
// GC pressure on the client<->stack hot path.
var BufPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, DefaultBufSize)
		return &buf
	},
}

// FramePool provides reusable buffers for Ethernet frame assembly in
// the Frame Bridge. Kept separate from BufPool because frame buffers
// are sized and shaped differently (header + payload) and exhaustion
// of one must not starve the other.
var FramePool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, FrameBufSize)
		return &buf
	},
}

// GetBuf retrieves a pump buffer from the pool. Callers must return it
// with [PutBuf] when finished.
func GetBuf() *[]byte {
	return BufPool.Get().(*[]byte)
}

// PutBuf returns a pump buffer to the pool for reuse.
func PutBuf(buf *[]byte) {
	if buf == nil {
		return
	}
	BufPool.Put(buf)
}

// GetFrame retrieves a frame buffer from the pool.
func GetFrame() *[]byte {
	return FramePool.Get().(*[]byte)
}

// PutFrame returns a frame buffer to the pool for reuse.
func PutFrame(buf *[]byte) {
	if buf == nil {
		return
	}
	FramePool.Put(buf)
}
