// Package bufpool provides a tiered buffer pool for message I/O.
//
// Receive and transmit paths churn through short-lived byte slices, one
// per framed message. Pooling them in three size classes keeps the hot
// path allocation-free: a control tier for headers and small bodies, a
// payload tier for typical read/write chunks, and a frame tier large
// enough for a maximum-length NetBIOS frame. Requests beyond the frame
// tier are allocated directly and never pooled.
//
// All operations are safe for concurrent use.
package bufpool

import (
	"sync"
)

// Default size classes.
const (
	// DefaultControlSize covers headers and control message bodies (4KB).
	DefaultControlSize = 4 << 10

	// DefaultPayloadSize covers typical data transfer chunks (64KB).
	DefaultPayloadSize = 64 << 10

	// DefaultFrameSize holds a maximum-length framed message: the
	// 17-bit NetBIOS trailer plus its 4-byte frame header, rounded up.
	DefaultFrameSize = 132 << 10
)

// Pool manages byte slices organized by size class.
type Pool struct {
	control     sync.Pool
	payload     sync.Pool
	frame       sync.Pool
	controlSize int
	payloadSize int
	frameSize   int
}

// Config overrides the pool size classes. Zero values take the defaults.
type Config struct {
	ControlSize int
	PayloadSize int
	FrameSize   int
}

// NewPool creates a buffer pool. A nil config uses the default tiers.
func NewPool(cfg *Config) *Pool {
	if cfg == nil {
		cfg = &Config{}
	}
	p := &Pool{
		controlSize: cfg.ControlSize,
		payloadSize: cfg.PayloadSize,
		frameSize:   cfg.FrameSize,
	}
	if p.controlSize <= 0 {
		p.controlSize = DefaultControlSize
	}
	if p.payloadSize <= 0 {
		p.payloadSize = DefaultPayloadSize
	}
	if p.frameSize <= 0 {
		p.frameSize = DefaultFrameSize
	}

	p.control.New = func() any {
		buf := make([]byte, p.controlSize)
		return &buf
	}
	p.payload.New = func() any {
		buf := make([]byte, p.payloadSize)
		return &buf
	}
	p.frame.New = func() any {
		buf := make([]byte, p.frameSize)
		return &buf
	}
	return p
}

// Get returns a slice of exactly the requested length, backed by a pooled
// buffer whose capacity may be larger. The caller must hand it back with
// Put. Sizes beyond the frame tier are allocated directly.
func (p *Pool) Get(size int) []byte {
	var bufPtr *[]byte
	switch {
	case size <= p.controlSize:
		bufPtr = p.control.Get().(*[]byte)
	case size <= p.payloadSize:
		bufPtr = p.payload.Get().(*[]byte)
	case size <= p.frameSize:
		bufPtr = p.frame.Get().(*[]byte)
	default:
		return make([]byte, size)
	}
	return (*bufPtr)[:size]
}

// Put returns a buffer obtained from Get. Buffers whose capacity does not
// match a size class fall through to the garbage collector.
func (p *Pool) Put(buf []byte) {
	if buf == nil {
		return
	}
	full := buf[:cap(buf)]
	switch cap(buf) {
	case p.controlSize:
		p.control.Put(&full)
	case p.payloadSize:
		p.payload.Put(&full)
	case p.frameSize:
		p.frame.Put(&full)
	}
}

var globalPool = NewPool(nil)

// Get returns a slice from the package-level pool.
func Get(size int) []byte {
	return globalPool.Get(size)
}

// Put returns a slice to the package-level pool.
func Put(buf []byte) {
	globalPool.Put(buf)
}

// GetUint32 accepts the uint32 sizes wire formats carry.
func GetUint32(size uint32) []byte {
	return globalPool.Get(int(size))
}
