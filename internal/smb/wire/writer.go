package wire

import (
	"encoding/binary"
	"fmt"
)

// Writer encodes little-endian fields into an append-grown buffer.
type Writer struct {
	buf []byte
	err error
}

// NewWriter returns a Writer with the given initial capacity.
func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

// Uint8 appends one byte.
func (w *Writer) Uint8(v uint8) {
	if w.err == nil {
		w.buf = append(w.buf, v)
	}
}

// Uint16 appends a little-endian 16-bit value.
func (w *Writer) Uint16(v uint16) {
	if w.err != nil {
		return
	}
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

// Uint32 appends a little-endian 32-bit value.
func (w *Writer) Uint32(v uint32) {
	if w.err != nil {
		return
	}
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

// Uint64 appends a little-endian 64-bit value.
func (w *Writer) Uint64(v uint64) {
	if w.err != nil {
		return
	}
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

// Bytes appends raw bytes.
func (w *Writer) Bytes(p []byte) {
	if w.err != nil {
		return
	}
	w.buf = append(w.buf, p...)
}

// Zeros appends n zero bytes.
func (w *Writer) Zeros(n int) {
	if w.err != nil || n <= 0 {
		return
	}
	w.buf = append(w.buf, make([]byte, n)...)
}

// Align pads with zero bytes to the next multiple of boundary.
// Compound chains and negotiate contexts require 8-byte alignment.
func (w *Writer) Align(boundary int) {
	if w.err != nil || boundary <= 0 {
		return
	}
	if rem := len(w.buf) % boundary; rem != 0 {
		w.buf = append(w.buf, make([]byte, boundary-rem)...)
	}
}

// PatchUint16 overwrites a previously written 16-bit field. Offsets such as
// SecurityBufferOffset are only known once the trailing payload is placed.
func (w *Writer) PatchUint16(offset int, v uint16) {
	if w.err != nil {
		return
	}
	if offset+2 > len(w.buf) {
		w.err = fmt.Errorf("wire: patch at %d beyond buffer of %d", offset, len(w.buf))
		return
	}
	binary.LittleEndian.PutUint16(w.buf[offset:], v)
}

// PatchUint32 overwrites a previously written 32-bit field.
func (w *Writer) PatchUint32(offset int, v uint32) {
	if w.err != nil {
		return
	}
	if offset+4 > len(w.buf) {
		w.err = fmt.Errorf("wire: patch at %d beyond buffer of %d", offset, len(w.buf))
		return
	}
	binary.LittleEndian.PutUint32(w.buf[offset:], v)
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return len(w.buf) }

// Out returns the accumulated buffer.
func (w *Writer) Out() []byte { return w.buf }

// Err returns the first error encountered, if any.
func (w *Writer) Err() error { return w.err }
