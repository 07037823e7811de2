// Package wire provides cursor-style readers and writers for the little-endian
// fixed-width field layout used by every SMB2 structure.
//
// Both types accumulate the first error and turn subsequent operations into
// no-ops, so a decoder can be written as a straight-line sequence of reads
// followed by a single Err check.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrShortBuffer is returned when a read runs past the end of the input.
var ErrShortBuffer = errors.New("wire: short buffer")

// ErrValueMismatch is returned by Expect helpers when a fixed field carries
// an unexpected value.
var ErrValueMismatch = errors.New("wire: value mismatch")

// Reader decodes little-endian fields sequentially from a byte slice.
type Reader struct {
	buf []byte
	off int
	err error
}

// NewReader returns a Reader positioned at the start of buf.
// The Reader does not copy buf; ReadBytes copies out of it.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

func (r *Reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.off+n > len(r.buf) {
		r.err = fmt.Errorf("%w: %d bytes at offset %d, %d available",
			ErrShortBuffer, n, r.off, len(r.buf)-r.off)
		return false
	}
	return true
}

// Uint8 reads one byte.
func (r *Reader) Uint8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

// Uint16 reads a little-endian 16-bit value.
func (r *Reader) Uint16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

// Uint32 reads a little-endian 32-bit value.
func (r *Reader) Uint32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

// Uint64 reads a little-endian 64-bit value.
func (r *Reader) Uint64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

// Bytes reads n bytes into a fresh slice.
func (r *Reader) Bytes(n int) []byte {
	if n < 0 {
		r.fail(fmt.Errorf("%w: negative length %d", ErrShortBuffer, n))
		return nil
	}
	if !r.need(n) {
		return nil
	}
	out := make([]byte, n)
	copy(out, r.buf[r.off:])
	r.off += n
	return out
}

// Skip advances past n bytes without decoding them.
func (r *Reader) Skip(n int) {
	if r.need(n) {
		r.off += n
	}
}

// ExpectUint16 reads a 16-bit value and fails the Reader when it differs
// from want. Used for StructureSize fields, which the protocol pins.
func (r *Reader) ExpectUint16(want uint16) {
	at := r.off
	got := r.Uint16()
	if r.err == nil && got != want {
		r.fail(fmt.Errorf("%w: expected 0x%04X at offset %d, got 0x%04X",
			ErrValueMismatch, want, at, got))
	}
}

// Offset returns the current decode position.
func (r *Reader) Offset() int { return r.off }

// Remaining returns the number of undecoded bytes.
func (r *Reader) Remaining() int {
	if r.off > len(r.buf) {
		return 0
	}
	return len(r.buf) - r.off
}

// Err returns the first error encountered, if any.
func (r *Reader) Err() error { return r.err }

func (r *Reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}
