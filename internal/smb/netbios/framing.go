// Package netbios implements the NetBIOS-over-TCP session service that
// frames every SMB2 message on the wire.
//
// Each frame is a 4-byte header followed by the payload: one type byte and a
// 24-bit big-endian length. Established sessions use only SESSION MESSAGE
// (0x00) and SESSION KEEPALIVE (0x85) frames; the remaining frame types
// belong to session establishment on port 139 and are handled by the
// functions in session.go.
//
// [RFC 1002] Section 4.3
package netbios

import (
	"errors"
	"fmt"
)

// Frame type bytes. [RFC 1002] 4.3.1
const (
	TypeSessionMessage   = 0x00
	TypeSessionRequest   = 0x81
	TypePositiveResponse = 0x82
	TypeNegativeResponse = 0x83
	TypeRetargetResponse = 0x84
	TypeSessionKeepalive = 0x85
)

// HeaderSize is the length of the session service frame header.
const HeaderSize = 4

// MaxPayloadSize is the largest payload the 24-bit length field can carry.
// Deployments usually configure a smaller bound; this is the wire ceiling.
const MaxPayloadSize = 1<<24 - 1

// ErrFraming is the sentinel wrapped by every transport framing failure.
// Framing errors are connection-fatal: once the stream is out of sync there
// is no safe way to re-interpret it.
var ErrFraming = errors.New("netbios: framing error")

// ErrFrameTooLarge is returned when a frame declares a length beyond the
// configured maximum. Guards against memory exhaustion by a hostile peer.
var ErrFrameTooLarge = fmt.Errorf("%w: frame too large", ErrFraming)

// Frame wraps payload in a session message header. The payload length must
// not exceed maxLen (or MaxPayloadSize when maxLen is zero).
func Frame(payload []byte, maxLen int) ([]byte, error) {
	if maxLen <= 0 || maxLen > MaxPayloadSize {
		maxLen = MaxPayloadSize
	}
	if len(payload) > maxLen {
		return nil, fmt.Errorf("%w: %d bytes, max %d", ErrFrameTooLarge, len(payload), maxLen)
	}

	out := make([]byte, HeaderSize+len(payload))
	out[0] = TypeSessionMessage
	out[1] = byte(len(payload) >> 16)
	out[2] = byte(len(payload) >> 8)
	out[3] = byte(len(payload))
	copy(out[HeaderSize:], payload)
	return out, nil
}

// Keepalive returns a session keepalive frame.
func Keepalive() []byte {
	return []byte{TypeSessionKeepalive, 0, 0, 0}
}

// Assembler reassembles complete session message payloads from an arbitrary
// incoming byte stream. It buffers partial frames between calls and never
// blocks; waiting for more bytes is the transport's job.
//
// Keepalive frames are consumed silently. Any other frame type inside an
// established stream fails the Assembler permanently.
type Assembler struct {
	maxLen  int
	pending []byte
	err     error
}

// NewAssembler returns an Assembler enforcing the given maximum payload
// length (MaxPayloadSize when maxLen is zero or out of range).
func NewAssembler(maxLen int) *Assembler {
	if maxLen <= 0 || maxLen > MaxPayloadSize {
		maxLen = MaxPayloadSize
	}
	return &Assembler{maxLen: maxLen}
}

// Feed appends chunk to the internal buffer and returns every payload whose
// frame is now complete, in stream order. A short or empty chunk is fine;
// Feed simply returns no payloads until enough bytes arrive.
//
// After an error the Assembler is poisoned and every later call returns the
// same error: the stream position is no longer trustworthy.
func (a *Assembler) Feed(chunk []byte) ([][]byte, error) {
	if a.err != nil {
		return nil, a.err
	}
	a.pending = append(a.pending, chunk...)

	var payloads [][]byte
	for len(a.pending) >= HeaderSize {
		frameType := a.pending[0]
		declared := int(a.pending[1])<<16 | int(a.pending[2])<<8 | int(a.pending[3])

		switch frameType {
		case TypeSessionKeepalive:
			if declared != 0 {
				a.err = fmt.Errorf("%w: keepalive with length %d", ErrFraming, declared)
				return nil, a.err
			}
			a.pending = a.pending[HeaderSize:]
			continue
		case TypeSessionMessage:
			// handled below
		default:
			a.err = fmt.Errorf("%w: unexpected frame type 0x%02X", ErrFraming, frameType)
			return nil, a.err
		}

		if declared > a.maxLen {
			a.err = fmt.Errorf("%w: declared %d bytes, max %d", ErrFrameTooLarge, declared, a.maxLen)
			return nil, a.err
		}
		if len(a.pending) < HeaderSize+declared {
			break // frame body still incomplete
		}

		payload := make([]byte, declared)
		copy(payload, a.pending[HeaderSize:HeaderSize+declared])
		payloads = append(payloads, payload)
		a.pending = a.pending[HeaderSize+declared:]
	}

	// Release the backing array once fully drained.
	if len(a.pending) == 0 {
		a.pending = nil
	}
	return payloads, nil
}

// Buffered returns the number of bytes held for an incomplete frame.
func (a *Assembler) Buffered() int { return len(a.pending) }
