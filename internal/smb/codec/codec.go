// Package codec encodes and decodes the command-specific bodies of SMB2
// logical messages.
//
// The engine decodes only the substrate commands it must interpret itself:
// NEGOTIATE, SESSION_SETUP, LOGOFF, and ECHO. File-level operations (CREATE,
// READ, ...) pass through as opaque bodies for the application handler.
//
// Offset fields inside SMB2 bodies (security buffers, negotiate contexts)
// are relative to the start of the 64-byte message header, not the body;
// decoders here account for that and validate every declared offset and
// length against the actual buffer bounds.
package codec

import (
	"errors"
	"fmt"

	"github.com/marmos91/smbwire/internal/smb/header"
)

// ErrMalformedBody is the sentinel wrapped by every body decode failure.
// A malformed body means the peer is non-conformant or hostile; callers
// treat it as connection-fatal.
var ErrMalformedBody = errors.New("smb2: malformed body")

// Body is a decoded command body. Encoding a Body produced by a decoder
// yields the original wire bytes.
type Body interface {
	// Encode serializes the body to its wire form, assuming it will be
	// placed immediately after a 64-byte message header.
	Encode() []byte
}

// RawBody carries a command body the engine does not interpret.
type RawBody struct {
	Data []byte
}

// Encode implements Body.
func (b *RawBody) Encode() []byte { return b.Data }

// bufferRange validates a security-buffer style (offset, length) pair
// declared inside a body of bodyLen bytes. offset is header-relative.
// A zero-length buffer is valid regardless of offset.
func bufferRange(offset, length uint16, bodyLen int) (start, end int, err error) {
	if length == 0 {
		return 0, 0, nil
	}
	start = int(offset) - header.Size
	end = start + int(length)
	if start < 0 {
		return 0, 0, fmt.Errorf("%w: buffer offset %d inside header", ErrMalformedBody, offset)
	}
	if end > bodyLen {
		return 0, 0, fmt.Errorf("%w: buffer [%d,%d) beyond body of %d bytes",
			ErrMalformedBody, start, end, bodyLen)
	}
	return start, end, nil
}
