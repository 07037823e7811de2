package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/marmos91/smbwire/internal/smb/types"
)

// SMB1 multi-protocol negotiate. Legacy clients open with an SMB1
// SMB_COM_NEGOTIATE listing dialect strings; a server that only speaks
// SMB2 answers the "SMB 2.???" or "SMB 2.002" entries with an SMB2
// NEGOTIATE response and ignores everything older. [MS-SMB2] 3.3.5.3
const (
	smb1HeaderSize   = 32
	smb1ComNegotiate = 0x72

	// Wire dialect strings that negotiate SMB2 from an SMB1 opener.
	SMB1DialectSMB2Wildcard = "SMB 2.???"
	SMB1DialectSMB2002      = "SMB 2.002"
)

// SMB1NegotiateRequest carries the dialect strings of a legacy negotiate.
type SMB1NegotiateRequest struct {
	Dialects []string
}

// SMB2Dialects maps the offered strings to the dialect set an SMB2
// negotiation understands. SMB1-only dialects are dropped; an empty
// result means the peer cannot speak SMB2 at all.
func (r *SMB1NegotiateRequest) SMB2Dialects() []types.Dialect {
	var out []types.Dialect
	for _, d := range r.Dialects {
		switch d {
		case SMB1DialectSMB2Wildcard:
			out = append(out, types.DialectWild)
		case SMB1DialectSMB2002:
			out = append(out, types.Dialect0202)
		}
	}
	return out
}

// DecodeSMB1NegotiateRequest parses a legacy SMB1 SMB_COM_NEGOTIATE
// message: the 32-byte SMB1 header, a word-count block, and a byte-count
// block of 0x02-prefixed NUL-terminated dialect strings.
func DecodeSMB1NegotiateRequest(data []byte) (*SMB1NegotiateRequest, error) {
	if len(data) < smb1HeaderSize+3 {
		return nil, fmt.Errorf("%w: smb1 message of %d bytes", ErrMalformedBody, len(data))
	}
	if binary.LittleEndian.Uint32(data[0:4]) != types.SMB1ProtocolID {
		return nil, fmt.Errorf("%w: not an smb1 message", ErrMalformedBody)
	}
	if cmd := data[4]; cmd != smb1ComNegotiate {
		return nil, fmt.Errorf("%w: smb1 command 0x%02X, only NEGOTIATE is understood", ErrMalformedBody, cmd)
	}

	// WordCount words of parameters, then ByteCount bytes of dialect data.
	wordCount := int(data[smb1HeaderSize])
	off := smb1HeaderSize + 1 + 2*wordCount
	if len(data) < off+2 {
		return nil, fmt.Errorf("%w: smb1 negotiate truncated at parameters", ErrMalformedBody)
	}
	byteCount := int(binary.LittleEndian.Uint16(data[off : off+2]))
	off += 2
	if len(data) < off+byteCount {
		return nil, fmt.Errorf("%w: smb1 negotiate declares %d data bytes, %d present",
			ErrMalformedBody, byteCount, len(data)-off)
	}

	req := &SMB1NegotiateRequest{}
	blob := data[off : off+byteCount]
	for len(blob) > 0 {
		if blob[0] != 0x02 {
			return nil, fmt.Errorf("%w: smb1 dialect entry starts with 0x%02X", ErrMalformedBody, blob[0])
		}
		end := bytes.IndexByte(blob[1:], 0x00)
		if end < 0 {
			return nil, fmt.Errorf("%w: unterminated smb1 dialect string", ErrMalformedBody)
		}
		req.Dialects = append(req.Dialects, string(blob[1:1+end]))
		blob = blob[2+end:]
	}
	return req, nil
}

// EncodeSMB1NegotiateRequest composes a legacy multi-protocol negotiate,
// the message an SMB2-capable client opens with when it cannot assume the
// server speaks SMB2.
func EncodeSMB1NegotiateRequest(dialects []string) []byte {
	var blob []byte
	for _, d := range dialects {
		blob = append(blob, 0x02)
		blob = append(blob, d...)
		blob = append(blob, 0x00)
	}

	out := make([]byte, smb1HeaderSize+3, smb1HeaderSize+3+len(blob))
	binary.LittleEndian.PutUint32(out[0:4], types.SMB1ProtocolID)
	out[4] = smb1ComNegotiate
	binary.LittleEndian.PutUint16(out[smb1HeaderSize+1:], uint16(len(blob)))
	return append(out, blob...)
}
