package codec

import (
	"fmt"

	"github.com/marmos91/smbwire/internal/smb/header"
	"github.com/marmos91/smbwire/internal/smb/types"
	"github.com/marmos91/smbwire/internal/smb/wire"
)

// negotiateRequestSize is the fixed part of the NEGOTIATE request body.
const negotiateRequestSize = 36

// negotiateResponseSize is the fixed part of the NEGOTIATE response body.
// The on-wire StructureSize is 65: 64 fixed bytes plus the variable buffer.
const negotiateResponseSize = 64

// NegotiateRequest enumerates the dialects and capabilities a client offers.
// [MS-SMB2] 2.2.3
type NegotiateRequest struct {
	SecurityMode    types.SecurityMode
	Capabilities    types.Capabilities
	ClientGUID      [16]byte
	ClientStartTime uint64 // dialects < 3.1.1 only
	Dialects        []types.Dialect
	Contexts        []NegotiateContext // 3.1.1 only
}

// Encode implements Body.
func (n *NegotiateRequest) Encode() []byte {
	w := wire.NewWriter(negotiateRequestSize + 2*len(n.Dialects))

	w.Uint16(negotiateRequestSize)
	w.Uint16(uint16(len(n.Dialects)))
	w.Uint16(uint16(n.SecurityMode))
	w.Zeros(2)
	w.Uint32(uint32(n.Capabilities))
	w.Bytes(n.ClientGUID[:])

	ctxOffsetPos := w.Len()
	if len(n.Contexts) > 0 {
		w.Uint32(0) // NegotiateContextOffset, patched below
		w.Uint16(uint16(len(n.Contexts)))
		w.Zeros(2)
	} else {
		w.Uint64(n.ClientStartTime)
	}

	for _, d := range n.Dialects {
		w.Uint16(uint16(d))
	}

	if len(n.Contexts) > 0 {
		w.Align(8)
		w.PatchUint32(ctxOffsetPos, uint32(header.Size+w.Len()))
		encodeContexts(w, n.Contexts)
	}
	return w.Out()
}

// DecodeNegotiateRequest parses a NEGOTIATE request body.
func DecodeNegotiateRequest(body []byte) (*NegotiateRequest, error) {
	r := wire.NewReader(body)
	r.ExpectUint16(negotiateRequestSize)
	dialectCount := int(r.Uint16())

	n := &NegotiateRequest{
		SecurityMode: types.SecurityMode(r.Uint16()),
	}
	r.Skip(2)
	n.Capabilities = types.Capabilities(r.Uint32())
	copy(n.ClientGUID[:], r.Bytes(16))

	// Union field: ClientStartTime, or context offset/count when 3.1.1
	// is among the offered dialects.
	unionField := r.Uint64()
	ctxOffset := uint32(unionField)
	ctxCount := int(uint16(unionField >> 32))

	if dialectCount == 0 {
		return nil, fmt.Errorf("%w: negotiate request with no dialects", ErrMalformedBody)
	}
	for range dialectCount {
		n.Dialects = append(n.Dialects, types.Dialect(r.Uint16()))
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%w: negotiate request: %v", ErrMalformedBody, err)
	}

	if !offersDialect(n.Dialects, types.Dialect0311) {
		n.ClientStartTime = unionField
		return n, nil
	}

	if ctxCount > 0 {
		start := int(ctxOffset) - header.Size
		if start < r.Offset() || start > len(body) {
			return nil, fmt.Errorf("%w: negotiate context offset %d", ErrMalformedBody, ctxOffset)
		}
		contexts, err := decodeContexts(body, start, ctxCount)
		if err != nil {
			return nil, err
		}
		n.Contexts = contexts
	}
	return n, nil
}

// offersDialect reports whether the dialect list contains d.
func offersDialect(dialects []types.Dialect, d types.Dialect) bool {
	for _, have := range dialects {
		if have == d {
			return true
		}
	}
	return false
}

// NegotiateResponse selects one dialect and states the server's limits,
// capabilities, and the security buffer opening the authentication exchange.
// [MS-SMB2] 2.2.4
type NegotiateResponse struct {
	SecurityMode    types.SecurityMode
	Dialect         types.Dialect
	ServerGUID      [16]byte
	Capabilities    types.Capabilities
	MaxTransactSize uint32
	MaxReadSize     uint32
	MaxWriteSize    uint32
	SystemTime      uint64
	ServerStartTime uint64
	SecurityBuffer  []byte
	Contexts        []NegotiateContext // 3.1.1 only
}

// Encode implements Body.
func (n *NegotiateResponse) Encode() []byte {
	w := wire.NewWriter(negotiateResponseSize + len(n.SecurityBuffer))

	w.Uint16(negotiateResponseSize + 1)
	w.Uint16(uint16(n.SecurityMode))
	w.Uint16(uint16(n.Dialect))
	w.Uint16(uint16(len(n.Contexts)))
	w.Bytes(n.ServerGUID[:])
	w.Uint32(uint32(n.Capabilities))
	w.Uint32(n.MaxTransactSize)
	w.Uint32(n.MaxReadSize)
	w.Uint32(n.MaxWriteSize)
	w.Uint64(n.SystemTime)
	w.Uint64(n.ServerStartTime)

	secOffsetPos := w.Len()
	w.Uint16(0) // SecurityBufferOffset, patched below
	w.Uint16(uint16(len(n.SecurityBuffer)))

	ctxOffsetPos := w.Len()
	w.Uint32(0) // NegotiateContextOffset (reserved before 3.1.1)

	if len(n.SecurityBuffer) > 0 {
		w.PatchUint16(secOffsetPos, uint16(header.Size+w.Len()))
		w.Bytes(n.SecurityBuffer)
	}

	if len(n.Contexts) > 0 {
		w.Align(8)
		w.PatchUint32(ctxOffsetPos, uint32(header.Size+w.Len()))
		encodeContexts(w, n.Contexts)
	}
	return w.Out()
}

// DecodeNegotiateResponse parses a NEGOTIATE response body.
func DecodeNegotiateResponse(body []byte) (*NegotiateResponse, error) {
	r := wire.NewReader(body)
	r.ExpectUint16(negotiateResponseSize + 1)

	n := &NegotiateResponse{
		SecurityMode: types.SecurityMode(r.Uint16()),
		Dialect:      types.Dialect(r.Uint16()),
	}
	ctxCount := int(r.Uint16())
	copy(n.ServerGUID[:], r.Bytes(16))
	n.Capabilities = types.Capabilities(r.Uint32())
	n.MaxTransactSize = r.Uint32()
	n.MaxReadSize = r.Uint32()
	n.MaxWriteSize = r.Uint32()
	n.SystemTime = r.Uint64()
	n.ServerStartTime = r.Uint64()
	secOffset := r.Uint16()
	secLength := r.Uint16()
	ctxOffset := r.Uint32()
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%w: negotiate response: %v", ErrMalformedBody, err)
	}

	start, end, err := bufferRange(secOffset, secLength, len(body))
	if err != nil {
		return nil, err
	}
	if secLength > 0 {
		n.SecurityBuffer = body[start:end]
	}

	if n.Dialect == types.Dialect0311 && ctxCount > 0 {
		ctxStart := int(ctxOffset) - header.Size
		if ctxStart < negotiateResponseSize || ctxStart > len(body) {
			return nil, fmt.Errorf("%w: negotiate context offset %d", ErrMalformedBody, ctxOffset)
		}
		contexts, err := decodeContexts(body, ctxStart, ctxCount)
		if err != nil {
			return nil, err
		}
		n.Contexts = contexts
	}
	return n, nil
}
