package codec

import (
	"fmt"

	"github.com/marmos91/smbwire/internal/smb/wire"
)

// fourByteBodySize is the StructureSize shared by LOGOFF and ECHO, whose
// bodies are a size field and two reserved bytes.
const fourByteBodySize = 4

// LogoffRequest tears down a session. [MS-SMB2] 2.2.7
type LogoffRequest struct{}

// Encode implements Body.
func (LogoffRequest) Encode() []byte { return encodeFourByteBody() }

// DecodeLogoffRequest parses a LOGOFF request body.
func DecodeLogoffRequest(body []byte) (*LogoffRequest, error) {
	if err := decodeFourByteBody(body, "logoff"); err != nil {
		return nil, err
	}
	return &LogoffRequest{}, nil
}

// LogoffResponse acknowledges a LOGOFF. [MS-SMB2] 2.2.8
type LogoffResponse struct{}

// Encode implements Body.
func (LogoffResponse) Encode() []byte { return encodeFourByteBody() }

// EchoRequest probes connection liveness. [MS-SMB2] 2.2.28
type EchoRequest struct{}

// Encode implements Body.
func (EchoRequest) Encode() []byte { return encodeFourByteBody() }

// DecodeEchoRequest parses an ECHO request body.
func DecodeEchoRequest(body []byte) (*EchoRequest, error) {
	if err := decodeFourByteBody(body, "echo"); err != nil {
		return nil, err
	}
	return &EchoRequest{}, nil
}

// EchoResponse acknowledges an ECHO. [MS-SMB2] 2.2.29
type EchoResponse struct{}

// Encode implements Body.
func (EchoResponse) Encode() []byte { return encodeFourByteBody() }

func encodeFourByteBody() []byte {
	w := wire.NewWriter(fourByteBodySize)
	w.Uint16(fourByteBodySize)
	w.Zeros(2)
	return w.Out()
}

func decodeFourByteBody(body []byte, what string) error {
	r := wire.NewReader(body)
	r.ExpectUint16(fourByteBodySize)
	r.Skip(2)
	if err := r.Err(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedBody, what, err)
	}
	return nil
}

// errorResponseSize is the fixed part of the SMB2 ERROR response body.
const errorResponseSize = 8

// ErrorResponse is the generic failure body paired with an error status in
// the header. The body carries at least one byte of error data even when
// there is nothing to say. [MS-SMB2] 2.2.2
type ErrorResponse struct {
	ErrorData []byte
}

// Encode implements Body.
func (e *ErrorResponse) Encode() []byte {
	data := e.ErrorData
	if len(data) == 0 {
		data = []byte{0}
	}
	w := wire.NewWriter(errorResponseSize + len(data))
	w.Uint16(errorResponseSize + 1)
	w.Uint8(0) // ErrorContextCount
	w.Uint8(0)
	w.Uint32(uint32(len(e.ErrorData)))
	w.Bytes(data)
	return w.Out()
}

// DecodeErrorResponse parses an ERROR response body.
func DecodeErrorResponse(body []byte) (*ErrorResponse, error) {
	r := wire.NewReader(body)
	r.ExpectUint16(errorResponseSize + 1)
	r.Skip(2)
	byteCount := int(r.Uint32())
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%w: error response: %v", ErrMalformedBody, err)
	}
	if byteCount > r.Remaining() {
		return nil, fmt.Errorf("%w: error data of %d bytes beyond body", ErrMalformedBody, byteCount)
	}
	e := &ErrorResponse{}
	if byteCount > 0 {
		e.ErrorData = r.Bytes(byteCount)
	}
	return e, nil
}
