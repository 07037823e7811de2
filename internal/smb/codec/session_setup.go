package codec

import (
	"fmt"

	"github.com/marmos91/smbwire/internal/smb/header"
	"github.com/marmos91/smbwire/internal/smb/types"
	"github.com/marmos91/smbwire/internal/smb/wire"
)

// Session setup request flags. [MS-SMB2] 2.2.5
const (
	// SessionFlagBinding marks the request as binding an existing session
	// to this connection (multi-channel) rather than authenticating anew.
	SessionFlagBinding uint8 = 0x01
)

// Session setup response flags. [MS-SMB2] 2.2.6
const (
	SessionFlagIsGuest     uint16 = 0x0001
	SessionFlagIsNull      uint16 = 0x0002
	SessionFlagEncryptData uint16 = 0x0004
)

// sessionSetupRequestSize is the fixed part of the SESSION_SETUP request.
const sessionSetupRequestSize = 24

// sessionSetupResponseSize is the fixed part of the SESSION_SETUP response.
const sessionSetupResponseSize = 8

// SessionSetupRequest carries one opaque security token of the
// authentication exchange. The engine passes the token through to the
// authentication provider without interpreting it. [MS-SMB2] 2.2.5
type SessionSetupRequest struct {
	Flags             uint8
	SecurityMode      types.SecurityMode
	Capabilities      types.Capabilities
	Channel           uint32
	PreviousSessionID uint64
	SecurityToken     []byte
}

// Binding reports whether this request binds the session to an additional
// connection instead of starting an authentication exchange.
func (s *SessionSetupRequest) Binding() bool {
	return s.Flags&SessionFlagBinding != 0
}

// Encode implements Body.
func (s *SessionSetupRequest) Encode() []byte {
	w := wire.NewWriter(sessionSetupRequestSize + len(s.SecurityToken))

	w.Uint16(sessionSetupRequestSize + 1)
	w.Uint8(s.Flags)
	w.Uint8(uint8(s.SecurityMode))
	w.Uint32(uint32(s.Capabilities))
	w.Uint32(s.Channel)
	if len(s.SecurityToken) > 0 {
		w.Uint16(uint16(header.Size + sessionSetupRequestSize))
	} else {
		w.Uint16(0)
	}
	w.Uint16(uint16(len(s.SecurityToken)))
	w.Uint64(s.PreviousSessionID)
	w.Bytes(s.SecurityToken)
	return w.Out()
}

// DecodeSessionSetupRequest parses a SESSION_SETUP request body.
func DecodeSessionSetupRequest(body []byte) (*SessionSetupRequest, error) {
	r := wire.NewReader(body)
	r.ExpectUint16(sessionSetupRequestSize + 1)

	s := &SessionSetupRequest{
		Flags:        r.Uint8(),
		SecurityMode: types.SecurityMode(r.Uint8()),
		Capabilities: types.Capabilities(r.Uint32()),
		Channel:      r.Uint32(),
	}
	secOffset := r.Uint16()
	secLength := r.Uint16()
	s.PreviousSessionID = r.Uint64()
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%w: session setup request: %v", ErrMalformedBody, err)
	}

	start, end, err := bufferRange(secOffset, secLength, len(body))
	if err != nil {
		return nil, err
	}
	if secLength > 0 {
		if start < sessionSetupRequestSize {
			return nil, fmt.Errorf("%w: security buffer overlaps fixed fields", ErrMalformedBody)
		}
		s.SecurityToken = body[start:end]
	}
	return s, nil
}

// SessionSetupResponse returns the server's security token for the next
// authentication round, or the final session flags on completion.
// [MS-SMB2] 2.2.6
type SessionSetupResponse struct {
	SessionFlags  uint16
	SecurityToken []byte
}

// Encode implements Body.
func (s *SessionSetupResponse) Encode() []byte {
	w := wire.NewWriter(sessionSetupResponseSize + len(s.SecurityToken))

	w.Uint16(sessionSetupResponseSize + 1)
	w.Uint16(s.SessionFlags)
	if len(s.SecurityToken) > 0 {
		w.Uint16(uint16(header.Size + sessionSetupResponseSize))
	} else {
		w.Uint16(0)
	}
	w.Uint16(uint16(len(s.SecurityToken)))
	w.Bytes(s.SecurityToken)
	return w.Out()
}

// DecodeSessionSetupResponse parses a SESSION_SETUP response body.
func DecodeSessionSetupResponse(body []byte) (*SessionSetupResponse, error) {
	r := wire.NewReader(body)
	r.ExpectUint16(sessionSetupResponseSize + 1)

	s := &SessionSetupResponse{SessionFlags: r.Uint16()}
	secOffset := r.Uint16()
	secLength := r.Uint16()
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%w: session setup response: %v", ErrMalformedBody, err)
	}

	start, end, err := bufferRange(secOffset, secLength, len(body))
	if err != nil {
		return nil, err
	}
	if secLength > 0 {
		s.SecurityToken = body[start:end]
	}
	return s, nil
}
