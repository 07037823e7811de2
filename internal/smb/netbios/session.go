package netbios

import (
	"fmt"
	"net"
	"strings"
)

// Negative session response error codes. [RFC 1002] 4.3.4
const (
	ErrCodeNotListeningCalled  = 0x80
	ErrCodeNotListeningCalling = 0x81
	ErrCodeCalledNotPresent    = 0x82
	ErrCodeInsufficientRes     = 0x83
	ErrCodeUnspecified         = 0x8F
)

// encodedNameLen is the length of a level-1 encoded NetBIOS name as it
// appears in a session request: length byte, 32 half-ASCII bytes, null.
const encodedNameLen = 34

// EncodeName converts a NetBIOS name and suffix byte into its level-1
// encoded form. The name is upper-cased and space-padded to 15 bytes; each
// byte is split into two nibbles offset from 'A'. Session requests carry
// names without scope, so no level-2 labels follow.
func EncodeName(name string, suffix byte) []byte {
	padded := make([]byte, 16)
	copy(padded, strings.ToUpper(name))
	for i := len(name); i < 15; i++ {
		padded[i] = ' '
	}
	padded[15] = suffix

	out := make([]byte, encodedNameLen)
	out[0] = 0x20
	for i, b := range padded {
		out[1+2*i] = 'A' + (b >> 4)
		out[2+2*i] = 'A' + (b & 0x0F)
	}
	out[33] = 0x00
	return out
}

// DecodeName reverses EncodeName, returning the trimmed name and suffix.
func DecodeName(encoded []byte) (string, byte, error) {
	if len(encoded) != encodedNameLen || encoded[0] != 0x20 || encoded[33] != 0x00 {
		return "", 0, fmt.Errorf("%w: malformed encoded name", ErrFraming)
	}
	raw := make([]byte, 16)
	for i := range raw {
		hi, lo := encoded[1+2*i], encoded[2+2*i]
		if hi < 'A' || hi > 'P' || lo < 'A' || lo > 'P' {
			return "", 0, fmt.Errorf("%w: invalid half-ASCII digit", ErrFraming)
		}
		raw[i] = (hi-'A')<<4 | (lo - 'A')
	}
	return strings.TrimRight(string(raw[:15]), " "), raw[15], nil
}

// SessionRequest composes a SESSION REQUEST frame addressed to called from
// calling. Both names are level-1 encoded internally.
func SessionRequest(called, calling string, calledSuffix, callingSuffix byte) []byte {
	out := make([]byte, 0, HeaderSize+2*encodedNameLen)
	out = append(out, TypeSessionRequest, 0, 0, 2*encodedNameLen)
	out = append(out, EncodeName(called, calledSuffix)...)
	out = append(out, EncodeName(calling, callingSuffix)...)
	return out
}

// ParseSessionRequest extracts the called and calling names from a SESSION
// REQUEST payload (the 68 bytes following the frame header).
func ParseSessionRequest(payload []byte) (called, calling string, err error) {
	if len(payload) != 2*encodedNameLen {
		return "", "", fmt.Errorf("%w: session request payload of %d bytes", ErrFraming, len(payload))
	}
	called, _, err = DecodeName(payload[:encodedNameLen])
	if err != nil {
		return "", "", err
	}
	calling, _, err = DecodeName(payload[encodedNameLen:])
	if err != nil {
		return "", "", err
	}
	return called, calling, nil
}

// PositiveResponse returns a POSITIVE SESSION RESPONSE frame.
func PositiveResponse() []byte {
	return []byte{TypePositiveResponse, 0, 0, 0}
}

// NegativeResponse returns a NEGATIVE SESSION RESPONSE frame carrying the
// given error code. Unknown codes are mapped to unspecified.
func NegativeResponse(errCode byte) []byte {
	switch errCode {
	case ErrCodeNotListeningCalled, ErrCodeNotListeningCalling,
		ErrCodeCalledNotPresent, ErrCodeInsufficientRes:
	default:
		errCode = ErrCodeUnspecified
	}
	return []byte{TypeNegativeResponse, 0, 0, 1, errCode}
}

// RetargetResponse returns a SESSION RETARGET RESPONSE frame redirecting the
// client to ip:port. Non-IPv4 addresses are rejected; the session service
// predates IPv6.
func RetargetResponse(ip net.IP, port uint16) ([]byte, error) {
	v4 := ip.To4()
	if v4 == nil {
		return nil, fmt.Errorf("%w: retarget requires an IPv4 address", ErrFraming)
	}
	out := []byte{TypeRetargetResponse, 0, 0, 6}
	out = append(out, v4...)
	out = append(out, byte(port>>8), byte(port))
	return out, nil
}

// ParseRetarget extracts the redirect target from a RETARGET RESPONSE
// payload (the 6 bytes following the frame header).
func ParseRetarget(payload []byte) (net.IP, uint16, error) {
	if len(payload) != 6 {
		return nil, 0, fmt.Errorf("%w: retarget payload of %d bytes", ErrFraming, len(payload))
	}
	ip := net.IPv4(payload[0], payload[1], payload[2], payload[3])
	port := uint16(payload[4])<<8 | uint16(payload[5])
	return ip, port, nil
}
