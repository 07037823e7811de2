// Package auth implements session setup authentication: SPNEGO token
// negotiation carrying NTLMv2 challenge-response, exposed to the message
// engine through the Provider type.
package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/rc4"
	"encoding/binary"
	"errors"
	"strings"
	"unicode/utf16"

	"golang.org/x/crypto/md4"
)

// MessageType identifies the three messages of the NTLM handshake.
// [MS-NLMP] 2.2.1
type MessageType uint32

const (
	Negotiate    MessageType = 1
	Challenge    MessageType = 2
	Authenticate MessageType = 3
)

// ntlmSignature opens every NTLM message: "NTLMSSP\0".
var ntlmSignature = []byte{'N', 'T', 'L', 'M', 'S', 'S', 'P', 0}

const (
	ntlmHeaderSize    = 12
	challengeBaseSize = 56
	authBaseSize      = 64
	challengeSize     = 8
	proofSize         = 16
)

// NegotiateFlag bits exchanged across the handshake. [MS-NLMP] 2.2.2.5
type NegotiateFlag uint32

const (
	FlagUnicode          NegotiateFlag = 0x00000001
	FlagRequestTarget    NegotiateFlag = 0x00000004
	FlagSign             NegotiateFlag = 0x00000010
	FlagNTLM             NegotiateFlag = 0x00000200
	FlagAnonymous        NegotiateFlag = 0x00000800
	FlagAlwaysSign       NegotiateFlag = 0x00008000
	FlagTargetTypeServer NegotiateFlag = 0x00020000
	FlagExtendedSecurity NegotiateFlag = 0x00080000
	FlagTargetInfo       NegotiateFlag = 0x00800000
	FlagKeyExchange      NegotiateFlag = 0x40000000
	Flag128              NegotiateFlag = 0x20000000
	Flag56               NegotiateFlag = 0x80000000
)

var (
	ErrMessageTooShort      = errors.New("ntlm: message too short")
	ErrInvalidSignature     = errors.New("ntlm: invalid signature")
	ErrWrongMessageType     = errors.New("ntlm: wrong message type")
	ErrResponseTooShort     = errors.New("ntlm: challenge response too short")
	ErrAuthenticationFailed = errors.New("ntlm: authentication failed")
)

// IsNTLM reports whether buf carries the NTLMSSP signature.
func IsNTLM(buf []byte) bool {
	return len(buf) >= ntlmHeaderSize && bytes.Equal(buf[:8], ntlmSignature)
}

// NTLMMessageType returns the message type, or 0 for short buffers.
func NTLMMessageType(buf []byte) MessageType {
	if len(buf) < ntlmHeaderSize {
		return 0
	}
	return MessageType(binary.LittleEndian.Uint32(buf[8:12]))
}

// BuildChallenge creates a Type 2 CHALLENGE message around a fresh random
// server challenge. The target name is empty and the target info carries
// only the AV_PAIR terminator. [MS-NLMP] 2.2.1.2
func BuildChallenge() (msg []byte, serverChallenge [8]byte) {
	_, _ = rand.Read(serverChallenge[:])

	flags := FlagUnicode | FlagRequestTarget | FlagNTLM | FlagAlwaysSign |
		FlagTargetTypeServer | FlagExtendedSecurity | FlagTargetInfo |
		FlagKeyExchange | Flag128 | Flag56

	targetInfo := []byte{0, 0, 0, 0} // MsvAvEOL
	msg = make([]byte, challengeBaseSize+len(targetInfo))

	copy(msg[0:8], ntlmSignature)
	binary.LittleEndian.PutUint32(msg[8:12], uint32(Challenge))
	// TargetNameFields: empty name placed at the start of the payload.
	binary.LittleEndian.PutUint32(msg[16:20], challengeBaseSize)
	binary.LittleEndian.PutUint32(msg[20:24], uint32(flags))
	copy(msg[24:32], serverChallenge[:])
	binary.LittleEndian.PutUint16(msg[40:42], uint16(len(targetInfo)))
	binary.LittleEndian.PutUint16(msg[42:44], uint16(len(targetInfo)))
	binary.LittleEndian.PutUint32(msg[44:48], challengeBaseSize)
	copy(msg[challengeBaseSize:], targetInfo)

	return msg, serverChallenge
}

// AuthenticateMessage holds the parsed fields of a Type 3 message.
// [MS-NLMP] 2.2.1.3
type AuthenticateMessage struct {
	LmChallengeResponse       []byte
	NtChallengeResponse       []byte
	EncryptedRandomSessionKey []byte
	Domain                    string
	Username                  string
	Workstation               string
	NegotiateFlags            NegotiateFlag
	IsAnonymous               bool
}

// ParseAuthenticate parses a Type 3 AUTHENTICATE message.
func ParseAuthenticate(buf []byte) (*AuthenticateMessage, error) {
	if len(buf) < authBaseSize {
		return nil, ErrMessageTooShort
	}
	if !IsNTLM(buf) {
		return nil, ErrInvalidSignature
	}
	if NTLMMessageType(buf) != Authenticate {
		return nil, ErrWrongMessageType
	}

	msg := &AuthenticateMessage{
		NegotiateFlags: NegotiateFlag(binary.LittleEndian.Uint32(buf[60:64])),
	}
	msg.IsAnonymous = msg.NegotiateFlags&FlagAnonymous != 0
	unicode := msg.NegotiateFlags&FlagUnicode != 0

	msg.LmChallengeResponse = field(buf, 12)
	msg.NtChallengeResponse = field(buf, 20)
	msg.Domain = decodeString(field(buf, 28), unicode)
	msg.Username = decodeString(field(buf, 36), unicode)
	msg.Workstation = decodeString(field(buf, 44), unicode)
	msg.EncryptedRandomSessionKey = field(buf, 52)

	return msg, nil
}

// field copies a (len16, maxlen16, off32) payload descriptor at base.
// Out-of-range descriptors yield nil rather than an error so that a
// damaged optional field does not abort parsing.
func field(buf []byte, base int) []byte {
	length := binary.LittleEndian.Uint16(buf[base : base+2])
	offset := binary.LittleEndian.Uint32(buf[base+4 : base+8])
	if length == 0 || int(offset)+int(length) > len(buf) {
		return nil
	}
	out := make([]byte, length)
	copy(out, buf[offset:int(offset)+int(length)])
	return out
}

func decodeString(buf []byte, unicode bool) string {
	if buf == nil {
		return ""
	}
	if !unicode {
		return string(buf)
	}
	if len(buf)%2 != 0 {
		buf = buf[:len(buf)-1]
	}
	u := make([]uint16, len(buf)/2)
	for i := range u {
		u[i] = binary.LittleEndian.Uint16(buf[2*i:])
	}
	return string(utf16.Decode(u))
}

func encodeUTF16LE(s string) []byte {
	u := utf16.Encode([]rune(s))
	out := make([]byte, 2*len(u))
	for i, c := range u {
		binary.LittleEndian.PutUint16(out[2*i:], c)
	}
	return out
}

// ComputeNTHash derives the NT one-way function of a password:
// MD4 over the UTF-16LE password. [MS-NLMP] 3.3.1
func ComputeNTHash(password string) [16]byte {
	h := md4.New()
	h.Write(encodeUTF16LE(password))
	var out [16]byte
	copy(out[:], h.Sum(nil))
	return out
}

// ComputeNTLMv2Hash derives NTOWFv2: HMAC-MD5 keyed with the NT hash over
// UPPERCASE(user) concatenated with the domain, both UTF-16LE.
// The username is case-folded, the domain is not. [MS-NLMP] 3.3.2
func ComputeNTLMv2Hash(ntHash [16]byte, username, domain string) [16]byte {
	mac := hmac.New(md5.New, ntHash[:])
	mac.Write(encodeUTF16LE(strings.ToUpper(username) + domain))
	var out [16]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// computeNTProofStr is HMAC-MD5 over the server challenge followed by the
// client's temp blob, keyed with the NTLMv2 hash.
func computeNTProofStr(ntlmv2Hash [16]byte, serverChallenge [8]byte, clientBlob []byte) []byte {
	mac := hmac.New(md5.New, ntlmv2Hash[:])
	mac.Write(serverChallenge[:])
	mac.Write(clientBlob)
	return mac.Sum(nil)
}

// ValidateNTLMv2Response checks the NT challenge response against the
// expected proof and, on success, returns the session base key.
// The response layout is NTProofStr (16 bytes) followed by the client
// blob; the minimum useful response also carries the blob header.
// [MS-NLMP] 3.3.2
func ValidateNTLMv2Response(ntHash [16]byte, username, domain string, serverChallenge [8]byte, ntResponse []byte) ([16]byte, error) {
	var sessionBaseKey [16]byte
	if len(ntResponse) < proofSize+8 {
		return sessionBaseKey, ErrResponseTooShort
	}

	ntlmv2Hash := ComputeNTLMv2Hash(ntHash, username, domain)
	expected := computeNTProofStr(ntlmv2Hash, serverChallenge, ntResponse[proofSize:])
	if !hmac.Equal(expected, ntResponse[:proofSize]) {
		return sessionBaseKey, ErrAuthenticationFailed
	}

	mac := hmac.New(md5.New, ntlmv2Hash[:])
	mac.Write(ntResponse[:proofSize])
	copy(sessionBaseKey[:], mac.Sum(nil))
	return sessionBaseKey, nil
}

// DeriveSigningKey produces the exported session key. When the client
// negotiated key exchange it wraps a random key under RC4 with the
// session base key; otherwise the base key is used directly.
// [MS-NLMP] 3.1.5.1.2
func DeriveSigningKey(sessionBaseKey [16]byte, flags NegotiateFlag, encryptedRandomSessionKey []byte) [16]byte {
	if flags&FlagKeyExchange == 0 || len(encryptedRandomSessionKey) != 16 {
		return sessionBaseKey
	}
	var out [16]byte
	cipher, err := rc4.NewCipher(sessionBaseKey[:])
	if err != nil {
		return sessionBaseKey
	}
	cipher.XORKeyStream(out[:], encryptedRandomSessionKey)
	return out
}
