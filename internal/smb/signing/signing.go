// Package signing computes and verifies the 16-byte signature carried in
// the SMB2 message header.
//
// Three algorithms cover the dialect range, dispatched by NewSigner:
//   - HMAC-SHA256 (SMB 2.x): truncated to 16 bytes
//   - AES-128-CMAC (SMB 3.0/3.0.2, and 3.1.1 default): per RFC 4493
//   - AES-128-GMAC (SMB 3.1.1 optional): GCM over an empty plaintext with
//     the message as additional data and the MessageId as nonce
//
// The signature field is zeroed before the MAC runs, for signing and for
// verification alike, and verification compares in constant time.
//
// Reference: [MS-SMB2] 3.1.4.1
package signing

import (
	"github.com/marmos91/smbwire/internal/smb/header"
	"github.com/marmos91/smbwire/internal/smb/types"
)

const (
	// SignatureSize is the size of the header signature field.
	SignatureSize = 16

	// KeySize is the signing key size for every supported algorithm.
	KeySize = 16
)

// Signer signs and verifies whole SMB2 messages (header plus body).
type Signer interface {
	// Sign computes the signature over the message with the signature
	// field treated as zero. The message itself is not modified.
	Sign(message []byte) [SignatureSize]byte

	// Verify reports whether the signature embedded in the message is
	// valid. Comparison is constant-time.
	Verify(message []byte) bool
}

// NewSigner selects the signing implementation for the negotiated dialect
// and signing algorithm. Returns nil for an empty key.
//
// Dialects below 3.0 always use HMAC-SHA256. For 3.x the negotiated
// algorithm decides between CMAC and GMAC, with CMAC the default when no
// signing context was exchanged.
func NewSigner(dialect types.Dialect, algorithm uint16, key []byte) Signer {
	if len(key) == 0 {
		return nil
	}
	if !dialect.IsSMB3() {
		return NewHMACSigner(key)
	}
	if algorithm == types.SigningAlgAESGMAC {
		return NewGMACSigner(key)
	}
	return NewCMACSigner(key)
}

// SignMessage signs a message in place: it sets the signed flag, zeroes the
// signature field, and writes the computed signature over it.
func SignMessage(s Signer, message []byte) {
	if s == nil || len(message) < header.Size {
		return
	}
	flags := uint32(message[16]) | uint32(message[17])<<8 |
		uint32(message[18])<<16 | uint32(message[19])<<24
	flags |= uint32(types.FlagSigned)
	message[16] = byte(flags)
	message[17] = byte(flags >> 8)
	message[18] = byte(flags >> 16)
	message[19] = byte(flags >> 24)

	zeroSignature(message)
	sig := s.Sign(message)
	copy(message[header.SignatureOffset:], sig[:])
}

// zeroSignature clears the signature field in place.
func zeroSignature(message []byte) {
	for i := header.SignatureOffset; i < header.SignatureOffset+SignatureSize; i++ {
		message[i] = 0
	}
}

// zeroedCopy returns a copy of the message with the signature field cleared.
func zeroedCopy(message []byte) []byte {
	cp := make([]byte, len(message))
	copy(cp, message)
	zeroSignature(cp)
	return cp
}

// normalizeKey pads or truncates a key to KeySize bytes.
func normalizeKey(key []byte) (out [KeySize]byte) {
	copy(out[:], key)
	return out
}
