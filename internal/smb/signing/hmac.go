package signing

import (
	"crypto/hmac"
	"crypto/sha256"

	"github.com/marmos91/smbwire/internal/smb/header"
)

// HMACSigner signs with HMAC-SHA256 truncated to 16 bytes. Used by the 2.x
// dialects, where the session key itself is the signing key.
type HMACSigner struct {
	key [KeySize]byte
}

// NewHMACSigner creates an HMACSigner, padding or truncating the key to 16
// bytes. Returns nil for an empty key.
func NewHMACSigner(key []byte) *HMACSigner {
	if len(key) == 0 {
		return nil
	}
	return &HMACSigner{key: normalizeKey(key)}
}

// Sign implements Signer.
func (s *HMACSigner) Sign(message []byte) [SignatureSize]byte {
	var sig [SignatureSize]byte
	if len(message) < header.Size {
		return sig
	}

	mac := hmac.New(sha256.New, s.key[:])
	mac.Write(zeroedCopy(message))
	copy(sig[:], mac.Sum(nil)[:SignatureSize])
	return sig
}

// Verify implements Signer.
func (s *HMACSigner) Verify(message []byte) bool {
	if len(message) < header.Size {
		return false
	}
	var provided [SignatureSize]byte
	copy(provided[:], message[header.SignatureOffset:])
	expected := s.Sign(message)
	return hmac.Equal(provided[:], expected[:])
}
