package signing

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"

	"github.com/marmos91/smbwire/internal/smb/header"
)

// GMACSigner signs with AES-128-GMAC, negotiated through the 3.1.1 signing
// capabilities context.
//
// GMAC is GCM with an empty plaintext and the whole message as additional
// data. The nonce is the 8-byte MessageId zero-padded to 12 bytes, which is
// safe because message IDs never repeat on a connection.
type GMACSigner struct {
	aead cipher.AEAD
}

// NewGMACSigner creates a GMACSigner. Returns nil for an empty key.
func NewGMACSigner(key []byte) *GMACSigner {
	if len(key) == 0 {
		return nil
	}
	norm := normalizeKey(key)
	block, err := aes.NewCipher(norm[:])
	if err != nil {
		return nil
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil
	}
	return &GMACSigner{aead: aead}
}

// nonce builds the 12-byte GCM nonce from the MessageId field.
func (s *GMACSigner) nonce(message []byte) []byte {
	n := make([]byte, s.aead.NonceSize())
	copy(n, message[24:32])
	return n
}

// Sign implements Signer.
func (s *GMACSigner) Sign(message []byte) [SignatureSize]byte {
	var sig [SignatureSize]byte
	if len(message) < header.Size {
		return sig
	}
	tag := s.aead.Seal(nil, s.nonce(message), nil, zeroedCopy(message))
	copy(sig[:], tag)
	return sig
}

// Verify implements Signer.
func (s *GMACSigner) Verify(message []byte) bool {
	if len(message) < header.Size {
		return false
	}
	var provided [SignatureSize]byte
	copy(provided[:], message[header.SignatureOffset:])
	expected := s.Sign(message)
	return hmac.Equal(provided[:], expected[:])
}
