package signing

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"

	"github.com/marmos91/smbwire/internal/smb/header"
)

// CMACSigner signs with AES-128-CMAC per RFC 4493. Used by the 3.x dialects
// unless GMAC was negotiated.
type CMACSigner struct {
	block cipher.Block
	k1    [aes.BlockSize]byte
	k2    [aes.BlockSize]byte
}

// NewCMACSigner creates a CMACSigner, deriving the RFC 4493 subkeys up
// front. Returns nil for an empty key.
func NewCMACSigner(key []byte) *CMACSigner {
	if len(key) == 0 {
		return nil
	}
	norm := normalizeKey(key)
	block, err := aes.NewCipher(norm[:])
	if err != nil {
		return nil
	}

	s := &CMACSigner{block: block}

	// Subkey generation: L = AES(K, 0^128), K1 = dbl(L), K2 = dbl(K1).
	var l [aes.BlockSize]byte
	block.Encrypt(l[:], l[:])
	s.k1 = dbl(l)
	s.k2 = dbl(s.k1)
	return s
}

// dbl doubles a block in GF(2^128) with the reduction polynomial x^128 +
// x^7 + x^2 + x + 1.
func dbl(in [aes.BlockSize]byte) (out [aes.BlockSize]byte) {
	var carry byte
	for i := aes.BlockSize - 1; i >= 0; i-- {
		out[i] = in[i]<<1 | carry
		carry = in[i] >> 7
	}
	if carry != 0 {
		out[aes.BlockSize-1] ^= 0x87
	}
	return out
}

// mac computes the raw AES-CMAC over data.
func (s *CMACSigner) mac(data []byte) [aes.BlockSize]byte {
	n := len(data) / aes.BlockSize
	rem := len(data) % aes.BlockSize
	complete := rem == 0 && len(data) > 0
	if complete {
		n--
	}

	var x [aes.BlockSize]byte
	for i := range n {
		for j := range aes.BlockSize {
			x[j] ^= data[i*aes.BlockSize+j]
		}
		s.block.Encrypt(x[:], x[:])
	}

	// Final block: XOR with K1 when complete, otherwise pad with a single
	// 0x80 and XOR with K2.
	var last [aes.BlockSize]byte
	if complete {
		copy(last[:], data[n*aes.BlockSize:])
		for j := range aes.BlockSize {
			last[j] ^= s.k1[j]
		}
	} else {
		copy(last[:], data[n*aes.BlockSize:])
		last[rem] = 0x80
		for j := range aes.BlockSize {
			last[j] ^= s.k2[j]
		}
	}

	for j := range aes.BlockSize {
		x[j] ^= last[j]
	}
	s.block.Encrypt(x[:], x[:])
	return x
}

// Sign implements Signer.
func (s *CMACSigner) Sign(message []byte) [SignatureSize]byte {
	var sig [SignatureSize]byte
	if len(message) < header.Size {
		return sig
	}
	mac := s.mac(zeroedCopy(message))
	copy(sig[:], mac[:])
	return sig
}

// Verify implements Signer.
func (s *CMACSigner) Verify(message []byte) bool {
	if len(message) < header.Size {
		return false
	}
	var provided [SignatureSize]byte
	copy(provided[:], message[header.SignatureOffset:])
	expected := s.Sign(message)
	return hmac.Equal(provided[:], expected[:])
}
