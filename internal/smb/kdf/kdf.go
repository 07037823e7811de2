// Package kdf derives SMB 3.x session keys with the SP800-108 counter-mode
// KDF over HMAC-SHA256.
//
// A single session key fans out into four derived keys: signing,
// client-to-server cipher, server-to-client cipher, and application. SMB
// 3.0/3.0.2 bind the derivation with fixed label/context strings; SMB 3.1.1
// replaces the contexts with the preauth integrity hash accumulated during
// negotiation and authentication, tying the keys to the exact bytes both
// peers exchanged.
//
// Reference: [SP800-108] 5.1, [MS-SMB2] 3.1.4.2
package kdf

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"

	"github.com/marmos91/smbwire/internal/smb/types"
)

// Purpose selects which of the four derived keys to produce.
type Purpose uint8

const (
	// PurposeSigning derives the message signing key.
	PurposeSigning Purpose = iota
	// PurposeEncryption derives the client-to-server cipher key.
	PurposeEncryption
	// PurposeDecryption derives the server-to-client cipher key.
	PurposeDecryption
	// PurposeApplication derives the key handed to higher-layer protocols.
	PurposeApplication
)

func (p Purpose) String() string {
	switch p {
	case PurposeSigning:
		return "Signing"
	case PurposeEncryption:
		return "Encryption"
	case PurposeDecryption:
		return "Decryption"
	case PurposeApplication:
		return "Application"
	default:
		return "Unknown"
	}
}

// Labels include the terminating NUL as part of the literal, and the 3.0
// encryption contexts keep their historical trailing-space quirk.
var (
	label30Signing = []byte("SMB2AESCMAC\x00")
	label30Cipher  = []byte("SMB2AESCCM\x00")
	label30App     = []byte("SMB2APP\x00")

	ctx30Signing    = []byte("SmbSign\x00")
	ctx30Encryption = []byte("ServerIn \x00")
	ctx30Decryption = []byte("ServerOut\x00")
	ctx30App        = []byte("SmbRpc\x00")

	label311Signing    = []byte("SMBSigningKey\x00")
	label311Encryption = []byte("SMBC2SCipherKey\x00")
	label311Decryption = []byte("SMBS2CCipherKey\x00")
	label311App        = []byte("SMBAppKey\x00")
)

// Derive runs one SP800-108 counter-mode iteration:
//
//	HMAC-SHA256(ki, counter(4,BE) || label || 0x00 || context || L(4,BE))
//
// truncated to bits/8 bytes. One iteration yields 256 bits, enough for
// every key size SMB3 uses.
func Derive(ki, label, context []byte, bits uint32) []byte {
	h := hmac.New(sha256.New, ki)

	var word [4]byte
	binary.BigEndian.PutUint32(word[:], 1)
	h.Write(word[:])

	h.Write(label)
	h.Write([]byte{0x00})
	h.Write(context)

	binary.BigEndian.PutUint32(word[:], bits)
	h.Write(word[:])

	return h.Sum(nil)[:bits/8]
}

// LabelAndContext returns the derivation inputs for a purpose under the
// given dialect. For 3.1.1 the context is the caller's preauth integrity
// hash; earlier 3.x dialects use the fixed strings.
func LabelAndContext(purpose Purpose, dialect types.Dialect, preauthHash [64]byte) (label, context []byte) {
	if dialect == types.Dialect0311 {
		ctx := make([]byte, len(preauthHash))
		copy(ctx, preauthHash[:])

		switch purpose {
		case PurposeSigning:
			return label311Signing, ctx
		case PurposeEncryption:
			return label311Encryption, ctx
		case PurposeDecryption:
			return label311Decryption, ctx
		case PurposeApplication:
			return label311App, ctx
		}
	}

	switch purpose {
	case PurposeSigning:
		return label30Signing, ctx30Signing
	case PurposeEncryption:
		return label30Cipher, ctx30Encryption
	case PurposeDecryption:
		return label30Cipher, ctx30Decryption
	case PurposeApplication:
		return label30App, ctx30App
	}

	return nil, nil
}

// SessionKeys holds the full fan-out derived from one session key.
type SessionKeys struct {
	Signing     []byte
	Encryption  []byte
	Decryption  []byte
	Application []byte
}

// cipherKeyBits returns the cipher key size the negotiated cipher demands.
func cipherKeyBits(cipher uint16) uint32 {
	switch cipher {
	case types.CipherAES256CCM, types.CipherAES256GCM:
		return 256
	default:
		return 128
	}
}

// DeriveSessionKeys produces all four derived keys for a session. Signing
// and application keys are always 128-bit; cipher keys follow the
// negotiated cipher. Dialects below 3.0 sign with the session key directly
// and derive nothing, so callers should not reach here for them.
func DeriveSessionKeys(sessionKey []byte, dialect types.Dialect, cipher uint16, preauthHash [64]byte) SessionKeys {
	bits := cipherKeyBits(cipher)

	derive := func(p Purpose, bits uint32) []byte {
		label, ctx := LabelAndContext(p, dialect, preauthHash)
		return Derive(sessionKey, label, ctx, bits)
	}

	return SessionKeys{
		Signing:     derive(PurposeSigning, 128),
		Encryption:  derive(PurposeEncryption, bits),
		Decryption:  derive(PurposeDecryption, bits),
		Application: derive(PurposeApplication, 128),
	}
}

// Zero wipes every derived key in place.
func (k *SessionKeys) Zero() {
	for _, key := range [][]byte{k.Signing, k.Encryption, k.Decryption, k.Application} {
		for i := range key {
			key[i] = 0
		}
	}
	k.Signing, k.Encryption, k.Decryption, k.Application = nil, nil, nil, nil
}
