// Package sealing encrypts and decrypts whole SMB2 messages inside the
// 3.x transform envelope.
//
// An encrypted message is a 52-byte transform header followed by the
// ciphertext of the original message. The header carries the AEAD tag, the
// nonce, the plaintext size, and the session ID; everything from the nonce
// to the end of the header is authenticated as additional data, so a peer
// cannot splice a ciphertext onto another session.
//
// Only the GCM ciphers are supported. Nonces are drawn from a per-sealer
// counter, which never reuses a value for the lifetime of the key.
//
// Reference: [MS-SMB2] 2.2.41, 3.1.4.3
package sealing

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/marmos91/smbwire/internal/smb/types"
	"github.com/marmos91/smbwire/internal/smb/wire"
)

// TransformHeaderSize is the fixed size of the transform envelope header.
const TransformHeaderSize = 52

// gcmNonceSize is the nonce length the GCM ciphers use; the header's nonce
// field is 16 bytes with the tail zeroed.
const gcmNonceSize = 12

// encryptedFlag marks the payload as encrypted (3.1.1). Earlier 3.x
// dialects read the same field as the cipher ID, which for our supported
// set never collides.
const encryptedFlag uint16 = 0x0001

var (
	// ErrSealing is the sentinel wrapped by encryption setup failures.
	ErrSealing = errors.New("smb2: sealing")

	// ErrUnsealing is the sentinel wrapped by decryption failures,
	// including authentication tag mismatches.
	ErrUnsealing = errors.New("smb2: unsealing")
)

// TransformHeader is the decoded transform envelope header.
type TransformHeader struct {
	Signature    [16]byte
	Nonce        [16]byte
	OriginalSize uint32
	Flags        uint16
	SessionID    uint64
}

// Sealer encrypts outgoing and decrypts incoming messages for one session
// direction pair. Safe for concurrent use; the nonce counter is atomic.
type Sealer struct {
	encrypt   cipher.AEAD
	decrypt   cipher.AEAD
	sessionID uint64
	counter   atomic.Uint64
}

// NewSealer builds a Sealer from the session's derived cipher keys. Key
// length selects AES-128 or AES-256; the cipher ID must be one of the GCM
// variants.
func NewSealer(sessionID uint64, cipherID uint16, encryptionKey, decryptionKey []byte) (*Sealer, error) {
	if cipherID != types.CipherAES128GCM && cipherID != types.CipherAES256GCM {
		return nil, fmt.Errorf("%w: unsupported cipher 0x%04X", ErrSealing, cipherID)
	}

	enc, err := newGCM(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: encryption key: %v", ErrSealing, err)
	}
	dec, err := newGCM(decryptionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: decryption key: %v", ErrSealing, err)
	}

	return &Sealer{encrypt: enc, decrypt: dec, sessionID: sessionID}, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 16 && len(key) != 32 {
		return nil, fmt.Errorf("key must be 16 or 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// aad serializes the authenticated portion of the header: everything from
// the nonce to the session ID.
func aad(nonce [16]byte, originalSize uint32, flags uint16, sessionID uint64) []byte {
	w := wire.NewWriter(32)
	w.Bytes(nonce[:])
	w.Uint32(originalSize)
	w.Zeros(2)
	w.Uint16(flags)
	w.Uint64(sessionID)
	return w.Out()
}

// Seal encrypts a complete message and returns the transform envelope:
// header plus ciphertext.
func (s *Sealer) Seal(message []byte) ([]byte, error) {
	var nonce [16]byte
	binary.LittleEndian.PutUint64(nonce[:], s.counter.Add(1))

	size := uint32(len(message))
	additional := aad(nonce, size, encryptedFlag, s.sessionID)

	// Seal appends ciphertext then tag; the tag moves into the header.
	sealed := s.encrypt.Seal(nil, nonce[:gcmNonceSize], message, additional)
	ciphertext := sealed[:len(message)]
	tag := sealed[len(message):]

	w := wire.NewWriter(TransformHeaderSize + len(ciphertext))
	w.Uint32(types.TransformProtocolID)
	w.Bytes(tag)
	w.Bytes(additional)
	w.Bytes(ciphertext)
	if err := w.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealing, err)
	}
	return w.Out(), nil
}

// ParseTransformHeader decodes the envelope header without decrypting.
func ParseTransformHeader(data []byte) (*TransformHeader, error) {
	if len(data) < TransformHeaderSize {
		return nil, fmt.Errorf("%w: envelope of %d bytes", ErrUnsealing, len(data))
	}
	r := wire.NewReader(data)
	if id := r.Uint32(); id != types.TransformProtocolID {
		return nil, fmt.Errorf("%w: protocol ID 0x%08X", ErrUnsealing, id)
	}

	h := &TransformHeader{}
	copy(h.Signature[:], r.Bytes(16))
	copy(h.Nonce[:], r.Bytes(16))
	h.OriginalSize = r.Uint32()
	r.Skip(2)
	h.Flags = r.Uint16()
	h.SessionID = r.Uint64()
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsealing, err)
	}
	return h, nil
}

// Unseal authenticates and decrypts a transform envelope, returning the
// original message. Any mismatch, including a session ID that is not this
// sealer's, fails with ErrUnsealing.
func (s *Sealer) Unseal(envelope []byte) ([]byte, error) {
	h, err := ParseTransformHeader(envelope)
	if err != nil {
		return nil, err
	}
	if h.SessionID != s.sessionID {
		return nil, fmt.Errorf("%w: envelope for session %d on session %d",
			ErrUnsealing, h.SessionID, s.sessionID)
	}
	ciphertext := envelope[TransformHeaderSize:]
	if uint32(len(ciphertext)) != h.OriginalSize {
		return nil, fmt.Errorf("%w: declared size %d, ciphertext %d bytes",
			ErrUnsealing, h.OriginalSize, len(ciphertext))
	}

	additional := aad(h.Nonce, h.OriginalSize, h.Flags, h.SessionID)
	sealed := make([]byte, 0, len(ciphertext)+len(h.Signature))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, h.Signature[:]...)

	message, err := s.decrypt.Open(nil, h.Nonce[:gcmNonceSize], sealed, additional)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsealing, err)
	}
	return message, nil
}

// IsTransform reports whether the buffer begins with the transform
// protocol ID.
func IsTransform(data []byte) bool {
	return len(data) >= 4 && binary.LittleEndian.Uint32(data[0:4]) == types.TransformProtocolID
}
