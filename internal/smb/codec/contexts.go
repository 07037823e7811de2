package codec

import (
	"fmt"

	"github.com/marmos91/smbwire/internal/smb/wire"
)

// NegotiateContext is one SMB 3.1.1 negotiate context: a typed, length-
// prefixed extension record appended to NEGOTIATE messages.
//
// Wire form: ContextType (2), DataLength (2), Reserved (4), Data, with each
// context 8-aligned relative to the message header. [MS-SMB2] 2.2.3.1
type NegotiateContext struct {
	ContextType uint16
	Data        []byte
}

// PreauthIntegrityCaps is the SMB2_PREAUTH_INTEGRITY_CAPABILITIES context:
// the hash algorithms and salt feeding the preauth integrity chain.
type PreauthIntegrityCaps struct {
	HashAlgorithms []uint16
	Salt           []byte
}

// Encode serializes the capabilities to a negotiate context payload.
func (p PreauthIntegrityCaps) Encode() []byte {
	w := wire.NewWriter(4 + 2*len(p.HashAlgorithms) + len(p.Salt))
	w.Uint16(uint16(len(p.HashAlgorithms)))
	w.Uint16(uint16(len(p.Salt)))
	for _, alg := range p.HashAlgorithms {
		w.Uint16(alg)
	}
	w.Bytes(p.Salt)
	return w.Out()
}

// DecodePreauthIntegrityCaps parses a preauth integrity context payload.
func DecodePreauthIntegrityCaps(data []byte) (PreauthIntegrityCaps, error) {
	r := wire.NewReader(data)
	algCount := int(r.Uint16())
	saltLen := int(r.Uint16())

	algs := make([]uint16, 0, algCount)
	for range algCount {
		algs = append(algs, r.Uint16())
	}
	salt := r.Bytes(saltLen)
	if err := r.Err(); err != nil {
		return PreauthIntegrityCaps{}, fmt.Errorf("%w: preauth caps: %v", ErrMalformedBody, err)
	}
	return PreauthIntegrityCaps{HashAlgorithms: algs, Salt: salt}, nil
}

// EncryptionCaps is the SMB2_ENCRYPTION_CAPABILITIES context: the cipher IDs
// the sender supports, in preference order.
type EncryptionCaps struct {
	Ciphers []uint16
}

// Encode serializes the capabilities to a negotiate context payload.
func (e EncryptionCaps) Encode() []byte {
	w := wire.NewWriter(2 + 2*len(e.Ciphers))
	w.Uint16(uint16(len(e.Ciphers)))
	for _, c := range e.Ciphers {
		w.Uint16(c)
	}
	return w.Out()
}

// DecodeEncryptionCaps parses an encryption context payload.
func DecodeEncryptionCaps(data []byte) (EncryptionCaps, error) {
	r := wire.NewReader(data)
	count := int(r.Uint16())
	ciphers := make([]uint16, 0, count)
	for range count {
		ciphers = append(ciphers, r.Uint16())
	}
	if err := r.Err(); err != nil {
		return EncryptionCaps{}, fmt.Errorf("%w: encryption caps: %v", ErrMalformedBody, err)
	}
	return EncryptionCaps{Ciphers: ciphers}, nil
}

// SigningCaps is the SMB2_SIGNING_CAPABILITIES context: the signing
// algorithm IDs the sender supports, in preference order.
type SigningCaps struct {
	Algorithms []uint16
}

// Encode serializes the capabilities to a negotiate context payload.
func (s SigningCaps) Encode() []byte {
	w := wire.NewWriter(2 + 2*len(s.Algorithms))
	w.Uint16(uint16(len(s.Algorithms)))
	for _, a := range s.Algorithms {
		w.Uint16(a)
	}
	return w.Out()
}

// DecodeSigningCaps parses a signing context payload.
func DecodeSigningCaps(data []byte) (SigningCaps, error) {
	r := wire.NewReader(data)
	count := int(r.Uint16())
	algs := make([]uint16, 0, count)
	for range count {
		algs = append(algs, r.Uint16())
	}
	if err := r.Err(); err != nil {
		return SigningCaps{}, fmt.Errorf("%w: signing caps: %v", ErrMalformedBody, err)
	}
	return SigningCaps{Algorithms: algs}, nil
}

// encodeContexts appends the contexts to w, 8-aligning each one. The body
// begins at offset 64 from the message header, itself 8-aligned, so aligning
// on the writer position is equivalent to header-relative alignment.
func encodeContexts(w *wire.Writer, contexts []NegotiateContext) {
	for _, ctx := range contexts {
		w.Align(8)
		w.Uint16(ctx.ContextType)
		w.Uint16(uint16(len(ctx.Data)))
		w.Zeros(4)
		w.Bytes(ctx.Data)
	}
}

// decodeContexts walks count contexts located at body offset start.
func decodeContexts(body []byte, start, count int) ([]NegotiateContext, error) {
	contexts := make([]NegotiateContext, 0, count)
	off := start
	for i := range count {
		// Contexts after the first are aligned to 8 bytes.
		if rem := off % 8; rem != 0 {
			off += 8 - rem
		}
		if off+8 > len(body) {
			return nil, fmt.Errorf("%w: context %d header beyond body", ErrMalformedBody, i)
		}
		r := wire.NewReader(body[off:])
		ctxType := r.Uint16()
		dataLen := int(r.Uint16())
		r.Skip(4)
		data := r.Bytes(dataLen)
		if err := r.Err(); err != nil {
			return nil, fmt.Errorf("%w: context %d: %v", ErrMalformedBody, i, err)
		}
		contexts = append(contexts, NegotiateContext{ContextType: ctxType, Data: data})
		off += 8 + dataLen
	}
	return contexts, nil
}

// FindContext returns the first context of the given type, if present.
func FindContext(contexts []NegotiateContext, ctxType uint16) (NegotiateContext, bool) {
	for _, c := range contexts {
		if c.ContextType == ctxType {
			return c, true
		}
	}
	return NegotiateContext{}, false
}
