package conn

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/marmos91/smbwire/internal/smb/codec"
	"github.com/marmos91/smbwire/internal/smb/types"
)

// preauthSaltSize is the salt length carried in the server's preauth
// integrity context.
const preauthSaltSize = 32

// cipherPreference is the server's cipher order, best first.
var cipherPreference = []uint16{types.CipherAES256GCM, types.CipherAES128GCM}

// Negotiate runs the server side of dialect selection and, for 3.1.1, the
// negotiate-context exchange. On success the connection moves to the
// Negotiated state and the response is ready to encode. Failures wrap
// ErrNegotiation; the connection stays in Negotiating so a conforming peer
// could retry.
func (c *Connection) Negotiate(req *codec.NegotiateRequest) (*codec.NegotiateResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		return nil, ErrClosed
	case StateNegotiated:
		return nil, fmt.Errorf("%w: renegotiation attempt", ErrNegotiation)
	}

	selected, err := selectDialect(c.cfg.Dialects, req.Dialects)
	if err != nil {
		return nil, err
	}

	securityMode := types.SigningEnabled
	if c.cfg.SigningRequired {
		securityMode |= types.SigningRequired
	}

	var capabilities types.Capabilities
	if selected >= types.Dialect0210 {
		capabilities = types.CapLargeMTU
	}

	resp := &codec.NegotiateResponse{
		SecurityMode:    securityMode,
		Dialect:         selected,
		ServerGUID:      [16]byte(c.serverGUID),
		MaxTransactSize: c.cfg.MaxTransactSize,
		MaxReadSize:     c.cfg.MaxReadSize,
		MaxWriteSize:    c.cfg.MaxWriteSize,
		SystemTime:      toFiletime(time.Now()),
	}

	if selected == types.Dialect0311 {
		cipher, signingAlg, contexts, err := negotiateContexts(req.Contexts)
		if err != nil {
			return nil, err
		}
		c.cipher = cipher
		c.signingAlg = signingAlg
		if cipher != 0 {
			capabilities |= types.CapEncryption
		}
		resp.Contexts = contexts
	}
	resp.Capabilities = capabilities

	// The wildcard answer tells the client to re-negotiate with a
	// concrete dialect list; the connection stays in Negotiating.
	if selected == types.DialectWild {
		return resp, nil
	}

	c.dialect = selected
	c.clientGUID = req.ClientGUID
	c.capabilities = capabilities
	c.securityMode = securityMode
	c.state = StateNegotiated
	return resp, nil
}

// selectDialect picks the highest dialect both sides support. The wildcard
// revision 0x02FF stands in for "any 2.x": when it is the best the client
// offered, the server answers with the wildcard itself and the client
// re-negotiates with a concrete list.
func selectDialect(server, client []types.Dialect) (types.Dialect, error) {
	offered := make(map[types.Dialect]bool, len(client))
	wildcard := false
	for _, d := range client {
		if d == types.DialectWild {
			wildcard = true
			continue
		}
		offered[d] = true
	}

	var best types.Dialect
	for _, d := range server {
		if offered[d] && d > best {
			best = d
		}
	}

	if wildcard && best <= types.Dialect0202 {
		return types.DialectWild, nil
	}
	if best == 0 {
		return 0, fmt.Errorf("%w: no common dialect", ErrNegotiation)
	}
	return best, nil
}

// negotiateContexts works through the client's 3.1.1 contexts and produces
// the server's answers: the preauth integrity context is mandatory and must
// offer SHA-512; encryption and signing contexts are optional.
func negotiateContexts(contexts []codec.NegotiateContext) (cipher, signingAlg uint16, out []codec.NegotiateContext, err error) {
	preCtx, ok := codec.FindContext(contexts, types.NegCtxPreauthIntegrity)
	if !ok {
		return 0, 0, nil, fmt.Errorf("%w: 3.1.1 without preauth integrity context", ErrNegotiation)
	}
	pre, err := codec.DecodePreauthIntegrityCaps(preCtx.Data)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("%w: %v", ErrNegotiation, err)
	}
	if !containsAlg(pre.HashAlgorithms, types.HashSHA512) {
		return 0, 0, nil, fmt.Errorf("%w: peer offers no supported preauth hash", ErrNegotiation)
	}

	salt := make([]byte, preauthSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return 0, 0, nil, fmt.Errorf("%w: salt: %v", ErrNegotiation, err)
	}
	out = append(out, codec.NegotiateContext{
		ContextType: types.NegCtxPreauthIntegrity,
		Data: codec.PreauthIntegrityCaps{
			HashAlgorithms: []uint16{types.HashSHA512},
			Salt:           salt,
		}.Encode(),
	})

	if encCtx, ok := codec.FindContext(contexts, types.NegCtxEncryption); ok {
		enc, err := codec.DecodeEncryptionCaps(encCtx.Data)
		if err != nil {
			return 0, 0, nil, fmt.Errorf("%w: %v", ErrNegotiation, err)
		}
		for _, want := range cipherPreference {
			if containsAlg(enc.Ciphers, want) {
				cipher = want
				break
			}
		}
		// Cipher 0 in the response means no common cipher; the session
		// proceeds unencrypted rather than failing.
		out = append(out, codec.NegotiateContext{
			ContextType: types.NegCtxEncryption,
			Data:        codec.EncryptionCaps{Ciphers: []uint16{cipher}}.Encode(),
		})
	}

	signingAlg = types.SigningAlgAESCMAC
	if sigCtx, ok := codec.FindContext(contexts, types.NegCtxSigning); ok {
		sig, err := codec.DecodeSigningCaps(sigCtx.Data)
		if err != nil {
			return 0, 0, nil, fmt.Errorf("%w: %v", ErrNegotiation, err)
		}
		if containsAlg(sig.Algorithms, types.SigningAlgAESGMAC) {
			signingAlg = types.SigningAlgAESGMAC
		}
		out = append(out, codec.NegotiateContext{
			ContextType: types.NegCtxSigning,
			Data:        codec.SigningCaps{Algorithms: []uint16{signingAlg}}.Encode(),
		})
	}

	return cipher, signingAlg, out, nil
}

func containsAlg(haystack []uint16, needle uint16) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

// toFiletime converts to Windows FILETIME: 100ns intervals since 1601-01-01.
func toFiletime(t time.Time) uint64 {
	const epochDelta = 116444736000000000
	return uint64(t.UnixNano()/100) + epochDelta
}
