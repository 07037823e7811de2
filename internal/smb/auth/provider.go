package auth

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/marmos91/smbwire/internal/logger"
	"github.com/marmos91/smbwire/internal/smb/engine"
)

// User is an account the provider can authenticate against.
type User struct {
	Name      string
	NTHash    [16]byte
	HasNTHash bool
	Enabled   bool
}

// UserStore resolves account names to users. Lookup returns nil with no
// error when the account does not exist.
type UserStore interface {
	Lookup(ctx context.Context, username string) (*User, error)
}

// Provider implements engine.AuthProvider over SPNEGO-wrapped NTLMv2.
//
// The first round stashes the server challenge under the engine's session
// ID so the AUTHENTICATE round can be validated against it. A nil user
// store resolves every authentication to guest.
//
// Safe for concurrent use.
type Provider struct {
	users UserStore

	// pending holds per-session challenge state between rounds.
	pending sync.Map // uint64 -> *pendingChallenge
}

type pendingChallenge struct {
	serverChallenge [8]byte
	wrapSPNEGO      bool
}

var _ engine.AuthProvider = (*Provider)(nil)

// NewProvider creates a Provider backed by the given user store.
func NewProvider(users UserStore) *Provider {
	return &Provider{users: users}
}

// Step processes one authentication token for a session.
func (p *Provider) Step(ctx context.Context, sessionID uint64, token []byte) (*engine.AuthResult, error) {
	if len(token) == 0 {
		return &engine.AuthResult{Done: true, Guest: true}, nil
	}

	// SPNEGO framing: GSSAPI wrapper, NegTokenInit, or NegTokenResp.
	if token[0] == 0x60 || token[0] == 0xa0 || token[0] == 0xa1 {
		parsed, err := ParseToken(token)
		if err == nil {
			switch parsed.Type {
			case TokenTypeInit:
				if parsed.HasKerberos() && !parsed.HasNTLM() {
					return nil, fmt.Errorf("auth: kerberos mechanism not supported")
				}
				if parsed.HasNTLM() && len(parsed.MechToken) > 0 {
					return p.stepNTLM(ctx, sessionID, parsed.MechToken, true)
				}
				return &engine.AuthResult{Done: true, Guest: true}, nil

			case TokenTypeResp:
				if len(parsed.MechToken) > 0 {
					return p.stepNTLM(ctx, sessionID, parsed.MechToken, true)
				}
			}
		}
	}

	if IsNTLM(token) {
		return p.stepNTLM(ctx, sessionID, token, false)
	}

	return &engine.AuthResult{Done: true, Guest: true}, nil
}

// stepNTLM handles a bare NTLM message, optionally re-wrapping the reply
// in SPNEGO.
func (p *Provider) stepNTLM(ctx context.Context, sessionID uint64, token []byte, wrapSPNEGO bool) (*engine.AuthResult, error) {
	switch NTLMMessageType(token) {
	case Negotiate:
		return p.challenge(sessionID, wrapSPNEGO)
	case Authenticate:
		return p.authenticate(ctx, sessionID, token)
	default:
		return nil, fmt.Errorf("auth: unexpected ntlm message type %d", NTLMMessageType(token))
	}
}

// challenge answers a NEGOTIATE with a CHALLENGE and records it.
func (p *Provider) challenge(sessionID uint64, wrapSPNEGO bool) (*engine.AuthResult, error) {
	msg, serverChallenge := BuildChallenge()
	p.pending.Store(sessionID, &pendingChallenge{
		serverChallenge: serverChallenge,
		wrapSPNEGO:      wrapSPNEGO,
	})

	out := msg
	if wrapSPNEGO {
		if wrapped, err := BuildAcceptIncomplete(OIDNTLMSSP, msg); err == nil {
			out = wrapped
		}
	}
	return &engine.AuthResult{Token: out}, nil
}

// authenticate validates an AUTHENTICATE message against the recorded
// challenge and resolves the user.
func (p *Provider) authenticate(ctx context.Context, sessionID uint64, token []byte) (*engine.AuthResult, error) {
	defer p.pending.Delete(sessionID)

	msg, err := ParseAuthenticate(token)
	if err != nil {
		return nil, fmt.Errorf("auth: parse authenticate: %w", err)
	}

	if msg.IsAnonymous || msg.Username == "" || p.users == nil {
		return p.complete(nil, true)
	}

	user, err := p.users.Lookup(ctx, msg.Username)
	if err != nil {
		return nil, fmt.Errorf("auth: user lookup: %w", err)
	}
	if user == nil {
		logger.Debug("unknown account, falling back to guest", "username", msg.Username)
		return p.complete(nil, true)
	}
	if !user.Enabled {
		return nil, fmt.Errorf("auth: account disabled: %s", msg.Username)
	}

	if !user.HasNTHash || len(msg.NtChallengeResponse) == 0 {
		// No stored credential to validate against, and no key material
		// for either side to sign with.
		return p.complete(nil, true)
	}

	pending, ok := p.loadPending(sessionID)
	if !ok {
		return nil, fmt.Errorf("auth: authenticate without prior challenge for session %d", sessionID)
	}

	sessionBaseKey, err := p.validate(user.NTHash, msg, pending.serverChallenge)
	if err != nil {
		return nil, err
	}

	key := DeriveSigningKey(sessionBaseKey, msg.NegotiateFlags, msg.EncryptedRandomSessionKey)
	return p.complete(key[:], false)
}

func (p *Provider) loadPending(sessionID uint64) (*pendingChallenge, bool) {
	v, ok := p.pending.Load(sessionID)
	if !ok {
		return nil, false
	}
	return v.(*pendingChallenge), true
}

// validate checks the NTLMv2 response. Clients are inconsistent about
// which domain string enters the hash, so a small set of candidates is
// tried before failing.
func (p *Provider) validate(ntHash [16]byte, msg *AuthenticateMessage, serverChallenge [8]byte) ([16]byte, error) {
	hostname, _ := os.Hostname()
	domains := uniqueStrings([]string{
		msg.Domain,
		"",
		strings.ToUpper(hostname),
		"WORKGROUP",
	})

	var lastErr error
	for _, domain := range domains {
		key, err := ValidateNTLMv2Response(ntHash, msg.Username, domain, serverChallenge, msg.NtChallengeResponse)
		if err == nil {
			return key, nil
		}
		lastErr = err
	}
	return [16]byte{}, lastErr
}

// complete builds the final result, wrapping an accept-completed SPNEGO
// token around it.
func (p *Provider) complete(sessionKey []byte, guest bool) (*engine.AuthResult, error) {
	token, err := BuildAcceptComplete(OIDNTLMSSP, nil)
	if err != nil {
		token = nil
	}
	return &engine.AuthResult{
		Token:      token,
		Done:       true,
		SessionKey: sessionKey,
		Guest:      guest,
	}, nil
}

func uniqueStrings(ss []string) []string {
	seen := make(map[string]bool, len(ss))
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
