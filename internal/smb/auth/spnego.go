package auth

import (
	"errors"
	"fmt"

	"github.com/jcmturner/gofork/encoding/asn1"
	"github.com/jcmturner/gokrb5/v8/spnego"
)

// Mechanism OIDs seen in SPNEGO negotiation. [RFC 4178]
var (
	// OIDNTLMSSP is the NTLM Security Support Provider (1.3.6.1.4.1.311.2.2.10).
	OIDNTLMSSP = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 2, 2, 10}

	// OIDKerberosV5 is Kerberos 5 per RFC 4121 (1.2.840.113554.1.2.2).
	OIDKerberosV5 = asn1.ObjectIdentifier{1, 2, 840, 113554, 1, 2, 2}

	// OIDMSKerberosV5 is the Microsoft Kerberos 5 variant (1.2.840.48018.1.2.2).
	OIDMSKerberosV5 = asn1.ObjectIdentifier{1, 2, 840, 48018, 1, 2, 2}
)

// NegState is the SPNEGO negotiation state. [RFC 4178] 4.2.2
type NegState int

const (
	NegStateAcceptCompleted  NegState = 0
	NegStateAcceptIncomplete NegState = 1
	NegStateReject           NegState = 2
)

var ErrInvalidToken = errors.New("spnego: invalid token format")

// TokenType distinguishes the client's opening token from continuations.
type TokenType int

const (
	TokenTypeInit TokenType = iota
	TokenTypeResp
)

// ParsedToken is the outcome of unwrapping one SPNEGO token.
type ParsedToken struct {
	Type          TokenType
	MechTypes     []asn1.ObjectIdentifier // init only
	MechToken     []byte
	NegState      NegState              // resp only
	SupportedMech asn1.ObjectIdentifier // resp only
}

// ParseToken unwraps a SPNEGO token. The input may be GSSAPI-wrapped
// (leading 0x60), a raw NegTokenInit (0xa0), or a raw NegTokenResp (0xa1).
func ParseToken(data []byte) (*ParsedToken, error) {
	if len(data) < 2 {
		return nil, ErrInvalidToken
	}

	isInit, token, err := spnego.UnmarshalNegToken(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if isInit {
		init, ok := token.(spnego.NegTokenInit)
		if !ok {
			return nil, ErrInvalidToken
		}
		return &ParsedToken{
			Type:      TokenTypeInit,
			MechTypes: init.MechTypes,
			MechToken: init.MechTokenBytes,
		}, nil
	}

	resp, ok := token.(spnego.NegTokenResp)
	if !ok {
		return nil, ErrInvalidToken
	}
	return &ParsedToken{
		Type:          TokenTypeResp,
		MechToken:     resp.ResponseToken,
		NegState:      NegState(resp.NegState),
		SupportedMech: resp.SupportedMech,
	}, nil
}

// HasMechanism reports whether an init token offers the given mechanism.
func (p *ParsedToken) HasMechanism(oid asn1.ObjectIdentifier) bool {
	for _, mech := range p.MechTypes {
		if mech.Equal(oid) {
			return true
		}
	}
	return false
}

// HasNTLM reports whether the token offers NTLM.
func (p *ParsedToken) HasNTLM() bool {
	return p.HasMechanism(OIDNTLMSSP)
}

// HasKerberos reports whether the token offers either Kerberos variant.
func (p *ParsedToken) HasKerberos() bool {
	return p.HasMechanism(OIDKerberosV5) || p.HasMechanism(OIDMSKerberosV5)
}

// BuildNegTokenResp serializes a server-side NegTokenResp.
func BuildNegTokenResp(state NegState, mech asn1.ObjectIdentifier, responseToken []byte) ([]byte, error) {
	resp := spnego.NegTokenResp{
		NegState:      asn1.Enumerated(state),
		SupportedMech: mech,
		ResponseToken: responseToken,
	}
	return resp.Marshal()
}

// BuildAcceptIncomplete wraps a mechanism challenge that needs more rounds.
func BuildAcceptIncomplete(mech asn1.ObjectIdentifier, responseToken []byte) ([]byte, error) {
	return BuildNegTokenResp(NegStateAcceptIncomplete, mech, responseToken)
}

// BuildAcceptComplete marks the negotiation as finished.
func BuildAcceptComplete(mech asn1.ObjectIdentifier, responseToken []byte) ([]byte, error) {
	return BuildNegTokenResp(NegStateAcceptCompleted, mech, responseToken)
}

// BuildReject reports authentication failure to the client.
func BuildReject() ([]byte, error) {
	return BuildNegTokenResp(NegStateReject, nil, nil)
}
