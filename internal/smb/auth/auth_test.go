package auth

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/jcmturner/gofork/encoding/asn1"
	"github.com/jcmturner/gokrb5/v8/spnego"
)

// =============================================================================
// NTLM message primitives
// =============================================================================

func TestIsNTLM(t *testing.T) {
	if IsNTLM([]byte("NTLMSSP")) {
		t.Error("short buffer must not validate")
	}
	msg := buildNegotiate()
	if !IsNTLM(msg) {
		t.Error("negotiate message must validate")
	}
	msg[0] = 'X'
	if IsNTLM(msg) {
		t.Error("corrupted signature must not validate")
	}
}

func TestBuildChallengeShape(t *testing.T) {
	msg, serverChallenge := BuildChallenge()

	if !IsNTLM(msg) {
		t.Fatal("challenge must carry the NTLMSSP signature")
	}
	if NTLMMessageType(msg) != Challenge {
		t.Fatalf("message type = %d, want %d", NTLMMessageType(msg), Challenge)
	}
	if !bytes.Equal(msg[24:32], serverChallenge[:]) {
		t.Error("embedded challenge does not match the returned one")
	}
	if serverChallenge == ([8]byte{}) {
		t.Error("server challenge must be random")
	}

	// Two challenges must differ.
	_, other := BuildChallenge()
	if other == serverChallenge {
		t.Error("consecutive challenges must not repeat")
	}
}

func TestParseAuthenticateRoundTrip(t *testing.T) {
	ntResponse := append(make([]byte, proofSize), []byte("blobblob")...)
	raw := buildAuthenticate("alice", "CORP", "WS01", ntResponse, nil, FlagUnicode)

	msg, err := ParseAuthenticate(raw)
	if err != nil {
		t.Fatalf("ParseAuthenticate: %v", err)
	}
	if msg.Username != "alice" {
		t.Errorf("Username = %q, want alice", msg.Username)
	}
	if msg.Domain != "CORP" {
		t.Errorf("Domain = %q, want CORP", msg.Domain)
	}
	if msg.Workstation != "WS01" {
		t.Errorf("Workstation = %q, want WS01", msg.Workstation)
	}
	if !bytes.Equal(msg.NtChallengeResponse, ntResponse) {
		t.Error("NtChallengeResponse mismatch")
	}
	if msg.IsAnonymous {
		t.Error("message is not anonymous")
	}
}

func TestParseAuthenticateRejectsBadInput(t *testing.T) {
	if _, err := ParseAuthenticate(make([]byte, 10)); !errors.Is(err, ErrMessageTooShort) {
		t.Errorf("short buffer: got %v", err)
	}

	junk := make([]byte, authBaseSize)
	if _, err := ParseAuthenticate(junk); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("bad signature: got %v", err)
	}

	if _, err := ParseAuthenticate(buildNegotiate()); !errors.Is(err, ErrMessageTooShort) {
		t.Errorf("negotiate message: got %v", err)
	}

	wrongType := buildAuthenticate("u", "", "", nil, nil, FlagUnicode)
	binary.LittleEndian.PutUint32(wrongType[8:12], uint32(Challenge))
	if _, err := ParseAuthenticate(wrongType); !errors.Is(err, ErrWrongMessageType) {
		t.Errorf("wrong type: got %v", err)
	}
}

func TestParseAuthenticateAnonymous(t *testing.T) {
	raw := buildAuthenticate("", "", "", nil, nil, FlagUnicode|FlagAnonymous)
	msg, err := ParseAuthenticate(raw)
	if err != nil {
		t.Fatalf("ParseAuthenticate: %v", err)
	}
	if !msg.IsAnonymous {
		t.Error("anonymous flag must be detected")
	}
}

// =============================================================================
// NTLMv2 computation
// =============================================================================

func TestComputeNTHashKnownVector(t *testing.T) {
	// MD4(UTF16LE("password")) per [MS-NLMP] examples.
	got := ComputeNTHash("password")
	want := []byte{
		0x88, 0x46, 0xf7, 0xea, 0xee, 0x8f, 0xb1, 0x17,
		0xad, 0x06, 0xbd, 0xd8, 0x30, 0xb7, 0x58, 0x6c,
	}
	if !bytes.Equal(got[:], want) {
		t.Errorf("ComputeNTHash = %x, want %x", got, want)
	}
}

func TestNTLMv2HashCaseFolding(t *testing.T) {
	ntHash := ComputeNTHash("secret")

	// The username is case-folded, the domain is not.
	if ComputeNTLMv2Hash(ntHash, "user", "D") != ComputeNTLMv2Hash(ntHash, "USER", "D") {
		t.Error("username must be case-insensitive")
	}
	if ComputeNTLMv2Hash(ntHash, "user", "dom") == ComputeNTLMv2Hash(ntHash, "user", "DOM") {
		t.Error("domain must be case-sensitive")
	}
}

func TestValidateNTLMv2Response(t *testing.T) {
	ntHash := ComputeNTHash("test123")
	serverChallenge := [8]byte{1, 2, 3, 4, 5, 6, 7, 8}
	response := clientNTLMv2Response(ntHash, "testuser", "TESTDOMAIN", serverChallenge)

	key, err := ValidateNTLMv2Response(ntHash, "testuser", "TESTDOMAIN", serverChallenge, response)
	if err != nil {
		t.Fatalf("ValidateNTLMv2Response: %v", err)
	}
	if key == ([16]byte{}) {
		t.Error("session base key must not be zero")
	}

	if _, err := ValidateNTLMv2Response(ntHash, "testuser", "TESTDOMAIN", serverChallenge, make([]byte, 20)); !errors.Is(err, ErrResponseTooShort) {
		t.Errorf("short response: got %v", err)
	}

	wrongHash := ComputeNTHash("wrong")
	if _, err := ValidateNTLMv2Response(wrongHash, "testuser", "TESTDOMAIN", serverChallenge, response); !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("wrong password: got %v", err)
	}

	wrongChallenge := [8]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	if _, err := ValidateNTLMv2Response(ntHash, "testuser", "TESTDOMAIN", wrongChallenge, response); !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("wrong challenge: got %v", err)
	}
}

func TestDeriveSigningKeyWithoutKeyExchange(t *testing.T) {
	base := [16]byte{1, 2, 3}
	if DeriveSigningKey(base, 0, nil) != base {
		t.Error("without key exchange the base key passes through")
	}
	// Key exchange flag but no wrapped key also passes through.
	if DeriveSigningKey(base, FlagKeyExchange, nil) != base {
		t.Error("missing wrapped key must fall back to the base key")
	}
}

// =============================================================================
// SPNEGO round trips
// =============================================================================

func TestSPNEGORoundTrip(t *testing.T) {
	inner := []byte("mechanism token")
	wrapped, err := BuildAcceptIncomplete(OIDNTLMSSP, inner)
	if err != nil {
		t.Fatalf("BuildAcceptIncomplete: %v", err)
	}

	parsed, err := ParseToken(wrapped)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if parsed.Type != TokenTypeResp {
		t.Fatalf("Type = %d, want resp", parsed.Type)
	}
	if parsed.NegState != NegStateAcceptIncomplete {
		t.Errorf("NegState = %d, want accept-incomplete", parsed.NegState)
	}
	if !parsed.SupportedMech.Equal(OIDNTLMSSP) {
		t.Errorf("SupportedMech = %v, want NTLMSSP", parsed.SupportedMech)
	}
	if !bytes.Equal(parsed.MechToken, inner) {
		t.Error("mechanism token mismatch")
	}
}

func TestSPNEGOReject(t *testing.T) {
	wrapped, err := BuildReject()
	if err != nil {
		t.Fatalf("BuildReject: %v", err)
	}
	parsed, err := ParseToken(wrapped)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if parsed.NegState != NegStateReject {
		t.Errorf("NegState = %d, want reject", parsed.NegState)
	}
}

func TestParseTokenRejectsGarbage(t *testing.T) {
	for _, in := range [][]byte{nil, {0x60}, []byte("not asn1 at all")} {
		if _, err := ParseToken(in); err == nil {
			t.Errorf("ParseToken(%x) must fail", in)
		}
	}
}

// =============================================================================
// Provider
// =============================================================================

type mapUserStore map[string]*User

func (m mapUserStore) Lookup(_ context.Context, username string) (*User, error) {
	return m[username], nil
}

func testStore(t *testing.T, password string) mapUserStore {
	t.Helper()
	return mapUserStore{
		"alice": {
			Name:      "alice",
			NTHash:    ComputeNTHash(password),
			HasNTHash: true,
			Enabled:   true,
		},
		"mallory": {
			Name:      "mallory",
			NTHash:    ComputeNTHash(password),
			HasNTHash: true,
			Enabled:   false,
		},
	}
}

func TestProviderEmptyTokenIsGuest(t *testing.T) {
	p := NewProvider(nil)
	res, err := p.Step(context.Background(), 1, nil)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if !res.Done || !res.Guest {
		t.Errorf("empty token must complete as guest, got %+v", res)
	}
}

func TestProviderFullNTLMHandshake(t *testing.T) {
	p := NewProvider(testStore(t, "hunter2"))
	ctx := context.Background()

	// Round one: NEGOTIATE in, CHALLENGE out.
	res, err := p.Step(ctx, 7, buildNegotiate())
	if err != nil {
		t.Fatalf("negotiate step: %v", err)
	}
	if res.Done {
		t.Fatal("negotiation must continue after the first round")
	}
	if !IsNTLM(res.Token) || NTLMMessageType(res.Token) != Challenge {
		t.Fatal("raw negotiate must get a raw challenge back")
	}
	var serverChallenge [8]byte
	copy(serverChallenge[:], res.Token[24:32])

	// Round two: AUTHENTICATE with a correct NTLMv2 response.
	ntHash := ComputeNTHash("hunter2")
	ntResponse := clientNTLMv2Response(ntHash, "alice", "CORP", serverChallenge)
	authMsg := buildAuthenticate("alice", "CORP", "WS01", ntResponse, nil, FlagUnicode)

	res, err = p.Step(ctx, 7, authMsg)
	if err != nil {
		t.Fatalf("authenticate step: %v", err)
	}
	if !res.Done || res.Guest {
		t.Fatalf("valid credentials must complete non-guest, got %+v", res)
	}
	if len(res.SessionKey) != 16 {
		t.Fatalf("SessionKey length = %d, want 16", len(res.SessionKey))
	}
}

func TestProviderWrongPasswordFails(t *testing.T) {
	p := NewProvider(testStore(t, "hunter2"))
	ctx := context.Background()

	res, err := p.Step(ctx, 9, buildNegotiate())
	if err != nil {
		t.Fatalf("negotiate step: %v", err)
	}
	var serverChallenge [8]byte
	copy(serverChallenge[:], res.Token[24:32])

	wrongHash := ComputeNTHash("letmein")
	ntResponse := clientNTLMv2Response(wrongHash, "alice", "CORP", serverChallenge)
	authMsg := buildAuthenticate("alice", "CORP", "", ntResponse, nil, FlagUnicode)

	if _, err := p.Step(ctx, 9, authMsg); !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("wrong password: got %v", err)
	}
}

func TestProviderDisabledAccountFails(t *testing.T) {
	p := NewProvider(testStore(t, "hunter2"))
	ctx := context.Background()

	res, err := p.Step(ctx, 11, buildNegotiate())
	if err != nil {
		t.Fatalf("negotiate step: %v", err)
	}
	var serverChallenge [8]byte
	copy(serverChallenge[:], res.Token[24:32])

	ntHash := ComputeNTHash("hunter2")
	ntResponse := clientNTLMv2Response(ntHash, "mallory", "CORP", serverChallenge)
	authMsg := buildAuthenticate("mallory", "CORP", "", ntResponse, nil, FlagUnicode)

	if _, err := p.Step(ctx, 11, authMsg); err == nil {
		t.Error("disabled account must be rejected")
	}
}

func TestProviderUnknownUserIsGuest(t *testing.T) {
	p := NewProvider(testStore(t, "hunter2"))
	ctx := context.Background()

	res, err := p.Step(ctx, 13, buildNegotiate())
	if err != nil {
		t.Fatalf("negotiate step: %v", err)
	}
	var serverChallenge [8]byte
	copy(serverChallenge[:], res.Token[24:32])

	ntHash := ComputeNTHash("whatever")
	ntResponse := clientNTLMv2Response(ntHash, "nobody", "CORP", serverChallenge)
	authMsg := buildAuthenticate("nobody", "CORP", "", ntResponse, nil, FlagUnicode)

	out, err := p.Step(ctx, 13, authMsg)
	if err != nil {
		t.Fatalf("authenticate step: %v", err)
	}
	if !out.Done || !out.Guest {
		t.Errorf("unknown user must fall back to guest, got %+v", out)
	}
}

func TestProviderSPNEGOWrappedHandshake(t *testing.T) {
	p := NewProvider(testStore(t, "hunter2"))
	ctx := context.Background()

	// The opening token is SPNEGO-wrapped, so the challenge must be too.
	init := spnegoInit(t, buildNegotiate())
	res, err := p.Step(ctx, 21, init)
	if err != nil {
		t.Fatalf("negotiate step: %v", err)
	}
	if res.Done {
		t.Fatal("negotiation must continue")
	}

	parsed, err := ParseToken(res.Token)
	if err != nil {
		t.Fatalf("challenge is not SPNEGO: %v", err)
	}
	if parsed.NegState != NegStateAcceptIncomplete {
		t.Errorf("NegState = %d, want accept-incomplete", parsed.NegState)
	}
	if NTLMMessageType(parsed.MechToken) != Challenge {
		t.Fatal("challenge missing inside SPNEGO wrapper")
	}
	var serverChallenge [8]byte
	copy(serverChallenge[:], parsed.MechToken[24:32])

	// Continuation wraps the AUTHENTICATE in a NegTokenResp.
	ntHash := ComputeNTHash("hunter2")
	ntResponse := clientNTLMv2Response(ntHash, "alice", "CORP", serverChallenge)
	authMsg := buildAuthenticate("alice", "CORP", "", ntResponse, nil, FlagUnicode)
	cont, err := BuildNegTokenResp(NegStateAcceptIncomplete, OIDNTLMSSP, authMsg)
	if err != nil {
		t.Fatalf("wrap authenticate: %v", err)
	}

	out, err := p.Step(ctx, 21, cont)
	if err != nil {
		t.Fatalf("authenticate step: %v", err)
	}
	if !out.Done || out.Guest || len(out.SessionKey) != 16 {
		t.Fatalf("wrapped handshake must complete non-guest with a key, got %+v", out)
	}
}

// =============================================================================
// Test helpers
// =============================================================================

// buildNegotiate creates a minimal Type 1 NEGOTIATE message.
func buildNegotiate() []byte {
	msg := make([]byte, 32)
	copy(msg[0:8], ntlmSignature)
	binary.LittleEndian.PutUint32(msg[8:12], uint32(Negotiate))
	binary.LittleEndian.PutUint32(msg[12:16], uint32(FlagUnicode|FlagNTLM|FlagExtendedSecurity))
	return msg
}

// buildAuthenticate creates a Type 3 AUTHENTICATE message carrying the
// given strings and responses.
func buildAuthenticate(username, domain, workstation string, ntResponse, sessionKey []byte, flags NegotiateFlag) []byte {
	domainBytes := encodeUTF16LE(domain)
	userBytes := encodeUTF16LE(username)
	wsBytes := encodeUTF16LE(workstation)

	payloads := [][]byte{nil, ntResponse, domainBytes, userBytes, wsBytes, sessionKey}
	total := authBaseSize
	for _, p := range payloads {
		total += len(p)
	}

	msg := make([]byte, total)
	copy(msg[0:8], ntlmSignature)
	binary.LittleEndian.PutUint32(msg[8:12], uint32(Authenticate))
	binary.LittleEndian.PutUint32(msg[60:64], uint32(flags))

	offset := authBaseSize
	for i, p := range payloads {
		base := 12 + 8*i
		binary.LittleEndian.PutUint16(msg[base:base+2], uint16(len(p)))
		binary.LittleEndian.PutUint16(msg[base+2:base+4], uint16(len(p)))
		binary.LittleEndian.PutUint32(msg[base+4:base+8], uint32(offset))
		copy(msg[offset:], p)
		offset += len(p)
	}
	return msg
}

// clientNTLMv2Response computes the client side of the challenge response.
func clientNTLMv2Response(ntHash [16]byte, username, domain string, serverChallenge [8]byte) []byte {
	// Minimal temp blob: version, timestamp, client challenge, AV terminator.
	blob := make([]byte, 28)
	blob[0] = 0x01
	blob[1] = 0x01
	copy(blob[16:24], []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 0x00, 0x11})

	ntlmv2Hash := ComputeNTLMv2Hash(ntHash, username, domain)
	proof := computeNTProofStr(ntlmv2Hash, serverChallenge, blob)
	return append(proof, blob...)
}

// spnegoInit wraps an NTLM token in a NegTokenInit the way clients do.
func spnegoInit(t *testing.T, mechToken []byte) []byte {
	t.Helper()
	init := spnego.NegTokenInit{
		MechTypes:      []asn1.ObjectIdentifier{OIDNTLMSSP},
		MechTokenBytes: mechToken,
	}
	out, err := init.Marshal()
	if err != nil {
		t.Fatalf("marshal NegTokenInit: %v", err)
	}
	return out
}
