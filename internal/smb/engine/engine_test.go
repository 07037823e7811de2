package engine

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/smbwire/internal/smb/codec"
	"github.com/marmos91/smbwire/internal/smb/compound"
	"github.com/marmos91/smbwire/internal/smb/conn"
	"github.com/marmos91/smbwire/internal/smb/credit"
	"github.com/marmos91/smbwire/internal/smb/header"
	"github.com/marmos91/smbwire/internal/smb/kdf"
	"github.com/marmos91/smbwire/internal/smb/sealing"
	"github.com/marmos91/smbwire/internal/smb/session"
	"github.com/marmos91/smbwire/internal/smb/signing"
	"github.com/marmos91/smbwire/internal/smb/types"
)

var testSessionKey = bytes.Repeat([]byte{0x5C}, 16)

// fakeAuth completes after a configurable number of continuation rounds.
type fakeAuth struct {
	rounds int // continuation rounds before success
	guest  bool
	calls  int
}

func (a *fakeAuth) Step(_ context.Context, _ uint64, token []byte) (*AuthResult, error) {
	a.calls++
	if a.calls <= a.rounds {
		return &AuthResult{Token: []byte("challenge")}, nil
	}
	if a.guest {
		return &AuthResult{Done: true, Guest: true}, nil
	}
	return &AuthResult{Done: true, SessionKey: testSessionKey}, nil
}

// recordingHandler remembers every dispatched request.
type recordingHandler struct {
	requests []*Request
	status   types.Status
}

func (h *recordingHandler) Dispatch(_ context.Context, req *Request) (*Response, error) {
	h.requests = append(h.requests, req)
	return &Response{Status: h.status, Body: &codec.RawBody{Data: []byte{9, 0, 0, 0}}}, nil
}

type testRig struct {
	engine  *Engine
	conn    *conn.Connection
	handler *recordingHandler
	auth    *fakeAuth
}

func newRig(t *testing.T, cfg conn.Config, auth *fakeAuth) *testRig {
	t.Helper()
	c := conn.New(cfg)
	h := &recordingHandler{}
	e := New(Options{
		Conn:     c,
		Sessions: session.NewManager(3),
		ConnID:   1,
		Auth:     auth,
		Handler:  h,
		Policy:   credit.EchoPolicy{Config: credit.DefaultPolicyConfig()},
	})
	return &testRig{engine: e, conn: c, handler: h, auth: auth}
}

// request serializes one logical request message.
func request(t *testing.T, h *header.Header, body []byte) []byte {
	t.Helper()
	buf, _, err := compound.Join([]compound.Message{{Header: h, Body: body}})
	require.NoError(t, err)
	return buf
}

// firstResponse splits a response payload and returns its only message.
func firstResponse(t *testing.T, payload []byte) compound.Message {
	t.Helper()
	msgs, err := compound.Split(payload, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	return msgs[0]
}

func negotiateRequest(dialects []types.Dialect, contexts []codec.NegotiateContext) []byte {
	return (&codec.NegotiateRequest{
		SecurityMode: types.SigningEnabled,
		Dialects:     dialects,
		Contexts:     contexts,
	}).Encode()
}

// negotiate runs a NEGOTIATE exchange and returns request and response
// payloads for callers that track the preauth chain.
func (r *testRig) negotiate(t *testing.T, dialects []types.Dialect, contexts []codec.NegotiateContext) (reqPayload, respPayload []byte) {
	t.Helper()
	reqPayload = request(t, &header.Header{
		Command:      types.Negotiate,
		CreditCharge: 1,
		Credits:      16,
		MessageID:    0,
	}, negotiateRequest(dialects, contexts))

	respPayload, err := r.engine.HandleMessage(context.Background(), reqPayload)
	require.NoError(t, err)

	resp := firstResponse(t, respPayload)
	require.Equal(t, types.StatusSuccess, resp.Header.Status)
	return reqPayload, respPayload
}

// authenticate runs a single-round SESSION_SETUP and returns the session
// ID plus both payloads.
func (r *testRig) authenticate(t *testing.T, messageID uint64) (uint64, []byte, []byte) {
	t.Helper()
	reqPayload := request(t, &header.Header{
		Command:      types.SessionSetup,
		CreditCharge: 1,
		Credits:      16,
		MessageID:    messageID,
	}, (&codec.SessionSetupRequest{SecurityToken: []byte("negTokenInit")}).Encode())

	respPayload, err := r.engine.HandleMessage(context.Background(), reqPayload)
	require.NoError(t, err)

	resp := firstResponse(t, respPayload)
	require.Equal(t, types.StatusSuccess, resp.Header.Status)
	require.NotZero(t, resp.Header.SessionID)
	return resp.Header.SessionID, reqPayload, respPayload
}

func TestHandshakeAndEcho(t *testing.T) {
	rig := newRig(t, conn.Config{}, &fakeAuth{})

	rig.negotiate(t, []types.Dialect{types.Dialect0202, types.Dialect0210}, nil)
	assert.Equal(t, types.Dialect0210, rig.conn.Dialect())

	sid, _, respPayload := rig.authenticate(t, 1)

	// The final session setup response is signed with the new key.
	resp := firstResponse(t, respPayload)
	assert.True(t, resp.Header.IsSigned())
	signer := signing.NewHMACSigner(testSessionKey)
	assert.True(t, signer.Verify(respPayload))

	// A signed echo on the session round-trips.
	echo := request(t, &header.Header{
		Command:      types.Echo,
		CreditCharge: 1,
		Credits:      1,
		MessageID:    2,
		SessionID:    sid,
	}, codec.EchoRequest{}.Encode())
	signing.SignMessage(signer, echo)

	out, err := rig.engine.HandleMessage(context.Background(), echo)
	require.NoError(t, err)
	echoResp := firstResponse(t, out)
	assert.Equal(t, types.StatusSuccess, echoResp.Header.Status)
	assert.Equal(t, types.Echo, echoResp.Header.Command)
	assert.True(t, signer.Verify(out))
}

func TestMultiRoundAuthentication(t *testing.T) {
	rig := newRig(t, conn.Config{}, &fakeAuth{rounds: 2})
	rig.negotiate(t, []types.Dialect{types.Dialect0210}, nil)

	// Round one: session allocated, exchange continues.
	req := request(t, &header.Header{
		Command: types.SessionSetup, CreditCharge: 1, Credits: 8, MessageID: 1,
	}, (&codec.SessionSetupRequest{SecurityToken: []byte("r1")}).Encode())
	out, err := rig.engine.HandleMessage(context.Background(), req)
	require.NoError(t, err)

	resp := firstResponse(t, out)
	require.Equal(t, types.StatusMoreProcessingRequired, resp.Header.Status)
	sid := resp.Header.SessionID
	require.NotZero(t, sid)

	body, err := codec.DecodeSessionSetupResponse(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, []byte("challenge"), body.SecurityToken)

	// Later rounds ride on the allocated session ID.
	for id := uint64(2); ; id++ {
		req = request(t, &header.Header{
			Command: types.SessionSetup, CreditCharge: 1, Credits: 8,
			MessageID: id, SessionID: sid,
		}, (&codec.SessionSetupRequest{SecurityToken: []byte("rN")}).Encode())
		out, err = rig.engine.HandleMessage(context.Background(), req)
		require.NoError(t, err)
		resp = firstResponse(t, out)
		if resp.Header.Status == types.StatusSuccess {
			break
		}
		require.Equal(t, types.StatusMoreProcessingRequired, resp.Header.Status)
	}
	assert.Equal(t, 3, rig.auth.calls)
}

func TestAuthenticationRoundBound(t *testing.T) {
	rig := newRig(t, conn.Config{}, &fakeAuth{rounds: 100})
	rig.negotiate(t, []types.Dialect{types.Dialect0210}, nil)

	var sid uint64
	var last types.Status
	for id := uint64(1); id < 10; id++ {
		req := request(t, &header.Header{
			Command: types.SessionSetup, CreditCharge: 1, Credits: 8,
			MessageID: id, SessionID: sid,
		}, (&codec.SessionSetupRequest{SecurityToken: []byte("r")}).Encode())
		out, err := rig.engine.HandleMessage(context.Background(), req)
		require.NoError(t, err)
		resp := firstResponse(t, out)
		last = resp.Header.Status
		if last != types.StatusMoreProcessingRequired {
			break
		}
		sid = resp.Header.SessionID
	}
	assert.Equal(t, types.StatusLogonFailure, last)
}

func TestCommandBeforeNegotiation(t *testing.T) {
	rig := newRig(t, conn.Config{}, &fakeAuth{})

	req := request(t, &header.Header{
		Command: types.Echo, CreditCharge: 1, MessageID: 0,
	}, codec.EchoRequest{}.Encode())

	out, err := rig.engine.HandleMessage(context.Background(), req)
	require.NoError(t, err)
	resp := firstResponse(t, out)
	assert.Equal(t, types.StatusInvalidParameter, resp.Header.Status)
	assert.True(t, resp.Header.Status.IsError())
}

func TestCreditExhaustionIsFatal(t *testing.T) {
	rig := newRig(t, conn.Config{InitialCredits: 1, MaxCredits: 1}, &fakeAuth{})
	rig.negotiate(t, []types.Dialect{types.Dialect0210}, nil)

	// One credit available, a charge of two is a flow-control violation.
	req := request(t, &header.Header{
		Command: types.Echo, CreditCharge: 2, MessageID: 1,
	}, codec.EchoRequest{}.Encode())

	_, err := rig.engine.HandleMessage(context.Background(), req)
	require.ErrorIs(t, err, credit.ErrCreditExceeded)
}

func TestReplayedMessageIDIsFatal(t *testing.T) {
	rig := newRig(t, conn.Config{}, &fakeAuth{})
	rig.negotiate(t, []types.Dialect{types.Dialect0210}, nil)

	req := request(t, &header.Header{
		Command: types.Echo, CreditCharge: 1, MessageID: 0,
	}, codec.EchoRequest{}.Encode())

	_, err := rig.engine.HandleMessage(context.Background(), req)
	require.ErrorIs(t, err, conn.ErrSequence)
}

func TestTamperedMessageNeverDispatched(t *testing.T) {
	rig := newRig(t, conn.Config{}, &fakeAuth{})
	rig.negotiate(t, []types.Dialect{types.Dialect0210}, nil)
	sid, _, _ := rig.authenticate(t, 1)

	req := request(t, &header.Header{
		Command: types.Write, CreditCharge: 1, MessageID: 2, SessionID: sid,
	}, []byte{49, 0, 0, 0, 0xAA, 0xBB})
	signing.SignMessage(signing.NewHMACSigner(testSessionKey), req)
	req[header.Size+4] ^= 0x01 // corrupt the signed body

	_, err := rig.engine.HandleMessage(context.Background(), req)
	require.ErrorIs(t, err, ErrIntegrity)
	assert.Empty(t, rig.handler.requests, "tampered message must not reach the handler")
}

func TestUnsignedTrafficOnRequiredSigningIsFatal(t *testing.T) {
	rig := newRig(t, conn.Config{SigningRequired: true}, &fakeAuth{})
	rig.negotiate(t, []types.Dialect{types.Dialect0210}, nil)
	sid, _, _ := rig.authenticate(t, 1)

	req := request(t, &header.Header{
		Command: types.Write, CreditCharge: 1, MessageID: 2, SessionID: sid,
	}, []byte{49, 0, 0, 0})

	_, err := rig.engine.HandleMessage(context.Background(), req)
	require.ErrorIs(t, err, ErrIntegrity)
}

func TestGuestRejectedWhenSigningRequired(t *testing.T) {
	rig := newRig(t, conn.Config{SigningRequired: true}, &fakeAuth{guest: true})
	rig.negotiate(t, []types.Dialect{types.Dialect0210}, nil)

	req := request(t, &header.Header{
		Command: types.SessionSetup, CreditCharge: 1, Credits: 8, MessageID: 1,
	}, (&codec.SessionSetupRequest{SecurityToken: []byte("anon")}).Encode())
	out, err := rig.engine.HandleMessage(context.Background(), req)
	require.NoError(t, err)

	resp := firstResponse(t, out)
	assert.Equal(t, types.StatusLogonFailure, resp.Header.Status)
}

func TestRelatedCompoundInheritsSession(t *testing.T) {
	rig := newRig(t, conn.Config{}, &fakeAuth{})
	rig.negotiate(t, []types.Dialect{types.Dialect0210}, nil)
	sid, _, _ := rig.authenticate(t, 1)

	first := &header.Header{
		Command: types.Create, CreditCharge: 1, Credits: 4,
		MessageID: 2, SessionID: sid,
	}
	second := &header.Header{
		Command: types.Read, CreditCharge: 1, Credits: 4,
		MessageID: 3, Flags: types.FlagRelated,
	}
	payload, _, err := compound.Join([]compound.Message{
		{Header: first, Body: []byte{57, 0, 0, 0, 0, 0, 0, 0}},
		{Header: second, Body: []byte{49, 0, 0, 0, 0, 0, 0, 0}},
	})
	require.NoError(t, err)

	out, err := rig.engine.HandleMessage(context.Background(), payload)
	require.NoError(t, err)

	require.Len(t, rig.handler.requests, 2)
	assert.Equal(t, sid, rig.handler.requests[0].SessionID)
	assert.Equal(t, sid, rig.handler.requests[1].SessionID, "related message inherits the session")

	msgs, err := compound.Split(out, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, uint64(2), msgs[0].Header.MessageID)
	assert.Equal(t, uint64(3), msgs[1].Header.MessageID)
	assert.True(t, msgs[1].Header.IsRelated())
}

func TestUnknownSessionGetsStatusResponse(t *testing.T) {
	rig := newRig(t, conn.Config{}, &fakeAuth{})
	rig.negotiate(t, []types.Dialect{types.Dialect0210}, nil)

	req := request(t, &header.Header{
		Command: types.Echo, CreditCharge: 1, MessageID: 1, SessionID: 999,
	}, codec.EchoRequest{}.Encode())

	out, err := rig.engine.HandleMessage(context.Background(), req)
	require.NoError(t, err)
	resp := firstResponse(t, out)
	assert.Equal(t, types.StatusUserSessionDeleted, resp.Header.Status)
}

func TestLogoffInvalidatesSession(t *testing.T) {
	rig := newRig(t, conn.Config{}, &fakeAuth{})
	rig.negotiate(t, []types.Dialect{types.Dialect0210}, nil)
	sid, _, _ := rig.authenticate(t, 1)

	signer := signing.NewHMACSigner(testSessionKey)
	logoff := request(t, &header.Header{
		Command: types.Logoff, CreditCharge: 1, MessageID: 2, SessionID: sid,
	}, codec.LogoffRequest{}.Encode())
	signing.SignMessage(signer, logoff)

	out, err := rig.engine.HandleMessage(context.Background(), logoff)
	require.NoError(t, err)
	resp := firstResponse(t, out)
	assert.Equal(t, types.StatusSuccess, resp.Header.Status)
	assert.True(t, signer.Verify(out), "logoff response is signed with the departing key")

	// The session is gone.
	echo := request(t, &header.Header{
		Command: types.Echo, CreditCharge: 1, MessageID: 3, SessionID: sid,
	}, codec.EchoRequest{}.Encode())
	out, err = rig.engine.HandleMessage(context.Background(), echo)
	require.NoError(t, err)
	assert.Equal(t, types.StatusUserSessionDeleted, firstResponse(t, out).Header.Status)
}

func TestEncrypted311Exchange(t *testing.T) {
	rig := newRig(t, conn.Config{}, &fakeAuth{})

	contexts := []codec.NegotiateContext{
		{
			ContextType: types.NegCtxPreauthIntegrity,
			Data: codec.PreauthIntegrityCaps{
				HashAlgorithms: []uint16{types.HashSHA512},
				Salt:           bytes.Repeat([]byte{0x77}, 32),
			}.Encode(),
		},
		{
			ContextType: types.NegCtxEncryption,
			Data: codec.EncryptionCaps{
				Ciphers: []uint16{types.CipherAES128GCM, types.CipherAES256GCM},
			}.Encode(),
		},
	}

	// Mirror the server's preauth chain from the exchanged bytes.
	var chain conn.PreauthState
	negReq, negResp := rig.negotiate(t, []types.Dialect{types.Dialect0311}, contexts)
	require.Equal(t, types.CipherAES256GCM, rig.conn.Cipher())
	chain.Update(negReq)
	chain.Update(negResp)

	ssReq := request(t, &header.Header{
		Command: types.SessionSetup, CreditCharge: 1, Credits: 16, MessageID: 1,
	}, (&codec.SessionSetupRequest{SecurityToken: []byte("negTokenInit")}).Encode())
	chain.Update(ssReq)

	out, err := rig.engine.HandleMessage(context.Background(), ssReq)
	require.NoError(t, err)
	resp := firstResponse(t, out)
	require.Equal(t, types.StatusSuccess, resp.Header.Status)
	sid := resp.Header.SessionID

	body, err := codec.DecodeSessionSetupResponse(resp.Body)
	require.NoError(t, err)
	assert.NotZero(t, body.SessionFlags&codec.SessionFlagEncryptData)

	// Derive the client side of the keys and verify the final response
	// signature, then run an encrypted echo.
	keys := kdf.DeriveSessionKeys(testSessionKey, types.Dialect0311, types.CipherAES256GCM, chain.Hash())
	signer := signing.NewCMACSigner(keys.Signing)
	assert.True(t, signer.Verify(out))

	clientSealer, err := sealing.NewSealer(sid, types.CipherAES256GCM, keys.Encryption, keys.Decryption)
	require.NoError(t, err)

	echo := request(t, &header.Header{
		Command: types.Echo, CreditCharge: 1, MessageID: 2, SessionID: sid,
	}, codec.EchoRequest{}.Encode())
	envelope, err := clientSealer.Seal(echo)
	require.NoError(t, err)

	sealedResp, err := rig.engine.HandleMessage(context.Background(), envelope)
	require.NoError(t, err)
	require.True(t, sealing.IsTransform(sealedResp), "response to an encrypted request is encrypted")

	plain, err := clientSealer.Unseal(sealedResp)
	require.NoError(t, err)
	echoResp := firstResponse(t, plain)
	assert.Equal(t, types.StatusSuccess, echoResp.Header.Status)
	assert.Equal(t, types.Echo, echoResp.Header.Command)
}

func TestCloseUnbindsSessions(t *testing.T) {
	rig := newRig(t, conn.Config{}, &fakeAuth{})
	rig.negotiate(t, []types.Dialect{types.Dialect0210}, nil)
	rig.authenticate(t, 1)

	orphaned := rig.engine.Close()
	require.Len(t, orphaned, 1)
	assert.Equal(t, conn.StateClosed, rig.conn.State())

	_, err := rig.engine.HandleMessage(context.Background(), request(t, &header.Header{
		Command: types.Echo, CreditCharge: 1, MessageID: 2,
	}, codec.EchoRequest{}.Encode()))
	require.ErrorIs(t, err, conn.ErrClosed)
}

func TestUnderchargedMessageRejected(t *testing.T) {
	rig := newRig(t, conn.Config{}, &fakeAuth{})
	rig.negotiate(t, []types.Dialect{types.Dialect0210}, nil)

	// A body past 64 KiB needs a charge of two; declaring one is a peer
	// error answered with a status, not a teardown.
	oversized := append(codec.EchoRequest{}.Encode(), make([]byte, 68*1024)...)
	respPayload, err := rig.engine.HandleMessage(context.Background(), request(t, &header.Header{
		Command:      types.Echo,
		CreditCharge: 1,
		Credits:      1,
		MessageID:    1,
	}, oversized))
	require.NoError(t, err)

	resp := firstResponse(t, respPayload)
	assert.Equal(t, types.Echo, resp.Header.Command)
	assert.Equal(t, types.StatusInvalidParameter, resp.Header.Status)
}

func TestLegacyNegotiateWildcard(t *testing.T) {
	rig := newRig(t, conn.Config{}, &fakeAuth{})

	opener := codec.EncodeSMB1NegotiateRequest([]string{
		"NT LM 0.12", codec.SMB1DialectSMB2002, codec.SMB1DialectSMB2Wildcard,
	})
	respPayload, err := rig.engine.HandleMessage(context.Background(), opener)
	require.NoError(t, err)

	resp := firstResponse(t, respPayload)
	assert.Equal(t, types.Negotiate, resp.Header.Command)
	assert.Equal(t, types.StatusSuccess, resp.Header.Status)
	assert.Zero(t, resp.Header.MessageID)

	body, err := codec.DecodeNegotiateResponse(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, types.DialectWild, body.Dialect)

	// The wildcard answer leaves the connection negotiating; the client
	// renegotiates in SMB2 on the next message ID.
	require.Equal(t, conn.StateNegotiating, rig.conn.State())
	reNeg := request(t, &header.Header{
		Command:      types.Negotiate,
		CreditCharge: 1,
		Credits:      16,
		MessageID:    1,
	}, negotiateRequest([]types.Dialect{types.Dialect0202, types.Dialect0210}, nil))
	respPayload, err = rig.engine.HandleMessage(context.Background(), reNeg)
	require.NoError(t, err)
	require.Equal(t, types.StatusSuccess, firstResponse(t, respPayload).Header.Status)
	assert.Equal(t, types.Dialect0210, rig.conn.Dialect())
}

func TestLegacyNegotiateSettles202(t *testing.T) {
	rig := newRig(t, conn.Config{}, &fakeAuth{})

	opener := codec.EncodeSMB1NegotiateRequest([]string{"NT LM 0.12", codec.SMB1DialectSMB2002})
	respPayload, err := rig.engine.HandleMessage(context.Background(), opener)
	require.NoError(t, err)

	body, err := codec.DecodeNegotiateResponse(firstResponse(t, respPayload).Body)
	require.NoError(t, err)
	assert.Equal(t, types.Dialect0202, body.Dialect)
	assert.Equal(t, types.Dialect0202, rig.conn.Dialect())
}

func TestLegacyNegotiateWithoutSMB2IsFatal(t *testing.T) {
	rig := newRig(t, conn.Config{}, &fakeAuth{})

	opener := codec.EncodeSMB1NegotiateRequest([]string{"NT LM 0.12", "LANMAN1.0"})
	_, err := rig.engine.HandleMessage(context.Background(), opener)
	require.ErrorIs(t, err, conn.ErrNegotiation)
}
