package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/marmos91/smbwire/internal/logger"
	"github.com/marmos91/smbwire/internal/smb/codec"
	"github.com/marmos91/smbwire/internal/smb/compound"
	"github.com/marmos91/smbwire/internal/smb/conn"
	"github.com/marmos91/smbwire/internal/smb/header"
	"github.com/marmos91/smbwire/internal/smb/session"
	"github.com/marmos91/smbwire/internal/smb/types"
)

// handleNegotiate runs dialect selection against the connection state
// machine and, for 3.1.1, starts the preauth integrity chain.
func (e *Engine) handleNegotiate(m compound.Message, sessionID uint64, treeID uint32) (unitResult, error) {
	req, err := codec.DecodeNegotiateRequest(m.Body)
	if err != nil {
		return unitResult{}, err
	}

	resp, err := e.conn.Negotiate(req)
	if err != nil {
		if errors.Is(err, conn.ErrNegotiation) {
			logger.Debug("negotiation rejected", "error", err)
			return e.statusResult(m, sessionID, treeID, types.StatusNotSupported), nil
		}
		return unitResult{}, err
	}

	logger.Debug("dialect negotiated",
		"dialect", resp.Dialect.String(),
		"signingRequired", e.conn.SigningRequired(),
		"cipher", e.conn.Cipher())

	res := e.bodyResult(m, sessionID, treeID, types.StatusSuccess, resp)
	if resp.Dialect == types.Dialect0311 {
		e.conn.Preauth().Update(append(m.Header.Encode(), m.Body...))
		res.hashInto = e.conn.Preauth()
	}
	return res, nil
}

// handleMultiProtocolNegotiate answers a legacy SMB1 negotiate with an
// SMB2 NEGOTIATE response, steering the client onto SMB2 framing. Offering
// "SMB 2.???" selects the wildcard revision and the client re-negotiates
// in SMB2; offering only "SMB 2.002" settles the dialect directly. A peer
// with no SMB2 dialect string cannot be served at all.
func (e *Engine) handleMultiProtocolNegotiate(payload []byte) ([]byte, error) {
	req, err := codec.DecodeSMB1NegotiateRequest(payload)
	if err != nil {
		return nil, err
	}

	// The legacy opener occupies message ID zero; the SMB2 negotiate that
	// follows a wildcard answer arrives with message ID one.
	if err := e.conn.ConsumeMessageID(0); err != nil {
		return nil, err
	}

	dialects := req.SMB2Dialects()
	if len(dialects) == 0 {
		return nil, fmt.Errorf("%w: legacy peer offers no smb2 dialect", conn.ErrNegotiation)
	}

	resp, err := e.conn.Negotiate(&codec.NegotiateRequest{Dialects: dialects})
	if err != nil {
		return nil, err
	}

	logger.Debug("answered legacy negotiate", "dialect", resp.Dialect.String())

	joined, _, err := compound.Join([]compound.Message{{
		Header: &header.Header{
			Command: types.Negotiate,
			Credits: 1,
			Flags:   types.FlagResponse,
		},
		Body: resp.Encode(),
	}})
	return joined, err
}

// handleSessionSetup drives one round of the authentication exchange, or a
// multi-channel bind.
func (e *Engine) handleSessionSetup(ctx context.Context, m compound.Message, sessionID uint64, treeID uint32) (unitResult, error) {
	req, err := codec.DecodeSessionSetupRequest(m.Body)
	if err != nil {
		return unitResult{}, err
	}

	if req.Binding() {
		return e.handleBinding(m, sessionID, treeID)
	}

	sess, err := e.authSession(sessionID)
	if err != nil {
		return e.statusResult(m, sessionID, treeID, types.StatusUserSessionDeleted), nil
	}

	if err := sess.BeginRound(); err != nil {
		e.sessions.Delete(sess.ID())
		return e.statusResult(m, sess.ID(), treeID, types.StatusLogonFailure), nil
	}

	if e.auth == nil {
		sess.Logoff()
		e.sessions.Delete(sess.ID())
		return e.statusResult(m, sess.ID(), treeID, types.StatusLogonFailure), nil
	}

	// Fold the request into the session's preauth chain before the
	// provider runs; a successful final round derives keys from the
	// chain as of this request.
	var preauth *conn.PreauthState
	if e.conn.Dialect() == types.Dialect0311 {
		preauth = e.pendingPreauth[sess.ID()]
		if preauth == nil {
			preauth = e.conn.Preauth().Fork()
		}
		preauth.Update(append(m.Header.Encode(), m.Body...))
	}

	result, err := e.auth.Step(ctx, sess.ID(), req.SecurityToken)
	if err != nil {
		logger.Info("authentication failed", "sessionId", sess.ID(), "error", err)
		delete(e.pendingPreauth, sess.ID())
		sess.Logoff()
		e.sessions.Delete(sess.ID())
		return e.statusResult(m, sess.ID(), treeID, types.StatusLogonFailure), nil
	}

	if !result.Done {
		if preauth != nil {
			e.pendingPreauth[sess.ID()] = preauth
		}
		res := e.bodyResult(m, sess.ID(), treeID, types.StatusMoreProcessingRequired,
			&codec.SessionSetupResponse{SecurityToken: result.Token})
		res.hashInto = preauth
		return res, nil
	}

	delete(e.pendingPreauth, sess.ID())
	return e.completeAuth(m, treeID, sess, result, preauth)
}

// authSession resolves the session an authentication round belongs to:
// a fresh one on session ID zero, the in-flight one otherwise.
func (e *Engine) authSession(sessionID uint64) (*session.Session, error) {
	if sessionID == 0 {
		return e.sessions.Create(), nil
	}
	return e.sessions.Get(sessionID)
}

// completeAuth finishes the exchange: derives keys, binds the connection,
// and signs the final response with the new key.
func (e *Engine) completeAuth(m compound.Message, treeID uint32, sess *session.Session, result *AuthResult, preauth *conn.PreauthState) (unitResult, error) {
	var sessionFlags uint16

	if result.Guest {
		if e.conn.SigningRequired() {
			// A guest has no key to sign with; the negotiated policy
			// cannot be met.
			sess.Logoff()
			e.sessions.Delete(sess.ID())
			return e.statusResult(m, sess.ID(), treeID, types.StatusLogonFailure), nil
		}
		if err := sess.CompleteGuest(); err != nil {
			return e.statusResult(m, sess.ID(), treeID, types.StatusLogonFailure), nil
		}
		sessionFlags |= codec.SessionFlagIsGuest
	} else {
		var hash [64]byte
		if preauth != nil {
			hash = preauth.Hash()
		}
		err := sess.Complete(result.SessionKey, e.conn.Dialect(), e.conn.Cipher(),
			e.conn.SigningAlgorithm(), hash, e.conn.SigningRequired())
		if err != nil {
			return e.statusResult(m, sess.ID(), treeID, types.StatusLogonFailure), nil
		}
	}

	if err := sess.Bind(e.connID); err != nil {
		return unitResult{}, fmt.Errorf("bind session %d: %w", sess.ID(), err)
	}

	if sess.Sealer() != nil {
		sessionFlags |= codec.SessionFlagEncryptData
	}

	logger.Info("session authenticated",
		"sessionId", sess.ID(),
		"guest", result.Guest,
		"encrypted", sess.Sealer() != nil)

	res := e.bodyResult(m, sess.ID(), treeID, types.StatusSuccess,
		&codec.SessionSetupResponse{SessionFlags: sessionFlags, SecurityToken: result.Token})
	res.sign = sess.Signer()
	return res, nil
}

// handleBinding associates an authenticated session with this connection.
// The bind request must be signed with the session's key; verifyInbound
// already checked the signature, so only its presence is enforced here.
func (e *Engine) handleBinding(m compound.Message, sessionID uint64, treeID uint32) (unitResult, error) {
	if sessionID == 0 {
		return e.statusResult(m, sessionID, treeID, types.StatusInvalidParameter), nil
	}
	sess, err := e.sessions.Get(sessionID)
	if err != nil {
		return e.statusResult(m, sessionID, treeID, types.StatusUserSessionDeleted), nil
	}
	if !m.Header.IsSigned() {
		return unitResult{}, fmt.Errorf("%w: unsigned session bind for %d", ErrIntegrity, sessionID)
	}
	if err := sess.Bind(e.connID); err != nil {
		return e.statusResult(m, sessionID, treeID, types.StatusUserSessionDeleted), nil
	}

	logger.Info("session bound to additional connection",
		"sessionId", sessionID, "connId", e.connID)

	res := e.bodyResult(m, sessionID, treeID, types.StatusSuccess, &codec.SessionSetupResponse{})
	res.sign = sess.Signer()
	return res, nil
}

// handleLogoff tears the session down and discards its keys. The response
// is still signed with the key that just died.
func (e *Engine) handleLogoff(m compound.Message, sessionID uint64, treeID uint32, sess *session.Session) (unitResult, error) {
	if _, err := codec.DecodeLogoffRequest(m.Body); err != nil {
		return unitResult{}, err
	}
	if sess == nil {
		return e.statusResult(m, sessionID, treeID, types.StatusUserSessionDeleted), nil
	}

	signer := sess.Signer()
	sess.Logoff()
	e.sessions.Delete(sessionID)

	logger.Info("session logged off", "sessionId", sessionID)

	res := e.bodyResult(m, sessionID, treeID, types.StatusSuccess, codec.LogoffResponse{})
	res.sign = signer
	return res, nil
}

// handleEcho answers a liveness probe.
func (e *Engine) handleEcho(m compound.Message, sessionID uint64, treeID uint32, sess *session.Session) (unitResult, error) {
	if _, err := codec.DecodeEchoRequest(m.Body); err != nil {
		return unitResult{}, err
	}
	res := e.bodyResult(m, sessionID, treeID, types.StatusSuccess, codec.EchoResponse{})
	if sess != nil {
		res.sign = sess.Signer()
	}
	return res, nil
}
