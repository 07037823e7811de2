package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/marmos91/smbwire/internal/logger"
	"github.com/marmos91/smbwire/internal/smb/codec"
	"github.com/marmos91/smbwire/internal/smb/compound"
	"github.com/marmos91/smbwire/internal/smb/conn"
	"github.com/marmos91/smbwire/internal/smb/credit"
	"github.com/marmos91/smbwire/internal/smb/header"
	"github.com/marmos91/smbwire/internal/smb/sealing"
	"github.com/marmos91/smbwire/internal/smb/session"
	"github.com/marmos91/smbwire/internal/smb/signing"
	"github.com/marmos91/smbwire/internal/smb/types"
)

// unitResult is one response unit plus its outbound post-processing.
type unitResult struct {
	msg compound.Message

	// sign signs the encoded unit in place when non-nil.
	sign signing.Signer

	// hashInto folds the encoded unit into a preauth chain when non-nil.
	hashInto *conn.PreauthState
}

// HandleMessage processes one complete transport payload (a single
// message, a compound chain, or an encrypted envelope) and returns the
// payload to send back.
//
// A nil payload with a nil error means nothing to send. A non-nil error is
// connection-fatal: the caller must tear the transport down.
func (e *Engine) HandleMessage(ctx context.Context, payload []byte) ([]byte, error) {
	// Legacy clients open with an SMB1 multi-protocol negotiate; it is
	// answered in SMB2 and never enters the compound pipeline.
	if header.IsSMB1(payload) {
		return e.handleMultiProtocolNegotiate(payload)
	}

	sealed, sealer, err := e.unsealIfNeeded(&payload)
	if err != nil {
		return nil, err
	}

	msgs, err := compound.Split(payload, e.maxChain)
	if err != nil {
		return nil, err
	}

	results := make([]unitResult, 0, len(msgs))
	var prevSessionID uint64
	var prevTreeID uint32

	for _, m := range msgs {
		// Related messages inherit identifiers from their predecessor.
		sessionID := m.Header.SessionID
		treeID := m.Header.TreeID
		if m.Related() {
			if sessionID == 0 {
				sessionID = prevSessionID
			}
			if treeID == 0 {
				treeID = prevTreeID
			}
		}

		res, err := e.processUnit(ctx, m, sessionID, treeID, sealed)
		if err != nil {
			return nil, err
		}
		results = append(results, res)

		prevSessionID = res.msg.Header.SessionID
		prevTreeID = res.msg.Header.TreeID
	}

	return e.assemble(results, sealed, sealer)
}

// unsealIfNeeded strips and authenticates the transform envelope. It
// reports whether the payload was sealed, and with which sealer, so the
// response goes back the same way.
func (e *Engine) unsealIfNeeded(payload *[]byte) (bool, *sealing.Sealer, error) {
	if !sealing.IsTransform(*payload) {
		return false, nil, nil
	}

	th, err := sealing.ParseTransformHeader(*payload)
	if err != nil {
		return false, nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	s, err := e.sessions.Get(th.SessionID)
	if err != nil {
		return false, nil, fmt.Errorf("%w: envelope for unknown session %d", ErrIntegrity, th.SessionID)
	}
	sealer := s.Sealer()
	if sealer == nil {
		return false, nil, fmt.Errorf("%w: envelope for unencrypted session %d", ErrIntegrity, th.SessionID)
	}

	plain, err := sealer.Unseal(*payload)
	if err != nil {
		return false, nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	*payload = plain
	return true, sealer, nil
}

// processUnit runs the inbound checks and dispatch for one logical
// message. Protocol-level failures become status responses; violations of
// the wire contract return an error.
func (e *Engine) processUnit(ctx context.Context, m compound.Message, sessionID uint64, treeID uint32, sealed bool) (unitResult, error) {
	h := m.Header

	if err := e.conn.CheckCommand(h.Command); err != nil {
		if errors.Is(err, conn.ErrNegotiation) {
			return e.statusResult(m, sessionID, treeID, types.StatusInvalidParameter), nil
		}
		return unitResult{}, err
	}
	if err := e.conn.ConsumeMessageID(h.MessageID); err != nil {
		return unitResult{}, err
	}

	// Flow control before any work is done on the peer's behalf.
	charge := h.CreditCharge
	if err := e.conn.Credits().Charge(charge); err != nil {
		return unitResult{}, err
	}

	// The declared charge must cover the message's own size. An
	// undercharged message is a peer error, not a window violation.
	declared := charge
	if declared == 0 {
		declared = 1
	}
	if declared < credit.ChargeFor(uint32(len(m.Body))) {
		return e.statusResult(m, sessionID, treeID, types.StatusInvalidParameter), nil
	}

	sess, err := e.verifyInbound(m, sessionID, sealed)
	if err != nil {
		if errors.Is(err, session.ErrSessionInvalid) {
			return e.statusResult(m, sessionID, treeID, types.StatusUserSessionDeleted), nil
		}
		return unitResult{}, err
	}

	if adaptive, ok := e.policy.(*credit.AdaptivePolicy); ok {
		adaptive.RequestStarted()
		defer adaptive.RequestFinished()
	}

	switch h.Command {
	case types.Negotiate:
		return e.handleNegotiate(m, sessionID, treeID)
	case types.SessionSetup:
		return e.handleSessionSetup(ctx, m, sessionID, treeID)
	case types.Logoff:
		return e.handleLogoff(m, sessionID, treeID, sess)
	case types.Echo:
		return e.handleEcho(m, sessionID, treeID, sess)
	default:
		return e.dispatch(ctx, m, sessionID, treeID, sess)
	}
}

// verifyInbound enforces the signing policy for one message and resolves
// its session. Unsigned traffic on a session that must sign, or a bad
// signature, is fatal. Sealed payloads satisfy the signing requirement.
func (e *Engine) verifyInbound(m compound.Message, sessionID uint64, sealed bool) (*session.Session, error) {
	if sessionID == 0 {
		return nil, nil
	}
	sess, err := e.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}

	// Session setup rides on the session before it is authenticated;
	// skip the traffic-state check for it.
	if m.Header.Command != types.SessionSetup {
		if err := sess.Validate(); err != nil {
			return nil, err
		}
	}

	signer := sess.Signer()
	if m.Header.IsSigned() {
		if signer == nil {
			return nil, fmt.Errorf("%w: signed message on session %d without keys", ErrIntegrity, sessionID)
		}
		unit := append(m.Header.Encode(), m.Body...)
		if !signer.Verify(unit) {
			return nil, fmt.Errorf("%w: bad signature on message %d", ErrIntegrity, m.Header.MessageID)
		}
		return sess, nil
	}

	mustSign := sess.SigningRequired() || (e.conn.SigningRequired() && !sess.Guest())
	if mustSign && !sealed && m.Header.Command != types.SessionSetup {
		return nil, fmt.Errorf("%w: unsigned message %d on signing session %d",
			ErrIntegrity, m.Header.MessageID, sessionID)
	}
	return sess, nil
}

// dispatch hands a non-substrate command to the application handler.
func (e *Engine) dispatch(ctx context.Context, m compound.Message, sessionID uint64, treeID uint32, sess *session.Session) (unitResult, error) {
	if e.handler == nil {
		return e.statusResult(m, sessionID, treeID, types.StatusNotSupported), nil
	}

	body, err := codec.DecodeRequest(m.Header.Command, m.Body)
	if err != nil {
		return unitResult{}, err
	}

	req := &Request{
		Header: &headerView{
			MessageID:    m.Header.MessageID,
			CreditCharge: m.Header.CreditCharge,
			Flags:        m.Header.Flags,
		},
		Command:   m.Header.Command,
		Body:      body,
		Session:   sess,
		TreeID:    treeID,
		SessionID: sessionID,
	}

	resp, err := e.handler.Dispatch(ctx, req)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			return e.statusResult(m, sessionID, treeID, se.Status), nil
		}
		logger.Error("handler dispatch failed",
			"command", m.Header.Command.String(),
			"messageId", m.Header.MessageID,
			"error", err)
		return e.statusResult(m, sessionID, treeID, types.StatusInvalidParameter), nil
	}

	res := e.bodyResult(m, sessionID, treeID, resp.Status, resp.Body)
	if sess != nil {
		res.sign = sess.Signer()
	}
	return res, nil
}

// assemble encodes, grants, joins, signs, and reseals the response units.
func (e *Engine) assemble(results []unitResult, sealed bool, sealer *sealing.Sealer) ([]byte, error) {
	if len(results) == 0 {
		return nil, nil
	}

	msgs := make([]compound.Message, len(results))
	for i, r := range results {
		msgs[i] = r.msg
	}

	joined, offsets, err := compound.Join(msgs)
	if err != nil {
		return nil, err
	}

	for i, r := range results {
		unit := compound.Unit(joined, offsets, i)
		if r.hashInto != nil {
			r.hashInto.Update(unit)
		}
		if r.sign != nil {
			signing.SignMessage(r.sign, unit)
		}
	}

	if sealed && sealer != nil {
		return sealer.Seal(joined)
	}
	return joined, nil
}

// responseHeader builds the header for a response unit, granting credits
// per the engine's policy.
func (e *Engine) responseHeader(req *header.Header, sessionID uint64, treeID uint32, status types.Status) *header.Header {
	grant := e.policy.GrantFor(req.Credits, req.CreditCharge)
	granted := e.conn.Credits().Grant(grant)

	flags := types.FlagResponse
	if req.IsRelated() {
		flags |= types.FlagRelated
	}

	return &header.Header{
		CreditCharge: req.CreditCharge,
		Status:       status,
		Command:      req.Command,
		Credits:      granted,
		Flags:        flags,
		MessageID:    req.MessageID,
		TreeID:       treeID,
		SessionID:    sessionID,
	}
}

// statusResult builds an error-body response unit.
func (e *Engine) statusResult(m compound.Message, sessionID uint64, treeID uint32, status types.Status) unitResult {
	return e.bodyResult(m, sessionID, treeID, status, &codec.ErrorResponse{})
}

// bodyResult builds a response unit from a typed body.
func (e *Engine) bodyResult(m compound.Message, sessionID uint64, treeID uint32, status types.Status, body codec.Body) unitResult {
	var encoded []byte
	if body != nil {
		encoded = body.Encode()
	}
	return unitResult{
		msg: compound.Message{
			Header: e.responseHeader(m.Header, sessionID, treeID, status),
			Body:   encoded,
		},
	}
}
