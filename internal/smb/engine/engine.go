// Package engine is the per-connection protocol pipeline. It turns framed
// transport payloads into typed operations and typed results back into
// framed payloads:
//
//	inbound:  unseal -> split -> sequence/credits -> verify -> decode -> dispatch
//	outbound: encode -> grant -> join -> sign -> seal
//
// The substrate commands (NEGOTIATE, SESSION_SETUP, LOGOFF, ECHO) are
// handled here, against the connection and session state machines.
// Everything else goes to the application Handler with its session already
// validated and its credits already charged.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/marmos91/smbwire/internal/smb/codec"
	"github.com/marmos91/smbwire/internal/smb/conn"
	"github.com/marmos91/smbwire/internal/smb/credit"
	"github.com/marmos91/smbwire/internal/smb/session"
	"github.com/marmos91/smbwire/internal/smb/types"
)

// ErrIntegrity marks a missing or invalid signature, or a failed
// decryption. Connection-fatal: the wire contract is broken.
var ErrIntegrity = errors.New("smb2: integrity")

// AuthResult is one step of the provider's token exchange.
type AuthResult struct {
	// Token to relay to the peer. Set on continuation, optionally on
	// completion (the final leg of the handshake).
	Token []byte

	// Done means the exchange completed successfully.
	Done bool

	// SessionKey is the derived key material, required when Done unless
	// the peer authenticated as a guest.
	SessionKey []byte

	// Guest marks an anonymous/guest completion with no key material.
	Guest bool
}

// AuthProvider runs the opaque security-token exchange. The engine never
// interprets tokens, only the provider's verdict. A returned error means
// authentication failed; the engine reports it to the peer as a status.
type AuthProvider interface {
	Step(ctx context.Context, sessionID uint64, token []byte) (*AuthResult, error)
}

// Request is a decoded, verified, credit-charged operation handed to the
// application layer.
type Request struct {
	Header  *headerView
	Command types.Command
	Body    codec.Body

	// Session is the authenticated session the request arrived on, nil
	// for commands outside any session.
	Session *session.Session

	// TreeID and SessionID after related-message inheritance.
	TreeID    uint32
	SessionID uint64
}

// headerView re-exports the request header fields handlers may need
// without letting them mutate pipeline state.
type headerView struct {
	MessageID    uint64
	CreditCharge uint16
	Flags        types.HeaderFlags
}

// Response is the application layer's answer to a dispatched Request.
type Response struct {
	Status types.Status
	Body   codec.Body
}

// StatusError lets a Handler fail with a specific protocol status.
type StatusError struct {
	Status types.Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("smb2: status %s", e.Status)
}

// Handler executes the application-level operations the engine does not
// interpret (CREATE, READ, WRITE, ...). Dispatch may block on external
// I/O; the engine passes its context through.
type Handler interface {
	Dispatch(ctx context.Context, req *Request) (*Response, error)
}

// Engine drives the protocol for one transport connection.
type Engine struct {
	conn     *conn.Connection
	sessions *session.Manager
	auth     AuthProvider
	handler  Handler
	policy   credit.Policy
	maxChain int

	// connID distinguishes this connection in session bindings.
	connID uint64

	// pendingPreauth holds the per-session-setup preauth chains for
	// 3.1.1 exchanges still in flight, keyed by session ID.
	pendingPreauth map[uint64]*conn.PreauthState
}

// Options configures an Engine.
type Options struct {
	// Conn is the connection state machine. Required.
	Conn *conn.Connection

	// Sessions is the session table, shared across connections.
	// Required.
	Sessions *session.Manager

	// ConnID identifies this connection in session bindings.
	ConnID uint64

	// Auth runs the token exchange. Nil rejects all authentication.
	Auth AuthProvider

	// Handler executes non-substrate commands. Nil answers them with
	// STATUS_NOT_SUPPORTED.
	Handler Handler

	// Policy decides response credit grants. Nil uses the adaptive
	// policy with defaults.
	Policy credit.Policy

	// MaxChain bounds compound chains. Zero uses the compounder default.
	MaxChain int
}

// New creates an engine for one connection.
func New(opts Options) *Engine {
	policy := opts.Policy
	if policy == nil {
		policy = &credit.AdaptivePolicy{Config: credit.DefaultPolicyConfig()}
	}
	return &Engine{
		conn:           opts.Conn,
		sessions:       opts.Sessions,
		auth:           opts.Auth,
		handler:        opts.Handler,
		policy:         policy,
		maxChain:       opts.MaxChain,
		connID:         opts.ConnID,
		pendingPreauth: make(map[uint64]*conn.PreauthState),
	}
}

// Close invalidates the engine's connection state and unbinds it from
// every session.
func (e *Engine) Close() []*session.Session {
	e.conn.Close()
	return e.sessions.DisconnectConnection(e.connID)
}
