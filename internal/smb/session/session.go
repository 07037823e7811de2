// Package session drives per-identity authentication state and holds the
// cryptographic material derived when authentication completes.
//
// A session is created on the first SESSION_SETUP of an exchange and loops
// through Authenticating rounds until the external provider reports
// success or failure. Success yields a session key, from which the signing
// and cipher keys are derived; from then on the session verifies and signs
// traffic on every connection it is bound to.
package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/marmos91/smbwire/internal/smb/kdf"
	"github.com/marmos91/smbwire/internal/smb/sealing"
	"github.com/marmos91/smbwire/internal/smb/signing"
	"github.com/marmos91/smbwire/internal/smb/types"
)

// State is the session lifecycle state.
type State uint8

const (
	// StateNew is the initial state before any authentication round.
	StateNew State = iota
	// StateAuthenticating means the token exchange is in flight.
	StateAuthenticating
	// StateAuthenticated means keys are derived and traffic may flow.
	StateAuthenticated
	// StateLoggedOff is terminal, entered by an explicit LOGOFF.
	StateLoggedOff
	// StateExpired is terminal, entered by external lifetime policy.
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateLoggedOff:
		return "logged-off"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

var (
	// ErrAuthentication covers provider failure, exhausted exchange
	// rounds, and authentication calls in the wrong state.
	ErrAuthentication = errors.New("smb2: authentication")

	// ErrSessionInvalid marks traffic bound to a terminal or unknown
	// session. Reported to the peer; never connection-fatal.
	ErrSessionInvalid = errors.New("smb2: session invalid")
)

// DefaultMaxAuthRounds bounds the token exchange length.
const DefaultMaxAuthRounds = 6

// Session is one authenticated identity. Safe for concurrent use across
// every connection it is bound to.
type Session struct {
	id uint64

	mu        sync.Mutex
	state     State
	rounds    int
	maxRounds int

	keys   kdf.SessionKeys
	signer signing.Signer
	sealer *sealing.Sealer

	signingRequired bool
	guest           bool

	// Connection IDs this session is bound to. The first entry is the
	// connection that authenticated; later ones come from Bind.
	connections map[uint64]bool
}

// New creates a session in the New state. maxRounds of zero selects
// DefaultMaxAuthRounds.
func New(id uint64, maxRounds int) *Session {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxAuthRounds
	}
	return &Session{
		id:          id,
		maxRounds:   maxRounds,
		connections: make(map[uint64]bool),
	}
}

// ID returns the session identifier.
func (s *Session) ID() uint64 { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// BeginRound accounts for one authentication round trip. Fails once the
// configured bound is exceeded or the session is past authentication.
func (s *Session) BeginRound() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateNew:
		s.state = StateAuthenticating
	case StateAuthenticating:
	default:
		return fmt.Errorf("%w: session %d is %s", ErrAuthentication, s.id, s.state)
	}

	s.rounds++
	if s.rounds > s.maxRounds {
		s.state = StateLoggedOff
		return fmt.Errorf("%w: exchange exceeded %d rounds", ErrAuthentication, s.maxRounds)
	}
	return nil
}

// Complete moves the session to Authenticated, deriving its key material
// from the provider's session key. For 2.x dialects the session key signs
// directly; 3.x dialects run the KDF, with the preauth hash as context on
// 3.1.1.
func (s *Session) Complete(sessionKey []byte, dialect types.Dialect, cipherID, signingAlg uint16, preauthHash [64]byte, signingRequired bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateAuthenticating && s.state != StateNew {
		return fmt.Errorf("%w: session %d is %s", ErrAuthentication, s.id, s.state)
	}

	if dialect.IsSMB3() {
		s.keys = kdf.DeriveSessionKeys(sessionKey, dialect, cipherID, preauthHash)
		s.signer = signing.NewSigner(dialect, signingAlg, s.keys.Signing)
		if cipherID != 0 {
			sealer, err := sealing.NewSealer(s.id, cipherID, s.keys.Decryption, s.keys.Encryption)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrAuthentication, err)
			}
			s.sealer = sealer
		}
	} else {
		s.signer = signing.NewSigner(dialect, types.SigningAlgHMACSHA256, sessionKey)
	}

	s.signingRequired = signingRequired
	s.state = StateAuthenticated
	return nil
}

// CompleteGuest marks the session authenticated without key material.
// Guest sessions cannot sign, so signingRequired policies reject them
// before this point.
func (s *Session) CompleteGuest() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateAuthenticating && s.state != StateNew {
		return fmt.Errorf("%w: session %d is %s", ErrAuthentication, s.id, s.state)
	}
	s.guest = true
	s.state = StateAuthenticated
	return nil
}

// Validate reports whether the session may carry traffic.
func (s *Session) Validate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateAuthenticated:
		return nil
	case StateLoggedOff, StateExpired:
		return fmt.Errorf("%w: session %d is %s", ErrSessionInvalid, s.id, s.state)
	default:
		return fmt.Errorf("%w: session %d not authenticated", ErrSessionInvalid, s.id)
	}
}

// Signer returns the session's signer, nil before authentication or for
// guest sessions.
func (s *Session) Signer() signing.Signer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signer
}

// Sealer returns the session's sealer, nil unless encryption was
// negotiated.
func (s *Session) Sealer() *sealing.Sealer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sealer
}

// SigningRequired reports whether traffic on this session must be signed.
func (s *Session) SigningRequired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signingRequired && !s.guest
}

// Guest reports whether the session authenticated as a guest.
func (s *Session) Guest() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.guest
}

// Bind associates an additional connection with an authenticated session.
// Binding never re-authenticates.
func (s *Session) Bind(connID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateAuthenticated {
		return fmt.Errorf("%w: bind to session %d in state %s", ErrSessionInvalid, s.id, s.state)
	}
	s.connections[connID] = true
	return nil
}

// Unbind removes a connection association and reports how many remain.
func (s *Session) Unbind(connID uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.connections, connID)
	return len(s.connections)
}

// BoundTo reports whether the session is associated with a connection.
func (s *Session) BoundTo(connID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connections[connID]
}

// Logoff moves the session to LoggedOff and discards its key material.
func (s *Session) Logoff() {
	s.terminate(StateLoggedOff)
}

// Expire moves the session to Expired and discards its key material.
func (s *Session) Expire() {
	s.terminate(StateExpired)
}

func (s *Session) terminate(final State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.keys.Zero()
	s.signer = nil
	s.sealer = nil
	s.state = final
}
