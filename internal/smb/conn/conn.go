// Package conn tracks per-connection protocol state: the negotiation state
// machine, the agreed dialect and limits, the message ID window, and the
// connection's credit ledger.
package conn

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/marmos91/smbwire/internal/smb/credit"
	"github.com/marmos91/smbwire/internal/smb/types"
)

// State is the connection lifecycle state.
type State uint8

const (
	// StateNegotiating is the initial state; only NEGOTIATE is legal.
	StateNegotiating State = iota
	// StateNegotiated is the established state after a dialect is agreed.
	StateNegotiated
	// StateClosed is terminal; no operation is valid afterward.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNegotiating:
		return "negotiating"
	case StateNegotiated:
		return "negotiated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrNegotiation covers dialect-selection failure and commands that
	// arrive out of negotiation order.
	ErrNegotiation = errors.New("smb2: negotiation")

	// ErrClosed is returned for any operation on a closed connection.
	ErrClosed = errors.New("smb2: connection closed")

	// ErrSequence is returned for a message ID outside the valid window:
	// already consumed, stale, or beyond what granted credits allow.
	ErrSequence = errors.New("smb2: message id out of sequence")
)

// Config carries the server-side negotiation parameters.
type Config struct {
	// Dialects the server accepts, in any order. Empty means all
	// supported dialects.
	Dialects []types.Dialect

	// SigningRequired forces every authenticated session on this
	// connection to sign.
	SigningRequired bool

	// Limits advertised in the NEGOTIATE response.
	MaxTransactSize uint32
	MaxReadSize     uint32
	MaxWriteSize    uint32

	// Credit window bounds for the connection's ledger.
	InitialCredits uint32
	MaxCredits     uint32
}

// supportedDialects is the full set this engine implements, preference
// order high to low.
var supportedDialects = []types.Dialect{
	types.Dialect0311,
	types.Dialect0302,
	types.Dialect0300,
	types.Dialect0210,
	types.Dialect0202,
}

const defaultMaxSize = 8 << 20

// Connection is the per-transport-connection protocol state. All methods
// are safe for concurrent use.
type Connection struct {
	serverGUID uuid.UUID
	cfg        Config
	credits    *credit.Ledger
	preauth    PreauthState

	mu           sync.Mutex
	state        State
	dialect      types.Dialect
	clientGUID   [16]byte
	capabilities types.Capabilities
	securityMode types.SecurityMode
	cipher       uint16
	signingAlg   uint16
	window       sequenceWindow
}

// New creates a connection in the Negotiating state.
func New(cfg Config) *Connection {
	if len(cfg.Dialects) == 0 {
		cfg.Dialects = supportedDialects
	}
	if cfg.MaxTransactSize == 0 {
		cfg.MaxTransactSize = defaultMaxSize
	}
	if cfg.MaxReadSize == 0 {
		cfg.MaxReadSize = defaultMaxSize
	}
	if cfg.MaxWriteSize == 0 {
		cfg.MaxWriteSize = defaultMaxSize
	}

	ledger := credit.NewLedger(cfg.InitialCredits, cfg.MaxCredits)
	return &Connection{
		serverGUID: uuid.New(),
		cfg:        cfg,
		credits:    ledger,
		window:     newSequenceWindow(uint64(ledger.Maximum())),
	}
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close moves the connection to its terminal state. Idempotent.
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateClosed
}

// Dialect returns the agreed dialect, zero before negotiation completes.
func (c *Connection) Dialect() types.Dialect {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dialect
}

// SigningRequired reports whether the negotiated policy mandates signing.
func (c *Connection) SigningRequired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.securityMode&types.SigningRequired != 0
}

// Cipher returns the negotiated cipher ID, zero when encryption was not
// negotiated.
func (c *Connection) Cipher() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cipher
}

// SigningAlgorithm returns the negotiated signing algorithm ID.
func (c *Connection) SigningAlgorithm() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signingAlg
}

// ServerGUID returns the GUID this connection advertises.
func (c *Connection) ServerGUID() [16]byte {
	return [16]byte(c.serverGUID)
}

// Credits returns the connection's credit ledger.
func (c *Connection) Credits() *credit.Ledger {
	return c.credits
}

// Preauth returns the connection's preauth integrity hash chain.
func (c *Connection) Preauth() *PreauthState {
	return &c.preauth
}

// CheckCommand validates that a command is legal in the current state:
// nothing on a closed connection, nothing but NEGOTIATE before negotiation
// completes, and no renegotiation afterward.
func (c *Connection) CheckCommand(cmd types.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		return ErrClosed
	case StateNegotiating:
		if cmd != types.Negotiate {
			return fmt.Errorf("%w: %s before negotiation", ErrNegotiation, cmd)
		}
	case StateNegotiated:
		if cmd == types.Negotiate {
			return fmt.Errorf("%w: renegotiation attempt", ErrNegotiation)
		}
	}
	return nil
}

// ConsumeMessageID validates and consumes a message ID against the
// sequence window.
func (c *Connection) ConsumeMessageID(id uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return ErrClosed
	}
	return c.window.consume(id)
}
