// Package credit implements SMB2 credit-based flow control.
//
// Credits are the sliding window of the protocol: each credit permits one
// unit of request weight to be outstanding. The server charges credits when
// a request arrives and grants credits back in responses; a client that
// spends more than it holds has broken the wire contract.
//
// The Ledger tracks the balance for one connection. How generously responses
// replenish the balance is dialect- and deployment-specific, so it is
// delegated to a Policy.
//
// [MS-SMB2] 3.3.1.1
package credit

import (
	"errors"
	"fmt"
	"sync"
)

// Default ledger bounds.
const (
	// DefaultInitialCredits is granted to a fresh connection so NEGOTIATE
	// and SESSION_SETUP can proceed before any response grants.
	DefaultInitialCredits = 1

	// DefaultMaxCredits bounds the balance a single peer can accumulate,
	// limiting the memory a pipelining client can pin.
	DefaultMaxCredits = 8192
)

// ErrCreditExceeded is returned when a charge would overdraw the ledger.
// A peer that overdraws is violating flow control; callers treat this as
// connection-fatal.
var ErrCreditExceeded = errors.New("credit: charge exceeds available credits")

// Ledger tracks the credits currently held by the remote peer on one
// connection.
//
// Charges come from the connection's inbound processing loop while grants
// may be applied from response completions running concurrently, so the
// balance is mutex-protected. There is no cross-connection interaction.
type Ledger struct {
	mu        sync.Mutex
	available uint32
	maximum   uint32
}

// NewLedger returns a Ledger with the given starting balance and cap.
// Zero values fall back to the package defaults; initial is clamped to max.
func NewLedger(initial, maximum uint32) *Ledger {
	if maximum == 0 {
		maximum = DefaultMaxCredits
	}
	if initial == 0 {
		initial = DefaultInitialCredits
	}
	if initial > maximum {
		initial = maximum
	}
	return &Ledger{available: initial, maximum: maximum}
}

// Charge consumes n credits. It fails with ErrCreditExceeded, without
// mutating the balance, when n exceeds the available credits. A charge of
// zero is normalized to one: every request costs at least one credit.
func (l *Ledger) Charge(n uint16) error {
	cost := uint32(n)
	if cost == 0 {
		cost = 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if cost > l.available {
		return fmt.Errorf("%w: charge %d, available %d", ErrCreditExceeded, cost, l.available)
	}
	l.available -= cost
	return nil
}

// Grant returns n credits to the peer, capped at the ledger maximum.
// It reports the number of credits actually credited.
func (l *Ledger) Grant(n uint16) uint16 {
	l.mu.Lock()
	defer l.mu.Unlock()

	granted := uint32(n)
	if l.available+granted > l.maximum {
		granted = l.maximum - l.available
	}
	l.available += granted
	return uint16(granted)
}

// Available returns the peer's current credit balance.
func (l *Ledger) Available() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.available
}

// Maximum returns the negotiated balance cap.
func (l *Ledger) Maximum() uint32 { return l.maximum }

// ChargeFor computes the credit charge for an I/O operation moving the
// / given number of bytes: one credit per started 64 KiB unit, minimum one,
// capped at the field's width.
func ChargeFor(bytes uint32) uint16 {
	if bytes == 0 {
		return 1
	}
	units := (uint64(bytes) + 65535) / 65536
	if units > 65535 {
		return 65535
	}
	return uint16(units)
}
