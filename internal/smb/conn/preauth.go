package conn

import (
	"crypto/sha512"
	"sync"
)

// PreauthState is the SMB 3.1.1 preauth integrity hash chain:
//
//	H(0) = 0
//	H(i) = SHA-512(H(i-1) || message(i))
//
// updated with every NEGOTIATE and SESSION_SETUP message exchanged before
// keys are derived. The final value binds the derived keys to the exact
// negotiation bytes both peers observed, defeating downgrade attacks.
//
// Reference: [MS-SMB2] 3.2.5.2
type PreauthState struct {
	mu   sync.Mutex
	hash [sha512.Size]byte
}

// Update folds a complete message into the chain.
func (p *PreauthState) Update(message []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h := sha512.New()
	h.Write(p.hash[:])
	h.Write(message)
	copy(p.hash[:], h.Sum(nil))
}

// Hash returns a copy of the current chain value.
func (p *PreauthState) Hash() [sha512.Size]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hash
}

// Fork returns a new chain seeded with the current value. Each session
// setup exchange continues the connection's chain independently.
func (p *PreauthState) Fork() *PreauthState {
	p.mu.Lock()
	defer p.mu.Unlock()
	forked := &PreauthState{}
	forked.hash = p.hash
	return forked
}

// Reset restores the chain to H(0).
func (p *PreauthState) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hash = [sha512.Size]byte{}
}
