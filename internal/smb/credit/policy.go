package credit

import "sync/atomic"

// Policy decides how many credits a response grants back to the peer.
//
// The replenishment rate is the server's main lever over client pipelining:
// grant at least what was charged and the window holds steady, grant more
// and the pipeline deepens. The exact policy is deployment-specific, so it
// is pluggable.
type Policy interface {
	// GrantFor returns the credits to grant in the response to a request
	// that asked for `requested` credits and was charged `charged`.
	GrantFor(requested, charged uint16) uint16
}

// PolicyConfig bounds the per-response grant for the built-in policies.
type PolicyConfig struct {
	// MinGrant is granted even to silent clients, preventing deadlock:
	// a client with zero credits can never send again.
	MinGrant uint16

	// MaxGrant caps a single response's grant.
	MaxGrant uint16

	// LoadHigh is the outstanding-request count beyond which the adaptive
	// policy starts throttling grants.
	LoadHigh int64
}

// DefaultPolicyConfig returns bounds suitable for a production server.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		MinGrant: 1,
		MaxGrant: 256,
		LoadHigh: 1000,
	}
}

func (c PolicyConfig) clamp(n uint16) uint16 {
	if n < c.MinGrant {
		return c.MinGrant
	}
	if c.MaxGrant > 0 && n > c.MaxGrant {
		return c.MaxGrant
	}
	return n
}

// FixedPolicy grants the same amount for every response.
type FixedPolicy struct {
	Grant uint16
}

// GrantFor implements Policy.
func (p FixedPolicy) GrantFor(requested, charged uint16) uint16 {
	if p.Grant == 0 {
		return 1
	}
	return p.Grant
}

// EchoPolicy grants what the client requested, within configured bounds.
// This keeps the client's window at its preferred depth without letting it
// dictate an unbounded one.
type EchoPolicy struct {
	Config PolicyConfig
}

// GrantFor implements Policy.
func (p EchoPolicy) GrantFor(requested, charged uint16) uint16 {
	if requested == 0 {
		// Replenish at least what was spent.
		return p.Config.clamp(charged)
	}
	return p.Config.clamp(requested)
}

// AdaptivePolicy behaves like EchoPolicy under light load and shrinks
// grants toward the charge as server-wide outstanding work grows.
//
// Load is reported by the owner via RequestStarted/RequestFinished; the
// policy itself stays safe for concurrent use.
type AdaptivePolicy struct {
	Config PolicyConfig

	outstanding atomic.Int64
}

// RequestStarted records one request entering processing.
func (p *AdaptivePolicy) RequestStarted() { p.outstanding.Add(1) }

// RequestFinished records one request leaving processing.
func (p *AdaptivePolicy) RequestFinished() { p.outstanding.Add(-1) }

// GrantFor implements Policy.
func (p *AdaptivePolicy) GrantFor(requested, charged uint16) uint16 {
	grant := requested
	if grant == 0 {
		grant = charged
	}

	load := p.outstanding.Load()
	if p.Config.LoadHigh > 0 && load > p.Config.LoadHigh {
		// Under pressure replenish only what was spent, keeping every
		// client's window from growing until load drains.
		grant = charged
	}
	return p.Config.clamp(grant)
}
