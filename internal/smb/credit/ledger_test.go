package credit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChargeAndGrant(t *testing.T) {
	l := NewLedger(4, 8)

	require.NoError(t, l.Charge(3))
	assert.Equal(t, uint32(1), l.Available())

	granted := l.Grant(5)
	assert.Equal(t, uint16(5), granted)
	assert.Equal(t, uint32(6), l.Available())
}

func TestChargeOverdraftDoesNotMutate(t *testing.T) {
	l := NewLedger(2, 8)

	err := l.Charge(3)
	require.ErrorIs(t, err, ErrCreditExceeded)
	assert.Equal(t, uint32(2), l.Available(), "failed charge must leave the balance untouched")
}

func TestChargeZeroCostsOne(t *testing.T) {
	l := NewLedger(1, 8)
	require.NoError(t, l.Charge(0))
	assert.Zero(t, l.Available())
}

func TestGrantCapsAtMaximum(t *testing.T) {
	l := NewLedger(6, 8)

	granted := l.Grant(10)
	assert.Equal(t, uint16(2), granted)
	assert.Equal(t, uint32(8), l.Available())

	// Further grants are fully absorbed by the cap.
	assert.Zero(t, l.Grant(1))
	assert.Equal(t, uint32(8), l.Available())
}

// TestCreditExhaustionScenario: a connection holding one credit receives two
// back-to-back single-credit requests; the second charge must fail.
func TestCreditExhaustionScenario(t *testing.T) {
	l := NewLedger(1, 8)

	require.NoError(t, l.Charge(1))
	require.ErrorIs(t, l.Charge(1), ErrCreditExceeded)
}

func TestNewLedgerDefaults(t *testing.T) {
	l := NewLedger(0, 0)
	assert.Equal(t, uint32(DefaultInitialCredits), l.Available())
	assert.Equal(t, uint32(DefaultMaxCredits), l.Maximum())

	// Initial above maximum is clamped.
	l = NewLedger(100, 10)
	assert.Equal(t, uint32(10), l.Available())
}

func TestChargeFor(t *testing.T) {
	assert.Equal(t, uint16(1), ChargeFor(0))
	assert.Equal(t, uint16(1), ChargeFor(65536))
	assert.Equal(t, uint16(2), ChargeFor(65537))
	assert.Equal(t, uint16(2), ChargeFor(128*1024))
	assert.Equal(t, uint16(16), ChargeFor(1<<20))

	// Near the uint32 ceiling the unit count exceeds the field's width
	// and must saturate rather than wrap.
	assert.Equal(t, uint16(65535), ChargeFor(0xFFFF0000))
	assert.Equal(t, uint16(65535), ChargeFor(0xFFFF0001))
	assert.Equal(t, uint16(65535), ChargeFor(0xFFFFFFFF))
}

func TestEchoPolicy(t *testing.T) {
	p := EchoPolicy{Config: PolicyConfig{MinGrant: 2, MaxGrant: 64}}

	assert.Equal(t, uint16(16), p.GrantFor(16, 1))
	assert.Equal(t, uint16(64), p.GrantFor(500, 1), "requests above MaxGrant are capped")
	assert.Equal(t, uint16(2), p.GrantFor(0, 1), "silent clients still get MinGrant")
}

func TestFixedPolicy(t *testing.T) {
	assert.Equal(t, uint16(32), FixedPolicy{Grant: 32}.GrantFor(1, 1))
	assert.Equal(t, uint16(1), FixedPolicy{}.GrantFor(9, 9))
}

func TestAdaptivePolicyThrottlesUnderLoad(t *testing.T) {
	p := &AdaptivePolicy{Config: PolicyConfig{MinGrant: 1, MaxGrant: 256, LoadHigh: 2}}

	assert.Equal(t, uint16(32), p.GrantFor(32, 2), "light load echoes the request")

	for range 3 {
		p.RequestStarted()
	}
	assert.Equal(t, uint16(2), p.GrantFor(32, 2), "heavy load replenishes only the charge")

	for range 3 {
		p.RequestFinished()
	}
	assert.Equal(t, uint16(32), p.GrantFor(32, 2))
}
