// Package challenge builds the structured "payment required" response for
// a resource.
package challenge

import (
	"time"

	"github.com/tachiprotocol/gateway/policy"
	"github.com/tachiprotocol/gateway/types"
)

// DefaultFreshnessWindow bounds how long an issued challenge, and the
// payment proving it, remains redeemable. The verifier enforces the same
// window.
const DefaultFreshnessWindow = 5 * time.Minute

// Issuer creates payment requirements from publisher policies. It has no
// side effects; output is a pure function of policy plus clock.
type Issuer struct {
	window time.Duration
	now    func() time.Time
}

func NewIssuer(window time.Duration) *Issuer {
	if window <= 0 {
		window = DefaultFreshnessWindow
	}
	return &Issuer{window: window, now: time.Now}
}

// WithClock overrides the clock. Tests only.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

// Window returns the freshness window challenges are issued with.
func (i *Issuer) Window() time.Duration {
	return i.window
}

// Issue builds a fresh PaymentRequirement for the resource. The
// requirement is never persisted; verification re-derives correctness
// from the chain.
func (i *Issuer) Issue(pol *policy.Policy) *types.PaymentRequirement {
	now := i.now().UTC()
	return &types.PaymentRequirement{
		ResourceID: pol.ResourceID,
		Recipient:  pol.Recipient,
		Amount:     pol.Price,
		Asset:      pol.Asset,
		Currency:   pol.Currency,
		Decimals:   pol.Decimals,
		ChainID:    pol.ChainID,
		IssuedAt:   now,
		ExpiresAt:  now.Add(i.window),
	}
}
