// Package verification decides whether a payment claim entitles the
// caller to a content grant.
package verification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tachiprotocol/gateway/clients"
	"github.com/tachiprotocol/gateway/logger"
	"github.com/tachiprotocol/gateway/metrics"
	"github.com/tachiprotocol/gateway/policy"
	"github.com/tachiprotocol/gateway/replay"
	"github.com/tachiprotocol/gateway/types"
	"github.com/tachiprotocol/gateway/utils"
)

// Verifier checks payment claims against the chain and the replay guard.
//
// Checks run in a fixed order and short-circuit on the first failure:
// existence, confirmation, recipient, amount, freshness, replay. The
// freshness boundary is inclusive: a payment confirmed exactly one window
// ago is still accepted.
type Verifier struct {
	chain   clients.Reader
	guard   replay.Guard
	window  time.Duration
	now     func() time.Time
	log     logger.Logger
	metrics metrics.Recorder
}

func NewVerifier(chain clients.Reader, guard replay.Guard, window time.Duration, log logger.Logger, rec metrics.Recorder) *Verifier {
	if window <= 0 {
		window = 5 * time.Minute
	}
	if log == nil {
		log = logger.NoopLogger{}
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Verifier{
		chain:   chain,
		guard:   guard,
		window:  window,
		now:     time.Now,
		log:     log,
		metrics: rec,
	}
}

// WithClock overrides the clock. Tests only.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

func rejected(reference string, status types.PaymentStatus) *types.VerifiedPayment {
	return &types.VerifiedPayment{Reference: reference, Status: status}
}

// Verify runs the six checks. A non-nil VerifiedPayment with a non-valid
// status is a payment judgment; a non-nil error is an infrastructure
// failure and must never be surfaced to the caller as a payment rejection.
//
// The replay guard is consulted last: the reference is marked redeemed
// atomically, and only once every other check has passed. A redemption is
// never rolled back afterwards, upstream failures included.
func (v *Verifier) Verify(ctx context.Context, claim *types.PaymentClaim, pol *policy.Policy) (*types.VerifiedPayment, error) {
	start := v.now()
	defer func() {
		v.metrics.ObserveLatency(metrics.OpVerify, v.now().Sub(start), map[string]string{"resource": pol.ResourceID})
	}()

	if err := claim.Validate(); err != nil {
		return rejected(claim.Reference, types.StatusNotFound), nil
	}

	// Steps 1-2: existence and confirmation, one chain lookup.
	tx, err := v.chain.PaymentByReference(ctx, claim.Reference, pol.Asset)
	switch {
	case errors.Is(err, clients.ErrTxNotFound):
		return rejected(claim.Reference, types.StatusNotFound), nil
	case errors.Is(err, clients.ErrMalformedTx):
		// The transaction exists and succeeded but does not pay the
		// expected recipient in the expected asset.
		v.log.Debug("claim decodes to no payment", map[string]any{
			"reference": claim.Reference,
			"err":       err.Error(),
		})
		return rejected(claim.Reference, types.StatusWrongRecipient), nil
	case err != nil:
		v.metrics.IncCounter(metrics.EventChainError, map[string]string{"resource": pol.ResourceID})
		return nil, fmt.Errorf("chain lookup for %s: %w", claim.Reference, err)
	}

	if !tx.Confirmed || tx.Failed {
		return rejected(claim.Reference, types.StatusNotConfirmed), nil
	}

	// Step 3: recipient match, case-insensitive.
	if !utils.EqualAddress(tx.To, pol.Recipient) {
		return rejected(claim.Reference, types.StatusWrongRecipient), nil
	}

	// Step 4: amount, integer comparison in smallest units. Overpayment
	// is accepted.
	price, err := utils.ParseSmallestUnit(pol.Price)
	if err != nil {
		return nil, &types.GatewayError{
			Code:    types.ErrConfigError,
			Message: fmt.Sprintf("policy price for %s: %v", pol.ResourceID, err),
		}
	}
	if tx.Amount == nil || tx.Amount.Cmp(price) < 0 {
		return rejected(claim.Reference, types.StatusInsufficientAmount), nil
	}

	// Step 5: freshness, inclusive at the window boundary.
	if v.now().Sub(tx.ConfirmedAt) > v.window {
		return rejected(claim.Reference, types.StatusStale), nil
	}

	// Step 6: atomic check-and-mark.
	first, err := v.guard.TryRedeem(ctx, claim.Reference)
	if err != nil {
		return nil, fmt.Errorf("replay guard for %s: %w", claim.Reference, err)
	}

	result := &types.VerifiedPayment{
		Reference:   claim.Reference,
		Status:      types.StatusValid,
		AmountPaid:  tx.Amount,
		Payer:       tx.From,
		ConfirmedAt: tx.ConfirmedAt,
	}
	if !first {
		result.Status = types.StatusAlreadyRedeemed
	}
	return result, nil
}

// Window returns the freshness window the verifier enforces.
func (v *Verifier) Window() time.Duration {
	return v.window
}
