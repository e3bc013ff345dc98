// Package types defines the data model shared by the gateway components:
// payment challenges, caller-supplied payment claims, verification results
// and audit records.
package types

import (
	"fmt"
	"math/big"
	"time"

	"github.com/tachiprotocol/gateway/utils"
)

// PaymentStatus is the verifier's judgment for a payment claim.
type PaymentStatus string

const (
	StatusValid              PaymentStatus = "valid"
	StatusInsufficientAmount PaymentStatus = "insufficient_amount"
	StatusWrongRecipient     PaymentStatus = "wrong_recipient"
	StatusNotConfirmed       PaymentStatus = "not_confirmed"
	StatusNotFound           PaymentStatus = "not_found"
	StatusStale              PaymentStatus = "stale"
	StatusAlreadyRedeemed    PaymentStatus = "already_redeemed"
)

// Outcome classifies how a request terminated. Exactly one audit record is
// written per terminal outcome.
type Outcome string

const (
	OutcomeServed              Outcome = "served"
	OutcomeServedReplay        Outcome = "served_replay"
	OutcomeChallengeIssued     Outcome = "challenge_issued"
	OutcomeRejected            Outcome = "rejected"
	OutcomeThrottled           Outcome = "throttled"
	OutcomeUpstreamUnavailable Outcome = "upstream_unavailable"
	OutcomeUnknownResource     Outcome = "unknown_resource"
)

// PaymentRequirement describes what must be paid to unlock a resource.
// It is created fresh per challenge and never persisted beyond the 402
// response it accompanies; verification re-derives correctness from the
// chain, so no server-side nonce bookkeeping is needed.
type PaymentRequirement struct {
	ResourceID string `json:"resource"`

	// Address the payment must be sent to.
	Recipient string `json:"recipient"`

	// Price in atomic units of the asset. Represented as a string because
	// Go does not support uint256.
	Amount string `json:"amount"`

	// Asset contract address (empty for the chain's native asset).
	Asset string `json:"asset"`

	// Currency is the asset's human-readable symbol, e.g. "USDC".
	Currency string `json:"currency,omitempty"`

	// Asset decimals, so callers can render a human-readable price.
	Decimals int `json:"decimals"`

	ChainID string `json:"chainId"`

	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// PaymentClaim is the caller-supplied evidence of payment. It exists only
// for the duration of one request's verification.
type PaymentClaim struct {
	// Reference is the on-chain transaction hash presented as proof.
	Reference string `json:"reference"`

	// Payer and Amount are the caller's own statement of what was paid.
	// They are advisory; the verifier trusts only the chain.
	Payer  string `json:"payer,omitempty"`
	Amount string `json:"amount,omitempty"`
	Asset  string `json:"asset,omitempty"`

	SubmittedAt time.Time `json:"submittedAt"`
}

// VerifiedPayment is the verifier's judgment for one claim.
type VerifiedPayment struct {
	Reference   string        `json:"reference"`
	Status      PaymentStatus `json:"status"`
	AmountPaid  *big.Int      `json:"-"`
	Payer       string        `json:"payer,omitempty"`
	ConfirmedAt time.Time     `json:"confirmedAt,omitempty"`
}

// Granted reports whether the payment backs a content grant. A reference
// that was already redeemed still grants content: redemption pays for the
// resource, not for one HTTP response.
func (v *VerifiedPayment) Granted() bool {
	return v.Status == StatusValid || v.Status == StatusAlreadyRedeemed
}

// AuditRecord is one row per completed request attempt. Records are never
// deleted; they are the durable proof of service. SettledOnChain and
// SettlementTx are flipped later by the batch settlement worker.
type AuditRecord struct {
	RequestID      string    `json:"requestId"`
	ResourceID     string    `json:"resource"`
	Reference      string    `json:"reference,omitempty"`
	Payer          string    `json:"payer,omitempty"`
	Amount         string    `json:"amount,omitempty"`
	Outcome        Outcome   `json:"outcome"`
	Reason         string    `json:"reason,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	SettledOnChain bool      `json:"settledOnChain"`
	SettlementTx   string    `json:"settlementTx,omitempty"`
}

// ChainTx is the typed view of an on-chain payment transaction, as decoded
// by the chain query client. Malformed shapes are rejected during decoding,
// never coerced.
type ChainTx struct {
	Hash      string
	From      string
	To        string
	Amount    *big.Int
	Asset     string
	Confirmed bool
	// Failed is true when the receipt exists but carries a failure status.
	Failed      bool
	ConfirmedAt time.Time
}

// GatewayError is the structured error type used across the gateway.
type GatewayError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *GatewayError) Error() string {
	return e.Message
}

// Common error codes, one per taxonomy entry.
const (
	ErrUnknownResource     = "UNKNOWN_RESOURCE"
	ErrPaymentRequired     = "PAYMENT_REQUIRED"
	ErrPaymentRejected     = "PAYMENT_REJECTED"
	ErrThrottled           = "THROTTLED"
	ErrChainUnavailable    = "CHAIN_UNAVAILABLE"
	ErrUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	ErrAuditWriteFailed    = "AUDIT_WRITE_FAILED"
	ErrInvalidClaim        = "INVALID_CLAIM"
	ErrConfigError         = "CONFIG_ERROR"
)

// Validate checks that the claim carries a plausible EVM transaction hash.
func (c *PaymentClaim) Validate() error {
	if c.Reference == "" {
		return &GatewayError{
			Code:    ErrInvalidClaim,
			Message: "payment reference is required",
		}
	}
	if err := utils.ValidateTransactionHash(c.Reference); err != nil {
		return &GatewayError{
			Code:    ErrInvalidClaim,
			Message: fmt.Sprintf("malformed payment reference %q: %v", c.Reference, err),
		}
	}
	if c.Payer != "" {
		if err := utils.ValidateAddress(c.Payer); err != nil {
			return &GatewayError{
				Code:    ErrInvalidClaim,
				Message: fmt.Sprintf("malformed payer address %q: %v", c.Payer, err),
			}
		}
	}
	return nil
}

// RejectionReason maps a non-valid payment status to the stable reason
// string surfaced in 4xx responses and audit records.
func RejectionReason(s PaymentStatus) string {
	return string(s)
}
