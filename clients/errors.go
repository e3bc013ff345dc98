package clients

import "errors"

var (
	// ErrTxNotFound is returned when the chain has no transaction for the
	// presented reference.
	ErrTxNotFound = errors.New("transaction not found")

	// ErrMalformedTx is returned when a transaction exists but does not
	// decode into the expected payment shape. Malformed shapes are
	// rejected, never coerced.
	ErrMalformedTx = errors.New("transaction does not decode as a payment")

	// ErrNodeUnavailable is returned when all configured RPC endpoints
	// failed. It is an infrastructure error, not a payment rejection.
	ErrNodeUnavailable = errors.New("chain node unavailable")
)
