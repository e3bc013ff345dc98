// Package clients provides read-only blockchain query clients used to
// verify payment transactions.
package clients

import (
	"context"

	"github.com/tachiprotocol/gateway/types"
)

// Reader issues read-only queries against a blockchain node. It holds no
// state of its own.
type Reader interface {
	// PaymentByReference looks up the transaction identified by ref and
	// decodes it into a typed payment view. asset selects the decoding:
	// empty for a native transfer, a token contract address for ERC20.
	// ConfirmedAt carries the containing block's timestamp, so freshness
	// is judged against chain time rather than a caller-supplied clock.
	// Returns ErrTxNotFound when the chain has no such transaction.
	PaymentByReference(ctx context.Context, ref string, asset string) (*types.ChainTx, error)

	// ChainID returns the connected chain's identifier.
	ChainID(ctx context.Context) (string, error)

	Close()
}
