package clients

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/tachiprotocol/gateway/types"
)

var _ Reader = (*EVMClient)(nil)

// transferTopic is keccak256("Transfer(address,address,uint256)").
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// EVMClient reads payment transactions from an EVM chain. A secondary RPC
// endpoint, when configured, is tried once after the primary fails with a
// transient error.
type EVMClient struct {
	primary   *ethclient.Client
	secondary *ethclient.Client
	timeout   time.Duration

	mu      sync.Mutex
	chainID *big.Int
}

// NewEVMClient dials the primary RPC endpoint and, if secondaryURL is
// non-empty, the secondary as well. timeout bounds every individual query.
func NewEVMClient(rpcURL, secondaryURL string, timeout time.Duration) (*EVMClient, error) {
	primary, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC endpoint: %w", err)
	}

	var secondary *ethclient.Client
	if secondaryURL != "" {
		secondary, err = ethclient.Dial(secondaryURL)
		if err != nil {
			primary.Close()
			return nil, fmt.Errorf("failed to connect to secondary RPC endpoint: %w", err)
		}
	}

	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &EVMClient{
		primary:   primary,
		secondary: secondary,
		timeout:   timeout,
	}, nil
}

func (e *EVMClient) Close() {
	e.primary.Close()
	if e.secondary != nil {
		e.secondary.Close()
	}
}

// withFailover runs fn against the primary endpoint and retries once on
// the secondary for transient failures. ethereum.NotFound is a definitive
// answer and is never retried.
func (e *EVMClient) withFailover(ctx context.Context, fn func(ctx context.Context, c *ethclient.Client) error) error {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	err := fn(callCtx, e.primary)
	cancel()
	if err == nil || errors.Is(err, ethereum.NotFound) || ctx.Err() != nil {
		return err
	}

	if e.secondary == nil {
		return fmt.Errorf("%w: %v", ErrNodeUnavailable, err)
	}

	callCtx, cancel = context.WithTimeout(ctx, e.timeout)
	defer cancel()
	if err2 := fn(callCtx, e.secondary); err2 == nil || errors.Is(err2, ethereum.NotFound) {
		return err2
	}
	return fmt.Errorf("%w: %v", ErrNodeUnavailable, err)
}

func (e *EVMClient) ChainID(ctx context.Context) (string, error) {
	id, err := e.chainIDBig(ctx)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// chainIDBig returns the chain id, fetching and caching it on first use.
// The lock is never held across the RPC call; concurrent first callers may
// fetch twice, both caching the same answer.
func (e *EVMClient) chainIDBig(ctx context.Context) (*big.Int, error) {
	e.mu.Lock()
	cached := e.chainID
	e.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	var id *big.Int
	err := e.withFailover(ctx, func(ctx context.Context, c *ethclient.Client) error {
		var err error
		id, err = c.ChainID(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.chainID = id
	e.mu.Unlock()
	return id, nil
}

// PaymentByReference implements Reader.
func (e *EVMClient) PaymentByReference(ctx context.Context, ref string, asset string) (*types.ChainTx, error) {
	hash := common.HexToHash(ref)

	var (
		tx      *ethtypes.Transaction
		pending bool
	)
	err := e.withFailover(ctx, func(ctx context.Context, c *ethclient.Client) error {
		var err error
		tx, pending, err = c.TransactionByHash(ctx, hash)
		return err
	})
	if errors.Is(err, ethereum.NotFound) {
		return nil, ErrTxNotFound
	}
	if err != nil {
		return nil, err
	}

	out := &types.ChainTx{Hash: ref, Asset: asset}

	chainID, err := e.chainIDBig(ctx)
	if err != nil {
		return nil, err
	}
	from, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(chainID), tx)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot recover sender: %v", ErrMalformedTx, err)
	}
	out.From = from.Hex()

	if pending {
		return out, nil
	}

	var receipt *ethtypes.Receipt
	err = e.withFailover(ctx, func(ctx context.Context, c *ethclient.Client) error {
		var err error
		receipt, err = c.TransactionReceipt(ctx, hash)
		return err
	})
	if errors.Is(err, ethereum.NotFound) {
		// Known to the mempool but not yet mined.
		return out, nil
	}
	if err != nil {
		return nil, err
	}

	out.Confirmed = true
	if receipt.Status == ethtypes.ReceiptStatusFailed {
		out.Failed = true
		return out, nil
	}

	var header *ethtypes.Header
	err = e.withFailover(ctx, func(ctx context.Context, c *ethclient.Client) error {
		var err error
		header, err = c.HeaderByNumber(ctx, receipt.BlockNumber)
		return err
	})
	if err != nil {
		return nil, err
	}
	out.ConfirmedAt = time.Unix(int64(header.Time), 0).UTC()

	if asset == "" {
		if tx.To() == nil {
			return nil, fmt.Errorf("%w: contract creation is not a payment", ErrMalformedTx)
		}
		out.To = tx.To().Hex()
		out.Amount = tx.Value()
		return out, nil
	}

	to, amount, err := decodeERC20Transfer(receipt, common.HexToAddress(asset), from)
	if err != nil {
		return nil, err
	}
	out.To = to.Hex()
	out.Amount = amount
	return out, nil
}

// decodeERC20Transfer extracts the Transfer event emitted by the expected
// token contract with the payer as sender. Any other shape is rejected.
func decodeERC20Transfer(receipt *ethtypes.Receipt, token common.Address, from common.Address) (common.Address, *big.Int, error) {
	for _, lg := range receipt.Logs {
		if lg.Address != token {
			continue
		}
		if len(lg.Topics) != 3 || lg.Topics[0] != transferTopic {
			continue
		}
		if common.BytesToAddress(lg.Topics[1].Bytes()) != from {
			continue
		}
		if len(lg.Data) != 32 {
			return common.Address{}, nil, fmt.Errorf("%w: transfer event data is %d bytes", ErrMalformedTx, len(lg.Data))
		}
		to := common.BytesToAddress(lg.Topics[2].Bytes())
		return to, new(big.Int).SetBytes(lg.Data), nil
	}
	return common.Address{}, nil, fmt.Errorf("%w: no transfer of token %s by payer", ErrMalformedTx, token.Hex())
}
