package verification

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tachiprotocol/gateway/clients"
	"github.com/tachiprotocol/gateway/policy"
	"github.com/tachiprotocol/gateway/replay"
	"github.com/tachiprotocol/gateway/types"
)

const (
	recipient = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	payer     = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	other     = "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"
)

var baseTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// fakeChain serves canned transactions keyed by reference.
type fakeChain struct {
	mu  sync.Mutex
	txs map[string]*types.ChainTx
	err error
}

func (f *fakeChain) PaymentByReference(_ context.Context, ref, _ string) (*types.ChainTx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	tx, ok := f.txs[ref]
	if !ok {
		return nil, clients.ErrTxNotFound
	}
	return tx, nil
}

func (f *fakeChain) ChainID(context.Context) (string, error) { return "8453", nil }
func (f *fakeChain) Close()                                  {}

func testPolicy() *policy.Policy {
	return &policy.Policy{
		ResourceID: "/premium/report",
		Recipient:  recipient,
		Price:      "10000",
		Decimals:   6,
		ChainID:    "8453",
		Mode:       policy.ModeProxy,
		Upstream:   "http://origin.internal/report",
	}
}

func ref(suffix byte) string {
	return "0x" + strings.Repeat(string(suffix), 64)
}

func goodTx(amount int64) *types.ChainTx {
	return &types.ChainTx{
		From:        payer,
		To:          recipient,
		Amount:      big.NewInt(amount),
		Confirmed:   true,
		ConfirmedAt: baseTime.Add(-time.Minute),
	}
}

func newTestVerifier(chain clients.Reader, guard replay.Guard) *Verifier {
	return NewVerifier(chain, guard, 5*time.Minute, nil, nil).
		WithClock(func() time.Time { return baseTime })
}

func TestVerifyValid(t *testing.T) {
	r := ref('a')
	chain := &fakeChain{txs: map[string]*types.ChainTx{r: goodTx(10000)}}
	v := newTestVerifier(chain, replay.NewMemoryGuard(time.Hour))

	verified, err := v.Verify(context.Background(), &types.PaymentClaim{Reference: r}, testPolicy())
	require.NoError(t, err)
	assert.Equal(t, types.StatusValid, verified.Status)
	assert.True(t, verified.Granted())
	assert.Equal(t, payer, verified.Payer)
	assert.Equal(t, big.NewInt(10000), verified.AmountPaid)
}

func TestVerifyRejections(t *testing.T) {
	tests := []struct {
		name   string
		tx     *types.ChainTx
		status types.PaymentStatus
	}{
		{
			name: "unconfirmed",
			tx: func() *types.ChainTx {
				tx := goodTx(10000)
				tx.Confirmed = false
				return tx
			}(),
			status: types.StatusNotConfirmed,
		},
		{
			name: "reverted",
			tx: func() *types.ChainTx {
				tx := goodTx(10000)
				tx.Failed = true
				return tx
			}(),
			status: types.StatusNotConfirmed,
		},
		{
			name: "wrong recipient",
			tx: func() *types.ChainTx {
				tx := goodTx(10000)
				tx.To = other
				return tx
			}(),
			status: types.StatusWrongRecipient,
		},
		{
			name:   "one unit short",
			tx:     goodTx(9999),
			status: types.StatusInsufficientAmount,
		},
		{
			name: "stale",
			tx: func() *types.ChainTx {
				tx := goodTx(10000)
				tx.ConfirmedAt = baseTime.Add(-5*time.Minute - time.Second)
				return tx
			}(),
			status: types.StatusStale,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := ref('b')
			chain := &fakeChain{txs: map[string]*types.ChainTx{r: tc.tx}}
			guard := replay.NewMemoryGuard(time.Hour)
			v := newTestVerifier(chain, guard)

			verified, err := v.Verify(context.Background(), &types.PaymentClaim{Reference: r}, testPolicy())
			require.NoError(t, err)
			assert.Equal(t, tc.status, verified.Status)
			assert.False(t, verified.Granted())

			// A rejected claim never marks the reference redeemed.
			assert.Zero(t, guard.Len())
		})
	}
}

func TestVerifyNotFound(t *testing.T) {
	chain := &fakeChain{txs: map[string]*types.ChainTx{}}
	v := newTestVerifier(chain, replay.NewMemoryGuard(time.Hour))

	verified, err := v.Verify(context.Background(), &types.PaymentClaim{Reference: ref('c')}, testPolicy())
	require.NoError(t, err)
	assert.Equal(t, types.StatusNotFound, verified.Status)
}

func TestVerifyMalformedReference(t *testing.T) {
	chain := &fakeChain{txs: map[string]*types.ChainTx{}}
	v := newTestVerifier(chain, replay.NewMemoryGuard(time.Hour))

	for _, bad := range []string{"", "0x1234", "not-a-hash", "0x" + strings.Repeat("z", 64)} {
		verified, err := v.Verify(context.Background(), &types.PaymentClaim{Reference: bad}, testPolicy())
		require.NoError(t, err)
		assert.Equal(t, types.StatusNotFound, verified.Status, "reference %q", bad)
	}
}

func TestVerifyExactAndOverpayment(t *testing.T) {
	for _, amount := range []int64{10000, 10001, 1_000_000} {
		r := ref('d')
		chain := &fakeChain{txs: map[string]*types.ChainTx{r: goodTx(amount)}}
		v := newTestVerifier(chain, replay.NewMemoryGuard(time.Hour))

		verified, err := v.Verify(context.Background(), &types.PaymentClaim{Reference: r}, testPolicy())
		require.NoError(t, err)
		assert.Equal(t, types.StatusValid, verified.Status, "amount %d", amount)
	}
}

func TestVerifyFreshnessBoundaryInclusive(t *testing.T) {
	r := ref('e')
	tx := goodTx(10000)
	tx.ConfirmedAt = baseTime.Add(-5 * time.Minute)
	chain := &fakeChain{txs: map[string]*types.ChainTx{r: tx}}
	v := newTestVerifier(chain, replay.NewMemoryGuard(time.Hour))

	verified, err := v.Verify(context.Background(), &types.PaymentClaim{Reference: r}, testPolicy())
	require.NoError(t, err)
	assert.Equal(t, types.StatusValid, verified.Status)
}

// A stale payment is rejected even when every other check would pass.
func TestVerifyStaleWinsOverReplay(t *testing.T) {
	r := ref('f')
	tx := goodTx(10000)
	tx.ConfirmedAt = baseTime.Add(-time.Hour)
	chain := &fakeChain{txs: map[string]*types.ChainTx{r: tx}}
	guard := replay.NewMemoryGuard(2 * time.Hour)
	v := newTestVerifier(chain, guard)

	for i := 0; i < 2; i++ {
		verified, err := v.Verify(context.Background(), &types.PaymentClaim{Reference: r}, testPolicy())
		require.NoError(t, err)
		assert.Equal(t, types.StatusStale, verified.Status)
	}
	assert.Zero(t, guard.Len())
}

func TestVerifyOrderDeterministic(t *testing.T) {
	// Wrong recipient and insufficient amount at once: recipient is
	// checked first, so that is the reported reason.
	r := ref('1')
	tx := goodTx(1)
	tx.To = other
	chain := &fakeChain{txs: map[string]*types.ChainTx{r: tx}}
	v := newTestVerifier(chain, replay.NewMemoryGuard(time.Hour))

	verified, err := v.Verify(context.Background(), &types.PaymentClaim{Reference: r}, testPolicy())
	require.NoError(t, err)
	assert.Equal(t, types.StatusWrongRecipient, verified.Status)
}

func TestVerifyMalformedTxMapsToWrongRecipient(t *testing.T) {
	chain := &fakeChain{err: clients.ErrMalformedTx}
	v := newTestVerifier(chain, replay.NewMemoryGuard(time.Hour))

	verified, err := v.Verify(context.Background(), &types.PaymentClaim{Reference: ref('2')}, testPolicy())
	require.NoError(t, err)
	assert.Equal(t, types.StatusWrongRecipient, verified.Status)
}

func TestVerifyInfraErrorIsNotARejection(t *testing.T) {
	chain := &fakeChain{err: clients.ErrNodeUnavailable}
	guard := replay.NewMemoryGuard(time.Hour)
	v := newTestVerifier(chain, guard)

	verified, err := v.Verify(context.Background(), &types.PaymentClaim{Reference: ref('3')}, testPolicy())
	require.Error(t, err)
	assert.True(t, errors.Is(err, clients.ErrNodeUnavailable))
	assert.Nil(t, verified)
	assert.Zero(t, guard.Len())
}

func TestVerifyReplay(t *testing.T) {
	r := ref('4')
	chain := &fakeChain{txs: map[string]*types.ChainTx{r: goodTx(10000)}}
	v := newTestVerifier(chain, replay.NewMemoryGuard(time.Hour))

	verified, err := v.Verify(context.Background(), &types.PaymentClaim{Reference: r}, testPolicy())
	require.NoError(t, err)
	require.Equal(t, types.StatusValid, verified.Status)

	verified, err = v.Verify(context.Background(), &types.PaymentClaim{Reference: r}, testPolicy())
	require.NoError(t, err)
	assert.Equal(t, types.StatusAlreadyRedeemed, verified.Status)
	assert.True(t, verified.Granted())
}

func TestVerifyConcurrentSameReference(t *testing.T) {
	r := ref('5')
	chain := &fakeChain{txs: map[string]*types.ChainTx{r: goodTx(10000)}}
	v := newTestVerifier(chain, replay.NewMemoryGuard(time.Hour))

	const n = 50
	var wg sync.WaitGroup
	statuses := make(chan types.PaymentStatus, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			verified, err := v.Verify(context.Background(), &types.PaymentClaim{Reference: r}, testPolicy())
			require.NoError(t, err)
			statuses <- verified.Status
		}()
	}
	wg.Wait()
	close(statuses)

	valid, replayed := 0, 0
	for st := range statuses {
		switch st {
		case types.StatusValid:
			valid++
		case types.StatusAlreadyRedeemed:
			replayed++
		default:
			t.Fatalf("unexpected status %s", st)
		}
	}
	assert.Equal(t, 1, valid)
	assert.Equal(t, n-1, replayed)
}

func TestVerifyBadPolicyPrice(t *testing.T) {
	r := ref('6')
	chain := &fakeChain{txs: map[string]*types.ChainTx{r: goodTx(10000)}}
	v := newTestVerifier(chain, replay.NewMemoryGuard(time.Hour))

	pol := testPolicy()
	pol.Price = "ten"
	_, err := v.Verify(context.Background(), &types.PaymentClaim{Reference: r}, pol)
	require.Error(t, err)

	gwErr := &types.GatewayError{}
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, types.ErrConfigError, gwErr.Code)
}
