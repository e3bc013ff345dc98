package server

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tachiprotocol/gateway/audit"
	"github.com/tachiprotocol/gateway/challenge"
	"github.com/tachiprotocol/gateway/clients"
	"github.com/tachiprotocol/gateway/policy"
	"github.com/tachiprotocol/gateway/ratelimit"
	"github.com/tachiprotocol/gateway/replay"
	"github.com/tachiprotocol/gateway/resolve"
	"github.com/tachiprotocol/gateway/types"
	"github.com/tachiprotocol/gateway/verification"
)

const (
	recipient = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	payer     = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

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

type fixture struct {
	handler  http.Handler
	chain    *fakeChain
	guard    *replay.MemoryGuard
	store    *audit.Store
	auditor  *audit.Logger
	upstream *httptest.Server

	upstreamMu    sync.Mutex
	upstreamFails bool
}

func newFixture(t *testing.T, rateLimit int) *fixture {
	t.Helper()

	f := &fixture{
		chain: &fakeChain{txs: map[string]*types.ChainTx{}},
		guard: replay.NewMemoryGuard(time.Hour),
	}

	f.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.upstreamMu.Lock()
		fails := f.upstreamFails
		f.upstreamMu.Unlock()

		if fails {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		assert.Empty(t, r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("premium bytes"))
	}))
	t.Cleanup(f.upstream.Close)

	store, err := audit.NewStore(t.TempDir())
	require.NoError(t, err)
	f.store = store
	f.auditor = audit.NewLogger(store, audit.DefaultConfig(), nil, nil)
	t.Cleanup(func() {
		f.auditor.Close()
		require.NoError(t, store.Close())
	})

	policies := policy.StaticStore{
		"/premium/report": {
			ResourceID: "/premium/report",
			Recipient:  recipient,
			Price:      "10000",
			Currency:   "USDC",
			Decimals:   6,
			ChainID:    "8453",
			Mode:       policy.ModeProxy,
			Upstream:   f.upstream.URL,
		},
	}

	srv := New(
		policies,
		challenge.NewIssuer(5*time.Minute),
		verification.NewVerifier(f.chain, f.guard, 5*time.Minute, nil, nil),
		resolve.NewResolver("", 5*time.Second, nil, nil),
		f.auditor,
		ratelimit.NewLimiter(rateLimit, time.Minute, 16),
		nil,
		nil,
	)
	f.handler = srv.Router()
	return f
}

func (f *fixture) addPayment(ref string, amount int64) {
	f.chain.mu.Lock()
	defer f.chain.mu.Unlock()
	f.chain.txs[ref] = &types.ChainTx{
		Hash:        ref,
		From:        payer,
		To:          recipient,
		Amount:      big.NewInt(amount),
		Confirmed:   true,
		ConfirmedAt: time.Now().UTC(),
	}
}

func (f *fixture) get(path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "203.0.113.7:52100"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func ref(suffix byte) string {
	return "0x" + strings.Repeat(string(suffix), 64)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, 0)
	w := f.get("/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

func TestOptionsPreflight(t *testing.T) {
	f := newFixture(t, 0)
	req := httptest.NewRequest(http.MethodOptions, "/premium/report", nil)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestChallengeWithoutClaim(t *testing.T) {
	f := newFixture(t, 0)
	w := f.get("/premium/report", nil)

	require.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "0.01", w.Header().Get(HeaderPrice))
	assert.Equal(t, "USDC", w.Header().Get(HeaderCurrency))
	assert.Equal(t, recipient, w.Header().Get(HeaderRecipient))
	assert.Equal(t, "8453", w.Header().Get(HeaderChainID))
	assert.NotEmpty(t, w.Header().Get(HeaderExpiry))
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	var body struct {
		Error   string                    `json:"error"`
		Payment *types.PaymentRequirement `json:"payment"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.NotNil(t, body.Payment)
	assert.Empty(t, body.Error)
	assert.Equal(t, "/premium/report", body.Payment.ResourceID)
	assert.Equal(t, "10000", body.Payment.Amount)
	assert.True(t, body.Payment.ExpiresAt.After(body.Payment.IssuedAt))
}

func TestUnknownResource(t *testing.T) {
	f := newFixture(t, 0)
	w := f.get("/no/such/thing", nil)

	require.Equal(t, http.StatusNotFound, w.Code)
	var body errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, types.ErrUnknownResource, body.Code)
}

func TestGrantWithValidPayment(t *testing.T) {
	f := newFixture(t, 0)
	r := ref('a')
	f.addPayment(r, 10000)

	w := f.get("/premium/report", map[string]string{HeaderReference: r})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "premium bytes", w.Body.String())
	assert.Equal(t, r, w.Header().Get(HeaderApplied))
	assert.Equal(t, "text/plain", w.Header().Get("Content-Type"))

	// The grant's audit record is durable before the response is written.
	recs, err := f.store.ByReference(context.Background(), r)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, types.OutcomeServed, recs[0].Outcome)
	assert.Equal(t, payer, recs[0].Payer)
	assert.Equal(t, "10000", recs[0].Amount)
}

func TestGrantViaBearerToken(t *testing.T) {
	f := newFixture(t, 0)
	r := ref('b')
	f.addPayment(r, 10000)

	w := f.get("/premium/report", map[string]string{"Authorization": "Bearer " + r})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReplayStillServes(t *testing.T) {
	f := newFixture(t, 0)
	r := ref('c')
	f.addPayment(r, 10000)

	w := f.get("/premium/report", map[string]string{HeaderReference: r})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.get("/premium/report", map[string]string{HeaderReference: r})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "premium bytes", w.Body.String())

	recs, err := f.store.ByReference(context.Background(), r)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	outcomes := map[types.Outcome]int{}
	for _, rec := range recs {
		outcomes[rec.Outcome]++
	}
	assert.Equal(t, 1, outcomes[types.OutcomeServed])
	assert.Equal(t, 1, outcomes[types.OutcomeServedReplay])
}

func TestRejectionReissuesChallenge(t *testing.T) {
	f := newFixture(t, 0)
	r := ref('d')
	f.addPayment(r, 9999) // one unit short

	w := f.get("/premium/report", map[string]string{HeaderReference: r})

	require.Equal(t, http.StatusPaymentRequired, w.Code)
	var body struct {
		Error   string                    `json:"error"`
		Payment *types.PaymentRequirement `json:"payment"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, string(types.StatusInsufficientAmount), body.Error)
	require.NotNil(t, body.Payment)

	// A rejected claim never consumes the reference.
	assert.Zero(t, f.guard.Len())
}

func TestUnconfirmedPaymentRejected(t *testing.T) {
	f := newFixture(t, 0)
	r := ref('e')
	f.chain.txs[r] = &types.ChainTx{Hash: r, From: payer, To: recipient, Amount: big.NewInt(10000)}

	w := f.get("/premium/report", map[string]string{HeaderReference: r})

	require.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Zero(t, f.guard.Len())
}

func TestChainUnavailable(t *testing.T) {
	f := newFixture(t, 0)
	f.chain.err = clients.ErrNodeUnavailable

	w := f.get("/premium/report", map[string]string{HeaderReference: ref('f')})

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	var body errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, types.ErrChainUnavailable, body.Code)
	assert.Zero(t, f.guard.Len())
}

func TestUpstreamFailureKeepsRedemption(t *testing.T) {
	f := newFixture(t, 0)
	r := ref('1')
	f.addPayment(r, 10000)

	f.upstreamMu.Lock()
	f.upstreamFails = true
	f.upstreamMu.Unlock()

	w := f.get("/premium/report", map[string]string{HeaderReference: r})
	require.Equal(t, http.StatusBadGateway, w.Code)
	var body errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, types.ErrUpstreamUnavailable, body.Code)

	// The redemption stays marked and a retry with the same reference is
	// served once the origin recovers.
	assert.Equal(t, 1, f.guard.Len())

	f.upstreamMu.Lock()
	f.upstreamFails = false
	f.upstreamMu.Unlock()

	w = f.get("/premium/report", map[string]string{HeaderReference: r})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "premium bytes", w.Body.String())
}

func TestThrottled(t *testing.T) {
	f := newFixture(t, 2)

	for i := 0; i < 2; i++ {
		w := f.get("/premium/report", nil)
		require.Equal(t, http.StatusPaymentRequired, w.Code)
	}

	w := f.get("/premium/report", nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	var body errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, types.ErrThrottled, body.Code)

	// A caller with its own API key has a separate budget.
	w = f.get("/premium/report", map[string]string{"X-Api-Key": "other-agent"})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
}

func TestConcurrentRedemptionsSameReference(t *testing.T) {
	f := newFixture(t, 0)
	r := ref('2')
	f.addPayment(r, 10000)

	const n = 50
	var wg sync.WaitGroup
	codes := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := f.get("/premium/report", map[string]string{HeaderReference: r})
			codes <- w.Code
		}()
	}
	wg.Wait()
	close(codes)

	for code := range codes {
		assert.Equal(t, http.StatusOK, code)
	}
	assert.Equal(t, 1, f.guard.Len())

	recs, err := f.store.ByReference(context.Background(), r)
	require.NoError(t, err)
	require.Len(t, recs, n)
	outcomes := map[types.Outcome]int{}
	for _, rec := range recs {
		outcomes[rec.Outcome]++
	}
	assert.Equal(t, 1, outcomes[types.OutcomeServed])
	assert.Equal(t, n-1, outcomes[types.OutcomeServedReplay])
}
