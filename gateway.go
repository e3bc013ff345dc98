// Package gateway gates access to digital content behind per-request
// micropayments: callers present proof of an on-chain payment and receive
// the resource, everyone else receives a structured 402 challenge.
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/tachiprotocol/gateway/audit"
	"github.com/tachiprotocol/gateway/challenge"
	"github.com/tachiprotocol/gateway/clients"
	"github.com/tachiprotocol/gateway/logger"
	"github.com/tachiprotocol/gateway/metrics"
	"github.com/tachiprotocol/gateway/policy"
	"github.com/tachiprotocol/gateway/ratelimit"
	"github.com/tachiprotocol/gateway/replay"
	"github.com/tachiprotocol/gateway/resolve"
	"github.com/tachiprotocol/gateway/server"
	"github.com/tachiprotocol/gateway/verification"
)

// Config carries everything needed to assemble a gateway.
type Config struct {
	// Chain access.
	RPCURL          string
	SecondaryRPCURL string
	ChainTimeout    time.Duration

	// Freshness window shared by challenge issuance and verification.
	FreshnessWindow time.Duration

	// Policies and content.
	PolicyFile      string
	ContentRoot     string
	UpstreamTimeout time.Duration

	// Durable state. An empty ReplayDBPath selects the in-memory guard.
	AuditDBPath  string
	ReplayDBPath string

	// Rate limiting.
	RateLimit      int
	RatePeriod     time.Duration
	RateMaxCallers int

	Audit audit.Config
}

// Gateway wires the payment pipeline together.
type Gateway struct {
	cfg Config

	chain      clients.Reader
	guard      replay.Guard
	policies   policy.Store
	issuer     *challenge.Issuer
	verifier   *verification.Verifier
	resolver   *resolve.Resolver
	auditStore *audit.Store
	auditor    *audit.Logger
	limiter    *ratelimit.Limiter
	srv        *server.Server

	log     logger.Logger
	metrics metrics.Recorder
}

// New assembles a gateway from the configuration. Options may inject
// alternative component implementations before the defaults are built.
func New(cfg Config, opts ...Option) (*Gateway, error) {
	g := &Gateway{
		cfg:     cfg,
		log:     logger.NoopLogger{},
		metrics: metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.cfg.FreshnessWindow <= 0 {
		g.cfg.FreshnessWindow = challenge.DefaultFreshnessWindow
	}

	if g.chain == nil {
		chain, err := clients.NewEVMClient(cfg.RPCURL, cfg.SecondaryRPCURL, cfg.ChainTimeout)
		if err != nil {
			return nil, err
		}
		g.chain = chain
	}

	if g.guard == nil {
		if cfg.ReplayDBPath != "" {
			guard, err := replay.NewLevelDBGuard(cfg.ReplayDBPath, g.cfg.FreshnessWindow)
			if err != nil {
				g.chain.Close()
				return nil, err
			}
			g.guard = guard
		} else {
			g.guard = replay.NewMemoryGuard(g.cfg.FreshnessWindow)
		}
	}

	if g.policies == nil {
		store, err := policy.NewFileStore(cfg.PolicyFile)
		if err != nil {
			g.chain.Close()
			_ = g.guard.Close()
			return nil, err
		}
		g.policies = store
	}

	if g.auditStore == nil {
		store, err := audit.NewStore(cfg.AuditDBPath)
		if err != nil {
			g.chain.Close()
			_ = g.guard.Close()
			return nil, err
		}
		g.auditStore = store
	}

	g.issuer = challenge.NewIssuer(g.cfg.FreshnessWindow)
	g.verifier = verification.NewVerifier(g.chain, g.guard, g.cfg.FreshnessWindow, g.log, g.metrics)
	g.resolver = resolve.NewResolver(cfg.ContentRoot, cfg.UpstreamTimeout, g.log, g.metrics)
	g.auditor = audit.NewLogger(g.auditStore, cfg.Audit, g.log, g.metrics)
	g.limiter = ratelimit.NewLimiter(cfg.RateLimit, cfg.RatePeriod, cfg.RateMaxCallers)
	g.srv = server.New(g.policies, g.issuer, g.verifier, g.resolver, g.auditor, g.limiter, g.log, g.metrics)

	return g, nil
}

// Handler returns the HTTP handler serving the payment-gated routes.
func (g *Gateway) Handler() http.Handler {
	return g.srv.Router()
}

// AuditStore exposes the audit store for the settlement worker and for
// reconciliation tooling.
func (g *Gateway) AuditStore() *audit.Store {
	return g.auditStore
}

// RunSettlement runs the batch settlement loop until ctx is cancelled.
func (g *Gateway) RunSettlement(ctx context.Context, submitter audit.LedgerSubmitter, interval time.Duration, batchSize int) {
	settler := audit.NewSettler(g.auditStore, submitter, interval, batchSize, g.log, g.metrics)
	settler.Run(ctx)
}

// Close flushes the audit queue and releases all component resources.
func (g *Gateway) Close() error {
	var result *multierror.Error

	g.auditor.Close()
	if err := g.auditStore.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := g.guard.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	g.chain.Close()

	return result.ErrorOrNil()
}
