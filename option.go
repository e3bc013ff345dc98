package gateway

import (
	"github.com/tachiprotocol/gateway/audit"
	"github.com/tachiprotocol/gateway/clients"
	"github.com/tachiprotocol/gateway/logger"
	"github.com/tachiprotocol/gateway/metrics"
	"github.com/tachiprotocol/gateway/policy"
	"github.com/tachiprotocol/gateway/replay"
)

type Option func(*Gateway)

func WithLogger(l logger.Logger) Option {
	return func(g *Gateway) {
		g.log = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(g *Gateway) {
		g.metrics = r
	}
}

// WithChainReader injects a chain client, replacing the default EVM
// client built from the RPC configuration.
func WithChainReader(c clients.Reader) Option {
	return func(g *Gateway) {
		g.chain = c
	}
}

// WithReplayGuard injects a replay guard, replacing the one selected by
// ReplayDBPath.
func WithReplayGuard(guard replay.Guard) Option {
	return func(g *Gateway) {
		g.guard = guard
	}
}

// WithPolicyStore injects a policy store, replacing the file-backed one.
func WithPolicyStore(s policy.Store) Option {
	return func(g *Gateway) {
		g.policies = s
	}
}

// WithAuditStore injects an audit store, replacing the one opened at
// AuditDBPath.
func WithAuditStore(s *audit.Store) Option {
	return func(g *Gateway) {
		g.auditStore = s
	}
}
