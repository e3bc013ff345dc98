// Package metrics defines the instrumentation contract for the gateway
// with Prometheus and no-op implementations.
package metrics

import "time"

// Recorder receives gateway events and operation latencies.
type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}

// Event and operation names recorded by the gateway.
const (
	EventChallengeIssued = "challenge_issued"
	EventGrant           = "grant"
	EventRejection       = "rejection"
	EventThrottled       = "throttled"
	EventChainError      = "chain_error"
	EventUpstreamError   = "upstream_error"
	EventAuditRetry      = "audit_retry"
	EventAuditDropped    = "audit_dropped"
	EventSettlement      = "settlement"

	OpVerify  = "verify"
	OpResolve = "resolve"
	OpAudit   = "audit_write"
)
