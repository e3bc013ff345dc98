// Package config defines the gateway process configuration and its
// command-line surface.
package config

import (
	"fmt"
	"time"

	"github.com/jessevdk/go-flags"
)

const (
	defaultListenAddr      = "localhost:8402"
	defaultMetricsAddr     = "localhost:9402"
	defaultChainTimeout    = 5 * time.Second
	defaultUpstreamTimeout = 30 * time.Second
	defaultFreshnessWindow = 5 * time.Minute
	defaultRateLimit       = 120
	defaultRatePeriod      = time.Minute
	defaultRateMaxCallers  = 65536
	defaultSettleInterval  = 15 * time.Minute
	defaultSettleBatch     = 256
	defaultMaxLogFiles     = 3
	defaultMaxLogFileSize  = 100
)

// Config defines the configuration options for the gateway process.
type Config struct {
	ListenAddr  string `long:"listen" description:"Interface/port to serve gated content on"`
	MetricsAddr string `long:"metricslisten" description:"Interface/port to serve Prometheus metrics on (empty to disable)"`

	RPCURL          string        `long:"rpc" description:"Primary chain RPC endpoint"`
	SecondaryRPCURL string        `long:"rpc-secondary" description:"Secondary chain RPC endpoint tried once after the primary fails"`
	ChainTimeout    time.Duration `long:"chain-timeout" description:"Timeout for a single chain query"`

	FreshnessWindow time.Duration `long:"freshness-window" description:"Maximum age of a confirmed payment the gateway accepts"`

	PolicyFile      string        `long:"policies" description:"Path to the publisher policy JSON file"`
	ContentRoot     string        `long:"content-root" description:"Directory local-mode resources are served from"`
	UpstreamTimeout time.Duration `long:"upstream-timeout" description:"Timeout for proxied upstream fetches"`

	AuditDB  string `long:"audit-db" description:"Path to the audit record database"`
	ReplayDB string `long:"replay-db" description:"Path to the shared replay database (empty for in-process memory)"`

	RateLimit      int           `long:"rate-limit" description:"Requests allowed per caller per period (0 disables)"`
	RatePeriod     time.Duration `long:"rate-period" description:"Rate limit window"`
	RateMaxCallers int           `long:"rate-max-callers" description:"Maximum caller identities tracked"`

	LedgerURL      string        `long:"ledger-url" description:"Ledger service endpoint for batch settlement (empty to disable)"`
	SettleInterval time.Duration `long:"settle-interval" description:"Interval between settlement batches"`
	SettleBatch    int           `long:"settle-batch" description:"Maximum records per settlement batch"`

	DebugLog       bool   `long:"debuglog" description:"Enable debug logs"`
	LogFile        string `long:"logfile" description:"Log file path (empty for stdout only)"`
	MaxLogFiles    int    `long:"maxlogfiles" description:"Maximum rotated logfiles to keep"`
	MaxLogFileSize int    `long:"maxlogfilesize" description:"Maximum logfile size in MB"`
}

// DefaultConfig returns a config with default hardcoded values.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:      defaultListenAddr,
		MetricsAddr:     defaultMetricsAddr,
		ChainTimeout:    defaultChainTimeout,
		FreshnessWindow: defaultFreshnessWindow,
		UpstreamTimeout: defaultUpstreamTimeout,
		RateLimit:       defaultRateLimit,
		RatePeriod:      defaultRatePeriod,
		RateMaxCallers:  defaultRateMaxCallers,
		SettleInterval:  defaultSettleInterval,
		SettleBatch:     defaultSettleBatch,
		MaxLogFiles:     defaultMaxLogFiles,
		MaxLogFileSize:  defaultMaxLogFileSize,
	}
}

// ParseFlags reads values from command line arguments into the config.
func ParseFlags(preCfg *Config) (*Config, error) {
	if _, err := flags.Parse(preCfg); err != nil {
		return nil, err
	}
	return preCfg, nil
}

// Validate checks that the required fields are present.
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("an RPC endpoint is required (--rpc)")
	}
	if c.PolicyFile == "" {
		return fmt.Errorf("a policy file is required (--policies)")
	}
	if c.AuditDB == "" {
		return fmt.Errorf("an audit database path is required (--audit-db)")
	}
	return nil
}
