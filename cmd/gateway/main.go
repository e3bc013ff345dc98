package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	gateway "github.com/tachiprotocol/gateway"
	"github.com/tachiprotocol/gateway/audit"
	"github.com/tachiprotocol/gateway/config"
	"github.com/tachiprotocol/gateway/logger"
	"github.com/tachiprotocol/gateway/metrics"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.ParseFlags(config.DefaultConfig())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level := "info"
	if cfg.DebugLog {
		level = "debug"
	}
	log := logger.NewFileLogger(level, cfg.LogFile, cfg.MaxLogFileSize, cfg.MaxLogFiles)
	rec := metrics.NewPrometheusRecorder(prometheus.DefaultRegisterer)

	gw, err := gateway.New(gateway.Config{
		RPCURL:          cfg.RPCURL,
		SecondaryRPCURL: cfg.SecondaryRPCURL,
		ChainTimeout:    cfg.ChainTimeout,
		FreshnessWindow: cfg.FreshnessWindow,
		PolicyFile:      cfg.PolicyFile,
		ContentRoot:     cfg.ContentRoot,
		UpstreamTimeout: cfg.UpstreamTimeout,
		AuditDBPath:     cfg.AuditDB,
		ReplayDBPath:    cfg.ReplayDB,
		RateLimit:       cfg.RateLimit,
		RatePeriod:      cfg.RatePeriod,
		RateMaxCallers:  cfg.RateMaxCallers,
		Audit:           audit.DefaultConfig(),
	}, gateway.WithLogger(log), gateway.WithMetrics(rec))
	if err != nil {
		return err
	}
	defer func() {
		if err := gw.Close(); err != nil {
			log.Error("shutdown cleanup failed", map[string]any{"err": err.Error()})
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.LedgerURL != "" {
		submitter := audit.NewHTTPLedgerSubmitter(cfg.LedgerURL, cfg.UpstreamTimeout)
		go gw.RunSettlement(ctx, submitter, cfg.SettleInterval, cfg.SettleBatch)
	}

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn("metrics listener stopped", map[string]any{"err": err.Error()})
			}
		}()
	}

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: gw.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("gateway listening", map[string]any{"addr": cfg.ListenAddr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down", nil)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
