package audit

import (
	"context"
	"time"

	"github.com/tachiprotocol/gateway/logger"
	"github.com/tachiprotocol/gateway/metrics"
	"github.com/tachiprotocol/gateway/types"
)

// LedgerSubmitter writes a batch of audit records to an immutable ledger
// and returns the transaction that carries them.
type LedgerSubmitter interface {
	SubmitBatch(ctx context.Context, records []*types.AuditRecord) (settlementTx string, err error)
}

// Settler is the decoupled batch process that scans unsettled records,
// submits them to the on-chain ledger and flips their settlement fields.
// It may lag real time by minutes to hours without affecting the
// gateway's correctness.
type Settler struct {
	store     *Store
	submitter LedgerSubmitter
	interval  time.Duration
	batchSize int

	log     logger.Logger
	metrics metrics.Recorder
}

func NewSettler(store *Store, submitter LedgerSubmitter, interval time.Duration, batchSize int, log logger.Logger, rec metrics.Recorder) *Settler {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if batchSize <= 0 {
		batchSize = 256
	}
	if log == nil {
		log = logger.NoopLogger{}
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Settler{
		store:     store,
		submitter: submitter,
		interval:  interval,
		batchSize: batchSize,
		log:       log,
		metrics:   rec,
	}
}

// Run settles batches on a ticker until the context is cancelled.
func (s *Settler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.SettleOnce(ctx)
			if err != nil {
				s.log.Warn("settlement batch failed", map[string]any{"err": err.Error()})
				continue
			}
			if n > 0 {
				s.log.Info("settled audit records", map[string]any{"count": n})
			}
		}
	}
}

// SettleOnce submits one batch. Records are marked settled individually,
// so a crash mid-batch re-settles at most the unmarked remainder; the
// ledger submission is idempotent on the record's request id.
func (s *Settler) SettleOnce(ctx context.Context) (int, error) {
	records, err := s.store.Unsettled(ctx, s.batchSize)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := s.submitter.SubmitBatch(ctx, records)
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, rec := range records {
		if err := s.store.MarkSettled(ctx, rec.RequestID, tx); err != nil {
			return settled, err
		}
		settled++
	}
	s.metrics.IncCounter(metrics.EventSettlement, map[string]string{"resource": ""})
	return settled, nil
}
