package audit

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tachiprotocol/gateway/logger"
	"github.com/tachiprotocol/gateway/metrics"
	"github.com/tachiprotocol/gateway/types"
)

// Logger writes audit records. Grants are written synchronously so the
// record is durable before the response leaves the gateway; everything
// else goes through a bounded-retry queue that never blocks the response
// path and never silently drops a write: exhausted retries are logged and
// counted.
type Logger struct {
	store *Store

	queue      chan *types.AuditRecord
	maxRetries int
	backoff    time.Duration

	// sampleRate applies to rejection outcomes only; outcomes of paid
	// requests are always recorded. 1.0 records everything.
	sampleRate float64

	wg      sync.WaitGroup
	closing chan struct{}
	once    sync.Once

	log     logger.Logger
	metrics metrics.Recorder
	rand    func() float64
}

// Config tunes the audit logger.
type Config struct {
	QueueSize  int
	MaxRetries int
	Backoff    time.Duration
	SampleRate float64
}

func DefaultConfig() Config {
	return Config{
		QueueSize:  1024,
		MaxRetries: 3,
		Backoff:    250 * time.Millisecond,
		SampleRate: 1.0,
	}
}

func NewLogger(store *Store, cfg Config, log logger.Logger, rec metrics.Recorder) *Logger {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 250 * time.Millisecond
	}
	if log == nil {
		log = logger.NoopLogger{}
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}

	l := &Logger{
		store:      store,
		queue:      make(chan *types.AuditRecord, cfg.QueueSize),
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.Backoff,
		sampleRate: cfg.SampleRate,
		closing:    make(chan struct{}),
		log:        log,
		metrics:    rec,
		rand:       rand.Float64,
	}

	l.wg.Add(1)
	go l.worker()
	return l
}

// NewRecord builds an audit record with a fresh request id.
func NewRecord(resourceID string, outcome types.Outcome) *types.AuditRecord {
	return &types.AuditRecord{
		RequestID:  uuid.NewString(),
		ResourceID: resourceID,
		Outcome:    outcome,
		Timestamp:  time.Now().UTC(),
	}
}

// RecordSync durably writes a record before returning. Used for grants.
func (l *Logger) RecordSync(ctx context.Context, rec *types.AuditRecord) error {
	start := time.Now()
	err := l.writeWithRetry(ctx, rec)
	l.metrics.ObserveLatency(metrics.OpAudit, time.Since(start), map[string]string{"resource": rec.ResourceID})
	return err
}

// Record enqueues a record for asynchronous durable write. Rejection
// outcomes are subject to the sampling rate. If the queue is full the
// write proceeds on its own goroutine rather than being dropped.
func (l *Logger) Record(rec *types.AuditRecord) {
	if l.sampled(rec.Outcome) {
		return
	}

	select {
	case l.queue <- rec:
	default:
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			if err := l.writeWithRetry(context.Background(), rec); err != nil {
				l.dropped(rec, err)
			}
		}()
	}
}

// sampled reports whether this record should be skipped under the
// rejection sampling policy. Outcomes backed by a redeemed payment are
// never sampled out: a lost upstream-failure record would orphan a grant.
func (l *Logger) sampled(o types.Outcome) bool {
	switch o {
	case types.OutcomeServed, types.OutcomeServedReplay, types.OutcomeUpstreamUnavailable:
		return false
	}
	if l.sampleRate >= 1.0 {
		return false
	}
	return l.rand() >= l.sampleRate
}

func (l *Logger) worker() {
	defer l.wg.Done()
	for rec := range l.queue {
		if err := l.writeWithRetry(context.Background(), rec); err != nil {
			l.dropped(rec, err)
		}
	}
}

func (l *Logger) writeWithRetry(ctx context.Context, rec *types.AuditRecord) error {
	var err error
	for attempt := 0; attempt <= l.maxRetries; attempt++ {
		if attempt > 0 {
			l.metrics.IncCounter(metrics.EventAuditRetry, map[string]string{"resource": rec.ResourceID})
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(l.backoff << uint(attempt-1)):
			}
		}
		if err = l.store.Put(ctx, rec); err == nil {
			return nil
		}
	}
	return err
}

// dropped is the defined failure-visibility path for a write that
// exhausted its retries: loud log plus a counter, never silence.
func (l *Logger) dropped(rec *types.AuditRecord, err error) {
	l.metrics.IncCounter(metrics.EventAuditDropped, map[string]string{"resource": rec.ResourceID})
	l.log.Error("audit write failed after retries", map[string]any{
		"requestId": rec.RequestID,
		"resource":  rec.ResourceID,
		"reference": rec.Reference,
		"outcome":   string(rec.Outcome),
		"err":       err.Error(),
	})
}

// Close drains the queue and waits for in-flight writes.
func (l *Logger) Close() {
	l.once.Do(func() {
		close(l.queue)
	})
	l.wg.Wait()
}
