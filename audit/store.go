// Package audit durably records every settled request and periodically
// writes unsettled records back to an immutable on-chain ledger.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/tachiprotocol/gateway/types"
)

var ErrRecordNotFound = errors.New("audit record not found")

var (
	recordPrefix    = []byte("record/")
	unsettledPrefix = []byte("unsettled/")
	referencePrefix = []byte("reference/")
)

// Store persists audit records in a leveldb database. Writes are upserts
// keyed by request id, so at-least-once delivery from the logger cannot
// produce duplicate rows. Records are never deleted.
type Store struct {
	db *leveldb.DB
}

func NewStore(dbPath string) (*Store, error) {
	db, err := leveldb.OpenFile(dbPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database @ %s: %w", dbPath, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func recordKey(requestID string) []byte {
	return append(recordPrefix, []byte(requestID)...)
}

// Put upserts one record. Grants are additionally indexed as unsettled so
// the batch settlement worker can find them, and by reference for
// reconciliation against the chain.
func (s *Store) Put(ctx context.Context, rec *types.AuditRecord) error {
	if rec.RequestID == "" {
		return fmt.Errorf("audit record has no request id")
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed serializing audit record: %w", err)
	}

	batch := new(leveldb.Batch)
	batch.Put(recordKey(rec.RequestID), data)
	if rec.Reference != "" {
		batch.Put(append(referencePrefix, []byte(rec.Reference+"/"+rec.RequestID)...), nil)
	}
	if !rec.SettledOnChain && settleable(rec.Outcome) {
		batch.Put(append(unsettledPrefix, []byte(rec.RequestID)...), nil)
	}

	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("storing audit record %s: %w", rec.RequestID, err)
	}
	return nil
}

// settleable reports whether an outcome is worth writing to the on-chain
// ledger. Only delivered grants are; rejections stay local.
func settleable(o types.Outcome) bool {
	return o == types.OutcomeServed || o == types.OutcomeServedReplay
}

func (s *Store) Get(ctx context.Context, requestID string) (*types.AuditRecord, error) {
	data, err := s.db.Get(recordKey(requestID), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, requestID)
	}
	if err != nil {
		return nil, fmt.Errorf("get audit record %s: %w", requestID, err)
	}

	rec := &types.AuditRecord{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("failed to deserialize audit record %s: %w", requestID, err)
	}
	return rec, nil
}

// Unsettled returns up to limit records awaiting on-chain settlement.
func (s *Store) Unsettled(ctx context.Context, limit int) ([]*types.AuditRecord, error) {
	iter := s.db.NewIterator(util.BytesPrefix(unsettledPrefix), nil)
	defer iter.Release()

	var out []*types.AuditRecord
	for iter.Next() {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		requestID := string(iter.Key()[len(unsettledPrefix):])
		rec, err := s.Get(ctx, requestID)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, iter.Error()
}

// MarkSettled flips the record's settlement fields and removes it from the
// unsettled index. This is the only mutation an audit record ever sees.
func (s *Store) MarkSettled(ctx context.Context, requestID, settlementTx string) error {
	rec, err := s.Get(ctx, requestID)
	if err != nil {
		return err
	}
	rec.SettledOnChain = true
	rec.SettlementTx = settlementTx

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed serializing audit record: %w", err)
	}

	batch := new(leveldb.Batch)
	batch.Put(recordKey(requestID), data)
	batch.Delete(append(unsettledPrefix, []byte(requestID)...))

	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("marking audit record %s settled: %w", requestID, err)
	}
	return nil
}

// ByReference returns the records that cite the given payment reference.
func (s *Store) ByReference(ctx context.Context, reference string) ([]*types.AuditRecord, error) {
	prefix := append(referencePrefix, []byte(reference+"/")...)
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var out []*types.AuditRecord
	for iter.Next() {
		requestID := string(iter.Key()[len(prefix):])
		rec, err := s.Get(ctx, requestID)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, iter.Error()
}
