package replay

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var redeemedPrefix = []byte("redeemed/")

// LevelDBGuard backs the redemption set with a leveldb database so that
// multiple gateway instances sharing the database agree on redemptions.
// The check-and-mark is a conditional write inside a leveldb transaction.
type LevelDBGuard struct {
	db        *leveldb.DB
	retention time.Duration
	now       func() time.Time
}

func NewLevelDBGuard(dbPath string, retention time.Duration) (*LevelDBGuard, error) {
	db, err := leveldb.OpenFile(dbPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open replay database @ %s: %w", dbPath, err)
	}
	if retention <= 0 {
		retention = 5 * time.Minute
	}
	return &LevelDBGuard{db: db, retention: retention, now: time.Now}, nil
}

func (g *LevelDBGuard) Close() error {
	return g.db.Close()
}

func redeemedKey(reference string) []byte {
	return append(redeemedPrefix, []byte(reference)...)
}

// TryRedeem implements Guard with insert-if-absent semantics.
func (g *LevelDBGuard) TryRedeem(ctx context.Context, reference string) (bool, error) {
	trans, err := g.db.OpenTransaction()
	if err != nil {
		return false, fmt.Errorf("opening replay transaction: %w", err)
	}

	key := redeemedKey(reference)
	_, err = trans.Get(key, nil)
	switch {
	case err == nil:
		trans.Discard()
		return false, nil
	case errors.Is(err, leveldb.ErrNotFound):
		// first redemption
	default:
		trans.Discard()
		return false, fmt.Errorf("querying redemption for %s: %w", reference, err)
	}

	var at [8]byte
	binary.BigEndian.PutUint64(at[:], uint64(g.now().Unix()))
	if err := trans.Put(key, at[:], nil); err != nil {
		trans.Discard()
		return false, fmt.Errorf("marking redemption for %s: %w", reference, err)
	}
	if err := trans.Commit(); err != nil {
		return false, fmt.Errorf("committing redemption for %s: %w", reference, err)
	}
	return true, nil
}

// Prune removes redemptions older than the retention window. Safe to run
// periodically; stale references are rejected by the verifier's freshness
// check before the replay check regardless.
func (g *LevelDBGuard) Prune(ctx context.Context) (int, error) {
	cutoff := g.now().Add(-g.retention).Unix()

	iter := g.db.NewIterator(util.BytesPrefix(redeemedPrefix), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	removed := 0
	for iter.Next() {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		if len(iter.Value()) != 8 {
			continue
		}
		at := int64(binary.BigEndian.Uint64(iter.Value()))
		if at < cutoff {
			batch.Delete(append([]byte(nil), iter.Key()...))
			removed++
		}
	}
	if err := iter.Error(); err != nil {
		return removed, err
	}
	if removed > 0 {
		if err := g.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
			return 0, fmt.Errorf("pruning redemptions: %w", err)
		}
	}
	return removed, nil
}
