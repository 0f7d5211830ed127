// Package audit is the per-user audit log.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/typicallhavok/evidence-vault/internal/kvstore"
	"github.com/typicallhavok/evidence-vault/pkg/interfaces"
	"github.com/typicallhavok/evidence-vault/pkg/model"
)

// DefaultLimit caps List when the caller passes no limit.
const DefaultLimit = 100

var ErrInvalidEntry = errors.New("audit: entry needs a user id and an action")

// Log stores entries under audit:<user>:<inverted time>:<id>, so a prefix
// scan yields the newest entry first.
type Log struct {
	kv  *kvstore.KeyValStore
	now func() time.Time
}

var _ interfaces.AuditLog = (*Log)(nil)

func New(kv *kvstore.KeyValStore) *Log {
	return &Log{kv: kv, now: time.Now}
}

func userPrefix(userID string) []byte {
	return []byte(kvstore.PrefixAudit + userID + ":")
}

func entryKey(e model.AuditEntry) []byte {
	inverted := uint64(math.MaxInt64 - e.At.UnixNano())
	return []byte(fmt.Sprintf("%s%016x:%s", userPrefix(e.UserID), inverted, e.ID))
}

// Record appends entry. Missing ids and timestamps are filled in.
func (l *Log) Record(ctx context.Context, entry model.AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if entry.UserID == "" || entry.Action == "" {
		return ErrInvalidEntry
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.At.IsZero() {
		entry.At = l.now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := l.kv.Write(entryKey(entry), data); err != nil {
		return fmt.Errorf("%w: audit: %v", interfaces.ErrUnavailable, err)
	}
	return nil
}

// List returns up to limit entries of userID, newest first. A limit <= 0
// means DefaultLimit.
func (l *Log) List(ctx context.Context, userID string, limit int) ([]model.AuditEntry, error) { // A
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	out := make([]model.AuditEntry, 0)
	err := l.kv.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = userPrefix(userID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix) && len(out) < limit; it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var e model.AuditEntry
			if err := json.Unmarshal(raw, &e); err != nil {
				return fmt.Errorf("decode %q: %w", it.Item().Key(), err)
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: audit: %v", interfaces.ErrUnavailable, err)
	}
	return out, nil
}
