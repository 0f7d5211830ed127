package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/typicallhavok/evidence-vault/internal/kvstore"
	"github.com/typicallhavok/evidence-vault/pkg/interfaces"
	"github.com/typicallhavok/evidence-vault/pkg/model"
)

// MaxStatusLength bounds a status label.
const MaxStatusLength = 64

var ErrInvalidStatus = fmt.Errorf("%w: status must be 1-%d printable characters", model.ErrInvalidRecord, MaxStatusLength)

func statusPrefix(cid model.ContentID) []byte {
	return []byte(kvstore.PrefixStatus + string(cid) + ":")
}

func statusKey(cid model.ContentID, n int) []byte {
	return []byte(fmt.Sprintf("%s%016x", statusPrefix(cid), n))
}

func validStatus(s string) bool {
	if s == "" || len(s) > MaxStatusLength || strings.TrimSpace(s) != s {
		return false
	}
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return false
		}
	}
	return true
}

// SetStatus appends a status annotation to the record stored under cid. The
// record itself is not modified.
func (l *Ledger) SetStatus(ctx context.Context, cid model.ContentID, status, setBy string) (model.StatusEntry, error) { // A
	if err := ctx.Err(); err != nil {
		return model.StatusEntry{}, err
	}
	if !validStatus(status) {
		return model.StatusEntry{}, ErrInvalidStatus
	}
	if setBy == "" {
		return model.StatusEntry{}, fmt.Errorf("%w: status needs an author", model.ErrInvalidRecord)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := model.StatusEntry{
		ContentID: cid,
		Status:    status,
		SetBy:     setBy,
		At:        l.now().UTC(),
	}
	err := l.kv.Update(func(txn *badger.Txn) error {
		if _, err := kvstore.Get(txn, recordKey(cid)); err != nil {
			if errors.Is(err, kvstore.ErrNotFound) {
				return fmt.Errorf("ledger: record %s: %w", cid, interfaces.ErrNotFound)
			}
			return err
		}

		existing, err := countPrefix(txn, statusPrefix(cid))
		if err != nil {
			return err
		}
		entry.TransactionID = statusTransactionID(entry, existing)

		raw, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return txn.Set(statusKey(cid, existing), raw)
	})
	if err != nil {
		return model.StatusEntry{}, classify(err)
	}

	l.log.Info("status set", "cid", cid, "status", status, "by", setBy)
	return entry, nil
}

func statusTransactionID(e model.StatusEntry, n int) model.TransactionID {
	h := sha256.New()
	for _, part := range []string{string(e.ContentID), e.Status, e.SetBy, strconv.FormatInt(e.At.UnixNano(), 10), strconv.Itoa(n)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return model.TransactionID(hex.EncodeToString(h.Sum(nil)))
}

func countPrefix(txn *badger.Txn, prefix []byte) (int, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	n := 0
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		n++
	}
	return n, nil
}

// Statuses returns every annotation on cid, oldest first. An unknown cid has
// no annotations.
func (l *Ledger) Statuses(ctx context.Context, cid model.ContentID) ([]model.StatusEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := l.kv.GetItemsWithPrefix(statusPrefix(cid))
	if err != nil {
		return nil, classify(err)
	}
	out := make([]model.StatusEntry, 0, len(items))
	for _, item := range items {
		var e model.StatusEntry
		if err := json.Unmarshal(item[1], &e); err != nil {
			return nil, fmt.Errorf("%w: status entry %q: %v", ErrTampered, item[0], err)
		}
		out = append(out, e)
	}
	return out, nil
}

// CurrentStatus returns the latest annotation on cid, or false if there is
// none.
func (l *Ledger) CurrentStatus(ctx context.Context, cid model.ContentID) (model.StatusEntry, bool, error) {
	all, err := l.Statuses(ctx, cid)
	if err != nil || len(all) == 0 {
		return model.StatusEntry{}, false, err
	}
	return all[len(all)-1], true, nil
}
