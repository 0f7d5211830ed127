package metastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/typicallhavok/evidence-vault/internal/kvstore"
	"github.com/typicallhavok/evidence-vault/pkg/interfaces"
	"github.com/typicallhavok/evidence-vault/pkg/model"
)

// Badger stores metadata in the vault's embedded database. File records live
// under meta:file:<user>/<name>, cases under meta:case:<user>/<case>.
type Badger struct {
	kv  *kvstore.KeyValStore
	now func() time.Time
}

var _ interfaces.MetadataStore = (*Badger)(nil)

func NewBadger(kv *kvstore.KeyValStore) *Badger {
	return &Badger{kv: kv, now: time.Now}
}

func fileKey(userID, name string) []byte {
	return []byte(kvstore.PrefixFile + userID + "/" + name)
}

func userFilesPrefix(userID string) []byte {
	return []byte(kvstore.PrefixFile + userID + "/")
}

func caseKey(userID, caseID string) []byte {
	return []byte(kvstore.PrefixCase + userID + "/" + caseID)
}

func userCasesPrefix(userID string) []byte {
	return []byte(kvstore.PrefixCase + userID + "/")
}

// UpsertFileRecord writes rec if the stored version equals expectedVersion.
func (b *Badger) UpsertFileRecord(ctx context.Context, rec model.FileRecord, expectedVersion uint64) (model.FileRecord, error) { // A
	if err := ctx.Err(); err != nil {
		return model.FileRecord{}, err
	}
	if err := checkFile(rec); err != nil {
		return model.FileRecord{}, err
	}

	var stored model.FileRecord
	err := b.kv.Update(func(txn *badger.Txn) error {
		key := fileKey(rec.UserID, rec.Name)
		raw, err := kvstore.Get(txn, key)
		switch {
		case errors.Is(err, kvstore.ErrNotFound):
			if expectedVersion != 0 {
				return versionConflict(rec.UserID, rec.Name, expectedVersion, 0)
			}
		case err != nil:
			return err
		default:
			var current model.FileRecord
			if err := json.Unmarshal(raw, &current); err != nil {
				return fmt.Errorf("decode file record: %w", err)
			}
			if current.Version != expectedVersion {
				return versionConflict(rec.UserID, rec.Name, expectedVersion, current.Version)
			}
			rec.CreatedAt = current.CreatedAt
		}

		now := b.now().UTC()
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		rec.UpdatedAt = now
		rec.Version = expectedVersion + 1

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		stored = rec
		return txn.Set(key, data)
	})
	if err != nil {
		return model.FileRecord{}, mapErr(err)
	}
	return stored, nil
}

// GetFileRecord returns the record of (userID, name) and whether it exists.
func (b *Badger) GetFileRecord(ctx context.Context, userID, name string) (model.FileRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.FileRecord{}, false, err
	}
	raw, err := b.kv.Read(fileKey(userID, name))
	if errors.Is(err, kvstore.ErrNotFound) {
		return model.FileRecord{}, false, nil
	}
	if err != nil {
		return model.FileRecord{}, false, mapErr(err)
	}
	var rec model.FileRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return model.FileRecord{}, false, fmt.Errorf("metastore: decode file record: %w", err)
	}
	return rec, true, nil
}

// ListFileRecords returns the user's records sorted by name. A non-empty
// caseID keeps only that case's records.
func (b *Badger) ListFileRecords(ctx context.Context, userID, caseID string) ([]model.FileRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := b.kv.GetItemsWithPrefix(userFilesPrefix(userID))
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]model.FileRecord, 0, len(items))
	for _, item := range items {
		var rec model.FileRecord
		if err := json.Unmarshal(item[1], &rec); err != nil {
			return nil, fmt.Errorf("metastore: decode %q: %w", item[0], err)
		}
		if caseID != "" && rec.CaseID != caseID {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CreateCase stores c. A case id already used by the same user is a
// conflict.
func (b *Badger) CreateCase(ctx context.Context, c model.Case) (model.Case, error) { // A
	if err := ctx.Err(); err != nil {
		return model.Case{}, err
	}
	if err := checkCase(c); err != nil {
		return model.Case{}, err
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = b.now().UTC()
	}

	err := b.kv.Update(func(txn *badger.Txn) error {
		key := caseKey(c.UserID, c.ID)
		if _, err := kvstore.Get(txn, key); err == nil {
			return fmt.Errorf("%w: case %s exists", interfaces.ErrConflict, c.ID)
		} else if !errors.Is(err, kvstore.ErrNotFound) {
			return err
		}
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return model.Case{}, mapErr(err)
	}
	return c, nil
}

// ListCases returns the user's cases, oldest first.
func (b *Badger) ListCases(ctx context.Context, userID string) ([]model.Case, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := b.kv.GetItemsWithPrefix(userCasesPrefix(userID))
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]model.Case, 0, len(items))
	for _, item := range items {
		var c model.Case
		if err := json.Unmarshal(item[1], &c); err != nil {
			return nil, fmt.Errorf("metastore: decode %q: %w", item[0], err)
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func mapErr(err error) error {
	switch {
	case errors.Is(err, interfaces.ErrConflict),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, badger.ErrConflict):
		return fmt.Errorf("%w: metastore: %v", interfaces.ErrConflict, err)
	default:
		return fmt.Errorf("%w: metastore: %v", interfaces.ErrUnavailable, err)
	}
}
