package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/typicallhavok/evidence-vault/internal/kvstore"
	"github.com/typicallhavok/evidence-vault/pkg/model"
)

// uploadJournal remembers which container an idempotent upload is about to
// publish, so a retry after a failure past the ledger append can tell whether
// its version is already recorded.
type uploadJournal struct {
	kv *kvstore.KeyValStore
}

type journalEntry struct {
	ContentID model.ContentID `json:"cid"`
	StartedAt time.Time       `json:"startedAt"`
}

func newUploadJournal(kv *kvstore.KeyValStore) *uploadJournal {
	return &uploadJournal{kv: kv}
}

func journalKey(userID, name, idempotencyKey string) []byte {
	return []byte(kvstore.PrefixUpload + userID + "\x00" + name + "\x00" + idempotencyKey)
}

func (j *uploadJournal) get(userID, name, idempotencyKey string) (journalEntry, bool, error) {
	raw, err := j.kv.Read(journalKey(userID, name, idempotencyKey))
	if errors.Is(err, kvstore.ErrNotFound) {
		return journalEntry{}, false, nil
	}
	if err != nil {
		return journalEntry{}, false, err
	}
	var e journalEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return journalEntry{}, false, fmt.Errorf("decode upload journal: %w", err)
	}
	return e, true, nil
}

func (j *uploadJournal) put(userID, name, idempotencyKey string, e journalEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return j.kv.Write(journalKey(userID, name, idempotencyKey), data)
}

func (j *uploadJournal) remove(userID, name, idempotencyKey string) error {
	return j.kv.Delete(journalKey(userID, name, idempotencyKey))
}
