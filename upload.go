package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/typicallhavok/evidence-vault/pkg/chain"
	"github.com/typicallhavok/evidence-vault/pkg/checksum"
	"github.com/typicallhavok/evidence-vault/pkg/container"
	"github.com/typicallhavok/evidence-vault/pkg/interfaces"
	"github.com/typicallhavok/evidence-vault/pkg/keyderive"
	"github.com/typicallhavok/evidence-vault/pkg/model"
	"github.com/typicallhavok/evidence-vault/pkg/passhash"
)

const opUpload = "vault.ProtectAndPublish"

// UploadRequest is one new version of a logical file (UserID, Name).
type UploadRequest struct {
	UserID       string
	Name         string
	Type         string
	LastModified int64 // unix milliseconds
	Data         []byte

	// FilePassword is mixed into the key. Empty derives the account-bound
	// key.
	FilePassword string

	// CaseID and Description default to the current version's values.
	CaseID      string
	Description string
	Location    model.Location
	// CollectedAt defaults to now.
	CollectedAt time.Time

	// IdempotencyKey makes retries of the same upload return the first
	// result instead of recording another version.
	IdempotencyKey string
}

// UploadResult identifies the published version.
type UploadResult struct {
	ContentID     model.ContentID     `json:"cid"`
	TransactionID model.TransactionID `json:"txHash"`
	Previous      model.ContentID     `json:"previous,omitempty"`
	Version       uint64              `json:"version"`
	Replayed      bool                `json:"replayed,omitempty"`
}

// RequestKey derives the key of userID for filePassword. The account secret
// never leaves the vault.
func (v *Vault) RequestKey(ctx context.Context, userID, filePassword string) (keyderive.HexKey, error) {
	h, err := v.handles()
	if err != nil {
		return "", wrap("vault.RequestKey", err)
	}
	key, _, err := h.keys.RequestKey(ctx, userID, filePassword)
	if err != nil {
		return "", wrap("vault.RequestKey", err)
	}
	v.recordAudit(ctx, h, model.AuditEntry{UserID: userID, Action: model.AuditAccess})
	return key, nil
}

// ProtectAndPublish encrypts req.Data, stores and pins the container, appends
// a ledger record linked to the file's current version and moves the file
// record to the new version. An error means no new version is visible
// through the file record.
func (v *Vault) ProtectAndPublish(ctx context.Context, req UploadRequest) (UploadResult, error) {
	res, err := v.protectAndPublish(ctx, req)
	return res, wrap(opUpload, err)
}

type sealed struct {
	blob         []byte
	checksum     string
	passwordHash string
}

func (v *Vault) protectAndPublish(ctx context.Context, req UploadRequest) (UploadResult, error) { // A
	h, err := v.handles()
	if err != nil {
		return UploadResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return UploadResult{}, err
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return UploadResult{}, fmt.Errorf("%w: file name is empty", ErrInvalidRequest)
	}

	key, ident, err := h.keys.RequestKey(ctx, req.UserID, req.FilePassword)
	if err != nil {
		return UploadResult{}, err
	}

	unlock, err := v.locks.Lock(ctx, fileLockKey(req.UserID, req.Name))
	if err != nil {
		return UploadResult{}, err
	}
	defer unlock()

	current, found, err := v.reconcile(ctx, h, req.UserID, req.Name)
	if err != nil {
		return UploadResult{}, err
	}

	if req.IdempotencyKey != "" {
		if res, done, err := v.replay(ctx, h, req, current, found); done || err != nil {
			return res, err
		}
	}

	md := container.Metadata{Name: req.Name, Type: req.Type, Size: int64(len(req.Data)), LastModified: req.LastModified}
	out, err := h.pool.Do(ctx, func() (interface{}, error) {
		s := sealed{checksum: checksum.Sum(req.Data)}
		blob, err := container.Encode(req.Data, md, key)
		if err != nil {
			return nil, err
		}
		s.blob = blob
		if req.FilePassword != "" {
			if s.passwordHash, err = passhash.Hash(v.config.PasswordParams, req.FilePassword); err != nil {
				return nil, err
			}
		}
		return s, nil
	})
	if err != nil {
		return UploadResult{}, err
	}
	seal := out.(sealed)

	cid, err := h.content.Store(ctx, seal.blob)
	if err != nil {
		return UploadResult{}, err
	}
	if err := h.content.Pin(ctx, cid); err != nil {
		return UploadResult{}, err
	}
	if req.IdempotencyKey != "" {
		entry := journalEntry{ContentID: cid, StartedAt: time.Now().UTC()}
		if err := h.journal.put(req.UserID, req.Name, req.IdempotencyKey, entry); err != nil {
			return UploadResult{}, fmt.Errorf("%w: upload journal: %v", interfaces.ErrUnavailable, err)
		}
	}

	var head *model.EvidenceRecord
	if found {
		rec, err := h.records.GetRecord(ctx, current.ContentID)
		if errors.Is(err, interfaces.ErrNotFound) {
			return UploadResult{}, fmt.Errorf("%w: current version %s of %s is not in the ledger", chain.ErrBrokenLink, current.ContentID, req.Name)
		}
		if err != nil {
			return UploadResult{}, err
		}
		head = &rec
	}

	collectedAt := req.CollectedAt
	if collectedAt.IsZero() {
		collectedAt = time.Now()
	}
	fields := model.EvidenceRecord{
		Name:                req.Name,
		Description:         req.Description,
		CaseID:              req.CaseID,
		CollectedBy:         ident.Username,
		CollectionTimestamp: collectedAt.UnixMilli(),
		Location:            req.Location,
		ContentID:           cid,
		FileSize:            int64(len(req.Data)),
		FileType:            req.Type,
		Checksum:            seal.checksum,
		PasswordProtected:   req.FilePassword != "",
	}
	if found {
		if fields.CaseID == "" {
			fields.CaseID = current.CaseID
		}
		if fields.Description == "" {
			fields.Description = current.Description
		}
	}
	rec, err := chain.AppendVersion(head, fields)
	if err != nil {
		return UploadResult{}, err
	}

	receipt, err := h.ledger.AppendRecord(ctx, rec)
	if err != nil {
		return UploadResult{}, err
	}
	h.records.Remember(rec)

	// The ledger append cannot be undone; the pointer update must not be
	// abandoned with the caller's context.
	var prev *model.FileRecord
	if found {
		prev = &current
	}
	stored, err := v.publishMetadata(context.WithoutCancel(ctx), h, prev, rec, receipt, req, seal.passwordHash)
	if err != nil {
		v.log.Error("ledger record published but file record not updated",
			"cid", rec.ContentID, "user", req.UserID, "name", req.Name, logKeyError, err)
		return UploadResult{}, err
	}
	if req.IdempotencyKey != "" {
		if err := h.journal.remove(req.UserID, req.Name, req.IdempotencyKey); err != nil {
			v.log.Warn("upload journal entry left behind", "cid", rec.ContentID, logKeyError, err)
		}
	}

	action := model.AuditCreated
	if found {
		action = model.AuditModified
	}
	v.recordAudit(ctx, h, model.AuditEntry{UserID: req.UserID, Action: action, FileName: req.Name, ContentID: rec.ContentID})
	v.log.Info("evidence published", "cid", rec.ContentID, "tx", receipt.TransactionID, "previous", rec.Previous, "version", stored.Version)

	return UploadResult{
		ContentID:     rec.ContentID,
		TransactionID: receipt.TransactionID,
		Previous:      rec.Previous,
		Version:       stored.Version,
	}, nil
}

// publishMetadata points the file record at rec and appends a history entry.
func (v *Vault) publishMetadata( // A
	ctx context.Context,
	h handles,
	current *model.FileRecord,
	rec model.EvidenceRecord,
	receipt model.LedgerReceipt,
	req UploadRequest,
	passwordHash string,
) (model.FileRecord, error) {
	next := model.FileRecord{UserID: req.UserID, Name: req.Name}
	var expected uint64
	action := model.ActionCreated
	if current != nil {
		next = *current
		next.History = append([]model.HistoryEntry(nil), current.History...)
		expected = current.Version
		action = model.ActionModified
	}

	next.CaseID = rec.CaseID
	next.Description = rec.Description
	next.ContentID = rec.ContentID
	next.TransactionID = receipt.TransactionID
	next.FileType = rec.FileType
	next.FileSize = rec.FileSize
	next.PasswordHash = passwordHash
	next.History = append(next.History, model.HistoryEntry{
		ContentID:      rec.ContentID,
		TransactionID:  receipt.TransactionID,
		Action:         action,
		Timestamp:      time.Now().UTC(),
		IdempotencyKey: req.IdempotencyKey,
	})
	return h.meta.UpsertFileRecord(ctx, next, expected)
}

// reconcile returns the file record of (userID, name) after moving it along
// any ledger versions it missed. Those exist when an earlier upload failed
// between the ledger append and the file record update.
func (v *Vault) reconcile(ctx context.Context, h handles, userID, name string) (model.FileRecord, bool, error) { // A
	rec, found, err := h.meta.GetFileRecord(ctx, userID, name)
	if err != nil || !found {
		return rec, found, err
	}

	advanced := 0
	for {
		if advanced >= v.config.MaxHops {
			return model.FileRecord{}, false, fmt.Errorf("%w: more than %d unrecorded versions after %s", chain.ErrHopLimit, v.config.MaxHops, rec.ContentID)
		}
		next, ok, err := h.ledger.Successor(ctx, rec.ContentID)
		if err != nil {
			return model.FileRecord{}, false, err
		}
		if !ok {
			break
		}
		receipt, err := h.ledger.Receipt(ctx, next.ContentID)
		if err != nil {
			return model.FileRecord{}, false, err
		}
		rec.ContentID = next.ContentID
		rec.TransactionID = receipt.TransactionID
		rec.FileType = next.FileType
		rec.FileSize = next.FileSize
		rec.CaseID = next.CaseID
		rec.Description = next.Description
		// The per-file password hash of a missed version is unknown; the
		// ledger record's flag still guards downloads.
		rec.PasswordHash = ""
		rec.History = append(rec.History, model.HistoryEntry{
			ContentID:     next.ContentID,
			TransactionID: receipt.TransactionID,
			Action:        model.ActionModified,
			Timestamp:     next.CollectedAt(),
		})
		advanced++
	}
	if advanced == 0 {
		return rec, true, nil
	}

	stored, err := h.meta.UpsertFileRecord(context.WithoutCancel(ctx), rec, rec.Version)
	if err != nil {
		return model.FileRecord{}, false, err
	}
	v.log.Warn("file record caught up with the ledger", "user", userID, "name", name, "versions", advanced, "cid", stored.ContentID)
	return stored, true, nil
}

// replay finishes or repeats an upload that was already attempted under
// req.IdempotencyKey. done is false when the upload has to run.
func (v *Vault) replay( // A
	ctx context.Context,
	h handles,
	req UploadRequest,
	current model.FileRecord,
	found bool,
) (res UploadResult, done bool, err error) {
	if found {
		if entry, ok := current.FindIdempotencyKey(req.IdempotencyKey); ok {
			return UploadResult{
				ContentID:     entry.ContentID,
				TransactionID: entry.TransactionID,
				Version:       current.Version,
				Replayed:      true,
			}, true, nil
		}
	}

	j, ok, err := h.journal.get(req.UserID, req.Name, req.IdempotencyKey)
	if err != nil {
		return UploadResult{}, false, fmt.Errorf("%w: upload journal: %v", interfaces.ErrUnavailable, err)
	}
	if !ok {
		return UploadResult{}, false, nil
	}
	rec, err := h.records.GetRecord(ctx, j.ContentID)
	if errors.Is(err, interfaces.ErrNotFound) {
		// The earlier attempt stopped before the ledger append.
		return UploadResult{}, false, nil
	}
	if err != nil {
		return UploadResult{}, false, err
	}
	receipt, err := h.ledger.Receipt(ctx, j.ContentID)
	if err != nil {
		return UploadResult{}, false, err
	}

	result := UploadResult{ContentID: rec.ContentID, TransactionID: receipt.TransactionID, Previous: rec.Previous, Replayed: true}
	switch {
	case found && current.ContentID == rec.ContentID:
		// reconcile already moved the file record here.
		result.Version = current.Version
	case !found && !rec.HasPrevious():
		var passwordHash string
		if req.FilePassword != "" {
			if passwordHash, err = passhash.Hash(v.config.PasswordParams, req.FilePassword); err != nil {
				return UploadResult{}, false, err
			}
		}
		stored, err := v.publishMetadata(context.WithoutCancel(ctx), h, nil, rec, receipt, req, passwordHash)
		if err != nil {
			return UploadResult{}, false, err
		}
		result.Version = stored.Version
	default:
		return UploadResult{}, false, fmt.Errorf("%w: retried upload %s no longer matches the current version of %s", interfaces.ErrConflict, rec.ContentID, req.Name)
	}

	if err := h.journal.remove(req.UserID, req.Name, req.IdempotencyKey); err != nil {
		v.log.Warn("upload journal entry left behind", "cid", rec.ContentID, logKeyError, err)
	}
	v.log.Info("idempotent upload replayed", "cid", rec.ContentID, "user", req.UserID, "name", req.Name)
	return result, true, nil
}
