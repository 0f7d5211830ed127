package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/typicallhavok/evidence-vault/pkg/checksum"
	"github.com/typicallhavok/evidence-vault/pkg/container"
	"github.com/typicallhavok/evidence-vault/pkg/keyderive"
	"github.com/typicallhavok/evidence-vault/pkg/model"
	"github.com/typicallhavok/evidence-vault/pkg/passhash"
)

const opDownload = "vault.RetrieveAndReveal"

// Integrity is the outcome of comparing a revealed file with the checksum in
// its ledger record. It never blocks a download.
type Integrity string

const (
	IntegrityVerified Integrity = "verified"
	IntegrityMismatch Integrity = "mismatch"
	IntegrityUnknown  Integrity = "unknown"
)

// DownloadRequest names a version by content id.
type DownloadRequest struct {
	UserID       string
	ContentID    string
	FilePassword string
}

// Revealed is a decrypted evidence file.
type Revealed struct {
	Data         []byte
	Name         string
	Type         string
	Size         int64
	LastModified int64
	Record       model.EvidenceRecord
	Integrity    Integrity
}

// RetrieveAndReveal fetches the container of req.ContentID and decrypts it
// with the key of req.UserID and req.FilePassword. A missing or wrong
// per-file password fails with KindAuthentication; no partial plaintext is
// ever returned.
func (v *Vault) RetrieveAndReveal(ctx context.Context, req DownloadRequest) (Revealed, error) {
	out, err := v.retrieveAndReveal(ctx, req)
	return out, wrap(opDownload, err)
}

func (v *Vault) retrieveAndReveal(ctx context.Context, req DownloadRequest) (Revealed, error) { // A
	h, err := v.handles()
	if err != nil {
		return Revealed{}, err
	}
	cid, err := model.ParseContentID(req.ContentID)
	if err != nil {
		return Revealed{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	rec, err := h.records.GetRecord(ctx, cid)
	if err != nil {
		return Revealed{}, err
	}

	key, ident, err := h.keys.RequestKey(ctx, req.UserID, req.FilePassword)
	if err != nil {
		return Revealed{}, err
	}
	if rec.CollectedBy != ident.Username {
		return Revealed{}, fmt.Errorf("%w: %s", ErrNotOwner, cid)
	}

	failed := func(err error) (Revealed, error) {
		if errors.Is(err, ErrIncorrectPassword) || errors.Is(err, container.ErrAuthentication) {
			v.recordAudit(ctx, h, model.AuditEntry{
				UserID: req.UserID, Action: model.AuditDownloadFailed,
				FileName: rec.Name, ContentID: cid,
			})
		}
		return Revealed{}, err
	}

	if err := v.checkFilePassword(ctx, h, req, rec); err != nil {
		return failed(err)
	}

	blob, err := h.content.Retrieve(ctx, cid)
	if err != nil {
		return Revealed{}, err
	}
	res, err := h.pool.Do(ctx, func() (interface{}, error) {
		return container.Decode(blob, key)
	})
	if err != nil {
		return failed(err)
	}
	decoded := res.(container.Decoded)

	out := Revealed{
		Data:         decoded.Plaintext,
		Name:         decoded.Metadata.Name,
		Type:         decoded.Metadata.Type,
		Size:         decoded.Metadata.Size,
		LastModified: decoded.Metadata.LastModified,
		Record:       rec,
		Integrity:    integrityOf(decoded.Plaintext, rec.Checksum),
	}
	if out.Integrity == IntegrityMismatch {
		v.log.Warn("revealed file does not match its recorded checksum", "cid", cid, "name", rec.Name)
	}

	v.recordAudit(ctx, h, model.AuditEntry{UserID: req.UserID, Action: model.AuditDownload, FileName: rec.Name, ContentID: cid})
	return out, nil
}

// checkFilePassword rejects a protected version early. The stored hash only
// describes the file's current version; older versions rely on decryption.
func (v *Vault) checkFilePassword(ctx context.Context, h handles, req DownloadRequest, rec model.EvidenceRecord) error {
	if rec.PasswordProtected && req.FilePassword == "" {
		return fmt.Errorf("%w: %s needs a file password", ErrIncorrectPassword, rec.ContentID)
	}
	if req.FilePassword == "" {
		return nil
	}

	file, found, err := h.meta.GetFileRecord(ctx, req.UserID, rec.Name)
	if err != nil || !found || file.ContentID != rec.ContentID || !file.PasswordProtected() {
		// Metadata is advisory here.
		return nil
	}
	res, err := h.pool.Do(ctx, func() (interface{}, error) {
		return passhash.Verify(req.FilePassword, file.PasswordHash)
	})
	if err != nil {
		v.log.Warn("stored file password hash unusable", "cid", rec.ContentID, logKeyError, err)
		return nil
	}
	if !res.(bool) {
		return ErrIncorrectPassword
	}
	return nil
}

func integrityOf(plaintext []byte, want string) Integrity {
	if !checksum.Valid(want) {
		return IntegrityUnknown
	}
	if checksum.Verify(plaintext, want) {
		return IntegrityVerified
	}
	return IntegrityMismatch
}

// Reveal decrypts a container held by the caller with an explicit key. It
// touches no store.
func Reveal(data []byte, key keyderive.HexKey) (container.Decoded, error) {
	d, err := container.Decode(data, key)
	return d, wrap("vault.Reveal", err)
}
