// Package interfaces defines the collaborator contracts the evidence vault
// core consumes: identity resolution, content-addressed storage, the ledger
// and the metadata store.
package interfaces

import (
	"context"
	"errors"
	"io"

	"github.com/typicallhavok/evidence-vault/pkg/keyderive"
	"github.com/typicallhavok/evidence-vault/pkg/model"
)

// Shared collaborator errors. Implementations wrap these so callers can use
// errors.Is regardless of the backend.
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("concurrent modification")
	ErrUnavailable = errors.New("collaborator unavailable")
	ErrImmutable   = errors.New("record is immutable")
)

// IdentityResolver resolves a stable user id to the identity and secret used
// for key derivation. Unknown users yield keyderive.ErrUnknownIdentity.
type IdentityResolver = keyderive.Resolver

// ContentStore is content-addressed storage for encrypted containers. Store is
// idempotent: equal bytes yield the same content id.
type ContentStore interface { // A
	Store(ctx context.Context, data []byte) (model.ContentID, error)
	Retrieve(ctx context.Context, cid model.ContentID) ([]byte, error)
	Pin(ctx context.Context, cid model.ContentID) error
}

// Ledger is the append-only record of evidence versions. Records are
// immutable once appended.
type Ledger interface { // A
	AppendRecord(ctx context.Context, rec model.EvidenceRecord) (model.LedgerReceipt, error)
	GetRecord(ctx context.Context, cid model.ContentID) (model.EvidenceRecord, error)
}

// StatusLog annotates ledger records without touching them.
type StatusLog interface { // A
	SetStatus(ctx context.Context, cid model.ContentID, status, setBy string) (model.StatusEntry, error)
	Statuses(ctx context.Context, cid model.ContentID) ([]model.StatusEntry, error)
}

// LedgerBackup exports and imports every ledger record.
type LedgerBackup interface { // A
	Export(ctx context.Context, w io.Writer) (int, error)
	Import(ctx context.Context, r io.Reader) (int, error)
}

// MetadataStore keeps the mutable per-file pointer records and cases.
//
// UpsertFileRecord writes rec when the stored version equals expectedVersion
// (0 means the record must not exist yet) and returns the stored record with
// its new version. A mismatch returns an error wrapping ErrConflict.
type MetadataStore interface { // A
	UpsertFileRecord(ctx context.Context, rec model.FileRecord, expectedVersion uint64) (model.FileRecord, error)
	GetFileRecord(ctx context.Context, userID, name string) (model.FileRecord, bool, error)
	ListFileRecords(ctx context.Context, userID, caseID string) ([]model.FileRecord, error)

	CreateCase(ctx context.Context, c model.Case) (model.Case, error)
	ListCases(ctx context.Context, userID string) ([]model.Case, error)
}

// AuditLog records user actions.
type AuditLog interface { // A
	Record(ctx context.Context, entry model.AuditEntry) error
	List(ctx context.Context, userID string, limit int) ([]model.AuditEntry, error)
}
