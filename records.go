package vault

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/typicallhavok/evidence-vault/internal/cas"
	"github.com/typicallhavok/evidence-vault/internal/kvstore"
	"github.com/typicallhavok/evidence-vault/pkg/interfaces"
	"github.com/typicallhavok/evidence-vault/pkg/model"
)

// AccountInfo is an account without its password hash.
type AccountInfo struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

func accountInfo(a model.Account) AccountInfo {
	return AccountInfo{ID: a.ID, Username: a.Username, Email: a.Email, CreatedAt: a.CreatedAt}
}

// Register creates an account.
func (v *Vault) Register(ctx context.Context, username, email, password string) (AccountInfo, error) {
	h, err := v.handles()
	if err != nil {
		return AccountInfo{}, wrap("vault.Register", err)
	}
	acc, err := h.accounts.Register(ctx, username, email, password)
	if err != nil {
		return AccountInfo{}, wrap("vault.Register", err)
	}
	v.log.Info("account registered", "user", acc.ID, "username", acc.Username)
	return accountInfo(acc), nil
}

// Login checks a username or email and password.
func (v *Vault) Login(ctx context.Context, login, password string) (AccountInfo, error) {
	h, err := v.handles()
	if err != nil {
		return AccountInfo{}, wrap("vault.Login", err)
	}
	acc, err := h.accounts.Login(ctx, login, password)
	if err != nil {
		return AccountInfo{}, wrap("vault.Login", err)
	}
	return accountInfo(acc), nil
}

// Account returns the account of userID.
func (v *Vault) Account(ctx context.Context, userID string) (AccountInfo, error) {
	h, err := v.handles()
	if err != nil {
		return AccountInfo{}, wrap("vault.Account", err)
	}
	acc, err := h.accounts.Get(ctx, userID)
	if err != nil {
		return AccountInfo{}, wrap("vault.Account", err)
	}
	return accountInfo(acc), nil
}

// Files lists the file records of userID, optionally only those of caseID.
func (v *Vault) Files(ctx context.Context, userID, caseID string) ([]model.FileSummary, error) {
	h, err := v.handles()
	if err != nil {
		return nil, wrap("vault.Files", err)
	}
	recs, err := h.meta.ListFileRecords(ctx, userID, caseID)
	if err != nil {
		return nil, wrap("vault.Files", err)
	}
	out := make([]model.FileSummary, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Summary())
	}
	return out, nil
}

// File returns the file record of (userID, name).
func (v *Vault) File(ctx context.Context, userID, name string) (model.FileSummary, error) {
	h, err := v.handles()
	if err != nil {
		return model.FileSummary{}, wrap("vault.File", err)
	}
	rec, found, err := h.meta.GetFileRecord(ctx, userID, name)
	if err != nil {
		return model.FileSummary{}, wrap("vault.File", err)
	}
	if !found {
		return model.FileSummary{}, wrap("vault.File", fmt.Errorf("file %q: %w", name, interfaces.ErrNotFound))
	}
	return rec.Summary(), nil
}

// CreateCase opens a case for userID. An empty caseID gets a generated one.
func (v *Vault) CreateCase(ctx context.Context, userID, caseID, name, description string) (model.Case, error) {
	h, err := v.handles()
	if err != nil {
		return model.Case{}, wrap("vault.CreateCase", err)
	}
	if _, err := h.accounts.ResolveIdentity(ctx, userID); err != nil {
		return model.Case{}, wrap("vault.CreateCase", err)
	}
	caseID = strings.TrimSpace(caseID)
	if caseID == "" {
		caseID = uuid.NewString()
	}
	c, err := h.meta.CreateCase(ctx, model.Case{ID: caseID, UserID: userID, Name: name, Description: description})
	return c, wrap("vault.CreateCase", err)
}

// Cases lists the cases of userID, oldest first.
func (v *Vault) Cases(ctx context.Context, userID string) ([]model.Case, error) {
	h, err := v.handles()
	if err != nil {
		return nil, wrap("vault.Cases", err)
	}
	cs, err := h.meta.ListCases(ctx, userID)
	return cs, wrap("vault.Cases", err)
}

// RecordView is a ledger record with its receipt and status annotations.
type RecordView struct {
	Record   model.EvidenceRecord `json:"record"`
	Receipt  model.LedgerReceipt  `json:"receipt"`
	Statuses []model.StatusEntry  `json:"statuses"`
}

// ownedRecord returns the ledger record of cid if userID collected it.
func (v *Vault) ownedRecord(ctx context.Context, userID string, cid model.ContentID) (model.EvidenceRecord, error) {
	h, err := v.handles()
	if err != nil {
		return model.EvidenceRecord{}, err
	}
	if _, err := model.ParseContentID(string(cid)); err != nil {
		return model.EvidenceRecord{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	ident, err := h.accounts.ResolveIdentity(ctx, userID)
	if err != nil {
		return model.EvidenceRecord{}, err
	}
	rec, err := h.records.GetRecord(ctx, cid)
	if err != nil {
		return model.EvidenceRecord{}, err
	}
	if rec.CollectedBy != ident.Username {
		return model.EvidenceRecord{}, fmt.Errorf("%w: %s", ErrNotOwner, cid)
	}
	return rec, nil
}

// Record returns the ledger view of cid for its collector.
func (v *Vault) Record(ctx context.Context, userID string, cid model.ContentID) (RecordView, error) {
	rec, err := v.ownedRecord(ctx, userID, cid)
	if err != nil {
		return RecordView{}, wrap("vault.Record", err)
	}
	h, err := v.handles()
	if err != nil {
		return RecordView{}, wrap("vault.Record", err)
	}
	receipt, err := h.ledger.Receipt(ctx, cid)
	if err != nil {
		return RecordView{}, wrap("vault.Record", err)
	}
	statuses, err := h.ledger.Statuses(ctx, cid)
	if err != nil {
		return RecordView{}, wrap("vault.Record", err)
	}
	return RecordView{Record: rec, Receipt: receipt, Statuses: statuses}, nil
}

// SetStatus annotates cid. The evidence record itself is not changed.
func (v *Vault) SetStatus(ctx context.Context, userID string, cid model.ContentID, status string) (model.StatusEntry, error) {
	rec, err := v.ownedRecord(ctx, userID, cid)
	if err != nil {
		return model.StatusEntry{}, wrap("vault.SetStatus", err)
	}
	h, err := v.handles()
	if err != nil {
		return model.StatusEntry{}, wrap("vault.SetStatus", err)
	}
	entry, err := h.ledger.SetStatus(ctx, cid, status, rec.CollectedBy)
	if err != nil {
		return model.StatusEntry{}, wrap("vault.SetStatus", err)
	}
	v.recordAudit(ctx, h, model.AuditEntry{UserID: userID, Action: model.AuditStatus, FileName: rec.Name, ContentID: cid, Detail: status})
	return entry, nil
}

// AuditLog returns the newest limit audit entries of userID.
func (v *Vault) AuditLog(ctx context.Context, userID string, limit int) ([]model.AuditEntry, error) {
	h, err := v.handles()
	if err != nil {
		return nil, wrap("vault.AuditLog", err)
	}
	entries, err := h.audit.List(ctx, userID, limit)
	return entries, wrap("vault.AuditLog", err)
}

// ExportLedger writes an xz compressed backup of every ledger record to w.
func (v *Vault) ExportLedger(ctx context.Context, w io.Writer) (int, error) {
	h, err := v.handles()
	if err != nil {
		return 0, wrap("vault.ExportLedger", err)
	}
	n, err := h.ledger.Export(ctx, w)
	return n, wrap("vault.ExportLedger", err)
}

// ImportLedger appends the records of a backup written by ExportLedger.
// Records already present are skipped.
func (v *Vault) ImportLedger(ctx context.Context, r io.Reader) (int, error) {
	h, err := v.handles()
	if err != nil {
		return 0, wrap("vault.ImportLedger", err)
	}
	n, err := h.ledger.Import(ctx, r)
	return n, wrap("vault.ImportLedger", err)
}

// VerifyLedger recomputes the transaction hash chain and returns the number
// of records checked.
func (v *Vault) VerifyLedger(ctx context.Context) (int, error) {
	h, err := v.handles()
	if err != nil {
		return 0, wrap("vault.VerifyLedger", err)
	}
	n, err := h.ledger.Verify(ctx)
	return n, wrap("vault.VerifyLedger", err)
}

// Prune removes containers that were stored but never pinned, once they are
// older than minAge.
func (v *Vault) Prune(ctx context.Context, minAge time.Duration) (cas.PruneResult, error) {
	h, err := v.handles()
	if err != nil {
		return cas.PruneResult{}, wrap("vault.Prune", err)
	}
	res, err := h.content.Prune(ctx, minAge)
	if err != nil {
		return res, wrap("vault.Prune", err)
	}
	if res.Objects > 0 {
		if err := h.kv.Clean(); err != nil {
			v.log.Warn("store compaction after prune failed", logKeyError, err)
		}
	}
	return res, nil
}

// Health is a snapshot of the running vault.
type Health struct {
	Status        string             `json:"status"`
	LedgerRecords uint64             `json:"ledgerRecords"`
	Store         kvstore.Stats      `json:"store"`
	Workers       int                `json:"workers"`
	Disk          *kvstore.DiskUsage `json:"disk,omitempty"`
}

// Health reports store counters and, for on-disk vaults, disk usage.
func (v *Vault) Health(ctx context.Context) (Health, error) {
	h, err := v.handles()
	if err != nil {
		return Health{}, wrap("vault.Health", err)
	}
	n, err := h.ledger.Len(ctx)
	if err != nil {
		return Health{}, wrap("vault.Health", err)
	}
	out := Health{
		Status:        "ok",
		LedgerRecords: n,
		Store:         h.kv.Stats(),
		Workers:       h.pool.Workers(),
	}
	if path := h.kv.Path(); path != "" {
		if u, err := kvstore.Usage(path); err != nil {
			v.log.Warn("disk usage unavailable", "path", path, logKeyError, err)
		} else {
			out.Disk = &u
		}
	}
	return out, nil
}
