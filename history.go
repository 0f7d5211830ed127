package vault

import (
	"context"
	"fmt"
	"time"

	"github.com/typicallhavok/evidence-vault/pkg/chain"
	"github.com/typicallhavok/evidence-vault/pkg/model"
)

// VersionEntry is one version in a walked history.
type VersionEntry struct {
	ContentID model.ContentID `json:"cid"`
	Timestamp time.Time       `json:"timestamp"`
	Name      string          `json:"name"`
}

// WalkVersionHistory follows the chain from cid back to the first version,
// newest first. On an integrity failure the versions read before it are
// returned together with the error.
func (v *Vault) WalkVersionHistory(ctx context.Context, cid model.ContentID) ([]VersionEntry, error) {
	out, err := v.walkVersionHistory(ctx, cid)
	return out, wrap("vault.WalkVersionHistory", err)
}

// OwnedVersionHistory is WalkVersionHistory for versions collected by userID.
func (v *Vault) OwnedVersionHistory(ctx context.Context, userID string, cid model.ContentID) ([]VersionEntry, error) {
	if _, err := v.ownedRecord(ctx, userID, cid); err != nil {
		return nil, wrap("vault.OwnedVersionHistory", err)
	}
	out, err := v.walkVersionHistory(ctx, cid)
	return out, wrap("vault.OwnedVersionHistory", err)
}

func (v *Vault) walkVersionHistory(ctx context.Context, cid model.ContentID) ([]VersionEntry, error) { // A
	h, err := v.handles()
	if err != nil {
		return nil, err
	}
	if _, err := model.ParseContentID(string(cid)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	records, err := chain.Collect(ctx, h.records, cid, chain.WithMaxHops(v.config.MaxHops))
	out := make([]VersionEntry, 0, len(records))
	for _, rec := range records {
		out = append(out, VersionEntry{ContentID: rec.ContentID, Timestamp: rec.CollectedAt(), Name: rec.Name})
	}
	if err != nil {
		v.log.Warn("version walk stopped", "start", cid, "read", len(out), logKeyError, err)
		return out, err
	}
	return out, nil
}
