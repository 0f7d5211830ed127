package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/typicallhavok/evidence-vault/internal/kvstore"
	"github.com/typicallhavok/evidence-vault/pkg/model"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	kv, err := kvstore.NewKeyValStore(kvstore.StoreConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return New(kv)
}

func TestListNewestFirst(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	l.now = func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Second) }

	for _, a := range []model.AuditAction{model.AuditAccess, model.AuditCreated, model.AuditDownload} {
		require.NoError(t, l.Record(ctx, model.AuditEntry{UserID: "alice", Action: a, FileName: "report.pdf"}))
	}
	require.NoError(t, l.Record(ctx, model.AuditEntry{UserID: "bob", Action: model.AuditAccess}))

	got, err := l.List(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, model.AuditDownload, got[0].Action)
	assert.Equal(t, model.AuditCreated, got[1].Action)
	assert.Equal(t, model.AuditAccess, got[2].Action)
	for _, e := range got {
		assert.NotEmpty(t, e.ID)
		assert.Equal(t, "alice", e.UserID)
	}

	limited, err := l.List(ctx, "alice", 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, model.AuditDownload, limited[0].Action)
}

func TestSameInstantEntriesAreKept(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Record(ctx, model.AuditEntry{UserID: "alice", Action: model.AuditAccess, At: at}))
	}
	got, err := l.List(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestRecordValidation(t *testing.T) {
	l := newTestLog(t)
	assert.ErrorIs(t, l.Record(context.Background(), model.AuditEntry{Action: model.AuditAccess}), ErrInvalidEntry)
	assert.ErrorIs(t, l.Record(context.Background(), model.AuditEntry{UserID: "alice"}), ErrInvalidEntry)

	empty, err := l.List(context.Background(), "nobody", 5)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
