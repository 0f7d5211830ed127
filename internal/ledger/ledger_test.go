package ledger

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/typicallhavok/evidence-vault/internal/kvstore"
	"github.com/typicallhavok/evidence-vault/pkg/checksum"
	"github.com/typicallhavok/evidence-vault/pkg/interfaces"
	"github.com/typicallhavok/evidence-vault/pkg/model"
)

func newTestLedger(t *testing.T) (*Ledger, *kvstore.KeyValStore) {
	t.Helper()
	kv, err := kvstore.NewKeyValStore(kvstore.StoreConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return New(kv, nil), kv
}

func testRecord(name, cid string, prev model.ContentID) model.EvidenceRecord {
	return model.EvidenceRecord{
		Name:                name,
		Description:         "desc",
		CaseID:              "case-1",
		CollectedBy:         "alice",
		CollectionTimestamp: 1700000000000,
		ContentID:           model.ContentID(cid),
		FileSize:            3,
		FileType:            "application/pdf",
		Checksum:            checksum.Sum([]byte(cid)),
		Previous:            prev,
	}
}

func TestAppendAndGet(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	rec := testRecord("report.pdf", "C1", "")
	receipt, err := l.AppendRecord(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, rec.ContentID, receipt.ContentID)
	assert.Len(t, string(receipt.TransactionID), 64)

	got, err := l.GetRecord(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	again, err := l.Receipt(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, receipt, again)

	cid, err := l.LookupTransaction(ctx, receipt.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, model.ContentID("C1"), cid)
}

func TestGetUnknown(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.GetRecord(context.Background(), "missing")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
	_, err = l.LookupTransaction(context.Background(), "missing")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestAppendIsIdempotentAndImmutable(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	rec := testRecord("report.pdf", "C1", "")
	first, err := l.AppendRecord(ctx, rec)
	require.NoError(t, err)
	second, err := l.AppendRecord(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	n, err := l.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)

	changed := rec
	changed.Description = "rewritten"
	_, err = l.AppendRecord(ctx, changed)
	assert.ErrorIs(t, err, interfaces.ErrImmutable)

	got, err := l.GetRecord(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, "desc", got.Description)
}

func TestAppendRejectsInvalid(t *testing.T) {
	l, _ := newTestLedger(t)
	rec := testRecord("report.pdf", "C1", "")
	rec.Checksum = "nope"
	_, err := l.AppendRecord(context.Background(), rec)
	assert.ErrorIs(t, err, model.ErrInvalidRecord)
}

func TestPreviousMustExistAndBelongToFile(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.AppendRecord(ctx, testRecord("report.pdf", "C2", "C1"))
	assert.ErrorIs(t, err, ErrUnknownPrevious)

	_, err = l.AppendRecord(ctx, testRecord("other.pdf", "X1", ""))
	require.NoError(t, err)
	_, err = l.AppendRecord(ctx, testRecord("report.pdf", "C2", "X1"))
	assert.ErrorIs(t, err, ErrUnknownPrevious)
}

func TestForkIsRejected(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.AppendRecord(ctx, testRecord("report.pdf", "C1", ""))
	require.NoError(t, err)
	_, err = l.AppendRecord(ctx, testRecord("report.pdf", "C2", "C1"))
	require.NoError(t, err)

	_, err = l.AppendRecord(ctx, testRecord("report.pdf", "C3", "C1"))
	assert.ErrorIs(t, err, ErrFork)
	assert.ErrorIs(t, err, interfaces.ErrConflict)

	// Re-appending the accepted successor is still fine.
	_, err = l.AppendRecord(ctx, testRecord("report.pdf", "C2", "C1"))
	assert.NoError(t, err)

	next, ok, err := l.Successor(ctx, "C1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.ContentID("C2"), next.ContentID)

	_, ok, err = l.Successor(ctx, "C2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEachInAppendOrder(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	want := []string{"A1", "B1", "A2", "A3"}
	_, err := l.AppendRecord(ctx, testRecord("a", "A1", ""))
	require.NoError(t, err)
	_, err = l.AppendRecord(ctx, testRecord("b", "B1", ""))
	require.NoError(t, err)
	_, err = l.AppendRecord(ctx, testRecord("a", "A2", "A1"))
	require.NoError(t, err)
	_, err = l.AppendRecord(ctx, testRecord("a", "A3", "A2"))
	require.NoError(t, err)

	var got []string
	var seqs []uint64
	require.NoError(t, l.Each(ctx, func(seq uint64, _ model.TransactionID, rec model.EvidenceRecord) error {
		got = append(got, string(rec.ContentID))
		seqs = append(seqs, seq)
		return nil
	}))
	assert.Equal(t, want, got)
	assert.Equal(t, []uint64{1, 2, 3, 4}, seqs)
}

func TestVerifyDetectsTampering(t *testing.T) {
	l, kv := newTestLedger(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		prev := model.ContentID("")
		if i > 1 {
			prev = model.ContentID(fmt.Sprintf("C%d", i-1))
		}
		_, err := l.AppendRecord(ctx, testRecord("report.pdf", fmt.Sprintf("C%d", i), prev))
		require.NoError(t, err)
	}
	n, err := l.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	// Rewrite the third record in place, keeping its envelope.
	require.NoError(t, kv.Update(func(txn *badger.Txn) error {
		raw, err := kvstore.Get(txn, recordKey("C3"))
		if err != nil {
			return err
		}
		env, err := unmarshalEnvelope(raw)
		if err != nil {
			return err
		}
		rec, err := env.record()
		if err != nil {
			return err
		}
		rec.Description = "tampered"
		env.Record, err = rec.MarshalBinary()
		if err != nil {
			return err
		}
		return txn.Set(recordKey("C3"), env.marshal())
	}))

	_, err = l.Verify(ctx)
	assert.ErrorIs(t, err, ErrTampered)
}

func TestTransactionIDsChain(t *testing.T) {
	a := transactionID("", 1, []byte("x"))
	b := transactionID(a, 2, []byte("x"))
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, transactionID("", 1, []byte("x")))
	assert.NotEqual(t, a, transactionID("", 2, []byte("x")))
}

func TestStatusLog(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	l.now = func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Minute) }

	_, err := l.SetStatus(ctx, "C1", "sealed", "alice")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	rec := testRecord("report.pdf", "C1", "")
	_, err = l.AppendRecord(ctx, rec)
	require.NoError(t, err)

	_, err = l.SetStatus(ctx, "C1", "", "alice")
	assert.ErrorIs(t, err, model.ErrInvalidRecord)
	_, err = l.SetStatus(ctx, "C1", "sealed", "")
	assert.ErrorIs(t, err, model.ErrInvalidRecord)

	first, err := l.SetStatus(ctx, "C1", "sealed", "alice")
	require.NoError(t, err)
	second, err := l.SetStatus(ctx, "C1", "in review", "bob")
	require.NoError(t, err)
	assert.NotEqual(t, first.TransactionID, second.TransactionID)

	all, err := l.Statuses(ctx, "C1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "sealed", all[0].Status)
	assert.Equal(t, "in review", all[1].Status)
	assert.True(t, all[0].At.Before(all[1].At))

	cur, ok, err := l.CurrentStatus(ctx, "C1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "bob", cur.SetBy)

	// The record is untouched.
	got, err := l.GetRecord(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	_, ok, err = l.CurrentStatus(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExportImport(t *testing.T) {
	src, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := src.AppendRecord(ctx, testRecord("a", "A1", ""))
	require.NoError(t, err)
	_, err = src.AppendRecord(ctx, testRecord("a", "A2", "A1"))
	require.NoError(t, err)
	_, err = src.AppendRecord(ctx, testRecord("b", "B1", ""))
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := src.Export(ctx, &buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	backup := buf.Bytes()

	dst, _ := newTestLedger(t)
	n, err = dst.Import(ctx, bytes.NewReader(backup))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Same order on an empty ledger gives the same transaction ids.
	for _, cid := range []model.ContentID{"A1", "A2", "B1"} {
		want, err := src.Receipt(ctx, cid)
		require.NoError(t, err)
		got, err := dst.Receipt(ctx, cid)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	n, err = dst.Import(ctx, bytes.NewReader(backup))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	size, err := dst.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), size)

	checked, err := dst.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, checked)
}

func TestImportRejectsGarbage(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.Import(context.Background(), bytes.NewReader([]byte("not xz")))
	assert.ErrorIs(t, err, ErrBadBackup)
}

func TestCancelledContext(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.AppendRecord(ctx, testRecord("a", "A1", ""))
	assert.ErrorIs(t, err, context.Canceled)
	_, err = l.GetRecord(ctx, "A1")
	assert.ErrorIs(t, err, context.Canceled)
}
