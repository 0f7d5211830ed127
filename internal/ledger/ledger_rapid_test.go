package ledger

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sort"
	"testing"

	"pgregory.net/rapid"

	"github.com/typicallhavok/evidence-vault/internal/kvstore"
	"github.com/typicallhavok/evidence-vault/pkg/model"
)

// ledgerMachine checks the ledger against an in-memory model across appends,
// restarts and backups.
type ledgerMachine struct {
	// Model state
	records map[model.ContentID]model.EvidenceRecord
	heads   map[string]model.ContentID // file name -> newest cid
	order   []model.ContentID
	next    int

	// SUT state
	dir    string
	kv     *kvstore.KeyValStore
	ledger *Ledger
}

func (m *ledgerMachine) init(t *rapid.T) {
	dir, err := os.MkdirTemp("", "ledger-rapid-*")
	if err != nil {
		t.Fatalf("temp dir: %v", err)
	}
	m.dir = dir
	m.open(t)
	m.records = make(map[model.ContentID]model.EvidenceRecord)
	m.heads = make(map[string]model.ContentID)
}

func (m *ledgerMachine) open(t *rapid.T) {
	kv, err := kvstore.NewKeyValStore(kvstore.StoreConfig{Paths: []string{m.dir}})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	m.kv = kv
	m.ledger = New(kv, nil)
}

func (m *ledgerMachine) cleanup() {
	if m.kv != nil {
		_ = m.kv.Close()
	}
	_ = os.RemoveAll(m.dir)
}

func (m *ledgerMachine) fileNames() []string {
	names := make([]string, 0, len(m.heads))
	for n := range m.heads {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (m *ledgerMachine) Append(t *rapid.T) {
	name := rapid.SampledFrom([]string{"a.pdf", "b.jpg", "c.txt"}).Draw(t, "name")
	m.next++
	cid := model.ContentID(fmt.Sprintf("C%d", m.next))
	rec := testRecord(name, string(cid), m.heads[name])

	receipt, err := m.ledger.AppendRecord(context.Background(), rec)
	if err != nil {
		t.Fatalf("append %s: %v", cid, err)
	}
	if receipt.ContentID != cid {
		t.Fatalf("receipt for %s names %s", cid, receipt.ContentID)
	}
	m.records[cid] = rec
	m.heads[name] = cid
	m.order = append(m.order, cid)
}

func (m *ledgerMachine) ForkAttempt(t *rapid.T) {
	if len(m.heads) == 0 {
		t.Skip("no files")
	}
	name := rapid.SampledFrom(m.fileNames()).Draw(t, "name")
	head := m.records[m.heads[name]]
	if !head.HasPrevious() {
		t.Skip("single version")
	}
	m.next++
	_, err := m.ledger.AppendRecord(context.Background(), testRecord(name, fmt.Sprintf("F%d", m.next), head.Previous))
	if err == nil {
		t.Fatalf("fork of %s accepted", head.Previous)
	}
}

func (m *ledgerMachine) Reappend(t *rapid.T) {
	if len(m.order) == 0 {
		t.Skip("empty ledger")
	}
	cid := rapid.SampledFrom(m.order).Draw(t, "cid")
	if _, err := m.ledger.AppendRecord(context.Background(), m.records[cid]); err != nil {
		t.Fatalf("reappend %s: %v", cid, err)
	}
}

func (m *ledgerMachine) Get(t *rapid.T) {
	if len(m.order) == 0 {
		t.Skip("empty ledger")
	}
	cid := rapid.SampledFrom(m.order).Draw(t, "cid")
	got, err := m.ledger.GetRecord(context.Background(), cid)
	if err != nil {
		t.Fatalf("get %s: %v", cid, err)
	}
	if got != m.records[cid] {
		t.Fatalf("get %s: got %+v, want %+v", cid, got, m.records[cid])
	}
}

func (m *ledgerMachine) Restart(t *rapid.T) {
	if err := m.kv.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	m.open(t)
}

func (m *ledgerMachine) ExportImport(t *rapid.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	n, err := m.ledger.Export(ctx, &buf)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if n != len(m.order) {
		t.Fatalf("exported %d records, want %d", n, len(m.order))
	}

	kv, err := kvstore.NewKeyValStore(kvstore.StoreConfig{InMemory: true})
	if err != nil {
		t.Fatalf("open copy: %v", err)
	}
	defer kv.Close()
	cp := New(kv, nil)
	if _, err := cp.Import(ctx, &buf); err != nil {
		t.Fatalf("import: %v", err)
	}
	for _, cid := range m.order {
		want, _ := m.ledger.Receipt(ctx, cid)
		got, err := cp.Receipt(ctx, cid)
		if err != nil || got != want {
			t.Fatalf("imported receipt for %s: %+v, %v; want %+v", cid, got, err, want)
		}
	}
}

func (m *ledgerMachine) Check(t *rapid.T) {
	ctx := context.Background()
	n, err := m.ledger.Verify(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if n != len(m.order) {
		t.Fatalf("verified %d records, want %d", n, len(m.order))
	}
	size, err := m.ledger.Len(ctx)
	if err != nil || size != uint64(len(m.order)) {
		t.Fatalf("len %d, %v; want %d", size, err, len(m.order))
	}
}

func TestLedgerStateMachine(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := &ledgerMachine{}
		m.init(t)
		defer m.cleanup()

		t.Repeat(map[string]func(*rapid.T){
			"Append":       m.Append,
			"ForkAttempt":  m.ForkAttempt,
			"Reappend":     m.Reappend,
			"Get":          m.Get,
			"Restart":      m.Restart,
			"ExportImport": m.ExportImport,
			"":             m.Check,
		})
	})
}
