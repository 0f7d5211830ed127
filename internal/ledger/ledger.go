// Package ledger is the local append-only evidence ledger.
//
// Every append gets a sequence number and a transaction id that hashes the
// previous transaction id, the sequence number and the encoded record, so the
// whole ledger forms one hash chain that Verify can recheck. Records are
// immutable: appending the same bytes again returns the original receipt,
// appending different bytes under an existing content id fails. A record may
// only link to a predecessor that is already in the ledger and has no other
// successor, which makes forked version chains impossible to record.
package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/typicallhavok/evidence-vault/internal/kvstore"
	"github.com/typicallhavok/evidence-vault/pkg/interfaces"
	"github.com/typicallhavok/evidence-vault/pkg/model"
)

const (
	prefixRecord = kvstore.PrefixLedger
	prefixTx     = kvstore.PrefixLedgerTx
	prefixSeq    = kvstore.PrefixLedgerSeq
	prefixNext   = kvstore.PrefixLedgerNext
	keyHead      = kvstore.KeyLedgerHead
)

var (
	ErrTampered        = errors.New("ledger: stored data does not verify")
	ErrUnknownPrevious = errors.New("ledger: previous version is not in the ledger")
	ErrFork            = fmt.Errorf("%w: ledger: previous version already has a successor", interfaces.ErrConflict)
)

// Ledger implements interfaces.Ledger and interfaces.StatusLog.
type Ledger struct {
	kv  *kvstore.KeyValStore
	log *slog.Logger
	now func() time.Time

	mu sync.Mutex // serializes appends so sequence numbers stay dense
}

var (
	_ interfaces.Ledger       = (*Ledger)(nil)
	_ interfaces.StatusLog    = (*Ledger)(nil)
	_ interfaces.LedgerBackup = (*Ledger)(nil)
)

// New returns a ledger stored in kv.
func New(kv *kvstore.KeyValStore, log *slog.Logger) *Ledger {
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{kv: kv, log: log, now: time.Now}
}

func recordKey(cid model.ContentID) []byte { return []byte(prefixRecord + string(cid)) }
func txKey(tx model.TransactionID) []byte  { return []byte(prefixTx + string(tx)) }
func nextKey(cid model.ContentID) []byte   { return []byte(prefixNext + string(cid)) }

// AppendRecord validates and appends rec.
func (l *Ledger) AppendRecord(ctx context.Context, rec model.EvidenceRecord) (model.LedgerReceipt, error) { // A
	if err := ctx.Err(); err != nil {
		return model.LedgerReceipt{}, err
	}
	if err := rec.Validate(); err != nil {
		return model.LedgerReceipt{}, err
	}
	raw, err := rec.MarshalBinary()
	if err != nil {
		return model.LedgerReceipt{}, fmt.Errorf("ledger: encode record: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var receipt model.LedgerReceipt
	var appended bool
	err = l.kv.Update(func(txn *badger.Txn) error {
		existing, err := kvstore.Get(txn, recordKey(rec.ContentID))
		switch {
		case err == nil:
			env, err := unmarshalEnvelope(existing)
			if err != nil {
				return err
			}
			if !bytes.Equal(env.Record, raw) {
				return fmt.Errorf("ledger: %s: %w", rec.ContentID, interfaces.ErrImmutable)
			}
			receipt = model.LedgerReceipt{ContentID: rec.ContentID, TransactionID: env.TxID}
			return nil
		case !errors.Is(err, kvstore.ErrNotFound):
			return err
		}

		if rec.HasPrevious() {
			prevRaw, err := kvstore.Get(txn, recordKey(rec.Previous))
			if errors.Is(err, kvstore.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrUnknownPrevious, rec.Previous)
			}
			if err != nil {
				return err
			}
			prevEnv, err := unmarshalEnvelope(prevRaw)
			if err != nil {
				return err
			}
			prev, err := prevEnv.record()
			if err != nil {
				return err
			}
			if prev.Name != rec.Name || prev.CollectedBy != rec.CollectedBy {
				return fmt.Errorf("%w: %s belongs to another file", ErrUnknownPrevious, rec.Previous)
			}
			if succ, err := kvstore.Get(txn, nextKey(rec.Previous)); err == nil {
				return fmt.Errorf("%w: %s is followed by %s", ErrFork, rec.Previous, succ)
			} else if !errors.Is(err, kvstore.ErrNotFound) {
				return err
			}
		}

		h, err := readHead(txn)
		if err != nil {
			return err
		}
		seq := h.Seq + 1
		tx := transactionID(h.TxID, seq, raw)
		env := envelope{Seq: seq, TxID: tx, AppendedAt: l.now().UnixNano(), Record: raw}

		if err := txn.Set(recordKey(rec.ContentID), env.marshal()); err != nil {
			return err
		}
		if err := txn.Set(txKey(tx), []byte(rec.ContentID)); err != nil {
			return err
		}
		if err := txn.Set(seqKey(seq), []byte(rec.ContentID)); err != nil {
			return err
		}
		if rec.HasPrevious() {
			if err := txn.Set(nextKey(rec.Previous), []byte(rec.ContentID)); err != nil {
				return err
			}
		}
		if err := txn.Set([]byte(keyHead), head{Seq: seq, TxID: tx}.marshal()); err != nil {
			return err
		}
		receipt = model.LedgerReceipt{ContentID: rec.ContentID, TransactionID: tx}
		appended = true
		return nil
	})
	if err != nil {
		return model.LedgerReceipt{}, classify(err)
	}

	if appended {
		l.log.Info("ledger append", "cid", rec.ContentID, "tx", receipt.TransactionID, "previous", rec.Previous)
	}
	return receipt, nil
}

func readHead(txn *badger.Txn) (head, error) {
	raw, err := kvstore.Get(txn, []byte(keyHead))
	if errors.Is(err, kvstore.ErrNotFound) {
		return head{}, nil
	}
	if err != nil {
		return head{}, err
	}
	return unmarshalHead(raw)
}

// classify keeps the ledger's own errors and maps storage failures to
// ErrUnavailable.
func classify(err error) error {
	switch {
	case errors.Is(err, model.ErrInvalidRecord),
		errors.Is(err, interfaces.ErrImmutable),
		errors.Is(err, interfaces.ErrConflict),
		errors.Is(err, interfaces.ErrNotFound),
		errors.Is(err, ErrUnknownPrevious),
		errors.Is(err, ErrTampered),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, badger.ErrConflict):
		return fmt.Errorf("%w: ledger: %v", interfaces.ErrConflict, err)
	default:
		return fmt.Errorf("%w: ledger: %v", interfaces.ErrUnavailable, err)
	}
}

// GetRecord returns the record appended under cid.
func (l *Ledger) GetRecord(ctx context.Context, cid model.ContentID) (model.EvidenceRecord, error) { // A
	if err := ctx.Err(); err != nil {
		return model.EvidenceRecord{}, err
	}
	raw, err := l.kv.Read(recordKey(cid))
	if errors.Is(err, kvstore.ErrNotFound) {
		return model.EvidenceRecord{}, fmt.Errorf("ledger: record %s: %w", cid, interfaces.ErrNotFound)
	}
	if err != nil {
		return model.EvidenceRecord{}, classify(err)
	}
	env, err := unmarshalEnvelope(raw)
	if err != nil {
		return model.EvidenceRecord{}, err
	}
	return env.record()
}

// Receipt returns the transaction id cid was appended under.
func (l *Ledger) Receipt(ctx context.Context, cid model.ContentID) (model.LedgerReceipt, error) {
	if err := ctx.Err(); err != nil {
		return model.LedgerReceipt{}, err
	}
	raw, err := l.kv.Read(recordKey(cid))
	if errors.Is(err, kvstore.ErrNotFound) {
		return model.LedgerReceipt{}, fmt.Errorf("ledger: record %s: %w", cid, interfaces.ErrNotFound)
	}
	if err != nil {
		return model.LedgerReceipt{}, classify(err)
	}
	env, err := unmarshalEnvelope(raw)
	if err != nil {
		return model.LedgerReceipt{}, err
	}
	return model.LedgerReceipt{ContentID: cid, TransactionID: env.TxID}, nil
}

// LookupTransaction returns the content id appended under tx.
func (l *Ledger) LookupTransaction(ctx context.Context, tx model.TransactionID) (model.ContentID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	raw, err := l.kv.Read(txKey(tx))
	if errors.Is(err, kvstore.ErrNotFound) {
		return "", fmt.Errorf("ledger: transaction %s: %w", tx, interfaces.ErrNotFound)
	}
	if err != nil {
		return "", classify(err)
	}
	return model.ContentID(raw), nil
}

// Successor returns the record that links to cid as its previous version.
func (l *Ledger) Successor(ctx context.Context, cid model.ContentID) (model.EvidenceRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.EvidenceRecord{}, false, err
	}
	next, err := l.kv.Read(nextKey(cid))
	if errors.Is(err, kvstore.ErrNotFound) {
		return model.EvidenceRecord{}, false, nil
	}
	if err != nil {
		return model.EvidenceRecord{}, false, classify(err)
	}
	rec, err := l.GetRecord(ctx, model.ContentID(next))
	if err != nil {
		return model.EvidenceRecord{}, false, err
	}
	return rec, true, nil
}

// Len returns the number of appended records.
func (l *Ledger) Len(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var h head
	err := l.kv.View(func(txn *badger.Txn) error {
		var err error
		h, err = readHead(txn)
		return err
	})
	return h.Seq, err
}

// Each calls fn for every record in append order.
func (l *Ledger) Each(ctx context.Context, fn func(seq uint64, tx model.TransactionID, rec model.EvidenceRecord) error) error { // A
	return l.kv.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixSeq)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			cid, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			raw, err := kvstore.Get(txn, recordKey(model.ContentID(cid)))
			if err != nil {
				return fmt.Errorf("%w: sequence entry without record %s", ErrTampered, cid)
			}
			env, err := unmarshalEnvelope(raw)
			if err != nil {
				return err
			}
			rec, err := env.record()
			if err != nil {
				return err
			}
			if err := fn(env.Seq, env.TxID, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// Verify recomputes the transaction hash chain over every record and returns
// how many records it checked.
func (l *Ledger) Verify(ctx context.Context) (int, error) { // A
	var (
		count int
		prev  model.TransactionID
	)
	err := l.kv.View(func(txn *badger.Txn) error {
		h, err := readHead(txn)
		if err != nil {
			return err
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixSeq)
		it := txn.NewIterator(opts)
		defer it.Close()

		expectSeq := uint64(1)
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			cid, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			raw, err := kvstore.Get(txn, recordKey(model.ContentID(cid)))
			if err != nil {
				return fmt.Errorf("%w: sequence %d has no record", ErrTampered, expectSeq)
			}
			env, err := unmarshalEnvelope(raw)
			if err != nil {
				return err
			}
			if env.Seq != expectSeq {
				return fmt.Errorf("%w: expected sequence %d, found %d", ErrTampered, expectSeq, env.Seq)
			}
			rec, err := env.record()
			if err != nil {
				return err
			}
			if string(rec.ContentID) != string(cid) {
				return fmt.Errorf("%w: sequence %d holds %s under %s", ErrTampered, env.Seq, rec.ContentID, cid)
			}
			if want := transactionID(prev, env.Seq, env.Record); want != env.TxID {
				return fmt.Errorf("%w: transaction id mismatch at sequence %d", ErrTampered, env.Seq)
			}
			prev = env.TxID
			expectSeq++
			count++
		}

		if uint64(count) != h.Seq || prev != h.TxID {
			return fmt.Errorf("%w: head is at %d, chain ends at %d", ErrTampered, h.Seq, count)
		}
		return nil
	})
	if err != nil {
		return count, classify(err)
	}
	return count, nil
}
