package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ulikunitz/xz"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/typicallhavok/evidence-vault/pkg/model"
)

const (
	backupRecord protowire.Number = 1
	backupTxID   protowire.Number = 2
)

var ErrBadBackup = errors.New("ledger: malformed backup stream")

// Export writes every record in append order to w as an xz compressed stream
// and returns the number of records written.
func (l *Ledger) Export(ctx context.Context, w io.Writer) (int, error) { // A
	xw, err := xz.NewWriter(w)
	if err != nil {
		return 0, fmt.Errorf("ledger: xz writer: %w", err)
	}

	n := 0
	err = l.Each(ctx, func(_ uint64, tx model.TransactionID, rec model.EvidenceRecord) error {
		raw, err := rec.MarshalBinary()
		if err != nil {
			return err
		}
		var entry []byte
		entry = protowire.AppendTag(entry, backupRecord, protowire.BytesType)
		entry = protowire.AppendBytes(entry, raw)
		entry = protowire.AppendTag(entry, backupTxID, protowire.BytesType)
		entry = protowire.AppendString(entry, string(tx))

		var framed []byte
		framed = protowire.AppendVarint(framed, uint64(len(entry)))
		framed = append(framed, entry...)
		if _, err := xw.Write(framed); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		_ = xw.Close()
		return n, fmt.Errorf("ledger: export: %w", err)
	}
	if err := xw.Close(); err != nil {
		return n, fmt.Errorf("ledger: export: %w", err)
	}
	l.log.Info("ledger exported", "records", n)
	return n, nil
}

// Import appends every record of an Export stream. Records already present
// with identical content are skipped, so importing the same stream twice is
// harmless. It returns the number of records read.
func (l *Ledger) Import(ctx context.Context, r io.Reader) (int, error) { // A
	xr, err := xz.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadBackup, err)
	}
	data, err := io.ReadAll(xr)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadBackup, err)
	}

	n := 0
	for len(data) > 0 {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		size, m := protowire.ConsumeVarint(data)
		if m < 0 || uint64(len(data)-m) < size {
			return n, fmt.Errorf("%w: truncated entry %d", ErrBadBackup, n+1)
		}
		entry := data[m : m+int(size)]
		data = data[m+int(size):]

		rec, tx, err := decodeBackupEntry(entry)
		if err != nil {
			return n, fmt.Errorf("%w: entry %d: %v", ErrBadBackup, n+1, err)
		}
		receipt, err := l.AppendRecord(ctx, rec)
		if err != nil {
			return n, fmt.Errorf("ledger: import entry %d: %w", n+1, err)
		}
		if tx != "" && receipt.TransactionID != tx {
			l.log.Warn("imported record got a new transaction id", "cid", rec.ContentID, "was", tx, "now", receipt.TransactionID)
		}
		n++
	}
	l.log.Info("ledger imported", "records", n)
	return n, nil
}

func decodeBackupEntry(b []byte) (model.EvidenceRecord, model.TransactionID, error) {
	var (
		rec    model.EvidenceRecord
		tx     model.TransactionID
		hasRec bool
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return rec, "", protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return rec, "", protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return rec, "", protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case backupRecord:
			if err := rec.UnmarshalBinary(v); err != nil {
				return rec, "", err
			}
			hasRec = true
		case backupTxID:
			tx = model.TransactionID(v)
		}
	}
	if !hasRec {
		return rec, "", errors.New("entry has no record")
	}
	return rec, tx, nil
}
