package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/typicallhavok/evidence-vault/pkg/model"
)

const (
	envSeq        protowire.Number = 1
	envTxID       protowire.Number = 2
	envAppendedAt protowire.Number = 3
	envRecord     protowire.Number = 4
)

// envelope is the stored form of one ledger append.
type envelope struct {
	Seq        uint64
	TxID       model.TransactionID
	AppendedAt int64 // unix nanoseconds
	Record     []byte
}

func (e envelope) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, envSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, e.Seq)
	b = protowire.AppendTag(b, envTxID, protowire.BytesType)
	b = protowire.AppendString(b, string(e.TxID))
	b = protowire.AppendTag(b, envAppendedAt, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.AppendedAt))
	b = protowire.AppendTag(b, envRecord, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Record)
	return b
}

func unmarshalEnvelope(b []byte) (envelope, error) {
	var e envelope
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return envelope{}, fmt.Errorf("%w: envelope tag: %v", ErrTampered, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case (num == envSeq || num == envAppendedAt) && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return envelope{}, fmt.Errorf("%w: envelope field %d: %v", ErrTampered, num, protowire.ParseError(n))
			}
			if num == envSeq {
				e.Seq = v
			} else {
				e.AppendedAt = int64(v)
			}
			b = b[n:]
		case (num == envTxID || num == envRecord) && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return envelope{}, fmt.Errorf("%w: envelope field %d: %v", ErrTampered, num, protowire.ParseError(n))
			}
			if num == envTxID {
				e.TxID = model.TransactionID(v)
			} else {
				e.Record = append([]byte(nil), v...)
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return envelope{}, fmt.Errorf("%w: envelope field %d: %v", ErrTampered, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return e, nil
}

func (e envelope) record() (model.EvidenceRecord, error) {
	var rec model.EvidenceRecord
	if err := rec.UnmarshalBinary(e.Record); err != nil {
		return model.EvidenceRecord{}, fmt.Errorf("%w: %v", ErrTampered, err)
	}
	return rec, nil
}

// transactionID chains every append to the one before it:
// hex(sha256(prevTxID || seq big-endian || record bytes)).
func transactionID(prev model.TransactionID, seq uint64, record []byte) model.TransactionID {
	h := sha256.New()
	h.Write([]byte(prev))
	var s [8]byte
	binary.BigEndian.PutUint64(s[:], seq)
	h.Write(s[:])
	h.Write(record)
	return model.TransactionID(hex.EncodeToString(h.Sum(nil)))
}

// head is the latest append.
type head struct {
	Seq  uint64
	TxID model.TransactionID
}

func (h head) marshal() []byte {
	return envelope{Seq: h.Seq, TxID: h.TxID}.marshal()
}

func unmarshalHead(b []byte) (head, error) {
	e, err := unmarshalEnvelope(b)
	if err != nil {
		return head{}, err
	}
	return head{Seq: e.Seq, TxID: e.TxID}, nil
}

func seqKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", prefixSeq, seq))
}
