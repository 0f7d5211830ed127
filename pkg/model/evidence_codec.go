package model

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the ledger wire encoding. Never renumber.
const (
	fieldName                protowire.Number = 1
	fieldDescription         protowire.Number = 2
	fieldCaseID              protowire.Number = 3
	fieldCollectedBy         protowire.Number = 4
	fieldCollectionTimestamp protowire.Number = 5
	fieldLatitude            protowire.Number = 6
	fieldLongitude           protowire.Number = 7
	fieldContentID           protowire.Number = 8
	fieldFileSize            protowire.Number = 9
	fieldFileType            protowire.Number = 10
	fieldChecksum            protowire.Number = 11
	fieldPasswordProtected   protowire.Number = 12
	fieldPrevious            protowire.Number = 13
)

// MarshalBinary encodes the record in protobuf wire format. Fields are written
// in field-number order so equal records produce equal bytes.
func (r EvidenceRecord) MarshalBinary() ([]byte, error) { // A
	var b []byte
	b = appendString(b, fieldName, r.Name)
	b = appendString(b, fieldDescription, r.Description)
	b = appendString(b, fieldCaseID, r.CaseID)
	b = appendString(b, fieldCollectedBy, r.CollectedBy)
	if r.CollectionTimestamp != 0 {
		b = protowire.AppendTag(b, fieldCollectionTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.CollectionTimestamp))
	}
	b = appendDouble(b, fieldLatitude, r.Location.Latitude)
	b = appendDouble(b, fieldLongitude, r.Location.Longitude)
	b = appendString(b, fieldContentID, string(r.ContentID))
	if r.FileSize != 0 {
		b = protowire.AppendTag(b, fieldFileSize, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.FileSize))
	}
	b = appendString(b, fieldFileType, r.FileType)
	b = appendString(b, fieldChecksum, r.Checksum)
	if r.PasswordProtected {
		b = protowire.AppendTag(b, fieldPasswordProtected, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	b = appendString(b, fieldPrevious, string(r.Previous))
	return b, nil
}

// UnmarshalBinary decodes a record written by MarshalBinary. Unknown fields
// are skipped.
func (r *EvidenceRecord) UnmarshalBinary(b []byte) error { // A
	var out EvidenceRecord
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("model: decode record tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.BytesType && isStringField(num):
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return fmt.Errorf("model: decode record field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			out.setString(num, v)
		case typ == protowire.VarintType && isVarintField(num):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("model: decode record field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldCollectionTimestamp:
				out.CollectionTimestamp = int64(v)
			case fieldFileSize:
				out.FileSize = int64(v)
			case fieldPasswordProtected:
				out.PasswordProtected = protowire.DecodeBool(v)
			}
		case typ == protowire.Fixed64Type && (num == fieldLatitude || num == fieldLongitude):
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return fmt.Errorf("model: decode record field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			if num == fieldLatitude {
				out.Location.Latitude = math.Float64frombits(v)
			} else {
				out.Location.Longitude = math.Float64frombits(v)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("model: skip record field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	*r = out
	return nil
}

func isStringField(num protowire.Number) bool {
	switch num {
	case fieldName, fieldDescription, fieldCaseID, fieldCollectedBy,
		fieldContentID, fieldFileType, fieldChecksum, fieldPrevious:
		return true
	}
	return false
}

func isVarintField(num protowire.Number) bool {
	return num == fieldCollectionTimestamp || num == fieldFileSize || num == fieldPasswordProtected
}

func (r *EvidenceRecord) setString(num protowire.Number, v string) {
	switch num {
	case fieldName:
		r.Name = v
	case fieldDescription:
		r.Description = v
	case fieldCaseID:
		r.CaseID = v
	case fieldCollectedBy:
		r.CollectedBy = v
	case fieldContentID:
		r.ContentID = ContentID(v)
	case fieldFileType:
		r.FileType = v
	case fieldChecksum:
		r.Checksum = v
	case fieldPrevious:
		r.Previous = ContentID(v)
	}
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}
