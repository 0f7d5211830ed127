// Package model defines the core data types used throughout the evidence vault.
package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/typicallhavok/evidence-vault/pkg/checksum"
)

// ErrInvalidRecord is returned when an evidence record misses required fields.
var ErrInvalidRecord = errors.New("model: invalid evidence record")

// MaxContentIDLength bounds content ids accepted from callers.
const MaxContentIDLength = 128

// ContentID addresses an encrypted container in content-addressed storage.
type ContentID string

// TransactionID identifies a ledger append.
type TransactionID string

// IsZero reports whether the id is empty.
func (c ContentID) IsZero() bool { return c == "" }

func (c ContentID) String() string { return string(c) }

// ParseContentID validates an externally supplied content id.
func ParseContentID(s string) (ContentID, error) { // A
	if s == "" {
		return "", fmt.Errorf("model: empty content id")
	}
	if len(s) > MaxContentIDLength {
		return "", fmt.Errorf("model: content id longer than %d characters", MaxContentIDLength)
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
			return "", fmt.Errorf("model: invalid character %q in content id", c)
		}
	}
	return ContentID(s), nil
}

// Location is where a piece of evidence was collected. It defaults to 0,0
// when the collector had no position.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// EvidenceRecord is one immutable version of a logical file as written to the
// ledger. Previous links to the content id of the prior version; it is empty
// for the first version.
type EvidenceRecord struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	CaseID      string `json:"caseId"`
	CollectedBy string `json:"collectedBy"`
	// CollectionTimestamp is Unix milliseconds.
	CollectionTimestamp int64     `json:"collectionTimestamp"`
	Location            Location  `json:"location"`
	ContentID           ContentID `json:"cid"`
	FileSize            int64     `json:"fileSize"`
	FileType            string    `json:"fileType"`
	Checksum            string    `json:"checksum"`
	PasswordProtected   bool      `json:"passwordProtected"`
	Previous            ContentID `json:"previous,omitempty"`
}

// CollectedAt returns the collection timestamp as a time.Time.
func (r EvidenceRecord) CollectedAt() time.Time {
	return time.UnixMilli(r.CollectionTimestamp).UTC()
}

// HasPrevious reports whether the record links to an earlier version.
func (r EvidenceRecord) HasPrevious() bool {
	return !r.Previous.IsZero()
}

// Validate checks the members every ledger record must carry.
func (r EvidenceRecord) Validate() error { // A
	switch {
	case r.Name == "":
		return fmt.Errorf("%w: missing name", ErrInvalidRecord)
	case r.CollectedBy == "":
		return fmt.Errorf("%w: missing collector", ErrInvalidRecord)
	case r.ContentID.IsZero():
		return fmt.Errorf("%w: missing content id", ErrInvalidRecord)
	case !checksum.Valid(r.Checksum):
		return fmt.Errorf("%w: checksum must be a hex SHA-256", ErrInvalidRecord)
	case r.FileSize < 0:
		return fmt.Errorf("%w: negative file size", ErrInvalidRecord)
	case r.Previous == r.ContentID:
		return fmt.Errorf("%w: record links to itself", ErrInvalidRecord)
	}
	return nil
}

// LedgerReceipt is returned by a ledger append.
type LedgerReceipt struct {
	ContentID     ContentID     `json:"cid"`
	TransactionID TransactionID `json:"txHash"`
}

// StatusEntry is an append-only status annotation on a ledger record. The
// evidence record itself never changes.
type StatusEntry struct {
	ContentID     ContentID     `json:"cid"`
	Status        string        `json:"status"`
	SetBy         string        `json:"setBy"`
	At            time.Time     `json:"at"`
	TransactionID TransactionID `json:"txHash"`
}
