package model

import (
	"time"
)

// History actions recorded on a file record.
const (
	ActionCreated  = "created"
	ActionModified = "modified"
)

// FileRecord is the mutable pointer from a logical file (UserID, Name) to its
// current version. Version is the optimistic concurrency token; it starts at 1
// on creation and increases by one with every successful upsert.
type FileRecord struct {
	UserID        string         `json:"userId" bson:"userId"`
	Name          string         `json:"name" bson:"name"`
	CaseID        string         `json:"caseId" bson:"caseId"`
	Description   string         `json:"description" bson:"description"`
	ContentID     ContentID      `json:"cid" bson:"cid"`
	TransactionID TransactionID  `json:"txHash" bson:"txHash"`
	FileType      string         `json:"fileType" bson:"fileType"`
	FileSize      int64          `json:"fileSize" bson:"fileSize"`
	PasswordHash  string         `json:"passwordHash,omitempty" bson:"passwordHash,omitempty"`
	History       []HistoryEntry `json:"history" bson:"history"`
	Version       uint64         `json:"version" bson:"version"`
	CreatedAt     time.Time      `json:"createdAt" bson:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt" bson:"updatedAt"`
}

// HistoryEntry is one local record of a version being published.
type HistoryEntry struct {
	ContentID      ContentID     `json:"cid" bson:"cid"`
	TransactionID  TransactionID `json:"txHash" bson:"txHash"`
	Action         string        `json:"action" bson:"action"`
	Timestamp      time.Time     `json:"timestamp" bson:"timestamp"`
	IdempotencyKey string        `json:"idempotencyKey,omitempty" bson:"idempotencyKey,omitempty"`
}

// PasswordProtected reports whether a per-file password is set.
func (f FileRecord) PasswordProtected() bool {
	return f.PasswordHash != ""
}

// FindIdempotencyKey returns the history entry published under key, if any.
func (f FileRecord) FindIdempotencyKey(key string) (HistoryEntry, bool) {
	if key == "" {
		return HistoryEntry{}, false
	}
	for _, h := range f.History {
		if h.IdempotencyKey == key {
			return h, true
		}
	}
	return HistoryEntry{}, false
}

// Summary returns the outward view of the record. The password hash is
// reduced to a flag.
func (f FileRecord) Summary() FileSummary {
	history := make([]HistoryEntry, len(f.History))
	copy(history, f.History)
	return FileSummary{
		Name:              f.Name,
		CaseID:            f.CaseID,
		Description:       f.Description,
		ContentID:         f.ContentID,
		TransactionID:     f.TransactionID,
		FileType:          f.FileType,
		FileSize:          f.FileSize,
		PasswordProtected: f.PasswordProtected(),
		History:           history,
		CreatedAt:         f.CreatedAt,
		UpdatedAt:         f.UpdatedAt,
	}
}

// FileSummary is a FileRecord safe to hand to clients.
type FileSummary struct {
	Name              string         `json:"name"`
	CaseID            string         `json:"caseId"`
	Description       string         `json:"description"`
	ContentID         ContentID      `json:"cid"`
	TransactionID     TransactionID  `json:"txHash"`
	FileType          string         `json:"fileType"`
	FileSize          int64          `json:"fileSize"`
	PasswordProtected bool           `json:"passwordProtected"`
	History           []HistoryEntry `json:"history"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

// Case groups evidence files of one user.
type Case struct {
	ID          string    `json:"caseId" bson:"caseId"`
	UserID      string    `json:"userId" bson:"userId"`
	Name        string    `json:"name" bson:"name"`
	Description string    `json:"description" bson:"description"`
	CreatedAt   time.Time `json:"createdAt" bson:"createdAt"`
}

// Account is a registered user. PasswordHash doubles as the secret input of
// key derivation and never leaves the server.
type Account struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"passwordHash"`
	CreatedAt    time.Time `json:"createdAt"`
}
