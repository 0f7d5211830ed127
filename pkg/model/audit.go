package model

import "time"

// AuditAction names an entry in the per-user audit log.
type AuditAction string

const (
	AuditAccess         AuditAction = "access"
	AuditCreated        AuditAction = "created"
	AuditModified       AuditAction = "modified"
	AuditDownload       AuditAction = "download"
	AuditDownloadFailed AuditAction = "download_failed"
	AuditStatus         AuditAction = "status"
)

// AuditEntry is one line in the audit log.
type AuditEntry struct {
	ID        string      `json:"id"`
	UserID    string      `json:"userId"`
	Action    AuditAction `json:"action"`
	FileName  string      `json:"fileName,omitempty"`
	ContentID ContentID   `json:"cid,omitempty"`
	Detail    string      `json:"detail,omitempty"`
	At        time.Time   `json:"timestamp"`
}
