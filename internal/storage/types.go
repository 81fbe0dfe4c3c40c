package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines audit trail plus a dedup snapshot
//   - "sqlite": SQLite database file (build tag "sqlite")
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry is one line of a job's audit trail.
type AuditEntry struct {
	At      time.Time `json:"at"`
	JobID   string    `json:"job"`
	RunID   string    `json:"run"`
	Kind    string    `json:"kind"`
	CRN     string    `json:"crn,omitempty"`
	Status  string    `json:"status,omitempty"`
	Message string    `json:"message,omitempty"`
}

// AuditQuery filters ListAudit. Zero values match everything; Limit keeps
// the most recent entries.
type AuditQuery struct {
	JobID string
	Kind  string
	Limit int
}

func (q AuditQuery) match(e AuditEntry) bool {
	if q.JobID != "" && e.JobID != q.JobID {
		return false
	}
	if q.Kind != "" && e.Kind != q.Kind {
		return false
	}
	return true
}
