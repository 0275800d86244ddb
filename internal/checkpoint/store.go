// Package checkpoint persists what must survive a process restart: open
// upload sessions, run outcomes and cron schedules.
package checkpoint

import (
	"time"
)

// SessionKind names the transfer protocol a session belongs to.
type SessionKind string

const (
	SessionMultipart SessionKind = "multipart"
	SessionResumable SessionKind = "resumable"
)

// SessionRecord remembers the remote handle of an unfinished upload. Only
// the handle is stored; progress is always re-read from the remote.
type SessionRecord struct {
	Destination string      `json:"destination"`
	Path        string      `json:"path"`
	Size        int64       `json:"size"`
	Kind        SessionKind `json:"kind"`
	// Token is the multipart upload id or the resumable session URL.
	Token     string    `json:"token"`
	Bucket    string    `json:"bucket,omitempty"`
	ObjectKey string    `json:"object_key,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunStatus represents the outcome of a run
type RunStatus string

const (
	StatusSucceeded RunStatus = "succeeded"
	StatusFailed    RunStatus = "failed"
)

// RunRecord is one outcome log entry.
type RunRecord struct {
	ID         string        `json:"id"`
	JobID      string        `json:"job_id,omitempty"`
	Kind       string        `json:"kind"`
	Status     RunStatus     `json:"status"`
	Database   string        `json:"database,omitempty"`
	Path       string        `json:"path,omitempty"`
	Location   string        `json:"location,omitempty"`
	Size       int64         `json:"size"`
	Compressed bool          `json:"compressed"`
	Encrypted  bool          `json:"encrypted"`
	Attempts   int           `json:"attempts,omitempty"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
}

// ScheduleRecord is a persisted cron entry. Job holds the job descriptor
// as JSON.
type ScheduleRecord struct {
	ID        string    `json:"id"`
	Spec      string    `json:"spec"`
	Job       []byte    `json:"job"`
	CreatedAt time.Time `json:"created_at"`
}

// Store defines the interface for checkpoint persistence
type Store interface {
	// Upload sessions, keyed by (destination, path, size)
	GetSession(destination, path string, size int64) (*SessionRecord, error)
	SaveSession(record *SessionRecord) error
	DeleteSession(destination, path string, size int64) error

	// Run outcomes
	RecordRun(record *RunRecord) error
	ListRuns(limit int) ([]*RunRecord, error)

	// Schedules
	SaveSchedule(record *ScheduleRecord) error
	ListSchedules() ([]*ScheduleRecord, error)
	DeleteSchedule(id string) error

	// Cleanup
	Close() error
}
