package domain

import (
	"context"
	"time"
)

// SyncStatus is the persisted lifecycle record of a user's sync. One row per
// user key, created on the first sync attempt and never deleted; the last
// outcome stays readable as an audit trail.
type SyncStatus struct {
	UserKey         UserKey
	InProgress      bool
	LastStartedAt   time.Time
	LastCompletedAt time.Time
	// LastError is empty after a successful sync, or a short canonical
	// reason after a failed one. Degraded successes keep it empty.
	LastError  string
	TotalTasks int
}

// SyncOutcome is what the orchestrator records when a sync reaches a
// terminal state.
type SyncOutcome struct {
	CompletedAt time.Time
	// Error is empty for success (including degraded success).
	Error      string
	TotalTasks int
}

// SyncStatusStore persists SyncStatus rows. Begin is a compare-and-swap:
// it transitions InProgress from false to true, or reports that a sync is
// already running. Implementations must normalize rows whose InProgress flag
// outlived a crashed process (older than the stale threshold) back to false
// before answering either call.
type SyncStatusStore interface {
	Status(ctx context.Context, key UserKey) (SyncStatus, error)
	Begin(ctx context.Context, key UserKey, startedAt time.Time) (bool, error)
	Finish(ctx context.Context, key UserKey, outcome SyncOutcome) error
}

// ErrSyncInterrupted is the LastError recorded for syncs that were still
// marked in-progress across a process restart.
const ErrSyncInterrupted = "sync interrupted"

// Notifier delivers a short message to the user. The interactive layer
// supplies the concrete delivery mechanism; the sync engine never depends on
// it directly.
type Notifier interface {
	Notify(ctx context.Context, key UserKey, text string) error
}

// SyncReport is the audit record of one sync run, archived when an archive
// backend is configured.
type SyncReport struct {
	RunID           string    `json:"run_id"`
	UserKey         string    `json:"user_key"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	ProjectsScanned int       `json:"projects_scanned"`
	ProjectsSkipped int       `json:"projects_skipped"`
	TasksFound      int       `json:"tasks_found"`
	Error           string    `json:"error,omitempty"`
}

// ReportArchiver stores sync reports for later inspection.
type ReportArchiver interface {
	ArchiveSyncReport(ctx context.Context, report SyncReport) error
}
