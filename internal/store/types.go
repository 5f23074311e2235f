package store

import (
	"context"
	"errors"
	"time"
)

// JobState is the durable lifecycle state of a job.
type JobState string

const (
	StatePending   JobState = "pending"
	StateClaimed   JobState = "claimed"
	StateRunning   JobState = "running"
	StateSucceeded JobState = "succeeded"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// Terminal reports whether the state admits no further transitions
// (except nothing: terminal rows are kept for audit, never reused).
func (s JobState) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Outcome classifies a single delivery attempt.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeTransient Outcome = "transient_error"
	OutcomePermanent Outcome = "permanent_error"
	OutcomeTimeout   Outcome = "timeout"
)

// Payload is the tagged work description carried by a job.
// The dispatcher switches on Kind; new kinds extend the struct.
type Payload struct {
	Kind   string `json:"kind"`
	ChatID int64  `json:"chat_id,omitempty"`
	Text   string `json:"text,omitempty"`
}

// PayloadMessage sends Text to ChatID.
const PayloadMessage = "message"

// Job is a durable unit of scheduled work.
//
// Invariants maintained by the store:
//   - NextFireAt is non-nil iff State is pending.
//   - Claimed/running rows carry ClaimedBy, ClaimToken and LeaseExpiresAt.
//   - AttemptCount never exceeds MaxAttempts.
type Job struct {
	ID           string
	Spec         string
	Payload      Payload
	State        JobState
	NextFireAt   *time.Time
	AttemptCount int
	MaxAttempts  int

	ClaimedBy      *string
	ClaimToken     *string
	LeaseExpiresAt *time.Time

	LastError *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Execution is one delivery attempt, append-only.
// The row is inserted at claim time so a crash mid-attempt still leaves
// an audit trail; Finish* fills the outcome.
type Execution struct {
	ID          int64
	JobID       string
	Attempt     int
	StartedAt   time.Time
	FinishedAt  *time.Time
	Outcome     *Outcome
	ErrorDetail *string
}

var (
	// ErrNotFound: no job with that id.
	ErrNotFound = errors.New("job not found")

	// ErrStaleClaim: the claim token no longer matches, the lease expired
	// and the job was reclaimed (or cancelled). The caller lost the race
	// and must not touch the job further.
	ErrStaleClaim = errors.New("stale claim")
)

// Store is durable CRUD over jobs and execution records.
//
// It is the single source of truth: every state transition goes through it,
// and its atomic claim operation is the only cross-process coordination
// mechanism in the system.
type Store interface {
	// CreateJob inserts j as a new pending row. j.ID, j.NextFireAt and
	// j.MaxAttempts must be set by the caller.
	CreateJob(ctx context.Context, j *Job) error

	GetJob(ctx context.Context, id string) (Job, error)

	// ListPending returns every pending job, soonest fire first.
	// Used by the recovery loader and the command layer.
	ListPending(ctx context.Context) ([]Job, error)

	// ClaimDueJobs atomically moves up to limit pending jobs with
	// next_fire_at <= now into claimed state under claimedBy, assigning
	// each a fresh claim token and a lease of now+lease. Two concurrent
	// claimers never receive the same job.
	ClaimDueJobs(ctx context.Context, now time.Time, limit int, claimedBy string, lease time.Duration) ([]Job, error)

	// MarkRunning transitions a claimed job to running.
	// Fails with ErrStaleClaim when token does not match the current lease.
	MarkRunning(ctx context.Context, id, token string) error

	// MarkSucceeded finishes an attempt successfully. A non-nil next
	// reverts the (recurring) job to pending with attempt count reset;
	// nil next makes the job terminally succeeded.
	MarkSucceeded(ctx context.Context, id, token string, next *time.Time) error

	// MarkRetry reverts the job to pending for a later attempt at next,
	// recording the new attempt count and last error.
	MarkRetry(ctx context.Context, id, token string, attempts int, next time.Time, lastErr string) error

	// MarkFailed terminally fails the job.
	MarkFailed(ctx context.Context, id, token string, attempts int, lastErr string) error

	// CancelJob moves a non-terminal job to cancelled. Idempotent: a second
	// cancel returns the cancelled job without error. An in-flight claim is
	// invalidated (its token is cleared), so a running attempt cannot
	// reschedule the job afterwards.
	CancelJob(ctx context.Context, id string) (Job, error)

	// ReapExpiredClaims returns claimed/running jobs whose lease expired
	// back to pending (due immediately), enabling crash recovery without
	// heartbeats. Returns how many rows were reaped.
	ReapExpiredClaims(ctx context.Context, now time.Time) (int64, error)

	// StartExecution appends the execution record for an attempt and
	// returns its id.
	StartExecution(ctx context.Context, jobID string, attempt int) (int64, error)

	// FinishExecution records the outcome of an attempt. Never mutates a
	// finished row.
	FinishExecution(ctx context.Context, execID int64, outcome Outcome, detail string) error

	// ListExecutions returns the newest attempts for a job, most recent first.
	ListExecutions(ctx context.Context, jobID string, limit int) ([]Execution, error)

	// PurgeTerminal deletes terminal jobs (and their execution records)
	// older than cutoff. Retention sweep only; pending work is never touched.
	PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}
