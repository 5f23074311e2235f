package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	logx "remindbot/pkg/logx"
)

//go:embed schema_postgres.sql
var pgSchema string

type pgStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	st := &pgStore{pool: pool, log: log}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

func (s *pgStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

const pgJobCols = `id, spec, payload, state, next_fire_at, attempt_count, max_attempts,
	claimed_by, claim_token, lease_expires_at, last_error, created_at, updated_at`

func (s *pgStore) CreateJob(ctx context.Context, j *Job) error {
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	now := time.Now().UTC()
	j.State = StatePending
	j.CreatedAt = now
	j.UpdatedAt = now
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, spec, payload, state, next_fire_at, attempt_count, max_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $7)
	`, j.ID, j.Spec, payload, j.State, j.NextFireAt, j.MaxAttempts, now)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *pgStore) GetJob(ctx context.Context, id string) (Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgJobCols+` FROM jobs WHERE id = $1`, id)
	j, err := scanPGJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return j, err
}

func (s *pgStore) ListPending(ctx context.Context) ([]Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+pgJobCols+` FROM jobs
		WHERE state = 'pending'
		ORDER BY next_fire_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanPGJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// claimOneSQL claims the single most-due pending job.
//
// FOR UPDATE SKIP LOCKED prevents contention: a claimer losing the race moves
// on immediately instead of blocking, and the row is already 'claimed' by the
// winner when the loser's statement evaluates it.
const claimOneSQL = `
WITH due AS (
    SELECT id FROM jobs
    WHERE state = 'pending' AND next_fire_at <= $1
    ORDER BY next_fire_at ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
UPDATE jobs SET
    state            = 'claimed',
    claimed_by       = $2,
    claim_token      = $3,
    lease_expires_at = $4,
    updated_at       = $5
FROM due
WHERE jobs.id = due.id
RETURNING jobs.id, jobs.spec, jobs.payload, jobs.state, jobs.next_fire_at,
    jobs.attempt_count, jobs.max_attempts, jobs.claimed_by, jobs.claim_token,
    jobs.lease_expires_at, jobs.last_error, jobs.created_at, jobs.updated_at`

func (s *pgStore) ClaimDueJobs(ctx context.Context, now time.Time, limit int, claimedBy string, lease time.Duration) ([]Job, error) {
	now = now.UTC()
	var out []Job
	for i := 0; i < limit; i++ {
		token := uuid.NewString()
		row := s.pool.QueryRow(ctx, claimOneSQL, now, claimedBy, token, now.Add(lease), now)
		j, err := scanPGJob(row)
		if errors.Is(err, pgx.ErrNoRows) {
			break // nothing due; normal idle state
		}
		if err != nil {
			return out, fmt.Errorf("claim job: %w", err)
		}
		out = append(out, j)
	}
	return out, nil
}

func (s *pgStore) MarkRunning(ctx context.Context, id, token string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = 'running', updated_at = $3
		WHERE id = $1 AND claim_token = $2 AND state = 'claimed'
	`, id, token, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleClaim
	}
	return nil
}

func (s *pgStore) MarkSucceeded(ctx context.Context, id, token string, next *time.Time) error {
	var tag pgconnTag
	var err error
	now := time.Now().UTC()
	if next != nil {
		// Recurring: back to pending for the next fire, attempts reset.
		tag, err = s.pool.Exec(ctx, `
			UPDATE jobs SET state = 'pending', next_fire_at = $3, attempt_count = 0,
				claimed_by = NULL, claim_token = NULL, lease_expires_at = NULL,
				last_error = NULL, updated_at = $4
			WHERE id = $1 AND claim_token = $2
		`, id, token, next.UTC(), now)
	} else {
		tag, err = s.pool.Exec(ctx, `
			UPDATE jobs SET state = 'succeeded', next_fire_at = NULL,
				claimed_by = NULL, claim_token = NULL, lease_expires_at = NULL,
				last_error = NULL, updated_at = $3
			WHERE id = $1 AND claim_token = $2
		`, id, token, now)
	}
	if err != nil {
		return fmt.Errorf("mark succeeded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleClaim
	}
	return nil
}

func (s *pgStore) MarkRetry(ctx context.Context, id, token string, attempts int, next time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = 'pending', next_fire_at = $3, attempt_count = $4,
			claimed_by = NULL, claim_token = NULL, lease_expires_at = NULL,
			last_error = $5, updated_at = $6
		WHERE id = $1 AND claim_token = $2
	`, id, token, next.UTC(), attempts, nullStr(lastErr), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleClaim
	}
	return nil
}

func (s *pgStore) MarkFailed(ctx context.Context, id, token string, attempts int, lastErr string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = 'failed', next_fire_at = NULL, attempt_count = $3,
			claimed_by = NULL, claim_token = NULL, lease_expires_at = NULL,
			last_error = $4, updated_at = $5
		WHERE id = $1 AND claim_token = $2
	`, id, token, attempts, nullStr(lastErr), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleClaim
	}
	return nil
}

func (s *pgStore) CancelJob(ctx context.Context, id string) (Job, error) {
	// Clearing claim_token here is what makes cancel-while-running safe:
	// the in-flight attempt's token goes stale, so it cannot reschedule.
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = 'cancelled', next_fire_at = NULL,
			claimed_by = NULL, claim_token = NULL, lease_expires_at = NULL,
			updated_at = $2
		WHERE id = $1 AND state NOT IN ('succeeded', 'failed', 'cancelled')
	`, id, time.Now().UTC())
	if err != nil {
		return Job{}, fmt.Errorf("cancel job: %w", err)
	}
	return s.GetJob(ctx, id)
}

func (s *pgStore) ReapExpiredClaims(ctx context.Context, now time.Time) (int64, error) {
	now = now.UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = 'pending', next_fire_at = $1,
			claimed_by = NULL, claim_token = NULL, lease_expires_at = NULL,
			updated_at = $1
		WHERE state IN ('claimed', 'running') AND lease_expires_at < $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("reap expired claims: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *pgStore) StartExecution(ctx context.Context, jobID string, attempt int) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO executions (job_id, attempt, started_at)
		VALUES ($1, $2, $3)
		RETURNING id
	`, jobID, attempt, time.Now().UTC()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("start execution: %w", err)
	}
	return id, nil
}

func (s *pgStore) FinishExecution(ctx context.Context, execID int64, outcome Outcome, detail string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE executions SET finished_at = $2, outcome = $3, error_detail = $4
		WHERE id = $1 AND finished_at IS NULL
	`, execID, time.Now().UTC(), string(outcome), nullStr(detail))
	if err != nil {
		return fmt.Errorf("finish execution: %w", err)
	}
	return nil
}

func (s *pgStore) ListExecutions(ctx context.Context, jobID string, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, attempt, started_at, finished_at, outcome, error_detail
		FROM executions WHERE job_id = $1
		ORDER BY started_at DESC, id DESC
		LIMIT $2
	`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		var e Execution
		var outcome *string
		if err := rows.Scan(&e.ID, &e.JobID, &e.Attempt, &e.StartedAt, &e.FinishedAt, &outcome, &e.ErrorDetail); err != nil {
			return nil, err
		}
		if outcome != nil {
			o := Outcome(*outcome)
			e.Outcome = &o
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *pgStore) PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE state IN ('succeeded', 'failed', 'cancelled') AND updated_at < $1
	`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge terminal: %w", err)
	}
	return tag.RowsAffected(), nil
}

// pgconnTag matches pgconn.CommandTag's RowsAffected without importing it
// at every call site.
type pgconnTag interface{ RowsAffected() int64 }

func scanPGJob(row pgx.Row) (Job, error) {
	var j Job
	var payload []byte
	var state string
	if err := row.Scan(&j.ID, &j.Spec, &payload, &state, &j.NextFireAt,
		&j.AttemptCount, &j.MaxAttempts, &j.ClaimedBy, &j.ClaimToken,
		&j.LeaseExpiresAt, &j.LastError, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return Job{}, err
	}
	j.State = JobState(state)
	if err := json.Unmarshal(payload, &j.Payload); err != nil {
		return Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	return j, nil
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}
