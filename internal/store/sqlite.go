package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	logx "remindbot/pkg/logx"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")
	_, _ = db.ExecContext(ctx, "PRAGMA foreign_keys = ON")

	st := &sqliteStore{db: db, log: log}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const sqliteJobCols = `id, spec, payload, state, next_fire_at, attempt_count, max_attempts,
	claimed_by, claim_token, lease_expires_at, last_error, created_at, updated_at`

func (s *sqliteStore) CreateJob(ctx context.Context, j *Job) error {
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	now := time.Now().UTC()
	j.State = StatePending
	j.CreatedAt = now
	j.UpdatedAt = now
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, spec, payload, state, next_fire_at, attempt_count, max_attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)
	`, j.ID, j.Spec, string(payload), string(j.State), msOrNil(j.NextFireAt), j.MaxAttempts, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *sqliteStore) GetJob(ctx context.Context, id string) (Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteJobCols+` FROM jobs WHERE id = ?`, id)
	j, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return j, err
}

func (s *sqliteStore) ListPending(ctx context.Context) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteJobCols+` FROM jobs
		WHERE state = 'pending'
		ORDER BY next_fire_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ClaimDueJobs uses a conditional update with an affected-row check instead
// of row locks: the UPDATE only succeeds if the row is still pending and due,
// so two claimers can never both win the same job.
func (s *sqliteStore) ClaimDueJobs(ctx context.Context, now time.Time, limit int, claimedBy string, lease time.Duration) ([]Job, error) {
	now = now.UTC()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM jobs
		WHERE state = 'pending' AND next_fire_at <= ?
		ORDER BY next_fire_at ASC
		LIMIT ?
	`, now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("select due: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []Job
	for _, id := range ids {
		token := uuid.NewString()
		res, err := s.db.ExecContext(ctx, `
			UPDATE jobs SET state = 'claimed', claimed_by = ?, claim_token = ?,
				lease_expires_at = ?, updated_at = ?
			WHERE id = ? AND state = 'pending' AND next_fire_at <= ?
		`, claimedBy, token, now.Add(lease).UnixMilli(), now.UnixMilli(), id, now.UnixMilli())
		if err != nil {
			return out, fmt.Errorf("claim job: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return out, err
		}
		if n == 0 {
			continue // lost the race; normal
		}
		j, err := s.GetJob(ctx, id)
		if err != nil {
			return out, err
		}
		out = append(out, j)
	}
	return out, nil
}

func (s *sqliteStore) MarkRunning(ctx context.Context, id, token string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET state = 'running', updated_at = ?
		WHERE id = ? AND claim_token = ? AND state = 'claimed'
	`, time.Now().UTC().UnixMilli(), id, token)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	return staleIfNone(res)
}

func (s *sqliteStore) MarkSucceeded(ctx context.Context, id, token string, next *time.Time) error {
	var res sql.Result
	var err error
	nowMS := time.Now().UTC().UnixMilli()
	if next != nil {
		res, err = s.db.ExecContext(ctx, `
			UPDATE jobs SET state = 'pending', next_fire_at = ?, attempt_count = 0,
				claimed_by = NULL, claim_token = NULL, lease_expires_at = NULL,
				last_error = NULL, updated_at = ?
			WHERE id = ? AND claim_token = ?
		`, next.UTC().UnixMilli(), nowMS, id, token)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE jobs SET state = 'succeeded', next_fire_at = NULL,
				claimed_by = NULL, claim_token = NULL, lease_expires_at = NULL,
				last_error = NULL, updated_at = ?
			WHERE id = ? AND claim_token = ?
		`, nowMS, id, token)
	}
	if err != nil {
		return fmt.Errorf("mark succeeded: %w", err)
	}
	return staleIfNone(res)
}

func (s *sqliteStore) MarkRetry(ctx context.Context, id, token string, attempts int, next time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET state = 'pending', next_fire_at = ?, attempt_count = ?,
			claimed_by = NULL, claim_token = NULL, lease_expires_at = NULL,
			last_error = ?, updated_at = ?
		WHERE id = ? AND claim_token = ?
	`, next.UTC().UnixMilli(), attempts, nullStr(lastErr), time.Now().UTC().UnixMilli(), id, token)
	if err != nil {
		return fmt.Errorf("mark retry: %w", err)
	}
	return staleIfNone(res)
}

func (s *sqliteStore) MarkFailed(ctx context.Context, id, token string, attempts int, lastErr string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET state = 'failed', next_fire_at = NULL, attempt_count = ?,
			claimed_by = NULL, claim_token = NULL, lease_expires_at = NULL,
			last_error = ?, updated_at = ?
		WHERE id = ? AND claim_token = ?
	`, attempts, nullStr(lastErr), time.Now().UTC().UnixMilli(), id, token)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return staleIfNone(res)
}

func (s *sqliteStore) CancelJob(ctx context.Context, id string) (Job, error) {
	// Clearing claim_token invalidates any in-flight attempt so it cannot
	// reschedule the job after this cancel.
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET state = 'cancelled', next_fire_at = NULL,
			claimed_by = NULL, claim_token = NULL, lease_expires_at = NULL,
			updated_at = ?
		WHERE id = ? AND state NOT IN ('succeeded', 'failed', 'cancelled')
	`, time.Now().UTC().UnixMilli(), id)
	if err != nil {
		return Job{}, fmt.Errorf("cancel job: %w", err)
	}
	return s.GetJob(ctx, id)
}

func (s *sqliteStore) ReapExpiredClaims(ctx context.Context, now time.Time) (int64, error) {
	nowMS := now.UTC().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET state = 'pending', next_fire_at = ?,
			claimed_by = NULL, claim_token = NULL, lease_expires_at = NULL,
			updated_at = ?
		WHERE state IN ('claimed', 'running') AND lease_expires_at < ?
	`, nowMS, nowMS, nowMS)
	if err != nil {
		return 0, fmt.Errorf("reap expired claims: %w", err)
	}
	return res.RowsAffected()
}

func (s *sqliteStore) StartExecution(ctx context.Context, jobID string, attempt int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (job_id, attempt, started_at) VALUES (?, ?, ?)
	`, jobID, attempt, time.Now().UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("start execution: %w", err)
	}
	return res.LastInsertId()
}

func (s *sqliteStore) FinishExecution(ctx context.Context, execID int64, outcome Outcome, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE executions SET finished_at = ?, outcome = ?, error_detail = ?
		WHERE id = ? AND finished_at IS NULL
	`, time.Now().UTC().UnixMilli(), string(outcome), nullStr(detail), execID)
	if err != nil {
		return fmt.Errorf("finish execution: %w", err)
	}
	return nil
}

func (s *sqliteStore) ListExecutions(ctx context.Context, jobID string, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, attempt, started_at, finished_at, outcome, error_detail
		FROM executions WHERE job_id = ?
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		var e Execution
		var started int64
		var finished sql.NullInt64
		var outcome, detail sql.NullString
		if err := rows.Scan(&e.ID, &e.JobID, &e.Attempt, &started, &finished, &outcome, &detail); err != nil {
			return nil, err
		}
		e.StartedAt = time.UnixMilli(started).UTC()
		if finished.Valid {
			t := time.UnixMilli(finished.Int64).UTC()
			e.FinishedAt = &t
		}
		if outcome.Valid {
			o := Outcome(outcome.String)
			e.Outcome = &o
		}
		if detail.Valid {
			d := detail.String
			e.ErrorDetail = &d
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE state IN ('succeeded', 'failed', 'cancelled') AND updated_at < ?
	`, cutoff.UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge terminal: %w", err)
	}
	return res.RowsAffected()
}

func staleIfNone(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStaleClaim
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (Job, error) {
	var j Job
	var payload, state string
	var nextFire, leaseExp sql.NullInt64
	var claimedBy, claimToken, lastErr sql.NullString
	var created, updated int64

	if err := row.Scan(&j.ID, &j.Spec, &payload, &state, &nextFire,
		&j.AttemptCount, &j.MaxAttempts, &claimedBy, &claimToken,
		&leaseExp, &lastErr, &created, &updated); err != nil {
		return Job{}, err
	}
	j.State = JobState(state)
	if err := json.Unmarshal([]byte(payload), &j.Payload); err != nil {
		return Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if nextFire.Valid {
		t := time.UnixMilli(nextFire.Int64).UTC()
		j.NextFireAt = &t
	}
	if leaseExp.Valid {
		t := time.UnixMilli(leaseExp.Int64).UTC()
		j.LeaseExpiresAt = &t
	}
	if claimedBy.Valid {
		j.ClaimedBy = &claimedBy.String
	}
	if claimToken.Valid {
		j.ClaimToken = &claimToken.String
	}
	if lastErr.Valid {
		j.LastError = &lastErr.String
	}
	j.CreatedAt = time.UnixMilli(created).UTC()
	j.UpdatedAt = time.UnixMilli(updated).UTC()
	return j, nil
}

func msOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixMilli()
}
