package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "remindbot/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(context.Background(), Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "jobs.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestJob(id string, due time.Time) *Job {
	return &Job{
		ID:   id,
		Spec: "every:10m",
		Payload: Payload{
			Kind: PayloadMessage, ChatID: 42, Text: "ping",
		},
		NextFireAt:  &due,
		MaxAttempts: 5,
	}
}

func TestCreateGetRoundtrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	due := time.Now().UTC().Add(time.Hour).Truncate(time.Millisecond)
	if err := st.CreateJob(ctx, newTestJob("j1", due)); err != nil {
		t.Fatal(err)
	}

	j, err := st.GetJob(ctx, "j1")
	if err != nil {
		t.Fatal(err)
	}
	if j.State != StatePending {
		t.Fatalf("state = %s, want pending", j.State)
	}
	if j.NextFireAt == nil || !j.NextFireAt.Equal(due) {
		t.Fatalf("next_fire_at = %v, want %v", j.NextFireAt, due)
	}
	if j.Payload.ChatID != 42 || j.Payload.Text != "ping" {
		t.Fatalf("payload roundtrip broken: %+v", j.Payload)
	}

	if _, err := st.GetJob(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetJob(missing) = %v, want ErrNotFound", err)
	}
}

func TestClaimDueJobs(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := st.CreateJob(ctx, newTestJob("due", now.Add(-time.Second))); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateJob(ctx, newTestJob("future", now.Add(time.Hour))); err != nil {
		t.Fatal(err)
	}

	claimed, err := st.ClaimDueJobs(ctx, now, 10, "worker-a", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 1 || claimed[0].ID != "due" {
		t.Fatalf("claimed %v, want exactly [due]", claimed)
	}
	j := claimed[0]
	if j.State != StateClaimed || j.ClaimToken == nil || j.LeaseExpiresAt == nil {
		t.Fatalf("claimed job missing lease fields: %+v", j)
	}

	// A second claimer must not receive the same job.
	again, err := st.ClaimDueJobs(ctx, now, 10, "worker-b", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Fatalf("second claim got %d jobs, want 0", len(again))
	}
}

func TestStaleTokenRejected(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := st.CreateJob(ctx, newTestJob("j1", now.Add(-time.Second))); err != nil {
		t.Fatal(err)
	}
	claimed, err := st.ClaimDueJobs(ctx, now, 1, "worker-a", time.Minute)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v (%d)", err, len(claimed))
	}
	token := *claimed[0].ClaimToken

	if err := st.MarkRunning(ctx, "j1", "wrong-token"); !errors.Is(err, ErrStaleClaim) {
		t.Fatalf("MarkRunning with bad token = %v, want ErrStaleClaim", err)
	}
	if err := st.MarkRunning(ctx, "j1", token); err != nil {
		t.Fatalf("MarkRunning with valid token: %v", err)
	}

	// Cancelling clears the token; the in-flight attempt must lose.
	if _, err := st.CancelJob(ctx, "j1"); err != nil {
		t.Fatal(err)
	}
	next := now.Add(time.Minute)
	if err := st.MarkSucceeded(ctx, "j1", token, &next); !errors.Is(err, ErrStaleClaim) {
		t.Fatalf("MarkSucceeded after cancel = %v, want ErrStaleClaim", err)
	}
	j, _ := st.GetJob(ctx, "j1")
	if j.State != StateCancelled {
		t.Fatalf("state = %s, want cancelled", j.State)
	}
}

func TestCancelIdempotent(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	due := time.Now().UTC().Add(time.Hour)
	if err := st.CreateJob(ctx, newTestJob("j1", due)); err != nil {
		t.Fatal(err)
	}

	j, err := st.CancelJob(ctx, "j1")
	if err != nil {
		t.Fatal(err)
	}
	if j.State != StateCancelled {
		t.Fatalf("state = %s, want cancelled", j.State)
	}
	if j.NextFireAt != nil {
		t.Fatal("cancelled job still has next_fire_at")
	}

	j, err = st.CancelJob(ctx, "j1")
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if j.State != StateCancelled {
		t.Fatalf("state after second cancel = %s", j.State)
	}

	if _, err := st.CancelJob(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cancel missing = %v, want ErrNotFound", err)
	}
}

func TestReapExpiredClaims(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := st.CreateJob(ctx, newTestJob("j1", now.Add(-time.Second))); err != nil {
		t.Fatal(err)
	}
	claimed, err := st.ClaimDueJobs(ctx, now, 1, "crashed-worker", 50*time.Millisecond)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v (%d)", err, len(claimed))
	}

	// Lease still live: nothing to reap.
	n, err := st.ReapExpiredClaims(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("reaped %d, want 0 while lease live", n)
	}

	// Past the lease: the job returns to pending, due immediately.
	future := now.Add(time.Second)
	n, err = st.ReapExpiredClaims(ctx, future)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("reaped %d, want 1", n)
	}
	j, _ := st.GetJob(ctx, "j1")
	if j.State != StatePending {
		t.Fatalf("state = %s, want pending after reap", j.State)
	}
	if j.ClaimToken != nil {
		t.Fatal("reaped job still carries a claim token")
	}
	if j.NextFireAt == nil || j.NextFireAt.After(future) {
		t.Fatalf("reaped job not due immediately: %v", j.NextFireAt)
	}

	// The old token must not work anymore.
	if err := st.MarkRunning(ctx, "j1", *claimed[0].ClaimToken); !errors.Is(err, ErrStaleClaim) {
		t.Fatalf("old token after reap = %v, want ErrStaleClaim", err)
	}
}

func TestRetryAndFailTransitions(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := st.CreateJob(ctx, newTestJob("j1", now.Add(-time.Second))); err != nil {
		t.Fatal(err)
	}
	claimed, err := st.ClaimDueJobs(ctx, now, 1, "w", time.Minute)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v (%d)", err, len(claimed))
	}
	token := *claimed[0].ClaimToken

	next := now.Add(5 * time.Second).Truncate(time.Millisecond)
	if err := st.MarkRetry(ctx, "j1", token, 1, next, "flood wait"); err != nil {
		t.Fatal(err)
	}
	j, _ := st.GetJob(ctx, "j1")
	if j.State != StatePending || j.AttemptCount != 1 {
		t.Fatalf("after retry: state=%s attempts=%d", j.State, j.AttemptCount)
	}
	if j.NextFireAt == nil || !j.NextFireAt.Equal(next) {
		t.Fatalf("next_fire_at = %v, want %v", j.NextFireAt, next)
	}
	if j.LastError == nil || *j.LastError != "flood wait" {
		t.Fatalf("last_error = %v", j.LastError)
	}

	claimed, err = st.ClaimDueJobs(ctx, next, 1, "w", time.Minute)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("reclaim: %v (%d)", err, len(claimed))
	}
	if err := st.MarkFailed(ctx, "j1", *claimed[0].ClaimToken, 2, "blocked"); err != nil {
		t.Fatal(err)
	}
	j, _ = st.GetJob(ctx, "j1")
	if j.State != StateFailed || j.AttemptCount != 2 || j.NextFireAt != nil {
		t.Fatalf("after fail: %+v", j)
	}
}

func TestExecutionHistory(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	due := time.Now().UTC().Add(-time.Second)
	if err := st.CreateJob(ctx, newTestJob("j1", due)); err != nil {
		t.Fatal(err)
	}

	id1, err := st.StartExecution(ctx, "j1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.FinishExecution(ctx, id1, OutcomeTransient, "reset"); err != nil {
		t.Fatal(err)
	}
	id2, err := st.StartExecution(ctx, "j1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.FinishExecution(ctx, id2, OutcomeOK, ""); err != nil {
		t.Fatal(err)
	}

	execs, err := st.ListExecutions(ctx, "j1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(execs) != 2 {
		t.Fatalf("got %d executions, want 2", len(execs))
	}
	// Most recent first.
	if execs[0].Attempt != 2 || execs[0].Outcome == nil || *execs[0].Outcome != OutcomeOK {
		t.Fatalf("latest = %+v", execs[0])
	}
	if execs[1].Attempt != 1 || execs[1].ErrorDetail == nil || *execs[1].ErrorDetail != "reset" {
		t.Fatalf("prior = %+v", execs[1])
	}
}

func TestListPendingOrder(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := st.CreateJob(ctx, newTestJob("later", now.Add(2*time.Hour))); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateJob(ctx, newTestJob("sooner", now.Add(time.Hour))); err != nil {
		t.Fatal(err)
	}

	jobs, err := st.ListPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 || jobs[0].ID != "sooner" || jobs[1].ID != "later" {
		t.Fatalf("pending order wrong: %v", jobs)
	}
}

func TestPurgeTerminal(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := st.CreateJob(ctx, newTestJob("done", now.Add(-time.Second))); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateJob(ctx, newTestJob("live", now.Add(time.Hour))); err != nil {
		t.Fatal(err)
	}
	if _, err := st.CancelJob(ctx, "done"); err != nil {
		t.Fatal(err)
	}

	n, err := st.PurgeTerminal(ctx, now.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("purged %d, want 1", n)
	}
	if _, err := st.GetJob(ctx, "done"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("terminal job survived purge: %v", err)
	}
	if _, err := st.GetJob(ctx, "live"); err != nil {
		t.Fatalf("pending job purged: %v", err)
	}
}
