package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"remindbot/internal/schedule"
	"remindbot/internal/store"
	logx "remindbot/pkg/logx"
)

type countingDispatcher struct {
	pokes atomic.Int64
}

func (d *countingDispatcher) Poke() { d.pokes.Add(1) }

func newTestEngine(t *testing.T, cfg Config) (*Service, store.Store, *countingDispatcher) {
	t.Helper()
	st, err := store.Open(context.Background(), store.Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "jobs.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	disp := &countingDispatcher{}
	svc, err := New(cfg, st, disp, logx.Nop())
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return svc, st, disp
}

func TestCreateValidatesAndPersists(t *testing.T) {
	t.Parallel()
	svc, st, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	payload := store.Payload{Kind: store.PayloadMessage, ChatID: 7, Text: "hi"}

	j, err := svc.Create(ctx, "every:30m", payload, 0)
	if err != nil {
		t.Fatal(err)
	}
	if j.ID == "" {
		t.Fatal("no job id assigned")
	}
	if j.MaxAttempts != 5 {
		t.Fatalf("max_attempts = %d, want default 5", j.MaxAttempts)
	}
	if j.NextFireAt == nil || !j.NextFireAt.After(time.Now()) {
		t.Fatal("first fire not in the future")
	}

	got, err := st.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != store.StatePending {
		t.Fatalf("state = %s, want pending", got.State)
	}

	// Invalid specs are rejected before anything is written.
	if _, err := svc.Create(ctx, "nonsense", payload, 0); !errors.Is(err, schedule.ErrInvalidSpec) {
		t.Fatalf("Create(nonsense) = %v, want ErrInvalidSpec", err)
	}
	if _, err := svc.Create(ctx, "at:2000-01-01T00:00:00Z", payload, 0); !errors.Is(err, schedule.ErrInvalidSpec) {
		t.Fatalf("Create(past) = %v, want ErrInvalidSpec", err)
	}
}

func TestCancelDisarmsJob(t *testing.T) {
	t.Parallel()
	svc, st, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	j, err := svc.Create(ctx, "every:30m", store.Payload{Kind: store.PayloadMessage, ChatID: 7, Text: "hi"}, 0)
	if err != nil {
		t.Fatal(err)
	}

	cancelled, err := svc.Cancel(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.State != store.StateCancelled {
		t.Fatalf("state = %s, want cancelled", cancelled.State)
	}
	svc.mu.Lock()
	_, armed := svc.heap.byID[j.ID]
	svc.mu.Unlock()
	if armed {
		t.Fatal("cancelled job still armed")
	}

	got, _ := st.GetJob(ctx, j.ID)
	if got.NextFireAt != nil {
		t.Fatal("cancelled job still has next_fire_at")
	}
}

func TestRecoveryReapsAndRearms(t *testing.T) {
	t.Parallel()
	svc, st, disp := newTestEngine(t, Config{PollInterval: 50 * time.Millisecond})
	ctx := context.Background()
	now := time.Now().UTC()

	// A pending job and a job stuck in an expired claim (crashed worker).
	due := now.Add(time.Hour)
	pending := &store.Job{
		ID: "pending", Spec: "every:10m",
		Payload:     store.Payload{Kind: store.PayloadMessage, ChatID: 1, Text: "a"},
		NextFireAt:  &due,
		MaxAttempts: 5,
	}
	if err := st.CreateJob(ctx, pending); err != nil {
		t.Fatal(err)
	}
	overdue := now.Add(-time.Minute)
	stuck := &store.Job{
		ID: "stuck", Spec: "every:10m",
		Payload:     store.Payload{Kind: store.PayloadMessage, ChatID: 2, Text: "b"},
		NextFireAt:  &overdue,
		MaxAttempts: 5,
	}
	if err := st.CreateJob(ctx, stuck); err != nil {
		t.Fatal(err)
	}
	claimed, err := st.ClaimDueJobs(ctx, now, 1, "crashed", -time.Second)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v (%d)", err, len(claimed))
	}

	if err := svc.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		svc.Stop(stopCtx)
	}()

	// Recovery reaped the stuck claim back to pending.
	j, err := st.GetJob(ctx, "stuck")
	if err != nil {
		t.Fatal(err)
	}
	if j.State != store.StatePending {
		t.Fatalf("stuck job state = %s, want pending after recovery", j.State)
	}
	if j.ClaimToken != nil {
		t.Fatal("recovered job still carries a claim token")
	}

	// Both jobs re-armed, and the dispatcher poked for the overdue one.
	svc.mu.Lock()
	armed := svc.heap.Len()
	svc.mu.Unlock()
	if armed != 2 {
		t.Fatalf("armed = %d, want 2", armed)
	}

	deadline := time.Now().Add(2 * time.Second)
	for disp.pokes.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("dispatcher never poked for overdue job")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStartRequiresDispatcher(t *testing.T) {
	t.Parallel()
	st, err := store.Open(context.Background(), store.Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "jobs.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	svc, err := New(Config{}, st, nil, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Start(context.Background()); err == nil {
		t.Fatal("Start without dispatcher succeeded")
	}
}

func TestInvalidTimezoneRejected(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Timezone: "Mars/Olympus"}, nil, &countingDispatcher{}, logx.Nop()); err == nil {
		t.Fatal("invalid timezone accepted")
	}
}
