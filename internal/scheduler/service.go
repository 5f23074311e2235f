package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"remindbot/internal/schedule"
	"remindbot/internal/store"
	logx "remindbot/pkg/logx"
)

// Config controls trigger evaluation.
type Config struct {
	// Timezone is the IANA zone cron schedules are evaluated in ("" = UTC).
	Timezone string

	// ReapInterval is how often expired claims are swept back to pending.
	ReapInterval time.Duration

	// PollInterval is the fallback wake-up: it picks up jobs created by
	// other processes and jobs re-armed by the reaper.
	PollInterval time.Duration

	// DefaultMaxAttempts applies when a job is created without a limit.
	DefaultMaxAttempts int

	// Retention, when > 0, purges terminal jobs older than this.
	Retention      time.Duration
	RetentionSweep time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReapInterval <= 0 {
		c.ReapInterval = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 15 * time.Second
	}
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = 5
	}
	if c.Retention > 0 && c.RetentionSweep <= 0 {
		c.RetentionSweep = time.Hour
	}
	return c
}

// Dispatcher is what the engine fires due work into. It claims from the
// store itself, so a poke is only a hint that due work may exist.
type Dispatcher interface {
	Poke()
}

// Service is the trigger engine: an event loop over a min-heap of
// (next_fire_at, job_id). The loop itself never blocks on I/O; delivery
// runs entirely inside the dispatcher's worker pool.
//
// It also exposes the job API used by the command layer (Create, Cancel,
// queries), so all trigger bookkeeping stays in one place.
type Service struct {
	cfg  Config
	log  logx.Logger
	st   store.Store
	disp Dispatcher
	loc  *time.Location

	mu      sync.Mutex
	heap    *triggerHeap
	started bool
	stopCh  chan struct{}
	wakeCh  chan struct{}
	wg      sync.WaitGroup
}

func New(cfg Config, st store.Store, disp Dispatcher, log logx.Logger) (*Service, error) {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	loc := time.UTC
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		var err error
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("load timezone %q: %w", tz, err)
		}
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		st:     st,
		disp:   disp,
		loc:    loc,
		heap:   newTriggerHeap(),
		wakeCh: make(chan struct{}, 1),
	}, nil
}

// Location returns the zone schedules are evaluated in.
func (s *Service) Location() *time.Location { return s.loc }

// SetDispatcher breaks the construction cycle with the dispatcher (which
// needs the delivery sender, which needs the bot, which needs this
// engine). Must be called before Start.
func (s *Service) SetDispatcher(d Dispatcher) {
	s.mu.Lock()
	s.disp = d
	s.mu.Unlock()
}

// Start recovers durable state and runs the trigger loop.
//
// Recovery order matters: expired claims are reaped first so jobs stuck in
// a crashed claim become pending and get re-armed in the same pass.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	if s.disp == nil {
		s.mu.Unlock()
		return errors.New("scheduler: dispatcher not set")
	}
	s.started = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	if err := s.recover(ctx); err != nil {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx, stopCh)
	}()

	if s.cfg.Retention > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.retentionLoop(ctx, stopCh)
		}()
	}
	return nil
}

// Stop halts trigger evaluation. In-flight dispatcher work is not ours to
// drain; the app stops the dispatcher separately.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	stopCh := s.stopCh
	s.mu.Unlock()

	close(stopCh)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	s.log.Info("trigger engine stopped")
}

// recover reaps expired claims and rebuilds the heap from pending jobs.
// Overdue jobs land in the heap with past fire times and trigger an
// immediate dispatch on the first loop iteration.
func (s *Service) recover(ctx context.Context) error {
	now := time.Now().UTC()

	reaped, err := s.st.ReapExpiredClaims(ctx, now)
	if err != nil {
		return fmt.Errorf("reap expired claims: %w", err)
	}
	if reaped > 0 {
		s.log.Warn("recovered expired claims", logx.Int64("count", reaped))
	}

	pending, err := s.st.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("load pending jobs: %w", err)
	}

	s.mu.Lock()
	s.heap.reset()
	overdue := 0
	for _, j := range pending {
		if j.NextFireAt == nil {
			continue
		}
		s.heap.arm(j.ID, j.NextFireAt.UTC())
		if !j.NextFireAt.After(now) {
			overdue++
		}
	}
	s.mu.Unlock()

	s.log.Info("trigger engine recovered",
		logx.Int("pending", len(pending)), logx.Int("overdue", overdue))
	return nil
}

// Arm schedules (or re-schedules) a fire for jobID. Called by the command
// layer on create and by the dispatcher on reschedule.
func (s *Service) Arm(jobID string, at time.Time) {
	s.mu.Lock()
	s.heap.arm(jobID, at.UTC())
	s.mu.Unlock()
	s.wake()
}

// Disarm removes jobID from the in-memory index. The store row is already
// cancelled by the caller; this only stops a redundant wake-up.
func (s *Service) Disarm(jobID string) {
	s.mu.Lock()
	s.heap.disarm(jobID)
	s.mu.Unlock()
}

func (s *Service) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Service) loop(ctx context.Context, stopCh <-chan struct{}) {
	reap := time.NewTicker(s.cfg.ReapInterval)
	defer reap.Stop()

	timer := time.NewTimer(s.cfg.PollInterval)
	defer timer.Stop()

	for {
		// Sleep until the earliest fire, bounded by the fallback poll.
		now := time.Now().UTC()
		sleep := s.cfg.PollInterval
		s.mu.Lock()
		if at, ok := s.heap.peek(); ok {
			if d := at.Sub(now); d < sleep {
				sleep = d
			}
		}
		s.mu.Unlock()
		if sleep < 0 {
			sleep = 0
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(sleep)

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-s.wakeCh:
			continue // re-evaluate sleep against the new earliest fire

		case <-reap.C:
			n, err := s.st.ReapExpiredClaims(ctx, time.Now().UTC())
			if err != nil {
				s.log.Error("reap pass failed", logx.Err(err))
				continue
			}
			if n > 0 {
				s.log.Warn("reaped expired claims", logx.Int64("count", n))
				s.disp.Poke()
			}

		case <-timer.C:
			now := time.Now().UTC()
			s.mu.Lock()
			due := s.heap.popDue(now)
			s.mu.Unlock()
			// The heap is a hint, not the source of truth: poke even when
			// empty so due jobs created by other processes get claimed.
			if len(due) > 0 {
				s.log.Debug("triggers fired", logx.Int("count", len(due)))
			}
			s.disp.Poke()
		}
	}
}

func (s *Service) retentionLoop(ctx context.Context, stopCh <-chan struct{}) {
	t := time.NewTicker(s.cfg.RetentionSweep)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-t.C:
			cutoff := time.Now().UTC().Add(-s.cfg.Retention)
			n, err := s.st.PurgeTerminal(ctx, cutoff)
			if err != nil {
				s.log.Error("retention sweep failed", logx.Err(err))
				continue
			}
			if n > 0 {
				s.log.Info("purged terminal jobs", logx.Int64("count", n))
			}
		}
	}
}

// ---- Job API (command layer) ----

// Create validates the schedule spec, inserts a pending job and arms its
// trigger. maxAttempts <= 0 uses the configured default.
func (s *Service) Create(ctx context.Context, rawSpec string, payload store.Payload, maxAttempts int) (store.Job, error) {
	sp, err := schedule.Parse(rawSpec, s.loc)
	if err != nil {
		return store.Job{}, err
	}
	first, err := sp.First(time.Now())
	if err != nil {
		return store.Job{}, err
	}
	if maxAttempts <= 0 {
		maxAttempts = s.cfg.DefaultMaxAttempts
	}

	j := store.Job{
		ID:          uuid.NewString(),
		Spec:        sp.String(),
		Payload:     payload,
		NextFireAt:  &first,
		MaxAttempts: maxAttempts,
	}
	if err := s.st.CreateJob(ctx, &j); err != nil {
		return store.Job{}, err
	}
	s.Arm(j.ID, first)
	s.log.Info("job created",
		logx.String("job", j.ID), logx.String("spec", j.Spec), logx.Time("first_fire", first))
	return j, nil
}

// Cancel moves the job to cancelled (idempotent) and disarms its trigger.
func (s *Service) Cancel(ctx context.Context, id string) (store.Job, error) {
	j, err := s.st.CancelJob(ctx, id)
	if err != nil {
		return store.Job{}, err
	}
	s.Disarm(id)
	return j, nil
}

func (s *Service) Get(ctx context.Context, id string) (store.Job, error) {
	return s.st.GetJob(ctx, id)
}

func (s *Service) ListPending(ctx context.Context) ([]store.Job, error) {
	return s.st.ListPending(ctx)
}

func (s *Service) History(ctx context.Context, id string, limit int) ([]store.Execution, error) {
	return s.st.ListExecutions(ctx, id, limit)
}
