package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"remindbot/internal/delivery"
	"remindbot/internal/eventbus"
	"remindbot/internal/schedule"
	"remindbot/internal/store"
	logx "remindbot/pkg/logx"
)

// Config controls job execution.
type Config struct {
	Workers    int
	QueueSize  int
	ClaimBatch int

	Lease       time.Duration
	SendTimeout time.Duration

	BackoffBase   time.Duration
	BackoffCap    time.Duration
	BackoffJitter float64

	// UnknownRetryCap limits attempts for unclassified delivery errors.
	UnknownRetryCap int

	// RatePerSec throttles outbound sends across all workers. 0 disables.
	RatePerSec int

	CatchUp     schedule.CatchUpPolicy
	ReplayBound int
	Location    *time.Location
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.ClaimBatch <= 0 {
		c.ClaimBatch = 16
	}
	if c.Lease <= 0 {
		c.Lease = time.Minute
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 5 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 10 * time.Minute
	}
	if c.BackoffJitter <= 0 {
		c.BackoffJitter = 0.2
	}
	if c.UnknownRetryCap <= 0 {
		c.UnknownRetryCap = 2
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	return c
}

// Rearmer re-arms a job's trigger after the dispatcher reschedules it.
type Rearmer interface {
	Arm(jobID string, at time.Time)
}

// storage-retry bounds for the claim loop. Store outages stall claiming
// (the only thing that may stall the scheduler); per-job failures never do.
const (
	storageBackoffMin = time.Second
	storageBackoffMax = 30 * time.Second
)

// Service claims due jobs and executes their payloads on a bounded worker
// pool. Every state transition is guarded by the claim token, so a lost
// lease (crash, cancel, reap race) is detected and dropped instead of
// producing a duplicate send or reschedule.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	st     store.Store
	sender delivery.Sender
	bus    eventbus.Bus
	rearm  Rearmer

	limiter   *rate.Limiter
	claimedBy string

	poke      chan struct{}
	stopCh    chan struct{}
	runCancel context.CancelFunc
	wg        sync.WaitGroup
	started   bool
}

func New(cfg Config, st store.Store, sender delivery.Sender, bus eventbus.Bus, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "remindbot"
	}
	s := &Service{
		cfg:       cfg,
		log:       log,
		st:        st,
		sender:    sender,
		bus:       bus,
		poke:      make(chan struct{}, 1),
		claimedBy: host + "/" + strconv.Itoa(os.Getpid()),
	}
	if cfg.RatePerSec > 0 {
		// Burst = rate per sec, so short spikes don't block too hard.
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	return s
}

// SetRearmer breaks the construction cycle between dispatcher and trigger
// engine; must be called before Start.
func (s *Service) SetRearmer(r Rearmer) {
	s.mu.Lock()
	s.rearm = r
	s.mu.Unlock()
}

// SetRate applies a new outbound rate limit (config hot reload).
func (s *Service) SetRate(perSec int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if perSec <= 0 {
		s.limiter = nil
		return
	}
	s.limiter = rate.NewLimiter(rate.Limit(perSec), perSec)
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.stopCh = make(chan struct{})
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.runCancel = cancel
	cfg := s.cfg
	stopCh := s.stopCh
	s.mu.Unlock()

	queue := make(chan store.Job, cfg.QueueSize)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(queue)
		s.claimLoop(runCtx, stopCh, queue)
	}()

	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			// Drain the queue even while stopping: every queued job holds a
			// live claim, and finishing it now beats waiting out the lease.
			for j := range queue {
				s.execute(runCtx, j)
			}
		}()
	}

	s.log.Info("dispatcher started",
		logx.Int("workers", cfg.Workers),
		logx.Int("claim_batch", cfg.ClaimBatch),
		logx.Duration("lease", cfg.Lease))
}

// Stop stops claiming and drains in-flight work until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	stopCh := s.stopCh
	cancel := s.runCancel
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
		// Force-cancel in-flight sends; their leases recover the jobs.
		cancel()
		<-done
	}
	s.log.Info("dispatcher stopped")
}

// Poke asks the claim loop to look for due work. Non-blocking; pokes
// coalesce while a claim pass is in progress.
func (s *Service) Poke() {
	select {
	case s.poke <- struct{}{}:
	default:
	}
}

func (s *Service) claimLoop(ctx context.Context, stopCh <-chan struct{}, queue chan<- store.Job) {
	storageDelay := storageBackoffMin

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-s.poke:
		}

		s.mu.Lock()
		cfg := s.cfg
		s.mu.Unlock()

		jobs, err := s.st.ClaimDueJobs(ctx, time.Now(), cfg.ClaimBatch, s.claimedBy, cfg.Lease)
		if err != nil {
			// Store outage: suspend claiming, retry with backoff.
			s.log.Error("claim pass failed, backing off", logx.Err(err), logx.Duration("retry_in", storageDelay))
			select {
			case <-time.After(storageDelay):
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			}
			storageDelay *= 2
			if storageDelay > storageBackoffMax {
				storageDelay = storageBackoffMax
			}
			s.Poke()
			continue
		}
		storageDelay = storageBackoffMin

		for _, j := range jobs {
			s.publish(eventbus.EventJobClaimed, j.ID, j.AttemptCount+1, "", "")
			select {
			case queue <- j:
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			}
		}

		// A full batch means more may already be due.
		if len(jobs) == cfg.ClaimBatch {
			s.Poke()
		}
	}
}

func (s *Service) execute(ctx context.Context, j store.Job) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	rearm := s.rearm
	s.mu.Unlock()

	if j.ClaimToken == nil {
		s.log.Error("claimed job without token", logx.String("job", j.ID))
		return
	}
	token := *j.ClaimToken
	log := s.log.With(logx.String("job", j.ID))

	if err := s.st.MarkRunning(ctx, j.ID, token); err != nil {
		if errors.Is(err, store.ErrStaleClaim) {
			// Lost the lease (reap or cancel won). Another owner has it now.
			log.Debug("claim went stale before run")
		} else {
			log.Error("mark running failed", logx.Err(err))
		}
		return
	}

	attempt := j.AttemptCount + 1
	execID, err := s.st.StartExecution(ctx, j.ID, attempt)
	if err != nil {
		// The attempt still runs; losing one audit row is preferable to
		// losing the fire.
		log.Warn("execution record insert failed", logx.Err(err))
		execID = 0
	}

	outcome, sendErr := s.deliver(ctx, cfg, lim, j)

	if execID != 0 {
		detail := ""
		if sendErr != nil {
			detail = sendErr.Error()
		}
		fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := s.st.FinishExecution(fctx, execID, outcome, detail); err != nil {
			log.Warn("execution record finish failed", logx.Err(err))
		}
		fcancel()
	}

	s.settle(ctx, cfg, rearm, log, j, token, attempt, outcome, sendErr)
}

// deliver runs one attempt and classifies the result.
func (s *Service) deliver(ctx context.Context, cfg Config, lim *rate.Limiter, j store.Job) (store.Outcome, error) {
	if j.Payload.Kind != store.PayloadMessage {
		return store.OutcomePermanent, fmt.Errorf("unknown payload kind %q", j.Payload.Kind)
	}

	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return store.OutcomeTransient, err
		}
	}

	cctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()
	_, err := s.sender.Send(cctx, j.Payload.ChatID, j.Payload.Text)
	if err == nil {
		return store.OutcomeOK, nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return store.OutcomeTimeout, err
	}
	if !delivery.KindOf(err).Transient() {
		return store.OutcomePermanent, err
	}
	return store.OutcomeTransient, err
}

// settle applies the post-attempt state transition.
func (s *Service) settle(ctx context.Context, cfg Config, rearm Rearmer, log logx.Logger,
	j store.Job, token string, attempt int, outcome store.Outcome, sendErr error) {

	now := time.Now().UTC()

	switch outcome {
	case store.OutcomeOK:
		sp, perr := schedule.Parse(j.Spec, cfg.Location)
		var next *time.Time
		if perr == nil && sp.Recurring() {
			scheduled := now
			if j.NextFireAt != nil {
				scheduled = *j.NextFireAt
			}
			if n, ok := sp.Next(scheduled, now, cfg.CatchUp, cfg.ReplayBound); ok {
				next = &n
			}
		}
		if err := s.st.MarkSucceeded(ctx, j.ID, token, next); err != nil {
			s.logStale(log, "mark succeeded", err)
			return
		}
		if next != nil && rearm != nil {
			rearm.Arm(j.ID, *next)
		}
		log.Info("delivered", logx.Int("attempt", attempt))
		s.publish(eventbus.EventJobSucceeded, j.ID, attempt, string(outcome), "")
		return

	case store.OutcomePermanent:
		if err := s.st.MarkFailed(ctx, j.ID, token, attempt, errString(sendErr)); err != nil {
			s.logStale(log, "mark failed", err)
			return
		}
		log.Warn("delivery failed permanently", logx.Int("attempt", attempt), logx.Err(sendErr))
		s.publish(eventbus.EventJobFailed, j.ID, attempt, string(outcome), errString(sendErr))
		return
	}

	// Transient (including timeout): retry with backoff until attempts run out.
	maxAttempts := j.MaxAttempts
	if delivery.KindOf(sendErr) == delivery.KindUnknown && !errors.Is(sendErr, context.DeadlineExceeded) {
		if cfg.UnknownRetryCap < maxAttempts {
			maxAttempts = cfg.UnknownRetryCap
		}
	}

	if attempt >= maxAttempts {
		if err := s.st.MarkFailed(ctx, j.ID, token, attempt, errString(sendErr)); err != nil {
			s.logStale(log, "mark failed", err)
			return
		}
		log.Warn("delivery failed, attempts exhausted",
			logx.Int("attempt", attempt), logx.Int("max", maxAttempts), logx.Err(sendErr))
		s.publish(eventbus.EventJobFailed, j.ID, attempt, string(outcome), errString(sendErr))
		return
	}

	delay := backoffDelay(cfg.BackoffBase, cfg.BackoffCap, cfg.BackoffJitter, attempt, delivery.RetryAfterOf(sendErr))
	next := now.Add(delay)
	if err := s.st.MarkRetry(ctx, j.ID, token, attempt, next, errString(sendErr)); err != nil {
		s.logStale(log, "mark retry", err)
		return
	}
	if rearm != nil {
		rearm.Arm(j.ID, next)
	}
	log.Info("delivery failed, will retry",
		logx.Int("attempt", attempt), logx.Duration("in", delay), logx.Err(sendErr))
	s.publish(eventbus.EventJobRetry, j.ID, attempt, string(outcome), errString(sendErr))
}

func (s *Service) logStale(log logx.Logger, op string, err error) {
	if errors.Is(err, store.ErrStaleClaim) {
		// Lease expired mid-attempt or the job was cancelled. The current
		// owner (or nobody) decides what happens next; we must not.
		log.Debug(op + ": claim stale, dropping result")
		return
	}
	log.Error(op+" failed", logx.Err(err))
}

func (s *Service) publish(typ eventbus.Type, jobID string, attempt int, outcome, errStr string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: eventbus.JobEvent{
		JobID: jobID, Attempt: attempt, Outcome: outcome, Error: errStr,
	}})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
