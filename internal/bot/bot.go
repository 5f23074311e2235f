package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"remindbot/internal/schedule"
	"remindbot/internal/scheduler"
	"remindbot/internal/store"
	logx "remindbot/pkg/logx"
)

// Config is the Telegram-facing configuration.
type Config struct {
	Token       string
	AdminChatID int64
	PollTimeout time.Duration
}

// Service owns the long-poll loop and the command handlers. The underlying
// *tele.Bot is shared with the delivery sender so the process holds a
// single API session.
type Service struct {
	cfg    Config
	log    logx.Logger
	bot    *tele.Bot
	engine *scheduler.Service

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg Config, engine *scheduler.Service, log logx.Logger) (*Service, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log, bot: b, engine: engine}, nil
}

// Bot exposes the shared telebot instance for the delivery sender.
func (s *Service) Bot() *tele.Bot { return s.bot }

// NotifyAdmin sends an out-of-band message to the configured admin chat.
// No-op when no admin chat is configured.
func (s *Service) NotifyAdmin(text string) {
	if s.cfg.AdminChatID == 0 {
		return
	}
	if _, err := s.bot.Send(&tele.Chat{ID: s.cfg.AdminChatID}, text); err != nil {
		s.log.Warn("admin notify failed", logx.Err(err))
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.runMu.Lock()
	if s.running {
		s.runMu.Unlock()
		return nil
	}
	s.running = true
	rctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.runMu.Unlock()

	s.registerHandlers()

	if err := s.bot.SetCommands(commandList); err != nil {
		s.log.Warn("setting command menu failed", logx.Err(err))
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		go func() {
			<-rctx.Done()
			s.bot.Stop()
		}()
		s.log.Info("polling started")
		s.bot.Start() // blocks until Stop
	}()
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.runMu.Lock()
	cancel := s.cancel
	s.cancel = nil
	wasRunning := s.running
	s.running = false
	s.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	// Keep shutdown snappy even if getUpdates long-poll is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	t := time.NewTimer(grace)
	defer t.Stop()

	select {
	case <-done:
		s.log.Info("polling stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		s.log.Warn("poll stop grace elapsed; continuing shutdown")
		return nil
	}
}

var commandList = []tele.Command{
	{Text: "remind", Description: "Schedule a reminder: /remind <when> | <text>"},
	{Text: "every", Description: "Recurring reminder: /every <interval> | <text>"},
	{Text: "cron", Description: "Cron reminder: /cron <expr> | <text>"},
	{Text: "jobs", Description: "List your pending reminders"},
	{Text: "cancel", Description: "Cancel a reminder: /cancel <id>"},
	{Text: "history", Description: "Delivery attempts: /history <id>"},
}

func (s *Service) registerHandlers() {
	s.bot.Handle("/start", func(c tele.Context) error {
		return c.Send(helpText)
	})
	s.bot.Handle("/help", func(c tele.Context) error {
		return c.Send(helpText)
	})
	s.bot.Handle("/remind", s.handleRemind)
	s.bot.Handle("/every", s.handleEvery)
	s.bot.Handle("/cron", s.handleCron)
	s.bot.Handle("/jobs", s.handleJobs)
	s.bot.Handle("/cancel", s.handleCancel)
	s.bot.Handle("/history", s.handleHistory)
}

const helpText = `Reminder bot.

/remind <when> | <text>   one-shot: "in 10m", "at 2026-09-01T09:00:00Z"
/every <interval> | <text>  recurring: "1h30m", "09:30"
/cron <expr> | <text>     cron: "0 9 * * MON-FRI", "@daily"
/jobs                     list pending reminders
/cancel <id>              cancel a reminder
/history <id>             delivery attempts for a reminder`

// splitSpec splits "<when> | <text>" on the first pipe.
func splitSpec(payload string) (spec, text string, ok bool) {
	i := strings.Index(payload, "|")
	if i < 0 {
		return "", "", false
	}
	spec = strings.TrimSpace(payload[:i])
	text = strings.TrimSpace(payload[i+1:])
	return spec, text, spec != "" && text != ""
}

func (s *Service) createJob(c tele.Context, rawSpec, text string) error {
	job, err := s.engine.Create(context.Background(), rawSpec, store.Payload{
		Kind:   store.PayloadMessage,
		ChatID: c.Chat().ID,
		Text:   text,
	}, 0)
	if err != nil {
		if errors.Is(err, schedule.ErrInvalidSpec) {
			return c.Send("I can't parse that schedule: " + err.Error())
		}
		s.log.Error("create job failed", logx.Err(err))
		return c.Send("Could not save the reminder, try again later.")
	}
	when := "unknown"
	if job.NextFireAt != nil {
		when = job.NextFireAt.In(s.engine.Location()).Format(time.RFC3339)
	}
	return c.Send(fmt.Sprintf("Scheduled %s\nfirst fire: %s\nid: %s", job.Spec, when, shortID(job.ID)))
}

func (s *Service) handleRemind(c tele.Context) error {
	raw, text, ok := splitSpec(c.Message().Payload)
	if !ok {
		return c.Send("Usage: /remind <when> | <text>")
	}
	// "in 10m" shorthand for a one-shot relative reminder.
	if rest, found := strings.CutPrefix(raw, "in "); found {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil || d <= 0 {
			return c.Send("I can't parse that duration, try e.g. \"in 45m\".")
		}
		raw = "at:" + time.Now().Add(d).UTC().Format(time.RFC3339)
	}
	return s.createJob(c, raw, text)
}

func (s *Service) handleEvery(c tele.Context) error {
	raw, text, ok := splitSpec(c.Message().Payload)
	if !ok {
		return c.Send("Usage: /every <interval> | <text>")
	}
	return s.createJob(c, "every:"+raw, text)
}

func (s *Service) handleCron(c tele.Context) error {
	raw, text, ok := splitSpec(c.Message().Payload)
	if !ok {
		return c.Send("Usage: /cron <expr> | <text>")
	}
	return s.createJob(c, "cron:"+raw, text)
}

func (s *Service) handleJobs(c tele.Context) error {
	jobs, err := s.engine.ListPending(context.Background())
	if err != nil {
		s.log.Error("list jobs failed", logx.Err(err))
		return c.Send("Could not load reminders.")
	}
	chatID := c.Chat().ID
	var b strings.Builder
	n := 0
	for _, j := range jobs {
		if j.Payload.ChatID != chatID {
			continue
		}
		n++
		when := "-"
		if j.NextFireAt != nil {
			when = j.NextFireAt.In(s.engine.Location()).Format("2006-01-02 15:04")
		}
		fmt.Fprintf(&b, "%s  %s  %s\n  %s\n", shortID(j.ID), j.Spec, when, truncate(j.Payload.Text, 60))
		if n >= 25 {
			b.WriteString("…\n")
			break
		}
	}
	if n == 0 {
		return c.Send("No pending reminders.")
	}
	return c.Send(b.String())
}

func (s *Service) handleCancel(c tele.Context) error {
	id := strings.TrimSpace(c.Message().Payload)
	if id == "" {
		return c.Send("Usage: /cancel <id>")
	}
	job, err := s.resolveJob(c, id)
	if err != nil {
		return s.replyLookupErr(c, err)
	}
	if _, err := s.engine.Cancel(context.Background(), job.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.Send("Already finished.")
		}
		s.log.Error("cancel failed", logx.String("job", job.ID), logx.Err(err))
		return c.Send("Could not cancel, try again later.")
	}
	return c.Send("Cancelled " + shortID(job.ID))
}

func (s *Service) handleHistory(c tele.Context) error {
	id := strings.TrimSpace(c.Message().Payload)
	if id == "" {
		return c.Send("Usage: /history <id>")
	}
	job, err := s.resolveJob(c, id)
	if err != nil {
		return s.replyLookupErr(c, err)
	}
	execs, err := s.engine.History(context.Background(), job.ID, 10)
	if err != nil {
		s.log.Error("history failed", logx.String("job", job.ID), logx.Err(err))
		return c.Send("Could not load history.")
	}
	if len(execs) == 0 {
		return c.Send("No delivery attempts yet.")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s, attempts %d/%d)\n", shortID(job.ID), job.State, job.AttemptCount, job.MaxAttempts)
	for _, e := range execs {
		b.WriteString(formatExecLine(e, s.engine.Location()) + "\n")
	}
	return c.Send(b.String())
}

// formatExecLine renders one attempt for /history. Outcome is nil while the
// attempt is still in flight.
func formatExecLine(e store.Execution, loc *time.Location) string {
	outcome := "in flight"
	if e.Outcome != nil {
		outcome = string(*e.Outcome)
	}
	line := fmt.Sprintf("#%d  %s  %s", e.Attempt, e.StartedAt.In(loc).Format("01-02 15:04:05"), outcome)
	if e.ErrorDetail != nil && *e.ErrorDetail != "" {
		line += "  " + truncate(*e.ErrorDetail, 80)
	}
	return line
}

// resolveJob finds a job by full or shortened id, restricted to the
// requesting chat (the admin chat may touch any job).
func (s *Service) resolveJob(c tele.Context, id string) (store.Job, error) {
	chatID := c.Chat().ID
	admin := s.cfg.AdminChatID != 0 && chatID == s.cfg.AdminChatID

	job, err := s.engine.Get(context.Background(), id)
	if err == nil {
		if !admin && job.Payload.ChatID != chatID {
			return store.Job{}, store.ErrNotFound
		}
		return job, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.Job{}, err
	}

	// Prefix match over this chat's pending jobs.
	jobs, lerr := s.engine.ListPending(context.Background())
	if lerr != nil {
		return store.Job{}, lerr
	}
	var found *store.Job
	for i := range jobs {
		j := &jobs[i]
		if !admin && j.Payload.ChatID != chatID {
			continue
		}
		if strings.HasPrefix(j.ID, id) {
			if found != nil {
				return store.Job{}, errAmbiguousID
			}
			found = j
		}
	}
	if found == nil {
		return store.Job{}, store.ErrNotFound
	}
	return *found, nil
}

var errAmbiguousID = errors.New("ambiguous id prefix")

func (s *Service) replyLookupErr(c tele.Context, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return c.Send("No such reminder.")
	case errors.Is(err, errAmbiguousID):
		return c.Send("That id prefix matches several reminders, use a longer one.")
	default:
		s.log.Error("job lookup failed", logx.Err(err))
		return c.Send("Lookup failed, try again later.")
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 1 {
		return "…"
	}
	return s[:n-1] + "…"
}
