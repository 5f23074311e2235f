package schedule

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidSpec is wrapped by all parse failures so callers can reject a
// malformed schedule at creation time without inspecting message text.
var ErrInvalidSpec = errors.New("invalid schedule")

// Kind describes the normalized kind of a schedule string.
type Kind int

const (
	KindOnce Kind = iota
	KindInterval
	KindCron
)

func (k Kind) String() string {
	switch k {
	case KindOnce:
		return "once"
	case KindInterval:
		return "interval"
	case KindCron:
		return "cron"
	default:
		return "unknown"
	}
}

// Spec is a parsed schedule.
//
// Supported forms:
//   - One-shot: "at:2026-09-01T09:00:00Z", or a bare RFC 3339 timestamp
//   - Interval: "every:10m", a bare Go duration ("55m", "2h30m"), or HH:MM ("02:30")
//   - Cron (crontab.guru-style): "cron:0 9 * * *", or any string with
//     whitespace or an "@" descriptor ("@hourly", "@every 55m")
//
// Cron expressions are evaluated in the location passed to Parse; one-shot
// timestamps keep their own offset and are compared in UTC.
type Spec struct {
	Kind  Kind
	At    time.Time     // KindOnce
	Every time.Duration // KindInterval
	Cron  cron.Schedule // KindCron

	raw string
	loc *time.Location
}

func (s Spec) String() string { return s.raw }

// Recurring reports whether the spec produces more than one fire.
func (s Spec) Recurring() bool { return s.Kind != KindOnce }

var (
	cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	reHHMM     = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)
)

// Parse parses a schedule string. loc is the zone cron expressions are
// evaluated in; nil means UTC.
func Parse(raw string, loc *time.Location) (Spec, error) {
	if loc == nil {
		loc = time.UTC
	}
	s := strings.TrimSpace(raw)
	if s == "" {
		return Spec{}, fmt.Errorf("%w: schedule required", ErrInvalidSpec)
	}

	// Prefixes (explicit)
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "at:"):
		v := strings.TrimSpace(s[len("at:"):])
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return Spec{}, fmt.Errorf("%w: invalid timestamp %q (use RFC 3339)", ErrInvalidSpec, v)
		}
		return Spec{Kind: KindOnce, At: t, raw: s, loc: loc}, nil

	case strings.HasPrefix(low, "every:"), strings.HasPrefix(low, "interval:"):
		v := strings.TrimSpace(s[strings.Index(s, ":")+1:])
		d, err := parseInterval(v)
		if err != nil {
			return Spec{}, err
		}
		return Spec{Kind: KindInterval, Every: d, raw: s, loc: loc}, nil

	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Spec{}, fmt.Errorf("%w: cron expression required after 'cron:'", ErrInvalidSpec)
		}
		return parseCron(s, expr, loc)
	}

	// Heuristics:
	// - bare RFC 3339 timestamp => one-shot
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return Spec{Kind: KindOnce, At: t, raw: s, loc: loc}, nil
	}

	// - any whitespace or leading '@' => cron
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return parseCron(s, s, loc)
	}

	// - HH:MM => interval duration
	if reHHMM.MatchString(s) {
		d, err := parseHHMMDuration(s)
		if err != nil {
			return Spec{}, err
		}
		return Spec{Kind: KindInterval, Every: d, raw: s, loc: loc}, nil
	}

	// - Go duration => interval duration
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return Spec{}, fmt.Errorf("%w: interval must be > 0", ErrInvalidSpec)
		}
		return Spec{Kind: KindInterval, Every: d, raw: s, loc: loc}, nil
	}

	return Spec{}, fmt.Errorf(
		"%w: %q (use RFC 3339, cron like '0 9 * * *', HH:MM like '02:30', or duration like '55m')",
		ErrInvalidSpec, raw,
	)
}

func parseCron(raw, expr string, loc *time.Location) (Spec, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return Spec{}, fmt.Errorf("%w: cron %q: %v", ErrInvalidSpec, expr, err)
	}
	return Spec{Kind: KindCron, Cron: sched, raw: raw, loc: loc}, nil
}

func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("%w: interval required", ErrInvalidSpec)
	}
	if reHHMM.MatchString(v) {
		return parseHHMMDuration(v)
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: interval %q (use HH:MM or Go duration like '55m'/'2h30m')", ErrInvalidSpec, v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: interval must be > 0", ErrInvalidSpec)
	}
	return d, nil
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("%w: invalid HH:MM %q", ErrInvalidSpec, v)
	}
	var hh int
	for i := 0; i < len(m[1]); i++ {
		hh = hh*10 + int(m[1][i]-'0')
	}
	mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
	if mm > 59 {
		return 0, fmt.Errorf("%w: invalid minutes in %q", ErrInvalidSpec, v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, fmt.Errorf("%w: interval must be > 0", ErrInvalidSpec)
	}
	return d, nil
}
