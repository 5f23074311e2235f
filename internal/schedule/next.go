package schedule

import (
	"fmt"
	"time"
)

// CatchUpPolicy decides what happens to a recurring job whose fires were
// missed (process down, long retry backlog).
type CatchUpPolicy int

const (
	// CatchUpCoalesce collapses all missed fires into a single catch-up fire.
	// Bounds load after downtime; the default.
	CatchUpCoalesce CatchUpPolicy = iota

	// CatchUpReplay fires once per missed interval, bounded: if more than the
	// configured bound of fires were missed, the remainder coalesces.
	CatchUpReplay
)

// First computes the initial fire time for a freshly created job.
// It fails when the spec cannot produce a valid future fire.
func (s Spec) First(now time.Time) (time.Time, error) {
	now = now.UTC()
	switch s.Kind {
	case KindOnce:
		at := s.At.UTC()
		if !at.After(now) {
			return time.Time{}, fmt.Errorf("%w: %q is in the past", ErrInvalidSpec, s.raw)
		}
		return at, nil
	case KindInterval:
		return now.Add(s.Every), nil
	case KindCron:
		next := s.Cron.Next(now.In(s.loc)).UTC()
		if next.IsZero() {
			return time.Time{}, fmt.Errorf("%w: cron %q never fires", ErrInvalidSpec, s.raw)
		}
		return next, nil
	default:
		return time.Time{}, fmt.Errorf("%w: unknown kind", ErrInvalidSpec)
	}
}

// Next computes the fire after a successful run.
//
// scheduled is the intended time of the fire that just completed (not the
// completion time): intervals stay anchored to the original cadence and do
// not accumulate drift. The returned bool is false when the spec does not
// recur.
//
// A result in the past means missed work and is intentionally possible under
// CatchUpReplay; callers must treat it as due immediately, never skip it.
func (s Spec) Next(scheduled, now time.Time, policy CatchUpPolicy, replayBound int) (time.Time, bool) {
	scheduled = scheduled.UTC()
	now = now.UTC()
	if replayBound <= 0 {
		replayBound = 10
	}

	switch s.Kind {
	case KindOnce:
		return time.Time{}, false

	case KindInterval:
		next := scheduled.Add(s.Every)
		if next.After(now) {
			return next, true
		}
		// Fires were missed.
		if policy == CatchUpReplay {
			missed := now.Sub(next) / s.Every
			if int(missed) < replayBound {
				return next, true // due immediately; replays one at a time
			}
		}
		// Coalesce: skip to the first anchored boundary strictly after now.
		n := now.Sub(scheduled)/s.Every + 1
		return scheduled.Add(time.Duration(n) * s.Every), true

	case KindCron:
		if policy == CatchUpReplay {
			next := s.Cron.Next(scheduled.In(s.loc)).UTC()
			if next.IsZero() {
				return time.Time{}, false
			}
			if next.After(now) {
				return next, true
			}
			// Count missed fires up to the bound before giving up on replay.
			probe := next
			for i := 0; i < replayBound; i++ {
				probe = s.Cron.Next(probe.In(s.loc)).UTC()
				if probe.IsZero() || probe.After(now) {
					return next, true
				}
			}
		}
		next := s.Cron.Next(now.In(s.loc)).UTC()
		if next.IsZero() {
			return time.Time{}, false
		}
		return next, true

	default:
		return time.Time{}, false
	}
}
