package schedule

import (
	"errors"
	"testing"
	"time"
)

func mustParse(t *testing.T, raw string) Spec {
	t.Helper()
	s, err := Parse(raw, time.UTC)
	if err != nil {
		t.Fatalf("Parse(%q): %v", raw, err)
	}
	return s
}

func TestFirstOnce(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	s := mustParse(t, "at:2026-08-01T13:00:00Z")
	got, err := s.First(now)
	if err != nil {
		t.Fatal(err)
	}
	if want := now.Add(time.Hour); !got.Equal(want) {
		t.Fatalf("First = %v, want %v", got, want)
	}

	// A one-shot in the past must be rejected at creation.
	past := mustParse(t, "at:2026-08-01T11:00:00Z")
	if _, err := past.First(now); !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("First for past timestamp = %v, want ErrInvalidSpec", err)
	}
}

func TestFirstInterval(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s := mustParse(t, "every:30m")
	got, err := s.First(now)
	if err != nil {
		t.Fatal(err)
	}
	if want := now.Add(30 * time.Minute); !got.Equal(want) {
		t.Fatalf("First = %v, want %v", got, want)
	}
}

func TestFirstCron(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 1, 12, 30, 0, 0, time.UTC)
	s := mustParse(t, "cron:0 9 * * *")
	got, err := s.First(now)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2026, 8, 2, 9, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("First = %v, want %v", got, want)
	}
}

func TestNextOnceDoesNotRecur(t *testing.T) {
	t.Parallel()
	s := mustParse(t, "at:2030-01-01T00:00:00Z")
	if _, ok := s.Next(time.Now(), time.Now(), CatchUpCoalesce, 0); ok {
		t.Fatal("one-shot spec produced a next fire")
	}
}

func TestNextIntervalAnchored(t *testing.T) {
	t.Parallel()
	s := mustParse(t, "every:10m")
	scheduled := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	// Completion ran late; next fire stays anchored to the cadence.
	now := scheduled.Add(3 * time.Second)
	got, ok := s.Next(scheduled, now, CatchUpCoalesce, 0)
	if !ok {
		t.Fatal("interval spec did not recur")
	}
	if want := scheduled.Add(10 * time.Minute); !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
}

func TestNextIntervalCoalesce(t *testing.T) {
	t.Parallel()
	s := mustParse(t, "every:1m")
	scheduled := time.Date(2026, 8, 1, 12, 1, 0, 0, time.UTC)
	// Nine fires missed while the process was down.
	now := scheduled.Add(9 * time.Minute)
	got, ok := s.Next(scheduled, now, CatchUpCoalesce, 0)
	if !ok {
		t.Fatal("interval spec did not recur")
	}
	if !got.After(now) {
		t.Fatalf("coalesced Next = %v, not after now %v", got, now)
	}
	if want := scheduled.Add(10 * time.Minute); !got.Equal(want) {
		t.Fatalf("Next = %v, want next anchored boundary %v", got, want)
	}
}

func TestNextIntervalReplay(t *testing.T) {
	t.Parallel()
	s := mustParse(t, "every:1m")
	scheduled := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	now := scheduled.Add(5 * time.Minute)

	// Within the bound: replay returns the past-due fire, one at a time.
	got, ok := s.Next(scheduled, now, CatchUpReplay, 10)
	if !ok {
		t.Fatal("interval spec did not recur")
	}
	if want := scheduled.Add(time.Minute); !got.Equal(want) {
		t.Fatalf("replay Next = %v, want past-due %v", got, want)
	}

	// Beyond the bound: remainder coalesces past now.
	farNow := scheduled.Add(100 * time.Minute)
	got, ok = s.Next(scheduled, farNow, CatchUpReplay, 10)
	if !ok {
		t.Fatal("interval spec did not recur")
	}
	if !got.After(farNow) {
		t.Fatalf("bounded replay Next = %v, not after now %v", got, farNow)
	}
}

func TestNextCron(t *testing.T) {
	t.Parallel()
	s := mustParse(t, "cron:0 * * * *")
	scheduled := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	// Normal case: evaluated from now.
	now := scheduled.Add(10 * time.Second)
	got, ok := s.Next(scheduled, now, CatchUpCoalesce, 0)
	if !ok {
		t.Fatal("cron spec did not recur")
	}
	if want := time.Date(2026, 8, 1, 13, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}

	// Replay within bound returns the oldest missed fire.
	lateNow := scheduled.Add(3 * time.Hour)
	got, ok = s.Next(scheduled, lateNow, CatchUpReplay, 10)
	if !ok {
		t.Fatal("cron spec did not recur")
	}
	if want := time.Date(2026, 8, 1, 13, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("replay Next = %v, want oldest missed %v", got, want)
	}

	// Replay beyond bound coalesces to the next fire after now.
	veryLate := scheduled.Add(48 * time.Hour).Add(30 * time.Minute)
	got, ok = s.Next(scheduled, veryLate, CatchUpReplay, 10)
	if !ok {
		t.Fatal("cron spec did not recur")
	}
	if !got.After(veryLate) {
		t.Fatalf("bounded replay Next = %v, not after now %v", got, veryLate)
	}
}

func TestNextCronTimezone(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("Asia/Jakarta")
	if err != nil {
		t.Skip("tzdata unavailable:", err)
	}
	s, err := Parse("cron:0 9 * * *", loc)
	if err != nil {
		t.Fatal(err)
	}
	// 01:00 UTC = 08:00 WIB, so the next 09:00 WIB fire is 02:00 UTC.
	now := time.Date(2026, 8, 1, 1, 0, 0, 0, time.UTC)
	got, err := s.First(now)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2026, 8, 1, 2, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("First = %v, want %v", got, want)
	}
}
