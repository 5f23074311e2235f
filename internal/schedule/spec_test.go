package schedule

import (
	"errors"
	"testing"
	"time"
)

func TestParseVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		raw   string
		kind  Kind
		every time.Duration
	}{
		{name: "prefixed at", raw: "at:2030-09-01T09:00:00Z", kind: KindOnce},
		{name: "bare rfc3339", raw: "2030-09-01T09:00:00+07:00", kind: KindOnce},
		{name: "prefixed every", raw: "every:10m", kind: KindInterval, every: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: KindInterval, every: 45 * time.Second},
		{name: "bare duration", raw: "2h30m", kind: KindInterval, every: 2*time.Hour + 30*time.Minute},
		{name: "hhmm", raw: "01:30", kind: KindInterval, every: 90 * time.Minute},
		{name: "hhmm in every", raw: "every:02:30", kind: KindInterval, every: 2*time.Hour + 30*time.Minute},
		{name: "prefixed cron", raw: "cron:0 9 * * MON-FRI", kind: KindCron},
		{name: "bare cron", raw: "*/5 * * * *", kind: KindCron},
		{name: "descriptor", raw: "@hourly", kind: KindCron},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.raw, time.UTC)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if tt.kind == KindInterval && got.Every != tt.every {
				t.Fatalf("Every = %v, want %v", got.Every, tt.every)
			}
			if got.String() != tt.raw {
				t.Fatalf("String() = %q, want original %q", got.String(), tt.raw)
			}
		})
	}
}

func TestParseInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{
		"",
		"not-a-schedule",
		"at:tomorrow",
		"every:",
		"every:-5m",
		"every:0s",
		"cron:",
		"cron:61 * * * *",
		"01:75",
	} {
		if _, err := Parse(raw, time.UTC); !errors.Is(err, ErrInvalidSpec) {
			t.Fatalf("Parse(%q) = %v, want ErrInvalidSpec", raw, err)
		}
	}
}

func TestRecurring(t *testing.T) {
	t.Parallel()
	once, err := Parse("at:2030-01-01T00:00:00Z", time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	if once.Recurring() {
		t.Fatal("one-shot spec reported as recurring")
	}
	iv, err := Parse("every:1m", time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	if !iv.Recurring() {
		t.Fatal("interval spec reported as non-recurring")
	}
}
