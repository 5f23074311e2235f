package bot

import (
	"strings"
	"testing"
	"time"

	"remindbot/internal/store"
)

func TestFormatExecLine(t *testing.T) {
	t.Parallel()

	started := time.Date(2026, 8, 30, 9, 15, 0, 0, time.UTC)
	outcome := store.OutcomeTransient
	detail := "telegram: Too Many Requests (429)"

	tests := []struct {
		name string
		exec store.Execution
		want []string
	}{
		{
			name: "finished with error detail",
			exec: store.Execution{Attempt: 2, StartedAt: started, Outcome: &outcome, ErrorDetail: &detail},
			want: []string{"#2", "08-30 09:15:00", string(store.OutcomeTransient), "Too Many Requests"},
		},
		{
			name: "still in flight",
			exec: store.Execution{Attempt: 1, StartedAt: started},
			want: []string{"#1", "in flight"},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := formatExecLine(tt.exec, time.UTC)
			for _, part := range tt.want {
				if !strings.Contains(got, part) {
					t.Fatalf("line %q missing %q", got, part)
				}
			}
			if strings.Contains(got, "0x") {
				t.Fatalf("line %q leaks a pointer address", got)
			}
		})
	}
}

func TestSplitSpec(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		spec string
		text string
		ok   bool
	}{
		{"in 10m | water the plants", "in 10m", "water the plants", true},
		{"cron: 0 9 * * * | standup", "cron: 0 9 * * *", "standup", true},
		{"no pipe here", "", "", false},
		{" | text only", "", "", false},
		{"spec only | ", "", "", false},
	}

	for _, tt := range tests {
		spec, text, ok := splitSpec(tt.in)
		if ok != tt.ok {
			t.Fatalf("splitSpec(%q) ok = %v, want %v", tt.in, ok, tt.ok)
		}
		if !ok {
			continue
		}
		if spec != tt.spec || text != tt.text {
			t.Fatalf("splitSpec(%q) = (%q, %q), want (%q, %q)", tt.in, spec, text, tt.spec, tt.text)
		}
	}
}
