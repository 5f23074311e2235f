package scheduler

import (
	"testing"
	"time"
)

func TestHeapOrdering(t *testing.T) {
	t.Parallel()
	h := newTriggerHeap()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	h.arm("c", base.Add(3*time.Minute))
	h.arm("a", base.Add(1*time.Minute))
	h.arm("b", base.Add(2*time.Minute))

	at, ok := h.peek()
	if !ok || !at.Equal(base.Add(time.Minute)) {
		t.Fatalf("peek = %v %v, want earliest", at, ok)
	}

	due := h.popDue(base.Add(2 * time.Minute))
	if len(due) != 2 || due[0] != "a" || due[1] != "b" {
		t.Fatalf("popDue = %v, want [a b]", due)
	}
	if h.Len() != 1 {
		t.Fatalf("len = %d, want 1", h.Len())
	}
}

func TestHeapRearmMovesEntry(t *testing.T) {
	t.Parallel()
	h := newTriggerHeap()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	h.arm("a", base.Add(time.Minute))
	h.arm("b", base.Add(2*time.Minute))

	// Re-arming an existing job moves it instead of duplicating it.
	h.arm("a", base.Add(3*time.Minute))
	if h.Len() != 2 {
		t.Fatalf("len = %d after re-arm, want 2", h.Len())
	}
	at, _ := h.peek()
	if !at.Equal(base.Add(2 * time.Minute)) {
		t.Fatalf("peek = %v, want b's time", at)
	}

	due := h.popDue(base.Add(time.Hour))
	if len(due) != 2 || due[0] != "b" || due[1] != "a" {
		t.Fatalf("popDue = %v, want [b a]", due)
	}
}

func TestHeapDisarm(t *testing.T) {
	t.Parallel()
	h := newTriggerHeap()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	h.arm("a", base.Add(time.Minute))
	h.arm("b", base.Add(2*time.Minute))

	h.disarm("a")
	h.disarm("unknown") // no-op

	at, ok := h.peek()
	if !ok || !at.Equal(base.Add(2*time.Minute)) {
		t.Fatalf("peek after disarm = %v %v", at, ok)
	}
	if due := h.popDue(base.Add(time.Hour)); len(due) != 1 || due[0] != "b" {
		t.Fatalf("popDue = %v, want [b]", due)
	}
}

func TestHeapPopDueEmpty(t *testing.T) {
	t.Parallel()
	h := newTriggerHeap()
	if due := h.popDue(time.Now()); due != nil {
		t.Fatalf("popDue on empty heap = %v", due)
	}
	if _, ok := h.peek(); ok {
		t.Fatal("peek on empty heap reported an entry")
	}
}
