package scheduler

import (
	"container/heap"
	"time"
)

// triggerEntry is one armed fire: the in-memory, derived view of a pending
// job. The store stays authoritative; entries are rebuilt from it at startup.
type triggerEntry struct {
	jobID string
	at    time.Time
	index int
}

// triggerHeap is a min-heap ordered by fire time, with O(log n) re-arm and
// disarm by job id.
type triggerHeap struct {
	entries []*triggerEntry
	byID    map[string]*triggerEntry
}

func newTriggerHeap() *triggerHeap {
	return &triggerHeap{byID: map[string]*triggerEntry{}}
}

func (h *triggerHeap) Len() int { return len(h.entries) }

func (h *triggerHeap) Less(i, j int) bool { return h.entries[i].at.Before(h.entries[j].at) }

func (h *triggerHeap) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
	h.entries[i].index = i
	h.entries[j].index = j
}

func (h *triggerHeap) Push(x any) {
	e := x.(*triggerEntry)
	e.index = len(h.entries)
	h.entries = append(h.entries, e)
	h.byID[e.jobID] = e
}

func (h *triggerHeap) Pop() any {
	old := h.entries
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	h.entries = old[:n-1]
	delete(h.byID, e.jobID)
	return e
}

// arm inserts or moves a job's fire time.
func (h *triggerHeap) arm(jobID string, at time.Time) {
	if e, ok := h.byID[jobID]; ok {
		e.at = at
		heap.Fix(h, e.index)
		return
	}
	heap.Push(h, &triggerEntry{jobID: jobID, at: at})
}

// disarm removes a job if armed.
func (h *triggerHeap) disarm(jobID string) {
	e, ok := h.byID[jobID]
	if !ok {
		return
	}
	heap.Remove(h, e.index)
}

// peek returns the next fire time, or zero when empty.
func (h *triggerHeap) peek() (time.Time, bool) {
	if len(h.entries) == 0 {
		return time.Time{}, false
	}
	return h.entries[0].at, true
}

// popDue removes and returns all entries with at <= now.
func (h *triggerHeap) popDue(now time.Time) []string {
	var due []string
	for len(h.entries) > 0 && !h.entries[0].at.After(now) {
		e := heap.Pop(h).(*triggerEntry)
		due = append(due, e.jobID)
	}
	return due
}

// reset drops all entries.
func (h *triggerHeap) reset() {
	h.entries = nil
	h.byID = map[string]*triggerEntry{}
}
