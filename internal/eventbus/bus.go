package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Type names a job lifecycle transition.
type Type string

// Events published by the dispatcher as attempts move through their
// lifecycle. job.failed is the one the app layer watches (admin alerts).
const (
	EventJobClaimed   Type = "job.claimed"
	EventJobSucceeded Type = "job.succeeded"
	EventJobRetry     Type = "job.retry"
	EventJobFailed    Type = "job.failed"
	EventJobCancelled Type = "job.cancelled"
)

// Event carries one lifecycle transition. Publishing never blocks, so a
// slow subscriber loses events; anything that must not be lost belongs in
// the store, not on the bus.
type Event struct {
	Type Type
	Time time.Time
	Data any
}

// JobEvent is the Data payload for job lifecycle events.
type JobEvent struct {
	JobID   string `json:"job_id"`
	Attempt int    `json:"attempt,omitempty"`
	Outcome string `json:"outcome,omitempty"`
	Error   string `json:"error,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns the in-memory bus. It runs no goroutines of its own;
// delivery happens inline on the publisher's goroutine.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		offer(ch, e)
	}
}

// offer hands e to one subscriber without blocking. A concurrent
// unsubscribe may close the channel mid-send; the recover absorbs that
// race instead of taking the dispatcher down.
func offer(ch chan Event, e Event) {
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default: // subscriber buffer full, drop
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
