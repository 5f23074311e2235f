package eventbus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4)
	defer unsub()

	b.Publish(Event{Type: EventJobSucceeded, Data: JobEvent{JobID: "j1", Attempt: 1}})

	select {
	case e := <-ch:
		if e.Type != EventJobSucceeded {
			t.Fatalf("type = %s", e.Type)
		}
		if e.Time.IsZero() {
			t.Fatal("publish did not stamp time")
		}
		je, ok := e.Data.(JobEvent)
		if !ok || je.JobID != "j1" {
			t.Fatalf("data = %#v", e.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Far more events than the buffer holds; extras must drop.
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: EventJobRetry})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4)
	unsub()

	b.Publish(Event{Type: EventJobFailed})

	// The channel is closed on unsubscribe; no event should arrive.
	if e, ok := <-ch; ok {
		t.Fatalf("received %v after unsubscribe", e)
	}
}
