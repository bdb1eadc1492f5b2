package eventbus

import (
	"testing"
)

func TestPublishFiltersByType(t *testing.T) {
	t.Parallel()
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	triggers, unsubTrig := b.Subscribe(4, TypeTrigger)
	defer unsubTrig()

	b.Publish(Event{Type: TypeTrigger})
	b.Publish(Event{Type: TypeRunFinished})

	if got := len(all); got != 2 {
		t.Fatalf("all subscriber got %d events, want 2", got)
	}
	if got := len(triggers); got != 1 {
		t.Fatalf("trigger subscriber got %d events, want 1", got)
	}
	e := <-triggers
	if e.Time.IsZero() {
		t.Fatal("Publish should stamp the event time")
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()
	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	if got := b.Dropped(); got != 1 {
		t.Fatalf("Dropped = %d, want 1", got)
	}
}

func TestUnsubscribeClosesOnce(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	b.Publish(Event{Type: "after"})
}
