package events

import "testing"

func TestSubscribeReceives(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish(Event{Kind: SessionsChanged, SessionID: "s1"})
	ev := <-ch
	if ev.Kind != SessionsChanged || ev.SessionID != "s1" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after unsubscribe")
	}
	// Publishing after unsubscribe must not panic.
	h.Publish(Event{Kind: SyncStarted})
}

func TestPublishNeverBlocks(t *testing.T) {
	h := NewHub()
	_, cancel := h.Subscribe()
	defer cancel()

	// Nobody draining: fill well past the buffer.
	for i := 0; i < 1000; i++ {
		h.Publish(Event{Kind: RecordingTick, Seconds: float64(i)})
	}
}

func TestMultipleSubscribers(t *testing.T) {
	h := NewHub()
	a, cancelA := h.Subscribe()
	b, cancelB := h.Subscribe()
	defer cancelA()
	defer cancelB()

	h.Publish(Event{Kind: OutboxChanged, Pending: 3})
	if ev := <-a; ev.Pending != 3 {
		t.Fatalf("subscriber a: got %d", ev.Pending)
	}
	if ev := <-b; ev.Pending != 3 {
		t.Fatalf("subscriber b: got %d", ev.Pending)
	}
}
