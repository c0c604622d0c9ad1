// Package events is the subscription hub the UI observes. The core never
// talks to a renderer directly; it publishes events here and whoever is
// subscribed (Bubble Tea program, tests) picks them up.
package events

import "sync"

type Kind int

const (
	SessionsChanged Kind = iota
	RecordingStarted
	RecordingStopped
	RecordingTick
	CaptureWarning
	SyncStarted
	SyncFinished
	OutboxChanged
	OutboxExhausted
)

type Event struct {
	Kind      Kind
	SessionID string
	Detail    string  // human-readable context (warning text, sync error, ...)
	Seconds   float64 // RecordingTick duration
	Pending   int     // OutboxChanged pending count
}

// Hub fans events out to subscribers. Publish never blocks: a subscriber
// that falls behind loses events rather than stalling the capture path.
type Hub struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

// Subscribe returns a receive channel and an unsubscribe func. The channel
// is buffered; it is closed by the unsubscribe func, not by the hub.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	ch := make(chan Event, 64)
	h.subs[id] = ch
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
}

func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
