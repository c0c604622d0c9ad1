package backoff

import (
	"testing"
	"time"
)

func TestDelayDoubles(t *testing.T) {
	p := Policy{Base: 2 * time.Second, Cap: 5 * time.Minute}
	want := []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
	}
	for i, w := range want {
		if got := p.Delay(i); got != w {
			t.Fatalf("attempt %d: got %v want %v", i, got, w)
		}
	}
}

func TestDelayCapped(t *testing.T) {
	p := Policy{Base: 2 * time.Second, Cap: 5 * time.Minute}
	if got := p.Delay(20); got != 5*time.Minute {
		t.Fatalf("got %v, want cap", got)
	}
	// Monotonically non-decreasing
	prev := time.Duration(0)
	for i := 0; i < 30; i++ {
		d := p.Delay(i)
		if d < prev {
			t.Fatalf("delay decreased at attempt %d: %v < %v", i, d, prev)
		}
		prev = d
	}
}
