package uploader

import (
	"testing"

	"minute/remote"
)

func TestStreamsQueuedChunks(t *testing.T) {
	fake := remote.NewFake()
	u := New(fake, true)

	u.Enqueue("s1", "microphone", 0, []byte{1}, false)
	u.Enqueue("s1", "system", 0, []byte{2}, true)
	u.Enqueue("s1", "microphone", 1, []byte{3}, false)
	u.Close()

	calls := fake.CallLog()
	if len(calls) != 3 {
		t.Fatalf("calls = %v", calls)
	}
	want := []string{"chunk:s1/microphone/0", "chunk:s1/system/0", "chunk:s1/microphone/1"}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("call %d = %q, want %q", i, calls[i], want[i])
		}
	}
}

func TestFailureRetriesOnceThenMovesOn(t *testing.T) {
	fake := remote.NewFake()
	fake.FailNext = 2 // first attempt and its immediate retry

	u := New(fake, true)
	u.Enqueue("s1", "microphone", 0, []byte{1}, false)
	u.Enqueue("s1", "microphone", 1, []byte{2}, false)
	u.Close()

	calls := fake.CallLog()
	// Chunk 0 twice (fail, retry-fail), then chunk 1 once.
	if len(calls) != 3 {
		t.Fatalf("calls = %v", calls)
	}
	if calls[0] != "chunk:s1/microphone/0" || calls[1] != "chunk:s1/microphone/0" || calls[2] != "chunk:s1/microphone/1" {
		t.Fatalf("calls = %v", calls)
	}
}

func TestDisabledUploaderIsInert(t *testing.T) {
	fake := remote.NewFake()
	u := New(fake, false)
	u.Enqueue("s1", "microphone", 0, []byte{1}, false)
	u.Close()
	if calls := fake.CallLog(); len(calls) != 0 {
		t.Fatalf("disabled uploader made calls: %v", calls)
	}
}

func TestEnqueueAfterCloseIsSafe(t *testing.T) {
	fake := remote.NewFake()
	u := New(fake, true)
	u.Close()
	u.Enqueue("s1", "microphone", 0, []byte{1}, false)
	u.Close()
	if calls := fake.CallLog(); len(calls) != 0 {
		t.Fatalf("calls after close: %v", calls)
	}
}
