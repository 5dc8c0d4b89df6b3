package jitter

import "testing"

func TestNewClampDepth(t *testing.T) {
	b := New(0)
	if b.targetDepth != 1 {
		t.Errorf("depth 0 should clamp to 1, got %d", b.targetDepth)
	}
	b = New(100)
	if b.targetDepth != DefaultMaxDepth {
		t.Errorf("depth 100 should clamp to %d, got %d", DefaultMaxDepth, b.targetDepth)
	}
}

func TestInOrder(t *testing.T) {
	b := New(1)
	b.Insert(100, 0, []byte{0xAA}, 0)
	b.Insert(101, 960, []byte{0xBB}, 10)

	payload, ok := b.Pull()
	if !ok || string(payload) != string([]byte{0xAA}) {
		t.Fatalf("pull 1: got (%v, %v), want (0xAA, true)", payload, ok)
	}
	payload, ok = b.Pull()
	if !ok || string(payload) != string([]byte{0xBB}) {
		t.Fatalf("pull 2: got (%v, %v), want (0xBB, true)", payload, ok)
	}
}

// TestReorderingScenarioS2 inserts sequences [3,1,2,5] out of order
// into an empty buffer, starting playout at sequence 1, then tick four
// times. Expected pulls in order: 1, 2, 3, then a miss before 5.
func TestReorderingScenarioS2(t *testing.T) {
	b := New(1)
	b.Insert(3, 0, []byte{3}, 0)
	b.Insert(1, 0, []byte{1}, 0)
	b.Insert(2, 0, []byte{2}, 0)
	b.Insert(5, 0, []byte{5}, 0)

	want := []struct {
		payload byte
		ok      bool
	}{
		{1, true},
		{2, true},
		{3, true},
		{0, false}, // underrun at 4 — PLC hand-off
	}
	for i, w := range want {
		got, ok := b.Pull()
		if ok != w.ok {
			t.Fatalf("pull %d: ok=%v want %v", i, ok, w.ok)
		}
		if ok && got[0] != w.payload {
			t.Fatalf("pull %d: payload=%v want %v", i, got[0], w.payload)
		}
	}
}

func TestDropsFramesOlderThanReorderWindow(t *testing.T) {
	b := New(1)
	b.Insert(100, 0, []byte{100}, 0)
	// 100 - reorderWindow - 1 is outside the window and must be dropped.
	stale := uint16(100 - DefaultReorderWindow - 1)
	b.Insert(stale, 0, []byte{0xFF}, 0)

	b.expectedSeq = stale // force Pull to look at the stale slot directly
	_, ok := b.Pull()
	if ok {
		t.Fatalf("expected stale insert to have been dropped silently")
	}
}

func TestMaxDepthDropsOldest(t *testing.T) {
	b := New(1)
	b.maxDepth = 2
	b.Insert(1, 0, []byte{1}, 0)
	b.Insert(2, 0, []byte{2}, 0)
	b.Insert(3, 0, []byte{3}, 0) // should evict seq 1 (closest to expectedSeq)

	if b.BufferedCount() != 2 {
		t.Fatalf("buffered count = %d, want 2", b.BufferedCount())
	}
	_, ok := b.Pull() // expectedSeq=1, was evicted
	if ok {
		t.Fatalf("expected seq 1 to have been evicted")
	}
	payload, ok := b.Pull() // expectedSeq=2
	if !ok || payload[0] != 2 {
		t.Fatalf("pull seq 2: got (%v, %v)", payload, ok)
	}
}

func TestDuplicateSequenceReplacesIdempotently(t *testing.T) {
	b := New(1)
	b.Insert(5, 0, []byte{0x01}, 0)
	b.Insert(5, 0, []byte{0x02}, 0)

	if b.BufferedCount() != 1 {
		t.Fatalf("buffered count = %d, want 1 (duplicate must replace, not add)", b.BufferedCount())
	}
	b.expectedSeq = 5
	payload, ok := b.Pull()
	if !ok || payload[0] != 0x02 {
		t.Fatalf("pull: got (%v, %v), want (0x02, true)", payload, ok)
	}
}

func TestPullAdvancesExpectedOnUnderrun(t *testing.T) {
	b := New(1)
	b.Insert(10, 0, []byte{10}, 0) // primes haveExpected at 10
	_, ok := b.Pull()
	if !ok {
		t.Fatalf("expected first pull to return seq 10")
	}
	for i := 0; i < 3; i++ {
		if _, ok := b.Pull(); ok {
			t.Fatalf("expected underrun at iteration %d", i)
		}
	}
	b.Insert(14, 0, []byte{14}, 0)
	payload, ok := b.Pull()
	if !ok || payload[0] != 14 {
		t.Fatalf("pull seq 14: got (%v, %v)", payload, ok)
	}
}

func TestReset(t *testing.T) {
	b := New(1)
	b.Insert(1, 0, []byte{1}, 0)
	b.Reset()
	if b.BufferedCount() != 0 {
		t.Fatalf("expected buffer empty after Reset")
	}
	if b.haveExpected {
		t.Fatalf("expected haveExpected=false after Reset")
	}
}
