package auth

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func newTestGuard(t *testing.T) *Guard {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+t.Name()+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Exec(`
CREATE TABLE auth_guard_state (
	guard_key TEXT PRIMARY KEY,
	failures INTEGER NOT NULL DEFAULT 0,
	locked_until_unix INTEGER NOT NULL DEFAULT 0,
	last_seen_unix INTEGER NOT NULL DEFAULT 0
)`); err != nil {
		t.Fatalf("create auth_guard_state: %v", err)
	}
	return NewGuard(db)
}

func TestGuardLocksOutAfterThreshold(t *testing.T) {
	g := newTestGuard(t)
	ctx := context.Background()
	key := "acct:user@example.com"
	now := time.Unix(1_700_000_000, 0).UTC()

	var last GuardState
	for i := int64(1); i <= 6; i++ {
		state, err := g.RecordFailure(ctx, key, now.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("RecordFailure %d: %v", i, err)
		}
		if state.Failures != i {
			t.Fatalf("expected failures=%d, got %d", i, state.Failures)
		}
		last = state
	}

	if !last.Locked(now.Add(7 * time.Second)) {
		t.Fatalf("expected guard to be locked after 6 failures")
	}
}

func TestGuardBackoffDoublesAboveThresholdAndCaps(t *testing.T) {
	cases := []struct {
		failures int64
		want     time.Duration
	}{
		{4, 0},
		{5, 10 * time.Second},
		{6, 20 * time.Second},
		{7, 40 * time.Second},
		{11, 300 * time.Second}, // 10 * 2^6 = 640s, capped at 300s
		{100, 300 * time.Second},
	}
	for _, c := range cases {
		got := backoffFor(c.failures)
		if got != c.want {
			t.Fatalf("backoffFor(%d) = %v, want %v", c.failures, got, c.want)
		}
	}
}

func TestGuardClearResetsState(t *testing.T) {
	g := newTestGuard(t)
	ctx := context.Background()
	key := "ip:10.0.0.1"
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		if _, err := g.RecordFailure(ctx, key, now); err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
	}

	n, err := g.Clear(ctx, []string{key})
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row cleared, got %d", n)
	}

	states, err := g.Get(ctx, []string{key})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(states) != 0 {
		t.Fatalf("expected no guard state after clear, got %+v", states)
	}
}

func TestGuardBatchCapRejectsOversizedKeySet(t *testing.T) {
	g := newTestGuard(t)
	ctx := context.Background()
	keys := make([]string, 33)
	for i := range keys {
		keys[i] = "k"
	}

	if _, err := g.Get(ctx, keys); err != ErrTooManyGuardKeys {
		t.Fatalf("expected ErrTooManyGuardKeys from Get, got %v", err)
	}
	if _, err := g.Clear(ctx, keys); err != ErrTooManyGuardKeys {
		t.Fatalf("expected ErrTooManyGuardKeys from Clear, got %v", err)
	}
}
