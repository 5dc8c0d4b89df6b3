package auth

import "testing"

func TestWindowLimiterAllowsUpToBurstThenBlocks(t *testing.T) {
	wl := NewWindowLimiter(0, 3) // no refill, so only the initial burst is spendable
	key := "login:1.2.3.4"

	for i := 0; i < 3; i++ {
		if !wl.Allow(key) {
			t.Fatalf("expected request %d within burst to be allowed", i)
		}
	}
	if wl.Allow(key) {
		t.Fatalf("expected request beyond burst to be denied")
	}
}

func TestWindowLimiterKeysAreIndependent(t *testing.T) {
	wl := NewWindowLimiter(0, 1)
	if !wl.Allow("a") {
		t.Fatalf("expected first request for key a to be allowed")
	}
	if !wl.Allow("b") {
		t.Fatalf("expected first request for key b to be allowed independently of key a")
	}
	if wl.Allow("a") {
		t.Fatalf("expected second request for key a to be denied")
	}
}

func TestWindowLimiterResetRestoresBurst(t *testing.T) {
	wl := NewWindowLimiter(0, 1)
	key := "login:1.2.3.4"
	if !wl.Allow(key) {
		t.Fatalf("expected first request to be allowed")
	}
	if wl.Allow(key) {
		t.Fatalf("expected second request to be denied before reset")
	}
	wl.Reset(key)
	if !wl.Allow(key) {
		t.Fatalf("expected request after reset to be allowed again")
	}
}
