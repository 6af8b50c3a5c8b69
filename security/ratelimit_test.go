package security

import (
	"testing"
)

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(1, 2, nil)
	defer rl.Stop()

	if !rl.Allow("10.0.0.1") {
		t.Error("first request should be allowed")
	}
	if !rl.Allow("10.0.0.1") {
		t.Error("second request within burst should be allowed")
	}
	if rl.Allow("10.0.0.1") {
		t.Error("third request should exceed burst")
	}

	// A different identifier has its own bucket.
	if !rl.Allow("10.0.0.2") {
		t.Error("different identifier should be allowed")
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(10, 10, nil)
	defer rl.Stop()

	rl.Allow("10.0.0.1")
	rl.Allow("10.0.0.2")

	rl.Cleanup(0)

	rl.mu.Lock()
	remaining := len(rl.entries)
	rl.mu.Unlock()
	if remaining != 0 {
		t.Errorf("entries after Cleanup(0) = %d, want 0", remaining)
	}
}

func TestRateLimiter_EvictsAtCapacity(t *testing.T) {
	rl := NewRateLimiter(10, 10, nil)
	defer rl.Stop()
	rl.maxEntries = 2

	rl.Allow("a")
	rl.Allow("b")
	rl.Allow("c")

	rl.mu.Lock()
	_, hasA := rl.entries["a"]
	total := len(rl.entries)
	rl.mu.Unlock()

	if total != 2 {
		t.Errorf("entries = %d, want 2", total)
	}
	if hasA {
		t.Error("least recently used entry should have been evicted")
	}
}
