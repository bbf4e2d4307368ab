package signal

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestRelayRateLimiter_SlidingWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rl := NewRelayRateLimiter(clock, 3, time.Second)

	for i := 0; i < 3; i++ {
		if !rl.Allow("s1") {
			t.Fatalf("Allow #%d = false, want true", i+1)
		}
		clock.Advance(100 * time.Millisecond)
	}
	if rl.Allow("s1") {
		t.Fatal("fourth relay inside the window allowed")
	}
	if !rl.Allow("s2") {
		t.Fatal("limit leaked across sessions")
	}

	clock.Advance(800 * time.Millisecond)
	if !rl.Allow("s1") {
		t.Fatal("relay refused after the oldest attempt left the window")
	}

	rl.Forget("s1")
	for i := 0; i < 3; i++ {
		if !rl.Allow("s1") {
			t.Fatalf("Allow #%d after Forget = false", i+1)
		}
	}
}
