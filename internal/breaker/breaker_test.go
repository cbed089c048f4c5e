package breaker

import (
	"testing"
	"time"
)

func TestBreakerTripsAtThreshold(t *testing.T) {
	b := New(Config{Threshold: 3, Cooldown: time.Hour}, nil)

	for i := 0; i < 2; i++ {
		done, ok := b.Allow()
		if !ok {
			t.Fatalf("expected the breaker to stay closed before reaching its threshold")
		}
		done(false)
	}
	if b.IsOpen() {
		t.Fatalf("breaker must not be open before reaching the threshold")
	}

	done, ok := b.Allow()
	if !ok {
		t.Fatalf("expected one more allowed attempt to reach the threshold")
	}
	done(false)

	if !b.IsOpen() {
		t.Fatalf("expected breaker to be open after 3 consecutive failures")
	}
}

func TestRecordSuccessResetsBreaker(t *testing.T) {
	b := New(Config{Threshold: 2, Cooldown: time.Hour}, nil)

	done, _ := b.Allow()
	done(false)
	done, _ = b.Allow()
	done(true) // success before reaching the threshold resets the counter

	done, _ = b.Allow()
	done(false)
	if b.IsOpen() {
		t.Fatalf("a single failure after a reset must not reopen a threshold-2 breaker")
	}
}

func TestAllowBlocksWhileOpenThenProbesAfterCooldown(t *testing.T) {
	b := New(Config{Threshold: 1, Cooldown: 40 * time.Millisecond}, nil)

	done, ok := b.Allow()
	if !ok {
		t.Fatalf("expected the first attempt on a closed breaker to be allowed")
	}
	done(false) // trips the breaker open

	if _, ok := b.Allow(); ok {
		t.Fatalf("expected no attempt to be allowed immediately after tripping")
	}

	time.Sleep(80 * time.Millisecond)

	probeDone, ok := b.Allow()
	if !ok {
		t.Fatalf("expected a single probe to be allowed once the cooldown elapsed")
	}
	probeDone(true)

	if b.IsOpen() {
		t.Fatalf("expected a successful probe to close the breaker again")
	}
}

func TestOnOpenCallbackFiresOnceOnTrip(t *testing.T) {
	opened := 0
	b := New(Config{Threshold: 1, Cooldown: time.Hour}, func() { opened++ })

	done, _ := b.Allow()
	done(false)

	if opened != 1 {
		t.Fatalf("expected onOpen to fire exactly once on the trip, got %d", opened)
	}
}

func TestDefaultConfigValues(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Threshold != 5 {
		t.Errorf("expected default threshold 5, got %d", cfg.Threshold)
	}
	if cfg.Cooldown != 30*time.Second {
		t.Errorf("expected default cooldown 30s, got %s", cfg.Cooldown)
	}
}

func TestNewAppliesDefaultsForZeroValues(t *testing.T) {
	b := New(Config{}, nil)
	// A zero-valued Config must not leave the breaker with a threshold of
	// 0, which would trip on the very first failure.
	done, _ := b.Allow()
	done(false)
	if b.IsOpen() {
		t.Fatalf("expected zero-value Config to fall back to the default threshold, not 1")
	}
}
