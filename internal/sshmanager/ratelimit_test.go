package sshmanager

import (
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestRateLimiter(cfg RateLimitConfig) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(cfg)
	rl.nowFn = clock.Now
	return rl, clock
}

func TestRateLimiterDefaults(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{})
	if rl.config != DefaultRateLimitConfig() {
		t.Errorf("config = %+v, want defaults", rl.config)
	}
	st := rl.GetStatus("fresh")
	if st.AvailableAttempts != DefaultMaxAttemptsPerMinute || st.Blocked {
		t.Errorf("status of unknown name = %+v", st)
	}
}

func TestAllowPerMinuteBudget(t *testing.T) {
	rl, clock := newTestRateLimiter(RateLimitConfig{MaxAttemptsPerMinute: 3, MaxConsecFailures: 10, BlockDuration: time.Minute})

	for i := 0; i < 3; i++ {
		if err := rl.Allow("a"); err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}
	err := rl.Allow("a")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("4th attempt err = %v, want ErrRateLimited", err)
	}
	if err := rl.Allow("b"); err != nil {
		t.Errorf("other name limited: %v", err)
	}

	// One attempt refills every 20s at 3 per minute.
	clock.Advance(20 * time.Second)
	if err := rl.Allow("a"); err != nil {
		t.Errorf("attempt after refill: %v", err)
	}
	if err := rl.Allow("a"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("second attempt after a single refill: %v", err)
	}

	clock.Advance(time.Minute)
	if got := rl.GetStatus("a").AvailableAttempts; got != 3 {
		t.Errorf("AvailableAttempts after a minute = %d, want 3", got)
	}
}

func TestConsecutiveFailuresBlock(t *testing.T) {
	rl, clock := newTestRateLimiter(RateLimitConfig{MaxAttemptsPerMinute: 100, MaxConsecFailures: 3, BlockDuration: 5 * time.Minute})

	for i := 0; i < 3; i++ {
		if err := rl.Allow("a"); err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
		rl.RecordFailure("a")
	}

	st := rl.GetStatus("a")
	if !st.Blocked || st.BlockedUntil == nil || st.ConsecFailures != 3 {
		t.Fatalf("status = %+v, want blocked", st)
	}
	if err := rl.Allow("a"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("blocked attempt err = %v", err)
	}

	clock.Advance(5*time.Minute + time.Second)
	if err := rl.Allow("a"); err != nil {
		t.Errorf("attempt after block expired: %v", err)
	}
}

func TestRecordSuccessClearsStreak(t *testing.T) {
	rl, _ := newTestRateLimiter(RateLimitConfig{MaxAttemptsPerMinute: 100, MaxConsecFailures: 2, BlockDuration: time.Minute})

	rl.RecordFailure("a")
	rl.RecordSuccess("a")
	rl.RecordFailure("a")
	if st := rl.GetStatus("a"); st.Blocked || st.ConsecFailures != 1 {
		t.Errorf("status = %+v, want one failure and no block", st)
	}

	rl.RecordFailure("a")
	if !rl.GetStatus("a").Blocked {
		t.Fatal("expected block after two consecutive failures")
	}
	rl.RecordSuccess("a")
	if rl.GetStatus("a").Blocked {
		t.Error("RecordSuccess should lift the block")
	}
}

func TestRateLimiterReset(t *testing.T) {
	rl, _ := newTestRateLimiter(RateLimitConfig{MaxAttemptsPerMinute: 1, MaxConsecFailures: 1, BlockDuration: time.Hour})
	rl.Allow("a")
	rl.RecordFailure("a")
	if err := rl.Allow("a"); err == nil {
		t.Fatal("expected limit before reset")
	}
	rl.Reset("a")
	if err := rl.Allow("a"); err != nil {
		t.Errorf("Allow after Reset: %v", err)
	}
}
