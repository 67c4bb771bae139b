package sshmanager

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/gluk-w/sshterm/internal/logutil"
)

// Connection attempts are limited two ways: a token bucket refilling
// MaxAttemptsPerMinute per minute, and a temporary block after
// MaxConsecFailures failed attempts in a row.
const (
	DefaultMaxAttemptsPerMinute = 10
	DefaultMaxConsecFailures    = 5
	DefaultBlockDuration        = 5 * time.Minute
)

// ErrRateLimited is wrapped by every error returned from RateLimiter.Allow.
var ErrRateLimited = errors.New("connection attempts rate limited")

type RateLimitConfig struct {
	MaxAttemptsPerMinute int
	MaxConsecFailures    int
	BlockDuration        time.Duration
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxAttemptsPerMinute: DefaultMaxAttemptsPerMinute,
		MaxConsecFailures:    DefaultMaxConsecFailures,
		BlockDuration:        DefaultBlockDuration,
	}
}

type nameRateState struct {
	limiter        *rate.Limiter
	consecFailures int
	blockedUntil   time.Time
}

// RateLimitKey names the target an attempt is counted against. Sessions
// to the same account on the same host share one budget.
func RateLimitKey(ep Endpoint, username string) string {
	return username + "@" + strings.ToLower(ep.Addr())
}

// RateLimiter throttles connection attempts per key.
type RateLimiter struct {
	mu     sync.Mutex
	config RateLimitConfig
	state  map[string]*nameRateState
	nowFn  func() time.Time
}

func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	if config.MaxAttemptsPerMinute <= 0 {
		config.MaxAttemptsPerMinute = DefaultMaxAttemptsPerMinute
	}
	if config.MaxConsecFailures <= 0 {
		config.MaxConsecFailures = DefaultMaxConsecFailures
	}
	if config.BlockDuration <= 0 {
		config.BlockDuration = DefaultBlockDuration
	}
	return &RateLimiter{
		config: config,
		state:  make(map[string]*nameRateState),
		nowFn:  time.Now,
	}
}

// Allow consumes one attempt for name, or returns an error wrapping
// ErrRateLimited when name is blocked or out of attempts.
func (rl *RateLimiter) Allow(name string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFn()
	s := rl.getOrCreateState(name)

	if now.Before(s.blockedUntil) {
		remaining := s.blockedUntil.Sub(now).Truncate(time.Second)
		log.Printf("[ssh] rate limit: %s is blocked for %s (consecutive failures: %d)",
			logutil.SanitizeForLog(name), remaining, s.consecFailures)
		return fmt.Errorf("%w: %s blocked for %s after %d consecutive failures",
			ErrRateLimited, logutil.SanitizeForLog(name), remaining, s.consecFailures)
	}

	if !s.limiter.AllowN(now, 1) {
		log.Printf("[ssh] rate limit: %s exceeded %d attempts/min",
			logutil.SanitizeForLog(name), rl.config.MaxAttemptsPerMinute)
		return fmt.Errorf("%w: %s exceeded %d connection attempts per minute",
			ErrRateLimited, logutil.SanitizeForLog(name), rl.config.MaxAttemptsPerMinute)
	}
	return nil
}

// RecordSuccess clears the failure streak and any block of name.
func (rl *RateLimiter) RecordSuccess(name string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	s := rl.getOrCreateState(name)
	s.consecFailures = 0
	s.blockedUntil = time.Time{}
}

// RecordFailure extends the failure streak of name, blocking it once the
// streak reaches MaxConsecFailures.
func (rl *RateLimiter) RecordFailure(name string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	s := rl.getOrCreateState(name)
	s.consecFailures++
	if s.consecFailures >= rl.config.MaxConsecFailures {
		s.blockedUntil = rl.nowFn().Add(rl.config.BlockDuration)
		log.Printf("[ssh] rate limit: blocking %s until %s (%d consecutive failures)",
			logutil.SanitizeForLog(name), s.blockedUntil.Format(time.RFC3339), s.consecFailures)
	}
}

type RateLimitStatus struct {
	AvailableAttempts int        `json:"available_attempts"`
	MaxAttemptsPerMin int        `json:"max_attempts_per_min"`
	ConsecFailures    int        `json:"consec_failures"`
	MaxConsecFailures int        `json:"max_consec_failures"`
	Blocked           bool       `json:"blocked"`
	BlockedUntil      *time.Time `json:"blocked_until,omitempty"`
}

func (rl *RateLimiter) GetStatus(name string) RateLimitStatus {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	status := RateLimitStatus{
		AvailableAttempts: rl.config.MaxAttemptsPerMinute,
		MaxAttemptsPerMin: rl.config.MaxAttemptsPerMinute,
		MaxConsecFailures: rl.config.MaxConsecFailures,
	}
	s, ok := rl.state[name]
	if !ok {
		return status
	}

	now := rl.nowFn()
	status.AvailableAttempts = int(s.limiter.TokensAt(now))
	status.ConsecFailures = s.consecFailures
	if now.Before(s.blockedUntil) {
		until := s.blockedUntil
		status.Blocked = true
		status.BlockedUntil = &until
	}
	return status
}

// Reset forgets all limiter state of name.
func (rl *RateLimiter) Reset(name string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.state, name)
}

// getOrCreateState must be called with rl.mu held.
func (rl *RateLimiter) getOrCreateState(name string) *nameRateState {
	s, ok := rl.state[name]
	if !ok {
		every := time.Minute / time.Duration(rl.config.MaxAttemptsPerMinute)
		s = &nameRateState{limiter: rate.NewLimiter(rate.Every(every), rl.config.MaxAttemptsPerMinute)}
		rl.state[name] = s
	}
	return s
}
