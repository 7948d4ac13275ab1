package dnc

import (
	"sync"
	"time"
)

// DefaultRateLimitWindow is how long a (caller, digit) pair stays quiet after
// an attempt.
const DefaultRateLimitWindow = 6 * time.Hour

// DefaultDigitsKey is the digit-slot key used by the stream-start
// default-digits variant. It lives in the same map as real digit keys, so a
// default-digits fire and a later single-digit fire for the same caller do
// not suppress each other.
const DefaultDigitsKey = "default"

type limiterKey struct {
	last10 string
	digit  string
}

// RateLimiter suppresses repeat press attempts for the same source and digit
// within a window. Safe for concurrent use.
type RateLimiter struct {
	window time.Duration

	mu    sync.Mutex
	fired map[limiterKey]time.Time
	now   func() time.Time
}

// NewRateLimiter creates a RateLimiter. A non-positive window falls back to
// DefaultRateLimitWindow.
func NewRateLimiter(window time.Duration) *RateLimiter {
	if window <= 0 {
		window = DefaultRateLimitWindow
	}
	return &RateLimiter{
		window: window,
		fired:  make(map[limiterKey]time.Time),
		now:    time.Now,
	}
}

// Allow reports whether an attempt for the pair may fire now. A true return
// records the attempt immediately, before any redirect is issued, so a
// failed provider call still consumes the window and retried calls from the
// same source stay quiet.
func (rl *RateLimiter) Allow(callerLast10, digit string) bool {
	key := limiterKey{last10: callerLast10, digit: digit}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	if last, ok := rl.fired[key]; ok && now.Sub(last) < rl.window {
		return false
	}
	rl.fired[key] = now
	return true
}

// Window returns the configured suppression window.
func (rl *RateLimiter) Window() time.Duration {
	return rl.window
}
