package decoder

import "time"

// FragmentRateLimiter caps the fragments accepted per source address in a
// fixed window. Counts reset when the window rolls over.
type FragmentRateLimiter struct {
	current      map[[4]byte]int
	windowStart  time.Time
	windowSize   time.Duration
	maxPerWindow int
}

// FragmentRateLimiterConfig configures a FragmentRateLimiter.
type FragmentRateLimiterConfig struct {
	MaxFragsPerSource int           // 0 disables limiting
	RateLimitWindow   time.Duration // default 10s
}

// NewFragmentRateLimiter returns nil when MaxFragsPerSource <= 0.
func NewFragmentRateLimiter(cfg FragmentRateLimiterConfig) *FragmentRateLimiter {
	if cfg.MaxFragsPerSource <= 0 {
		return nil
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = 10 * time.Second
	}
	return &FragmentRateLimiter{
		current:      make(map[[4]byte]int),
		windowSize:   cfg.RateLimitWindow,
		maxPerWindow: cfg.MaxFragsPerSource,
	}
}

// Allow records a fragment from src seen at now and reports whether it is
// within the limit.
func (l *FragmentRateLimiter) Allow(src [4]byte, now time.Time) bool {
	if now.Sub(l.windowStart) >= l.windowSize {
		clear(l.current)
		l.windowStart = now
	}
	l.current[src]++
	return l.current[src] <= l.maxPerWindow
}
