package controlplane

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// slidingLimiter is a per-identity rate limiter: rpm+burst requests per
// window_seconds, implemented as a token bucket refilling at rpm/window
// per second (spec.md §4.9 "Rate limit"). Idle identities are swept
// periodically so the map doesn't grow unbounded across many devices.
type slidingLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	rpm      int
	burst    int
	window   time.Duration
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastSeenAt time.Time
}

func newSlidingLimiter(rpm, burst, windowSeconds int) *slidingLimiter {
	if windowSeconds <= 0 {
		windowSeconds = 60
	}
	return &slidingLimiter{
		limiters: make(map[string]*limiterEntry),
		rpm:      rpm,
		burst:    burst,
		window:   time.Duration(windowSeconds) * time.Second,
	}
}

// Allow reports whether identity may proceed, consuming one token if so.
func (s *slidingLimiter) Allow(identity string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.limiters[identity]
	if !ok {
		perSecond := rate.Limit(float64(s.rpm) / s.window.Seconds())
		entry = &limiterEntry{limiter: rate.NewLimiter(perSecond, s.burst)}
		s.limiters[identity] = entry
	}
	entry.lastSeenAt = time.Now()
	s.sweepLocked()
	return entry.limiter.Allow()
}

func (s *slidingLimiter) sweepLocked() {
	cutoff := time.Now().Add(-10 * s.window)
	for id, entry := range s.limiters {
		if entry.lastSeenAt.Before(cutoff) {
			delete(s.limiters, id)
		}
	}
}

// replayGuard tracks (identity, nonce) pairs seen within window_seconds,
// rejecting repeats (spec.md §4.9 "Replay guard").
type replayGuard struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
}

func newReplayGuard(windowSeconds int) *replayGuard {
	if windowSeconds <= 0 {
		windowSeconds = 300
	}
	return &replayGuard{
		seen:   make(map[string]time.Time),
		window: time.Duration(windowSeconds) * time.Second,
	}
}

// CheckAndRemember reports whether (identity, nonce) is unseen within the
// window; if so it records it and returns true.
func (g *replayGuard) CheckAndRemember(identity, nonce string) bool {
	key := identity + "|" + nonce
	now := time.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := now.Add(-g.window)
	for k, at := range g.seen {
		if at.Before(cutoff) {
			delete(g.seen, k)
		}
	}
	if at, ok := g.seen[key]; ok && at.After(cutoff) {
		return false
	}
	g.seen[key] = now
	return true
}

// WithinWindow reports whether tsMs (ms or s since epoch) is within
// window_seconds of now.
func (g *replayGuard) WithinWindow(tsMs int64) bool {
	ts := tsMs
	if ts < 1_000_000_000_000 {
		ts *= 1000 // seconds -> ms
	}
	delta := time.Since(time.UnixMilli(ts))
	if delta < 0 {
		delta = -delta
	}
	return delta <= g.window
}
