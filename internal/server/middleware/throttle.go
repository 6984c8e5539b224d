package middleware

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateThrottler is a token bucket per session, checked before each command
// line is parsed. It is shared by all connections.
type RateThrottler struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateThrottler allows perSecond commands per session with the given
// burst. A non-positive rate disables throttling.
func NewRateThrottler(perSecond float64, burst int) *RateThrottler {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &RateThrottler{
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow consumes one token for the session.
func (t *RateThrottler) Allow(sessionID string) bool {
	t.mu.Lock()
	l, ok := t.limiters[sessionID]
	if !ok {
		l = rate.NewLimiter(t.limit, t.burst)
		t.limiters[sessionID] = l
	}
	t.mu.Unlock()
	return l.Allow()
}

// Forget drops the session's bucket when its connection ends.
func (t *RateThrottler) Forget(sessionID string) {
	t.mu.Lock()
	delete(t.limiters, sessionID)
	t.mu.Unlock()
}

// Len returns the number of tracked sessions.
func (t *RateThrottler) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.limiters)
}
