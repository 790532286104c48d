package cache

import (
	"sync"
	"time"
)

// Limit is a venue's request budget over a fixed window.
type Limit struct {
	Budget int
	Window time.Duration
}

// RateLimiter enforces per-venue fixed-window budgets. The venue set is
// fixed at construction, so lookups need no lock; each venue has its own
// window mutex and never contends with another venue's callers.
type RateLimiter struct {
	windows map[string]*rateWindow
}

type rateWindow struct {
	mu      sync.Mutex
	budget  int
	window  time.Duration
	used    int
	resetAt time.Time
}

// NewRateLimiter builds a limiter for a fixed set of venues. Venues
// without a configured limit are always denied; a configuration gap must
// not grant unlimited budget.
func NewRateLimiter(limits map[string]Limit) *RateLimiter {
	rl := &RateLimiter{windows: make(map[string]*rateWindow, len(limits))}
	for venue, l := range limits {
		rl.windows[venue] = &rateWindow{budget: l.Budget, window: l.Window}
	}
	return rl
}

// TryAcquire consumes one request from the venue's current window if
// budget remains. It never blocks or sleeps; a false return means the
// caller must not issue the request.
func (rl *RateLimiter) TryAcquire(venue string) bool {
	w, ok := rl.windows[venue]
	if !ok {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	if !now.Before(w.resetAt) {
		w.used = 0
		w.resetAt = now.Add(w.window)
	}
	if w.used >= w.budget {
		return false
	}
	w.used++
	return true
}

// Remaining reports the unused budget in the venue's current window.
func (rl *RateLimiter) Remaining(venue string) int {
	w, ok := rl.windows[venue]
	if !ok {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !time.Now().Before(w.resetAt) {
		return w.budget
	}
	return w.budget - w.used
}

// Snapshot returns the remaining budget per venue for the metrics
// surface.
func (rl *RateLimiter) Snapshot() map[string]int {
	out := make(map[string]int, len(rl.windows))
	for venue := range rl.windows {
		out[venue] = rl.Remaining(venue)
	}
	return out
}
