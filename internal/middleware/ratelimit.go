package middleware

import (
	"context"
	"sync"
	"time"
)

// Limiter is a fixed-window request counter keyed by identity. Counters
// live in process memory only: each instance enforces its own slice of the
// global budget, which is an explicit design choice, not a bug.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*rlWindow
	limit   int
	period  time.Duration
}

type rlWindow struct {
	count   int
	resetAt time.Time
}

// RateResult is the outcome of one Check call.
type RateResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// NewLimiter creates a limiter allowing limit requests per period for each
// identity key.
func NewLimiter(limit int, period time.Duration) *Limiter {
	return &Limiter{
		windows: make(map[string]*rlWindow),
		limit:   limit,
		period:  period,
	}
}

// Check consumes one unit of budget for key. It must be called before any
// identity-resolution I/O so the counter reflects attempted throughput and
// concurrent requests cannot race past the limit on a stale read. Expired
// windows are reset lazily here.
func (l *Limiter) Check(key string) RateResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &rlWindow{resetAt: now.Add(l.period)}
		l.windows[key] = w
	}

	if w.count >= l.limit {
		return RateResult{Allowed: false, Limit: l.limit, Remaining: 0, ResetAt: w.resetAt}
	}
	w.count++
	return RateResult{Allowed: true, Limit: l.limit, Remaining: l.limit - w.count, ResetAt: w.resetAt}
}

// StartSweeper purges expired windows every interval. Returns a stop func.
func (l *Limiter) StartSweeper(interval time.Duration) func() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.sweep()
			}
		}
	}()
	return cancel
}

func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	for key, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, key)
		}
	}
}

// Len returns the number of tracked identities (for tests and metrics).
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
