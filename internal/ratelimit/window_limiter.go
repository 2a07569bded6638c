package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// entry is one caller's usage inside the current window. Entries are
// replaced whole when the window lapses, never trimmed call by call, so a
// caller can fit up to 2*limit-1 requests into a short burst that straddles
// a window boundary. That imprecision is a documented property of the
// fixed-window scheme.
type entry struct {
	count   int
	resetAt time.Time
}

// WindowLimiter is the in-process Limiter. Construct one per running
// instance and pass it to whatever needs gating; the counter map is owned
// by the limiter and is never cleared implicitly.
type WindowLimiter struct {
	mu      sync.Mutex
	entries map[string]*entry
	log     *slog.Logger

	// now is the clock source; tests substitute it.
	now func() time.Time
}

var _ Limiter = (*WindowLimiter)(nil)

// NewWindowLimiter returns an in-memory fixed-window limiter.
func NewWindowLimiter(log *slog.Logger) *WindowLimiter {
	if log == nil {
		log = slog.Default()
	}

	return &WindowLimiter{
		entries: make(map[string]*entry),
		log:     log,
		now:     time.Now,
	}
}

// Check records one call for key and reports whether it may proceed. A
// fresh window opens when no entry exists or the previous window has lapsed
// (now >= resetAt); within a live window the count is capped at limit.
func (w *WindowLimiter) Check(_ context.Context, key string, limit int, window time.Duration) (*Result, error) {
	now := w.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	e := w.entries[key]
	if e == nil || !now.Before(e.resetAt) {
		e = &entry{count: 1, resetAt: now.Add(window)}
		w.entries[key] = e

		return &Result{
			Allowed:   true,
			Remaining: clampRemaining(limit - e.count),
			ResetAt:   e.resetAt,
		}, nil
	}

	if e.count < limit {
		e.count++

		return &Result{
			Allowed:   true,
			Remaining: clampRemaining(limit - e.count),
			ResetAt:   e.resetAt,
		}, nil
	}

	return &Result{
		Allowed:   false,
		Remaining: 0,
		ResetAt:   e.resetAt,
	}, ErrLimitExceeded
}

// Cleanup removes entries whose window lapsed more than maxAge ago.
func (w *WindowLimiter) Cleanup(maxAge time.Duration) {
	if maxAge <= 0 {
		return
	}

	cutoff := w.now().Add(-maxAge)

	w.mu.Lock()
	defer w.mu.Unlock()

	for key, e := range w.entries {
		if e.resetAt.Before(cutoff) {
			delete(w.entries, key)
		}
	}
}

func clampRemaining(remaining int) int {
	if remaining < 0 {
		return 0
	}

	return remaining
}
