package ratelimit

import (
	"sync"
	"time"
)

// DefaultWindow is the requests-per-minute window length
const DefaultWindow = time.Minute

// Result is the outcome of an admission check
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Usage is a snapshot of the current window
type Usage struct {
	Limit       int       `json:"limit"`
	Used        int       `json:"used"`
	WindowStart time.Time `json:"windowStart"`
	ResetAt     time.Time `json:"resetAt"`
}

// FixedWindow counts admissions in fixed windows. A window opens on the
// first admission after the previous one expired.
type FixedWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	now    func() time.Time

	start time.Time
	count int
}

// Option configures a FixedWindow
type Option func(*FixedWindow)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(w *FixedWindow) {
		w.now = now
	}
}

// WithWindow overrides the window length
func WithWindow(d time.Duration) Option {
	return func(w *FixedWindow) {
		if d > 0 {
			w.window = d
		}
	}
}

// NewFixedWindow creates a limiter allowing limit admissions per window
func NewFixedWindow(limit int, opts ...Option) *FixedWindow {
	w := &FixedWindow{
		limit:  limit,
		window: DefaultWindow,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// must hold mu
func (w *FixedWindow) roll(now time.Time) {
	if w.start.IsZero() || now.Sub(w.start) >= w.window {
		w.start = now
		w.count = 0
	}
}

// Allow consumes one admission if the window still has room
func (w *FixedWindow) Allow() Result {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.roll(now)
	resetAt := w.start.Add(w.window)

	if w.count >= w.limit {
		return Result{Allowed: false, Remaining: 0, ResetAt: resetAt}
	}
	w.count++
	return Result{Allowed: true, Remaining: w.limit - w.count, ResetAt: resetAt}
}

// SetLimit changes the limit; the current count is kept
func (w *FixedWindow) SetLimit(limit int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.limit = limit
}

// Usage returns the current window without consuming an admission
func (w *FixedWindow) Usage() Usage {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if w.start.IsZero() || now.Sub(w.start) >= w.window {
		return Usage{Limit: w.limit}
	}
	return Usage{
		Limit:       w.limit,
		Used:        w.count,
		WindowStart: w.start,
		ResetAt:     w.start.Add(w.window),
	}
}
