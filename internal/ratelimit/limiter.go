package ratelimit

import (
	"context"
	"sync"
	"time"

	"raze-trader/internal/metrics"
)

// Config defines the submission budget.
type Config struct {
	MaxPerWindow int
	Window       time.Duration
}

// Limiter admits at most MaxPerWindow calls in any rolling Window.
// It keeps the admission times of the current window; a caller over budget
// sleeps until the oldest admission expires. Calls are delayed, never rejected.
type Limiter struct {
	mu     sync.Mutex
	stamps []time.Time
	max    int
	window time.Duration
	now    func() time.Time
}

// New creates a limiter. Non-positive values fall back to 5 per second.
func New(cfg Config) *Limiter {
	if cfg.MaxPerWindow <= 0 {
		cfg.MaxPerWindow = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	return &Limiter{
		stamps: make([]time.Time, 0, cfg.MaxPerWindow),
		max:    cfg.MaxPerWindow,
		window: cfg.Window,
		now:    time.Now,
	}
}

// allow admits the call if the window has capacity without waiting.
func (l *Limiter) allow() bool {
	return l.reserve() == 0
}

// reserve admits the call and returns 0, or returns how long to wait before retrying.
func (l *Limiter) reserve() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cut := 0
	for cut < len(l.stamps) && now.Sub(l.stamps[cut]) >= l.window {
		cut++
	}
	if cut > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[cut:]...)
	}

	if len(l.stamps) < l.max {
		l.stamps = append(l.stamps, now)
		return 0
	}

	wait := l.stamps[0].Add(l.window).Sub(now)
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait
}

// Wait blocks until the call is admitted or ctx is cancelled.
func (l *Limiter) Wait(ctx context.Context) error {
	start := time.Now()
	defer metrics.ObserveDuration(metrics.RateLimitWait, start)

	for {
		wait := l.reserve()
		if wait == 0 {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// InFlight returns the number of admissions inside the current window.
func (l *Limiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	n := 0
	for _, s := range l.stamps {
		if now.Sub(s) < l.window {
			n++
		}
	}
	return n
}
