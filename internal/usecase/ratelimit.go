package usecase

import (
	"context"
	"sync"
	"time"
)

const defaultRequestWeight = 1

// RateLimiter is a sliding one-minute admission window over outbound
// exchange calls. Every component acquires through the same instance; when
// the window is full, Acquire blocks the caller until the oldest request
// ages out, it never drops or errors.
type RateLimiter struct {
	mu       sync.Mutex
	window   time.Duration
	capacity int
	stamps   []time.Time
	now      func() time.Time
	waited   func(time.Duration) // optional wait observer, for metrics
}

func NewRateLimiter(maxPerMinute int) *RateLimiter {
	if maxPerMinute <= 0 {
		maxPerMinute = 1200
	}
	return &RateLimiter{
		window:   time.Minute,
		capacity: maxPerMinute,
		now:      time.Now,
	}
}

// OnWait registers a callback invoked with the duration of every blocking
// acquisition.
func (r *RateLimiter) OnWait(fn func(time.Duration)) { r.waited = fn }

// Acquire reserves weight slots in the window, sleeping as long as needed.
// It returns early only when ctx is cancelled.
func (r *RateLimiter) Acquire(ctx context.Context, weight int) error {
	if weight <= 0 {
		weight = defaultRequestWeight
	}
	// A weight above the window capacity could never fit as-is; clamp it so
	// the call still admits, consuming the whole window.
	if weight > r.capacity {
		weight = r.capacity
	}

	var totalWait time.Duration
	for {
		r.mu.Lock()
		now := r.now()
		r.evict(now)

		if len(r.stamps)+weight <= r.capacity {
			for i := 0; i < weight; i++ {
				r.stamps = append(r.stamps, now)
			}
			r.mu.Unlock()
			if totalWait > 0 && r.waited != nil {
				r.waited(totalWait)
			}
			return nil
		}

		wait := r.window - now.Sub(r.stamps[0])
		r.mu.Unlock()

		if wait <= 0 {
			continue
		}
		totalWait += wait

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// evict drops stamps older than the window. Caller holds the lock.
func (r *RateLimiter) evict(now time.Time) {
	cut := 0
	for cut < len(r.stamps) && now.Sub(r.stamps[cut]) > r.window {
		cut++
	}
	if cut > 0 {
		r.stamps = append(r.stamps[:0], r.stamps[cut:]...)
	}
}

// InFlight returns the number of slots currently consumed in the window.
func (r *RateLimiter) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evict(r.now())
	return len(r.stamps)
}
