package daemon

import (
	"sync"
	"time"
)

const rateWindow = time.Minute

// RateLimiter is a per-key sliding window limiter.
type RateLimiter struct {
	mu       sync.Mutex
	limit    int
	requests map[string][]time.Time
	now      func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter allows limit requests per key per minute. A non-positive
// limit allows everything.
func NewRateLimiter(limit int) *RateLimiter {
	rl := &RateLimiter{
		limit:    limit,
		requests: make(map[string][]time.Time),
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	if limit > 0 {
		go rl.cleanupLoop(5 * time.Minute)
	}
	return rl
}

// Allow records a request for key. When the window is full it returns
// false and the seconds until a slot frees up.
func (rl *RateLimiter) Allow(key string) (bool, int) {
	if rl.limit <= 0 {
		return true, 0
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	recent := prune(rl.requests[key], now)
	if len(recent) >= rl.limit {
		rl.requests[key] = recent
		wait := rateWindow - now.Sub(recent[0])
		return false, int((wait + time.Second - 1) / time.Second)
	}
	rl.requests[key] = append(recent, now)
	return true, 0
}

func prune(times []time.Time, now time.Time) []time.Time {
	i := 0
	for i < len(times) && now.Sub(times[i]) >= rateWindow {
		i++
	}
	return times[i:]
}

func (rl *RateLimiter) cleanupLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stop:
			return
		}
	}
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for key, times := range rl.requests {
		if recent := prune(times, now); len(recent) == 0 {
			delete(rl.requests, key)
		} else {
			rl.requests[key] = recent
		}
	}
}

// Stop ends the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}
