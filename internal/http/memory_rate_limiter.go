package httpx

import (
	"sync"
	"time"
)

const rateLimiterSweepInterval = 5 * time.Minute

type fixedWindow struct {
	count int
	ends  time.Time
}

// memoryRateLimiter is the single-replica fallback when Redis is not
// configured.
type memoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string]fixedWindow
	now     func() time.Time
	done    chan struct{}
	stop    sync.Once
}

// NewMemoryRateLimiter returns a process-local limiter with a background
// sweeper. Call Close to stop it.
func NewMemoryRateLimiter() RateLimiter {
	rl := newMemoryRateLimiter(time.Now)
	go rl.sweep(rateLimiterSweepInterval)
	return rl
}

func newMemoryRateLimiter(now func() time.Time) *memoryRateLimiter {
	return &memoryRateLimiter{
		windows: make(map[string]fixedWindow),
		now:     now,
		done:    make(chan struct{}),
	}
}

func (rl *memoryRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	w := rl.windows[key]
	if !now.Before(w.ends) {
		w = fixedWindow{ends: now.Add(window)}
	}
	if w.count >= limit {
		return rateDecision{count: w.count, windowEnd: w.ends}
	}
	w.count++
	rl.windows[key] = w
	return rateDecision{allowed: true, count: w.count, windowEnd: w.ends}
}

func (rl *memoryRateLimiter) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			rl.evictExpired()
		}
	}
}

func (rl *memoryRateLimiter) evictExpired() {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, w := range rl.windows {
		if !now.Before(w.ends) {
			delete(rl.windows, key)
		}
	}
}

func (rl *memoryRateLimiter) Close() {
	rl.stop.Do(func() { close(rl.done) })
}
