package relay

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// deviceLimiter keeps one token bucket per device and forgets devices
// idle for longer than ttl.
type deviceLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	hits    uint64
	entries map[string]*bucket
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newDeviceLimiter(rps float64, burst int, ttl time.Duration) *deviceLimiter {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &deviceLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		ttl:     ttl,
		entries: make(map[string]*bucket),
	}
}

func (l *deviceLimiter) allow(deviceID string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.entries[deviceID]
	if b == nil {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.entries[deviceID] = b
	}
	b.lastSeen = now

	l.hits++
	if l.hits%256 == 0 {
		for k, v := range l.entries {
			if now.Sub(v.lastSeen) > l.ttl {
				delete(l.entries, k)
			}
		}
	}

	return b.lim.AllowN(now, 1)
}

func (l *deviceLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
