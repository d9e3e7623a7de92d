package collector

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// AlertLimiter bounds crash alerts per server so a flapping unit cannot
// flood the sinks. A nil limiter allows everything.
type AlertLimiter struct {
	mu       sync.Mutex
	every    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func NewAlertLimiter(interval time.Duration, burst int) *AlertLimiter {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &AlertLimiter{every: limit, burst: burst, limiters: make(map[string]*rate.Limiter)}
}

func (l *AlertLimiter) Allow(serverID string, at time.Time) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[serverID]
	if !ok {
		lim = rate.NewLimiter(l.every, l.burst)
		l.limiters[serverID] = lim
	}
	return lim.AllowN(at, 1)
}
