package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

// perIPLimiter hands out one token-bucket rate.Limiter per source IP,
// lazily created on first use. This is the same shape as the
// teacher's hand-rolled login RateLimiter (a mutex-guarded map keyed
// by IP) with golang.org/x/time/rate doing the bucket accounting
// instead of a manually-filtered attempt slice.
type perIPLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newPerIPLimiter(limit float64, burst int) *perIPLimiter {
	return &perIPLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(limit),
		burst:    burst,
	}
}

func (p *perIPLimiter) Allow(ip string) bool {
	p.mu.Lock()
	l, ok := p.limiters[ip]
	if !ok {
		l = rate.NewLimiter(p.limit, p.burst)
		p.limiters[ip] = l
	}
	p.mu.Unlock()
	return l.Allow()
}
