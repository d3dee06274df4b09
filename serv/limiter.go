package serv

import (
	"sync"

	"golang.org/x/time/rate"
)

// limiterPool keeps one token bucket per client key.
type limiterPool struct {
	mu     sync.Mutex
	m      map[string]*rate.Limiter
	limit  rate.Limit
	bucket int
}

func newLimiterPool(limit rate.Limit, bucket int) *limiterPool {
	if bucket <= 0 {
		bucket = 1
	}
	return &limiterPool{
		m:      map[string]*rate.Limiter{},
		limit:  limit,
		bucket: bucket,
	}
}

func (p *limiterPool) allow(key string) bool {
	p.mu.Lock()
	l, ok := p.m[key]
	if !ok {
		l = rate.NewLimiter(p.limit, p.bucket)
		p.m[key] = l
	}
	p.mu.Unlock()
	return l.Allow()
}
