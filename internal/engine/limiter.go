package engine

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// TenantLimiter paces contact channel calls per tenant so one tenant's round
// cannot starve the provider for the others.
type TenantLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewTenantLimiter allows perSecond calls per tenant with the given burst.
// A non-positive rate disables limiting.
func NewTenantLimiter(perSecond float64, burst int) *TenantLimiter {
	if burst < 1 {
		burst = 1
	}
	r := rate.Limit(perSecond)
	if perSecond <= 0 {
		r = rate.Inf
	}
	return &TenantLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    burst,
	}
}

func (l *TenantLimiter) get(tenantID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[tenantID]
	if !ok {
		lim = rate.NewLimiter(l.rate, l.burst)
		l.limiters[tenantID] = lim
	}
	return lim
}

// Wait blocks until the tenant may place another call. A nil limiter never blocks.
func (l *TenantLimiter) Wait(ctx context.Context, tenantID string) error {
	if l == nil {
		return nil
	}
	return l.get(tenantID).Wait(ctx)
}

// semaphore bounds the dispatch worker pool.
type semaphore struct {
	ch chan struct{}
}

func newSemaphore(n int) *semaphore {
	if n <= 0 {
		n = 1
	}
	return &semaphore{ch: make(chan struct{}, n)}
}

func (s *semaphore) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *semaphore) Release() {
	<-s.ch
}
