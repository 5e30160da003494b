// Package ratelimit bounds LLM request throughput with a refilling token
// bucket shared by every session in the process.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Limiter is a token bucket refilled one token at a time on a fixed
// interval derived from the per-minute budget. Blocked acquirers queue
// FIFO. The bucket starts empty so a fresh process cannot burst past the
// budget.
type Limiter struct {
	mu       sync.Mutex
	tokens   int
	capacity int
	waiters  []chan struct{}
	disposed bool

	ticker clockwork.Ticker
	done   chan struct{}
}

// New returns a Limiter granting at most rpm tokens per minute.
func New(rpm int, clock clockwork.Clock) *Limiter {
	if rpm < 1 {
		rpm = 1
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	l := &Limiter{
		capacity: rpm,
		ticker:   clock.NewTicker(time.Duration(60000/rpm) * time.Millisecond),
		done:     make(chan struct{}),
	}
	go l.refillLoop()
	return l
}

// Acquire takes one token, blocking until the refill timer provides one.
// Returns nil immediately after Dispose so shutdown never wedges on the
// limiter.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	if l.disposed {
		l.mu.Unlock()
		return nil
	}
	if l.tokens > 0 {
		l.tokens--
		l.mu.Unlock()
		return nil
	}
	w := make(chan struct{})
	l.waiters = append(l.waiters, w)
	l.mu.Unlock()

	select {
	case <-w:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		for i, q := range l.waiters {
			if q == w {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				l.mu.Unlock()
				return ctx.Err()
			}
		}
		// Not queued anymore: a token was granted while cancelling.
		l.mu.Unlock()
		return nil
	}
}

// Dispose stops the refill timer and releases every queued waiter.
func (l *Limiter) Dispose() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.disposed {
		return
	}
	l.disposed = true
	l.ticker.Stop()
	close(l.done)
	for _, w := range l.waiters {
		close(w)
	}
	l.waiters = nil
}

func (l *Limiter) refillLoop() {
	for {
		select {
		case <-l.ticker.Chan():
			l.refill()
		case <-l.done:
			return
		}
	}
}

func (l *Limiter) refill() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.disposed {
		return
	}
	if l.tokens < l.capacity {
		l.tokens++
	}
	for l.tokens > 0 && len(l.waiters) > 0 {
		w := l.waiters[0]
		l.waiters = l.waiters[1:]
		l.tokens--
		close(w)
	}
}
