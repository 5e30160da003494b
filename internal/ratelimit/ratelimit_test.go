package ratelimit

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func (l *Limiter) pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiters)
}

// waitPending polls until n acquirers are queued.
func waitPending(t *testing.T, l *Limiter, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for l.pending() < n {
		if time.Now().After(deadline) {
			t.Fatalf("only %d of %d acquirers queued", l.pending(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

// waitDrained polls until the queue has shrunk to at most n waiters.
func waitDrained(t *testing.T, l *Limiter, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for l.pending() > n {
		if time.Now().After(deadline) {
			t.Fatalf("queue stuck at %d waiters, want <= %d", l.pending(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestAcquireImmediateWithToken(t *testing.T) {
	clk := clockwork.NewFakeClock()
	l := New(20, clk)
	defer l.Dispose()

	l.mu.Lock()
	l.tokens = 1
	l.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- l.Acquire(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Acquire blocked with a token available")
	}
}

func TestReleasesBoundedPerMinute(t *testing.T) {
	clk := clockwork.NewFakeClock()
	rpm := 4
	l := New(rpm, clk)
	defer l.Dispose()

	var granted atomic.Int32
	for i := 0; i < rpm+2; i++ {
		go func() {
			if err := l.Acquire(context.Background()); err == nil {
				granted.Add(1)
			}
		}()
	}
	waitPending(t, l, rpm+2)

	// One simulated minute of refills at 60000/rpm ms apiece.
	interval := time.Duration(60000/rpm) * time.Millisecond
	for i := 0; i < rpm; i++ {
		clk.Advance(interval)
		waitDrained(t, l, rpm+2-(i+1))
	}

	if g := int(granted.Load()); g > rpm+1 {
		t.Errorf("granted %d tokens in one minute, want <= %d", g, rpm+1)
	}
	if g := int(granted.Load()); g != rpm {
		t.Errorf("granted %d tokens, want exactly %d from %d refills", g, rpm, rpm)
	}
}

func TestFIFOOrder(t *testing.T) {
	clk := clockwork.NewFakeClock()
	l := New(20, clk)
	defer l.Dispose()

	order := make(chan string, 2)

	go func() {
		l.Acquire(context.Background())
		order <- "A"
	}()
	waitPending(t, l, 1)
	go func() {
		l.Acquire(context.Background())
		order <- "B"
	}()
	waitPending(t, l, 2)

	clk.Advance(3 * time.Second)
	first := <-order
	clk.Advance(3 * time.Second)
	second := <-order

	if first != "A" || second != "B" {
		t.Errorf("grant order = %s, %s; want A, B", first, second)
	}
}

func TestDisposeReleasesWaiters(t *testing.T) {
	clk := clockwork.NewFakeClock()
	l := New(20, clk)

	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { done <- l.Acquire(context.Background()) }()
	}
	waitPending(t, l, 2)

	l.Dispose()
	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Acquire after Dispose: %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("Dispose left a waiter blocked")
		}
	}

	// Later acquirers proceed immediately.
	if err := l.Acquire(context.Background()); err != nil {
		t.Errorf("Acquire on disposed limiter: %v", err)
	}
}

func TestDisposeIdempotent(t *testing.T) {
	l := New(20, clockwork.NewFakeClock())
	l.Dispose()
	l.Dispose()
}

func TestAcquireHonorsContext(t *testing.T) {
	clk := clockwork.NewFakeClock()
	l := New(20, clk)
	defer l.Dispose()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Acquire(ctx) }()
	waitPending(t, l, 1)

	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Error("expected context error")
		}
	case <-time.After(time.Second):
		t.Fatal("Acquire ignored cancellation")
	}
	if l.pending() != 0 {
		t.Errorf("cancelled waiter still queued, pending = %d", l.pending())
	}

	// The next refill goes to a live waiter, not the cancelled slot.
	got := make(chan error, 1)
	go func() { got <- l.Acquire(context.Background()) }()
	waitPending(t, l, 1)
	clk.Advance(3 * time.Second)
	select {
	case err := <-got:
		if err != nil {
			t.Errorf("Acquire: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("token not granted after cancellation cleanup")
	}
}
