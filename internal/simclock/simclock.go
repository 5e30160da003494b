// Package simclock provides the simulated timeline the scheduler runs
// on. Time advances at a configured multiple of wall clock, jumps
// instantly in turbo mode, and drops to realtime whenever a live session
// is connected.
package simclock

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// maxSleepChunk caps a single blocking sleep; longer waits loop and
// re-check so speed changes mid-wait are picked up.
const maxSleepChunk = 24 * time.Hour

// Clock maps wall-clock time onto simulated time. Speed 0 is turbo
// (time only moves via WaitUntil), 1 is realtime, N is N-times. While
// any session is active the effective speed is pinned to 1.
type Clock struct {
	mu       sync.Mutex
	baseSim  time.Time
	baseReal time.Time
	speed    float64
	active   int
	paused   bool
	resumeCh chan struct{}

	wall clockwork.Clock
}

// New returns a Clock starting at the given simulated instant. A zero
// start means "now".
func New(start time.Time, speed float64, wall clockwork.Clock) *Clock {
	if wall == nil {
		wall = clockwork.NewRealClock()
	}
	if start.IsZero() {
		start = wall.Now()
	}
	if speed < 0 {
		speed = 0
	}
	return &Clock{
		baseSim:  start,
		baseReal: wall.Now(),
		speed:    speed,
		wall:     wall,
	}
}

// Now returns the current simulated time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nowLocked()
}

// EffectiveSpeed is 1 while any session is active, else the configured
// speed.
func (c *Clock) EffectiveSpeed() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.effLocked()
}

// Speed returns the configured speed.
func (c *Clock) Speed() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speed
}

// ActiveSessions returns the live session count.
func (c *Clock) ActiveSessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// SetSpeed reanchors under the old speed, then applies the new one, so
// simulated time never jumps.
func (c *Clock) SetSpeed(speed float64) {
	if speed < 0 {
		speed = 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reanchorLocked()
	c.speed = speed
}

// Pause stops WaitUntil callers until Resume. Simulated time itself is
// not frozen; the scheduler simply stops advancing toward new slots.
func (c *Clock) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		c.paused = true
		c.resumeCh = make(chan struct{})
	}
}

// Resume wakes every waiter blocked on the pause flag.
func (c *Clock) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		c.paused = false
		close(c.resumeCh)
		c.resumeCh = nil
	}
}

// Paused reports the pause flag.
func (c *Clock) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// SessionStarted pins the effective speed to 1. Crossing 0 to 1 active
// sessions reanchors so the transition is seamless.
func (c *Clock) SessionStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == 0 {
		c.reanchorLocked()
	}
	c.active++
}

// SessionEnded releases the realtime pin once the last session is gone.
func (c *Clock) SessionEnded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == 0 {
		return
	}
	if c.active == 1 {
		c.reanchorLocked()
	}
	c.active--
}

// WaitForResume blocks while the clock is paused.
func (c *Clock) WaitForResume(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.mu.Lock()
		if !c.paused {
			c.mu.Unlock()
			return nil
		}
		ch := c.resumeCh
		c.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitUntil blocks until simulated time reaches target. In turbo the
// clock jumps straight to the target and returns.
func (c *Clock) WaitUntil(ctx context.Context, target time.Time) error {
	for {
		if err := c.WaitForResume(ctx); err != nil {
			return err
		}

		c.mu.Lock()
		eff := c.effLocked()
		if eff == 0 {
			c.baseSim = target
			c.baseReal = c.wall.Now()
			c.mu.Unlock()
			return nil
		}
		delta := target.Sub(c.nowLocked())
		c.mu.Unlock()
		if delta <= 0 {
			return nil
		}

		real := time.Duration(float64(delta) / eff)
		if real > maxSleepChunk {
			real = maxSleepChunk
		}
		select {
		case <-c.wall.After(real):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Clock) nowLocked() time.Time {
	eff := c.effLocked()
	if eff == 0 {
		return c.baseSim
	}
	elapsed := c.wall.Now().Sub(c.baseReal)
	return c.baseSim.Add(time.Duration(float64(elapsed) * eff))
}

func (c *Clock) effLocked() float64 {
	if c.active > 0 {
		return 1
	}
	return c.speed
}

// reanchorLocked snapshots the current simulated instant into the bases
// so a following speed change starts from here.
func (c *Clock) reanchorLocked() {
	c.baseSim = c.nowLocked()
	c.baseReal = c.wall.Now()
}
