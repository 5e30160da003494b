package scheduler

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/redswoop/domuser/internal/persona"
	"github.com/redswoop/domuser/internal/simclock"
)

// Scheduler walks the simulated timeline and hands due slots to the
// pool. It regenerates the plan at each simulated midnight.
type Scheduler struct {
	clock    *simclock.Clock
	personas []*persona.Persona
	onDue    func(Slot)
	logger   *slog.Logger
	rng      *rand.Rand

	mu          sync.Mutex
	plan        []Slot
	lastPlanKey string
	lastRun     map[string]time.Time
}

// New returns a Scheduler that calls onDue for every slot whose time has
// come. The callback runs on the scheduler's goroutine and must be quick.
func New(clock *simclock.Clock, personas []*persona.Persona, logger *slog.Logger, onDue func(Slot)) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		clock:    clock,
		personas: personas,
		onDue:    onDue,
		logger:   logger,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		lastRun:  make(map[string]time.Time),
	}
}

// Run drives the schedule until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if err := s.clock.WaitForResume(ctx); err != nil {
			return err
		}
		now := s.clock.Now()
		s.refreshPlan(now)

		next, ok := s.nextSlot(now)
		if !ok {
			// Nothing left today: roll the simulated clock to midnight.
			midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
			if err := s.clock.WaitUntil(ctx, midnight); err != nil {
				return err
			}
			continue
		}

		if err := s.clock.WaitUntil(ctx, next.At); err != nil {
			return err
		}
		if s.clock.Paused() {
			continue
		}

		s.mu.Lock()
		s.lastRun[next.Persona.Handle] = next.At
		s.removeSlot(next)
		s.mu.Unlock()

		s.logger.Info("session due",
			"handle", next.Persona.Handle,
			"sim_time", next.At.Format("15:04"))
		s.onDue(next)
	}
}

// Upcoming returns the next n planned slots at or after the current
// simulated time.
func (s *Scheduler) Upcoming(n int) []Slot {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Slot
	for _, slot := range s.plan {
		if slot.At.Before(now) {
			continue
		}
		out = append(out, slot)
		if len(out) == n {
			break
		}
	}
	return out
}

// LastRun returns when a persona's latest session came due.
func (s *Scheduler) LastRun(handle string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.lastRun[handle]
	return t, ok
}

func (s *Scheduler) refreshPlan(now time.Time) {
	key := now.Format("2006-01-02")
	s.mu.Lock()
	defer s.mu.Unlock()
	if key == s.lastPlanKey {
		return
	}
	s.plan = BuildDayPlan(s.personas, now, s.rng)
	s.lastPlanKey = key
	s.logger.Info("day plan generated", "date", key, "slots", len(s.plan))
}

// nextSlot finds the earliest slot not in the past. Plans are sorted, so
// the first match wins. Matching the current instant is deliberate:
// turbo jumps land exactly on slot times.
func (s *Scheduler) nextSlot(now time.Time) (Slot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, slot := range s.plan {
		if !slot.At.Before(now) {
			return slot, true
		}
	}
	return Slot{}, false
}

func (s *Scheduler) removeSlot(target Slot) {
	for i, slot := range s.plan {
		if slot.Persona == target.Persona && slot.At.Equal(target.At) {
			s.plan = append(s.plan[:i], s.plan[i+1:]...)
			return
		}
	}
}
