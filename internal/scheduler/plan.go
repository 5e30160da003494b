// Package scheduler turns persona schedules into concrete dial-in times
// on the simulated timeline and emits each session as it comes due.
package scheduler

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/redswoop/domuser/internal/persona"
)

const minutesPerDay = 24 * 60

// Slot is one planned session for one persona.
type Slot struct {
	Persona *persona.Persona
	At      time.Time
}

// BuildDayPlan generates the merged, time-sorted plan for one simulated
// day. Weighted windows get sessions proportional to minutes x weight;
// slots are evenly spaced inside each window, jittered, then pushed
// apart to honor the persona's minimum gap.
func BuildDayPlan(personas []*persona.Persona, day time.Time, rng *rand.Rand) []Slot {
	midnight := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	weekday := int(day.Weekday())

	var plan []Slot
	for _, p := range personas {
		plan = append(plan, personaDayPlan(p, midnight, weekday, rng)...)
	}
	sort.Slice(plan, func(i, j int) bool { return plan[i].At.Before(plan[j].At) })
	return plan
}

type window struct {
	start   float64 // minutes from midnight
	end     float64
	minutes float64
	weight  float64
}

func personaDayPlan(p *persona.Persona, midnight time.Time, weekday int, rng *rand.Rand) []Slot {
	s := p.Schedule
	if s == nil || !s.ActiveOn(weekday) {
		return nil
	}

	windows := make([]window, 0, len(s.ActiveHours))
	totalWeighted := 0.0
	for _, h := range s.ActiveHours {
		w := window{start: float64(h.Start * 60), end: float64(h.End * 60), weight: h.Weight}
		if w.end <= w.start {
			// Past-midnight window: keep it whole, spilling into the
			// next day.
			w.end += minutesPerDay
		}
		w.minutes = w.end - w.start
		windows = append(windows, w)
		totalWeighted += w.minutes * w.weight
	}
	if totalWeighted == 0 {
		return nil
	}

	// Allocate session counts per window, leftovers to the last.
	counts := make([]int, len(windows))
	remaining := s.SessionsPerDay
	for i, w := range windows {
		k := int(math.Round(float64(s.SessionsPerDay) * (w.minutes * w.weight / totalWeighted)))
		if k > remaining {
			k = remaining
		}
		counts[i] = k
		remaining -= k
	}
	if remaining > 0 {
		counts[len(counts)-1] += remaining
	}

	jitter := float64(s.JitterMinutes)
	var minutes []float64
	for i, w := range windows {
		n := counts[i]
		if n == 0 {
			continue
		}
		gap := w.minutes / float64(n+1)
		for k := 1; k <= n; k++ {
			m := w.start + gap*float64(k)
			if jitter > 0 {
				m += (rng.Float64()*2 - 1) * jitter
				if m < w.start {
					m = w.start
				}
				if m > w.end {
					m = w.end
				}
			}
			minutes = append(minutes, m)
		}
	}
	sort.Float64s(minutes)

	// Push violations forward so consecutive slots keep the minimum gap.
	minGap := float64(s.MinGapMinutes)
	for i := 1; i < len(minutes); i++ {
		if minutes[i]-minutes[i-1] < minGap {
			minutes[i] = minutes[i-1] + minGap
		}
	}

	slots := make([]Slot, 0, len(minutes))
	for _, m := range minutes {
		slots = append(slots, Slot{
			Persona: p,
			At:      midnight.Add(time.Duration(m * float64(time.Minute))),
		})
	}
	return slots
}
