// Package persona loads the YAML character sheets that define each
// simulated caller: who they are, how they write, what they want out of
// a board, and when they dial in.
package persona

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// handleRe restricts handles to filesystem-safe characters: memory files
// live under memory/<host>/<handle>/.
var handleRe = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Persona is one caller identity. Loaded once at startup, never mutated.
type Persona struct {
	Name       string `yaml:"name" validate:"required"`
	Handle     string `yaml:"handle" validate:"required"`
	Age        int    `yaml:"age" validate:"omitempty,min=13,max=99"`
	Location   string `yaml:"location"`
	Occupation string `yaml:"occupation"`
	Archetype  string `yaml:"archetype"`

	Personality  Personality  `yaml:"personality"`
	Behavior     Behavior     `yaml:"behavior"`
	Registration Registration `yaml:"registration"`
	Schedule     *Schedule    `yaml:"schedule"`
}

// Personality holds the prose blocks fed into the system prompt.
type Personality struct {
	Traits           []string `yaml:"traits"`
	Interests        []string `yaml:"interests"`
	WritingStyle     string   `yaml:"writing_style"`
	HotButtons       []string `yaml:"hot_buttons"`
	SocialTendencies string   `yaml:"social_tendencies"`
}

// Behavior holds goals and guardrails for the agent's conduct on the board.
type Behavior struct {
	Goals                []string `yaml:"goals"`
	Avoid                []string `yaml:"avoid"`
	SessionLengthMinutes int      `yaml:"session_length_minutes" validate:"omitempty,min=1,max=240"`
}

// Registration holds the facts the persona gives a new-user questionnaire.
type Registration struct {
	Email      string `yaml:"email"`
	RealName   string `yaml:"real_name"`
	VoicePhone string `yaml:"voice_phone"`
	BirthDate  string `yaml:"birth_date"`
}

// HourWindow is one active_hours entry. End <= Start means the window wraps
// past midnight (e.g. 22 -> 2).
type HourWindow struct {
	Start  int     `yaml:"start" validate:"min=0,max=23"`
	End    int     `yaml:"end" validate:"min=0,max=23"`
	Weight float64 `yaml:"weight" validate:"min=0"`
}

// Schedule controls when and how often the scheduler dials this persona in.
type Schedule struct {
	ActiveHours    []HourWindow `yaml:"active_hours" validate:"required,min=1,dive"`
	SessionsPerDay int          `yaml:"sessions_per_day" validate:"min=1,max=10"`
	MinGapMinutes  int          `yaml:"min_gap_minutes" validate:"min=5"`
	JitterMinutes  int          `yaml:"jitter_minutes" validate:"min=0"`
	ActiveDays     []int        `yaml:"active_days" validate:"omitempty,dive,min=0,max=6"`
}

// ActiveOn reports whether the schedule permits sessions on the given
// weekday (time.Weekday numbering, Sunday=0). A nil ActiveDays list means
// every day.
func (s *Schedule) ActiveOn(weekday int) bool {
	if len(s.ActiveDays) == 0 {
		return true
	}
	for _, d := range s.ActiveDays {
		if d == weekday {
			return true
		}
	}
	return false
}

// SessionMinutes returns the behavior session length with the default applied.
func (p *Persona) SessionMinutes() int {
	if p.Behavior.SessionLengthMinutes > 0 {
		return p.Behavior.SessionLengthMinutes
	}
	return 20
}

var validate = validator.New()

// LoadFile reads and validates a single persona YAML file.
func LoadFile(path string) (*Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read persona: %w", err)
	}
	var p Persona
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse persona %s: %w", filepath.Base(path), err)
	}
	p.applyDefaults()
	if err := p.check(); err != nil {
		return nil, fmt.Errorf("persona %s: %w", filepath.Base(path), err)
	}
	return &p, nil
}

// LoadDir loads every .yaml/.yml file in dir, sorted by handle.
func LoadDir(dir string) ([]*Persona, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read personas dir: %w", err)
	}
	var personas []*Persona
	seen := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		p, err := LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[p.Handle]; dup {
			return nil, fmt.Errorf("duplicate handle %q in %s and %s", p.Handle, prev, e.Name())
		}
		seen[p.Handle] = e.Name()
		personas = append(personas, p)
	}
	sort.Slice(personas, func(i, j int) bool { return personas[i].Handle < personas[j].Handle })
	return personas, nil
}

// Select filters personas by a comma-separated handle list; "all" or ""
// returns the full set.
func Select(personas []*Persona, csv string) ([]*Persona, error) {
	if csv == "" || csv == "all" {
		return personas, nil
	}
	byHandle := make(map[string]*Persona, len(personas))
	for _, p := range personas {
		byHandle[p.Handle] = p
	}
	var out []*Persona
	for _, h := range strings.Split(csv, ",") {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		p, ok := byHandle[h]
		if !ok {
			return nil, fmt.Errorf("unknown persona handle %q", h)
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no personas selected")
	}
	return out, nil
}

func (p *Persona) applyDefaults() {
	if p.Behavior.SessionLengthMinutes == 0 {
		p.Behavior.SessionLengthMinutes = 20
	}
	if p.Schedule != nil {
		for i := range p.Schedule.ActiveHours {
			if p.Schedule.ActiveHours[i].Weight == 0 {
				p.Schedule.ActiveHours[i].Weight = 1
			}
		}
	}
}

func (p *Persona) check() error {
	if err := validate.Struct(p); err != nil {
		return err
	}
	if !handleRe.MatchString(p.Handle) {
		return fmt.Errorf("handle %q must match %s", p.Handle, handleRe)
	}
	return nil
}
