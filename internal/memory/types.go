// Package memory persists what a persona knows about one board across
// sessions: credentials, board knowledge, relationships, and plots, plus
// the per-session transcript and summary files.
package memory

import (
	"strings"

	"github.com/google/uuid"
)

// maxRecentInteractions bounds the per-relationship interaction list.
const maxRecentInteractions = 5

// validRoles are the relationship roles a merge will accept.
var validRoles = map[string]bool{
	"ally":      true,
	"rival":     true,
	"neutral":   true,
	"enemy":     true,
	"mentor":    true,
	"annoyance": true,
}

// Credentials is the persona's account on one board.
type Credentials struct {
	Username   string `yaml:"username,omitempty"`
	Password   string `yaml:"password,omitempty"`
	Registered bool   `yaml:"registered"`
	LastLogin  string `yaml:"last_login,omitempty"`
}

// Knowledge is what the persona has learned about the board itself.
type Knowledge struct {
	BoardName    string   `yaml:"board_name,omitempty"`
	Software     string   `yaml:"software,omitempty"`
	Menus        []string `yaml:"menus,omitempty"`
	MessageBases []string `yaml:"message_bases,omitempty"`
	FileAreas    []string `yaml:"file_areas,omitempty"`
	DoorGames    []string `yaml:"door_games,omitempty"`
	Notes        []string `yaml:"notes,omitempty"`
}

// Relationship tracks one other user of the board.
type Relationship struct {
	Role               string   `yaml:"role"`
	Trust              int      `yaml:"trust"`
	Respect            int      `yaml:"respect"`
	Notes              string   `yaml:"notes,omitempty"`
	RecentInteractions []string `yaml:"recent_interactions,omitempty"`
}

// Plot is one ongoing or finished scheme.
type Plot struct {
	ID            string   `yaml:"id"`
	Started       string   `yaml:"started,omitempty"`
	Collaborators []string `yaml:"collaborators,omitempty"`
	Adversaries   []string `yaml:"adversaries,omitempty"`
	Description   string   `yaml:"description"`
	NextSteps     string   `yaml:"next_steps,omitempty"`
	Status        string   `yaml:"status,omitempty"`
}

// Plots splits schemes into active and completed.
type Plots struct {
	Active    []Plot `yaml:"active"`
	Completed []Plot `yaml:"completed"`
}

// Extracted is the model's post-session update. Nil sections leave the
// stored state untouched.
type Extracted struct {
	Credentials   *Credentials            `yaml:"credentials"`
	Knowledge     *Knowledge              `yaml:"knowledge"`
	Relationships map[string]Relationship `yaml:"relationships"`
	Plots         *Plots                  `yaml:"plots"`
	Summary       string                  `yaml:"summary"`
}

// Apply merges an extraction into the store's state, clamping trust and
// respect, capping interaction lists, normalizing roles, and assigning
// ids to new plots.
func (s *Store) Apply(u *Extracted) {
	if u == nil {
		return
	}
	if u.Credentials != nil {
		s.Credentials = *u.Credentials
	}
	if u.Knowledge != nil {
		s.Knowledge = *u.Knowledge
	}
	for handle, r := range u.Relationships {
		s.Relationships[handle] = sanitizeRelationship(r)
	}
	if u.Plots != nil {
		s.Plots = *u.Plots
		for i := range s.Plots.Active {
			ensurePlotID(&s.Plots.Active[i])
		}
		for i := range s.Plots.Completed {
			ensurePlotID(&s.Plots.Completed[i])
		}
	}
}

func sanitizeRelationship(r Relationship) Relationship {
	r.Role = strings.ToLower(strings.TrimSpace(r.Role))
	if !validRoles[r.Role] {
		r.Role = "neutral"
	}
	r.Trust = clamp(r.Trust, 1, 10)
	r.Respect = clamp(r.Respect, 1, 10)
	if len(r.RecentInteractions) > maxRecentInteractions {
		r.RecentInteractions = r.RecentInteractions[len(r.RecentInteractions)-maxRecentInteractions:]
	}
	return r
}

func ensurePlotID(p *Plot) {
	if p.ID == "" {
		p.ID = uuid.NewString()[:8]
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
