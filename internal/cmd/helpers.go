package cmd

import (
	"fmt"
	"strings"

	"github.com/redswoop/domuser/internal/persona"
	"github.com/redswoop/domuser/internal/pool"
	"github.com/redswoop/domuser/internal/virtualterminal"
)

// pickPersona resolves the single-mode persona: by handle or name when
// given, otherwise the sole loaded persona.
func pickPersona(personas []*persona.Persona, name string) (*persona.Persona, error) {
	if name != "" {
		for _, p := range personas {
			if strings.EqualFold(p.Handle, name) || strings.EqualFold(p.Name, name) {
				return p, nil
			}
		}
		return nil, fmt.Errorf("persona %q not found", name)
	}
	switch len(personas) {
	case 0:
		return nil, fmt.Errorf("no personas loaded")
	case 1:
		return personas[0], nil
	}
	return nil, fmt.Errorf("%d personas loaded, pick one with --persona", len(personas))
}

// splitCommand breaks a --local command line into program and arguments.
func splitCommand(cmdline string) (string, []string, error) {
	fields := strings.Fields(cmdline)
	if len(fields) == 0 {
		return "", nil, fmt.Errorf("empty command")
	}
	return fields[0], fields[1:], nil
}

// scheduleSummary renders one persona's schedule for the listing.
func scheduleSummary(p *persona.Persona) string {
	if p.Schedule == nil {
		return "no schedule (single mode only)"
	}
	windows := make([]string, 0, len(p.Schedule.ActiveHours))
	for _, w := range p.Schedule.ActiveHours {
		windows = append(windows, fmt.Sprintf("%02d-%02d", w.Start, w.End))
	}
	s := fmt.Sprintf("hours %s, %d/day", strings.Join(windows, " "), p.Schedule.SessionsPerDay)
	if len(p.Schedule.ActiveDays) > 0 {
		days := make([]string, len(p.Schedule.ActiveDays))
		for i, d := range p.Schedule.ActiveDays {
			days[i] = shortDay(d)
		}
		s += ", " + strings.Join(days, "/")
	}
	return s
}

func shortDay(d int) string {
	names := []string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"}
	if d < 0 || d >= len(names) {
		return "?"
	}
	return names[d]
}

// pump moves connection bytes into the buffer until the stream dies,
// then closes both so the session loop unblocks instead of spinning on
// a dead buffer.
func pump(stream pool.Stream, buffer *virtualterminal.Buffer) {
	buf := make([]byte, 4096)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			buffer.Feed(buf[:n])
		}
		if err != nil {
			buffer.Close()
			stream.Close()
			return
		}
	}
}
