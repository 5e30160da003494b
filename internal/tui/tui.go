// Package tui is the orchestrate-mode monitor: a session table over the
// selected session's live screen, refreshed by polling the pool twice a
// second. Keys: j/k select, space pauses the sim clock, q quits.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/redswoop/domuser/internal/pool"
	"github.com/redswoop/domuser/internal/simclock"
	"github.com/redswoop/domuser/internal/termstyle"
)

const refreshEvery = 500 * time.Millisecond

// Monitor is the slice of the pool the TUI reads.
type Monitor interface {
	Sessions() []pool.SessionInfo
}

type tickMsg time.Time

// Model is the bubbletea model for the monitor.
type Model struct {
	pool  Monitor
	clock *simclock.Clock

	sessions []pool.SessionInfo
	selected int
	width    int
	height   int
}

// New builds the monitor model. clock may be nil.
func New(p Monitor, clock *simclock.Clock) Model {
	return Model{pool: p, clock: clock, width: 80, height: 24}
}

func (m Model) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(refreshEvery, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "j", "down":
			if m.selected < len(m.sessions)-1 {
				m.selected++
			}
		case "k", "up":
			if m.selected > 0 {
				m.selected--
			}
		case " ":
			if m.clock != nil {
				if m.clock.Paused() {
					m.clock.Resume()
				} else {
					m.clock.Pause()
				}
			}
		}
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
	case tickMsg:
		m.sessions = m.pool.Sessions()
		if m.selected > len(m.sessions)-1 {
			m.selected = len(m.sessions) - 1
		}
		if m.selected < 0 {
			m.selected = 0
		}
		return m, tick()
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(m.header())
	b.WriteString("\n\n")

	if len(m.sessions) == 0 {
		b.WriteString(termstyle.Dim("  no sessions yet"))
		b.WriteString("\n")
	}
	for i, info := range m.sessions {
		cursor := "  "
		if i == m.selected {
			cursor = termstyle.Bold("> ")
		}
		row := fmt.Sprintf("%s%s %-16s %-11s %4d  %s",
			cursor,
			termstyle.StatusDot(string(info.Status)),
			clip(info.Handle, 16),
			info.Status,
			info.Turn,
			clip(info.LastAction, max(0, m.width-42)))
		b.WriteString(row)
		b.WriteString("\n")
	}
	b.WriteString("\n")

	if m.selected < len(m.sessions) {
		avail := m.height - len(m.sessions) - 5
		if avail > 0 {
			lines := strings.Split(m.sessions[m.selected].Screen, "\n")
			if len(lines) > avail {
				lines = lines[len(lines)-avail:]
			}
			for _, line := range lines {
				b.WriteString(clip(line, m.width))
				b.WriteString("\n")
			}
		}
	}

	b.WriteString(termstyle.Dim("j/k select · space pause · q quit"))
	return b.String()
}

func (m Model) header() string {
	active, queued := 0, 0
	for _, info := range m.sessions {
		switch info.Status {
		case pool.StatusActive, pool.StatusExtracting:
			active++
		case pool.StatusQueued:
			queued++
		}
	}
	head := fmt.Sprintf("domuser  active %d  queued %d", active, queued)
	if m.clock != nil {
		head = fmt.Sprintf("domuser  sim %s @%.1fx  active %d  queued %d",
			m.clock.Now().Format("2006-01-02 15:04:05"), m.clock.Speed(), active, queued)
		if m.clock.Paused() {
			head += "  " + termstyle.Yellow("PAUSED")
		}
	}
	return termstyle.Bold(head)
}

func clip(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	if limit <= 0 {
		return ""
	}
	return string(runes[:limit])
}

// Run blocks in the alternate screen until the operator quits or ctx is
// cancelled.
func Run(ctx context.Context, p Monitor, clock *simclock.Clock) error {
	prog := tea.NewProgram(New(p, clock), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := prog.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
