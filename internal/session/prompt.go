package session

import (
	"fmt"
	"strings"

	"github.com/redswoop/domuser/internal/memory"
	"github.com/redswoop/domuser/internal/persona"
	"github.com/redswoop/domuser/internal/tmpl"
)

// systemTemplate briefs the model once per session: who it is, what it
// remembers about this board, and the action grammar it must answer in.
const systemTemplate = `You are {{.Name}}, known online as "{{.Handle}}". You are {{.Age}} years old, a {{.Occupation}} from {{.Location}}. {{.Archetype}}

Personality traits: {{join .Traits ", "}}.
Interests: {{join .Interests ", "}}.
Writing style: {{.WritingStyle}}
{{if .HotButtons}}Things that set you off: {{join .HotButtons ", "}}.
{{end}}{{if .SocialTendencies}}Social tendencies: {{.SocialTendencies}}
{{end}}
Goals for this session:
{{range .Goals}}- {{.}}
{{end}}
Never:
{{range .Avoid}}- {{.}}
{{end}}
{{if .HasAccount}}You already have an account on this board. Log in as {{quote .Username}} with password {{quote .Password}}.{{else}}You have no account here yet. When the board asks, register as {{quote .Handle}} with email {{.Email}}, real name {{.RealName}}, voice phone {{.VoicePhone}}, and birth date {{.BirthDate}}.{{end}}
{{if .Board}}
What you know about this board:
{{.Board}}{{end}}{{if .Users}}
People you know here:
{{.Users}}{{end}}{{if .Plots}}
Your ongoing plots:
{{.Plots}}{{end}}{{if .Summaries}}
Your last sessions, oldest first:
{{.Summaries}}{{end}}
You are connected to the board through an 80x24 terminal. Each turn you see the screen and answer with one action per line, using only these prefixes:

THINKING: private reasoning, never sent to the board
LINE: text to type, submitted with enter
TYPE: text to type without pressing enter
KEY: a single key (enter, esc, space, backspace, tab, y, n, or one character)
WAIT: milliseconds to sit still, 0 to 30000
MEMORY: a fact worth keeping for future sessions
DISCONNECT: reason for hanging up

Stay in character at every moment. Type like a person on a slow modem: short lines, your own voice, occasional typos if that fits you. Never mention being an AI.`

type promptData struct {
	Name             string
	Handle           string
	Age              int
	Location         string
	Occupation       string
	Archetype        string
	Traits           []string
	Interests        []string
	WritingStyle     string
	HotButtons       []string
	SocialTendencies string
	Goals            []string
	Avoid            []string

	HasAccount bool
	Username   string
	Password   string
	Email      string
	RealName   string
	VoicePhone string
	BirthDate  string

	Board     string
	Users     string
	Plots     string
	Summaries string
}

// systemPrompt assembles the session's system message from the persona
// and its memory of this board.
func systemPrompt(p *persona.Persona, store *memory.Store) (string, error) {
	data := promptData{
		Name:             p.Name,
		Handle:           p.Handle,
		Age:              p.Age,
		Location:         p.Location,
		Occupation:       p.Occupation,
		Archetype:        p.Archetype,
		Traits:           p.Personality.Traits,
		Interests:        p.Personality.Interests,
		WritingStyle:     p.Personality.WritingStyle,
		HotButtons:       p.Personality.HotButtons,
		SocialTendencies: p.Personality.SocialTendencies,
		Goals:            p.Behavior.Goals,
		Avoid:            p.Behavior.Avoid,
		Email:            p.Registration.Email,
		RealName:         p.Registration.RealName,
		VoicePhone:       p.Registration.VoicePhone,
		BirthDate:        p.Registration.BirthDate,
	}
	if store != nil {
		if store.Credentials.Registered && store.Credentials.Username != "" {
			data.HasAccount = true
			data.Username = store.Credentials.Username
			data.Password = store.Credentials.Password
		}
		data.Board = formatKnowledge(store.Knowledge)
		data.Users = formatRelationships(store)
		data.Plots = formatPlots(store.Plots.Active)
		if sums := store.RecentSummaries(3); len(sums) > 0 {
			data.Summaries = strings.Join(sums, "\n---\n")
		}
	}
	return tmpl.Render(systemTemplate, data)
}

func formatKnowledge(k memory.Knowledge) string {
	var lines []string
	add := func(label, value string) {
		if value != "" {
			lines = append(lines, fmt.Sprintf("%s: %s", label, value))
		}
	}
	add("Board name", k.BoardName)
	add("Software", k.Software)
	add("Menus", strings.Join(k.Menus, ", "))
	add("Message bases", strings.Join(k.MessageBases, ", "))
	add("File areas", strings.Join(k.FileAreas, ", "))
	add("Door games", strings.Join(k.DoorGames, ", "))
	for _, n := range k.Notes {
		lines = append(lines, "Note: "+n)
	}
	return strings.Join(lines, "\n")
}

func formatRelationships(store *memory.Store) string {
	var lines []string
	for _, handle := range store.KnownHandles() {
		r := store.Relationships[handle]
		line := fmt.Sprintf("- %s (%s, trust %d/10, respect %d/10)", handle, r.Role, r.Trust, r.Respect)
		if r.Notes != "" {
			line += ": " + r.Notes
		}
		if len(r.RecentInteractions) > 0 {
			line += " Recently: " + strings.Join(r.RecentInteractions, "; ")
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func formatPlots(active []memory.Plot) string {
	var lines []string
	for _, p := range active {
		line := fmt.Sprintf("- [%s] %s", p.ID, p.Description)
		if p.NextSteps != "" {
			line += " Next: " + p.NextSteps
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// userMessage is the per-turn prompt: the turn number, up to two earlier
// screens for early-session context, and the current screen.
func userMessage(turn int, prior []string, screen string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Turn %d]\n\n", turn)
	for _, p := range prior {
		b.WriteString("--- Previous screen ---\n")
		b.WriteString(p)
		b.WriteString("\n--- End screen ---\n\n")
	}
	b.WriteString("--- Current screen ---\n")
	b.WriteString(screen)
	b.WriteString("\n--- End screen ---\n\nWhat do you do?")
	return b.String()
}
