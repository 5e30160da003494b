package memory

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/redswoop/domuser/internal/llm"
	"github.com/redswoop/domuser/internal/persona"
)

const extractionSystem = `You maintain the long-term memory of a BBS caller between sessions.
Given the caller's current memory and the transcript of the session that just ended,
produce the updated memory as a single fenced YAML block with exactly these top-level keys:

credentials: {username, password, registered, last_login}
knowledge: {board_name, software, menus, message_bases, file_areas, door_games, notes}
relationships: map of handle -> {role, trust, respect, notes, recent_interactions}
plots: {active, completed} where each plot has {id, started, collaborators, adversaries, description, next_steps, status}
summary: a short prose recap of the session (3-6 sentences)

Roles must be one of ally, rival, neutral, enemy, mentor, annoyance. Trust and respect are 1-10.
Keep everything the caller still believes; update or add what the session changed. Output only the YAML block.`

var yamlBlockRe = regexp.MustCompile("(?s)```(?:yaml)?\\s*\\n(.*?)```")

// Extractor distills a finished session into updated memory files.
type Extractor struct {
	client llm.Completer
	logger *slog.Logger
}

// NewExtractor returns an Extractor backed by the given model client.
func NewExtractor(client llm.Completer, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{client: client, logger: logger}
}

// Extract asks the model for updated memory, merges it into the store,
// and writes the files plus the session summary. Callers treat any error
// as loggable, not fatal.
func (e *Extractor) Extract(ctx context.Context, s *Store, t *Transcript, p *persona.Persona) error {
	reply, err := e.client.Complete(ctx, extractionSystem, []llm.Message{
		{Role: "user", Content: buildExtractionPrompt(s, t, p)},
	})
	if err != nil {
		return fmt.Errorf("extraction call: %w", err)
	}
	update, err := parseExtraction(reply)
	if err != nil {
		return fmt.Errorf("parse extraction: %w", err)
	}
	s.Apply(update)
	if err := s.Save(); err != nil {
		return fmt.Errorf("save memory: %w", err)
	}
	if update.Summary != "" {
		if err := s.WriteSummary(t.Stamp(), update.Summary); err != nil {
			return fmt.Errorf("save summary: %w", err)
		}
	}
	e.logger.Debug("memory extracted",
		"handle", p.Handle,
		"records", len(t.Records()),
		"notes", len(t.Notes()))
	return nil
}

func buildExtractionPrompt(s *Store, t *Transcript, p *persona.Persona) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The caller is %s, handle %q.\n\n", p.Name, p.Handle)
	b.WriteString("## Current memory\n\n```yaml\n")
	b.WriteString(s.Snapshot())
	b.WriteString("```\n\n## Session transcript\n\n")
	b.WriteString(t.Render())
	if notes := t.Notes(); len(notes) > 0 {
		b.WriteString("## Things the caller explicitly chose to remember\n\n")
		for _, n := range notes {
			b.WriteString("- ")
			b.WriteString(n)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	b.WriteString("Produce the updated memory YAML now.")
	return b.String()
}

// parseExtraction pulls the YAML block out of the reply. A reply without
// a fence is tried whole, since some models skip the markers.
func parseExtraction(reply string) (*Extracted, error) {
	text := reply
	if m := yamlBlockRe.FindStringSubmatch(reply); m != nil {
		text = m[1]
	}
	var u Extracted
	if err := yaml.Unmarshal([]byte(text), &u); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	return &u, nil
}
