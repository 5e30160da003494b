package memory

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Store holds one persona's memory of one board. Read at session start,
// written back at session end; never shared across live sessions.
type Store struct {
	dir    string
	logger *slog.Logger

	Credentials   Credentials
	Knowledge     Knowledge
	Relationships map[string]Relationship
	Plots         Plots
}

// Open loads the memory files under base/host/handle. Missing files mean
// a first visit; unreadable ones are logged and treated as empty.
func Open(base, host, handle string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		dir:           filepath.Join(base, host, handle),
		logger:        logger,
		Relationships: make(map[string]Relationship),
	}
	s.loadYAML("credentials.yaml", &s.Credentials)
	s.loadYAML("knowledge.yaml", &s.Knowledge)
	s.loadYAML("relationships.yaml", &s.Relationships)
	s.loadYAML("plots.yaml", &s.Plots)
	if s.Relationships == nil {
		s.Relationships = make(map[string]Relationship)
	}
	return s
}

// Dir returns the on-disk location of this store.
func (s *Store) Dir() string {
	return s.dir
}

// Save writes all four memory files. Each write is atomic: a temp file in
// the same directory renamed over the target, or discarded on failure.
func (s *Store) Save() error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}
	files := []struct {
		name string
		v    any
	}{
		{"credentials.yaml", s.Credentials},
		{"knowledge.yaml", s.Knowledge},
		{"relationships.yaml", s.Relationships},
		{"plots.yaml", s.Plots},
	}
	for _, f := range files {
		if err := s.writeYAML(f.name, f.v); err != nil {
			return err
		}
	}
	return nil
}

// KnownHandles returns relationship handles sorted for stable prompts.
func (s *Store) KnownHandles() []string {
	handles := make([]string, 0, len(s.Relationships))
	for h := range s.Relationships {
		handles = append(handles, h)
	}
	sort.Strings(handles)
	return handles
}

// WriteSummary stores the post-session summary alongside the transcript.
func (s *Store) WriteSummary(stamp, text string) error {
	dir := filepath.Join(s.dir, "sessions")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}
	path := filepath.Join(dir, stamp+".summary.md")
	if err := os.WriteFile(path, []byte(text), 0o600); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}

// RecentSummaries returns up to n most recent session summaries, oldest
// first. The basic-format timestamps in the filenames sort correctly.
func (s *Store) RecentSummaries(n int) []string {
	entries, err := os.ReadDir(filepath.Join(s.dir, "sessions"))
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".summary.md") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) > n {
		names = names[len(names)-n:]
	}
	var out []string
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(s.dir, "sessions", name))
		if err != nil {
			continue
		}
		out = append(out, strings.TrimSpace(string(data)))
	}
	return out
}

// Snapshot renders the whole store as YAML for prompt embedding.
func (s *Store) Snapshot() string {
	data, err := yaml.Marshal(struct {
		Credentials   Credentials             `yaml:"credentials"`
		Knowledge     Knowledge               `yaml:"knowledge"`
		Relationships map[string]Relationship `yaml:"relationships"`
		Plots         Plots                   `yaml:"plots"`
	}{s.Credentials, s.Knowledge, s.Relationships, s.Plots})
	if err != nil {
		return ""
	}
	return string(data)
}

func (s *Store) loadYAML(name string, v any) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("memory file unreadable", "file", name, "error", err)
		}
		return
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		s.logger.Warn("memory file corrupt, starting fresh", "file", name, "error", err)
	}
}

func (s *Store) writeYAML(name string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	tmp, err := os.CreateTemp(s.dir, ".tmp-"+name+"-*")
	if err != nil {
		return fmt.Errorf("temp file for %s: %w", name, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		return fmt.Errorf("replace %s: %w", name, err)
	}
	return nil
}
