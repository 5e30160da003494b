package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record is one transcript line: a screen shown to the model or a
// response it gave.
type Record struct {
	Turn      int    `json:"turn"`
	Type      string `json:"type"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

// Transcript accumulates the session's screen/response records and
// appends each to a JSONL file as it happens. When the file cannot be
// opened the in-memory record list still works, so extraction survives a
// full disk. Safe for concurrent use.
type Transcript struct {
	mu      sync.Mutex
	w       *os.File
	stamp   string
	records []Record
	notes   []string
}

// NewTranscript opens sessions/<stamp>.jsonl under the store directory.
// The stamp is the session start in basic ISO 8601 format, which keeps
// filenames portable and sorted.
func (s *Store) NewTranscript(start time.Time) *Transcript {
	stamp := start.UTC().Format("20060102T150405Z")
	t := &Transcript{stamp: stamp}

	dir := filepath.Join(s.dir, "sessions")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		s.logger.Warn("transcript dir", "error", err)
		return t
	}
	f, err := os.OpenFile(filepath.Join(dir, stamp+".jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		s.logger.Warn("transcript file", "error", err)
		return t
	}
	t.w = f
	return t
}

// Stamp returns the timestamp key shared by the transcript and summary.
func (t *Transcript) Stamp() string {
	return t.stamp
}

// AddScreen records the screen text for a turn.
func (t *Transcript) AddScreen(turn int, text string) {
	t.add(Record{Turn: turn, Type: "screen", Text: text})
}

// AddResponse records the model's response for a turn.
func (t *Transcript) AddResponse(turn int, text string) {
	t.add(Record{Turn: turn, Type: "response", Text: text})
}

// AddNote collects a free-form MEMORY note for extraction.
func (t *Transcript) AddNote(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notes = append(t.notes, text)
}

// Records returns a copy of all records so far.
func (t *Transcript) Records() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, len(t.records))
	copy(out, t.records)
	return out
}

// Notes returns the collected MEMORY notes.
func (t *Transcript) Notes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.notes))
	copy(out, t.notes)
	return out
}

// Render flattens the transcript into prompt-ready text.
func (t *Transcript) Render() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var sb []byte
	for _, r := range t.records {
		sb = append(sb, fmt.Sprintf("--- Turn %d (%s) ---\n%s\n\n", r.Turn, r.Type, r.Text)...)
	}
	return string(sb)
}

// Close flushes and closes the JSONL file.
func (t *Transcript) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.w == nil {
		return nil
	}
	err := t.w.Close()
	t.w = nil
	return err
}

func (t *Transcript) add(r Record) {
	r.Timestamp = time.Now().UTC().Format(time.RFC3339)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = append(t.records, r)
	if t.w == nil {
		return
	}
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	t.w.Write(append(data, '\n'))
}
