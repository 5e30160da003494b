// Package activitylog appends the orchestrator's activity feed to a
// JSONL file: run lifecycle, scheduler slots, and every session event
// from the pool bus, one object per line. Screens are recorded by size
// only; the per-session transcripts already hold their content.
package activitylog

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/redswoop/domuser/internal/session"
)

const textLimit = 200

// Logger writes structured JSONL entries to an activity log file.
// All methods are safe for concurrent use. When disabled (w is nil),
// all methods are no-ops.
type Logger struct {
	mu sync.Mutex
	w  *os.File
}

// New creates a Logger that appends to logPath. If enabled is false or
// the file cannot be opened, returns a no-op logger (safe to call
// methods on).
func New(enabled bool, logPath string) *Logger {
	if !enabled {
		return &Logger{}
	}
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return &Logger{}
	}
	return &Logger{w: f}
}

// Nop returns a disabled logger. All methods are no-ops.
func Nop() *Logger {
	return &Logger{}
}

// entry is the common envelope for all log lines.
type entry struct {
	Timestamp string `json:"ts"`
	Event     string `json:"event"`
	Handle    string `json:"handle,omitempty"`
}

// RunStarted logs the orchestrator coming up.
func (l *Logger) RunStarted(host string, port, personas, maxConcurrent int) {
	l.log(struct {
		entry
		Host          string `json:"host"`
		Port          int    `json:"port"`
		Personas      int    `json:"personas"`
		MaxConcurrent int    `json:"max_concurrent"`
	}{
		entry:         l.entry("run_started", ""),
		Host:          host,
		Port:          port,
		Personas:      personas,
		MaxConcurrent: maxConcurrent,
	})
}

// RunStopped logs the orchestrator going down.
func (l *Logger) RunStopped(reason string) {
	l.log(struct {
		entry
		Reason string `json:"reason"`
	}{
		entry:  l.entry("run_stopped", ""),
		Reason: reason,
	})
}

// SlotDue logs a scheduler slot firing at the given simulated time.
func (l *Logger) SlotDue(handle string, simTime time.Time) {
	l.log(struct {
		entry
		SimTime string `json:"sim_time"`
	}{
		entry:   l.entry("slot_due", handle),
		SimTime: simTime.Format(time.RFC3339),
	})
}

// SessionEvent records one event from the pool's bus.
func (l *Logger) SessionEvent(ev session.Event) {
	env := l.entry(string(ev.Type), ev.Handle)

	switch ev.Type {
	case session.EventTurnScreen:
		l.log(struct {
			entry
			Turn  int `json:"turn"`
			Bytes int `json:"bytes"`
		}{env, ev.Turn, len(ev.Text)})
	case session.EventTurnResponse, session.EventTurnThinking, session.EventMemoryNote:
		l.log(struct {
			entry
			Turn int    `json:"turn,omitempty"`
			Text string `json:"text"`
		}{env, ev.Turn, truncate(ev.Text, textLimit)})
	case session.EventTurnAction:
		action := ""
		if ev.Action != nil {
			action = truncate(ev.Action.String(), textLimit)
		}
		l.log(struct {
			entry
			Turn   int    `json:"turn"`
			Action string `json:"action"`
		}{env, ev.Turn, action})
	case session.EventSessionEnd:
		l.log(struct {
			entry
			Turn   int    `json:"turn,omitempty"`
			Reason string `json:"reason"`
		}{env, ev.Turn, ev.Reason})
	case session.EventError:
		msg := ""
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		l.log(struct {
			entry
			Turn  int    `json:"turn,omitempty"`
			Error string `json:"error"`
		}{env, ev.Turn, msg})
	default:
		// session:start, turn:more, turn:stuck, memory:extracting,
		// memory:extracted, pool:status and anything added later.
		l.log(struct {
			entry
			Turn   int    `json:"turn,omitempty"`
			Text   string `json:"text,omitempty"`
			Reason string `json:"reason,omitempty"`
		}{env, ev.Turn, truncate(ev.Text, textLimit), ev.Reason})
	}
}

// Consume drains a bus subscription until it closes. Run it in its own
// goroutine.
func (l *Logger) Consume(ch <-chan session.Event) {
	for ev := range ch {
		l.SessionEvent(ev)
	}
}

// Close closes the underlying file.
func (l *Logger) Close() error {
	if l.w == nil {
		return nil
	}
	return l.w.Close()
}

func (l *Logger) entry(event, handle string) entry {
	return entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Event:     event,
		Handle:    handle,
	}
}

func (l *Logger) log(v any) {
	if l.w == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	data = append(data, '\n')
	l.mu.Lock()
	l.w.Write(data)
	l.mu.Unlock()
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
