package session

import (
	"sync"
	"time"
)

// EventType names one kind of session event.
type EventType string

const (
	EventSessionStart     EventType = "session:start"
	EventSessionEnd       EventType = "session:end"
	EventTurnScreen       EventType = "turn:screen"
	EventTurnThinking     EventType = "turn:thinking"
	EventTurnResponse     EventType = "turn:response"
	EventTurnAction       EventType = "turn:action"
	EventTurnMore         EventType = "turn:more"
	EventTurnStuck        EventType = "turn:stuck"
	EventMemoryNote       EventType = "memory:note"
	EventMemoryExtracting EventType = "memory:extracting"
	EventMemoryExtracted  EventType = "memory:extracted"
	EventError            EventType = "error"
)

// Event is one observable moment in a session's life.
type Event struct {
	Type   EventType
	Handle string
	Turn   int
	Time   time.Time
	Text   string  // screen, thinking, response, or note payload
	Action *Action // set for turn:action
	Reason string  // set for session:end
	Err    error   // set for error
}

const defaultEventBuffer = 64

// Emitter fans session events out to subscribers. Sends never block:
// a subscriber that falls behind its buffer loses events rather than
// stalling the session loop.
type Emitter struct {
	mu     sync.Mutex
	subs   []chan Event
	closed bool
}

// NewEmitter returns an empty Emitter.
func NewEmitter() *Emitter {
	return &Emitter{}
}

// Subscribe registers a new consumer and returns its channel. A buf
// below 1 gets the default buffer size.
func (e *Emitter) Subscribe(buf int) <-chan Event {
	if buf < 1 {
		buf = defaultEventBuffer
	}
	ch := make(chan Event, buf)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		close(ch)
		return ch
	}
	e.subs = append(e.subs, ch)
	return ch
}

// Emit delivers ev to every subscriber without blocking.
func (e *Emitter) Emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close closes every subscriber channel. Further Emit calls are no-ops.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for _, ch := range e.subs {
		close(ch)
	}
	e.subs = nil
}
