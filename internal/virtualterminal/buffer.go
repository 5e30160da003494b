package virtualterminal

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Default idle timings.
const (
	DefaultIdleTimeout = 1500 * time.Millisecond
	DefaultPromptGrace = 300 * time.Millisecond

	historyCap = 40
)

// promptPattern matches lines that look like the board is waiting for
// input, checked against the last few non-blank lines of a snapshot.
var promptPattern = regexp.MustCompile(`(?i)(?:` +
	`[?:>]\s*$` +
	`|\[y/n\]\s*$` +
	`|\[more\]\s*$` +
	`|\[enter\]\s*$` +
	`|password:` +
	`|login:` +
	`|name:` +
	`|handle:` +
	`|command:` +
	`|selection:` +
	`|choice:` +
	`|\(\d+ min left\)` +
	`|press (?:enter|return|any key) to continue` +
	`)`)

// Buffer sits between the connection and the session loop. Incoming
// chunks are CP437-decoded into the screen; WaitForIdle resolves with a
// snapshot once the stream goes quiet (or a prompt sits at the tail and
// the shorter grace elapses). It also keeps a rolling history of distinct
// screens for observers.
type Buffer struct {
	mu          sync.Mutex
	screen      *Screen
	clock       clockwork.Clock
	idleTimeout time.Duration
	promptGrace time.Duration

	history []string
	waiter  chan string
	timer   clockwork.Timer
	closed  bool
}

// NewBuffer returns a Buffer over a fresh 80x24 screen.
func NewBuffer(idleTimeout, promptGrace time.Duration, clock clockwork.Clock) *Buffer {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if promptGrace <= 0 {
		promptGrace = DefaultPromptGrace
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Buffer{
		screen:      NewScreen(Rows, Cols),
		clock:       clock,
		idleTimeout: idleTimeout,
		promptGrace: promptGrace,
	}
}

// Screen exposes the underlying terminal for read-only rendering.
func (b *Buffer) Screen() *Screen {
	return b.screen
}

// Feed pushes a raw chunk from the connection through the decoder and
// terminal. With a waiter pending it re-arms the idle timer; otherwise
// the data is absorbed without one.
func (b *Buffer) Feed(data []byte) {
	text := DecodeCP437(data)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.screen.Write(text)
	if b.waiter != nil {
		b.rearm()
	}
}

// WaitForIdle blocks until the stream has been quiet for the idle window
// and returns the screen snapshot. After Close it returns "" immediately.
// Only one waiter may be pending at a time.
func (b *Buffer) WaitForIdle(ctx context.Context) (string, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", nil
	}
	if b.waiter != nil {
		b.mu.Unlock()
		return "", fmt.Errorf("idle wait already in progress")
	}
	ch := make(chan string, 1)
	b.waiter = ch
	b.rearm()
	b.mu.Unlock()

	select {
	case snap := <-ch:
		return snap, nil
	case <-ctx.Done():
		b.mu.Lock()
		if b.waiter == ch {
			b.waiter = nil
			b.stopTimer()
		}
		b.mu.Unlock()
		return "", ctx.Err()
	}
}

// History returns the rolling list of distinct screens, oldest first.
func (b *Buffer) History() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.history))
	copy(out, b.history)
	return out
}

// Close releases any pending waiter with an empty screen and makes all
// future waits return immediately. Called when the connection drops.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.stopTimer()
	if b.waiter != nil {
		b.waiter <- ""
		b.waiter = nil
	}
}

// rearm restarts the idle timer, using the short prompt grace when the
// screen tail looks like an input prompt. Caller holds b.mu.
func (b *Buffer) rearm() {
	b.stopTimer()
	d := b.idleTimeout
	if promptNear(b.screen.Snapshot()) {
		d = b.promptGrace
	}
	b.timer = b.clock.AfterFunc(d, b.fire)
}

func (b *Buffer) stopTimer() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

// fire resolves the pending waiter with the current snapshot and records
// it in the history.
func (b *Buffer) fire() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.waiter == nil {
		return
	}
	snap := b.screen.Snapshot()
	if snap != "" && (len(b.history) == 0 || b.history[len(b.history)-1] != snap) {
		b.history = append(b.history, snap)
		if len(b.history) > historyCap {
			b.history = b.history[1:]
		}
	}
	b.waiter <- snap
	b.waiter = nil
	b.timer = nil
}

// promptNear reports whether any of the last three non-blank lines match
// a prompt pattern.
func promptNear(snapshot string) bool {
	lines := nonBlankLines(snapshot)
	if len(lines) > 3 {
		lines = lines[len(lines)-3:]
	}
	for _, line := range lines {
		if promptPattern.MatchString(strings.TrimSpace(line)) {
			return true
		}
	}
	return false
}
