// Package session runs the read/think/act loop for one persona dialed
// into one board: wait for the screen to settle, ask the model what a
// human would do, then type it at human speed.
package session

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/redswoop/domuser/internal/llm"
	"github.com/redswoop/domuser/internal/memory"
	"github.com/redswoop/domuser/internal/persona"
)

// Transport is the byte stream to the board. telnet.Conn satisfies it,
// as does a local PTY process.
type Transport interface {
	Write(p []byte) (int, error)
	SendKey(name string) error
	Connected() bool
	Close() error
}

// Buffer hands the loop settled screens.
type Buffer interface {
	WaitForIdle(ctx context.Context) (string, error)
}

// Limiter gates model calls. A nil Limiter means no limit.
type Limiter interface {
	Acquire(ctx context.Context) error
}

// MemoryExtractor distills a finished session into the persona's memory.
type MemoryExtractor interface {
	Extract(ctx context.Context, s *memory.Store, t *memory.Transcript, p *persona.Persona) error
}

const (
	defaultMaxTurns    = 60
	defaultSessionTime = 20 * time.Minute
	defaultKeyMin      = 40 * time.Millisecond
	defaultKeyMax      = 120 * time.Millisecond

	// Pacing between the model's actions.
	interActionDelay = 200 * time.Millisecond
	preEnterDelay    = 100 * time.Millisecond
	stuckNudgeDelay  = 500 * time.Millisecond
	retryDelay       = 2 * time.Second

	historyLimit   = 16
	priorScreenMax = 2
	morePromptTail = 100
)

// morePromptRe matches pagination prompts worth answering without a
// model round trip.
var morePromptRe = regexp.MustCompile(`(?i)\[More:?\]|Continue\s*\[Y/n\]|Press (ENTER|RETURN|any key) to continue|pause`)

// End reasons reported on session:end.
const (
	ReasonStopped        = "stopped"
	ReasonDisconnect     = "disconnect"
	ReasonConnectionLost = "connection lost"
	ReasonMaxTurns       = "max turns"
	ReasonTimeLimit      = "time limit"
)

// Config wires one session together. Transport, Buffer, Store, Persona,
// and Completer are required; the rest default sensibly.
type Config struct {
	Persona   *persona.Persona
	Transport Transport
	Buffer    Buffer
	Store     *memory.Store
	Completer llm.Completer
	Extractor MemoryExtractor // nil skips extraction
	Limiter   Limiter         // nil means unlimited
	Events    *Emitter        // nil creates a private one
	Logger    *slog.Logger
	Clock     clockwork.Clock // nil means wall clock

	MaxTurns     int
	SessionTime  time.Duration
	KeystrokeMin time.Duration
	KeystrokeMax time.Duration
}

// Session is one connect-to-disconnect run of one persona.
type Session struct {
	persona   *persona.Persona
	transport Transport
	buffer    Buffer
	store     *memory.Store
	completer llm.Completer
	extractor MemoryExtractor
	limiter   Limiter
	events    *Emitter
	logger    *slog.Logger
	clock     clockwork.Clock
	rng       *rand.Rand

	maxTurns     int
	sessionTime  time.Duration
	keystrokeMin time.Duration
	keystrokeMax time.Duration

	transcript *memory.Transcript
	system     string

	mu          sync.Mutex
	running     bool
	endReason   string
	turn        int
	lastHash    uint64
	stuck       int
	prevScreens []string
	history     []llm.Message
}

// New builds a Session from cfg. Run must be called exactly once.
func New(cfg Config) *Session {
	s := &Session{
		persona:      cfg.Persona,
		transport:    cfg.Transport,
		buffer:       cfg.Buffer,
		store:        cfg.Store,
		completer:    cfg.Completer,
		extractor:    cfg.Extractor,
		limiter:      cfg.Limiter,
		events:       cfg.Events,
		logger:       cfg.Logger,
		clock:        cfg.Clock,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		maxTurns:     cfg.MaxTurns,
		sessionTime:  cfg.SessionTime,
		keystrokeMin: cfg.KeystrokeMin,
		keystrokeMax: cfg.KeystrokeMax,
		running:      true,
	}
	if s.events == nil {
		s.events = NewEmitter()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.maxTurns <= 0 {
		s.maxTurns = defaultMaxTurns
	}
	if s.sessionTime <= 0 {
		s.sessionTime = defaultSessionTime
	}
	if s.keystrokeMin <= 0 {
		s.keystrokeMin = defaultKeyMin
	}
	if s.keystrokeMax < s.keystrokeMin {
		s.keystrokeMax = defaultKeyMax
	}
	if s.keystrokeMax < s.keystrokeMin {
		s.keystrokeMax = s.keystrokeMin
	}
	return s
}

// Events returns the session's event stream.
func (s *Session) Events() *Emitter {
	return s.events
}

// Handle returns the persona's handle.
func (s *Session) Handle() string {
	return s.persona.Handle
}

// Turn returns the current turn count.
func (s *Session) Turn() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turn
}

// Running reports whether the loop is still live.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stop asks the loop to wind down after the current action.
func (s *Session) Stop() {
	s.halt(ReasonStopped)
}

func (s *Session) halt(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	s.endReason = reason
}

// Run executes the session until a stop condition, then extracts memory.
// The returned error covers setup only; in-session failures are events.
func (s *Session) Run(ctx context.Context) error {
	system, err := systemPrompt(s.persona, s.store)
	if err != nil {
		return fmt.Errorf("build system prompt: %w", err)
	}
	s.system = system
	s.transcript = s.store.NewTranscript(time.Now())
	defer s.transcript.Close()

	deadline := s.clock.Now().Add(s.sessionTime)
	s.logger.Info("session started",
		"handle", s.persona.Handle,
		"max_turns", s.maxTurns,
		"session_time", s.sessionTime)
	s.emit(Event{Type: EventSessionStart})

	var reason string
	for {
		reason = s.exitReason(deadline)
		if reason != "" {
			break
		}
		if err := s.tick(ctx); err != nil {
			if ctx.Err() != nil {
				reason = ReasonStopped
				break
			}
			s.logger.Warn("turn failed", "handle", s.persona.Handle, "err", err)
			s.emit(Event{Type: EventError, Err: err})
			s.clock.Sleep(retryDelay)
		}
	}

	s.extract(ctx)
	s.logger.Info("session ended", "handle", s.persona.Handle, "reason", reason, "turns", s.Turn())
	s.emit(Event{Type: EventSessionEnd, Reason: reason})
	return nil
}

// exitReason checks the loop's stop conditions between ticks.
func (s *Session) exitReason(deadline time.Time) string {
	s.mu.Lock()
	running, stored, turn := s.running, s.endReason, s.turn
	s.mu.Unlock()

	switch {
	case !running:
		if stored != "" {
			return stored
		}
		return ReasonStopped
	case !s.transport.Connected():
		return ReasonConnectionLost
	case turn >= s.maxTurns:
		return ReasonMaxTurns
	case !s.clock.Now().Before(deadline):
		return ReasonTimeLimit
	}
	return ""
}

func (s *Session) tick(ctx context.Context) error {
	screen, err := s.buffer.WaitForIdle(ctx)
	if err != nil {
		return err
	}
	if screen == "" {
		return nil
	}

	s.mu.Lock()
	s.turn++
	turn := s.turn
	prior := append([]string(nil), s.prevScreens...)
	s.prevScreens = append(s.prevScreens, screen)
	if len(s.prevScreens) > priorScreenMax {
		s.prevScreens = s.prevScreens[len(s.prevScreens)-priorScreenMax:]
	}
	s.mu.Unlock()

	s.transcript.AddScreen(turn, screen)
	s.emit(Event{Type: EventTurnScreen, Text: screen})

	if morePromptRe.MatchString(tail(screen, morePromptTail)) {
		s.emit(Event{Type: EventTurnMore})
		return s.transport.SendKey("enter")
	}

	if s.noteStuck(screen) {
		s.emit(Event{Type: EventTurnStuck})
		s.logger.Debug("screen unchanged three times, nudging", "handle", s.persona.Handle, "turn", turn)
		if err := s.transport.SendKey("esc"); err != nil {
			return err
		}
		s.clock.Sleep(stuckNudgeDelay)
		return s.transport.SendKey("enter")
	}

	if turn > 3 {
		prior = nil
	}
	user := userMessage(turn, prior, screen)

	s.mu.Lock()
	s.history = append(s.history, llm.Message{Role: "user", Content: user})
	if len(s.history) > historyLimit {
		s.history = s.history[len(s.history)-historyLimit:]
	}
	messages := append([]llm.Message(nil), s.history...)
	s.mu.Unlock()

	if s.limiter != nil {
		if err := s.limiter.Acquire(ctx); err != nil {
			return err
		}
	}
	text, err := s.completer.Complete(ctx, s.system, messages)
	if err != nil {
		return fmt.Errorf("model call: %w", err)
	}

	s.mu.Lock()
	s.history = append(s.history, llm.Message{Role: "assistant", Content: text})
	s.mu.Unlock()
	s.transcript.AddResponse(turn, text)
	s.emit(Event{Type: EventTurnResponse, Text: text})

	return s.execute(ctx, ParseActions(text, s.logger))
}

// noteStuck hashes the settled screen and reports whether this is the
// third identical one in a row. Reporting resets the counter.
func (s *Session) noteStuck(screen string) bool {
	h := fnv.New64a()
	h.Write([]byte(strings.TrimSpace(screen)))
	sum := h.Sum64()

	s.mu.Lock()
	defer s.mu.Unlock()
	if sum == s.lastHash {
		s.stuck++
	} else {
		s.stuck = 0
	}
	s.lastHash = sum
	if s.stuck >= 2 {
		s.stuck = 0
		return true
	}
	return false
}

// execute performs the parsed actions in order, bailing out as soon as
// the session stops or the line drops.
func (s *Session) execute(ctx context.Context, actions []Action) error {
	prevPaced := false
	for _, a := range actions {
		if !s.Running() || !s.transport.Connected() {
			return nil
		}
		paced := a.Kind != ActionThinking && a.Kind != ActionWait
		if paced && prevPaced {
			s.clock.Sleep(interActionDelay)
		}
		prevPaced = paced

		switch a.Kind {
		case ActionThinking:
			s.emit(Event{Type: EventTurnThinking, Text: a.Text})
		case ActionLine:
			s.emit(Event{Type: EventTurnAction, Action: &a})
			if err := s.typeText(a.Text); err != nil {
				return err
			}
			s.clock.Sleep(preEnterDelay)
			if err := s.transport.SendKey("enter"); err != nil {
				return err
			}
		case ActionTypeText:
			s.emit(Event{Type: EventTurnAction, Action: &a})
			if err := s.typeText(a.Text); err != nil {
				return err
			}
		case ActionKey:
			s.emit(Event{Type: EventTurnAction, Action: &a})
			if err := s.transport.SendKey(a.Text); err != nil {
				return err
			}
		case ActionWait:
			s.emit(Event{Type: EventTurnAction, Action: &a})
			s.clock.Sleep(time.Duration(a.Ms) * time.Millisecond)
		case ActionMemory:
			s.transcript.AddNote(a.Text)
			s.emit(Event{Type: EventMemoryNote, Text: a.Text})
		case ActionDisconnect:
			s.emit(Event{Type: EventTurnAction, Action: &a})
			s.halt(ReasonDisconnect)
			if err := s.transport.Close(); err != nil {
				s.logger.Debug("close after disconnect", "err", err)
			}
			return nil
		}
	}
	return nil
}

// typeText sends text one rune at a time with a human keystroke cadence.
func (s *Session) typeText(text string) error {
	for _, r := range text {
		s.clock.Sleep(s.keystrokeDelay())
		if _, err := s.transport.Write([]byte(string(r))); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) keystrokeDelay() time.Duration {
	if s.keystrokeMax <= s.keystrokeMin {
		return s.keystrokeMin
	}
	return s.keystrokeMin + time.Duration(s.rng.Int63n(int64(s.keystrokeMax-s.keystrokeMin)))
}

// extract runs the post-session memory pass. Failures are logged, never
// raised: a bad extraction must not poison the pool.
func (s *Session) extract(ctx context.Context) {
	if s.extractor == nil {
		return
	}
	if len(s.transcript.Records()) == 0 {
		s.logger.Debug("nothing to extract", "handle", s.persona.Handle)
		return
	}

	if notes := s.transcript.Notes(); len(notes) > 0 {
		s.mu.Lock()
		s.history = append(s.history, llm.Message{
			Role:    "assistant",
			Content: "MEMORY notes from this session:\n- " + strings.Join(notes, "\n- "),
		})
		s.mu.Unlock()
	}

	s.emit(Event{Type: EventMemoryExtracting})
	if s.limiter != nil {
		if err := s.limiter.Acquire(ctx); err != nil {
			s.logger.Warn("skipping extraction", "handle", s.persona.Handle, "err", err)
			return
		}
	}
	if err := s.extractor.Extract(ctx, s.store, s.transcript, s.persona); err != nil {
		s.logger.Warn("memory extraction failed", "handle", s.persona.Handle, "err", err)
		s.emit(Event{Type: EventError, Err: err, Reason: "memory extraction"})
		return
	}
	s.emit(Event{Type: EventMemoryExtracted})
}

// emit stamps the event with identity, turn, and time before fan-out.
func (s *Session) emit(ev Event) {
	ev.Handle = s.persona.Handle
	ev.Turn = s.Turn()
	ev.Time = time.Now()
	s.events.Emit(ev)
}

// tail returns the last n bytes of text.
func tail(text string, n int) string {
	if len(text) <= n {
		return text
	}
	return text[len(text)-n:]
}
