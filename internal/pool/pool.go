// Package pool runs sessions with bounded concurrency. Due personas
// queue FIFO; each gets a fresh connection, terminal buffer, and memory
// store, and at most max_concurrent are connecting or live at once.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/redswoop/domuser/internal/llm"
	"github.com/redswoop/domuser/internal/memory"
	"github.com/redswoop/domuser/internal/persona"
	"github.com/redswoop/domuser/internal/session"
	"github.com/redswoop/domuser/internal/simclock"
	"github.com/redswoop/domuser/internal/telnet"
	"github.com/redswoop/domuser/internal/virtualterminal"
)

// EventStatus is emitted on the pool's bus whenever a session changes
// status; Text carries the new status.
const EventStatus session.EventType = "pool:status"

const shutdownPoll = 500 * time.Millisecond

// Status is a session's place in the pool lifecycle.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusConnecting Status = "connecting"
	StatusActive     Status = "active"
	StatusExtracting Status = "extracting"
	StatusDone       Status = "done"
	StatusError      Status = "error"
)

// SessionInfo is the pool's view of one session, safe to copy.
type SessionInfo struct {
	ID         string
	Handle     string
	Status     Status
	StartedAt  time.Time
	EndedAt    time.Time
	Turn       int
	Screen     string
	LastAction string
	Err        error
}

// Stream is what the pool dials: a readable, writable board connection.
// telnet.Conn and localpty.Proc both satisfy it.
type Stream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SendKey(name string) error
	Connected() bool
	Close() error
}

// Dialer opens a fresh connection for one session.
type Dialer func(ctx context.Context) (Stream, error)

// Config wires the pool. Host and Port feed the default telnet dialer
// when Dialer is nil.
type Config struct {
	Host           string
	Port           int
	MaxConcurrent  int
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
	PromptGrace    time.Duration
	KeystrokeMin   time.Duration
	KeystrokeMax   time.Duration
	MaxTurns       int
	MemoryDir      string

	Clock     *simclock.Clock
	Completer llm.Completer
	Extractor session.MemoryExtractor
	Limiter   session.Limiter
	Dialer    Dialer
	Logger    *slog.Logger
	Events    *session.Emitter
}

type queued struct {
	id      string
	persona *persona.Persona
}

type entry struct {
	sess   *session.Session
	stream Stream
	buffer *virtualterminal.Buffer
}

// Pool is the bounded session runner.
type Pool struct {
	cfg    Config
	dial   Dialer
	logger *slog.Logger
	events *session.Emitter

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	queue   []queued
	active  map[string]*entry
	infos   map[string]*SessionInfo
	order   []string
	pending int
	closed  bool
}

// New builds a Pool from cfg.
func New(cfg Config) *Pool {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Events == nil {
		cfg.Events = session.NewEmitter()
	}
	p := &Pool{
		cfg:    cfg,
		dial:   cfg.Dialer,
		logger: cfg.Logger,
		events: cfg.Events,
		active: make(map[string]*entry),
		infos:  make(map[string]*SessionInfo),
	}
	if p.dial == nil {
		p.dial = func(ctx context.Context) (Stream, error) {
			return telnet.Dial(ctx, cfg.Host, cfg.Port, cfg.ConnectTimeout)
		}
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p
}

// Events returns the pool's shared event bus. Every session's events are
// forwarded onto it, plus pool:status transitions.
func (p *Pool) Events() *session.Emitter {
	return p.events
}

// Enqueue adds a persona to the FIFO queue and starts it if a slot is free.
func (p *Pool) Enqueue(pe *persona.Persona) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	id := uuid.NewString()[:8]
	p.infos[id] = &SessionInfo{ID: id, Handle: pe.Handle, Status: StatusQueued}
	p.order = append(p.order, id)
	p.queue = append(p.queue, queued{id: id, persona: pe})
	p.mu.Unlock()

	p.logger.Debug("session queued", "handle", pe.Handle, "id", id)
	p.tryStartNext()
}

// tryStartNext starts queued sessions while capacity allows. Connecting
// sessions count against the limit until they land in active or fail.
func (p *Pool) tryStartNext() {
	for {
		p.mu.Lock()
		if p.closed || len(p.queue) == 0 || len(p.active)+p.pending >= p.cfg.MaxConcurrent {
			p.mu.Unlock()
			return
		}
		next := p.queue[0]
		p.queue = p.queue[1:]
		p.pending++
		p.mu.Unlock()

		go p.startSession(next)
	}
}

// startSession dials and, on success, hands the connection to a session
// loop goroutine. It returns once the session is running (or failed to
// connect); the loop's end lands in finishSession.
func (p *Pool) startSession(q queued) {
	pe := q.persona
	p.setStatus(q.id, StatusConnecting, nil)
	p.logger.Info("connecting", "handle", pe.Handle, "id", q.id)

	stream, err := p.dial(p.ctx)
	if err != nil {
		p.mu.Lock()
		p.pending--
		p.mu.Unlock()
		p.setStatus(q.id, StatusError, err)
		p.logger.Warn("connect failed", "handle", pe.Handle, "err", err)
		p.tryStartNext()
		return
	}

	buffer := virtualterminal.NewBuffer(p.cfg.IdleTimeout, p.cfg.PromptGrace, nil)
	store := memory.Open(p.cfg.MemoryDir, p.cfg.Host, pe.Handle, p.logger)

	// Pump connection bytes into the buffer until the stream dies; the
	// buffer closing in turn unblocks the loop's idle wait.
	go func() {
		buf := make([]byte, 4096)
		for {
			n, rerr := stream.Read(buf)
			if n > 0 {
				buffer.Feed(buf[:n])
			}
			if rerr != nil {
				buffer.Close()
				stream.Close()
				return
			}
		}
	}()

	sess := session.New(session.Config{
		Persona:      pe,
		Transport:    stream,
		Buffer:       buffer,
		Store:        store,
		Completer:    p.cfg.Completer,
		Extractor:    p.cfg.Extractor,
		Limiter:      p.cfg.Limiter,
		Logger:       p.logger,
		MaxTurns:     p.cfg.MaxTurns,
		SessionTime:  time.Duration(pe.SessionMinutes()) * time.Minute,
		KeystrokeMin: p.cfg.KeystrokeMin,
		KeystrokeMax: p.cfg.KeystrokeMax,
	})

	p.mu.Lock()
	p.active[q.id] = &entry{sess: sess, stream: stream, buffer: buffer}
	p.pending--
	if info, ok := p.infos[q.id]; ok {
		info.Status = StatusActive
		info.StartedAt = time.Now()
	}
	p.mu.Unlock()
	p.emitStatus(q.id, pe.Handle, StatusActive)
	if p.cfg.Clock != nil {
		p.cfg.Clock.SessionStarted()
	}

	events := sess.Events().Subscribe(128)
	go p.follow(q.id, events)

	go func() {
		err := sess.Run(p.ctx)
		sess.Events().Close()
		p.finishSession(q.id, err)
	}()
}

// follow mirrors one session's events into the pool info and the bus.
func (p *Pool) follow(id string, events <-chan session.Event) {
	for ev := range events {
		p.mu.Lock()
		if info, ok := p.infos[id]; ok {
			info.Turn = ev.Turn
			switch ev.Type {
			case session.EventTurnScreen:
				info.Screen = ev.Text
			case session.EventTurnAction:
				if ev.Action != nil {
					info.LastAction = ev.Action.String()
				}
			case session.EventTurnThinking:
				info.LastAction = "THINKING: " + ev.Text
			case session.EventMemoryExtracting:
				info.Status = StatusExtracting
			}
		}
		p.mu.Unlock()
		if ev.Type == session.EventMemoryExtracting {
			p.emitStatus(id, ev.Handle, StatusExtracting)
		}
		p.events.Emit(ev)
	}
}

// finishSession tears one session down and frees its slot.
func (p *Pool) finishSession(id string, runErr error) {
	p.mu.Lock()
	e, ok := p.active[id]
	delete(p.active, id)
	status := StatusDone
	if runErr != nil {
		status = StatusError
	}
	var handle string
	if info, present := p.infos[id]; present {
		info.Status = status
		info.EndedAt = time.Now()
		info.Err = runErr
		handle = info.Handle
	}
	p.mu.Unlock()

	if ok {
		e.stream.Close()
		e.buffer.Close()
	}
	if p.cfg.Clock != nil {
		p.cfg.Clock.SessionEnded()
	}
	p.emitStatus(id, handle, status)
	p.logger.Info("session finished", "handle", handle, "id", id, "status", status)
	p.tryStartNext()
}

func (p *Pool) setStatus(id string, status Status, err error) {
	p.mu.Lock()
	var handle string
	if info, ok := p.infos[id]; ok {
		info.Status = status
		info.Err = err
		if status == StatusError {
			info.EndedAt = time.Now()
		}
		handle = info.Handle
	}
	p.mu.Unlock()
	p.emitStatus(id, handle, status)
}

func (p *Pool) emitStatus(id, handle string, status Status) {
	p.events.Emit(session.Event{
		Type:   EventStatus,
		Handle: handle,
		Time:   time.Now(),
		Text:   string(status),
		Reason: id,
	})
}

// Sessions returns every tracked session in enqueue order.
func (p *Pool) Sessions() []SessionInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SessionInfo, 0, len(p.order))
	for _, id := range p.order {
		if info, ok := p.infos[id]; ok {
			out = append(out, *info)
		}
	}
	return out
}

// ActiveCount returns the number of live sessions.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// PendingConnections returns the number of in-flight connects.
func (p *Pool) PendingConnections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

// QueueLength returns the number of personas still waiting.
func (p *Pool) QueueLength() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Idle reports whether nothing is queued, connecting, or running.
func (p *Pool) Idle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue) == 0 && len(p.active) == 0 && p.pending == 0
}

// Shutdown stops every session cooperatively, waits up to timeout for
// the pool to drain, then force-disconnects whatever is left. The queue
// is discarded either way.
func (p *Pool) Shutdown(timeout time.Duration) {
	p.mu.Lock()
	p.closed = true
	for _, q := range p.queue {
		if info, ok := p.infos[q.id]; ok {
			info.Status = StatusDone
			info.EndedAt = time.Now()
		}
	}
	p.queue = nil
	entries := make([]*entry, 0, len(p.active))
	for _, e := range p.active {
		entries = append(entries, e)
	}
	p.mu.Unlock()

	for _, e := range entries {
		e.sess.Stop()
	}

	deadline := time.Now().Add(timeout)
	for {
		p.mu.Lock()
		drained := len(p.active) == 0 && p.pending == 0
		p.mu.Unlock()
		if drained {
			p.cancel()
			return
		}
		if !time.Now().Before(deadline) {
			break
		}
		time.Sleep(shutdownPoll)
	}

	p.logger.Warn("shutdown deadline passed, forcing disconnects")
	p.mu.Lock()
	entries = entries[:0]
	for _, e := range p.active {
		entries = append(entries, e)
	}
	p.mu.Unlock()
	for _, e := range entries {
		e.stream.Close()
		e.buffer.Close()
	}
	p.cancel()
}
