package pool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/redswoop/domuser/internal/llm"
	"github.com/redswoop/domuser/internal/memory"
	"github.com/redswoop/domuser/internal/persona"
	"github.com/redswoop/domuser/internal/session"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// poolStream serves one banner read, then blocks until closed.
type poolStream struct {
	mu     sync.Mutex
	banner []byte
	served bool
	once   sync.Once
	closed chan struct{}
}

func newPoolStream(banner string) *poolStream {
	return &poolStream{banner: []byte(banner), closed: make(chan struct{})}
}

func (s *poolStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	if !s.served {
		s.served = true
		n := copy(p, s.banner)
		s.mu.Unlock()
		return n, nil
	}
	s.mu.Unlock()
	<-s.closed
	return 0, io.EOF
}

func (s *poolStream) Write(p []byte) (int, error) {
	if !s.Connected() {
		return 0, errors.New("stream closed")
	}
	return len(p), nil
}

func (s *poolStream) SendKey(string) error {
	if !s.Connected() {
		return errors.New("stream closed")
	}
	return nil
}

func (s *poolStream) Connected() bool {
	select {
	case <-s.closed:
		return false
	default:
		return true
	}
}

func (s *poolStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// stubDialer hands out poolStreams, optionally delaying or failing
// specific dials by order.
type stubDialer struct {
	mu      sync.Mutex
	delay   time.Duration
	failAt  map[int]error
	count   int
	streams []*poolStream
}

func (d *stubDialer) dial(ctx context.Context) (Stream, error) {
	d.mu.Lock()
	d.count++
	n := d.count
	d.mu.Unlock()

	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := d.failAt[n]; err != nil {
		return nil, err
	}

	s := newPoolStream("login: ")
	d.mu.Lock()
	d.streams = append(d.streams, s)
	d.mu.Unlock()
	return s, nil
}

func (d *stubDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

type stubCompleter struct {
	mu    sync.Mutex
	calls int
	reply string
}

func (c *stubCompleter) Complete(context.Context, string, []llm.Message) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.reply == "" {
		return "WAIT: 0", nil
	}
	return c.reply, nil
}

type stubExtractor struct {
	mu    sync.Mutex
	calls int
}

func (e *stubExtractor) Extract(context.Context, *memory.Store, *memory.Transcript, *persona.Persona) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	return nil
}

func (e *stubExtractor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type openLimiter struct{}

func (openLimiter) Acquire(context.Context) error { return nil }

// eventLog collects bus events until the bus closes.
type eventLog struct {
	mu  sync.Mutex
	evs []session.Event
}

func (l *eventLog) run(ch <-chan session.Event) {
	for ev := range ch {
		l.mu.Lock()
		l.evs = append(l.evs, ev)
		l.mu.Unlock()
	}
}

func (l *eventLog) snapshot() []session.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]session.Event(nil), l.evs...)
}

func (l *eventLog) countStatus(status Status) int {
	n := 0
	for _, ev := range l.snapshot() {
		if ev.Type == EventStatus && ev.Text == string(status) {
			n++
		}
	}
	return n
}

func testPool(t *testing.T, d *stubDialer, maxConcurrent, maxTurns int) *Pool {
	t.Helper()
	p := New(Config{
		Host:          "bbs.example.com",
		Port:          23,
		MaxConcurrent: maxConcurrent,
		IdleTimeout:   60 * time.Millisecond,
		PromptGrace:   25 * time.Millisecond,
		KeystrokeMin:  time.Millisecond,
		KeystrokeMax:  2 * time.Millisecond,
		MaxTurns:      maxTurns,
		MemoryDir:     t.TempDir(),
		Completer:     &stubCompleter{},
		Extractor:     &stubExtractor{},
		Limiter:       openLimiter{},
		Dialer:        d.dial,
		Logger:        discardLogger(),
	})
	t.Cleanup(func() { p.Events().Close() })
	return p
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testPersona(handle string) *persona.Persona {
	p := &persona.Persona{Handle: handle}
	p.Name = handle
	p.Behavior.SessionLengthMinutes = 1
	return p
}

func TestPoolBoundsConcurrency(t *testing.T) {
	dialer := &stubDialer{delay: 30 * time.Millisecond}
	p := testPool(t, dialer, 2, 2)
	extractor := p.cfg.Extractor.(*stubExtractor)

	log := &eventLog{}
	go log.run(p.Events().Subscribe(512))

	over := make(chan int, 1)
	stop := make(chan struct{})
	var sampler sync.WaitGroup
	sampler.Add(1)
	go func() {
		defer sampler.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if n := p.ActiveCount() + p.PendingConnections(); n > 2 {
				select {
				case over <- n:
				default:
				}
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()

	handles := []string{"AceRunner", "BitWitch", "CmdrKeen", "DataDiva"}
	for _, h := range handles {
		p.Enqueue(testPersona(h))
	}

	waitFor(t, 15*time.Second, func() bool {
		return p.Idle() && log.countStatus(StatusDone) == 4
	}, "all sessions to finish")
	close(stop)
	sampler.Wait()

	select {
	case n := <-over:
		t.Fatalf("active+pending reached %d, want <= 2", n)
	default:
	}

	if got := dialer.dials(); got != 4 {
		t.Fatalf("dials = %d, want 4", got)
	}
	if got := extractor.count(); got != 4 {
		t.Fatalf("extractions = %d, want 4", got)
	}

	// FIFO activation: the third connect must wait for the first finish,
	// the fourth for the second.
	evs := log.snapshot()
	var connecting, done []int
	for i, ev := range evs {
		if ev.Type != EventStatus {
			continue
		}
		switch ev.Text {
		case string(StatusConnecting):
			connecting = append(connecting, i)
		case string(StatusDone):
			done = append(done, i)
		}
	}
	if len(connecting) != 4 || len(done) != 4 {
		t.Fatalf("connecting=%d done=%d, want 4 and 4", len(connecting), len(done))
	}
	if connecting[2] < done[0] {
		t.Errorf("third connect at %d before first finish at %d", connecting[2], done[0])
	}
	if connecting[3] < done[1] {
		t.Errorf("fourth connect at %d before second finish at %d", connecting[3], done[1])
	}
	first := map[string]bool{evs[connecting[0]].Handle: true, evs[connecting[1]].Handle: true}
	if !first["AceRunner"] || !first["BitWitch"] {
		t.Errorf("first wave = %v, want AceRunner and BitWitch", first)
	}

	starts := 0
	for _, ev := range evs {
		if ev.Type == session.EventSessionStart {
			starts++
		}
	}
	if starts != 4 {
		t.Errorf("forwarded session:start events = %d, want 4", starts)
	}

	for _, info := range p.Sessions() {
		if info.Status != StatusDone {
			t.Errorf("%s status = %s, want done", info.Handle, info.Status)
		}
		if info.Turn != 2 {
			t.Errorf("%s turn = %d, want 2", info.Handle, info.Turn)
		}
		if info.EndedAt.IsZero() {
			t.Errorf("%s has no end time", info.Handle)
		}
	}
}

func TestPoolConnectFailureFreesSlot(t *testing.T) {
	dialer := &stubDialer{failAt: map[int]error{1: errors.New("connection refused")}}
	p := testPool(t, dialer, 1, 2)

	p.Enqueue(testPersona("AceRunner"))
	p.Enqueue(testPersona("BitWitch"))

	waitFor(t, 10*time.Second, p.Idle, "pool to drain")

	if got := dialer.dials(); got != 2 {
		t.Fatalf("dials = %d, want 2", got)
	}
	infos := p.Sessions()
	if len(infos) != 2 {
		t.Fatalf("sessions = %d, want 2", len(infos))
	}
	if infos[0].Status != StatusError || infos[0].Err == nil {
		t.Errorf("AceRunner = %s (err %v), want error status with cause", infos[0].Status, infos[0].Err)
	}
	if infos[1].Status != StatusDone {
		t.Errorf("BitWitch = %s, want done after slot freed", infos[1].Status)
	}
}

func TestPoolForwardsTurnInfo(t *testing.T) {
	dialer := &stubDialer{}
	p := testPool(t, dialer, 1, 2)

	p.Enqueue(testPersona("AceRunner"))
	waitFor(t, 10*time.Second, p.Idle, "session to finish")

	info := p.Sessions()[0]
	if info.Turn != 2 {
		t.Errorf("turn = %d, want 2", info.Turn)
	}
	if info.Screen == "" {
		t.Error("screen never captured")
	}
	if info.LastAction != "WAIT: 0" {
		t.Errorf("last action = %q, want WAIT: 0", info.LastAction)
	}
}

func TestPoolShutdownStopsAndClearsQueue(t *testing.T) {
	dialer := &stubDialer{}
	p := testPool(t, dialer, 1, 500)

	p.Enqueue(testPersona("AceRunner"))
	p.Enqueue(testPersona("BitWitch"))

	waitFor(t, 5*time.Second, func() bool {
		infos := p.Sessions()
		return len(infos) == 2 && infos[0].Status == StatusActive
	}, "first session to activate")

	start := time.Now()
	p.Shutdown(5 * time.Second)
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("shutdown took %v, want cooperative stop well under the deadline", elapsed)
	}

	if !p.Idle() {
		t.Error("pool not idle after shutdown")
	}
	if got := dialer.dials(); got != 1 {
		t.Errorf("dials = %d, want 1 (queued persona must not start)", got)
	}
	for _, info := range p.Sessions() {
		if info.Status != StatusDone {
			t.Errorf("%s status = %s, want done", info.Handle, info.Status)
		}
	}
	if len(dialer.streams) != 1 || dialer.streams[0].Connected() {
		t.Error("stream still connected after shutdown")
	}

	p.Enqueue(testPersona("CmdrKeen"))
	if got := len(p.Sessions()); got != 2 {
		t.Errorf("enqueue after shutdown added a session, got %d infos", got)
	}
}
