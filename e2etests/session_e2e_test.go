package e2etests

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/redswoop/domuser/internal/activitylog"
	"github.com/redswoop/domuser/internal/memory"
	"github.com/redswoop/domuser/internal/persona"
	"github.com/redswoop/domuser/internal/session"
	"github.com/redswoop/domuser/internal/telnet"
	"github.com/redswoop/domuser/internal/virtualterminal"
)

const loginBanner = "Welcome to THE WASTELANDS BBS\r\n\r\nlogin: "

func e2ePersona() *persona.Persona {
	return &persona.Persona{
		Name:   "Marcus Webb",
		Handle: "AceRunner",
		Behavior: persona.Behavior{
			Goals:                []string{"log in and look around"},
			SessionLengthMinutes: 1,
		},
	}
}

// runPipeline connects a session to the board through the real telnet
// client and terminal buffer, runs it to completion, and returns the
// events it emitted plus the memory dir.
func runPipeline(t *testing.T, board *fakeBoard, caller *scriptedCaller, maxTurns int) ([]session.Event, string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := telnet.Dial(ctx, "127.0.0.1", board.Port(), 5*time.Second)
	if err != nil {
		t.Fatalf("dial board: %v", err)
	}
	defer conn.Close()

	buffer := virtualterminal.NewBuffer(120*time.Millisecond, 40*time.Millisecond, nil)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				buffer.Feed(buf[:n])
			}
			if err != nil {
				buffer.Close()
				conn.Close()
				return
			}
		}
	}()

	memDir := t.TempDir()
	store := memory.Open(memDir, "127.0.0.1", "AceRunner", discardLogger())

	sess := session.New(session.Config{
		Persona:      e2ePersona(),
		Transport:    conn,
		Buffer:       buffer,
		Store:        store,
		Completer:    caller,
		Extractor:    memory.NewExtractor(caller, discardLogger()),
		Logger:       discardLogger(),
		MaxTurns:     maxTurns,
		SessionTime:  time.Minute,
		KeystrokeMin: time.Millisecond,
		KeystrokeMax: 2 * time.Millisecond,
	})

	events := sess.Events().Subscribe(256)
	var collected []session.Event
	collectDone := make(chan struct{})
	go func() {
		defer close(collectDone)
		for ev := range events {
			collected = append(collected, ev)
		}
	}()

	if err := sess.Run(ctx); err != nil {
		t.Fatalf("session run: %v", err)
	}
	sess.Events().Close()
	<-collectDone
	return collected, memDir
}

func TestFullSessionAgainstScriptedBoard(t *testing.T) {
	board := startFakeBoard(t, loginBanner, map[string]string{
		"AceRunner": "password: ",
		"swordfish": "\r\n[M]essage Bases  [F]ile Areas  [G]oodbye\r\nMain Menu > ",
	})

	caller := &scriptedCaller{replies: []string{
		"THINKING: login prompt, use my handle\nLINE: AceRunner",
		"LINE: swordfish",
		"MEMORY: the sysop runs a tight board\nDISCONNECT: done for tonight",
		"```yaml\ncredentials:\n  username: AceRunner\n  password: swordfish\n  registered: true\nknowledge:\n  board_name: THE WASTELANDS BBS\n  menus: [Main Menu]\nsummary: Logged in and skimmed the main menu before signing off.\n```",
	}}

	events, memDir := runPipeline(t, board, caller, 10)

	typed := board.Received()
	if !strings.Contains(typed, "AceRunner") || !strings.Contains(typed, "swordfish") {
		t.Errorf("board received %q, want handle and password typed", typed)
	}

	kinds := make(map[session.EventType]int)
	var end session.Event
	var sawBanner, sawLogin bool
	for _, ev := range events {
		kinds[ev.Type]++
		if ev.Type == session.EventTurnScreen && strings.Contains(ev.Text, "WASTELANDS") {
			sawBanner = true
		}
		if ev.Type == session.EventTurnAction && ev.Action.String() == "LINE: AceRunner" {
			sawLogin = true
		}
		if ev.Type == session.EventSessionEnd {
			end = ev
		}
	}
	if kinds[session.EventSessionStart] != 1 {
		t.Errorf("session:start count = %d", kinds[session.EventSessionStart])
	}
	if !sawBanner {
		t.Error("no turn:screen event carried the banner")
	}
	if !sawLogin {
		t.Error("no turn:action event carried the login line")
	}
	if kinds[session.EventMemoryNote] != 1 {
		t.Errorf("memory:note count = %d", kinds[session.EventMemoryNote])
	}
	if kinds[session.EventMemoryExtracting] != 1 {
		t.Errorf("memory:extracting count = %d", kinds[session.EventMemoryExtracting])
	}
	if end.Reason != session.ReasonDisconnect {
		t.Errorf("end reason = %q, want %q", end.Reason, session.ReasonDisconnect)
	}
	if caller.callCount() != 4 {
		t.Errorf("model calls = %d, want 3 turns + 1 extraction", caller.callCount())
	}

	// Extraction output lands on disk under <host>/<handle>/.
	personaDir := filepath.Join(memDir, "127.0.0.1", "AceRunner")
	creds, err := os.ReadFile(filepath.Join(personaDir, "credentials.yaml"))
	if err != nil {
		t.Fatalf("read credentials: %v", err)
	}
	if !strings.Contains(string(creds), "username: AceRunner") {
		t.Errorf("credentials.yaml = %s", creds)
	}

	sessions, err := os.ReadDir(filepath.Join(personaDir, "sessions"))
	if err != nil {
		t.Fatalf("read sessions dir: %v", err)
	}
	var haveTranscript, haveSummary bool
	for _, e := range sessions {
		if strings.HasSuffix(e.Name(), ".jsonl") {
			haveTranscript = true
			data, _ := os.ReadFile(filepath.Join(personaDir, "sessions", e.Name()))
			if !strings.Contains(string(data), `"screen"`) {
				t.Error("transcript has no screen records")
			}
		}
		if strings.HasSuffix(e.Name(), ".summary.md") {
			haveSummary = true
			data, _ := os.ReadFile(filepath.Join(personaDir, "sessions", e.Name()))
			if !strings.Contains(string(data), "skimmed the main menu") {
				t.Errorf("summary = %s", data)
			}
		}
	}
	if !haveTranscript {
		t.Error("no transcript written")
	}
	if !haveSummary {
		t.Error("no summary written")
	}
}

func TestLostCarrierEndsSession(t *testing.T) {
	board := startFakeBoard(t, loginBanner, map[string]string{})
	board.closeAfterLine = "AceRunner"

	caller := &scriptedCaller{replies: []string{
		"LINE: AceRunner",
	}}

	events, _ := runPipeline(t, board, caller, 20)

	var end session.Event
	for _, ev := range events {
		if ev.Type == session.EventSessionEnd {
			end = ev
		}
	}
	if end.Reason != session.ReasonConnectionLost {
		t.Errorf("end reason = %q, want %q", end.Reason, session.ReasonConnectionLost)
	}
}

func TestActivityLogRecordsSessionFeed(t *testing.T) {
	board := startFakeBoard(t, loginBanner, map[string]string{})

	caller := &scriptedCaller{replies: []string{
		"KEY: enter",
		"DISCONNECT: nothing here",
	}}

	logPath := filepath.Join(t.TempDir(), "activity.log")
	activity := activitylog.New(true, logPath)

	events, _ := runPipeline(t, board, caller, 10)
	for _, ev := range events {
		activity.SessionEvent(ev)
	}
	activity.Close()

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read activity log: %v", err)
	}
	text := string(data)
	if !strings.Contains(text, `"session:start"`) || !strings.Contains(text, `"session:end"`) {
		t.Errorf("activity log missing lifecycle entries:\n%s", text)
	}
	if strings.Contains(text, "WASTELANDS") {
		t.Error("activity log leaked screen content")
	}
}
