package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/redswoop/domuser/internal/llm"
	"github.com/redswoop/domuser/internal/persona"
)

type stubCompleter struct {
	reply  string
	err    error
	system string
	msgs   []llm.Message
}

func (s *stubCompleter) Complete(ctx context.Context, system string, msgs []llm.Message) (string, error) {
	s.system = system
	s.msgs = msgs
	return s.reply, s.err
}

const extractionReply = "Here is the updated memory.\n```yaml\n" +
	`credentials:
  username: byterider
  password: hunter2
  registered: true
knowledge:
  board_name: The Citadel
relationships:
  SysOp:
    role: mentor
    trust: 12
    respect: 7
plots:
  active:
    - description: win weekly trivia
  completed: []
summary: Logged in, read the message bases, greeted the SysOp.
` + "```\n"

func testPersona() *persona.Persona {
	return &persona.Persona{Name: "Marcus Chen", Handle: "ByteRider"}
}

func TestExtractMergesAndSaves(t *testing.T) {
	s := Open(t.TempDir(), "host", "ByteRider", nil)
	tr := s.NewTranscript(time.Date(2026, 8, 25, 21, 0, 0, 0, time.UTC))
	tr.AddScreen(1, "Welcome")
	tr.AddResponse(1, "LINE: hi")
	tr.AddNote("the trivia door opens fridays")
	tr.Close()

	stub := &stubCompleter{reply: extractionReply}
	e := NewExtractor(stub, nil)
	if err := e.Extract(context.Background(), s, tr, testPersona()); err != nil {
		t.Fatalf("Extract: %v", err)
	}

	if !s.Credentials.Registered || s.Credentials.Username != "byterider" {
		t.Errorf("credentials = %+v", s.Credentials)
	}
	if r := s.Relationships["SysOp"]; r.Trust != 10 {
		t.Errorf("trust not clamped on extraction merge: %+v", r)
	}
	if len(s.Plots.Active) != 1 || s.Plots.Active[0].ID == "" {
		t.Errorf("plots = %+v", s.Plots)
	}

	// Files landed on disk.
	if _, err := os.Stat(filepath.Join(s.Dir(), "credentials.yaml")); err != nil {
		t.Errorf("credentials.yaml: %v", err)
	}
	sum, err := os.ReadFile(filepath.Join(s.Dir(), "sessions", "20260825T210000Z.summary.md"))
	if err != nil {
		t.Fatalf("summary file: %v", err)
	}
	if !strings.Contains(string(sum), "greeted the SysOp") {
		t.Errorf("summary = %q", sum)
	}

	// The prompt carried the transcript and the notes.
	if len(stub.msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(stub.msgs))
	}
	prompt := stub.msgs[0].Content
	for _, want := range []string{"Marcus Chen", "Welcome", "LINE: hi", "trivia door opens fridays"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestExtractSurfacesLLMError(t *testing.T) {
	s := Open(t.TempDir(), "host", "handle", nil)
	tr := s.NewTranscript(time.Now())
	tr.Close()

	e := NewExtractor(&stubCompleter{err: fmt.Errorf("model offline")}, nil)
	if err := e.Extract(context.Background(), s, tr, testPersona()); err == nil {
		t.Fatal("expected error when the model is unavailable")
	}
	if _, err := os.Stat(filepath.Join(s.Dir(), "credentials.yaml")); !os.IsNotExist(err) {
		t.Error("failed extraction still wrote memory files")
	}
}

func TestExtractRejectsGarbageReply(t *testing.T) {
	s := Open(t.TempDir(), "host", "handle", nil)
	tr := s.NewTranscript(time.Now())
	tr.Close()

	e := NewExtractor(&stubCompleter{reply: "\t{]{] definitely } not yaml ["}, nil)
	if err := e.Extract(context.Background(), s, tr, testPersona()); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestParseExtractionWithoutFence(t *testing.T) {
	u, err := parseExtraction("summary: plain yaml with no fence\n")
	if err != nil {
		t.Fatalf("parseExtraction: %v", err)
	}
	if u.Summary != "plain yaml with no fence" {
		t.Errorf("summary = %q", u.Summary)
	}
}
