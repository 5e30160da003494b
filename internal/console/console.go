// Package console renders one session to the operator's terminal in
// single mode: settled screens, the persona's thinking and actions, and
// lifecycle markers, styled via termstyle. Passthrough hands the
// operator's own keystrokes to the board until Ctrl-].
package console

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
	"golang.org/x/term"

	"github.com/redswoop/domuser/internal/session"
	"github.com/redswoop/domuser/internal/termstyle"
)

// detachByte ends passthrough (Ctrl-]).
const detachByte = 0x1D

// Console writes a styled feed of session events. Safe for concurrent
// use with Passthrough.
type Console struct {
	mu   sync.Mutex
	out  io.Writer
	crlf bool
}

// New returns a Console writing to out (os.Stdout when nil).
func New(out io.Writer) *Console {
	if out == nil {
		out = os.Stdout
	}
	return &Console{out: out}
}

// SetCRLF switches line endings for raw-mode terminals, where a bare
// newline does not return the carriage.
func (c *Console) SetCRLF(on bool) {
	c.mu.Lock()
	c.crlf = on
	c.mu.Unlock()
}

// Render consumes events until the channel closes. Model responses are
// not echoed; the thinking and action lines carry the same content.
func (c *Console) Render(events <-chan session.Event) {
	for ev := range events {
		switch ev.Type {
		case session.EventSessionStart:
			c.line(termstyle.Bold(fmt.Sprintf("=== %s dialing in ===", ev.Handle)))
		case session.EventTurnScreen:
			c.line("")
			c.line(termstyle.Dim(fmt.Sprintf("-- turn %d --", ev.Turn)))
			c.line(ev.Text)
		case session.EventTurnThinking:
			c.line(termstyle.Cyan("~ " + ev.Text))
		case session.EventTurnAction:
			if ev.Action != nil {
				c.line(termstyle.Yellow("> " + ev.Action.String()))
			}
		case session.EventTurnMore:
			c.line(termstyle.Dim("[more prompt, sending enter]"))
		case session.EventTurnStuck:
			c.line(termstyle.Yellow("[screen stuck, nudging]"))
		case session.EventMemoryNote:
			c.line(termstyle.Magenta("mem: " + ev.Text))
		case session.EventMemoryExtracting:
			c.line(termstyle.Dim("extracting memories..."))
		case session.EventMemoryExtracted:
			c.line(termstyle.Dim("memory updated"))
		case session.EventSessionEnd:
			c.line(termstyle.Bold(fmt.Sprintf("=== %s hung up (%s) ===", ev.Handle, ev.Reason)))
		case session.EventError:
			msg := "error"
			if ev.Err != nil {
				msg = ev.Err.Error()
			}
			c.line(termstyle.Red("error: " + msg))
		}
	}
}

func (c *Console) line(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.crlf {
		s = strings.ReplaceAll(s, "\n", "\r\n")
		fmt.Fprint(c.out, s+"\r\n")
		return
	}
	fmt.Fprintln(c.out, s)
}

// Passthrough puts in into raw mode and forwards its bytes to the board
// until the operator presses Ctrl-] or input closes. The terminal state
// is restored on return.
func Passthrough(in *os.File, transport io.Writer) error {
	fd := int(in.Fd())
	if !isatty.IsTerminal(in.Fd()) && !isatty.IsCygwinTerminal(in.Fd()) {
		return fmt.Errorf("passthrough needs a terminal, stdin is not one")
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("set raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	buf := make([]byte, 256)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if i := bytes.IndexByte(chunk, detachByte); i >= 0 {
				if i > 0 {
					transport.Write(chunk[:i])
				}
				return nil
			}
			if _, werr := transport.Write(chunk); werr != nil {
				return nil
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}
	}
}
