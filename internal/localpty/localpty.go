// Package localpty runs a board binary in a local pseudo-terminal and
// exposes it through the same surface as a dialed connection. Useful for
// driving a locally hosted door or BBS without a TCP listener.
package localpty

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"

	"github.com/creack/pty"

	"github.com/redswoop/domuser/internal/telnet"
)

const defaultWriteTimeout = 5 * time.Second

// ErrWriteTimeout is returned by Write when the child stops reading its
// stdin and the kernel PTY buffer stays full past the deadline.
var ErrWriteTimeout = fmt.Errorf("pty write timed out")

// Proc is a child process speaking through a PTY.
type Proc struct {
	cmd          *exec.Cmd
	ptm          *os.File
	writeTimeout time.Duration
	connected    atomic.Bool
}

// Start launches command under a PTY of the given size. extraEnv entries
// override inherited variables of the same name.
func Start(command string, args []string, rows, cols int, extraEnv map[string]string) (*Proc, error) {
	cmd := exec.Command(command, args...)
	if len(extraEnv) > 0 {
		env := make([]string, 0, len(os.Environ())+len(extraEnv))
		for _, e := range os.Environ() {
			key := e
			if idx := strings.Index(e, "="); idx >= 0 {
				key = e[:idx]
			}
			if _, override := extraEnv[key]; !override {
				env = append(env, e)
			}
		}
		for k, v := range extraEnv {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	ptm, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", command, err)
	}

	p := &Proc{
		cmd:          cmd,
		ptm:          ptm,
		writeTimeout: defaultWriteTimeout,
	}
	p.connected.Store(true)
	return p, nil
}

// Read fills buf with child output. The child exiting surfaces as a read
// error after which Connected reports false.
func (p *Proc) Read(buf []byte) (int, error) {
	n, err := p.ptm.Read(buf)
	if err != nil {
		p.connected.Store(false)
	}
	return n, err
}

// Write sends bytes to the child with a deadline. If the child is not
// reading its stdin the kernel buffer fills and a plain write would
// block forever; the write runs in a goroutine so the caller can give up.
func (p *Proc) Write(b []byte) (int, error) {
	if !p.connected.Load() {
		return 0, fmt.Errorf("process not running")
	}
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := p.ptm.Write(b)
		ch <- result{n, err}
	}()
	timer := time.NewTimer(p.writeTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.n, r.err
	case <-timer.C:
		return 0, ErrWriteTimeout
	}
}

// SendKey writes the named key using the shared key table.
func (p *Proc) SendKey(name string) error {
	b, err := telnet.KeyBytes(name)
	if err != nil {
		return err
	}
	_, err = p.Write(b)
	return err
}

// Connected reports whether the child is still attached.
func (p *Proc) Connected() bool {
	return p.connected.Load()
}

// Close kills the child and reclaims the PTY. Safe to call twice.
func (p *Proc) Close() error {
	if !p.connected.CompareAndSwap(true, false) {
		return nil
	}
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	err := p.ptm.Close()
	_ = p.cmd.Wait()
	return err
}
