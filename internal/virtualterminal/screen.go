package virtualterminal

import (
	"strings"
	"sync"

	"github.com/vito/midterm"
)

// Board-standard screen dimensions.
const (
	Rows = 24
	Cols = 80
)

// Screen is an in-memory terminal fed with decoded host output. It
// interprets cursor positioning, erase, scroll, and color sequences
// (color is tracked by midterm but dropped from snapshots).
type Screen struct {
	mu   sync.Mutex
	vt   *midterm.Terminal
	rows int
	cols int
}

// NewScreen returns a Screen with the given grid size.
func NewScreen(rows, cols int) *Screen {
	return &Screen{
		vt:   midterm.NewTerminal(rows, cols),
		rows: rows,
		cols: cols,
	}
}

// Write applies text to the terminal, grid and cursor updates included.
func (s *Screen) Write(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vt.Write([]byte(text))
}

// Snapshot renders the visible grid as newline-joined lines, trailing
// whitespace trimmed per line and trailing blank lines removed. Pure with
// respect to grid state: two calls with no intervening Write are equal.
func (s *Screen) Snapshot() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.startRow()
	lines := make([]string, 0, s.rows)
	for i := 0; i < s.rows; i++ {
		row := start + i
		if row >= len(s.vt.Content) {
			lines = append(lines, "")
			continue
		}
		lines = append(lines, strings.TrimRight(string(s.vt.Content[row]), " \t"))
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

// Tail returns the last n non-blank lines of the current snapshot.
func (s *Screen) Tail(n int) string {
	lines := nonBlankLines(s.Snapshot())
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// Cursor returns the cursor position relative to the visible grid.
func (s *Screen) Cursor() (row, col int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vt.Cursor.Y - s.startRow(), s.vt.Cursor.X
}

// Reset clears the grid and homes the cursor.
func (s *Screen) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vt = midterm.NewTerminal(s.rows, s.cols)
}

// startRow anchors the visible window at the cursor. midterm can grow
// Content beyond the configured rows, so the cursor position, not row 0,
// determines what is on screen.
func (s *Screen) startRow() int {
	start := s.vt.Cursor.Y - s.rows + 1
	if start < 0 {
		start = 0
	}
	return start
}

func nonBlankLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}
