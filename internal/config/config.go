package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"
)

// Defaults for session pacing. These mirror the cadence of a patient human
// caller, not a bot hammering the board.
const (
	DefaultPort            = 23
	DefaultIdleTimeout     = 1500 * time.Millisecond
	DefaultPromptGrace     = 300 * time.Millisecond
	DefaultKeystrokeMin    = 40 * time.Millisecond
	DefaultKeystrokeMax    = 120 * time.Millisecond
	DefaultMaxTurns        = 60
	DefaultSessionMinutes  = 20
	DefaultMaxConcurrent   = 3
	DefaultRequestsPerMin  = 20
	DefaultModel           = "claude-sonnet-4-20250514"
	DefaultMaxTokens       = 1024
	DefaultConnectTimeout  = 15 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
)

// Session holds the per-session runtime knobs consumed by the session loop.
type Session struct {
	Host           string
	Port           int
	IdleTimeout    time.Duration
	PromptGrace    time.Duration
	KeystrokeMin   time.Duration
	KeystrokeMax   time.Duration
	MaxTurns       int
	SessionMinutes int
	Model          string
	MemoryDir      string
}

// Orchestrate holds the fleet-level knobs consumed by the scheduler and pool.
type Orchestrate struct {
	Session
	MaxConcurrent  int
	RequestsPerMin int
	Speed          float64
	SimStart       time.Time
}

// NewSession returns a Session config with all defaults applied.
func NewSession(host string) Session {
	return Session{
		Host:           host,
		Port:           DefaultPort,
		IdleTimeout:    DefaultIdleTimeout,
		PromptGrace:    DefaultPromptGrace,
		KeystrokeMin:   DefaultKeystrokeMin,
		KeystrokeMax:   DefaultKeystrokeMax,
		MaxTurns:       DefaultMaxTurns,
		SessionMinutes: DefaultSessionMinutes,
		Model:          DefaultModel,
		MemoryDir:      "memory",
	}
}

// Validate checks the invariants flags cannot express.
func (s *Session) Validate() error {
	if s.Host == "" {
		return fmt.Errorf("host is required")
	}
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port %d out of range", s.Port)
	}
	if s.KeystrokeMin > s.KeystrokeMax {
		return fmt.Errorf("keystroke-min %v exceeds keystroke-max %v", s.KeystrokeMin, s.KeystrokeMax)
	}
	if s.MaxTurns < 1 {
		return fmt.Errorf("max-turns must be at least 1")
	}
	return nil
}

// APIKey reads the model API key from the environment. A missing key is a
// fatal configuration error for any mode that talks to the model.
func APIKey() (string, error) {
	key := os.Getenv("API_KEY")
	if key == "" {
		return "", fmt.Errorf("API_KEY environment variable is not set")
	}
	return key, nil
}

// LogLevel parses LOG_LEVEL (default info).
func LogLevel() slog.Level {
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the process logger writing to stderr at the
// LOG_LEVEL-configured level. Verbose forces debug.
func NewLogger(verbose bool) *slog.Logger {
	level := LogLevel()
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
