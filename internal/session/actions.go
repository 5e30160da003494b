package session

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/redswoop/domuser/internal/telnet"
)

// ActionKind names one verb the model may emit.
type ActionKind string

const (
	ActionThinking   ActionKind = "thinking"
	ActionLine       ActionKind = "line"
	ActionTypeText   ActionKind = "type"
	ActionKey        ActionKind = "key"
	ActionWait       ActionKind = "wait"
	ActionMemory     ActionKind = "memory"
	ActionDisconnect ActionKind = "disconnect"
)

// Action is one parsed instruction from a model response.
type Action struct {
	Kind ActionKind
	Text string // payload for everything but Wait
	Ms   int    // Wait duration in milliseconds
}

// String renders the action the way the model wrote it.
func (a Action) String() string {
	if a.Kind == ActionWait {
		return fmt.Sprintf("WAIT: %d", a.Ms)
	}
	return fmt.Sprintf("%s: %s", strings.ToUpper(string(a.Kind)), a.Text)
}

const (
	maxWaitMs     = 30000
	defaultWaitMs = 1000
)

var actionRe = regexp.MustCompile(`(?i)^(THINKING|LINE|TYPE|KEY|WAIT|MEMORY|DISCONNECT):\s*(.*)$`)

// ParseActions turns free-form model output into the actions it encodes.
// Lines without a recognized prefix are ignored; invalid keys are dropped
// with a warning. The parser never fails: a non-empty response that
// yields nothing becomes a thinking pause so the session keeps moving.
func ParseActions(text string, logger *slog.Logger) []Action {
	if logger == nil {
		logger = slog.Default()
	}

	var out []Action
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		m := actionRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		value := m[2]
		switch strings.ToUpper(m[1]) {
		case "THINKING":
			out = append(out, Action{Kind: ActionThinking, Text: value})
		case "LINE":
			out = append(out, Action{Kind: ActionLine, Text: value})
		case "TYPE":
			out = append(out, Action{Kind: ActionTypeText, Text: value})
		case "KEY":
			name := strings.ToLower(value)
			if !telnet.ValidKey(name) {
				logger.Warn("dropping invalid key action", "key", value)
				continue
			}
			out = append(out, Action{Kind: ActionKey, Text: name})
		case "WAIT":
			ms, err := strconv.Atoi(value)
			if err != nil {
				ms = defaultWaitMs
			}
			if ms < 0 {
				ms = 0
			}
			if ms > maxWaitMs {
				ms = maxWaitMs
			}
			out = append(out, Action{Kind: ActionWait, Ms: ms})
		case "MEMORY":
			out = append(out, Action{Kind: ActionMemory, Text: value})
		case "DISCONNECT":
			out = append(out, Action{Kind: ActionDisconnect, Text: value})
		}
	}

	if len(out) == 0 && strings.TrimSpace(text) != "" {
		out = append(out,
			Action{Kind: ActionThinking, Text: "Could not determine what to do"},
			Action{Kind: ActionWait, Ms: 2000},
		)
	}
	return out
}
