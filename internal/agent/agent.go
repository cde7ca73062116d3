// Package agent defines the contract between the iteration controller and
// the external coding agent, plus the production Claude CLI implementation
// and a scripted double for tests.
package agent

import (
	"context"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Signal is the agent's self-reported outcome for one invocation.
type Signal string

// Signals understood by the controller
const (
	SignalContinue    Signal = "CONTINUE"
	SignalRotate      Signal = "ROTATE"
	SignalGutter      Signal = "GUTTER"
	SignalConfigError Signal = "CONFIG_ERROR"
)

// Request describes one agent invocation.
type Request struct {
	// Prefix is the full context prefix (guardrails, progress, task, protocol).
	Prefix string
	// SessionID resumes an existing agent context; empty starts a fresh one.
	SessionID string
	// Workspace is the directory the agent works in.
	Workspace string
	// Iteration is the controller iteration this invocation belongs to.
	Iteration int
	// LogPath receives the raw transcript. Empty discards it.
	LogPath string
}

// ProposedGuardrail is a guardrail the agent asked to record.
type ProposedGuardrail struct {
	Trigger     string
	Instruction string
}

// Usage is token accounting reported by the agent, when available.
type Usage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheReadTokens     int `json:"cache_read_input_tokens"`
	CacheCreationTokens int `json:"cache_creation_input_tokens"`
}

// Total returns all tokens counted by the agent.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens + u.CacheReadTokens + u.CacheCreationTokens
}

// Outcome is what one invocation produced.
type Outcome struct {
	SessionID  string
	Signal     Signal
	RawLog     string // path of the raw transcript
	SizeSignal int    // bytes of transcript produced by this invocation
	Guardrails []ProposedGuardrail
	Summary    string
	Usage      Usage
}

// Invoker runs the coding agent once. Implementations return
// errors.ErrAgentNotFound or errors.ErrAgentAuth for failures that retrying
// cannot fix; any other error is treated as transient.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Outcome, error)
}

var (
	signalPattern    = regexp.MustCompile(`(?is)<signal>\s*([a-z_]+)\s*</signal>`)
	guardrailPattern = regexp.MustCompile(`(?is)<guardrail\s+trigger\s*=\s*"([^"]*)"\s*>(.*?)</guardrail>`)
)

// ParseSignal returns the last <signal>…</signal> tag in text. ROTATE,
// GUTTER and CONFIG_ERROR are recognized case-insensitively; anything else,
// including no tag at all, is CONTINUE.
func ParseSignal(text string) Signal {
	matches := signalPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return SignalContinue
	}
	switch Signal(strings.ToUpper(matches[len(matches)-1][1])) {
	case SignalRotate:
		return SignalRotate
	case SignalGutter:
		return SignalGutter
	case SignalConfigError:
		return SignalConfigError
	default:
		return SignalContinue
	}
}

// ParseGuardrails extracts <guardrail trigger="…">instruction</guardrail>
// tags from text in order of appearance. Tags with an empty trigger or
// instruction are skipped.
func ParseGuardrails(text string) []ProposedGuardrail {
	var out []ProposedGuardrail
	for _, m := range guardrailPattern.FindAllStringSubmatch(text, -1) {
		trigger := strings.TrimSpace(m[1])
		instruction := strings.TrimSpace(m[2])
		if trigger == "" || instruction == "" {
			continue
		}
		out = append(out, ProposedGuardrail{Trigger: trigger, Instruction: instruction})
	}
	return out
}

// Summarize trims agent output to a single-paragraph summary for the
// progress log.
// limit counts bytes; the cut never splits a rune.
func Summarize(text string, limit int) string {
	text = signalPattern.ReplaceAllString(text, "")
	text = guardrailPattern.ReplaceAllString(text, "")
	text = strings.Join(strings.Fields(text), " ")
	if limit > 0 && len(text) > limit {
		// Keep the tail; agents conclude at the end.
		cut := len(text) - limit
		for cut < len(text) && !utf8.RuneStart(text[cut]) {
			cut++
		}
		text = "..." + text[cut:]
	}
	return text
}
