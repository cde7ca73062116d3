package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/Iron-Ham/ralph/internal/errors"
	"github.com/Iron-Ham/ralph/internal/logging"
)

// summaryLength bounds Outcome.Summary.
const summaryLength = 500

// ClaudeOptions configures the Claude CLI invoker.
type ClaudeOptions struct {
	// Command is the executable name or path (default: "claude").
	Command string
	// Model is passed as --model when non-empty.
	Model string
	// Args are appended after the built-in flags.
	Args []string
	// SkipPermissions adds --dangerously-skip-permissions.
	SkipPermissions bool
	// Env is appended to the inherited environment.
	Env []string
	// Logger receives invocation diagnostics. Nil discards them.
	Logger *logging.Logger
}

// ClaudeInvoker runs `claude -p --output-format stream-json` once per
// invocation. The context prefix is written to the agent's stdin.
type ClaudeInvoker struct {
	opts   ClaudeOptions
	logger *logging.Logger
}

// NewClaudeInvoker creates a ClaudeInvoker.
func NewClaudeInvoker(opts ClaudeOptions) *ClaudeInvoker {
	if opts.Command == "" {
		opts.Command = "claude"
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &ClaudeInvoker{opts: opts, logger: logger.WithPhase("agent")}
}

// streamEvent is the subset of a stream-json line the invoker reads.
type streamEvent struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Message   *struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text,omitempty"`
		} `json:"content"`
	} `json:"message,omitempty"`
	Result  string `json:"result,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
	Usage   *Usage `json:"usage,omitempty"`
}

// Args returns the command-line arguments for req.
func (c *ClaudeInvoker) Args(req Request) []string {
	args := []string{"-p", "--output-format", "stream-json", "--verbose"}
	if c.opts.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	if c.opts.Model != "" {
		args = append(args, "--model", c.opts.Model)
	}
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}
	return append(args, c.opts.Args...)
}

// Invoke runs the agent and blocks until it exits.
func (c *ClaudeInvoker) Invoke(ctx context.Context, req Request) (Outcome, error) {
	path, err := exec.LookPath(c.opts.Command)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %s: %v", errors.ErrAgentNotFound, c.opts.Command, err)
	}

	var transcript io.Writer = io.Discard
	if req.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(req.LogPath), 0755); err != nil {
			return Outcome{}, fmt.Errorf("failed to create transcript directory: %w", err)
		}
		f, err := os.Create(req.LogPath)
		if err != nil {
			return Outcome{}, fmt.Errorf("failed to create transcript: %w", err)
		}
		defer f.Close()
		transcript = f
	}

	cmd := exec.CommandContext(ctx, path, c.Args(req)...)
	cmd.Dir = req.Workspace
	cmd.Env = append(append(os.Environ(), "NO_COLOR=1"), c.opts.Env...)
	cmd.Stdin = strings.NewReader(req.Prefix)

	var stderr bytes.Buffer
	cmd.Stderr = &limitedWriter{w: &stderr, n: 64 * 1024}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	c.logger.Info("invoking agent",
		"iteration", req.Iteration,
		"resume", req.SessionID != "",
		"transcript", req.LogPath,
	)

	if err := cmd.Start(); err != nil {
		return Outcome{}, fmt.Errorf("%w: failed to start %s: %v", errors.ErrAgentFailed, c.opts.Command, err)
	}

	result := c.readStream(stdout, transcript)
	waitErr := cmd.Wait()

	if stderr.Len() > 0 {
		_, _ = fmt.Fprintf(transcript, "%s\n", mustJSON(map[string]string{"type": "stderr", "text": stderr.String()}))
	}

	outcome := Outcome{
		SessionID:  result.sessionID,
		RawLog:     req.LogPath,
		SizeSignal: result.bytes,
		Usage:      result.usage,
	}
	if outcome.SessionID == "" {
		outcome.SessionID = req.SessionID
	}

	text := result.text.String()
	if isAuthFailure(text) || isAuthFailure(stderr.String()) {
		return outcome, fmt.Errorf("%w: %s", errors.ErrAgentAuth, firstLine(stderr.String(), result.resultText))
	}
	if ctx.Err() != nil {
		return outcome, fmt.Errorf("%w: %v", errors.ErrAgentFailed, ctx.Err())
	}
	if waitErr != nil {
		return outcome, fmt.Errorf("%w: %v: %s", errors.ErrAgentFailed, waitErr, firstLine(stderr.String(), result.resultText))
	}
	if result.isError {
		return outcome, fmt.Errorf("%w: agent reported an error: %s", errors.ErrAgentFailed, firstLine(result.resultText, stderr.String()))
	}

	outcome.Signal = ParseSignal(text)
	outcome.Guardrails = ParseGuardrails(text)
	outcome.Summary = Summarize(result.resultText, summaryLength)

	c.logger.Info("agent finished",
		"iteration", req.Iteration,
		"signal", outcome.Signal,
		"session_id", outcome.SessionID,
		"bytes", outcome.SizeSignal,
	)
	return outcome, nil
}

type streamResult struct {
	sessionID  string
	text       strings.Builder
	resultText string
	isError    bool
	usage      Usage
	bytes      int
}

// readStream tees every stdout line into the transcript and collects the
// session id, assistant text and final result.
func (c *ClaudeInvoker) readStream(r io.Reader, transcript io.Writer) *streamResult {
	res := &streamResult{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		res.bytes += len(line) + 1
		_, _ = transcript.Write(line)
		_, _ = transcript.Write([]byte{'\n'})

		var event streamEvent
		if err := json.Unmarshal(line, &event); err != nil {
			// Non-JSON output still counts toward the text the signal is read from.
			res.text.Write(line)
			res.text.WriteByte('\n')
			continue
		}
		if event.SessionID != "" {
			res.sessionID = event.SessionID
		}

		switch event.Type {
		case "assistant":
			if event.Message == nil {
				continue
			}
			for _, block := range event.Message.Content {
				if block.Type == "text" && block.Text != "" {
					res.text.WriteString(block.Text)
					res.text.WriteByte('\n')
				}
			}
		case "result":
			res.resultText = event.Result
			res.isError = event.IsError
			if event.Usage != nil {
				res.usage = *event.Usage
			}
			res.text.WriteString(event.Result)
			res.text.WriteByte('\n')
		}
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warn("failed to read agent output", "error", err)
		// Drain so the process is not blocked on a full pipe.
		_, _ = io.Copy(transcript, r)
	}
	return res
}

func isAuthFailure(s string) bool {
	lower := strings.ToLower(s)
	for _, marker := range []string{"invalid api key", "authentication_error", "please run /login", "not logged in", "oauth token has expired"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func firstLine(candidates ...string) string {
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if i := strings.IndexByte(c, '\n'); i >= 0 {
			return c[:i]
		}
		return c
	}
	return "no output"
}

func mustJSON(v any) []byte {
	data, _ := json.Marshal(v)
	return data
}

// limitedWriter keeps at most n bytes and silently drops the rest.
type limitedWriter struct {
	w io.Writer
	n int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if l.n <= 0 {
		return len(p), nil
	}
	chunk := p
	if len(chunk) > l.n {
		chunk = chunk[:l.n]
	}
	n, err := l.w.Write(chunk)
	l.n -= n
	if err != nil {
		return n, err
	}
	return len(p), nil
}
