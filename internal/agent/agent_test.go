package agent

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/Iron-Ham/ralph/internal/errors"
)

func TestParseSignal(t *testing.T) {
	tests := []struct {
		text string
		want Signal
	}{
		{"", SignalContinue},
		{"work done, more to go", SignalContinue},
		{"<signal>ROTATE</signal>", SignalRotate},
		{"<signal> gutter </signal>", SignalGutter},
		{"<signal>CONTINUE</signal>", SignalContinue},
		{"<signal>COMPLETE</signal>", SignalContinue},
		{"<signal>WHATEVER</signal>", SignalContinue},
		{"<signal>GUTTER</signal> then later <signal>ROTATE</signal>", SignalRotate},
		{"<SIGNAL>Rotate</SIGNAL>", SignalRotate},
		{"<signal>CONFIG_ERROR</signal>", SignalConfigError},
		{"gh is not logged in <signal>config_error</signal>", SignalConfigError},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			if got := ParseSignal(tt.text); got != tt.want {
				t.Errorf("ParseSignal(%q) = %s, want %s", tt.text, got, tt.want)
			}
		})
	}
}

func TestParseGuardrails(t *testing.T) {
	text := `Done.
<guardrail trigger="editing migrations">never edit an applied migration</guardrail>
<guardrail trigger="">ignored</guardrail>
<guardrail trigger="running tests">
  use -race
</guardrail>`

	got := ParseGuardrails(text)
	if len(got) != 2 {
		t.Fatalf("ParseGuardrails() = %+v, want 2", got)
	}
	if got[0].Trigger != "editing migrations" || got[0].Instruction != "never edit an applied migration" {
		t.Errorf("got[0] = %+v", got[0])
	}
	if got[1].Trigger != "running tests" || got[1].Instruction != "use -race" {
		t.Errorf("got[1] = %+v", got[1])
	}
}

func TestSummarize(t *testing.T) {
	got := Summarize("Fixed the parser.\n\n<signal>ROTATE</signal>", 0)
	if got != "Fixed the parser." {
		t.Errorf("Summarize() = %q", got)
	}
	long := strings.Repeat("a", 50) + "END"
	if got := Summarize(long, 10); got != "..."+strings.Repeat("a", 7)+"END" {
		t.Errorf("Summarize(limit) = %q", got)
	}
	// 40 bytes of two-byte runes; a 9-byte tail would start mid-rune.
	accented := strings.Repeat("é", 20)
	if got := Summarize(accented, 9); got != "..."+strings.Repeat("é", 4) {
		t.Errorf("Summarize(multibyte) = %q", got)
	}
}

func TestScripted(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "TASK.md"), []byte("- [ ] a\n- [ ] b\n"), 0644); err != nil {
		t.Fatal(err)
	}

	s := NewScripted(
		Step{Do: CheckItem("TASK.md", "a")},
		Step{Outcome: Outcome{Signal: SignalRotate, SizeSignal: 10}},
		Step{Err: errors.ErrAgentAuth},
	)
	ctx := context.Background()

	out, err := s.Invoke(ctx, Request{Workspace: dir, LogPath: "/tmp/log", Iteration: 1})
	if err != nil {
		t.Fatal(err)
	}
	if out.Signal != SignalContinue || out.RawLog != "/tmp/log" || out.SessionID != "scripted-1" {
		t.Errorf("first outcome = %+v", out)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "TASK.md"))
	if !strings.Contains(string(data), "- [x] a") {
		t.Errorf("CheckItem did not edit the document: %q", data)
	}

	out, err = s.Invoke(ctx, Request{Workspace: dir})
	if err != nil || out.Signal != SignalRotate || out.SizeSignal != 10 {
		t.Errorf("second outcome = %+v, %v", out, err)
	}

	if _, err := s.Invoke(ctx, Request{Workspace: dir}); !errors.Is(err, errors.ErrAgentAuth) {
		t.Errorf("third error = %v, want ErrAgentAuth", err)
	}
	if _, err := s.Invoke(ctx, Request{Workspace: dir}); !errors.Is(err, errors.ErrScriptExhausted) {
		t.Errorf("fourth error = %v, want ErrScriptExhausted", err)
	}
	if s.Calls() != 4 || len(s.Requests()) != 4 {
		t.Errorf("Calls() = %d", s.Calls())
	}

	s.Fallback = &Step{Outcome: Outcome{Signal: SignalGutter}}
	if out, err := s.Invoke(ctx, Request{}); err != nil || out.Signal != SignalGutter {
		t.Errorf("fallback = %+v, %v", out, err)
	}
}

// writeFakeClaude writes an executable shell script that consumes stdin and
// prints body.
func writeFakeClaude(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script agent requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "fake-claude")
	script := "#!/bin/sh\ncat > /dev/null\n" + body
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestClaudeInvoker(t *testing.T) {
	cmd := writeFakeClaude(t, `cat <<'EOF'
{"type":"system","subtype":"init","session_id":"sess-42"}
{"type":"assistant","message":{"content":[{"type":"text","text":"Checked item one.\n<guardrail trigger=\"touching go.mod\">run go mod tidy</guardrail>"}]},"session_id":"sess-42"}
{"type":"result","subtype":"success","is_error":false,"result":"All good. <signal>ROTATE</signal>","session_id":"sess-42","usage":{"input_tokens":100,"output_tokens":20}}
EOF
`)
	logPath := filepath.Join(t.TempDir(), "logs", "iter-0001.jsonl")
	inv := NewClaudeInvoker(ClaudeOptions{Command: cmd, Model: "sonnet"})

	out, err := inv.Invoke(context.Background(), Request{
		Prefix:    "do the task",
		Workspace: t.TempDir(),
		Iteration: 1,
		LogPath:   logPath,
	})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if out.SessionID != "sess-42" {
		t.Errorf("SessionID = %q", out.SessionID)
	}
	if out.Signal != SignalRotate {
		t.Errorf("Signal = %s, want ROTATE", out.Signal)
	}
	if len(out.Guardrails) != 1 || out.Guardrails[0].Trigger != "touching go.mod" {
		t.Errorf("Guardrails = %+v", out.Guardrails)
	}
	if out.Usage.Total() != 120 {
		t.Errorf("Usage.Total() = %d, want 120", out.Usage.Total())
	}
	if out.Summary != "All good." {
		t.Errorf("Summary = %q", out.Summary)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if out.SizeSignal != len(data) {
		t.Errorf("SizeSignal = %d, transcript is %d bytes", out.SizeSignal, len(data))
	}
}

func TestClaudeInvokerArgs(t *testing.T) {
	inv := NewClaudeInvoker(ClaudeOptions{Model: "opus", SkipPermissions: true, Args: []string{"--add-dir", "/x"}})
	got := strings.Join(inv.Args(Request{SessionID: "abc"}), " ")
	want := "-p --output-format stream-json --verbose --dangerously-skip-permissions --model opus --resume abc --add-dir /x"
	if got != want {
		t.Errorf("Args() = %q, want %q", got, want)
	}
	if got := strings.Join(inv.Args(Request{}), " "); strings.Contains(got, "--resume") {
		t.Errorf("fresh session should not resume: %q", got)
	}
}

func TestClaudeInvokerErrors(t *testing.T) {
	t.Run("missing binary", func(t *testing.T) {
		inv := NewClaudeInvoker(ClaudeOptions{Command: filepath.Join(t.TempDir(), "no-such-agent")})
		_, err := inv.Invoke(context.Background(), Request{Workspace: t.TempDir()})
		if !errors.Is(err, errors.ErrAgentNotFound) {
			t.Errorf("error = %v, want ErrAgentNotFound", err)
		}
	})

	t.Run("auth failure", func(t *testing.T) {
		cmd := writeFakeClaude(t, "echo 'Invalid API key. Please run /login' >&2\nexit 1\n")
		_, err := NewClaudeInvoker(ClaudeOptions{Command: cmd}).Invoke(context.Background(), Request{Workspace: t.TempDir()})
		if !errors.Is(err, errors.ErrAgentAuth) {
			t.Errorf("error = %v, want ErrAgentAuth", err)
		}
		if !errors.IsConfigError(err) {
			t.Error("auth failure should be a configuration error")
		}
	})

	t.Run("transient failure", func(t *testing.T) {
		cmd := writeFakeClaude(t, "echo 'overloaded' >&2\nexit 1\n")
		_, err := NewClaudeInvoker(ClaudeOptions{Command: cmd}).Invoke(context.Background(), Request{Workspace: t.TempDir()})
		if !errors.Is(err, errors.ErrAgentFailed) {
			t.Errorf("error = %v, want ErrAgentFailed", err)
		}
		if !errors.IsRetryable(err) {
			t.Error("transient failure should be retryable")
		}
	})

	t.Run("result error", func(t *testing.T) {
		cmd := writeFakeClaude(t, `echo '{"type":"result","is_error":true,"result":"tool crashed","session_id":"s"}'`+"\n")
		out, err := NewClaudeInvoker(ClaudeOptions{Command: cmd}).Invoke(context.Background(), Request{Workspace: t.TempDir()})
		if !errors.Is(err, errors.ErrAgentFailed) {
			t.Errorf("error = %v, want ErrAgentFailed", err)
		}
		if out.SessionID != "s" {
			t.Errorf("SessionID = %q, want s even on failure", out.SessionID)
		}
	})
}
