package loop

import (
	"github.com/Iron-Ham/ralph/internal/agent"
	"github.com/Iron-Ham/ralph/internal/errors"
	"github.com/Iron-Ham/ralph/internal/taskspec"
)

// State is a controller state.
type State string

const (
	StateInit        State = "INIT"
	StateRunning     State = "RUNNING"
	StateComplete    State = "COMPLETE"
	StateGutter      State = "GUTTER"
	StateConfigError State = "CONFIG_ERROR"
	StateMaxIter     State = "MAX_ITER"
	StateRefused     State = "REFUSED"
	StateInterrupted State = "INTERRUPTED"
)

// Terminal reports whether the state ends a run for good. INTERRUPTED is
// not terminal: the next run resumes where it stopped.
func (s State) Terminal() bool {
	switch s {
	case StateComplete, StateGutter, StateConfigError, StateMaxIter, StateRefused:
		return true
	default:
		return false
	}
}

// ExitCode maps the state to the CLI exit code.
func (s State) ExitCode() int {
	return errors.NewLoopError(string(s), 0, "").ExitCode()
}

// Result describes how a Run ended.
type Result struct {
	State State
	// Iteration is the last iteration the controller started, or the
	// persisted counter when no invocation happened.
	Iteration int
	// Invocations counts agent invocations made by this Run.
	Invocations int
	Verdict     taskspec.Verdict
	// LogPath names the raw transcript for GUTTER and CONFIG_ERROR.
	LogPath string
	Reason  string
	Cause   error
}

// Err returns nil for COMPLETE and a *errors.LoopError for every other
// state.
func (r Result) Err() error {
	if r.State == StateComplete {
		return nil
	}
	return errors.NewLoopError(string(r.State), r.Iteration, r.Reason).
		WithLogPath(r.LogPath).
		WithCause(r.Cause)
}

// IterationReport is passed to Callbacks.OnIterationComplete.
type IterationReport struct {
	Iteration int
	// Signal is the effective signal after the budget override.
	Signal      agent.Signal
	AgentSignal agent.Signal
	Verdict     taskspec.Verdict
	Estimate    int
	Summary     string
	LogPath     string
}

// Callbacks defines callbacks for controller events. All are optional and
// run on the controller goroutine.
type Callbacks struct {
	// OnIterationStart is called before each invocation.
	OnIterationStart func(iteration int)
	// OnIterationComplete is called after each successful invocation.
	OnIterationComplete func(report IterationReport)
	// OnRotate is called when the session is discarded.
	OnRotate func(iteration, estimate int)
	// OnComplete is called once with the final result, including
	// REFUSED and INTERRUPTED.
	OnComplete func(result Result)
}
