// Package errors provides centralized error definitions for ralph.
//
// It defines sentinel errors for the loop, state store, agent and git
// subsystems, plus two typed errors:
//
//   - LoopError: a controller stopped in a non-successful terminal state.
//     The CLI maps its State to a process exit code.
//   - GitError: a git operation failed, with branch context.
//
// Checking errors:
//
//	var loopErr *errors.LoopError
//	if errors.As(err, &loopErr) { os.Exit(loopErr.ExitCode()) }
//
//	if errors.Is(err, errors.ErrMergeConflict) { ... }
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions so callers import one package.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// State and lock sentinel errors
var (
	// ErrLocked indicates another live process owns the workspace state.
	ErrLocked = New("workspace state is locked by another process")
	// ErrTerminated indicates the termination marker is set for the workspace.
	ErrTerminated = New("workspace is terminated")
	// ErrNotInitialized indicates the external state record does not exist yet.
	ErrNotInitialized = New("workspace state not initialized")
	// ErrStateCorrupted indicates an unreadable state file.
	ErrStateCorrupted = New("workspace state corrupted")
	// ErrStateInsideWorkspace indicates the state root lies inside the workspace.
	ErrStateInsideWorkspace = New("state root must be outside the workspace")
)

// Task document sentinel errors
var (
	// ErrInvalidTaskSpec indicates an unparseable task document.
	ErrInvalidTaskSpec = New("invalid task document")
	// ErrEmptyChecklist indicates a task document without checklist items.
	ErrEmptyChecklist = New("task document has no checklist items")
)

// Agent sentinel errors
var (
	// ErrAgentNotFound indicates the agent executable is not installed.
	ErrAgentNotFound = New("agent executable not found")
	// ErrAgentAuth indicates the agent rejected its credentials.
	ErrAgentAuth = New("agent authentication failed")
	// ErrAgentFailed indicates a transient agent failure worth retrying.
	ErrAgentFailed = New("agent invocation failed")
	// ErrScriptExhausted is returned by the scripted invoker when it runs out of outcomes.
	ErrScriptExhausted = New("scripted invoker has no outcomes left")
)

// Git sentinel errors
var (
	// ErrNotGitRepository indicates the workspace is not inside a git repository.
	ErrNotGitRepository = New("not a git repository")
	// ErrBranchNotFound indicates a branch could not be resolved.
	ErrBranchNotFound = New("branch not found")
	// ErrMergeConflict indicates a merge stopped on conflicts.
	ErrMergeConflict = New("merge conflict")
	// ErrNoRemote indicates the repository has no usable origin remote.
	ErrNoRemote = New("no origin remote")
)

// General sentinel errors
var (
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
	// ErrConfig indicates invalid or missing runtime configuration.
	ErrConfig = New("configuration error")
)

// Exit codes returned by the CLI.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitGutter      = 2
	ExitConfigError = 3
	ExitMaxIter     = 4
	ExitRefused     = 5
	ExitPartial     = 6
	ExitInterrupted = 130
)

// LoopError reports a controller that stopped in a state other than COMPLETE.
//
// Example:
//
//	err := errors.NewLoopError("GUTTER", 7, "agent reported an unrecoverable failure").
//		WithLogPath("/home/u/.local/state/ralph/workspaces/ab12/logs/iter-0007.jsonl")
//	fmt.Println(err) // "loop stopped [state=GUTTER, iteration=7, log=...]: agent reported ..."
type LoopError struct {
	State     string
	Iteration int
	LogPath   string
	message   string
	cause     error
}

// NewLoopError creates a LoopError for the given terminal state.
func NewLoopError(state string, iteration int, message string) *LoopError {
	return &LoopError{State: state, Iteration: iteration, message: message}
}

// WithLogPath attaches the diagnostic log location.
func (e *LoopError) WithLogPath(path string) *LoopError {
	e.LogPath = path
	return e
}

// WithCause attaches an underlying error.
func (e *LoopError) WithCause(err error) *LoopError {
	e.cause = err
	return e
}

// Error returns the formatted error message.
func (e *LoopError) Error() string {
	parts := []string{fmt.Sprintf("state=%s", e.State)}
	if e.Iteration > 0 {
		parts = append(parts, fmt.Sprintf("iteration=%d", e.Iteration))
	}
	if e.LogPath != "" {
		parts = append(parts, fmt.Sprintf("log=%s", e.LogPath))
	}
	prefix := fmt.Sprintf("loop stopped [%s]", strings.Join(parts, ", "))
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Unwrap returns the underlying error.
func (e *LoopError) Unwrap() error {
	return e.cause
}

// ExitCode maps the terminal state to a process exit code.
func (e *LoopError) ExitCode() int {
	switch e.State {
	case "COMPLETE":
		return ExitOK
	case "GUTTER":
		return ExitGutter
	case "CONFIG_ERROR":
		return ExitConfigError
	case "MAX_ITER":
		return ExitMaxIter
	case "REFUSED":
		return ExitRefused
	case "INTERRUPTED":
		return ExitInterrupted
	case "PARTIAL":
		return ExitPartial
	default:
		return ExitFailure
	}
}

// GitError represents a failed git operation.
//
// Example:
//
//	err := errors.NewGitError("merge", errors.ErrMergeConflict).WithBranch("ralph/ab12-unit-1")
type GitError struct {
	Op     string
	Branch string
	Output string
	cause  error
}

// NewGitError creates a GitError for the named operation.
func NewGitError(op string, cause error) *GitError {
	return &GitError{Op: op, cause: cause}
}

// WithBranch adds a branch name to the error context.
func (e *GitError) WithBranch(branch string) *GitError {
	e.Branch = branch
	return e
}

// WithOutput attaches raw git output.
func (e *GitError) WithOutput(output string) *GitError {
	e.Output = strings.TrimSpace(output)
	return e
}

// Error returns the formatted error message.
func (e *GitError) Error() string {
	prefix := "git " + e.Op
	if e.Branch != "" {
		prefix = fmt.Sprintf("git %s [branch=%s]", e.Op, e.Branch)
	}
	msg := prefix
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", prefix, e.cause)
	}
	if e.Output != "" {
		msg += "\n" + e.Output
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *GitError) Unwrap() error {
	return e.cause
}

// IsRetryable reports whether err is a transient failure the controller may retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if Is(err, ErrAgentNotFound) || Is(err, ErrAgentAuth) || Is(err, ErrConfig) || Is(err, ErrScriptExhausted) {
		return false
	}
	return true
}

// IsConfigError reports whether err stems from invalid runtime configuration.
func IsConfigError(err error) bool {
	return Is(err, ErrConfig) || Is(err, ErrAgentNotFound) || Is(err, ErrAgentAuth)
}
