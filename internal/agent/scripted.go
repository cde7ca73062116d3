package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Iron-Ham/ralph/internal/errors"
	"github.com/Iron-Ham/ralph/internal/taskspec"
)

// Step is one scripted invocation.
type Step struct {
	// Outcome is returned when Err is nil. An empty Signal means CONTINUE.
	Outcome Outcome
	// Err, when set, is returned instead of Outcome.
	Err error
	// Do runs before the step returns, e.g. to edit the task document the
	// way a real agent would.
	Do func(req Request) error
}

// Scripted is an Invoker that replays a fixed list of steps. Once the
// script is exhausted it returns errors.ErrScriptExhausted, or repeats
// Fallback when one is set.
type Scripted struct {
	mu       sync.Mutex
	steps    []Step
	requests []Request

	// Fallback, when non-nil, is used for every call past the script.
	Fallback *Step
}

// NewScripted creates a Scripted invoker.
func NewScripted(steps ...Step) *Scripted {
	return &Scripted{steps: steps}
}

// Invoke records req and replays the next step.
func (s *Scripted) Invoke(ctx context.Context, req Request) (Outcome, error) {
	s.mu.Lock()
	n := len(s.requests)
	s.requests = append(s.requests, req)
	var step Step
	switch {
	case n < len(s.steps):
		step = s.steps[n]
	case s.Fallback != nil:
		step = *s.Fallback
	default:
		s.mu.Unlock()
		return Outcome{}, fmt.Errorf("%w: call %d", errors.ErrScriptExhausted, n+1)
	}
	s.mu.Unlock()

	if step.Do != nil {
		if err := step.Do(req); err != nil {
			return Outcome{}, err
		}
	}
	if step.Err != nil {
		return Outcome{}, step.Err
	}

	out := step.Outcome
	if out.Signal == "" {
		out.Signal = SignalContinue
	}
	if out.RawLog == "" {
		out.RawLog = req.LogPath
	}
	if out.SessionID == "" {
		out.SessionID = fmt.Sprintf("scripted-%d", n+1)
	}
	return out, nil
}

// Calls returns the number of Invoke calls so far.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Requests returns a copy of every request received.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// CheckItem returns a Step.Do that checks the named item in the task
// document at taskFile, relative to the request's workspace.
func CheckItem(taskFile, item string) func(Request) error {
	return CheckNthItem(taskFile, item, 0)
}

// CheckNthItem is CheckItem for the item with n earlier items of the same
// text.
func CheckNthItem(taskFile, item string, n int) func(Request) error {
	return func(req Request) error {
		path := filepath.Join(req.Workspace, taskFile)
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		updated, changed, err := taskspec.SetNthItemDone(string(data), item, n, true)
		if err != nil || !changed {
			return err
		}
		return os.WriteFile(path, []byte(updated), 0644)
	}
}

// WriteFile returns a Step.Do that writes content to name, relative to the
// request's workspace.
func WriteFile(name, content string) func(Request) error {
	return func(req Request) error {
		path := filepath.Join(req.Workspace, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		return os.WriteFile(path, []byte(content), 0644)
	}
}

// Chain runs several Step.Do functions in order.
func Chain(fns ...func(Request) error) func(Request) error {
	return func(req Request) error {
		for _, fn := range fns {
			if err := fn(req); err != nil {
				return err
			}
		}
		return nil
	}
}
