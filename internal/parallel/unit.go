package parallel

import (
	"fmt"

	"github.com/Iron-Ham/ralph/internal/errors"
	"github.com/Iron-Ham/ralph/internal/loop"
)

// UnitStatus is the lifecycle status of a unit.
type UnitStatus string

const (
	UnitPending       UnitStatus = "PENDING"
	UnitRunning       UnitStatus = "RUNNING"
	UnitDone          UnitStatus = "DONE"
	UnitFailed        UnitStatus = "FAILED"
	UnitMergeConflict UnitStatus = "MERGE_CONFLICT"
)

// Unit is one checklist item worked on in its own branch and worktree.
type Unit struct {
	// Index is 1-based, in checklist order.
	Index int
	Item  string
	// Occurrence tells apart items with the same text: it counts the
	// earlier items in the document whose text equals Item.
	Occurrence int
	// Line is the item's line in the task document on the base branch.
	Line       int
	Branch     string
	BaseBranch string
	// WorktreePath is the root of the unit's git worktree.
	WorktreePath string
	// Workspace is the directory the unit's agent works in, inside
	// WorktreePath.
	Workspace string
	Status    UnitStatus
	// Result is the unit controller's final result.
	Result loop.Result
	// Merged is set once the unit branch is part of the integration branch.
	Merged bool
	// Err explains a FAILED or MERGE_CONFLICT status.
	Err error
}

// focus is the item as the unit's agent sees it. Repeated texts carry the
// line so the agent checks the right box.
func (u *Unit) focus() string {
	if u.Occurrence == 0 {
		return u.Item
	}
	return fmt.Sprintf("%s (the one on line %d)", u.Item, u.Line)
}

// Summary describes a finished parallel run.
type Summary struct {
	RunID             string
	BaseBranch        string
	IntegrationBranch string
	Units             []Unit

	Done       int
	Failed     int
	Conflicted int

	// ChangedFiles lists files the integration branch changed against the base.
	ChangedFiles []string
	// PRURL is set when a pull request was opened.
	PRURL string
	// PRErr is set when opening the pull request failed. The merged
	// integration branch is kept either way.
	PRErr error
}

func (s *Summary) count() {
	s.Done, s.Failed, s.Conflicted = 0, 0, 0
	for _, u := range s.Units {
		switch u.Status {
		case UnitDone:
			s.Done++
		case UnitMergeConflict:
			s.Conflicted++
		default:
			s.Failed++
		}
	}
}

// Err returns nil when every unit merged and a PARTIAL *errors.LoopError
// otherwise.
func (s Summary) Err() error {
	if s.Failed == 0 && s.Conflicted == 0 {
		return nil
	}
	msg := fmt.Sprintf("%d of %d unit(s) did not merge (%d failed, %d conflicted)",
		s.Failed+s.Conflicted, len(s.Units), s.Failed, s.Conflicted)
	return errors.NewLoopError("PARTIAL", 0, msg)
}
