package parallel

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/Iron-Ham/ralph/internal/errors"
	"github.com/Iron-Ham/ralph/internal/taskspec"
	"github.com/Iron-Ham/ralph/internal/worktree"
)

// mergeUnits merges every DONE unit into the integration branch, in unit
// order, inside a dedicated integration worktree. It returns the worktree
// path so later phases can work on the integration branch.
func (c *Coordinator) mergeUnits(units []Unit) (string, error) {
	var done []*Unit
	for i := range units {
		if units[i].Status == UnitDone {
			done = append(done, &units[i])
		}
	}
	if len(done) == 0 {
		c.logger.Info("no finished units to merge")
		return "", nil
	}

	exists, err := c.query.BranchExists(c.integration)
	if err != nil {
		return "", err
	}
	if !exists {
		if err := c.repo.CreateBranchFrom(c.integration, c.base); err != nil {
			return "", err
		}
	}
	path := filepath.Join(c.settings.StateRoot, "worktrees", c.runID, "integration")
	if err := c.repo.AddWorktree(path, c.integration); err != nil {
		return "", err
	}

	logger := c.logger.WithPhase("merge")
	for _, u := range done {
		if err := c.mergeUnit(path, u); err != nil {
			var conflict *worktree.ConflictError
			if errors.As(err, &conflict) {
				u.Status = UnitMergeConflict
			} else {
				u.Status = UnitFailed
			}
			u.Err = err
			logger.Warn("unit not merged", "unit", u.Index, "branch", u.Branch, "status", u.Status, "error", err)
			continue
		}
		u.Merged = true
		logger.Info("unit merged", "unit", u.Index, "branch", u.Branch)
		c.notify(c.callbacks.OnMerge, *u)
	}
	return path, nil
}

// mergeUnit merges one unit branch and checks its item in the integration
// copy of the task document. Conflicts confined to the task document are
// resolved in favor of the integration branch, which owns the checklist;
// any other conflict aborts the merge and leaves the integration branch as
// it was.
func (c *Coordinator) mergeUnit(path string, u *Unit) error {
	msg := fmt.Sprintf("Merge unit %d: %s", u.Index, u.Item)
	err := c.repo.Merge(path, u.Branch, msg)

	var conflict *worktree.ConflictError
	switch {
	case err == nil:
	case errors.As(err, &conflict) && conflict.OnlyIn(c.taskGitPath):
		if err := c.repo.ResolveOurs(path, conflict.Files...); err != nil {
			_ = c.repo.AbortMerge(path)
			return err
		}
		if err := c.repo.CommitMerge(path); err != nil {
			_ = c.repo.AbortMerge(path)
			return err
		}
	case conflict != nil:
		if abortErr := c.repo.AbortMerge(path); abortErr != nil {
			return errors.Join(err, abortErr)
		}
		return err
	default:
		return err
	}

	return c.checkItem(path, u)
}

func (c *Coordinator) checkItem(path string, u *Unit) error {
	taskPath := filepath.Join(path, filepath.FromSlash(c.taskGitPath))
	data, err := os.ReadFile(taskPath)
	if err != nil {
		return fmt.Errorf("failed to read integration task document: %w", err)
	}
	updated, changed, err := taskspec.SetNthItemDone(string(data), u.Item, u.Occurrence, true)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	if err := os.WriteFile(taskPath, []byte(updated), 0644); err != nil {
		return fmt.Errorf("failed to write integration task document: %w", err)
	}
	_, err = c.repo.CommitAll(path, fmt.Sprintf("ralph: check off unit %d", u.Index))
	return err
}
