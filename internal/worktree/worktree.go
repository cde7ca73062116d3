package worktree

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Iron-Ham/ralph/internal/errors"
)

// Manager handles git worktree and branch operations for one repository.
type Manager struct {
	repoDir  string
	executor CommandExecutor
}

// FindGitRoot finds the root of the git repository by traversing up from
// startDir. .git may be a directory (normal repo) or a file (worktree).
func FindGitRoot(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}
	for {
		if info, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			if info.IsDir() || info.Mode().IsRegular() {
				return dir, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%w: %s", errors.ErrNotGitRepository, startDir)
		}
		dir = parent
	}
}

// New creates a Manager for the repository containing repoDir.
func New(repoDir string) (*Manager, error) {
	gitRoot, err := FindGitRoot(repoDir)
	if err != nil {
		return nil, err
	}
	return &Manager{repoDir: gitRoot, executor: CLICommandExecutor{}}, nil
}

// NewWithExecutor creates a Manager with a custom executor. repoDir is used
// as-is. This is primarily useful for testing.
func NewWithExecutor(repoDir string, executor CommandExecutor) *Manager {
	return &Manager{repoDir: repoDir, executor: executor}
}

// RepoDir returns the repository root.
func (m *Manager) RepoDir() string {
	return m.repoDir
}

// CreateFromBranch creates a worktree at path with a new branch newBranch
// starting at baseBranch.
func (m *Manager) CreateFromBranch(path, newBranch, baseBranch string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create worktree parent: %w", err)
	}
	output, err := m.executor.Run(m.repoDir, "git", "worktree", "add", "-b", newBranch, path, baseBranch)
	if err != nil {
		return errors.NewGitError("worktree add", err).WithBranch(newBranch).WithOutput(string(output))
	}
	return nil
}

// AddWorktree checks out the existing branch in a new worktree at path.
func (m *Manager) AddWorktree(path, branch string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create worktree parent: %w", err)
	}
	output, err := m.executor.Run(m.repoDir, "git", "worktree", "add", path, branch)
	if err != nil {
		return errors.NewGitError("worktree add", err).WithBranch(branch).WithOutput(string(output))
	}
	return nil
}

// Remove removes the worktree at path. When git refuses, the directory is
// deleted and the worktree list pruned before the error is returned.
func (m *Manager) Remove(path string) error {
	output, err := m.executor.Run(m.repoDir, "git", "worktree", "remove", "--force", path)
	if err != nil {
		_ = os.RemoveAll(path)
		_, _ = m.executor.Run(m.repoDir, "git", "worktree", "prune")
		return errors.NewGitError("worktree remove", err).WithOutput(string(output))
	}
	return nil
}

// List returns the paths of all worktrees, the main one included.
func (m *Manager) List() ([]string, error) {
	output, err := m.run(m.repoDir, "worktree list", "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	var worktrees []string
	for _, line := range strings.Split(output, "\n") {
		if path, ok := strings.CutPrefix(line, "worktree "); ok {
			worktrees = append(worktrees, path)
		}
	}
	return worktrees, nil
}

// CreateBranchFrom creates branchName at baseBranch without checking it out.
func (m *Manager) CreateBranchFrom(branchName, baseBranch string) error {
	output, err := m.executor.Run(m.repoDir, "git", "branch", branchName, baseBranch)
	if err != nil {
		return errors.NewGitError("branch", err).WithBranch(branchName).WithOutput(string(output))
	}
	return nil
}

// DeleteBranch force-deletes a local branch.
func (m *Manager) DeleteBranch(branch string) error {
	output, err := m.executor.Run(m.repoDir, "git", "branch", "-D", branch)
	if err != nil {
		return errors.NewGitError("branch -D", err).WithBranch(branch).WithOutput(string(output))
	}
	return nil
}

// BranchAt returns the branch checked out at path.
func (m *Manager) BranchAt(path string) (string, error) {
	output, err := m.run(path, "rev-parse", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(output), nil
}
