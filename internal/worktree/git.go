// Package worktree wraps the git operations ralph needs: worktrees and
// branches for parallel units, merges into the integration branch, and
// read-only repository queries.
//
// Mutating operations shell out to the git CLI through a CommandExecutor so
// tests can replace it. Read-only queries use go-git (see repo.go).
package worktree

import (
	"os"
	"os/exec"
	"strings"

	"github.com/Iron-Ham/ralph/internal/errors"
)

// CommandExecutor abstracts command execution for testability.
type CommandExecutor interface {
	// Run executes a command and returns combined output.
	Run(dir string, name string, args ...string) ([]byte, error)
}

// CLICommandExecutor executes commands using os/exec. Output is forced to
// the C locale because conflicts are detected from git's messages.
type CLICommandExecutor struct{}

// Run executes a command and returns combined output.
func (CLICommandExecutor) Run(dir string, name string, args ...string) ([]byte, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "LC_ALL=C")
	return cmd.CombinedOutput()
}

// ConflictError reports a merge that stopped on conflicts. The merge is
// left in progress so the caller can resolve or abort it.
type ConflictError struct {
	Branch string
	Files  []string
	Output string
}

func (e *ConflictError) Error() string {
	return "merge of " + e.Branch + " conflicts in: " + strings.Join(e.Files, ", ")
}

// Unwrap makes errors.Is(err, errors.ErrMergeConflict) hold.
func (e *ConflictError) Unwrap() error {
	return errors.ErrMergeConflict
}

// OnlyIn reports whether every conflicting file is in allowed.
func (e *ConflictError) OnlyIn(allowed ...string) bool {
	if len(e.Files) == 0 {
		return false
	}
	for _, f := range e.Files {
		ok := false
		for _, a := range allowed {
			if f == a {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// run executes git in dir and wraps failures in a GitError.
func (m *Manager) run(dir, op string, args ...string) (string, error) {
	output, err := m.executor.Run(dir, "git", args...)
	if err != nil {
		return string(output), errors.NewGitError(op, err).WithOutput(string(output))
	}
	return string(output), nil
}

// Merge merges branch into the branch checked out at path with a merge
// commit. Conflicts return a *ConflictError and leave the merge in
// progress.
func (m *Manager) Merge(path, branch, message string) error {
	output, err := m.executor.Run(path, "git", "merge", "--no-ff", "-m", message, branch)
	if err == nil {
		return nil
	}
	out := string(output)
	if strings.Contains(out, "CONFLICT") || strings.Contains(out, "Automatic merge failed") {
		files, _ := m.ConflictingFiles(path)
		return &ConflictError{Branch: branch, Files: files, Output: out}
	}
	return errors.NewGitError("merge", err).WithBranch(branch).WithOutput(out)
}

// ConflictingFiles returns the files with unresolved conflicts at path.
func (m *Manager) ConflictingFiles(path string) ([]string, error) {
	output, err := m.run(path, "diff", "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	return splitLines(output), nil
}

// AbortMerge aborts an in-progress merge at path.
func (m *Manager) AbortMerge(path string) error {
	_, err := m.run(path, "merge --abort", "merge", "--abort")
	return err
}

// ResolveOurs resolves the given conflicting files in favor of the checked
// out branch and stages them.
func (m *Manager) ResolveOurs(path string, files ...string) error {
	if len(files) == 0 {
		return nil
	}
	if _, err := m.run(path, "checkout --ours", append([]string{"checkout", "--ours", "--"}, files...)...); err != nil {
		return err
	}
	_, err := m.run(path, "add", append([]string{"add", "--"}, files...)...)
	return err
}

// CommitMerge concludes an in-progress merge after conflicts are resolved.
func (m *Manager) CommitMerge(path string) error {
	_, err := m.run(path, "commit", "commit", "--no-edit")
	return err
}

// HasUncommittedChanges reports whether path has staged, unstaged or
// untracked changes.
func (m *Manager) HasUncommittedChanges(path string) (bool, error) {
	output, err := m.run(path, "status", "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(output) != "", nil
}

// CommitAll stages and commits everything at path. It reports false when
// there was nothing to commit.
func (m *Manager) CommitAll(path, message string) (bool, error) {
	if _, err := m.run(path, "add", "add", "-A"); err != nil {
		return false, err
	}
	output, err := m.executor.Run(path, "git", "commit", "-m", message)
	if err != nil {
		if strings.Contains(string(output), "nothing to commit") {
			return false, nil
		}
		return false, errors.NewGitError("commit", err).WithOutput(string(output))
	}
	return true, nil
}

// ShowFile returns the content of file at rev.
func (m *Manager) ShowFile(rev, file string) (string, error) {
	output, err := m.executor.Run(m.repoDir, "git", "show", rev+":"+file)
	if err != nil {
		return "", errors.NewGitError("show", err).WithBranch(rev).WithOutput(string(output))
	}
	return string(output), nil
}

// ChangedFiles lists files changed at path since it diverged from base.
func (m *Manager) ChangedFiles(path, base string) ([]string, error) {
	output, err := m.run(path, "diff", "diff", "--name-only", base+"...HEAD")
	if err != nil {
		return nil, err
	}
	return splitLines(output), nil
}

// Push pushes branch from path to origin and sets upstream.
func (m *Manager) Push(path, branch string) error {
	_, err := m.run(path, "push", "push", "-u", "origin", branch)
	if err != nil {
		var gitErr *errors.GitError
		if errors.As(err, &gitErr) {
			gitErr.WithBranch(branch)
		}
	}
	return err
}

func splitLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(strings.TrimSpace(s), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
