package worktree

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"

	"github.com/Iron-Ham/ralph/internal/errors"
)

// Repo answers read-only questions about a repository without spawning git.
type Repo struct {
	dir  string
	repo *git.Repository
}

// OpenRepo opens the repository containing dir. Linked worktrees resolve to
// their main repository's refs.
func OpenRepo(dir string) (*Repo, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{
		DetectDotGit:          true,
		EnableDotGitCommonDir: true,
	})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%w: %s", errors.ErrNotGitRepository, dir)
		}
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}
	return &Repo{dir: dir, repo: repo}, nil
}

// BranchExists reports whether a local branch exists.
func (r *Repo) BranchExists(name string) (bool, error) {
	_, err := r.repo.Reference(plumbing.NewBranchReferenceName(name), true)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("failed to resolve branch %s: %w", name, err)
}

// CurrentBranch returns the checked-out branch. A detached HEAD is an
// error because units must branch from a named base.
func (r *Repo) CurrentBranch() (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	if !head.Name().IsBranch() {
		return "", errors.NewGitError("HEAD", errors.ErrBranchNotFound).WithOutput("HEAD is detached")
	}
	return head.Name().Short(), nil
}

// Branches lists local branches matching prefix, sorted.
func (r *Repo) Branches(prefix string) ([]string, error) {
	iter, err := r.repo.Branches()
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}
	var names []string
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		if name := ref.Name().Short(); strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// OriginURL returns the first URL of the origin remote.
func (r *Repo) OriginURL() (string, error) {
	remote, err := r.repo.Remote("origin")
	if err != nil {
		if errors.Is(err, git.ErrRemoteNotFound) {
			return "", errors.ErrNoRemote
		}
		return "", fmt.Errorf("failed to read origin remote: %w", err)
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return "", errors.ErrNoRemote
	}
	return urls[0], nil
}

// GitHubRepository returns the owner and name of the origin remote.
func (r *Repo) GitHubRepository() (owner, name string, err error) {
	url, err := r.OriginURL()
	if err != nil {
		return "", "", err
	}
	return ParseGitHubURL(url)
}

// ParseGitHubURL extracts owner and repository name from an https, ssh or
// scp-style GitHub remote URL.
func ParseGitHubURL(raw string) (owner, name string, err error) {
	ep, err := transport.NewEndpoint(raw)
	if err != nil {
		return "", "", fmt.Errorf("%w: unparseable remote URL %q: %v", errors.ErrInvalidInput, raw, err)
	}
	if ep.Host != "github.com" && !strings.HasSuffix(ep.Host, ".github.com") {
		return "", "", fmt.Errorf("%w: remote %q is not hosted on GitHub", errors.ErrInvalidInput, raw)
	}

	path := strings.TrimSuffix(strings.Trim(ep.Path, "/"), ".git")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: remote %q does not name owner/repo", errors.ErrInvalidInput, raw)
	}
	return parts[0], parts[1], nil
}
