package worktree

// WorktreeManager creates and removes the working directories parallel
// units run in.
type WorktreeManager interface {
	// CreateFromBranch creates a worktree at path with a new branch based
	// off baseBranch.
	CreateFromBranch(path, newBranch, baseBranch string) error

	// AddWorktree creates a worktree for an existing branch.
	AddWorktree(path, branch string) error

	// Remove removes the worktree at path.
	Remove(path string) error

	// RepoDir returns the repository root.
	RepoDir() string
}

// BranchManager manages branches by name.
type BranchManager interface {
	CreateBranchFrom(branchName, baseBranch string) error
	DeleteBranch(branch string) error
	ShowFile(rev, file string) (string, error)
}

// MergeOperations folds unit branches into the integration branch.
type MergeOperations interface {
	// Merge returns a *ConflictError when the merge stops on conflicts.
	Merge(path, branch, message string) error
	AbortMerge(path string) error
	ResolveOurs(path string, files ...string) error
	CommitMerge(path string) error
	CommitAll(path, message string) (bool, error)
	ChangedFiles(path, base string) ([]string, error)
	Push(path, branch string) error
}

// Repository combines the operations the parallel coordinator needs.
type Repository interface {
	WorktreeManager
	BranchManager
	MergeOperations
}

var _ Repository = (*Manager)(nil)
