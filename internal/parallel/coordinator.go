// Package parallel fans a task document out into one unit per unchecked
// checklist item. Each unit runs its own iteration controller in a separate
// git worktree; finished units are then merged, one at a time and in
// checklist order, into an integration branch.
package parallel

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Iron-Ham/ralph/internal/agent"
	"github.com/Iron-Ham/ralph/internal/config"
	"github.com/Iron-Ham/ralph/internal/errors"
	"github.com/Iron-Ham/ralph/internal/logging"
	"github.com/Iron-Ham/ralph/internal/loop"
	"github.com/Iron-Ham/ralph/internal/metrics"
	"github.com/Iron-Ham/ralph/internal/pr"
	"github.com/Iron-Ham/ralph/internal/state"
	"github.com/Iron-Ham/ralph/internal/taskspec"
	"github.com/Iron-Ham/ralph/internal/worktree"
)

// Options configures a Coordinator.
type Options struct {
	Settings  config.Settings
	Workspace string

	// BaseBranch defaults to the branch checked out in Workspace.
	BaseBranch string
	// IntegrationBranch overrides Settings.IntegrationBranch.
	IntegrationBranch string
	// MaxParallel overrides Settings.MaxParallel when positive.
	MaxParallel int
	// RunID defaults to a random UUID.
	RunID string

	// NewInvoker returns the agent invoker for a unit.
	NewInvoker func(u Unit) (agent.Invoker, error)
	// Repo defaults to a worktree.Manager for the workspace's repository.
	Repo worktree.Repository
	// PRCreator defaults to the provider named in Settings.PR.
	PRCreator pr.Creator
	// NewBackOff is passed to every unit controller.
	NewBackOff func() backoff.BackOff

	Metrics   *metrics.Recorder
	Logger    *logging.Logger
	Callbacks Callbacks
}

// Callbacks defines callbacks for coordinator events. They may be called
// from several goroutines but never concurrently.
type Callbacks struct {
	OnUnitStart    func(u Unit)
	OnUnitComplete func(u Unit)
	OnMerge        func(u Unit)
}

// Coordinator runs one parallel run.
type Coordinator struct {
	settings    config.Settings
	repoDir     string
	relWork     string
	taskGitPath string
	base        string
	integration string
	maxParallel int
	runID       string
	naming      Naming

	repo       worktree.Repository
	query      *worktree.Repo
	newInvoker func(u Unit) (agent.Invoker, error)
	prCreator  pr.Creator
	newBackOff func() backoff.BackOff
	metrics    *metrics.Recorder
	logger     *logging.Logger
	callbacks  Callbacks

	mu sync.Mutex
}

// New creates a Coordinator for the repository containing opts.Workspace.
func New(opts Options) (*Coordinator, error) {
	if opts.NewInvoker == nil {
		return nil, fmt.Errorf("%w: invoker factory is required", errors.ErrInvalidInput)
	}
	if opts.Settings.StateRoot == "" {
		return nil, fmt.Errorf("%w: state root is required", errors.ErrConfig)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	workspace, err := state.ResolveWorkspace(opts.Workspace)
	if err != nil {
		return nil, err
	}
	repoDir, err := worktree.FindGitRoot(workspace)
	if err != nil {
		return nil, err
	}
	repoDir, err = state.ResolveWorkspace(repoDir)
	if err != nil {
		return nil, err
	}
	relWork, err := filepath.Rel(repoDir, workspace)
	if err != nil {
		return nil, fmt.Errorf("failed to locate workspace in repository: %w", err)
	}

	query, err := worktree.OpenRepo(repoDir)
	if err != nil {
		return nil, err
	}
	repo := opts.Repo
	if repo == nil {
		m, err := worktree.New(repoDir)
		if err != nil {
			return nil, err
		}
		repo = m
	}

	base := opts.BaseBranch
	if base == "" {
		if base, err = query.CurrentBranch(); err != nil {
			return nil, fmt.Errorf("failed to determine base branch: %w", err)
		}
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	naming := NewNaming(opts.Settings.BranchPrefix, runID)

	integration := opts.IntegrationBranch
	if integration == "" {
		integration = opts.Settings.IntegrationBranch
	}
	if integration == "" {
		integration = naming.IntegrationBranch()
	}

	maxParallel := opts.MaxParallel
	if maxParallel <= 0 {
		maxParallel = opts.Settings.MaxParallel
	}
	if maxParallel <= 0 {
		maxParallel = 1
	}

	return &Coordinator{
		settings:    opts.Settings,
		repoDir:     repoDir,
		relWork:     relWork,
		taskGitPath: filepath.ToSlash(filepath.Join(relWork, opts.Settings.TaskFile)),
		base:        base,
		integration: integration,
		maxParallel: maxParallel,
		runID:       runID,
		naming:      naming,
		repo:        repo,
		query:       query,
		newInvoker:  opts.NewInvoker,
		prCreator:   opts.PRCreator,
		newBackOff:  opts.NewBackOff,
		metrics:     opts.Metrics,
		logger:      logger.WithPhase("parallel").With("run_id", runID),
		callbacks:   opts.Callbacks,
	}, nil
}

// RunID returns the run identifier.
func (c *Coordinator) RunID() string { return c.runID }

// Run executes the run, merge, publish and cleanup phases. The returned
// error reports a failure of the coordinator itself; per-unit failures are
// recorded in the Summary and reported by Summary.Err.
func (c *Coordinator) Run(ctx context.Context) (Summary, error) {
	summary := Summary{
		RunID:             c.runID,
		BaseBranch:        c.base,
		IntegrationBranch: c.integration,
	}

	units, err := c.plan()
	if err != nil {
		return summary, err
	}
	if len(units) == 0 {
		c.logger.Info("no unchecked items; nothing to run", "base", c.base)
		return summary, nil
	}
	c.logger.Info("parallel run starting",
		"units", len(units),
		"max_parallel", c.maxParallel,
		"base", c.base,
		"integration", c.integration,
	)

	c.prepare(units)
	defer c.cleanup(units)

	c.runUnits(ctx, units)

	integrationPath, err := c.mergeUnits(units)
	if integrationPath != "" {
		defer c.removeWorktree(integrationPath)
	}
	summary.Units = units
	summary.count()
	c.recordMetrics(units)
	if err != nil || integrationPath == "" {
		return summary, err
	}

	if files, err := c.repo.ChangedFiles(integrationPath, c.base); err == nil {
		summary.ChangedFiles = files
	} else {
		c.logger.Warn("failed to list changed files", "error", err)
	}

	if c.settings.PR.Enabled && summary.Done > 0 {
		summary.PRURL, summary.PRErr = c.publish(ctx, integrationPath, summary)
		if summary.PRErr != nil {
			c.logger.Warn("failed to open pull request", "error", summary.PRErr)
		}
	}

	c.logger.Info("parallel run finished",
		"done", summary.Done,
		"failed", summary.Failed,
		"conflicted", summary.Conflicted,
		"pr", summary.PRURL,
	)
	return summary, nil
}

// plan reads the task document as committed on the base branch and creates
// one unit per unchecked item.
func (c *Coordinator) plan() ([]Unit, error) {
	doc, err := c.repo.ShowFile(c.base, c.taskGitPath)
	if err != nil {
		return nil, fmt.Errorf("%w: task document %s not found on %s: %w", errors.ErrConfig, c.taskGitPath, c.base, err)
	}
	spec, err := taskspec.Parse(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errors.ErrConfig, err)
	}

	if spec.Oracle().Empty() {
		return nil, fmt.Errorf("%w: %w: %s on %s", errors.ErrConfig, errors.ErrEmptyChecklist, c.taskGitPath, c.base)
	}

	items := spec.Unchecked()
	if limit := c.settings.MaxUnits; limit > 0 && len(items) > limit {
		c.logger.Info("capping units", "unchecked", len(items), "max_units", limit)
		items = items[:limit]
	}

	runDir := filepath.Join(c.settings.StateRoot, "worktrees", c.runID)
	units := make([]Unit, len(items))
	for i, item := range items {
		n := i + 1
		wt := filepath.Join(runDir, fmt.Sprintf("unit-%d", n))
		units[i] = Unit{
			Index:        n,
			Item:         item.Text,
			Occurrence:   spec.Occurrence(item),
			Line:         item.Line,
			Branch:       c.naming.UnitBranch(n, item.Text),
			BaseBranch:   c.base,
			WorktreePath: wt,
			Workspace:    filepath.Join(wt, c.relWork),
			Status:       UnitPending,
		}
	}
	return units, nil
}

// prepare creates unit worktrees one at a time. A unit whose worktree cannot
// be created fails without affecting the others.
func (c *Coordinator) prepare(units []Unit) {
	for i := range units {
		u := &units[i]
		if err := c.repo.CreateFromBranch(u.WorktreePath, u.Branch, u.BaseBranch); err != nil {
			u.Status = UnitFailed
			u.Err = fmt.Errorf("failed to create worktree: %w", err)
			c.logger.Warn("unit setup failed", "unit", u.Index, "error", err)
			continue
		}
		c.logger.Debug("unit prepared", "unit", u.Index, "branch", u.Branch, "path", u.WorktreePath)
	}
}

// runUnits runs every prepared unit with at most maxParallel at once. Each
// goroutine writes only its own element of units.
func (c *Coordinator) runUnits(ctx context.Context, units []Unit) {
	var g errgroup.Group
	g.SetLimit(c.maxParallel)
	for i := range units {
		if units[i].Status != UnitPending {
			continue
		}
		u := &units[i]
		g.Go(func() error {
			c.runUnit(ctx, u)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Coordinator) runUnit(ctx context.Context, u *Unit) {
	logger := c.logger.WithUnit(u.Index, u.Branch)
	u.Status = UnitRunning
	c.notify(c.callbacks.OnUnitStart, *u)

	if c.settings.UnitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.settings.UnitTimeout)
		defer cancel()
	}

	result, err := c.runController(ctx, u, logger)
	u.Result = result
	switch {
	case err != nil:
		u.Status = UnitFailed
		u.Err = err
	case result.State == loop.StateComplete:
		u.Status = UnitDone
	default:
		u.Status = UnitFailed
		u.Err = result.Err()
	}

	// Whatever the agent left behind stays on the unit branch.
	if _, err := c.repo.CommitAll(u.WorktreePath, fmt.Sprintf("ralph: unit %d work in progress", u.Index)); err != nil {
		logger.Warn("failed to commit leftover changes", "error", err)
	}

	logger.Info("unit finished", "status", u.Status, "state", result.State, "iteration", result.Iteration)
	c.notify(c.callbacks.OnUnitComplete, *u)
}

func (c *Coordinator) runController(ctx context.Context, u *Unit, logger *logging.Logger) (loop.Result, error) {
	invoker, err := c.newInvoker(*u)
	if err != nil {
		return loop.Result{State: loop.StateConfigError}, err
	}
	store, err := state.Open(c.settings.StateRoot, u.Workspace, logger)
	if err != nil {
		return loop.Result{State: loop.StateInit}, err
	}
	ctrl, err := loop.New(loop.Options{
		Settings:   c.settings,
		Store:      store,
		Invoker:    invoker,
		Oracle:     taskspec.ItemOracle{Path: filepath.Join(u.Workspace, c.settings.TaskFile), Item: u.Item, Occurrence: u.Occurrence},
		Focus:      u.focus(),
		Metrics:    c.metrics,
		Logger:     logger,
		NewBackOff: c.newBackOff,
	})
	if err != nil {
		return loop.Result{State: loop.StateConfigError}, err
	}
	return ctrl.Run(ctx)
}

// MetricsPath is where the run's metrics textfile is written.
func (c *Coordinator) MetricsPath() string {
	return filepath.Join(c.settings.StateRoot, "runs", c.runID, state.MetricsFileName)
}

func (c *Coordinator) recordMetrics(units []Unit) {
	if c.metrics == nil {
		return
	}
	for _, u := range units {
		c.metrics.Unit(string(u.Status))
	}
	path := c.MetricsPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		c.logger.Warn("failed to create metrics directory", "error", err)
		return
	}
	if err := c.metrics.WriteTextfile(path); err != nil {
		c.logger.Warn("failed to write metrics", "error", err)
	}
}

// notify serializes callbacks across unit goroutines.
func (c *Coordinator) notify(fn func(Unit), u Unit) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(u)
}

func (c *Coordinator) publish(ctx context.Context, integrationPath string, summary Summary) (string, error) {
	if err := c.repo.Push(integrationPath, c.integration); err != nil {
		return "", err
	}

	creator := c.prCreator
	if creator == nil {
		var err error
		if creator, err = pr.New(ctx, c.settings.PR, c.repoDir, c.query); err != nil {
			return "", err
		}
	}

	data := pr.TemplateData{
		Branch:       c.integration,
		Base:         c.base,
		RunID:        c.runID,
		Merged:       summary.Done,
		Failed:       summary.Failed,
		Conflicted:   summary.Conflicted,
		ChangedFiles: summary.ChangedFiles,
	}
	if doc, err := c.repo.ShowFile(c.base, c.taskGitPath); err == nil {
		if spec, err := taskspec.Parse(doc); err == nil {
			data.Task = spec.Description
		}
	}
	for _, u := range summary.Units {
		data.Units = append(data.Units, pr.UnitSummary{
			Index:  u.Index,
			Item:   u.Item,
			Branch: u.Branch,
			Status: string(u.Status),
		})
	}

	req, err := pr.BuildRequest(c.settings.PR, data)
	if err != nil {
		return "", err
	}
	return creator.Create(ctx, req)
}

// cleanup removes unit worktrees and deletes merged unit branches unless
// KeepBranches is set. Branches that did not merge are kept for inspection.
func (c *Coordinator) cleanup(units []Unit) {
	for _, u := range units {
		c.removeWorktree(u.WorktreePath)
		if !u.Merged {
			if u.Status != UnitPending {
				c.logger.Info("keeping unmerged unit branch", "unit", u.Index, "branch", u.Branch, "status", u.Status)
			}
			continue
		}
		if c.settings.KeepBranches {
			continue
		}
		if err := c.repo.DeleteBranch(u.Branch); err != nil {
			c.logger.Warn("failed to delete unit branch", "branch", u.Branch, "error", err)
		}
	}
	_ = os.Remove(filepath.Join(c.settings.StateRoot, "worktrees", c.runID))
}

func (c *Coordinator) removeWorktree(path string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return
	}
	if err := c.repo.Remove(path); err != nil {
		c.logger.Warn("failed to remove worktree", "path", path, "error", err)
	}
}
