package parallel

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/goleak"

	"github.com/Iron-Ham/ralph/internal/agent"
	"github.com/Iron-Ham/ralph/internal/config"
	"github.com/Iron-Ham/ralph/internal/errors"
	"github.com/Iron-Ham/ralph/internal/loop"
	"github.com/Iron-Ham/ralph/internal/metrics"
	"github.com/Iron-Ham/ralph/internal/pr"
	"github.com/Iron-Ham/ralph/internal/taskspec"
	"github.com/Iron-Ham/ralph/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const threeItems = `# Build the widget
- [ ] alpha
- [ ] beta
- [ ] gamma
`

const testRunID = "abcdef1234567890"

func testSettings(t *testing.T) config.Settings {
	t.Helper()
	s := config.Default().Settings()
	s.StateRoot = t.TempDir()
	s.MinInterval = 0
	s.MaxIterations = 3
	s.MaxRetries = 0
	s.AgentTimeout = time.Minute
	s.MaxParallel = 2
	return s
}

func setupRepo(t *testing.T, s config.Settings, doc string) string {
	t.Helper()
	testutil.SkipIfNoGit(t)
	return testutil.SetupTestRepoWithContent(t, map[string]string{s.TaskFile: doc})
}

// finishes returns an invoker factory whose agents check their own item and
// write unit-<n>.txt in one invocation.
func finishes(s config.Settings) func(u Unit) (agent.Invoker, error) {
	return func(u Unit) (agent.Invoker, error) {
		return agent.NewScripted(agent.Step{Do: agent.Chain(
			agent.WriteFile(fmt.Sprintf("unit-%d.txt", u.Index), u.Item+"\n"),
			agent.CheckNthItem(s.TaskFile, u.Item, u.Occurrence),
		)}), nil
	}
}

func runCoordinator(t *testing.T, s config.Settings, repo string, mutate func(*Options)) Summary {
	t.Helper()
	opts := Options{
		Settings:   s,
		Workspace:  repo,
		RunID:      testRunID,
		NewInvoker: finishes(s),
		NewBackOff: func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	summary, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	return summary
}

func checklist(t *testing.T, repo, rev, taskFile string) map[string]bool {
	t.Helper()
	spec, err := taskspec.Parse(testutil.ShowFile(t, repo, rev, taskFile))
	if err != nil {
		t.Fatal(err)
	}
	out := make(map[string]bool)
	for _, item := range spec.Checklist {
		out[item.Text] = item.Done
	}
	return out
}

func TestRunMergesNonOverlappingUnits(t *testing.T) {
	s := testSettings(t)
	repo := setupRepo(t, s, threeItems)

	var mu sync.Mutex
	var merged []int
	summary := runCoordinator(t, s, repo, func(o *Options) {
		o.Callbacks.OnMerge = func(u Unit) {
			mu.Lock()
			merged = append(merged, u.Index)
			mu.Unlock()
		}
	})

	if summary.Done != 3 || summary.Failed != 0 || summary.Conflicted != 0 {
		t.Fatalf("summary = %+v", summary)
	}
	if err := summary.Err(); err != nil {
		t.Errorf("Summary.Err() = %v", err)
	}
	if fmt.Sprint(merged) != "[1 2 3]" {
		t.Errorf("merge order = %v, want unit order", merged)
	}

	integration := "ralph/abcdef12-integration"
	if summary.IntegrationBranch != integration || summary.BaseBranch != "main" {
		t.Errorf("branches = %q from %q", summary.IntegrationBranch, summary.BaseBranch)
	}
	for i, item := range []string{"alpha", "beta", "gamma"} {
		if got := testutil.ShowFile(t, repo, integration, fmt.Sprintf("unit-%d.txt", i+1)); got != item+"\n" {
			t.Errorf("unit-%d.txt on integration = %q", i+1, got)
		}
	}
	for item, done := range checklist(t, repo, integration, s.TaskFile) {
		if !done {
			t.Errorf("item %q unchecked on the integration branch", item)
		}
	}
	if len(summary.ChangedFiles) != 4 {
		t.Errorf("ChangedFiles = %v", summary.ChangedFiles)
	}

	// Merged unit branches and every worktree are cleaned up.
	if testutil.BranchExists(t, repo, "ralph/abcdef12-unit-1-alpha") {
		t.Error("merged unit branch should be deleted")
	}
	if wts := testutil.ListWorktrees(t, repo); len(wts) != 1 {
		t.Errorf("worktrees after run = %v", wts)
	}
	if testutil.CurrentBranch(t, repo) != "main" || testutil.HasUncommittedChanges(t, repo) {
		t.Error("the workspace checkout must be untouched")
	}
}

func TestRunIsolatesMergeConflicts(t *testing.T) {
	s := testSettings(t)
	repo := setupRepo(t, s, threeItems)

	summary := runCoordinator(t, s, repo, func(o *Options) {
		o.MaxParallel = 1
		o.NewInvoker = func(u Unit) (agent.Invoker, error) {
			name := fmt.Sprintf("unit-%d.txt", u.Index)
			if u.Index <= 2 {
				name = "shared.txt"
			}
			return agent.NewScripted(agent.Step{Do: agent.Chain(
				agent.WriteFile(name, u.Item+"\n"),
				agent.CheckItem(s.TaskFile, u.Item),
			)}), nil
		}
	})

	statuses := make([]UnitStatus, len(summary.Units))
	for i, u := range summary.Units {
		statuses[i] = u.Status
	}
	want := []UnitStatus{UnitDone, UnitMergeConflict, UnitDone}
	if fmt.Sprint(statuses) != fmt.Sprint(want) {
		t.Fatalf("statuses = %v, want %v", statuses, want)
	}
	if !errors.Is(summary.Units[1].Err, errors.ErrMergeConflict) {
		t.Errorf("conflicted unit error = %v", summary.Units[1].Err)
	}

	var loopErr *errors.LoopError
	if err := summary.Err(); !errors.As(err, &loopErr) || loopErr.ExitCode() != errors.ExitPartial {
		t.Errorf("Summary.Err() = %v, want PARTIAL", err)
	}

	integration := summary.IntegrationBranch
	if got := testutil.ShowFile(t, repo, integration, "shared.txt"); got != "alpha\n" {
		t.Errorf("shared.txt = %q, want the first unit's version", got)
	}
	items := checklist(t, repo, integration, s.TaskFile)
	if !items["alpha"] || items["beta"] || !items["gamma"] {
		t.Errorf("integration checklist = %v", items)
	}
	if !testutil.BranchExists(t, repo, summary.Units[1].Branch) {
		t.Error("conflicted unit branch should be kept")
	}
}

func TestRunFailedUnitIsNotMerged(t *testing.T) {
	s := testSettings(t)
	repo := setupRepo(t, s, threeItems)

	summary := runCoordinator(t, s, repo, func(o *Options) {
		base := finishes(s)
		o.NewInvoker = func(u Unit) (agent.Invoker, error) {
			if u.Item != "beta" {
				return base(u)
			}
			return agent.NewScripted(agent.Step{
				Do:      agent.WriteFile("wip.txt", "half done\n"),
				Outcome: agent.Outcome{Signal: agent.SignalGutter},
			}), nil
		}
	})

	if summary.Done != 2 || summary.Failed != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	failed := summary.Units[1]
	if failed.Status != UnitFailed || failed.Result.State != loop.StateGutter {
		t.Errorf("failed unit = %+v", failed)
	}
	if got := testutil.ShowFile(t, repo, failed.Branch, "wip.txt"); got != "half done\n" {
		t.Errorf("leftover work on unit branch = %q", got)
	}
	if items := checklist(t, repo, summary.IntegrationBranch, s.TaskFile); items["beta"] {
		t.Error("failed unit's item must stay unchecked")
	}
}

func TestRunBoundsConcurrency(t *testing.T) {
	s := testSettings(t)
	repo := setupRepo(t, s, threeItems+"- [ ] delta\n")

	var running, peak atomic.Int32
	summary := runCoordinator(t, s, repo, func(o *Options) {
		o.MaxParallel = 2
		base := finishes(s)
		o.NewInvoker = func(u Unit) (agent.Invoker, error) {
			inner, _ := base(u)
			return agent.NewScripted(agent.Step{Do: func(req agent.Request) error {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(50 * time.Millisecond)
				running.Add(-1)
				_, err := inner.Invoke(context.Background(), req)
				return err
			}}), nil
		}
	})

	if summary.Done != 4 {
		t.Fatalf("summary = %+v", summary)
	}
	if p := peak.Load(); p > 2 || p < 1 {
		t.Errorf("peak concurrency = %d, want at most 2", p)
	}
}

func TestRunMaxUnitsAndCompleteChecklist(t *testing.T) {
	s := testSettings(t)
	s.MaxUnits = 2
	repo := setupRepo(t, s, threeItems)

	summary := runCoordinator(t, s, repo, nil)
	if len(summary.Units) != 2 || summary.Units[1].Item != "beta" {
		t.Errorf("units = %+v", summary.Units)
	}

	s = testSettings(t)
	repo = setupRepo(t, s, "# Done already\n- [x] alpha\n")
	calls := 0
	summary = runCoordinator(t, s, repo, func(o *Options) {
		o.NewInvoker = func(Unit) (agent.Invoker, error) {
			calls++
			return agent.NewScripted(), nil
		}
	})
	if len(summary.Units) != 0 || calls != 0 || summary.Err() != nil {
		t.Errorf("summary = %+v, invokers = %d", summary, calls)
	}
}

func TestRunEmptyChecklistIsConfigError(t *testing.T) {
	s := testSettings(t)
	repo := setupRepo(t, s, "# No checklist at all\nJust prose.\n")

	calls := 0
	c, err := New(Options{
		Settings:  s,
		Workspace: repo,
		RunID:     testRunID,
		NewInvoker: func(Unit) (agent.Invoker, error) {
			calls++
			return agent.NewScripted(), nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	summary, err := c.Run(context.Background())
	if !errors.Is(err, errors.ErrEmptyChecklist) || !errors.IsConfigError(err) {
		t.Fatalf("Run() error = %v, want an empty-checklist config error", err)
	}
	if len(summary.Units) != 0 || calls != 0 {
		t.Errorf("summary = %+v, invokers = %d", summary, calls)
	}
	if testutil.BranchExists(t, repo, "ralph/abcdef12-integration") {
		t.Error("no integration branch should be created")
	}
}

func TestRunDuplicateItemTexts(t *testing.T) {
	s := testSettings(t)
	repo := setupRepo(t, s, "## api\n- [ ] add tests\n## cli\n- [ ] add tests\n")

	summary := runCoordinator(t, s, repo, nil)
	if summary.Done != 2 || summary.Failed != 0 || summary.Conflicted != 0 {
		t.Fatalf("summary = %+v", summary)
	}
	if u := summary.Units[1]; u.Occurrence != 1 || u.Line != 4 {
		t.Errorf("second unit = %+v, want occurrence 1 on line 4", u)
	}

	spec, err := taskspec.Parse(testutil.ShowFile(t, repo, summary.IntegrationBranch, s.TaskFile))
	if err != nil {
		t.Fatal(err)
	}
	if v := spec.Oracle(); !v.Complete() {
		t.Errorf("integration verdict = %s, want COMPLETE", v)
	}
}

func TestRunMissingTaskDocument(t *testing.T) {
	s := testSettings(t)
	testutil.SkipIfNoGit(t)
	repo := testutil.SetupTestRepo(t)

	c, err := New(Options{Settings: s, Workspace: repo, NewInvoker: finishes(s)})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Run(context.Background()); !errors.Is(err, errors.ErrConfig) {
		t.Errorf("Run() error = %v, want ErrConfig", err)
	}
}

// recordingCreator is a pr.Creator test double.
type recordingCreator struct {
	requests []pr.Request
}

func (r *recordingCreator) Create(_ context.Context, req pr.Request) (string, error) {
	r.requests = append(r.requests, req)
	return "https://github.com/o/r/pull/1", nil
}

func TestRunPublishesPullRequest(t *testing.T) {
	testutil.SkipIfNoGit(t)
	s := testSettings(t)
	s.PR.Enabled = true
	s.PR.Labels = []string{"ralph"}
	repo, remote := testutil.SetupTestRepoWithRemote(t)
	testutil.CommitFile(t, repo, s.TaskFile, threeItems, "add task")

	creator := &recordingCreator{}
	rec := metrics.New()
	summary := runCoordinator(t, s, repo, func(o *Options) {
		o.PRCreator = creator
		o.Metrics = rec
	})

	if summary.PRURL != "https://github.com/o/r/pull/1" || summary.PRErr != nil {
		t.Fatalf("PR = %q, %v", summary.PRURL, summary.PRErr)
	}
	if !testutil.BranchExists(t, remote, summary.IntegrationBranch) {
		t.Error("integration branch should be pushed")
	}
	if len(creator.requests) != 1 {
		t.Fatalf("requests = %d", len(creator.requests))
	}
	req := creator.requests[0]
	if req.Title != "Build the widget" || req.Head != summary.IntegrationBranch || req.Base != "main" {
		t.Errorf("request = %+v", req)
	}
	if !strings.Contains(req.Body, "| 2 | beta | DONE |") || req.Labels[0] != "ralph" {
		t.Errorf("request body = %s", req.Body)
	}

	path := filepath.Join(s.StateRoot, "runs", testRunID, "metrics.prom")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("metrics textfile: %v", err)
	}
	if !strings.Contains(string(data), `ralph_parallel_units_total{status="DONE"} 3`) {
		t.Errorf("metrics textfile:\n%s", data)
	}
}

func TestNewValidates(t *testing.T) {
	s := testSettings(t)
	if _, err := New(Options{Settings: s, Workspace: t.TempDir()}); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("missing invoker factory error = %v", err)
	}
	if _, err := New(Options{Settings: s, Workspace: t.TempDir(), NewInvoker: finishes(s)}); !errors.Is(err, errors.ErrNotGitRepository) {
		t.Errorf("non-repository error = %v", err)
	}
}
