package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/ralph/internal/agent"
	"github.com/Iron-Ham/ralph/internal/metrics"
	"github.com/Iron-Ham/ralph/internal/parallel"
	"github.com/Iron-Ham/ralph/internal/state"
	"github.com/Iron-Ham/ralph/internal/ui"
)

var parallelCmd = &cobra.Command{
	Use:   "parallel [workspace]",
	Short: "Work on every unchecked item at once in separate worktrees",
	Long: `Parallel creates one unit per unchecked checklist item of the task document
as committed on the base branch. Each unit gets its own branch, git worktree
and state record, and runs its own iteration loop focused on that item.

Finished units are merged one at a time, in checklist order, into an
integration branch. Units that fail or conflict are left out and their
branches kept. With pr.enabled the integration branch is pushed and a pull
request is opened.

Exits 6 when any unit failed or conflicted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runParallel,
}

var (
	parallelMax           int
	parallelBase          string
	parallelIntegration   string
	parallelMaxIterations int
)

func init() {
	parallelCmd.Flags().IntVarP(&parallelMax, "max-parallel", "p", 0, "units running at once (default from config)")
	parallelCmd.Flags().StringVar(&parallelBase, "base", "", "base branch (default: current branch)")
	parallelCmd.Flags().StringVar(&parallelIntegration, "integration", "", "integration branch (default: <prefix>/<run-id>-integration)")
	parallelCmd.Flags().IntVarP(&parallelMaxIterations, "max-iterations", "n", 0, "iteration cap per unit")
	rootCmd.AddCommand(parallelCmd)
}

func runParallel(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment(cmd, args)
	if err != nil {
		return err
	}
	settings := env.iterationCap(parallelMaxIterations)

	runID := uuid.NewString()
	logger, err := env.newLogger(filepath.Join(settings.StateRoot, "runs", runID, state.LogDirName))
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	invoker := newInvokerFunc(settings, logger)
	coord, err := parallel.New(parallel.Options{
		Settings:          settings,
		Workspace:         env.workspace,
		BaseBranch:        parallelBase,
		IntegrationBranch: parallelIntegration,
		MaxParallel:       parallelMax,
		RunID:             runID,
		NewInvoker:        func(parallel.Unit) (agent.Invoker, error) { return invoker, nil },
		Metrics:           metrics.New(),
		Logger:            logger,
		Callbacks:         unitCallbacks(env.ui),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env.ui.Title("ralph parallel")
	env.ui.Field("Run", runID)
	env.ui.Field("Workspace", env.workspace)

	summary, err := coord.Run(ctx)
	if err != nil && len(summary.Units) == 0 {
		// Nothing was planned; a summary would only say "no unchecked items".
		return err
	}
	printSummary(env.ui, summary)
	if err != nil {
		return err
	}
	return summary.Err()
}

func unitCallbacks(out ui.UserInterface) parallel.Callbacks {
	return parallel.Callbacks{
		OnUnitStart: func(u parallel.Unit) {
			out.Info(fmt.Sprintf("unit %d started: %s", u.Index, u.Item))
		},
		OnUnitComplete: func(u parallel.Unit) {
			msg := fmt.Sprintf("unit %d %s after %d invocation(s): %s", u.Index, u.Result.State, u.Result.Invocations, u.Item)
			if u.Status == parallel.UnitDone {
				out.Success(msg)
			} else {
				out.Warn(msg)
			}
		},
		OnMerge: func(u parallel.Unit) {
			out.Info(fmt.Sprintf("merged unit %d into the integration branch", u.Index))
		},
	}
}

func printSummary(out ui.UserInterface, s parallel.Summary) {
	out.Title("Summary")
	if len(s.Units) == 0 {
		out.Info("no unchecked items")
		return
	}
	for _, u := range s.Units {
		line := fmt.Sprintf("%-14s %s (%s)", u.Status, u.Item, u.Branch)
		if u.Err != nil && u.Status != parallel.UnitDone {
			line += ": " + u.Err.Error()
		}
		out.Info(line)
	}
	out.Field("Integration", s.IntegrationBranch)
	out.Field("Merged", fmt.Sprint(s.Done))
	out.Field("Failed", fmt.Sprint(s.Failed))
	out.Field("Conflicted", fmt.Sprint(s.Conflicted))
	if s.PRURL != "" {
		out.Success("pull request: " + s.PRURL)
	}
	if s.PRErr != nil {
		out.Error("pull request failed: " + s.PRErr.Error())
	}
}
