package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/ralph/internal/loop"
	"github.com/Iron-Ham/ralph/internal/metrics"
	"github.com/Iron-Ham/ralph/internal/ui"
)

var runCmd = &cobra.Command{
	Use:   "run [workspace]",
	Short: "Run the iteration loop in a workspace",
	Long: `Run invokes the coding agent repeatedly in the workspace (default: the
current directory) until every checklist item of the task document is checked.

The run stops early when the agent reports GUTTER, on configuration errors, or
when the iteration cap is reached. Ctrl-C lets the invocation in flight finish
and stops at the next iteration boundary; a later run resumes from there.

Exit codes: 0 complete, 2 gutter, 3 configuration error, 4 iteration cap
reached, 5 refused (workspace terminated), 130 interrupted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

var runMaxIterations int

func init() {
	runCmd.Flags().IntVarP(&runMaxIterations, "max-iterations", "n", 0, "iteration cap (overrides the task document and config)")
	rootCmd.AddCommand(runCmd)
}

// newInvokerFunc builds the agent invoker; tests replace it.
var newInvokerFunc = newInvoker

func runRun(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment(cmd, args)
	if err != nil {
		return err
	}
	store, logger, err := env.openStore()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	settings := env.iterationCap(runMaxIterations)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctrl, err := loop.New(loop.Options{
		Settings:  settings,
		Store:     store,
		Invoker:   newInvokerFunc(settings, logger),
		Metrics:   metrics.New(),
		Logger:    logger,
		Callbacks: iterationCallbacks(env.ui, settings.MaxIterations),
	})
	if err != nil {
		return err
	}

	env.ui.Title("ralph run")
	env.ui.Field("Workspace", env.workspace)
	env.ui.Field("Task", settings.TaskFile)
	env.ui.Field("State", store.Dir())

	result, err := ctrl.Run(ctx)
	if err != nil {
		return err
	}
	printResult(env.ui, result)
	return result.Err()
}

func iterationCallbacks(out ui.UserInterface, maxIterations int) loop.Callbacks {
	return loop.Callbacks{
		OnIterationStart: func(iteration int) {
			out.Info(fmt.Sprintf("Iteration %d/%d", iteration, maxIterations))
		},
		OnIterationComplete: func(r loop.IterationReport) {
			line := fmt.Sprintf("  %s, checklist %s, ~%d tokens", r.Signal, r.Verdict, r.Estimate)
			if r.AgentSignal != r.Signal {
				line += fmt.Sprintf(" (agent said %s)", r.AgentSignal)
			}
			out.Info(line)
		},
		OnRotate: func(iteration, estimate int) {
			out.Warn(fmt.Sprintf("rotating context after iteration %d (~%d tokens)", iteration, estimate))
		},
	}
}

func printResult(out ui.UserInterface, r loop.Result) {
	out.Title("Result")
	out.Field("State", string(r.State))
	out.Field("Iteration", fmt.Sprint(r.Iteration))
	out.Field("Invocations", fmt.Sprint(r.Invocations))
	if r.State != loop.StateRefused {
		out.Field("Checklist", r.Verdict.String())
	}
	if r.LogPath != "" {
		out.Field("Log", r.LogPath)
	}

	switch r.State {
	case loop.StateComplete:
		out.Success("task complete")
	case loop.StateInterrupted:
		out.Warn("interrupted; run again to resume")
	default:
		out.Error(r.Reason)
	}
}
