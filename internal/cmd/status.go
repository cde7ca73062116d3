package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/ralph/internal/guardrail"
	"github.com/Iron-Ham/ralph/internal/state"
	"github.com/Iron-Ham/ralph/internal/taskspec"
)

var statusCmd = &cobra.Command{
	Use:   "status [workspace]",
	Short: "Show the workspace's iteration state and progress",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

var (
	statusJSON  bool
	statusLimit int
)

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output the state record as JSON")
	statusCmd.Flags().IntVar(&statusLimit, "limit", 10, "progress entries to show (0 = all)")
	rootCmd.AddCommand(statusCmd)
}

// statusReport is the JSON shape of `ralph status --json`.
type statusReport struct {
	Workspace   string                `json:"workspace"`
	StateDir    string                `json:"state_dir"`
	Iteration   int                   `json:"iteration"`
	Estimate    int                   `json:"context_estimate"`
	SessionID   string                `json:"session_id,omitempty"`
	Terminated  *state.Termination    `json:"terminated,omitempty"`
	Verdict     string                `json:"verdict,omitempty"`
	Guardrails  []guardrail.Guardrail `json:"guardrails"`
	Progress    []state.ProgressEntry `json:"progress"`
	Initialized bool                  `json:"initialized"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment(cmd, args)
	if err != nil {
		return err
	}
	store, err := state.Open(env.settings.StateRoot, env.workspace, nil)
	if err != nil {
		return err
	}

	report := statusReport{
		Workspace:   env.workspace,
		StateDir:    store.Dir(),
		Initialized: store.Initialized(),
		Guardrails:  []guardrail.Guardrail{},
		Progress:    []state.ProgressEntry{},
	}
	if report.Initialized {
		rec, err := store.Read()
		if err != nil {
			return err
		}
		report.Iteration = rec.Context.Iteration
		report.Estimate = rec.Context.ContextEstimate
		report.SessionID = rec.Context.SessionID
		report.Terminated = rec.Termination
		report.Guardrails = rec.Guardrails
		report.Progress = rec.Progress
		if statusLimit > 0 && len(report.Progress) > statusLimit {
			report.Progress = report.Progress[len(report.Progress)-statusLimit:]
		}
	}
	if spec, err := taskspec.ParseFile(env.taskPath()); err == nil {
		report.Verdict = spec.Oracle().String()
	}

	if statusJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	out := env.ui
	out.Title("ralph status")
	out.Field("Workspace", report.Workspace)
	out.Field("State", report.StateDir)
	if !report.Initialized {
		out.Info("No state yet. Run `ralph init` or `ralph run`.")
		return nil
	}
	out.Field("Iteration", fmt.Sprint(report.Iteration))
	out.Field("Estimate", fmt.Sprintf("~%d tokens", report.Estimate))
	if report.SessionID != "" {
		out.Field("Session", report.SessionID)
	}
	if report.Verdict != "" {
		out.Field("Checklist", report.Verdict)
	}
	out.Field("Guardrails", fmt.Sprint(len(report.Guardrails)))
	if report.Terminated != nil {
		out.Error("terminated: " + report.Terminated.Reason + " (clear with `ralph reset`)")
	}
	if len(report.Progress) > 0 {
		out.Title("Progress")
		out.Info(strings.TrimRight(state.RenderProgress(report.Progress, 0), "\n"))
	}
	return nil
}
