package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/ralph/internal/errors"
	"github.com/Iron-Ham/ralph/internal/taskspec"
)

var checkCmd = &cobra.Command{
	Use:   "check [workspace]",
	Short: "Evaluate the task document's checklist without running the agent",
	Long: `Check parses the task document and prints the completion verdict with every
checklist item. It exits 0 only when the checklist is complete.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCheck,
}

var checkJSON bool

func init() {
	checkCmd.Flags().BoolVar(&checkJSON, "json", false, "output the parsed document as JSON")
	rootCmd.AddCommand(checkCmd)
}

type checkReport struct {
	Verdict string `json:"verdict"`
	*taskspec.Spec
}

func runCheck(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment(cmd, args)
	if err != nil {
		return err
	}
	spec, err := taskspec.ParseFile(env.taskPath())
	if err != nil {
		return fmt.Errorf("%w: %w", errors.ErrConfig, err)
	}
	verdict := spec.Oracle()

	if checkJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(checkReport{Verdict: verdict.String(), Spec: spec}); err != nil {
			return err
		}
	} else {
		out := env.ui
		out.Title("ralph check")
		out.Field("Task", env.taskPath())
		if spec.Description != "" {
			out.Field("Description", spec.Description)
		}
		for _, item := range spec.Checklist {
			mark := "[ ]"
			if item.Done {
				mark = "[x]"
			}
			out.Info(fmt.Sprintf("%*s%s %s", item.Depth*2, "", mark, item.Text))
		}
		out.Field("Verdict", verdict.String())
	}

	switch {
	case verdict.Empty():
		return errors.ErrEmptyChecklist
	case !verdict.Complete():
		return fmt.Errorf("checklist incomplete: %d of %d items remaining", verdict.Remaining(), verdict.Total)
	}
	return nil
}
