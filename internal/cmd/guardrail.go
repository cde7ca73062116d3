package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/ralph/internal/errors"
	"github.com/Iron-Ham/ralph/internal/guardrail"
	"github.com/Iron-Ham/ralph/internal/ui"
)

var guardrailCmd = &cobra.Command{
	Use:     "guardrail",
	Aliases: []string{"sign"},
	Short:   "Manage the guardrails injected into every iteration",
}

var guardrailAddCmd = &cobra.Command{
	Use:   "add [workspace]",
	Short: "Record a guardrail for the workspace",
	Long: `Add appends a guardrail (a trigger and the instruction to follow when it
applies). Guardrails are never edited or removed; an exact duplicate is
rejected. Missing flags are prompted for.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runGuardrailAdd,
}

var guardrailListCmd = &cobra.Command{
	Use:   "list [workspace]",
	Short: "List the workspace's guardrails in the order they were learned",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runGuardrailList,
}

var (
	guardrailTrigger     string
	guardrailInstruction string
)

func init() {
	guardrailAddCmd.Flags().StringVarP(&guardrailTrigger, "trigger", "t", "", "when the guardrail applies")
	guardrailAddCmd.Flags().StringVarP(&guardrailInstruction, "instruction", "i", "", "what to do when it applies")
	guardrailCmd.AddCommand(guardrailAddCmd)
	guardrailCmd.AddCommand(guardrailListCmd)
	rootCmd.AddCommand(guardrailCmd)
}

func runGuardrailAdd(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment(cmd, args)
	if err != nil {
		return err
	}

	trigger, err := askIfEmpty(env.ui, guardrailTrigger, "Trigger")
	if err != nil {
		return err
	}
	instruction, err := askIfEmpty(env.ui, guardrailInstruction, "Instruction")
	if err != nil {
		return err
	}

	store, logger, err := env.openStore()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()
	if err := store.Init(); err != nil {
		return err
	}
	ctx, err := store.Context()
	if err != nil {
		return err
	}

	g, err := guardrail.NewRegistry(store, logger).Add(trigger, instruction, ctx.Iteration)
	if errors.Is(err, guardrail.ErrDuplicate) {
		env.ui.Warn("guardrail already recorded")
		return nil
	}
	if err != nil {
		return err
	}
	env.ui.Success(fmt.Sprintf("guardrail added at iteration %d", g.AddedAtIteration))
	return nil
}

func askIfEmpty(out ui.UserInterface, value, question string) (string, error) {
	if value != "" {
		return value, nil
	}
	return out.Prompt(question, "")
}

func runGuardrailList(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment(cmd, args)
	if err != nil {
		return err
	}
	store, logger, err := env.openStore()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	gs, err := guardrail.NewRegistry(store, logger).List()
	if err != nil {
		return err
	}
	env.ui.Title("Guardrails")
	if len(gs) == 0 {
		env.ui.Info("none")
		return nil
	}
	for i, g := range gs {
		env.ui.Info(fmt.Sprintf("%d. %s -> %s (iteration %d)", i+1, g.Trigger, g.Instruction, g.AddedAtIteration))
	}
	return nil
}
