package cmd

import (
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/ralph/internal/state"
)

var resetCmd = &cobra.Command{
	Use:   "reset [workspace]",
	Short: "Clear the termination marker, or purge the state record",
	Long: `Reset clears the termination marker so runs are accepted again. Progress,
guardrails and the iteration counter are kept.

With --purge the whole state record is deleted after confirmation. Purging is
refused while a run holds the workspace lock.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReset,
}

var (
	resetPurge bool
	resetYes   bool
)

func init() {
	resetCmd.Flags().BoolVar(&resetPurge, "purge", false, "delete the whole state record")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "do not ask for confirmation")
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment(cmd, args)
	if err != nil {
		return err
	}
	store, err := state.Open(env.settings.StateRoot, env.workspace, nil)
	if err != nil {
		return err
	}

	if !resetPurge {
		if err := store.ClearTermination(); err != nil {
			return err
		}
		env.ui.Success("termination marker cleared")
		return nil
	}

	if !resetYes {
		ok, err := env.ui.Confirm("Delete all progress and guardrails in " + store.Dir() + "?")
		if err != nil {
			return err
		}
		if !ok {
			env.ui.Info("Reset cancelled.")
			return nil
		}
	}

	lock, err := store.Lock()
	if err != nil {
		return err
	}
	// Purge removes the lock file with the rest of the record.
	if err := store.Purge(); err != nil {
		_ = lock.Release()
		return err
	}
	env.ui.Success("state purged")
	return nil
}
