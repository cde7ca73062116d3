package cmd

import (
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/ralph/internal/state"
)

var stopCmd = &cobra.Command{
	Use:   "stop [workspace]",
	Short: "Terminate the workspace so no run starts or continues",
	Long: `Stop sets the workspace's termination marker. A running loop stops at its
next iteration boundary and later runs are refused until ` + "`ralph reset`" + `.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStop,
}

var stopReason string

func init() {
	stopCmd.Flags().StringVarP(&stopReason, "reason", "r", "stopped by operator", "reason recorded in the marker")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment(cmd, args)
	if err != nil {
		return err
	}
	store, err := state.Open(env.settings.StateRoot, env.workspace, nil)
	if err != nil {
		return err
	}
	if err := store.Terminate(stopReason); err != nil {
		return err
	}
	env.ui.Success("workspace terminated: " + stopReason)
	return nil
}
