// Package cmd implements the ralph command-line interface.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/ralph/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "ralph",
	Short: "Run a coding agent in a loop until the task document is done",
	Long: `Ralph repeatedly invokes a coding agent against a workspace until every
checklist item of the task document is checked.

Progress, guardrails and the iteration counter live outside the workspace, so
they survive context resets and cannot be edited by the agent. The agent's
context is rotated before it runs out, and runs that cannot make progress stop
in a terminal state an operator can inspect.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/ralph/config.yaml)")
	rootCmd.PersistentFlags().Bool("plain", false, "disable styled output and interactive prompts")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("ui.plain", rootCmd.PersistentFlags().Lookup("plain"))
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath("$HOME/.config/ralph")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("RALPH")
	// RALPH_LOOP_MAX_ITERATIONS sets loop.max_iterations
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
