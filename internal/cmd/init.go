package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init [workspace]",
	Short: "Create a task document and the workspace's state record",
	Long: `Init writes a task document template into the workspace (unless one exists)
and creates the external state record. Running it again is harmless.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

const taskTemplate = `---
task: %s
test_command: ""
max_iterations: 0
---
# %s

Describe what "done" means for this task. The agent checks items off as it
completes them; the run is complete when every item is checked.

- [ ] First item
- [ ] Second item
`

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment(cmd, args)
	if err != nil {
		return err
	}

	taskPath := env.taskPath()
	if fileExists(taskPath) {
		env.ui.Info("Task document already exists: " + taskPath)
	} else {
		name := filepath.Base(env.workspace)
		content := fmt.Sprintf(taskTemplate, "Describe the task for "+name, name)
		if err := os.MkdirAll(filepath.Dir(taskPath), 0755); err != nil {
			return fmt.Errorf("failed to create task directory: %w", err)
		}
		if err := os.WriteFile(taskPath, []byte(content), 0644); err != nil {
			return fmt.Errorf("failed to write task document: %w", err)
		}
		env.ui.Success("Created " + taskPath)
	}

	store, logger, err := env.openStore()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()
	if err := store.Init(); err != nil {
		return err
	}

	env.ui.Field("State", store.Dir())
	return nil
}
