package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/ralph/internal/agent"
	"github.com/Iron-Ham/ralph/internal/config"
	"github.com/Iron-Ham/ralph/internal/errors"
	"github.com/Iron-Ham/ralph/internal/logging"
	"github.com/Iron-Ham/ralph/internal/state"
	"github.com/Iron-Ham/ralph/internal/taskspec"
	"github.com/Iron-Ham/ralph/internal/ui"
)

// environment is what every command resolves before doing its work.
type environment struct {
	settings  config.Settings
	workspace string
	ui        ui.UserInterface
}

// loadEnvironment resolves the configuration once and the workspace from the
// first positional argument, defaulting to the current directory.
func loadEnvironment(cmd *cobra.Command, args []string) (*environment, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errors.ErrConfig, err)
	}
	settings := cfg.Settings()

	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	workspace, err := state.ResolveWorkspace(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errors.ErrConfig, err)
	}

	return &environment{
		settings:  settings,
		workspace: workspace,
		ui:        ui.New(settings.Plain, cmd.InOrStdin(), cmd.OutOrStdout()),
	}, nil
}

func (e *environment) taskPath() string {
	return filepath.Join(e.workspace, e.settings.TaskFile)
}

// newLogger creates a logger writing debug.log into dir.
func (e *environment) newLogger(dir string) (*logging.Logger, error) {
	return logging.NewLogger(logging.Options{
		Dir:   dir,
		Level: e.settings.LogLevel,
		Rotation: logging.RotationConfig{
			MaxSizeMB:  e.settings.LogMaxSizeMB,
			MaxBackups: e.settings.LogMaxBackups,
		},
	})
}

// openStore opens the workspace's state record with a logger writing into
// the record's log directory. The caller closes the logger.
func (e *environment) openStore() (*state.Store, *logging.Logger, error) {
	store, err := state.Open(e.settings.StateRoot, e.workspace, nil)
	if err != nil {
		return nil, nil, err
	}
	logger, err := e.newLogger(store.LogDir())
	if err != nil {
		return nil, nil, err
	}
	store, err = state.Open(e.settings.StateRoot, e.workspace, logger)
	if err != nil {
		_ = logger.Close()
		return nil, nil, err
	}
	return store, logger, nil
}

// iterationCap applies the max-iterations precedence: the command-line flag,
// then the task document, then the configuration.
func (e *environment) iterationCap(flag int) config.Settings {
	s := e.settings
	if spec, err := taskspec.ParseFile(e.taskPath()); err == nil {
		s = s.WithMaxIterations(spec.MaxIterations)
	}
	return s.WithMaxIterations(flag)
}

func newInvoker(s config.Settings, logger *logging.Logger) agent.Invoker {
	return agent.NewClaudeInvoker(agent.ClaudeOptions{
		Command:         s.AgentCommand,
		Model:           s.AgentModel,
		Args:            s.AgentArgs,
		SkipPermissions: s.AgentSkipPermissions,
		Logger:          logger,
	})
}

// fileExists reports whether path exists.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
