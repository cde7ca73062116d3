package config

import (
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete ralph configuration as read from the config
// file and RALPH_* environment variables.
type Config struct {
	Agent    AgentConfig    `mapstructure:"agent"`
	Loop     LoopConfig     `mapstructure:"loop"`
	Budget   BudgetConfig   `mapstructure:"budget"`
	Task     TaskConfig     `mapstructure:"task"`
	State    StateConfig    `mapstructure:"state"`
	Branch   BranchConfig   `mapstructure:"branch"`
	Parallel ParallelConfig `mapstructure:"parallel"`
	PR       PRConfig       `mapstructure:"pr"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	UI       UIConfig       `mapstructure:"ui"`
}

// AgentConfig controls how the coding agent is invoked
type AgentConfig struct {
	// Command is the agent executable (default: "claude")
	Command string `mapstructure:"command"`
	// Model is passed as --model when non-empty
	Model string `mapstructure:"model"`
	// Args are extra arguments appended to every invocation
	Args []string `mapstructure:"args"`
	// Timeout bounds a single invocation (0 = no timeout)
	Timeout time.Duration `mapstructure:"timeout"`
	// MaxRetries is the number of retries for transient invocation failures
	MaxRetries int `mapstructure:"max_retries"`
	// SkipPermissions runs the agent without permission prompts (default: true)
	SkipPermissions bool `mapstructure:"skip_permissions"`
}

// LoopConfig controls the iteration controller
type LoopConfig struct {
	// MaxIterations caps the number of agent invocations per run. A task
	// document's max_iterations takes precedence when set.
	MaxIterations int `mapstructure:"max_iterations"`
	// MinInterval is the minimum spacing between successive invocations
	MinInterval time.Duration `mapstructure:"min_interval"`
}

// BudgetConfig controls the context budget monitor
type BudgetConfig struct {
	// Estimator selects how an invocation's size signal becomes a token
	// estimate. Options: "bytes", "raw", "fixed"
	Estimator string `mapstructure:"estimator"`
	// WarnThreshold logs a caution when first crossed
	WarnThreshold int `mapstructure:"warn_threshold"`
	// RotateThreshold forces a fresh agent context when reached
	RotateThreshold int `mapstructure:"rotate_threshold"`
	// FixedCost is the per-invocation estimate used by the "fixed" estimator
	FixedCost int `mapstructure:"fixed_cost"`
}

// TaskConfig locates the task document inside the workspace
type TaskConfig struct {
	// File is the task document path, relative to the workspace
	File string `mapstructure:"file"`
}

// StateConfig controls where external state lives
type StateConfig struct {
	// Root is the state root directory. Empty means $XDG_STATE_HOME/ralph or
	// ~/.local/state/ralph.
	Root string `mapstructure:"root"`
}

// BranchConfig controls branch naming in parallel runs
type BranchConfig struct {
	// Prefix is the branch name prefix (default: "ralph")
	Prefix string `mapstructure:"prefix"`
}

// ParallelConfig controls the parallel coordinator
type ParallelConfig struct {
	// MaxParallel bounds the number of concurrently running units
	MaxParallel int `mapstructure:"max_parallel"`
	// MaxUnits caps how many unchecked items become units (0 = no cap)
	MaxUnits int `mapstructure:"max_units"`
	// UnitTimeout bounds a unit's whole controller run (0 = no timeout)
	UnitTimeout time.Duration `mapstructure:"unit_timeout"`
	// KeepBranches keeps unit branches after the merge phase
	KeepBranches bool `mapstructure:"keep_branches"`
	// IntegrationBranch receives the merged units. Empty means
	// <prefix>/<run-id>-integration.
	IntegrationBranch string `mapstructure:"integration_branch"`
}

// PRConfig controls pull request creation after a parallel run
type PRConfig struct {
	// Enabled pushes the integration branch and opens a pull request
	Enabled bool `mapstructure:"enabled"`
	// Provider selects how the pull request is opened. Options: "gh", "api"
	Provider string `mapstructure:"provider"`
	// Draft creates PRs as drafts
	Draft bool `mapstructure:"draft"`
	// Template is a custom PR body template using Go text/template syntax
	Template string `mapstructure:"template"`
	// Labels to add to the PR
	Labels []string `mapstructure:"labels"`
	// Reviewers configuration for automatic reviewer assignment
	Reviewers ReviewerConfig `mapstructure:"reviewers"`
}

// ReviewerConfig controls automatic reviewer assignment
type ReviewerConfig struct {
	// Default reviewers to always assign
	Default []string `mapstructure:"default"`
	// ByPath maps file path patterns to reviewers (glob patterns supported)
	ByPath map[string][]string `mapstructure:"by_path"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error"
	Level string `mapstructure:"level"`
	// MaxSizeMB is the maximum size of debug.log before rotation
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of rotated log files to keep
	MaxBackups int `mapstructure:"max_backups"`
}

// UIConfig controls terminal output
type UIConfig struct {
	// Plain disables styled output and interactive prompts
	Plain bool `mapstructure:"plain"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Command:         "claude",
			Model:           "",
			Args:            []string{},
			Timeout:         30 * time.Minute,
			MaxRetries:      3,
			SkipPermissions: true,
		},
		Loop: LoopConfig{
			MaxIterations: 20,
			MinInterval:   2 * time.Second,
		},
		Budget: BudgetConfig{
			Estimator:       EstimatorBytes,
			WarnThreshold:   70000,
			RotateThreshold: 80000,
			FixedCost:       10000,
		},
		Task: TaskConfig{
			File: "RALPH_TASK.md",
		},
		State: StateConfig{
			Root: "", // Empty means DefaultStateRoot()
		},
		Branch: BranchConfig{
			Prefix: "ralph",
		},
		Parallel: ParallelConfig{
			MaxParallel:       3,
			MaxUnits:          0,
			UnitTimeout:       0,
			KeepBranches:      false,
			IntegrationBranch: "",
		},
		PR: PRConfig{
			Enabled:  false,
			Provider: ProviderGH,
			Draft:    true,
			Template: "",
			Labels:   []string{},
			Reviewers: ReviewerConfig{
				Default: []string{},
				ByPath:  map[string][]string{},
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		UI: UIConfig{
			Plain: false,
		},
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Agent defaults
	viper.SetDefault("agent.command", defaults.Agent.Command)
	viper.SetDefault("agent.model", defaults.Agent.Model)
	viper.SetDefault("agent.args", defaults.Agent.Args)
	viper.SetDefault("agent.timeout", defaults.Agent.Timeout)
	viper.SetDefault("agent.max_retries", defaults.Agent.MaxRetries)
	viper.SetDefault("agent.skip_permissions", defaults.Agent.SkipPermissions)

	// Loop defaults
	viper.SetDefault("loop.max_iterations", defaults.Loop.MaxIterations)
	viper.SetDefault("loop.min_interval", defaults.Loop.MinInterval)

	// Budget defaults
	viper.SetDefault("budget.estimator", defaults.Budget.Estimator)
	viper.SetDefault("budget.warn_threshold", defaults.Budget.WarnThreshold)
	viper.SetDefault("budget.rotate_threshold", defaults.Budget.RotateThreshold)
	viper.SetDefault("budget.fixed_cost", defaults.Budget.FixedCost)

	viper.SetDefault("task.file", defaults.Task.File)
	viper.SetDefault("state.root", defaults.State.Root)
	viper.SetDefault("branch.prefix", defaults.Branch.Prefix)

	// Parallel defaults
	viper.SetDefault("parallel.max_parallel", defaults.Parallel.MaxParallel)
	viper.SetDefault("parallel.max_units", defaults.Parallel.MaxUnits)
	viper.SetDefault("parallel.unit_timeout", defaults.Parallel.UnitTimeout)
	viper.SetDefault("parallel.keep_branches", defaults.Parallel.KeepBranches)
	viper.SetDefault("parallel.integration_branch", defaults.Parallel.IntegrationBranch)

	// PR defaults
	viper.SetDefault("pr.enabled", defaults.PR.Enabled)
	viper.SetDefault("pr.provider", defaults.PR.Provider)
	viper.SetDefault("pr.draft", defaults.PR.Draft)
	viper.SetDefault("pr.template", defaults.PR.Template)
	viper.SetDefault("pr.labels", defaults.PR.Labels)
	viper.SetDefault("pr.reviewers.default", defaults.PR.Reviewers.Default)
	viper.SetDefault("pr.reviewers.by_path", defaults.PR.Reviewers.ByPath)

	// Logging defaults
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)

	viper.SetDefault("ui.plain", defaults.UI.Plain)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Settings is the immutable, fully resolved run configuration. It is built
// once at startup and passed by value to the controller and coordinator;
// nothing downstream re-reads viper or the environment.
type Settings struct {
	AgentCommand string
	AgentModel   string
	AgentArgs    []string
	AgentTimeout time.Duration
	MaxRetries   int

	AgentSkipPermissions bool

	MaxIterations int
	MinInterval   time.Duration

	Estimator       string
	WarnThreshold   int
	RotateThreshold int
	FixedCost       int

	TaskFile     string
	StateRoot    string
	BranchPrefix string

	MaxParallel       int
	MaxUnits          int
	UnitTimeout       time.Duration
	KeepBranches      bool
	IntegrationBranch string

	PR PRSettings

	LogLevel      string
	LogMaxSizeMB  int
	LogMaxBackups int
	Plain         bool
}

// PRSettings is the resolved pull request configuration.
type PRSettings struct {
	Enabled          bool
	Provider         string
	Draft            bool
	Template         string
	Labels           []string
	DefaultReviewers []string
	ReviewersByPath  map[string][]string
}

// Settings resolves the Config into an immutable Settings value. Slices and
// maps are copied so later changes to the Config cannot leak into a run.
func (c *Config) Settings() Settings {
	root := c.State.Root
	if root == "" {
		root = DefaultStateRoot()
	}

	byPath := make(map[string][]string, len(c.PR.Reviewers.ByPath))
	for pattern, reviewers := range c.PR.Reviewers.ByPath {
		byPath[pattern] = slices.Clone(reviewers)
	}

	return Settings{
		AgentCommand: c.Agent.Command,
		AgentModel:   c.Agent.Model,
		AgentArgs:    slices.Clone(c.Agent.Args),
		AgentTimeout: c.Agent.Timeout,
		MaxRetries:   c.Agent.MaxRetries,

		AgentSkipPermissions: c.Agent.SkipPermissions,

		MaxIterations: c.Loop.MaxIterations,
		MinInterval:   c.Loop.MinInterval,

		Estimator:       c.Budget.Estimator,
		WarnThreshold:   c.Budget.WarnThreshold,
		RotateThreshold: c.Budget.RotateThreshold,
		FixedCost:       c.Budget.FixedCost,

		TaskFile:     c.Task.File,
		StateRoot:    root,
		BranchPrefix: c.Branch.Prefix,

		MaxParallel:       c.Parallel.MaxParallel,
		MaxUnits:          c.Parallel.MaxUnits,
		UnitTimeout:       c.Parallel.UnitTimeout,
		KeepBranches:      c.Parallel.KeepBranches,
		IntegrationBranch: c.Parallel.IntegrationBranch,

		PR: PRSettings{
			Enabled:          c.PR.Enabled,
			Provider:         c.PR.Provider,
			Draft:            c.PR.Draft,
			Template:         c.PR.Template,
			Labels:           slices.Clone(c.PR.Labels),
			DefaultReviewers: slices.Clone(c.PR.Reviewers.Default),
			ReviewersByPath:  byPath,
		},

		LogLevel:      c.Logging.Level,
		LogMaxSizeMB:  c.Logging.MaxSizeMB,
		LogMaxBackups: c.Logging.MaxBackups,
		Plain:         c.UI.Plain,
	}
}

// WithMaxIterations returns a copy of s with a different iteration cap.
// Non-positive values leave the cap unchanged.
func (s Settings) WithMaxIterations(n int) Settings {
	if n > 0 {
		s.MaxIterations = n
	}
	return s
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "ralph")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ralph"
	}
	return filepath.Join(home, ".config", "ralph")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// DefaultStateRoot returns $XDG_STATE_HOME/ralph, falling back to
// ~/.local/state/ralph.
func DefaultStateRoot() string {
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, "ralph")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "ralph-state")
	}
	return filepath.Join(home, ".local", "state", "ralph")
}
