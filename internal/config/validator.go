package config

import (
	"fmt"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"text/template"
)

// Estimator names accepted by budget.estimator
const (
	EstimatorBytes = "bytes"
	EstimatorRaw   = "raw"
	EstimatorFixed = "fixed"
)

// Pull request providers accepted by pr.provider
const (
	ProviderGH  = "gh"
	ProviderAPI = "api"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "budget.warn_threshold")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// branchPrefixRegex validates branch prefix characters.
// Prefixes start with a letter and may contain alphanumerics, hyphen, underscore.
var branchPrefixRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidEstimators returns the list of valid budget estimators
func ValidEstimators() []string {
	return []string{EstimatorBytes, EstimatorRaw, EstimatorFixed}
}

// ValidProviders returns the list of valid pull request providers
func ValidProviders() []string {
	return []string{ProviderGH, ProviderAPI}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateAgent()...)
	errors = append(errors, c.validateLoop()...)
	errors = append(errors, c.validateBudget()...)
	errors = append(errors, c.validateTask()...)
	errors = append(errors, c.validateBranch()...)
	errors = append(errors, c.validateParallel()...)
	errors = append(errors, c.validatePR()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

func (c *Config) validateAgent() []ValidationError {
	var errors []ValidationError

	if strings.TrimSpace(c.Agent.Command) == "" {
		errors = append(errors, ValidationError{
			Field:   "agent.command",
			Value:   c.Agent.Command,
			Message: "must not be empty",
		})
	}
	if c.Agent.Timeout < 0 {
		errors = append(errors, ValidationError{
			Field:   "agent.timeout",
			Value:   c.Agent.Timeout,
			Message: "must be non-negative (0 disables the timeout)",
		})
	}

	const maxRetries = 10
	if c.Agent.MaxRetries < 0 || c.Agent.MaxRetries > maxRetries {
		errors = append(errors, ValidationError{
			Field:   "agent.max_retries",
			Value:   c.Agent.MaxRetries,
			Message: fmt.Sprintf("must be between 0 and %d", maxRetries),
		})
	}

	return errors
}

func (c *Config) validateLoop() []ValidationError {
	var errors []ValidationError

	if c.Loop.MaxIterations <= 0 {
		errors = append(errors, ValidationError{
			Field:   "loop.max_iterations",
			Value:   c.Loop.MaxIterations,
			Message: "must be positive",
		})
	}
	if c.Loop.MinInterval < 0 {
		errors = append(errors, ValidationError{
			Field:   "loop.min_interval",
			Value:   c.Loop.MinInterval,
			Message: "must be non-negative",
		})
	}

	return errors
}

// validateBudget enforces 0 < warn_threshold < rotate_threshold
func (c *Config) validateBudget() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidEstimators(), c.Budget.Estimator) {
		errors = append(errors, ValidationError{
			Field:   "budget.estimator",
			Value:   c.Budget.Estimator,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidEstimators(), ", ")),
		})
	}

	if c.Budget.WarnThreshold <= 0 {
		errors = append(errors, ValidationError{
			Field:   "budget.warn_threshold",
			Value:   c.Budget.WarnThreshold,
			Message: "must be positive",
		})
	}
	if c.Budget.RotateThreshold <= c.Budget.WarnThreshold {
		errors = append(errors, ValidationError{
			Field:   "budget.rotate_threshold",
			Value:   c.Budget.RotateThreshold,
			Message: fmt.Sprintf("must be greater than budget.warn_threshold (%d)", c.Budget.WarnThreshold),
		})
	}

	if c.Budget.Estimator == EstimatorFixed && c.Budget.FixedCost <= 0 {
		errors = append(errors, ValidationError{
			Field:   "budget.fixed_cost",
			Value:   c.Budget.FixedCost,
			Message: "must be positive when budget.estimator is fixed",
		})
	}

	return errors
}

func (c *Config) validateTask() []ValidationError {
	var errors []ValidationError

	file := c.Task.File
	switch {
	case strings.TrimSpace(file) == "":
		errors = append(errors, ValidationError{
			Field:   "task.file",
			Value:   file,
			Message: "must not be empty",
		})
	case filepath.IsAbs(file):
		errors = append(errors, ValidationError{
			Field:   "task.file",
			Value:   file,
			Message: "must be relative to the workspace",
		})
	case strings.HasPrefix(filepath.Clean(file), ".."):
		errors = append(errors, ValidationError{
			Field:   "task.file",
			Value:   file,
			Message: "must stay inside the workspace",
		})
	}

	return errors
}

func (c *Config) validateBranch() []ValidationError {
	var errors []ValidationError

	if !branchPrefixRegex.MatchString(c.Branch.Prefix) {
		errors = append(errors, ValidationError{
			Field:   "branch.prefix",
			Value:   c.Branch.Prefix,
			Message: "must start with a letter and contain only letters, digits, hyphens and underscores",
		})
	}

	return errors
}

func (c *Config) validateParallel() []ValidationError {
	var errors []ValidationError

	const maxParallel = 32
	if c.Parallel.MaxParallel < 1 || c.Parallel.MaxParallel > maxParallel {
		errors = append(errors, ValidationError{
			Field:   "parallel.max_parallel",
			Value:   c.Parallel.MaxParallel,
			Message: fmt.Sprintf("must be between 1 and %d", maxParallel),
		})
	}
	if c.Parallel.MaxUnits < 0 {
		errors = append(errors, ValidationError{
			Field:   "parallel.max_units",
			Value:   c.Parallel.MaxUnits,
			Message: "must be non-negative (0 means no cap)",
		})
	}
	if c.Parallel.UnitTimeout < 0 {
		errors = append(errors, ValidationError{
			Field:   "parallel.unit_timeout",
			Value:   c.Parallel.UnitTimeout,
			Message: "must be non-negative (0 disables the timeout)",
		})
	}
	if b := c.Parallel.IntegrationBranch; b != "" && (strings.ContainsAny(b, " ~^:?*[\\") || strings.Contains(b, "..")) {
		errors = append(errors, ValidationError{
			Field:   "parallel.integration_branch",
			Value:   b,
			Message: "is not a valid git branch name",
		})
	}

	return errors
}

func (c *Config) validatePR() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidProviders(), c.PR.Provider) {
		errors = append(errors, ValidationError{
			Field:   "pr.provider",
			Value:   c.PR.Provider,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidProviders(), ", ")),
		})
	}

	if c.PR.Template != "" {
		if _, err := template.New("pr").Parse(c.PR.Template); err != nil {
			errors = append(errors, ValidationError{
				Field:   "pr.template",
				Value:   c.PR.Template,
				Message: fmt.Sprintf("is not a valid template: %v", err),
			})
		}
	}

	for pattern := range c.PR.Reviewers.ByPath {
		if strings.TrimSpace(pattern) == "" {
			errors = append(errors, ValidationError{
				Field:   "pr.reviewers.by_path",
				Value:   pattern,
				Message: "patterns must not be empty",
			})
		}
	}

	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	// Max size must be positive
	if c.Logging.MaxSizeMB <= 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be positive",
		})
	}

	const maxLogSizeMB = 1000 // 1GB
	if c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
		})
	}

	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}
