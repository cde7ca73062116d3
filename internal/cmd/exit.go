package cmd

import (
	"context"

	"github.com/Iron-Ham/ralph/internal/errors"
)

// ExitCode maps an error returned by Execute to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return errors.ExitOK
	}
	var loopErr *errors.LoopError
	switch {
	case errors.As(err, &loopErr):
		return loopErr.ExitCode()
	case errors.IsConfigError(err):
		return errors.ExitConfigError
	case errors.Is(err, context.Canceled):
		return errors.ExitInterrupted
	default:
		return errors.ExitFailure
	}
}
