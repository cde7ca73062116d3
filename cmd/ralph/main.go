// Command ralph runs a coding agent in a loop until a task document's
// checklist is complete.
package main

import (
	"fmt"
	"os"

	"github.com/Iron-Ham/ralph/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cmd.ExitCode(err))
	}
}
