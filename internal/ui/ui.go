// Package ui is the operator-facing output of the ralph CLI. Commands talk
// to a UserInterface and never print directly, so the same command works on
// a styled terminal and in CI logs.
package ui

import (
	"io"
	"os"

	"golang.org/x/term"
)

// UserInterface is the capability commands use to report to and ask the
// operator.
type UserInterface interface {
	// Title prints a section heading.
	Title(text string)
	// Field prints a label/value pair.
	Field(label, value string)
	Info(msg string)
	Success(msg string)
	Warn(msg string)
	Error(msg string)
	// Confirm asks a yes/no question. Anything but an explicit yes is no.
	Confirm(question string) (bool, error)
	// Prompt asks for a line of text; an empty answer returns def.
	Prompt(question, def string) (string, error)
}

// New returns the enhanced interface when out is a terminal and plain is
// false, and the plain interface otherwise.
func New(plain bool, in io.Reader, out io.Writer) UserInterface {
	if !plain && IsTerminal(out) {
		return NewEnhanced(in, out)
	}
	return NewPlain(in, out)
}

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}
