package ui

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Plain writes unstyled lines and reads answers line by line.
type Plain struct {
	in  *bufio.Reader
	out io.Writer
}

// NewPlain creates a Plain interface.
func NewPlain(in io.Reader, out io.Writer) *Plain {
	return &Plain{in: bufio.NewReader(in), out: out}
}

func (p *Plain) Title(text string) { fmt.Fprintf(p.out, "== %s ==\n", text) }

func (p *Plain) Field(label, value string) { fmt.Fprintf(p.out, "%s: %s\n", label, value) }

func (p *Plain) Info(msg string) { fmt.Fprintln(p.out, msg) }

func (p *Plain) Success(msg string) { fmt.Fprintf(p.out, "OK: %s\n", msg) }

func (p *Plain) Warn(msg string) { fmt.Fprintf(p.out, "WARNING: %s\n", msg) }

func (p *Plain) Error(msg string) { fmt.Fprintf(p.out, "ERROR: %s\n", msg) }

func (p *Plain) Confirm(question string) (bool, error) {
	fmt.Fprintf(p.out, "%s [y/N] ", question)
	answer, err := p.readLine()
	if err != nil {
		return false, err
	}
	return isYes(answer), nil
}

func (p *Plain) Prompt(question, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", question, def)
	} else {
		fmt.Fprintf(p.out, "%s: ", question)
	}
	answer, err := p.readLine()
	if err != nil {
		return "", err
	}
	if answer == "" {
		return def, nil
	}
	return answer, nil
}

// readLine treats end of input as an empty answer.
func (p *Plain) readLine() (string, error) {
	line, err := p.in.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read answer: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func isYes(answer string) bool {
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}
