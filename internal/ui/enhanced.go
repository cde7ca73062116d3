package ui

import (
	"fmt"
	"io"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Colors shared by the enhanced interface and the prompt model.
var (
	primaryColor = lipgloss.Color("#A78BFA")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#9CA3AF")
)

// Enhanced renders styled output with lipgloss and asks questions with an
// interactive bubbletea prompt.
type Enhanced struct {
	in  io.Reader
	out io.Writer

	title   lipgloss.Style
	label   lipgloss.Style
	success lipgloss.Style
	warn    lipgloss.Style
	err     lipgloss.Style
	muted   lipgloss.Style
}

// NewEnhanced creates an Enhanced interface. Styles are bound to out so the
// color profile matches the writer rather than os.Stdout.
func NewEnhanced(in io.Reader, out io.Writer) *Enhanced {
	r := lipgloss.NewRenderer(out)
	return &Enhanced{
		in:      in,
		out:     out,
		title:   r.NewStyle().Bold(true).Foreground(primaryColor).MarginBottom(1),
		label:   r.NewStyle().Foreground(mutedColor).Width(14),
		success: r.NewStyle().Foreground(successColor),
		warn:    r.NewStyle().Foreground(warningColor),
		err:     r.NewStyle().Bold(true).Foreground(errorColor),
		muted:   r.NewStyle().Foreground(mutedColor),
	}
}

func (e *Enhanced) Title(text string) { fmt.Fprintln(e.out, e.title.Render(text)) }

func (e *Enhanced) Field(label, value string) {
	fmt.Fprintln(e.out, e.label.Render(label)+" "+value)
}

func (e *Enhanced) Info(msg string) { fmt.Fprintln(e.out, msg) }

func (e *Enhanced) Success(msg string) { fmt.Fprintln(e.out, e.success.Render("✓ "+msg)) }

func (e *Enhanced) Warn(msg string) { fmt.Fprintln(e.out, e.warn.Render("! "+msg)) }

func (e *Enhanced) Error(msg string) { fmt.Fprintln(e.out, e.err.Render("✗ "+msg)) }

func (e *Enhanced) Confirm(question string) (bool, error) {
	answer, err := e.run(newPromptModel(question+" [y/N]", "", e.muted))
	if err != nil {
		return false, err
	}
	return isYes(answer), nil
}

func (e *Enhanced) Prompt(question, def string) (string, error) {
	return e.run(newPromptModel(question, def, e.muted))
}

func (e *Enhanced) run(m promptModel) (string, error) {
	p := tea.NewProgram(m, tea.WithInput(e.in), tea.WithOutput(e.out))
	final, err := p.Run()
	if err != nil {
		return "", fmt.Errorf("prompt failed: %w", err)
	}
	return final.(promptModel).answer(), nil
}
