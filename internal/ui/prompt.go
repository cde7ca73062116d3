package ui

import (
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// promptModel is a single-line question answered with enter and abandoned
// with esc or ctrl+c.
type promptModel struct {
	question  string
	def       string
	input     textinput.Model
	hint      lipgloss.Style
	done      bool
	cancelled bool
}

func newPromptModel(question, def string, hint lipgloss.Style) promptModel {
	ti := textinput.New()
	ti.Placeholder = def
	ti.CharLimit = 200
	ti.Width = 50
	ti.Focus()
	return promptModel{question: question, def: def, input: ti, hint: hint}
}

func (m promptModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m promptModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.String() {
		case "enter":
			m.done = true
			return m, tea.Quit
		case "esc", "ctrl+c":
			m.cancelled = true
			return m, tea.Quit
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m promptModel) View() string {
	if m.done || m.cancelled {
		return ""
	}
	return m.question + "\n" + m.input.View() + "\n" + m.hint.Render("enter to accept, esc to cancel") + "\n"
}

// answer is the typed value, the default when nothing was typed, and empty
// when the prompt was cancelled.
func (m promptModel) answer() string {
	if m.cancelled {
		return ""
	}
	if v := strings.TrimSpace(m.input.Value()); v != "" {
		return v
	}
	return m.def
}
