package loop

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/Iron-Ham/ralph/internal/guardrail"
	"github.com/Iron-Ham/ralph/internal/state"
	"github.com/Iron-Ham/ralph/internal/taskspec"
)

// progressWindow is how many recent progress entries the prefix carries.
const progressWindow = 10

// PrefixData is everything the context prefix is rendered from.
type PrefixData struct {
	Description   string
	TaskFile      string
	TestCommand   string
	Iteration     int
	MaxIterations int
	Fresh         bool
	Focus         string
	Verdict       taskspec.Verdict
	Pending       []taskspec.Item
	Guardrails    []guardrail.Guardrail
	Progress      []state.ProgressEntry
	MirrorDir     string
}

const prefixTemplate = `# Task

{{if .Description}}{{.Description}}{{else}}Complete the checklist in {{.TaskFile}}.{{end}}

The task document is {{.TaskFile}}. It is the only source of truth for what remains.
Check an item (change "[ ]" to "[x]") only once it is fully done{{if .TestCommand}} and ` + "`{{.TestCommand}}`" + ` passes{{end}}.
{{- if .Focus}}

## Focus

Work only on this item and check it when it is done:

- [ ] {{.Focus}}

Leave every other item alone. Other workers are handling them.
{{- end}}

## Status

Iteration {{.Iteration}} of {{.MaxIterations}}. Checklist: {{.Verdict}} ({{.Verdict.Done}}/{{.Verdict.Total}} done).
{{- if .Fresh}}
This is a fresh context. Read the task document, the progress log below and the git history before changing anything.
{{- end}}
{{- if and .Pending (not .Focus)}}

Remaining items:
{{range .Pending}}
{{indent .Depth}}- [ ] {{.Text}}
{{- end}}
{{- end}}
{{- if .Guardrails}}

{{guardrails .Guardrails}}
{{- end}}

## Progress

{{progress .Progress}}
A read-only copy of this log and the guardrails lives in {{.MirrorDir}}. Edits there are discarded.

## Signals

End your final message with exactly one of these tags when it applies:

- <signal>ROTATE</signal> when your context is getting full and a fresh session should continue the work.
- <signal>GUTTER</signal> when you are stuck and a human has to intervene.
- <signal>CONFIG_ERROR</signal> when a required tool or credential is missing and no retry can help.

Send no tag to keep going in this session. To record a lesson for future iterations, add
<guardrail trigger="when it applies">what to do</guardrail>.
`

var prefixTmpl = template.Must(template.New("prefix").Funcs(template.FuncMap{
	"indent":     func(depth int) string { return strings.Repeat("  ", depth) },
	"guardrails": func(gs []guardrail.Guardrail) string { return strings.TrimRight(guardrail.Render(gs), "\n") },
	"progress":   func(entries []state.ProgressEntry) string { return state.RenderProgress(entries, progressWindow) },
}).Parse(prefixTemplate))

// BuildPrefix renders the context prefix for one invocation.
func BuildPrefix(data PrefixData) (string, error) {
	var sb strings.Builder
	if err := prefixTmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("failed to render context prefix: %w", err)
	}
	return sb.String(), nil
}
