package pr

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"text/template"

	"github.com/gobwas/glob"
)

// UnitSummary is one parallel unit as shown in the PR body.
type UnitSummary struct {
	Index  int
	Item   string
	Branch string
	Status string
}

// TemplateData contains all data available to PR body templates.
type TemplateData struct {
	// Task is the task description from the task document.
	Task string
	// Branch is the integration branch.
	Branch string
	// Base is the branch the run started from.
	Base string
	// RunID identifies the parallel run.
	RunID string
	// Units lists every unit in creation order.
	Units []UnitSummary
	// Merged, Failed and Conflicted count units by outcome.
	Merged     int
	Failed     int
	Conflicted int
	// ChangedFiles is the list of files changed against Base.
	ChangedFiles []string
	// LinkedIssue is an issue reference found in the task, e.g. "#42".
	LinkedIssue string
}

// DefaultTemplate is used when no pr.template is configured.
const DefaultTemplate = `## Summary

{{if .Task}}{{.Task}}{{else}}Automated changes from ralph run {{.RunID}}.{{end}}

## Units

| # | Item | Status |
|---|------|--------|
{{- range .Units}}
| {{.Index}} | {{.Item}} | {{.Status}} |
{{- end}}

Merged {{.Merged}} unit(s){{if .Failed}}, {{.Failed}} failed{{end}}{{if .Conflicted}}, {{.Conflicted}} left out on merge conflicts{{end}}.
{{- if .ChangedFiles}}

<details>
<summary>{{len .ChangedFiles}} changed file(s)</summary>

{{range .ChangedFiles}}- ` + "`{{.}}`" + `
{{end}}</details>
{{- end}}
{{- if .LinkedIssue}}

Closes {{.LinkedIssue}}
{{- end}}
`

// RenderTemplate renders a PR body template with the given data. An empty
// template renders DefaultTemplate.
func RenderTemplate(tmplStr string, data TemplateData) (string, error) {
	if strings.TrimSpace(tmplStr) == "" {
		tmplStr = DefaultTemplate
	}
	tmpl, err := template.New("pr-template").Parse(tmplStr)
	if err != nil {
		return "", fmt.Errorf("failed to parse PR template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render PR template: %w", err)
	}
	return buf.String(), nil
}

var issuePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:fixes|fix|closes|close|resolves|resolve)\s*#(\d+)`),
	regexp.MustCompile(`#(\d+)`),
}

// ExtractIssueReference extracts the first issue reference from text.
// Supports formats: #123, fixes #123, closes #123, resolves #123.
func ExtractIssueReference(text string) string {
	for _, re := range issuePatterns {
		if matches := re.FindStringSubmatch(text); len(matches) >= 2 {
			return "#" + matches[1]
		}
	}
	return ""
}

// Title derives a pull request title from the task description.
func Title(task, runID string) string {
	line := strings.TrimSpace(task)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	line = strings.TrimLeft(line, "# ")
	if line == "" {
		return "ralph: parallel run " + runID
	}
	const maxLen = 72
	if len(line) > maxLen {
		line = strings.TrimSpace(line[:maxLen-3]) + "..."
	}
	return line
}

// ResolveReviewers returns the default reviewers plus every reviewer whose
// glob pattern matches at least one changed file, deduplicated and sorted.
// Invalid patterns are skipped.
func ResolveReviewers(changedFiles []string, defaultReviewers []string, byPath map[string][]string) []string {
	reviewerSet := make(map[string]bool)
	for _, r := range defaultReviewers {
		reviewerSet[normalizeReviewer(r)] = true
	}

	for pattern, reviewers := range byPath {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			continue
		}
		for _, file := range changedFiles {
			if g.Match(file) {
				for _, r := range reviewers {
					reviewerSet[normalizeReviewer(r)] = true
				}
				break
			}
		}
	}

	result := make([]string, 0, len(reviewerSet))
	for r := range reviewerSet {
		if r != "" {
			result = append(result, r)
		}
	}
	sort.Strings(result)
	return result
}

// normalizeReviewer removes the @ prefix from reviewer handles.
func normalizeReviewer(reviewer string) string {
	return strings.TrimPrefix(strings.TrimSpace(reviewer), "@")
}
