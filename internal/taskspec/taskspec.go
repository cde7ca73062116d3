// Package taskspec parses ralph task documents and answers the completion
// question for them.
//
// A task document is markdown with an optional leading metadata block,
// either YAML between "---" lines or TOML between "+++" lines:
//
//	---
//	task: Build the CSV exporter
//	test_command: go test ./...
//	max_iterations: 20
//	---
//	# Exporter
//	- [x] parse flags
//	- [ ] write rows
//
// Checklist items follow a strict grammar (see ParseChecklistLine); bracket
// text anywhere else in the document is ignored.
package taskspec

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/ralph/internal/errors"
)

// Item is one checklist entry, in document order.
type Item struct {
	Text  string `json:"text"`
	Done  bool   `json:"done"`
	Line  int    `json:"line"`  // 1-based line number in the document
	Depth int    `json:"depth"` // nesting level, 0 for top-level items
}

// Spec is a parsed task document.
type Spec struct {
	Description   string `json:"description"`
	TestCommand   string `json:"test_command,omitempty"`
	MaxIterations int    `json:"max_iterations,omitempty"` // 0 means "use the configured default"
	Checklist     []Item `json:"checklist"`
}

type metadata struct {
	Task          string `yaml:"task" toml:"task"`
	TestCommand   string `yaml:"test_command" toml:"test_command"`
	MaxIterations int    `yaml:"max_iterations" toml:"max_iterations"`
}

// ParseFile reads and parses the task document at path.
func ParseFile(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task document: %w", err)
	}
	spec, err := Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return spec, nil
}

// Parse parses a task document.
func Parse(doc string) (*Spec, error) {
	lines := splitLines(doc)
	spec := &Spec{Checklist: make([]Item, 0)}

	bodyStart, err := parseMetadata(lines, spec)
	if err != nil {
		return nil, err
	}

	var fence string
	for i := bodyStart; i < len(lines); i++ {
		line := lines[i]

		if marker, ok := fenceMarker(line); ok {
			switch {
			case fence == "":
				fence = marker
			case strings.HasPrefix(marker, fence):
				fence = ""
			}
			continue
		}
		if fence != "" {
			continue
		}

		if item, _, ok := scanItem(line); ok {
			item.Line = i + 1
			spec.Checklist = append(spec.Checklist, item)
			continue
		}

		if spec.Description == "" && strings.HasPrefix(line, "# ") {
			spec.Description = strings.TrimSpace(strings.TrimPrefix(line, "# "))
		}
	}

	return spec, nil
}

// parseMetadata decodes a leading metadata block into spec and returns the
// index of the first body line.
func parseMetadata(lines []string, spec *Spec) (int, error) {
	if len(lines) == 0 {
		return 0, nil
	}

	open := strings.TrimRight(lines[0], " \t")
	if open != "---" && open != "+++" {
		return 0, nil
	}

	end := -1
	for i := 1; i < len(lines); i++ {
		closing := strings.TrimRight(lines[i], " \t")
		if closing == open || (open == "---" && closing == "...") {
			end = i
			break
		}
	}
	if end < 0 {
		return 0, fmt.Errorf("%w: metadata block opened with %q is never closed", errors.ErrInvalidTaskSpec, open)
	}

	raw := strings.Join(lines[1:end], "\n")
	var meta metadata
	if open == "---" {
		if err := yaml.Unmarshal([]byte(raw), &meta); err != nil {
			return 0, fmt.Errorf("%w: yaml metadata: %v", errors.ErrInvalidTaskSpec, err)
		}
	} else {
		if _, err := toml.Decode(raw, &meta); err != nil {
			return 0, fmt.Errorf("%w: toml metadata: %v", errors.ErrInvalidTaskSpec, err)
		}
	}

	if meta.MaxIterations < 0 {
		return 0, fmt.Errorf("%w: max_iterations must be non-negative (got %d)", errors.ErrInvalidTaskSpec, meta.MaxIterations)
	}

	spec.Description = strings.TrimSpace(meta.Task)
	spec.TestCommand = strings.TrimSpace(meta.TestCommand)
	spec.MaxIterations = meta.MaxIterations
	return end + 1, nil
}

// Count returns the number of checklist items and how many are checked.
func (s *Spec) Count() (total, done int) {
	for _, item := range s.Checklist {
		total++
		if item.Done {
			done++
		}
	}
	return total, done
}

// Oracle returns the completion verdict for the whole checklist.
func (s *Spec) Oracle() Verdict {
	total, done := s.Count()
	return Verdict{Total: total, Done: done}
}

// Unchecked returns the pending checklist items in document order.
func (s *Spec) Unchecked() []Item {
	var pending []Item
	for _, item := range s.Checklist {
		if !item.Done {
			pending = append(pending, item)
		}
	}
	return pending
}

// Find returns the first checklist item whose text equals text.
func (s *Spec) Find(text string) (Item, bool) {
	return s.FindNth(text, 0)
}

// FindNth returns the checklist item whose text equals text and that has n
// earlier items with the same text. Items with repeated text (say "add
// tests" under two headings) are told apart this way; line numbers would
// shift as soon as an agent edits the document.
func (s *Spec) FindNth(text string, n int) (Item, bool) {
	seen := 0
	for _, item := range s.Checklist {
		if item.Text != text {
			continue
		}
		if seen == n {
			return item, true
		}
		seen++
	}
	return Item{}, false
}

// Occurrence returns how many checklist items before item have the same
// text, so that FindNth(item.Text, Occurrence(item)) returns item.
func (s *Spec) Occurrence(item Item) int {
	n := 0
	for _, other := range s.Checklist {
		if other.Line >= item.Line {
			break
		}
		if other.Text == item.Text {
			n++
		}
	}
	return n
}

// SetItemDone rewrites the checkbox of the first checklist item whose text
// equals text. It reports whether the document changed.
func SetItemDone(doc, text string, done bool) (string, bool, error) {
	return SetNthItemDone(doc, text, 0, done)
}

// SetNthItemDone rewrites the checkbox of the item FindNth(text, n) returns.
// It reports whether the document changed.
func SetNthItemDone(doc, text string, n int, done bool) (string, bool, error) {
	lines := splitLines(doc)
	spec, err := Parse(doc)
	if err != nil {
		return doc, false, err
	}

	item, ok := spec.FindNth(text, n)
	if !ok {
		return doc, false, fmt.Errorf("%w: checklist item %q (occurrence %d) not found", errors.ErrInvalidInput, text, n+1)
	}
	if item.Done == done {
		return doc, false, nil
	}

	line := lines[item.Line-1]
	_, pos, _ := scanItem(line)
	state := byte(' ')
	if done {
		state = 'x'
	}
	lines[item.Line-1] = line[:pos] + string(state) + line[pos+1:]

	var buf bytes.Buffer
	sep := lineSeparator(doc)
	for i, l := range lines {
		if i > 0 {
			buf.WriteString(sep)
		}
		buf.WriteString(l)
	}
	return buf.String(), true, nil
}

// splitLines splits on \n and strips a trailing \r from each line. A final
// newline yields a trailing empty element, so joining the lines again
// restores it.
func splitLines(doc string) []string {
	if doc == "" {
		return nil
	}
	lines := strings.Split(doc, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

func lineSeparator(doc string) string {
	if strings.Contains(doc, "\r\n") {
		return "\r\n"
	}
	return "\n"
}

// fenceMarker reports whether line opens or closes a fenced code block and
// returns the fence run (``` or ~~~, possibly longer).
func fenceMarker(line string) (string, bool) {
	trimmed := strings.TrimLeft(line, " ")
	if len(line)-len(trimmed) > 3 {
		return "", false
	}
	for _, ch := range []byte{'`', '~'} {
		n := 0
		for n < len(trimmed) && trimmed[n] == ch {
			n++
		}
		if n >= 3 {
			return trimmed[:n], true
		}
	}
	return "", false
}
