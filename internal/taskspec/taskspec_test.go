package taskspec

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Iron-Ham/ralph/internal/errors"
)

func TestParseChecklistLine(t *testing.T) {
	tests := []struct {
		line  string
		ok    bool
		done  bool
		text  string
		depth int
	}{
		{"- [ ] write rows", true, false, "write rows", 0},
		{"- [x] parse flags", true, true, "parse flags", 0},
		{"* [X] upper case", true, true, "upper case", 0},
		{"+ [ ] plus marker", true, false, "plus marker", 0},
		{"1. [ ] numbered", true, false, "numbered", 0},
		{"12) [x] paren numbered", true, true, "paren numbered", 0},
		{"  - [ ] nested", true, false, "nested", 1},
		{"\t- [ ] tab nested", true, false, "tab nested", 2},
		{"- [ ]", true, false, "", 0},
		{"-\t[x]\ttabs", true, true, "tabs", 0},
		{"- [ ]\r", true, false, "", 0},
		{"-[ ] no space after marker", false, false, "", 0},
		{"- [] empty brackets", false, false, "", 0},
		{"- [-] dash state", false, false, "", 0},
		{"- [x]no space after box", false, false, "", 0},
		{"see [ ] mid-line", false, false, "", 0},
		{"- [link](http://example.com)", false, false, "", 0},
		{"a. [ ] letter marker", false, false, "", 0},
		{"1234567890. [ ] ten digits", false, false, "", 0},
		{"", false, false, "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			item, ok := ParseChecklistLine(tt.line)
			if ok != tt.ok {
				t.Fatalf("ParseChecklistLine(%q) ok = %v, want %v", tt.line, ok, tt.ok)
			}
			if !ok {
				return
			}
			if item.Done != tt.done {
				t.Errorf("Done = %v, want %v", item.Done, tt.done)
			}
			if item.Text != tt.text {
				t.Errorf("Text = %q, want %q", item.Text, tt.text)
			}
			if item.Depth != tt.depth {
				t.Errorf("Depth = %d, want %d", item.Depth, tt.depth)
			}
		})
	}
}

func TestOracleVerdicts(t *testing.T) {
	tests := []struct {
		name     string
		doc      string
		want     string
		complete bool
		empty    bool
	}{
		{
			name:     "all checked",
			doc:      "# T\n- [x] a\n- [x] b\n- [X] c\n",
			want:     "COMPLETE",
			complete: true,
		},
		{
			name: "one of three",
			doc:  "# T\n- [x] a\n- [ ] b\n- [ ] c\n",
			want: "INCOMPLETE:2",
		},
		{
			name:  "no items",
			doc:   "# T\nJust prose.\n",
			want:  "INCOMPLETE:0",
			empty: true,
		},
		{
			name: "bracket text is not an item",
			doc:  "# T\nsee [x] here and [ ] there\n- [x] real\n- [ ] pending\n",
			want: "INCOMPLETE:1",
		},
		{
			name:     "fenced items are ignored",
			doc:      "# T\n- [x] real\n```md\n- [ ] example\n```\n~~~\n- [ ] also example\n~~~\n",
			want:     "COMPLETE",
			complete: true,
		},
		{
			name: "nested items count",
			doc:  "# T\n- [x] parent\n  - [ ] child\n    - [x] grandchild\n",
			want: "INCOMPLETE:1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := Parse(tt.doc)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			v := spec.Oracle()
			if v.String() != tt.want {
				t.Errorf("Oracle() = %s, want %s", v, tt.want)
			}
			if v.Complete() != tt.complete {
				t.Errorf("Complete() = %v, want %v", v.Complete(), tt.complete)
			}
			if v.Empty() != tt.empty {
				t.Errorf("Empty() = %v, want %v", v.Empty(), tt.empty)
			}
			if v.Done > v.Total {
				t.Errorf("Done %d > Total %d", v.Done, v.Total)
			}
		})
	}
}

func TestParseLineNumbersAndDepth(t *testing.T) {
	doc := "# Exporter\n\n- [x] parse flags\n  - [ ] write rows\n"
	spec, err := Parse(doc)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(spec.Checklist) != 2 {
		t.Fatalf("got %d items, want 2", len(spec.Checklist))
	}
	if spec.Checklist[0].Line != 3 || spec.Checklist[1].Line != 4 {
		t.Errorf("lines = %d,%d, want 3,4", spec.Checklist[0].Line, spec.Checklist[1].Line)
	}
	if spec.Checklist[1].Depth != 1 {
		t.Errorf("nested depth = %d, want 1", spec.Checklist[1].Depth)
	}
	if spec.Description != "Exporter" {
		t.Errorf("Description = %q, want heading fallback", spec.Description)
	}
	pending := spec.Unchecked()
	if len(pending) != 1 || pending[0].Text != "write rows" {
		t.Errorf("Unchecked() = %+v", pending)
	}
}

func TestParseMetadata(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		desc    string
		testCmd string
		maxIter int
		items   int
	}{
		{
			name:    "yaml",
			doc:     "---\ntask: Build exporter\ntest_command: go test ./...\nmax_iterations: 20\nunknown: ignored\n---\n# Heading\n- [ ] a\n",
			desc:    "Build exporter",
			testCmd: "go test ./...",
			maxIter: 20,
			items:   1,
		},
		{
			name:  "yaml closed with dots",
			doc:   "---\ntask: Dots\n...\n- [ ] a\n",
			desc:  "Dots",
			items: 1,
		},
		{
			name:    "toml",
			doc:     "+++\ntask = \"Build exporter\"\nmax_iterations = 5\n+++\n- [x] a\n- [ ] b\n",
			desc:    "Build exporter",
			maxIter: 5,
			items:   2,
		},
		{
			name:  "checkbox lookalike inside metadata",
			doc:   "---\ntask: \"- [ ] not an item\"\n---\n- [ ] a\n",
			desc:  "- [ ] not an item",
			items: 1,
		},
		{
			name:  "crlf",
			doc:   "---\r\ntask: Windows\r\n---\r\n- [ ] a\r\n- [x] b\r\n",
			desc:  "Windows",
			items: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := Parse(tt.doc)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if spec.Description != tt.desc {
				t.Errorf("Description = %q, want %q", spec.Description, tt.desc)
			}
			if spec.TestCommand != tt.testCmd {
				t.Errorf("TestCommand = %q, want %q", spec.TestCommand, tt.testCmd)
			}
			if spec.MaxIterations != tt.maxIter {
				t.Errorf("MaxIterations = %d, want %d", spec.MaxIterations, tt.maxIter)
			}
			if len(spec.Checklist) != tt.items {
				t.Errorf("items = %d, want %d", len(spec.Checklist), tt.items)
			}
		})
	}
}

func TestParseInvalidMetadata(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unclosed yaml", "---\ntask: x\n- [ ] a\n"},
		{"unclosed toml", "+++\ntask = \"x\"\n"},
		{"bad yaml", "---\ntask: [unterminated\n---\n"},
		{"bad toml", "+++\ntask = \n+++\n"},
		{"negative max", "---\nmax_iterations: -1\n---\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.doc)
			if !errors.Is(err, errors.ErrInvalidTaskSpec) {
				t.Errorf("Parse() error = %v, want ErrInvalidTaskSpec", err)
			}
		})
	}
}

func TestSetItemDone(t *testing.T) {
	doc := "# T\n- [ ] first\n  * [ ] second\n- [x] third\n"

	updated, changed, err := SetItemDone(doc, "second", true)
	if err != nil {
		t.Fatalf("SetItemDone() error = %v", err)
	}
	if !changed {
		t.Fatal("SetItemDone() should report a change")
	}
	want := "# T\n- [ ] first\n  * [x] second\n- [x] third\n"
	if updated != want {
		t.Errorf("SetItemDone() =\n%q\nwant\n%q", updated, want)
	}

	again, changed, err := SetItemDone(updated, "second", true)
	if err != nil || changed || again != updated {
		t.Errorf("second SetItemDone() = (%q, %v, %v), want unchanged", again, changed, err)
	}

	unchecked, changed, err := SetItemDone(doc, "third", false)
	if err != nil || !changed {
		t.Fatalf("uncheck: changed=%v err=%v", changed, err)
	}
	if !strings.Contains(unchecked, "- [ ] third") {
		t.Errorf("uncheck did not rewrite the line: %q", unchecked)
	}

	if _, _, err := SetItemDone(doc, "missing", true); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("missing item error = %v, want ErrInvalidInput", err)
	}
}

func TestRepeatedItemText(t *testing.T) {
	doc := "## api\n- [ ] add tests\n## cli\n- [ ] add tests\n"
	spec, err := Parse(doc)
	if err != nil {
		t.Fatal(err)
	}

	second, ok := spec.FindNth("add tests", 1)
	if !ok || second.Line != 4 {
		t.Fatalf("FindNth(1) = %+v, %v; want line 4", second, ok)
	}
	if n := spec.Occurrence(second); n != 1 {
		t.Errorf("Occurrence(line 4) = %d, want 1", n)
	}
	if n := spec.Occurrence(spec.Checklist[0]); n != 0 {
		t.Errorf("Occurrence(line 2) = %d, want 0", n)
	}
	if _, ok := spec.FindNth("add tests", 2); ok {
		t.Error("FindNth(2) should not find a third item")
	}

	updated, changed, err := SetNthItemDone(doc, "add tests", 1, true)
	if err != nil || !changed {
		t.Fatalf("SetNthItemDone() = changed %v, err %v", changed, err)
	}
	if want := "## api\n- [ ] add tests\n## cli\n- [x] add tests\n"; updated != want {
		t.Errorf("SetNthItemDone() = %q, want %q", updated, want)
	}
	if _, _, err := SetNthItemDone(doc, "add tests", 2, true); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("SetNthItemDone(2) error = %v, want ErrInvalidInput", err)
	}

	path := filepath.Join(t.TempDir(), "TASK.md")
	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		t.Fatal(err)
	}
	if v, err := (ItemOracle{Path: path, Item: "add tests", Occurrence: 1}).Evaluate(); err != nil || !v.Complete() {
		t.Errorf("ItemOracle(occurrence 1) = %s, %v; want COMPLETE", v, err)
	}
	if v, err := (ItemOracle{Path: path, Item: "add tests"}).Evaluate(); err != nil || v.Complete() {
		t.Errorf("ItemOracle(occurrence 0) = %s, %v; want incomplete", v, err)
	}
}

func TestSetItemDonePreservesCRLF(t *testing.T) {
	doc := "- [ ] a\r\n- [ ] b\r\n"
	updated, _, err := SetItemDone(doc, "b", true)
	if err != nil {
		t.Fatalf("SetItemDone() error = %v", err)
	}
	if updated != "- [ ] a\r\n- [x] b\r\n" {
		t.Errorf("SetItemDone() = %q", updated)
	}
}

func TestOracles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "TASK.md")
	if err := os.WriteFile(path, []byte("- [x] a\n- [ ] b\n"), 0644); err != nil {
		t.Fatal(err)
	}

	v, err := DocumentOracle{Path: path}.Evaluate()
	if err != nil {
		t.Fatalf("DocumentOracle error = %v", err)
	}
	if v.String() != "INCOMPLETE:1" {
		t.Errorf("DocumentOracle = %s, want INCOMPLETE:1", v)
	}

	v, err = ItemOracle{Path: path, Item: "a"}.Evaluate()
	if err != nil || !v.Complete() {
		t.Errorf("ItemOracle(a) = %s, %v; want COMPLETE", v, err)
	}
	v, err = ItemOracle{Path: path, Item: "b"}.Evaluate()
	if err != nil || v.Complete() {
		t.Errorf("ItemOracle(b) = %s, %v; want incomplete", v, err)
	}
	v, err = ItemOracle{Path: path, Item: "gone"}.Evaluate()
	if err != nil || v.Complete() {
		t.Errorf("ItemOracle(gone) = %s, %v; want incomplete", v, err)
	}

	if _, err := (DocumentOracle{Path: filepath.Join(dir, "nope.md")}).Evaluate(); err == nil {
		t.Error("DocumentOracle on a missing file should fail")
	}
}

func TestSplitLinesKeepsFinalNewline(t *testing.T) {
	lines := splitLines("- [ ] a\r\n- [ ] b\n")
	if len(lines) != 3 || lines[1] != "- [ ] b" || lines[2] != "" {
		t.Errorf("splitLines() = %q, want a trailing empty element", lines)
	}
}
