package state

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/Iron-Ham/ralph/internal/guardrail"
)

func TestMirrorSync(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.AppendProgress(ProgressEntry{Iteration: 1, Kind: KindIteration, Signal: "CONTINUE", Summary: "wired the parser"}); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendGuardrail(guardrail.Guardrail{Trigger: "tests fail", Instruction: "read the output"}); err != nil {
		t.Fatal(err)
	}

	m := NewMirror(s)
	written, err := m.Sync()
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if written != 3 {
		t.Errorf("Sync() wrote %d files, want 3", written)
	}

	progress, err := os.ReadFile(filepath.Join(m.Dir(), ProgressMirrorName))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(progress), "wired the parser") {
		t.Errorf("progress.md missing entry:\n%s", progress)
	}
	guards, err := os.ReadFile(filepath.Join(m.Dir(), GuardrailsMirrorName))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(guards), "**When** tests fail: read the output") {
		t.Errorf("guardrails.md missing entry:\n%s", guards)
	}

	written, err = m.Sync()
	if err != nil || written != 0 {
		t.Errorf("unchanged Sync() = %d, %v; want 0 writes", written, err)
	}
}

func TestMirrorSyncOverwritesTampering(t *testing.T) {
	s := newTestStore(t)
	m := NewMirror(s)
	if _, err := m.Sync(); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(m.Dir(), ProgressMirrorName)
	if err := os.WriteFile(path, []byte("all done, trust me"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Sync(); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "trust me") {
		t.Error("Sync() kept agent edits")
	}

	// The canonical record is untouched by mirror edits.
	entries, err := s.Progress()
	if err != nil || len(entries) != 0 {
		t.Errorf("Progress() = %v, %v", entries, err)
	}
}

func TestGuardRestoresMirror(t *testing.T) {
	s := newTestStore(t)
	m := NewMirror(s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, err := m.Guard(ctx)
	if err != nil {
		t.Fatalf("Guard() error = %v", err)
	}
	defer g.Stop()

	path := filepath.Join(m.Dir(), GuardrailsMirrorName)
	want, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("no rules"), 0644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		got, _ := os.ReadFile(path)
		if string(got) == string(want) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("mirror not restored, contents %q", got)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if restores := g.Stop(); restores < 1 {
		t.Errorf("Stop() restores = %d, want >= 1", restores)
	}
}

func TestGuardStopIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	g, err := NewMirror(s).Guard(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	g.Stop()
	g.Stop()
}

func TestRenderProgress(t *testing.T) {
	entries := []ProgressEntry{
		{Iteration: 1, Kind: KindIteration, Signal: "CONTINUE", Verdict: "INCOMPLETE:2", Summary: "first"},
		{Iteration: 2, Kind: KindRotate, Signal: "ROTATE", Summary: "second\nwith newline"},
		{Iteration: 3, Kind: KindTerminal, State: "COMPLETE"},
	}

	all := RenderProgress(entries, 0)
	for _, want := range []string{
		"- iteration 1 [iteration] CONTINUE (INCOMPLETE:2): first",
		"- iteration 2 [rotate] ROTATE: second with newline",
		"- iteration 3 [terminal] COMPLETE",
	} {
		if !strings.Contains(all, want) {
			t.Errorf("RenderProgress() missing %q:\n%s", want, all)
		}
	}

	last := RenderProgress(entries, 1)
	if strings.Contains(last, "first") || !strings.Contains(last, "COMPLETE") {
		t.Errorf("RenderProgress(limit=1) = %q", last)
	}

	if got := RenderProgress(nil, 0); got != "No progress recorded yet.\n" {
		t.Errorf("RenderProgress(nil) = %q", got)
	}
}

func TestRenderProgressTruncatesOnRuneBoundary(t *testing.T) {
	// "a" shifts the two-byte runes so byte 300 falls inside one.
	summary := "a" + strings.Repeat("é", 200)
	got := RenderProgress([]ProgressEntry{{Iteration: 1, Kind: KindIteration, Summary: summary}}, 0)
	if !utf8.ValidString(got) {
		t.Fatalf("RenderProgress() produced invalid UTF-8: %q", got)
	}
	if want := ": a" + strings.Repeat("é", 149) + "...\n"; !strings.Contains(got, want) {
		t.Errorf("RenderProgress() = %q, want it to contain %q", got, want)
	}
}
