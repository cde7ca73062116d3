package state

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/fsnotify/fsnotify"

	"github.com/Iron-Ham/ralph/internal/guardrail"
	"github.com/Iron-Ham/ralph/internal/logging"
)

// Mirror file names inside <workspace>/.ralph
const (
	MirrorDirName        = ".ralph"
	ProgressMirrorName   = "progress.md"
	GuardrailsMirrorName = "guardrails.md"
	mirrorIgnoreName     = ".gitignore"
)

// guardDebounce coalesces bursts of events from one editor save.
const guardDebounce = 50 * time.Millisecond

// Mirror projects the canonical progress log and guardrails into the
// workspace as markdown the agent can read. The canonical record is never
// read back from the mirror.
type Mirror struct {
	store  *Store
	dir    string
	logger *logging.Logger

	mu sync.Mutex
}

// NewMirror creates a Mirror for the store's workspace.
func NewMirror(store *Store) *Mirror {
	return &Mirror{
		store:  store,
		dir:    filepath.Join(store.Workspace(), MirrorDirName),
		logger: store.logger.WithPhase("mirror"),
	}
}

// Dir returns the mirror directory.
func (m *Mirror) Dir() string { return m.dir }

// Sync overwrites the mirror files from the canonical record. Files whose
// contents already match are not rewritten. It returns the number of files
// written.
func (m *Mirror) Sync() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	progress, err := m.store.Progress()
	if err != nil {
		return 0, err
	}
	guardrails, err := m.store.Guardrails()
	if err != nil {
		return 0, err
	}

	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create mirror directory: %w", err)
	}

	files := []struct {
		name    string
		content string
	}{
		// Ignore everything in the mirror so it never reaches a commit.
		{mirrorIgnoreName, "*\n"},
		{ProgressMirrorName, "# Progress\n\n" + readOnlyNote + RenderProgress(progress, 0)},
		{GuardrailsMirrorName, renderGuardrailsMirror(guardrails)},
	}

	written := 0
	for _, f := range files {
		changed, err := writeIfChanged(filepath.Join(m.dir, f.name), []byte(f.content))
		if err != nil {
			return written, err
		}
		if changed {
			written++
		}
	}
	return written, nil
}

const readOnlyNote = "_Generated by ralph from its external state. Edits here are discarded._\n\n"

func renderGuardrailsMirror(gs []guardrail.Guardrail) string {
	body := guardrail.Render(gs)
	if body == "" {
		body = "## Guardrails\n\nNone yet.\n"
	}
	return "# Guardrails\n\n" + readOnlyNote + strings.TrimPrefix(body, "## Guardrails\n\n")
}

// RenderProgress formats progress entries as a markdown list. A positive
// limit keeps only the most recent entries.
func RenderProgress(entries []ProgressEntry, limit int) string {
	if len(entries) == 0 {
		return "No progress recorded yet.\n"
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}

	var sb strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&sb, "- iteration %d [%s]", e.Iteration, e.Kind)
		switch {
		case e.State != "":
			fmt.Fprintf(&sb, " %s", e.State)
		case e.Signal != "":
			fmt.Fprintf(&sb, " %s", e.Signal)
		}
		if e.Verdict != "" {
			fmt.Fprintf(&sb, " (%s)", e.Verdict)
		}
		if s := strings.TrimSpace(e.Summary); s != "" {
			fmt.Fprintf(&sb, ": %s", oneLine(s))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	const limit = 300
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func writeIfChanged(path string, content []byte) (bool, error) {
	if existing, err := os.ReadFile(path); err == nil && bytes.Equal(existing, content) {
		return false, nil
	}
	if err := atomicWriteFile(path, content, 0644); err != nil {
		return false, err
	}
	return true, nil
}

// Guard watches the mirror while an agent invocation is in flight and
// restores any mirror file the agent modifies or deletes.
type Guard struct {
	mirror   *Mirror
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	restores atomic.Int64
}

// Guard syncs the mirror and starts watching it. The guard stops when ctx is
// done or Stop is called.
func (m *Mirror) Guard(ctx context.Context) (*Guard, error) {
	if _, err := m.Sync(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create mirror watcher: %w", err)
	}
	if err := watcher.Add(m.dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch mirror: %w", err)
	}

	g := &Guard{
		mirror:  m,
		watcher: watcher,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go g.watchLoop(ctx)
	return g, nil
}

// Stop ends the watch and returns how many times the mirror was restored.
// It is safe to call more than once.
func (g *Guard) Stop() int {
	g.stopOnce.Do(func() {
		close(g.stopCh)
		<-g.done
		_ = g.watcher.Close()
	})
	return int(g.restores.Load())
}

// Restores returns how many times the mirror has been restored so far.
func (g *Guard) Restores() int {
	return int(g.restores.Load())
}

func (g *Guard) watchLoop(ctx context.Context) {
	defer close(g.done)

	debounce := time.NewTimer(guardDebounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	pending := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.stopCh:
			return

		case event, ok := <-g.watcher.Events:
			if !ok {
				return
			}
			if !g.relevant(event) {
				continue
			}
			if event.Name == g.mirror.dir && event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				// The whole directory went away; the watch on it is gone too.
				g.restore("mirror directory removed")
				_ = g.watcher.Add(g.mirror.dir)
				continue
			}
			pending = true
			debounce.Reset(guardDebounce)

		case <-debounce.C:
			if pending {
				pending = false
				g.restore("mirror file modified")
			}

		case err, ok := <-g.watcher.Errors:
			if !ok {
				return
			}
			g.mirror.logger.Warn("mirror watcher error", "error", err)
		}
	}
}

func (g *Guard) relevant(event fsnotify.Event) bool {
	if event.Name == g.mirror.dir {
		return true
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename|fsnotify.Chmod) == 0 {
		return false
	}
	switch filepath.Base(event.Name) {
	case ProgressMirrorName, GuardrailsMirrorName, mirrorIgnoreName:
		return true
	default:
		return false
	}
}

func (g *Guard) restore(reason string) {
	written, err := g.mirror.Sync()
	if err != nil {
		g.mirror.logger.Error("failed to restore mirror", "reason", reason, "error", err)
		return
	}
	if written > 0 {
		g.restores.Add(1)
		g.mirror.logger.Warn("mirror restored", "reason", reason, "files", written)
	}
}
