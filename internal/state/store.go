// Package state owns a workspace's external state record.
//
// The record lives under the state root, never inside the workspace, so the
// agent cannot edit it:
//
//	<root>/workspaces/<key>/
//	    workspace.json   absolute workspace path and creation time
//	    context.json     iteration, context estimate, session id
//	    progress.jsonl   append-only progress entries
//	    guardrails.yaml  append-only guardrails
//	    TERMINATED       present when an operator must intervene
//	    run.lock         PID lock of the running controller
//	    logs/            agent transcripts and debug.log
//	    metrics.prom     prometheus textfile
//
// The agent sees a read-only projection of progress and guardrails through
// Mirror.
package state

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/ralph/internal/errors"
	"github.com/Iron-Ham/ralph/internal/guardrail"
	"github.com/Iron-Ham/ralph/internal/logging"
)

// File names inside a record directory
const (
	WorkspaceFileName  = "workspace.json"
	ContextFileName    = "context.json"
	ProgressFileName   = "progress.jsonl"
	GuardrailsFileName = "guardrails.yaml"
	TerminatedFileName = "TERMINATED"
	LogDirName         = "logs"
	MetricsFileName    = "metrics.prom"
)

// Progress entry kinds
const (
	KindIteration = "iteration"
	KindRotate    = "rotate"
	KindTerminal  = "terminal"
	KindNote      = "note"
)

// Context is the mutable per-session part of the record.
type Context struct {
	Iteration       int       `json:"iteration"`
	ContextEstimate int       `json:"context_estimate"`
	SessionID       string    `json:"session_id,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ProgressEntry is one line of progress.jsonl.
type ProgressEntry struct {
	ID              string    `json:"id"`
	Time            time.Time `json:"time"`
	Iteration       int       `json:"iteration"`
	Kind            string    `json:"kind"`
	Signal          string    `json:"signal,omitempty"`
	State           string    `json:"state,omitempty"`
	Verdict         string    `json:"verdict,omitempty"`
	ContextEstimate int       `json:"context_estimate,omitempty"`
	Summary         string    `json:"summary,omitempty"`
	LogPath         string    `json:"log_path,omitempty"`
}

// Termination describes the TERMINATED marker.
type Termination struct {
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Record is a full snapshot of a workspace's external state.
type Record struct {
	Workspace   string
	CreatedAt   time.Time
	Context     Context
	Terminated  bool
	Termination *Termination
	Progress    []ProgressEntry
	Guardrails  []guardrail.Guardrail
}

type workspaceInfo struct {
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

// Store reads and writes one workspace's record. All methods are safe for
// concurrent use; cross-process exclusion is provided by Lock.
type Store struct {
	root      string
	workspace string
	key       string
	dir       string
	logger    *logging.Logger

	mu sync.Mutex
}

// Key returns the record key for an absolute workspace path: the first 16 hex
// characters of its SHA-256.
func Key(workspace string) string {
	sum := sha256.Sum256([]byte(workspace))
	return hex.EncodeToString(sum[:])[:16]
}

// ResolveWorkspace returns the absolute, symlink-resolved workspace path.
func ResolveWorkspace(workspace string) (string, error) {
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return "", fmt.Errorf("failed to resolve workspace: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("failed to resolve workspace: %w", err)
	}
	return resolved, nil
}

// Open returns the Store for workspace under root. The workspace must exist;
// the record itself is created by Init. A root inside the workspace is a
// configuration error because the agent could then reach the record.
func Open(root, workspace string, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}

	ws, err := ResolveWorkspace(workspace)
	if err != nil {
		return nil, err
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve state root: %w", err)
	}
	absRoot = resolveExisting(absRoot)

	if within(ws, absRoot) {
		return nil, fmt.Errorf("%w: %w: %s is inside %s", errors.ErrConfig, errors.ErrStateInsideWorkspace, absRoot, ws)
	}

	key := Key(ws)
	return &Store{
		root:      absRoot,
		workspace: ws,
		key:       key,
		dir:       filepath.Join(absRoot, "workspaces", key),
		logger:    logger.WithWorkspace(key),
	}, nil
}

// resolveExisting resolves symlinks in the longest existing prefix of path,
// so a root that does not exist yet compares correctly against a resolved
// workspace.
func resolveExisting(path string) string {
	rest := ""
	for dir := path; ; dir = filepath.Dir(dir) {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(resolved, rest)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return path
		}
		rest = filepath.Join(filepath.Base(dir), rest)
	}
}

// within reports whether path is base or lies below it.
func within(base, path string) bool {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// Root returns the state root.
func (s *Store) Root() string { return s.root }

// Workspace returns the resolved workspace path.
func (s *Store) Workspace() string { return s.workspace }

// Key returns the record key.
func (s *Store) Key() string { return s.key }

// Dir returns the record directory.
func (s *Store) Dir() string { return s.dir }

// LogDir returns the directory for transcripts and debug.log.
func (s *Store) LogDir() string { return filepath.Join(s.dir, LogDirName) }

// MetricsPath returns the prometheus textfile path.
func (s *Store) MetricsPath() string { return filepath.Join(s.dir, MetricsFileName) }

// TranscriptPath returns the raw transcript path for an iteration.
func (s *Store) TranscriptPath(iteration int) string {
	return filepath.Join(s.LogDir(), fmt.Sprintf("iter-%04d.jsonl", iteration))
}

// Initialized reports whether Init has run for this workspace.
func (s *Store) Initialized() bool {
	_, err := os.Stat(filepath.Join(s.dir, ContextFileName))
	return err == nil
}

// Init creates the record if it does not exist. Calling it again leaves an
// existing record untouched.
func (s *Store) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Join(s.dir, LogDirName), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	now := time.Now().UTC()
	created := false

	if err := s.writeIfMissing(WorkspaceFileName, workspaceInfo{Path: s.workspace, CreatedAt: now}, &created); err != nil {
		return err
	}
	if err := s.writeIfMissing(ContextFileName, Context{Iteration: 1, UpdatedAt: now}, &created); err != nil {
		return err
	}

	if created {
		s.logger.Info("state initialized", "dir", s.dir, "workspace", s.workspace)
	}
	return nil
}

func (s *Store) writeIfMissing(name string, v any, created *bool) error {
	path := filepath.Join(s.dir, name)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := writeJSON(path, v); err != nil {
		return err
	}
	*created = true
	return nil
}

// Read returns a snapshot of the whole record.
func (s *Store) Read() (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Initialized() {
		return Record{}, errors.ErrNotInitialized
	}

	var info workspaceInfo
	if err := readJSON(filepath.Join(s.dir, WorkspaceFileName), &info); err != nil {
		return Record{}, err
	}
	ctx, err := s.readContext()
	if err != nil {
		return Record{}, err
	}
	progress, err := s.readProgress()
	if err != nil {
		return Record{}, err
	}
	guardrails, err := s.readGuardrails()
	if err != nil {
		return Record{}, err
	}
	term, err := s.readTermination()
	if err != nil {
		return Record{}, err
	}

	return Record{
		Workspace:   info.Path,
		CreatedAt:   info.CreatedAt,
		Context:     ctx,
		Terminated:  term != nil,
		Termination: term,
		Progress:    progress,
		Guardrails:  guardrails,
	}, nil
}

// Context returns the current context.json contents.
func (s *Store) Context() (Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readContext()
}

func (s *Store) readContext() (Context, error) {
	var ctx Context
	if err := readJSON(filepath.Join(s.dir, ContextFileName), &ctx); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Context{}, errors.ErrNotInitialized
		}
		return Context{}, err
	}
	return ctx, nil
}

// Update applies fn to the persisted context and writes it back atomically.
func (s *Store) Update(fn func(*Context)) (Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, err := s.readContext()
	if err != nil {
		return Context{}, err
	}
	fn(&ctx)
	ctx.UpdatedAt = time.Now().UTC()
	if err := writeJSON(filepath.Join(s.dir, ContextFileName), ctx); err != nil {
		return Context{}, err
	}
	return ctx, nil
}

// AppendProgress appends an entry to progress.jsonl, filling in ID and Time
// when unset.
func (s *Store) AppendProgress(entry ProgressEntry) (ProgressEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Time.IsZero() {
		entry.Time = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return entry, fmt.Errorf("failed to marshal progress entry: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(s.dir, ProgressFileName), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return entry, fmt.Errorf("failed to open progress log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return entry, fmt.Errorf("failed to append progress entry: %w", err)
	}
	return entry, nil
}

// Progress returns all progress entries in append order.
func (s *Store) Progress() ([]ProgressEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readProgress()
}

func (s *Store) readProgress() ([]ProgressEntry, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, ProgressFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return []ProgressEntry{}, nil
		}
		return nil, fmt.Errorf("failed to read progress log: %w", err)
	}

	entries := make([]ProgressEntry, 0)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var entry ProgressEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("%w: progress.jsonl line %d: %v", errors.ErrStateCorrupted, line, err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read progress log: %w", err)
	}
	return entries, nil
}

// Guardrails returns all guardrails in insertion order.
func (s *Store) Guardrails() ([]guardrail.Guardrail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readGuardrails()
}

func (s *Store) readGuardrails() ([]guardrail.Guardrail, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, GuardrailsFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return []guardrail.Guardrail{}, nil
		}
		return nil, fmt.Errorf("failed to read guardrails: %w", err)
	}
	gs, err := guardrail.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrStateCorrupted, err)
	}
	if gs == nil {
		gs = []guardrail.Guardrail{}
	}
	return gs, nil
}

// AppendGuardrail appends g to guardrails.yaml.
func (s *Store) AppendGuardrail(g guardrail.Guardrail) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	gs, err := s.readGuardrails()
	if err != nil {
		return err
	}
	data, err := guardrail.Marshal(append(gs, g))
	if err != nil {
		return fmt.Errorf("failed to marshal guardrails: %w", err)
	}
	return atomicWriteFile(filepath.Join(s.dir, GuardrailsFileName), data, 0644)
}

// Terminate sets the termination marker. Controllers refuse to run while it
// is present.
func (s *Store) Terminate(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	term := Termination{Reason: reason, At: time.Now().UTC()}
	if err := writeJSON(filepath.Join(s.dir, TerminatedFileName), term); err != nil {
		return err
	}
	s.logger.Warn("workspace terminated", "reason", reason)
	return nil
}

// ClearTermination removes the termination marker.
func (s *Store) ClearTermination() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(filepath.Join(s.dir, TerminatedFileName))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear termination marker: %w", err)
	}
	if err == nil {
		s.logger.Info("termination marker cleared")
	}
	return nil
}

// Termination returns the termination marker, or nil when it is not set.
func (s *Store) Termination() (*Termination, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readTermination()
}

// Terminated reports whether the termination marker is set. An unreadable
// marker still counts as set.
func (s *Store) Terminated() bool {
	_, err := os.Stat(filepath.Join(s.dir, TerminatedFileName))
	return err == nil
}

func (s *Store) readTermination() (*Termination, error) {
	path := filepath.Join(s.dir, TerminatedFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read termination marker: %w", err)
	}
	var term Termination
	if err := json.Unmarshal(data, &term); err != nil {
		// A hand-made marker (touch TERMINATED) is still a marker.
		return &Termination{Reason: strings.TrimSpace(string(data))}, nil
	}
	return &term, nil
}

// Purge deletes the whole record. It is reserved for operators; controllers
// never call it.
func (s *Store) Purge() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("failed to purge state: %w", err)
	}
	s.logger.Warn("state purged", "dir", s.dir)
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", errors.ErrStateCorrupted, filepath.Base(path), err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	return atomicWriteFile(path, data, 0644)
}

// atomicWriteFile writes data to a temp file in the same directory and
// renames it into place.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}
