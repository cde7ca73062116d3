// Package guardrail keeps the append-only list of lessons ("signs") that is
// injected into every agent context.
//
// A guardrail pairs a trigger (when it applies) with an instruction (what to
// do). Guardrails are added by operators through the CLI or proposed by the
// agent itself; once written they are never edited or pruned.
package guardrail

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/ralph/internal/errors"
	"github.com/Iron-Ham/ralph/internal/logging"
)

// ErrDuplicate is returned by Add when an identical guardrail already exists.
var ErrDuplicate = errors.New("guardrail already exists")

// Guardrail is a single learned rule.
type Guardrail struct {
	Trigger          string    `yaml:"trigger" json:"trigger"`
	Instruction      string    `yaml:"instruction" json:"instruction"`
	AddedAtIteration int       `yaml:"added_at_iteration" json:"added_at_iteration"`
	AddedAt          time.Time `yaml:"added_at" json:"added_at"`
}

// Store persists guardrails in insertion order.
type Store interface {
	Guardrails() ([]Guardrail, error)
	AppendGuardrail(g Guardrail) error
}

// Registry validates and records guardrails on top of a Store.
type Registry struct {
	store  Store
	logger *logging.Logger
	now    func() time.Time
}

// NewRegistry creates a Registry. A nil logger discards output.
func NewRegistry(store Store, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Registry{
		store:  store,
		logger: logger.WithPhase("guardrail"),
		now:    time.Now,
	}
}

// Add appends a guardrail learned at the given iteration. Both fields must be
// non-empty. An exact duplicate of an existing guardrail is rejected with
// ErrDuplicate and the list is left untouched.
func (r *Registry) Add(trigger, instruction string, iteration int) (Guardrail, error) {
	trigger = strings.TrimSpace(trigger)
	instruction = strings.TrimSpace(instruction)
	if trigger == "" || instruction == "" {
		return Guardrail{}, fmt.Errorf("%w: guardrail needs both a trigger and an instruction", errors.ErrInvalidInput)
	}

	existing, err := r.store.Guardrails()
	if err != nil {
		return Guardrail{}, err
	}
	for _, g := range existing {
		if g.Trigger == trigger && g.Instruction == instruction {
			return g, ErrDuplicate
		}
	}

	g := Guardrail{
		Trigger:          trigger,
		Instruction:      instruction,
		AddedAtIteration: iteration,
		AddedAt:          r.now().UTC(),
	}
	if err := r.store.AppendGuardrail(g); err != nil {
		return Guardrail{}, fmt.Errorf("failed to append guardrail: %w", err)
	}

	r.logger.Info("guardrail added",
		"trigger", trigger,
		"iteration", iteration,
		"count", len(existing)+1,
	)
	return g, nil
}

// List returns all guardrails in insertion order.
func (r *Registry) List() ([]Guardrail, error) {
	return r.store.Guardrails()
}

// Render returns the markdown block for all guardrails, or "" when there are
// none.
func (r *Registry) Render() (string, error) {
	gs, err := r.store.Guardrails()
	if err != nil {
		return "", err
	}
	return Render(gs), nil
}

// Render formats guardrails as a numbered markdown list under a
// "## Guardrails" heading, in the order given.
func Render(gs []Guardrail) string {
	if len(gs) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("## Guardrails\n\n")
	for i, g := range gs {
		fmt.Fprintf(&sb, "%d. **When** %s: %s", i+1, g.Trigger, g.Instruction)
		if g.AddedAtIteration > 0 {
			fmt.Fprintf(&sb, " _(iteration %d)_", g.AddedAtIteration)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// Marshal encodes guardrails in the guardrails.yaml file format.
func Marshal(gs []Guardrail) ([]byte, error) {
	if gs == nil {
		gs = []Guardrail{}
	}
	return yaml.Marshal(gs)
}

// Unmarshal decodes the guardrails.yaml file format. Empty input yields an
// empty list.
func Unmarshal(data []byte) ([]Guardrail, error) {
	var gs []Guardrail
	if err := yaml.Unmarshal(data, &gs); err != nil {
		return nil, fmt.Errorf("failed to parse guardrails: %w", err)
	}
	return gs, nil
}
