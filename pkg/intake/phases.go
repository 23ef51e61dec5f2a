package intake

import (
	"fmt"
	"time"
)

// FieldSpec declares one required field within a phase, together with the
// question text the conversation uses to ask for it.
type FieldSpec struct {
	Name   FieldName `yaml:"name"`
	Prompt string    `yaml:"prompt"`
}

// PhaseDefinition declares one ordered stage of the intake conversation:
// its required fields (in ask order) and the baseline duration used for
// time estimation.
type PhaseDefinition struct {
	Name     PhaseName     `yaml:"name"`
	Baseline time.Duration `yaml:"baseline"`
	Fields   []FieldSpec   `yaml:"fields"`
}

// PhaseTable is the immutable, versioned phase configuration injected at
// startup. It is read-only at runtime: the engine never mutates it, so it is
// safe for concurrent use without locking.
type PhaseTable struct {
	version    string
	phases     []PhaseDefinition
	index      map[PhaseName]int
	fieldPhase map[FieldName]PhaseName
	fieldTotal int
}

// NewPhaseTable builds and validates a phase table from ordered definitions.
// Phase names must be unique, field names must be unique across all phases,
// baselines must be non-negative, and at least one phase is required.
func NewPhaseTable(version string, defs []PhaseDefinition) (*PhaseTable, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("phase table requires at least one phase")
	}

	t := &PhaseTable{
		version:    version,
		phases:     make([]PhaseDefinition, len(defs)),
		index:      make(map[PhaseName]int, len(defs)),
		fieldPhase: make(map[FieldName]PhaseName),
	}
	copy(t.phases, defs)

	for i, def := range t.phases {
		if def.Name == "" {
			return nil, fmt.Errorf("phase at index %d: name is required", i)
		}
		if _, exists := t.index[def.Name]; exists {
			return nil, fmt.Errorf("duplicate phase name %q", def.Name)
		}
		if def.Baseline < 0 {
			return nil, fmt.Errorf("phase %q: baseline must be >= 0, got %v", def.Name, def.Baseline)
		}
		t.index[def.Name] = i

		for _, field := range def.Fields {
			if field.Name == "" {
				return nil, fmt.Errorf("phase %q: field name is required", def.Name)
			}
			if owner, exists := t.fieldPhase[field.Name]; exists {
				return nil, fmt.Errorf("field %q declared in both %q and %q", field.Name, owner, def.Name)
			}
			t.fieldPhase[field.Name] = def.Name
			t.fieldTotal++
		}
	}

	return t, nil
}

// Version returns the configuration version this table was built from.
func (t *PhaseTable) Version() string {
	return t.version
}

// Phases returns the phase definitions in declared order.
// The returned slice is a copy; callers cannot mutate the table through it.
func (t *PhaseTable) Phases() []PhaseDefinition {
	out := make([]PhaseDefinition, len(t.phases))
	copy(out, t.phases)
	return out
}

// Phase looks up a phase definition by name.
func (t *PhaseTable) Phase(name PhaseName) (PhaseDefinition, bool) {
	i, ok := t.index[name]
	if !ok {
		return PhaseDefinition{}, false
	}
	return t.phases[i], true
}

// PhaseForField returns which phase declares a field.
func (t *PhaseTable) PhaseForField(field FieldName) (PhaseName, bool) {
	name, ok := t.fieldPhase[field]
	return name, ok
}

// First returns the first phase in declared order.
func (t *PhaseTable) First() PhaseName {
	return t.phases[0].Name
}

// Last returns the terminal phase in declared order.
func (t *PhaseTable) Last() PhaseName {
	return t.phases[len(t.phases)-1].Name
}

// Next returns the phase immediately following the named phase, or false if
// the named phase is terminal or unknown.
func (t *PhaseTable) Next(name PhaseName) (PhaseName, bool) {
	i, ok := t.index[name]
	if !ok || i+1 >= len(t.phases) {
		return "", false
	}
	return t.phases[i+1].Name, true
}

// TotalRequiredFields returns the number of required fields across all phases.
func (t *PhaseTable) TotalRequiredFields() int {
	return t.fieldTotal
}

// phaseComplete reports whether every required field of the phase is present
// in the snapshot's completed set. A phase with no required fields is
// trivially complete.
func phaseComplete(def PhaseDefinition, snapshot *ProgressSnapshot) bool {
	for _, field := range def.Fields {
		if !snapshot.HasField(field.Name) {
			return false
		}
	}
	return true
}
