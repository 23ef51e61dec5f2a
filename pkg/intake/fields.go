package intake

import (
	"fmt"
	"time"
)

// Extraction is one turn's output from the natural-language collaborator.
// The core treats it as an opaque input: Value is passed through to external
// consumers and never persisted in the session record.
type Extraction struct {
	Field              FieldName `json:"field"`
	Value              string    `json:"value"`
	Confidence         float64   `json:"confidence"`
	NeedsClarification bool      `json:"needs_clarification"`
}

// Question is one prompt the conversation should ask next.
type Question struct {
	Phase  PhaseName `json:"phase"`
	Field  FieldName `json:"field"`
	Prompt string    `json:"prompt"`
}

// RecordField marks a field as collected on the session's snapshot.
//
// Recording is idempotent with respect to set membership: a field already in
// CompletedFields is not duplicated and the return value is false. Metadata
// is overwritten either way with the latest collection time and confidence -
// corrections are allowed, re-asking is not triggered.
//
// The field must be declared by the table; an unknown field is rejected so a
// stale extraction cannot silently inflate progress.
func RecordField(s *Session, table *PhaseTable, field FieldName, confidence float64, now time.Time) (added bool, err error) {
	if _, known := table.PhaseForField(field); !known {
		return false, fmt.Errorf("unknown field %q", field)
	}

	if s.Progress.FieldMetadata == nil {
		s.Progress.FieldMetadata = make(map[FieldName]FieldMetadata)
	}
	s.Progress.FieldMetadata[field] = FieldMetadata{
		CollectedAt: now,
		Confidence:  confidence,
	}

	if s.Progress.HasField(field) {
		return false, nil
	}

	s.Progress.CompletedFields = append(s.Progress.CompletedFields, field)
	return true, nil
}

// PendingQuestions generates the outstanding questions for the snapshot's
// current phase only, one per required field not yet collected, in the
// phase's declared field order.
//
// The generator is driven purely by set membership, never by conversation
// history - that is the mechanism guaranteeing no question is ever repeated.
func PendingQuestions(snapshot *ProgressSnapshot, table *PhaseTable) []Question {
	current := CurrentPhase(snapshot, table)
	def, ok := table.Phase(current)
	if !ok {
		return []Question{}
	}

	questions := make([]Question, 0, len(def.Fields))
	for _, field := range def.Fields {
		if snapshot.HasField(field.Name) {
			continue
		}
		questions = append(questions, Question{
			Phase:  def.Name,
			Field:  field.Name,
			Prompt: field.Prompt,
		})
	}

	return questions
}
