package intake

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Session represents one onboarding attempt. It is the unit of persistence:
// the durable store reads and writes whole sessions, and every accepted
// mutation refreshes UpdatedAt (which the store uses as its compare-and-swap
// token).
type Session struct {
	ID              string           `json:"id"`               // UUID - immutable, generated at creation
	Status          SessionStatus    `json:"status"`           // Current lifecycle state
	ContactIdentity string           `json:"contact_identity"` // Normalized email used for recovery; may be empty
	Progress        ProgressSnapshot `json:"progress"`         // Structured collection state
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"` // Refreshed on every accepted mutation
	ExpiresAt       time.Time        `json:"expires_at"` // Extended on activity, never moved backward
}

// SessionStatus defines the lifecycle state of a session.
// Sessions progress forward through the intake order and may exit to the
// two terminal states from anywhere.
type SessionStatus string

const (
	// StatusStarted indicates first client contact with no accepted fields yet
	StatusStarted SessionStatus = "started"

	// StatusInProgress indicates at least one field has been collected
	StatusInProgress SessionStatus = "in_progress"

	// StatusInsurancePending indicates intake answers are complete and
	// insurance verification is outstanding
	StatusInsurancePending SessionStatus = "insurance_pending"

	// StatusAssessmentComplete indicates the assessment stage has finished
	StatusAssessmentComplete SessionStatus = "assessment_complete"

	// StatusSubmitted indicates final submission (terminal via the happy path)
	StatusSubmitted SessionStatus = "submitted"

	// StatusAbandoned indicates explicit abandonment (terminal, reachable from any state)
	StatusAbandoned SessionStatus = "abandoned"

	// StatusExpired indicates inactivity timeout (terminal, reachable from any state)
	StatusExpired SessionStatus = "expired"
)

// statusOrder maps each forward-path status to its position in the intake
// order. The terminal exits Abandoned and Expired are deliberately absent:
// they are reachable from anywhere and have no successor.
var statusOrder = map[SessionStatus]int{
	StatusStarted:            0,
	StatusInProgress:         1,
	StatusInsurancePending:   2,
	StatusAssessmentComplete: 3,
	StatusSubmitted:          4,
}

// Validate checks if the SessionStatus is a valid enum value.
func (s SessionStatus) Validate() error {
	switch s {
	case StatusStarted, StatusInProgress, StatusInsurancePending,
		StatusAssessmentComplete, StatusSubmitted, StatusAbandoned, StatusExpired:
		return nil
	default:
		return fmt.Errorf("unknown session status: %q", s)
	}
}

// IsTerminal returns true for statuses that permit no further transitions.
// Submitted is not terminal in this sense: a submitted session may still be
// abandoned or expire.
func (s SessionStatus) IsTerminal() bool {
	return s == StatusAbandoned || s == StatusExpired
}

// FieldName identifies a single piece of intake data (e.g. "parent_name").
type FieldName string

// PhaseName identifies an ordered stage of the intake conversation.
type PhaseName string

// FieldMetadata records when and how confidently a field was collected.
// It never holds the collected value itself - values are PHI and stay out of
// the session record entirely.
type FieldMetadata struct {
	CollectedAt time.Time `json:"collected_at"`
	Confidence  float64   `json:"confidence"`
}

// PhaseTiming records observed start/completion times for a phase.
// A zero CompletedAt means the phase is still open. Timings feed the pace
// multiplier in progress estimation.
type PhaseTiming struct {
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// ProgressSnapshot is the structured collection state carried by a session.
// CompletedFields is a set with insertion order preserved; membership is the
// single source of truth for what has been asked and answered.
type ProgressSnapshot struct {
	CurrentPhase    PhaseName                   `json:"current_phase"`
	CompletedFields []FieldName                 `json:"completed_fields"`
	FieldMetadata   map[FieldName]FieldMetadata `json:"field_metadata,omitempty"`
	LastPercentage  int                         `json:"last_percentage"`
	PhaseTimings    map[PhaseName]PhaseTiming   `json:"phase_timings,omitempty"`
}

// HasField reports whether a field is already in the completed set.
func (p *ProgressSnapshot) HasField(field FieldName) bool {
	for _, f := range p.CompletedFields {
		if f == field {
			return true
		}
	}
	return false
}

// NewSession creates a session in Started with a fresh UUID.
// The contact identity may be empty; recovery is unavailable until one is
// attached.
func NewSession(contactIdentity string, now time.Time, activityWindow time.Duration) *Session {
	return &Session{
		ID:              uuid.New().String(),
		Status:          StatusStarted,
		ContactIdentity: contactIdentity,
		Progress: ProgressSnapshot{
			CompletedFields: []FieldName{},
			FieldMetadata:   make(map[FieldName]FieldMetadata),
			PhaseTimings:    make(map[PhaseName]PhaseTiming),
		},
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(activityWindow),
	}
}

// Validate checks if the Session has valid field values.
func (s *Session) Validate() error {
	if !isValidUUID(s.ID) {
		return fmt.Errorf("invalid session ID: not a valid UUID")
	}

	if err := s.Status.Validate(); err != nil {
		return fmt.Errorf("invalid status: %w", err)
	}

	if s.Progress.LastPercentage < 0 || s.Progress.LastPercentage > 100 {
		return fmt.Errorf("invalid last percentage: must be 0..100, got %d", s.Progress.LastPercentage)
	}

	return nil
}

// Touch stamps activity on the session: UpdatedAt moves to now and ExpiresAt
// extends to now+activityWindow if that is later than its current value.
// Expiry only ever moves forward, even when the caller holds a stale copy.
func (s *Session) Touch(now time.Time, activityWindow time.Duration) {
	s.UpdatedAt = now
	if candidate := now.Add(activityWindow); candidate.After(s.ExpiresAt) {
		s.ExpiresAt = candidate
	}
}

// isValidUUID checks if a string is a valid UUID format.
func isValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
