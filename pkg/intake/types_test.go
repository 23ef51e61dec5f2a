package intake

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testTable builds the standard phase table used across the package tests.
func testTable(t *testing.T) *PhaseTable {
	t.Helper()

	table, err := NewPhaseTable("1.0", []PhaseDefinition{
		{Name: "welcome", Baseline: 2 * time.Minute},
		{Name: "parent_info", Baseline: 10 * time.Minute, Fields: []FieldSpec{
			{Name: "parent_name", Prompt: "What is your name?"},
			{Name: "parent_email", Prompt: "What is the best email to reach you?"},
		}},
		{Name: "child_info", Baseline: 8 * time.Minute, Fields: []FieldSpec{
			{Name: "child_name", Prompt: "What is your child's name?"},
			{Name: "child_dob", Prompt: "What is your child's date of birth?"},
		}},
	})
	require.NoError(t, err)
	return table
}

func TestNewSession(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := NewSession("parent@example.com", now, 72*time.Hour)

	assert.Equal(t, StatusStarted, s.Status)
	assert.Equal(t, "parent@example.com", s.ContactIdentity)
	assert.Equal(t, now, s.CreatedAt)
	assert.Equal(t, now, s.UpdatedAt)
	assert.Equal(t, now.Add(72*time.Hour), s.ExpiresAt)
	assert.Empty(t, s.Progress.CompletedFields)
	assert.NoError(t, s.Validate())

	_, err := uuid.Parse(s.ID)
	assert.NoError(t, err)
}

func TestSessionStatusValidate(t *testing.T) {
	valid := []SessionStatus{
		StatusStarted, StatusInProgress, StatusInsurancePending,
		StatusAssessmentComplete, StatusSubmitted, StatusAbandoned, StatusExpired,
	}
	for _, status := range valid {
		assert.NoError(t, status.Validate(), "status %q should be valid", status)
	}

	assert.Error(t, SessionStatus("on_hold").Validate())
	assert.Error(t, SessionStatus("").Validate())
}

func TestSessionStatusIsTerminal(t *testing.T) {
	assert.True(t, StatusAbandoned.IsTerminal())
	assert.True(t, StatusExpired.IsTerminal())
	assert.False(t, StatusSubmitted.IsTerminal())
	assert.False(t, StatusStarted.IsTerminal())
	assert.False(t, StatusInProgress.IsTerminal())
}

func TestSessionValidate(t *testing.T) {
	now := time.Now()

	t.Run("rejects malformed ID", func(t *testing.T) {
		s := NewSession("", now, time.Hour)
		s.ID = "not-a-uuid"
		assert.Error(t, s.Validate())
	})

	t.Run("rejects unknown status", func(t *testing.T) {
		s := NewSession("", now, time.Hour)
		s.Status = "paused"
		assert.Error(t, s.Validate())
	})

	t.Run("rejects out-of-range percentage", func(t *testing.T) {
		s := NewSession("", now, time.Hour)
		s.Progress.LastPercentage = 101
		assert.Error(t, s.Validate())

		s.Progress.LastPercentage = -1
		assert.Error(t, s.Validate())
	})
}

func TestTouch(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := NewSession("", now, time.Hour)

	t.Run("extends expiry forward", func(t *testing.T) {
		later := now.Add(30 * time.Minute)
		s.Touch(later, time.Hour)
		assert.Equal(t, later, s.UpdatedAt)
		assert.Equal(t, later.Add(time.Hour), s.ExpiresAt)
	})

	t.Run("never moves expiry backward", func(t *testing.T) {
		expiry := s.ExpiresAt
		// A stale caller touching with a shorter window must not shrink expiry.
		s.Touch(now, time.Minute)
		assert.Equal(t, expiry, s.ExpiresAt)
	})
}

func TestHasField(t *testing.T) {
	snapshot := &ProgressSnapshot{CompletedFields: []FieldName{"parent_name"}}
	assert.True(t, snapshot.HasField("parent_name"))
	assert.False(t, snapshot.HasField("parent_email"))
}
