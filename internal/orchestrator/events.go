package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/dyluth/warren/internal/audit"
	"github.com/dyluth/warren/internal/notify"
	"github.com/dyluth/warren/internal/recovery"
	"github.com/dyluth/warren/pkg/intake"
)

// FieldResult is the engine's answer to a field-submission event: where the
// session now stands and what to ask next.
type FieldResult struct {
	Session            *intake.Session  `json:"session"`
	Progress           intake.Progress  `json:"progress"`
	PhaseComplete      bool             `json:"phase_complete"`
	CompletedPhase     intake.PhaseName `json:"completed_phase,omitempty"` // set when PhaseComplete
	NeedsClarification bool             `json:"needs_clarification"`

	// NextQuestion is nil when the current phase (and possibly the whole
	// intake) has no outstanding fields.
	NextQuestion *intake.Question `json:"next_question,omitempty"`
}

// ResumeResult is the engine's answer to a presented recovery token.
type ResumeResult struct {
	Session    *intake.Session `json:"session"`
	Progress   intake.Progress `json:"progress"`
	Credential string          `json:"credential"`
}

// StartSession creates a session in Started on first client contact.
// The contact identity may be empty; recovery stays unavailable until the
// intake collects one.
func (e *Engine) StartSession(ctx context.Context, contactIdentity string) (*intake.Session, error) {
	now := e.now()
	session := intake.NewSession(contactIdentity, now, e.activityWindow)
	session.Progress.CurrentPhase = intake.CurrentPhase(&session.Progress, e.table)

	if err := e.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	e.auditor.Record(ctx, audit.Event{
		Action:    "session_started",
		SessionID: session.ID,
		Metadata: map[string]any{
			"has_identity": contactIdentity != "",
		},
	})

	return session, nil
}

// SubmitField handles one extraction from the conversation.
//
// A clarification request re-asks the same field without recording anything.
// Otherwise: the first accepted field on a Started session implicitly
// requests InProgress first, the field is recorded idempotently, phase
// timings are stamped, progress is recomputed and its clamped percentage
// persisted as the new high-water mark, and the whole cycle retries on a
// write conflict.
func (e *Engine) SubmitField(ctx context.Context, sessionID string, extraction intake.Extraction) (*FieldResult, error) {
	if extraction.NeedsClarification {
		return e.reaskField(ctx, sessionID, extraction.Field)
	}

	var result *FieldResult
	err := e.withConflictRetry(ctx, func() error {
		session, err := e.loadActive(ctx, sessionID)
		if err != nil {
			return err
		}
		if session.Status == intake.StatusSubmitted {
			return ErrSessionClosed
		}
		loadedAt := session.UpdatedAt
		now := e.now()

		// First accepted field moves Started to InProgress.
		if session.Status == intake.StatusStarted {
			if err := intake.Transition(session, intake.StatusInProgress, now, e.activityWindow); err != nil {
				return err
			}
		} else {
			session.Touch(now, e.activityWindow)
		}

		phase, ok := e.table.PhaseForField(extraction.Field)
		if !ok {
			return fmt.Errorf("unknown field %q", extraction.Field)
		}
		e.stampPhaseStart(session, phase, now)

		added, err := intake.RecordField(session, e.table, extraction.Field, extraction.Confidence, now)
		if err != nil {
			return err
		}

		phaseComplete := e.stampPhaseCompletion(session, phase, now)

		progress := intake.ComputeProgress(&session.Progress, e.table, e.paceBounds)
		session.Progress.LastPercentage = progress.Percentage
		session.Progress.CurrentPhase = progress.CurrentPhase

		if err := e.sessions.Update(ctx, session, loadedAt); err != nil {
			return err
		}

		e.auditor.Record(ctx, audit.Event{
			Action:    "field_recorded",
			SessionID: session.ID,
			Metadata: map[string]any{
				"field":       string(extraction.Field),
				"phase":       string(phase),
				"newly_added": added,
				"percentage":  progress.Percentage,
			},
		})

		result = &FieldResult{
			Session:       session,
			Progress:      progress,
			PhaseComplete: phaseComplete,
			NextQuestion:  firstQuestion(&session.Progress, e.table),
		}
		if phaseComplete {
			result.CompletedPhase = phase
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logEvent("field_submitted", map[string]interface{}{
		"session_id": sessionID,
		"field":      string(extraction.Field),
		"percentage": result.Progress.Percentage,
	})

	return result, nil
}

// reaskField handles an ambiguous extraction: the same field is asked again
// and nothing is recorded or persisted.
func (e *Engine) reaskField(ctx context.Context, sessionID string, field intake.FieldName) (*FieldResult, error) {
	session, err := e.loadActive(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status == intake.StatusSubmitted {
		return nil, ErrSessionClosed
	}

	phase, ok := e.table.PhaseForField(field)
	if !ok {
		return nil, fmt.Errorf("unknown field %q", field)
	}

	def, _ := e.table.Phase(phase)
	question := &intake.Question{Phase: phase, Field: field}
	for _, spec := range def.Fields {
		if spec.Name == field {
			question.Prompt = spec.Prompt
			break
		}
	}

	return &FieldResult{
		Session:            session,
		Progress:           intake.ComputeProgress(&session.Progress, e.table, e.paceBounds),
		NeedsClarification: true,
		NextQuestion:       question,
	}, nil
}

// RequestRecovery handles a client's request to recover a session on a new
// device: account it against the identity's quota, mint a token, and hand it
// to the dispatcher. The request itself counts as session activity.
func (e *Engine) RequestRecovery(ctx context.Context, sessionID string) error {
	session, err := e.loadActive(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.ContactIdentity == "" {
		return ErrNoContactIdentity
	}

	if err := e.recovery.RequestRecovery(ctx, session.ContactIdentity); err != nil {
		// Only a quota rejection is an audited business outcome; a store
		// failure is an I/O error and propagates without one.
		var rateLimited *recovery.RateLimitedError
		if errors.As(err, &rateLimited) {
			e.auditor.Record(ctx, audit.Event{
				Action:    "recovery_rejected",
				SessionID: session.ID,
				Metadata:  map[string]any{"rate_limited": true},
			})
		}
		return err
	}

	token, err := e.recovery.IssueToken(ctx, session.ID)
	if err != nil {
		return fmt.Errorf("failed to issue recovery token: %w", err)
	}

	// Fire-and-forget: delivery failure is the dispatcher's concern.
	message := notify.RecoveryMessage{
		Kind:      "recovery",
		Token:     token,
		ExpiresAt: e.now().Add(e.recovery.TokenTTL()),
	}
	if err := e.dispatcher.Send(ctx, session.ContactIdentity, message); err != nil {
		log.Printf("[Orchestrator] Recovery dispatch failed for session %s: %v", session.ID, err)
	}

	// Requesting recovery is ordinary activity: extend the session's life.
	if err := e.touchSession(ctx, session.ID); err != nil {
		return err
	}

	e.auditor.Record(ctx, audit.Event{
		Action:    "recovery_requested",
		SessionID: session.ID,
		Metadata:  map[string]any{"has_identity": true},
	})

	return nil
}

// Resume consumes a presented recovery token and re-attaches the caller to
// the session it was bound to, issuing a fresh signed credential. Previously
// issued credentials stay valid; the session's own expiry is the only upper
// bound on their lifetime.
func (e *Engine) Resume(ctx context.Context, token string) (*ResumeResult, error) {
	sessionID, err := e.recovery.ConsumeToken(ctx, token)
	if err != nil {
		return nil, err
	}

	session, err := e.loadActive(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	// Resuming is ordinary activity.
	if err := e.touchSession(ctx, session.ID); err != nil {
		return nil, err
	}
	session, err = e.sessions.Get(ctx, session.ID)
	if err != nil {
		return nil, err
	}

	credential, err := e.issuer.Issue(session.ID, session.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to issue session credential: %w", err)
	}

	e.auditor.Record(ctx, audit.Event{
		Action:    "session_resumed",
		SessionID: session.ID,
		Metadata: map[string]any{
			"fields_collected": len(session.Progress.CompletedFields),
		},
	})

	return &ResumeResult{
		Session:    session,
		Progress:   intake.ComputeProgress(&session.Progress, e.table, e.paceBounds),
		Credential: credential,
	}, nil
}

// Abandon handles an explicit abandonment request. Repeats are a no-op
// success returning the same terminal status.
func (e *Engine) Abandon(ctx context.Context, sessionID string) (*intake.Session, error) {
	var result *intake.Session
	err := e.withConflictRetry(ctx, func() error {
		session, err := e.sessions.Get(ctx, sessionID)
		if err != nil {
			return err
		}
		loadedAt := session.UpdatedAt

		// A session already in a terminal state absorbs the request; only a
		// live session actually moves (and gets audited).
		wasLive := !session.Status.IsTerminal()
		if err := intake.Transition(session, intake.StatusAbandoned, e.now(), e.activityWindow); err != nil {
			return err
		}

		if err := e.sessions.Update(ctx, session, loadedAt); err != nil {
			return err
		}

		if wasLive {
			e.auditor.Record(ctx, audit.Event{
				Action:    "session_abandoned",
				SessionID: session.ID,
			})
		}

		result = session
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Progress recomputes the progress view for a session without mutating it.
func (e *Engine) Progress(ctx context.Context, sessionID string) (*intake.Session, intake.Progress, error) {
	session, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, intake.Progress{}, err
	}
	return session, intake.ComputeProgress(&session.Progress, e.table, e.paceBounds), nil
}

// touchSession stamps activity on a session under the usual conflict retry.
func (e *Engine) touchSession(ctx context.Context, sessionID string) error {
	return e.withConflictRetry(ctx, func() error {
		session, err := e.sessions.Get(ctx, sessionID)
		if err != nil {
			return err
		}
		loadedAt := session.UpdatedAt
		session.Touch(e.now(), e.activityWindow)
		return e.sessions.Update(ctx, session, loadedAt)
	})
}

// stampPhaseStart records when work on a phase first began.
func (e *Engine) stampPhaseStart(session *intake.Session, phase intake.PhaseName, now time.Time) {
	if session.Progress.PhaseTimings == nil {
		session.Progress.PhaseTimings = make(map[intake.PhaseName]intake.PhaseTiming)
	}
	timing := session.Progress.PhaseTimings[phase]
	if timing.StartedAt.IsZero() {
		timing.StartedAt = now
		session.Progress.PhaseTimings[phase] = timing
	}
}

// stampPhaseCompletion records when a phase's required set filled up.
// Returns true if the phase is complete after this event.
func (e *Engine) stampPhaseCompletion(session *intake.Session, phase intake.PhaseName, now time.Time) bool {
	def, ok := e.table.Phase(phase)
	if !ok {
		return false
	}
	for _, field := range def.Fields {
		if !session.Progress.HasField(field.Name) {
			return false
		}
	}

	timing := session.Progress.PhaseTimings[phase]
	if timing.CompletedAt.IsZero() {
		timing.CompletedAt = now
		session.Progress.PhaseTimings[phase] = timing
	}
	return true
}

// firstQuestion returns the next pending question, or nil when the current
// phase has none outstanding.
func firstQuestion(snapshot *intake.ProgressSnapshot, table *intake.PhaseTable) *intake.Question {
	questions := intake.PendingQuestions(snapshot, table)
	if len(questions) == 0 {
		return nil
	}
	return &questions[0]
}
