package intake

import (
	"fmt"
	"time"
)

// InvalidTransitionError reports an illegal status move. It carries both the
// attempted and current status for diagnostics.
type InvalidTransitionError struct {
	From SessionStatus
	To   SessionStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %q to %q", e.From, e.To)
}

// Transition applies a status change to the session in place.
//
// The legal moves are one step forward through the intake order
// (started → in_progress → insurance_pending → assessment_complete →
// submitted), plus the universal exits to abandoned and expired from any
// non-terminal state. A request for the session's current status is an
// idempotent no-op success - abandonment requests in particular arrive twice
// when clients retry. Skipping ahead or moving backward fails with
// *InvalidTransitionError.
//
// A session already in a terminal state absorbs every transition request as
// a no-op success: the status stays as it is and nothing is stamped. An
// expired session must not have its deadline resurrected by a late request.
//
// Every accepted transition on a live session (including the idempotent
// no-op) counts as activity: UpdatedAt is stamped and ExpiresAt extends
// forward, never back.
func Transition(s *Session, target SessionStatus, now time.Time, activityWindow time.Duration) error {
	if err := target.Validate(); err != nil {
		return err
	}

	// Terminal states absorb all requests without mutation.
	if s.Status.IsTerminal() {
		return nil
	}

	// Idempotent repeat: success without a state change.
	if s.Status == target {
		s.Touch(now, activityWindow)
		return nil
	}

	// Universal exits are always legal from a non-terminal state.
	if target == StatusAbandoned || target == StatusExpired {
		s.Status = target
		s.Touch(now, activityWindow)
		return nil
	}

	from, okFrom := statusOrder[s.Status]
	to, okTo := statusOrder[target]
	if !okFrom || !okTo || to != from+1 {
		return &InvalidTransitionError{From: s.Status, To: target}
	}

	s.Status = target
	s.Touch(now, activityWindow)
	return nil
}
