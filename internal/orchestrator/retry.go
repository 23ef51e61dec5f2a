package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dyluth/warren/internal/store"
)

// conflictBackoff is the pause between attempts of the read-modify-write
// cycle after an optimistic-concurrency collision. Collisions come from a
// handful of devices on one session, so a short constant pause is enough.
const conflictBackoff = 25 * time.Millisecond

// withConflictRetry runs op, retrying the whole read-modify-write cycle on
// store.ErrConflict up to the configured attempt cap. Any other error stops
// immediately. Exhaustion surfaces ErrTransient: the user-visible answer is
// "try again", never a business-logic failure.
func (e *Engine) withConflictRetry(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(conflictBackoff), uint64(e.conflictRetries-1)),
		ctx,
	)

	err := backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, store.ErrConflict) {
			return err // retryable
		}
		return backoff.Permanent(err)
	}, policy)

	if errors.Is(err, store.ErrConflict) {
		e.logEvent("conflict_retries_exhausted", map[string]interface{}{
			"attempts": e.conflictRetries,
		})
		return fmt.Errorf("%w: %d attempts failed", ErrTransient, e.conflictRetries)
	}

	return err
}
