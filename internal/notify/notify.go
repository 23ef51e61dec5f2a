// Package notify defines the outbound notification contract. Delivery is
// fire-and-forget from the engine's perspective: failures are the
// dispatcher's concern and are never retried by the core.
package notify

import (
	"context"
	"log"
	"time"
)

// RecoveryMessage carries a freshly issued recovery token to a contact
// identity, together with the moment the token stops working.
type RecoveryMessage struct {
	Kind      string    `json:"kind"` // always "recovery"
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Dispatcher delivers messages to a contact identity.
type Dispatcher interface {
	Send(ctx context.Context, identity string, message RecoveryMessage) error
}

// LogDispatcher logs instead of delivering. It stands in for the real email
// collaborator in local runs and tests; the token itself is deliberately not
// logged.
type LogDispatcher struct{}

// Send records that a message would have been dispatched.
func (LogDispatcher) Send(_ context.Context, _ string, message RecoveryMessage) error {
	log.Printf("[Notify] Dispatched %s message (token expires %s)",
		message.Kind, message.ExpiresAt.UTC().Format(time.RFC3339))
	return nil
}
