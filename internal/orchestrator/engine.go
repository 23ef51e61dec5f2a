// Package orchestrator composes the intake core: it receives client events
// (field submitted, recovery requested, token presented, abandonment),
// invokes the session state machine, progress tracker, and recovery service
// in the correct order, and returns the next system action.
//
// The engine holds no per-session state between requests - every handler
// re-reads the session from the durable store and writes it back under
// compare-and-swap, so concurrent events from independent devices are an
// expected, supported case.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/dyluth/warren/internal/audit"
	"github.com/dyluth/warren/internal/credentials"
	"github.com/dyluth/warren/internal/notify"
	"github.com/dyluth/warren/internal/recovery"
	"github.com/dyluth/warren/internal/store"
	"github.com/dyluth/warren/pkg/intake"
)

var (
	// ErrSessionClosed is returned for events against an abandoned or
	// submitted session.
	ErrSessionClosed = errors.New("orchestrator: session is closed")

	// ErrSessionExpired is returned when a session's inactivity deadline has
	// passed. The engine marks the session Expired as a side effect of the
	// read that discovered it.
	ErrSessionExpired = errors.New("orchestrator: session has expired")

	// ErrNoContactIdentity is returned when recovery is requested for a
	// session with no contact identity attached.
	ErrNoContactIdentity = errors.New("orchestrator: session has no contact identity")

	// ErrTransient is returned when the bounded conflict-retry loop
	// exhausts its attempts. The caller may simply try again.
	ErrTransient = errors.New("orchestrator: transient storage contention")
)

// Config wires an Engine. All dependencies are explicit; there is no global
// state to reach for.
type Config struct {
	Sessions   store.SessionStore
	Recovery   *recovery.Service
	Issuer     *credentials.Issuer
	Dispatcher notify.Dispatcher
	Auditor    audit.Sink
	Table      *intake.PhaseTable

	InstanceName    string
	ActivityWindow  time.Duration
	PaceBounds      intake.PaceBounds
	ConflictRetries int

	// Now is injectable for tests; nil means time.Now.
	Now func() time.Time
}

// Engine is the intake orchestration core.
type Engine struct {
	sessions   store.SessionStore
	recovery   *recovery.Service
	issuer     *credentials.Issuer
	dispatcher notify.Dispatcher
	auditor    audit.Sink
	table      *intake.PhaseTable

	instanceName    string
	activityWindow  time.Duration
	paceBounds      intake.PaceBounds
	conflictRetries int
	now             func() time.Time
}

// NewEngine creates an orchestrator engine from explicit dependencies.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.Recovery == nil {
		return nil, fmt.Errorf("recovery service is required")
	}
	if cfg.Issuer == nil {
		return nil, fmt.Errorf("credential issuer is required")
	}
	if cfg.Table == nil {
		return nil, fmt.Errorf("phase table is required")
	}

	if cfg.Dispatcher == nil {
		cfg.Dispatcher = notify.LogDispatcher{}
	}
	if cfg.Auditor == nil {
		cfg.Auditor = audit.NopSink{}
	}
	if cfg.InstanceName == "" {
		cfg.InstanceName = "default"
	}
	if cfg.ActivityWindow == 0 {
		cfg.ActivityWindow = 72 * time.Hour
	}
	if cfg.PaceBounds == (intake.PaceBounds{}) {
		cfg.PaceBounds = intake.DefaultPaceBounds
	}
	if cfg.ConflictRetries == 0 {
		cfg.ConflictRetries = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Engine{
		sessions:        cfg.Sessions,
		recovery:        cfg.Recovery,
		issuer:          cfg.Issuer,
		dispatcher:      cfg.Dispatcher,
		auditor:         cfg.Auditor,
		table:           cfg.Table,
		instanceName:    cfg.InstanceName,
		activityWindow:  cfg.ActivityWindow,
		paceBounds:      cfg.PaceBounds,
		conflictRetries: cfg.ConflictRetries,
		now:             cfg.Now,
	}, nil
}

// loadActive reads a session and enforces the advisory expiry check: a
// session whose deadline has passed is transitioned to Expired and persisted
// before the event is rejected. Abandoned and already-expired sessions are
// rejected outright.
func (e *Engine) loadActive(ctx context.Context, sessionID string) (*intake.Session, error) {
	session, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	switch session.Status {
	case intake.StatusAbandoned:
		return nil, ErrSessionClosed
	case intake.StatusExpired:
		return nil, ErrSessionExpired
	}

	now := e.now()
	if now.After(session.ExpiresAt) {
		loadedAt := session.UpdatedAt
		deadline := session.ExpiresAt
		if err := intake.Transition(session, intake.StatusExpired, now, e.activityWindow); err != nil {
			return nil, fmt.Errorf("failed to expire session: %w", err)
		}
		// Expiring is not activity: keep the deadline that actually passed.
		session.ExpiresAt = deadline
		if err := e.sessions.Update(ctx, session, loadedAt); err != nil && !errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("failed to persist expiry: %w", err)
		}

		e.auditor.Record(ctx, audit.Event{
			Action:    "session_expired",
			SessionID: session.ID,
		})
		return nil, ErrSessionExpired
	}

	return session, nil
}

// logEvent logs a structured event in JSON format.
func (e *Engine) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "orchestrator"
	data["event_type"] = eventType
	data["instance"] = e.instanceName

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Orchestrator] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}
