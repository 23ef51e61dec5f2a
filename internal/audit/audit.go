// Package audit defines the audit trail contract for the intake engine.
//
// Hard contract: metadata must never contain raw intake values or contact
// identities - only existence flags, counts, and structural names (statuses,
// phases, fields). The orchestrator is the sole producer and is responsible
// for honoring this.
package audit

import (
	"context"
	"encoding/json"
	"log"
	"time"
)

// Event is one audited action against a session.
type Event struct {
	Action    string         `json:"action"`
	SessionID string         `json:"session_id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Sink consumes audit events. Implementations must be safe for concurrent
// use; recording is fire-and-forget from the engine's perspective.
type Sink interface {
	Record(ctx context.Context, event Event)
}

// LogSink writes audit events as structured JSON lines via the standard
// logger. It is the reference implementation used by the CLI and in tests.
type LogSink struct {
	instanceName string
}

// NewLogSink creates a log-backed audit sink.
func NewLogSink(instanceName string) *LogSink {
	return &LogSink{instanceName: instanceName}
}

// Record emits the event as a single JSON log line.
func (s *LogSink) Record(_ context.Context, event Event) {
	entry := map[string]any{
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"level":      "info",
		"component":  "audit",
		"instance":   s.instanceName,
		"action":     event.Action,
		"session_id": event.SessionID,
	}
	for k, v := range event.Metadata {
		entry[k] = v
	}

	jsonData, err := json.Marshal(entry)
	if err != nil {
		log.Printf("[Audit] Failed to marshal audit event: %v", err)
		return
	}

	log.Println(string(jsonData))
}

// NopSink discards events. Useful as a default in tests.
type NopSink struct{}

// Record discards the event.
func (NopSink) Record(context.Context, Event) {}
