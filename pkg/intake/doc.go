// Package intake provides the type-safe domain model for the Warren session
// lifecycle engine: sessions, their progress snapshots, the ordered phase
// table that drives the intake conversation, and the pure computations over
// them (status transitions, progress/percentage, pending questions).
//
// Everything in this package is free of I/O. Persistence of sessions lives in
// internal/store, recovery credentials in internal/recovery, and the
// event-level composition in internal/orchestrator. Keeping the domain pure
// makes the core invariants (monotonic percentage, forward-only status,
// idempotent field recording) testable without a store behind them.
//
// Concurrency model: values in this package are plain data. A Session is
// owned by a single request between a store read and the corresponding
// write; cross-request safety comes from the store's compare-and-swap, not
// from locking here.
package intake
