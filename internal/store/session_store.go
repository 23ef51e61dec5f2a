package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dyluth/warren/pkg/intake"
	_ "modernc.org/sqlite"
)

// ErrConflict is returned when an optimistic-concurrency write loses to a
// concurrent writer. Callers retry the read-modify-write cycle a bounded
// number of times before surfacing failure.
var ErrConflict = errors.New("store: concurrent write conflict")

// SessionStore is the durable record contract for sessions. Updates use
// compare-and-swap on the session's previous UpdatedAt so concurrent writers
// never silently drop each other's changes to the invariant fields.
type SessionStore interface {
	// Create inserts a new session. Fails if the ID already exists.
	Create(ctx context.Context, s *intake.Session) error

	// Get loads a session by ID. Returns ErrNotFound if absent.
	Get(ctx context.Context, sessionID string) (*intake.Session, error)

	// Update writes a mutated session, succeeding only if the stored
	// UpdatedAt still equals expectedUpdatedAt. Returns ErrConflict on a
	// lost race and ErrNotFound if the session no longer exists.
	Update(ctx context.Context, s *intake.Session, expectedUpdatedAt time.Time) error
}

const sessionsSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id               TEXT PRIMARY KEY,
	status           TEXT NOT NULL,
	contact_identity TEXT NOT NULL DEFAULT '',
	progress         TEXT NOT NULL,
	created_at_ms    INTEGER NOT NULL,
	updated_at_ms    INTEGER NOT NULL,
	expires_at_ms    INTEGER NOT NULL
);
`

// SQLiteStore implements SessionStore over a single SQLite file.
// The progress snapshot is stored as a JSON column; the scalar invariant
// fields (status, timestamps) are first-class columns so the CAS predicate
// and expiry queries stay in SQL.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and if necessary initializes) a session store at path.
// WAL mode and a busy timeout keep concurrent request handlers from tripping
// over SQLite's single-writer lock.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("session store path is required")
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping sqlite db: %w", err)
	}

	if _, err := db.Exec(sessionsSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database. Implements io.Closer.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Create inserts a new session row.
func (s *SQLiteStore) Create(ctx context.Context, session *intake.Session) error {
	if err := session.Validate(); err != nil {
		return fmt.Errorf("invalid session: %w", err)
	}

	progress, err := json.Marshal(session.Progress)
	if err != nil {
		return fmt.Errorf("failed to serialize progress snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, status, contact_identity, progress, created_at_ms, updated_at_ms, expires_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		session.ID,
		string(session.Status),
		session.ContactIdentity,
		string(progress),
		toMillis(session.CreatedAt),
		toMillis(session.UpdatedAt),
		toMillis(session.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}

	return nil
}

// Get loads a session by ID.
func (s *SQLiteStore) Get(ctx context.Context, sessionID string) (*intake.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, contact_identity, progress, created_at_ms, updated_at_ms, expires_at_ms
		 FROM sessions WHERE id = ?`, sessionID)

	var (
		session   intake.Session
		status    string
		progress  string
		createdMs int64
		updatedMs int64
		expiresMs int64
	)
	err := row.Scan(&session.ID, &status, &session.ContactIdentity, &progress, &createdMs, &updatedMs, &expiresMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	session.Status = intake.SessionStatus(status)
	session.CreatedAt = fromMillis(createdMs)
	session.UpdatedAt = fromMillis(updatedMs)
	session.ExpiresAt = fromMillis(expiresMs)

	if err := json.Unmarshal([]byte(progress), &session.Progress); err != nil {
		return nil, fmt.Errorf("failed to deserialize progress snapshot: %w", err)
	}

	return &session, nil
}

// Update writes a mutated session using compare-and-swap on updated_at_ms.
// Zero rows affected means either a lost race or a vanished row; the two are
// disambiguated with a follow-up existence check so callers get the right
// sentinel.
func (s *SQLiteStore) Update(ctx context.Context, session *intake.Session, expectedUpdatedAt time.Time) error {
	if err := session.Validate(); err != nil {
		return fmt.Errorf("invalid session: %w", err)
	}

	progress, err := json.Marshal(session.Progress)
	if err != nil {
		return fmt.Errorf("failed to serialize progress snapshot: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions
		 SET status = ?, contact_identity = ?, progress = ?, updated_at_ms = ?, expires_at_ms = ?
		 WHERE id = ? AND updated_at_ms = ?`,
		string(session.Status),
		session.ContactIdentity,
		string(progress),
		toMillis(session.UpdatedAt),
		toMillis(session.ExpiresAt),
		session.ID,
		toMillis(expectedUpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if affected > 0 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE id = ?`, session.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check session existence: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrConflict
}

// ListFilter narrows a session listing. Zero values mean no constraint.
type ListFilter struct {
	Status       intake.SessionStatus
	CreatedSince time.Time
	CreatedUntil time.Time
}

// List returns sessions matching the filter, newest first. Listing is an
// operator concern and deliberately not part of the SessionStore contract the
// engine consumes.
func (s *SQLiteStore) List(ctx context.Context, filter ListFilter) ([]*intake.Session, error) {
	query := `SELECT id, status, contact_identity, progress, created_at_ms, updated_at_ms, expires_at_ms
	 FROM sessions`
	var conditions []string
	var args []any

	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if !filter.CreatedSince.IsZero() {
		conditions = append(conditions, "created_at_ms >= ?")
		args = append(args, toMillis(filter.CreatedSince))
	}
	if !filter.CreatedUntil.IsZero() {
		conditions = append(conditions, "created_at_ms < ?")
		args = append(args, toMillis(filter.CreatedUntil))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at_ms DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*intake.Session
	for rows.Next() {
		var (
			session   intake.Session
			status    string
			progress  string
			createdMs int64
			updatedMs int64
			expiresMs int64
		)
		if err := rows.Scan(&session.ID, &status, &session.ContactIdentity, &progress,
			&createdMs, &updatedMs, &expiresMs); err != nil {
			return nil, fmt.Errorf("failed to read session row: %w", err)
		}

		session.Status = intake.SessionStatus(status)
		session.CreatedAt = fromMillis(createdMs)
		session.UpdatedAt = fromMillis(updatedMs)
		session.ExpiresAt = fromMillis(expiresMs)
		if err := json.Unmarshal([]byte(progress), &session.Progress); err != nil {
			return nil, fmt.Errorf("failed to deserialize progress snapshot: %w", err)
		}

		sessions = append(sessions, &session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}

	return sessions, nil
}

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}
