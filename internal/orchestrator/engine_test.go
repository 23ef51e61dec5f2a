package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/warren/internal/audit"
	"github.com/dyluth/warren/internal/credentials"
	"github.com/dyluth/warren/internal/notify"
	"github.com/dyluth/warren/internal/recovery"
	"github.com/dyluth/warren/internal/store"
	"github.com/dyluth/warren/pkg/intake"
)

// testClock is an injectable clock that only moves when told to.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// captureDispatcher records every dispatched message instead of delivering.
type captureDispatcher struct {
	mu       sync.Mutex
	messages []notify.RecoveryMessage
}

func (d *captureDispatcher) Send(_ context.Context, _ string, message notify.RecoveryMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messages = append(d.messages, message)
	return nil
}

func (d *captureDispatcher) last(t *testing.T) notify.RecoveryMessage {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.NotEmpty(t, d.messages, "expected at least one dispatched message")
	return d.messages[len(d.messages)-1]
}

func (d *captureDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.messages)
}

// captureSink records audit events for assertion.
type captureSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *captureSink) Record(_ context.Context, event audit.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *captureSink) byAction(action string) []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []audit.Event
	for _, event := range s.events {
		if event.Action == action {
			matched = append(matched, event)
		}
	}
	return matched
}

func engineTable(t *testing.T) *intake.PhaseTable {
	t.Helper()
	table, err := intake.NewPhaseTable("1.0", []intake.PhaseDefinition{
		{Name: "welcome", Baseline: 2 * time.Minute},
		{Name: "parent_info", Baseline: 10 * time.Minute, Fields: []intake.FieldSpec{
			{Name: "parent_name", Prompt: "What is your name?"},
			{Name: "parent_email", Prompt: "What is the best email to reach you?"},
		}},
		{Name: "child_info", Baseline: 8 * time.Minute, Fields: []intake.FieldSpec{
			{Name: "child_name", Prompt: "What is your child's name?"},
			{Name: "child_dob", Prompt: "What is your child's date of birth?"},
		}},
	})
	require.NoError(t, err)
	return table
}

type engineFixture struct {
	engine     *Engine
	clock      *testClock
	redis      *miniredis.Miniredis
	sessions   store.SessionStore
	issuer     *credentials.Issuer
	dispatcher *captureDispatcher
	auditor    *captureSink
}

func setupEngine(t *testing.T) *engineFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	ephemeral := store.NewRedisStore(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = ephemeral.Close() })

	sessions, err := store.OpenSQLite(filepath.Join(t.TempDir(), "warren.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sessions.Close() })

	recoverySvc, err := recovery.NewService(ephemeral, "test", recovery.Options{})
	require.NoError(t, err)

	clock := newTestClock()
	seed := make([]byte, 32)
	issuer, err := credentials.NewIssuer(seed, "warren-test", clock.Now)
	require.NoError(t, err)

	dispatcher := &captureDispatcher{}
	auditor := &captureSink{}

	engine, err := NewEngine(Config{
		Sessions:       sessions,
		Recovery:       recoverySvc,
		Issuer:         issuer,
		Dispatcher:     dispatcher,
		Auditor:        auditor,
		Table:          engineTable(t),
		InstanceName:   "test",
		ActivityWindow: 72 * time.Hour,
		Now:            clock.Now,
	})
	require.NoError(t, err)

	return &engineFixture{
		engine:     engine,
		clock:      clock,
		redis:      mr,
		sessions:   sessions,
		issuer:     issuer,
		dispatcher: dispatcher,
		auditor:    auditor,
	}
}

func submit(t *testing.T, f *engineFixture, sessionID string, field intake.FieldName) *FieldResult {
	t.Helper()
	result, err := f.engine.SubmitField(context.Background(), sessionID, intake.Extraction{
		Field:      field,
		Confidence: 0.9,
	})
	require.NoError(t, err)
	return result
}

func TestStartSession(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	session, err := f.engine.StartSession(ctx, "parent@example.com")
	require.NoError(t, err)

	assert.Equal(t, intake.StatusStarted, session.Status)
	assert.Equal(t, "parent@example.com", session.ContactIdentity)
	// welcome has no required fields, so collection starts at parent_info.
	assert.Equal(t, intake.PhaseName("parent_info"), session.Progress.CurrentPhase)
	assert.Equal(t, f.clock.Now().Add(72*time.Hour), session.ExpiresAt)

	stored, err := f.sessions.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.ID, stored.ID)
}

func TestSubmitField(t *testing.T) {
	t.Run("first field moves the session to in_progress", func(t *testing.T) {
		f := setupEngine(t)
		session, err := f.engine.StartSession(context.Background(), "")
		require.NoError(t, err)

		result := submit(t, f, session.ID, "parent_name")
		assert.Equal(t, intake.StatusInProgress, result.Session.Status)
		assert.Equal(t, 25, result.Progress.Percentage)
		assert.False(t, result.PhaseComplete)
		require.NotNil(t, result.NextQuestion)
		assert.Equal(t, intake.FieldName("parent_email"), result.NextQuestion.Field)
	})

	t.Run("completing a phase reports it and advances the question", func(t *testing.T) {
		f := setupEngine(t)
		session, err := f.engine.StartSession(context.Background(), "")
		require.NoError(t, err)

		submit(t, f, session.ID, "parent_name")
		f.clock.Advance(5 * time.Minute)
		result := submit(t, f, session.ID, "parent_email")

		assert.True(t, result.PhaseComplete)
		assert.Equal(t, intake.PhaseName("parent_info"), result.CompletedPhase)
		assert.Equal(t, 50, result.Progress.Percentage)
		require.NotNil(t, result.NextQuestion)
		assert.Equal(t, intake.PhaseName("child_info"), result.NextQuestion.Phase)
		assert.Equal(t, intake.FieldName("child_name"), result.NextQuestion.Field)

		timing := result.Session.Progress.PhaseTimings["parent_info"]
		assert.False(t, timing.StartedAt.IsZero())
		assert.False(t, timing.CompletedAt.IsZero())
		assert.Equal(t, 5*time.Minute, timing.CompletedAt.Sub(timing.StartedAt))
	})

	t.Run("percentage never decreases across submissions", func(t *testing.T) {
		f := setupEngine(t)
		ctx := context.Background()
		session, err := f.engine.StartSession(ctx, "")
		require.NoError(t, err)

		last := 0
		for _, field := range []intake.FieldName{"parent_name", "parent_email", "child_name", "child_dob"} {
			result := submit(t, f, session.ID, field)
			assert.GreaterOrEqual(t, result.Progress.Percentage, last)
			last = result.Progress.Percentage
		}
		assert.Equal(t, 100, last)

		// The high-water mark survives re-reads of the persisted session.
		_, progress, err := f.engine.Progress(ctx, session.ID)
		require.NoError(t, err)
		assert.Equal(t, 100, progress.Percentage)
	})

	t.Run("resubmitting a field is idempotent", func(t *testing.T) {
		f := setupEngine(t)
		session, err := f.engine.StartSession(context.Background(), "")
		require.NoError(t, err)

		first := submit(t, f, session.ID, "parent_name")
		again := submit(t, f, session.ID, "parent_name")

		assert.Equal(t, first.Progress.Percentage, again.Progress.Percentage)
		assert.Len(t, again.Session.Progress.CompletedFields, 1)
	})

	t.Run("clarification re-asks without recording", func(t *testing.T) {
		f := setupEngine(t)
		ctx := context.Background()
		session, err := f.engine.StartSession(ctx, "")
		require.NoError(t, err)

		result, err := f.engine.SubmitField(ctx, session.ID, intake.Extraction{
			Field:              "parent_name",
			NeedsClarification: true,
		})
		require.NoError(t, err)

		assert.True(t, result.NeedsClarification)
		require.NotNil(t, result.NextQuestion)
		assert.Equal(t, intake.FieldName("parent_name"), result.NextQuestion.Field)
		assert.Equal(t, "What is your name?", result.NextQuestion.Prompt)

		stored, err := f.sessions.Get(ctx, session.ID)
		require.NoError(t, err)
		assert.Equal(t, intake.StatusStarted, stored.Status)
		assert.Empty(t, stored.Progress.CompletedFields)
	})

	t.Run("unknown field is rejected", func(t *testing.T) {
		f := setupEngine(t)
		session, err := f.engine.StartSession(context.Background(), "")
		require.NoError(t, err)

		_, err = f.engine.SubmitField(context.Background(), session.ID, intake.Extraction{
			Field:      "favourite_colour",
			Confidence: 1.0,
		})
		assert.Error(t, err)
	})

	t.Run("submitted session accepts no more fields", func(t *testing.T) {
		f := setupEngine(t)
		ctx := context.Background()
		session, err := f.engine.StartSession(ctx, "")
		require.NoError(t, err)

		loadedAt := session.UpdatedAt
		for _, status := range []intake.SessionStatus{
			intake.StatusInProgress, intake.StatusInsurancePending,
			intake.StatusAssessmentComplete, intake.StatusSubmitted,
		} {
			require.NoError(t, intake.Transition(session, status, f.clock.Now(), 72*time.Hour))
		}
		require.NoError(t, f.sessions.Update(ctx, session, loadedAt))

		_, err = f.engine.SubmitField(ctx, session.ID, intake.Extraction{Field: "parent_name", Confidence: 1.0})
		assert.ErrorIs(t, err, ErrSessionClosed)

		// The clarification path honors the same closure.
		_, err = f.engine.SubmitField(ctx, session.ID, intake.Extraction{
			Field:              "parent_name",
			NeedsClarification: true,
		})
		assert.ErrorIs(t, err, ErrSessionClosed)
	})
}

func TestExpiryOnRead(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	session, err := f.engine.StartSession(ctx, "parent@example.com")
	require.NoError(t, err)
	deadline := session.ExpiresAt

	f.clock.Advance(73 * time.Hour)

	_, err = f.engine.SubmitField(ctx, session.ID, intake.Extraction{Field: "parent_name", Confidence: 1.0})
	assert.ErrorIs(t, err, ErrSessionExpired)

	stored, err := f.sessions.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, intake.StatusExpired, stored.Status)
	// Expiring is not activity: the original deadline stands.
	assert.Equal(t, deadline, stored.ExpiresAt)

	// All subsequent events see the same rejection.
	err = f.engine.RequestRecovery(ctx, session.ID)
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestRequestRecovery(t *testing.T) {
	t.Run("dispatches a token and extends the session", func(t *testing.T) {
		f := setupEngine(t)
		ctx := context.Background()

		session, err := f.engine.StartSession(ctx, "parent@example.com")
		require.NoError(t, err)

		f.clock.Advance(time.Hour)
		require.NoError(t, f.engine.RequestRecovery(ctx, session.ID))

		message := f.dispatcher.last(t)
		assert.Equal(t, "recovery", message.Kind)
		assert.Len(t, message.Token, 64)

		stored, err := f.sessions.Get(ctx, session.ID)
		require.NoError(t, err)
		assert.Equal(t, f.clock.Now().Add(72*time.Hour), stored.ExpiresAt)
	})

	t.Run("requires a contact identity", func(t *testing.T) {
		f := setupEngine(t)
		ctx := context.Background()

		session, err := f.engine.StartSession(ctx, "")
		require.NoError(t, err)

		err = f.engine.RequestRecovery(ctx, session.ID)
		assert.ErrorIs(t, err, ErrNoContactIdentity)
		assert.Zero(t, f.dispatcher.count())
	})

	t.Run("rate limits the fourth request in a window", func(t *testing.T) {
		f := setupEngine(t)
		ctx := context.Background()

		session, err := f.engine.StartSession(ctx, "parent@example.com")
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			require.NoError(t, f.engine.RequestRecovery(ctx, session.ID))
		}
		assert.Equal(t, 3, f.dispatcher.count())

		err = f.engine.RequestRecovery(ctx, session.ID)
		var rateLimited *recovery.RateLimitedError
		require.ErrorAs(t, err, &rateLimited)
		assert.Greater(t, rateLimited.RetryAfter, time.Duration(0))
		// No token was dispatched for the rejected request.
		assert.Equal(t, 3, f.dispatcher.count())

		rejected := f.auditor.byAction("recovery_rejected")
		require.Len(t, rejected, 1)
		assert.Equal(t, true, rejected[0].Metadata["rate_limited"])
	})

	t.Run("store outage is not audited as a rejection", func(t *testing.T) {
		f := setupEngine(t)
		ctx := context.Background()

		session, err := f.engine.StartSession(ctx, "parent@example.com")
		require.NoError(t, err)

		f.redis.SetError("store is down")
		defer f.redis.SetError("")

		err = f.engine.RequestRecovery(ctx, session.ID)
		require.Error(t, err)

		var rateLimited *recovery.RateLimitedError
		assert.False(t, errors.As(err, &rateLimited))
		assert.Empty(t, f.auditor.byAction("recovery_rejected"))
		assert.Zero(t, f.dispatcher.count())
	})
}

func TestResume(t *testing.T) {
	t.Run("token round trip issues a verifiable credential", func(t *testing.T) {
		f := setupEngine(t)
		ctx := context.Background()

		session, err := f.engine.StartSession(ctx, "parent@example.com")
		require.NoError(t, err)
		submit(t, f, session.ID, "parent_name")

		require.NoError(t, f.engine.RequestRecovery(ctx, session.ID))
		token := f.dispatcher.last(t).Token

		result, err := f.engine.Resume(ctx, token)
		require.NoError(t, err)

		assert.Equal(t, session.ID, result.Session.ID)
		assert.Equal(t, 25, result.Progress.Percentage)

		subject, err := f.issuer.Verify(result.Credential)
		require.NoError(t, err)
		assert.Equal(t, session.ID, subject)
	})

	t.Run("a token works exactly once", func(t *testing.T) {
		f := setupEngine(t)
		ctx := context.Background()

		session, err := f.engine.StartSession(ctx, "parent@example.com")
		require.NoError(t, err)
		require.NoError(t, f.engine.RequestRecovery(ctx, session.ID))
		token := f.dispatcher.last(t).Token

		_, err = f.engine.Resume(ctx, token)
		require.NoError(t, err)

		_, err = f.engine.Resume(ctx, token)
		assert.ErrorIs(t, err, recovery.ErrTokenInvalid)
	})

	t.Run("expired token is rejected", func(t *testing.T) {
		f := setupEngine(t)
		ctx := context.Background()

		session, err := f.engine.StartSession(ctx, "parent@example.com")
		require.NoError(t, err)
		require.NoError(t, f.engine.RequestRecovery(ctx, session.ID))
		token := f.dispatcher.last(t).Token

		f.redis.FastForward(16 * time.Minute)

		_, err = f.engine.Resume(ctx, token)
		assert.ErrorIs(t, err, recovery.ErrTokenInvalid)
	})

	t.Run("garbage token is rejected", func(t *testing.T) {
		f := setupEngine(t)
		_, err := f.engine.Resume(context.Background(), "not-a-token")
		assert.ErrorIs(t, err, recovery.ErrTokenInvalid)
	})
}

func TestAbandon(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	session, err := f.engine.StartSession(ctx, "parent@example.com")
	require.NoError(t, err)

	abandoned, err := f.engine.Abandon(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, intake.StatusAbandoned, abandoned.Status)

	// Repeating the request is a no-op success.
	again, err := f.engine.Abandon(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, intake.StatusAbandoned, again.Status)

	// The session is closed to everything else.
	_, err = f.engine.SubmitField(ctx, session.ID, intake.Extraction{Field: "parent_name", Confidence: 1.0})
	assert.ErrorIs(t, err, ErrSessionClosed)

	err = f.engine.RequestRecovery(ctx, session.ID)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

// flakyStore injects write conflicts for the first failUpdates calls to
// Update, then delegates to the real store.
type flakyStore struct {
	store.SessionStore
	mu          sync.Mutex
	failUpdates int
}

func (s *flakyStore) Update(ctx context.Context, session *intake.Session, expectedUpdatedAt time.Time) error {
	s.mu.Lock()
	if s.failUpdates > 0 {
		s.failUpdates--
		s.mu.Unlock()
		return store.ErrConflict
	}
	s.mu.Unlock()
	return s.SessionStore.Update(ctx, session, expectedUpdatedAt)
}

func TestConflictRetry(t *testing.T) {
	newFlakyEngine := func(t *testing.T, failUpdates int) (*Engine, *flakyStore) {
		t.Helper()
		f := setupEngine(t)
		flaky := &flakyStore{SessionStore: f.sessions, failUpdates: failUpdates}

		mr := miniredis.RunT(t)
		ephemeral := store.NewRedisStore(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = ephemeral.Close() })
		recoverySvc, err := recovery.NewService(ephemeral, "test", recovery.Options{})
		require.NoError(t, err)

		engine, err := NewEngine(Config{
			Sessions:        flaky,
			Recovery:        recoverySvc,
			Issuer:          f.issuer,
			Dispatcher:      f.dispatcher,
			Table:           engineTable(t),
			ConflictRetries: 3,
			Now:             f.clock.Now,
		})
		require.NoError(t, err)
		return engine, flaky
	}

	t.Run("recovers from transient conflicts", func(t *testing.T) {
		engine, _ := newFlakyEngine(t, 2)
		ctx := context.Background()

		session, err := engine.StartSession(ctx, "")
		require.NoError(t, err)

		result, err := engine.SubmitField(ctx, session.ID, intake.Extraction{Field: "parent_name", Confidence: 1.0})
		require.NoError(t, err)
		assert.Equal(t, 25, result.Progress.Percentage)
	})

	t.Run("surfaces ErrTransient after exhausting attempts", func(t *testing.T) {
		engine, _ := newFlakyEngine(t, 5)
		ctx := context.Background()

		session, err := engine.StartSession(ctx, "")
		require.NoError(t, err)

		_, err = engine.SubmitField(ctx, session.ID, intake.Extraction{Field: "parent_name", Confidence: 1.0})
		assert.ErrorIs(t, err, ErrTransient)
	})

	t.Run("non-conflict errors stop immediately", func(t *testing.T) {
		engine, _ := newFlakyEngine(t, 0)
		ctx := context.Background()

		_, err := engine.SubmitField(ctx, "00000000-0000-0000-0000-000000000000", intake.Extraction{Field: "parent_name", Confidence: 1.0})
		assert.ErrorIs(t, err, store.ErrNotFound)
		assert.NotErrorIs(t, err, ErrTransient)
	})
}
