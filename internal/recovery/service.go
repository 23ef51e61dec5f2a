// Package recovery implements the one-time-use, rate-limited credential
// protocol that re-attaches a new device to an existing session.
//
// Tokens live only in the ephemeral store under a fixed TTL and are consumed
// with an atomic read-and-delete; there is no window in which a token is both
// present and already used. Rate limiting is per normalized identity within
// a rolling window.
package recovery

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dyluth/warren/internal/store"
)

// ErrTokenInvalid is returned when a presented token is absent, expired, or
// already consumed. The three causes are indistinguishable to the caller by
// design - no information leaks about which.
var ErrTokenInvalid = errors.New("recovery: token invalid")

// RateLimitedError reports a recovery request over quota, with a hint for
// when the window reopens.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("recovery: rate limited, retry after %s", e.RetryAfter.Round(time.Second))
}

// tokenBytes is the entropy of a recovery token: 32 bytes = 256 bits,
// hex-encoded to 64 characters.
const tokenBytes = 32

// Options configures the policy knobs of the service. Zero values fall back
// to the stock policy (15-minute tokens, 3 requests per rolling hour).
type Options struct {
	TokenTTL   time.Duration
	RateLimit  int64
	RateWindow time.Duration
}

// Service issues, stores, and atomically consumes recovery tokens, and
// enforces the per-identity request quota. The ephemeral store is an
// explicit dependency so tests can substitute an in-memory fake.
type Service struct {
	ephemeral    store.EphemeralStore
	instanceName string
	tokenTTL     time.Duration
	rateLimit    int64
	rateWindow   time.Duration
}

// NewService creates a recovery credential service.
func NewService(ephemeral store.EphemeralStore, instanceName string, opts Options) (*Service, error) {
	if ephemeral == nil {
		return nil, fmt.Errorf("ephemeral store is required")
	}
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}

	if opts.TokenTTL == 0 {
		opts.TokenTTL = 15 * time.Minute
	}
	if opts.RateLimit == 0 {
		opts.RateLimit = 3
	}
	if opts.RateWindow == 0 {
		opts.RateWindow = time.Hour
	}

	return &Service{
		ephemeral:    ephemeral,
		instanceName: instanceName,
		tokenTTL:     opts.TokenTTL,
		rateLimit:    opts.RateLimit,
		rateWindow:   opts.RateWindow,
	}, nil
}

// TokenTTL returns the lifetime applied to issued tokens.
func (s *Service) TokenTTL() time.Duration {
	return s.tokenTTL
}

// NormalizeIdentity canonicalizes a contact identity for rate limiting.
// Case-insensitive so quota cannot be bypassed with case variation.
func NormalizeIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

// RequestRecovery accounts one recovery request against the identity's
// quota. If the post-increment count exceeds the limit it returns
// *RateLimitedError and no token must be issued. It does not itself issue
// anything - callers follow up with IssueToken on success.
func (s *Service) RequestRecovery(ctx context.Context, identity string) error {
	normalized := NormalizeIdentity(identity)
	if normalized == "" {
		return fmt.Errorf("identity cannot be empty")
	}

	key := store.RecoveryRateKey(s.instanceName, normalized)
	count, err := s.ephemeral.Increment(ctx, key, s.rateWindow)
	if err != nil {
		return fmt.Errorf("failed to account recovery request: %w", err)
	}

	if count > s.rateLimit {
		retryAfter, ttlErr := s.ephemeral.TTL(ctx, key)
		if ttlErr != nil || retryAfter == 0 {
			retryAfter = s.rateWindow
		}
		return &RateLimitedError{RetryAfter: retryAfter}
	}

	return nil
}

// IssueToken generates a cryptographically random token bound to the session
// and stores it under the token TTL. Rate limits are the caller's concern:
// RequestRecovery must have succeeded first.
func (s *Service) IssueToken(ctx context.Context, sessionID string) (string, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	token := hex.EncodeToString(raw)

	key := store.RecoveryTokenKey(s.instanceName, token)
	if err := s.ephemeral.SetWithTTL(ctx, key, sessionID, s.tokenTTL); err != nil {
		return "", fmt.Errorf("failed to store token: %w", err)
	}

	return token, nil
}

// ConsumeToken validates a token and destroys it in the same atomic
// operation, returning the session it was bound to. Exactly one of any
// number of concurrent calls for the same token can succeed; the rest see
// ErrTokenInvalid.
func (s *Service) ConsumeToken(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrTokenInvalid
	}

	key := store.RecoveryTokenKey(s.instanceName, token)
	sessionID, err := s.ephemeral.GetAndDelete(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrTokenInvalid
	}
	if err != nil {
		return "", fmt.Errorf("failed to consume token: %w", err)
	}

	return sessionID, nil
}
