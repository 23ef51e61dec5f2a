// Package credentials mints the signed session credential handed back to a
// device after a successful recovery. Credentials are Ed25519-signed JWTs
// whose subject is the session ID and whose expiry is bounded by the
// session's own expiry.
//
// Issuing a new credential never revokes previously issued ones: multiple
// devices may hold independently valid credentials for the same session, and
// the session's expiry is the only upper bound on their lifetime.
package credentials

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Issuer signs and verifies session credentials.
type Issuer struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
	issuer  string
	now     func() time.Time
}

// NewIssuer builds an issuer from a 32-byte Ed25519 seed. The now function
// is injectable for tests; nil means time.Now.
func NewIssuer(seed []byte, issuer string, now func() time.Time) (*Issuer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	if issuer == "" {
		return nil, fmt.Errorf("issuer name cannot be empty")
	}
	if now == nil {
		now = time.Now
	}

	private := ed25519.NewKeyFromSeed(seed)
	return &Issuer{
		private: private,
		public:  private.Public().(ed25519.PublicKey),
		issuer:  issuer,
		now:     now,
	}, nil
}

// Issue mints a credential for a session, valid until expiresAt.
func (i *Issuer) Issue(sessionID string, expiresAt time.Time) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("session ID cannot be empty")
	}

	now := i.now()
	if !expiresAt.After(now) {
		return "", fmt.Errorf("credential expiry must be in the future")
	}

	claims := jwt.RegisteredClaims{
		Issuer:    i.issuer,
		Subject:   sessionID,
		ID:        uuid.New().String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(i.private)
	if err != nil {
		return "", fmt.Errorf("failed to sign credential: %w", err)
	}

	return signed, nil
}

// Verify checks a credential's signature, issuer, and expiry, returning the
// session ID it identifies.
func (i *Issuer) Verify(credential string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(credential, &claims,
		func(_ *jwt.Token) (any, error) { return i.public, nil },
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return "", fmt.Errorf("invalid credential: %w", err)
	}

	if claims.Subject == "" {
		return "", fmt.Errorf("invalid credential: missing subject")
	}

	return claims.Subject, nil
}
