package oauth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// consentTTL bounds how long a rendered consent screen stays valid.
const consentTTL = 5 * time.Minute

// PendingAuth carries a validated authorize request across the
// GET-authorize → POST-consent redirect hop. It travels as a short-lived
// HMAC-signed JWT so the authorize endpoint stays stateless.
type PendingAuth struct {
	ClientID      string    `json:"client_id"`
	UserID        uuid.UUID `json:"user_id"`
	ConnectionID  uuid.UUID `json:"connection_id"`
	RedirectURI   string    `json:"redirect_uri"`
	Scope         string    `json:"scope"`
	Resource      string    `json:"resource"`
	CodeChallenge string    `json:"code_challenge,omitempty"`
	State         string    `json:"state,omitempty"`
}

type pendingAuthClaims struct {
	jwt.RegisteredClaims
	PendingAuth
}

// ConsentSigner signs and verifies pending-authorization state.
type ConsentSigner struct {
	secret []byte
	issuer string
}

// NewConsentSigner creates a ConsentSigner keyed with the server's HMAC
// signing secret.
func NewConsentSigner(secret []byte, issuer string) *ConsentSigner {
	return &ConsentSigner{secret: secret, issuer: issuer}
}

// Sign wraps a pending authorization in an HS256 JWT.
func (s *ConsentSigner) Sign(p PendingAuth) (string, error) {
	now := time.Now().UTC()
	claims := pendingAuthClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   p.UserID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(consentTTL)),
			ID:        uuid.New().String(),
		},
		PendingAuth: p,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign consent state: %w", err)
	}
	return signed, nil
}

// Verify parses a consent token and returns the pending authorization.
func (s *ConsentSigner) Verify(tokenStr string) (*PendingAuth, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&pendingAuthClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify consent state: %w", err)
	}
	claims, ok := token.Claims.(*pendingAuthClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid consent claims")
	}
	return &claims.PendingAuth, nil
}
