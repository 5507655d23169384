package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
)

// S256Challenge derives the PKCE code challenge from a verifier:
// BASE64URL(SHA256(verifier)), no padding.
func S256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// VerifyS256 compares a verifier against a stored challenge in constant
// time.
func VerifyS256(verifier, challenge string) bool {
	derived := S256Challenge(verifier)
	return subtle.ConstantTimeCompare([]byte(derived), []byte(challenge)) == 1
}

// hashSecret is the storage form of opaque credentials: hex SHA-256.
// Tokens and codes are high-entropy random values, so a fast hash is the
// right tool; bcrypt stays reserved for user-chosen passwords and client
// secrets.
func hashSecret(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// newOpaqueToken returns a 256-bit random value in unpadded base64url.
func newOpaqueToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
