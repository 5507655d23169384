// Package oauth implements the OAuth 2.1 authorization server that MCP
// clients use to obtain audience-bound tokens for relay endpoints: dynamic
// client registration, the authorization-code grant with PKCE, refresh
// rotation, and revocation.
package oauth

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Token endpoint auth methods. Public clients (Claude et al.) register with
// "none" and must use PKCE; confidential clients authenticate with a secret.
const (
	AuthMethodNone             = "none"
	AuthMethodClientSecretPost = "client_secret_post"
)

// The closed scope set. Anything outside it is rejected at authorize time.
const (
	ScopeTools       = "mcp:tools"
	ScopeResources   = "mcp:resources"
	ScopePrompts     = "mcp:prompts"
	ScopeAgentsRead  = "mcp:agents:read"
	ScopeAgentsWrite = "mcp:agents:write"
)

// AllScopes enumerates every grantable scope.
var AllScopes = []string{ScopeTools, ScopeResources, ScopePrompts, ScopeAgentsRead, ScopeAgentsWrite}

// DefaultScopes is what a client gets when it asks for nothing specific.
var DefaultScopes = []string{ScopeTools, ScopeResources, ScopeAgentsRead}

// ValidScope reports whether every space-separated entry of scope is in the
// closed set.
func ValidScope(scope string) bool {
	for _, s := range strings.Fields(scope) {
		known := false
		for _, k := range AllScopes {
			if s == k {
				known = true
				break
			}
		}
		if !known {
			return false
		}
	}
	return true
}

// ScopeSubset reports whether every scope in sub also appears in super.
func ScopeSubset(sub, super string) bool {
	have := map[string]bool{}
	for _, s := range strings.Fields(super) {
		have[s] = true
	}
	for _, s := range strings.Fields(sub) {
		if !have[s] {
			return false
		}
	}
	return true
}

// Client is a dynamically registered OAuth client (RFC 7591).
type Client struct {
	ClientID         string    `json:"client_id"                    db:"client_id"`
	ClientSecretHash *string   `json:"-"                            db:"client_secret_hash"`
	ClientName       string    `json:"client_name"                  db:"client_name"`
	RedirectURIs     []string  `json:"redirect_uris"                db:"redirect_uris"`
	TokenAuthMethod  string    `json:"token_endpoint_auth_method"   db:"token_auth_method"`
	GrantTypes       []string  `json:"grant_types"                  db:"grant_types"`
	ResponseTypes    []string  `json:"response_types"               db:"response_types"`
	Scope            string    `json:"scope"                        db:"scope"`
	CreatedAt        time.Time `json:"-"                            db:"created_at"`
}

// Public reports whether the client authenticates without a secret.
func (c *Client) Public() bool { return c.TokenAuthMethod == AuthMethodNone }

// HasRedirectURI reports whether uri exactly matches a registered URI.
func (c *Client) HasRedirectURI(uri string) bool {
	for _, r := range c.RedirectURIs {
		if r == uri {
			return true
		}
	}
	return false
}

// AuthorizationCode is a single-use, short-lived artefact binding a pending
// authorization to everything the token endpoint must later verify. Only
// the hash of the code value is stored.
type AuthorizationCode struct {
	ID            uuid.UUID  `db:"id"`
	CodeHash      string     `db:"code_hash"`
	ClientID      string     `db:"client_id"`
	UserID        uuid.UUID  `db:"user_id"`
	ConnectionID  uuid.UUID  `db:"connection_id"`
	RedirectURI   string     `db:"redirect_uri"`
	Scope         string     `db:"scope"`
	Resource      string     `db:"resource"`
	CodeChallenge string     `db:"code_challenge"` // empty for confidential clients
	ExpiresAt     time.Time  `db:"expires_at"`
	UsedAt        *time.Time `db:"used_at"`
	CreatedAt     time.Time  `db:"created_at"`
}

// Token is an issued access/refresh token pair. Raw token values are never
// stored; the hashes are unique.
type Token struct {
	ID               uuid.UUID  `db:"id"`
	AccessTokenHash  string     `db:"access_token_hash"`
	RefreshTokenHash *string    `db:"refresh_token_hash"`
	CodeID           uuid.UUID  `db:"code_id"`
	ClientID         string     `db:"client_id"`
	UserID           uuid.UUID  `db:"user_id"`
	ConnectionID     uuid.UUID  `db:"connection_id"`
	Scope            string     `db:"scope"`
	Audience         string     `db:"audience"`
	AccessExpiresAt  time.Time  `db:"access_expires_at"`
	RefreshExpiresAt *time.Time `db:"refresh_expires_at"`
	RevokedAt        *time.Time `db:"revoked_at"`
	CreatedAt        time.Time  `db:"created_at"`
}

// Live reports whether the access token is usable at instant now.
func (t *Token) Live(now time.Time) bool {
	return t.RevokedAt == nil && now.Before(t.AccessExpiresAt)
}
