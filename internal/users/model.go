// Package users manages portal accounts: signup, login, email
// verification, social login, and the session tokens that back the
// dashboard and the OAuth authorize endpoint.
package users

import (
	"time"

	"github.com/google/uuid"
)

// User is one portal account holder. A user owns agents (through a
// customer/tenant id) and MCP connections.
type User struct {
	ID            uuid.UUID `json:"id"             db:"id"`
	Email         string    `json:"email"          db:"email"`
	PasswordHash  string    `json:"-"              db:"password_hash"`
	DisplayName   string    `json:"display_name"   db:"display_name"`
	CustomerID    uuid.UUID `json:"customer_id"    db:"customer_id"`
	EmailVerified bool      `json:"email_verified" db:"email_verified"`
	Timezone      string    `json:"timezone"       db:"timezone"`
	CreatedAt     time.Time `json:"created_at"     db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"     db:"updated_at"`
}

// OAuthAccount links a user to a social-login provider identity.
type OAuthAccount struct {
	ID         uuid.UUID `json:"id"          db:"id"`
	UserID     uuid.UUID `json:"user_id"     db:"user_id"`
	Provider   string    `json:"provider"    db:"provider"`
	ProviderID string    `json:"provider_id" db:"provider_id"`
	CreatedAt  time.Time `json:"created_at"  db:"created_at"`
}
