package model

import (
	"time"

	"github.com/google/uuid"
)

// ConnectionStatus is the lifecycle state of a tenant MCP endpoint.
type ConnectionStatus string

const (
	ConnectionActive  ConnectionStatus = "active"
	ConnectionPaused  ConnectionStatus = "paused"
	ConnectionRevoked ConnectionStatus = "revoked"
)

// McpConnection is a tenant-facing logical MCP endpoint. The EndpointUUID is
// the sole tenant-visible URL path component and is never reused across users.
type McpConnection struct {
	ID           uuid.UUID        `json:"id"             db:"id"`
	UserID       uuid.UUID        `json:"user_id"        db:"user_id"`
	EndpointUUID uuid.UUID        `json:"endpoint_uuid"  db:"endpoint_uuid"`
	Name         string           `json:"name"           db:"name"`
	Status       ConnectionStatus `json:"status"         db:"status"`
	RequestCount int64            `json:"request_count"  db:"request_count"`
	LastUsedAt   *time.Time       `json:"last_used_at,omitempty" db:"last_used_at"`
	CreatedAt    time.Time        `json:"created_at"     db:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"     db:"updated_at"`
}

// EndpointURL builds the canonical URL for this connection under the issuer.
// Token audiences are compared against exactly this value.
func (c *McpConnection) EndpointURL(issuer string) string {
	return issuer + "/mcp/" + c.EndpointUUID.String()
}
