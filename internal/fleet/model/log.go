package model

import (
	"time"

	"github.com/google/uuid"
)

// CommandLog records one command dispatched to an agent. Append-only; never
// carries tokens or credentials.
type CommandLog struct {
	ID           uuid.UUID  `json:"id"            db:"id"`
	AgentID      uuid.UUID  `json:"agent_id"      db:"agent_id"`
	ConnectionID *uuid.UUID `json:"connection_id,omitempty" db:"connection_id"`
	Tool         string     `json:"tool"          db:"tool"`
	DurationMs   int64      `json:"duration_ms"   db:"duration_ms"`
	Success      bool       `json:"success"       db:"success"`
	ErrorCode    string     `json:"error_code,omitempty" db:"error_code"`
	IP           string     `json:"ip"            db:"ip"`
	CreatedAt    time.Time  `json:"created_at"    db:"created_at"`
}

// McpRequestLog records one inbound JSON-RPC request on a tenant endpoint.
type McpRequestLog struct {
	ID           uuid.UUID `json:"id"           db:"id"`
	ConnectionID uuid.UUID `json:"connection_id" db:"connection_id"`
	Method       string    `json:"method"       db:"method"`
	Tool         string    `json:"tool,omitempty" db:"tool"`
	DurationMs   int64     `json:"duration_ms"  db:"duration_ms"`
	Success      bool      `json:"success"      db:"success"`
	ErrorCode    string    `json:"error_code,omitempty" db:"error_code"`
	IP           string    `json:"ip"           db:"ip"`
	CreatedAt    time.Time `json:"created_at"   db:"created_at"`
}
