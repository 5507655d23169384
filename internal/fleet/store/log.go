package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fleetbridge/fleetbridge/internal/fleet/model"
)

// InsertCommandLog appends one command audit row.
func (s *Store) InsertCommandLog(ctx context.Context, l *model.CommandLog) error {
	l.ID = uuid.New()
	l.CreatedAt = time.Now().UTC()
	_, err := s.db.Exec(ctx, `
		INSERT INTO command_logs (id, agent_id, connection_id, tool, duration_ms, success, error_code, ip, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		l.ID, l.AgentID, l.ConnectionID, l.Tool, l.DurationMs, l.Success,
		l.ErrorCode, l.IP, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert command log: %w", err)
	}
	return nil
}

// InsertMcpRequestLog appends one MCP request audit row.
func (s *Store) InsertMcpRequestLog(ctx context.Context, l *model.McpRequestLog) error {
	l.ID = uuid.New()
	l.CreatedAt = time.Now().UTC()
	_, err := s.db.Exec(ctx, `
		INSERT INTO mcp_request_logs (id, connection_id, method, tool, duration_ms, success, error_code, ip, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		l.ID, l.ConnectionID, l.Method, l.Tool, l.DurationMs, l.Success,
		l.ErrorCode, l.IP, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert mcp request log: %w", err)
	}
	return nil
}
