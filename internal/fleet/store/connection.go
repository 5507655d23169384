package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fleetbridge/fleetbridge/internal/fleet/model"
)

const connectionColumns = `
	id, user_id, endpoint_uuid, name, status, request_count,
	last_used_at, created_at, updated_at`

// CreateConnection mints a new tenant MCP endpoint. The endpoint UUID is
// generated server-side and never reused.
func (s *Store) CreateConnection(ctx context.Context, userID uuid.UUID, name string) (*model.McpConnection, error) {
	now := time.Now().UTC()
	conn := &model.McpConnection{
		ID:           uuid.New(),
		UserID:       userID,
		EndpointUUID: uuid.New(),
		Name:         name,
		Status:       model.ConnectionActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO mcp_connections (id, user_id, endpoint_uuid, name, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		conn.ID, conn.UserID, conn.EndpointUUID, conn.Name, conn.Status,
		conn.CreatedAt, conn.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert connection: %w", err)
	}
	return conn, nil
}

// GetConnectionByEndpoint resolves the endpoint UUID used in /mcp/{uuid}.
func (s *Store) GetConnectionByEndpoint(ctx context.Context, endpointUUID uuid.UUID) (*model.McpConnection, error) {
	return s.scanOneConnection(ctx,
		`SELECT `+connectionColumns+` FROM mcp_connections WHERE endpoint_uuid = $1`,
		endpointUUID)
}

// GetConnection retrieves a connection by internal ID.
func (s *Store) GetConnection(ctx context.Context, id uuid.UUID) (*model.McpConnection, error) {
	return s.scanOneConnection(ctx,
		`SELECT `+connectionColumns+` FROM mcp_connections WHERE id = $1`, id)
}

// ListConnectionsByUser returns a user's endpoints, newest first.
func (s *Store) ListConnectionsByUser(ctx context.Context, userID uuid.UUID) ([]*model.McpConnection, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+connectionColumns+` FROM mcp_connections WHERE user_id = $1 ORDER BY created_at DESC`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conns []*model.McpConnection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, c)
	}
	return conns, rows.Err()
}

// UpdateConnectionStatus transitions an endpoint between active, paused, and
// revoked, scoped to the owning user.
func (s *Store) UpdateConnectionStatus(ctx context.Context, id, userID uuid.UUID, status model.ConnectionStatus) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE mcp_connections SET status = $3, updated_at = $4
		WHERE id = $1 AND user_id = $2`,
		id, userID, status, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchConnectionUsage bumps the request counter and last-used timestamp.
func (s *Store) TouchConnectionUsage(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec(ctx, `
		UPDATE mcp_connections SET request_count = request_count + 1, last_used_at = $2
		WHERE id = $1`,
		id, time.Now().UTC())
	return err
}

func (s *Store) scanOneConnection(ctx context.Context, query string, args ...any) (*model.McpConnection, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanConnection(rows)
}

func scanConnection(rows pgx.Rows) (*model.McpConnection, error) {
	var c model.McpConnection
	err := rows.Scan(
		&c.ID, &c.UserID, &c.EndpointUUID, &c.Name, &c.Status,
		&c.RequestCount, &c.LastUsedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
