package oauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a client, code, or token does not exist.
var ErrNotFound = errors.New("oauth: not found")

// Store persists OAuth clients, authorization codes, and tokens.
type Store struct {
	db *pgxpool.Pool
}

// NewStore creates a Store on an existing pool.
func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// ── Clients ──────────────────────────────────────────────────────────────

const clientColumns = `client_id, client_secret_hash, client_name, redirect_uris,
	token_auth_method, grant_types, response_types, scope, created_at`

// CreateClient inserts a dynamically registered client.
func (s *Store) CreateClient(ctx context.Context, c *Client) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO oauth_clients (client_id, client_secret_hash, client_name,
			redirect_uris, token_auth_method, grant_types, response_types, scope)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ClientID, c.ClientSecretHash, c.ClientName, c.RedirectURIs,
		c.TokenAuthMethod, c.GrantTypes, c.ResponseTypes, c.Scope)
	if err != nil {
		return fmt.Errorf("insert oauth client: %w", err)
	}
	return nil
}

// GetClient loads a client by its public ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*Client, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+clientColumns+` FROM oauth_clients WHERE client_id = $1`, clientID)
	var c Client
	err := row.Scan(&c.ClientID, &c.ClientSecretHash, &c.ClientName, &c.RedirectURIs,
		&c.TokenAuthMethod, &c.GrantTypes, &c.ResponseTypes, &c.Scope, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select oauth client: %w", err)
	}
	return &c, nil
}

// ── Authorization codes ──────────────────────────────────────────────────

const codeColumns = `id, code_hash, client_id, user_id, connection_id, redirect_uri,
	scope, resource, code_challenge, expires_at, used_at, created_at`

// CreateCode inserts a freshly minted authorization code record.
func (s *Store) CreateCode(ctx context.Context, c *AuthorizationCode) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO oauth_codes (id, code_hash, client_id, user_id, connection_id,
			redirect_uri, scope, resource, code_challenge, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, c.CodeHash, c.ClientID, c.UserID, c.ConnectionID,
		c.RedirectURI, c.Scope, c.Resource, c.CodeChallenge, c.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert oauth code: %w", err)
	}
	return nil
}

// GetCodeByHash loads a code record by its stored hash.
func (s *Store) GetCodeByHash(ctx context.Context, codeHash string) (*AuthorizationCode, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+codeColumns+` FROM oauth_codes WHERE code_hash = $1`, codeHash)
	c, err := scanCode(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// ConsumeCode flips used_at exactly once. The return value reports whether
// this call won the race; a false return means the code was already spent.
func (s *Store) ConsumeCode(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE oauth_codes SET used_at = now() WHERE id = $1 AND used_at IS NULL`, id)
	if err != nil {
		return false, fmt.Errorf("consume oauth code: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanCode(row pgx.Row) (*AuthorizationCode, error) {
	var c AuthorizationCode
	err := row.Scan(&c.ID, &c.CodeHash, &c.ClientID, &c.UserID, &c.ConnectionID,
		&c.RedirectURI, &c.Scope, &c.Resource, &c.CodeChallenge,
		&c.ExpiresAt, &c.UsedAt, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ── Tokens ───────────────────────────────────────────────────────────────

const tokenColumns = `id, access_token_hash, refresh_token_hash, code_id, client_id,
	user_id, connection_id, scope, audience, access_expires_at, refresh_expires_at,
	revoked_at, created_at`

// CreateToken inserts an access/refresh pair.
func (s *Store) CreateToken(ctx context.Context, t *Token) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO oauth_tokens (id, access_token_hash, refresh_token_hash, code_id,
			client_id, user_id, connection_id, scope, audience,
			access_expires_at, refresh_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.AccessTokenHash, t.RefreshTokenHash, t.CodeID,
		t.ClientID, t.UserID, t.ConnectionID, t.Scope, t.Audience,
		t.AccessExpiresAt, t.RefreshExpiresAt)
	if err != nil {
		return fmt.Errorf("insert oauth token: %w", err)
	}
	return nil
}

// GetTokenByAccessHash loads a token by its access-token hash.
func (s *Store) GetTokenByAccessHash(ctx context.Context, hash string) (*Token, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM oauth_tokens WHERE access_token_hash = $1`, hash)
	t, err := scanToken(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// GetTokenByRefreshHash loads a token by its refresh-token hash.
func (s *Store) GetTokenByRefreshHash(ctx context.Context, hash string) (*Token, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM oauth_tokens WHERE refresh_token_hash = $1`, hash)
	t, err := scanToken(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// RotateRefreshToken revokes the old token and inserts its successor in one
// transaction. It fails when the old token was already revoked, so two
// racing refreshes cannot both succeed.
func (s *Store) RotateRefreshToken(ctx context.Context, oldID uuid.UUID, next *Token) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin rotation: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE oauth_tokens SET revoked_at = now() WHERE id = $1 AND revoked_at IS NULL`, oldID)
	if err != nil {
		return fmt.Errorf("revoke predecessor: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrNotFound
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO oauth_tokens (id, access_token_hash, refresh_token_hash, code_id,
			client_id, user_id, connection_id, scope, audience,
			access_expires_at, refresh_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		next.ID, next.AccessTokenHash, next.RefreshTokenHash, next.CodeID,
		next.ClientID, next.UserID, next.ConnectionID, next.Scope, next.Audience,
		next.AccessExpiresAt, next.RefreshExpiresAt)
	if err != nil {
		return fmt.Errorf("insert successor: %w", err)
	}
	return tx.Commit(ctx)
}

// RevokeToken marks one token revoked. Already-revoked tokens are a no-op.
func (s *Store) RevokeToken(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec(ctx,
		`UPDATE oauth_tokens SET revoked_at = now() WHERE id = $1 AND revoked_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke oauth token: %w", err)
	}
	return nil
}

// RevokeTokensByCode revokes every token minted from a given code. Used
// when a spent code is replayed.
func (s *Store) RevokeTokensByCode(ctx context.Context, codeID uuid.UUID) error {
	_, err := s.db.Exec(ctx,
		`UPDATE oauth_tokens SET revoked_at = now() WHERE code_id = $1 AND revoked_at IS NULL`, codeID)
	if err != nil {
		return fmt.Errorf("revoke tokens by code: %w", err)
	}
	return nil
}

// RevokeTokensByConnection revokes every live token whose audience is a
// given connection. Used when a connection is revoked from the portal.
func (s *Store) RevokeTokensByConnection(ctx context.Context, connectionID uuid.UUID) error {
	_, err := s.db.Exec(ctx,
		`UPDATE oauth_tokens SET revoked_at = now() WHERE connection_id = $1 AND revoked_at IS NULL`,
		connectionID)
	if err != nil {
		return fmt.Errorf("revoke tokens by connection: %w", err)
	}
	return nil
}

// ExpireTokens hard-deletes rows whose refresh window has fully lapsed.
// Run periodically; keeps the table from accreting dead credentials.
func (s *Store) ExpireTokens(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM oauth_tokens
		WHERE access_expires_at < $1
		  AND (refresh_expires_at IS NULL OR refresh_expires_at < $1)`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("expire oauth tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanToken(row pgx.Row) (*Token, error) {
	var t Token
	err := row.Scan(&t.ID, &t.AccessTokenHash, &t.RefreshTokenHash, &t.CodeID,
		&t.ClientID, &t.UserID, &t.ConnectionID, &t.Scope, &t.Audience,
		&t.AccessExpiresAt, &t.RefreshExpiresAt, &t.RevokedAt, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
