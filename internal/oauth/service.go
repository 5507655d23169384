package oauth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/fleetbridge/fleetbridge/internal/fleet/model"
)

// Typed failures the handler maps to RFC 6749 error codes.
var (
	ErrInvalidClient   = errors.New("oauth: invalid client")
	ErrInvalidRedirect = errors.New("oauth: redirect_uri not registered")
	ErrInvalidScope    = errors.New("oauth: scope outside the allowed set")
	ErrInvalidResource = errors.New("oauth: resource is not an active connection of this user")
	ErrPKCERequired    = errors.New("oauth: public clients must send a S256 code_challenge")
	ErrInvalidGrant    = errors.New("oauth: invalid grant")
	ErrInvalidToken    = errors.New("oauth: invalid token")
	ErrWrongAudience   = errors.New("oauth: token audience does not match this endpoint")
)

// storage is the persistence surface the service needs, satisfied by *Store.
type storage interface {
	CreateClient(ctx context.Context, c *Client) error
	GetClient(ctx context.Context, clientID string) (*Client, error)
	CreateCode(ctx context.Context, c *AuthorizationCode) error
	GetCodeByHash(ctx context.Context, codeHash string) (*AuthorizationCode, error)
	ConsumeCode(ctx context.Context, id uuid.UUID) (bool, error)
	CreateToken(ctx context.Context, t *Token) error
	GetTokenByAccessHash(ctx context.Context, hash string) (*Token, error)
	GetTokenByRefreshHash(ctx context.Context, hash string) (*Token, error)
	RotateRefreshToken(ctx context.Context, oldID uuid.UUID, next *Token) error
	RevokeToken(ctx context.Context, id uuid.UUID) error
	RevokeTokensByCode(ctx context.Context, codeID uuid.UUID) error
}

// connectionResolver maps endpoint UUIDs to connections. Satisfied by the
// fleet store.
type connectionResolver interface {
	GetConnectionByEndpoint(ctx context.Context, endpointUUID uuid.UUID) (*model.McpConnection, error)
}

// Config carries token lifetimes and the canonical issuer.
type Config struct {
	Issuer     string
	AccessTTL  time.Duration // default 1h
	RefreshTTL time.Duration // default 30d
	CodeTTL    time.Duration // default 10m
}

func (c Config) withDefaults() Config {
	if c.AccessTTL == 0 {
		c.AccessTTL = time.Hour
	}
	if c.RefreshTTL == 0 {
		c.RefreshTTL = 30 * 24 * time.Hour
	}
	if c.CodeTTL == 0 {
		c.CodeTTL = 10 * time.Minute
	}
	return c
}

// Service implements the authorization-server grant logic.
type Service struct {
	cfg    Config
	store  storage
	conns  connectionResolver
	logger *zap.Logger

	now func() time.Time
}

// NewService creates the OAuth service.
func NewService(cfg Config, store storage, conns connectionResolver, logger *zap.Logger) *Service {
	return &Service{
		cfg:    cfg.withDefaults(),
		store:  store,
		conns:  conns,
		logger: logger,
		now:    time.Now,
	}
}

// Issuer returns the canonical issuer URL.
func (s *Service) Issuer() string { return s.cfg.Issuer }

// ── Dynamic client registration ──────────────────────────────────────────

// RegisterClientRequest is the RFC 7591 registration payload subset we
// accept.
type RegisterClientRequest struct {
	ClientName      string   `json:"client_name"`
	RedirectURIs    []string `json:"redirect_uris"`
	TokenAuthMethod string   `json:"token_endpoint_auth_method"`
	GrantTypes      []string `json:"grant_types"`
	Scope           string   `json:"scope"`
}

// RegisterClient creates a client record. The returned plaintext secret is
// empty for public clients and shown exactly once for confidential ones.
func (s *Service) RegisterClient(ctx context.Context, req RegisterClientRequest) (*Client, string, error) {
	if len(req.RedirectURIs) == 0 {
		return nil, "", fmt.Errorf("%w: redirect_uris is required", ErrInvalidRedirect)
	}
	for _, uri := range req.RedirectURIs {
		if err := validateRedirectURI(uri); err != nil {
			return nil, "", err
		}
	}

	method := req.TokenAuthMethod
	if method == "" {
		method = AuthMethodNone
	}
	if method != AuthMethodNone && method != AuthMethodClientSecretPost {
		return nil, "", fmt.Errorf("%w: unsupported token_endpoint_auth_method %q", ErrInvalidClient, method)
	}

	scope := req.Scope
	if scope == "" {
		scope = strings.Join(DefaultScopes, " ")
	}
	if !ValidScope(scope) {
		return nil, "", ErrInvalidScope
	}

	grants := req.GrantTypes
	if len(grants) == 0 {
		grants = []string{"authorization_code", "refresh_token"}
	}

	client := &Client{
		ClientID:        uuid.New().String(),
		ClientName:      req.ClientName,
		RedirectURIs:    req.RedirectURIs,
		TokenAuthMethod: method,
		GrantTypes:      grants,
		ResponseTypes:   []string{"code"},
		Scope:           scope,
	}

	var plainSecret string
	if method == AuthMethodClientSecretPost {
		raw, err := newOpaqueToken()
		if err != nil {
			return nil, "", fmt.Errorf("generate client secret: %w", err)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
		if err != nil {
			return nil, "", fmt.Errorf("hash client secret: %w", err)
		}
		h := string(hash)
		client.ClientSecretHash = &h
		plainSecret = raw
	}

	if err := s.store.CreateClient(ctx, client); err != nil {
		return nil, "", err
	}
	s.logger.Info("oauth client registered",
		zap.String("client_id", client.ClientID),
		zap.String("client_name", client.ClientName),
		zap.String("auth_method", method))
	return client, plainSecret, nil
}

// validateRedirectURI enforces exact HTTPS URIs, loopback HTTP excepted.
// Fragments and wildcards are rejected.
func validateRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidRedirect, raw)
	}
	if u.Fragment != "" {
		return fmt.Errorf("%w: fragment in %q", ErrInvalidRedirect, raw)
	}
	if strings.Contains(u.Host, "*") {
		return fmt.Errorf("%w: wildcard host in %q", ErrInvalidRedirect, raw)
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		host := u.Hostname()
		if host == "localhost" || host == "127.0.0.1" || host == "::1" {
			return nil
		}
		return fmt.Errorf("%w: http is only allowed for localhost (%q)", ErrInvalidRedirect, raw)
	default:
		return fmt.Errorf("%w: scheme %q", ErrInvalidRedirect, u.Scheme)
	}
}

// ── Authorize ────────────────────────────────────────────────────────────

// AuthorizeRequest is the validated query of GET /oauth/authorize.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	Resource            string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	UserID              uuid.UUID // the authenticated session user
}

// ValidateAuthorize checks an authorize request and returns the pending
// authorization to carry to the consent step.
func (s *Service) ValidateAuthorize(ctx context.Context, req AuthorizeRequest) (*PendingAuth, error) {
	client, err := s.store.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidClient
		}
		return nil, err
	}
	if !client.HasRedirectURI(req.RedirectURI) {
		return nil, ErrInvalidRedirect
	}
	if req.ResponseType != "code" {
		return nil, fmt.Errorf("%w: response_type must be code", ErrInvalidGrant)
	}

	scope := req.Scope
	if scope == "" {
		scope = strings.Join(DefaultScopes, " ")
	}
	if !ValidScope(scope) || !ScopeSubset(scope, client.Scope) {
		return nil, ErrInvalidScope
	}

	if client.Public() {
		if req.CodeChallenge == "" {
			return nil, ErrPKCERequired
		}
		if req.CodeChallengeMethod != "S256" {
			return nil, fmt.Errorf("%w: only S256 is supported", ErrPKCERequired)
		}
	}

	conn, err := s.resolveResource(ctx, req.Resource, req.UserID)
	if err != nil {
		return nil, err
	}

	return &PendingAuth{
		ClientID:      client.ClientID,
		UserID:        req.UserID,
		ConnectionID:  conn.ID,
		RedirectURI:   req.RedirectURI,
		Scope:         scope,
		Resource:      conn.EndpointURL(s.cfg.Issuer),
		CodeChallenge: req.CodeChallenge,
		State:         req.State,
	}, nil
}

// resolveResource checks that resource is the endpoint URL of an ACTIVE
// connection owned by userID.
func (s *Service) resolveResource(ctx context.Context, resource string, userID uuid.UUID) (*model.McpConnection, error) {
	prefix := s.cfg.Issuer + "/mcp/"
	if !strings.HasPrefix(resource, prefix) {
		return nil, ErrInvalidResource
	}
	endpointUUID, err := uuid.Parse(strings.TrimPrefix(resource, prefix))
	if err != nil {
		return nil, ErrInvalidResource
	}
	conn, err := s.conns.GetConnectionByEndpoint(ctx, endpointUUID)
	if err != nil {
		return nil, ErrInvalidResource
	}
	if conn.UserID != userID || conn.Status != model.ConnectionActive {
		return nil, ErrInvalidResource
	}
	return conn, nil
}

// MintCode issues a single-use authorization code for an approved consent.
// The returned string is the plaintext code; only its hash is stored.
func (s *Service) MintCode(ctx context.Context, p *PendingAuth) (string, error) {
	raw, err := newOpaqueToken()
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	code := &AuthorizationCode{
		ID:            uuid.New(),
		CodeHash:      hashSecret(raw),
		ClientID:      p.ClientID,
		UserID:        p.UserID,
		ConnectionID:  p.ConnectionID,
		RedirectURI:   p.RedirectURI,
		Scope:         p.Scope,
		Resource:      p.Resource,
		CodeChallenge: p.CodeChallenge,
		ExpiresAt:     s.now().Add(s.cfg.CodeTTL),
	}
	if err := s.store.CreateCode(ctx, code); err != nil {
		return "", err
	}
	return raw, nil
}

// ── Token endpoint ───────────────────────────────────────────────────────

// TokenResponse is the token-endpoint success body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope"`
}

// ExchangeCode handles grant_type=authorization_code.
func (s *Service) ExchangeCode(ctx context.Context, rawCode, verifier, redirectURI, clientID, clientSecret string) (*TokenResponse, error) {
	code, err := s.store.GetCodeByHash(ctx, hashSecret(rawCode))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidGrant
		}
		return nil, err
	}

	if code.UsedAt != nil {
		// Replay of a spent code: burn everything it minted.
		s.logger.Warn("authorization code replay",
			zap.String("client_id", code.ClientID),
			zap.String("code_id", code.ID.String()))
		if err := s.store.RevokeTokensByCode(ctx, code.ID); err != nil {
			s.logger.Error("revoke tokens after code replay", zap.Error(err))
		}
		return nil, ErrInvalidGrant
	}
	if s.now().After(code.ExpiresAt) {
		return nil, ErrInvalidGrant
	}
	if code.ClientID != clientID || code.RedirectURI != redirectURI {
		return nil, ErrInvalidGrant
	}

	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, ErrInvalidClient
	}
	if client.Public() {
		if verifier == "" || !VerifyS256(verifier, code.CodeChallenge) {
			return nil, ErrInvalidGrant
		}
	} else {
		if client.ClientSecretHash == nil ||
			bcrypt.CompareHashAndPassword([]byte(*client.ClientSecretHash), []byte(clientSecret)) != nil {
			return nil, ErrInvalidClient
		}
	}

	won, err := s.store.ConsumeCode(ctx, code.ID)
	if err != nil {
		return nil, err
	}
	if !won {
		// Lost the race to a concurrent exchange; treat as replay.
		if err := s.store.RevokeTokensByCode(ctx, code.ID); err != nil {
			s.logger.Error("revoke tokens after code race", zap.Error(err))
		}
		return nil, ErrInvalidGrant
	}

	return s.mintTokens(ctx, code.ID, code.ClientID, code.UserID, code.ConnectionID, code.Scope, code.Resource)
}

// RefreshToken handles grant_type=refresh_token. Rotation is atomic: the
// predecessor is revoked in the same transaction that records the
// successor, and audience + scope are inherited unchanged.
func (s *Service) RefreshToken(ctx context.Context, rawRefresh, clientID string) (*TokenResponse, error) {
	old, err := s.store.GetTokenByRefreshHash(ctx, hashSecret(rawRefresh))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidGrant
		}
		return nil, err
	}
	if old.RevokedAt != nil || old.ClientID != clientID {
		return nil, ErrInvalidGrant
	}
	if old.RefreshExpiresAt == nil || s.now().After(*old.RefreshExpiresAt) {
		return nil, ErrInvalidGrant
	}

	access, refresh, next, err := s.buildTokenPair(old.CodeID, old.ClientID, old.UserID, old.ConnectionID, old.Scope, old.Audience)
	if err != nil {
		return nil, err
	}
	if err := s.store.RotateRefreshToken(ctx, old.ID, next); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidGrant
		}
		return nil, err
	}

	return &TokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.cfg.AccessTTL.Seconds()),
		RefreshToken: refresh,
		Scope:        next.Scope,
	}, nil
}

func (s *Service) mintTokens(ctx context.Context, codeID uuid.UUID, clientID string, userID, connectionID uuid.UUID, scope, audience string) (*TokenResponse, error) {
	access, refresh, tok, err := s.buildTokenPair(codeID, clientID, userID, connectionID, scope, audience)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateToken(ctx, tok); err != nil {
		return nil, err
	}
	return &TokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.cfg.AccessTTL.Seconds()),
		RefreshToken: refresh,
		Scope:        scope,
	}, nil
}

func (s *Service) buildTokenPair(codeID uuid.UUID, clientID string, userID, connectionID uuid.UUID, scope, audience string) (access, refresh string, tok *Token, err error) {
	access, err = newOpaqueToken()
	if err != nil {
		return "", "", nil, fmt.Errorf("generate access token: %w", err)
	}
	refresh, err = newOpaqueToken()
	if err != nil {
		return "", "", nil, fmt.Errorf("generate refresh token: %w", err)
	}
	now := s.now()
	refreshHash := hashSecret(refresh)
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	tok = &Token{
		ID:               uuid.New(),
		AccessTokenHash:  hashSecret(access),
		RefreshTokenHash: &refreshHash,
		CodeID:           codeID,
		ClientID:         clientID,
		UserID:           userID,
		ConnectionID:     connectionID,
		Scope:            scope,
		Audience:         audience,
		AccessExpiresAt:  now.Add(s.cfg.AccessTTL),
		RefreshExpiresAt: &refreshExpires,
	}
	return access, refresh, tok, nil
}

// ── Revocation and validation ────────────────────────────────────────────

// Revoke invalidates the token named by raw, whether it is an access or a
// refresh value. Unknown tokens succeed silently (RFC 7009).
func (s *Service) Revoke(ctx context.Context, raw string) error {
	hash := hashSecret(raw)
	if tok, err := s.store.GetTokenByAccessHash(ctx, hash); err == nil {
		return s.store.RevokeToken(ctx, tok.ID)
	}
	if tok, err := s.store.GetTokenByRefreshHash(ctx, hash); err == nil {
		return s.store.RevokeToken(ctx, tok.ID)
	}
	return nil
}

// ValidateAccess checks a bearer token against an endpoint audience. The
// relay calls this on every request.
func (s *Service) ValidateAccess(ctx context.Context, raw, audience string) (*Token, error) {
	tok, err := s.store.GetTokenByAccessHash(ctx, hashSecret(raw))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if !tok.Live(s.now()) {
		return nil, ErrInvalidToken
	}
	if subtle.ConstantTimeCompare([]byte(tok.Audience), []byte(audience)) != 1 {
		return nil, ErrWrongAudience
	}
	return tok, nil
}
