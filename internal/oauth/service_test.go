package oauth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetbridge/fleetbridge/internal/fleet/model"
)

type memStorage struct {
	mu      sync.Mutex
	clients map[string]*Client
	codes   map[uuid.UUID]*AuthorizationCode
	tokens  map[uuid.UUID]*Token
}

func newMemStorage() *memStorage {
	return &memStorage{
		clients: map[string]*Client{},
		codes:   map[uuid.UUID]*AuthorizationCode{},
		tokens:  map[uuid.UUID]*Token{},
	}
}

func (m *memStorage) CreateClient(_ context.Context, c *Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[c.ClientID] = c
	return nil
}

func (m *memStorage) GetClient(_ context.Context, id string) (*Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clients[id]; ok {
		return c, nil
	}
	return nil, ErrNotFound
}

func (m *memStorage) CreateCode(_ context.Context, c *AuthorizationCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes[c.ID] = c
	return nil
}

func (m *memStorage) GetCodeByHash(_ context.Context, hash string) (*AuthorizationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.codes {
		if c.CodeHash == hash {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStorage) ConsumeCode(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[id]
	if !ok || c.UsedAt != nil {
		return false, nil
	}
	now := time.Now()
	c.UsedAt = &now
	return true, nil
}

func (m *memStorage) CreateToken(_ context.Context, t *Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[t.ID] = t
	return nil
}

func (m *memStorage) GetTokenByAccessHash(_ context.Context, hash string) (*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.AccessTokenHash == hash {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStorage) GetTokenByRefreshHash(_ context.Context, hash string) (*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.RefreshTokenHash != nil && *t.RefreshTokenHash == hash {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStorage) RotateRefreshToken(_ context.Context, oldID uuid.UUID, next *Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.tokens[oldID]
	if !ok || old.RevokedAt != nil {
		return ErrNotFound
	}
	now := time.Now()
	old.RevokedAt = &now
	m.tokens[next.ID] = next
	return nil
}

func (m *memStorage) RevokeToken(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tokens[id]; ok && t.RevokedAt == nil {
		now := time.Now()
		t.RevokedAt = &now
	}
	return nil
}

func (m *memStorage) RevokeTokensByCode(_ context.Context, codeID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, t := range m.tokens {
		if t.CodeID == codeID && t.RevokedAt == nil {
			t.RevokedAt = &now
		}
	}
	return nil
}

type memConns struct {
	conns map[uuid.UUID]*model.McpConnection
}

func (m *memConns) GetConnectionByEndpoint(_ context.Context, endpointUUID uuid.UUID) (*model.McpConnection, error) {
	if c, ok := m.conns[endpointUUID]; ok {
		return c, nil
	}
	return nil, errors.New("no rows")
}

const testIssuer = "https://bridge.example.com"

type fixture struct {
	svc   *Service
	store *memStorage
	conn  *model.McpConnection
	owner uuid.UUID
	now   *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := newMemStorage()
	owner := uuid.New()
	conn := &model.McpConnection{
		ID:           uuid.New(),
		UserID:       owner,
		EndpointUUID: uuid.New(),
		Status:       model.ConnectionActive,
	}
	conns := &memConns{conns: map[uuid.UUID]*model.McpConnection{conn.EndpointUUID: conn}}
	svc := NewService(Config{Issuer: testIssuer}, st, conns, zap.NewNop())
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	return &fixture{svc: svc, store: st, conn: conn, owner: owner, now: &now}
}

func (f *fixture) registerPublicClient(t *testing.T) *Client {
	t.Helper()
	client, secret, err := f.svc.RegisterClient(context.Background(), RegisterClientRequest{
		ClientName:   "Claude",
		RedirectURIs: []string{"https://claude.ai/api/mcp/auth_callback"},
	})
	if err != nil {
		t.Fatalf("register client: %v", err)
	}
	if secret != "" {
		t.Fatal("public clients must not receive a secret")
	}
	if !client.Public() {
		t.Fatalf("auth method = %s, want none", client.TokenAuthMethod)
	}
	return client
}

func (f *fixture) mintCode(t *testing.T, client *Client, verifier string) string {
	t.Helper()
	pending, err := f.svc.ValidateAuthorize(context.Background(), AuthorizeRequest{
		ClientID:            client.ClientID,
		RedirectURI:         client.RedirectURIs[0],
		ResponseType:        "code",
		Scope:               ScopeTools,
		Resource:            f.conn.EndpointURL(testIssuer),
		CodeChallenge:       S256Challenge(verifier),
		CodeChallengeMethod: "S256",
		UserID:              f.owner,
	})
	if err != nil {
		t.Fatalf("validate authorize: %v", err)
	}
	code, err := f.svc.MintCode(context.Background(), pending)
	if err != nil {
		t.Fatalf("mint code: %v", err)
	}
	return code
}

func TestRegisterClient_defaultsAndScopes(t *testing.T) {
	f := newFixture(t)
	client := f.registerPublicClient(t)
	if client.Scope != strings.Join(DefaultScopes, " ") {
		t.Fatalf("scope = %q, want defaults", client.Scope)
	}

	_, _, err := f.svc.RegisterClient(context.Background(), RegisterClientRequest{
		ClientName:   "bad",
		RedirectURIs: []string{"https://x.example"},
		Scope:        "mcp:tools mcp:admin",
	})
	if !errors.Is(err, ErrInvalidScope) {
		t.Fatalf("err = %v, want ErrInvalidScope", err)
	}
}

func TestRegisterClient_redirectURIRules(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		uri string
		ok  bool
	}{
		{"https://claude.ai/callback", true},
		{"http://localhost:8765/cb", true},
		{"http://127.0.0.1/cb", true},
		{"http://example.com/cb", false},
		{"https://example.com/cb#frag", false},
		{"https://*.example.com/cb", false},
		{"ftp://example.com/cb", false},
	}
	for _, tc := range cases {
		_, _, err := f.svc.RegisterClient(context.Background(), RegisterClientRequest{
			ClientName:   "c",
			RedirectURIs: []string{tc.uri},
		})
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tc.uri, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidRedirect) {
			t.Errorf("%s: err = %v, want ErrInvalidRedirect", tc.uri, err)
		}
	}
}

func TestRegisterClient_confidentialGetsSecret(t *testing.T) {
	f := newFixture(t)
	client, secret, err := f.svc.RegisterClient(context.Background(), RegisterClientRequest{
		ClientName:      "backend",
		RedirectURIs:    []string{"https://backend.example.com/cb"},
		TokenAuthMethod: AuthMethodClientSecretPost,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if secret == "" || client.ClientSecretHash == nil {
		t.Fatal("confidential client must get a secret and a stored hash")
	}
	if strings.Contains(*client.ClientSecretHash, secret) {
		t.Fatal("secret must be stored hashed")
	}
}

func TestValidateAuthorize_pkceRequiredForPublic(t *testing.T) {
	f := newFixture(t)
	client := f.registerPublicClient(t)

	_, err := f.svc.ValidateAuthorize(context.Background(), AuthorizeRequest{
		ClientID:     client.ClientID,
		RedirectURI:  client.RedirectURIs[0],
		ResponseType: "code",
		Resource:     f.conn.EndpointURL(testIssuer),
		UserID:       f.owner,
	})
	if !errors.Is(err, ErrPKCERequired) {
		t.Fatalf("err = %v, want ErrPKCERequired", err)
	}

	_, err = f.svc.ValidateAuthorize(context.Background(), AuthorizeRequest{
		ClientID:            client.ClientID,
		RedirectURI:         client.RedirectURIs[0],
		ResponseType:        "code",
		Resource:            f.conn.EndpointURL(testIssuer),
		CodeChallenge:       "abc",
		CodeChallengeMethod: "plain",
		UserID:              f.owner,
	})
	if !errors.Is(err, ErrPKCERequired) {
		t.Fatalf("plain method: err = %v, want ErrPKCERequired", err)
	}
}

func TestValidateAuthorize_resourceOwnership(t *testing.T) {
	f := newFixture(t)
	client := f.registerPublicClient(t)

	base := AuthorizeRequest{
		ClientID:            client.ClientID,
		RedirectURI:         client.RedirectURIs[0],
		ResponseType:        "code",
		CodeChallenge:       S256Challenge("v"),
		CodeChallengeMethod: "S256",
	}

	// Someone else's connection.
	req := base
	req.Resource = f.conn.EndpointURL(testIssuer)
	req.UserID = uuid.New()
	if _, err := f.svc.ValidateAuthorize(context.Background(), req); !errors.Is(err, ErrInvalidResource) {
		t.Fatalf("foreign owner: err = %v, want ErrInvalidResource", err)
	}

	// Paused connection.
	f.conn.Status = model.ConnectionPaused
	req.UserID = f.owner
	if _, err := f.svc.ValidateAuthorize(context.Background(), req); !errors.Is(err, ErrInvalidResource) {
		t.Fatalf("paused: err = %v, want ErrInvalidResource", err)
	}
	f.conn.Status = model.ConnectionActive

	// Resource outside the issuer namespace.
	req.Resource = "https://elsewhere.example/mcp/" + f.conn.EndpointUUID.String()
	if _, err := f.svc.ValidateAuthorize(context.Background(), req); !errors.Is(err, ErrInvalidResource) {
		t.Fatalf("foreign issuer: err = %v, want ErrInvalidResource", err)
	}
}

func TestExchangeCode_happyPath(t *testing.T) {
	f := newFixture(t)
	client := f.registerPublicClient(t)
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	code := f.mintCode(t, client, verifier)

	resp, err := f.svc.ExchangeCode(context.Background(), code, verifier, client.RedirectURIs[0], client.ClientID, "")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if resp.AccessToken == "" || resp.RefreshToken == "" {
		t.Fatal("missing tokens")
	}
	if resp.ExpiresIn != 3600 {
		t.Fatalf("expires_in = %d, want 3600", resp.ExpiresIn)
	}

	audience := f.conn.EndpointURL(testIssuer)
	tok, err := f.svc.ValidateAccess(context.Background(), resp.AccessToken, audience)
	if err != nil {
		t.Fatalf("validate access: %v", err)
	}
	if tok.Audience != audience {
		t.Fatalf("audience = %s, want %s", tok.Audience, audience)
	}
}

func TestExchangeCode_wrongVerifierRejected(t *testing.T) {
	f := newFixture(t)
	client := f.registerPublicClient(t)
	code := f.mintCode(t, client, "correct-verifier-correct-verifier-correct")

	_, err := f.svc.ExchangeCode(context.Background(), code, "wrong-verifier", client.RedirectURIs[0], client.ClientID, "")
	if !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("err = %v, want ErrInvalidGrant", err)
	}
}

func TestExchangeCode_replayRevokesIssuedTokens(t *testing.T) {
	f := newFixture(t)
	client := f.registerPublicClient(t)
	verifier := "a-sufficiently-long-pkce-verifier-value-123"
	code := f.mintCode(t, client, verifier)

	resp, err := f.svc.ExchangeCode(context.Background(), code, verifier, client.RedirectURIs[0], client.ClientID, "")
	if err != nil {
		t.Fatalf("first exchange: %v", err)
	}

	_, err = f.svc.ExchangeCode(context.Background(), code, verifier, client.RedirectURIs[0], client.ClientID, "")
	if !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("replay: err = %v, want ErrInvalidGrant", err)
	}

	// The tokens from the first exchange must now be dead.
	audience := f.conn.EndpointURL(testIssuer)
	if _, err := f.svc.ValidateAccess(context.Background(), resp.AccessToken, audience); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("token after replay: err = %v, want ErrInvalidToken", err)
	}
}

func TestExchangeCode_expiredCode(t *testing.T) {
	f := newFixture(t)
	client := f.registerPublicClient(t)
	verifier := "a-sufficiently-long-pkce-verifier-value-456"
	code := f.mintCode(t, client, verifier)

	*f.now = f.now.Add(10*time.Minute + time.Second)
	_, err := f.svc.ExchangeCode(context.Background(), code, verifier, client.RedirectURIs[0], client.ClientID, "")
	if !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("err = %v, want ErrInvalidGrant for expired code", err)
	}
}

func TestRefreshToken_rotation(t *testing.T) {
	f := newFixture(t)
	client := f.registerPublicClient(t)
	verifier := "a-sufficiently-long-pkce-verifier-value-789"
	code := f.mintCode(t, client, verifier)

	first, err := f.svc.ExchangeCode(context.Background(), code, verifier, client.RedirectURIs[0], client.ClientID, "")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}

	second, err := f.svc.RefreshToken(context.Background(), first.RefreshToken, client.ClientID)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if second.Scope != first.Scope {
		t.Fatalf("scope = %q, want inherited %q", second.Scope, first.Scope)
	}

	audience := f.conn.EndpointURL(testIssuer)
	tok, err := f.svc.ValidateAccess(context.Background(), second.AccessToken, audience)
	if err != nil {
		t.Fatalf("validate rotated access: %v", err)
	}
	if tok.Audience != audience {
		t.Fatal("rotation must inherit the audience")
	}

	// The predecessor refresh token is spent.
	if _, err := f.svc.RefreshToken(context.Background(), first.RefreshToken, client.ClientID); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("old refresh: err = %v, want ErrInvalidGrant", err)
	}
	// And so is the predecessor access token.
	if _, err := f.svc.ValidateAccess(context.Background(), first.AccessToken, audience); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("old access: err = %v, want ErrInvalidToken", err)
	}
}

func TestValidateAccess_expiryBoundary(t *testing.T) {
	f := newFixture(t)
	client := f.registerPublicClient(t)
	verifier := "a-sufficiently-long-pkce-verifier-value-abc"
	code := f.mintCode(t, client, verifier)
	resp, err := f.svc.ExchangeCode(context.Background(), code, verifier, client.RedirectURIs[0], client.ClientID, "")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	audience := f.conn.EndpointURL(testIssuer)

	*f.now = f.now.Add(time.Hour - time.Millisecond)
	if _, err := f.svc.ValidateAccess(context.Background(), resp.AccessToken, audience); err != nil {
		t.Fatalf("1ms before expiry: %v", err)
	}

	*f.now = f.now.Add(2 * time.Millisecond)
	if _, err := f.svc.ValidateAccess(context.Background(), resp.AccessToken, audience); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("1ms after expiry: err = %v, want ErrInvalidToken", err)
	}
}

func TestValidateAccess_wrongAudience(t *testing.T) {
	f := newFixture(t)
	client := f.registerPublicClient(t)
	verifier := "a-sufficiently-long-pkce-verifier-value-def"
	code := f.mintCode(t, client, verifier)
	resp, err := f.svc.ExchangeCode(context.Background(), code, verifier, client.RedirectURIs[0], client.ClientID, "")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}

	other := testIssuer + "/mcp/" + uuid.New().String()
	if _, err := f.svc.ValidateAccess(context.Background(), resp.AccessToken, other); !errors.Is(err, ErrWrongAudience) {
		t.Fatalf("err = %v, want ErrWrongAudience", err)
	}
}

func TestRevoke_idempotent(t *testing.T) {
	f := newFixture(t)
	client := f.registerPublicClient(t)
	verifier := "a-sufficiently-long-pkce-verifier-value-ghi"
	code := f.mintCode(t, client, verifier)
	resp, err := f.svc.ExchangeCode(context.Background(), code, verifier, client.RedirectURIs[0], client.ClientID, "")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}

	if err := f.svc.Revoke(context.Background(), resp.AccessToken); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := f.svc.Revoke(context.Background(), resp.AccessToken); err != nil {
		t.Fatalf("second revoke: %v", err)
	}
	if err := f.svc.Revoke(context.Background(), "never-issued"); err != nil {
		t.Fatalf("unknown token revoke: %v", err)
	}

	audience := f.conn.EndpointURL(testIssuer)
	if _, err := f.svc.ValidateAccess(context.Background(), resp.AccessToken, audience); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("revoked token: err = %v, want ErrInvalidToken", err)
	}
}
