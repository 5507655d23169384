package oauth

import (
	"errors"
	"html/template"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetbridge/fleetbridge/internal/fleet/model"
)

// SessionAuth resolves the portal session user for browser-facing
// endpoints. Satisfied by the users token middleware.
type SessionAuth interface {
	UserID(c *gin.Context) (uuid.UUID, bool)
}

// Handler exposes the authorization-server HTTP surface.
type Handler struct {
	svc      *Service
	consent  *ConsentSigner
	sessions SessionAuth
	conns    connectionResolver
	loginURL string
	logger   *zap.Logger
}

// NewHandler creates the OAuth handler. loginURL is where unauthenticated
// authorize requests are redirected, with the original URL preserved in
// ?next=.
func NewHandler(svc *Service, consent *ConsentSigner, sessions SessionAuth, conns connectionResolver, loginURL string, logger *zap.Logger) *Handler {
	return &Handler{
		svc:      svc,
		consent:  consent,
		sessions: sessions,
		conns:    conns,
		loginURL: loginURL,
		logger:   logger,
	}
}

// Register mounts the discovery and grant endpoints. registerLimit and
// tokenLimit are optional rate-limit middlewares for the abuse-prone
// routes; nil disables them.
func (h *Handler) Register(r *gin.Engine, registerLimit, tokenLimit gin.HandlerFunc) {
	if registerLimit == nil {
		registerLimit = func(c *gin.Context) { c.Next() }
	}
	if tokenLimit == nil {
		tokenLimit = func(c *gin.Context) { c.Next() }
	}

	r.GET("/.well-known/oauth-authorization-server", h.AuthorizationServerMetadata)
	r.GET("/.well-known/oauth-protected-resource/:endpointUuid", h.ProtectedResourceMetadata)

	o := r.Group("/oauth")
	{
		o.POST("/register", registerLimit, h.RegisterClient)
		o.GET("/authorize", h.Authorize)
		o.POST("/consent", h.Consent)
		o.POST("/token", tokenLimit, h.Token)
		o.POST("/revoke", h.Revoke)
	}
}

// ── Discovery ────────────────────────────────────────────────────────────

// AuthorizationServerMetadata serves RFC 8414 metadata.
func (h *Handler) AuthorizationServerMetadata(c *gin.Context) {
	iss := h.svc.Issuer()
	c.JSON(http.StatusOK, gin.H{
		"issuer":                                iss,
		"authorization_endpoint":                iss + "/oauth/authorize",
		"token_endpoint":                        iss + "/oauth/token",
		"registration_endpoint":                 iss + "/oauth/register",
		"revocation_endpoint":                   iss + "/oauth/revoke",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":      []string{"S256"},
		"token_endpoint_auth_methods_supported": []string{AuthMethodNone, AuthMethodClientSecretPost},
		"scopes_supported":                      AllScopes,
	})
}

// ProtectedResourceMetadata serves RFC 9728 metadata for one MCP endpoint.
// Only ACTIVE connections resolve; everything else is 404.
func (h *Handler) ProtectedResourceMetadata(c *gin.Context) {
	endpointUUID, err := uuid.Parse(c.Param("endpointUuid"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown resource"})
		return
	}
	conn, err := h.conns.GetConnectionByEndpoint(c.Request.Context(), endpointUUID)
	if err != nil || conn.Status != model.ConnectionActive {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown resource"})
		return
	}
	iss := h.svc.Issuer()
	c.JSON(http.StatusOK, gin.H{
		"resource":                conn.EndpointURL(iss),
		"authorization_servers":   []string{iss},
		"scopes_supported":        AllScopes,
		"bearer_methods_supported": []string{"header"},
	})
}

// ── Dynamic client registration ──────────────────────────────────────────

// RegisterClient handles POST /oauth/register (RFC 7591).
func (h *Handler) RegisterClient(c *gin.Context) {
	var req RegisterClientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_client_metadata", "error_description": err.Error()})
		return
	}

	client, secret, err := h.svc.RegisterClient(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidRedirect):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_redirect_uri", "error_description": err.Error()})
		case errors.Is(err, ErrInvalidScope), errors.Is(err, ErrInvalidClient):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_client_metadata", "error_description": err.Error()})
		default:
			h.logger.Error("client registration", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		}
		return
	}

	resp := gin.H{
		"client_id":                  client.ClientID,
		"client_name":                client.ClientName,
		"redirect_uris":              client.RedirectURIs,
		"token_endpoint_auth_method": client.TokenAuthMethod,
		"grant_types":                client.GrantTypes,
		"response_types":             client.ResponseTypes,
		"scope":                      client.Scope,
	}
	if secret != "" {
		resp["client_secret"] = secret
	}
	c.JSON(http.StatusCreated, resp)
}

// ── Authorize + consent ──────────────────────────────────────────────────

var consentPage = template.Must(template.New("consent").Parse(`<!doctype html>
<html><head><title>Authorize {{.ClientName}}</title></head><body>
<h1>{{.ClientName}} wants access</h1>
<p>Scopes: {{.Scope}}</p>
<p>Endpoint: {{.Resource}}</p>
<form method="post" action="/oauth/consent">
  <input type="hidden" name="consent_token" value="{{.Token}}">
  <button type="submit" name="decision" value="approve">Approve</button>
  <button type="submit" name="decision" value="deny">Deny</button>
</form>
</body></html>`))

// Authorize handles GET /oauth/authorize. A valid request renders the
// consent screen; an unauthenticated one is bounced to login with the full
// original URL preserved.
func (h *Handler) Authorize(c *gin.Context) {
	userID, ok := h.sessions.UserID(c)
	if !ok {
		next := url.QueryEscape(c.Request.URL.String())
		c.Redirect(http.StatusFound, h.loginURL+"?next="+next)
		return
	}

	req := AuthorizeRequest{
		ClientID:            c.Query("client_id"),
		RedirectURI:         c.Query("redirect_uri"),
		ResponseType:        c.Query("response_type"),
		Scope:               c.Query("scope"),
		Resource:            c.Query("resource"),
		State:               c.Query("state"),
		CodeChallenge:       c.Query("code_challenge"),
		CodeChallengeMethod: c.Query("code_challenge_method"),
		UserID:              userID,
	}

	pending, err := h.svc.ValidateAuthorize(c.Request.Context(), req)
	if err != nil {
		// Redirect-based errors are only safe once the client and redirect
		// URI have both been validated; anything else renders locally.
		h.authorizeError(c, req, err)
		return
	}

	token, err := h.consent.Sign(*pending)
	if err != nil {
		h.logger.Error("sign consent state", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		return
	}

	client, _ := h.svc.store.GetClient(c.Request.Context(), pending.ClientID)
	name := pending.ClientID
	if client != nil && client.ClientName != "" {
		name = client.ClientName
	}
	c.Status(http.StatusOK)
	c.Header("Content-Type", "text/html; charset=utf-8")
	_ = consentPage.Execute(c.Writer, gin.H{
		"ClientName": name,
		"Scope":      pending.Scope,
		"Resource":   pending.Resource,
		"Token":      token,
	})
}

func (h *Handler) authorizeError(c *gin.Context, req AuthorizeRequest, err error) {
	code := "invalid_request"
	switch {
	case errors.Is(err, ErrInvalidClient):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_client"})
		return
	case errors.Is(err, ErrInvalidRedirect):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_redirect_uri"})
		return
	case errors.Is(err, ErrInvalidScope):
		code = "invalid_scope"
	case errors.Is(err, ErrPKCERequired), errors.Is(err, ErrInvalidGrant):
		code = "invalid_request"
	case errors.Is(err, ErrInvalidResource):
		code = "invalid_target"
	default:
		h.logger.Error("authorize", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		return
	}

	// Client and redirect URI checked out, so the error goes back to the
	// client per RFC 6749 §4.1.2.1.
	u, perr := url.Parse(req.RedirectURI)
	if perr != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": code})
		return
	}
	q := u.Query()
	q.Set("error", code)
	if req.State != "" {
		q.Set("state", req.State)
	}
	u.RawQuery = q.Encode()
	c.Redirect(http.StatusFound, u.String())
}

// Consent handles POST /oauth/consent: verify the signed pending state,
// mint the code, and redirect back to the client.
func (h *Handler) Consent(c *gin.Context) {
	userID, ok := h.sessions.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "access_denied"})
		return
	}

	pending, err := h.consent.Verify(c.PostForm("consent_token"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "consent state expired or invalid"})
		return
	}
	if pending.UserID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "access_denied"})
		return
	}

	redirect, err := url.Parse(pending.RedirectURI)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	q := redirect.Query()
	if pending.State != "" {
		q.Set("state", pending.State)
	}

	if c.PostForm("decision") != "approve" {
		q.Set("error", "access_denied")
		redirect.RawQuery = q.Encode()
		c.Redirect(http.StatusFound, redirect.String())
		return
	}

	code, err := h.svc.MintCode(c.Request.Context(), pending)
	if err != nil {
		h.logger.Error("mint authorization code", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		return
	}
	q.Set("code", code)
	redirect.RawQuery = q.Encode()
	c.Redirect(http.StatusFound, redirect.String())
}

// ── Token + revocation ───────────────────────────────────────────────────

// Token handles POST /oauth/token (form-encoded per RFC 6749).
func (h *Handler) Token(c *gin.Context) {
	switch c.PostForm("grant_type") {
	case "authorization_code":
		resp, err := h.svc.ExchangeCode(c.Request.Context(),
			c.PostForm("code"),
			c.PostForm("code_verifier"),
			c.PostForm("redirect_uri"),
			c.PostForm("client_id"),
			c.PostForm("client_secret"))
		h.tokenReply(c, resp, err)
	case "refresh_token":
		resp, err := h.svc.RefreshToken(c.Request.Context(),
			c.PostForm("refresh_token"),
			c.PostForm("client_id"))
		h.tokenReply(c, resp, err)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported_grant_type"})
	}
}

func (h *Handler) tokenReply(c *gin.Context, resp *TokenResponse, err error) {
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidGrant):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_grant"})
		case errors.Is(err, ErrInvalidClient):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_client"})
		default:
			h.logger.Error("token grant", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		}
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, resp)
}

// Revoke handles POST /oauth/revoke (RFC 7009). Always 200, even for
// unknown tokens.
func (h *Handler) Revoke(c *gin.Context) {
	raw := c.PostForm("token")
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.svc.Revoke(c.Request.Context(), raw); err != nil {
		h.logger.Error("revoke token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		return
	}
	c.Status(http.StatusOK)
}
