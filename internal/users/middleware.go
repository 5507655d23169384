package users

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	ctxSessionClaims = "fleetbridge_session_claims"

	// SessionCookie carries the portal session JWT for browser flows.
	// API clients send the same token as a Bearer header instead.
	SessionCookie = "fb_session"
)

// Sessions resolves portal sessions from requests. It accepts the session
// JWT either as an Authorization Bearer header or as the session cookie,
// so the dashboard SPA and the OAuth consent page share one mechanism.
type Sessions struct {
	issuer *SessionIssuer
}

// NewSessions creates a Sessions resolver over the given issuer.
func NewSessions(issuer *SessionIssuer) *Sessions {
	return &Sessions{issuer: issuer}
}

// UserID returns the authenticated user's id, or false when the request
// carries no valid session. Never aborts the request.
func (s *Sessions) UserID(c *gin.Context) (uuid.UUID, bool) {
	claims := s.resolve(c)
	if claims == nil {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(claims.UserID)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// Require returns a Gin middleware that enforces a valid session.
// On success it injects the *SessionClaims into the context.
func (s *Sessions) Require() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := s.resolve(c)
		if claims == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication required",
			})
			return
		}
		c.Set(ctxSessionClaims, claims)
		c.Next()
	}
}

func (s *Sessions) resolve(c *gin.Context) *SessionClaims {
	tokenStr := ""
	if authHeader := c.GetHeader("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		tokenStr = strings.TrimPrefix(authHeader, "Bearer ")
	} else if cookie, err := c.Cookie(SessionCookie); err == nil {
		tokenStr = cookie
	}
	if tokenStr == "" {
		return nil
	}
	claims, err := s.issuer.Verify(tokenStr)
	if err != nil {
		return nil
	}
	return claims
}

// ClaimsFromCtx retrieves the session claims injected by Require.
// Returns nil if no session is present in the context.
func ClaimsFromCtx(c *gin.Context) *SessionClaims {
	v, _ := c.Get(ctxSessionClaims)
	claims, _ := v.(*SessionClaims)
	return claims
}
