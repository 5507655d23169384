// Package httpapi carries the portal-facing REST surface: the admin API
// for agents and MCP connections, rate limiting, and Prometheus metrics.
package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetbridge/fleetbridge/internal/fleet/model"
	"github.com/fleetbridge/fleetbridge/internal/fleet/store"
	"github.com/fleetbridge/fleetbridge/internal/users"
)

// adminStore is the persistence surface the admin API needs.
type adminStore interface {
	GetAgent(ctx context.Context, id uuid.UUID) (*model.Agent, error)
	ListAgentsByOwner(ctx context.Context, ownerID uuid.UUID) ([]*model.Agent, error)
	DeleteAgent(ctx context.Context, agentID, ownerID uuid.UUID) error
	CreateConnection(ctx context.Context, userID uuid.UUID, name string) (*model.McpConnection, error)
	GetConnection(ctx context.Context, id uuid.UUID) (*model.McpConnection, error)
	ListConnectionsByUser(ctx context.Context, userID uuid.UUID) ([]*model.McpConnection, error)
	UpdateConnectionStatus(ctx context.Context, id, userID uuid.UUID, status model.ConnectionStatus) error
	GetActivityPattern(ctx context.Context, userID uuid.UUID) (*model.ActivityPattern, error)
	SetQuietWindow(ctx context.Context, userID uuid.UUID, start, end *int) error
	SetScheduleMode(ctx context.Context, userID uuid.UUID, mode model.ScheduleMode, timezone string) error
}

// licenseSvc drives agent lifecycle transitions, satisfied by *license.Service.
type licenseSvc interface {
	Activate(ctx context.Context, agentID uuid.UUID) (string, error)
	Block(ctx context.Context, agentID uuid.UUID) error
	Unblock(ctx context.Context, agentID uuid.UUID) error
}

// tokenRevoker cuts off MCP access when a connection is revoked,
// satisfied by the OAuth store.
type tokenRevoker interface {
	RevokeTokensByConnection(ctx context.Context, connectionID uuid.UUID) error
}

// wakeBroadcaster promotes an owner's sleeping agents, satisfied by the
// power engine.
type wakeBroadcaster interface {
	Wake(ctx context.Context, ownerID uuid.UUID) int
}

// disconnector severs a blocked agent's live socket, satisfied by the
// WebSocket handler.
type disconnector interface {
	Disconnect(agentID uuid.UUID, reason string) bool
}

// AdminHandler exposes the portal admin API. Every route requires a
// portal session; every object access is owner-checked.
type AdminHandler struct {
	store    adminStore
	lic      licenseSvc
	tokens   tokenRevoker
	wake     wakeBroadcaster
	disco    disconnector
	sessions *users.Sessions
	issuer   string
	logger   *zap.Logger
}

// NewAdminHandler creates an AdminHandler. disco may be nil when no
// WebSocket handler is running (tests).
func NewAdminHandler(
	st adminStore,
	lic licenseSvc,
	tokens tokenRevoker,
	wake wakeBroadcaster,
	disco disconnector,
	sessions *users.Sessions,
	issuer string,
	logger *zap.Logger,
) *AdminHandler {
	return &AdminHandler{
		store:    st,
		lic:      lic,
		tokens:   tokens,
		wake:     wake,
		disco:    disco,
		sessions: sessions,
		issuer:   issuer,
		logger:   logger,
	}
}

// Register mounts the admin routes on the given router group.
func (h *AdminHandler) Register(rg *gin.RouterGroup) {
	api := rg.Group("/api", h.sessions.Require())
	{
		api.GET("/agents", h.ListAgents)
		api.GET("/agents/:id", h.GetAgent)
		api.POST("/agents/:id/activate", h.ActivateAgent)
		api.POST("/agents/:id/block", h.BlockAgent)
		api.POST("/agents/:id/unblock", h.UnblockAgent)
		api.DELETE("/agents/:id", h.DeleteAgent)
		api.POST("/agents/wake", h.WakeAgents)

		api.POST("/connections", h.CreateConnection)
		api.GET("/connections", h.ListConnections)
		api.POST("/connections/:id/pause", h.PauseConnection)
		api.POST("/connections/:id/resume", h.ResumeConnection)
		api.POST("/connections/:id/revoke", h.RevokeConnection)

		api.GET("/activity", h.GetActivityPattern)
		api.PUT("/activity/quiet-window", h.SetQuietWindow)
		api.PUT("/activity/schedule", h.SetScheduleMode)
	}
}

// sessionUser returns the authenticated user id. Require() has already
// run, so a miss means a programming error, not a client one.
func (h *AdminHandler) sessionUser(c *gin.Context) (uuid.UUID, bool) {
	uid, ok := h.sessions.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
	}
	return uid, ok
}

// ownedAgent parses the :id param and verifies the agent belongs to the
// session user. Replies 404 on both unknown and foreign agents so the
// API does not leak other tenants' agent ids.
func (h *AdminHandler) ownedAgent(c *gin.Context, userID uuid.UUID) (*model.Agent, bool) {
	agentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid agent id"})
		return nil, false
	}
	agent, err := h.store.GetAgent(c.Request.Context(), agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		} else {
			h.logger.Error("get agent", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		}
		return nil, false
	}
	if agent.OwnerUserID != userID {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return nil, false
	}
	return agent, true
}

// ListAgents handles GET /api/agents.
func (h *AdminHandler) ListAgents(c *gin.Context) {
	userID, ok := h.sessionUser(c)
	if !ok {
		return
	}
	agents, err := h.store.ListAgentsByOwner(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("list agents", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents, "count": len(agents)})
}

// GetAgent handles GET /api/agents/:id.
func (h *AdminHandler) GetAgent(c *gin.Context) {
	userID, ok := h.sessionUser(c)
	if !ok {
		return
	}
	agent, ok := h.ownedAgent(c, userID)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, agent)
}

// ActivateAgent handles POST /api/agents/:id/activate. Activation is
// idempotent: re-activating an ACTIVE agent returns its existing license.
func (h *AdminHandler) ActivateAgent(c *gin.Context) {
	userID, ok := h.sessionUser(c)
	if !ok {
		return
	}
	agent, ok := h.ownedAgent(c, userID)
	if !ok {
		return
	}

	licenseUUID, err := h.lic.Activate(c.Request.Context(), agent.ID)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"agent_id":     agent.ID,
		"license_uuid": licenseUUID,
		"state":        model.StateActive,
	})
}

// BlockAgent handles POST /api/agents/:id/block. A blocked agent's live
// socket is closed immediately; reconnect attempts are refused.
func (h *AdminHandler) BlockAgent(c *gin.Context) {
	userID, ok := h.sessionUser(c)
	if !ok {
		return
	}
	agent, ok := h.ownedAgent(c, userID)
	if !ok {
		return
	}

	if err := h.lic.Block(c.Request.Context(), agent.ID); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if h.disco != nil {
		h.disco.Disconnect(agent.ID, "agent blocked")
	}
	c.JSON(http.StatusOK, gin.H{"agent_id": agent.ID, "state": model.StateBlocked})
}

// UnblockAgent handles POST /api/agents/:id/unblock.
func (h *AdminHandler) UnblockAgent(c *gin.Context) {
	userID, ok := h.sessionUser(c)
	if !ok {
		return
	}
	agent, ok := h.ownedAgent(c, userID)
	if !ok {
		return
	}

	if err := h.lic.Unblock(c.Request.Context(), agent.ID); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent_id": agent.ID, "state": model.StateActive})
}

// DeleteAgent handles DELETE /api/agents/:id.
func (h *AdminHandler) DeleteAgent(c *gin.Context) {
	userID, ok := h.sessionUser(c)
	if !ok {
		return
	}
	agent, ok := h.ownedAgent(c, userID)
	if !ok {
		return
	}

	if h.disco != nil {
		h.disco.Disconnect(agent.ID, "agent deleted")
	}
	if err := h.store.DeleteAgent(c.Request.Context(), agent.ID, userID); err != nil {
		h.logger.Error("delete agent", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": agent.ID})
}

// WakeAgents handles POST /api/agents/wake: promotes every sleeping
// agent of the session user to ACTIVE pacing.
func (h *AdminHandler) WakeAgents(c *gin.Context) {
	userID, ok := h.sessionUser(c)
	if !ok {
		return
	}
	woken := h.wake.Wake(c.Request.Context(), userID)
	c.JSON(http.StatusOK, gin.H{"woken": woken})
}

type createConnectionRequest struct {
	Name string `json:"name" binding:"required,max=120"`
}

// CreateConnection handles POST /api/connections.
func (h *AdminHandler) CreateConnection(c *gin.Context) {
	userID, ok := h.sessionUser(c)
	if !ok {
		return
	}
	var req createConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conn, err := h.store.CreateConnection(c.Request.Context(), userID, req.Name)
	if err != nil {
		h.logger.Error("create connection", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"connection":   conn,
		"endpoint_url": conn.EndpointURL(h.issuer),
	})
}

// ListConnections handles GET /api/connections.
func (h *AdminHandler) ListConnections(c *gin.Context) {
	userID, ok := h.sessionUser(c)
	if !ok {
		return
	}
	conns, err := h.store.ListConnectionsByUser(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("list connections", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"connections": conns, "count": len(conns)})
}

// PauseConnection handles POST /api/connections/:id/pause.
func (h *AdminHandler) PauseConnection(c *gin.Context) {
	h.setConnectionStatus(c, model.ConnectionPaused)
}

// ResumeConnection handles POST /api/connections/:id/resume. Revoked
// connections stay revoked.
func (h *AdminHandler) ResumeConnection(c *gin.Context) {
	h.setConnectionStatus(c, model.ConnectionActive)
}

// RevokeConnection handles POST /api/connections/:id/revoke. Revocation
// is terminal and also kills every token minted for the connection.
// Idempotent: revoking twice succeeds.
func (h *AdminHandler) RevokeConnection(c *gin.Context) {
	userID, ok := h.sessionUser(c)
	if !ok {
		return
	}
	connID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid connection id"})
		return
	}

	if err := h.store.UpdateConnectionStatus(c.Request.Context(), connID, userID, model.ConnectionRevoked); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "connection not found"})
			return
		}
		h.logger.Error("revoke connection", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "revoke failed"})
		return
	}
	if err := h.tokens.RevokeTokensByConnection(c.Request.Context(), connID); err != nil {
		h.logger.Error("revoke connection tokens",
			zap.String("connection_id", connID.String()), zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"revoked": connID})
}

func (h *AdminHandler) setConnectionStatus(c *gin.Context, status model.ConnectionStatus) {
	userID, ok := h.sessionUser(c)
	if !ok {
		return
	}
	connID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid connection id"})
		return
	}

	conn, err := h.store.GetConnection(c.Request.Context(), connID)
	if err != nil || conn.UserID != userID {
		c.JSON(http.StatusNotFound, gin.H{"error": "connection not found"})
		return
	}
	if conn.Status == model.ConnectionRevoked {
		c.JSON(http.StatusConflict, gin.H{"error": "connection is revoked"})
		return
	}

	if err := h.store.UpdateConnectionStatus(c.Request.Context(), connID, userID, status); err != nil {
		h.logger.Error("update connection status", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": connID, "status": status})
}

// GetActivityPattern handles GET /api/activity.
func (h *AdminHandler) GetActivityPattern(c *gin.Context) {
	userID, ok := h.sessionUser(c)
	if !ok {
		return
	}
	pattern, err := h.store.GetActivityPattern(c.Request.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		// No activity observed yet; report the defaults.
		pattern = &model.ActivityPattern{UserID: userID, Mode: model.ScheduleAutoDetect, Timezone: "UTC"}
	} else if err != nil {
		h.logger.Error("get activity pattern", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, pattern)
}

type quietWindowRequest struct {
	Start *int `json:"start" binding:"omitempty,min=0,max=23"`
	End   *int `json:"end"   binding:"omitempty,min=0,max=23"`
}

// SetQuietWindow handles PUT /api/activity/quiet-window. Sending nulls
// clears the custom window.
func (h *AdminHandler) SetQuietWindow(c *gin.Context) {
	userID, ok := h.sessionUser(c)
	if !ok {
		return
	}
	var req quietWindowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if (req.Start == nil) != (req.End == nil) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "start and end must be set together"})
		return
	}

	if err := h.store.SetQuietWindow(c.Request.Context(), userID, req.Start, req.End); err != nil {
		h.logger.Error("set quiet window", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"start": req.Start, "end": req.End})
}

type scheduleModeRequest struct {
	Mode     model.ScheduleMode `json:"mode"     binding:"required"`
	Timezone string             `json:"timezone"`
}

// SetScheduleMode handles PUT /api/activity/schedule.
func (h *AdminHandler) SetScheduleMode(c *gin.Context) {
	userID, ok := h.sessionUser(c)
	if !ok {
		return
	}
	var req scheduleModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	switch req.Mode {
	case model.ScheduleAlwaysActive, model.ScheduleAutoDetect, model.ScheduleCustom, model.ScheduleSleepOvernight:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown schedule mode"})
		return
	}

	if err := h.store.SetScheduleMode(c.Request.Context(), userID, req.Mode, req.Timezone); err != nil {
		h.logger.Error("set schedule mode", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"mode": req.Mode, "timezone": req.Timezone})
}
