package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetbridge/fleetbridge/internal/audit"
	"github.com/fleetbridge/fleetbridge/internal/fleet/model"
	"github.com/fleetbridge/fleetbridge/internal/fleet/registry"
	"github.com/fleetbridge/fleetbridge/internal/oauth"
)

const (
	sessionHeader = "Mcp-Session-Id"
	maxBodyBytes  = 1 << 20
)

// relayStore is the persistence surface the relay needs.
type relayStore interface {
	GetConnectionByEndpoint(ctx context.Context, endpointUUID uuid.UUID) (*model.McpConnection, error)
	TouchConnectionUsage(ctx context.Context, id uuid.UUID) error
	GetAgent(ctx context.Context, id uuid.UUID) (*model.Agent, error)
	IncrementPendingCommands(ctx context.Context, agentID uuid.UUID) error
}

// tokenValidator checks bearer tokens against an endpoint audience.
// Satisfied by the oauth service.
type tokenValidator interface {
	ValidateAccess(ctx context.Context, raw, audience string) (*oauth.Token, error)
}

// activitySignals feeds the power engine. Satisfied by *power.Engine.
type activitySignals interface {
	NoteAISession(ownerID uuid.UUID)
	NoteCommand(ctx context.Context, ownerID uuid.UUID)
}

// Config carries the relay tunables.
type Config struct {
	Issuer       string
	WakeTimeout  time.Duration // extra allowance when the target is asleep
	BufferEvents int           // SSE ring size per session
	SessionTTL   time.Duration
}

// Handler serves POST and GET /mcp/:endpointUuid.
type Handler struct {
	cfg      Config
	store    relayStore
	tokens   tokenValidator
	reg      registry.Registry
	engine   activitySignals
	audit    *audit.Writer
	sessions *sessionManager
	logger   *zap.Logger
}

// NewHandler creates the relay handler.
func NewHandler(cfg Config, store relayStore, tokens tokenValidator, reg registry.Registry, engine activitySignals, aud *audit.Writer, logger *zap.Logger) *Handler {
	if cfg.WakeTimeout == 0 {
		cfg.WakeTimeout = 10 * time.Second
	}
	return &Handler{
		cfg:      cfg,
		store:    store,
		tokens:   tokens,
		reg:      reg,
		engine:   engine,
		audit:    aud,
		sessions: newSessionManager(cfg.BufferEvents, cfg.SessionTTL),
		logger:   logger,
	}
}

// Register mounts the relay endpoints. Optional middlewares (rate
// limiting) run before the handlers.
func (h *Handler) Register(r *gin.Engine, mw ...gin.HandlerFunc) {
	r.POST("/mcp/:endpointUuid", append(mw, h.Post)...)
	r.GET("/mcp/:endpointUuid", append(mw, h.Stream)...)
}

// RunSessionEvictor drops idle SSE sessions. Blocks until ctx is done.
func (h *Handler) RunSessionEvictor(ctx context.Context) {
	h.sessions.RunEvictor(ctx, time.Minute)
}

// ── Authentication ───────────────────────────────────────────────────────

// authenticate resolves the endpoint, validates the bearer token against
// its audience, and returns the connection and token. On failure it has
// already written the response.
func (h *Handler) authenticate(c *gin.Context) (*model.McpConnection, *oauth.Token, bool) {
	endpointUUID, err := uuid.Parse(c.Param("endpointUuid"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown endpoint"})
		return nil, nil, false
	}
	conn, err := h.store.GetConnectionByEndpoint(c.Request.Context(), endpointUUID)
	if err != nil || conn.Status == model.ConnectionRevoked {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown endpoint"})
		return nil, nil, false
	}
	if conn.Status != model.ConnectionActive {
		c.JSON(http.StatusForbidden, gin.H{"error": "connection is paused"})
		return nil, nil, false
	}

	audience := conn.EndpointURL(h.cfg.Issuer)
	raw := bearerToken(c)
	if raw == "" {
		h.unauthorized(c, conn, "missing bearer token")
		return nil, nil, false
	}
	tok, err := h.tokens.ValidateAccess(c.Request.Context(), raw, audience)
	if err != nil {
		h.unauthorized(c, conn, "invalid token")
		return nil, nil, false
	}

	h.engine.NoteAISession(conn.UserID)
	return conn, tok, true
}

// unauthorized writes the 401 with the RFC 9728 pointer that lets clients
// discover the authorization server.
func (h *Handler) unauthorized(c *gin.Context, conn *model.McpConnection, reason string) {
	meta := h.cfg.Issuer + "/.well-known/oauth-protected-resource/" + conn.EndpointUUID.String()
	c.Header("WWW-Authenticate", `Bearer resource_metadata="`+meta+`"`)
	c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})

	h.audit.AuthFailure(&model.McpRequestLog{
		ID:           uuid.New(),
		ConnectionID: conn.ID,
		Method:       c.Request.Method,
		Success:      false,
		ErrorCode:    reason,
		IP:           c.ClientIP(),
		CreatedAt:    time.Now().UTC(),
	})
}

func bearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// ── POST: JSON-RPC ───────────────────────────────────────────────────────

// Post handles one JSON-RPC message. Responses always return on this HTTP
// exchange, never on the SSE stream.
func (h *Handler) Post(c *gin.Context) {
	conn, tok, ok := h.authenticate(c)
	if !ok {
		return
	}

	sess, _ := h.sessions.GetOrCreate(c.GetHeader(sessionHeader))
	c.Header(sessionHeader, sess.id)

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusOK, errorResponse(nil, codeParseError, "read body"))
		return
	}
	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusOK, errorResponse(json.RawMessage(`null`), codeParseError, "parse error"))
		return
	}

	// Notifications get acknowledged and dropped.
	if len(req.ID) == 0 {
		c.Status(http.StatusAccepted)
		return
	}

	started := time.Now()
	resp, toolName := h.dispatch(c.Request.Context(), conn, tok, req, c.ClientIP())
	c.JSON(http.StatusOK, resp)

	if err := h.store.TouchConnectionUsage(c.Request.Context(), conn.ID); err != nil {
		h.logger.Warn("touch connection usage", zap.Error(err))
	}
	h.audit.Request(&model.McpRequestLog{
		ID:           uuid.New(),
		ConnectionID: conn.ID,
		Method:       req.Method,
		Tool:         toolName,
		DurationMs:   time.Since(started).Milliseconds(),
		Success:      resp.Error == nil,
		ErrorCode:    errorCode(resp),
		IP:           c.ClientIP(),
		CreatedAt:    time.Now().UTC(),
	})
}

func errorCode(resp rpcResponse) string {
	if resp.Error == nil {
		return ""
	}
	return strconv.Itoa(resp.Error.Code)
}

func (h *Handler) dispatch(ctx context.Context, conn *model.McpConnection, tok *oauth.Token, req rpcRequest, ip string) (rpcResponse, string) {
	switch req.Method {
	case "initialize":
		return h.handleInitialize(req), ""
	case "ping":
		return resultResponse(req.ID, map[string]any{}), ""
	case "tools/list":
		if !oauth.ScopeSubset(oauth.ScopeTools, tok.Scope) {
			return errorResponse(req.ID, codeForbidden, "token lacks mcp:tools"), ""
		}
		return h.handleToolsList(ctx, conn, req), ""
	case "tools/call":
		if !oauth.ScopeSubset(oauth.ScopeTools, tok.Scope) {
			return errorResponse(req.ID, codeForbidden, "token lacks mcp:tools"), ""
		}
		return h.handleToolsCall(ctx, conn, req, ip)
	case "resources/list":
		if !oauth.ScopeSubset(oauth.ScopeResources, tok.Scope) {
			return errorResponse(req.ID, codeForbidden, "token lacks mcp:resources"), ""
		}
		return resultResponse(req.ID, map[string]any{"resources": []any{}}), ""
	case "prompts/list":
		if !oauth.ScopeSubset(oauth.ScopePrompts, tok.Scope) {
			return errorResponse(req.ID, codeForbidden, "token lacks mcp:prompts"), ""
		}
		return resultResponse(req.ID, map[string]any{"prompts": []any{}}), ""
	default:
		return errorResponse(req.ID, codeMethodNotFound, "method not found: "+req.Method), ""
	}
}

func (h *Handler) handleInitialize(req rpcRequest) rpcResponse {
	return resultResponse(req.ID, map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]any{
			"tools":     map[string]any{"listChanged": true},
			"resources": map[string]any{},
			"prompts":   map[string]any{},
		},
		"serverInfo": map[string]any{"name": "fleetbridge", "version": "1.0.0"},
	})
}

// activeSinks returns the owner's connected sinks whose agents are ACTIVE.
func (h *Handler) activeSinks(ctx context.Context, ownerID uuid.UUID) []registry.CommandSink {
	var out []registry.CommandSink
	for _, sink := range h.reg.ListByOwner(ownerID) {
		agent, err := h.store.GetAgent(ctx, sink.AgentID())
		if err != nil || agent.State != model.StateActive {
			continue
		}
		out = append(out, sink)
	}
	return out
}

func (h *Handler) handleToolsList(ctx context.Context, conn *model.McpConnection, req rpcRequest) rpcResponse {
	entries := buildCatalog(h.activeSinks(ctx, conn.UserID))
	tools := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		schema := e.Tool.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		tools = append(tools, map[string]any{
			"name":        e.PublicName,
			"description": e.Tool.Description,
			"inputSchema": schema,
		})
	}
	return resultResponse(req.ID, map[string]any{"tools": tools})
}

func (h *Handler) handleToolsCall(ctx context.Context, conn *model.McpConnection, req rpcRequest, ip string) (rpcResponse, string) {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return errorResponse(req.ID, codeInvalidParams, "invalid params"), ""
	}

	// Unlike the published catalog, routing sees every connected sink so a
	// call at a not-yet-activated agent gets a precise error.
	sinks := h.reg.ListByOwner(conn.UserID)
	if len(sinks) == 0 {
		return errorResponse(req.ID, codeAgentOffline, "no agent online"), params.Name
	}

	sink, toolName, found := resolveTool(sinks, params.Name)
	if !found {
		// A host-prefixed name whose host is not connected means the target
		// agent is offline, not that the tool never existed.
		if _, _, prefixed := splitPrefixed(params.Name); prefixed {
			return errorResponse(req.ID, codeAgentOffline, "agent offline"), params.Name
		}
		return errorResponse(req.ID, codeInvalidParams, "unknown tool: "+params.Name), params.Name
	}

	agent, err := h.store.GetAgent(ctx, sink.AgentID())
	if err != nil {
		return errorResponse(req.ID, codeInternalError, "agent lookup failed"), params.Name
	}
	switch agent.State {
	case model.StateActive:
	case model.StatePending:
		return errorResponse(req.ID, codeAgentNotActivated, "agent is not activated"), params.Name
	default:
		return errorResponse(req.ID, codeForbidden, "agent is "+string(agent.State)), params.Name
	}
	if isGUITool(toolName) && sink.ScreenLocked() {
		return errorResponse(req.ID, codeScreenLocked, "screen is locked"), params.Name
	}

	h.engine.NoteCommand(ctx, conn.UserID)

	execCtx := ctx
	if sink.PowerState() == model.PowerSleep {
		// Sleeping target: queue a wake, bump the persisted pending counter
		// so the next heartbeat promotes it, and give the call extra time.
		if err := sink.Wake(); err != nil {
			return errorResponse(req.ID, codeAgentOffline, "agent unreachable"), params.Name
		}
		if err := h.store.IncrementPendingCommands(ctx, sink.AgentID()); err != nil {
			h.logger.Warn("bump pending commands", zap.Error(err))
		}
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, h.cfg.WakeTimeout+30*time.Second)
		defer cancel()
	}

	started := time.Now()
	result, err := sink.Execute(execCtx, toolName, params.Arguments)
	h.audit.Command(&model.CommandLog{
		ID:           uuid.New(),
		AgentID:      sink.AgentID(),
		ConnectionID: &conn.ID,
		Tool:         toolName,
		DurationMs:   time.Since(started).Milliseconds(),
		Success:      err == nil,
		ErrorCode:    commandErrorCode(err),
		IP:           ip,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrAgentBusy):
			return errorResponse(req.ID, codeAgentBusy, "agent busy"), params.Name
		case errors.Is(err, registry.ErrCommandTimeout), errors.Is(err, context.DeadlineExceeded):
			return errorResponse(req.ID, codeGatewayTimeout, "command timed out"), params.Name
		case errors.Is(err, registry.ErrAgentGone):
			return errorResponse(req.ID, codeAgentOffline, "agent disconnected"), params.Name
		default:
			// Agent-reported failure: surface as a tool error result, not a
			// protocol error.
			return resultResponse(req.ID, map[string]any{
				"content": []map[string]any{{"type": "text", "text": err.Error()}},
				"isError": true,
			}), params.Name
		}
	}

	return resultResponse(req.ID, map[string]any{
		"content": []map[string]any{{"type": "text", "text": rawToText(result)}},
		"isError": false,
	}), params.Name
}

func rawToText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func commandErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, registry.ErrAgentBusy):
		return "agent_busy"
	case errors.Is(err, registry.ErrCommandTimeout), errors.Is(err, context.DeadlineExceeded):
		return "gateway_timeout"
	case errors.Is(err, registry.ErrAgentGone):
		return "agent_offline"
	default:
		return "tool_error"
	}
}

// ── GET: SSE stream ──────────────────────────────────────────────────────

// Stream opens the server-to-client notification channel for a session.
// Missed events replay from Last-Event-ID; an id that has already been
// evicted from the ring gets a session-reset event and a fresh session.
func (h *Handler) Stream(c *gin.Context) {
	_, _, ok := h.authenticate(c)
	if !ok {
		return
	}

	flusher, canFlush := c.Writer.(http.Flusher)
	if !canFlush {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	sess, _ := h.sessions.GetOrCreate(c.GetHeader(sessionHeader))

	var lastEventID uint64
	if v := c.GetHeader("Last-Event-ID"); v != "" {
		lastEventID, _ = strconv.ParseUint(v, 10, 64)
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header(sessionHeader, sess.id)
	c.Status(http.StatusOK)

	replay, live, ok := sess.Subscribe(lastEventID)
	if !ok {
		// The requested history is gone; the client must start over.
		fresh := h.sessions.Create()
		fmt.Fprintf(c.Writer, "event: session-reset\ndata: {\"sessionId\":%q}\n\n", fresh)
		flusher.Flush()
		return
	}
	defer sess.Unsubscribe(live)

	for _, ev := range replay {
		writeSSE(c.Writer, ev)
	}
	flusher.Flush()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case ev := <-live:
			writeSSE(c.Writer, ev)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(c.Writer, ": keepalive\n\n")
			flusher.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}

func writeSSE(w io.Writer, ev event) {
	fmt.Fprintf(w, "id: %d\n", ev.ID)
	if ev.Name != "" {
		fmt.Fprintf(w, "event: %s\n", ev.Name)
	}
	fmt.Fprintf(w, "data: %s\n\n", ev.Data)
}

// Notify publishes a notification to a session's stream.
func (h *Handler) Notify(sessionID, name string, data []byte) {
	if sess, ok := h.sessions.Get(sessionID); ok {
		sess.Publish(h.sessions.maxBuf, name, data)
	}
}
