// Package ws implements the agent-facing WebSocket endpoint: registration,
// heartbeats, command dispatch, and teardown.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fleetbridge/fleetbridge/internal/fleet/license"
	"github.com/fleetbridge/fleetbridge/internal/fleet/model"
	"github.com/fleetbridge/fleetbridge/internal/fleet/power"
	"github.com/fleetbridge/fleetbridge/internal/fleet/registry"
	"github.com/fleetbridge/fleetbridge/internal/fleet/store"
)

// registerDeadline bounds how long a fresh socket may take to present its
// register frame.
const registerDeadline = 10 * time.Second

// agentStore is the persistence surface the handler needs.
type agentStore interface {
	GetAgent(ctx context.Context, id uuid.UUID) (*model.Agent, error)
	RecordHeartbeat(ctx context.Context, agentID uuid.UUID, facts store.HeartbeatFacts) error
	SetOnline(ctx context.Context, agentID uuid.UUID, ip string) error
	SetOffline(ctx context.Context, agentID uuid.UUID) error
	SetPowerState(ctx context.Context, agentID uuid.UUID, ps model.PowerState) error
	DrainPendingCommands(ctx context.Context, agentID uuid.UUID) (int, error)
}

// licenser resolves register frames to agent rows.
type licenser interface {
	Register(ctx context.Context, req license.RegisterRequest) (*model.Agent, license.Outcome, error)
}

// Config carries the handler's tunables.
type Config struct {
	CommandTimeout time.Duration
	Power          power.Config
}

// Handler owns the /ws endpoint and the set of live connections on this
// process.
type Handler struct {
	store  agentStore
	lic    licenser
	engine *power.Engine
	reg    registry.Registry
	cfg    Config
	logger *zap.Logger

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*Conn]struct{}
}

// NewHandler creates the WebSocket handler.
func NewHandler(st agentStore, lic licenser, engine *power.Engine, reg registry.Registry, cfg Config, logger *zap.Logger) *Handler {
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = 30 * time.Second
	}
	return &Handler{
		store:  st,
		lic:    lic,
		engine: engine,
		reg:    reg,
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents connect outbound from arbitrary networks; there is no
			// browser origin to check.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: map[*Conn]struct{}{},
	}
}

// Register mounts the endpoint.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/ws", h.Serve)
}

// Serve upgrades the connection and runs the registration handshake
// followed by the frame loops. Blocks for the lifetime of the socket.
func (h *Handler) Serve(c *gin.Context) {
	sock, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("upgrade failed", zap.Error(err))
		return
	}

	clientIP := c.ClientIP()
	ctx := c.Request.Context()

	conn, ok := h.handshake(ctx, sock, clientIP)
	if !ok {
		sock.Close()
		return
	}
	conn.run(ctx)
}

// handshake reads the register frame and resolves it through the license
// service. On success the connection is live, online, and registered.
func (h *Handler) handshake(ctx context.Context, sock *websocket.Conn, clientIP string) (*Conn, bool) {
	sock.SetReadDeadline(time.Now().Add(registerDeadline))
	_, data, err := sock.ReadMessage()
	if err != nil {
		return nil, false
	}

	var reg registerFrame
	if err := json.Unmarshal(data, &reg); err != nil || reg.Type != TypeRegister {
		h.refuse(sock, CodeInvalidRegistration, "first frame must be register", CloseInvalidRegistration)
		return nil, false
	}
	if reg.MachineID == "" || reg.CustomerID == uuid.Nil {
		h.refuse(sock, CodeInvalidRegistration, "customerId and machineId are required", CloseInvalidRegistration)
		return nil, false
	}

	agent, outcome, err := h.lic.Register(ctx, license.RegisterRequest{
		CustomerID:  reg.CustomerID,
		MachineID:   reg.MachineID,
		Fingerprint: reg.Fingerprint,
		LicenseUUID: reg.LicenseUUID,
		Info:        reg.MachineInfo,
		IP:          clientIP,
	})
	if err != nil {
		if errors.Is(err, license.ErrAgentBlocked) {
			h.refuse(sock, CodeLicenseInvalid, "agent is blocked", CloseLicenseInvalid)
			return nil, false
		}
		h.logger.Error("registration failed", zap.Error(err))
		h.refuse(sock, CodeInvalidRegistration, "registration failed", CloseInvalidRegistration)
		return nil, false
	}
	if outcome == license.OutcomeDuplicate {
		h.refuse(sock, CodeDuplicate, "license is bound to another machine", CloseDuplicate)
		return nil, false
	}

	decision := h.engine.Decide(ctx, agent)
	conn := newConn(sock, h, agent, reg.Tools, decision.Interval)

	reply := registeredFrame{
		Type:              TypeRegistered,
		AgentID:           agent.ID.String(),
		LicenseStatus:     agent.LicenseStatus(),
		LicenseUUID:       agent.LicenseUUID,
		HeartbeatInterval: decision.Interval.Milliseconds(),
		ServerTime:        time.Now().UTC().Format(time.RFC3339),
	}
	sock.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := sock.WriteJSON(reply); err != nil {
		return nil, false
	}

	if err := h.store.SetOnline(ctx, agent.ID, clientIP); err != nil {
		h.logger.Warn("mark online", zap.Error(err))
	}

	// Replacing a previous registration closes the old socket: at most one
	// live connection per agent ID.
	if old, ok := h.reg.Lookup(agent.ID); ok {
		if oldConn, isConn := old.(*Conn); isConn {
			oldConn.closeWith(websocket.CloseNormalClosure, "replaced by new connection")
		}
	}
	h.reg.Register(agent.ID, conn)

	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()

	h.logger.Info("agent connected",
		zap.String("agent_id", agent.ID.String()),
		zap.String("outcome", string(outcome)),
		zap.String("state", string(agent.State)))
	return conn, true
}

func (h *Handler) refuse(sock *websocket.Conn, code, message string, closeCode int) {
	sock.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_ = sock.WriteJSON(errorFrame{Type: TypeError, Code: code, Message: message})
	msg := websocket.FormatCloseMessage(closeCode, message)
	_ = sock.WriteControl(websocket.CloseMessage, msg, time.Now().Add(2*time.Second))
}

// forget removes a connection from the live set and the registry.
func (h *Handler) forget(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
	h.reg.Unregister(c.agentID, c)
}

// Disconnect severs the live connection of an agent, if any. Used when
// an agent is blocked so no further commands reach it.
func (h *Handler) Disconnect(agentID uuid.UUID, reason string) bool {
	sink, ok := h.reg.Lookup(agentID)
	if !ok {
		return false
	}
	conn, ok := sink.(*Conn)
	if !ok {
		return false
	}
	conn.drainAndClose(websocket.ClosePolicyViolation, reason)
	return true
}

// RunReaper closes connections whose last heartbeat is older than three
// intervals. Exactly 3×interval is tolerated; anything beyond is not.
// Blocks until ctx is done.
func (h *Handler) RunReaper(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.reapStale()
		case <-ctx.Done():
			return
		}
	}
}

func (h *Handler) reapStale() {
	h.mu.Lock()
	stale := make([]*Conn, 0)
	now := time.Now()
	for c := range h.conns {
		if now.Sub(c.lastSeen()) > c.idleTimeout() {
			stale = append(stale, c)
		}
	}
	h.mu.Unlock()

	for _, c := range stale {
		h.logger.Info("reaping agent with missed heartbeats",
			zap.String("agent_id", c.agentID.String()))
		c.closeWith(websocket.CloseGoingAway, "heartbeat window missed")
	}
}

// Shutdown closes every live connection, draining each within its grace
// window. Called during the second phase of process shutdown.
func (h *Handler) Shutdown() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			c.drainAndClose(websocket.CloseGoingAway, "server shutting down")
		}(c)
	}
	wg.Wait()
}
