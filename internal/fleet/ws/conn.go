package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fleetbridge/fleetbridge/internal/fleet/model"
	"github.com/fleetbridge/fleetbridge/internal/fleet/registry"
	"github.com/fleetbridge/fleetbridge/internal/fleet/store"
)

// mailboxSize bounds the outbound frame queue per connection. A full
// mailbox surfaces as agent_busy to callers instead of blocking them.
const mailboxSize = 32

// drainGrace is how long teardown waits for in-flight responses before
// failing the remaining waiters.
const drainGrace = time.Second

// Conn is one live agent connection: a reader goroutine that parses frames
// and a writer goroutine that serialises sends, joined by a bounded mailbox.
// No two writers ever hold the socket. Conn implements
// registry.CommandSink.
type Conn struct {
	sock    *websocket.Conn
	handler *Handler
	logger  *zap.Logger

	agentID  uuid.UUID
	ownerID  uuid.UUID
	hostname string
	tools    []model.Tool

	mailbox chan any
	closed  chan struct{}
	closeWG sync.WaitGroup
	once    sync.Once

	mu            sync.Mutex
	pending       map[string]chan responseFrame
	screenLocked  bool
	powerState    model.PowerState
	intervalMs    int64
	lastHeartbeat time.Time

	cmdTimeout time.Duration
}

func newConn(sock *websocket.Conn, h *Handler, agent *model.Agent, tools []model.Tool, interval time.Duration) *Conn {
	return &Conn{
		sock:       sock,
		handler:    h,
		logger:     h.logger.With(zap.String("agent_id", agent.ID.String())),
		agentID:    agent.ID,
		ownerID:    agent.OwnerUserID,
		hostname:   agent.Hostname,
		tools:      tools,
		mailbox:    make(chan any, mailboxSize),
		closed:     make(chan struct{}),
		pending:    make(map[string]chan responseFrame),
		powerState: agent.PowerState,
		intervalMs: interval.Milliseconds(),
		lastHeartbeat: time.Now(),
		cmdTimeout: h.cfg.CommandTimeout,
	}
}

// ── registry.CommandSink ─────────────────────────────────────────────────

// AgentID implements registry.CommandSink.
func (c *Conn) AgentID() uuid.UUID { return c.agentID }

// OwnerID implements registry.CommandSink.
func (c *Conn) OwnerID() uuid.UUID { return c.ownerID }

// Hostname implements registry.CommandSink.
func (c *Conn) Hostname() string { return c.hostname }

// Tools implements registry.CommandSink.
func (c *Conn) Tools() []model.Tool { return c.tools }

// ScreenLocked implements registry.CommandSink.
func (c *Conn) ScreenLocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.screenLocked
}

// PowerState implements registry.CommandSink.
func (c *Conn) PowerState() model.PowerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.powerState
}

// Execute implements registry.CommandSink. The request is enqueued on the
// writer mailbox and the response correlated by request ID. On timeout the
// result is recorded as lost; the agent is never told to cancel.
func (c *Conn) Execute(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error) {
	reqID := uuid.New().String()
	respCh := make(chan responseFrame, 1)

	c.mu.Lock()
	c.pending[reqID] = respCh
	c.mu.Unlock()

	frame := requestFrame{Type: TypeRequest, RequestID: reqID, Tool: tool, Args: args}
	select {
	case c.mailbox <- frame:
	case <-c.closed:
		c.dropPending(reqID)
		return nil, registry.ErrAgentGone
	default:
		c.dropPending(reqID)
		return nil, registry.ErrAgentBusy
	}

	// Callers that grant more time than the default wait it out; the relay
	// does this for sleeping targets, which need the wake window on top of
	// the normal execution allowance.
	wait := c.cmdTimeout
	if d, ok := ctx.Deadline(); ok {
		if remaining := time.Until(d); remaining > wait {
			wait = remaining
		}
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case resp, ok := <-respCh:
		if !ok {
			return nil, registry.ErrAgentGone
		}
		if !resp.Success {
			msg := "command failed"
			if resp.Error != nil {
				msg = *resp.Error
			}
			return nil, fmt.Errorf("%s: %s", tool, msg)
		}
		return resp.Result, nil
	case <-timer.C:
		c.dropPending(reqID)
		c.logger.Warn("command result lost to timeout, agent-side work not cancelled",
			zap.String("request_id", reqID), zap.String("tool", tool))
		return nil, registry.ErrCommandTimeout
	case <-ctx.Done():
		// Orphaned: the HTTP caller went away. The agent completes the work;
		// only the delivery path is gone.
		c.dropPending(reqID)
		return nil, ctx.Err()
	case <-c.closed:
		return nil, registry.ErrAgentGone
	}
}

// Wake implements registry.CommandSink.
func (c *Conn) Wake() error {
	frame := stateChangeFrame{
		Type:              TypeStateChange,
		TargetState:       string(model.PowerActive),
		HeartbeatInterval: c.handler.cfg.Power.ActiveInterval.Milliseconds(),
	}
	select {
	case c.mailbox <- frame:
		return nil
	case <-c.closed:
		return registry.ErrAgentGone
	default:
		return registry.ErrAgentBusy
	}
}

func (c *Conn) dropPending(reqID string) {
	c.mu.Lock()
	delete(c.pending, reqID)
	c.mu.Unlock()
}

// send enqueues a frame, dropping it if the mailbox is full.
func (c *Conn) send(frame any) error {
	select {
	case c.mailbox <- frame:
		return nil
	case <-c.closed:
		return registry.ErrAgentGone
	default:
		return registry.ErrAgentBusy
	}
}

// ── Loops ────────────────────────────────────────────────────────────────

// run starts both loops and blocks until the reader exits.
func (c *Conn) run(ctx context.Context) {
	c.closeWG.Add(1)
	go c.writeLoop()
	c.readLoop(ctx)
	c.teardown()
	c.closeWG.Wait()
}

func (c *Conn) writeLoop() {
	defer c.closeWG.Done()
	for {
		select {
		case frame := <-c.mailbox:
			c.sock.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.sock.WriteJSON(frame); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				c.teardown()
				return
			}
		case <-c.closed:
			// Flush frames already queued, then stop.
			for {
				select {
				case frame := <-c.mailbox:
					c.sock.SetWriteDeadline(time.Now().Add(2 * time.Second))
					if c.sock.WriteJSON(frame) != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	for {
		c.sock.SetReadDeadline(time.Now().Add(c.idleTimeout()))
		_, data, err := c.sock.ReadMessage()
		if err != nil {
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.closeWith(CloseUnknownMessage, "malformed frame")
			return
		}

		switch env.Type {
		case TypeHeartbeat:
			var hb heartbeatFrame
			if err := json.Unmarshal(data, &hb); err != nil {
				c.closeWith(CloseUnknownMessage, "malformed heartbeat")
				return
			}
			if ok := c.handleHeartbeat(ctx, hb); !ok {
				return
			}
		case TypeResponse:
			var resp responseFrame
			if err := json.Unmarshal(data, &resp); err != nil {
				c.closeWith(CloseUnknownMessage, "malformed response")
				return
			}
			c.deliverResponse(resp)
		default:
			c.closeWith(CloseUnknownMessage, "unknown message type "+env.Type)
			return
		}
	}
}

// handleHeartbeat updates liveness, consults the power engine, and replies
// with heartbeat_ack. Returns false when the connection must close.
func (c *Conn) handleHeartbeat(ctx context.Context, hb heartbeatFrame) bool {
	h := c.handler

	facts := store.HeartbeatFacts{
		ScreenLocked: hb.Status.ScreenLocked,
		CurrentTask:  hb.Status.CurrentTask,
	}
	if err := h.store.RecordHeartbeat(ctx, c.agentID, facts); err != nil {
		c.logger.Warn("record heartbeat", zap.Error(err))
	}

	agent, err := h.store.GetAgent(ctx, c.agentID)
	if err != nil {
		c.logger.Error("load agent on heartbeat", zap.Error(err))
		return true
	}

	if agent.State == model.StateBlocked || agent.State == model.StateExpired {
		// Let an in-flight command finish before evicting. This runs on the
		// reader goroutine, the only one that delivers response frames, so
		// keep reading them here instead of parking in a wait nobody can
		// satisfy.
		c.drainResponses(drainGrace)
		c.send(errorFrame{Type: TypeError, Code: CodeLicenseInvalid,
			Message: "license is " + string(agent.State)})
		c.closeWith(CloseLicenseInvalid, "license "+string(agent.State))
		return false
	}

	decision := h.engine.Decide(ctx, agent)
	if agent.PowerState != decision.TargetState {
		if err := h.store.SetPowerState(ctx, c.agentID, decision.TargetState); err != nil {
			c.logger.Warn("persist power state", zap.Error(err))
		}
	}

	pendingCommands := agent.PendingCommands > 0
	if pendingCommands && decision.TargetState == model.PowerActive {
		if _, err := h.store.DrainPendingCommands(ctx, c.agentID); err != nil {
			c.logger.Warn("drain pending commands", zap.Error(err))
		}
	}

	c.mu.Lock()
	c.screenLocked = hb.Status.ScreenLocked
	c.powerState = decision.TargetState
	c.intervalMs = decision.Interval.Milliseconds()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()

	ack := heartbeatAckFrame{
		Type:              TypeHeartbeatAck,
		LicenseStatus:     agent.LicenseStatus(),
		LicenseUUID:       agent.LicenseUUID,
		TargetState:       string(decision.TargetState),
		HeartbeatInterval: decision.Interval.Milliseconds(),
		PendingCommands:   pendingCommands,
	}
	if decision.WakeAt != nil {
		s := decision.WakeAt.UTC().Format(time.RFC3339)
		ack.WakeAt = &s
	}
	if err := c.send(ack); err != nil {
		c.logger.Warn("enqueue heartbeat_ack", zap.Error(err))
	}
	return true
}

func (c *Conn) deliverResponse(resp responseFrame) {
	c.mu.Lock()
	ch, ok := c.pending[resp.RequestID]
	if ok {
		delete(c.pending, resp.RequestID)
	}
	c.mu.Unlock()
	if !ok {
		// Orphaned response: the waiter timed out or went away.
		c.logger.Debug("response with no waiter", zap.String("request_id", resp.RequestID))
		return
	}
	ch <- resp
}

// idleTimeout is three missed heartbeats.
func (c *Conn) idleTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return 3 * time.Duration(c.intervalMs) * time.Millisecond
}

// lastSeen reports when the last heartbeat arrived.
func (c *Conn) lastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

func (c *Conn) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// awaitPendingDrained waits up to grace for outstanding requests to resolve.
// Must not be called from the reader goroutine; the reader is what delivers
// the responses being waited for.
func (c *Conn) awaitPendingDrained(grace time.Duration) {
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if c.pendingCount() == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// drainResponses is the reader-goroutine counterpart of awaitPendingDrained:
// it keeps servicing response frames off the socket until no request is
// outstanding or the grace expires. Non-response frames arriving during the
// drain are discarded.
func (c *Conn) drainResponses(grace time.Duration) {
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if c.pendingCount() == 0 {
			return
		}
		c.sock.SetReadDeadline(deadline)
		_, data, err := c.sock.ReadMessage()
		if err != nil {
			return
		}
		var resp responseFrame
		if json.Unmarshal(data, &resp) == nil && resp.Type == TypeResponse {
			c.deliverResponse(resp)
		}
	}
}

// drainAndClose waits for in-flight commands, then closes. For callers off
// the reader goroutine (shutdown, admin disconnect); the reader keeps
// delivering responses while this waits.
func (c *Conn) drainAndClose(code int, reason string) {
	c.awaitPendingDrained(drainGrace)
	c.closeWith(code, reason)
}

func (c *Conn) closeWith(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	c.sock.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_ = c.sock.WriteControl(websocket.CloseMessage, msg, time.Now().Add(2*time.Second))
	c.teardown()
}

// teardown is idempotent: fail remaining waiters, drop from the registry,
// flip the row offline. The Agent row itself is never touched beyond
// is_online. teardown never waits for pending requests; it is reached from
// the reader goroutine, where waiting would starve the response delivery it
// waits for. Callers wanting a drain use drainAndClose or drainResponses.
func (c *Conn) teardown() {
	c.once.Do(func() {
		close(c.closed)

		c.mu.Lock()
		waiters := c.pending
		c.pending = map[string]chan responseFrame{}
		c.mu.Unlock()
		for id, ch := range waiters {
			c.logger.Debug("failing orphaned request on close", zap.String("request_id", id))
			close(ch)
		}

		c.handler.forget(c)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.handler.store.SetOffline(ctx, c.agentID); err != nil {
			c.logger.Warn("mark offline", zap.Error(err))
		}
		c.sock.Close()
		c.logger.Info("agent disconnected")
	})
}
