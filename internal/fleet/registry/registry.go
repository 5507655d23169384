// Package registry holds the authoritative in-process map of live agent
// connections. Registry contents are ephemeral: a process restart empties
// the map and agents come back as they reconnect; the Agent rows survive in
// the store.
package registry

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/fleetbridge/fleetbridge/internal/fleet/model"
)

var (
	// ErrAgentBusy is returned when an agent's outbound mailbox is full.
	ErrAgentBusy = errors.New("agent mailbox full")
	// ErrCommandTimeout is returned when an agent did not answer a command
	// within its deadline. The agent-side work is not cancelled; only the
	// result is lost.
	ErrCommandTimeout = errors.New("command timed out")
	// ErrAgentGone is returned when the connection closed while a command
	// was outstanding.
	ErrAgentGone = errors.New("agent disconnected")
)

// CommandSink is the capability a live connection exposes to the rest of the
// process. It is owned by the WebSocket handler; nothing else touches the
// socket.
type CommandSink interface {
	// Execute sends a command frame to the agent and waits for the
	// correlated response. Returns ErrAgentBusy without blocking when the
	// mailbox is full.
	Execute(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error)
	// Wake enqueues a state_change frame promoting the agent to ACTIVE.
	// Best-effort: delivery is also guaranteed on the next heartbeat via the
	// persisted target state.
	Wake() error
	AgentID() uuid.UUID
	OwnerID() uuid.UUID
	Hostname() string
	Tools() []model.Tool
	ScreenLocked() bool
	PowerState() model.PowerState
}

// Registry maps live agent IDs to their command sinks. Implementations must
// be safe for concurrent use and must not perform I/O while holding internal
// locks.
type Registry interface {
	Register(agentID uuid.UUID, sink CommandSink)
	Lookup(agentID uuid.UUID) (CommandSink, bool)
	// Unregister removes the entry only if it still points at sink, so a
	// reconnect that replaced the entry is not torn down by the old
	// connection's teardown.
	Unregister(agentID uuid.UUID, sink CommandSink)
	ListByOwner(ownerID uuid.UUID) []CommandSink
	// BroadcastWake wakes every live agent of an owner and reports how many
	// sinks accepted the frame.
	BroadcastWake(ownerID uuid.UUID) int
}
