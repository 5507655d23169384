package registry

import (
	"sync"

	"github.com/google/uuid"
)

// MemoryRegistry is the default single-process Registry. Lock discipline:
// mutate under the lock, release, then do I/O; Wake() is called on a
// snapshot taken under RLock.
type MemoryRegistry struct {
	mu      sync.RWMutex
	sinks   map[uuid.UUID]CommandSink
	byOwner map[uuid.UUID]map[uuid.UUID]CommandSink
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		sinks:   make(map[uuid.UUID]CommandSink),
		byOwner: make(map[uuid.UUID]map[uuid.UUID]CommandSink),
	}
}

// Register implements Registry. A second registration for the same agent ID
// replaces the first; the at-most-one-live-connection invariant is enforced
// here, and the WebSocket handler closes the replaced connection.
func (r *MemoryRegistry) Register(agentID uuid.UUID, sink CommandSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sinks[agentID]; ok {
		r.removeOwnerLocked(old.OwnerID(), agentID)
	}
	r.sinks[agentID] = sink
	owner := sink.OwnerID()
	if r.byOwner[owner] == nil {
		r.byOwner[owner] = make(map[uuid.UUID]CommandSink)
	}
	r.byOwner[owner][agentID] = sink
}

// Lookup implements Registry. O(1).
func (r *MemoryRegistry) Lookup(agentID uuid.UUID) (CommandSink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sinks[agentID]
	return s, ok
}

// Unregister implements Registry.
func (r *MemoryRegistry) Unregister(agentID uuid.UUID, sink CommandSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.sinks[agentID]
	if !ok || cur != sink {
		return
	}
	delete(r.sinks, agentID)
	r.removeOwnerLocked(sink.OwnerID(), agentID)
}

// ListByOwner implements Registry.
func (r *MemoryRegistry) ListByOwner(ownerID uuid.UUID) []CommandSink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	owned := r.byOwner[ownerID]
	out := make([]CommandSink, 0, len(owned))
	for _, s := range owned {
		out = append(out, s)
	}
	return out
}

// BroadcastWake implements Registry.
func (r *MemoryRegistry) BroadcastWake(ownerID uuid.UUID) int {
	sinks := r.ListByOwner(ownerID)
	n := 0
	for _, s := range sinks {
		if err := s.Wake(); err == nil {
			n++
		}
	}
	return n
}

// Len reports the number of live connections.
func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sinks)
}

func (r *MemoryRegistry) removeOwnerLocked(ownerID, agentID uuid.UUID) {
	owned := r.byOwner[ownerID]
	if owned == nil {
		return
	}
	delete(owned, agentID)
	if len(owned) == 0 {
		delete(r.byOwner, ownerID)
	}
}
