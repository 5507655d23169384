package mcp

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Defaults for the per-session notification buffer.
const (
	defaultBufferEvents = 256
	defaultSessionTTL   = 5 * time.Minute
)

// event is one SSE notification with a session-monotonic id.
type event struct {
	ID   uint64
	Name string
	Data []byte
}

// session holds the replayable notification buffer for one Mcp-Session-Id.
type session struct {
	id        string
	mu        sync.Mutex
	buf       []event // ring, oldest first
	nextID    uint64
	sub       chan event
	lastTouch time.Time
}

// sessionManager owns every live session and evicts idle ones.
type sessionManager struct {
	mu       sync.Mutex
	sessions map[string]*session
	maxBuf   int
	ttl      time.Duration
}

func newSessionManager(maxBuf int, ttl time.Duration) *sessionManager {
	if maxBuf <= 0 {
		maxBuf = defaultBufferEvents
	}
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &sessionManager{
		sessions: map[string]*session{},
		maxBuf:   maxBuf,
		ttl:      ttl,
	}
}

// Create allocates a new session and returns its id.
func (m *sessionManager) Create() string {
	s := &session{
		id:        uuid.New().String(),
		nextID:    1,
		lastTouch: time.Now(),
	}
	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	return s.id
}

// Get returns a session and refreshes its idle timer.
func (m *sessionManager) Get(id string) (*session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if ok {
		s.touch()
	}
	return s, ok
}

// GetOrCreate resolves the session named by id, allocating one when id is
// empty or evicted. The second return reports whether the id was fresh.
func (m *sessionManager) GetOrCreate(id string) (*session, bool) {
	if id != "" {
		if s, ok := m.Get(id); ok {
			return s, false
		}
	}
	fresh := m.Create()
	s, _ := m.Get(fresh)
	return s, true
}

// RunEvictor drops idle sessions. Blocks until ctx is done.
func (m *sessionManager) RunEvictor(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.evictIdle()
		case <-ctx.Done():
			return
		}
	}
}

func (m *sessionManager) evictIdle() {
	cutoff := time.Now().Add(-m.ttl)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		s.mu.Lock()
		idle := s.lastTouch.Before(cutoff) && s.sub == nil
		s.mu.Unlock()
		if idle {
			delete(m.sessions, id)
		}
	}
}

func (s *session) touch() {
	s.mu.Lock()
	s.lastTouch = time.Now()
	s.mu.Unlock()
}

// Publish appends a notification to the ring and hands it to the live
// subscriber, if any. Oldest events fall off when the ring is full.
func (s *session) Publish(maxBuf int, name string, data []byte) {
	s.mu.Lock()
	ev := event{ID: s.nextID, Name: name, Data: data}
	s.nextID++
	s.buf = append(s.buf, ev)
	if len(s.buf) > maxBuf {
		s.buf = s.buf[len(s.buf)-maxBuf:]
	}
	sub := s.sub
	s.mu.Unlock()

	if sub != nil {
		select {
		case sub <- ev:
		default:
			// Slow consumer; it will catch up via Last-Event-ID replay.
		}
	}
}

// Subscribe attaches the single live consumer, replaying everything after
// lastEventID first. ok is false when lastEventID has already been evicted
// from the ring, in which case the consumer must be told to reset.
func (s *session) Subscribe(lastEventID uint64) (replay []event, live chan event, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lastEventID > 0 {
		oldest := s.nextID // empty ring: nothing lost yet
		if len(s.buf) > 0 {
			oldest = s.buf[0].ID
		}
		if lastEventID+1 < oldest {
			return nil, nil, false
		}
		for _, ev := range s.buf {
			if ev.ID > lastEventID {
				replay = append(replay, ev)
			}
		}
	}

	live = make(chan event, 16)
	s.sub = live
	s.lastTouch = time.Now()
	return replay, live, true
}

// Unsubscribe detaches the consumer if it is still the current one.
func (s *session) Unsubscribe(live chan event) {
	s.mu.Lock()
	if s.sub == live {
		s.sub = nil
	}
	s.lastTouch = time.Now()
	s.mu.Unlock()
}
