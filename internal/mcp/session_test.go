package mcp

import (
	"fmt"
	"testing"
	"time"
)

func TestSession_replayAfterLastEventID(t *testing.T) {
	m := newSessionManager(256, time.Minute)
	id := m.Create()
	sess, _ := m.Get(id)

	for i := 1; i <= 5; i++ {
		sess.Publish(m.maxBuf, "message", []byte(fmt.Sprintf(`{"n":%d}`, i)))
	}

	replay, live, ok := sess.Subscribe(2)
	if !ok {
		t.Fatal("subscribe with buffered id must succeed")
	}
	defer sess.Unsubscribe(live)

	if len(replay) != 3 {
		t.Fatalf("replayed %d events, want 3", len(replay))
	}
	if replay[0].ID != 3 || replay[2].ID != 5 {
		t.Fatalf("replay ids = %d..%d, want 3..5", replay[0].ID, replay[2].ID)
	}
}

func TestSession_monotonicIDs(t *testing.T) {
	m := newSessionManager(256, time.Minute)
	id := m.Create()
	sess, _ := m.Get(id)

	_, live, _ := sess.Subscribe(0)
	defer sess.Unsubscribe(live)

	sess.Publish(m.maxBuf, "a", []byte(`1`))
	sess.Publish(m.maxBuf, "b", []byte(`2`))

	first := <-live
	second := <-live
	if second.ID != first.ID+1 {
		t.Fatalf("ids %d, %d not monotonic", first.ID, second.ID)
	}
}

func TestSession_evictedHistoryForcesReset(t *testing.T) {
	m := newSessionManager(4, time.Minute)
	id := m.Create()
	sess, _ := m.Get(id)

	// Overflow the 4-slot ring; events 1..6 leave only 3..6 buffered.
	for i := 1; i <= 6; i++ {
		sess.Publish(m.maxBuf, "message", []byte(`x`))
	}

	if _, _, ok := sess.Subscribe(1); ok {
		t.Fatal("subscribe after eviction of the requested id must fail")
	}
	// The boundary id still replays: lastEventID 2 needs event 3 onward.
	replay, live, ok := sess.Subscribe(2)
	if !ok {
		t.Fatal("oldest retained id must still replay")
	}
	defer sess.Unsubscribe(live)
	if len(replay) != 4 || replay[0].ID != 3 {
		t.Fatalf("replay = %d events from %d, want 4 from 3", len(replay), replay[0].ID)
	}
}

func TestSessionManager_evictsIdleSessions(t *testing.T) {
	m := newSessionManager(16, 10*time.Millisecond)
	id := m.Create()

	time.Sleep(30 * time.Millisecond)
	m.evictIdle()

	if _, ok := m.Get(id); ok {
		t.Fatal("idle session must be evicted")
	}
}

func TestSessionManager_getOrCreate(t *testing.T) {
	m := newSessionManager(16, time.Minute)
	s1, fresh := m.GetOrCreate("")
	if !fresh {
		t.Fatal("empty id must allocate")
	}
	s2, fresh := m.GetOrCreate(s1.id)
	if fresh || s2.id != s1.id {
		t.Fatal("existing id must resolve to the same session")
	}
	s3, fresh := m.GetOrCreate("evicted-or-bogus")
	if !fresh || s3.id == s1.id {
		t.Fatal("unknown id must allocate a fresh session")
	}
}
