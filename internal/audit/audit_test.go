package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetbridge/fleetbridge/internal/fleet/model"
)

type memSink struct {
	mu   sync.Mutex
	cmds []*model.CommandLog
	reqs []*model.McpRequestLog
}

func (m *memSink) InsertCommandLog(_ context.Context, l *model.CommandLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cmds = append(m.cmds, l)
	return nil
}

func (m *memSink) InsertMcpRequestLog(_ context.Context, l *model.McpRequestLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reqs = append(m.reqs, l)
	return nil
}

func (m *memSink) reqCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reqs)
}

func reqLog(method string) *model.McpRequestLog {
	return &model.McpRequestLog{ID: uuid.New(), ConnectionID: uuid.New(), Method: method}
}

func TestWriter_dropsOldestNonSecurityUnderBackpressure(t *testing.T) {
	sink := &memSink{}
	w := NewWriter(sink, 2, zap.NewNop())

	// No drain running: the third record must shed the oldest.
	w.Request(reqLog("one"))
	w.Request(reqLog("two"))
	w.Request(reqLog("three"))

	if w.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", w.Dropped())
	}

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	deadline := time.Now().Add(2 * time.Second)
	for sink.reqCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.reqs) != 2 {
		t.Fatalf("persisted = %d, want 2", len(sink.reqs))
	}
	if sink.reqs[0].Method != "two" || sink.reqs[1].Method != "three" {
		t.Fatalf("kept %s, %s; the oldest record must be the one shed", sink.reqs[0].Method, sink.reqs[1].Method)
	}
}

func TestWriter_securityRecordsBlockInsteadOfDropping(t *testing.T) {
	sink := &memSink{}
	w := NewWriter(sink, 1, zap.NewNop())

	w.Request(reqLog("filler"))

	done := make(chan struct{})
	go func() {
		w.AuthFailure(reqLog("auth-fail"))
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("security enqueue must block while the queue is full")
	case <-time.After(50 * time.Millisecond):
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("security enqueue never completed after drain started")
	}

	deadline := time.Now().Add(2 * time.Second)
	for sink.reqCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sink.reqCount() != 2 {
		t.Fatalf("persisted = %d, want both records", sink.reqCount())
	}
	if w.Dropped() != 0 {
		t.Fatalf("dropped = %d, want 0", w.Dropped())
	}
}

func TestWriter_allSecurityQueueShedsIncomingWithoutSpinning(t *testing.T) {
	sink := &memSink{}
	w := NewWriter(sink, 2, zap.NewNop())

	// Fill every slot with security records; there is room, so these do
	// not block.
	w.AuthFailure(reqLog("sec-one"))
	w.AuthFailure(reqLog("sec-two"))

	// Nothing is evictable: the non-security record must be the one shed,
	// and enqueue must return rather than rotate forever.
	done := make(chan struct{})
	go func() {
		w.Request(reqLog("shed-me"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("enqueue spun on a queue full of security records")
	}
	if w.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", w.Dropped())
	}

	// Both security records survive the failed shed attempt.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Run(ctx)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.reqs) != 2 {
		t.Fatalf("persisted = %d, want the 2 security records", len(sink.reqs))
	}
	if sink.reqs[0].Method != "sec-one" || sink.reqs[1].Method != "sec-two" {
		t.Fatalf("kept %s, %s; security records must not be reordered out", sink.reqs[0].Method, sink.reqs[1].Method)
	}
}

func TestWriter_commandLogsFlushOnShutdown(t *testing.T) {
	sink := &memSink{}
	w := NewWriter(sink, 16, zap.NewNop())

	w.Command(&model.CommandLog{ID: uuid.New(), AgentID: uuid.New(), Tool: "screenshot"})
	w.Command(&model.CommandLog{ID: uuid.New(), AgentID: uuid.New(), Tool: "click"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // Run drains what is queued, then returns.
	w.Run(ctx)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.cmds) != 2 {
		t.Fatalf("persisted = %d, want 2 after shutdown flush", len(sink.cmds))
	}
}
