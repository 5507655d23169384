// Package audit funnels append-only log records through a bounded queue so
// request paths never block on the database. Security-relevant records are
// exempt from shedding: the caller blocks until the record is queued.
package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fleetbridge/fleetbridge/internal/fleet/model"
)

const defaultQueueSize = 1024

// sink is the persistence surface, satisfied by the fleet store.
type sink interface {
	InsertCommandLog(ctx context.Context, l *model.CommandLog) error
	InsertMcpRequestLog(ctx context.Context, l *model.McpRequestLog) error
}

// entry is one queued record. security entries may not be shed.
type entry struct {
	security bool
	persist  func(ctx context.Context, s sink) error
}

// Writer drains audit records to the store on a single background
// goroutine.
type Writer struct {
	sink   sink
	logger *zap.Logger

	mu    sync.Mutex
	queue chan entry

	dropped uint64
}

// NewWriter creates a Writer with the given queue capacity (0 = default).
func NewWriter(s sink, queueSize int, logger *zap.Logger) *Writer {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Writer{
		sink:   s,
		logger: logger,
		queue:  make(chan entry, queueSize),
	}
}

// Run drains the queue until ctx is done, then flushes what is left.
func (w *Writer) Run(ctx context.Context) {
	for {
		select {
		case e := <-w.queue:
			w.write(e)
		case <-ctx.Done():
			for {
				select {
				case e := <-w.queue:
					w.write(e)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) write(e entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.persist(ctx, w.sink); err != nil {
		w.logger.Warn("persist audit record", zap.Error(err))
	}
}

// enqueue adds a record. Non-security records shed the oldest queued entry
// under backpressure; security records block until there is room.
func (w *Writer) enqueue(e entry) {
	if e.security {
		w.queue <- e
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for scanned := 0; ; scanned++ {
		select {
		case w.queue <- e:
			return
		default:
		}
		// Full: shed the oldest non-security record to make room. Security
		// entries that get picked up here are re-queued, never dropped. The
		// scan is bounded to one rotation of the queue; if every slot holds
		// a security entry the incoming record is the one shed.
		if scanned >= cap(w.queue) {
			w.shed()
			return
		}
		select {
		case old := <-w.queue:
			if old.security {
				w.queue <- old
				continue
			}
			w.shed()
		default:
		}
	}
}

func (w *Writer) shed() {
	w.dropped++
	if w.dropped%100 == 1 {
		w.logger.Warn("audit queue full, shedding records", zap.Uint64("dropped", w.dropped))
	}
}

// Dropped reports how many non-security records were shed.
func (w *Writer) Dropped() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

// Command records a dispatched agent command.
func (w *Writer) Command(l *model.CommandLog) {
	w.enqueue(entry{persist: func(ctx context.Context, s sink) error {
		return s.InsertCommandLog(ctx, l)
	}})
}

// Request records one JSON-RPC request on a tenant endpoint.
func (w *Writer) Request(l *model.McpRequestLog) {
	w.enqueue(entry{persist: func(ctx context.Context, s sink) error {
		return s.InsertMcpRequestLog(ctx, l)
	}})
}

// AuthFailure records a rejected bearer token. Security event: never shed.
func (w *Writer) AuthFailure(l *model.McpRequestLog) {
	w.enqueue(entry{security: true, persist: func(ctx context.Context, s sink) error {
		return s.InsertMcpRequestLog(ctx, l)
	}})
}
