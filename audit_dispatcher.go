package authcore

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// dropWarnEvery throttles drop warnings so a saturated sink cannot flood the
// log. The first drop and every Nth after it are reported with the running
// total.
const dropWarnEvery = 1000

// auditDispatcher decouples auth paths from the audit sink. Events are
// queued on a bounded channel and delivered by a single worker goroutine;
// a slow sink therefore delays the trail, never the authentication decision.
type auditDispatcher struct {
	cfg       AuditConfig
	sink      AuditSink
	logger    *zap.Logger
	queue     chan AuditEvent
	quit      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

// newAuditDispatcher returns nil when auditing is disabled; a nil dispatcher
// is safe to call.
func newAuditDispatcher(cfg AuditConfig, sink AuditSink, logger *zap.Logger) *auditDispatcher {
	if !cfg.Enabled {
		return nil
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if sink == nil {
		sink = NoOpSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &auditDispatcher{
		cfg:    cfg,
		sink:   sink,
		logger: logger,
		queue:  make(chan AuditEvent, cfg.BufferSize),
		quit:   make(chan struct{}),
	}

	d.wg.Add(1)
	go d.deliver()

	return d
}

func (d *auditDispatcher) deliver() {
	defer d.wg.Done()

	for {
		select {
		case event := <-d.queue:
			d.sink.Emit(context.Background(), event)
		case <-d.quit:
			d.drain()
			return
		}
	}
}

// drain flushes events already queued at shutdown. New Emit calls are
// rejected by the closed flag, so this terminates.
func (d *auditDispatcher) drain() {
	for {
		select {
		case event := <-d.queue:
			d.sink.Emit(context.Background(), event)
		default:
			return
		}
	}
}

// Emit queues an audit event for asynchronous delivery. With DropIfFull set
// a saturated queue sheds the event, counts it, and logs a throttled
// warning; otherwise Emit blocks until the queue accepts it or ctx ends.
// Emit after Close is a no-op.
func (d *auditDispatcher) Emit(ctx context.Context, event AuditEvent) {
	if d == nil || d.closed.Load() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if d.cfg.DropIfFull {
		select {
		case d.queue <- event:
		case <-d.quit:
		default:
			d.noteDrop(event)
		}
		return
	}

	select {
	case d.queue <- event:
	case <-ctx.Done():
	case <-d.quit:
	}
}

func (d *auditDispatcher) noteDrop(event AuditEvent) {
	total := d.dropped.Add(1)
	if total == 1 || total%dropWarnEvery == 0 {
		d.logger.Warn("audit event dropped, sink not keeping up",
			zap.String("event_type", event.EventType),
			zap.Uint64("dropped_total", total),
		)
	}
}

// Close stops the worker after draining queued events. Safe to call more
// than once and on a nil dispatcher.
func (d *auditDispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.quit)
		d.wg.Wait()
	})
}

// Dropped reports how many events were shed since construction.
func (d *auditDispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
