package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/akmhq/akm/internal/model"
)

// DefaultWriteTimeout bounds each sink write.
const DefaultWriteTimeout = 5 * time.Second

// Dispatcher is an Emitter that hands entries to a background goroutine
// through a bounded channel. When the channel is full the entry is dropped
// and counted; Emit never blocks.
type Dispatcher struct {
	sink    Sink
	logger  *slog.Logger
	timeout time.Duration
	onDrop  func()

	ch        chan model.AuditEntry
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closeOnce sync.Once

	// mu orders Emit's send against Close so no queued entry misses the
	// final drain.
	mu     sync.RWMutex
	closed bool
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithWriteTimeout bounds each sink write.
func WithWriteTimeout(d time.Duration) DispatcherOption {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.timeout = d
		}
	}
}

// OnDrop registers a callback invoked for every dropped entry.
func OnDrop(fn func()) DispatcherOption {
	return func(dp *Dispatcher) { dp.onDrop = fn }
}

// NewDispatcher starts the delivery goroutine. Close must be called to
// flush pending entries and stop it.
func NewDispatcher(sink Sink, buffer int, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	if buffer <= 0 {
		buffer = 1
	}
	d := &Dispatcher{
		sink:    sink,
		logger:  logger,
		timeout: DefaultWriteTimeout,
		ch:      make(chan model.AuditEntry, buffer),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case e := <-d.ch:
			d.write(e)
		case <-d.done:
			for {
				select {
				case e := <-d.ch:
					d.write(e)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) write(e model.AuditEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := d.sink.Write(ctx, e); err != nil {
		d.logger.Warn("audit write failed", "action", e.Action, "error", err)
	}
}

// Emit queues an entry. Entries emitted after Close are discarded.
func (d *Dispatcher) Emit(e model.AuditEntry) {
	if d == nil {
		return
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.ch <- e:
	default:
		d.dropped.Add(1)
		if d.onDrop != nil {
			d.onDrop()
		}
	}
}

// Close stops accepting entries, drains the queue, and waits for the
// delivery goroutine to exit. It is safe to call more than once.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.done)
		d.mu.Unlock()
		d.wg.Wait()
	})
}

// Dropped returns how many entries were discarded because the queue was
// full.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
