package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"chatbridge/internal/domain"
)

const acquireTimeout = 10 * time.Second

// Outcome reports what Dispatch did with an event.
type Outcome int

const (
	Dispatched Outcome = iota
	NoListener
	Dropped
	Closed
)

func (o Outcome) String() string {
	switch o {
	case Dispatched:
		return "dispatched"
	case NoListener:
		return "no_listener"
	case Dropped:
		return "dropped"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Dispatcher runs listeners for inbound events on their own goroutines, at
// most maxConcurrent at a time.
type Dispatcher struct {
	registry *Registry
	slots    chan struct{}
	wg       sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
	logger   *slog.Logger
}

func NewDispatcher(registry *Registry, maxConcurrent int, logger *slog.Logger) *Dispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	return &Dispatcher{
		registry: registry,
		slots:    make(chan struct{}, maxConcurrent),
		logger:   logger,
	}
}

// Dispatch hands ev to the listener registered for its kind. Blocks up to 10
// seconds when all slots are busy instead of dropping immediately.
func (d *Dispatcher) Dispatch(ctx context.Context, ev domain.Event, adapter domain.Adapter) Outcome {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.logger.Debug("dispatcher closed, dropping event", "kind", ev.Kind, "message_id", ev.MessageID())
		return Closed
	}

	listener, ok := d.registry.Lookup(ev.Kind)
	if !ok {
		d.logger.Debug("no listener registered", "kind", ev.Kind, "message_id", ev.MessageID())
		return NoListener
	}

	select {
	case d.slots <- struct{}{}:
	default:
		d.logger.Warn("all listener slots busy, waiting...", "kind", ev.Kind, "sender", ev.Sender.ID)
		timer := time.NewTimer(acquireTimeout)
		defer timer.Stop()
		select {
		case d.slots <- struct{}{}:
		case <-timer.C:
			d.logger.Error("event dropped: listener slots busy for 10s",
				"kind", ev.Kind,
				"sender", ev.Sender.ID,
			)
			return Dropped
		case <-ctx.Done():
			return Dropped
		}
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() { <-d.slots }()
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("listener panic", "kind", ev.Kind, "message_id", ev.MessageID(), "panic", r)
			}
		}()
		listener(context.WithoutCancel(ctx), ev, adapter)
	}()
	return Dispatched
}

// Close stops accepting events and waits for running listeners, or until ctx ends.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every dispatched listener has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
