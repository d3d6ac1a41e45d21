package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Publisher delivers encoded events to one destination.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, e *Event, data []byte) error
	Close() error
}

// EmitterConfig configures the event emitter.
type EmitterConfig struct {
	// Enabled controls whether events are delivered at all.
	Enabled bool

	// BufferSize bounds the number of undelivered events held in memory.
	// Events emitted while the buffer is full are dropped.
	BufferSize int

	// PublishTimeout bounds a single publisher call (default: 5s).
	PublishTimeout time.Duration

	Publishers []Publisher
}

// Emitter queues lifecycle events and delivers them from a single background
// worker. Emit never blocks.
type Emitter struct {
	enabled    bool
	timeout    time.Duration
	publishers []Publisher

	mu     sync.RWMutex
	closed bool
	queue  chan *Event
	done   chan struct{}
}

// NewEmitter creates an emitter and starts its delivery worker.
func NewEmitter(cfg EmitterConfig) *Emitter {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}

	e := &Emitter{
		enabled:    cfg.Enabled && len(cfg.Publishers) > 0,
		timeout:    cfg.PublishTimeout,
		publishers: cfg.Publishers,
		done:       make(chan struct{}),
	}
	if !e.enabled {
		close(e.done)
		return e
	}

	e.queue = make(chan *Event, cfg.BufferSize)
	go e.run()
	return e
}

// NoopEmitter returns an emitter that drops all events.
func NoopEmitter() *Emitter {
	return NewEmitter(EmitterConfig{})
}

// IsEnabled reports whether events are delivered.
func (e *Emitter) IsEnabled() bool {
	return e.enabled
}

// Emit queues an event for delivery and returns immediately.
func (e *Emitter) Emit(ev *Event) {
	if !e.enabled {
		EventsDroppedTotal.WithLabelValues("disabled").Inc()
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		EventsDroppedTotal.WithLabelValues("closed").Inc()
		return
	}

	select {
	case e.queue <- ev:
		EventsEmittedTotal.WithLabelValues(string(ev.Type)).Inc()
	default:
		EventsDroppedTotal.WithLabelValues("buffer_full").Inc()
		slog.Warn("event buffer full, dropping event",
			"event", ev.Type,
			"transfer_uuid", ev.TransferUUID,
		)
	}
}

func (e *Emitter) run() {
	defer close(e.done)

	for ev := range e.queue {
		data, err := ev.Marshal()
		if err != nil {
			slog.Warn("failed to marshal event", "event", ev.Type, "error", err)
			continue
		}

		for _, p := range e.publishers {
			e.deliver(p, ev, data)
		}
	}
}

func (e *Emitter) deliver(p Publisher, ev *Event, data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	start := time.Now()
	if err := p.Publish(ctx, ev, data); err != nil {
		EventsDeliveryErrorsTotal.WithLabelValues(p.Name()).Inc()
		slog.Warn("failed to deliver event",
			"publisher", p.Name(),
			"event", ev.Type,
			"transfer_uuid", ev.TransferUUID,
			"error", err,
		)
		return
	}
	EventsDeliveryDuration.WithLabelValues(p.Name()).Observe(time.Since(start).Seconds())
}

// Close stops accepting events, delivers what is already queued and closes the
// publishers. It gives up waiting when ctx is done.
func (e *Emitter) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	if e.queue != nil {
		close(e.queue)
	}
	e.mu.Unlock()

	var errs []error
	select {
	case <-e.done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	for _, p := range e.publishers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
