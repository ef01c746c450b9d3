package events

import (
	"context"
	"log/slog"
	"sync"

	apitypes "github.com/sebas/linemux/api/types/v1"
	"github.com/sebas/linemux/internal/phone"
)

// Publisher exports fan-out events to another system.
type Publisher interface {
	// Publish sends an event. Returns error only for transport failures.
	Publish(ctx context.Context, event apitypes.Event) error

	// PublishAsync sends an event without waiting for confirmation.
	PublishAsync(event apitypes.Event)

	// Flush ensures all pending async events are published.
	Flush(ctx context.Context) error

	// Close releases resources. Calls Flush internally.
	Close() error
}

// NoopPublisher discards all events. Use when no export is configured.
type NoopPublisher struct{}

// NewNoopPublisher creates a publisher that silently discards events.
func NewNoopPublisher() *NoopPublisher {
	return &NoopPublisher{}
}

func (p *NoopPublisher) Publish(ctx context.Context, event apitypes.Event) error {
	return nil
}

func (p *NoopPublisher) PublishAsync(event apitypes.Event) {}

func (p *NoopPublisher) Flush(ctx context.Context) error {
	return nil
}

func (p *NoopPublisher) Close() error {
	return nil
}

// LoggingPublisher logs events at debug level.
type LoggingPublisher struct {
	logger *slog.Logger
}

// NewLoggingPublisher creates a publisher that logs events.
func NewLoggingPublisher(logger *slog.Logger) *LoggingPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingPublisher{logger: logger}
}

func (p *LoggingPublisher) Publish(ctx context.Context, event apitypes.Event) error {
	p.PublishAsync(event)
	return nil
}

func (p *LoggingPublisher) PublishAsync(event apitypes.Event) {
	p.logger.Debug("event published",
		"subject", Subject(event),
		"kind", event.Kind,
		"line", event.LineID,
		"call_state", event.CallState,
	)
}

func (p *LoggingPublisher) Flush(ctx context.Context) error {
	return nil
}

func (p *LoggingPublisher) Close() error {
	return nil
}

// ChannelPublisher publishes to an in-memory channel. Used by the event
// stream of the control API and by tests.
type ChannelPublisher struct {
	mu        sync.RWMutex
	ch        chan apitypes.Event
	closed    bool
	dropCount int64
}

// NewChannelPublisher creates a publisher backed by a buffered channel.
// Events are dropped if the buffer is full.
func NewChannelPublisher(bufferSize int) *ChannelPublisher {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelPublisher{ch: make(chan apitypes.Event, bufferSize)}
}

func (p *ChannelPublisher) Publish(ctx context.Context, event apitypes.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.PublishAsync(event)
	return nil
}

func (p *ChannelPublisher) PublishAsync(event apitypes.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.ch <- event:
	default:
		p.dropCount++
		slog.Warn("event dropped: buffer full", "kind", event.Kind, "line", event.LineID)
	}
}

func (p *ChannelPublisher) Flush(ctx context.Context) error {
	return nil
}

func (p *ChannelPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.ch)
	}
	return nil
}

// Events returns the channel for consuming events.
func (p *ChannelPublisher) Events() <-chan apitypes.Event {
	return p.ch
}

// DroppedCount returns the number of events dropped due to buffer overflow.
func (p *ChannelPublisher) DroppedCount() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dropCount
}

// MultiPublisher fans out events to multiple publishers.
type MultiPublisher struct {
	publishers []Publisher
}

// NewMultiPublisher creates a publisher that sends to all provided publishers.
func NewMultiPublisher(publishers ...Publisher) *MultiPublisher {
	return &MultiPublisher{publishers: publishers}
}

func (p *MultiPublisher) Publish(ctx context.Context, event apitypes.Event) error {
	var lastErr error
	for _, pub := range p.publishers {
		if err := pub.Publish(ctx, event); err != nil {
			lastErr = err
			slog.Warn("multi-publisher: one publisher failed",
				"error", err,
				"kind", event.Kind,
			)
		}
	}
	return lastErr
}

func (p *MultiPublisher) PublishAsync(event apitypes.Event) {
	for _, pub := range p.publishers {
		pub.PublishAsync(event)
	}
}

func (p *MultiPublisher) Flush(ctx context.Context) error {
	var lastErr error
	for _, pub := range p.publishers {
		if err := pub.Flush(ctx); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (p *MultiPublisher) Close() error {
	var lastErr error
	for _, pub := range p.publishers {
		if err := pub.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Forwarder subscribes to every published kind of a Bus and hands each
// event to a Publisher without blocking the bus.
type Forwarder struct {
	bus *Bus
	pub Publisher
	h   Handler
}

// NewForwarder creates a forwarder. Call Start to begin forwarding.
func NewForwarder(bus *Bus, pub Publisher) *Forwarder {
	f := &Forwarder{bus: bus, pub: pub}
	f.h = Func(func(ev phone.Event) {
		f.pub.PublishAsync(Record(ev))
	})
	return f
}

// Start subscribes the forwarder to the bus.
func (f *Forwarder) Start() {
	f.bus.SubscribeAll(f.h)
}

// Stop unsubscribes the forwarder.
func (f *Forwarder) Stop() {
	f.bus.UnsubscribeAll(f.h)
}
