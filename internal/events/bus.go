// Package events provides the call-manager event fan-out and the
// publishers that export fan-out events to external systems.
package events

import (
	"log/slog"
	"sync"

	"github.com/sebas/linemux/internal/phone"
)

// Handler receives fan-out events. HandleEvent runs on the call-manager
// worker and must return promptly; long work must be handed off.
type Handler interface {
	HandleEvent(ev phone.Event)
}

type funcHandler struct {
	fn func(phone.Event)
}

func (h *funcHandler) HandleEvent(ev phone.Event) { h.fn(ev) }

// Func wraps fn in a Handler. Keep the returned value to unsubscribe.
func Func(fn func(phone.Event)) Handler {
	return &funcHandler{fn: fn}
}

// Bus keeps one ordered subscriber list per event kind.
type Bus struct {
	mu       sync.RWMutex
	handlers map[phone.EventKind][]Handler
	logger   *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[phone.EventKind][]Handler),
		logger:   logger,
	}
}

// Subscribe appends h to the list for kind. It returns false when h is
// already subscribed to kind.
func (b *Bus) Subscribe(kind phone.EventKind, h Handler) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.handlers[kind] {
		if existing == h {
			return false
		}
	}
	b.handlers[kind] = append(b.handlers[kind], h)
	return true
}

// SubscribeAll subscribes h to every published kind.
func (b *Bus) SubscribeAll(h Handler) {
	for _, kind := range phone.PublishedKinds {
		b.Subscribe(kind, h)
	}
}

// Unsubscribe removes h from the list for kind. It returns false when h
// was not subscribed.
func (b *Bus) Unsubscribe(kind phone.EventKind, h Handler) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.handlers[kind]
	for i, existing := range list {
		if existing == h {
			next := make([]Handler, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			b.handlers[kind] = next
			return true
		}
	}
	return false
}

// UnsubscribeAll removes h from every kind.
func (b *Bus) UnsubscribeAll(h Handler) {
	for _, kind := range phone.PublishedKinds {
		b.Unsubscribe(kind, h)
	}
}

// Count returns the number of handlers subscribed to kind.
func (b *Bus) Count(kind phone.EventKind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[kind])
}

// Publish calls every handler of ev.Kind in subscription order. A
// panicking handler is logged and skipped.
func (b *Bus) Publish(ev phone.Event) {
	b.mu.RLock()
	list := b.handlers[ev.Kind]
	b.mu.RUnlock()

	for _, h := range list {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("[Events] handler panic",
						"kind", ev.Kind.String(),
						"line", ev.LineID,
						"panic", r,
					)
				}
			}()
			h.HandleEvent(ev)
		}()
	}
}
