// Package bus provides the in-process publish/subscribe hub that daemons and
// the dispatcher use to exchange typed request and response events. It is a
// plain fan-out primitive: correlation semantics are layered on top by the
// convention that a response event echoes the request's correlation ID.
//
// A Bus is constructed explicitly and injected into each daemon and
// dispatcher; there is no package-level singleton. Tests get an isolated bus
// per test.
package bus

import (
	"fmt"
	"runtime/debug"
	"sync"

	"continuum/internal/logging"
)

// Handler receives the payload of an emitted event.
type Handler func(payload any)

// Subscription identifies one registered handler so it can be removed.
// Go functions are not comparable, so Off takes the subscription handle
// rather than the handler itself.
type Subscription struct {
	id    uint64
	event string
}

// Event returns the event name the subscription was registered for.
func (s *Subscription) Event() string {
	if s == nil {
		return ""
	}
	return s.event
}

// Bus is an in-process event broker. Multiple handlers per event are
// permitted and all are invoked on emit; invocation order is not guaranteed.
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[string]map[uint64]Handler
	log      *logging.Logger
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		handlers: make(map[string]map[uint64]Handler),
		log:      logging.Get(logging.CategoryBus),
	}
}

// On registers a handler for an event and returns its subscription handle.
func (b *Bus) On(event string, handler Handler) *Subscription {
	if handler == nil {
		return &Subscription{event: event}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.handlers[event] == nil {
		b.handlers[event] = make(map[uint64]Handler)
	}
	b.handlers[event][id] = handler

	return &Subscription{id: id, event: event}
}

// Off removes a subscription. Removing one that was never registered, or
// removing the same subscription twice, is a no-op.
func (b *Bus) Off(sub *Subscription) {
	if sub == nil || sub.id == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if handlers, ok := b.handlers[sub.event]; ok {
		delete(handlers, sub.id)
		if len(handlers) == 0 {
			delete(b.handlers, sub.event)
		}
	}
}

// Emit invokes every handler registered for the event with the payload.
// A panicking handler is recovered and logged; it does not prevent sibling
// handlers from running or the emit from completing.
func (b *Bus) Emit(event string, payload any) {
	b.mu.RLock()
	registered := b.handlers[event]
	// Snapshot so handlers may subscribe/unsubscribe during fan-out.
	snapshot := make([]Handler, 0, len(registered))
	for _, h := range registered {
		snapshot = append(snapshot, h)
	}
	b.mu.RUnlock()

	if len(snapshot) == 0 {
		b.log.Debug("emit %s: no handlers", event)
		return
	}

	for _, h := range snapshot {
		b.invoke(event, h, payload)
	}
}

func (b *Bus) invoke(event string, h Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("handler for %s panicked: %v\n%s", event, r, debug.Stack())
		}
	}()
	h(payload)
}

// HandlerCount returns how many handlers are registered for an event.
// Used by lifecycle tests to verify daemons unsubscribe on stop.
func (b *Bus) HandlerCount(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[event])
}

// String describes the bus for debug output.
func (b *Bus) String() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	total := 0
	for _, hs := range b.handlers {
		total += len(hs)
	}
	return fmt.Sprintf("bus(%d events, %d handlers)", len(b.handlers), total)
}
