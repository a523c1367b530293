package chatsync

import (
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// EventHandler receives a decoded inbound event.
type EventHandler func(Event)

// Dispatcher routes inbound envelopes to at most one handler per event name.
// Handlers run synchronously on the caller's goroutine, in arrival order.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler
	log      *zap.Logger
	metrics  *Metrics
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(log *zap.Logger, metrics *Metrics) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		handlers: make(map[string]EventHandler),
		log:      log,
		metrics:  metrics,
	}
}

// On registers h for name, removing any previous handler first.
func (d *Dispatcher) On(name string, h EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.handlers, name)
	d.handlers[name] = h
}

// Off removes the handler for name.
func (d *Dispatcher) Off(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.handlers, name)
}

// Reset removes every handler.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = make(map[string]EventHandler)
}

// Subscribed returns the registered event names, sorted.
func (d *Dispatcher) Subscribed() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.handlers))
	for n := range d.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Handle registers a typed handler for name.
func Handle[T Event](d *Dispatcher, name string, h func(T)) {
	d.On(name, func(ev Event) {
		if typed, ok := ev.(T); ok {
			h(typed)
		}
	})
}

// Dispatch decodes env and invokes its handler. Malformed payloads are
// dropped before any handler runs.
func (d *Dispatcher) Dispatch(env Envelope) {
	d.mu.RLock()
	h, ok := d.handlers[env.Type]
	d.mu.RUnlock()
	if !ok {
		d.log.Debug("no handler for event", zap.String("event", env.Type))
		return
	}
	d.metrics.eventReceived(env.Type)

	ev, skipped, err := decodeEvent(env)
	if skipped > 0 {
		d.metrics.malformedDropped(env.Type, skipped)
		d.log.Warn("dropped malformed records", zap.String("event", env.Type), zap.Int("count", skipped))
	}
	if err != nil {
		if errors.Is(err, ErrMalformed) {
			d.metrics.malformedDropped(env.Type, 1)
		}
		d.log.Warn("dropped event", zap.String("event", env.Type), zap.Error(err))
		return
	}

	defer func() {
		if r := recover(); r != nil {
			d.log.Error("event handler panicked", zap.String("event", env.Type), zap.Any("panic", r))
		}
	}()
	h(ev)
}
