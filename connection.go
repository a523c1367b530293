package chatsync

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// ============================================================================
// Connection Manager
// ============================================================================

type connInput int

const (
	inputConnect connInput = iota
	inputTransportConnecting
	inputTransportConnected
	inputTransportReconnecting
	inputTransportDisconnected
	inputTeardown
)

func (in connInput) String() string {
	switch in {
	case inputConnect:
		return "connect"
	case inputTransportConnecting:
		return "transport_connecting"
	case inputTransportConnected:
		return "transport_connected"
	case inputTransportReconnecting:
		return "transport_reconnecting"
	case inputTransportDisconnected:
		return "transport_disconnected"
	case inputTeardown:
		return "teardown"
	}
	return "unknown"
}

// ConnectionHooks are the effects the manager triggers on transitions.
// They run outside the manager's lock.
type ConnectionHooks struct {
	// Dial starts a transport connection attempt.
	Dial func(ctx context.Context)
	// Rearm removes and re-registers every dispatcher subscription.
	Rearm func()
	// Reload re-issues the load of the current conversation.
	Reload func()
}

// ConnectionManager owns the channel lifecycle as an explicit state machine.
// The transport retries on its own; the manager only reacts to the states it
// reports.
type ConnectionManager struct {
	mu            sync.Mutex
	state         ConnectionState
	everConnected bool
	deferred      []func()
	listeners     []func(ConnectionState)
	hooks         ConnectionHooks
	log           *zap.Logger
	metrics       *Metrics
}

// NewConnectionManager creates a manager in the Disconnected state.
func NewConnectionManager(hooks ConnectionHooks, log *zap.Logger, metrics *Metrics) *ConnectionManager {
	if log == nil {
		log = zap.NewNop()
	}
	return &ConnectionManager{
		state:   StateDisconnected,
		hooks:   hooks,
		log:     log,
		metrics: metrics,
	}
}

// transition is the single transition function. It returns the next state
// and the effects to run once the lock is released.
func (m *ConnectionManager) transition(ctx context.Context, in connInput) (ConnectionState, []func()) {
	var effects []func()
	next := m.state

	switch in {
	case inputConnect:
		if m.state == StateDisconnected {
			next = StateConnecting
			if m.hooks.Dial != nil {
				dial := m.hooks.Dial
				effects = append(effects, func() { dial(ctx) })
			}
		}

	case inputTransportConnecting:
		if m.state == StateDisconnected {
			next = StateConnecting
		}

	case inputTransportConnected:
		if m.state == StateConnected {
			break
		}
		next = StateConnected
		if m.everConnected {
			m.metrics.reconnected()
			if m.hooks.Rearm != nil {
				effects = append(effects, m.hooks.Rearm)
			}
			if m.hooks.Reload != nil {
				effects = append(effects, m.hooks.Reload)
			}
		}
		m.everConnected = true
		effects = append(effects, m.deferred...)
		m.deferred = nil

	case inputTransportReconnecting:
		next = StateReconnecting

	case inputTransportDisconnected:
		next = StateDisconnected

	case inputTeardown:
		next = StateDisconnected
		m.deferred = nil
		m.everConnected = false
	}

	if next != m.state {
		m.log.Info("connection state changed",
			zap.String("from", string(m.state)),
			zap.String("to", string(next)),
			zap.Stringer("input", in))
		m.state = next
		for _, l := range m.listeners {
			l := l
			effects = append(effects, func() { l(next) })
		}
	}
	return next, effects
}

func (m *ConnectionManager) handle(ctx context.Context, in connInput) ConnectionState {
	m.mu.Lock()
	next, effects := m.transition(ctx, in)
	m.mu.Unlock()
	for _, fn := range effects {
		fn()
	}
	return next
}

// Connect starts a connection if disconnected and returns the state after
// the request.
func (m *ConnectionManager) Connect(ctx context.Context) ConnectionState {
	return m.handle(ctx, inputConnect)
}

// Observe feeds a transport-reported state into the state machine.
func (m *ConnectionManager) Observe(state ConnectionState) {
	var in connInput
	switch state {
	case StateConnecting:
		in = inputTransportConnecting
	case StateConnected:
		in = inputTransportConnected
	case StateReconnecting:
		in = inputTransportReconnecting
	default:
		in = inputTransportDisconnected
	}
	m.handle(context.Background(), in)
}

// Teardown drops deferred work and returns to Disconnected.
func (m *ConnectionManager) Teardown() {
	m.handle(context.Background(), inputTeardown)
}

// OnStateChange registers a listener for state transitions.
func (m *ConnectionManager) OnStateChange(fn func(ConnectionState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// State returns the current state.
func (m *ConnectionManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether the channel is usable.
func (m *ConnectionManager) IsConnected() bool {
	return m.State() == StateConnected
}

// Defer queues fn until the next Connected transition. It returns false
// without queueing when already connected; the caller runs fn itself.
func (m *ConnectionManager) Defer(fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateConnected {
		return false
	}
	m.deferred = append(m.deferred, fn)
	return true
}

// Deferred returns the number of queued operations.
func (m *ConnectionManager) Deferred() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.deferred)
}
