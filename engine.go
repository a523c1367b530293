// Package chatsync keeps a chat client's conversations consistent while
// messages are sent optimistically, arrive out of order over a realtime
// channel, and are mutated by other participants.
//
// The Engine is constructed explicitly and owned by the application shell:
//
//	ch := chatsync.NewWSChannel("https://chat.example.com", tokens, nil)
//	engine := chatsync.New(ch,
//		chatsync.WithUser("u-1"),
//		chatsync.WithLogger(logger),
//	)
//	if err := engine.Init(ctx); err != nil { ... }
//	defer engine.Teardown()
//
//	engine.OpenConversation(ctx, "c-1", participants, false)
//	tempID, _ := engine.Send(ctx, "c-1", "hi", nil)
//
// The UI observes Engine.Store().OnChange and re-renders from
// Store().Messages.
package chatsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Channel
// ============================================================================

// Channel is the bidirectional named-event connection to the backend.
// Emit must not block on the network; the Engine calls it while holding its
// lock. Envelope and state callbacks may be invoked from any goroutine.
type Channel interface {
	Connect(ctx context.Context) error
	Close() error
	Emit(ctx context.Context, event string, payload any) error
	OnEnvelope(func(Envelope))
	OnState(func(ConnectionState))
}

// ============================================================================
// Configuration
// ============================================================================

// Config holds the Engine's tunables. Zero values take defaults.
type Config struct {
	UserID string

	// MatchWindow bounds the heuristic pairing of a confirmation with a
	// pending send that was not echoed by tempId.
	MatchWindow      time.Duration
	SendTimeout      time.Duration
	LoadTimeout      time.Duration
	PresenceInterval time.Duration
	// PresenceBurst is how many on-demand status checks may run back to
	// back before they are limited to one per PresenceInterval.
	PresenceBurst int
	PageSize      int

	// EmitRetryDelay is how long a write rejected by a live channel waits
	// before it is tried again.
	EmitRetryDelay time.Duration

	RecalledPlaceholder string
	OptimisticReactions bool
}

func (c *Config) defaults() {
	if c.MatchWindow == 0 {
		c.MatchWindow = 5 * time.Second
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = 8 * time.Second
	}
	if c.LoadTimeout == 0 {
		c.LoadTimeout = 10 * time.Second
	}
	if c.PresenceInterval == 0 {
		c.PresenceInterval = 30 * time.Second
	}
	if c.PresenceBurst == 0 {
		c.PresenceBurst = 3
	}
	if c.PageSize == 0 {
		c.PageSize = 20
	}
	if c.EmitRetryDelay == 0 {
		c.EmitRetryDelay = time.Second
	}
	if c.RecalledPlaceholder == "" {
		c.RecalledPlaceholder = DefaultRecalledPlaceholder
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces the Engine's configuration.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithUser sets the authenticated user.
func WithUser(userID string) Option {
	return func(e *Engine) { e.cfg.UserID = userID }
}

func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) { e.log = log }
}

func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithOutbox sets where pending sends are persisted. The default keeps them
// in memory.
func WithOutbox(o Outbox) Option {
	return func(e *Engine) { e.outbox = o }
}

// WithUploader sets the collaborator used by SendMedia.
func WithUploader(u Uploader) Option {
	return func(e *Engine) { e.uploader = u }
}

func withClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// ============================================================================
// Engine
// ============================================================================

type conversationInfo struct {
	participants []Participant
	group        bool
}

// Engine wires the dispatcher, store, reconciler, connection manager and
// presence tracker around one Channel.
//
// All entry points (public intents, inbound envelopes, timers) run under a
// single lock, so handlers observe the store one event at a time. Store
// change notifications and user callbacks are delivered after the lock is
// released.
type Engine struct {
	mu sync.Mutex

	cfg        Config
	log        *zap.Logger
	metrics    *Metrics
	channel    Channel
	store      *Store
	dispatcher *Dispatcher
	conn       *ConnectionManager
	recon      *Reconciler
	presence   *PresenceTracker
	outbox     Outbox
	uploader   Uploader
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	inited bool

	current    string
	convs      map[string]*conversationInfo
	loading    map[loadKey]*loadRequest
	sendTimers map[string]*time.Timer
	after      []func()

	backlog      []outbound
	backlogTimer *time.Timer
}

// New creates an Engine over channel. Call Init before use.
func New(channel Channel, opts ...Option) *Engine {
	e := &Engine{
		channel:    channel,
		now:        time.Now,
		convs:      make(map[string]*conversationInfo),
		loading:    make(map[loadKey]*loadRequest),
		sendTimers: make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cfg.defaults()
	if e.log == nil {
		e.log = zap.NewNop()
	}
	if e.outbox == nil {
		e.outbox = NewMemoryOutbox()
	}

	e.store = NewStore()
	e.dispatcher = NewDispatcher(e.log.Named("dispatcher"), e.metrics)
	e.recon = NewReconciler(e.store, e.cfg.MatchWindow, e.log.Named("reconcile"), e.metrics)
	e.recon.SetSelf(e.cfg.UserID)
	e.recon.placeholder = e.cfg.RecalledPlaceholder
	e.recon.now = func() time.Time { return e.now() }
	e.presence = NewPresenceTracker(e.cfg.PresenceInterval, e.cfg.PresenceBurst)
	e.conn = NewConnectionManager(ConnectionHooks{
		Dial:   e.dial,
		Rearm:  e.rearm,
		Reload: e.reload,
	}, e.log.Named("connection"), e.metrics)
	e.conn.OnStateChange(func(s ConnectionState) {
		if s == StateConnected {
			e.locked(func() { e.requestPresence() })
		}
	})
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e
}

// Init registers subscriptions and channel callbacks and starts the presence
// refresh loop. The engine's background work lives until Teardown. Channels
// keep a single envelope and state callback, so Init may run again after
// Teardown.
func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()
	if e.inited {
		e.mu.Unlock()
		return nil
	}
	e.inited = true
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.subscribeAll()
	e.mu.Unlock()

	e.channel.OnEnvelope(e.handleEnvelope)
	e.channel.OnState(e.conn.Observe)
	go e.presenceLoop(e.ctx)
	e.log.Debug("engine initialized", zap.String("userId", e.cfg.UserID))
	return nil
}

// Teardown stops timers and background loops, drops deferred operations and
// closes the channel. Outstanding pending sends stay in the outbox.
func (e *Engine) Teardown() error {
	e.mu.Lock()
	e.inited = false
	e.cancel()
	for id, t := range e.sendTimers {
		t.Stop()
		delete(e.sendTimers, id)
	}
	for k, req := range e.loading {
		req.timer.Stop()
		delete(e.loading, k)
	}
	if e.backlogTimer != nil {
		e.backlogTimer.Stop()
		e.backlogTimer = nil
	}
	e.backlog = nil
	e.dispatcher.Reset()
	e.mu.Unlock()

	e.conn.Teardown()
	return e.channel.Close()
}

// Connect starts connecting if disconnected and returns the resulting state.
func (e *Engine) Connect() ConnectionState {
	return e.conn.Connect(e.ctx)
}

// OnStateChange registers a listener for connection state transitions.
func (e *Engine) OnStateChange(fn func(ConnectionState)) {
	e.conn.OnStateChange(fn)
}

// State returns the connection state.
func (e *Engine) State() ConnectionState { return e.conn.State() }

// IsConnected reports whether the channel is usable.
func (e *Engine) IsConnected() bool { return e.conn.IsConnected() }

// Store exposes the message store for observation.
func (e *Engine) Store() *Store { return e.store }

// Presence exposes the presence cache.
func (e *Engine) Presence() *PresenceTracker { return e.presence }

// Current returns the open conversation.
func (e *Engine) Current() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// OpenConversation makes convID current, records its participants, loads its
// newest page and checks the participants' presence.
func (e *Engine) OpenConversation(ctx context.Context, convID string, participants []Participant, group bool) error {
	var err error
	e.locked(func() {
		if convID == "" {
			err = ErrNoConversation
			e.log.Warn("open conversation aborted", zap.Error(err))
			return
		}
		e.current = convID
		e.setParticipants(convID, participants, group)
		err = e.loadInitial(ctx, convID)
		if err == nil || errors.Is(err, ErrLoadInFlight) {
			err = nil
			e.requestPresence()
		}
	})
	return err
}

// SetParticipants records the members of convID, used for mention extraction
// and presence.
func (e *Engine) SetParticipants(convID string, participants []Participant, group bool) {
	e.locked(func() { e.setParticipants(convID, participants, group) })
}

func (e *Engine) setParticipants(convID string, participants []Participant, group bool) {
	e.convs[convID] = &conversationInfo{
		participants: append([]Participant(nil), participants...),
		group:        group,
	}
	for _, p := range participants {
		if p.UserID != "" && p.UserID != e.cfg.UserID {
			e.presence.Track(p.UserID)
		}
	}
}

func (e *Engine) participants(convID string) []Participant {
	if info, ok := e.convs[convID]; ok {
		return info.participants
	}
	return nil
}

func (e *Engine) isGroup(convID string) bool {
	info, ok := e.convs[convID]
	return ok && info.group
}

// ── Serialization ────────────────────────────────────────

// locked runs fn under the engine lock, then delivers store notifications
// and queued callbacks outside it.
func (e *Engine) locked(fn func()) {
	e.mu.Lock()
	fn()
	after := e.after
	e.after = nil
	e.mu.Unlock()

	e.store.Flush()
	for _, f := range after {
		f()
	}
}

func (e *Engine) handleEnvelope(env Envelope) {
	e.locked(func() { e.dispatcher.Dispatch(env) })
}

// ── Connection hooks ─────────────────────────────────────

func (e *Engine) dial(ctx context.Context) {
	go func() {
		if err := e.channel.Connect(ctx); err != nil {
			e.log.Warn("channel connect failed", zap.Error(err))
			e.conn.Observe(StateDisconnected)
		}
	}()
}

// rearm swaps the subscriptions under the engine lock so no envelope is
// dispatched between the reset and the re-registration.
func (e *Engine) rearm() {
	e.locked(func() {
		e.dispatcher.Reset()
		e.subscribeAll()
		e.log.Debug("subscriptions re-armed", zap.Strings("events", e.dispatcher.Subscribed()))
	})
}

func (e *Engine) reload() {
	e.locked(func() {
		if e.current == "" {
			return
		}
		key := loadKey{conv: e.current, dir: DirectionInitial}
		if req, ok := e.loading[key]; ok {
			req.timer.Stop()
			delete(e.loading, key)
		}
		if err := e.loadInitial(e.ctx, e.current); err != nil {
			e.log.Warn("reload after reconnect failed", zap.String("conversationId", e.current), zap.Error(err))
		}
	})
}

func (e *Engine) subscribeAll() {
	d := e.dispatcher
	Handle(d, EventLoadMessagesResponse, e.onLoadResponse)
	Handle(d, EventReceiveMessage, e.onReceive)
	Handle(d, EventSendMessageSuccess, e.onSendSuccess)
	Handle(d, EventRecallMessageSuccess, e.onRecalled)
	Handle(d, EventMessageRecalled, e.onRecalled)
	Handle(d, EventDeleteMessageSuccess, e.onDeleted)
	Handle(d, EventReactionUpdated, e.onReactionUpdated)
	Handle(d, EventUsersStatus, e.onUsersStatus)
}

// outbound is one channel write.
type outbound struct {
	event   string
	payload any
	// sent runs under e.mu once the channel accepted the write.
	sent func()
	// keep puts the write in the backlog when a live channel rejects it.
	// Sends leave it unset: the send timeout and Retry cover them.
	keep bool
}

// emit writes a request, retrying it from the backlog if a live channel
// rejects it. Must be called with e.mu held.
func (e *Engine) emit(ctx context.Context, event string, payload any) {
	e.write(ctx, outbound{event: event, payload: payload, keep: true})
}

// write sends now when connected. Otherwise the write waits for the next
// Connected transition and a connection attempt is started. Writes never
// overtake the backlog. Must be called with e.mu held.
func (e *Engine) write(ctx context.Context, out outbound) {
	if e.conn.IsConnected() {
		e.flushBacklog(ctx)
		if out.keep && len(e.backlog) > 0 {
			e.backlog = append(e.backlog, out)
			return
		}
		err := e.channel.Emit(ctx, out.event, out.payload)
		if err == nil {
			if out.sent != nil {
				out.sent()
			}
			return
		}
		e.log.Warn("emit failed", zap.String("event", out.event), zap.Error(err))
		if out.keep {
			e.backlog = append(e.backlog, out)
			e.scheduleBacklog()
			return
		}
	}
	queued := e.conn.Defer(func() {
		e.locked(func() { e.write(e.ctx, out) })
	})
	if !queued {
		if out.keep {
			e.backlog = append(e.backlog, out)
			e.scheduleBacklog()
			return
		}
		e.log.Warn("dropping emit on a live channel", zap.String("event", out.event))
		return
	}
	e.log.Debug("emit deferred until connected", zap.String("event", out.event))
	e.after = append(e.after, func() { e.conn.Connect(e.ctx) })
}

// flushBacklog writes queued writes in order until one is rejected.
func (e *Engine) flushBacklog(ctx context.Context) {
	for len(e.backlog) > 0 {
		out := e.backlog[0]
		if err := e.channel.Emit(ctx, out.event, out.payload); err != nil {
			e.scheduleBacklog()
			return
		}
		e.backlog = e.backlog[1:]
		if out.sent != nil {
			out.sent()
		}
	}
}

// scheduleBacklog retries the backlog after EmitRetryDelay. A backlog found
// disconnected at that point waits for the next Connected transition.
func (e *Engine) scheduleBacklog() {
	if e.backlogTimer != nil {
		return
	}
	e.backlogTimer = time.AfterFunc(e.cfg.EmitRetryDelay, func() {
		e.locked(func() {
			e.backlogTimer = nil
			if !e.inited {
				return
			}
			queued := e.backlog
			e.backlog = nil
			for _, out := range queued {
				e.write(e.ctx, out)
			}
		})
	})
}

// Backlog returns how many writes wait for another attempt.
func (e *Engine) Backlog() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.backlog)
}
