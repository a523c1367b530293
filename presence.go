package chatsync

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ============================================================================
// Presence Tracker
// ============================================================================

// PresenceChange reports a user whose online flag changed.
type PresenceChange struct {
	UserID string
	Online bool
}

// PresenceTracker caches the online state of tracked users. On-demand checks
// share a token bucket so bursts of loads and reconnects do not flood the
// channel.
type PresenceTracker struct {
	mu        sync.RWMutex
	status    map[string]bool
	tracked   map[string]struct{}
	limiter   *rate.Limiter
	interval  time.Duration
	listeners []func(PresenceChange)
}

// NewPresenceTracker creates a tracker refreshing every interval and allowing
// burst on-demand checks in between.
func NewPresenceTracker(interval time.Duration, burst int) *PresenceTracker {
	if burst < 1 {
		burst = 1
	}
	return &PresenceTracker{
		status:   make(map[string]bool),
		tracked:  make(map[string]struct{}),
		limiter:  rate.NewLimiter(rate.Every(interval), burst),
		interval: interval,
	}
}

// Track adds users to the periodic refresh.
func (t *PresenceTracker) Track(userIDs ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range userIDs {
		if id != "" {
			t.tracked[id] = struct{}{}
		}
	}
}

// Untrack removes users from the periodic refresh. Their cached state is
// kept.
func (t *PresenceTracker) Untrack(userIDs ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range userIDs {
		delete(t.tracked, id)
	}
}

// Tracked returns the tracked users, sorted.
func (t *PresenceTracker) Tracked() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.tracked))
	for id := range t.tracked {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsOnline returns the cached state of userID and whether it is known.
func (t *PresenceTracker) IsOnline(userID string) (online, known bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	online, known = t.status[userID]
	return online, known
}

// Statuses returns a copy of the cache.
func (t *PresenceTracker) Statuses() map[string]bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]bool, len(t.status))
	for id, v := range t.status {
		out[id] = v
	}
	return out
}

// OnChange registers a listener for online flag changes.
func (t *PresenceTracker) OnChange(fn func(PresenceChange)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

// Apply merges a partial status response. Users not in statuses keep their
// cached state.
func (t *PresenceTracker) Apply(statuses map[string]bool) []PresenceChange {
	t.mu.Lock()
	defer t.mu.Unlock()
	var changes []PresenceChange
	for id, online := range statuses {
		if prev, ok := t.status[id]; ok && prev == online {
			continue
		}
		t.status[id] = online
		changes = append(changes, PresenceChange{UserID: id, Online: online})
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].UserID < changes[j].UserID })
	return changes
}

func (t *PresenceTracker) allow() bool {
	return t.limiter.Allow()
}

func (t *PresenceTracker) notify(changes []PresenceChange) {
	t.mu.RLock()
	listeners := append([]func(PresenceChange){}, t.listeners...)
	t.mu.RUnlock()
	for _, c := range changes {
		for _, fn := range listeners {
			func() {
				defer func() { recover() }()
				fn(c)
			}()
		}
	}
}

// ── Engine wiring ────────────────────────────────────────

// CheckStatus tracks userIDs and asks the backend for their state.
func (e *Engine) CheckStatus(ctx context.Context, userIDs []string) {
	e.locked(func() {
		e.presence.Track(userIDs...)
		e.checkStatus(ctx, userIDs)
	})
}

func (e *Engine) checkStatus(ctx context.Context, userIDs []string) {
	if len(userIDs) == 0 {
		return
	}
	e.emit(ctx, EventCheckUsersStatus, map[string]interface{}{"userIds": userIDs})
}

// requestPresence is the on-demand check after a load or connect. It is
// skipped when the limiter is exhausted; the periodic refresh catches up.
func (e *Engine) requestPresence() {
	ids := e.presence.Tracked()
	if len(ids) == 0 || !e.conn.IsConnected() {
		return
	}
	if !e.presence.allow() {
		e.log.Debug("presence check throttled", zap.Int("users", len(ids)))
		return
	}
	e.checkStatus(e.ctx, ids)
}

func (e *Engine) presenceLoop(ctx context.Context) {
	ticker := time.NewTicker(e.presence.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.locked(func() {
				if e.conn.IsConnected() {
					e.checkStatus(ctx, e.presence.Tracked())
				}
			})
		}
	}
}

func (e *Engine) onUsersStatus(ev UsersStatus) {
	changes := e.presence.Apply(ev.Statuses)
	if len(changes) == 0 {
		return
	}
	e.log.Debug("presence updated", zap.Int("changed", len(changes)))
	e.after = append(e.after, func() { e.presence.notify(changes) })
}
