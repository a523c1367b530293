package chatsync

import (
	"sort"
	"sync"
)

// ============================================================================
// Change notifications
// ============================================================================

// ChangeKind describes what a store mutation did.
type ChangeKind string

const (
	ChangeInserted  ChangeKind = "inserted"
	ChangeReplaced  ChangeKind = "replaced"
	ChangePatched   ChangeKind = "patched"
	ChangeReloaded  ChangeKind = "reloaded"
	ChangePrepended ChangeKind = "prepended"
)

// Change is delivered to store listeners after every mutation.
type Change struct {
	ConversationID string
	Kind           ChangeKind
	MessageID      string
	// AutoScroll is set for initial loads and new arrivals, never for
	// older pages.
	AutoScroll bool
	Version    uint64
}

// ============================================================================
// Message Store
// ============================================================================

type entry struct {
	msg *Message
	seq int64
}

func (e *entry) before(o *entry) bool {
	if !e.msg.Timestamp.Equal(o.msg.Timestamp) {
		return e.msg.Timestamp.Before(o.msg.Timestamp)
	}
	return e.seq < o.seq
}

type convState struct {
	entries        []*entry
	byKey          map[string]*entry
	hasMoreOlder   bool
	oldestLoadedID string
}

// Store is the per-conversation ordered message collection. It is mutated
// only through its primitives; readers get copies.
type Store struct {
	mu        sync.RWMutex
	flushMu   sync.Mutex
	convs     map[string]*convState
	tailSeq   int64
	headSeq   int64
	version   uint64
	listeners []func(Change)
	queued    []Change
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{convs: make(map[string]*convState)}
}

// OnChange registers a listener. Listeners run from Flush, outside the
// store lock.
func (s *Store) OnChange(fn func(Change)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Flush delivers queued change notifications in mutation order. A Flush
// called while another is delivering returns at once; the running one picks
// up the new changes.
func (s *Store) Flush() {
	for {
		if !s.flushMu.TryLock() {
			return
		}
		for {
			s.mu.Lock()
			queued := s.queued
			s.queued = nil
			listeners := append([]func(Change){}, s.listeners...)
			s.mu.Unlock()
			if len(queued) == 0 {
				break
			}
			for _, c := range queued {
				for _, fn := range listeners {
					fn(c)
				}
			}
		}
		s.flushMu.Unlock()

		s.mu.RLock()
		more := len(s.queued) > 0
		s.mu.RUnlock()
		if !more {
			return
		}
	}
}

// Version increases on every mutation.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

func (s *Store) notify(convID string, kind ChangeKind, msgID string, autoScroll bool) {
	s.version++
	s.queued = append(s.queued, Change{
		ConversationID: convID,
		Kind:           kind,
		MessageID:      msgID,
		AutoScroll:     autoScroll,
		Version:        s.version,
	})
}

func (s *Store) conv(id string) *convState {
	c, ok := s.convs[id]
	if !ok {
		c = &convState{byKey: make(map[string]*entry)}
		s.convs[id] = c
	}
	return c
}

func (c *convState) index(e *entry) {
	if e.msg.ID != "" {
		c.byKey[e.msg.ID] = e
	}
	if e.msg.TempID != "" {
		c.byKey[e.msg.TempID] = e
	}
}

func (c *convState) unindex(e *entry) {
	for k, v := range c.byKey {
		if v == e {
			delete(c.byKey, k)
		}
	}
}

func (c *convState) position(e *entry) int {
	return sort.Search(len(c.entries), func(i int) bool { return e.before(c.entries[i]) })
}

func (c *convState) add(e *entry) {
	i := c.position(e)
	c.entries = append(c.entries, nil)
	copy(c.entries[i+1:], c.entries[i:])
	c.entries[i] = e
	c.index(e)
}

func (c *convState) resort() {
	sort.SliceStable(c.entries, func(i, j int) bool { return c.entries[i].before(c.entries[j]) })
}

func (c *convState) refreshOldest() {
	for _, e := range c.entries {
		if e.msg.ID != "" {
			c.oldestLoadedID = e.msg.ID
			return
		}
	}
}

// ── Reads ────────────────────────────────────────────────

// Get returns a copy of the message addressed by id or tempId.
func (s *Store) Get(convID, key string) *Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[convID]
	if !ok {
		return nil
	}
	if e, ok := c.byKey[key]; ok {
		return e.msg.Clone()
	}
	return nil
}

// Has reports whether key is stored in convID, hidden messages included.
func (s *Store) Has(convID, key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[convID]
	if !ok {
		return false
	}
	_, ok = c.byKey[key]
	return ok
}

// Locate finds the conversation holding key.
func (s *Store) Locate(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, c := range s.convs {
		if _, ok := c.byKey[key]; ok {
			return id, true
		}
	}
	return "", false
}

// Messages returns the viewer's ordered list: messages the viewer removed
// for themselves are excluded.
func (s *Store) Messages(convID string) []*Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[convID]
	if !ok {
		return nil
	}
	out := make([]*Message, 0, len(c.entries))
	for _, e := range c.entries {
		if e.msg.IsRemovedForSender && e.msg.Mine {
			continue
		}
		out = append(out, e.msg.Clone())
	}
	return out
}

// All returns every stored message of convID, hidden ones included.
func (s *Store) All(convID string) []*Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[convID]
	if !ok {
		return nil
	}
	out := make([]*Message, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.msg.Clone())
	}
	return out
}

// Conversation returns a snapshot of convID.
func (s *Store) Conversation(convID string) Conversation {
	msgs := s.Messages(convID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv := Conversation{ID: convID, Messages: msgs}
	if c, ok := s.convs[convID]; ok {
		conv.HasMoreOlder = c.hasMoreOlder
		conv.OldestLoadedID = c.oldestLoadedID
	}
	return conv
}

// ── Mutation primitives ──────────────────────────────────

// insert adds m in timestamp order. It returns false if m's id or tempId is
// already stored.
func (s *Store) insert(m *Message, autoScroll bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.conv(m.ConversationID)
	if _, ok := c.byKey[m.Key()]; ok {
		return false
	}
	if m.TempID != "" {
		if _, ok := c.byKey[m.TempID]; ok {
			return false
		}
	}
	s.tailSeq++
	c.add(&entry{msg: m.Clone(), seq: s.tailSeq})
	if c.oldestLoadedID == "" {
		c.refreshOldest()
	}
	s.notify(m.ConversationID, ChangeInserted, m.Key(), autoScroll)
	return true
}

// replace swaps the message stored under oldKey for m, keeping its arrival
// position.
func (s *Store) replace(convID, oldKey string, m *Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[convID]
	if !ok {
		return false
	}
	e, ok := c.byKey[oldKey]
	if !ok {
		return false
	}
	c.unindex(e)
	e.msg = m.Clone()
	c.index(e)
	c.resort()
	if c.oldestLoadedID == "" {
		c.refreshOldest()
	}
	s.notify(convID, ChangeReplaced, m.Key(), false)
	return true
}

// patch applies fn to the stored message in place. fn must not change the
// message's id, tempId or conversation.
func (s *Store) patch(convID, key string, fn func(*Message)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[convID]
	if !ok {
		return false
	}
	e, ok := c.byKey[key]
	if !ok {
		return false
	}
	ts := e.msg.Timestamp
	fn(e.msg)
	if !e.msg.Timestamp.Equal(ts) {
		c.resort()
	}
	s.notify(convID, ChangePatched, e.msg.Key(), false)
	return true
}

// reset replaces the conversation's list wholesale. Duplicate ids in msgs
// keep their first occurrence.
func (s *Store) reset(convID string, msgs []*Message, hasMore bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &convState{byKey: make(map[string]*entry), hasMoreOlder: hasMore}
	for _, m := range msgs {
		if _, dup := c.byKey[m.Key()]; dup {
			continue
		}
		s.tailSeq++
		c.entries = append(c.entries, &entry{msg: m.Clone(), seq: s.tailSeq})
		c.index(c.entries[len(c.entries)-1])
	}
	c.resort()
	c.refreshOldest()
	s.convs[convID] = c
	s.notify(convID, ChangeReloaded, "", true)
}

// prepend merges an older page at the head, skipping ids already present.
// It returns how many messages were added.
func (s *Store) prepend(convID string, msgs []*Message, hasMore bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.conv(convID)
	fresh := make([]*Message, 0, len(msgs))
	seen := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		if _, ok := c.byKey[m.Key()]; ok || seen[m.Key()] {
			continue
		}
		seen[m.Key()] = true
		fresh = append(fresh, m)
	}
	s.headSeq -= int64(len(fresh))
	for i, m := range fresh {
		c.add(&entry{msg: m.Clone(), seq: s.headSeq + int64(i)})
	}
	c.hasMoreOlder = hasMore
	c.refreshOldest()
	s.notify(convID, ChangePrepended, "", false)
	return len(fresh)
}

// snapshot returns copies of the messages of convID accepted by match, in
// order.
func (s *Store) snapshot(convID string, match func(*Message) bool) []*Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[convID]
	if !ok {
		return nil
	}
	var out []*Message
	for _, e := range c.entries {
		if match(e.msg) {
			out = append(out, e.msg.Clone())
		}
	}
	return out
}

// discard removes an optimistic entry that lost the race to its own
// confirmation. Confirmed messages are never discarded.
func (s *Store) discard(convID, tempKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[convID]
	if !ok {
		return false
	}
	e, ok := c.byKey[tempKey]
	if !ok || e.msg.Confirmed() {
		return false
	}
	c.unindex(e)
	for i, x := range c.entries {
		if x == e {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			break
		}
	}
	s.notify(convID, ChangeReplaced, tempKey, false)
	return true
}
