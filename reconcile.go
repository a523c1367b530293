package chatsync

import (
	"sort"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Reconciliation Engine
// ============================================================================

// OutcomeKind is what applying a confirmed message did to the store.
type OutcomeKind string

const (
	OutcomeDuplicate OutcomeKind = "duplicate"
	OutcomePromoted  OutcomeKind = "promoted"
	OutcomeInserted  OutcomeKind = "inserted"
)

// Match kinds for promotions.
const (
	MatchTempID    = "tempid"
	MatchHeuristic = "heuristic"
)

// Outcome reports the result of Apply. Pending is set when a PendingSend was
// resolved by the event.
type Outcome struct {
	Kind    OutcomeKind
	Match   string
	Pending *PendingSend
	Message *Message
}

// Reconciler merges confirmed messages into the store exactly once and
// collapses PendingSends into their confirmations.
//
// Without an echoed tempId the match is heuristic: same sender, equal
// content and a creation time within the window of the server timestamp.
// This is a best-effort merge, not a guarantee.
type Reconciler struct {
	store       *Store
	window      time.Duration
	self        string
	placeholder string
	pending     map[string]*PendingSend
	log         *zap.Logger
	metrics     *Metrics
	now         func() time.Time
}

// NewReconciler creates a reconciler over store.
func NewReconciler(store *Store, window time.Duration, log *zap.Logger, metrics *Metrics) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{
		store:       store,
		window:      window,
		placeholder: DefaultRecalledPlaceholder,
		pending:     make(map[string]*PendingSend),
		log:         log,
		metrics:     metrics,
		now:         time.Now,
	}
}

// SetSelf sets the local user id used to derive Message.Mine.
func (r *Reconciler) SetSelf(userID string) { r.self = userID }

// Pending returns the outstanding PendingSend for tempID.
func (r *Reconciler) Pending(tempID string) *PendingSend {
	return r.pending[tempID]
}

// Outstanding returns the number of unresolved PendingSends.
func (r *Reconciler) Outstanding() int { return len(r.pending) }

// PendingFor returns the outstanding sends of convID in creation order.
func (r *Reconciler) PendingFor(convID string) []*PendingSend {
	var out []*PendingSend
	for _, p := range r.pending {
		if p.Message.ConversationID == convID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].TempID < out[j].TempID
	})
	return out
}

// AddPending records p and inserts its optimistic message. If the store
// already holds a confirmation echoing p's tempId, p is resolved at once and
// the confirmed id is returned.
func (r *Reconciler) AddPending(p *PendingSend) string {
	convID := p.Message.ConversationID
	for _, m := range r.store.snapshot(convID, func(m *Message) bool {
		return m.Confirmed() && m.TempID == p.TempID
	}) {
		return m.ID
	}
	p.Message.TempID = p.TempID
	p.Message.Mine = true
	r.pending[p.TempID] = p
	r.store.insert(r.optimistic(p), true)
	r.metrics.setPending(len(r.pending))
	return ""
}

// Drop forgets a PendingSend without touching the store.
func (r *Reconciler) Drop(tempID string) {
	delete(r.pending, tempID)
	r.metrics.setPending(len(r.pending))
}

func (r *Reconciler) matchPending(m *Message, tempID string) (*PendingSend, string) {
	if tempID != "" {
		if p, ok := r.pending[tempID]; ok && p.Message.ConversationID == m.ConversationID {
			return p, MatchTempID
		}
	}
	ts := m.Timestamp
	if ts.IsZero() {
		ts = r.now()
	}
	for _, p := range r.PendingFor(m.ConversationID) {
		if p.Matches(m) && p.Within(ts, r.window) {
			return p, MatchHeuristic
		}
	}
	return nil, ""
}

// applyMutations marks m with the mutations recorded on p.
func (r *Reconciler) applyMutations(p *PendingSend, m *Message) {
	for _, mu := range p.Mutations {
		switch mu {
		case MutationRecall:
			m.IsRecalled = true
			m.Content = r.placeholder
		case MutationDelete:
			m.IsRemovedForSender = true
		}
	}
}

// optimistic is the stored form of p before its confirmation.
func (r *Reconciler) optimistic(p *PendingSend) *Message {
	m := p.Message.Clone()
	r.applyMutations(p, m)
	return m
}

// merge builds the stored form of a confirmation of p.
func (r *Reconciler) merge(p *PendingSend, m *Message) *Message {
	merged := m.Clone()
	merged.TempID = p.TempID
	merged.Mine = true
	merged.Status = StatusConfirmed
	local := p.Message
	if merged.ReplyTarget == nil && local.ReplyTarget != nil {
		rt := *local.ReplyTarget
		merged.ReplyTarget = &rt
		merged.IsReply = true
	} else if merged.ReplyTarget != nil && !merged.ReplyTarget.Resolved &&
		local.ReplyTarget != nil && local.ReplyTarget.ID == merged.ReplyTarget.ID {
		rt := *local.ReplyTarget
		merged.ReplyTarget = &rt
	}
	if local.IsForwarded {
		merged.IsForwarded = true
	}
	if len(merged.MentionedUserIDs) == 0 {
		merged.MentionedUserIDs = append([]string(nil), local.MentionedUserIDs...)
	}
	r.applyMutations(p, merged)
	return merged
}

// Apply merges a confirmed message. It is idempotent: a confirmed id already
// in the store is a no-op.
func (r *Reconciler) Apply(m *Message, tempID string, autoScroll bool) Outcome {
	convID := m.ConversationID
	if tempID == "" {
		tempID = m.TempID
	}

	if r.store.Has(convID, m.ID) {
		r.metrics.duplicate()
		out := Outcome{Kind: OutcomeDuplicate}
		// A confirmation that beat its own send_message_success through
		// another path leaves the optimistic copy behind.
		if p, ok := r.pending[tempID]; ok && p.Message.ConversationID == convID {
			r.store.discard(convID, p.TempID)
			if stored := r.store.Get(convID, m.ID); stored != nil {
				merged := r.merge(p, stored)
				r.store.replace(convID, m.ID, merged)
				out.Message = merged
			}
			r.Drop(p.TempID)
			out.Pending = p
			out.Match = MatchTempID
		}
		r.log.Debug("duplicate confirmation", zap.String("id", m.ID))
		return out
	}

	if p, match := r.matchPending(m, tempID); p != nil {
		merged := r.merge(p, m)
		r.store.replace(convID, p.TempID, merged)
		r.Drop(p.TempID)
		r.metrics.promoted(match)
		r.log.Debug("pending send promoted",
			zap.String("tempId", p.TempID), zap.String("id", m.ID), zap.String("match", match))
		return Outcome{Kind: OutcomePromoted, Match: match, Pending: p, Message: merged}
	}

	fresh := m.Clone()
	fresh.Mine = r.self != "" && fresh.SenderID == r.self
	fresh.Status = StatusConfirmed
	if fresh.Mine && tempID != "" {
		fresh.TempID = tempID
	} else if !fresh.Mine {
		fresh.TempID = ""
	}
	r.store.insert(fresh, autoScroll)
	return Outcome{Kind: OutcomeInserted, Message: fresh}
}

// Reload replaces convID with a fresh page. Outstanding sends confirmed by
// the page are resolved; the rest stay in the list as optimistic entries.
func (r *Reconciler) Reload(convID string, page []*Message, hasMore bool) []Outcome {
	var outcomes []Outcome
	list := make([]*Message, 0, len(page))
	byID := make(map[string]int, len(page))
	for _, m := range page {
		if _, dup := byID[m.ID]; dup {
			continue
		}
		c := m.Clone()
		c.ConversationID = convID
		c.Mine = r.self != "" && c.SenderID == r.self
		c.Status = StatusConfirmed
		if prev := r.store.Get(convID, c.ID); prev != nil && prev.Mine && prev.IsRemovedForSender {
			c.IsRemovedForSender = true
		}
		byID[c.ID] = len(list)
		list = append(list, c)
	}

	claimed := make(map[string]bool)
	for _, p := range r.PendingFor(convID) {
		idx, match := -1, ""
		for i, m := range list {
			if claimed[m.ID] || !m.Mine {
				continue
			}
			if m.TempID != "" && m.TempID == p.TempID {
				idx, match = i, MatchTempID
				break
			}
			if idx < 0 && p.Matches(m) && p.Within(m.Timestamp, r.window) {
				idx, match = i, MatchHeuristic
			}
		}
		if idx < 0 {
			if current := r.store.Get(convID, p.TempID); current != nil {
				list = append(list, current)
			} else {
				list = append(list, r.optimistic(p))
			}
			continue
		}
		claimed[list[idx].ID] = true
		list[idx] = r.merge(p, list[idx])
		r.Drop(p.TempID)
		r.metrics.promoted(match)
		outcomes = append(outcomes, Outcome{Kind: OutcomePromoted, Match: match, Pending: p, Message: list[idx]})
	}

	r.store.reset(convID, list, hasMore)
	return outcomes
}
