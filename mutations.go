package chatsync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"
)

// ============================================================================
// Mutation Handlers
// ============================================================================

func mutationPayload(m *Message) map[string]interface{} {
	return map[string]interface{}{
		"messageId":      m.ID,
		"conversationId": m.ConversationID,
		"senderId":       m.SenderID,
	}
}

// ownMessage looks up key in convID and checks that the local user sent it.
func (e *Engine) ownMessage(convID, key string) (*Message, error) {
	switch {
	case convID == "":
		return nil, ErrNoConversation
	case e.cfg.UserID == "":
		return nil, ErrNoUser
	}
	m := e.store.Get(convID, key)
	if m == nil {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, key)
	}
	if !m.Mine {
		return nil, fmt.Errorf("%w: %s", ErrNotOwner, key)
	}
	return m, nil
}

// ── Recall ───────────────────────────────────────────────

// Recall replaces the content of one of the user's messages with the
// recalled placeholder for every participant. A message that is not
// confirmed yet is marked locally and the request is emitted once its
// confirmation arrives.
func (e *Engine) Recall(ctx context.Context, convID, key string) error {
	var err error
	e.locked(func() { err = e.mutate(ctx, convID, key, MutationRecall) })
	return err
}

// Delete hides one of the user's messages from their own view. Other
// participants keep seeing it.
func (e *Engine) Delete(ctx context.Context, convID, key string) error {
	var err error
	e.locked(func() { err = e.mutate(ctx, convID, key, MutationDelete) })
	return err
}

func (e *Engine) mutate(ctx context.Context, convID, key string, kind PendingMutation) error {
	m, err := e.ownMessage(convID, key)
	if err != nil {
		e.log.Warn("mutation aborted", zap.String("kind", string(kind)), zap.String("key", key), zap.Error(err))
		return err
	}
	if (kind == MutationRecall && m.IsRecalled) || (kind == MutationDelete && m.IsRemovedForSender) {
		return nil
	}

	var p *PendingSend
	if !m.Confirmed() {
		if p = e.recon.Pending(m.TempID); p == nil {
			return fmt.Errorf("%w: %s", ErrUnknownPending, m.TempID)
		}
	}

	apply := func(msg *Message) {
		switch kind {
		case MutationRecall:
			msg.IsRecalled = true
			msg.Content = e.cfg.RecalledPlaceholder
		case MutationDelete:
			msg.IsRemovedForSender = true
		}
	}
	e.store.patch(convID, m.Key(), apply)
	if kind == MutationRecall {
		e.refreshReplySummaries(convID, m.Key())
	}

	if p != nil {
		p.Mutations = append(p.Mutations, kind)
		e.persist(p)
		return nil
	}
	event := EventRecallMessage
	if kind == MutationDelete {
		event = EventDeleteMessage
	}
	e.emit(ctx, event, mutationPayload(m))
	return nil
}

// locate finds the conversation of a mutation event.
func (e *Engine) locate(convID, messageID string) (string, bool) {
	if convID != "" && e.store.Has(convID, messageID) {
		return convID, true
	}
	return e.store.Locate(messageID)
}

// overwrite copies the server-confirmed fields of server into local. Local
// identity and the mine flag are kept.
func (e *Engine) overwrite(local, server *Message) {
	local.SenderID = server.SenderID
	local.Type = server.Type
	if !server.Timestamp.IsZero() {
		local.Timestamp = server.Timestamp
	}
	if server.Content != "" {
		local.Content = server.Content
	}
	local.IsRecalled = local.IsRecalled || server.IsRecalled
	local.IsForwarded = server.IsForwarded
	if server.ReplyTarget != nil {
		if server.ReplyTarget.Resolved || local.ReplyTarget == nil || local.ReplyTarget.ID != server.ReplyTarget.ID {
			rt := *server.ReplyTarget
			local.ReplyTarget = &rt
		}
		local.IsReply = true
	}
	local.Reactions = server.Clone().Reactions
	if len(server.MentionedUserIDs) > 0 {
		local.MentionedUserIDs = append([]string(nil), server.MentionedUserIDs...)
	}
	local.Status = StatusConfirmed
}

// onRecalled handles both the sender's recall_message_success and the
// participants' message_recalled.
func (e *Engine) onRecalled(ev MessageMutated) {
	convID, ok := e.locate(ev.ConversationID, ev.MessageID)
	if !ok {
		e.log.Debug("recall for unknown message", zap.String("id", ev.MessageID))
		return
	}
	e.store.patch(convID, ev.MessageID, func(m *Message) {
		if ev.Updated != nil {
			e.overwrite(m, ev.Updated)
		}
		m.IsRecalled = true
		m.Content = e.cfg.RecalledPlaceholder
	})
	e.refreshReplySummaries(convID, ev.MessageID)
}

// onDeleted hides the message for its sender. For other participants only
// the visible metadata is refreshed.
func (e *Engine) onDeleted(ev MessageMutated) {
	convID, ok := e.locate(ev.ConversationID, ev.MessageID)
	if !ok {
		e.log.Debug("delete for unknown message", zap.String("id", ev.MessageID))
		return
	}
	e.store.patch(convID, ev.MessageID, func(m *Message) {
		if ev.Updated != nil {
			removed := m.IsRemovedForSender
			e.overwrite(m, ev.Updated)
			m.IsRemovedForSender = removed || ev.Updated.IsRemovedForSender
		}
		if m.Mine {
			m.IsRemovedForSender = true
		}
		if m.IsRecalled {
			m.Content = e.cfg.RecalledPlaceholder
		}
	})
}

// ── React ────────────────────────────────────────────────

// React toggles the local user's reaction of kind on a confirmed message.
// The server's aggregate event is authoritative and replaces the local one.
func (e *Engine) React(ctx context.Context, convID, messageID, kind string) error {
	var err error
	e.locked(func() { err = e.react(ctx, convID, messageID, kind) })
	return err
}

func (e *Engine) react(ctx context.Context, convID, messageID, kind string) error {
	switch {
	case convID == "":
		return ErrNoConversation
	case e.cfg.UserID == "":
		return ErrNoUser
	case kind == "":
		return fmt.Errorf("%w: reaction kind", ErrEmptyContent)
	}
	m := e.store.Get(convID, messageID)
	if m == nil {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	if !m.Confirmed() {
		return fmt.Errorf("%w: %s", ErrNotConfirmed, messageID)
	}

	add := !m.Reactions[kind].Has(e.cfg.UserID)
	value := 0
	if add {
		value = 1
	}
	if e.cfg.OptimisticReactions {
		e.store.patch(convID, m.ID, func(msg *Message) { toggleReaction(msg, kind, e.cfg.UserID, add) })
	}
	e.emit(ctx, EventAddReaction, map[string]interface{}{
		"userId":         e.cfg.UserID,
		"messageId":      m.ID,
		"conversationId": convID,
		"reactionType":   kind,
		"value":          value,
	})
	return nil
}

// toggleReaction adds or removes userID from the aggregate of kind. The
// count never goes below zero.
func toggleReaction(m *Message, kind, userID string, add bool) {
	agg := m.Reactions[kind]
	if add == agg.Has(userID) {
		return
	}
	if add {
		agg.Users = append(agg.Users, ReactionUser{UserID: userID})
		agg.TotalCount++
	} else {
		users := agg.Users[:0:0]
		for _, u := range agg.Users {
			if u.UserID != userID {
				users = append(users, u)
			}
		}
		agg.Users = users
		if agg.TotalCount > 0 {
			agg.TotalCount--
		}
	}
	if m.Reactions == nil {
		m.Reactions = make(map[string]ReactionAggregate)
	}
	if agg.TotalCount == 0 && len(agg.Users) == 0 {
		delete(m.Reactions, kind)
		return
	}
	m.Reactions[kind] = agg
}

func (e *Engine) onReactionUpdated(ev ReactionUpdated) {
	convID, ok := e.locate(ev.ConversationID, ev.MessageID)
	if !ok {
		e.log.Debug("reaction update for unknown message", zap.String("id", ev.MessageID))
		return
	}
	e.store.patch(convID, ev.MessageID, func(m *Message) {
		m.Reactions = ev.Reactions
		if len(m.Reactions) == 0 {
			m.Reactions = nil
		}
	})
}

// ── Reply ────────────────────────────────────────────────

func replySummary(target *Message) *ReplyRef {
	return &ReplyRef{
		ID:       target.Key(),
		SenderID: target.SenderID,
		Type:     target.Type,
		Content:  target.Content,
		Resolved: true,
	}
}

// resolveReply fills ref from the locally loaded pages of convID. An
// unresolvable ref is returned unchanged.
func (e *Engine) resolveReply(convID string, ref *ReplyRef) *ReplyRef {
	if ref == nil || ref.Resolved {
		return ref
	}
	if target := e.store.Get(convID, ref.ID); target != nil {
		return replySummary(target)
	}
	return ref
}

// resolveReplies resolves reply targets that became available after a page
// was merged.
func (e *Engine) resolveReplies(convID string) {
	unresolved := e.store.snapshot(convID, func(m *Message) bool {
		return m.ReplyTarget != nil && !m.ReplyTarget.Resolved
	})
	for _, m := range unresolved {
		ref := e.resolveReply(convID, m.ReplyTarget)
		if !ref.Resolved {
			continue
		}
		e.store.patch(convID, m.Key(), func(msg *Message) { msg.ReplyTarget = ref })
	}
}

// refreshReplySummaries updates the embedded summaries of replies to key
// after it was recalled.
func (e *Engine) refreshReplySummaries(convID, key string) {
	target := e.store.Get(convID, key)
	if target == nil {
		return
	}
	replies := e.store.snapshot(convID, func(m *Message) bool {
		return m.ReplyTarget != nil && (m.ReplyTarget.ID == target.ID || m.ReplyTarget.ID == target.TempID)
	})
	for _, m := range replies {
		e.store.patch(convID, m.Key(), func(msg *Message) {
			msg.ReplyTarget.Content = target.Content
		})
	}
}

// ── Mention ──────────────────────────────────────────────

// ExtractMentions returns the ids of participants referenced as "@Full Name"
// in content, in order of first appearance. Longer names win over names they
// start with, and self is never mentioned.
func ExtractMentions(content string, participants []Participant, self string) []string {
	if !strings.Contains(content, "@") || len(participants) == 0 {
		return nil
	}
	candidates := make([]Participant, 0, len(participants))
	for _, p := range participants {
		if strings.TrimSpace(p.FullName) != "" && p.UserID != "" {
			candidates = append(candidates, p)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return len(candidates[i].FullName) > len(candidates[j].FullName)
	})

	type hit struct {
		pos    int
		userID string
	}
	var hits []hit
	masked := []byte(content)
	for _, p := range candidates {
		token := "@" + p.FullName
		for from := 0; ; {
			i := strings.Index(string(masked[from:]), token)
			if i < 0 {
				break
			}
			start := from + i
			end := start + len(token)
			from = end
			if !mentionBoundary(content, end) {
				continue
			}
			for k := start; k < end; k++ {
				masked[k] = 0
			}
			hits = append(hits, hit{pos: start, userID: p.UserID})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })

	var ids []string
	seen := make(map[string]bool)
	for _, h := range hits {
		if h.userID == self || seen[h.userID] {
			continue
		}
		seen[h.userID] = true
		ids = append(ids, h.userID)
	}
	return ids
}

// mentionBoundary reports whether a name ending at end is not followed by
// more of a word.
func mentionBoundary(content string, end int) bool {
	if end >= len(content) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(content[end:])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
}
