package chatsync

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Pagination Controller
// ============================================================================

type loadKey struct {
	conv string
	dir  Direction
}

type loadRequest struct {
	cursor string
	timer  *time.Timer
}

// LoadInitial requests the newest page of convID. The response replaces the
// conversation's list wholesale.
func (e *Engine) LoadInitial(ctx context.Context, convID string) error {
	var err error
	e.locked(func() { err = e.loadInitial(ctx, convID) })
	return err
}

// LoadOlder requests the page before the oldest loaded message of convID
// and merges it at the head of the list.
func (e *Engine) LoadOlder(ctx context.Context, convID string) error {
	var err error
	e.locked(func() { err = e.loadOlder(ctx, convID) })
	return err
}

// Loading reports whether a load in dir is outstanding for convID.
func (e *Engine) Loading(convID string, dir Direction) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.loading[loadKey{conv: convID, dir: dir}]
	return ok
}

func (e *Engine) loadInitial(ctx context.Context, convID string) error {
	if convID == "" {
		e.log.Warn("load aborted", zap.Error(ErrNoConversation))
		return ErrNoConversation
	}
	key := loadKey{conv: convID, dir: DirectionInitial}
	if _, ok := e.loading[key]; ok {
		return ErrLoadInFlight
	}
	e.startLoad(key, "")
	e.emit(ctx, EventLoadMessages, map[string]interface{}{
		"conversationId": convID,
		"limit":          e.cfg.PageSize,
	})
	return nil
}

func (e *Engine) loadOlder(ctx context.Context, convID string) error {
	if convID == "" {
		e.log.Warn("load aborted", zap.Error(ErrNoConversation))
		return ErrNoConversation
	}
	conv := e.store.Conversation(convID)
	if !conv.HasMoreOlder || conv.OldestLoadedID == "" {
		return ErrNoMoreHistory
	}
	key := loadKey{conv: convID, dir: DirectionOlder}
	if _, ok := e.loading[key]; ok {
		return ErrLoadInFlight
	}
	e.startLoad(key, conv.OldestLoadedID)
	e.emit(ctx, EventLoadMessages, map[string]interface{}{
		"conversationId": convID,
		"lastMessageId":  conv.OldestLoadedID,
		"limit":          e.cfg.PageSize,
	})
	return nil
}

// startLoad marks key in flight. The timeout only clears the flag; a late
// response is still applied.
func (e *Engine) startLoad(key loadKey, cursor string) {
	req := &loadRequest{cursor: cursor}
	req.timer = time.AfterFunc(e.cfg.LoadTimeout, func() {
		e.locked(func() {
			if e.loading[key] == req {
				delete(e.loading, key)
				e.log.Info("load timed out",
					zap.String("conversationId", key.conv), zap.String("direction", string(key.dir)))
			}
		})
	})
	e.loading[key] = req
}

func (e *Engine) finishLoad(key loadKey) {
	if req, ok := e.loading[key]; ok {
		req.timer.Stop()
		delete(e.loading, key)
	}
}

// responseTarget works out which conversation and direction an inbound page
// belongs to when the payload leaves them out.
func (e *Engine) responseTarget(ev LoadMessagesResponse) (string, Direction) {
	convID := ev.ConversationID
	if convID == "" {
		for _, m := range ev.Messages {
			if m.ConversationID != "" {
				convID = m.ConversationID
				break
			}
		}
	}
	if convID == "" {
		var inFlight []loadKey
		for k := range e.loading {
			inFlight = append(inFlight, k)
		}
		if len(inFlight) == 1 {
			convID = inFlight[0].conv
		} else {
			convID = e.current
		}
	}

	dir := ev.Direction
	if dir == "" {
		_, initial := e.loading[loadKey{conv: convID, dir: DirectionInitial}]
		_, older := e.loading[loadKey{conv: convID, dir: DirectionOlder}]
		if older && !initial {
			dir = DirectionOlder
		} else {
			dir = DirectionInitial
		}
	}
	return convID, dir
}

func (e *Engine) onLoadResponse(ev LoadMessagesResponse) {
	convID, dir := e.responseTarget(ev)
	if convID == "" {
		e.log.Warn("dropped page without conversation", zap.Int("messages", len(ev.Messages)))
		return
	}
	e.finishLoad(loadKey{conv: convID, dir: dir})

	// A missing hasMore means no further history.
	hasMore := ev.HasMore != nil && *ev.HasMore

	page := make([]*Message, 0, len(ev.Messages))
	for _, m := range ev.Messages {
		if m.ConversationID != "" && m.ConversationID != convID {
			e.log.Debug("dropped message from another conversation",
				zap.String("id", m.ID), zap.String("conversationId", m.ConversationID))
			continue
		}
		m.ConversationID = convID
		if m.IsRecalled {
			m.Content = e.cfg.RecalledPlaceholder
		}
		page = append(page, m)
	}

	switch dir {
	case DirectionOlder:
		for _, m := range page {
			m.Mine = e.cfg.UserID != "" && m.SenderID == e.cfg.UserID
			m.Status = StatusConfirmed
		}
		added := e.store.prepend(convID, page, hasMore)
		e.log.Debug("older page merged",
			zap.String("conversationId", convID), zap.Int("added", added), zap.Bool("hasMore", hasMore))
	default:
		for _, out := range e.recon.Reload(convID, page, hasMore) {
			e.settle(out)
		}
		e.log.Debug("conversation loaded",
			zap.String("conversationId", convID), zap.Int("messages", len(page)), zap.Bool("hasMore", hasMore))
	}
	e.resolveReplies(convID)
}
