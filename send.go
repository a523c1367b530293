package chatsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ============================================================================
// Outbound Send Pipeline
// ============================================================================

// SendOptions are optional parameters for Send.
type SendOptions struct {
	Type MessageType
	// ReplyTo is the id of the message being replied to.
	ReplyTo   string
	Forwarded bool
}

// Send inserts an optimistic message into convID and emits it. The returned
// tempId addresses the message until its confirmation arrives. When the
// channel is down the emit waits for the next connection.
func (e *Engine) Send(ctx context.Context, convID, content string, opts *SendOptions) (string, error) {
	var (
		tempID string
		err    error
	)
	e.locked(func() { tempID, err = e.send(ctx, convID, content, opts) })
	return tempID, err
}

// Forward sends the content of the message addressed by key in srcConvID to
// every target conversation, each as an independent send.
func (e *Engine) Forward(ctx context.Context, srcConvID, key string, targets []string) ([]string, error) {
	var (
		tempIDs []string
		err     error
	)
	e.locked(func() {
		src := e.store.Get(srcConvID, key)
		if src == nil {
			err = fmt.Errorf("%w: %s", ErrMessageNotFound, key)
			return
		}
		if src.IsRecalled {
			err = fmt.Errorf("%w: %s was recalled", ErrMessageNotFound, key)
			return
		}
		var errs []error
		for _, target := range targets {
			id, sendErr := e.send(ctx, target, src.Content, &SendOptions{Type: src.Type, Forwarded: true})
			if sendErr != nil {
				errs = append(errs, fmt.Errorf("forward to %q: %w", target, sendErr))
				continue
			}
			tempIDs = append(tempIDs, id)
		}
		err = errors.Join(errs...)
	})
	return tempIDs, err
}

// Retry re-emits an outstanding send with its original tempId.
func (e *Engine) Retry(ctx context.Context, tempID string) error {
	var err error
	e.locked(func() {
		p := e.recon.Pending(tempID)
		if p == nil {
			err = fmt.Errorf("%w: %s", ErrUnknownPending, tempID)
			return
		}
		p.RetryCount++
		e.store.patch(p.Message.ConversationID, tempID, func(m *Message) { m.Status = StatusSending })
		e.persist(p)
		e.emitSend(ctx, p)
		e.log.Info("retrying send", zap.String("tempId", tempID), zap.Int("retryCount", p.RetryCount))
	})
	return err
}

// SendMedia uploads data through the upload collaborator and sends the
// returned resource URL as a media message.
func (e *Engine) SendMedia(ctx context.Context, convID string, data []byte, fileName string, opts *SendOptions) (string, error) {
	if e.uploader == nil {
		return "", ErrNoUploader
	}
	if convID == "" {
		return "", ErrNoConversation
	}
	res, err := e.uploader.Upload(ctx, data, fileName)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", fileName, err)
	}
	media := SendOptions{Type: res.Type}
	if opts != nil {
		media.ReplyTo = opts.ReplyTo
		media.Forwarded = opts.Forwarded
	}
	return e.Send(ctx, convID, res.URL, &media)
}

// Pending returns the outstanding sends of convID in creation order.
func (e *Engine) Pending(convID string) []*PendingSend {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recon.PendingFor(convID)
}

func (e *Engine) send(ctx context.Context, convID, content string, opts *SendOptions) (string, error) {
	if opts == nil {
		opts = &SendOptions{}
	}
	switch {
	case convID == "":
		e.log.Warn("send aborted", zap.Error(ErrNoConversation))
		return "", ErrNoConversation
	case e.cfg.UserID == "":
		e.log.Warn("send aborted", zap.Error(ErrNoUser))
		return "", ErrNoUser
	case strings.TrimSpace(content) == "":
		return "", ErrEmptyContent
	}

	typ := opts.Type
	if !typ.valid() {
		typ = TypeText
	}
	now := e.now()
	tempID := "temp-" + uuid.NewString()
	msg := &Message{
		TempID:         tempID,
		ConversationID: convID,
		SenderID:       e.cfg.UserID,
		Type:           typ,
		Content:        content,
		Timestamp:      now,
		IsForwarded:    opts.Forwarded,
		Mine:           true,
		Status:         StatusSending,
	}
	if opts.ReplyTo != "" {
		msg.IsReply = true
		msg.ReplyTarget = e.resolveReply(convID, &ReplyRef{ID: opts.ReplyTo})
	}
	if typ == TypeText {
		msg.MentionedUserIDs = ExtractMentions(content, e.participants(convID), e.cfg.UserID)
	}

	p := &PendingSend{
		TempID:    tempID,
		Message:   msg,
		CreatedAt: now,
		Group:     e.isGroup(convID),
	}
	e.recon.AddPending(p)
	e.persist(p)
	e.emitSend(ctx, p)
	return tempID, nil
}

func sendPayload(p *PendingSend) map[string]interface{} {
	m := p.Message
	payload := map[string]interface{}{
		"senderId":       m.SenderID,
		"conversationId": m.ConversationID,
		"content":        m.Content,
		"type":           m.Type,
		"tempId":         p.TempID,
	}
	if m.ReplyTarget != nil {
		payload["replyTo"] = m.ReplyTarget.ID
	}
	if m.IsForwarded {
		payload["isForwarded"] = true
	}
	return payload
}

// emitSend writes p and arms its timeout. When the channel accepts the
// write, possibly only after a reconnect, the emit time is recorded and the
// timeout restarts from it.
func (e *Engine) emitSend(ctx context.Context, p *PendingSend) {
	event := EventSendMessage
	if p.Group {
		event = EventSendGroupMessage
	}
	e.startSendTimer(p.TempID)
	e.write(ctx, outbound{event: event, payload: sendPayload(p), sent: func() {
		if e.recon.Pending(p.TempID) != p {
			return
		}
		p.LastEmittedAt = e.now()
		e.persist(p)
		e.startSendTimer(p.TempID)
		convID := p.Message.ConversationID
		if m := e.store.Get(convID, p.TempID); m != nil && m.Status == StatusPending {
			e.store.patch(convID, p.TempID, func(m *Message) { m.Status = StatusSending })
		}
	}})
}

func (e *Engine) persist(p *PendingSend) {
	if err := e.outbox.Put(p); err != nil {
		e.log.Warn("persist pending send", zap.String("tempId", p.TempID), zap.Error(err))
	}
}

// ── Send timeout ─────────────────────────────────────────

func (e *Engine) startSendTimer(tempID string) {
	e.stopSendTimer(tempID)
	e.sendTimers[tempID] = time.AfterFunc(e.cfg.SendTimeout, func() {
		e.locked(func() { e.sendTimedOut(tempID) })
	})
}

func (e *Engine) stopSendTimer(tempID string) {
	if t, ok := e.sendTimers[tempID]; ok {
		t.Stop()
		delete(e.sendTimers, tempID)
	}
}

// sendTimedOut stops the sending indicator. The optimistic message stays
// for a late confirmation or a manual Retry.
func (e *Engine) sendTimedOut(tempID string) {
	delete(e.sendTimers, tempID)
	p := e.recon.Pending(tempID)
	if p == nil {
		return
	}
	e.store.patch(p.Message.ConversationID, tempID, func(m *Message) { m.Status = StatusPending })
	e.metrics.sendTimedOut()
	e.log.Info("send confirmation timed out", zap.String("tempId", tempID), zap.Int("retryCount", p.RetryCount))
}

// ── Confirmations ────────────────────────────────────────

func (e *Engine) onSendSuccess(ev SendMessageSuccess) {
	m := ev.Message
	if m.ConversationID == "" {
		if p := e.recon.Pending(ev.TempID); p != nil {
			m.ConversationID = p.Message.ConversationID
		} else {
			m.ConversationID = e.current
		}
	}
	if m.ConversationID == "" {
		e.log.Warn("dropped confirmation without conversation", zap.String("id", m.ID))
		return
	}
	e.normalize(m)
	e.settle(e.recon.Apply(m, ev.TempID, true))
}

func (e *Engine) onReceive(ev ReceiveMessage) {
	e.normalize(ev.Message)
	e.settle(e.recon.Apply(ev.Message, "", true))
}

// normalize applies local presentation rules to an inbound message.
func (e *Engine) normalize(m *Message) {
	if m.IsRecalled {
		m.Content = e.cfg.RecalledPlaceholder
	}
	if m.ReplyTarget != nil && !m.ReplyTarget.Resolved {
		m.ReplyTarget = e.resolveReply(m.ConversationID, m.ReplyTarget)
	}
}

// settle finishes a promotion: the outbox record and timer are dropped,
// mentions are announced and mutations recorded before confirmation are
// emitted with the confirmed id.
func (e *Engine) settle(out Outcome) {
	if out.Pending == nil || out.Message == nil {
		return
	}
	p, m := out.Pending, out.Message
	e.stopSendTimer(p.TempID)
	if err := e.outbox.Delete(p.TempID); err != nil {
		e.log.Warn("delete pending send", zap.String("tempId", p.TempID), zap.Error(err))
	}

	if len(m.MentionedUserIDs) > 0 {
		e.emit(e.ctx, EventMentionUser, map[string]interface{}{
			"senderId":         m.SenderID,
			"conversationId":   m.ConversationID,
			"mentionedUserIds": m.MentionedUserIDs,
			"messageId":        m.ID,
		})
	}
	for _, mu := range p.Mutations {
		switch mu {
		case MutationRecall:
			e.emit(e.ctx, EventRecallMessage, mutationPayload(m))
		case MutationDelete:
			e.emit(e.ctx, EventDeleteMessage, mutationPayload(m))
		}
	}
}
