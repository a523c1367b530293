package chatsync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Outbound event names.
const (
	EventLoadMessages     = "load_messages"
	EventSendMessage      = "send_message"
	EventSendGroupMessage = "send_group_message"
	EventRecallMessage    = "recall_message"
	EventDeleteMessage    = "delete_message"
	EventAddReaction      = "add_reaction"
	EventMentionUser      = "mention_user"
	EventCheckUsersStatus = "check_users_status"
)

// Inbound event names.
const (
	EventLoadMessagesResponse = "load_messages_response"
	EventReceiveMessage       = "receive_message"
	EventSendMessageSuccess   = "send_message_success"
	EventRecallMessageSuccess = "recall_message_success"
	EventMessageRecalled      = "message_recalled"
	EventDeleteMessageSuccess = "delete_message_success"
	EventReactionUpdated      = "message_reaction_updated"
	EventUsersStatus          = "users_status"
)

// ErrMalformed marks a payload that failed structural validation.
var ErrMalformed = errors.New("malformed payload")

// Envelope is the wire format for every frame on the channel.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ============================================================================
// Inbound event variants
// ============================================================================

// Event is the closed set of inbound events understood by the engine.
type Event interface {
	EventName() string
}

// Direction tells which page a load response belongs to.
type Direction string

const (
	DirectionInitial Direction = "initial"
	DirectionOlder   Direction = "older"
)

// LoadMessagesResponse delivers a page of history.
type LoadMessagesResponse struct {
	ConversationID string
	Messages       []*Message
	// HasMore is nil when the backend omitted the field.
	HasMore *bool
	// Direction is empty when the backend omitted it.
	Direction Direction
}

// ReceiveMessage is a new message from another participant.
type ReceiveMessage struct {
	Message *Message
}

// SendMessageSuccess confirms one of our own sends.
type SendMessageSuccess struct {
	Message *Message
	TempID  string
}

// MessageMutated confirms a recall or delete. Name distinguishes the
// sender-side and participant-side shapes.
type MessageMutated struct {
	Name           string
	MessageID      string
	ConversationID string
	Updated        *Message
}

// ReactionUpdated carries the full reaction aggregate of a message.
type ReactionUpdated struct {
	MessageID      string
	ConversationID string
	Reactions      map[string]ReactionAggregate
}

// UsersStatus carries online flags for some users.
type UsersStatus struct {
	Statuses map[string]bool
}

func (LoadMessagesResponse) EventName() string { return EventLoadMessagesResponse }
func (ReceiveMessage) EventName() string       { return EventReceiveMessage }
func (SendMessageSuccess) EventName() string   { return EventSendMessageSuccess }
func (e MessageMutated) EventName() string     { return e.Name }
func (ReactionUpdated) EventName() string      { return EventReactionUpdated }
func (UsersStatus) EventName() string          { return EventUsersStatus }

// ============================================================================
// Wire shapes
// ============================================================================

type wireTime struct{ time.Time }

func (t *wireTime) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			t.Time = time.UnixMilli(ms).UTC()
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return err
		}
		t.Time = parsed.UTC()
		return nil
	}
	var ms float64
	if err := json.Unmarshal(b, &ms); err != nil {
		return err
	}
	t.Time = time.UnixMilli(int64(ms)).UTC()
	return nil
}

type wireReply struct {
	ID       string      `json:"id"`
	SenderID string      `json:"senderId"`
	Type     MessageType `json:"type"`
	Content  string      `json:"content"`
}

type wireReaction struct {
	Type       string          `json:"type"`
	TotalCount *int            `json:"totalCount"`
	Users      []*ReactionUser `json:"users"`
}

type wireMessage struct {
	ID                 string          `json:"id"`
	TempID             string          `json:"tempId"`
	ConversationID     string          `json:"conversationId"`
	SenderID           string          `json:"senderId"`
	Type               MessageType     `json:"type"`
	Content            string          `json:"content"`
	Timestamp          wireTime        `json:"timestamp"`
	IsRecalled         bool            `json:"isRecalled"`
	IsRemovedForSender bool            `json:"isRemovedForSender"`
	IsReply            bool            `json:"isReply"`
	IsForwarded        bool            `json:"isForwarded"`
	ReplyTo            string          `json:"replyTo"`
	ReplyToMessage     *wireReply      `json:"replyToMessage"`
	Reactions          json.RawMessage `json:"reactions"`
	MentionedUserIDs   []string        `json:"mentionedUserIds"`
}

func (w *wireMessage) toMessage() (*Message, error) {
	if w.ID == "" {
		return nil, fmt.Errorf("%w: message without id", ErrMalformed)
	}
	if w.SenderID == "" {
		return nil, fmt.Errorf("%w: message %s without sender", ErrMalformed, w.ID)
	}
	m := &Message{
		ID:                 w.ID,
		TempID:             w.TempID,
		ConversationID:     w.ConversationID,
		SenderID:           w.SenderID,
		Type:               w.Type,
		Content:            w.Content,
		Timestamp:          w.Timestamp.Time,
		IsRecalled:         w.IsRecalled,
		IsRemovedForSender: w.IsRemovedForSender,
		IsReply:            w.IsReply,
		IsForwarded:        w.IsForwarded,
		Status:             StatusConfirmed,
	}
	if !m.Type.valid() {
		m.Type = TypeText
	}
	switch {
	case w.ReplyToMessage != nil && w.ReplyToMessage.ID != "":
		m.ReplyTarget = &ReplyRef{
			ID:       w.ReplyToMessage.ID,
			SenderID: w.ReplyToMessage.SenderID,
			Type:     w.ReplyToMessage.Type,
			Content:  w.ReplyToMessage.Content,
			Resolved: true,
		}
	case w.ReplyTo != "":
		m.ReplyTarget = &ReplyRef{ID: w.ReplyTo}
	}
	if m.ReplyTarget != nil {
		m.IsReply = true
	}
	m.Reactions = decodeReactions(w.Reactions)
	for _, id := range w.MentionedUserIDs {
		if id != "" {
			m.MentionedUserIDs = append(m.MentionedUserIDs, id)
		}
	}
	return m, nil
}

// decodeReactions accepts either {"kind": {...}} or [{"type": "kind", ...}]
// and drops entries that fail structural expectations. Anything else decodes
// to no reactions.
func decodeReactions(raw json.RawMessage) map[string]ReactionAggregate {
	out, _ := parseReactions(raw)
	return out
}

// parseReactions is decodeReactions for payloads where the aggregate is the
// point of the event: a missing or mistyped field is an error. An empty
// object or array yields an empty map.
func parseReactions(raw json.RawMessage) (map[string]ReactionAggregate, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, errors.New("reactions missing")
	}
	var entries []wireReaction
	switch raw[0] {
	case '[':
		var list []*wireReaction
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, err
		}
		for _, r := range list {
			if r != nil {
				entries = append(entries, *r)
			}
		}
	case '{':
		var byKind map[string]*wireReaction
		if err := json.Unmarshal(raw, &byKind); err != nil {
			return nil, err
		}
		for kind, r := range byKind {
			if r == nil {
				continue
			}
			r.Type = kind
			entries = append(entries, *r)
		}
	default:
		return nil, errors.New("reactions must be an object or an array")
	}

	out := make(map[string]ReactionAggregate)
	for _, r := range entries {
		if r.Type == "" {
			continue
		}
		agg := ReactionAggregate{}
		seen := make(map[string]bool)
		for _, u := range r.Users {
			if u == nil || u.UserID == "" || seen[u.UserID] {
				continue
			}
			seen[u.UserID] = true
			agg.Users = append(agg.Users, *u)
		}
		if r.TotalCount != nil {
			agg.TotalCount = *r.TotalCount
		} else {
			agg.TotalCount = len(agg.Users)
		}
		if agg.TotalCount < 0 {
			agg.TotalCount = 0
		}
		if agg.TotalCount == 0 && len(agg.Users) == 0 {
			continue
		}
		out[r.Type] = agg
	}
	return out, nil
}

// messageField extracts a message either from payload.message or from the
// payload itself.
func messageField(payload json.RawMessage) (*wireMessage, error) {
	var wrapped struct {
		Message *wireMessage `json:"message"`
	}
	if err := json.Unmarshal(payload, &wrapped); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if wrapped.Message != nil {
		return wrapped.Message, nil
	}
	var direct wireMessage
	if err := json.Unmarshal(payload, &direct); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &direct, nil
}

// ============================================================================
// Decoding
// ============================================================================

// decodeEvent validates and normalizes an envelope into its variant.
// Individual bad records inside a page are dropped and counted in skipped.
func decodeEvent(env Envelope) (ev Event, skipped int, err error) {
	if len(bytes.TrimSpace(env.Payload)) == 0 || string(env.Payload) == "null" {
		return nil, 0, fmt.Errorf("%w: %s without payload", ErrMalformed, env.Type)
	}
	switch env.Type {
	case EventLoadMessagesResponse:
		var p struct {
			ConversationID string            `json:"conversationId"`
			Messages       []json.RawMessage `json:"messages"`
			HasMore        *bool             `json:"hasMore"`
			Direction      string            `json:"direction"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		resp := LoadMessagesResponse{
			ConversationID: p.ConversationID,
			HasMore:        p.HasMore,
		}
		switch {
		case strings.EqualFold(p.Direction, string(DirectionOlder)):
			resp.Direction = DirectionOlder
		case strings.EqualFold(p.Direction, string(DirectionInitial)):
			resp.Direction = DirectionInitial
		}
		for _, raw := range p.Messages {
			var w wireMessage
			if json.Unmarshal(raw, &w) != nil {
				skipped++
				continue
			}
			m, err := w.toMessage()
			if err != nil {
				skipped++
				continue
			}
			if m.ConversationID == "" {
				m.ConversationID = p.ConversationID
			}
			resp.Messages = append(resp.Messages, m)
		}
		return resp, skipped, nil

	case EventReceiveMessage:
		w, err := messageField(env.Payload)
		if err != nil {
			return nil, 0, err
		}
		m, err := w.toMessage()
		if err != nil {
			return nil, 0, err
		}
		if m.ConversationID == "" {
			return nil, 0, fmt.Errorf("%w: message %s without conversation", ErrMalformed, m.ID)
		}
		return ReceiveMessage{Message: m}, 0, nil

	case EventSendMessageSuccess:
		w, err := messageField(env.Payload)
		if err != nil {
			return nil, 0, err
		}
		m, err := w.toMessage()
		if err != nil {
			return nil, 0, err
		}
		var p struct {
			TempID string `json:"tempId"`
		}
		_ = json.Unmarshal(env.Payload, &p)
		if p.TempID == "" {
			p.TempID = m.TempID
		}
		return SendMessageSuccess{Message: m, TempID: p.TempID}, 0, nil

	case EventRecallMessageSuccess, EventMessageRecalled, EventDeleteMessageSuccess:
		var p struct {
			MessageID      string          `json:"messageId"`
			ConversationID string          `json:"conversationId"`
			Updated        json.RawMessage `json:"updatedMessage"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		ev := MessageMutated{Name: env.Type, MessageID: p.MessageID, ConversationID: p.ConversationID}
		if len(p.Updated) > 0 && string(p.Updated) != "null" {
			var w wireMessage
			if json.Unmarshal(p.Updated, &w) == nil {
				if w.ID == "" {
					w.ID = p.MessageID
				}
				if m, err := w.toMessage(); err == nil {
					ev.Updated = m
				}
			}
		}
		if ev.MessageID == "" && ev.Updated != nil {
			ev.MessageID = ev.Updated.ID
		}
		if ev.MessageID == "" {
			return nil, 0, fmt.Errorf("%w: %s without message id", ErrMalformed, env.Type)
		}
		if ev.ConversationID == "" && ev.Updated != nil {
			ev.ConversationID = ev.Updated.ConversationID
		}
		return ev, 0, nil

	case EventReactionUpdated:
		var p struct {
			MessageID      string          `json:"messageId"`
			ConversationID string          `json:"conversationId"`
			Reactions      json.RawMessage `json:"reactions"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if p.MessageID == "" {
			return nil, 0, fmt.Errorf("%w: reaction update without message id", ErrMalformed)
		}
		reactions, err := parseReactions(p.Reactions)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: reaction update for %s: %v", ErrMalformed, p.MessageID, err)
		}
		return ReactionUpdated{
			MessageID:      p.MessageID,
			ConversationID: p.ConversationID,
			Reactions:      reactions,
		}, 0, nil

	case EventUsersStatus:
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(env.Payload, &raw); err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if nested, ok := raw["statuses"]; ok {
			raw = nil
			if err := json.Unmarshal(nested, &raw); err != nil {
				return nil, 0, fmt.Errorf("%w: %v", ErrMalformed, err)
			}
		}
		ev := UsersStatus{Statuses: make(map[string]bool, len(raw))}
		for id, v := range raw {
			var online bool
			if id == "" || json.Unmarshal(v, &online) != nil {
				skipped++
				continue
			}
			ev.Statuses[id] = online
		}
		return ev, skipped, nil
	}
	return nil, 0, fmt.Errorf("unknown event %q", env.Type)
}
