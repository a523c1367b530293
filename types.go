package chatsync

import (
	"errors"
	"sort"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error returned by the backend.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

var (
	ErrNoConversation  = errors.New("no conversation id")
	ErrNoUser          = errors.New("no authenticated user")
	ErrNotConnected    = errors.New("not connected")
	ErrUnknownPending  = errors.New("unknown pending send")
	ErrNoMoreHistory   = errors.New("no older history")
	ErrLoadInFlight    = errors.New("load already in flight")
	ErrMessageNotFound = errors.New("message not found")
	ErrNotOwner        = errors.New("message not sent by this user")
	ErrNotConfirmed    = errors.New("message not confirmed yet")
	ErrEmptyContent    = errors.New("empty content")
	ErrNoUploader      = errors.New("no upload collaborator configured")
)

// DefaultRecalledPlaceholder replaces the content of a recalled message.
const DefaultRecalledPlaceholder = "This message was recalled"

// ============================================================================
// Message
// ============================================================================

// MessageType is the kind of content a message carries.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeVideo    MessageType = "video"
	TypeDocument MessageType = "document"
	TypeSystem   MessageType = "system"
)

func (t MessageType) valid() bool {
	switch t {
	case TypeText, TypeImage, TypeVideo, TypeDocument, TypeSystem:
		return true
	}
	return false
}

// MessageStatus tracks an outbound message through its lifecycle.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusPending   MessageStatus = "pending"
	StatusConfirmed MessageStatus = "confirmed"
)

// ReplyRef points at the message being replied to. Summary fields are
// filled when the payload embeds them or a local lookup succeeds.
type ReplyRef struct {
	ID       string      `json:"id"`
	SenderID string      `json:"senderId,omitempty"`
	Type     MessageType `json:"type,omitempty"`
	Content  string      `json:"content,omitempty"`
	Resolved bool        `json:"-"`
}

// ReactionUser is one participant in a reaction aggregate.
type ReactionUser struct {
	UserID string `json:"userId"`
}

// ReactionAggregate is the count and participant set for one reaction kind.
type ReactionAggregate struct {
	TotalCount int            `json:"totalCount"`
	Users      []ReactionUser `json:"users"`
}

// Has reports whether userID is in the participant set.
func (a ReactionAggregate) Has(userID string) bool {
	for _, u := range a.Users {
		if u.UserID == userID {
			return true
		}
	}
	return false
}

// Message is a single entry of a conversation.
type Message struct {
	ID             string      `json:"id,omitempty"`
	TempID         string      `json:"tempId,omitempty"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	Type           MessageType `json:"type"`
	Content        string      `json:"content"`
	Timestamp      time.Time   `json:"timestamp"`

	IsRecalled         bool `json:"isRecalled,omitempty"`
	IsRemovedForSender bool `json:"isRemovedForSender,omitempty"`
	IsReply            bool `json:"isReply,omitempty"`
	IsForwarded        bool `json:"isForwarded,omitempty"`

	ReplyTarget      *ReplyRef                    `json:"replyTarget,omitempty"`
	Reactions        map[string]ReactionAggregate `json:"reactions,omitempty"`
	MentionedUserIDs []string                     `json:"mentionedUserIds,omitempty"`

	// Mine is derived locally and survives server overwrites.
	Mine   bool          `json:"-"`
	Status MessageStatus `json:"status,omitempty"`
}

// Confirmed reports whether the backend has assigned an id.
func (m *Message) Confirmed() bool { return m.ID != "" }

// Key returns the id used to address the message in the store.
func (m *Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.TempID
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	c := *m
	if m.ReplyTarget != nil {
		r := *m.ReplyTarget
		c.ReplyTarget = &r
	}
	if m.Reactions != nil {
		c.Reactions = make(map[string]ReactionAggregate, len(m.Reactions))
		for k, v := range m.Reactions {
			c.Reactions[k] = ReactionAggregate{
				TotalCount: v.TotalCount,
				Users:      append([]ReactionUser(nil), v.Users...),
			}
		}
	}
	c.MentionedUserIDs = append([]string(nil), m.MentionedUserIDs...)
	return &c
}

// ReactionKinds returns the reaction kinds in a stable order.
func (m *Message) ReactionKinds() []string {
	kinds := make([]string, 0, len(m.Reactions))
	for k := range m.Reactions {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// ============================================================================
// Conversation & PendingSend
// ============================================================================

// Participant is a member of a conversation, used for mention extraction
// and presence.
type Participant struct {
	UserID   string `json:"userId"`
	FullName string `json:"fullName"`
}

// Conversation is a read-only snapshot of one conversation's state.
type Conversation struct {
	ID             string
	Messages       []*Message
	HasMoreOlder   bool
	OldestLoadedID string
}

// PendingMutation is a user mutation recorded against a message whose
// confirmation has not arrived yet.
type PendingMutation string

const (
	MutationRecall PendingMutation = "recall"
	MutationDelete PendingMutation = "delete"
)

// PendingSend is an optimistic message awaiting confirmation. Message keeps
// the content as sent; Mutations recorded before confirmation only change
// the stored copy.
type PendingSend struct {
	TempID    string    `json:"tempId"`
	Message   *Message  `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
	// LastEmittedAt is when the channel last accepted the send. It differs
	// from CreatedAt after a Retry or a send queued while disconnected.
	LastEmittedAt time.Time         `json:"lastEmittedAt"`
	RetryCount    int               `json:"retryCount"`
	Mutations     []PendingMutation `json:"mutations,omitempty"`
	Group         bool              `json:"group,omitempty"`
}

// Within reports whether ts falls within window of the send's creation or of
// its last emit.
func (p *PendingSend) Within(ts time.Time, window time.Duration) bool {
	if absDuration(ts.Sub(p.CreatedAt)) <= window {
		return true
	}
	return !p.LastEmittedAt.IsZero() && absDuration(ts.Sub(p.LastEmittedAt)) <= window
}

// Matches reports whether m could be the server's copy of this send.
func (p *PendingSend) Matches(m *Message) bool {
	return m.SenderID == p.Message.SenderID && m.Content == p.Message.Content
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// ============================================================================
// Connection state
// ============================================================================

// ConnectionState represents the channel connection state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)
