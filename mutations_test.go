package chatsync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sendConfirmed sends content and confirms it as id.
func sendConfirmed(t *testing.T, h *harness, id, content string) {
	t.Helper()
	tempID, err := h.e.Send(context.Background(), "c-1", content, nil)
	require.NoError(t, err)
	h.confirm(t, tempID, id, content, time.Second)
	require.NotNil(t, h.e.Store().Get("c-1", id))
}

// ============================================================================
// Recall
// ============================================================================

func TestRecallOwnMessage(t *testing.T) {
	h := newHarness(t)
	h.connect()
	ctx := context.Background()
	sendConfirmed(t, h, "m-1", "oops")

	require.NoError(t, h.e.Recall(ctx, "c-1", "m-1"))
	got := h.e.Store().Get("c-1", "m-1")
	assert.True(t, got.IsRecalled, "recall is applied optimistically")
	assert.Equal(t, DefaultRecalledPlaceholder, got.Content)

	sent := h.ch.sent(EventRecallMessage)
	require.Len(t, sent, 1)
	assert.Equal(t, "m-1", sent[0]["messageId"])
	assert.Equal(t, "c-1", sent[0]["conversationId"])
	assert.Equal(t, "u-1", sent[0]["senderId"])

	updated := wire("m-1", "u-1", "server text", time.Second)
	updated["isRecalled"] = true
	h.ch.deliver(t, EventRecallMessageSuccess, map[string]any{
		"messageId":      "m-1",
		"updatedMessage": updated,
	})
	got = h.e.Store().Get("c-1", "m-1")
	assert.True(t, got.IsRecalled)
	assert.True(t, got.Mine)
	assert.Equal(t, DefaultRecalledPlaceholder, got.Content)

	require.NoError(t, h.e.Recall(ctx, "c-1", "m-1"))
	assert.Len(t, h.ch.sent(EventRecallMessage), 1, "a second recall is a no-op")
}

func TestRecallAsymmetry(t *testing.T) {
	ctx := context.Background()

	sender := newHarness(t)
	sender.connect()
	sendConfirmed(t, sender, "m-1", "secret")
	require.NoError(t, sender.e.Recall(ctx, "c-1", "m-1"))
	sender.ch.deliver(t, EventRecallMessageSuccess, map[string]any{"messageId": "m-1", "conversationId": "c-1"})

	receiver := newHarness(t, WithUser("u-2"))
	receiver.connect()
	receiver.receive(t, wire("m-1", "u-1", "secret", time.Second))
	receiver.ch.deliver(t, EventMessageRecalled, map[string]any{
		"messageId":      "m-1",
		"conversationId": "c-1",
		"updatedMessage": map[string]any{"senderId": "u-1", "content": "", "isRecalled": true},
	})

	mine := sender.e.Store().Get("c-1", "m-1")
	theirs := receiver.e.Store().Get("c-1", "m-1")
	assert.True(t, mine.IsRecalled)
	assert.True(t, theirs.IsRecalled)
	assert.Equal(t, mine.Content, theirs.Content)
	assert.True(t, mine.Mine)
	assert.False(t, theirs.Mine)
}

func TestRecallBeforeConfirmation(t *testing.T) {
	h := newHarness(t)
	h.connect()
	ctx := context.Background()

	tempID, err := h.e.Send(ctx, "c-1", "too fast", nil)
	require.NoError(t, err)
	require.NoError(t, h.e.Recall(ctx, "c-1", tempID))

	assert.True(t, h.e.Store().Get("c-1", tempID).IsRecalled)
	assert.Empty(t, h.ch.sent(EventRecallMessage), "nothing to address before the id is known")
	require.Len(t, h.e.Pending("c-1"), 1)
	assert.Equal(t, []PendingMutation{MutationRecall}, h.e.Pending("c-1")[0].Mutations)

	h.confirm(t, tempID, "m-3", "too fast", time.Second)
	got := h.e.Store().Get("c-1", "m-3")
	assert.True(t, got.IsRecalled)
	assert.Equal(t, DefaultRecalledPlaceholder, got.Content)

	sent := h.ch.sent(EventRecallMessage)
	require.Len(t, sent, 1)
	assert.Equal(t, "m-3", sent[0]["messageId"])
}

func TestRecallBeforeConfirmationWithoutTempID(t *testing.T) {
	h := newHarness(t)
	h.connect()
	ctx := context.Background()

	tempID, err := h.e.Send(ctx, "c-1", "too fast", nil)
	require.NoError(t, err)
	require.NoError(t, h.e.Recall(ctx, "c-1", tempID))
	require.Len(t, h.e.Pending("c-1"), 1)
	assert.Equal(t, "too fast", h.e.Pending("c-1")[0].Message.Content, "the pending send keeps what was sent")
	assert.Equal(t, DefaultRecalledPlaceholder, h.e.Store().Get("c-1", tempID).Content)

	h.ch.deliver(t, EventSendMessageSuccess, map[string]any{
		"message": wire("m-3", "u-1", "too fast", 200*time.Millisecond),
	})

	msgs := h.e.Store().All("c-1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "m-3", msgs[0].ID)
	assert.True(t, msgs[0].IsRecalled)
	assert.Equal(t, DefaultRecalledPlaceholder, msgs[0].Content)
	assert.Empty(t, h.e.Pending("c-1"))

	sent := h.ch.sent(EventRecallMessage)
	require.Len(t, sent, 1)
	assert.Equal(t, "m-3", sent[0]["messageId"])
}

func TestRecallBeforeConfirmationResolvedByReload(t *testing.T) {
	h := newHarness(t)
	h.connect()
	ctx := context.Background()
	require.NoError(t, h.e.OpenConversation(ctx, "c-1", nil, false))

	tempID, err := h.e.Send(ctx, "c-1", "too fast", nil)
	require.NoError(t, err)
	require.NoError(t, h.e.Recall(ctx, "c-1", tempID))

	h.ch.deliver(t, EventLoadMessagesResponse, map[string]any{
		"conversationId": "c-1",
		"messages":       []any{wire("m-3", "u-1", "too fast", time.Second)},
		"direction":      "initial",
	})

	msgs := h.e.Store().All("c-1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "m-3", msgs[0].ID)
	assert.True(t, msgs[0].IsRecalled)
	assert.Equal(t, DefaultRecalledPlaceholder, msgs[0].Content)
	assert.Empty(t, h.e.Pending("c-1"))
	require.Len(t, h.ch.sent(EventRecallMessage), 1)
	assert.Equal(t, "m-3", h.ch.sent(EventRecallMessage)[0]["messageId"])
}

func TestRetryAfterRecallSendsOriginalContent(t *testing.T) {
	h := newHarness(t)
	h.connect()
	ctx := context.Background()

	tempID, err := h.e.Send(ctx, "c-1", "too fast", nil)
	require.NoError(t, err)
	require.NoError(t, h.e.Recall(ctx, "c-1", tempID))
	require.NoError(t, h.e.Retry(ctx, tempID))

	sent := h.ch.sent(EventSendMessage)
	require.Len(t, sent, 2)
	assert.Equal(t, "too fast", sent[1]["content"])
	assert.True(t, h.e.Store().Get("c-1", tempID).IsRecalled)
}

func TestRestoreRecalledPendingSend(t *testing.T) {
	ob := NewMemoryOutbox()
	p := pendingSend("temp-9", "from last run", 0)
	p.Mutations = []PendingMutation{MutationRecall}
	require.NoError(t, ob.Put(p))

	h := newHarness(t, WithOutbox(ob))
	_, err := h.e.RestorePending(context.Background())
	require.NoError(t, err)
	got := h.e.Store().Get("c-1", "temp-9")
	require.NotNil(t, got)
	assert.True(t, got.IsRecalled)
	assert.Equal(t, DefaultRecalledPlaceholder, got.Content)

	h.connect()
	sent := h.ch.sent(EventSendMessage)
	require.Len(t, sent, 1)
	assert.Equal(t, "from last run", sent[0]["content"])

	h.ch.deliver(t, EventSendMessageSuccess, map[string]any{
		"message": wire("m-5", "u-1", "from last run", time.Second),
	})
	assert.Equal(t, []string{"m-5"}, ids(h.e.Store().All("c-1")))
	assert.Len(t, h.ch.sent(EventRecallMessage), 1)
}

func TestRecallRejected(t *testing.T) {
	h := newHarness(t)
	h.connect()
	ctx := context.Background()
	h.receive(t, wire("m-1", "u-2", "not mine", 0))

	assert.ErrorIs(t, h.e.Recall(ctx, "c-1", "m-1"), ErrNotOwner)
	assert.ErrorIs(t, h.e.Recall(ctx, "c-1", "m-404"), ErrMessageNotFound)
	assert.ErrorIs(t, h.e.Recall(ctx, "", "m-1"), ErrNoConversation)
	assert.Empty(t, h.ch.sent(EventRecallMessage))
	assert.False(t, h.e.Store().Get("c-1", "m-1").IsRecalled)
}

func TestRecallUnknownMessageIgnored(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.ch.deliver(t, EventMessageRecalled, map[string]any{"messageId": "m-404", "conversationId": "c-1"})
	assert.Empty(t, h.e.Store().All("c-1"))
}

// ============================================================================
// Delete
// ============================================================================

func TestDeleteOwnMessage(t *testing.T) {
	h := newHarness(t)
	h.connect()
	ctx := context.Background()
	sendConfirmed(t, h, "m-1", "typo")
	h.receive(t, wire("m-2", "u-2", "reply", 2*time.Second))

	require.NoError(t, h.e.Delete(ctx, "c-1", "m-1"))
	assert.Equal(t, []string{"m-2"}, ids(h.e.Store().Messages("c-1")))
	require.Len(t, h.ch.sent(EventDeleteMessage), 1)

	h.ch.deliver(t, EventDeleteMessageSuccess, map[string]any{"messageId": "m-1", "conversationId": "c-1"})
	assert.Equal(t, []string{"m-2"}, ids(h.e.Store().Messages("c-1")))
	assert.True(t, h.e.Store().Has("c-1", "m-1"))

	require.NoError(t, h.e.Delete(ctx, "c-1", "m-1"))
	assert.Len(t, h.ch.sent(EventDeleteMessage), 1)
}

func TestDeleteSeenByOthers(t *testing.T) {
	h := newHarness(t, WithUser("u-2"))
	h.connect()
	h.receive(t, wire("m-1", "u-1", "typo", 0))

	updated := wire("m-1", "u-1", "typo", 0)
	updated["isRemovedForSender"] = true
	h.ch.deliver(t, EventDeleteMessageSuccess, map[string]any{
		"messageId":      "m-1",
		"conversationId": "c-1",
		"updatedMessage": updated,
	})

	msgs := h.e.Store().Messages("c-1")
	require.Len(t, msgs, 1, "other participants keep the content")
	assert.Equal(t, "typo", msgs[0].Content)
}

func TestDeleteBeforeConfirmation(t *testing.T) {
	h := newHarness(t)
	h.connect()
	ctx := context.Background()

	tempID, err := h.e.Send(ctx, "c-1", "nvm", nil)
	require.NoError(t, err)
	require.NoError(t, h.e.Delete(ctx, "c-1", tempID))
	assert.Empty(t, h.e.Store().Messages("c-1"))

	h.confirm(t, tempID, "m-8", "nvm", time.Second)
	assert.Empty(t, h.e.Store().Messages("c-1"))
	sent := h.ch.sent(EventDeleteMessage)
	require.Len(t, sent, 1)
	assert.Equal(t, "m-8", sent[0]["messageId"])
}

func TestDeleteBeforeConfirmationWithoutTempID(t *testing.T) {
	h := newHarness(t)
	h.connect()
	ctx := context.Background()

	tempID, err := h.e.Send(ctx, "c-1", "typo", nil)
	require.NoError(t, err)
	require.NoError(t, h.e.Delete(ctx, "c-1", tempID))
	assert.Empty(t, h.e.Store().Messages("c-1"))

	h.ch.deliver(t, EventSendMessageSuccess, map[string]any{
		"message": wire("m-4", "u-1", "typo", 300*time.Millisecond),
	})

	all := h.e.Store().All("c-1")
	require.Len(t, all, 1)
	assert.Equal(t, "m-4", all[0].ID)
	assert.True(t, all[0].IsRemovedForSender)
	assert.Empty(t, h.e.Store().Messages("c-1"))
	sent := h.ch.sent(EventDeleteMessage)
	require.Len(t, sent, 1)
	assert.Equal(t, "m-4", sent[0]["messageId"])
}

// ============================================================================
// React
// ============================================================================

func TestReactToggle(t *testing.T) {
	h := newHarness(t)
	h.connect()
	ctx := context.Background()
	h.receive(t, wire("m-1", "u-2", "nice", 0))
	before := h.e.Store().Get("c-1", "m-1").Reactions

	require.NoError(t, h.e.React(ctx, "c-1", "m-1", "like"))
	sent := h.ch.sent(EventAddReaction)
	require.Len(t, sent, 1)
	assert.Equal(t, float64(1), sent[0]["value"])
	assert.Equal(t, "like", sent[0]["reactionType"])
	assert.Equal(t, "u-1", sent[0]["userId"])
	assert.Equal(t, "m-1", sent[0]["messageId"])

	h.ch.deliver(t, EventReactionUpdated, map[string]any{
		"messageId":      "m-1",
		"conversationId": "c-1",
		"reactions":      map[string]any{"like": map[string]any{"totalCount": 1, "users": []any{map[string]any{"userId": "u-1"}}}},
	})
	assert.Equal(t, 1, h.e.Store().Get("c-1", "m-1").Reactions["like"].TotalCount)

	require.NoError(t, h.e.React(ctx, "c-1", "m-1", "like"))
	sent = h.ch.sent(EventAddReaction)
	require.Len(t, sent, 2)
	assert.Equal(t, float64(0), sent[1]["value"])

	h.ch.deliver(t, EventReactionUpdated, map[string]any{
		"messageId": "m-1",
		"reactions": map[string]any{},
	})
	assert.Equal(t, before, h.e.Store().Get("c-1", "m-1").Reactions)
}

func TestReactionUpdateReplaces(t *testing.T) {
	h := newHarness(t)
	h.connect()
	m := wire("m-1", "u-2", "nice", 0)
	m["reactions"] = map[string]any{
		"like":  map[string]any{"totalCount": 5, "users": []any{map[string]any{"userId": "u-3"}}},
		"laugh": map[string]any{"totalCount": 2},
	}
	h.receive(t, m)

	h.ch.deliver(t, EventReactionUpdated, map[string]any{
		"messageId": "m-1",
		"reactions": []any{
			map[string]any{"type": "like", "totalCount": 1, "users": []any{map[string]any{"userId": "u-3"}, nil}},
			map[string]any{"totalCount": 3},
			nil,
		},
	})

	got := h.e.Store().Get("c-1", "m-1").Reactions
	assert.Equal(t, map[string]ReactionAggregate{
		"like": {TotalCount: 1, Users: []ReactionUser{{UserID: "u-3"}}},
	}, got)
}

func TestReactionUpdateMalformedKeepsAggregate(t *testing.T) {
	h := newHarness(t)
	h.connect()
	m := wire("m-1", "u-2", "nice", 0)
	m["reactions"] = map[string]any{
		"like": map[string]any{"users": []any{map[string]any{"userId": "u-2"}, map[string]any{"userId": "u-3"}}},
	}
	h.receive(t, m)
	want := h.e.Store().Get("c-1", "m-1").Reactions
	require.Len(t, want, 1)

	h.ch.deliver(t, EventReactionUpdated, map[string]any{"messageId": "m-1"})
	h.ch.deliver(t, EventReactionUpdated, map[string]any{"messageId": "m-1", "reactions": "garbage"})
	assert.Equal(t, want, h.e.Store().Get("c-1", "m-1").Reactions)

	h.ch.deliver(t, EventReactionUpdated, map[string]any{"messageId": "m-1", "reactions": map[string]any{}})
	assert.Empty(t, h.e.Store().Get("c-1", "m-1").Reactions)
}

func TestReactOptimistic(t *testing.T) {
	h := newHarness(t, WithConfig(Config{UserID: "u-1", OptimisticReactions: true}))
	h.connect()
	ctx := context.Background()
	h.receive(t, wire("m-1", "u-2", "nice", 0))

	require.NoError(t, h.e.React(ctx, "c-1", "m-1", "like"))
	agg := h.e.Store().Get("c-1", "m-1").Reactions["like"]
	assert.Equal(t, 1, agg.TotalCount)
	assert.True(t, agg.Has("u-1"))

	require.NoError(t, h.e.React(ctx, "c-1", "m-1", "like"))
	assert.Empty(t, h.e.Store().Get("c-1", "m-1").Reactions)
}

func TestReactRejected(t *testing.T) {
	h := newHarness(t)
	h.connect()
	ctx := context.Background()
	tempID, err := h.e.Send(ctx, "c-1", "pending", nil)
	require.NoError(t, err)

	assert.ErrorIs(t, h.e.React(ctx, "c-1", tempID, "like"), ErrNotConfirmed)
	assert.ErrorIs(t, h.e.React(ctx, "c-1", "m-404", "like"), ErrMessageNotFound)
	assert.ErrorIs(t, h.e.React(ctx, "c-1", tempID, ""), ErrEmptyContent)
	assert.Empty(t, h.ch.sent(EventAddReaction))
}

func TestToggleReactionNeverNegative(t *testing.T) {
	m := &Message{Reactions: map[string]ReactionAggregate{
		"like": {TotalCount: 0, Users: []ReactionUser{{UserID: "u-1"}}},
	}}
	toggleReaction(m, "like", "u-1", false)
	assert.Empty(t, m.Reactions)

	toggleReaction(m, "like", "u-1", false)
	assert.Empty(t, m.Reactions)
}

// ============================================================================
// Reply
// ============================================================================

func TestReplyResolution(t *testing.T) {
	h := newHarness(t)
	h.connect()

	t.Run("embedded summary", func(t *testing.T) {
		m := wire("m-5", "u-2", "agreed", 5*time.Second)
		m["replyToMessage"] = map[string]any{"id": "m-0", "senderId": "u-3", "content": "plan?"}
		h.receive(t, m)
		got := h.e.Store().Get("c-1", "m-5")
		require.NotNil(t, got.ReplyTarget)
		assert.True(t, got.IsReply)
		assert.True(t, got.ReplyTarget.Resolved)
		assert.Equal(t, "plan?", got.ReplyTarget.Content)
	})

	t.Run("local lookup", func(t *testing.T) {
		h.receive(t, wire("m-6", "u-3", "lunch?", 6*time.Second))
		m := wire("m-7", "u-2", "sure", 7*time.Second)
		m["replyTo"] = "m-6"
		h.receive(t, m)
		got := h.e.Store().Get("c-1", "m-7")
		require.NotNil(t, got.ReplyTarget)
		assert.Equal(t, "lunch?", got.ReplyTarget.Content)
		assert.Equal(t, "u-3", got.ReplyTarget.SenderID)
	})

	t.Run("resolved once the page arrives", func(t *testing.T) {
		m := wire("m-8", "u-2", "as I said", 8*time.Second)
		m["replyTo"] = "m-1"
		h.receive(t, m)
		require.False(t, h.e.Store().Get("c-1", "m-8").ReplyTarget.Resolved)

		h.ch.deliver(t, EventLoadMessagesResponse, map[string]any{
			"conversationId": "c-1",
			"messages":       []any{wire("m-1", "u-2", "the original", time.Second)},
			"hasMore":        false,
			"direction":      "older",
		})
		got := h.e.Store().Get("c-1", "m-8")
		assert.True(t, got.ReplyTarget.Resolved)
		assert.Equal(t, "the original", got.ReplyTarget.Content)
	})

	t.Run("summary follows a recall", func(t *testing.T) {
		h.ch.deliver(t, EventMessageRecalled, map[string]any{"messageId": "m-6", "conversationId": "c-1"})
		assert.Equal(t, DefaultRecalledPlaceholder, h.e.Store().Get("c-1", "m-7").ReplyTarget.Content)
	})
}

// ============================================================================
// Mention
// ============================================================================

func TestExtractMentions(t *testing.T) {
	people := []Participant{
		{UserID: "u-1", FullName: "Sam"},
		{UserID: "u-2", FullName: "Ann"},
		{UserID: "u-3", FullName: "Ann Lee"},
		{UserID: "u-4", FullName: "Bo"},
		{UserID: "u-5", FullName: ""},
	}
	tests := []struct {
		name    string
		content string
		want    []string
	}{
		{"none", "hello there", nil},
		{"single", "hi @Bo", []string{"u-4"}},
		{"longest name wins", "@Ann Lee, see this", []string{"u-3"}},
		{"both names", "@Ann and @Ann Lee", []string{"u-2", "u-3"}},
		{"order of appearance", "@Bo then @Ann", []string{"u-4", "u-2"}},
		{"deduplicated", "@Bo @Bo @Bo", []string{"u-4"}},
		{"self excluded", "note to @Sam", nil},
		{"word boundary", "@Bob is not Bo", nil},
		{"unknown name", "@Zed", nil},
		{"punctuation ends a name", "thanks @Bo!", []string{"u-4"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractMentions(tt.content, people, "u-1"))
		})
	}
}
