package chatsync

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// page builds n messages named prefix-<i>, the oldest first, ending at end.
func page(prefix string, n int, end time.Duration) []any {
	out := make([]any, 0, n)
	for i := 0; i < n; i++ {
		at := end - time.Duration(n-1-i)*time.Second
		out = append(out, wire(fmt.Sprintf("%s-%02d", prefix, i), "u-2", "msg", at))
	}
	return out
}

func openLoaded(t *testing.T, h *harness, msgs []any, hasMore bool) {
	t.Helper()
	require.NoError(t, h.e.OpenConversation(context.Background(), "c-1", nil, false))
	h.ch.deliver(t, EventLoadMessagesResponse, map[string]any{
		"conversationId": "c-1",
		"messages":       msgs,
		"hasMore":        hasMore,
		"direction":      "initial",
	})
}

func TestLoadOlderUntilExhausted(t *testing.T) {
	h := newHarness(t)
	h.connect()
	ctx := context.Background()

	initial := []any{wire("m-10", "u-2", "first loaded", 0)}
	initial = append(initial, page("n", 19, 30*time.Second)...)
	openLoaded(t, h, initial, true)
	conv := h.e.Store().Conversation("c-1")
	require.Equal(t, "m-10", conv.OldestLoadedID)
	require.True(t, conv.HasMoreOlder)

	require.NoError(t, h.e.LoadOlder(ctx, "c-1"))
	loads := h.ch.sent(EventLoadMessages)
	require.Len(t, loads, 2)
	assert.Equal(t, "m-10", loads[1]["lastMessageId"])
	assert.Equal(t, "c-1", loads[1]["conversationId"])

	h.ch.deliver(t, EventLoadMessagesResponse, map[string]any{
		"conversationId": "c-1",
		"messages":       page("o", 20, -time.Second),
		"hasMore":        true,
		"direction":      "older",
	})
	conv = h.e.Store().Conversation("c-1")
	assert.Len(t, conv.Messages, 40)
	assert.Equal(t, "o-00", conv.OldestLoadedID)
	assert.True(t, conv.HasMoreOlder)

	require.NoError(t, h.e.LoadOlder(ctx, "c-1"))
	loads = h.ch.sent(EventLoadMessages)
	require.Len(t, loads, 3)
	assert.Equal(t, "o-00", loads[2]["lastMessageId"])

	// An empty page without hasMore ends the history.
	h.ch.deliver(t, EventLoadMessagesResponse, map[string]any{
		"conversationId": "c-1",
		"messages":       []any{},
		"direction":      "older",
	})
	conv = h.e.Store().Conversation("c-1")
	assert.False(t, conv.HasMoreOlder)
	assert.Len(t, conv.Messages, 40)
	assert.ErrorIs(t, h.e.LoadOlder(ctx, "c-1"), ErrNoMoreHistory)
	assert.Len(t, h.ch.sent(EventLoadMessages), 3)
}

func TestLoadOlderInFlight(t *testing.T) {
	h := newHarness(t)
	h.connect()
	ctx := context.Background()
	openLoaded(t, h, page("m", 3, 0), true)

	require.NoError(t, h.e.LoadOlder(ctx, "c-1"))
	assert.ErrorIs(t, h.e.LoadOlder(ctx, "c-1"), ErrLoadInFlight)
	assert.Len(t, h.ch.sent(EventLoadMessages), 2)
	assert.True(t, h.e.Loading("c-1", DirectionOlder))

	assert.ErrorIs(t, h.e.LoadInitial(ctx, ""), ErrNoConversation)
}

func TestLoadOlderOverlap(t *testing.T) {
	h := newHarness(t)
	h.connect()
	ctx := context.Background()
	openLoaded(t, h, []any{wire("m-3", "u-2", "c", 3*time.Second), wire("m-4", "u-2", "d", 4*time.Second)}, true)

	require.NoError(t, h.e.LoadOlder(ctx, "c-1"))
	h.ch.deliver(t, EventLoadMessagesResponse, map[string]any{
		"conversationId": "c-1",
		"messages":       []any{wire("m-2", "u-2", "b", 2*time.Second), wire("m-3", "u-2", "c", 3*time.Second)},
		"hasMore":        true,
		"direction":      "older",
	})
	require.NoError(t, h.e.LoadOlder(ctx, "c-1"))
	h.ch.deliver(t, EventLoadMessagesResponse, map[string]any{
		"conversationId": "c-1",
		"messages":       []any{wire("m-1", "u-2", "a", time.Second), wire("m-2", "u-2", "b", 2*time.Second)},
		"hasMore":        false,
		"direction":      "older",
	})

	assert.Equal(t, []string{"m-1", "m-2", "m-3", "m-4"}, ids(h.e.Store().Messages("c-1")))
}

func TestLoadAutoScroll(t *testing.T) {
	h := newHarness(t)
	h.connect()
	ctx := context.Background()

	var changes []Change
	h.e.Store().OnChange(func(c Change) { changes = append(changes, c) })

	openLoaded(t, h, page("m", 3, 10*time.Second), true)
	require.NotEmpty(t, changes)
	assert.Equal(t, ChangeReloaded, changes[len(changes)-1].Kind)
	assert.True(t, changes[len(changes)-1].AutoScroll)

	changes = nil
	require.NoError(t, h.e.LoadOlder(ctx, "c-1"))
	h.ch.deliver(t, EventLoadMessagesResponse, map[string]any{
		"conversationId": "c-1",
		"messages":       page("o", 2, 0),
		"hasMore":        true,
		"direction":      "older",
	})
	require.NotEmpty(t, changes)
	for _, c := range changes {
		assert.False(t, c.AutoScroll, "older pages never scroll")
	}

	changes = nil
	h.receive(t, wire("m-new", "u-2", "new", time.Minute))
	require.Len(t, changes, 1)
	assert.True(t, changes[0].AutoScroll)
}

func TestLoadResponseDirectionInferred(t *testing.T) {
	h := newHarness(t)
	h.connect()
	ctx := context.Background()
	openLoaded(t, h, page("m", 2, 10*time.Second), true)

	require.NoError(t, h.e.LoadOlder(ctx, "c-1"))
	h.ch.deliver(t, EventLoadMessagesResponse, map[string]any{
		"messages": page("o", 2, 0),
		"hasMore":  true,
	})

	assert.Len(t, h.e.Store().Messages("c-1"), 4, "merged at the head, not a reset")
	assert.False(t, h.e.Loading("c-1", DirectionOlder))
}

func TestLoadTimeoutClearsFlag(t *testing.T) {
	h := newHarness(t, WithConfig(Config{UserID: "u-1", LoadTimeout: 20 * time.Millisecond}))
	h.connect()
	ctx := context.Background()

	require.NoError(t, h.e.LoadInitial(ctx, "c-1"))
	require.Eventually(t, func() bool { return !h.e.Loading("c-1", DirectionInitial) }, time.Second, 5*time.Millisecond)

	// A late response is still applied.
	h.ch.deliver(t, EventLoadMessagesResponse, map[string]any{
		"conversationId": "c-1",
		"messages":       page("m", 2, 0),
	})
	assert.Len(t, h.e.Store().Messages("c-1"), 2)
	assert.False(t, h.e.Store().Conversation("c-1").HasMoreOlder)
}

func TestLoadDropsForeignAndMalformed(t *testing.T) {
	h := newHarness(t)
	h.connect()
	require.NoError(t, h.e.OpenConversation(context.Background(), "c-1", nil, false))

	other := wire("x-1", "u-2", "elsewhere", 0)
	other["conversationId"] = "c-2"
	h.ch.deliver(t, EventLoadMessagesResponse, map[string]any{
		"conversationId": "c-1",
		"messages": []any{
			wire("m-1", "u-2", "ok", 0),
			other,
			map[string]any{"content": "no id", "senderId": "u-2"},
			map[string]any{"id": "m-2", "content": "no sender"},
			"not an object",
		},
		"hasMore": true,
	})

	assert.Equal(t, []string{"m-1"}, ids(h.e.Store().Messages("c-1")))
	assert.Empty(t, h.e.Store().Messages("c-2"))
}

func TestLoadInitialResolvesPendingByEcho(t *testing.T) {
	h := newHarness(t)
	h.connect()
	ctx := context.Background()
	require.NoError(t, h.e.OpenConversation(ctx, "c-1", nil, false))

	tempID, err := h.e.Send(ctx, "c-1", "hi", nil)
	require.NoError(t, err)

	echoed := wire("m-7", "u-1", "hi", time.Minute)
	echoed["tempId"] = tempID
	h.ch.deliver(t, EventLoadMessagesResponse, map[string]any{
		"conversationId": "c-1",
		"messages":       []any{echoed},
	})

	msgs := h.e.Store().Messages("c-1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "m-7", msgs[0].ID)
	assert.True(t, msgs[0].Mine)
	assert.Empty(t, h.e.Pending("c-1"))
}
