// ABOUTME: Contract tests run against both SQLiteStore and MockStore
// ABOUTME: Covers conversations, paging, sending, read marking and unread counts

package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley/internal/chat"
)

type backend interface {
	Repository
	Directory
}

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

// forEachBackend runs fn against a fresh SQLite store and a fresh mock.
func forEachBackend(t *testing.T, fn func(t *testing.T, b backend)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, setupTestStore(t)) })
	t.Run("mock", func(t *testing.T) { fn(t, NewMockStore()) })
}

// seedPair creates alice and bob and a conversation between them.
func seedPair(t *testing.T, b backend) string {
	t.Helper()
	ctx := t.Context()
	require.NoError(t, b.UpsertUser(ctx, &User{ID: "alice", DisplayName: "Alice"}))
	require.NoError(t, b.UpsertUser(ctx, &User{ID: "bob", DisplayName: "Bob"}))

	id, err := b.CreateConversation(ctx, chat.ItemRef{ID: "item-1", Title: "Bike"}, "alice", "bob")
	require.NoError(t, err)
	return id
}

func send(t *testing.T, b backend, convID, sender, text string) chat.Message {
	t.Helper()
	msg, err := b.SendMessage(t.Context(), convID, sender, chat.Draft{Text: text})
	require.NoError(t, err)
	return msg
}

func TestStore_UpsertAndGetUser(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := t.Context()
		require.NoError(t, b.UpsertUser(ctx, &User{ID: "alice", DisplayName: "Alice"}))
		require.NoError(t, b.UpsertUser(ctx, &User{ID: "alice", DisplayName: "Alice B", AvatarURL: "a.png"}))

		u, err := b.GetUser(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "Alice B", u.DisplayName)
		assert.Equal(t, "a.png", u.AvatarURL)

		_, err = b.GetUser(ctx, "nobody")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_CreateConversation(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := t.Context()
		seedPair(t, b)

		// Same pair in the other order, same item.
		_, err := b.CreateConversation(ctx, chat.ItemRef{ID: "item-1"}, "bob", "alice")
		assert.ErrorIs(t, err, ErrDuplicateConversation)

		_, err = b.CreateConversation(ctx, chat.ItemRef{ID: "item-2"}, "bob", "alice")
		assert.NoError(t, err)

		_, err = b.CreateConversation(ctx, chat.ItemRef{ID: "item-3"}, "alice", "ghost")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = b.CreateConversation(ctx, chat.ItemRef{ID: "item-3"}, "alice", "alice")
		assert.Error(t, err)
	})
}

func TestStore_Participants(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		convID := seedPair(t, b)

		pair, err := b.Participants(t.Context(), convID)
		require.NoError(t, err)
		assert.Equal(t, [2]string{"alice", "bob"}, pair)

		_, err = b.Participants(t.Context(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_SendMessage(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := t.Context()
		convID := seedPair(t, b)

		msg := send(t, b, convID, "alice", "hi")
		assert.NotEmpty(t, msg.ID)
		assert.Equal(t, convID, msg.ConversationID)
		assert.Equal(t, "alice", msg.SenderID)
		assert.False(t, msg.IsRead)

		_, err := b.SendMessage(ctx, convID, "alice", chat.Draft{Text: "   "})
		assert.ErrorIs(t, err, chat.ErrEmptyMessage)

		_, err = b.SendMessage(ctx, convID, "mallory", chat.Draft{Text: "hi"})
		assert.ErrorIs(t, err, ErrNotParticipant)

		_, err = b.SendMessage(ctx, "missing", "alice", chat.Draft{Text: "hi"})
		assert.ErrorIs(t, err, ErrNotFound)

		img, err := b.SendMessage(ctx, convID, "bob", chat.Draft{ImageRef: "img/1.jpg"})
		require.NoError(t, err)
		assert.True(t, img.HasImage())
		assert.True(t, img.CreatedAt.After(msg.CreatedAt))
	})
}

func TestStore_FetchConversations(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := t.Context()
		convID := seedPair(t, b)

		send(t, b, convID, "bob", "is it **still** available?")
		send(t, b, convID, "bob", "hello?")
		send(t, b, convID, "alice", "yes")
		send(t, b, convID, "bob", "great")

		convs, err := b.FetchConversations(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, convs, 1)

		c := convs[0]
		assert.Equal(t, convID, c.ID)
		assert.Equal(t, "alice", c.CurrentUser.ID)
		assert.Equal(t, "Bob", c.OtherUser.DisplayName)
		assert.Equal(t, "Bike", c.Item.Title)
		assert.Equal(t, "great", c.LastMessage)
		assert.Equal(t, 3, c.UnreadCount)

		convs, err = b.FetchConversations(ctx, "bob")
		require.NoError(t, err)
		require.Len(t, convs, 1)
		assert.Equal(t, 1, convs[0].UnreadCount)
		assert.Equal(t, "Alice", convs[0].OtherUser.DisplayName)

		convs, err = b.FetchConversations(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, convs)
	})
}

func TestStore_FetchConversations_OrderedByActivity(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := t.Context()
		first := seedPair(t, b)
		require.NoError(t, b.UpsertUser(ctx, &User{ID: "carol", DisplayName: "Carol"}))
		second, err := b.CreateConversation(ctx, chat.ItemRef{ID: "item-2"}, "alice", "carol")
		require.NoError(t, err)

		send(t, b, second, "carol", "first")
		time.Sleep(2 * time.Millisecond)
		send(t, b, first, "bob", "second")

		convs, err := b.FetchConversations(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, convs, 2)
		assert.Equal(t, first, convs[0].ID)
		assert.Equal(t, second, convs[1].ID)
	})
}

func TestStore_ImagePreview(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		convID := seedPair(t, b)
		_, err := b.SendMessage(t.Context(), convID, "bob", chat.Draft{ImageRef: "img/1.jpg"})
		require.NoError(t, err)

		convs, err := b.FetchConversations(t.Context(), "alice")
		require.NoError(t, err)
		require.Len(t, convs, 1)
		assert.Equal(t, "📷 Photo", convs[0].LastMessage)
	})
}

func TestStore_FetchMessages_Pagination(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := t.Context()
		convID := seedPair(t, b)

		var sent []string
		for _, text := range []string{"1", "2", "3", "4", "5"} {
			sent = append(sent, send(t, b, convID, "alice", text).ID)
		}

		page, err := b.FetchMessages(ctx, convID, Page{Limit: 2})
		require.NoError(t, err)
		assert.True(t, page.HasMore)
		require.NotEmpty(t, page.NextCursor)
		assert.Equal(t, sent[3:5], ids(page.Messages))

		page, err = b.FetchMessages(ctx, convID, Page{Limit: 2, Cursor: page.NextCursor})
		require.NoError(t, err)
		assert.True(t, page.HasMore)
		assert.Equal(t, sent[1:3], ids(page.Messages))

		page, err = b.FetchMessages(ctx, convID, Page{Limit: 2, Cursor: page.NextCursor})
		require.NoError(t, err)
		assert.False(t, page.HasMore)
		assert.Empty(t, page.NextCursor)
		assert.Equal(t, sent[0:1], ids(page.Messages))

		all, err := b.FetchMessages(ctx, convID, Page{})
		require.NoError(t, err)
		assert.Equal(t, sent, ids(all.Messages))
		assert.False(t, all.HasMore)
	})
}

func TestStore_FetchMessages_Errors(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := t.Context()
		convID := seedPair(t, b)

		_, err := b.FetchMessages(ctx, "missing", Page{})
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = b.FetchMessages(ctx, convID, Page{Cursor: "not base64!"})
		assert.ErrorIs(t, err, ErrInvalidCursor)

		page, err := b.FetchMessages(ctx, convID, Page{})
		require.NoError(t, err)
		assert.Empty(t, page.Messages)
	})
}

func TestStore_MarkMessagesAsRead(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := t.Context()
		convID := seedPair(t, b)

		m1 := send(t, b, convID, "bob", "one")
		m2 := send(t, b, convID, "bob", "two")
		own := send(t, b, convID, "alice", "mine")

		ids, err := b.MarkMessagesAsRead(ctx, convID, "alice")
		require.NoError(t, err)
		assert.Equal(t, []string{m1.ID, m2.ID}, ids)

		// Second call changes nothing.
		ids, err = b.MarkMessagesAsRead(ctx, convID, "alice")
		require.NoError(t, err)
		assert.Empty(t, ids)

		page, err := b.FetchMessages(ctx, convID, Page{})
		require.NoError(t, err)
		for _, m := range page.Messages {
			if m.ID == own.ID {
				assert.False(t, m.IsRead, "own message is read only by bob")
			} else {
				assert.True(t, m.IsRead)
			}
		}

		convs, err := b.FetchConversations(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, 0, convs[0].UnreadCount)

		_, err = b.MarkMessagesAsRead(ctx, convID, "mallory")
		assert.ErrorIs(t, err, ErrNotParticipant)
		_, err = b.MarkMessagesAsRead(ctx, "missing", "alice")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestCursor_RoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 4, 5, 6, 7, 890, time.UTC)
	gotTS, gotID, err := decodeCursor(encodeCursor(ts, "msg-1"))
	require.NoError(t, err)
	assert.True(t, ts.Equal(gotTS))
	assert.Equal(t, "msg-1", gotID)

	for _, bad := range []string{"%%%", "bm9waXBl", "MjAyNnxtc2c="} {
		_, _, err := decodeCursor(bad)
		assert.ErrorIs(t, err, ErrInvalidCursor, bad)
	}
}

func TestFormatTime_SortsChronologically(t *testing.T) {
	early := time.Date(2026, 1, 1, 0, 0, 0, 5, time.UTC)
	late := time.Date(2026, 1, 1, 0, 0, 0, 50, time.UTC)
	assert.Less(t, formatTime(early), formatTime(late))

	zone := time.FixedZone("x", 3*3600)
	assert.Equal(t, formatTime(late), formatTime(late.In(zone)))
}

func ids(msgs []chat.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

