package api_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/booktalk/opentalk/api"
	"github.com/booktalk/opentalk/chat"
	"github.com/booktalk/opentalk/internal/fakebackend"
)

type staticTokens string

func (t staticTokens) AccessToken() (string, error) { return string(t), nil }

func newClient(t *testing.T, self string) (*api.Client, *fakebackend.Server) {
	t.Helper()
	backend := fakebackend.New()
	server := httptest.NewServer(backend.Handler())
	t.Cleanup(server.Close)

	client := api.NewClient(server.URL, staticTokens("token-1"),
		func() string { return self },
		api.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	return client, backend
}

func wire(nickname, content string, minute int) fakebackend.WireMessage {
	return fakebackend.WireMessage{
		Nickname:  nickname,
		Type:      "text",
		Content:   content,
		CreatedAt: time.Date(2026, 8, 29, 10, minute, 0, 0, time.UTC).Format(time.RFC3339),
	}
}

func TestJoinOpenTalk(t *testing.T) {
	t.Run("returns the room and its first page", func(t *testing.T) {
		client, backend := newClient(t, "alice")
		roomID := backend.SeedRoom("9780140283297",
			wire("bob", "oldest", 0), wire("alice", "newest", 1))

		res, err := client.JoinOpenTalk(context.Background(), chat.JoinInput{
			ISBN: "9780140283297", PageSize: 10,
		})
		require.NoError(t, err)
		assert.Equal(t, roomID, res.RoomID)
		assert.False(t, res.IsFavorite)

		// the handshake page is newest-first
		require.Len(t, res.Chats, 2)
		assert.Equal(t, "newest", res.Chats[0].Text)
		assert.True(t, res.Chats[0].IsOwn, "alice's own message")
		assert.Equal(t, "oldest", res.Chats[1].Text)
		assert.False(t, res.Chats[1].IsOwn)
	})

	t.Run("rejects a missing isbn", func(t *testing.T) {
		client, _ := newClient(t, "alice")
		_, err := client.JoinOpenTalk(context.Background(), chat.JoinInput{PageSize: 10})
		var apiErr *api.Error
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, 400, apiErr.Status)
	})
}

func TestChatPage(t *testing.T) {
	client, backend := newClient(t, "alice")
	msgs := make([]fakebackend.WireMessage, 25)
	for i := range msgs {
		msgs[i] = wire("bob", fmt.Sprintf("m%02d", i+1), i)
	}
	roomID := backend.SeedRoom("9780140283297", msgs...)

	t.Run("serves newest-first pages", func(t *testing.T) {
		page, err := client.ChatPage(context.Background(), roomID, 1, 10)
		require.NoError(t, err)
		require.Len(t, page, 10)
		assert.Equal(t, "m25", page[0].Text)
		assert.Equal(t, "m16", page[9].Text)
	})

	t.Run("the last page is short", func(t *testing.T) {
		page, err := client.ChatPage(context.Background(), roomID, 3, 10)
		require.NoError(t, err)
		require.Len(t, page, 5)
		assert.Equal(t, "m05", page[0].Text)
		assert.Equal(t, "m01", page[4].Text)
	})

	t.Run("a page past the end is empty, not an error", func(t *testing.T) {
		page, err := client.ChatPage(context.Background(), roomID, 4, 10)
		require.NoError(t, err)
		assert.Empty(t, page)
	})

	t.Run("an unknown room is an error", func(t *testing.T) {
		_, err := client.ChatPage(context.Background(), 999, 1, 10)
		var apiErr *api.Error
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, 404, apiErr.Status)
	})

	t.Run("malformed history entries are dropped", func(t *testing.T) {
		bad := backend.SeedRoom("isbn-bad",
			wire("bob", "good", 0),
			fakebackend.WireMessage{Nickname: "bob", Content: "no timestamp"})
		page, err := client.ChatPage(context.Background(), bad, 1, 10)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, "good", page[0].Text)
	})
}

func TestFavorites(t *testing.T) {
	client, backend := newClient(t, "alice")
	roomID := backend.SeedRoom("9780140283297", wire("bob", "hi", 0))

	require.NoError(t, client.AddFavorite(context.Background(), roomID))

	books, err := client.FavoriteOpenTalks(context.Background())
	require.NoError(t, err)
	require.Len(t, books, 1)
	assert.Equal(t, roomID, books[0].OpenTalkID)

	require.NoError(t, client.RemoveFavorite(context.Background(), roomID))
	books, err = client.FavoriteOpenTalks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, books)

	err = client.AddFavorite(context.Background(), 999)
	var apiErr *api.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.Status)
}

func TestHotOpenTalks(t *testing.T) {
	client, backend := newClient(t, "alice")
	backend.SeedRoom("isbn-one")
	backend.SeedRoom("isbn-two")

	books, err := client.HotOpenTalks(context.Background())
	require.NoError(t, err)
	assert.Len(t, books, 2)
}
