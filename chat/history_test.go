package chat

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFetcher serves pages from an oldest-first store, newest-first, the
// way the history endpoint does.
type fakeFetcher struct {
	store []Message // oldest-first
	err   error

	// entered is signalled when a fetch begins; release gates its return.
	entered chan struct{}
	release chan struct{}

	calls int
}

func (f *fakeFetcher) ChatPage(ctx context.Context, roomID, pageNo, pageSize int) ([]Message, error) {
	f.calls++
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	// newest-first pagination over the oldest-first store
	end := len(f.store) - (pageNo-1)*pageSize
	if end <= 0 {
		return nil, nil
	}
	start := end - pageSize
	if start < 0 {
		start = 0
	}
	page := make([]Message, 0, end-start)
	for i := end - 1; i >= start; i-- {
		page = append(page, f.store[i])
	}
	return page, nil
}

func msgs(texts ...string) []Message {
	out := make([]Message, len(texts))
	for i, s := range texts {
		out[i] = Message{Sender: "bob", Type: TypeText, Text: s, SentAt: time.Now()}
	}
	return out
}

func texts(in []Message) []string {
	out := make([]string, len(in))
	for i, m := range in {
		out[i] = m.Text
	}
	return out
}

func TestHistoryBufferSeed(t *testing.T) {
	t.Run("reverses the newest-first page", func(t *testing.T) {
		b := NewHistoryBuffer(42, 10, &fakeFetcher{}, discardLogger())
		b.Seed(msgs("m10", "m9", "m8", "m7", "m6", "m5", "m4", "m3", "m2", "m1"))

		assert.Equal(t,
			[]string{"m1", "m2", "m3", "m4", "m5", "m6", "m7", "m8", "m9", "m10"},
			texts(b.Messages()))
		assert.True(t, b.HasMore())
	})

	t.Run("a short first page means no older history", func(t *testing.T) {
		b := NewHistoryBuffer(42, 10, &fakeFetcher{}, discardLogger())
		b.Seed(msgs("m3", "m2", "m1"))
		assert.False(t, b.HasMore())
	})
}

func TestHistoryBufferLoadOlder(t *testing.T) {
	t.Run("prepends older pages until exhausted", func(t *testing.T) {
		// 25 messages, page size 10: a full page, a full page, then 5.
		var all []string
		for i := 1; i <= 25; i++ {
			all = append(all, fmt.Sprintf("m%02d", i))
		}
		f := &fakeFetcher{store: msgs(all...)}
		b := NewHistoryBuffer(42, 10, f, discardLogger())

		seed, err := f.ChatPage(context.Background(), 42, 1, 10)
		require.NoError(t, err)
		b.Seed(seed)

		require.NoError(t, b.LoadOlder(context.Background()))
		assert.Equal(t, 20, b.Len())
		assert.True(t, b.HasMore())

		require.NoError(t, b.LoadOlder(context.Background()))
		assert.Equal(t, 25, b.Len())
		assert.False(t, b.HasMore())
		assert.Equal(t, all, texts(b.Messages()))

		// further loads are no-ops
		before := f.calls
		require.NoError(t, b.LoadOlder(context.Background()))
		assert.Equal(t, before, f.calls)
	})

	t.Run("an empty page marks exhaustion without changing the buffer", func(t *testing.T) {
		f := &fakeFetcher{store: msgs("m1", "m2")}
		b := NewHistoryBuffer(42, 2, f, discardLogger())
		b.Seed(msgs("m2", "m1"))

		require.NoError(t, b.LoadOlder(context.Background()))
		assert.False(t, b.HasMore())
		assert.Equal(t, []string{"m1", "m2"}, texts(b.Messages()))
	})

	t.Run("queues live messages while a fetch is in flight", func(t *testing.T) {
		f := &fakeFetcher{
			store:   msgs("m1", "m2", "m3", "m4"),
			entered: make(chan struct{}, 1),
			release: make(chan struct{}),
		}
		b := NewHistoryBuffer(42, 2, f, discardLogger())
		b.Seed(msgs("m4", "m3"))

		done := make(chan error, 1)
		go func() { done <- b.LoadOlder(context.Background()) }()
		<-f.entered

		b.AppendLive(Message{Text: "m5"})
		close(f.release)
		require.NoError(t, <-done)

		// the prepend lands before the queued live tail
		assert.Equal(t, []string{"m1", "m2", "m3", "m4", "m5"}, texts(b.Messages()))
	})

	t.Run("a cancelled fetch is not applied but pending lives flush", func(t *testing.T) {
		f := &fakeFetcher{
			store:   msgs("m1", "m2", "m3", "m4"),
			entered: make(chan struct{}, 1),
			release: make(chan struct{}),
		}
		b := NewHistoryBuffer(42, 2, f, discardLogger())
		b.Seed(msgs("m4", "m3"))

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- b.LoadOlder(ctx) }()
		<-f.entered

		b.AppendLive(Message{Text: "m5"})
		cancel()
		require.ErrorIs(t, <-done, context.Canceled)

		assert.Equal(t, []string{"m3", "m4", "m5"}, texts(b.Messages()))
		assert.True(t, b.HasMore(), "a cancelled load must not mark exhaustion")
	})

	t.Run("fetch errors surface without corrupting the buffer", func(t *testing.T) {
		wantErr := errors.New("backend down")
		f := &fakeFetcher{store: msgs("m1", "m2", "m3", "m4"), err: wantErr}
		b := NewHistoryBuffer(42, 2, f, discardLogger())
		b.Seed(msgs("m4", "m3"))

		err := b.LoadOlder(context.Background())
		require.ErrorIs(t, err, wantErr)
		assert.Equal(t, []string{"m3", "m4"}, texts(b.Messages()))
		assert.True(t, b.HasMore(), "a failed load may be retried")
	})
}

func TestHistoryBufferClose(t *testing.T) {
	t.Run("discards a late pagination result", func(t *testing.T) {
		f := &fakeFetcher{
			store:   msgs("m1", "m2", "m3", "m4"),
			entered: make(chan struct{}, 1),
			release: make(chan struct{}),
		}
		b := NewHistoryBuffer(42, 2, f, discardLogger())
		b.Seed(msgs("m4", "m3"))

		done := make(chan error, 1)
		go func() { done <- b.LoadOlder(context.Background()) }()
		<-f.entered

		b.Close()
		close(f.release)
		require.NoError(t, <-done)

		assert.Equal(t, 0, b.Len())
	})

	t.Run("drops further live appends", func(t *testing.T) {
		b := NewHistoryBuffer(42, 10, &fakeFetcher{}, discardLogger())
		b.Close()
		b.AppendLive(Message{Text: "late"})
		assert.Equal(t, 0, b.Len())
	})
}
