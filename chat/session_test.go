package chat

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/booktalk/opentalk/stomp"
)

// fakeTransport records subscribe/unsubscribe calls in order.
type fakeTransport struct {
	state    stomp.State
	ops      []string
	nextID   int
	unsubErr error
	subErr   error
}

func (f *fakeTransport) State() stomp.State { return f.state }

func (f *fakeTransport) Subscribe(ctx context.Context, destination string, handler stomp.SubscriptionHandler) (string, error) {
	if f.subErr != nil {
		return "", f.subErr
	}
	f.nextID++
	id := fmt.Sprintf("sub-%d", f.nextID)
	f.ops = append(f.ops, "subscribe "+destination)
	return id, nil
}

func (f *fakeTransport) Unsubscribe(ctx context.Context, id string) error {
	f.ops = append(f.ops, "unsubscribe "+id)
	return f.unsubErr
}

func TestSessionSwitchTo(t *testing.T) {
	ctx := context.Background()

	t.Run("subscribes the room topic", func(t *testing.T) {
		tr := &fakeTransport{state: stomp.StateConnected}
		s := NewSession(tr, func(*stomp.Frame) {}, discardLogger())

		require.NoError(t, s.SwitchTo(ctx, 42))
		assert.Equal(t, 42, s.Room())
		assert.Equal(t, []string{"subscribe /sub/message/42"}, tr.ops)
	})

	t.Run("switching to the active room has no network effect", func(t *testing.T) {
		tr := &fakeTransport{state: stomp.StateConnected}
		s := NewSession(tr, func(*stomp.Frame) {}, discardLogger())

		require.NoError(t, s.SwitchTo(ctx, 42))
		require.NoError(t, s.SwitchTo(ctx, 42))
		assert.Equal(t, []string{"subscribe /sub/message/42"}, tr.ops)
	})

	t.Run("unsubscribes the old room before subscribing the new", func(t *testing.T) {
		tr := &fakeTransport{state: stomp.StateConnected}
		s := NewSession(tr, func(*stomp.Frame) {}, discardLogger())

		require.NoError(t, s.SwitchTo(ctx, 42))
		require.NoError(t, s.SwitchTo(ctx, 7))
		assert.Equal(t, []string{
			"subscribe /sub/message/42",
			"unsubscribe sub-1",
			"subscribe /sub/message/7",
		}, tr.ops)
		assert.Equal(t, 7, s.Room())
	})

	t.Run("a failed unsubscribe does not block the switch", func(t *testing.T) {
		tr := &fakeTransport{state: stomp.StateConnected, unsubErr: errors.New("receipt timeout")}
		s := NewSession(tr, func(*stomp.Frame) {}, discardLogger())

		require.NoError(t, s.SwitchTo(ctx, 42))
		require.NoError(t, s.SwitchTo(ctx, 7))
		assert.Equal(t, 7, s.Room())
	})

	t.Run("a failed subscribe leaves the session roomless", func(t *testing.T) {
		tr := &fakeTransport{state: stomp.StateConnected}
		s := NewSession(tr, func(*stomp.Frame) {}, discardLogger())
		require.NoError(t, s.SwitchTo(ctx, 42))

		tr.subErr = stomp.ErrSendFailed
		require.ErrorIs(t, s.SwitchTo(ctx, 7), stomp.ErrSendFailed)
		assert.Equal(t, 0, s.Room())
	})

	t.Run("requires a live transport", func(t *testing.T) {
		for state, wantErr := range map[stomp.State]error{
			stomp.StateDisconnected: stomp.ErrNotConnected,
			stomp.StateConnecting:   stomp.ErrNotConnected,
			stomp.StateFailed:       stomp.ErrTransportFailed,
		} {
			tr := &fakeTransport{state: state}
			s := NewSession(tr, func(*stomp.Frame) {}, discardLogger())
			assert.ErrorIs(t, s.SwitchTo(ctx, 42), wantErr)
			assert.Empty(t, tr.ops)
		}
	})
}

func TestSessionLeave(t *testing.T) {
	ctx := context.Background()

	t.Run("unsubscribes the active room", func(t *testing.T) {
		tr := &fakeTransport{state: stomp.StateConnected}
		s := NewSession(tr, func(*stomp.Frame) {}, discardLogger())

		require.NoError(t, s.SwitchTo(ctx, 42))
		require.NoError(t, s.Leave(ctx))
		assert.Equal(t, 0, s.Room())
		assert.Equal(t, []string{"subscribe /sub/message/42", "unsubscribe sub-1"}, tr.ops)
	})

	t.Run("leaving with no room is a no-op", func(t *testing.T) {
		tr := &fakeTransport{state: stomp.StateConnected}
		s := NewSession(tr, func(*stomp.Frame) {}, discardLogger())
		require.NoError(t, s.Leave(ctx))
		assert.Empty(t, tr.ops)
	})
}

func TestSessionInvalidate(t *testing.T) {
	tr := &fakeTransport{state: stomp.StateConnected}
	s := NewSession(tr, func(*stomp.Frame) {}, discardLogger())
	require.NoError(t, s.SwitchTo(context.Background(), 42))

	tr.state = stomp.StateFailed
	s.Invalidate()

	assert.Equal(t, 0, s.Room())
	// no UNSUBSCRIBE goes out for a dead transport
	assert.Equal(t, []string{"subscribe /sub/message/42"}, tr.ops)
}
