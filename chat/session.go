package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/booktalk/opentalk/stomp"
)

// Transport is the subset of the stomp client the session needs.
type Transport interface {
	State() stomp.State
	Subscribe(ctx context.Context, destination string, handler stomp.SubscriptionHandler) (string, error)
	Unsubscribe(ctx context.Context, id string) error
}

// Session tracks the single active room subscription. Changing rooms is a
// swap, not an accumulation: the previous topic is unsubscribed before
// the new one is subscribed, and the whole sequence is serialized.
type Session struct {
	transport Transport
	handler   stomp.SubscriptionHandler
	logger    *slog.Logger

	mu     sync.Mutex
	roomID int
	subID  string
}

func NewSession(transport Transport, handler stomp.SubscriptionHandler, logger *slog.Logger) *Session {
	return &Session{
		transport: transport,
		handler:   handler,
		logger:    logger,
	}
}

// SwitchTo makes roomID the active subscription. Switching to the room
// that is already active is a no-op with no network effect. roomID 0
// means "no room" and is equivalent to Leave.
func (s *Session) SwitchTo(ctx context.Context, roomID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if roomID == s.roomID {
		return nil
	}

	switch s.transport.State() {
	case stomp.StateConnected:
	case stomp.StateFailed:
		return stomp.ErrTransportFailed
	default:
		return stomp.ErrNotConnected
	}

	if s.subID != "" {
		// best-effort: a failed unsubscribe only means the dead topic
		// receives no more local handling
		if err := s.transport.Unsubscribe(ctx, s.subID); err != nil {
			s.logger.Error(fmt.Sprintf("unsubscribe room %d: %v", s.roomID, err))
		}
		s.roomID, s.subID = 0, ""
	}

	if roomID == 0 {
		return nil
	}

	subID, err := s.transport.Subscribe(ctx, RoomTopic(roomID), s.handler)
	if err != nil {
		return err
	}
	s.roomID, s.subID = roomID, subID
	return nil
}

// Leave unsubscribes the active room, if any.
func (s *Session) Leave(ctx context.Context) error {
	return s.SwitchTo(ctx, 0)
}

// Room returns the active room id, 0 when not joined.
func (s *Session) Room() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// Invalidate clears the session without network effects. Called when the
// transport is lost: the broker-side subscription died with it.
func (s *Session) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roomID != 0 {
		s.logger.Info("subscription invalidated by transport loss", slog.Int("room", s.roomID))
	}
	s.roomID, s.subID = 0, ""
}
