package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/booktalk/opentalk/stomp"
)

// ErrNotJoined is returned by room-scoped operations before Join.
var ErrNotJoined = errors.New("chat: not joined to a room")

// Backend is the REST collaborator behind the chat feature.
type Backend interface {
	PageFetcher
	JoinOpenTalk(ctx context.Context, in JoinInput) (*JoinResult, error)
	AddFavorite(ctx context.Context, roomID int) error
	RemoveFavorite(ctx context.Context, roomID int) error
}

// Credentials supplies the stored authentication material: the token the
// broker expects on every publish and the nickname used to mark own
// messages.
type Credentials interface {
	AccessToken() (string, error)
	Nickname() (string, error)
}

// JoinInput is the join-room handshake request.
type JoinInput struct {
	ISBN         string `validate:"required"`
	BookTitle    string
	BookImageURL string
	PageSize     int `validate:"required,gt=0"`
}

// JoinResult is the handshake response. Chats hold the initial page of
// messages, newest-first.
type JoinResult struct {
	RoomID     int
	IsFavorite bool
	Chats      []Message
}

// BookRef identifies the book whose OpenTalk room to join.
type BookRef struct {
	ISBN          string
	Title         string
	CoverImageURL string
}

const defaultPageSize = 10

// Service is the root of the chat feature. It owns the transport client,
// the room session, the dispatcher, and the active room's history buffer.
// One Service instance serves the whole chat feature; UI surfaces come
// and go around it.
type Service struct {
	client     *stomp.Client
	backend    Backend
	creds      Credentials
	dispatcher *Dispatcher
	session    *Session
	logger     *slog.Logger
	pageSize   int

	mu         sync.Mutex
	buffer     *HistoryBuffer
	roomID     int
	isFavorite bool
	loadCancel context.CancelFunc
	unregister func()
}

type ServiceOption func(*Service)

func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithPageSize(n int) ServiceOption {
	return func(s *Service) {
		s.pageSize = n
	}
}

func NewService(client *stomp.Client, backend Backend, creds Credentials, opts ...ServiceOption) *Service {
	s := &Service{
		client:   client,
		backend:  backend,
		creds:    creds,
		logger:   slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})),
		pageSize: defaultPageSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.dispatcher = NewDispatcher(s.logger)
	s.session = NewSession(client, s.receive, s.logger)

	client.OnStateChange(func(state stomp.State) {
		if state == stomp.StateFailed {
			s.session.Invalidate()
		}
	})
	return s
}

// OnMessage registers an observer for decoded incoming messages. The
// returned function removes it.
func (s *Service) OnMessage(c Consumer) (remove func()) {
	return s.dispatcher.Register(c)
}

// receive is the transport's delivery callback. It runs on the read loop
// goroutine, so messages for a room are handled in arrival order. Decode
// failures drop the frame and keep the connection open.
func (s *Service) receive(frame *stomp.Frame) {
	self, err := s.creds.Nickname()
	if err != nil {
		self = ""
	}
	m, err := DecodeMessage(frame.Body, self)
	if err != nil {
		s.logger.Error(fmt.Sprintf("dropping frame: %v", err))
		return
	}
	s.dispatcher.Dispatch(m)
}

// Join performs the join-room handshake, seeds the history buffer with
// the handshake's first page, connects the transport if needed, and
// switches the subscription to the joined room.
func (s *Service) Join(ctx context.Context, book BookRef) (int, error) {
	in := JoinInput{
		ISBN:         book.ISBN,
		BookTitle:    book.Title,
		BookImageURL: book.CoverImageURL,
		PageSize:     s.pageSize,
	}
	res, err := s.backend.JoinOpenTalk(ctx, in)
	if err != nil {
		return 0, fmt.Errorf("join opentalk: %w", err)
	}

	if err := s.client.Connect(ctx); err != nil {
		return 0, err
	}

	// the old room's topic must be silent before buffers change hands:
	// until its unsubscribe receipt arrives, an in-flight message on the
	// old topic still reaches the dispatcher, and it must land in the
	// old buffer, never the new one
	if err := s.session.Leave(ctx); err != nil {
		return 0, err
	}

	buffer := NewHistoryBuffer(res.RoomID, s.pageSize, s.backend, s.logger)
	buffer.Seed(res.Chats)

	s.mu.Lock()
	if s.buffer != nil {
		s.teardownRoomLocked()
	}
	s.buffer = buffer
	s.roomID = res.RoomID
	s.isFavorite = res.IsFavorite
	// the buffer is the first consumer, so observers registered later
	// see a buffer that already holds the message they are notified of
	s.unregister = s.dispatcher.Register(buffer.AppendLive)
	s.mu.Unlock()

	if err := s.session.SwitchTo(ctx, res.RoomID); err != nil {
		s.leaveLocally()
		return 0, err
	}
	return res.RoomID, nil
}

// Send publishes text to the joined room. On failure the caller keeps the
// composed text; only a nil return means the message left the client.
func (s *Service) Send(ctx context.Context, text string) error {
	s.mu.Lock()
	roomID := s.roomID
	s.mu.Unlock()
	if roomID == 0 {
		return ErrNotJoined
	}

	token, err := s.creds.AccessToken()
	if err != nil {
		return fmt.Errorf("read access token: %w", err)
	}
	body, err := EncodeSend(SendInput{
		RoomID: roomID,
		Type:   TypeText,
		Token:  token,
		Text:   text,
	})
	if err != nil {
		return err
	}
	return s.client.Send(ctx, SendDestination, "application/json", body)
}

// LoadOlder pulls the next backward page into the buffer.
func (s *Service) LoadOlder(ctx context.Context) error {
	s.mu.Lock()
	buffer := s.buffer
	if buffer == nil {
		s.mu.Unlock()
		return ErrNotJoined
	}
	loadCtx, cancel := context.WithCancel(ctx)
	// a previous load may still be in flight; release it so teardown
	// always holds the cancel func of the newest one
	if s.loadCancel != nil {
		s.loadCancel()
	}
	s.loadCancel = cancel
	s.mu.Unlock()
	defer cancel()

	return buffer.LoadOlder(loadCtx)
}

// Messages returns the joined room's buffer snapshot, oldest-first.
func (s *Service) Messages() []Message {
	s.mu.Lock()
	buffer := s.buffer
	s.mu.Unlock()
	if buffer == nil {
		return nil
	}
	return buffer.Messages()
}

func (s *Service) HasMore() bool {
	s.mu.Lock()
	buffer := s.buffer
	s.mu.Unlock()
	if buffer == nil {
		return false
	}
	return buffer.HasMore()
}

// Room returns the joined room id, 0 when not joined.
func (s *Service) Room() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

func (s *Service) IsFavorite() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isFavorite
}

// ToggleFavorite flips the room's bookmark on the backend and returns the
// new value.
func (s *Service) ToggleFavorite(ctx context.Context) (bool, error) {
	s.mu.Lock()
	roomID, favorite := s.roomID, s.isFavorite
	s.mu.Unlock()
	if roomID == 0 {
		return false, ErrNotJoined
	}

	var err error
	if favorite {
		err = s.backend.RemoveFavorite(ctx, roomID)
	} else {
		err = s.backend.AddFavorite(ctx, roomID)
	}
	if err != nil {
		return favorite, fmt.Errorf("toggle favorite: %w", err)
	}

	s.mu.Lock()
	s.isFavorite = !favorite
	favorite = s.isFavorite
	s.mu.Unlock()
	return favorite, nil
}

// Leave unsubscribes the active room, cancels any in-flight page load,
// and discards the buffer. The unsubscribe happens before the buffer is
// discarded so a stale subscription can never deliver into it.
func (s *Service) Leave(ctx context.Context) error {
	err := s.session.Leave(ctx)
	s.leaveLocally()
	return err
}

func (s *Service) leaveLocally() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownRoomLocked()
}

func (s *Service) teardownRoomLocked() {
	if s.loadCancel != nil {
		s.loadCancel()
		s.loadCancel = nil
	}
	if s.unregister != nil {
		s.unregister()
		s.unregister = nil
	}
	if s.buffer != nil {
		s.buffer.Close()
		s.buffer = nil
	}
	s.roomID = 0
	s.isFavorite = false
}

// Disconnect leaves the room (best-effort) and tears the transport down.
// Safe from the screen-closing path even when never connected.
func (s *Service) Disconnect(ctx context.Context) {
	if err := s.session.Leave(ctx); err != nil &&
		!errors.Is(err, stomp.ErrNotConnected) && !errors.Is(err, stomp.ErrTransportFailed) {
		s.logger.Error(fmt.Sprintf("leave on disconnect: %v", err))
	}
	s.leaveLocally()
	s.client.Disconnect()
}

// State exposes the transport state so callers can distinguish an error
// state from an empty-but-successful fetch.
func (s *Service) State() stomp.State {
	return s.client.State()
}
