// Package fakebackend is an in-process stand-in for the BookTalk backend
// used by tests: the OpenTalk REST surface plus a minimal STOMP broker on
// /websocket. It keeps everything in memory and records broker traffic so
// tests can assert on subscribe/unsubscribe sequences.
package fakebackend

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/booktalk/opentalk/stomp"
)

// WireMessage is the message shape the backend serves and pushes.
type WireMessage struct {
	Nickname        string `json:"nickname"`
	ProfileImageURL string `json:"profileImageUrl,omitempty"`
	Type            string `json:"type,omitempty"`
	Content         string `json:"content"`
	CreatedAt       string `json:"createdAt"`
}

// SubEvent records one SUBSCRIBE or UNSUBSCRIBE seen by the broker.
type SubEvent struct {
	Op          string
	ID          string
	Destination string
}

type room struct {
	id       int
	isbn     string
	// messages are stored oldest-first; pages are served newest-first
	messages []WireMessage
	favorite bool
}

// Server is the fake backend. Wrap Handler() in an httptest.Server.
type Server struct {
	logger *slog.Logger

	mu          sync.Mutex
	rooms       map[int]*room
	roomsByISBN map[string]int
	nextRoomID  int
	nicknames   map[string]string
	conns       map[*brokerConn]struct{}
	subLog      []SubEvent

	// HeartBeat is the heart-beat header value CONNECTED replies carry.
	HeartBeat string
	// RefuseConnect makes the broker answer CONNECT with ERROR.
	RefuseConnect bool
	// OnUnsubscribe, when set, runs before an UNSUBSCRIBE is processed,
	// while the subscription can still deliver. Tests use it to race a
	// final message against the unsubscribe receipt.
	OnUnsubscribe func(id, destination string)
	// OnChats, when set, runs at the start of every chat page request.
	OnChats func()

	upgrader websocket.Upgrader
}

func New() *Server {
	return &Server{
		logger:      slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn})),
		rooms:       make(map[int]*room),
		roomsByISBN: make(map[string]int),
		nextRoomID:  41, // first created room gets id 42
		nicknames:   make(map[string]string),
		conns:       make(map[*brokerConn]struct{}),
		HeartBeat:   "10000,10000",
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
			return true
		}},
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Post("/api/opentalk/join", s.handleJoin)
	r.Get("/api/opentalk/chats", s.handleChats)
	r.Post("/api/opentalk/favorite", s.handleFavorite(true))
	r.Delete("/api/opentalk/favorite", s.handleFavorite(false))
	r.Get("/api/opentalk/hot", s.handleListing)
	r.Get("/api/opentalk/favorites", s.handleListing)
	r.HandleFunc("/websocket", s.handleBroker)
	return r
}

// SeedRoom creates a room for isbn preloaded with msgs (oldest-first) and
// returns its id.
func (s *Server) SeedRoom(isbn string, msgs ...WireMessage) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomLocked(isbn, msgs).id
}

func (s *Server) roomLocked(isbn string, msgs []WireMessage) *room {
	if id, ok := s.roomsByISBN[isbn]; ok {
		return s.rooms[id]
	}
	s.nextRoomID++
	rm := &room{id: s.nextRoomID, isbn: isbn, messages: msgs}
	s.rooms[rm.id] = rm
	s.roomsByISBN[isbn] = rm.id
	return rm
}

// SetNickname maps a jwt token to the nickname broadcast messages carry.
func (s *Server) SetNickname(token, nickname string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nicknames[token] = nickname
}

// SubLog returns the SUBSCRIBE/UNSUBSCRIBE events seen so far.
func (s *Server) SubLog() []SubEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SubEvent, len(s.subLog))
	copy(out, s.subLog)
	return out
}

// Push appends m to the room's history and delivers it to every live
// subscriber of the room's topic.
func (s *Server) Push(roomID int, m WireMessage) {
	if m.CreatedAt == "" {
		m.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	s.mu.Lock()
	if rm, ok := s.rooms[roomID]; ok {
		rm.messages = append(rm.messages, m)
	}
	conns := s.connsLocked()
	s.mu.Unlock()

	body, _ := json.Marshal(m)
	topic := fmt.Sprintf("/sub/message/%d", roomID)
	for _, c := range conns {
		c.deliver(topic, body)
	}
}

// PushRaw delivers an arbitrary body to the room's live subscribers
// without touching the stored history. Used to exercise malformed
// payload handling.
func (s *Server) PushRaw(roomID int, body []byte) {
	s.mu.Lock()
	conns := s.connsLocked()
	s.mu.Unlock()

	topic := fmt.Sprintf("/sub/message/%d", roomID)
	for _, c := range conns {
		c.deliver(topic, body)
	}
}

// DropConnections kills every broker connection without a close
// handshake, simulating a server-initiated transport loss.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := s.connsLocked()
	s.mu.Unlock()
	for _, c := range conns {
		c.ws.Close()
	}
}

func (s *Server) connsLocked() []*brokerConn {
	out := make([]*brokerConn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

// --- REST surface ---

type joinRequest struct {
	ISBN         string `json:"isbn"`
	BookName     string `json:"bookname"`
	BookImageURL string `json:"bookImageUrl"`
	PageSize     int    `json:"pageSize"`
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ISBN == "" {
		writeError(w, http.StatusBadRequest, "invalid join request")
		return
	}

	s.mu.Lock()
	rm := s.roomLocked(req.ISBN, nil)
	page := pageOf(rm.messages, 1, req.PageSize)
	res := map[string]any{
		"opentalkId": rm.id,
		"isFavorite": rm.favorite,
		"chats":      page,
	}
	s.mu.Unlock()

	writeJSON(w, res)
}

func (s *Server) handleChats(w http.ResponseWriter, r *http.Request) {
	if h := s.OnChats; h != nil {
		h()
	}
	roomID, _ := strconv.Atoi(r.URL.Query().Get("opentalkId"))
	pageNo, _ := strconv.Atoi(r.URL.Query().Get("pageNo"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("pageSize"))
	if roomID == 0 || pageNo < 1 || pageSize < 1 {
		writeError(w, http.StatusBadRequest, "invalid page request")
		return
	}

	s.mu.Lock()
	rm, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "no such opentalk")
		return
	}
	page := pageOf(rm.messages, pageNo, pageSize)
	s.mu.Unlock()

	writeJSON(w, page)
}

func (s *Server) handleFavorite(value bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			OpenTalkID int `json:"opentalkId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid favorite request")
			return
		}
		s.mu.Lock()
		rm, ok := s.rooms[req.OpenTalkID]
		if ok {
			rm.favorite = value
		}
		s.mu.Unlock()
		if !ok {
			writeError(w, http.StatusNotFound, "no such opentalk")
			return
		}
		writeJSON(w, []int{req.OpenTalkID})
	}
}

func (s *Server) handleListing(w http.ResponseWriter, r *http.Request) {
	favoritesOnly := r.URL.Path == "/api/opentalk/favorites"
	s.mu.Lock()
	books := make([]map[string]any, 0, len(s.rooms))
	for _, rm := range s.rooms {
		if favoritesOnly && !rm.favorite {
			continue
		}
		books = append(books, map[string]any{
			"opentalkId":   rm.id,
			"bookName":     rm.isbn,
			"bookImageUrl": "",
		})
	}
	s.mu.Unlock()
	writeJSON(w, books)
}

// pageOf serves page pageNo (1-based) newest-first from an oldest-first
// history.
func pageOf(all []WireMessage, pageNo, pageSize int) []WireMessage {
	// page 1 ends at the newest message
	hi := len(all) - (pageNo-1)*pageSize
	if hi <= 0 {
		return []WireMessage{}
	}
	lo := hi - pageSize
	if lo < 0 {
		lo = 0
	}
	page := make([]WireMessage, 0, hi-lo)
	for i := hi - 1; i >= lo; i-- {
		page = append(page, all[i])
	}
	return page
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"message": msg})
}

// --- broker surface ---

type brokerConn struct {
	server *Server
	ws     *websocket.Conn
	mu     sync.Mutex
	// subs maps subscription id to destination
	subs map[string]string
}

func (s *Server) handleBroker(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &brokerConn{server: s, ws: ws, subs: make(map[string]string)}

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	go c.readPump()
}

func (c *brokerConn) readPump() {
	defer func() {
		c.server.mu.Lock()
		delete(c.server.conns, c)
		c.server.mu.Unlock()
		c.ws.Close()
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		frame, err := stomp.Unmarshal(data)
		if err != nil {
			c.write(stomp.NewFrame(stomp.CmdError, nil).Set(stomp.HdrMessage, err.Error()))
			return
		}
		if frame == nil {
			continue // client heart-beat
		}
		if !c.handle(frame) {
			return
		}
	}
}

func (c *brokerConn) handle(frame *stomp.Frame) bool {
	switch frame.Command {
	case stomp.CmdConnect:
		if c.server.RefuseConnect {
			c.write(stomp.NewFrame(stomp.CmdError, nil).Set(stomp.HdrMessage, "connection refused"))
			return false
		}
		c.write(stomp.NewFrame(stomp.CmdConnected, nil).
			Set(stomp.HdrVersion, "1.2").
			Set(stomp.HdrHeartBeat, c.server.HeartBeat))
	case stomp.CmdSubscribe:
		id, _ := frame.Header(stomp.HdrID)
		dest, _ := frame.Header(stomp.HdrDestination)
		c.mu.Lock()
		c.subs[id] = dest
		c.mu.Unlock()
		c.server.logSub(SubEvent{Op: stomp.CmdSubscribe, ID: id, Destination: dest})
		c.receipt(frame)
	case stomp.CmdUnsubscribe:
		id, _ := frame.Header(stomp.HdrID)
		c.mu.Lock()
		dest := c.subs[id]
		c.mu.Unlock()
		if h := c.server.OnUnsubscribe; h != nil {
			h(id, dest)
		}
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
		c.server.logSub(SubEvent{Op: stomp.CmdUnsubscribe, ID: id, Destination: dest})
		c.receipt(frame)
	case stomp.CmdSend:
		c.receipt(frame)
		dest, _ := frame.Header(stomp.HdrDestination)
		if dest == "/pub/message" {
			c.server.publish(frame.Body)
		}
	case stomp.CmdDisconnect:
		c.receipt(frame)
		return false
	}
	return true
}

// publish turns an outgoing payload into a broadcast on the room topic.
func (s *Server) publish(body []byte) {
	var p struct {
		JWTToken   string `json:"jwtToken"`
		OpenTalkID int    `json:"opentalkId"`
		Type       string `json:"type"`
		Content    string `json:"content"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return
	}

	s.mu.Lock()
	nickname, ok := s.nicknames[p.JWTToken]
	s.mu.Unlock()
	if !ok {
		nickname = "anonymous"
	}

	s.Push(p.OpenTalkID, WireMessage{
		Nickname:  nickname,
		Type:      p.Type,
		Content:   p.Content,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) logSub(e SubEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subLog = append(s.subLog, e)
}

func (c *brokerConn) receipt(frame *stomp.Frame) {
	receiptID, ok := frame.Header(stomp.HdrReceipt)
	if !ok {
		return
	}
	c.write(stomp.NewFrame(stomp.CmdReceipt, nil).Set(stomp.HdrReceiptID, receiptID))
}

// deliver sends a MESSAGE frame if this connection subscribes to topic.
func (c *brokerConn) deliver(topic string, body []byte) {
	c.mu.Lock()
	var subID string
	for id, dest := range c.subs {
		if dest == topic {
			subID = id
			break
		}
	}
	c.mu.Unlock()
	if subID == "" {
		return
	}
	c.write(stomp.NewFrame(stomp.CmdMessage, body).
		Set(stomp.HdrSubscription, subID).
		Set(stomp.HdrMessageID, uuid.NewString()).
		Set(stomp.HdrDestination, topic).
		Set(stomp.HdrContentType, "application/json"))
}

func (c *brokerConn) write(frame *stomp.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.ws.WriteMessage(websocket.TextMessage, frame.Marshal()); err != nil {
		c.server.logger.Warn(fmt.Sprintf("write %s: %v", frame.Command, err))
	}
}
