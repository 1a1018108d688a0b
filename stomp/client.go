// Package stomp implements the client side of the STOMP 1.2 protocol
// carried over a WebSocket, as spoken by the BookTalk chat broker. It
// owns the single long-lived connection: handshake, heart-beats,
// subscriptions, receipt-confirmed sends, and teardown.
package stomp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// State is the connection lifecycle state. Subscribe and send are only
// permitted in StateConnected.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// SubscriptionHandler receives MESSAGE frames for one subscription. It is
// invoked on the read loop goroutine, so frames for the same destination
// are delivered in arrival order.
type SubscriptionHandler func(*Frame)

const (
	// defaultHeartbeatMS is the symmetric heart-beat contract offered at
	// handshake time, in milliseconds for each direction.
	defaultHeartbeatMS = 10000

	defaultHandshakeTimeout = 10 * time.Second
	defaultReceiptTimeout   = 10 * time.Second
)

// Client is the single persistent broker connection. All methods are safe
// for concurrent use.
type Client struct {
	url              string
	dialer           *websocket.Dialer
	logger           *slog.Logger
	beat             heartbeat
	handshakeTimeout time.Duration
	receiptTimeout   time.Duration

	mu      sync.Mutex
	state   State
	conn    *wsConn
	onState []func(State)

	subs     *syncMap[string, SubscriptionHandler]
	receipts *syncMap[string, chan *Frame]
}

type Option func(*Client)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func WithDialer(dialer *websocket.Dialer) Option {
	return func(c *Client) {
		c.dialer = dialer
	}
}

// WithHeartbeat overrides the intervals offered in the heart-beat header.
func WithHeartbeat(send, expect time.Duration) Option {
	return func(c *Client) {
		c.beat = heartbeat{
			sendMS:    int(send / time.Millisecond),
			receiveMS: int(expect / time.Millisecond),
		}
	}
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.handshakeTimeout = d
	}
}

func WithReceiptTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.receiptTimeout = d
	}
}

func NewClient(brokerURL string, opts ...Option) *Client {
	c := &Client{
		url:              brokerURL,
		dialer:           websocket.DefaultDialer,
		logger:           slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})),
		beat:             heartbeat{sendMS: defaultHeartbeatMS, receiveMS: defaultHeartbeatMS},
		handshakeTimeout: defaultHandshakeTimeout,
		receiptTimeout:   defaultReceiptTimeout,
		state:            StateDisconnected,
		subs:             newSyncMap[string, SubscriptionHandler](),
		receipts:         newSyncMap[string, chan *Frame](),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnStateChange registers a callback invoked on every state transition.
// Register before Connect; callbacks run on whichever goroutine drives
// the transition and must not block.
func (c *Client) OnStateChange(f func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = append(c.onState, f)
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// setStateLocked transitions the state and returns the observers to
// notify. Notification happens after the client mutex is released so an
// observer may call back into the client or its collaborators.
func (c *Client) setStateLocked(s State) []func(State) {
	if c.state == s {
		return nil
	}
	c.logger.Info("connection state changed",
		slog.String("from", c.state.String()), slog.String("to", s.String()))
	c.state = s
	observers := make([]func(State), len(c.onState))
	copy(observers, c.onState)
	return observers
}

func notifyState(observers []func(State), s State) {
	for _, f := range observers {
		f(s)
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	observers := c.setStateLocked(s)
	c.mu.Unlock()
	notifyState(observers, s)
}

// Connect establishes the session. It is idempotent: a client that is
// already connecting or connected is left alone. A client in StateFailed
// may reconnect by calling Connect again; reconnection is never automatic.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	observers := c.setStateLocked(StateConnecting)
	c.mu.Unlock()
	notifyState(observers, StateConnecting)

	raw, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.setState(StateFailed)
		return fmt.Errorf("%w: dial %s: %v", ErrTransportFailed, c.url, err)
	}

	connected, err := c.handshake(raw)
	if err != nil {
		raw.Close()
		c.setState(StateFailed)
		return err
	}

	serverBeat := heartbeat{}
	if v, ok := connected.Header(HdrHeartBeat); ok {
		if serverBeat, err = parseHeartbeat(v); err != nil {
			raw.Close()
			c.setState(StateFailed)
			return fmt.Errorf("%w: %v", ErrTransportFailed, err)
		}
	}
	sendMS, expectMS := negotiate(c.beat, serverBeat)

	conn := newWSConn(raw,
		time.Duration(sendMS)*time.Millisecond,
		time.Duration(expectMS)*time.Millisecond,
		c.logger)
	conn.onFrame = c.handleFrame
	conn.onLost = c.transportLost

	c.mu.Lock()
	c.conn = conn
	observers = c.setStateLocked(StateConnected)
	c.mu.Unlock()
	notifyState(observers, StateConnected)

	go conn.readLoop()
	go conn.writeLoop()

	c.logger.Info("session established",
		slog.String("heart-beat", fmt.Sprintf("%d,%d", sendMS, expectMS)))
	return nil
}

// handshake runs the CONNECT / CONNECTED exchange on the raw connection,
// before the read and write loops take over.
func (c *Client) handshake(raw *websocket.Conn) (*Frame, error) {
	connect := NewFrame(CmdConnect, nil).
		Set(HdrAcceptVersion, "1.2").
		Set(HdrHost, hostOf(c.url)).
		Set(HdrHeartBeat, c.beat.String())

	raw.SetWriteDeadline(time.Now().Add(writeWait))
	if err := raw.WriteMessage(websocket.TextMessage, connect.Marshal()); err != nil {
		return nil, fmt.Errorf("%w: write CONNECT: %v", ErrTransportFailed, err)
	}

	raw.SetReadDeadline(time.Now().Add(c.handshakeTimeout))
	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, fmt.Errorf("%w: handshake", ErrTransportTimeout)
			}
			return nil, fmt.Errorf("%w: read CONNECTED: %v", ErrTransportFailed, err)
		}
		frame, err := Unmarshal(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransportFailed, err)
		}
		if frame == nil {
			continue
		}
		switch frame.Command {
		case CmdConnected:
			return frame, nil
		case CmdError:
			msg, _ := frame.Header(HdrMessage)
			return nil, fmt.Errorf("%w: broker refused session: %s", ErrTransportFailed, msg)
		default:
			return nil, fmt.Errorf("%w: unexpected %s during handshake", ErrTransportFailed, frame.Command)
		}
	}
}

func hostOf(brokerURL string) string {
	u, err := url.Parse(brokerURL)
	if err != nil || u.Host == "" {
		return brokerURL
	}
	return u.Hostname()
}

// Subscribe registers handler for destination and issues a
// receipt-confirmed SUBSCRIBE. The returned id is the handle for
// Unsubscribe.
func (c *Client) Subscribe(ctx context.Context, destination string, handler SubscriptionHandler) (string, error) {
	conn, err := c.connected()
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	// register before the broker can start pushing MESSAGE frames
	c.subs.Store(id, handler)

	frame := NewFrame(CmdSubscribe, nil).
		Set(HdrID, id).
		Set(HdrDestination, destination)
	if _, err := c.request(ctx, conn, frame); err != nil {
		c.subs.Delete(id)
		return "", fmt.Errorf("subscribe %s: %w", destination, err)
	}
	c.logger.Info("subscribed", slog.String("destination", destination), slog.String("id", id))
	return id, nil
}

// Unsubscribe tears down the subscription. The local handler is removed
// even when the broker round trip fails, so a half-dead subscription can
// never deliver again.
func (c *Client) Unsubscribe(ctx context.Context, id string) error {
	defer c.subs.Delete(id)

	conn, err := c.connected()
	if err != nil {
		return err
	}

	frame := NewFrame(CmdUnsubscribe, nil).Set(HdrID, id)
	if _, err := c.request(ctx, conn, frame); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", id, err)
	}
	c.logger.Info("unsubscribed", slog.String("id", id))
	return nil
}

// Send delivers body to destination and waits for the broker's receipt.
func (c *Client) Send(ctx context.Context, destination, contentType string, body []byte) error {
	conn, err := c.connected()
	if err != nil {
		return err
	}

	frame := NewFrame(CmdSend, body).
		Set(HdrDestination, destination).
		Set(HdrContentType, contentType)
	if _, err := c.request(ctx, conn, frame); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}

// connected returns the live transport or the state-appropriate error.
func (c *Client) connected() (*wsConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateConnected:
		return c.conn, nil
	case StateFailed:
		return nil, ErrTransportFailed
	default:
		return nil, ErrNotConnected
	}
}

// request sends frame with a receipt header and waits for the matching
// RECEIPT or ERROR frame.
func (c *Client) request(ctx context.Context, conn *wsConn, frame *Frame) (*Frame, error) {
	receiptID := uuid.NewString()
	frame.Set(HdrReceipt, receiptID)

	waiter := make(chan *Frame, 1)
	c.receipts.Store(receiptID, waiter)
	defer c.receipts.Delete(receiptID)

	if err := conn.enqueue(frame); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.receiptTimeout)
	defer timer.Stop()
	select {
	case reply := <-waiter:
		if reply == nil {
			return nil, ErrTransportFailed
		}
		if reply.Command == CmdError {
			msg, _ := reply.Header(HdrMessage)
			return nil, fmt.Errorf("broker error: %s", msg)
		}
		return reply, nil
	case <-timer.C:
		return nil, ErrTransportTimeout
	case <-conn.done:
		return nil, ErrTransportFailed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// handleFrame runs on the read loop goroutine.
func (c *Client) handleFrame(frame *Frame) {
	switch frame.Command {
	case CmdMessage:
		subID, _ := frame.Header(HdrSubscription)
		handler, ok := c.subs.Load(subID)
		if !ok {
			c.logger.Debug("dropping message for unknown subscription", slog.String("id", subID))
			return
		}
		handler(frame)
	case CmdReceipt:
		receiptID, _ := frame.Header(HdrReceiptID)
		if waiter, ok := c.receipts.LoadAndDelete(receiptID); ok {
			waiter <- frame
		}
	case CmdError:
		msg, _ := frame.Header(HdrMessage)
		if receiptID, ok := frame.Header(HdrReceiptID); ok {
			if waiter, ok := c.receipts.LoadAndDelete(receiptID); ok {
				waiter <- frame
				return
			}
		}
		// a broker-level ERROR without a receipt precedes a close
		c.logger.Error(fmt.Sprintf("broker error: %s", msg))
	default:
		c.logger.Debug("ignoring frame", slog.String("command", frame.Command))
	}
}

// transportLost handles an unexpected, server or network initiated drop.
// The session moves to StateFailed, live subscription handles are
// invalidated, and pending receipt waiters are released. The caller must
// Connect again explicitly.
func (c *Client) transportLost(cause error) {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	observers := c.setStateLocked(StateFailed)
	c.mu.Unlock()
	notifyState(observers, StateFailed)

	conn.close()
	for _, waiter := range c.receipts.Drain() {
		close(waiter)
	}
	c.subs.Drain()
	c.logger.Error(fmt.Sprintf("transport lost: %v", cause))
}

// Disconnect tears the session down. Safe to call repeatedly and when the
// client never connected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	alreadyDown := c.state == StateDisconnected
	observers := c.setStateLocked(StateDisconnected)
	c.mu.Unlock()
	notifyState(observers, StateDisconnected)

	if alreadyDown || conn == nil {
		return
	}

	// best-effort polite goodbye; the broker may already be gone
	conn.enqueue(NewFrame(CmdDisconnect, nil))
	conn.close()

	for _, waiter := range c.receipts.Drain() {
		close(waiter)
	}
	c.subs.Drain()
}
