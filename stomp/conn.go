package stomp

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a frame to the broker.
	writeWait = 10 * time.Second

	// Multiplier on the negotiated incoming heart-beat interval before
	// the connection is considered dead.
	readGrace = 2
)

// wsConn is the live transport under an established session. It owns the
// read and write goroutines; the client above it owns state transitions.
type wsConn struct {
	conn *websocket.Conn
	// out carries frames from the client to the write loop.
	out chan *Frame
	// sendEvery and expectEvery are the negotiated heart-beat
	// intervals. Zero disables the respective direction.
	sendEvery   time.Duration
	expectEvery time.Duration

	onFrame func(*Frame)
	onLost  func(error)

	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

func newWSConn(conn *websocket.Conn, sendEvery, expectEvery time.Duration, logger *slog.Logger) *wsConn {
	return &wsConn{
		conn:        conn,
		out:         make(chan *Frame, 16),
		sendEvery:   sendEvery,
		expectEvery: expectEvery,
		done:        make(chan struct{}),
		logger:      logger,
	}
}

// close initiates teardown. Safe to call from any goroutine, repeatedly.
func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *wsConn) resetReadDeadline() {
	if c.expectEvery == 0 {
		// clear the handshake deadline left on the raw connection
		c.conn.SetReadDeadline(time.Time{})
		return
	}
	c.conn.SetReadDeadline(time.Now().Add(c.expectEvery * readGrace))
}

func (c *wsConn) readLoop() {
	defer func() {
		c.conn.Close()
		c.logger.Info("read loop stopped")
	}()

	c.resetReadDeadline()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				// deliberate close, not a transport loss
				return
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info(fmt.Sprintf("broker closed connection: %v", err))
			} else {
				c.logger.Error(fmt.Sprintf("read frame: %v", err))
			}
			c.onLost(err)
			return
		}

		// any traffic, heart-beats included, proves liveness
		c.resetReadDeadline()

		frame, err := Unmarshal(data)
		if err != nil {
			c.logger.Error(fmt.Sprintf("unmarshal frame: %v", err))
			continue
		}
		if frame == nil {
			c.logger.Debug("broker heart-beat")
			continue
		}
		c.onFrame(frame)
	}
}

func (c *wsConn) writeLoop() {
	// a nil channel never fires, which disables outgoing heart-beats
	var beat <-chan time.Time
	if c.sendEvery > 0 {
		ticker := time.NewTicker(c.sendEvery)
		defer ticker.Stop()
		beat = ticker.C
	}

	defer c.logger.Info("write loop stopped")

	for {
		select {
		case frame := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame.Marshal()); err != nil {
				c.logger.Error(fmt.Sprintf("write frame: %v", err))
				c.conn.Close()
				return
			}
			c.logger.Debug(fmt.Sprintf("sent %s", frame))
		case <-beat:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, heartbeatPayload); err != nil {
				c.logger.Error(fmt.Sprintf("write heart-beat: %v", err))
				c.conn.Close()
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			c.conn.Close()
			return
		}
	}
}

// enqueue hands a frame to the write loop without blocking past teardown.
func (c *wsConn) enqueue(frame *Frame) error {
	select {
	case c.out <- frame:
		return nil
	case <-c.done:
		return ErrTransportFailed
	}
}
