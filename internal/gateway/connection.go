package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Gopher0727/ChatCore/config"
	"github.com/Gopher0727/ChatCore/internal/protocol"
	logger "github.com/Gopher0727/ChatCore/middleware/log"
)

// Connection is one websocket client. It implements room.Member.
type Connection struct {
	id       string
	identity string

	conn   *websocket.Conn
	send   chan []byte
	cfg    *config.WebsocketConfig
	logger *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// closedMu guards closed and the send channel against concurrent close.
	closedMu sync.RWMutex
	closed   bool

	heartbeatMu   sync.RWMutex
	lastHeartbeat time.Time

	// deprecated aliases already reported; read goroutine only.
	deprecated map[string]struct{}
}

func newConnection(ctx context.Context, id, identity string, conn *websocket.Conn, cfg *config.WebsocketConfig, log *logger.Logger) *Connection {
	connCtx, cancel := context.WithCancel(logger.WithConnID(ctx, id))
	buffer := cfg.SendBuffer
	if buffer <= 0 {
		buffer = 256
	}
	return &Connection{
		id:            id,
		identity:      identity,
		conn:          conn,
		send:          make(chan []byte, buffer),
		cfg:           cfg,
		logger:        log,
		ctx:           connCtx,
		cancel:        cancel,
		lastHeartbeat: time.Now(),
		deprecated:    make(map[string]struct{}),
	}
}

func (c *Connection) ID() string       { return c.id }
func (c *Connection) Identity() string { return c.identity }

// Context is cancelled when the connection closes.
func (c *Connection) Context() context.Context { return c.ctx }

// Deliver encodes an event frame and queues it without blocking. A client
// whose buffer is full is too slow to keep up and gets disconnected.
func (c *Connection) Deliver(event string, payload any) bool {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		c.logger.Error("failed to encode frame", zap.String("event", event), zap.Error(err))
		return false
	}

	c.closedMu.RLock()
	if c.closed {
		c.closedMu.RUnlock()
		return false
	}
	select {
	case c.send <- frame:
		c.closedMu.RUnlock()
		return true
	default:
	}
	c.closedMu.RUnlock()

	c.logger.Warn("send buffer full, closing slow connection", zap.String("event", event))
	c.Close()
	return false
}

// Close is idempotent. It stops both pumps and releases the socket.
func (c *Connection) Close() error {
	c.closedMu.Lock()
	defer c.closedMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.cancel()
	close(c.send)
	return c.conn.Close()
}

// IsClosed reports whether Close has been called.
func (c *Connection) IsClosed() bool {
	c.closedMu.RLock()
	defer c.closedMu.RUnlock()
	return c.closed
}

func (c *Connection) touch() {
	c.heartbeatMu.Lock()
	c.lastHeartbeat = time.Now()
	c.heartbeatMu.Unlock()
}

// LastHeartbeat is the time of the last pong or inbound frame.
func (c *Connection) LastHeartbeat() time.Time {
	c.heartbeatMu.RLock()
	defer c.heartbeatMu.RUnlock()
	return c.lastHeartbeat
}

// firstUse records alias and reports whether this is its first use on the
// connection.
func (c *Connection) firstUse(alias string) bool {
	if _, seen := c.deprecated[alias]; seen {
		return false
	}
	c.deprecated[alias] = struct{}{}
	return true
}

// readPump feeds inbound frames to handle until the socket fails or the
// connection is closed.
func (c *Connection) readPump(handle func(*Connection, []byte)) {
	if c.cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	}
	c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		c.touch()
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		handle(c, data)
	}
}

// writePump drains the send buffer and keeps the peer alive with pings.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("websocket write error", zap.Error(err))
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("websocket ping failed", zap.Error(err))
				c.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}
