// Package gateway accepts websocket clients and routes their event frames.
package gateway

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Gopher0727/ChatCore/config"
	"github.com/Gopher0727/ChatCore/internal/events"
	"github.com/Gopher0727/ChatCore/internal/identity"
	logger "github.com/Gopher0727/ChatCore/middleware/log"
)

// Manager owns every live connection on this node.
type Manager struct {
	rooms    Rooms
	chat     Chat
	resolver *identity.Resolver
	cfg      *config.WebsocketConfig
	logger   *logger.Logger
	upgrader websocket.Upgrader

	mu          sync.RWMutex
	connections map[string]*Connection

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a connection manager
//
// Parameters:
//   - ctx: parent context; cancelling it stops accepting connections
//   - cfg: websocket timeouts and buffer sizes
//   - rooms: room registry connections join
//   - chat: message pipeline behind each connection
//   - resolver: handshake to identity mapping
//   - log: base logger, specialised per connection
func NewManager(ctx context.Context, cfg *config.WebsocketConfig, rooms Rooms, chat Chat, resolver *identity.Resolver, log *logger.Logger) *Manager {
	managerCtx, cancel := context.WithCancel(ctx)
	return &Manager{
		rooms:    rooms,
		chat:     chat,
		resolver: resolver,
		cfg:      cfg,
		logger:   log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		connections: make(map[string]*Connection),
		ctx:         managerCtx,
		cancel:      cancel,
	}
}

// ServeWS upgrades the request and runs the connection until it closes.
func (m *Manager) ServeWS(c *gin.Context) {
	if m.ctx.Err() != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
		return
	}
	ws, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	connID := uuid.NewString()
	id := m.resolver.Resolve(identity.FromRequest(c.Request, connID))
	conn := newConnection(m.ctx, connID, id, ws, m.cfg, m.logger.ForConnection(connID, id))
	m.add(conn)

	conn.logger.Info("client connected", zap.Bool("anonymous", identity.IsAnonymous(id)))
	m.rooms.Subscribe(conn, events.ChannelSystem)
	m.chat.RestoreUnread(conn)

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		conn.writePump()
	}()
	go func() {
		defer m.wg.Done()
		conn.readPump(m.dispatch)
		m.disconnect(conn)
	}()
}

func (m *Manager) add(conn *Connection) {
	m.mu.Lock()
	m.connections[conn.ID()] = conn
	m.mu.Unlock()
}

// disconnect leaves every room the connection occupied and forgets it.
func (m *Manager) disconnect(conn *Connection) {
	conn.Close()
	m.rooms.LeaveAll(context.Background(), conn)

	m.mu.Lock()
	delete(m.connections, conn.ID())
	remaining := len(m.connections)
	m.mu.Unlock()

	conn.logger.Info("client disconnected", zap.Int("remaining", remaining))
}

// ConnectionCount returns the number of live connections on this node.
func (m *Manager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// Shutdown closes every connection and waits for their pumps to exit.
func (m *Manager) Shutdown() {
	m.cancel()

	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, conn := range m.connections {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		conn.Close()
	}
	m.wg.Wait()
}
