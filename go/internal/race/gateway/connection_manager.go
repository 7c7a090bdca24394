package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/studiobloom/bench2bench/go/internal/race/events"
)

// ErrShuttingDown is returned for upgrades attempted while the manager drains.
var ErrShuttingDown = errors.New("gateway is shutting down")

// MessageHandler receives inbound frames and disconnects for live connections.
// Calls for one connection are made sequentially from its read pump.
type MessageHandler interface {
	HandleMessage(conn *Connection, message []byte)
	HandleDisconnect(conn *Connection)
}

// ConnectionManager is the registry of live websocket connections. It
// implements session.Emitter.
type ConnectionManager struct {
	connections map[string]*Connection
	mu          sync.RWMutex
	closing     bool

	upgrader websocket.Upgrader
	config   ConnectionConfig
	clock    clockwork.Clock

	// tracks read and write pumps so Shutdown can wait for them
	pumps sync.WaitGroup
}

// Connection represents a WebSocket connection to a client
type Connection struct {
	ID      string
	Conn    *websocket.Conn
	Send    chan []byte
	Manager *ConnectionManager

	// Connection metadata
	RemoteAddr  string
	ConnectedAt time.Time

	done     chan struct{}
	doneOnce sync.Once
}

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBufferSize  int
	AllowedOrigins  []string
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    25 * time.Second,
		MaxMessageSize:  64 * 1024, // room for SDP offers in signal payloads
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBufferSize:  256,
		AllowedOrigins:  []string{"*"},
	}
}

// NewConnectionManager creates a new WebSocket connection manager
func NewConnectionManager(config ConnectionConfig, clock clockwork.Clock) *ConnectionManager {
	return &ConnectionManager{
		connections: make(map[string]*Connection),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     originChecker(config.AllowedOrigins),
		},
		config: config,
		clock:  clock,
	}
}

// UpgradeConnection upgrades an HTTP connection to WebSocket and starts its pumps
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, handler MessageHandler) (*Connection, error) {
	cm.mu.RLock()
	closing := cm.closing
	cm.mu.RUnlock()
	if closing {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return nil, ErrShuttingDown
	}

	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		Conn:        conn,
		Send:        make(chan []byte, cm.config.SendBufferSize),
		Manager:     cm,
		RemoteAddr:  conn.RemoteAddr().String(),
		ConnectedAt: cm.clock.Now(),
		done:        make(chan struct{}),
	}
	if err := cm.registerConnection(connection); err != nil {
		conn.Close()
		return nil, err
	}

	// queued before the pumps start so it is always the first frame
	cm.Unicast(connection.ID, events.Message{
		Type: events.TypeConnected,
		Data: events.ConnectedPayload{ID: connection.ID},
	})

	go connection.writePump()
	go connection.readPump(handler)

	log.Info().
		Str("conn_id", connection.ID).
		Str("remote_addr", connection.RemoteAddr).
		Msg("WebSocket connection established")

	return connection, nil
}

// registerConnection adds a connection to the manager
func (cm *ConnectionManager) registerConnection(conn *Connection) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closing {
		return ErrShuttingDown
	}
	cm.connections[conn.ID] = conn
	// added under the lock so Shutdown never waits while a pump is being added
	cm.pumps.Add(2)

	log.Debug().
		Str("conn_id", conn.ID).
		Int("total_connections", len(cm.connections)).
		Msg("connection registered")
	return nil
}

// unregisterConnection removes a connection from the manager and stops its write pump
func (cm *ConnectionManager) unregisterConnection(conn *Connection) bool {
	cm.mu.Lock()
	_, exists := cm.connections[conn.ID]
	if exists {
		delete(cm.connections, conn.ID)
	}
	cm.mu.Unlock()

	conn.stop()

	if exists {
		log.Info().
			Str("conn_id", conn.ID).
			Str("remote_addr", conn.RemoteAddr).
			Dur("connected_for", cm.clock.Since(conn.ConnectedAt)).
			Msg("connection unregistered")
	}
	return exists
}

func (cm *ConnectionManager) get(id string) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.connections[id]
}

// Unicast sends msg to a single connection and reports whether it is registered.
func (cm *ConnectionManager) Unicast(to string, msg events.Message) bool {
	conn := cm.get(to)
	if conn == nil {
		return false
	}
	data, err := cm.encode(msg)
	if err != nil {
		log.Error().Err(err).Str("event_type", string(msg.Type)).Msg("failed to marshal event")
		return true
	}
	conn.deliver(data)
	return true
}

// Broadcast sends msg to every listed connection.
func (cm *ConnectionManager) Broadcast(to []string, msg events.Message) {
	cm.BroadcastExcept(to, "", msg)
}

// BroadcastExcept sends msg to every listed connection other than except.
func (cm *ConnectionManager) BroadcastExcept(to []string, except string, msg events.Message) {
	// Snapshot targets to avoid holding the lock while delivering
	targets := make([]*Connection, 0, len(to))
	cm.mu.RLock()
	for _, id := range to {
		if id == except {
			continue
		}
		if conn, ok := cm.connections[id]; ok {
			targets = append(targets, conn)
		}
	}
	cm.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	// Marshal the event once
	data, err := cm.encode(msg)
	if err != nil {
		log.Error().Err(err).Str("event_type", string(msg.Type)).Msg("failed to marshal event for broadcast")
		return
	}

	for _, conn := range targets {
		conn.deliver(data)
	}

	log.Debug().
		Str("event_type", string(msg.Type)).
		Int("connections", len(targets)).
		Msg("event broadcasted")
}

func (cm *ConnectionManager) encode(msg events.Message) ([]byte, error) {
	return json.Marshal(events.Event{
		ID:        uuid.New().String(),
		Type:      msg.Type,
		Timestamp: cm.clock.Now().UTC(),
		Data:      msg.Data,
	})
}

// ConnectionCount returns the number of registered connections
func (cm *ConnectionManager) ConnectionCount() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.connections)
}

// Shutdown refuses new connections, asks every client to close and waits for
// all pumps to exit. Connections still open when ctx expires are closed hard.
func (cm *ConnectionManager) Shutdown(ctx context.Context) error {
	cm.mu.Lock()
	cm.closing = true
	conns := make([]*Connection, 0, len(cm.connections))
	for _, conn := range cm.connections {
		conns = append(conns, conn)
	}
	cm.mu.Unlock()

	log.Info().Int("connections", len(conns)).Msg("draining websocket connections")

	closeMsg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, conn := range conns {
		// WriteControl may be called concurrently with the write pump
		deadline := time.Now().Add(cm.config.WriteTimeout)
		if err := conn.Conn.WriteControl(websocket.CloseMessage, closeMsg, deadline); err != nil {
			log.Debug().Err(err).Str("conn_id", conn.ID).Msg("failed to send close frame")
			conn.Conn.Close()
		}
	}

	drained := make(chan struct{})
	go func() {
		cm.pumps.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		log.Info().Msg("websocket connections drained")
		return nil
	case <-ctx.Done():
		for _, conn := range conns {
			conn.Conn.Close()
		}
		<-drained
		return fmt.Errorf("drain websocket connections: %w", ctx.Err())
	}
}

// deliver enqueues data without blocking. A full buffer means the client is
// too slow; its socket is closed and the read pump handles the disconnect.
func (c *Connection) deliver(data []byte) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.Send <- data:
	default:
		log.Warn().
			Str("conn_id", c.ID).
			Msg("connection send buffer full, closing connection")
		c.stop()
		c.Conn.Close()
	}
}

func (c *Connection) stop() {
	c.doneOnce.Do(func() { close(c.done) })
}

// writePump handles sending messages to the WebSocket connection
func (c *Connection) writePump() {
	cm := c.Manager
	ticker := cm.clock.NewTicker(cm.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		cm.pumps.Done()
	}()

	for {
		select {
		case <-c.done:
			c.Conn.SetWriteDeadline(time.Now().Add(cm.config.WriteTimeout))
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(cm.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("conn_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.Chan():
			c.Conn.SetWriteDeadline(time.Now().Add(cm.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().
					Err(err).
					Str("conn_id", c.ID).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump handles reading messages from the WebSocket connection
func (c *Connection) readPump(handler MessageHandler) {
	cm := c.Manager
	defer func() {
		cm.unregisterConnection(c)
		handler.HandleDisconnect(c)
		c.Conn.Close()
		cm.pumps.Done()
	}()

	c.Conn.SetReadLimit(cm.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(cm.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(cm.config.ReadTimeout))
		return nil
	})

	for {
		messageType, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().
					Err(err).
					Str("conn_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			break
		}
		if messageType != websocket.TextMessage {
			log.Warn().Str("conn_id", c.ID).Int("message_type", messageType).Msg("ignoring non-text frame")
			continue
		}

		handler.HandleMessage(c, message)
		c.Conn.SetReadDeadline(time.Now().Add(cm.config.ReadTimeout))
	}
}

// originChecker allows requests whose Origin header matches one of origins.
// "*" allows every origin; requests without an Origin header are allowed.
func originChecker(origins []string) func(r *http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed[origin]
	}
}
