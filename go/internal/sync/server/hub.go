package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/labkiosk/pairsync/go/internal/sync/events"
)

// ConnectionConfig tunes the per-connection pumps.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	AuthTimeout     time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns default pump tuning.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		AuthTimeout:     10 * time.Second,
		MaxMessageSize:  64 * 1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// The dev server pairs devices on a local network.
			return true
		},
	}
}

// Hub owns the WebSocket side of the session contract: one connection pool
// per session, broadcast fan-out, and the authenticate handshake.
type Hub struct {
	cfg      ConnectionConfig
	server   *Server
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	pools map[string]map[*Connection]bool
}

// Connection is one authenticated device channel.
type Connection struct {
	ID        string
	SessionID string
	ClientID  string
	Role      string
	Conn      *websocket.Conn
	Send      chan []byte
	hub       *Hub

	ConnectedAt time.Time
}

// NewHub creates an empty hub.
func NewHub(cfg ConnectionConfig, server *Server) *Hub {
	return &Hub{
		cfg:    cfg,
		server: server,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     cfg.CheckOrigin,
		},
		pools: make(map[string]map[*Connection]bool),
	}
}

// HandleConnection upgrades the request and runs the authenticate
// handshake. The first frame must be an authenticate envelope; an unknown
// session is answered with server_error "session not found" and a close.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade connection")
		return
	}

	conn.SetReadLimit(h.cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(h.cfg.AuthTimeout))

	var env events.Envelope
	if err := conn.ReadJSON(&env); err != nil || env.Type != events.KindAuthenticate {
		log.Warn().Err(err).Msg("connection did not authenticate")
		conn.Close()
		return
	}

	var auth events.AuthenticatePayload
	if err := json.Unmarshal(env.Payload, &auth); err != nil {
		conn.Close()
		return
	}

	sess, ok := h.server.lookupSession(auth.SessionID)
	if !ok {
		h.writeDirect(conn, mustEnvelope(events.KindServerError, events.ServerErrorPayload{
			Message: "session not found",
		}))
		conn.Close()
		return
	}

	h.server.mu.Lock()
	_, known := sess.clients[auth.ClientID]
	h.server.mu.Unlock()
	if !known {
		h.writeDirect(conn, mustEnvelope(events.KindServerError, events.ServerErrorPayload{
			Message: "client not in session",
		}))
		conn.Close()
		return
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		SessionID:   auth.SessionID,
		ClientID:    auth.ClientID,
		Role:        auth.Role,
		Conn:        conn,
		Send:        make(chan []byte, 256),
		hub:         h,
		ConnectedAt: time.Now(),
	}

	rejoining := h.register(connection)

	ackKind := events.KindAuthenticated
	var ack interface{} = events.AuthenticatedPayload{
		SessionID: auth.SessionID,
		ClientID:  auth.ClientID,
		Role:      auth.Role,
	}
	if rejoining {
		ackKind = events.KindReconnected
		ack = events.ReconnectedPayload{Role: auth.Role}
	}
	h.writeDirect(conn, mustEnvelope(ackKind, ack))

	go connection.writePump()
	go connection.readPump()

	announce := events.KindClientJoined
	if rejoining {
		announce = events.KindClientReconnected
	}
	h.broadcastExcept(auth.SessionID, connection, mustEnvelope(announce, events.ClientJoinedPayload{
		ClientID:    auth.ClientID,
		Role:        auth.Role,
		ClientCount: h.poolSize(auth.SessionID),
	}))

	log.Info().
		Str("connection_id", connection.ID).
		Str("session_id", auth.SessionID).
		Str("client_id", auth.ClientID).
		Str("role", auth.Role).
		Msg("channel established")
}

// register adds a connection to its session pool, reporting whether the
// same client was connected before (a reconnect).
func (h *Hub) register(c *Connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	pool := h.pools[c.SessionID]
	if pool == nil {
		pool = make(map[*Connection]bool)
		h.pools[c.SessionID] = pool
	}

	rejoining := false
	for existing := range pool {
		if existing.ClientID == c.ClientID {
			rejoining = true
			delete(pool, existing)
			close(existing.Send)
			existing.Conn.Close()
		}
	}
	pool[c] = true
	return rejoining
}

func (h *Hub) unregister(c *Connection) {
	h.mu.Lock()
	pool, exists := h.pools[c.SessionID]
	if !exists || !pool[c] {
		h.mu.Unlock()
		return
	}
	delete(pool, c)
	close(c.Send)
	remaining := len(pool)
	if remaining == 0 {
		delete(h.pools, c.SessionID)
	}
	h.mu.Unlock()

	h.broadcastExcept(c.SessionID, nil, mustEnvelope(events.KindClientLeft, events.ClientLeftPayload{
		ClientID:    c.ClientID,
		ClientCount: remaining,
	}))

	log.Info().
		Str("connection_id", c.ID).
		Str("client_id", c.ClientID).
		Msg("channel closed")
}

func (h *Hub) poolSize(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.pools[sessionID])
}

// broadcastExcept fans an envelope out to every connection in the session
// pool except the originator.
func (h *Hub) broadcastExcept(sessionID string, except *Connection, env events.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal broadcast")
		return
	}

	h.mu.RLock()
	var targets []*Connection
	for conn := range h.pools[sessionID] {
		if conn != except {
			targets = append(targets, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range targets {
		select {
		case conn.Send <- data:
		default:
			// Slow consumer; drop it rather than stall the session.
			log.Warn().Str("connection_id", conn.ID).Msg("send buffer full, closing connection")
			h.unregister(conn)
			conn.Conn.Close()
		}
	}
}

// Stats reports pool sizes.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	total := 0
	for _, pool := range h.pools {
		total += len(pool)
	}
	return map[string]interface{}{
		"total_connections": total,
		"active_pools":      len(h.pools),
	}
}

func (h *Hub) writeDirect(conn *websocket.Conn, env events.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
	conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.hub.unregister(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to write message")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Connection) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadDeadline(time.Now().Add(c.hub.cfg.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.hub.cfg.ReadTimeout))
		return nil
	})

	for {
		var env events.Envelope
		if err := c.Conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("unexpected channel close")
			}
			return
		}
		c.Conn.SetReadDeadline(time.Now().Add(c.hub.cfg.ReadTimeout))
		c.handleInbound(env)
	}
}

// handleInbound processes one client frame. update_state installs the new
// blob and fans a state_update out to the session's other members; domain
// kinds are forwarded opaquely.
func (c *Connection) handleInbound(env events.Envelope) {
	switch env.Type {
	case events.KindUpdateState:
		if !c.hub.server.setState(c.SessionID, c.ClientID, env.Payload) {
			c.hub.writeDirect(c.Conn, mustEnvelope(events.KindServerError, events.ServerErrorPayload{
				Message: "session not found",
			}))
			return
		}
		c.hub.broadcastExcept(c.SessionID, c, mustEnvelope(events.KindStateUpdate, events.StateUpdatePayload{
			State: env.Payload,
		}))

	case events.KindExperimentStarted, events.KindExperimentPaused,
		events.KindExperimentResumed, events.KindExperimentStopped, events.KindIDUpdate:
		c.hub.broadcastExcept(c.SessionID, c, env)

	default:
		log.Debug().
			Str("connection_id", c.ID).
			Str("type", string(env.Type)).
			Msg("ignoring client frame")
	}
}

func mustEnvelope(kind events.Kind, v interface{}) events.Envelope {
	env, err := events.NewEnvelope(kind, v)
	if err != nil {
		log.Error().Err(err).Str("type", string(kind)).Msg("failed to build envelope")
		return events.Envelope{Type: kind}
	}
	return env
}
