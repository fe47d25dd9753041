package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/labkiosk/pairsync/go/internal/sync/events"
	"github.com/labkiosk/pairsync/go/internal/sync/identity"
	"github.com/labkiosk/pairsync/go/internal/sync/syncerr"
)

// WSConfig holds configuration for the WebSocket binding.
type WSConfig struct {
	// URL is the channel endpoint, e.g. ws://host/sync/ws.
	URL string

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	PingInterval     time.Duration
	// AuthTimeout bounds the wait for the authenticated acknowledgement.
	AuthTimeout time.Duration
	SendBuffer  int

	// OnDisconnect observes involuntary channel loss. Invoked at most
	// once per established connection.
	OnDisconnect func(error)
	// OnSessionInvalid observes a definitive session-not-found error.
	// The binding is Closed when it fires; no reconnect should follow.
	OnSessionInvalid func(*syncerr.SessionInvalidError)
}

// DefaultWSConfig returns default WebSocket binding configuration.
func DefaultWSConfig(url string) WSConfig {
	return WSConfig{
		URL:              url,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReadTimeout:      60 * time.Second,
		PingInterval:     30 * time.Second,
		AuthTimeout:      10 * time.Second,
		SendBuffer:       64,
	}
}

// WS is the WebSocket binding. One instance serves one session identity
// across any number of reconnects until Close.
type WS struct {
	cfg    WSConfig
	dialer *websocket.Dialer

	connecting atomic.Bool

	mu    sync.Mutex
	state State
	conn  *websocket.Conn
	send  chan []byte
	ident identity.Identity
	// lossReported guards OnDisconnect to once per connection.
	lossReported bool

	hmu      sync.RWMutex
	handlers map[events.Kind][]Handler
}

// NewWS creates a WebSocket binding in the idle state.
func NewWS(cfg WSConfig) *WS {
	return &WS{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		state:    StateIdle,
		handlers: make(map[events.Kind][]Handler),
	}
}

// Handle registers a handler for a message kind.
func (w *WS) Handle(kind events.Kind, h Handler) {
	w.hmu.Lock()
	defer w.hmu.Unlock()
	w.handlers[kind] = append(w.handlers[kind], h)
}

// State returns the current lifecycle state.
func (w *WS) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Connected reports whether the channel is live.
func (w *WS) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == StateConnected || w.state == StateAuthenticated
}

func (w *WS) setState(s State) {
	w.mu.Lock()
	prev := w.state
	w.state = s
	w.mu.Unlock()
	if prev != s {
		log.Debug().
			Str("from", prev.String()).
			Str("to", s.String()).
			Msg("transport state change")
	}
}

// Connect dials the server, authenticates the identity, and starts the
// read/write pumps. Concurrent calls are rejected with ErrConnectInFlight
// so racing initialization paths cannot open duplicate channels.
func (w *WS) Connect(ctx context.Context, id identity.Identity) error {
	if !w.connecting.CompareAndSwap(false, true) {
		return ErrConnectInFlight
	}
	defer w.connecting.Store(false)

	w.mu.Lock()
	if w.state == StateClosed {
		w.mu.Unlock()
		return &syncerr.StateError{Message: "transport is closed"}
	}
	if w.state == StateConnected || w.state == StateAuthenticated {
		w.mu.Unlock()
		return nil
	}
	w.state = StateConnecting
	w.ident = id
	w.mu.Unlock()

	conn, _, err := w.dialer.DialContext(ctx, w.cfg.URL, nil)
	if err != nil {
		w.setState(StateDisconnected)
		return &syncerr.TransportError{Op: "dial", Err: err}
	}

	if err := w.authenticate(conn, id); err != nil {
		conn.Close()
		if se, ok := err.(*syncerr.SessionInvalidError); ok {
			w.setState(StateClosed)
			if w.cfg.OnSessionInvalid != nil {
				w.cfg.OnSessionInvalid(se)
			}
			return err
		}
		w.setState(StateDisconnected)
		return err
	}

	w.mu.Lock()
	w.conn = conn
	w.send = make(chan []byte, w.cfg.SendBuffer)
	w.state = StateConnected
	w.lossReported = false
	send := w.send
	w.mu.Unlock()

	go w.writePump(conn, send)
	go w.readPump(conn)

	log.Info().
		Str("session_id", id.SessionID).
		Str("client_id", id.ClientID).
		Str("role", string(id.Role)).
		Msg("transport authenticated")

	return nil
}

// authenticate sends the authenticate frame and waits for the server's
// acknowledgement. A server_error naming a missing session is terminal.
func (w *WS) authenticate(conn *websocket.Conn, id identity.Identity) error {
	env, err := events.NewEnvelope(events.KindAuthenticate, events.AuthenticatePayload{
		SessionID: id.SessionID,
		ClientID:  id.ClientID,
		Role:      string(id.Role),
	})
	if err != nil {
		return err
	}

	conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout))
	if err := conn.WriteJSON(env); err != nil {
		return &syncerr.TransportError{Op: "authenticate", Err: err}
	}

	conn.SetReadDeadline(time.Now().Add(w.cfg.AuthTimeout))
	var ack events.Envelope
	if err := conn.ReadJSON(&ack); err != nil {
		return &syncerr.TransportError{Op: "await authenticated", Err: err}
	}
	w.setState(StateAuthenticated)

	switch ack.Type {
	case events.KindAuthenticated, events.KindReconnected:
		return nil
	case events.KindServerError:
		var p events.ServerErrorPayload
		if err := json.Unmarshal(ack.Payload, &p); err == nil && isSessionNotFound(p.Message) {
			return &syncerr.SessionInvalidError{SessionID: id.SessionID}
		}
		return &syncerr.TransportError{Op: "authenticate", Err: fmt.Errorf("server error: %s", ack.Payload)}
	default:
		return &syncerr.TransportError{Op: "authenticate", Err: fmt.Errorf("unexpected ack %q", ack.Type)}
	}
}

// Send transmits one envelope over the live channel.
func (w *WS) Send(env events.Envelope) error {
	w.mu.Lock()
	if w.state != StateConnected && w.state != StateAuthenticated {
		w.mu.Unlock()
		return &syncerr.TransportError{Op: "send", Err: ErrNotConnected}
	}
	send := w.send
	w.mu.Unlock()

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	select {
	case send <- data:
		return nil
	default:
		return &syncerr.TransportError{Op: "send", Err: fmt.Errorf("send buffer full")}
	}
}

// Close tears the channel down voluntarily. The binding is terminal after
// this call; reconnection requires a fresh binding.
func (w *WS) Close() error {
	w.mu.Lock()
	if w.state == StateClosed {
		w.mu.Unlock()
		return nil
	}
	w.state = StateClosed
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()

	if conn != nil {
		conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}

	log.Info().Msg("transport closed")
	return nil
}

// writePump drains the send channel and keeps the connection alive with
// pings.
func (w *WS) writePump(conn *websocket.Conn, send chan []byte) {
	ticker := time.NewTicker(w.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-send:
			conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().Err(err).Msg("failed to write message to channel")
				w.handleLoss(conn, err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().Err(err).Msg("failed to send ping")
				w.handleLoss(conn, err)
				return
			}
		}
	}
}

// readPump dispatches inbound messages until the connection drops.
func (w *WS) readPump(conn *websocket.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(w.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(w.cfg.ReadTimeout))
		return nil
	})

	for {
		var env events.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Msg("unexpected channel close")
			}
			w.handleLoss(conn, err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(w.cfg.ReadTimeout))

		if terminal := w.dispatch(env); terminal {
			return
		}
	}
}

// dispatch routes one inbound envelope. Returns true when the message was
// terminal for the binding.
func (w *WS) dispatch(env events.Envelope) bool {
	if env.Type == events.KindServerError {
		var p events.ServerErrorPayload
		if err := json.Unmarshal(env.Payload, &p); err == nil && isSessionNotFound(p.Message) {
			// Retrying cannot succeed. Do not report this as a
			// transient loss.
			w.mu.Lock()
			w.state = StateClosed
			w.lossReported = true
			conn := w.conn
			w.conn = nil
			ident := w.ident
			w.mu.Unlock()

			if conn != nil {
				conn.Close()
			}
			log.Warn().Str("session_id", ident.SessionID).Msg("server reports session not found")
			if w.cfg.OnSessionInvalid != nil {
				w.cfg.OnSessionInvalid(&syncerr.SessionInvalidError{SessionID: ident.SessionID})
			}
			return true
		}
	}

	w.hmu.RLock()
	handlers := w.handlers[env.Type]
	w.hmu.RUnlock()

	if len(handlers) == 0 {
		log.Debug().Str("type", string(env.Type)).Msg("no handler for inbound message")
		return false
	}
	for _, h := range handlers {
		h(env)
	}
	return false
}

// handleLoss records an involuntary disconnect exactly once per connection
// and notifies the owner so the reconnect loop can start.
func (w *WS) handleLoss(conn *websocket.Conn, cause error) {
	w.mu.Lock()
	if w.state == StateClosed || w.conn != conn || w.lossReported {
		w.mu.Unlock()
		return
	}
	w.lossReported = true
	w.state = StateDisconnected
	w.conn = nil
	w.mu.Unlock()

	conn.Close()
	log.Warn().Err(cause).Msg("transport lost")

	if w.cfg.OnDisconnect != nil {
		w.cfg.OnDisconnect(cause)
	}
}

func isSessionNotFound(message string) bool {
	return strings.Contains(strings.ToLower(message), "session not found")
}
