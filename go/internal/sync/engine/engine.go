// Package engine is the session synchronization core: it owns the identity
// triple, drives the transport, gates broadcasts by role, and reconciles
// the offline queue when connectivity returns. Construct one Engine at
// application start and inject it into every consumer; there are no
// package-level singletons.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/labkiosk/pairsync/go/clients/syncapi"
	"github.com/labkiosk/pairsync/go/internal/sync/backoff"
	"github.com/labkiosk/pairsync/go/internal/sync/events"
	"github.com/labkiosk/pairsync/go/internal/sync/health"
	"github.com/labkiosk/pairsync/go/internal/sync/identity"
	"github.com/labkiosk/pairsync/go/internal/sync/queue"
	"github.com/labkiosk/pairsync/go/internal/sync/syncerr"
	"github.com/labkiosk/pairsync/go/internal/sync/transport"
)

// Status is the externally observable engine state.
type Status string

const (
	// StatusOffline means no session and no reachable backend.
	StatusOffline Status = "offline"
	// StatusIdle means the backend is reachable but no session is active.
	StatusIdle Status = "idle"
	StatusViewer   Status = "viewer"
	StatusOperator Status = "operator"
)

// BindingFactory constructs a transport binding wired with the engine's
// loss and invalidation callbacks. A fresh binding is made per session.
type BindingFactory func(onDisconnect func(error), onSessionInvalid func(*syncerr.SessionInvalidError)) transport.Binding

// WSFactory adapts a WebSocket config into a BindingFactory.
func WSFactory(cfg transport.WSConfig) BindingFactory {
	return func(onDisconnect func(error), onSessionInvalid func(*syncerr.SessionInvalidError)) transport.Binding {
		c := cfg
		c.OnDisconnect = onDisconnect
		c.OnSessionInvalid = onSessionInvalid
		return transport.NewWS(c)
	}
}

// Config wires an Engine.
type Config struct {
	API        *syncapi.Client
	NewBinding BindingFactory
	Store      identity.Store
	Clock      clockwork.Clock

	Queue   queue.Config
	Backoff backoff.Config
	Health  health.Config

	// ConnectTimeout bounds each reconnect attempt.
	ConnectTimeout time.Duration

	// Notify receives engine notifications. Called synchronously from
	// engine goroutines; handlers must not block.
	Notify func(Notification)
}

// Engine is the multi-device session synchronization core.
type Engine struct {
	api        *syncapi.Client
	newBinding BindingFactory
	store      identity.Store
	clock      clockwork.Clock

	queue   *queue.Queue
	monitor *health.Monitor
	policy  *backoff.Policy
	notify  func(Notification)

	connectTimeout time.Duration

	mu             sync.Mutex
	binding        transport.Binding
	ident          identity.Identity
	haveIdent      bool
	left           bool // explicit disconnect: suppress reconnection
	reconnectTimer clockwork.Timer
	restore        *restoreFlight
}

type restoreFlight struct {
	done chan struct{}
	ok   bool
	err  error
}

// New constructs an Engine. Call Start to begin health monitoring.
func New(cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}

	e := &Engine{
		api:            cfg.API,
		newBinding:     cfg.NewBinding,
		store:          cfg.Store,
		clock:          cfg.Clock,
		queue:          queue.New(cfg.Clock, cfg.Queue),
		policy:         backoff.New(cfg.Backoff),
		notify:         cfg.Notify,
		connectTimeout: cfg.ConnectTimeout,
	}

	e.queue.OnDrop(func(drop *syncerr.QueueExhaustionError) {
		e.emit(Notification{Kind: NoteQueueItemDropped, Payload: drop})
	})

	e.monitor = health.NewMonitor(cfg.Health, cfg.Clock, func(ctx context.Context) error {
		return cfg.API.Health(ctx)
	})
	e.monitor.OnChange(func(prev, cur health.Status) {
		e.emit(Notification{Kind: NoteHealthChanged, Payload: HealthChange{Previous: prev, Current: cur}})
		e.emit(Notification{Kind: NoteStatusChanged, Payload: e.Status()})
	})

	return e
}

// Start begins the health monitor loop.
func (e *Engine) Start() {
	e.monitor.Start()
}

// Close tears down timers and the transport without clearing the identity
// triple, so the session can be restored on the next start. This is
// process shutdown, not the user leaving the session; see Disconnect.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.reconnectTimer != nil {
		e.reconnectTimer.Stop()
		e.reconnectTimer = nil
	}
	e.left = true
	binding := e.binding
	e.binding = nil
	e.mu.Unlock()

	if binding != nil {
		binding.Close()
	}
	e.monitor.Stop()
}

// Status returns one of offline, idle, viewer, operator.
func (e *Engine) Status() Status {
	e.mu.Lock()
	haveIdent := e.haveIdent
	role := e.ident.Role
	e.mu.Unlock()

	if haveIdent {
		if role == identity.RoleOperator {
			return StatusOperator
		}
		return StatusViewer
	}
	if e.monitor.Status() == health.StatusOnline {
		return StatusIdle
	}
	return StatusOffline
}

// Identity is the authoritative accessor for the current triple. ok is
// false when no session is active.
func (e *Engine) Identity() (identity.Identity, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ident, e.haveIdent
}

// QueueSize returns the number of pending offline updates.
func (e *Engine) QueueSize() int {
	return e.queue.Size()
}

// Health returns the monitor for callers that render liveness indicators.
func (e *Engine) Health() *health.Monitor {
	return e.monitor
}

// SyncState broadcasts a state update to the session. Non-operator roles
// are refused locally before any queue or network interaction; the refusal
// is a warning-level condition, not a fault. While the transport is down
// the update is absorbed by the reconciliation queue.
func (e *Engine) SyncState(ctx context.Context, update events.StateUpdate) error {
	e.mu.Lock()
	role := identity.RoleLocal
	if e.haveIdent {
		role = e.ident.Role
	}
	binding := e.binding
	e.mu.Unlock()

	if !role.CanBroadcast() {
		log.Warn().
			Str("role", string(role)).
			Str("type", string(update.Type)).
			Msg("broadcast refused for non-operator role")
		perm := &syncerr.PermissionError{Role: string(role), Action: "broadcast state"}
		e.emit(Notification{Kind: NotePermissionDenied, Payload: perm})
		return perm
	}

	if update.Timestamp == 0 {
		update.Timestamp = e.clock.Now().UnixMilli()
	}

	if binding == nil || !binding.Connected() {
		e.queue.Enqueue(update)
		return nil
	}

	env, err := events.NewEnvelope(events.KindUpdateState, update)
	if err != nil {
		return err
	}
	if err := binding.Send(env); err != nil {
		log.Warn().Err(err).Str("type", string(update.Type)).Msg("send failed, queueing update")
		e.queue.Enqueue(update)
		return nil
	}

	// A successful send is also the moment to drain anything that piled
	// up earlier.
	go e.flushQueue(context.Background())
	return nil
}

// flushQueue drains the reconciliation queue. Runs only while the
// transport is connected and the local role is operator; the queue itself
// guarantees a single flush at a time.
func (e *Engine) flushQueue(ctx context.Context) {
	e.mu.Lock()
	binding := e.binding
	operator := e.haveIdent && e.ident.Role.CanBroadcast()
	e.mu.Unlock()

	if binding == nil || !binding.Connected() || !operator {
		return
	}

	err := e.queue.Flush(ctx, func(u events.StateUpdate) error {
		env, err := events.NewEnvelope(events.KindUpdateState, u)
		if err != nil {
			return err
		}
		return binding.Send(env)
	})
	if err != nil {
		log.Warn().Err(err).Msg("queue flush interrupted")
	}
}

// handleDisconnect reacts to involuntary transport loss: the triple is
// kept, the health monitor flips, and the backoff-driven reconnect loop
// starts.
func (e *Engine) handleDisconnect(cause error) {
	e.mu.Lock()
	if e.left {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	log.Warn().Err(cause).Msg("transport lost involuntarily")
	e.monitor.ObserveTransport(false)
	e.emit(Notification{Kind: NoteStatusChanged, Payload: e.Status()})
	e.scheduleReconnect()
}

// handleSessionInvalid reacts to a definitive session-not-found: local
// cleanup, distinct notification, and no reconnect.
func (e *Engine) handleSessionInvalid(se *syncerr.SessionInvalidError) {
	e.mu.Lock()
	if e.reconnectTimer != nil {
		e.reconnectTimer.Stop()
		e.reconnectTimer = nil
	}
	e.ident = identity.Identity{}
	e.haveIdent = false
	e.binding = nil
	e.mu.Unlock()

	if err := e.store.Clear(); err != nil {
		log.Error().Err(err).Msg("failed to clear identity triple")
	}
	e.monitor.SetTransportObserved(false)

	log.Warn().Str("session_id", se.SessionID).Msg("session invalidated, cleared identity")
	e.emit(Notification{Kind: NoteSessionInvalid, Payload: se})
	e.emit(Notification{Kind: NoteStatusChanged, Payload: e.Status()})
}

// scheduleReconnect arms a one-shot timer per the backoff policy. The loop
// never gives up; only Disconnect or session invalidation stops it.
func (e *Engine) scheduleReconnect() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.left || !e.haveIdent || e.reconnectTimer != nil {
		return
	}

	delay := e.policy.Next()
	attempt := e.policy.Attempts()
	log.Info().
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("scheduling reconnect")

	e.reconnectTimer = e.clock.AfterFunc(delay, e.attemptReconnect)
}

func (e *Engine) attemptReconnect() {
	e.mu.Lock()
	e.reconnectTimer = nil
	if e.left || !e.haveIdent {
		e.mu.Unlock()
		return
	}
	binding := e.binding
	ident := e.ident
	e.mu.Unlock()

	if binding == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.connectTimeout)
	err := binding.Connect(ctx, ident)
	cancel()

	switch {
	case err == nil:
		e.handleConnected()
	case err == transport.ErrConnectInFlight:
		// Another path is already connecting; its outcome applies.
	case syncerr.IsSessionInvalid(err):
		// The binding's callback already performed cleanup.
	default:
		log.Warn().Err(err).Msg("reconnect attempt failed")
		e.scheduleReconnect()
	}
}

// handleConnected runs after any successful (re)connection: the attempt
// counter resets and the queue reconciles.
func (e *Engine) handleConnected() {
	e.policy.Reset()
	e.monitor.SetTransportObserved(true)
	e.monitor.ObserveTransport(true)
	e.emit(Notification{Kind: NoteStatusChanged, Payload: e.Status()})
	go e.flushQueue(context.Background())
}

func (e *Engine) emit(n Notification) {
	if e.notify != nil {
		e.notify(n)
	}
}
