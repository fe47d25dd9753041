package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/labkiosk/pairsync/go/internal/sync/events"
	"github.com/labkiosk/pairsync/go/internal/sync/identity"
	"github.com/labkiosk/pairsync/go/internal/sync/syncerr"
	"github.com/labkiosk/pairsync/go/internal/sync/transport"
)

// CreateSession exchanges a creation code for a new session. The caller
// becomes the session's operator and the transport authenticates
// immediately.
func (e *Engine) CreateSession(ctx context.Context, createCode string) (string, error) {
	e.mu.Lock()
	if e.haveIdent {
		e.mu.Unlock()
		return "", &syncerr.StateError{Message: "already paired to a session"}
	}
	e.mu.Unlock()

	resp, err := e.api.CreateSession(ctx, createCode)
	if err != nil {
		return "", err
	}

	id := identity.Identity{
		SessionID: resp.SessionID,
		ClientID:  resp.ClientID,
		Role:      identity.Role(resp.Role),
	}
	if err := e.adoptIdentity(id); err != nil {
		return "", err
	}

	log.Info().
		Str("session_id", id.SessionID).
		Str("client_id", id.ClientID).
		Msg("session created")

	e.connectCurrent(ctx)
	e.emit(Notification{Kind: NoteStatusChanged, Payload: e.Status()})
	return resp.SessionID, nil
}

// GenerateShareCode mints a one-time code other devices can redeem. Fails
// with StateError when no session is active yet.
func (e *Engine) GenerateShareCode(ctx context.Context) (ShareCodeIssue, error) {
	e.mu.Lock()
	ident := e.ident
	have := e.haveIdent
	e.mu.Unlock()

	if !have {
		return ShareCodeIssue{}, &syncerr.StateError{Message: "no active session to share"}
	}

	resp, err := e.api.GenerateShareCode(ctx, ident.SessionID, ident.ClientID)
	if err != nil {
		return ShareCodeIssue{}, err
	}

	issue := ShareCodeIssue{
		Code:      resp.ShareCode,
		ExpiresAt: time.UnixMilli(resp.ExpiresAt),
	}
	log.Info().
		Str("session_id", ident.SessionID).
		Time("expires_at", issue.ExpiresAt).
		Msg("share code issued")

	e.emit(Notification{Kind: NoteShareCodeIssued, Payload: issue})
	return issue, nil
}

// JoinSessionByShareCode redeems a share code with the requested role. A
// device that already holds an active session id refuses locally before
// contacting the server, which also prevents a device from redeeming a
// code it minted itself.
func (e *Engine) JoinSessionByShareCode(ctx context.Context, code string, role identity.Role) (bool, error) {
	e.mu.Lock()
	if e.haveIdent {
		sessionID := e.ident.SessionID
		e.mu.Unlock()
		log.Warn().
			Str("session_id", sessionID).
			Msg("refusing share code redemption while already paired")
		return false, &syncerr.StateError{Message: "already paired to a session"}
	}
	e.mu.Unlock()

	deviceID, err := e.store.DeviceID()
	if err != nil {
		return false, err
	}

	resp, err := e.api.Join(ctx, code, string(role), deviceID)
	if err != nil {
		return false, err
	}

	id := identity.Identity{
		SessionID: resp.SessionID,
		ClientID:  resp.ClientID,
		Role:      identity.Role(resp.Role),
	}
	if err := e.adoptIdentity(id); err != nil {
		return false, err
	}

	log.Info().
		Str("session_id", id.SessionID).
		Str("client_id", id.ClientID).
		Str("role", string(id.Role)).
		Msg("joined session")

	e.connectCurrent(ctx)

	// Catch the new joiner up on state the session accumulated before it
	// arrived.
	if len(resp.State) > 0 {
		e.emit(Notification{Kind: NoteStateReceived, Payload: StateBlob{State: resp.State}})
	}
	e.emit(Notification{Kind: NoteStatusChanged, Payload: e.Status()})
	return true, nil
}

// RestoreSession resumes the persisted identity triple, if any. Without a
// triple it returns false without contacting the server and the device
// proceeds in local mode. Concurrent callers share a single in-flight
// attempt: the second caller observes the first's result instead of
// starting a duplicate validation.
func (e *Engine) RestoreSession(ctx context.Context) (bool, error) {
	e.mu.Lock()
	if f := e.restore; f != nil {
		e.mu.Unlock()
		<-f.done
		return f.ok, f.err
	}
	f := &restoreFlight{done: make(chan struct{})}
	e.restore = f
	e.mu.Unlock()

	f.ok, f.err = e.restoreOnce(ctx)

	e.mu.Lock()
	e.restore = nil
	e.mu.Unlock()
	close(f.done)

	return f.ok, f.err
}

func (e *Engine) restoreOnce(ctx context.Context) (bool, error) {
	id, ok, err := e.store.Load()
	if err != nil {
		return false, err
	}
	if !ok {
		log.Debug().Msg("no persisted identity, staying in local mode")
		return false, nil
	}

	valid, err := e.api.ValidateSession(ctx, id.SessionID, id.ClientID)
	if err != nil {
		if syncerr.IsSessionInvalid(err) {
			e.clearPersisted(id.SessionID)
			return false, nil
		}
		// Backend unreachable: keep the triple for a later attempt.
		return false, err
	}
	if !valid {
		e.clearPersisted(id.SessionID)
		return false, nil
	}

	if err := e.adoptIdentity(id); err != nil {
		return false, err
	}

	log.Info().
		Str("session_id", id.SessionID).
		Str("client_id", id.ClientID).
		Str("role", string(id.Role)).
		Msg("session restored")

	e.connectCurrent(ctx)
	e.emit(Notification{Kind: NoteStatusChanged, Payload: e.Status()})
	return true, nil
}

// Disconnect is the explicit, user-initiated leave: the identity triple is
// destroyed, the transport closes, and all timers stop as a set. Network
// loss never comes through here; involuntary disconnects keep the triple
// so the session can restore automatically.
func (e *Engine) Disconnect() {
	e.mu.Lock()
	e.left = true
	if e.reconnectTimer != nil {
		e.reconnectTimer.Stop()
		e.reconnectTimer = nil
	}
	binding := e.binding
	e.binding = nil
	sessionID := e.ident.SessionID
	e.ident = identity.Identity{}
	e.haveIdent = false
	e.mu.Unlock()

	if binding != nil {
		binding.Close()
	}
	if err := e.store.Clear(); err != nil {
		log.Error().Err(err).Msg("failed to clear identity triple")
	}
	e.monitor.SetTransportObserved(false)
	e.policy.Reset()

	log.Info().Str("session_id", sessionID).Msg("left session")
	e.emit(Notification{Kind: NoteStatusChanged, Payload: e.Status()})
}

// adoptIdentity persists and installs a fresh triple and builds the
// session's transport binding.
func (e *Engine) adoptIdentity(id identity.Identity) error {
	if !id.Complete() {
		return &syncerr.StateError{Message: "server returned an incomplete identity"}
	}
	if err := e.store.Save(id); err != nil {
		return err
	}

	binding := e.newBinding(e.handleDisconnect, e.handleSessionInvalid)
	e.wireHandlers(binding)

	e.mu.Lock()
	e.ident = id
	e.haveIdent = true
	e.left = false
	e.binding = binding
	e.mu.Unlock()

	e.policy.Reset()
	return nil
}

// connectCurrent authenticates the transport for the installed identity.
// A transport-level failure here is not fatal: the identity is kept, the
// queue absorbs updates, and the reconnect loop takes over.
func (e *Engine) connectCurrent(ctx context.Context) {
	e.mu.Lock()
	binding := e.binding
	ident := e.ident
	e.mu.Unlock()

	if binding == nil {
		return
	}

	if err := binding.Connect(ctx, ident); err != nil {
		if syncerr.IsSessionInvalid(err) {
			return
		}
		log.Warn().Err(err).Msg("initial transport connect failed, will retry")
		e.scheduleReconnect()
		return
	}
	e.handleConnected()
}

// wireHandlers subscribes the engine to every inbound message kind it
// re-emits to the host.
func (e *Engine) wireHandlers(b transport.Binding) {
	b.Handle(events.KindStateUpdate, func(env events.Envelope) {
		var p events.StateUpdatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			log.Error().Err(err).Msg("malformed state_update payload")
			return
		}
		e.emit(Notification{Kind: NoteStateReceived, Payload: StateBlob{State: p.State}})
	})

	b.Handle(events.KindClientJoined, func(env events.Envelope) {
		var p events.ClientJoinedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		e.emit(Notification{Kind: NoteClientJoined, Payload: p})
	})

	b.Handle(events.KindClientLeft, func(env events.Envelope) {
		var p events.ClientLeftPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		e.emit(Notification{Kind: NoteClientLeft, Payload: p})
	})

	b.Handle(events.KindClientReconnected, func(env events.Envelope) {
		var p events.ClientReconnectedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		e.emit(Notification{Kind: NoteClientReconnected, Payload: p})
	})

	b.Handle(events.KindServerError, func(env events.Envelope) {
		// Terminal session errors are intercepted by the binding; what
		// reaches here is informational.
		log.Warn().RawJSON("payload", env.Payload).Msg("server error")
	})

	for _, kind := range []events.Kind{
		events.KindExperimentStarted,
		events.KindExperimentPaused,
		events.KindExperimentResumed,
		events.KindExperimentStopped,
		events.KindIDUpdate,
	} {
		b.Handle(kind, func(env events.Envelope) {
			e.emit(Notification{Kind: NoteDomainEvent, Payload: env})
		})
	}
}

// clearPersisted drops a triple that failed restoration validation.
func (e *Engine) clearPersisted(sessionID string) {
	if err := e.store.Clear(); err != nil {
		log.Error().Err(err).Msg("failed to clear identity triple")
		return
	}
	log.Info().Str("session_id", sessionID).Msg("stale identity cleared after failed validation")
}
