package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/labkiosk/pairsync/go/clients/syncapi"
	"github.com/labkiosk/pairsync/go/internal/sync/events"
	"github.com/labkiosk/pairsync/go/internal/sync/identity"
	"github.com/labkiosk/pairsync/go/internal/sync/syncerr"
)

// PollingConfig holds configuration for the legacy REST polling binding.
type PollingConfig struct {
	// Interval is the state poll cadence.
	Interval time.Duration
	// FailureBudget is the number of consecutive poll failures tolerated
	// before the binding reports an involuntary disconnect.
	FailureBudget int

	OnDisconnect     func(error)
	OnSessionInvalid func(*syncerr.SessionInvalidError)
}

// DefaultPollingConfig returns default polling configuration.
func DefaultPollingConfig() PollingConfig {
	return PollingConfig{
		Interval:      2 * time.Second,
		FailureBudget: 3,
	}
}

// Polling is the degraded fallback binding for environments that cannot
// hold a persistent channel. State changes are observed by polling the
// membership endpoint; outbound updates go over the legacy REST path.
// Membership join/leave events are not delivered on this binding.
type Polling struct {
	cfg   PollingConfig
	api   *syncapi.Client
	clock clockwork.Clock

	connecting sync.Mutex

	mu        sync.Mutex
	state     State
	ident     identity.Identity
	cancel    context.CancelFunc
	lastState []byte

	hmu      sync.RWMutex
	handlers map[events.Kind][]Handler
}

// NewPolling creates a polling binding over the given REST client.
func NewPolling(cfg PollingConfig, api *syncapi.Client, clock clockwork.Clock) *Polling {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollingConfig().Interval
	}
	if cfg.FailureBudget <= 0 {
		cfg.FailureBudget = DefaultPollingConfig().FailureBudget
	}
	return &Polling{
		cfg:      cfg,
		api:      api,
		clock:    clock,
		state:    StateIdle,
		handlers: make(map[events.Kind][]Handler),
	}
}

func (p *Polling) Handle(kind events.Kind, h Handler) {
	p.hmu.Lock()
	defer p.hmu.Unlock()
	p.handlers[kind] = append(p.handlers[kind], h)
}

func (p *Polling) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Polling) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == StateConnected || p.state == StateAuthenticated
}

// Connect validates the identity against the server and starts the poll
// loop. There is no channel to authenticate, so validation stands in for
// the authenticate/authenticated exchange.
func (p *Polling) Connect(ctx context.Context, id identity.Identity) error {
	if !p.connecting.TryLock() {
		return ErrConnectInFlight
	}
	defer p.connecting.Unlock()

	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return &syncerr.StateError{Message: "transport is closed"}
	}
	if p.state == StateConnected {
		p.mu.Unlock()
		return nil
	}
	p.state = StateConnecting
	p.ident = id
	p.mu.Unlock()

	valid, err := p.api.ValidateSession(ctx, id.SessionID, id.ClientID)
	if err != nil {
		if se, ok := err.(*syncerr.SessionInvalidError); ok {
			p.setState(StateClosed)
			if p.cfg.OnSessionInvalid != nil {
				p.cfg.OnSessionInvalid(se)
			}
			return se
		}
		p.setState(StateDisconnected)
		return err
	}
	if !valid {
		se := &syncerr.SessionInvalidError{SessionID: id.SessionID}
		p.setState(StateClosed)
		if p.cfg.OnSessionInvalid != nil {
			p.cfg.OnSessionInvalid(se)
		}
		return se
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	p.mu.Lock()
	p.state = StateConnected
	p.cancel = cancel
	p.mu.Unlock()

	go p.pollLoop(loopCtx)

	log.Info().
		Str("session_id", id.SessionID).
		Str("client_id", id.ClientID).
		Msg("polling transport connected")

	return nil
}

// Send publishes an update_state envelope over the legacy REST path. Other
// kinds have no REST equivalent and are dropped with a warning.
func (p *Polling) Send(env events.Envelope) error {
	p.mu.Lock()
	connected := p.state == StateConnected
	ident := p.ident
	p.mu.Unlock()

	if !connected {
		return &syncerr.TransportError{Op: "send", Err: ErrNotConnected}
	}
	if env.Type != events.KindUpdateState {
		log.Warn().Str("type", string(env.Type)).Msg("polling transport cannot send this kind")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Interval)
	defer cancel()
	return p.api.UpdateState(ctx, ident.SessionID, ident.ClientID, env.Payload)
}

func (p *Polling) Close() error {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return nil
	}
	p.state = StateClosed
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	log.Info().Msg("polling transport closed")
	return nil
}

func (p *Polling) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Polling) pollLoop(ctx context.Context) {
	ticker := p.clock.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}

		p.mu.Lock()
		ident := p.ident
		p.mu.Unlock()

		pollCtx, cancel := context.WithTimeout(ctx, p.cfg.Interval)
		resp, err := p.api.SessionClients(pollCtx, ident.SessionID)
		cancel()

		if err != nil {
			if se, ok := err.(*syncerr.SessionInvalidError); ok {
				p.setState(StateClosed)
				if p.cfg.OnSessionInvalid != nil {
					p.cfg.OnSessionInvalid(se)
				}
				return
			}

			failures++
			log.Warn().Err(err).Int("consecutive_failures", failures).Msg("state poll failed")
			if failures >= p.cfg.FailureBudget {
				p.setState(StateDisconnected)
				if p.cfg.OnDisconnect != nil {
					p.cfg.OnDisconnect(err)
				}
				return
			}
			continue
		}
		failures = 0

		p.mu.Lock()
		changed := len(resp.State) > 0 && !bytes.Equal(resp.State, p.lastState)
		if changed {
			p.lastState = append([]byte(nil), resp.State...)
		}
		p.mu.Unlock()

		if changed {
			p.dispatchState(resp.State)
		}
	}
}

func (p *Polling) dispatchState(state json.RawMessage) {
	env, err := events.NewEnvelope(events.KindStateUpdate, events.StateUpdatePayload{State: state})
	if err != nil {
		log.Error().Err(err).Msg("failed to build state_update envelope")
		return
	}

	p.hmu.RLock()
	handlers := p.handlers[events.KindStateUpdate]
	p.hmu.RUnlock()
	for _, h := range handlers {
		h(env)
	}
}
