// Package transport owns the authenticated channel between a device and the
// session server. The primary binding speaks WebSocket; a legacy REST
// polling binding exists as a degraded fallback for environments that
// cannot hold a persistent connection.
package transport

import (
	"context"
	"errors"

	"github.com/labkiosk/pairsync/go/internal/sync/events"
	"github.com/labkiosk/pairsync/go/internal/sync/identity"
)

// State is the transport lifecycle state. Exactly one state is active at a
// time; the boolean-flag combinations of the legacy clients cannot occur.
type State int

const (
	// StateIdle means no channel exists (pure local mode).
	StateIdle State = iota
	// StateConnecting means a connect attempt is in flight.
	StateConnecting
	// StateAuthenticated means the server accepted our identity.
	StateAuthenticated
	// StateConnected means the channel is live and dispatching messages.
	StateConnected
	// StateDisconnected means the channel was lost involuntarily.
	StateDisconnected
	// StateClosed is terminal, reached only via explicit disconnect or a
	// definitive session-not-found error.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrConnectInFlight is returned when Connect is called while another
// connect attempt is already running. Callers treat it as benign: the
// in-flight attempt's outcome applies to them too.
var ErrConnectInFlight = errors.New("connect already in flight")

// ErrNotConnected is returned by Send when the channel is not live.
var ErrNotConnected = errors.New("transport not connected")

// Handler receives one inbound protocol message.
type Handler func(events.Envelope)

// Binding is the channel abstraction the engine drives. A binding is bound
// to one session identity per Connect and may be reconnected after an
// involuntary loss, but never after Close.
type Binding interface {
	// Connect dials, authenticates the identity, and starts dispatch.
	Connect(ctx context.Context, id identity.Identity) error
	// Send transmits one envelope. Fails fast when not connected.
	Send(env events.Envelope) error
	// Handle registers a handler for a message kind. Registration is not
	// safe concurrently with dispatch; wire handlers before Connect.
	Handle(kind events.Kind, h Handler)
	// State returns the current lifecycle state.
	State() State
	// Connected reports whether Send will be accepted.
	Connected() bool
	// Close tears the channel down voluntarily. Terminal.
	Close() error
}
