package events

import (
	"encoding/json"
	"fmt"
)

// Kind identifies a protocol message flowing over the session channel.
// The set is closed: every kind the engine sends or receives is listed here
// and dispatched exhaustively at the decode point.
type Kind string

const (
	// Outbound (client -> server)
	KindAuthenticate Kind = "authenticate"
	KindUpdateState  Kind = "update_state"

	// Inbound (server -> client)
	KindAuthenticated     Kind = "authenticated"
	KindReconnected       Kind = "reconnected"
	KindDisconnected      Kind = "disconnected"
	KindStateUpdate       Kind = "state_update"
	KindClientJoined      Kind = "client_joined"
	KindClientLeft        Kind = "client_left"
	KindClientReconnected Kind = "client_reconnected"
	KindServerError       Kind = "server_error"

	// Domain pass-through kinds. The engine forwards these opaquely and
	// never interprets their payloads beyond the StateUpdate header.
	KindExperimentStarted Kind = "experiment_started"
	KindExperimentPaused  Kind = "experiment_paused"
	KindExperimentResumed Kind = "experiment_resumed"
	KindExperimentStopped Kind = "experiment_stopped"
	KindIDUpdate          Kind = "id_update"
)

// Envelope is the wire frame for every channel message.
type Envelope struct {
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AuthenticatePayload is sent by a client immediately after the channel opens.
type AuthenticatePayload struct {
	SessionID string `json:"sessionId"`
	ClientID  string `json:"clientId"`
	Role      string `json:"role"`
}

// AuthenticatedPayload acknowledges a successful authenticate.
type AuthenticatedPayload struct {
	SessionID string `json:"sessionId"`
	ClientID  string `json:"clientId"`
	Role      string `json:"role"`
}

// ReconnectedPayload acknowledges a re-authentication after a drop.
type ReconnectedPayload struct {
	Role string `json:"role"`
}

// StateUpdatePayload carries the latest shared state blob.
type StateUpdatePayload struct {
	State json.RawMessage `json:"state"`
}

// ClientJoinedPayload announces a new member of the session.
type ClientJoinedPayload struct {
	ClientID    string `json:"clientId"`
	Role        string `json:"role"`
	ClientCount int    `json:"clientCount"`
}

// ClientLeftPayload announces a departed member of the session.
type ClientLeftPayload struct {
	ClientID    string `json:"clientId"`
	ClientCount int    `json:"clientCount"`
}

// ClientReconnectedPayload announces a member that recovered its connection.
type ClientReconnectedPayload struct {
	ClientID string `json:"clientId"`
	Role     string `json:"role"`
}

// ServerErrorPayload carries a server-reported protocol error.
type ServerErrorPayload struct {
	Message string `json:"message"`
}

// StateUpdate is the unit of state synchronization produced by application
// code and delivered to session peers. Timestamp is unix milliseconds.
type StateUpdate struct {
	Type      Kind            `json:"type"`
	DeviceID  string          `json:"deviceId"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Key identifies the deduplication slot an update occupies while queued.
func (u StateUpdate) Key() string {
	return string(u.Type) + "/" + u.DeviceID
}

// StrictKind reports whether updates of this kind participate in
// queue deduplication: at most one pending update per (kind, device).
func StrictKind(k Kind) bool {
	switch k {
	case KindExperimentStarted, KindExperimentPaused, KindExperimentResumed, KindExperimentStopped:
		return true
	default:
		return false
	}
}

// NewEnvelope marshals v into an envelope of the given kind.
func NewEnvelope(kind Kind, v interface{}) (Envelope, error) {
	if v == nil {
		return Envelope{Type: kind}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Envelope{Type: kind, Payload: data}, nil
}

// DecodePayload parses an envelope's payload into the fixed struct for its
// kind. Domain pass-through kinds return the raw payload untouched.
func DecodePayload(env Envelope) (interface{}, error) {
	switch env.Type {
	case KindAuthenticate:
		var p AuthenticatePayload
		return decodeInto(env, &p)

	case KindAuthenticated:
		var p AuthenticatedPayload
		return decodeInto(env, &p)

	case KindReconnected:
		var p ReconnectedPayload
		return decodeInto(env, &p)

	case KindDisconnected:
		return nil, nil

	case KindUpdateState:
		var p StateUpdate
		return decodeInto(env, &p)

	case KindStateUpdate:
		var p StateUpdatePayload
		return decodeInto(env, &p)

	case KindClientJoined:
		var p ClientJoinedPayload
		return decodeInto(env, &p)

	case KindClientLeft:
		var p ClientLeftPayload
		return decodeInto(env, &p)

	case KindClientReconnected:
		var p ClientReconnectedPayload
		return decodeInto(env, &p)

	case KindServerError:
		var p ServerErrorPayload
		return decodeInto(env, &p)

	case KindExperimentStarted, KindExperimentPaused, KindExperimentResumed, KindExperimentStopped, KindIDUpdate:
		return env.Payload, nil

	default:
		return nil, fmt.Errorf("unknown message kind %q", env.Type)
	}
}

func decodeInto(env Envelope, dst interface{}) (interface{}, error) {
	if len(env.Payload) == 0 {
		return dst, nil
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return dst, nil
}
