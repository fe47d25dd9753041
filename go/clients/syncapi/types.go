package syncapi

import "encoding/json"

// CreateSessionRequest exchanges a human-entered creation code for a session.
type CreateSessionRequest struct {
	CreateCode string `json:"createCode"`
}

// CreateSessionResponse describes the freshly created session. The creator
// is always the first operator.
type CreateSessionResponse struct {
	SessionID string `json:"sessionId"`
	ClientID  string `json:"clientId"`
	Role      string `json:"role"`
	ShareCode string `json:"shareCode,omitempty"`
}

// GenerateShareCodeRequest mints a one-time code for an existing session.
type GenerateShareCodeRequest struct {
	SessionID string `json:"sessionId"`
	ClientID  string `json:"clientId"`
}

// GenerateShareCodeResponse carries the minted code. Field names are
// snake_case on this endpoint for compatibility with the original clients.
type GenerateShareCodeResponse struct {
	ShareCode string `json:"share_code"`
	ExpiresAt int64  `json:"expires_at"` // unix milliseconds
}

// JoinRequest redeems a share code with a requested role.
type JoinRequest struct {
	ShareCode string `json:"shareCode"`
	Role      string `json:"role"`
	ClientID  string `json:"clientId"`
}

// JoinResponse confirms session membership. State, when present, is the
// session's accumulated state so the joiner can catch up immediately.
type JoinResponse struct {
	SessionID string          `json:"sessionId"`
	ClientID  string          `json:"clientId"`
	Role      string          `json:"role"`
	State     json.RawMessage `json:"state,omitempty"`
}

// ValidateResponse reports whether a persisted identity is still honored.
type ValidateResponse struct {
	Valid bool `json:"valid"`
}

// MintShareCodeRequest is the legacy per-session mint endpoint's body.
type MintShareCodeRequest struct {
	ClientID string `json:"clientId"`
}

// MintShareCodeResponse is the legacy per-session mint endpoint's reply.
type MintShareCodeResponse struct {
	ShareCode string `json:"shareCode"`
	SessionID string `json:"sessionId"`
}

// ShareCodeStatusResponse describes a share code's remaining validity.
type ShareCodeStatusResponse struct {
	Expired       bool  `json:"expired"`
	Used          bool  `json:"used"`
	RemainingTime int64 `json:"remainingTime"` // milliseconds, 0 when inert
}

// SessionClient is one connected device as reported by the server.
type SessionClient struct {
	ClientID     string `json:"clientId"`
	Role         string `json:"role"`
	JoinedAt     int64  `json:"joinedAt"`
	LastActivity int64  `json:"lastActivity"`
}

// SessionClientsResponse lists a session's membership and latest state.
type SessionClientsResponse struct {
	Clients     []SessionClient `json:"clients"`
	ClientCount int             `json:"clientCount"`
	State       json.RawMessage `json:"state,omitempty"`
}

// UpdateStateRequest is the legacy REST path for publishing a state update
// when no persistent channel is available.
type UpdateStateRequest struct {
	ClientID string          `json:"clientId"`
	Update   json.RawMessage `json:"update"`
}

// ErrorResponse is the body the server attaches to 4xx replies.
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}
