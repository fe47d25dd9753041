// Package syncapi is the REST client for the session server's one-shot
// surface: session creation, share codes, validation, membership, and the
// liveness probe. The persistent channel lives in the transport package.
package syncapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/labkiosk/pairsync/go/clients"
	"github.com/labkiosk/pairsync/go/internal/sync/syncerr"
)

// Client talks to the session server's REST surface.
type Client struct {
	*clients.BaseClient
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseClient: clients.NewBaseClient(baseURL),
	}
}

// CreateSession exchanges a creation code for a new session. The caller
// becomes the session's first operator.
func (c *Client) CreateSession(ctx context.Context, createCode string) (*CreateSessionResponse, error) {
	var resp CreateSessionResponse
	if err := c.post(ctx, SessionEndpoint, CreateSessionRequest{CreateCode: createCode}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GenerateShareCode mints a one-time share code for the session.
func (c *Client) GenerateShareCode(ctx context.Context, sessionID, clientID string) (*GenerateShareCodeResponse, error) {
	var resp GenerateShareCodeResponse
	req := GenerateShareCodeRequest{SessionID: sessionID, ClientID: clientID}
	if err := c.post(ctx, GenerateCodeEndpoint, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Join redeems a share code with the requested role.
func (c *Client) Join(ctx context.Context, shareCode, role, clientID string) (*JoinResponse, error) {
	var resp JoinResponse
	req := JoinRequest{ShareCode: shareCode, Role: role, ClientID: clientID}
	if err := c.post(ctx, JoinEndpoint, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ValidateSession checks whether a persisted identity is still honored by
// the server. A missing session maps to SessionInvalidError.
func (c *Client) ValidateSession(ctx context.Context, sessionID, clientID string) (bool, error) {
	endpoint := fmt.Sprintf("%s/%s/validate?clientId=%s", SessionEndpoint, url.PathEscape(sessionID), url.QueryEscape(clientID))
	body, err := c.Get(ctx, endpoint)
	if err != nil {
		return false, c.mapError(err, sessionID)
	}

	var resp ValidateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return false, fmt.Errorf("failed to unmarshal response: %w, raw response: %s", err, string(body))
	}
	return resp.Valid, nil
}

// MintShareCode is the legacy per-session share code endpoint.
func (c *Client) MintShareCode(ctx context.Context, sessionID, clientID string) (*MintShareCodeResponse, error) {
	endpoint := fmt.Sprintf("%s/%s/share-code", SessionEndpoint, url.PathEscape(sessionID))
	var resp MintShareCodeResponse
	if err := c.post(ctx, endpoint, MintShareCodeRequest{ClientID: clientID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ShareCodeStatus inspects a share code's validity.
func (c *Client) ShareCodeStatus(ctx context.Context, code string) (*ShareCodeStatusResponse, error) {
	endpoint := fmt.Sprintf("%s/%s", ShareCodeEndpoint, url.PathEscape(code))
	body, err := c.Get(ctx, endpoint)
	if err != nil {
		return nil, c.mapError(err, "")
	}

	var resp ShareCodeStatusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w, raw response: %s", err, string(body))
	}
	return &resp, nil
}

// SessionClients lists a session's membership and its latest state blob.
func (c *Client) SessionClients(ctx context.Context, sessionID string) (*SessionClientsResponse, error) {
	endpoint := fmt.Sprintf("%s/%s/clients", SessionEndpoint, url.PathEscape(sessionID))
	body, err := c.Get(ctx, endpoint)
	if err != nil {
		return nil, c.mapError(err, sessionID)
	}

	var resp SessionClientsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w, raw response: %s", err, string(body))
	}
	return &resp, nil
}

// UpdateState publishes a state update over the legacy REST path.
func (c *Client) UpdateState(ctx context.Context, sessionID, clientID string, update json.RawMessage) error {
	endpoint := fmt.Sprintf("%s/%s/state", SessionEndpoint, url.PathEscape(sessionID))
	return c.post(ctx, endpoint, UpdateStateRequest{ClientID: clientID, Update: update}, nil)
}

// Health issues the lightweight liveness probe. The ctx deadline bounds it.
func (c *Client) Health(ctx context.Context) error {
	if _, err := c.Head(ctx, HealthEndpoint); err != nil {
		return &syncerr.TransportError{Op: "health probe", Err: err}
	}
	return nil
}

func (c *Client) post(ctx context.Context, endpoint string, req, resp interface{}) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	body, err := c.Post(ctx, endpoint, bytes.NewReader(payload))
	if err != nil {
		return c.mapError(err, "")
	}

	if resp == nil {
		return nil
	}
	if err := json.Unmarshal(body, resp); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w, raw response: %s", err, string(body))
	}
	return nil
}

// mapError converts transport faults and server 4xx replies onto the
// engine's error taxonomy.
func (c *Client) mapError(err error, sessionID string) error {
	var httpErr *clients.HTTPError
	if !errors.As(err, &httpErr) {
		// No HTTP status at all: network-level failure.
		return &syncerr.TransportError{Op: "request", Err: err}
	}

	var body ErrorResponse
	_ = json.Unmarshal(httpErr.Body, &body)

	switch httpErr.Status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusGone, http.StatusConflict:
		reason := syncerr.AuthReason(body.Reason)
		if reason == "" {
			reason = syncerr.ReasonInvalidCode
		}
		return &syncerr.AuthError{Reason: reason, Message: body.Error}
	case http.StatusNotFound:
		if body.Reason == ErrReasonNotFound && sessionID == "" {
			return &syncerr.AuthError{Reason: syncerr.ReasonNotFound, Message: body.Error}
		}
		if sessionID != "" {
			return &syncerr.SessionInvalidError{SessionID: sessionID}
		}
		return &syncerr.AuthError{Reason: syncerr.ReasonNotFound, Message: body.Error}
	default:
		return &syncerr.TransportError{Op: "request", Err: httpErr}
	}
}
