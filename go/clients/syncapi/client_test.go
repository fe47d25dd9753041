package syncapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labkiosk/pairsync/go/internal/sync/syncerr"
)

func stubServer(t *testing.T, status int, body interface{}) *Client {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if body != nil {
			json.NewEncoder(w).Encode(body)
		}
	}))
	t.Cleanup(ts.Close)
	return NewClient(ts.URL)
}

func TestCreateSessionSuccess(t *testing.T) {
	c := stubServer(t, http.StatusOK, CreateSessionResponse{
		SessionID: "sess-1",
		ClientID:  "client-1",
		Role:      "operator",
		ShareCode: "ABCD2345",
	})

	resp, err := c.CreateSession(context.Background(), "123456789")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", resp.SessionID)
	assert.Equal(t, "operator", resp.Role)
	assert.Equal(t, "ABCD2345", resp.ShareCode)
}

func TestCreateSessionInvalidCode(t *testing.T) {
	c := stubServer(t, http.StatusUnauthorized, ErrorResponse{
		Error:  "invalid creation code",
		Reason: ErrReasonInvalidCode,
	})

	_, err := c.CreateSession(context.Background(), "wrong")
	require.Error(t, err)
	assert.Equal(t, syncerr.ReasonInvalidCode, syncerr.AuthReasonOf(err))
}

func TestGenerateShareCodeParsesSnakeCase(t *testing.T) {
	// This endpoint keeps the original wire format.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"share_code":"WXYZ5678","expires_at":1700000300000}`))
	}))
	t.Cleanup(ts.Close)

	c := NewClient(ts.URL)
	resp, err := c.GenerateShareCode(context.Background(), "sess-1", "client-1")
	require.NoError(t, err)
	assert.Equal(t, "WXYZ5678", resp.ShareCode)
	assert.Equal(t, int64(1700000300000), resp.ExpiresAt)
}

func TestJoinErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   ErrorResponse
		want   syncerr.AuthReason
	}{
		{"expired code", http.StatusGone, ErrorResponse{Error: "share code expired", Reason: ErrReasonExpired}, syncerr.ReasonExpired},
		{"used code", http.StatusConflict, ErrorResponse{Error: "share code already used", Reason: ErrReasonUsed}, syncerr.ReasonUsed},
		{"unknown code", http.StatusNotFound, ErrorResponse{Error: "share code not found", Reason: ErrReasonNotFound}, syncerr.ReasonNotFound},
		{"reason missing", http.StatusUnauthorized, ErrorResponse{Error: "refused"}, syncerr.ReasonInvalidCode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := stubServer(t, tt.status, tt.body)
			_, err := c.Join(context.Background(), "CODE1234", "viewer", "device-1")
			require.Error(t, err)
			assert.Equal(t, tt.want, syncerr.AuthReasonOf(err))
		})
	}
}

func TestValidateSessionNotFound(t *testing.T) {
	c := stubServer(t, http.StatusNotFound, ErrorResponse{Error: "session not found", Reason: ErrReasonNotFound})

	_, err := c.ValidateSession(context.Background(), "sess-gone", "client-1")
	require.Error(t, err)
	assert.True(t, syncerr.IsSessionInvalid(err), "a missing session maps to SessionInvalidError, not AuthError")
}

func TestValidateSessionResult(t *testing.T) {
	c := stubServer(t, http.StatusOK, ValidateResponse{Valid: true})
	valid, err := c.ValidateSession(context.Background(), "sess-1", "client-1")
	require.NoError(t, err)
	assert.True(t, valid)

	c = stubServer(t, http.StatusOK, ValidateResponse{Valid: false})
	valid, err = c.ValidateSession(context.Background(), "sess-1", "client-stale")
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestNetworkFailureIsTransport(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	ts.Close() // refuse all connections

	c := NewClient(ts.URL)
	_, err := c.CreateSession(context.Background(), "123456789")
	require.Error(t, err)
	assert.True(t, syncerr.IsTransport(err))
	assert.Equal(t, syncerr.AuthReason(""), syncerr.AuthReasonOf(err))
}

func TestServerFaultIsTransport(t *testing.T) {
	c := stubServer(t, http.StatusInternalServerError, nil)

	_, err := c.SessionClients(context.Background(), "sess-1")
	require.Error(t, err)
	assert.True(t, syncerr.IsTransport(err), "5xx is a transient fault, not an auth refusal")
}

func TestHealth(t *testing.T) {
	c := stubServer(t, http.StatusOK, nil)
	require.NoError(t, c.Health(context.Background()))

	c = stubServer(t, http.StatusServiceUnavailable, nil)
	err := c.Health(context.Background())
	require.Error(t, err)
	assert.True(t, syncerr.IsTransport(err))
}

func TestShareCodeStatus(t *testing.T) {
	c := stubServer(t, http.StatusOK, ShareCodeStatusResponse{
		Expired:       false,
		Used:          true,
		RemainingTime: 0,
	})

	resp, err := c.ShareCodeStatus(context.Background(), "ABCD2345")
	require.NoError(t, err)
	assert.True(t, resp.Used)
	assert.False(t, resp.Expired)
}
