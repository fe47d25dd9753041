package syncerr

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransportErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := &TransportError{Op: "dial", Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.True(t, IsTransport(err))
	assert.True(t, IsTransport(fmt.Errorf("wrapped: %w", err)))
	assert.False(t, IsTransport(cause))
}

func TestIsSessionInvalid(t *testing.T) {
	err := &SessionInvalidError{SessionID: "sess-1"}

	assert.True(t, IsSessionInvalid(err))
	assert.True(t, IsSessionInvalid(fmt.Errorf("restore: %w", err)))
	assert.False(t, IsSessionInvalid(&TransportError{Op: "dial"}))
	assert.False(t, IsSessionInvalid(nil))
}

func TestAuthReasonOf(t *testing.T) {
	assert.Equal(t, ReasonExpired, AuthReasonOf(&AuthError{Reason: ReasonExpired}))
	assert.Equal(t, ReasonUsed, AuthReasonOf(fmt.Errorf("join: %w", &AuthError{Reason: ReasonUsed})))
	assert.Equal(t, AuthReason(""), AuthReasonOf(fmt.Errorf("plain")))
	assert.Equal(t, AuthReason(""), AuthReasonOf(nil))
}

func TestErrorStrings(t *testing.T) {
	assert.Contains(t, (&AuthError{Reason: ReasonInvalidCode, Message: "bad code"}).Error(), "invalid_code")
	assert.Contains(t, (&SessionInvalidError{SessionID: "s-1"}).Error(), "s-1")
	assert.Contains(t, (&PermissionError{Role: "viewer", Action: "broadcast state"}).Error(), "viewer")
	assert.Contains(t, (&QueueExhaustionError{Type: "experiment_started", DeviceID: "k-1", Retries: 3}).Error(), "3 retries")
}
