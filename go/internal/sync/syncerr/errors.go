// Package syncerr defines the error taxonomy of the synchronization engine.
// Transport faults recover automatically, auth faults surface to the caller,
// session invalidation is terminal for the current identity, and permission
// refusals stay local and warning-level.
package syncerr

import (
	"errors"
	"fmt"
)

// AuthReason classifies why a creation or share code was refused.
type AuthReason string

const (
	ReasonInvalidCode AuthReason = "invalid_code"
	ReasonExpired     AuthReason = "expired"
	ReasonUsed        AuthReason = "used"
	ReasonNotFound    AuthReason = "not_found"
)

// TransportError wraps a network-level failure. It is never fatal: the
// engine queues outbound work and retries the connection instead.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport: %s failed", e.Op)
	}
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AuthError reports a rejected creation or share code. Not retried.
type AuthError struct {
	Reason  AuthReason
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("auth: %s", e.Reason)
	}
	return fmt.Sprintf("auth: %s: %s", e.Reason, e.Message)
}

// SessionInvalidError reports that the server no longer knows the session.
// Terminal for the current identity: the triple is cleared and no reconnect
// is attempted.
type SessionInvalidError struct {
	SessionID string
}

func (e *SessionInvalidError) Error() string {
	return fmt.Sprintf("session %s no longer exists", e.SessionID)
}

// PermissionError reports a broadcast attempt by a non-operator role.
// Handled locally, no network call is made.
type PermissionError struct {
	Role   string
	Action string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("role %s may not %s", e.Role, e.Action)
}

// StateError reports an operation invoked outside its legal lifecycle
// state, e.g. minting a share code before joining a session.
type StateError struct {
	Message string
}

func (e *StateError) Error() string { return e.Message }

// QueueExhaustionError reports a queued update dropped after exceeding its
// retry budget. Unrelated items are unaffected.
type QueueExhaustionError struct {
	Type     string
	DeviceID string
	Retries  int
}

func (e *QueueExhaustionError) Error() string {
	return fmt.Sprintf("update %s/%s dropped after %d retries", e.Type, e.DeviceID, e.Retries)
}

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsSessionInvalid reports whether err is (or wraps) a SessionInvalidError.
func IsSessionInvalid(err error) bool {
	var se *SessionInvalidError
	return errors.As(err, &se)
}

// AuthReasonOf extracts the classification from an AuthError, or "" when
// err is not one.
func AuthReasonOf(err error) AuthReason {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Reason
	}
	return ""
}
