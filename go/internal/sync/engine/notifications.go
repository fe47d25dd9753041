package engine

import (
	"encoding/json"
	"time"

	"github.com/labkiosk/pairsync/go/internal/sync/health"
)

// NotificationKind enumerates everything the engine reports to its host.
// Transport and health concerns never surface as errors, only as these
// notifications; per-call failures are returned from the operation instead.
type NotificationKind string

const (
	// NoteStatusChanged carries the new Status.
	NoteStatusChanged NotificationKind = "status_changed"
	// NoteHealthChanged carries a HealthChange.
	NoteHealthChanged NotificationKind = "health_changed"
	// NoteStateReceived carries the raw state blob from a peer broadcast.
	NoteStateReceived NotificationKind = "state_received"
	// NoteClientJoined carries events.ClientJoinedPayload.
	NoteClientJoined NotificationKind = "client_joined"
	// NoteClientLeft carries events.ClientLeftPayload.
	NoteClientLeft NotificationKind = "client_left"
	// NoteClientReconnected carries events.ClientReconnectedPayload.
	NoteClientReconnected NotificationKind = "client_reconnected"
	// NoteSessionInvalid carries *syncerr.SessionInvalidError. The UI
	// should prompt re-pairing; the engine will not reconnect.
	NoteSessionInvalid NotificationKind = "session_invalid"
	// NotePermissionDenied carries *syncerr.PermissionError.
	NotePermissionDenied NotificationKind = "permission_denied"
	// NoteQueueItemDropped carries *syncerr.QueueExhaustionError.
	NoteQueueItemDropped NotificationKind = "queue_item_dropped"
	// NoteShareCodeIssued carries ShareCodeIssue.
	NoteShareCodeIssued NotificationKind = "share_code_issued"
	// NoteDomainEvent carries an events.Envelope forwarded opaquely
	// (experiment lifecycle, id updates).
	NoteDomainEvent NotificationKind = "domain_event"
)

// Notification is one engine-to-host message.
type Notification struct {
	Kind    NotificationKind
	Payload interface{}
}

// HealthChange is a liveness edge with both sides of the transition.
type HealthChange struct {
	Previous health.Status
	Current  health.Status
}

// ShareCodeIssue describes a freshly minted share code.
type ShareCodeIssue struct {
	Code      string
	ExpiresAt time.Time
}

// StateBlob is the payload of NoteStateReceived.
type StateBlob struct {
	State json.RawMessage
}
