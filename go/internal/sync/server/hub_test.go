package server

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labkiosk/pairsync/go/internal/sync/events"
)

// dialChannel opens a raw channel connection and runs the authenticate
// handshake, returning the connection and the server's acknowledgement.
func dialChannel(t *testing.T, baseURL, sessionID, clientID, role string) (*websocket.Conn, events.Envelope) {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/sync/ws"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	env, err := events.NewEnvelope(events.KindAuthenticate, events.AuthenticatePayload{
		SessionID: sessionID,
		ClientID:  clientID,
		Role:      role,
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(env))

	var ack events.Envelope
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&ack))
	return conn, ack
}

// awaitKind reads frames until one of the wanted kind arrives.
func awaitKind(t *testing.T, conn *websocket.Conn, kind events.Kind) events.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		conn.SetReadDeadline(deadline)
		var env events.Envelope
		require.NoError(t, conn.ReadJSON(&env), "waiting for %s", kind)
		if env.Type == kind {
			return env
		}
	}
}

func TestChannelRejectsUnknownSession(t *testing.T) {
	_, _, baseURL := startServer(t, clockwork.NewRealClock())

	_, ack := dialChannel(t, baseURL, "no-such-session", "client-1", "operator")
	require.Equal(t, events.KindServerError, ack.Type)

	var p events.ServerErrorPayload
	require.NoError(t, json.Unmarshal(ack.Payload, &p))
	assert.Equal(t, "session not found", p.Message)
}

func TestChannelRejectsUnknownClient(t *testing.T) {
	_, api, baseURL := startServer(t, clockwork.NewRealClock())

	created, err := api.CreateSession(context.Background(), testCreateCode)
	require.NoError(t, err)

	_, ack := dialChannel(t, baseURL, created.SessionID, "stranger", "viewer")
	require.Equal(t, events.KindServerError, ack.Type)
}

func TestChannelStateFanOut(t *testing.T) {
	_, api, baseURL := startServer(t, clockwork.NewRealClock())
	ctx := context.Background()

	created, err := api.CreateSession(ctx, testCreateCode)
	require.NoError(t, err)
	code, err := api.GenerateShareCode(ctx, created.SessionID, created.ClientID)
	require.NoError(t, err)
	joined, err := api.Join(ctx, code.ShareCode, "viewer", "device-a")
	require.NoError(t, err)

	opConn, opAck := dialChannel(t, baseURL, created.SessionID, created.ClientID, "operator")
	require.Equal(t, events.KindAuthenticated, opAck.Type)

	viewConn, viewAck := dialChannel(t, baseURL, created.SessionID, joined.ClientID, "viewer")
	require.Equal(t, events.KindAuthenticated, viewAck.Type)

	// The operator learns about the viewer's arrival.
	joinedEnv := awaitKind(t, opConn, events.KindClientJoined)
	var jp events.ClientJoinedPayload
	require.NoError(t, json.Unmarshal(joinedEnv.Payload, &jp))
	assert.Equal(t, joined.ClientID, jp.ClientID)
	assert.Equal(t, "viewer", jp.Role)

	// An operator broadcast reaches the viewer but not the sender.
	update := events.StateUpdate{
		Type:      events.KindExperimentStarted,
		DeviceID:  "kiosk-1",
		Timestamp: 1700000000000,
		Payload:   json.RawMessage(`{"experimentId":"exp-7"}`),
	}
	env, err := events.NewEnvelope(events.KindUpdateState, update)
	require.NoError(t, err)
	require.NoError(t, opConn.WriteJSON(env))

	stateEnv := awaitKind(t, viewConn, events.KindStateUpdate)
	var sp events.StateUpdatePayload
	require.NoError(t, json.Unmarshal(stateEnv.Payload, &sp))
	var echoed events.StateUpdate
	require.NoError(t, json.Unmarshal(sp.State, &echoed))
	assert.Equal(t, events.KindExperimentStarted, echoed.Type)
	assert.Equal(t, "kiosk-1", echoed.DeviceID)

	// No state_update frame comes back to the operator.
	opConn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var stray events.Envelope
	for {
		if err := opConn.ReadJSON(&stray); err != nil {
			break
		}
		assert.NotEqual(t, events.KindStateUpdate, stray.Type, "sender must not receive its own broadcast")
	}
}

func TestChannelReconnectAck(t *testing.T) {
	_, api, baseURL := startServer(t, clockwork.NewRealClock())
	ctx := context.Background()

	created, err := api.CreateSession(ctx, testCreateCode)
	require.NoError(t, err)
	code, err := api.GenerateShareCode(ctx, created.SessionID, created.ClientID)
	require.NoError(t, err)
	joined, err := api.Join(ctx, code.ShareCode, "viewer", "device-a")
	require.NoError(t, err)

	opConn, _ := dialChannel(t, baseURL, created.SessionID, created.ClientID, "operator")
	viewConn, _ := dialChannel(t, baseURL, created.SessionID, joined.ClientID, "viewer")
	awaitKind(t, opConn, events.KindClientJoined)

	// The viewer drops and comes back with the same identity.
	viewConn.Close()
	_, reAck := dialChannel(t, baseURL, created.SessionID, joined.ClientID, "viewer")
	require.Equal(t, events.KindReconnected, reAck.Type)

	var rp events.ReconnectedPayload
	require.NoError(t, json.Unmarshal(reAck.Payload, &rp))
	assert.Equal(t, "viewer", rp.Role)

	reconn := awaitKind(t, opConn, events.KindClientReconnected)
	var cp events.ClientJoinedPayload
	require.NoError(t, json.Unmarshal(reconn.Payload, &cp))
	assert.Equal(t, joined.ClientID, cp.ClientID)
}

func TestChannelDomainFrameForwarding(t *testing.T) {
	_, api, baseURL := startServer(t, clockwork.NewRealClock())
	ctx := context.Background()

	created, err := api.CreateSession(ctx, testCreateCode)
	require.NoError(t, err)
	code, err := api.GenerateShareCode(ctx, created.SessionID, created.ClientID)
	require.NoError(t, err)
	joined, err := api.Join(ctx, code.ShareCode, "viewer", "device-a")
	require.NoError(t, err)

	opConn, _ := dialChannel(t, baseURL, created.SessionID, created.ClientID, "operator")
	viewConn, _ := dialChannel(t, baseURL, created.SessionID, joined.ClientID, "viewer")
	awaitKind(t, opConn, events.KindClientJoined)

	raw := json.RawMessage(`{"experimentId":"exp-9","reason":"manual"}`)
	require.NoError(t, opConn.WriteJSON(events.Envelope{Type: events.KindExperimentStopped, Payload: raw}))

	got := awaitKind(t, viewConn, events.KindExperimentStopped)
	assert.JSONEq(t, string(raw), string(got.Payload), "domain frames pass through untouched")
}
