package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labkiosk/pairsync/go/internal/sync/events"
	"github.com/labkiosk/pairsync/go/internal/sync/identity"
	"github.com/labkiosk/pairsync/go/internal/sync/syncerr"
)

var testIdentity = identity.Identity{
	SessionID: "sess-1",
	ClientID:  "client-1",
	Role:      identity.RoleOperator,
}

// wsHandler is the per-connection server script used by a test.
type wsHandler func(conn *websocket.Conn, auth events.AuthenticatePayload)

// startChannelServer runs an httptest server that performs the authenticate
// handshake and then hands the connection to script.
func startChannelServer(t *testing.T, authCount *atomic.Int64, script wsHandler) string {
	t.Helper()
	upgrader := websocket.Upgrader{}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var env events.Envelope
		if err := conn.ReadJSON(&env); err != nil || env.Type != events.KindAuthenticate {
			return
		}
		var auth events.AuthenticatePayload
		if err := json.Unmarshal(env.Payload, &auth); err != nil {
			return
		}
		if authCount != nil {
			authCount.Add(1)
		}
		script(conn, auth)
	}))
	t.Cleanup(ts.Close)

	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func writeEnvelope(conn *websocket.Conn, kind events.Kind, payload interface{}) {
	env, err := events.NewEnvelope(kind, payload)
	if err != nil {
		return
	}
	conn.WriteJSON(env)
}

func ackAuthenticated(conn *websocket.Conn, auth events.AuthenticatePayload) {
	writeEnvelope(conn, events.KindAuthenticated, events.AuthenticatedPayload{
		SessionID: auth.SessionID,
		ClientID:  auth.ClientID,
		Role:      auth.Role,
	})
}

// readUntilClose keeps the server side of the connection open so the client
// pumps stay alive for the duration of the test.
func readUntilClose(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestConnectAndDispatch(t *testing.T) {
	url := startChannelServer(t, nil, func(conn *websocket.Conn, auth events.AuthenticatePayload) {
		ackAuthenticated(conn, auth)
		writeEnvelope(conn, events.KindStateUpdate, events.StateUpdatePayload{
			State: json.RawMessage(`{"run":7}`),
		})
		readUntilClose(conn)
	})

	w := NewWS(DefaultWSConfig(url))
	received := make(chan events.Envelope, 1)
	w.Handle(events.KindStateUpdate, func(env events.Envelope) {
		received <- env
	})

	require.NoError(t, w.Connect(context.Background(), testIdentity))
	assert.True(t, w.Connected())
	defer w.Close()

	select {
	case env := <-received:
		var p events.StateUpdatePayload
		require.NoError(t, json.Unmarshal(env.Payload, &p))
		assert.JSONEq(t, `{"run":7}`, string(p.State))
	case <-time.After(2 * time.Second):
		t.Fatal("state_update never dispatched")
	}
}

func TestConnectSessionNotFound(t *testing.T) {
	url := startChannelServer(t, nil, func(conn *websocket.Conn, auth events.AuthenticatePayload) {
		writeEnvelope(conn, events.KindServerError, events.ServerErrorPayload{
			Message: "session not found",
		})
	})

	cfg := DefaultWSConfig(url)
	var invalid atomic.Pointer[syncerr.SessionInvalidError]
	cfg.OnSessionInvalid = func(se *syncerr.SessionInvalidError) {
		invalid.Store(se)
	}
	var disconnects atomic.Int64
	cfg.OnDisconnect = func(error) { disconnects.Add(1) }

	w := NewWS(cfg)
	err := w.Connect(context.Background(), testIdentity)
	require.Error(t, err)
	assert.True(t, syncerr.IsSessionInvalid(err))
	assert.Equal(t, StateClosed, w.State())

	require.NotNil(t, invalid.Load())
	assert.Equal(t, testIdentity.SessionID, invalid.Load().SessionID)
	assert.Equal(t, int64(0), disconnects.Load(), "terminal errors are not reported as loss")
}

func TestSessionNotFoundMidStream(t *testing.T) {
	url := startChannelServer(t, nil, func(conn *websocket.Conn, auth events.AuthenticatePayload) {
		ackAuthenticated(conn, auth)
		writeEnvelope(conn, events.KindServerError, events.ServerErrorPayload{
			Message: "session not found",
		})
		readUntilClose(conn)
	})

	cfg := DefaultWSConfig(url)
	invalid := make(chan *syncerr.SessionInvalidError, 1)
	cfg.OnSessionInvalid = func(se *syncerr.SessionInvalidError) {
		invalid <- se
	}
	var disconnects atomic.Int64
	cfg.OnDisconnect = func(error) { disconnects.Add(1) }

	w := NewWS(cfg)
	require.NoError(t, w.Connect(context.Background(), testIdentity))

	select {
	case se := <-invalid:
		assert.Equal(t, testIdentity.SessionID, se.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("session invalidation never surfaced")
	}

	assert.Eventually(t, func() bool {
		return w.State() == StateClosed
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(0), disconnects.Load(), "invalidation must not trigger the reconnect path")
}

func TestInvoluntaryLossAndReconnect(t *testing.T) {
	url := startChannelServer(t, nil, func(conn *websocket.Conn, auth events.AuthenticatePayload) {
		ackAuthenticated(conn, auth)
		// Drop the connection without a close handshake.
		conn.Close()
	})

	cfg := DefaultWSConfig(url)
	lost := make(chan error, 1)
	cfg.OnDisconnect = func(err error) { lost <- err }

	w := NewWS(cfg)
	require.NoError(t, w.Connect(context.Background(), testIdentity))

	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("loss never reported")
	}
	assert.Equal(t, StateDisconnected, w.State())

	// The same binding reconnects for the same identity.
	require.NoError(t, w.Connect(context.Background(), testIdentity))
	defer w.Close()

	// Second loss is reported too: the once-per-connection guard resets.
	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("second loss never reported")
	}
}

func TestConnectMutualExclusion(t *testing.T) {
	var authCount atomic.Int64
	url := startChannelServer(t, &authCount, func(conn *websocket.Conn, auth events.AuthenticatePayload) {
		// Hold the handshake open so the second Connect overlaps.
		time.Sleep(300 * time.Millisecond)
		ackAuthenticated(conn, auth)
		readUntilClose(conn)
	})

	w := NewWS(DefaultWSConfig(url))
	defer w.Close()

	start := make(chan struct{})
	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			errs <- w.Connect(context.Background(), testIdentity)
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	var nils, inFlight int
	for err := range errs {
		switch err {
		case nil:
			nils++
		case ErrConnectInFlight:
			inFlight++
		default:
			t.Fatalf("unexpected connect error: %v", err)
		}
	}
	assert.GreaterOrEqual(t, nils, 1, "one caller must win")
	assert.Equal(t, int64(1), authCount.Load(), "only one channel may open")
}

func TestConnectWhileConnectedIsNoOp(t *testing.T) {
	var authCount atomic.Int64
	url := startChannelServer(t, &authCount, func(conn *websocket.Conn, auth events.AuthenticatePayload) {
		ackAuthenticated(conn, auth)
		readUntilClose(conn)
	})

	w := NewWS(DefaultWSConfig(url))
	defer w.Close()

	require.NoError(t, w.Connect(context.Background(), testIdentity))
	require.NoError(t, w.Connect(context.Background(), testIdentity))
	assert.Equal(t, int64(1), authCount.Load())
}

func TestSendRequiresConnection(t *testing.T) {
	w := NewWS(DefaultWSConfig("ws://127.0.0.1:0/sync/ws"))

	env, err := events.NewEnvelope(events.KindUpdateState, events.StateUpdate{Type: events.KindIDUpdate})
	require.NoError(t, err)

	err = w.Send(env)
	require.Error(t, err)
	assert.True(t, syncerr.IsTransport(err))
}

func TestCloseIsTerminal(t *testing.T) {
	url := startChannelServer(t, nil, func(conn *websocket.Conn, auth events.AuthenticatePayload) {
		ackAuthenticated(conn, auth)
		readUntilClose(conn)
	})

	w := NewWS(DefaultWSConfig(url))
	require.NoError(t, w.Connect(context.Background(), testIdentity))
	require.NoError(t, w.Close())
	require.NoError(t, w.Close(), "close is idempotent")

	err := w.Connect(context.Background(), testIdentity)
	require.Error(t, err)
	var stateErr *syncerr.StateError
	assert.ErrorAs(t, err, &stateErr)
}
