package wishsync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
)

func testConnectionSettings() *ConnectionSettings {
	return &ConnectionSettings{
		WsHandshakeTimeout:   time.Second,
		WriteTimeout:         time.Second,
		ReconnectTimeout:     50 * time.Millisecond,
		MaxReconnectAttempts: 3,
	}
}

// a minimal duplex endpoint that checks the handshake credentials and echoes
// text messages back
func echoServer(t *testing.T, token string) *httptest.Server {
	upgrader := websocket.Upgrader{
		Subprotocols: []string{"authorization"},
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/"+token+"/") {
			http.Error(w, "bad path credential", http.StatusUnauthorized)
			return
		}
		protocols := websocket.Subprotocols(r)
		if len(protocols) != 2 || protocols[0] != "authorization" || protocols[1] != token {
			http.Error(w, "bad subprotocol credential", http.StatusUnauthorized)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			messageType, message, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(messageType, message); err != nil {
				return
			}
		}
	}))
}

func wsUrl(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func waitForState(t *testing.T, states chan ConnectionState, want ConnectionState) {
	deadline := time.After(5 * time.Second)
	for {
		select {
		case state := <-states:
			if state == want {
				return
			}
		case <-deadline:
			t.Fatalf("timeout waiting for state %s", want)
		}
	}
}

func TestConnectionSendReceive(t *testing.T) {
	server := echoServer(t, "token-1")
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connection := NewConnection(ctx, wsUrl(server), "token-1", testConnectionSettings())
	defer connection.Close()

	states := make(chan ConnectionState, 16)
	connection.AddStateCallback(func(state ConnectionState) {
		states <- state
	})
	messages := make(chan []byte, 16)
	connection.AddMessageCallback(func(message []byte) {
		messages <- message
	})
	connection.Start()

	waitForState(t, states, ConnectionStateOpen)

	err := connection.Send([]byte(`{"hello":"world"}`))
	assert.Equal(t, nil, err)

	select {
	case message := <-messages:
		assert.Equal(t, `{"hello":"world"}`, string(message))
	case <-time.After(5 * time.Second):
		t.Fatal("no echo received")
	}
}

func TestConnectionRejectedWithWrongToken(t *testing.T) {
	server := echoServer(t, "token-1")
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connection := NewConnection(ctx, wsUrl(server), "other-token", testConnectionSettings())
	defer connection.Close()

	states := make(chan ConnectionState, 16)
	connection.AddStateCallback(func(state ConnectionState) {
		states <- state
	})
	connection.Start()

	waitForState(t, states, ConnectionStateUnreachable)
}

func TestConnectionUnreachableAfterAttemptBudget(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// nothing listens here
	connection := NewConnection(ctx, "ws://127.0.0.1:1", "token-1", testConnectionSettings())
	defer connection.Close()

	states := make(chan ConnectionState, 16)
	connection.AddStateCallback(func(state ConnectionState) {
		states <- state
	})
	connection.Start()

	waitForState(t, states, ConnectionStateUnreachable)
	assert.Equal(t, ConnectionStateUnreachable, connection.State())

	// send must fail cleanly in the terminal state
	err := connection.Send([]byte("x"))
	assert.NotEqual(t, nil, err)
}

func TestConnectionReconnectsAfterDrop(t *testing.T) {
	token := "token-1"
	upgrader := websocket.Upgrader{
		Subprotocols: []string{"authorization"},
	}
	// drop the first connection immediately, keep the second
	connectCount := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connectCount += 1
		if connectCount == 1 {
			ws.Close()
			return
		}
		defer ws.Close()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connection := NewConnection(ctx, wsUrl(server), token, testConnectionSettings())
	defer connection.Close()

	states := make(chan ConnectionState, 16)
	connection.AddStateCallback(func(state ConnectionState) {
		states <- state
	})
	connection.Start()

	waitForState(t, states, ConnectionStateOpen)
	waitForState(t, states, ConnectionStateReconnecting)
	waitForState(t, states, ConnectionStateOpen)
}

func TestCallbackListAddRemove(t *testing.T) {
	callbacks := NewCallbackList[func()]()
	assert.Equal(t, 0, len(callbacks.Get()))

	unsubA := callbacks.Add(func() {})
	unsubB := callbacks.Add(func() {})
	assert.Equal(t, 2, len(callbacks.Get()))

	unsubA()
	assert.Equal(t, 1, len(callbacks.Get()))
	// removing twice is safe
	unsubA()
	assert.Equal(t, 1, len(callbacks.Get()))

	unsubB()
	assert.Equal(t, 0, len(callbacks.Get()))
}
