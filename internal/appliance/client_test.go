package appliance

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// mockCloudServer creates a mock appliance cloud WebSocket server
func mockCloudServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Fatalf("Failed to upgrade connection: %v", err)
		}
		defer conn.Close()

		handler(conn)
	}))
}

// standardAuthFlow handles the standard authentication flow
func standardAuthFlow(t *testing.T, conn *websocket.Conn, token string) {
	err := conn.WriteJSON(Message{Type: "auth_required"})
	require.NoError(t, err)

	var authMsg AuthMessage
	err = conn.ReadJSON(&authMsg)
	require.NoError(t, err)
	assert.Equal(t, "auth", authMsg.Type)
	assert.Equal(t, token, authMsg.AccessToken)

	err = conn.WriteJSON(Message{Type: "auth_ok"})
	require.NoError(t, err)
}

// answerSubscribe replies to one subscribe_appliance request with the given
// initial snapshot.
func answerSubscribe(t *testing.T, conn *websocket.Conn, snapshot AttributesResult) {
	var subMsg SubscribeRequest
	err := conn.ReadJSON(&subMsg)
	require.NoError(t, err)
	assert.Equal(t, "subscribe_appliance", subMsg.Type)

	success := true
	result, _ := json.Marshal(snapshot)
	err = conn.WriteJSON(Message{
		ID:      subMsg.ID,
		Type:    "result",
		Success: &success,
		Result:  result,
	})
	require.NoError(t, err)
}

func TestClient_Connect(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"

	t.Run("successful connection installs snapshot", func(t *testing.T) {
		server := mockCloudServer(t, func(conn *websocket.Conn) {
			standardAuthFlow(t, conn, token)
			answerSubscribe(t, conn, AttributesResult{
				SAID:   "WPR1SAID01",
				Online: true,
				Attributes: map[string]string{
					AttrMachineState: "7",
					AttrDoorOpen:     "0",
				},
			})

			time.Sleep(100 * time.Millisecond)
		})
		defer server.Close()

		url := "ws" + strings.TrimPrefix(server.URL, "http")
		client := NewClient(url, token, logger)
		washer := client.Register("WPR1SAID01", "washer")

		err := client.Connect()
		assert.NoError(t, err)
		assert.True(t, client.IsConnected())

		assert.True(t, washer.Online())
		assert.Equal(t, MachineStateRunningMainCycle, washer.MachineState())
		door, ok := washer.GetAttribute(AttrDoorOpen)
		assert.True(t, ok)
		assert.Equal(t, "0", door)

		client.Disconnect()
		assert.False(t, washer.Online())
	})

	t.Run("invalid token", func(t *testing.T) {
		server := mockCloudServer(t, func(conn *websocket.Conn) {
			conn.WriteJSON(Message{Type: "auth_required"})

			var authMsg AuthMessage
			conn.ReadJSON(&authMsg)

			conn.WriteJSON(Message{Type: "auth_invalid"})
		})
		defer server.Close()

		url := "ws" + strings.TrimPrefix(server.URL, "http")
		client := NewClient(url, "wrong_token", logger)

		err := client.Connect()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "authentication failed")
		assert.False(t, client.IsConnected())
	})

	t.Run("already connected", func(t *testing.T) {
		server := mockCloudServer(t, func(conn *websocket.Conn) {
			standardAuthFlow(t, conn, token)
			time.Sleep(100 * time.Millisecond)
		})
		defer server.Close()

		url := "ws" + strings.TrimPrefix(server.URL, "http")
		client := NewClient(url, token, logger)

		err := client.Connect()
		require.NoError(t, err)

		err = client.Connect()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "already connected")

		client.Disconnect()
	})
}

func TestClient_Events(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"

	server := mockCloudServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, token)
		answerSubscribe(t, conn, AttributesResult{
			SAID:       "WPR1SAID01",
			Online:     true,
			Attributes: map[string]string{AttrMachineState: "0"},
		})

		// Push an attribute update followed by an offline transition.
		update, _ := json.Marshal(AttributeUpdateEvent{
			SAID: "WPR1SAID01",
			Attributes: map[string]string{
				AttrMachineState:  "7",
				AttrTimeRemaining: "1800",
			},
		})
		conn.WriteJSON(Message{
			Type:  "event",
			Event: &Event{EventType: "attribute_update", Data: update},
		})

		offline, _ := json.Marshal(ConnectionStateEvent{SAID: "WPR1SAID01", Online: false})
		conn.WriteJSON(Message{
			Type:  "event",
			Event: &Event{EventType: "connection_state", Data: offline},
		})

		time.Sleep(200 * time.Millisecond)
	})
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	client := NewClient(url, token, logger)
	washer := client.Register("WPR1SAID01", "washer")

	notified := make(chan struct{}, 8)
	sub := washer.Subscribe(func() { notified <- struct{}{} })
	defer sub.Unsubscribe()

	err := client.Connect()
	require.NoError(t, err)
	defer client.Disconnect()

	// Snapshot install + attribute update + offline each notify once.
	for i := 0; i < 3; i++ {
		select {
		case <-notified:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for notification %d", i+1)
		}
	}

	assert.Equal(t, MachineStateRunningMainCycle, washer.MachineState())
	remaining, ok := washer.GetAttribute(AttrTimeRemaining)
	assert.True(t, ok)
	assert.Equal(t, "1800", remaining)

	// Offline flips availability but preserves last-known attributes.
	assert.False(t, washer.Online())
	_, ok = washer.GetAttribute(AttrTimeRemaining)
	assert.True(t, ok)
}

func TestClient_FetchData(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"

	server := mockCloudServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, token)
		answerSubscribe(t, conn, AttributesResult{
			SAID:       "WPR1SAID01",
			Online:     true,
			Attributes: map[string]string{AttrMachineState: "7"},
		})

		// Handle get_attributes request
		var fetchReq GetAttributesRequest
		err := conn.ReadJSON(&fetchReq)
		require.NoError(t, err)
		assert.Equal(t, "get_attributes", fetchReq.Type)
		assert.Equal(t, "WPR1SAID01", fetchReq.SAID)

		success := true
		result, _ := json.Marshal(AttributesResult{
			SAID:   "WPR1SAID01",
			Online: true,
			Attributes: map[string]string{
				AttrMachineState:  "7",
				AttrTimeRemaining: "900",
			},
		})
		conn.WriteJSON(Message{
			ID:      fetchReq.ID,
			Type:    "result",
			Success: &success,
			Result:  result,
		})

		time.Sleep(100 * time.Millisecond)
	})
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	client := NewClient(url, token, logger)
	washer := client.Register("WPR1SAID01", "washer")

	err := client.Connect()
	require.NoError(t, err)
	defer client.Disconnect()

	err = washer.FetchData(context.Background())
	assert.NoError(t, err)

	remaining, ok := washer.GetAttribute(AttrTimeRemaining)
	assert.True(t, ok)
	assert.Equal(t, "900", remaining)
}

func TestClient_RefreshDoesNotOverwriteNewerEvents(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"

	server := mockCloudServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, token)
		answerSubscribe(t, conn, AttributesResult{
			SAID:   "WPR1SAID01",
			Online: true,
			Attributes: map[string]string{
				AttrMachineState:  "7",
				AttrTimeRemaining: "3600",
			},
		})

		// Answer the refresh and immediately push fresher telemetry behind
		// it on the same stream. Frame order decides who wins.
		var fetchReq GetAttributesRequest
		err := conn.ReadJSON(&fetchReq)
		require.NoError(t, err)

		success := true
		result, _ := json.Marshal(AttributesResult{
			SAID:   "WPR1SAID01",
			Online: true,
			Attributes: map[string]string{
				AttrMachineState:  "7",
				AttrTimeRemaining: "900",
			},
		})
		conn.WriteJSON(Message{
			ID:      fetchReq.ID,
			Type:    "result",
			Success: &success,
			Result:  result,
		})

		update, _ := json.Marshal(AttributeUpdateEvent{
			SAID:       "WPR1SAID01",
			Attributes: map[string]string{AttrTimeRemaining: "780"},
		})
		conn.WriteJSON(Message{
			Type:  "event",
			Event: &Event{EventType: "attribute_update", Data: update},
		})

		offline, _ := json.Marshal(ConnectionStateEvent{SAID: "WPR1SAID01", Online: false})
		conn.WriteJSON(Message{
			Type:  "event",
			Event: &Event{EventType: "connection_state", Data: offline},
		})

		time.Sleep(200 * time.Millisecond)
	})
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	client := NewClient(url, token, logger)
	washer := client.Register("WPR1SAID01", "washer")

	notified := make(chan struct{}, 8)
	sub := washer.Subscribe(func() { notified <- struct{}{} })
	defer sub.Unsubscribe()

	err := client.Connect()
	require.NoError(t, err)
	defer client.Disconnect()

	err = washer.FetchData(context.Background())
	require.NoError(t, err)

	// Subscribe snapshot, refresh snapshot, attribute update, offline.
	for i := 0; i < 4; i++ {
		select {
		case <-notified:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for notification %d", i+1)
		}
	}

	// The pushed update and offline transition arrived after the refresh
	// response and must survive it.
	remaining, ok := washer.GetAttribute(AttrTimeRemaining)
	assert.True(t, ok)
	assert.Equal(t, "780", remaining)
	assert.False(t, washer.Online())
}

func TestClient_DisconnectDuringEventStream(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"

	streaming := make(chan struct{})
	server := mockCloudServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, token)
		answerSubscribe(t, conn, AttributesResult{
			SAID:       "WPR1SAID01",
			Online:     true,
			Attributes: map[string]string{AttrMachineState: "7"},
		})

		// Keep pushing events while the client tears down.
		close(streaming)
		for i := 0; i < 100; i++ {
			update, _ := json.Marshal(AttributeUpdateEvent{
				SAID:       "WPR1SAID01",
				Attributes: map[string]string{AttrTimeRemaining: "60"},
			})
			if err := conn.WriteJSON(Message{
				Type:  "event",
				Event: &Event{EventType: "attribute_update", Data: update},
			}); err != nil {
				return
			}
			time.Sleep(time.Millisecond)
		}
	})
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	client := NewClient(url, token, logger)
	washer := client.Register("WPR1SAID01", "washer")

	err := client.Connect()
	require.NoError(t, err)

	<-streaming
	err = client.Disconnect()
	assert.NoError(t, err)
	assert.False(t, client.IsConnected())
	assert.False(t, washer.Online())

	// Give the receive loop time to observe the teardown.
	time.Sleep(100 * time.Millisecond)
}

func TestAppliance_UnsubscribeIsIdempotent(t *testing.T) {
	a := newAppliance("WPR1SAID01", "washer", nil)

	calls := 0
	sub := a.Subscribe(func() { calls++ })
	a.notify()
	assert.Equal(t, 1, calls)

	sub.Unsubscribe()
	sub.Unsubscribe() // second call is a no-op

	a.notify()
	assert.Equal(t, 1, calls)
}

func TestParseMachineState(t *testing.T) {
	tests := []struct {
		raw  string
		want MachineState
	}{
		{"0", MachineStateStandby},
		{"7", MachineStateRunningMainCycle},
		{"10", MachineStateComplete},
		{"18", MachineStateSystemInit},
		{"19", MachineStateUnknown},
		{"-3", MachineStateUnknown},
		{"junk", MachineStateUnknown},
		{"", MachineStateUnknown},
	}

	for _, tt := range tests {
		if got := ParseMachineState(tt.raw); got != tt.want {
			t.Errorf("ParseMachineState(%q) = %d, want %d", tt.raw, got, tt.want)
		}
	}
}
