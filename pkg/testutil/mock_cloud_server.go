// Package testutil provides testing utilities for the appliance bridge.
// This package contains a mock appliance cloud WebSocket server for writing
// integration tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// connWrapper wraps a WebSocket connection with its write mutex
type connWrapper struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// ApplianceState is the cloud-side view of one appliance: its attribute map
// and whether it is currently reachable.
type ApplianceState struct {
	SAID       string
	Online     bool
	Attributes map[string]string
}

// MockCloudServer simulates the appliance cloud WebSocket endpoint
type MockCloudServer struct {
	server      *http.Server
	addr        string
	token       string
	appliances  map[string]*ApplianceState
	statesMu    sync.RWMutex
	connections []*connWrapper
	connsMu     sync.Mutex
	eventDelay  time.Duration // Simulates network latency
	fetchCounts map[string]int
	fetchMu     sync.Mutex
}

// Message represents a WebSocket message
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Event   *Event          `json:"event,omitempty"`
}

// Event represents a pushed cloud event
type Event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	TimeFired time.Time       `json:"time_fired"`
}

// AuthMessage represents authentication request
type AuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
}

type applianceRequest struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
	SAID string `json:"said"`
}

type attributesResult struct {
	SAID       string            `json:"said"`
	Online     bool              `json:"online"`
	Attributes map[string]string `json:"attributes"`
}

type attributeUpdateEvent struct {
	SAID       string            `json:"said"`
	Attributes map[string]string `json:"attributes"`
}

type connectionStateEvent struct {
	SAID   string `json:"said"`
	Online bool   `json:"online"`
}

// NewMockCloudServer creates a new mock cloud server
func NewMockCloudServer(addr, token string) *MockCloudServer {
	return &MockCloudServer{
		addr:        addr,
		token:       token,
		appliances:  make(map[string]*ApplianceState),
		connections: make([]*connWrapper, 0),
		eventDelay:  10 * time.Millisecond, // Simulate network latency
		fetchCounts: make(map[string]int),
	}
}

// SetEventDelay sets the delay for broadcasting events
func (s *MockCloudServer) SetEventDelay(delay time.Duration) {
	s.eventDelay = delay
}

// Start starts the mock server
func (s *MockCloudServer) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/appliance/websocket", s.handleWebSocket)

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: mux,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("Mock cloud server error: %v", err)
		}
	}()

	// Wait for server to start
	time.Sleep(100 * time.Millisecond)
	return nil
}

// Stop stops the mock server
func (s *MockCloudServer) Stop() error {
	s.connsMu.Lock()
	for _, wrapper := range s.connections {
		wrapper.conn.Close()
	}
	s.connections = nil
	s.connsMu.Unlock()

	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// AddAppliance registers an appliance with its initial attribute snapshot.
// Attributes are copied.
func (s *MockCloudServer) AddAppliance(said string, online bool, attributes map[string]string) {
	attrs := make(map[string]string, len(attributes))
	for k, v := range attributes {
		attrs[k] = v
	}

	s.statesMu.Lock()
	s.appliances[said] = &ApplianceState{
		SAID:       said,
		Online:     online,
		Attributes: attrs,
	}
	s.statesMu.Unlock()
}

// SetAttributes updates attributes on an appliance and broadcasts an
// attribute_update event with exactly the given entries.
func (s *MockCloudServer) SetAttributes(said string, attributes map[string]string) {
	s.statesMu.Lock()
	appl, ok := s.appliances[said]
	if !ok {
		s.statesMu.Unlock()
		return
	}
	for k, v := range attributes {
		appl.Attributes[k] = v
	}
	s.statesMu.Unlock()

	if s.eventDelay > 0 {
		time.Sleep(s.eventDelay)
	}

	data, _ := json.Marshal(attributeUpdateEvent{SAID: said, Attributes: attributes})
	s.broadcastEvent("attribute_update", data)
}

// SetOnline flips an appliance's reachability and broadcasts a
// connection_state event.
func (s *MockCloudServer) SetOnline(said string, online bool) {
	s.statesMu.Lock()
	appl, ok := s.appliances[said]
	if !ok {
		s.statesMu.Unlock()
		return
	}
	appl.Online = online
	s.statesMu.Unlock()

	if s.eventDelay > 0 {
		time.Sleep(s.eventDelay)
	}

	data, _ := json.Marshal(connectionStateEvent{SAID: said, Online: online})
	s.broadcastEvent("connection_state", data)
}

// FetchCount returns how many get_attributes requests the server has seen
// for an appliance.
func (s *MockCloudServer) FetchCount(said string) int {
	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()
	return s.fetchCounts[said]
}

func (s *MockCloudServer) broadcastEvent(eventType string, data json.RawMessage) {
	msg := Message{
		Type: "event",
		Event: &Event{
			EventType: eventType,
			Data:      data,
			TimeFired: time.Now(),
		},
	}

	s.connsMu.Lock()
	defer s.connsMu.Unlock()

	for _, wrapper := range s.connections {
		wrapper.writeMu.Lock()
		if err := wrapper.conn.WriteJSON(msg); err != nil {
			log.Printf("Failed to broadcast event: %v", err)
		}
		wrapper.writeMu.Unlock()
	}
}

// handleWebSocket handles WebSocket connections
func (s *MockCloudServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}

	wrapper := &connWrapper{conn: conn}

	s.connsMu.Lock()
	s.connections = append(s.connections, wrapper)
	s.connsMu.Unlock()

	defer func() {
		s.connsMu.Lock()
		for i, w := range s.connections {
			if w.conn == conn {
				s.connections = append(s.connections[:i], s.connections[i+1:]...)
				break
			}
		}
		s.connsMu.Unlock()
		conn.Close()
	}()

	// Send auth_required
	wrapper.writeMu.Lock()
	conn.WriteJSON(Message{Type: "auth_required"})
	wrapper.writeMu.Unlock()

	// Receive auth
	var authMsg AuthMessage
	if err := conn.ReadJSON(&authMsg); err != nil {
		log.Printf("Failed to read auth: %v", err)
		return
	}

	// Validate token
	if authMsg.AccessToken != s.token {
		wrapper.writeMu.Lock()
		conn.WriteJSON(Message{Type: "auth_invalid"})
		wrapper.writeMu.Unlock()
		return
	}

	// Send auth_ok
	wrapper.writeMu.Lock()
	conn.WriteJSON(Message{Type: "auth_ok"})
	wrapper.writeMu.Unlock()

	// Handle messages
	for {
		var msg json.RawMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		var req applianceRequest
		if err := json.Unmarshal(msg, &req); err != nil {
			continue
		}

		switch req.Type {
		case "subscribe_appliance":
			s.answerSnapshot(wrapper, req)
		case "get_attributes":
			s.fetchMu.Lock()
			s.fetchCounts[req.SAID]++
			s.fetchMu.Unlock()
			s.answerSnapshot(wrapper, req)
		}
	}
}

// answerSnapshot replies to a request with the appliance's full snapshot.
func (s *MockCloudServer) answerSnapshot(wrapper *connWrapper, req applianceRequest) {
	s.statesMu.RLock()
	appl, ok := s.appliances[req.SAID]
	var result attributesResult
	if ok {
		attrs := make(map[string]string, len(appl.Attributes))
		for k, v := range appl.Attributes {
			attrs[k] = v
		}
		result = attributesResult{SAID: appl.SAID, Online: appl.Online, Attributes: attrs}
	}
	s.statesMu.RUnlock()

	success := ok
	msg := Message{
		ID:      req.ID,
		Type:    "result",
		Success: &success,
	}
	if ok {
		resultJSON, _ := json.Marshal(result)
		msg.Result = resultJSON
	}

	wrapper.writeMu.Lock()
	if err := wrapper.conn.WriteJSON(msg); err != nil {
		log.Printf("Failed to answer %s for %s: %v", req.Type, req.SAID, err)
	}
	wrapper.writeMu.Unlock()
}

// WasherSAID and friends are fixture identifiers shared by integration tests.
const (
	WasherSAID = "WASHER_SAID_001"
	DryerSAID  = "DRYER_SAID_001"
	AirconSAID = "AIRCON_SAID_001"
)

// Addr formats a ws:// URL for a server address.
func Addr(addr string) string {
	return fmt.Sprintf("ws://%s/appliance/websocket", addr)
}
