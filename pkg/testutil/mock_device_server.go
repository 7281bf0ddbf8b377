// Package testutil provides testing utilities for heater integrations.
// This package contains a mock WebSocket device gateway and helpers
// for writing integration tests.
package testutil

import (
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// connWrapper wraps a WebSocket connection with its write mutex and
// the subscriptions it holds
type connWrapper struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	subsMu sync.Mutex
	subs   map[int]bool
}

func (w *connWrapper) write(msg Message) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.conn.WriteJSON(msg) //nolint:errcheck // the read loop notices dead connections
}

// MockDeviceServer simulates a heater behind a WebSocket gateway
type MockDeviceServer struct {
	server *httptest.Server
	token  string

	statusMu sync.RWMutex
	status   map[string]interface{}
	maxAge   int

	connsMu     sync.Mutex
	connections []*connWrapper

	optsMu        sync.Mutex
	fetchDelay    time.Duration
	applyControls bool
	controlsError *Error

	writesMu sync.Mutex
	writes   []ControlWrite
}

// Message represents a WebSocket message
type Message struct {
	ID           int                    `json:"id,omitempty"`
	Type         string                 `json:"type"`
	AccessToken  string                 `json:"access_token,omitempty"`
	Success      *bool                  `json:"success,omitempty"`
	Result       json.RawMessage        `json:"result,omitempty"`
	MaxAge       int                    `json:"max_age,omitempty"`
	Error        *Error                 `json:"error,omitempty"`
	Status       json.RawMessage        `json:"status,omitempty"`
	Controls     map[string]interface{} `json:"controls,omitempty"`
	Subscription int                    `json:"subscription,omitempty"`
}

// Error is a failed result payload
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewMockDeviceServer starts a gateway on a random local port
func NewMockDeviceServer(token string) *MockDeviceServer {
	s := &MockDeviceServer{
		token:         token,
		status:        make(map[string]interface{}),
		applyControls: true,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/websocket", s.handleWebSocket)
	s.server = httptest.NewServer(mux)
	return s
}

// Address returns host:port of the gateway
func (s *MockDeviceServer) Address() string {
	return strings.TrimPrefix(s.server.URL, "http://")
}

// URL returns the full WebSocket URL
func (s *MockDeviceServer) URL() string {
	return "ws://" + s.Address() + "/api/websocket"
}

// Stop closes every connection and the listener
func (s *MockDeviceServer) Stop() {
	s.DropConnections()
	s.server.Close()
}

// DropConnections closes every open connection, simulating a network drop
func (s *MockDeviceServer) DropConnections() {
	s.connsMu.Lock()
	wrappers := s.connections
	s.connections = nil
	s.connsMu.Unlock()

	for _, w := range wrappers {
		w.conn.Close()
	}
}

// Connections returns the number of open connections
func (s *MockDeviceServer) Connections() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.connections)
}

// SetFetchDelay delays get_status replies
func (s *MockDeviceServer) SetFetchDelay(d time.Duration) {
	s.optsMu.Lock()
	defer s.optsMu.Unlock()
	s.fetchDelay = d
}

// SetApplyControls controls whether set_controls updates the status
func (s *MockDeviceServer) SetApplyControls(apply bool) {
	s.optsMu.Lock()
	defer s.optsMu.Unlock()
	s.applyControls = apply
}

// FailControls makes set_controls fail with the given error; nil clears it
func (s *MockDeviceServer) FailControls(err *Error) {
	s.optsMu.Lock()
	defer s.optsMu.Unlock()
	s.controlsError = err
}

// SetMaxAge sets the freshness hint returned with get_status
func (s *MockDeviceServer) SetMaxAge(seconds int) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.maxAge = seconds
}

// SetStatus replaces the status and pushes it to every subscriber
func (s *MockDeviceServer) SetStatus(status map[string]interface{}) {
	s.statusMu.Lock()
	s.status = make(map[string]interface{}, len(status))
	for k, v := range status {
		s.status[k] = v
	}
	s.statusMu.Unlock()

	s.broadcastStatus()
}

// Status returns a copy of the current status
func (s *MockDeviceServer) Status() map[string]interface{} {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	out := make(map[string]interface{}, len(s.status))
	for k, v := range s.status {
		out[k] = v
	}
	return out
}

// Subscribers returns the number of live status subscriptions
func (s *MockDeviceServer) Subscribers() int {
	s.connsMu.Lock()
	wrappers := make([]*connWrapper, len(s.connections))
	copy(wrappers, s.connections)
	s.connsMu.Unlock()

	n := 0
	for _, w := range wrappers {
		w.subsMu.Lock()
		n += len(w.subs)
		w.subsMu.Unlock()
	}
	return n
}

// handleWebSocket handles WebSocket connections
func (s *MockDeviceServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}

	wrapper := &connWrapper{conn: conn, subs: make(map[int]bool)}
	defer func() {
		s.connsMu.Lock()
		for i, c := range s.connections {
			if c == wrapper {
				s.connections = append(s.connections[:i], s.connections[i+1:]...)
				break
			}
		}
		s.connsMu.Unlock()
		conn.Close()
	}()

	wrapper.write(Message{Type: "auth_required"})

	var authMsg Message
	if err := conn.ReadJSON(&authMsg); err != nil {
		return
	}
	if authMsg.AccessToken != s.token {
		wrapper.write(Message{Type: "auth_invalid"})
		return
	}
	wrapper.write(Message{Type: "auth_ok"})

	// Register only after auth so broadcasts never reach half-open connections.
	s.connsMu.Lock()
	s.connections = append(s.connections, wrapper)
	s.connsMu.Unlock()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "get_status":
			go s.handleGetStatus(wrapper, msg)
		case "subscribe_status":
			wrapper.subsMu.Lock()
			wrapper.subs[msg.ID] = true
			wrapper.subsMu.Unlock()
			wrapper.write(successResult(msg.ID, nil))
		case "unsubscribe_status":
			wrapper.subsMu.Lock()
			delete(wrapper.subs, msg.Subscription)
			wrapper.subsMu.Unlock()
		case "set_controls":
			s.handleSetControls(wrapper, msg)
		}
	}
}

func (s *MockDeviceServer) handleGetStatus(wrapper *connWrapper, msg Message) {
	s.optsMu.Lock()
	delay := s.fetchDelay
	s.optsMu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	s.statusMu.RLock()
	statusJSON, _ := json.Marshal(s.status)
	maxAge := s.maxAge
	s.statusMu.RUnlock()

	resp := successResult(msg.ID, statusJSON)
	resp.MaxAge = maxAge
	wrapper.write(resp)
}

func (s *MockDeviceServer) handleSetControls(wrapper *connWrapper, msg Message) {
	s.writesMu.Lock()
	s.writes = append(s.writes, ControlWrite{Timestamp: time.Now(), Controls: msg.Controls})
	s.writesMu.Unlock()

	s.optsMu.Lock()
	apply, failure := s.applyControls, s.controlsError
	s.optsMu.Unlock()

	if failure != nil {
		success := false
		wrapper.write(Message{ID: msg.ID, Type: "result", Success: &success, Error: failure})
		return
	}

	wrapper.write(successResult(msg.ID, nil))

	if apply {
		s.statusMu.Lock()
		for k, v := range msg.Controls {
			s.status[k] = v
		}
		s.statusMu.Unlock()
		s.broadcastStatus()
	}
}

// broadcastStatus pushes the current status to every subscription
func (s *MockDeviceServer) broadcastStatus() {
	s.statusMu.RLock()
	statusJSON, _ := json.Marshal(s.status)
	s.statusMu.RUnlock()

	s.connsMu.Lock()
	wrappers := make([]*connWrapper, len(s.connections))
	copy(wrappers, s.connections)
	s.connsMu.Unlock()

	for _, w := range wrappers {
		w.subsMu.Lock()
		ids := make([]int, 0, len(w.subs))
		for id := range w.subs {
			ids = append(ids, id)
		}
		w.subsMu.Unlock()

		for _, id := range ids {
			w.write(Message{Type: "status", Subscription: id, Status: statusJSON})
		}
	}
}

// ControlWrites returns every set_controls request received
func (s *MockDeviceServer) ControlWrites() []ControlWrite {
	s.writesMu.Lock()
	defer s.writesMu.Unlock()
	writes := make([]ControlWrite, len(s.writes))
	copy(writes, s.writes)
	return writes
}

// ClearControlWrites resets the write log
func (s *MockDeviceServer) ClearControlWrites() {
	s.writesMu.Lock()
	defer s.writesMu.Unlock()
	s.writes = nil
}

func successResult(id int, result json.RawMessage) Message {
	success := true
	return Message{ID: id, Type: "result", Success: &success, Result: result}
}
