// Package hatest provides a mock Home Assistant WebSocket server for tests
// that need a real ha.Client on the other end.
package hatest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"hacoordinator/internal/ha"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Version is reported in auth_ok
const Version = "2024.6.0"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// connWrapper wraps a WebSocket connection with its write mutex
type connWrapper struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (w *connWrapper) write(msg any) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = w.conn.WriteJSON(msg)
}

// Server simulates the parts of the Home Assistant WebSocket API that
// ha.Client uses: auth, get_states and state_changed events.
type Server struct {
	http   *httptest.Server
	token  string
	logger *zap.Logger

	statesMu sync.RWMutex
	states   map[string]*ha.State

	connsMu     sync.Mutex
	connections []*connWrapper

	failMu         sync.Mutex
	failGetStates  *ha.Error
	getStatesCalls int
	authAttempts   int
}

// NewServer starts a server that accepts token. It is closed when the
// test ends. Connection handlers can outlive the test, so it does not log
// through the test.
func NewServer(t testing.TB, token string) *Server {
	t.Helper()
	s := &Server{
		token:  token,
		logger: zap.NewNop(),
		states: make(map[string]*ha.State),
	}
	s.http = httptest.NewServer(http.HandlerFunc(s.handleWebSocket))
	t.Cleanup(s.Close)
	return s
}

// URL is the WebSocket endpoint to hand to ha.NewClient
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.http.URL, "http") + "/api/websocket"
}

// Close drops every connection and stops the server
func (s *Server) Close() {
	s.DropConnections()
	s.http.Close()
}

// DropConnections closes the open client connections, as a restarting
// Home Assistant would.
func (s *Server) DropConnections() {
	s.connsMu.Lock()
	conns := s.connections
	s.connections = nil
	s.connsMu.Unlock()

	for _, w := range conns {
		w.conn.Close()
	}
}

// Connections reports the number of authenticated connections
func (s *Server) Connections() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.connections)
}

// SetToken changes the accepted token, for simulating a revoked one
func (s *Server) SetToken(token string) {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	s.token = token
}

// AuthAttempts counts the auth messages received
func (s *Server) AuthAttempts() int {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return s.authAttempts
}

// FailGetStates makes get_states answer with an error result until it is
// called again with nil.
func (s *Server) FailGetStates(err *ha.Error) {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	s.failGetStates = err
}

// GetStatesCalls counts the get_states requests received
func (s *Server) GetStatesCalls() int {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return s.getStatesCalls
}

// SetState stores a state and broadcasts a state_changed event
func (s *Server) SetState(entityID, state string, attributes map[string]any) {
	now := time.Now().UTC()

	s.statesMu.Lock()
	oldState := s.states[entityID]
	newState := &ha.State{
		EntityID:    entityID,
		State:       state,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}
	if oldState != nil && oldState.State == state {
		newState.LastChanged = oldState.LastChanged
	}
	s.states[entityID] = newState
	s.statesMu.Unlock()

	s.broadcastStateChange(entityID, oldState, newState)
}

// RemoveState deletes an entity and broadcasts a state_changed event
// without a new state.
func (s *Server) RemoveState(entityID string) {
	s.statesMu.Lock()
	oldState, ok := s.states[entityID]
	delete(s.states, entityID)
	s.statesMu.Unlock()

	if ok {
		s.broadcastStateChange(entityID, oldState, nil)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade connection", zap.Error(err))
		return
	}
	wrapper := &connWrapper{conn: conn}
	defer func() {
		s.removeConnection(wrapper)
		conn.Close()
	}()

	wrapper.write(ha.Message{Type: "auth_required", HAVersion: Version})

	var authMsg ha.AuthMessage
	if err := conn.ReadJSON(&authMsg); err != nil {
		s.logger.Debug("Failed to read auth", zap.Error(err))
		return
	}

	s.failMu.Lock()
	s.authAttempts++
	token := s.token
	s.failMu.Unlock()

	if authMsg.AccessToken != token {
		wrapper.write(ha.Message{Type: "auth_invalid", Message: "Invalid access token or password"})
		return
	}
	wrapper.write(ha.Message{Type: "auth_ok", HAVersion: Version})

	s.connsMu.Lock()
	s.connections = append(s.connections, wrapper)
	s.connsMu.Unlock()

	for {
		var raw json.RawMessage
		if err := conn.ReadJSON(&raw); err != nil {
			s.logger.Debug("Connection closed", zap.Error(err))
			return
		}

		var base struct {
			ID   int    `json:"id"`
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &base); err != nil {
			continue
		}

		switch base.Type {
		case "subscribe_events":
			wrapper.write(result(base.ID, nil))
		case "get_states":
			wrapper.write(s.answerGetStates(base.ID))
		default:
			wrapper.write(ha.Message{
				ID:      base.ID,
				Type:    "result",
				Success: boolPtr(false),
				Error:   &ha.Error{Code: "unknown_command", Message: "Unknown command."},
			})
		}
	}
}

func (s *Server) removeConnection(wrapper *connWrapper) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.connections = slices.DeleteFunc(s.connections, func(w *connWrapper) bool { return w == wrapper })
}

func (s *Server) answerGetStates(id int) ha.Message {
	s.failMu.Lock()
	s.getStatesCalls++
	failure := s.failGetStates
	s.failMu.Unlock()

	if failure != nil {
		return ha.Message{ID: id, Type: "result", Success: boolPtr(false), Error: failure}
	}

	s.statesMu.RLock()
	states := make([]*ha.State, 0, len(s.states))
	for _, state := range s.states {
		states = append(states, state)
	}
	s.statesMu.RUnlock()

	statesJSON, _ := json.Marshal(states)
	return result(id, statesJSON)
}

func (s *Server) broadcastStateChange(entityID string, oldState, newState *ha.State) {
	data, _ := json.Marshal(ha.StateChangedEvent{
		EntityID: entityID,
		NewState: newState,
		OldState: oldState,
	})
	msg := ha.Message{
		Type: "event",
		Event: &ha.Event{
			EventType: "state_changed",
			Data:      data,
			Origin:    "LOCAL",
			TimeFired: time.Now().UTC(),
		},
	}

	s.connsMu.Lock()
	wrappers := slices.Clone(s.connections)
	s.connsMu.Unlock()

	for _, w := range wrappers {
		w.write(msg)
	}
}

func result(id int, payload json.RawMessage) ha.Message {
	return ha.Message{ID: id, Type: "result", Success: boolPtr(true), Result: payload}
}

func boolPtr(b bool) *bool { return &b }
