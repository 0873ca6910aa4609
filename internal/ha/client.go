package ha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// DefaultRequestTimeout bounds the wait for a response to one request
const DefaultRequestTimeout = 10 * time.Second

// HAClient defines the interface for Home Assistant WebSocket client
type HAClient interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
	GetAllStates(ctx context.Context) ([]*State, error)
	SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error)
}

// subscriberEntry holds a handler with its unique subscription ID
type subscriberEntry struct {
	subID   int
	handler StateChangeHandler
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithRequestTimeout sets how long a request waits for its response
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.requestTimeout = d }
}

// WithReconnectBackOff sets the delay policy between reconnect attempts
func WithReconnectBackOff(newBackOff func() backoff.BackOff) ClientOption {
	return func(c *Client) { c.newBackOff = newBackOff }
}

// WithDialer replaces the WebSocket dialer
func WithDialer(d *websocket.Dialer) ClientOption {
	return func(c *Client) { c.dialer = d }
}

// Client implements HAClient interface
type Client struct {
	url            string
	token          string
	logger         *zap.Logger
	dialer         *websocket.Dialer
	requestTimeout time.Duration
	newBackOff     func() backoff.BackOff

	connMu     sync.RWMutex
	conn       *websocket.Conn
	connected  bool
	connCtx    context.Context
	connCancel context.CancelFunc
	version    string
	reconnect  bool

	// lifetime is cancelled by Disconnect and stops reconnect attempts
	lifetime       context.Context
	lifetimeCancel context.CancelFunc

	msgID   int
	msgIDMu sync.Mutex

	pending   map[int]chan Message
	pendingMu sync.Mutex

	subscribers map[string][]subscriberEntry
	subsMu      sync.RWMutex
	nextSubID   int

	writeMu sync.Mutex // Protects websocket writes
}

var _ HAClient = (*Client)(nil)

// NewClient creates a new Home Assistant WebSocket client
func NewClient(url, token string, logger *zap.Logger, opts ...ClientOption) *Client {
	c := &Client{
		url:            url,
		token:          token,
		logger:         logger,
		dialer:         websocket.DefaultDialer,
		requestTimeout: DefaultRequestTimeout,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 30 * time.Second
			return b
		},
		pending:     make(map[int]chan Message),
		subscribers: make(map[string][]subscriberEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.lifetime, c.lifetimeCancel = context.WithCancel(context.Background())
	return c
}

// Connect establishes WebSocket connection and authenticates
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()

	if c.connected {
		c.connMu.Unlock()
		return ErrAlreadyConnected
	}
	if c.lifetime.Err() != nil {
		c.lifetime, c.lifetimeCancel = context.WithCancel(context.Background())
	}

	conn, version, err := c.handshake(ctx)
	if err != nil {
		c.connMu.Unlock()
		return err
	}

	c.conn = conn
	c.version = version
	c.connCtx, c.connCancel = context.WithCancel(c.lifetime)
	c.connected = true
	c.reconnect = true
	c.logger.Info("Connected to Home Assistant", zap.String("version", version))

	// Start background message receiver
	go c.receiveMessages(conn, c.connCtx)

	// Release lock before subscribing, the request needs the receiver
	c.connMu.Unlock()

	if err := c.subscribeToStateChanges(ctx); err != nil {
		c.logger.Warn("Failed to subscribe to state changes", zap.Error(err))
	}

	return nil
}

// handshake dials and runs the auth_required, auth, auth_ok sequence
func (c *Client) handshake(ctx context.Context) (*websocket.Conn, string, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	deadline := time.Now().Add(c.requestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)

	fail := func(err error) (*websocket.Conn, string, error) {
		conn.Close()
		return nil, "", err
	}

	var authRequired Message
	if err := conn.ReadJSON(&authRequired); err != nil {
		return fail(fmt.Errorf("failed to read auth_required: %w", err))
	}
	if authRequired.Type != "auth_required" {
		return fail(fmt.Errorf("%w: expected auth_required, got %s", ErrProtocol, authRequired.Type))
	}

	c.writeMu.Lock()
	err = conn.WriteJSON(AuthMessage{Type: "auth", AccessToken: c.token})
	c.writeMu.Unlock()
	if err != nil {
		return fail(fmt.Errorf("failed to send auth: %w", err))
	}

	var authResponse Message
	if err := conn.ReadJSON(&authResponse); err != nil {
		return fail(fmt.Errorf("failed to read auth response: %w", err))
	}

	switch authResponse.Type {
	case "auth_ok":
	case "auth_invalid":
		if authResponse.Message != "" {
			return fail(fmt.Errorf("%w: %s", ErrAuthInvalid, authResponse.Message))
		}
		return fail(ErrAuthInvalid)
	default:
		return fail(fmt.Errorf("%w: expected auth_ok, got %s", ErrProtocol, authResponse.Type))
	}

	_ = conn.SetReadDeadline(time.Time{})
	return conn, authResponse.HAVersion, nil
}

// Disconnect closes the WebSocket connection and stops reconnecting
func (c *Client) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.reconnect = false
	c.lifetimeCancel()

	if !c.connected {
		c.clearSubscribers()
		return nil
	}

	c.connected = false
	c.connCancel()

	if c.conn != nil {
		c.writeMu.Lock()
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()

		c.conn.Close()
		c.conn = nil
	}

	c.clearSubscribers()
	c.logger.Info("Disconnected from Home Assistant")
	return nil
}

// IsConnected returns true if client is connected
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// Version returns the Home Assistant version reported at authentication
func (c *Client) Version() string {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.version
}

func (c *Client) clearSubscribers() {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	c.subscribers = make(map[string][]subscriberEntry)
}

// nextMsgID returns the next message ID
func (c *Client) nextMsgID() int {
	c.msgIDMu.Lock()
	defer c.msgIDMu.Unlock()
	c.msgID++
	return c.msgID
}

// sendMessage sends a message and waits for response
func (c *Client) sendMessage(ctx context.Context, msg any) (*Message, error) {
	c.connMu.RLock()
	if !c.connected {
		c.connMu.RUnlock()
		return nil, ErrNotConnected
	}
	conn, connCtx := c.conn, c.connCtx
	c.connMu.RUnlock()

	var msgID int
	switch m := msg.(type) {
	case *GetStatesRequest:
		msgID = m.ID
	case *SubscribeEventsRequest:
		msgID = m.ID
	default:
		return nil, fmt.Errorf("unsupported message type %T", msg)
	}

	respChan := make(chan Message, 1)
	c.pendingMu.Lock()
	c.pending[msgID] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, msgID)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	err := conn.WriteJSON(msg)
	c.writeMu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()

	select {
	case resp := <-respChan:
		if resp.Success != nil && !*resp.Success {
			if resp.Error != nil {
				return nil, fmt.Errorf("%w: %s - %s", ErrRequestFailed, resp.Error.Code, resp.Error.Message)
			}
			return nil, ErrRequestFailed
		}
		return &resp, nil
	case <-timer.C:
		return nil, ErrResponseTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-connCtx.Done():
		return nil, ErrDisconnected
	}
}

// receiveMessages handles incoming messages for one connection
func (c *Client) receiveMessages(conn *websocket.Conn, connCtx context.Context) {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if connCtx.Err() != nil {
				return
			}
			c.logger.Error("Failed to read message", zap.Error(err))
			c.handleDisconnect(conn)
			return
		}

		if msg.Type == "event" {
			c.handleEvent(&msg)
			continue
		}

		// Route response to waiting goroutine
		if msg.ID > 0 {
			c.pendingMu.Lock()
			if ch, ok := c.pending[msg.ID]; ok {
				select {
				case ch <- msg:
				default:
					c.logger.Warn("Response channel full", zap.Int("msg_id", msg.ID))
				}
			}
			c.pendingMu.Unlock()
		}
	}
}

// handleEvent processes event messages
func (c *Client) handleEvent(msg *Message) {
	if msg.Event == nil || msg.Event.EventType != "state_changed" {
		return
	}

	var eventData StateChangedEvent
	if err := json.Unmarshal(msg.Event.Data, &eventData); err != nil {
		c.logger.Error("Failed to unmarshal state_changed event", zap.Error(err))
		return
	}

	c.subsMu.RLock()
	entries := append([]subscriberEntry(nil), c.subscribers[eventData.EntityID]...)
	entries = append(entries, c.subscribers[AllEntities]...)
	c.subsMu.RUnlock()

	for _, entry := range entries {
		entry.handler(eventData.EntityID, eventData.OldState, eventData.NewState)
	}
}

// handleDisconnect handles connection loss
func (c *Client) handleDisconnect(conn *websocket.Conn) {
	c.connMu.Lock()
	if c.conn != conn {
		c.connMu.Unlock()
		return
	}
	c.connected = false
	c.connCancel()
	c.conn.Close()
	c.conn = nil
	reconnect := c.reconnect
	c.connMu.Unlock()

	c.logger.Warn("Connection lost")

	if reconnect {
		go c.attemptReconnect()
	}
}

// attemptReconnect retries Connect until it succeeds, the token is
// rejected, or Disconnect is called
func (c *Client) attemptReconnect() {
	c.connMu.RLock()
	lifetime := c.lifetime
	c.connMu.RUnlock()

	_, err := backoff.Retry(lifetime, func() (struct{}, error) {
		c.logger.Info("Attempting to reconnect...")
		err := c.Connect(lifetime)
		switch {
		case err == nil, errors.Is(err, ErrAlreadyConnected):
			return struct{}{}, nil
		case errors.Is(err, ErrAuthInvalid):
			return struct{}{}, backoff.Permanent(err)
		default:
			return struct{}{}, err
		}
	},
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Error("Reconnection failed", zap.Error(err), zap.Duration("retry_in", next))
		}),
	)
	if err != nil {
		if lifetime.Err() == nil {
			c.logger.Error("Giving up reconnecting", zap.Error(err))
		}
		return
	}

	c.logger.Info("Reconnected successfully")
}

// subscribeToStateChanges subscribes to all state_changed events
func (c *Client) subscribeToStateChanges(ctx context.Context) error {
	req := &SubscribeEventsRequest{
		ID:        c.nextMsgID(),
		Type:      "subscribe_events",
		EventType: "state_changed",
	}

	_, err := c.sendMessage(ctx, req)
	return err
}

// GetAllStates retrieves all entity states
func (c *Client) GetAllStates(ctx context.Context) ([]*State, error) {
	req := &GetStatesRequest{
		ID:   c.nextMsgID(),
		Type: "get_states",
	}

	resp, err := c.sendMessage(ctx, req)
	if err != nil {
		return nil, err
	}

	var states []*State
	if err := json.Unmarshal(resp.Result, &states); err != nil {
		return nil, fmt.Errorf("%w: decoding states: %w", ErrProtocol, err)
	}

	return states, nil
}

// SubscribeStateChanges subscribes to state changes for a specific entity,
// or for every entity with AllEntities
func (c *Client) SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	c.subsMu.Lock()
	subID := c.nextSubID
	c.nextSubID++
	c.subscribers[entityID] = append(c.subscribers[entityID], subscriberEntry{
		subID:   subID,
		handler: handler,
	})
	c.subsMu.Unlock()

	return &subscription{
		entityID: entityID,
		subID:    subID,
		client:   c,
	}, nil
}

// unsubscribe removes a specific subscription by entity ID and subscription ID
func (c *Client) unsubscribe(entityID string, subID int) error {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	subscribers, ok := c.subscribers[entityID]
	if !ok {
		return nil // Already unsubscribed
	}

	for i, entry := range subscribers {
		if entry.subID == subID {
			c.subscribers[entityID] = append(subscribers[:i], subscribers[i+1:]...)
			if len(c.subscribers[entityID]) == 0 {
				delete(c.subscribers, entityID)
			}
			break
		}
	}

	return nil
}
