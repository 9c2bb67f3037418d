package appliance

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// pendingRequest pairs a response channel with the appliance whose attribute
// snapshot the response carries, if any.
type pendingRequest struct {
	ch   chan Message
	appl *Appliance
}

// Client maintains the WebSocket connection to the appliance cloud and
// routes pushed attribute events to registered appliances.
type Client struct {
	url    string
	token  string
	logger *zap.Logger

	conn      *websocket.Conn
	connected bool
	connMu    sync.RWMutex
	writeMu   sync.Mutex // protects websocket writes

	msgID   int
	msgIDMu sync.Mutex

	pending   map[int]*pendingRequest
	pendingMu sync.Mutex

	appliances map[string]*Appliance
	applMu     sync.RWMutex

	ctx       context.Context
	cancel    context.CancelFunc
	reconnect bool
}

// NewClient creates a new appliance cloud client.
func NewClient(url, token string, logger *zap.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		url:        url,
		token:      token,
		logger:     logger.Named("cloud"),
		pending:    make(map[int]*pendingRequest),
		appliances: make(map[string]*Appliance),
		ctx:        ctx,
		cancel:     cancel,
		reconnect:  true,
	}
}

// Register adds an appliance to the client. Must be called before Connect;
// the returned Appliance is the attribute source handed to sensors.
func (c *Client) Register(said, name string) *Appliance {
	c.applMu.Lock()
	defer c.applMu.Unlock()

	if a, ok := c.appliances[said]; ok {
		return a
	}
	a := newAppliance(said, name, c)
	c.appliances[said] = a
	return a
}

// Appliance returns a previously registered appliance by SAID.
func (c *Client) Appliance(said string) (*Appliance, bool) {
	c.applMu.RLock()
	defer c.applMu.RUnlock()
	a, ok := c.appliances[said]
	return a, ok
}

func (c *Client) resetContextLocked() {
	if c.cancel != nil {
		c.cancel()
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
}

// Connect establishes the WebSocket connection, authenticates, and
// subscribes to every registered appliance.
func (c *Client) Connect() error {
	c.connMu.Lock()

	if c.connected {
		c.connMu.Unlock()
		return fmt.Errorf("already connected")
	}

	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		c.connMu.Unlock()
		return fmt.Errorf("failed to connect to cloud: %w", err)
	}
	c.conn = conn

	var authRequired Message
	if err := c.conn.ReadJSON(&authRequired); err != nil {
		c.conn.Close()
		c.connMu.Unlock()
		return fmt.Errorf("failed to read auth_required: %w", err)
	}
	if authRequired.Type != "auth_required" {
		c.conn.Close()
		c.connMu.Unlock()
		return fmt.Errorf("expected auth_required, got %s", authRequired.Type)
	}

	authMsg := AuthMessage{Type: "auth", AccessToken: c.token}
	c.writeMu.Lock()
	err = c.conn.WriteJSON(authMsg)
	c.writeMu.Unlock()
	if err != nil {
		c.conn.Close()
		c.connMu.Unlock()
		return fmt.Errorf("failed to send auth: %w", err)
	}

	var authResponse Message
	if err := c.conn.ReadJSON(&authResponse); err != nil {
		c.conn.Close()
		c.connMu.Unlock()
		return fmt.Errorf("failed to read auth response: %w", err)
	}
	if authResponse.Type == "auth_invalid" {
		c.conn.Close()
		c.connMu.Unlock()
		return fmt.Errorf("authentication failed: invalid token")
	}
	if authResponse.Type != "auth_ok" {
		c.conn.Close()
		c.connMu.Unlock()
		return fmt.Errorf("expected auth_ok, got %s", authResponse.Type)
	}

	c.resetContextLocked()
	c.connected = true
	c.reconnect = true
	c.logger.Info("Connected to appliance cloud")

	go c.receiveMessages()

	// Release lock before subscribing to avoid deadlock with sendMessage.
	c.connMu.Unlock()

	for _, a := range c.registeredAppliances() {
		if err := c.subscribeAppliance(a); err != nil {
			c.logger.Warn("Failed to subscribe to appliance",
				zap.String("said", a.SAID()), zap.Error(err))
		}
	}

	return nil
}

// Disconnect closes the WebSocket connection and marks every appliance
// offline.
func (c *Client) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.connected {
		return nil
	}

	c.reconnect = false
	c.cancel()
	c.connected = false

	if c.conn != nil {
		c.writeMu.Lock()
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()

		c.conn.Close()
		c.conn = nil
	}

	for _, a := range c.registeredAppliances() {
		a.setOnline(false)
	}

	c.logger.Info("Disconnected from appliance cloud")
	return nil
}

// IsConnected returns true if the cloud connection is up.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

func (c *Client) registeredAppliances() []*Appliance {
	c.applMu.RLock()
	defer c.applMu.RUnlock()

	out := make([]*Appliance, 0, len(c.appliances))
	for _, a := range c.appliances {
		out = append(out, a)
	}
	return out
}

// nextMsgID returns the next message ID.
func (c *Client) nextMsgID() int {
	c.msgIDMu.Lock()
	defer c.msgIDMu.Unlock()
	c.msgID++
	return c.msgID
}

// sendMessage sends a request and waits for its response. When appl is
// non-nil the response's Result is an attribute snapshot; the receive loop
// installs it in frame order, so a snapshot can never overwrite events
// pushed after the request was answered.
func (c *Client) sendMessage(ctx context.Context, msgID int, msg interface{}, appl *Appliance) (*Message, error) {
	c.connMu.RLock()
	conn := c.conn
	connected := c.connected
	c.connMu.RUnlock()
	if !connected || conn == nil {
		return nil, fmt.Errorf("not connected")
	}

	respChan := make(chan Message, 1)
	c.pendingMu.Lock()
	c.pending[msgID] = &pendingRequest{ch: respChan, appl: appl}
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

	select {
	case resp := <-respChan:
		if resp.Success != nil && !*resp.Success {
			if resp.Error != nil {
				return nil, fmt.Errorf("cloud error: %s - %s", resp.Error.Code, resp.Error.Message)
			}
			return nil, fmt.Errorf("request failed")
		}
		return &resp, nil
	case <-time.After(10 * time.Second):
		return nil, fmt.Errorf("timeout waiting for response")
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, fmt.Errorf("client disconnected")
	}
}

// receiveMessages handles incoming messages in the background. Snapshot
// responses and pushed events both mutate appliance state here, one frame at
// a time, so notifications for one appliance stay sequential.
func (c *Client) receiveMessages() {
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.connMu.RLock()
		conn := c.conn
		c.connMu.RUnlock()
		if conn == nil {
			return
		}

		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			c.logger.Error("Failed to read message", zap.Error(err))
			c.handleDisconnect()
			return
		}

		if msg.Type == "event" {
			c.handleEvent(&msg)
			continue
		}

		if msg.ID > 0 {
			c.pendingMu.Lock()
			req, ok := c.pending[msg.ID]
			c.pendingMu.Unlock()
			if !ok {
				continue
			}

			c.applySnapshotResponse(req, &msg)

			select {
			case req.ch <- msg:
			default:
				c.logger.Warn("Response channel full", zap.Int("msg_id", msg.ID))
			}
		}
	}
}

// applySnapshotResponse installs the attribute snapshot carried by a
// successful subscribe or fetch response. Runs on the receive loop, before
// the next frame is read.
func (c *Client) applySnapshotResponse(req *pendingRequest, msg *Message) {
	if req.appl == nil || len(msg.Result) == 0 {
		return
	}
	if msg.Success != nil && !*msg.Success {
		return
	}

	var res AttributesResult
	if err := json.Unmarshal(msg.Result, &res); err != nil {
		c.logger.Error("Failed to unmarshal snapshot",
			zap.String("said", req.appl.SAID()), zap.Error(err))
		return
	}
	req.appl.replaceSnapshot(res)
}

// handleEvent routes a pushed event to the owning appliance. Events for
// unregistered appliances are dropped.
func (c *Client) handleEvent(msg *Message) {
	if msg.Event == nil {
		return
	}

	switch msg.Event.EventType {
	case "attribute_update":
		var ev AttributeUpdateEvent
		if err := json.Unmarshal(msg.Event.Data, &ev); err != nil {
			c.logger.Error("Failed to unmarshal attribute_update", zap.Error(err))
			return
		}
		if a, ok := c.Appliance(ev.SAID); ok {
			a.applyUpdate(ev.Attributes)
		}

	case "connection_state":
		var ev ConnectionStateEvent
		if err := json.Unmarshal(msg.Event.Data, &ev); err != nil {
			c.logger.Error("Failed to unmarshal connection_state", zap.Error(err))
			return
		}
		if a, ok := c.Appliance(ev.SAID); ok {
			a.setOnline(ev.Online)
		}
	}
}

// handleDisconnect handles connection loss.
func (c *Client) handleDisconnect() {
	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()

	for _, a := range c.registeredAppliances() {
		a.setOnline(false)
	}

	c.logger.Warn("Connection lost")

	if !c.reconnect {
		return
	}

	go c.attemptReconnect()
}

// attemptReconnect tries to reconnect with exponential backoff.
func (c *Client) attemptReconnect() {
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(backoff):
		}

		c.logger.Info("Attempting to reconnect...")

		if err := c.Connect(); err != nil {
			c.logger.Error("Reconnection failed", zap.Error(err))
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		c.logger.Info("Reconnected successfully")
		return
	}
}

// subscribeAppliance registers interest in one appliance's telemetry. The
// initial snapshot in the response is installed by the receive loop.
func (c *Client) subscribeAppliance(a *Appliance) error {
	msgID := c.nextMsgID()
	req := &SubscribeRequest{
		ID:   msgID,
		Type: "subscribe_appliance",
		SAID: a.SAID(),
	}

	_, err := c.sendMessage(context.Background(), msgID, req, a)
	return err
}

// fetchAttributes performs an explicit refresh for one appliance. The fresh
// snapshot is installed by the receive loop when the response arrives.
func (c *Client) fetchAttributes(ctx context.Context, a *Appliance) error {
	msgID := c.nextMsgID()
	req := &GetAttributesRequest{
		ID:   msgID,
		Type: "get_attributes",
		SAID: a.SAID(),
	}

	_, err := c.sendMessage(ctx, msgID, req, a)
	return err
}
