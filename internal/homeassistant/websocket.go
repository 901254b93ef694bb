package homeassistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// wsRequestTimeout bounds a single request/response exchange.
const wsRequestTimeout = 30 * time.Second

// ErrNotConnected is returned by WebSocket calls made before Connect.
var ErrNotConnected = errors.New("websocket not connected")

// WSClient holds one authenticated WebSocket connection to Home
// Assistant. It is used for registry queries and event subscriptions.
type WSClient struct {
	baseURL string
	token   string
	logger  *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn
	msgID  atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan wsResponse

	events chan Event

	subsMu sync.Mutex
	subs   []string
}

// Event is a Home Assistant bus event received over the WebSocket.
type Event struct {
	Type      string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
}

// StateChangedData is the payload of a state_changed event.
type StateChangedData struct {
	EntityID string `json:"entity_id"`
	OldState *State `json:"old_state"`
	NewState *State `json:"new_state"`
}

type wsMessage struct {
	ID      int64           `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success bool            `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Event   *Event          `json:"event,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wsResponse struct {
	Success bool
	Result  json.RawMessage
	Error   *wsError
}

// NewWSClient creates an unconnected WebSocket client.
func NewWSClient(baseURL, token string, logger *slog.Logger) *WSClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSClient{
		baseURL: baseURL,
		token:   token,
		logger:  logger,
		pending: make(map[int64]chan wsResponse),
		events:  make(chan Event, 100),
	}
}

func websocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = "/api/websocket"
	return u.String(), nil
}

// Connect dials, authenticates, starts the read loop, and restores any
// earlier subscriptions.
func (c *WSClient) Connect(ctx context.Context) error {
	wsURL, err := websocketURL(c.baseURL)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{
		ReadBufferSize:   1 << 20,
		WriteBufferSize:  64 << 10,
		HandshakeTimeout: 15 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial websocket: %w", err)
	}
	// Registry listings on large installs run to tens of megabytes.
	conn.SetReadLimit(100 << 20)

	if err := authenticate(conn, c.token); err != nil {
		conn.Close()
		return err
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.logger.Info("websocket authenticated", "url", wsURL)

	go c.readLoop(conn)
	c.restoreSubscriptions(ctx)
	return nil
}

func authenticate(conn *websocket.Conn, token string) error {
	var req wsMessage
	if err := conn.ReadJSON(&req); err != nil {
		return fmt.Errorf("read auth_required: %w", err)
	}
	if req.Type != "auth_required" {
		return fmt.Errorf("expected auth_required, got %s", req.Type)
	}
	if err := conn.WriteJSON(map[string]string{"type": "auth", "access_token": token}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}
	var resp wsMessage
	if err := conn.ReadJSON(&resp); err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}
	switch resp.Type {
	case "auth_ok":
		return nil
	case "auth_invalid":
		return errors.New("websocket authentication failed")
	default:
		return fmt.Errorf("unexpected auth response: %s", resp.Type)
	}
}

// Close closes the connection.
func (c *WSClient) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Reconnect drops the current connection and connects again. It is
// called from the connection watcher when Home Assistant comes back.
func (c *WSClient) Reconnect(ctx context.Context) error {
	c.logger.Info("reconnecting websocket")
	_ = c.Close()
	return c.Connect(ctx)
}

// Events returns the channel of subscribed events.
func (c *WSClient) Events() <-chan Event {
	return c.events
}

// Subscribe subscribes to a Home Assistant event type.
func (c *WSClient) Subscribe(ctx context.Context, eventType string) error {
	if _, err := c.call(ctx, map[string]any{"type": "subscribe_events", "event_type": eventType}); err != nil {
		return fmt.Errorf("subscribe to %s: %w", eventType, err)
	}

	c.subsMu.Lock()
	if !slices.Contains(c.subs, eventType) {
		c.subs = append(c.subs, eventType)
	}
	c.subsMu.Unlock()

	c.logger.Info("subscribed to events", "event_type", eventType)
	return nil
}

// EntityRegistryEntry is one row of config/entity_registry/list.
type EntityRegistryEntry struct {
	EntityID     string `json:"entity_id"`
	Name         string `json:"name"`
	OriginalName string `json:"original_name"`
	AreaID       string `json:"area_id"`
	DeviceID     string `json:"device_id"`
	Platform     string `json:"platform"`
	DisabledBy   string `json:"disabled_by"`
}

// DeviceRegistryEntry is one row of config/device_registry/list.
type DeviceRegistryEntry struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	NameByUser   string `json:"name_by_user"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	AreaID       string `json:"area_id"`
	DisabledBy   string `json:"disabled_by"`
}

// DeviceEntry is a registered device together with the IDs of its
// enabled entities.
type DeviceEntry struct {
	ID           string
	Name         string
	Manufacturer string
	Model        string
	AreaID       string
	Entities     []string
}

// EntityRegistry lists the entity registry.
func (c *WSClient) EntityRegistry(ctx context.Context) ([]EntityRegistryEntry, error) {
	var entries []EntityRegistryEntry
	if err := c.list(ctx, "config/entity_registry/list", &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// DeviceRegistry lists the device registry.
func (c *WSClient) DeviceRegistry(ctx context.Context) ([]DeviceRegistryEntry, error) {
	var entries []DeviceRegistryEntry
	if err := c.list(ctx, "config/device_registry/list", &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// ListDevices joins the device and entity registries. Disabled devices
// and disabled entities are skipped; the user-assigned name wins over
// the integration name. Order follows the device registry.
func (c *WSClient) ListDevices(ctx context.Context) ([]DeviceEntry, error) {
	devices, err := c.DeviceRegistry(ctx)
	if err != nil {
		return nil, err
	}
	entities, err := c.EntityRegistry(ctx)
	if err != nil {
		return nil, err
	}
	return JoinRegistries(devices, entities), nil
}

// JoinRegistries groups enabled entities under their enabled devices.
func JoinRegistries(devices []DeviceRegistryEntry, entities []EntityRegistryEntry) []DeviceEntry {
	byDevice := make(map[string][]string)
	for _, e := range entities {
		if e.DeviceID == "" || e.DisabledBy != "" {
			continue
		}
		byDevice[e.DeviceID] = append(byDevice[e.DeviceID], e.EntityID)
	}

	out := make([]DeviceEntry, 0, len(devices))
	for _, d := range devices {
		if d.DisabledBy != "" {
			continue
		}
		name := d.NameByUser
		if name == "" {
			name = d.Name
		}
		out = append(out, DeviceEntry{
			ID:           d.ID,
			Name:         name,
			Manufacturer: d.Manufacturer,
			Model:        d.Model,
			AreaID:       d.AreaID,
			Entities:     byDevice[d.ID],
		})
	}
	return out
}

func (c *WSClient) list(ctx context.Context, msgType string, into any) error {
	raw, err := c.call(ctx, map[string]any{"type": msgType})
	if err != nil {
		return fmt.Errorf("%s: %w", msgType, err)
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("decode %s: %w", msgType, err)
	}
	return nil
}

// call assigns an ID to msg, sends it, and waits for the matching result.
func (c *WSClient) call(ctx context.Context, msg map[string]any) (json.RawMessage, error) {
	id := c.msgID.Add(1)
	msg["id"] = id

	ch := make(chan wsResponse, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.connMu.Lock()
	if c.conn == nil {
		c.connMu.Unlock()
		return nil, ErrNotConnected
	}
	err := c.conn.WriteJSON(msg)
	c.connMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}

	timer := time.NewTimer(wsRequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if !resp.Success {
			if resp.Error != nil {
				return nil, fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
			}
			return nil, errors.New("request failed")
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, errors.New("timeout waiting for response")
	}
}

func (c *WSClient) readLoop(conn *websocket.Conn) {
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("websocket closed")
			} else {
				// Reconnect is driven by connwatch once HA answers again.
				c.logger.Warn("websocket read failed, connection lost", "error", err)
			}
			return
		}

		switch msg.Type {
		case "result":
			c.pendingMu.Lock()
			if ch, ok := c.pending[msg.ID]; ok {
				ch <- wsResponse{Success: msg.Success, Result: msg.Result, Error: msg.Error}
			}
			c.pendingMu.Unlock()
		case "event":
			if msg.Event == nil {
				continue
			}
			select {
			case c.events <- *msg.Event:
			default:
				c.logger.Warn("event channel full, dropping event", "type", msg.Event.Type)
			}
		case "pong":
		default:
			c.logger.Debug("unhandled websocket message", "type", msg.Type)
		}
	}
}

func (c *WSClient) restoreSubscriptions(ctx context.Context) {
	c.subsMu.Lock()
	subs := slices.Clone(c.subs)
	c.subsMu.Unlock()

	for _, eventType := range subs {
		if err := c.Subscribe(ctx, eventType); err != nil {
			c.logger.Error("failed to restore subscription", "event_type", eventType, "error", err)
		}
	}
}
