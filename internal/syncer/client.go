package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gridbase/metasync/internal/meta"
	"github.com/gridbase/metasync/internal/realtime"
	"go.uber.org/zap"
)

const (
	ackWait          = 10 * time.Second
	handshakeTimeout = 10 * time.Second
)

var (
	errMissingServerURL = errors.New("syncer: server url is required")
	errNotConnected     = errors.New("syncer: not connected")
	// ErrSubscription indicates the server rejected or failed to
	// acknowledge a channel request; callers may retry.
	ErrSubscription = errors.New("syncer: subscription failed")
	// ErrAuthentication indicates the handshake was refused before any
	// subscription was possible.
	ErrAuthentication = errors.New("syncer: authentication failed")
)

// ClientConfig configures the websocket + HTTP transport against one server.
type ClientConfig struct {
	ServerURL  string
	Token      string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client implements Transport over a persistent websocket for channel
// membership and live pushes, with plain HTTP for bootstrap and catch-up.
type Client struct {
	serverURL  string
	token      string
	httpClient *http.Client
	logger     *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending []chan realtime.Ack

	handlerMu    sync.Mutex
	onPush       func(meta.ChangeEvent)
	onDisconnect func(error)

	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient validates the config and returns a disconnected client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.ServerURL) == "" {
		return nil, errMissingServerURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		serverURL:  strings.TrimRight(cfg.ServerURL, "/"),
		token:      cfg.Token,
		httpClient: httpClient,
		logger:     logger,
		closed:     make(chan struct{}),
	}, nil
}

// OnPush registers the live event handler, normally Controller.HandlePush.
func (c *Client) OnPush(handler func(meta.ChangeEvent)) {
	c.handlerMu.Lock()
	c.onPush = handler
	c.handlerMu.Unlock()
}

// OnDisconnect registers a handler invoked once per dropped connection.
// Callers typically Connect again and then Resume the controller.
func (c *Client) OnDisconnect(handler func(error)) {
	c.handlerMu.Lock()
	c.onDisconnect = handler
	c.handlerMu.Unlock()
}

// Connect dials the realtime endpoint with the bearer credential attached to
// the handshake. A 401 response surfaces as ErrAuthentication.
func (c *Client) Connect(ctx context.Context) error {
	endpoint, err := c.websocketURL()
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)

	conn, response, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if response != nil && response.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("%w: %v", ErrAuthentication, err)
		}
		return fmt.Errorf("syncer: dial %s: %w", endpoint, err)
	}

	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = conn
	c.pending = nil
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

// Close tears the connection down without invoking the disconnect handler.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Subscribe asks the server to add this connection to the channel.
func (c *Client) Subscribe(ctx context.Context, workspaceID meta.WorkspaceID, baseID meta.BaseID) error {
	return c.channelRequest(ctx, realtime.ActionSubscribe, realtime.StatusSubscribed, workspaceID, baseID)
}

// Unsubscribe is the inverse of Subscribe.
func (c *Client) Unsubscribe(ctx context.Context, workspaceID meta.WorkspaceID, baseID meta.BaseID) error {
	return c.channelRequest(ctx, realtime.ActionUnsubscribe, realtime.StatusUnsubscribed, workspaceID, baseID)
}

func (c *Client) channelRequest(ctx context.Context, action, wantStatus string, workspaceID meta.WorkspaceID, baseID meta.BaseID) error {
	ackCh := make(chan realtime.Ack, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return errNotConnected
	}
	c.pending = append(c.pending, ackCh)
	request := realtime.Request{
		Action:      action,
		WorkspaceID: workspaceID.String(),
		BaseID:      baseID.String(),
	}
	err := conn.WriteJSON(request)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrSubscription, action, err)
	}

	select {
	case ack := <-ackCh:
		if ack.Status != wantStatus {
			return fmt.Errorf("%w: %s rejected: %s", ErrSubscription, action, ack.Error)
		}
		return nil
	case <-time.After(ackWait):
		return fmt.Errorf("%w: %s not acknowledged", ErrSubscription, action)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Bootstrap fetches the full snapshot for a base.
func (c *Client) Bootstrap(ctx context.Context, workspaceID meta.WorkspaceID, baseID meta.BaseID) (meta.BootstrapResult, error) {
	endpoint := fmt.Sprintf("%s/api/v1/meta/%s/bootstrap?workspace_id=%s",
		c.serverURL, url.PathEscape(baseID.String()), url.QueryEscape(workspaceID.String()))

	var result meta.BootstrapResult
	if err := c.getJSON(ctx, endpoint, &result); err != nil {
		return meta.BootstrapResult{}, err
	}
	return result, nil
}

type syncEventsRequest struct {
	WorkspaceID string `json:"workspace_id"`
	BaseID      string `json:"base_id"`
	Since       int64  `json:"since"`
	SinceType   string `json:"sinceType"`
	Offset      int    `json:"offset"`
	Limit       int    `json:"limit"`
}

type syncEventPayload struct {
	ID        int64           `json:"id"`
	Operation string          `json:"operation"`
	Target    string          `json:"target"`
	Payload   json.RawMessage `json:"payload"`
}

// EventsSince fetches one catch-up page of events newer than sinceID.
func (c *Client) EventsSince(ctx context.Context, workspaceID meta.WorkspaceID, baseID meta.BaseID, sinceID int64, offset, limit int) ([]meta.ChangeEvent, error) {
	body, err := json.Marshal(syncEventsRequest{
		WorkspaceID: workspaceID.String(),
		BaseID:      baseID.String(),
		Since:       sinceID,
		SinceType:   "event_id",
		Offset:      offset,
		Limit:       limit,
	})
	if err != nil {
		return nil, err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.serverURL+"/api/v1/meta/sync-events", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+c.token)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("syncer: sync-events status %d", response.StatusCode)
	}

	var payloads []syncEventPayload
	if err := json.NewDecoder(response.Body).Decode(&payloads); err != nil {
		return nil, err
	}

	events := make([]meta.ChangeEvent, 0, len(payloads))
	for _, item := range payloads {
		eventType, err := meta.ParseEventType(item.Operation)
		if err != nil {
			return nil, err
		}
		target, err := meta.ParseTable(item.Target)
		if err != nil {
			return nil, err
		}
		events = append(events, meta.ChangeEvent{
			Type:        eventType,
			Target:      target,
			Payload:     item.Payload,
			EventID:     item.ID,
			WorkspaceID: workspaceID,
			BaseID:      baseID,
		})
	}
	return events, nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			c.handleDrop(conn, err)
			return
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(payload, &envelope); err != nil {
			c.logger.Warn("undecodable server frame", zap.Error(err))
			continue
		}

		if envelope.Type == "ack" {
			var ack realtime.Ack
			if err := json.Unmarshal(payload, &ack); err != nil {
				c.logger.Warn("undecodable ack frame", zap.Error(err))
				continue
			}
			c.resolveAck(ack)
			continue
		}

		var push realtime.PushMessage
		if err := json.Unmarshal(payload, &push); err != nil {
			c.logger.Warn("undecodable push frame", zap.Error(err))
			continue
		}
		event, err := push.ChangeEvent()
		if err != nil {
			c.logger.Warn("invalid push frame", zap.Error(err))
			continue
		}

		c.handlerMu.Lock()
		handler := c.onPush
		c.handlerMu.Unlock()
		if handler != nil {
			handler(event)
		}
	}
}

// resolveAck routes to the oldest pending request; the server acknowledges
// in request order on one connection.
func (c *Client) resolveAck(ack realtime.Ack) {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	ackCh := c.pending[0]
	c.pending = c.pending[1:]
	c.mu.Unlock()
	ackCh <- ack
}

func (c *Client) handleDrop(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
		c.pending = nil
	}
	c.mu.Unlock()
	if !current {
		return
	}

	select {
	case <-c.closed:
		return
	default:
	}

	c.handlerMu.Lock()
	handler := c.onDisconnect
	c.handlerMu.Unlock()
	if handler != nil {
		handler(cause)
	}
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	request.Header.Set("Authorization", "Bearer "+c.token)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("syncer: %s status %d", endpoint, response.StatusCode)
	}
	return json.NewDecoder(response.Body).Decode(out)
}

func (c *Client) websocketURL() (string, error) {
	parsed, err := url.Parse(c.serverURL)
	if err != nil {
		return "", fmt.Errorf("syncer: parse server url: %w", err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("syncer: unsupported scheme %q", parsed.Scheme)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/realtime"
	return parsed.String(), nil
}
