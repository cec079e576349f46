package tui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/connectivity"
	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/events"
	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/offline"
	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/queue"
)

const (
	// DefaultAPIURL is where nosara-sync serves its debug API.
	DefaultAPIURL = "http://localhost:8430"

	defaultTimeout = 15 * time.Second
)

// Client talks to the nosara-sync debug API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client for baseURL. token is sent as a bearer
// credential when set.
func NewClient(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = DefaultAPIURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

// State fetches the facade state.
func (c *Client) State(ctx context.Context) (offline.State, error) {
	var st offline.State
	if err := c.do(ctx, http.MethodGet, "/api/state", nil, &st); err != nil {
		return offline.State{}, fmt.Errorf("tui: state: %w", err)
	}
	return st, nil
}

// Operations lists the queue in processing order.
func (c *Client) Operations(ctx context.Context) ([]queue.Operation, error) {
	var ops []queue.Operation
	if err := c.do(ctx, http.MethodGet, "/api/queue", nil, &ops); err != nil {
		return nil, fmt.Errorf("tui: operations: %w", err)
	}
	return ops, nil
}

// Enqueue adds an operation and returns its id.
func (c *Client) Enqueue(ctx context.Context, typ queue.OperationType, payload map[string]any, priority queue.Priority) (string, error) {
	body := map[string]any{"type": typ, "payload": payload, "priority": priority}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/queue", body, &out); err != nil {
		return "", fmt.Errorf("tui: enqueue: %w", err)
	}
	return out.ID, nil
}

// SyncNow asks the daemon for an immediate pass.
func (c *Client) SyncNow(ctx context.Context) (queue.Result, error) {
	var res queue.Result
	if err := c.do(ctx, http.MethodPost, "/api/sync", nil, &res); err != nil {
		return queue.Result{}, fmt.Errorf("tui: sync: %w", err)
	}
	return res, nil
}

// Prune removes succeeded operations.
func (c *Client) Prune(ctx context.Context) (int, error) {
	var out struct {
		Removed int `json:"removed"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/queue/prune", nil, &out); err != nil {
		return 0, fmt.Errorf("tui: prune: %w", err)
	}
	return out.Removed, nil
}

// ClearQueue removes every operation.
func (c *Client) ClearQueue(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "/api/queue/clear", nil, nil); err != nil {
		return fmt.Errorf("tui: clear: %w", err)
	}
	return nil
}

// SetAutoSync turns automatic syncing on or off.
func (c *Client) SetAutoSync(ctx context.Context, enabled bool) error {
	if err := c.do(ctx, http.MethodPost, "/api/settings", map[string]bool{"autoSync": enabled}, nil); err != nil {
		return fmt.Errorf("tui: settings: %w", err)
	}
	return nil
}

// SetOnline pushes a connectivity status. Only daemons running in manual
// connectivity mode accept it.
func (c *Client) SetOnline(ctx context.Context, online bool) error {
	st := connectivity.Offline
	if online {
		st = connectivity.Status{Connected: true, Reachable: true, Type: "wifi"}
	}
	if err := c.do(ctx, http.MethodPut, "/api/connectivity", st, nil); err != nil {
		return fmt.Errorf("tui: connectivity: %w", err)
	}
	return nil
}

// Events opens the event stream. The channel closes when ctx ends or the
// connection drops.
func (c *Client) Events(ctx context.Context) (<-chan events.Event, error) {
	u, err := url.Parse(c.baseURL + "/api/events")
	if err != nil {
		return nil, fmt.Errorf("tui: events url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if c.token != "" {
		q := u.Query()
		q.Set("token", c.token)
		u.RawQuery = q.Encode()
	}

	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("tui: dial events: %w", err)
	}

	ch := make(chan events.Event, 32)
	go func() {
		defer close(ch)
		defer conn.Close(websocket.StatusNormalClosure, "")
		for {
			var e events.Event
			if err := wsjson.Read(ctx, conn, &e); err != nil {
				return
			}
			select {
			case ch <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// do sends a JSON request and unwraps the Result envelope into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env offline.Result[json.RawMessage]
	if jsonErr := json.Unmarshal(raw, &env); jsonErr != nil || resp.StatusCode >= 300 {
		return checkStatus(resp.StatusCode, env.Error, raw)
	}
	if !env.Success {
		return errors.New(env.Error)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// checkStatus builds an error for a non-2xx response, preferring the
// envelope's message over the raw body.
func checkStatus(code int, msg string, raw []byte) error {
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return fmt.Errorf("HTTP %d: %s", code, msg)
}
