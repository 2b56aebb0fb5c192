package api

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

	"github.com/gorilla/websocket"
)

// ErrDaemonUnavailable is returned when no daemon answers at the address.
var ErrDaemonUnavailable = errors.New("session daemon is not running")

// APIError is a non-2xx response from the daemon.
type APIError struct {
	Status int
	Code   string
	Msg    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%s)", e.Msg, e.Code)
}

// Client talks to a Server.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a Client for the daemon listening on addr
// ("host:port" or a full http URL).
func NewClient(addr string) *Client {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{
		baseURL: strings.TrimRight(base, "/"),
		// Connect blocks until tunnel setup resolves.
		http: &http.Client{Timeout: 2 * time.Minute},
	}
}

// Ping reports whether the daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, err := c.Status(ctx)
	return err
}

// Status returns the session status.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, http.MethodGet, "/v1/status", nil, &out)
	return out, err
}

// Connect asks the daemon to connect.
func (c *Client) Connect(ctx context.Context, req ConnectRequest) (ConnectResponse, error) {
	var out ConnectResponse
	err := c.do(ctx, http.MethodPost, "/v1/connect", req, &out)
	return out, err
}

// Disconnect ends the daemon's session.
func (c *Client) Disconnect(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, http.MethodPost, "/v1/disconnect", nil, &out)
	return out, err
}

// Stats returns the current traffic counters.
func (c *Client) Stats(ctx context.Context) (StatisticsDTO, error) {
	var out StatisticsDTO
	err := c.do(ctx, http.MethodGet, "/v1/stats", nil, &out)
	return out, err
}

// Messages returns provider messages for profile.
func (c *Client) Messages(ctx context.Context, profile string) ([]MessageDTO, error) {
	var out []MessageDTO
	path := "/v1/messages"
	if profile != "" {
		path += "?profile=" + url.QueryEscape(profile)
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Events opens the event stream. The channel is closed when the stream
// ends or ctx is cancelled.
func (c *Client) Events(ctx context.Context) (<-chan EventMessage, error) {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDaemonUnavailable, err)
	}

	out := make(chan EventMessage)
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	go func() {
		defer close(out)
		defer stop()
		defer conn.Close()
		for {
			var msg EventMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrDaemonUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
			return &APIError{Status: resp.StatusCode, Code: "unknown", Msg: resp.Status}
		}
		return &APIError{Status: resp.StatusCode, Code: e.Code, Msg: e.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
