package term

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is the HTTP shim Bridge implementation. The bridge subprocess
// exposes a small JSON API; every response carries an {ok, error} envelope.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a bridge client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type envelope struct {
	OK       bool            `json:"ok"`
	Error    string          `json:"error,omitempty"`
	Sessions []Session       `json:"sessions,omitempty"`
	Results  json.RawMessage `json:"results,omitempty"`
	Output   []string        `json:"output,omitempty"`
}

func (c *Client) call(ctx context.Context, method, path string, body any, out *envelope) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("bridge unreachable: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read bridge response: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse bridge response: %w", err)
	}
	if !out.OK {
		if out.Error == "" {
			out.Error = fmt.Sprintf("bridge returned status %d", resp.StatusCode)
		}
		return fmt.Errorf("bridge error: %s", out.Error)
	}
	return nil
}

func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	var env envelope
	if err := c.call(ctx, http.MethodGet, "/sessions", nil, &env); err != nil {
		return nil, err
	}
	return env.Sessions, nil
}

func (c *Client) ReadOutput(ctx context.Context, agentID string, tailLines int) ([]ReadResult, error) {
	if agentID == "" {
		agentID = "all"
	}
	var env envelope
	err := c.call(ctx, http.MethodPost, "/read", map[string]any{
		"agent_id":   agentID,
		"tail_lines": tailLines,
	}, &env)
	if err != nil {
		return nil, err
	}
	var results []ReadResult
	if len(env.Results) > 0 {
		if err := json.Unmarshal(env.Results, &results); err != nil {
			return nil, fmt.Errorf("parse read results: %w", err)
		}
	}
	return results, nil
}

func (c *Client) SendInput(ctx context.Context, req SendRequest) ([]SendResult, error) {
	if req.AgentID == "" {
		req.AgentID = "all"
	}
	var env envelope
	if err := c.call(ctx, http.MethodPost, "/send", req, &env); err != nil {
		return nil, err
	}
	var results []SendResult
	if len(env.Results) > 0 {
		if err := json.Unmarshal(env.Results, &results); err != nil {
			return nil, fmt.Errorf("parse send results: %w", err)
		}
	}
	return results, nil
}

func (c *Client) ReadScreen(ctx context.Context, sessionID string, lines int) ([]string, error) {
	var env envelope
	err := c.call(ctx, http.MethodPost, "/screen", map[string]any{
		"session_id": sessionID,
		"lines":      lines,
	}, &env)
	if err != nil {
		return nil, err
	}
	return env.Output, nil
}

func (c *Client) StartStreamer(ctx context.Context, sessionID string) error {
	var env envelope
	return c.call(ctx, http.MethodPost, "/streamer/start", map[string]any{"session_id": sessionID}, &env)
}

func (c *Client) StopStreamer(ctx context.Context, sessionID string) error {
	var env envelope
	return c.call(ctx, http.MethodPost, "/streamer/stop", map[string]any{"session_id": sessionID}, &env)
}

var _ Bridge = (*Client)(nil)
