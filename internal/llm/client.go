// Package llm is the one-shot completion client for the orchestrator. It
// speaks the Anthropic Messages API shape and retries transient failures
// with exponential backoff.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/marcus-qen/opsbus/internal/config"
	"github.com/marcus-qen/opsbus/internal/metrics"
)

const apiVersion = "2023-06-01"

const defaultMaxTokens = 4096

// Client sends one completion request at a time. Safe for concurrent use.
type Client struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	maxRetries  int
	client      *http.Client
}

// NewClient builds a client from the LLM section of the runtime config.
func NewClient(cfg config.LLMConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm api key is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("llm model is required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	timeout := cfg.TimeoutSec
	if timeout <= 0 {
		timeout = 120
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Client{
		baseURL:     baseURL,
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxRetries:  maxRetries,
		client:      &http.Client{Timeout: time.Duration(timeout) * time.Second},
	}, nil
}

// Usage reports token consumption for one completion.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Completion is the text result of one call.
type Completion struct {
	Text       string
	StopReason string
	Usage      Usage
}

type apiRequest struct {
	Model       string       `json:"model"`
	MaxTokens   int          `json:"max_tokens"`
	Temperature float64      `json:"temperature,omitempty"`
	System      string       `json:"system,omitempty"`
	Messages    []apiMessage `json:"messages"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type apiResponse struct {
	Content    []apiContentBlock `json:"content"`
	StopReason string            `json:"stop_reason"`
	Usage      Usage             `json:"usage"`
	Error      *apiError         `json:"error,omitempty"`
}

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Complete runs one system+user exchange and returns the text answer.
func (c *Client) Complete(ctx context.Context, system, user string) (*Completion, error) {
	body, err := json.Marshal(apiRequest{
		Model:       c.model,
		MaxTokens:   defaultMaxTokens,
		Temperature: c.temperature,
		System:      system,
		Messages:    []apiMessage{{Role: "user", Content: user}},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}

	var resp apiResponse
	if err := c.doWithRetry(ctx, body, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("llm api error (%s): %s", resp.Error.Type, resp.Error.Message)
	}

	metrics.LLMTokensTotal.WithLabelValues("input").Add(float64(resp.Usage.InputTokens))
	metrics.LLMTokensTotal.WithLabelValues("output").Add(float64(resp.Usage.OutputTokens))

	out := &Completion{StopReason: resp.StopReason, Usage: resp.Usage}
	for _, block := range resp.Content {
		if block.Type == "text" {
			out.Text += block.Text
		}
	}
	return out, nil
}

// doWithRetry posts the request, retrying transport failures, 429, and 5xx
// with exponential backoff.
func (c *Client) doWithRetry(ctx context.Context, body []byte, result *apiResponse) error {
	url := c.baseURL + "/v1/messages"

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build completion request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-api-key", c.apiKey)
		req.Header.Set("anthropic-version", apiVersion)

		resp, err := c.client.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				continue
			}
			return fmt.Errorf("llm request failed: %w", err)
		}

		respBody, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return fmt.Errorf("read llm response: %w", err)
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			if attempt < c.maxRetries {
				continue
			}
			return fmt.Errorf("llm api returned %d after %d retries: %s",
				resp.StatusCode, c.maxRetries, string(respBody))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("llm api returned %d: %s", resp.StatusCode, string(respBody))
		}

		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decode llm response: %w", err)
		}
		return nil
	}

	return errors.New("exhausted retries")
}
