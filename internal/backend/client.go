// ABOUTME: HTTP client for the chat backend API
// ABOUTME: Covers the message log, clear-by-id, health and usage endpoints

package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// defaultTimeout bounds non-streaming requests when the caller does not
// configure one.
const defaultTimeout = 15 * time.Second

// LogEntry is one record of the backend's flat, append-only message log
// as returned by GET /messages. The log carries no role information.
type LogEntry struct {
	ChatID    string     `json:"chat_id"`
	Message   string     `json:"message"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// Health is the response from GET /health.
type Health struct {
	Status                string `json:"status"`
	Version               string `json:"version"`
	ContextProviderStatus string `json:"context_provider_status"`
}

// Ready reports whether the backend's context provider can answer chats.
func (h *Health) Ready() bool {
	return h.ContextProviderStatus == "ready"
}

// Usage holds the session-wide token counters from GET /tokens/usage.
// Consumed for display only.
type Usage struct {
	TotalPromptTokens     int     `json:"total_prompt_tokens"`
	TotalCompletionTokens int     `json:"total_completion_tokens"`
	TotalTokens           int     `json:"total_tokens"`
	TotalAPICalls         int     `json:"total_api_calls"`
	EstimatedCostUSD      float64 `json:"estimated_cost_usd"`
}

// usageEnvelope wraps the usage payload the way the backend returns it.
type usageEnvelope struct {
	Success bool   `json:"success"`
	Data    *Usage `json:"data"`
}

// Client talks to the chat backend over HTTP. The zero value is not
// usable; construct with New.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// New creates a backend client for the given base URL. An empty token
// disables the Authorization header. Pass nil logger for default.
func New(baseURL, token string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
		logger:  logger.With("component", "backend"),
	}
}

// do performs a simple JSON request against path and decodes the body
// into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("parsing %s response: %w", path, err)
		}
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// FetchMessages returns the full message log in arrival order.
func (c *Client) FetchMessages(ctx context.Context) ([]LogEntry, error) {
	var entries []LogEntry
	if err := c.do(ctx, http.MethodGet, "/messages", &entries); err != nil {
		return nil, err
	}
	c.logger.Debug("message log fetched", "entries", len(entries))
	return entries, nil
}

// ClearMessages erases the persisted messages for one chat id. The call
// is idempotent: a chat id the backend has never seen is not an error.
func (c *Client) ClearMessages(ctx context.Context, chatID string) error {
	path := "/messages/clear?chat_id=" + url.QueryEscape(chatID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("clearing messages: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		// 404 means the id was never persisted, which is fine.
		c.logger.Debug("messages cleared", "chat_id", chatID, "status", resp.StatusCode)
		return nil
	default:
		return fmt.Errorf("clear returned status %d", resp.StatusCode)
	}
}

// Health probes the backend and reports context provider readiness.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, "/health", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Usage fetches the aggregate token counters for the backend session.
func (c *Client) Usage(ctx context.Context) (*Usage, error) {
	var envelope usageEnvelope
	if err := c.do(ctx, http.MethodGet, "/tokens/usage", &envelope); err != nil {
		return nil, err
	}
	if !envelope.Success || envelope.Data == nil {
		return nil, fmt.Errorf("usage endpoint reported failure")
	}
	return envelope.Data, nil
}
