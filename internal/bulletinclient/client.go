// Package bulletinclient is a small HTTP client for a running relay.
package bulletinclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/blackmichael/bulletin-relay/internal/domain"
	"github.com/blackmichael/bulletin-relay/internal/inbound"
)

const defaultBaseURL = "http://localhost:3000"

// Client talks to the relay's HTTP surface.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new relay client. If baseURL is empty, it defaults to
// http://localhost:3000.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// List returns the relay's bulletins, newest first.
func (c *Client) List(ctx context.Context) ([]domain.Bulletin, error) {
	var resp listResponse
	if err := c.do(ctx, http.MethodGet, "/bulletins", "", nil, &resp); err != nil {
		return nil, fmt.Errorf("list bulletins: %w", err)
	}
	return resp.Bulletins, nil
}

// Post submits ev through the webhook and returns the outcome reported by
// the relay.
func (c *Client) Post(ctx context.Context, secret string, ev domain.Event) (string, error) {
	payload, err := inbound.EncodeEvent(ev)
	if err != nil {
		return "", err
	}

	var resp postResponse
	if err := c.do(ctx, http.MethodPost, "/webhook", secret, payload, &resp); err != nil {
		return "", fmt.Errorf("post event: %w", err)
	}
	return resp.Outcome, nil
}

// Health reports whether the relay answers its health check.
func (c *Client) Health(ctx context.Context) error {
	if err := c.do(ctx, http.MethodGet, "/health", "", nil, nil); err != nil {
		return fmt.Errorf("health: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path, token string, payload []byte, result any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}

	return nil
}

type listResponse struct {
	Bulletins []domain.Bulletin `json:"bulletins"`
}

type postResponse struct {
	Outcome string `json:"outcome"`
}
