package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Client invokes admin commands on a running tap
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the admin server at addr ("host:port" or a URL)
func NewClient(addr string) *Client {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{
		baseURL: strings.TrimRight(base, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// SetFilter sends the set_filter command and returns the server's message.
// A rejected pattern is not an error; the message explains the rejection.
func (c *Client) SetFilter(ctx context.Context, pattern string) (string, error) {
	payload, err := json.Marshal(SetFilterRequest{Pattern: pattern})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/commands/set_filter", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to reach admin server: %w", err)
	}
	defer resp.Body.Close()

	var out CommandResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("unexpected admin response (%s): %w", resp.Status, err)
	}
	return out.Message, nil
}

// Filter returns the filter currently installed on the tap
func (c *Client) Filter(ctx context.Context) (FilterResponse, error) {
	var out FilterResponse

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/filter", nil)
	if err != nil {
		return out, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return out, fmt.Errorf("failed to reach admin server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return out, fmt.Errorf("unexpected admin response: %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("failed to decode filter: %w", err)
	}
	return out, nil
}
