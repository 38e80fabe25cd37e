package planner

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

// DefaultTimeout bounds one planning request.
const DefaultTimeout = 5 * time.Minute

// Client queries a remote planner module over HTTP. The module is expected to
// answer POST <endpoint>/plan with {"routes": [...]}.
type Client struct {
	endpoint string
	http     *http.Client
}

// NewClient creates a client for the planner at endpoint. A zero timeout
// falls back to DefaultTimeout.
func NewClient(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     &http.Client{Timeout: timeout},
	}
}

type planResponse struct {
	Routes []Route `json:"routes"`
}

// Plan posts the query and decodes the returned routes.
func (c *Client) Plan(ctx context.Context, q Query) ([]Route, error) {
	body, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("encoding plan query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/plan", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("planner %s: status %d", c.endpoint, resp.StatusCode)
	}

	var pr planResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, fmt.Errorf("decoding plan response: %w", err)
	}
	return pr.Routes, nil
}
