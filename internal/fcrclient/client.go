// Package fcrclient is the HTTP client other instances are reached with
// when a bulk request is sharded across the fleet.
package fcrclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/marcus-qen/fcr/internal/protocol"
)

// Client talks to one peer instance.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the peer at baseURL (e.g. "http://fcr-2:6699").
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Name identifies the peer in logs.
func (c *Client) Name() string { return c.baseURL }

type apiError struct {
	Error string             `json:"error"`
	Code  protocol.ErrorCode `json:"code,omitempty"`
}

// BulkRunLocal forwards a bulk chunk to the peer. A 503 maps back to an
// OverloadedError so the dispatcher can retry the chunk elsewhere.
func (c *Client) BulkRunLocal(ctx context.Context, req protocol.BulkRunRequest) (protocol.BulkRunResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal bulk request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/bulk-run-local", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("peer %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusServiceUnavailable {
		var ae apiError
		_ = json.NewDecoder(resp.Body).Decode(&ae)
		if ae.Error == "" {
			ae.Error = "instance overloaded"
		}
		return nil, protocol.Overloadedf("peer %s: %s", c.baseURL, ae.Error)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var ae apiError
		if json.Unmarshal(data, &ae) == nil && ae.Error != "" {
			return nil, fmt.Errorf("peer %s: %s", c.baseURL, ae.Error)
		}
		return nil, fmt.Errorf("peer %s: status %d", c.baseURL, resp.StatusCode)
	}

	var out protocol.BulkRunResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("peer %s: decode response: %w", c.baseURL, err)
	}
	return out, nil
}
