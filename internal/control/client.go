package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Client is a control socket client.
type Client struct {
	socketPath string
	httpClient *http.Client
}

// NewClient creates a new control client.
func NewClient(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}

	return &Client{
		socketPath: socketPath,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   10 * time.Second,
		},
	}
}

// Status retrieves the daemon status.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var status StatusResponse
	if err := c.call(ctx, http.MethodGet, "/status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Queue retrieves offline queue statistics.
func (c *Client) Queue(ctx context.Context) (*QueueResponse, error) {
	var stats QueueResponse
	if err := c.call(ctx, http.MethodGet, "/queue", &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// ClearFailed removes failed queue entries.
func (c *Client) ClearFailed(ctx context.Context) (*ClearFailedResponse, error) {
	var cleared ClearFailedResponse
	if err := c.call(ctx, http.MethodPost, "/queue/clear-failed", &cleared); err != nil {
		return nil, err
	}
	return &cleared, nil
}

// call performs a request to the control socket.
func (c *Client) call(ctx context.Context, method, path string, out any) error {
	// Dummy host, the transport dials the Unix socket
	url := "http://localhost" + path

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed (is the daemon running?): %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// Close closes the client.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
