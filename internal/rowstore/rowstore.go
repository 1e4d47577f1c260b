// Package rowstore provides the HTTP client for the hosted row store.
// The row store holds the public key directory and per-session status
// rows. Writes to it are best-effort from the relay core's point of
// view: callers log failures and keep going.
package rowstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("rowstore: not found")

// DirectoryEntry is a public key directory row. A device has at most
// one active entry; upserts overwrite (last write wins).
type DirectoryEntry struct {
	DeviceID    string `json:"device_id"`
	PublicKey   string `json:"public_key"` // hex, 32 bytes
	Fingerprint string `json:"fingerprint"`
}

// SessionRow is a session status row. The relay path is the source of
// truth for liveness; these rows carry historical/session metadata only.
type SessionRow struct {
	SessionID      string    `json:"session_id"`
	MachineID      string    `json:"machine_id"`
	AgentType      string    `json:"agent_type"`
	ProjectPath    string    `json:"project_path"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Config contains row store client configuration.
type Config struct {
	BaseURL   string
	AuthToken string
	Timeout   time.Duration
}

// Client talks to the hosted row store over HTTP.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

// NewClient creates a row store client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("rowstore: base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("rowstore: invalid base URL: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Client{
		baseURL:   cfg.BaseURL,
		authToken: cfg.AuthToken,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// GetKey fetches the directory entry for a device.
func (c *Client) GetKey(ctx context.Context, deviceID string) (*DirectoryEntry, error) {
	var entry DirectoryEntry
	if err := c.do(ctx, http.MethodGet, "/v1/keys/"+url.PathEscape(deviceID), nil, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// PutKey upserts a directory entry, overwriting any previous key for
// the same device.
func (c *Client) PutKey(ctx context.Context, entry *DirectoryEntry) error {
	return c.do(ctx, http.MethodPut, "/v1/keys/"+url.PathEscape(entry.DeviceID), entry, nil)
}

// UpsertSession writes a session status row.
func (c *Client) UpsertSession(ctx context.Context, row *SessionRow) error {
	return c.do(ctx, http.MethodPut, "/v1/sessions/"+url.PathEscape(row.SessionID), row, nil)
}

// GetSessions lists session rows for a machine.
func (c *Client) GetSessions(ctx context.Context, machineID string) ([]SessionRow, error) {
	var rows []SessionRow
	path := "/v1/sessions?machine_id=" + url.QueryEscape(machineID)
	if err := c.do(ctx, http.MethodGet, path, nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// RegisterPushToken registers a push notification token for a device.
// Callers treat failures as non-fatal.
func (c *Client) RegisterPushToken(ctx context.Context, deviceID, token string) error {
	body := map[string]string{"device_id": deviceID, "token": token}
	return c.do(ctx, http.MethodPost, "/v1/push-tokens", body, nil)
}

// do performs an HTTP request with JSON encoding on both sides.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("rowstore: encode request: %w", err)
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
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rowstore: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("rowstore: %s %s: status %d: %s", method, path, resp.StatusCode, string(data))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("rowstore: decode response: %w", err)
		}
	}
	return nil
}
