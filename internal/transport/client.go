package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/xelth-com/girosync/internal/sync"
)

const (
	maxResponseBody = 32 << 20
	maxSnippet      = 200
)

// ClientConfig identifies this device to the license server
type ClientConfig struct {
	LicenseKey   string
	HardwareID   string
	DeviceSecret string
	// Timeout caps a single HTTP exchange; the engine also sets a deadline
	// on every call
	Timeout time.Duration
}

// Client talks to the license server sync API over HTTP. It implements
// sync.Transport.
type Client struct {
	routes     *ConnectionManager
	tokens     *TokenSource
	licenseKey string
	hardwareID string
	httpClient *http.Client
	logger     *log.Logger
}

var _ sync.Transport = (*Client)(nil)

// NewClient creates a server client
func NewClient(cfg ClientConfig, routes *ConnectionManager, logger *log.Logger) (*Client, error) {
	if cfg.LicenseKey == "" {
		return nil, errors.New("license key is required for sync")
	}
	tokens, err := NewTokenSource(cfg.DeviceSecret, cfg.LicenseKey, cfg.HardwareID, 0)
	if err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		routes:     routes,
		tokens:     tokens,
		licenseKey: cfg.LicenseKey,
		hardwareID: cfg.HardwareID,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}, nil
}

// Push sends one batch of local changes
func (c *Client) Push(ctx context.Context, items []sync.PushItem) (*sync.PushResponse, error) {
	var resp pushResponse
	err := c.post(ctx, "push", pushRequest{HardwareID: c.hardwareID, Items: toWireItems(items)}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.toSync(), nil
}

// Pull fetches one page of changes after req.Since
func (c *Client) Pull(ctx context.Context, req sync.PullRequest) (*sync.PullResponse, error) {
	var resp pullResponse
	body := pullRequest{
		HardwareID:  c.hardwareID,
		EntityTypes: []sync.EntityType{req.EntityType},
		Since:       req.Since,
		Limit:       req.Limit,
	}
	if err := c.post(ctx, "pull", body, &resp); err != nil {
		return nil, err
	}
	return resp.toSync(), nil
}

// Status returns the server view of this device
func (c *Client) Status(ctx context.Context) (*sync.ServerStatus, error) {
	var resp statusResponse
	if err := c.post(ctx, "status", deviceRequest{HardwareID: c.hardwareID}, &resp); err != nil {
		return nil, err
	}
	return resp.toSync(), nil
}

// Reset resets the server cursor of this device for one type, or all
func (c *Client) Reset(ctx context.Context, entityType *sync.EntityType) error {
	return c.post(ctx, "reset", resetRequest{HardwareID: c.hardwareID, EntityType: entityType}, nil)
}

// FullSync asks the server to run a full sync for this device
func (c *Client) FullSync(ctx context.Context) (*sync.FullSyncResponse, error) {
	var resp fullSyncResponse
	if err := c.post(ctx, "full", deviceRequest{HardwareID: c.hardwareID}, &resp); err != nil {
		return nil, err
	}
	return &sync.FullSyncResponse{
		Success:   resp.Success,
		Pushed:    resp.Pushed,
		Pulled:    resp.Pulled,
		Conflicts: resp.Conflicts,
		Message:   resp.Message,
	}, nil
}

// post sends body to {route}/api/v1/sync/{license}/{op} and decodes the
// answer into out. Unreachable routes, timeouts, 5xx answers and unreadable
// bodies are transport failures; 4xx answers are rejections.
func (c *Client) post(ctx context.Context, op string, body interface{}, out interface{}) error {
	route, err := c.routes.SelectRoute(ctx)
	if err != nil {
		return &sync.TransportError{Op: op, Err: err}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", op, err)
	}
	token, err := c.tokens.Token()
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/api/v1/sync/%s/%s", route, url.PathEscape(c.licenseKey), op)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-License-Key", c.licenseKey)
	req.Header.Set("X-Hardware-ID", c.hardwareID)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.routes.ReportFailure(route, err)
		return &sync.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return &sync.TransportError{Op: op, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	switch {
	case resp.StatusCode >= 500:
		err := fmt.Errorf("server returned %d: %s", resp.StatusCode, snippet(data))
		c.routes.ReportFailure(route, err)
		return &sync.TransportError{Op: op, Err: err}
	case resp.StatusCode >= 400:
		c.logger.Printf("❌ Sync %s rejected with %d: %s", op, resp.StatusCode, snippet(data))
		return fmt.Errorf("%w: %s returned %d: %s", sync.ErrRejected, op, resp.StatusCode, snippet(data))
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &sync.TransportError{Op: op, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

// snippet shortens a response body for error messages, cutting on a rune boundary
func snippet(data []byte) string {
	s := strings.TrimSpace(string(data))
	if len(s) <= maxSnippet {
		return s
	}
	cut := maxSnippet
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
