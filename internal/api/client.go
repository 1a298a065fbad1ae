package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"dnsbypass/internal/utils"
	"dnsbypass/internal/vpn"
)

// APIError is a non-2xx reply from the agent
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("agent returned %d", e.Status)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

// Client talks to a running agent's local API
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a client for the agent on 127.0.0.1:port
func NewClient(port int, token string) *Client {
	return NewClientWithURL(fmt.Sprintf("http://127.0.0.1:%d", port), token, nil)
}

// NewClientWithURL creates a client for baseURL. A nil httpClient gets a
// default with a timeout long enough to cover a queued tunnel operation.
func NewClientWithURL(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 70 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var out HealthResponse
	err := c.do(ctx, http.MethodGet, "/api/health", nil, &out)
	return out, err
}

func (c *Client) State(ctx context.Context) (vpn.Snapshot, error) {
	var out vpn.Snapshot
	err := c.do(ctx, http.MethodGet, "/api/state", nil, &out)
	return out, err
}

// Servers lists the catalog; probe asks the agent to check reachability
func (c *Client) Servers(ctx context.Context, probe bool) (ServersResponse, error) {
	path := "/api/servers"
	if probe {
		path += "?probe=true"
	}
	var out ServersResponse
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Enable turns the bypass on; an empty serverID keeps the current selection
func (c *Client) Enable(ctx context.Context, serverID string) (vpn.Snapshot, error) {
	var out vpn.Snapshot
	err := c.do(ctx, http.MethodPost, "/api/enable", ServerRequest{ServerID: serverID}, &out)
	return out, err
}

func (c *Client) Disable(ctx context.Context) (vpn.Snapshot, error) {
	var out vpn.Snapshot
	err := c.do(ctx, http.MethodPost, "/api/disable", nil, &out)
	return out, err
}

func (c *Client) Switch(ctx context.Context, serverID string) (vpn.Snapshot, error) {
	var out vpn.Snapshot
	err := c.do(ctx, http.MethodPost, "/api/switch", ServerRequest{ServerID: serverID}, &out)
	return out, err
}

func (c *Client) Refresh(ctx context.Context) (ServersResponse, error) {
	var out ServersResponse
	err := c.do(ctx, http.MethodPost, "/api/refresh", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", bearerPrefix+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("agent not reachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := utils.ReadAllLimited(resp.Body, utils.MaxCatalogSize)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var e ErrorResponse
		if json.Unmarshal(data, &e) == nil {
			apiErr.Code = e.Code
			apiErr.Message = e.Error
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
