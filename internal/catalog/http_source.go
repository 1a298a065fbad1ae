package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"dnsbypass/internal/utils"
)

// ServersPath is the backend endpoint listing DNS servers
const ServersPath = "/api/dns-servers"

// HTTPSource fetches the catalog from the backend API
type HTTPSource struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPSource creates a source for baseURL. token may be empty.
func NewHTTPSource(baseURL, token string, client *http.Client) *HTTPSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
	}
}

func (s *HTTPSource) Name() string {
	return "http"
}

// Fetch requests the server list. Non-2xx responses are failures and carry
// the backend's error message when one is present.
func (s *HTTPSource) Fetch(ctx context.Context) ([]RemoteServer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+ServersPath, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := utils.ReadAllLimited(resp.Body, utils.MaxCatalogSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("catalog request failed: %s (HTTP %d)", apiErr.Error, resp.StatusCode)
		}
		return nil, fmt.Errorf("catalog request failed: HTTP %d", resp.StatusCode)
	}

	var servers []RemoteServer
	if err := json.Unmarshal(data, &servers); err != nil {
		return nil, fmt.Errorf("malformed catalog payload: %w", err)
	}
	return servers, nil
}
