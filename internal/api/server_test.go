package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dnsbypass/internal/catalog"
	"dnsbypass/internal/prefs"
	"dnsbypass/internal/tunnel"
	"dnsbypass/internal/tunnel/tunneltest"
	"dnsbypass/internal/vpn"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProber struct {
	calls int
}

func (p *stubProber) Probe(ctx context.Context, servers []catalog.Server) []catalog.ProbeResult {
	p.calls++
	results := make([]catalog.ProbeResult, 0, len(servers))
	for _, s := range servers {
		results = append(results, catalog.ProbeResult{ServerID: s.ID, Address: s.Primary, Reachable: true})
	}
	return results
}

type apiHarness struct {
	driver *tunneltest.Fake
	store  *prefs.MemoryStore
	ctrl   *vpn.Controller
	prober *stubProber
	server *Server
	http   *httptest.Server
	client *Client
	anon   *Client
}

func newAPIHarness(t *testing.T, reconcile bool) *apiHarness {
	t.Helper()

	origBackoff := prefs.RetryBackoff
	prefs.RetryBackoff = time.Millisecond
	t.Cleanup(func() { prefs.RetryBackoff = origBackoff })

	h := &apiHarness{
		driver: tunneltest.NewFake(),
		store:  prefs.NewMemoryStore(),
		prober: &stubProber{},
	}
	cat := catalog.New(nil, time.Second)
	h.ctrl = vpn.New(h.store, cat, h.driver, 5*time.Second)
	if reconcile {
		require.NoError(t, h.ctrl.Reconcile(context.Background()))
	}

	tokens := NewAPITokenManager(filepath.Join(t.TempDir(), "api_token"))
	token, err := tokens.EnsureToken()
	require.NoError(t, err)

	h.server = NewServer(h.ctrl, tokens, Options{
		Version:     "test",
		Prober:      h.prober,
		CatalogInfo: cat,
		RateLimit:   1000,
	})
	h.http = httptest.NewServer(h.server.Handler())
	t.Cleanup(h.http.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.server.Run(ctx)

	h.client = NewClientWithURL(h.http.URL, token, nil)
	h.anon = NewClientWithURL(h.http.URL, "", nil)
	return h
}

func requireAPIError(t *testing.T, err error, status int, code string) {
	t.Helper()
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr), "expected APIError, got %v", err)
	assert.Equal(t, status, apiErr.Status)
	assert.Equal(t, code, apiErr.Code)
}

func TestHealth(t *testing.T) {
	h := newAPIHarness(t, true)

	health, err := h.client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "test", health.Version)
}

func TestStateBeforeReconcile(t *testing.T) {
	h := newAPIHarness(t, false)
	ctx := context.Background()

	state, err := h.anon.State(ctx)
	require.NoError(t, err)
	assert.False(t, state.Ready)
	assert.Equal(t, vpn.StateDisabled, state.State)

	_, err = h.client.Enable(ctx, "")
	requireAPIError(t, err, http.StatusServiceUnavailable, "not_ready")
}

func TestMutationsRequireToken(t *testing.T) {
	h := newAPIHarness(t, true)
	ctx := context.Background()

	_, err := h.anon.Enable(ctx, "")
	requireAPIError(t, err, http.StatusUnauthorized, "unauthorized")

	_, err = NewClientWithURL(h.http.URL, "wrong", nil).Disable(ctx)
	requireAPIError(t, err, http.StatusUnauthorized, "unauthorized")

	assert.Empty(t, h.driver.Calls())
}

func TestEnableSwitchDisable(t *testing.T) {
	h := newAPIHarness(t, true)
	ctx := context.Background()

	snap, err := h.client.Enable(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, vpn.StateEnabled, snap.State)
	assert.Equal(t, "cloudflare", snap.SelectedServer.ID)
	assert.Equal(t, "1.1.1.1", snap.ActiveDNS)
	assert.True(t, h.driver.Running())

	snap, err = h.client.Switch(ctx, "google")
	require.NoError(t, err)
	assert.Equal(t, vpn.StateEnabled, snap.State)
	assert.Equal(t, "8.8.8.8", snap.ActiveDNS)

	_, err = h.client.Switch(ctx, "nope")
	requireAPIError(t, err, http.StatusNotFound, "unknown_server")

	_, err = h.client.Enable(ctx, "cloudflare")
	requireAPIError(t, err, http.StatusBadRequest, "invalid_state")

	snap, err = h.client.Disable(ctx)
	require.NoError(t, err)
	assert.Equal(t, vpn.StateDisabled, snap.State)
	assert.False(t, snap.RequestedEnabled)
	assert.False(t, h.driver.Running())
}

func TestEnableErrors(t *testing.T) {
	t.Run("PermissionDenied", func(t *testing.T) {
		h := newAPIHarness(t, true)
		h.driver.SetPermission(false)
		_, err := h.client.Enable(context.Background(), "")
		requireAPIError(t, err, http.StatusForbidden, "permission_denied")
	})

	t.Run("Unsupported", func(t *testing.T) {
		h := newAPIHarness(t, true)
		h.driver.SetUnsupported(true)
		_, err := h.client.Enable(context.Background(), "")
		requireAPIError(t, err, http.StatusNotImplemented, "platform_unsupported")
	})

	t.Run("StartFailed", func(t *testing.T) {
		h := newAPIHarness(t, true)
		h.driver.FailStart(errors.New("exit status 1"))
		_, err := h.client.Enable(context.Background(), "")
		requireAPIError(t, err, http.StatusBadGateway, "start_failed")

		state, err := h.client.State(context.Background())
		require.NoError(t, err)
		assert.Equal(t, vpn.StateDisabled, state.State)
		assert.False(t, state.RequestedEnabled)
	})
}

func TestBadRequests(t *testing.T) {
	h := newAPIHarness(t, true)

	do := func(method, path, body string) *http.Response {
		req, err := http.NewRequest(method, h.http.URL+path, strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Authorization", bearerPrefix+h.client.token)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	t.Run("MalformedBody", func(t *testing.T) {
		resp := do(http.MethodPost, "/api/enable", "{not json")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		var body ErrorResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "bad_request", body.Code)
	})

	t.Run("OversizedBody", func(t *testing.T) {
		resp := do(http.MethodPost, "/api/enable", fmt.Sprintf(`{"serverId":"%s"}`, strings.Repeat("x", 70*1024)))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("SwitchWithoutServer", func(t *testing.T) {
		resp := do(http.MethodPost, "/api/switch", "{}")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("WrongMethod", func(t *testing.T) {
		resp := do(http.MethodGet, "/api/enable", "")
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
		assert.Equal(t, http.MethodPost, resp.Header.Get("Allow"))
	})

	assert.Empty(t, h.driver.Calls())
}

func TestServers(t *testing.T) {
	h := newAPIHarness(t, true)
	ctx := context.Background()

	list, err := h.anon.Servers(ctx, false)
	require.NoError(t, err)
	require.Len(t, list.Servers, 2)
	assert.Equal(t, "cloudflare", list.Selected)
	require.NotNil(t, list.Catalog)
	assert.Equal(t, "fallback", list.Catalog.Source)
	assert.Empty(t, list.Probes)
	assert.Zero(t, h.prober.calls)

	list, err = h.anon.Servers(ctx, true)
	require.NoError(t, err)
	require.Len(t, list.Probes, 2)
	assert.True(t, list.Probes[0].Reachable)

	refreshed, err := h.client.Refresh(ctx)
	require.NoError(t, err)
	assert.Len(t, refreshed.Servers, 2)
}

func TestWebSocketStateUpdates(t *testing.T) {
	h := newAPIHarness(t, true)

	wsURL := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	readState := func() vpn.Snapshot {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var msg struct {
			Type string       `json:"type"`
			Data vpn.Snapshot `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, "state_update", msg.Type)
		return msg.Data
	}

	first := readState()
	assert.Equal(t, vpn.StateDisabled, first.State)

	_, err = h.client.Enable(context.Background(), "")
	require.NoError(t, err)

	for {
		if snap := readState(); snap.State == vpn.StateEnabled {
			assert.True(t, snap.TunnelConnected)
			break
		}
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"permission", tunnel.Wrap(tunnel.ErrPermissionDenied, "enable", nil), http.StatusForbidden, "permission_denied"},
		{"unsupported", tunnel.Wrap(tunnel.ErrPlatformUnsupported, "start", nil), http.StatusNotImplemented, "platform_unsupported"},
		{"driver unavailable", tunnel.Wrap(tunnel.ErrDriverUnavailable, "status", nil), http.StatusServiceUnavailable, "driver_unavailable"},
		{"stop failed", tunnel.Wrap(tunnel.ErrStopFailed, "stop", errors.New("boom")), http.StatusBadGateway, "stop_failed"},
		{"stop and persist", errors.Join(tunnel.Wrap(tunnel.ErrStopFailed, "stop", nil), vpn.ErrPersist), http.StatusBadGateway, "stop_failed"},
		{"busy", vpn.ErrBusy, http.StatusConflict, "busy"},
		{"unknown server", fmt.Errorf("%w: x", vpn.ErrUnknownServer), http.StatusNotFound, "unknown_server"},
		{"persist", fmt.Errorf("%w: disk full", vpn.ErrPersist), http.StatusInternalServerError, "persist_failed"},
		{"cancelled", context.Canceled, http.StatusGatewayTimeout, "timeout"},
		{"other", errors.New("???"), http.StatusInternalServerError, "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code := errorStatus(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}
