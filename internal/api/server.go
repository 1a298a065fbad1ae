// Package api exposes the bypass controller over a loopback HTTP API for the
// CLI and menu bar clients.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"dnsbypass/internal/catalog"
	"dnsbypass/internal/tunnel"
	"dnsbypass/internal/utils"
	"dnsbypass/internal/vpn"

	"github.com/sirupsen/logrus"
)

// Controller is the subset of vpn.Controller the API drives
type Controller interface {
	Snapshot() vpn.Snapshot
	Servers() []catalog.Server
	Enable(ctx context.Context, serverID string) error
	Disable(ctx context.Context) error
	SwitchServer(ctx context.Context, serverID string) error
	RefreshCatalog(ctx context.Context) []catalog.Server
	Subscribe() (<-chan vpn.Snapshot, func())
}

// Prober checks reachability of catalog entries
type Prober interface {
	Probe(ctx context.Context, servers []catalog.Server) []catalog.ProbeResult
}

// CatalogInfo reports where the current server list came from
type CatalogInfo interface {
	Info() catalog.Info
}

// Options carries the optional collaborators of a Server
type Options struct {
	Version     string
	Prober      Prober
	CatalogInfo CatalogInfo
	RateLimit   int
	RateWindow  time.Duration
}

// Server is the local control API over a Controller
type Server struct {
	ctrl        Controller
	tokens      *APITokenManager
	rateLimiter *RateLimiter
	ws          *WSServer
	opts        Options
	started     time.Time
	server      *http.Server
}

// HealthResponse is returned by /api/health
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Uptime  string `json:"uptime"`
}

// ServersResponse is returned by /api/servers
type ServersResponse struct {
	Servers  []catalog.Server      `json:"servers"`
	Selected string                `json:"selected"`
	Catalog  *catalog.Info         `json:"catalog,omitempty"`
	Probes   []catalog.ProbeResult `json:"probes,omitempty"`
}

// ServerRequest selects a catalog entry for enable and switch
type ServerRequest struct {
	ServerID string `json:"serverId"`
}

// ErrorResponse is the body of every non-2xx reply
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// NewServer creates an API server for ctrl
func NewServer(ctrl Controller, tokens *APITokenManager, opts Options) *Server {
	if opts.RateLimit <= 0 {
		opts.RateLimit = 60
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = time.Minute
	}
	ws := NewWSServer(func() WSMessage {
		return stateMessage(ctrl.Snapshot())
	})
	return &Server{
		ctrl:        ctrl,
		tokens:      tokens,
		rateLimiter: NewRateLimiter(opts.RateLimit, opts.RateWindow),
		ws:          ws,
		opts:        opts,
		started:     time.Now(),
	}
}

// Handler builds the API routes. Reads are open on loopback; anything that
// changes tunnel state needs the bearer token.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	rl := s.rateLimiter.RateLimitMiddleware
	auth := s.tokens.AuthMiddleware

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/servers", s.handleServers)
	mux.HandleFunc("/api/ws", s.ws.ServeWS)

	mux.HandleFunc("/api/enable", rl(auth(s.handleEnable)))
	mux.HandleFunc("/api/disable", rl(auth(s.handleDisable)))
	mux.HandleFunc("/api/switch", rl(auth(s.handleSwitch)))
	mux.HandleFunc("/api/refresh", rl(auth(s.handleRefresh)))

	return mux
}

// Run relays controller snapshots to WebSocket clients until ctx is done
func (s *Server) Run(ctx context.Context) {
	updates, cancel := s.ctrl.Subscribe()
	defer cancel()

	go s.ws.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			s.ws.BroadcastState(snap)
		}
	}
}

// Start listens on the loopback interface until Stop is called
func (s *Server) Start(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", port, err)
	}
	return s.Serve(ln)
}

// Serve handles API requests on ln
func (s *Server) Serve(ln net.Listener) error {
	// enable and switch may wait on a tunnel operation
	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 75 * time.Second,
	}

	logrus.Infof("Starting API server on %s", ln.Addr())
	err := s.server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the server down, waiting for in-flight requests until ctx ends
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: s.opts.Version,
		Uptime:  time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	s.writeServers(w, r, s.ctrl.Servers())
}

func (s *Server) writeServers(w http.ResponseWriter, r *http.Request, servers []catalog.Server) {
	resp := ServersResponse{
		Servers:  servers,
		Selected: s.ctrl.Snapshot().SelectedServer.ID,
	}
	if s.opts.CatalogInfo != nil {
		info := s.opts.CatalogInfo.Info()
		resp.Catalog = &info
	}
	if r.URL.Query().Get("probe") == "true" && s.opts.Prober != nil {
		resp.Probes = s.opts.Prober.Probe(r.Context(), servers)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req ServerRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	s.respond(w, s.ctrl.Enable(r.Context(), req.ServerID))
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	s.respond(w, s.ctrl.Disable(r.Context()))
}

func (s *Server) handleSwitch(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req ServerRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.ServerID == "" {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "serverId is required")
		return
	}
	s.respond(w, s.ctrl.SwitchServer(r.Context(), req.ServerID))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	s.writeServers(w, r, s.ctrl.RefreshCatalog(r.Context()))
}

// respond writes the post-operation snapshot, or the mapped error
func (s *Server) respond(w http.ResponseWriter, err error) {
	if err != nil {
		status, code := errorStatus(err)
		logrus.WithError(err).WithField("code", code).Warn("API operation failed")
		writeJSONError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

// errorStatus maps controller and tunnel errors to an HTTP status and a
// stable code. Tunnel kinds are checked first since a failed stop can be
// joined with a persistence failure.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, tunnel.ErrPermissionDenied):
		return http.StatusForbidden, "permission_denied"
	case errors.Is(err, tunnel.ErrPlatformUnsupported):
		return http.StatusNotImplemented, "platform_unsupported"
	case errors.Is(err, tunnel.ErrDriverUnavailable):
		return http.StatusServiceUnavailable, "driver_unavailable"
	case errors.Is(err, tunnel.ErrStartFailed):
		return http.StatusBadGateway, "start_failed"
	case errors.Is(err, tunnel.ErrStopFailed):
		return http.StatusBadGateway, "stop_failed"
	case errors.Is(err, vpn.ErrNotReady):
		return http.StatusServiceUnavailable, "not_ready"
	case errors.Is(err, vpn.ErrBusy):
		return http.StatusConflict, "busy"
	case errors.Is(err, vpn.ErrUnknownServer):
		return http.StatusNotFound, "unknown_server"
	case errors.Is(err, vpn.ErrInvalidState):
		return http.StatusBadRequest, "invalid_state"
	case errors.Is(err, vpn.ErrPersist):
		return http.StatusInternalServerError, "persist_failed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	}
	return http.StatusInternalServerError, "internal"
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		return false
	}
	return true
}

// decodeBody reads an optional JSON body; an empty body leaves v untouched
func decodeBody(r *http.Request, v interface{}) error {
	data, err := utils.ReadAllLimited(r.Body, utils.MaxHTTPBodySize)
	if err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Debug("Failed to write API response")
	}
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}
