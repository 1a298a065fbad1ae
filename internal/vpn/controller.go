package vpn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"dnsbypass/internal/audit"
	"dnsbypass/internal/catalog"
	"dnsbypass/internal/prefs"
	"dnsbypass/internal/tunnel"

	"github.com/sirupsen/logrus"
)

// DefaultOpTimeout bounds a single driver call
const DefaultOpTimeout = 30 * time.Second

// errTunnelLost is recorded when the tunnel disappears without a request
var errTunnelLost = errors.New("tunnel stopped outside the agent")

// ServerCatalog supplies the selectable servers
type ServerCatalog interface {
	Load(ctx context.Context) []catalog.Server
	Servers() []catalog.Server
}

// call is one queued or running operation. Requests with the same key
// share a call and its result.
type call struct {
	key     string
	start   chan struct{}
	done    chan struct{}
	err     error
	// waiters counts callers that joined this call; kept for introspection
	waiters int
}

func newCall(key string) *call {
	return &call{
		key:   key,
		start: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Controller is the single owner of the session state.
//
// At most one operation runs at a time. While one runs, one more request
// may wait behind it; a request identical to the running or waiting one
// joins it instead, and anything else fails with ErrBusy. Once queued, an
// operation runs to completion even if the caller stops waiting.
type Controller struct {
	store     prefs.Store
	catalog   ServerCatalog
	driver    tunnel.Driver
	opTimeout time.Duration

	mu             sync.Mutex
	ready          bool
	state          State
	servers        []catalog.Server
	selected       catalog.Server
	requested      bool
	connected      bool
	activeDNS      string
	activeServerID string
	permission     bool
	lastErr        error

	inflight *call
	pending  *call

	subs map[chan Snapshot]struct{}
}

// New creates a controller. It accepts no operations until Reconcile has run.
// A nil driver makes every enable fail with tunnel.ErrDriverUnavailable.
func New(store prefs.Store, cat ServerCatalog, driver tunnel.Driver, opTimeout time.Duration) *Controller {
	if opTimeout <= 0 {
		opTimeout = DefaultOpTimeout
	}
	servers := cat.Servers()
	return &Controller{
		store:     store,
		catalog:   cat,
		driver:    driver,
		opTimeout: opTimeout,
		state:     StateDisabled,
		servers:   servers,
		selected:  catalog.ResolveDefault(servers),
		subs:      make(map[chan Snapshot]struct{}),
	}
}

// Snapshot returns the current state
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Servers returns the catalog the controller resolves selections against
func (c *Controller) Servers() []catalog.Server {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]catalog.Server(nil), c.servers...)
}

// Subscribe returns a channel receiving a snapshot after every change.
// Snapshots are dropped for a subscriber that is not keeping up.
func (c *Controller) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 16)

	c.mu.Lock()
	c.subs[ch] = struct{}{}
	c.mu.Unlock()

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.subs[ch]; ok {
			delete(c.subs, ch)
			close(ch)
		}
	}
}

// Reconcile aligns persisted intent with the tunnel's actual state. It
// never restarts a tunnel: intent of "enabled" without a running tunnel is
// corrected to disabled. Failures resolve to Disabled rather than errors.
func (c *Controller) Reconcile(ctx context.Context) error {
	cl, owned, err := c.acquire("reconcile", false)
	if err != nil {
		return err
	}
	if !owned {
		return c.wait(ctx, cl)
	}
	<-cl.start
	c.reconcile(ctx)
	c.release(cl, nil)
	return nil
}

// Enable starts the tunnel on serverID, or on the selected server when
// serverID is empty. Enabling an already enabled session on the same server
// is a no-op.
func (c *Controller) Enable(ctx context.Context, serverID string) error {
	return c.do(ctx, "enable:"+serverID, func(ctx context.Context) error {
		return c.enable(ctx, serverID)
	})
}

// Disable stops the tunnel. Intent is recorded as disabled even when the
// stop fails.
func (c *Controller) Disable(ctx context.Context) error {
	return c.do(ctx, "disable", c.disable)
}

// SwitchServer selects serverID. When enabled the tunnel is restarted on
// the new server.
func (c *Controller) SwitchServer(ctx context.Context, serverID string) error {
	return c.do(ctx, "switch:"+serverID, func(ctx context.Context) error {
		return c.switchServer(ctx, serverID)
	})
}

// RefreshCatalog reloads the catalog. A selection that vanished is re-pinned
// to the default now when idle, or at the start of the next operation.
// A running tunnel keeps its server until the user changes it.
func (c *Controller) RefreshCatalog(ctx context.Context) []catalog.Server {
	servers := c.catalog.Load(ctx)

	c.mu.Lock()
	c.servers = servers
	ready := c.ready
	c.mu.Unlock()

	audit.Log(audit.EventCatalogRefresh, "info", "DNS server catalog refreshed", map[string]interface{}{
		"servers": len(servers),
	})

	if !ready {
		return servers
	}

	cl, ok := c.tryAcquire("refresh")
	if !ok {
		logrus.Debug("Operation in flight, selection check deferred")
		return servers
	}
	defer c.release(cl, nil)

	c.mu.Lock()
	server, stale := c.repinLocked()
	if stale {
		c.publishLocked()
	}
	c.mu.Unlock()

	if stale {
		logrus.WithField("server", server.ID).Info("Selected DNS server left the catalog, using default")
		if err := c.persist(ctx, prefs.KeyDNSServer, server.ID); err != nil {
			logrus.WithError(err).Warn("Failed to persist re-pinned DNS server")
		}
	}
	return servers
}

// Monitor polls the tunnel every interval until ctx ends
func (c *Controller) Monitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Poll(ctx)
		}
	}
}

// Poll checks whether an enabled tunnel is still running. A tunnel that
// stopped on its own moves the session to Disabled and records that intent.
// A failed check keeps the cached state. Poll does nothing while an
// operation is in flight.
func (c *Controller) Poll(ctx context.Context) {
	cl, ok := c.tryAcquire("poll")
	if !ok {
		return
	}
	defer c.release(cl, nil)

	c.mu.Lock()
	if !c.ready || c.state != StateEnabled {
		c.mu.Unlock()
		return
	}
	serverID := c.activeServerID
	dns := c.activeDNS
	c.mu.Unlock()

	status, err := c.isRunning(ctx)
	if err != nil {
		logrus.WithError(err).Debug("Tunnel status unavailable, keeping cached state")
		return
	}
	if status.Connected {
		return
	}

	logrus.WithField("dns", dns).Warn("Tunnel stopped outside the agent")
	perr := c.persist(ctx, prefs.KeyDNSEnabled, prefs.FormatBool(false))
	if perr != nil {
		logrus.WithError(perr).Error("Failed to record disabled intent")
	}

	c.mu.Lock()
	c.state = StateDisabled
	c.requested = false
	c.clearTunnelLocked()
	c.failLocked(errTunnelLost)
	c.mu.Unlock()

	audit.LogTunnelOp(audit.EventTunnelLost, serverID, dns, nil)
}

func (c *Controller) reconcile(ctx context.Context) {
	enabled, err := prefs.GetBool(c.store, prefs.KeyDNSEnabled)
	if err != nil {
		logrus.WithError(err).Warn("Failed to read DNS intent, assuming disabled")
		enabled = false
	}
	savedID, _, err := c.store.Get(prefs.KeyDNSServer)
	if err != nil {
		logrus.WithError(err).Warn("Failed to read selected DNS server")
		savedID = ""
	}

	servers := c.catalog.Load(ctx)
	server, found := catalog.Lookup(servers, savedID)
	if !found {
		server = catalog.ResolveDefault(servers)
		if savedID != "" {
			logrus.WithFields(logrus.Fields{
				"saved":   savedID,
				"default": server.ID,
			}).Info("Saved DNS server not in catalog, using default")
			if err := c.persist(ctx, prefs.KeyDNSServer, server.ID); err != nil {
				logrus.WithError(err).Warn("Failed to persist default DNS server")
			}
		}
	}

	permission := c.driver != nil && c.driver.HasPermission()

	connected := false
	if enabled {
		if tunnel.IsSupported(c.driver) {
			status, err := c.isRunning(ctx)
			if err != nil {
				logrus.WithError(err).Warn("Tunnel status unavailable, treating as stopped")
			} else {
				connected = status.Connected
			}
		}
		if !connected {
			logrus.Info("DNS bypass was enabled but the tunnel is not running; disabling")
			if err := c.persist(ctx, prefs.KeyDNSEnabled, prefs.FormatBool(false)); err != nil {
				logrus.WithError(err).Error("Failed to correct stale DNS intent")
			}
		}
	}

	c.mu.Lock()
	c.servers = servers
	c.selected = server
	c.permission = permission
	c.lastErr = nil
	c.ready = true
	if connected {
		c.state = StateEnabled
		c.requested = true
		c.connected = true
		c.activeDNS = server.Primary
		c.activeServerID = server.ID
	} else {
		c.state = StateDisabled
		c.requested = false
		c.clearTunnelLocked()
	}
	c.publishLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	audit.Log(audit.EventReconcile, "info", "Reconciled DNS bypass state", map[string]interface{}{
		"persisted_enabled": enabled,
		"state":             string(snap.State),
		"server":            snap.SelectedServer.ID,
	})
}

func (c *Controller) enable(ctx context.Context, serverID string) error {
	c.mu.Lock()
	if c.state == StateEnabled {
		active := c.activeServerID
		requested := c.requested
		c.mu.Unlock()
		if serverID != "" && serverID != active {
			return fmt.Errorf("%w: already enabled on %s", ErrInvalidState, active)
		}
		if requested {
			return nil
		}
		// A failed disable left the tunnel up; take the intent back.
		if err := c.persist(ctx, prefs.KeyDNSEnabled, prefs.FormatBool(true)); err != nil {
			return err
		}
		c.mu.Lock()
		c.requested = true
		c.lastErr = nil
		c.publishLocked()
		c.mu.Unlock()
		return nil
	}

	if c.driver == nil {
		err := tunnel.Wrap(tunnel.ErrDriverUnavailable, "enable", nil)
		c.failLocked(err)
		c.mu.Unlock()
		return err
	}
	if !tunnel.IsSupported(c.driver) {
		err := tunnel.Wrap(tunnel.ErrPlatformUnsupported, "enable", nil)
		c.failLocked(err)
		c.mu.Unlock()
		return err
	}

	var server catalog.Server
	if serverID != "" {
		s, ok := catalog.Lookup(c.servers, serverID)
		if !ok {
			c.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrUnknownServer, serverID)
		}
		server = s
	} else {
		server, _ = c.repinLocked()
	}

	c.permission = c.driver.HasPermission()
	if !c.permission {
		err := tunnel.Wrap(tunnel.ErrPermissionDenied, "enable", nil)
		c.failLocked(err)
		c.mu.Unlock()
		return err
	}

	c.state = StateEnabling
	c.lastErr = nil
	c.publishLocked()
	c.mu.Unlock()

	// Intent is recorded before the driver call so a crash leaves
	// "requested but not running", which reconciles to Disabled.
	if err := c.persist(ctx, prefs.KeyDNSServer, server.ID); err != nil {
		c.abortEnable(err)
		return err
	}
	c.mu.Lock()
	c.selected = server
	c.mu.Unlock()

	if err := c.persist(ctx, prefs.KeyDNSEnabled, prefs.FormatBool(true)); err != nil {
		c.abortEnable(err)
		return err
	}
	c.mu.Lock()
	c.requested = true
	c.publishLocked()
	c.mu.Unlock()

	err := c.start(ctx, server.Primary)
	audit.LogTunnelOp(audit.EventTunnelStart, server.ID, server.Primary, err)
	if err != nil {
		return c.rollbackStart(ctx, err)
	}

	c.mu.Lock()
	c.state = StateEnabled
	c.connected = true
	c.activeDNS = server.Primary
	c.activeServerID = server.ID
	c.lastErr = nil
	c.publishLocked()
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"server": server.ID,
		"dns":    server.Primary,
	}).Info("DNS bypass enabled")
	return nil
}

func (c *Controller) abortEnable(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateDisabled
	c.failLocked(err)
}

// rollbackStart returns to Disabled after a failed start and withdraws
// the enabled intent.
func (c *Controller) rollbackStart(ctx context.Context, err error) error {
	if perr := c.persist(ctx, prefs.KeyDNSEnabled, prefs.FormatBool(false)); perr != nil {
		logrus.WithError(perr).Error("Failed to roll back DNS intent")
		err = errors.Join(err, perr)
	}

	c.mu.Lock()
	c.state = StateDisabled
	c.requested = false
	c.clearTunnelLocked()
	c.failLocked(err)
	c.mu.Unlock()

	logrus.WithError(err).Warn("Failed to start tunnel")
	return err
}

func (c *Controller) disable(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateDisabled {
		c.mu.Unlock()
		return nil
	}
	server, stale := c.repinLocked()
	serverID := c.activeServerID
	dns := c.activeDNS
	c.state = StateDisabling
	c.requested = false
	c.lastErr = nil
	c.publishLocked()
	c.mu.Unlock()

	perr := c.persist(ctx, prefs.KeyDNSEnabled, prefs.FormatBool(false))
	if perr != nil {
		logrus.WithError(perr).Error("Failed to record disabled intent")
	}
	if stale {
		if err := c.persist(ctx, prefs.KeyDNSServer, server.ID); err != nil {
			logrus.WithError(err).Warn("Failed to persist re-pinned DNS server")
		}
	}

	err := c.stop(ctx)
	audit.LogTunnelOp(audit.EventTunnelStop, serverID, dns, err)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		// The tunnel is still up; only the intent changed.
		if perr != nil {
			err = errors.Join(err, perr)
		}
		c.state = StateEnabled
		c.failLocked(err)
		logrus.WithError(err).Warn("Failed to stop tunnel")
		return err
	}

	c.state = StateDisabled
	c.clearTunnelLocked()
	if perr != nil {
		c.failLocked(perr)
		return perr
	}
	c.lastErr = nil
	c.publishLocked()
	logrus.Info("DNS bypass disabled")
	return nil
}

func (c *Controller) switchServer(ctx context.Context, serverID string) error {
	c.mu.Lock()
	server, ok := catalog.Lookup(c.servers, serverID)
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownServer, serverID)
	}

	if c.state == StateDisabled {
		c.mu.Unlock()
		if err := c.persist(ctx, prefs.KeyDNSServer, server.ID); err != nil {
			c.mu.Lock()
			c.failLocked(err)
			c.mu.Unlock()
			return err
		}
		c.mu.Lock()
		c.selected = server
		c.lastErr = nil
		c.publishLocked()
		c.mu.Unlock()
		logrus.WithField("server", server.ID).Info("Selected DNS server")
		return nil
	}

	if server.ID == c.activeServerID && server.Primary == c.activeDNS {
		c.selected = server
		c.publishLocked()
		c.mu.Unlock()
		return nil
	}

	previous := c.activeServerID
	previousDNS := c.activeDNS
	// A disable that failed to stop the tunnel is still owed
	disablePending := !c.requested
	c.state = StateSwitching
	c.lastErr = nil
	c.publishLocked()
	c.mu.Unlock()

	if err := c.persist(ctx, prefs.KeyDNSServer, server.ID); err != nil {
		c.mu.Lock()
		c.state = StateEnabled
		c.failLocked(err)
		c.mu.Unlock()
		return err
	}

	if err := c.stop(ctx); err != nil {
		audit.LogTunnelOp(audit.EventServerSwitch, server.ID, server.Primary, err)
		// Still running the previous server; keep the stored selection on it.
		if previous != "" {
			if rerr := c.persist(ctx, prefs.KeyDNSServer, previous); rerr != nil {
				logrus.WithError(rerr).Warn("Failed to restore previous DNS server selection")
			}
		}
		c.mu.Lock()
		c.state = StateEnabled
		c.failLocked(err)
		c.mu.Unlock()
		logrus.WithError(err).Warn("Failed to stop tunnel for server switch")
		return err
	}

	c.mu.Lock()
	c.selected = server
	c.clearTunnelLocked()
	if disablePending {
		c.state = StateDisabled
		c.lastErr = nil
		c.publishLocked()
		c.mu.Unlock()
		audit.LogTunnelOp(audit.EventTunnelStop, server.ID, previousDNS, nil)
		logrus.WithField("server", server.ID).Info("Selected DNS server; tunnel stopped as requested earlier")
		return nil
	}
	c.publishLocked()
	c.mu.Unlock()

	err := c.start(ctx, server.Primary)
	audit.LogTunnelOp(audit.EventServerSwitch, server.ID, server.Primary, err)
	if err != nil {
		return c.rollbackStart(ctx, err)
	}

	c.mu.Lock()
	c.state = StateEnabled
	c.connected = true
	c.activeDNS = server.Primary
	c.activeServerID = server.ID
	c.lastErr = nil
	c.publishLocked()
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"from": previousDNS,
		"to":   server.Primary,
	}).Info("Switched DNS server")
	return nil
}

// Driver calls, each bounded by opTimeout. Expiry maps to the failure kind
// of the operation.

func (c *Controller) start(ctx context.Context, dns string) error {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	return tunnel.Classify(c.driver.Start(ctx, dns), tunnel.ErrStartFailed, "start")
}

func (c *Controller) stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	return tunnel.Classify(c.driver.Stop(ctx), tunnel.ErrStopFailed, "stop")
}

func (c *Controller) isRunning(ctx context.Context) (tunnel.Status, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	status, err := c.driver.IsRunning(ctx)
	return status, tunnel.Classify(err, tunnel.ErrDriverUnavailable, "status")
}

func (c *Controller) persist(ctx context.Context, key, value string) error {
	if err := prefs.SetWithRetry(ctx, c.store, key, value); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPersist, key, err)
	}
	if key == prefs.KeyDNSEnabled {
		c.mu.Lock()
		serverID := c.selected.ID
		c.mu.Unlock()
		audit.LogIntentChange(value == prefs.FormatBool(true), serverID)
	}
	return nil
}

// repinLocked keeps the selection pointing at a catalog entry, falling back
// to the catalog default. It reports whether the selection changed.
func (c *Controller) repinLocked() (catalog.Server, bool) {
	if s, ok := catalog.Lookup(c.servers, c.selected.ID); ok {
		c.selected = s
		return s, false
	}
	c.selected = catalog.ResolveDefault(c.servers)
	return c.selected, true
}

func (c *Controller) clearTunnelLocked() {
	c.connected = false
	c.activeDNS = ""
	c.activeServerID = ""
}

func (c *Controller) failLocked(err error) {
	c.lastErr = err
	c.publishLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:             c.state,
		SelectedServer:    c.selected,
		TunnelConnected:   c.connected,
		RequestedEnabled:  c.requested,
		ActiveDNS:         c.activeDNS,
		DisablePending:    c.state == StateEnabled && !c.requested,
		PermissionGranted: c.permission,
		Supported:         tunnel.IsSupported(c.driver),
		Ready:             c.ready,
	}
	if c.lastErr != nil {
		snap.LastError = c.lastErr.Error()
	}
	return snap
}

func (c *Controller) publishLocked() {
	if len(c.subs) == 0 {
		return
	}
	snap := c.snapshotLocked()
	for ch := range c.subs {
		select {
		case ch <- snap:
		default:
		}
	}
}

// Operation slot

func (c *Controller) do(ctx context.Context, key string, op func(context.Context) error) error {
	cl, owned, err := c.acquire(key, true)
	if err != nil {
		return err
	}
	if !owned {
		return c.wait(ctx, cl)
	}
	<-cl.start
	err = op(context.WithoutCancel(ctx))
	c.release(cl, err)
	return err
}

func (c *Controller) wait(ctx context.Context, cl *call) error {
	select {
	case <-cl.done:
		return cl.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// acquire returns a call the caller owns and must run once cl.start is
// closed, or an existing call to wait on.
func (c *Controller) acquire(key string, needReady bool) (*call, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if needReady && !c.ready {
		return nil, false, ErrNotReady
	}

	switch {
	case c.inflight == nil:
		cl := newCall(key)
		close(cl.start)
		c.inflight = cl
		return cl, true, nil
	case c.inflight.key == key:
		c.inflight.waiters++
		return c.inflight, false, nil
	case c.pending == nil:
		cl := newCall(key)
		c.pending = cl
		return cl, true, nil
	case c.pending.key == key:
		c.pending.waiters++
		return c.pending, false, nil
	}
	return nil, false, ErrBusy
}

// tryAcquire takes the slot only when nothing is running or queued
func (c *Controller) tryAcquire(key string) (*call, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inflight != nil || c.pending != nil {
		return nil, false
	}
	cl := newCall(key)
	close(cl.start)
	c.inflight = cl
	return cl, true
}

func (c *Controller) release(cl *call, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cl.err = err
	close(cl.done)
	c.inflight = c.pending
	c.pending = nil
	if c.inflight != nil {
		close(c.inflight.start)
	}
}
