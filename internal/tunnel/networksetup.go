package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"dnsbypass/internal/utils"

	"github.com/sirupsen/logrus"
)

// Runner executes an external command and returns its combined output
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// restoreTimeout bounds the undo of a partially applied override
const restoreTimeout = 10 * time.Second

// NetworkSetupDriver overrides the DNS servers of every enabled network
// service through networksetup and restores the captured originals on stop.
// The captured configuration is kept on disk so a restore survives a restart.
type NetworkSetupDriver struct {
	mu         sync.Mutex
	run        Runner
	backupPath string
	euid       func() int
}

var (
	_ Driver    = (*NetworkSetupDriver)(nil)
	_ Supporter = (*NetworkSetupDriver)(nil)
)

// dnsBackup is the on-disk record of an applied override
type dnsBackup struct {
	Version    int                   `json:"version"`
	CapturedAt time.Time             `json:"captured_at"`
	Applied    string                `json:"applied"`
	Services   map[string]serviceDNS `json:"services"`
}

type serviceDNS struct {
	Servers []string `json:"dns_servers,omitempty"`
	IsDHCP  bool     `json:"is_dhcp"`
}

// NewNetworkSetupDriver creates a driver that keeps its backup at backupPath
func NewNetworkSetupDriver(backupPath string) *NetworkSetupDriver {
	return &NetworkSetupDriver{
		run:        execRunner,
		backupPath: backupPath,
		euid:       os.Geteuid,
	}
}

// WithRunner replaces the command runner
func (d *NetworkSetupDriver) WithRunner(r Runner) *NetworkSetupDriver {
	d.run = r
	return d
}

// WithEUID replaces the effective uid lookup used by HasPermission
func (d *NetworkSetupDriver) WithEUID(f func() int) *NetworkSetupDriver {
	d.euid = f
	return d
}

func (d *NetworkSetupDriver) Supported() bool {
	return true
}

// HasPermission reports whether system DNS can be changed
func (d *NetworkSetupDriver) HasPermission() bool {
	return d.euid() == 0
}

// Start points every enabled service at dns
func (d *NetworkSetupDriver) Start(ctx context.Context, dns string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if net.ParseIP(dns) == nil {
		return Wrap(ErrStartFailed, "start", fmt.Errorf("invalid dns address %q", dns))
	}
	if !d.HasPermission() {
		return Wrap(ErrPermissionDenied, "start", errors.New("changing system DNS requires root"))
	}

	services, err := d.listServices(ctx)
	if err != nil {
		return Wrap(ErrStartFailed, "start", err)
	}
	if len(services) == 0 {
		return Wrap(ErrStartFailed, "start", errors.New("no enabled network services"))
	}

	// A leftover backup means a previous override was never restored; its
	// captured servers are the real originals.
	backup, err := d.loadBackup()
	created := err != nil
	if created {
		backup = &dnsBackup{
			Version:    1,
			CapturedAt: time.Now(),
			Services:   make(map[string]serviceDNS),
		}
	}
	for _, svc := range services {
		if _, ok := backup.Services[svc]; ok {
			continue
		}
		servers, err := d.getDNS(ctx, svc)
		if err != nil {
			return Wrap(ErrStartFailed, "start", err)
		}
		backup.Services[svc] = serviceDNS{Servers: servers, IsDHCP: len(servers) == 0}
	}
	previous := backup.Applied
	backup.Applied = dns
	if err := d.saveBackup(backup); err != nil {
		return Wrap(ErrStartFailed, "start", fmt.Errorf("failed to save DNS backup: %w", err))
	}

	var applied []string
	for _, svc := range services {
		if out, err := d.run(ctx, "networksetup", "-setdnsservers", svc, dns); err != nil {
			setErr := fmt.Errorf("failed to set DNS on %s: %s", svc, strings.TrimSpace(string(out)))
			return Wrap(ErrStartFailed, "start", d.undoStartLocked(ctx, backup, applied, created, previous, setErr))
		}
		applied = append(applied, svc)
		logrus.WithFields(logrus.Fields{
			"service": svc,
			"dns":     dns,
		}).Debug("Applied DNS override")
	}

	logrus.WithField("dns", dns).Info("System DNS override applied")
	return nil
}

// Stop restores the captured DNS configuration. Without a backup there is
// nothing to undo.
func (d *NetworkSetupDriver) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	backup, err := d.loadBackup()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return Wrap(ErrStopFailed, "stop", err)
	}
	if !d.HasPermission() {
		return Wrap(ErrPermissionDenied, "stop", errors.New("changing system DNS requires root"))
	}

	services := make([]string, 0, len(backup.Services))
	for svc := range backup.Services {
		services = append(services, svc)
	}
	sort.Strings(services)
	failed := d.restoreLocked(ctx, backup, services)
	if len(failed) > 0 {
		return Wrap(ErrStopFailed, "stop", fmt.Errorf("could not restore %s", strings.Join(failed, ", ")))
	}

	if err := os.Remove(d.backupPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		logrus.WithError(err).Warn("Failed to remove DNS backup")
	}

	logrus.Info("System DNS restored")
	return nil
}

// undoStartLocked puts the services changed by a failed Start back the way
// they were. A backup created by that Start is removed once nothing is left
// overridden; a leftover one keeps its previous applied address.
func (d *NetworkSetupDriver) undoStartLocked(ctx context.Context, backup *dnsBackup, applied []string, created bool, previous string, cause error) error {
	// The start context may already be spent
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), restoreTimeout)
	defer cancel()

	if failed := d.restoreLocked(ctx, backup, applied); len(failed) > 0 {
		// Keep the backup so a later Stop can finish the job
		return errors.Join(cause, fmt.Errorf("could not restore %s", strings.Join(failed, ", ")))
	}
	if created {
		if err := os.Remove(d.backupPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			logrus.WithError(err).Warn("Failed to remove DNS backup")
		}
		return cause
	}
	backup.Applied = previous
	if err := d.saveBackup(backup); err != nil {
		logrus.WithError(err).Warn("Failed to rewrite DNS backup")
	}
	return cause
}

// restoreLocked writes the captured configuration back to services and
// returns the ones that could not be restored.
func (d *NetworkSetupDriver) restoreLocked(ctx context.Context, backup *dnsBackup, services []string) []string {
	var failed []string
	for _, svc := range services {
		cfg := backup.Services[svc]
		args := []string{"-setdnsservers", svc}
		if cfg.IsDHCP || len(cfg.Servers) == 0 {
			args = append(args, "Empty")
		} else {
			args = append(args, cfg.Servers...)
		}
		if out, err := d.run(ctx, "networksetup", args...); err != nil {
			logrus.WithError(err).WithField("output", strings.TrimSpace(string(out))).
				Errorf("Failed to restore DNS for service %s", svc)
			failed = append(failed, svc)
			continue
		}
		logrus.WithField("service", svc).Debug("Restored original DNS")
	}
	return failed
}

// IsRunning reports whether any enabled service still resolves through the
// applied server
func (d *NetworkSetupDriver) IsRunning(ctx context.Context) (Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	backup, err := d.loadBackup()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Status{}, nil
		}
		return Status{}, Wrap(ErrDriverUnavailable, "status", err)
	}

	services, err := d.listServices(ctx)
	if err != nil {
		return Status{}, Wrap(ErrDriverUnavailable, "status", err)
	}
	for _, svc := range services {
		servers, err := d.getDNS(ctx, svc)
		if err != nil {
			return Status{}, Wrap(ErrDriverUnavailable, "status", err)
		}
		if len(servers) > 0 && servers[0] == backup.Applied {
			return Status{Connected: true, DNS: backup.Applied}, nil
		}
	}
	return Status{}, nil
}

func (d *NetworkSetupDriver) listServices(ctx context.Context) ([]string, error) {
	out, err := d.run(ctx, "networksetup", "-listallnetworkservices")
	if err != nil {
		return nil, fmt.Errorf("failed to list network services: %w", err)
	}
	return parseServices(string(out)), nil
}

func (d *NetworkSetupDriver) getDNS(ctx context.Context, service string) ([]string, error) {
	out, err := d.run(ctx, "networksetup", "-getdnsservers", service)
	if err != nil {
		return nil, fmt.Errorf("failed to read DNS for %s: %w", service, err)
	}
	return parseDNSServers(string(out)), nil
}

func (d *NetworkSetupDriver) loadBackup() (*dnsBackup, error) {
	data, err := utils.ReadFileLimited(d.backupPath, utils.MaxPrefsFileSize)
	if err != nil {
		return nil, err
	}
	var backup dnsBackup
	if err := json.Unmarshal(data, &backup); err != nil {
		return nil, fmt.Errorf("corrupt DNS backup: %w", err)
	}
	return &backup, nil
}

func (d *NetworkSetupDriver) saveBackup(backup *dnsBackup) error {
	if err := os.MkdirAll(filepath.Dir(d.backupPath), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(backup, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(d.backupPath, data, 0600)
}

// parseServices reads `networksetup -listallnetworkservices` output. The
// first line is a legend and disabled services are prefixed with '*'.
func parseServices(output string) []string {
	var services []string
	lines := strings.Split(output, "\n")
	for i := 1; i < len(lines); i++ {
		svc := strings.TrimSpace(lines[i])
		if svc == "" || strings.HasPrefix(svc, "*") {
			continue
		}
		services = append(services, svc)
	}
	return services
}

// parseDNSServers reads `networksetup -getdnsservers` output. A service
// using DHCP-provided servers yields nil.
func parseDNSServers(output string) []string {
	if strings.Contains(output, "There aren't any DNS Servers") {
		return nil
	}
	var servers []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if net.ParseIP(line) != nil {
			servers = append(servers, line)
		}
	}
	return servers
}
