// Package cmd implements the command-line interface for dnsbypass.
// It provides subcommands for running the agent and for driving a running
// agent through its local API.
package cmd

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"dnsbypass/internal/api"
	"dnsbypass/internal/audit"
	"dnsbypass/internal/catalog"
	"dnsbypass/internal/config"
	"dnsbypass/internal/logging"
	"dnsbypass/internal/prefs"
	"dnsbypass/internal/security"
	"dnsbypass/internal/tunnel"
	"dnsbypass/internal/vpn"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Version is reported by the API and the version command
var Version = "dev"

// NewRunCmd creates the run command
func NewRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the dnsbypass agent",
		Long: `Start the agent: restore the saved DNS bypass intent, serve the local
API and keep the tunnel state in sync until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runAgent(cfg)
		},
	}
}

func runAgent(cfg *config.Config) error {
	logging.Setup(cfg.Agent.LogLevel, cfg.Agent.RedactAddresses)

	if err := config.ValidateConfig(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %v", err)
	}

	for _, warning := range config.ValidateCredentialSecurity(cfg) {
		logrus.Warnf("SECURITY WARNING: %s", warning)
	}

	logrus.WithFields(logrus.Fields(config.SanitizeConfigForLogging(cfg))).Info("Configuration loaded")

	// Apply security hardening before creating any state files
	hardening := security.NewHardening()
	hardening.ApplyHardening()

	if err := audit.Initialize(cfg.AuditDir()); err != nil {
		logrus.WithError(err).Warn("Failed to initialize audit logging")
	}
	defer audit.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sources, err := buildSources(ctx, cfg)
	if err != nil {
		return err
	}
	cat := catalog.New(catalog.FromConfig(cfg.Catalog.Fallback), cfg.Catalog.FetchTimeout, sources...)

	// Credentials have been read into the sources
	hardening.ScrubEnvironment()

	driver := tunnel.PlatformDriver(cfg.Agent.StateDir)
	if !tunnel.IsSupported(driver) {
		logrus.Warn("DNS bypass is not supported on this platform; the agent will only report state")
	}

	store := prefs.NewFileStore(cfg.PrefsPath())
	ctrl := vpn.New(store, cat, driver, cfg.Tunnel.OpTimeout)

	logrus.Info("Reconciling saved DNS bypass state...")
	if err := ctrl.Reconcile(ctx); err != nil {
		return fmt.Errorf("failed to reconcile state: %v", err)
	}
	snap := ctrl.Snapshot()
	logrus.WithFields(logrus.Fields{
		"state":  snap.State,
		"server": snap.SelectedServer.ID,
	}).Info("DNS bypass state restored")

	tokens := api.NewAPITokenManager(cfg.TokenPath())
	if _, err := tokens.EnsureToken(); err != nil {
		return fmt.Errorf("failed to prepare API token: %v", err)
	}

	apiServer := api.NewServer(ctrl, tokens, api.Options{
		Version:     Version,
		Prober:      catalog.NewProber(cfg.Probe.Domain, cfg.Probe.Port, cfg.Probe.Timeout),
		CatalogInfo: cat,
	})

	audit.Log(audit.EventServiceStart, "info", "dnsbypass agent started", map[string]interface{}{
		"version": Version,
		"state":   string(snap.State),
	})

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := apiServer.Start(cfg.Agent.APIPort); err != nil {
			logrus.WithError(err).Error("API server failed")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		apiServer.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ctrl.Monitor(ctx, cfg.Tunnel.PollInterval)
	}()

	if cfg.Catalog.RefreshInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			startCatalogRefresher(ctx, ctrl, cfg.Catalog.RefreshInterval)
		}()
	}

	logrus.Infof("dnsbypass is running, API listening on 127.0.0.1:%d", cfg.Agent.APIPort)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logrus.Info("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Stop(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("Error stopping API server")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logrus.Info("All goroutines stopped cleanly")
	case <-time.After(5 * time.Second):
		logrus.Warn("Timeout waiting for goroutines to stop")
	}

	// The tunnel is left as it is; the next start reconciles against it.
	final := ctrl.Snapshot()
	audit.Log(audit.EventServiceStop, "info", "dnsbypass agent stopped", map[string]interface{}{
		"state": string(final.State),
	})
	logrus.Info("dnsbypass stopped")
	return nil
}

// buildSources returns the configured remote catalog sources in priority order
func buildSources(ctx context.Context, cfg *config.Config) ([]catalog.Source, error) {
	var sources []catalog.Source

	if cfg.Catalog.URL != "" {
		client := &http.Client{Timeout: cfg.Catalog.FetchTimeout}
		sources = append(sources, catalog.NewHTTPSource(cfg.Catalog.URL, config.CatalogToken(cfg), client))
	}

	if cfg.Catalog.S3.Bucket != "" {
		s3Source, err := catalog.NewS3Source(ctx, &cfg.Catalog.S3)
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 catalog source: %v", err)
		}
		sources = append(sources, s3Source)
	}

	if len(sources) == 0 {
		logrus.Info("No remote catalog configured, using the compiled-in server list")
	}
	return sources, nil
}

func startCatalogRefresher(ctx context.Context, ctrl *vpn.Controller, interval time.Duration) {
	// Add jitter to prevent thundering herd
	jitter := time.Duration(rand.Int63n(int64(interval)/10 + 1))
	select {
	case <-ctx.Done():
		return
	case <-time.After(jitter):
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("Catalog refresher shutting down")
			return
		case <-ticker.C:
			servers := ctrl.RefreshCatalog(ctx)
			logrus.WithField("servers", len(servers)).Debug("DNS server catalog refreshed")
		}
	}
}
