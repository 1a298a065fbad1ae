// Package security applies process-level hardening to the agent. The agent
// runs as root and holds the API token and catalog credentials in memory.
package security

import (
	"os"

	"github.com/sirupsen/logrus"
)

// DefaultSensitiveEnv lists variables scrubbed once credentials are loaded
var DefaultSensitiveEnv = []string{
	"AWS_ACCESS_KEY_ID",
	"AWS_SECRET_ACCESS_KEY",
	"AWS_SESSION_TOKEN",
	"DNSBYPASS_CATALOG_TOKEN",
}

// HardenProcess implements security hardening measures for the agent process
type HardenProcess struct {
	sensitiveEnv []string
	umask        int
}

// NewHardening creates a hardening configuration with the default env list
func NewHardening() *HardenProcess {
	return &HardenProcess{
		sensitiveEnv: DefaultSensitiveEnv,
		umask:        0077,
	}
}

// WithSensitiveEnv replaces the list of variables ScrubEnvironment clears
func (h *HardenProcess) WithSensitiveEnv(vars ...string) *HardenProcess {
	h.sensitiveEnv = vars
	return h
}

// ApplyHardening disables core dumps and tightens the umask. Failures are
// logged and never fatal.
func (h *HardenProcess) ApplyHardening() {
	if err := disableCoreDumps(); err != nil {
		logrus.WithError(err).Warn("Failed to disable core dumps")
	}

	if old, ok := setUmask(h.umask); ok {
		logrus.Debugf("Changed umask from %04o to %04o", old, h.umask)
	}
}

// ScrubEnvironment clears credential variables. Call it after the catalog
// sources have read them.
func (h *HardenProcess) ScrubEnvironment() []string {
	var cleared []string
	for _, v := range h.sensitiveEnv {
		if _, ok := os.LookupEnv(v); ok {
			os.Unsetenv(v)
			cleared = append(cleared, v)
		}
	}
	if len(cleared) > 0 {
		logrus.WithField("count", len(cleared)).Debug("Cleared credential environment variables")
	}
	return cleared
}
