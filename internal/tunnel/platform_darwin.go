//go:build darwin

package tunnel

import "path/filepath"

// PlatformDriver returns the system DNS override driver
func PlatformDriver(stateDir string) Driver {
	return NewNetworkSetupDriver(filepath.Join(stateDir, "dns-backup.json"))
}
