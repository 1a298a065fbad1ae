//go:build !darwin

package tunnel

// PlatformDriver returns a driver that rejects every start on this platform
func PlatformDriver(stateDir string) Driver {
	return Unsupported{}
}
