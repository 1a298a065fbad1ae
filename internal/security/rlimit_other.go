//go:build !unix

package security

func disableCoreDumps() error {
	return nil
}

func setUmask(mask int) (int, bool) {
	return 0, false
}
