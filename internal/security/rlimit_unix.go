//go:build unix

package security

import "syscall"

// disableCoreDumps prevents memory disclosure through core files
func disableCoreDumps() error {
	var rLimit syscall.Rlimit
	rLimit.Cur = 0
	rLimit.Max = 0
	return syscall.Setrlimit(syscall.RLIMIT_CORE, &rLimit)
}

func setUmask(mask int) (int, bool) {
	return syscall.Umask(mask), true
}
