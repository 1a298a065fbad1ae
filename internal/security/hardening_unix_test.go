//go:build unix

package security

import (
	"syscall"
	"testing"
)

func TestApplyHardening(t *testing.T) {
	oldMask := syscall.Umask(0022)
	defer syscall.Umask(oldMask)

	NewHardening().ApplyHardening()

	var limit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_CORE, &limit); err != nil {
		t.Fatalf("Failed to read core limit: %v", err)
	}
	if limit.Cur != 0 {
		t.Errorf("Expected core dumps disabled, got limit %d", limit.Cur)
	}

	if current := syscall.Umask(oldMask); current != 0077 {
		t.Errorf("Expected umask 0077, got %04o", current)
	}
}
