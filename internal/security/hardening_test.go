package security

import (
	"os"
	"testing"
)

func TestNewHardening(t *testing.T) {
	h := NewHardening()
	if h == nil {
		t.Fatal("Expected non-nil HardenProcess")
	}
	if h.umask != 0077 {
		t.Errorf("Expected umask 0077, got %04o", h.umask)
	}
	if len(h.sensitiveEnv) != len(DefaultSensitiveEnv) {
		t.Errorf("Expected default sensitive env list, got %v", h.sensitiveEnv)
	}
}

func TestScrubEnvironment(t *testing.T) {
	t.Setenv("DNSBYPASS_TEST_SECRET", "test-secret")
	t.Setenv("DNSBYPASS_TEST_KEEP", "keep-me")

	h := NewHardening().WithSensitiveEnv("DNSBYPASS_TEST_SECRET", "DNSBYPASS_TEST_UNSET")
	cleared := h.ScrubEnvironment()

	if len(cleared) != 1 || cleared[0] != "DNSBYPASS_TEST_SECRET" {
		t.Errorf("Expected only DNSBYPASS_TEST_SECRET cleared, got %v", cleared)
	}
	if _, ok := os.LookupEnv("DNSBYPASS_TEST_SECRET"); ok {
		t.Error("Expected DNSBYPASS_TEST_SECRET to be cleared")
	}
	if os.Getenv("DNSBYPASS_TEST_KEEP") != "keep-me" {
		t.Error("Unlisted variable should be left alone")
	}
}
