// Package logging configures the process logger and scrubs secrets from
// every entry before it is written.
package logging

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

// LevelEnv overrides the configured log level
const LevelEnv = "DNSBYPASS_LOG_LEVEL"

// secretPatterns match credentials that must never reach a log
var secretPatterns = []*regexp.Regexp{
	// AWS Access Key ID
	regexp.MustCompile(`\b(AKIA|ASIA|AIDA)[A-Z0-9]{16}\b`),
	// AWS Secret Access Key (40 characters)
	regexp.MustCompile(`\b[A-Za-z0-9/+=]{40}\b`),
	// Bearer tokens in headers or URLs
	regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`),
	// Generic API tokens (32+ hex characters)
	regexp.MustCompile(`\b[a-fA-F0-9]{32,}\b`),
	// JWT tokens
	regexp.MustCompile(`\beyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\b`),
}

var ipPattern = regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\b`)

// SensitiveFieldNames are field names whose values are always redacted
var SensitiveFieldNames = map[string]bool{
	"password":        true,
	"secret":          true,
	"token":           true,
	"accesskeyid":     true,
	"secretkey":       true,
	"secretaccesskey": true,
	"apikey":          true,
	"credentials":     true,
	"authorization":   true,
}

// SanitizeString removes secrets from s. When redactAddresses is set, IPv4
// addresses are removed too.
func SanitizeString(s string, redactAddresses bool) string {
	for _, pattern := range secretPatterns {
		s = pattern.ReplaceAllString(s, "[REDACTED]")
	}
	if redactAddresses {
		s = ipPattern.ReplaceAllString(s, "[IP-REDACTED]")
	}
	return s
}

// SanitizeFields returns a copy of fields with secrets removed
func SanitizeFields(fields logrus.Fields, redactAddresses bool) logrus.Fields {
	sanitized := make(logrus.Fields, len(fields))
	for k, v := range fields {
		if SensitiveFieldNames[strings.ToLower(k)] {
			sanitized[k] = "[REDACTED]"
			continue
		}

		switch val := v.(type) {
		case string:
			sanitized[k] = SanitizeString(val, redactAddresses)
		case error:
			sanitized[k] = SanitizeString(val.Error(), redactAddresses)
		case fmt.Stringer:
			sanitized[k] = SanitizeString(val.String(), redactAddresses)
		case bool, int, int64, float64:
			sanitized[k] = val
		default:
			sanitized[k] = SanitizeString(fmt.Sprintf("%v", val), redactAddresses)
		}
	}
	return sanitized
}

// SanitizingHook scrubs every entry before it is written
type SanitizingHook struct {
	redactAddresses bool
}

// NewSanitizingHook creates a hook. DNS server addresses are kept unless
// redactAddresses is set.
func NewSanitizingHook(redactAddresses bool) *SanitizingHook {
	return &SanitizingHook{redactAddresses: redactAddresses}
}

func (h *SanitizingHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *SanitizingHook) Fire(entry *logrus.Entry) error {
	entry.Message = SanitizeString(entry.Message, h.redactAddresses)
	if entry.Data != nil {
		entry.Data = SanitizeFields(entry.Data, h.redactAddresses)
	}
	return nil
}

// Setup configures the standard logger. The level comes from LevelEnv when
// set, else from level; an unknown level falls back to info.
func Setup(level string, redactAddresses bool) {
	if env := os.Getenv(LevelEnv); env != "" {
		level = env
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}

	logrus.SetLevel(lvl)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	logrus.AddHook(NewSanitizingHook(redactAddresses))

	if err != nil && level != "" {
		logrus.WithField("level", level).Warn("Unknown log level, using info")
	}
}
