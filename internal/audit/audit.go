// Package audit records a durable trail of DNS intent changes and tunnel
// operations, one JSON event per line.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// EventType represents the type of audit event
type EventType string

const (
	// Intent and tunnel operations
	EventIntentChange EventType = "INTENT_CHANGE"
	EventTunnelStart  EventType = "TUNNEL_START"
	EventTunnelStop   EventType = "TUNNEL_STOP"
	EventTunnelLost   EventType = "TUNNEL_LOST"
	EventServerSwitch EventType = "SERVER_SWITCH"
	EventReconcile    EventType = "RECONCILE"

	EventCatalogRefresh EventType = "CATALOG_REFRESH"

	// Service lifecycle
	EventServiceStart EventType = "SERVICE_START"
	EventServiceStop  EventType = "SERVICE_STOP"
)

// Event represents an audit log entry
type Event struct {
	Timestamp   time.Time              `json:"timestamp"`
	Type        EventType              `json:"type"`
	Severity    string                 `json:"severity"`
	Message     string                 `json:"message"`
	Details     map[string]interface{} `json:"details,omitempty"`
	User        string                 `json:"user,omitempty"`
	ProcessID   int                    `json:"process_id"`
	ProcessName string                 `json:"process_name"`
}

// Logger handles audit logging
type Logger struct {
	file    *os.File
	encoder *json.Encoder
	mu      sync.Mutex
	logPath string
}

var (
	loggerMu      sync.Mutex
	defaultLogger *Logger
)

// Initialize opens today's audit log in dir
func Initialize(dir string) error {
	loggerMu.Lock()
	defer loggerMu.Unlock()

	if defaultLogger != nil {
		return nil
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	logFile := fmt.Sprintf("audit-%s.log", time.Now().Format("2006-01-02"))
	logPath := filepath.Join(dir, logFile)

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}

	defaultLogger = &Logger{
		file:    file,
		encoder: json.NewEncoder(file),
		logPath: logPath,
	}
	return nil
}

// Log records an audit event
func Log(eventType EventType, severity string, message string, details map[string]interface{}) {
	loggerMu.Lock()
	l := defaultLogger
	loggerMu.Unlock()

	fields := logrus.Fields{
		"audit_type": eventType,
		"severity":   severity,
	}
	for k, v := range details {
		fields[k] = v
	}

	if l == nil {
		// Fallback to regular logging if audit not initialized
		logrus.WithFields(fields).Info(message)
		return
	}

	event := Event{
		Timestamp:   time.Now(),
		Type:        eventType,
		Severity:    severity,
		Message:     message,
		Details:     details,
		ProcessID:   os.Getpid(),
		ProcessName: filepath.Base(os.Args[0]),
	}
	if user := os.Getenv("USER"); user != "" {
		event.User = user
	}

	l.mu.Lock()
	if err := l.encoder.Encode(event); err != nil {
		logrus.WithError(err).Error("Failed to write audit log")
	}
	l.mu.Unlock()

	logrus.WithFields(fields).Debug(message)
}

// LogIntentChange records a persisted change of the enabled flag
func LogIntentChange(enabled bool, serverID string) {
	Log(EventIntentChange, "info", fmt.Sprintf("DNS bypass intent set to %t", enabled), map[string]interface{}{
		"enabled": enabled,
		"server":  serverID,
	})
}

// LogTunnelOp records a start or stop attempt
func LogTunnelOp(eventType EventType, serverID string, dns string, err error) {
	severity := "info"
	details := map[string]interface{}{
		"server":  serverID,
		"dns":     dns,
		"success": err == nil,
	}
	if err != nil {
		severity = "warning"
		details["error"] = err.Error()
	}
	Log(eventType, severity, fmt.Sprintf("Tunnel %s", eventVerb(eventType)), details)
}

func eventVerb(t EventType) string {
	switch t {
	case EventTunnelStart:
		return "start"
	case EventTunnelStop:
		return "stop"
	case EventServerSwitch:
		return "switch"
	case EventTunnelLost:
		return "lost"
	}
	return string(t)
}

// Close closes the audit logger
func Close() error {
	loggerMu.Lock()
	l := defaultLogger
	defaultLogger = nil
	loggerMu.Unlock()

	if l == nil {
		return nil
	}
	return l.file.Close()
}

// GetLogPath returns the current audit log path
func GetLogPath() string {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if defaultLogger != nil {
		return defaultLogger.logPath
	}
	return ""
}
