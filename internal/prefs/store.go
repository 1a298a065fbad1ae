// Package prefs persists the user's DNS intent (enabled flag and selected
// server) as a small durable key-value store.
package prefs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"dnsbypass/internal/utils"

	"github.com/sirupsen/logrus"
)

// Keys used by the VPN controller
const (
	KeyDNSEnabled = "dns_enabled"
	KeyDNSServer  = "dns_server"
)

// Store is a durable string key-value store
type Store interface {
	// Get returns the stored value and whether the key exists
	Get(key string) (string, bool, error)

	// Set durably stores value under key
	Set(key, value string) error
}

// FileStore keeps all preferences in a single JSON object on disk
type FileStore struct {
	mu     sync.Mutex
	path   string
	values map[string]string
	loaded bool
}

// Ensure FileStore implements Store
var _ Store = (*FileStore)(nil)

// NewFileStore creates a store backed by path. The file is created on first write.
func NewFileStore(path string) *FileStore {
	return &FileStore{
		path:   path,
		values: make(map[string]string),
	}
}

// Path returns the backing file path
func (s *FileStore) Path() string {
	return s.path
}

// Get returns the value stored under key
func (s *FileStore) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		return "", false, err
	}
	v, ok := s.values[key]
	return v, ok, nil
}

// Set stores value under key and flushes the whole document to disk
func (s *FileStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		return err
	}

	prev, existed := s.values[key]
	s.values[key] = value
	if err := s.flushLocked(); err != nil {
		// Keep memory consistent with disk
		if existed {
			s.values[key] = prev
		} else {
			delete(s.values, key)
		}
		return err
	}
	return nil
}

func (s *FileStore) loadLocked() error {
	if s.loaded {
		return nil
	}

	data, err := utils.ReadFileLimited(s.path, utils.MaxPrefsFileSize)
	if err != nil {
		if os.IsNotExist(err) {
			s.loaded = true
			return nil
		}
		return fmt.Errorf("failed to read preferences: %w", err)
	}

	values := make(map[string]string)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &values); err != nil {
			// A corrupt file is treated as empty; intent defaults to off
			logrus.WithError(err).WithField("path", s.path).Warn("Preferences file is corrupt, starting from defaults")
			values = make(map[string]string)
		}
	}

	s.values = values
	s.loaded = true
	return nil
}

func (s *FileStore) flushLocked() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create preferences directory: %w", err)
	}

	data, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal preferences: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".prefs-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp preferences file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write preferences: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync preferences: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close preferences: %w", err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		return fmt.Errorf("failed to set preferences permissions: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace preferences: %w", err)
	}
	return nil
}

// MemoryStore is a non-durable Store used for tests and ephemeral runs
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string

	// FailWrites makes every Set return an error
	FailWrites bool
	writes     int
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

// Get returns the value stored under key
func (m *MemoryStore) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

// Set stores value under key
func (m *MemoryStore) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.FailWrites {
		return fmt.Errorf("preference store unavailable")
	}
	m.values[key] = value
	return nil
}

// Writes returns how many Set calls were made
func (m *MemoryStore) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

// SetFailWrites toggles write failures
func (m *MemoryStore) SetFailWrites(fail bool) {
	m.mu.Lock()
	m.FailWrites = fail
	m.mu.Unlock()
}

// Retry policy for SetWithRetry
var (
	RetryAttempts = 3
	RetryBackoff  = 50 * time.Millisecond
)

// SetWithRetry writes a value, retrying transient failures before giving up
func SetWithRetry(ctx context.Context, s Store, key, value string) error {
	var lastErr error
	for attempt := 1; attempt <= RetryAttempts; attempt++ {
		if lastErr = s.Set(key, value); lastErr == nil {
			return nil
		}

		logrus.WithError(lastErr).WithFields(logrus.Fields{
			"key":     key,
			"attempt": attempt,
		}).Warn("Preference write failed")

		if attempt == RetryAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("preference write %s interrupted: %w", key, lastErr)
		case <-time.After(RetryBackoff * time.Duration(attempt)):
		}
	}
	return fmt.Errorf("preference write %s failed after %d attempts: %w", key, RetryAttempts, lastErr)
}

// GetBool reads a "true"/"false" flag; missing or unknown values read as false
func GetBool(s Store, key string) (bool, error) {
	v, ok, err := s.Get(key)
	if err != nil || !ok {
		return false, err
	}
	return v == "true", nil
}

// FormatBool encodes a flag the way GetBool reads it
func FormatBool(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
