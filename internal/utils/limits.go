package utils

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// MaxConfigFileSize is the maximum size for configuration files (1MB)
	MaxConfigFileSize = 1 * 1024 * 1024

	// MaxPrefsFileSize is the maximum size for the preference store file (64KB)
	MaxPrefsFileSize = 64 * 1024

	// MaxCatalogSize is the maximum size for a remote DNS server catalog (1MB)
	MaxCatalogSize = 1 * 1024 * 1024

	// MaxCatalogEntries is the maximum number of servers accepted from one catalog
	MaxCatalogEntries = 256

	// MaxYAMLDepth is the maximum depth for YAML parsing
	MaxYAMLDepth = 100

	// MaxConcurrentProbes is the maximum number of concurrent DNS probes
	MaxConcurrentProbes = 16

	// MaxHTTPBodySize is the maximum size for local API request bodies (64KB)
	MaxHTTPBodySize = 64 * 1024
)

// LimitedReader returns a reader that limits the amount of data read
func LimitedReader(r io.Reader, limit int64) io.Reader {
	return &io.LimitedReader{R: r, N: limit}
}

// ReadAllLimited reads all data from r up to limit bytes
func ReadAllLimited(r io.Reader, limit int64) ([]byte, error) {
	limited := LimitedReader(r, limit+1) // +1 to detect if limit exceeded
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}

	if int64(len(data)) > limit {
		return nil, fmt.Errorf("data exceeds maximum size of %d bytes", limit)
	}

	return data, nil
}

// ReadFileLimited reads a file after checking it is not larger than limit
func ReadFileLimited(path string, limit int64) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > limit {
		return nil, fmt.Errorf("%s exceeds maximum size of %d bytes", path, limit)
	}
	return os.ReadFile(path)
}

// SafeYAMLUnmarshal unmarshals YAML with size and depth limits
func SafeYAMLUnmarshal(data []byte, v interface{}, maxSize int64) error {
	if int64(len(data)) > maxSize {
		return fmt.Errorf("YAML data exceeds maximum size of %d bytes", maxSize)
	}

	if detectYAMLBomb(string(data)) {
		return fmt.Errorf("potential YAML bomb detected")
	}

	if v == nil {
		return nil
	}
	return yaml.Unmarshal(data, v)
}

// detectYAMLBomb checks for patterns that indicate a YAML bomb
func detectYAMLBomb(doc string) bool {
	anchorCount := strings.Count(doc, "&")
	aliasCount := strings.Count(doc, "*")

	// Many aliases per anchor is the billion-laughs shape
	if aliasCount > 10 && aliasCount > anchorCount*10 {
		return true
	}

	nestingLevel := 0
	maxNesting := 0
	for _, char := range doc {
		switch char {
		case '[', '{':
			nestingLevel++
			if nestingLevel > maxNesting {
				maxNesting = nestingLevel
			}
		case ']', '}':
			nestingLevel--
		}
	}

	return maxNesting > MaxYAMLDepth
}

// ConcurrencyLimiter provides a simple semaphore for limiting concurrent operations
type ConcurrencyLimiter struct {
	sem chan struct{}
}

// NewConcurrencyLimiter creates a new concurrency limiter
func NewConcurrencyLimiter(max int) *ConcurrencyLimiter {
	if max < 1 {
		max = 1
	}
	return &ConcurrencyLimiter{
		sem: make(chan struct{}, max),
	}
}

// Acquire acquires a slot (blocks if at limit)
func (cl *ConcurrencyLimiter) Acquire() {
	cl.sem <- struct{}{}
}

// Release releases a slot
func (cl *ConcurrencyLimiter) Release() {
	<-cl.sem
}

// TryAcquire attempts to acquire a slot without blocking
func (cl *ConcurrencyLimiter) TryAcquire() bool {
	select {
	case cl.sem <- struct{}{}:
		return true
	default:
		return false
	}
}
