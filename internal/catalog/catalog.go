package catalog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Source produces remote catalog entries
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]RemoteServer, error)
}

// Info describes where the current list came from
type Info struct {
	Source    string    `json:"source"`
	Count     int       `json:"count"`
	UpdatedAt time.Time `json:"updatedAt"`
	Error     string    `json:"error,omitempty"`
}

// Catalog holds the current server list. Each load replaces the list wholesale.
type Catalog struct {
	mu           sync.RWMutex
	sources      []Source
	fallback     []Server
	fetchTimeout time.Duration
	servers      []Server
	info         Info
}

// New creates a catalog that tries sources in order. An empty fallback uses
// the builtin list.
func New(fallback []Server, fetchTimeout time.Duration, sources ...Source) *Catalog {
	if len(fallback) == 0 {
		fallback = Builtin()
	}
	if fetchTimeout <= 0 {
		fetchTimeout = 10 * time.Second
	}
	return &Catalog{
		sources:      sources,
		fallback:     fallback,
		fetchTimeout: fetchTimeout,
		servers:      fallback,
		info:         Info{Source: "fallback", Count: len(fallback)},
	}
}

// Load fetches a fresh list. Any failure, including zero active entries,
// yields the fallback list instead of an error.
func (c *Catalog) Load(ctx context.Context) []Server {
	servers, source, err := c.fetch(ctx)
	if err != nil {
		logrus.WithError(err).Warn("Using fallback DNS server list")
		servers = c.fallback
		source = "fallback"
	}

	c.mu.Lock()
	c.servers = servers
	c.info = Info{
		Source:    source,
		Count:     len(servers),
		UpdatedAt: time.Now(),
	}
	if err != nil {
		c.info.Error = err.Error()
	}
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"source":  source,
		"servers": len(servers),
	}).Info("Loaded DNS server catalog")

	return copyServers(servers)
}

func (c *Catalog) fetch(ctx context.Context) ([]Server, string, error) {
	if len(c.sources) == 0 {
		return nil, "", fmt.Errorf("%w: no remote source configured", ErrCatalogUnavailable)
	}

	var lastErr error
	for _, src := range c.sources {
		fctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
		remote, err := src.Fetch(fctx)
		cancel()
		if err != nil {
			logrus.WithError(err).WithField("source", src.Name()).Warn("Failed to fetch DNS server catalog")
			lastErr = err
			continue
		}
		servers := FromRemote(remote)
		if len(servers) == 0 {
			lastErr = fmt.Errorf("%s returned no active servers", src.Name())
			logrus.WithField("source", src.Name()).Warn("Catalog has no active servers")
			continue
		}
		return servers, src.Name(), nil
	}
	return nil, "", fmt.Errorf("%w: %v", ErrCatalogUnavailable, lastErr)
}

// Servers returns the current list
func (c *Catalog) Servers() []Server {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyServers(c.servers)
}

// Info returns metadata about the last load
func (c *Catalog) Info() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info
}

func copyServers(servers []Server) []Server {
	return append([]Server(nil), servers...)
}
