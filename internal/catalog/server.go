// Package catalog maintains the list of selectable DNS servers. The list is
// fetched from a remote source and always falls back to a static list, so a
// load never yields zero servers.
package catalog

import (
	"errors"
	"net"
	"strings"

	"dnsbypass/internal/config"
	"dnsbypass/internal/utils"

	"github.com/sirupsen/logrus"
)

// ErrCatalogUnavailable is recorded when no remote source produced a usable
// list. It is recovered locally and never returned to operation callers.
var ErrCatalogUnavailable = errors.New("dns server catalog unavailable")

// Server is an immutable catalog entry
type Server struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Primary     string `json:"primary"`
	Secondary   string `json:"secondary,omitempty"`
	Description string `json:"description,omitempty"`
	IsDefault   bool   `json:"isDefault"`
}

// RemoteServer is a catalog entry as published by the backend
type RemoteServer struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Primary     string `json:"primary" yaml:"primary"`
	Secondary   string `json:"secondary" yaml:"secondary"`
	Status      string `json:"status" yaml:"status"`
	IsDefault   bool   `json:"isDefault" yaml:"isDefault"`
	Description string `json:"description" yaml:"description"`
}

// StatusActive marks a remote entry as selectable
const StatusActive = "active"

// Builtin returns the compiled-in list used when nothing else is available
func Builtin() []Server {
	return []Server{
		{
			ID:          "cloudflare",
			Name:        "Cloudflare",
			Primary:     "1.1.1.1",
			Secondary:   "1.0.0.1",
			Description: "Fast and privacy-focused",
		},
		{
			ID:          "google",
			Name:        "Google",
			Primary:     "8.8.8.8",
			Secondary:   "8.8.4.4",
			Description: "Reliable and fast",
		},
	}
}

// FromConfig converts configured fallback entries
func FromConfig(entries []config.ServerConfig) []Server {
	servers := make([]Server, 0, len(entries))
	for _, e := range entries {
		servers = append(servers, Server{
			ID:          e.ID,
			Name:        e.Name,
			Primary:     e.Primary,
			Secondary:   e.Secondary,
			Description: e.Description,
			IsDefault:   e.IsDefault,
		})
	}
	return servers
}

// FromRemote keeps active, well-formed entries in catalog order. Duplicate
// ids keep the first occurrence.
func FromRemote(remote []RemoteServer) []Server {
	var servers []Server
	seen := make(map[string]bool)
	for _, r := range remote {
		if !strings.EqualFold(r.Status, StatusActive) {
			continue
		}
		if r.ID == "" || seen[r.ID] {
			logrus.WithField("id", r.ID).Debug("Skipping catalog entry with missing or duplicate id")
			continue
		}
		if net.ParseIP(r.Primary) == nil {
			logrus.WithField("id", r.ID).Warn("Skipping catalog entry with invalid primary address")
			continue
		}
		secondary := r.Secondary
		if secondary != "" && net.ParseIP(secondary) == nil {
			secondary = ""
		}
		name := r.Name
		if name == "" {
			name = r.ID
		}
		seen[r.ID] = true
		servers = append(servers, Server{
			ID:          r.ID,
			Name:        name,
			Primary:     r.Primary,
			Secondary:   secondary,
			Description: r.Description,
			IsDefault:   r.IsDefault,
		})
		if len(servers) >= utils.MaxCatalogEntries {
			break
		}
	}
	return servers
}

// ResolveDefault returns the first server flagged default, else the first
// server. The zero Server is returned for an empty list.
func ResolveDefault(servers []Server) Server {
	for _, s := range servers {
		if s.IsDefault {
			return s
		}
	}
	if len(servers) == 0 {
		return Server{}
	}
	return servers[0]
}

// Lookup finds a server by id
func Lookup(servers []Server, id string) (Server, bool) {
	if id == "" {
		return Server{}, false
	}
	for _, s := range servers {
		if s.ID == id {
			return s, true
		}
	}
	return Server{}, false
}
