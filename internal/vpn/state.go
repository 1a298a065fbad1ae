// Package vpn owns the DNS bypass session: user intent, the selected server
// and the tunnel's last known state. All changes go through a Controller,
// which serializes tunnel operations and keeps persisted intent from ever
// claiming "enabled" while the tunnel is not running.
package vpn

import (
	"errors"

	"dnsbypass/internal/catalog"
)

// State is the controller's lifecycle state
type State string

const (
	StateDisabled  State = "disabled"
	StateEnabling  State = "enabling"
	StateEnabled   State = "enabled"
	StateDisabling State = "disabling"
	StateSwitching State = "switching"
)

// Transient reports whether an operation is in progress
func (s State) Transient() bool {
	switch s {
	case StateEnabling, StateDisabling, StateSwitching:
		return true
	}
	return false
}

var (
	// ErrNotReady is returned before startup reconciliation has run
	ErrNotReady = errors.New("vpn controller not reconciled")

	// ErrBusy is returned when an operation is running and another is already queued
	ErrBusy = errors.New("another operation is already pending")

	// ErrUnknownServer is returned for a server id missing from the catalog
	ErrUnknownServer = errors.New("unknown dns server")

	// ErrInvalidState is returned for requests that conflict with the current state
	ErrInvalidState = errors.New("operation not allowed in current state")

	// ErrPersist is returned when intent could not be stored
	ErrPersist = errors.New("failed to persist preference")
)

// Snapshot is a read-only copy of the session state
type Snapshot struct {
	State             State          `json:"state"`
	SelectedServer    catalog.Server `json:"selectedServer"`
	TunnelConnected   bool           `json:"tunnelConnected"`
	RequestedEnabled  bool           `json:"requestedEnabled"`
	ActiveDNS         string         `json:"activeDns,omitempty"`
	DisablePending    bool           `json:"disablePending"`
	PermissionGranted bool           `json:"permissionGranted"`
	Supported         bool           `json:"supported"`
	Ready             bool           `json:"ready"`
	LastError         string         `json:"lastError,omitempty"`
}
