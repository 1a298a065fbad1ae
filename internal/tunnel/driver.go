// Package tunnel defines the platform boundary used to redirect device DNS
// resolution, plus the drivers that implement it.
package tunnel

import (
	"context"
	"errors"
	"fmt"
)

// Error kinds surfaced by drivers. Compare with errors.Is.
var (
	ErrPermissionDenied    = errors.New("permission denied")
	ErrPlatformUnsupported = errors.New("platform unsupported")
	ErrDriverUnavailable   = errors.New("driver unavailable")
	ErrStartFailed         = errors.New("tunnel start failed")
	ErrStopFailed          = errors.New("tunnel stop failed")
)

var kinds = []error{
	ErrPermissionDenied,
	ErrPlatformUnsupported,
	ErrDriverUnavailable,
	ErrStartFailed,
	ErrStopFailed,
}

// Error carries a kind together with the operation and underlying cause
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Is reports whether target is this error's kind
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap tags err with kind
func Wrap(kind error, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Classify returns err unchanged when it already carries a known kind and
// otherwise tags it with fallback. A nil err stays nil.
func Classify(err error, fallback error, op string) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return err
		}
	}
	return Wrap(fallback, op, err)
}

// KindOf returns the error kind carried by err, or nil
func KindOf(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Status is the driver's view of the tunnel
type Status struct {
	Connected bool   `json:"connected"`
	DNS       string `json:"dns,omitempty"`
}

// Driver controls the platform tunnel.
//
// Start is not idempotent: callers must not start a running tunnel.
// Stop on a stopped tunnel succeeds. IsRunning may fail when the platform
// cannot be queried. HasPermission never fails.
type Driver interface {
	Start(ctx context.Context, dns string) error
	Stop(ctx context.Context) error
	IsRunning(ctx context.Context) (Status, error)
	HasPermission() bool
}

// Supporter is implemented by drivers that may not work on this platform
type Supporter interface {
	Supported() bool
}

// IsSupported reports whether d can be used at all
func IsSupported(d Driver) bool {
	if d == nil {
		return false
	}
	if s, ok := d.(Supporter); ok {
		return s.Supported()
	}
	return true
}
