// Package tunneltest provides a scriptable in-memory tunnel driver.
package tunneltest

import (
	"context"
	"sync"

	"dnsbypass/internal/tunnel"
)

// Fake is a tunnel.Driver whose results are set by the test. Calls can be
// held open to observe what happens while an operation is in flight.
type Fake struct {
	mu          sync.Mutex
	running     bool
	dns         string
	permission  bool
	unsupported bool
	startErr    error
	stopErr     error
	statusErr   error
	hold        chan struct{}
	entered     chan string
	calls       []string
	inFlight    int
	maxInFlight int
}

var (
	_ tunnel.Driver    = (*Fake)(nil)
	_ tunnel.Supporter = (*Fake)(nil)
)

// NewFake returns a stopped driver with permission granted
func NewFake() *Fake {
	return &Fake{
		permission: true,
		entered:    make(chan string, 64),
	}
}

func (f *Fake) Start(ctx context.Context, dns string) error {
	if err := f.begin(ctx, "start:"+dns); err != nil {
		return err
	}
	defer f.end()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	f.dns = dns
	return nil
}

func (f *Fake) Stop(ctx context.Context) error {
	if err := f.begin(ctx, "stop"); err != nil {
		return err
	}
	defer f.end()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	f.running = false
	f.dns = ""
	return nil
}

func (f *Fake) IsRunning(ctx context.Context) (tunnel.Status, error) {
	if err := f.begin(ctx, "status"); err != nil {
		return tunnel.Status{}, err
	}
	defer f.end()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return tunnel.Status{}, f.statusErr
	}
	return tunnel.Status{Connected: f.running, DNS: f.dns}, nil
}

func (f *Fake) HasPermission() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.permission
}

func (f *Fake) Supported() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.unsupported
}

func (f *Fake) begin(ctx context.Context, call string) error {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	hold := f.hold
	f.mu.Unlock()

	select {
	case f.entered <- call:
	default:
	}

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			f.end()
			return ctx.Err()
		}
	}
	return nil
}

func (f *Fake) end() {
	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
}

// SetRunning sets the ground truth, as if the OS changed it
func (f *Fake) SetRunning(running bool, dns string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = running
	f.dns = dns
}

func (f *Fake) SetPermission(granted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permission = granted
}

func (f *Fake) SetUnsupported(unsupported bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsupported = unsupported
}

// FailStart makes every Start return err; nil restores success
func (f *Fake) FailStart(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startErr = err
}

func (f *Fake) FailStop(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopErr = err
}

func (f *Fake) FailStatus(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusErr = err
}

// Hold blocks subsequent calls until Release or their context ends
func (f *Fake) Hold() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hold == nil {
		f.hold = make(chan struct{})
	}
}

func (f *Fake) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hold != nil {
		close(f.hold)
		f.hold = nil
	}
}

// Entered receives the name of each call as it begins
func (f *Fake) Entered() <-chan string {
	return f.entered
}

// Calls returns the recorded calls in order
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// MaxConcurrent is the highest number of calls observed in flight at once
func (f *Fake) MaxConcurrent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

func (f *Fake) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}
