package tunnel

import "context"

// Unsupported is the driver used where no tunnel mechanism exists
type Unsupported struct{}

var _ Driver = Unsupported{}

func (Unsupported) Start(ctx context.Context, dns string) error {
	return Wrap(ErrPlatformUnsupported, "start", nil)
}

func (Unsupported) Stop(ctx context.Context) error {
	return nil
}

func (Unsupported) IsRunning(ctx context.Context) (Status, error) {
	return Status{}, nil
}

func (Unsupported) HasPermission() bool {
	return false
}

func (Unsupported) Supported() bool {
	return false
}
