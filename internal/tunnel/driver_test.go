package tunnel

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	assert.NoError(t, Classify(nil, ErrStartFailed, "start"))

	err := Classify(context.DeadlineExceeded, ErrStartFailed, "start")
	assert.ErrorIs(t, err, ErrStartFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	denied := fmt.Errorf("vpn: %w", ErrPermissionDenied)
	err = Classify(denied, ErrStartFailed, "start")
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.NotErrorIs(t, err, ErrStartFailed)
	assert.Equal(t, ErrPermissionDenied, KindOf(err))
	assert.Nil(t, KindOf(errors.New("plain")))
}

func TestErrorFormatting(t *testing.T) {
	err := Wrap(ErrStopFailed, "stop", errors.New("exit status 1"))
	assert.Equal(t, "stop: tunnel stop failed: exit status 1", err.Error())
	assert.Equal(t, "start: platform unsupported", Wrap(ErrPlatformUnsupported, "start", nil).Error())
}

func TestIsSupported(t *testing.T) {
	assert.False(t, IsSupported(nil))
	assert.False(t, IsSupported(Unsupported{}))
	assert.True(t, IsSupported(NewNetworkSetupDriver("unused")))

	err := Unsupported{}.Start(context.Background(), "1.1.1.1")
	assert.ErrorIs(t, err, ErrPlatformUnsupported)
}
