package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditLog(t *testing.T) {
	// falls back to logrus before initialization
	Log(EventServiceStart, "info", "not initialized", nil)
	assert.Empty(t, GetLogPath())

	require.NoError(t, Initialize(t.TempDir()))
	path := GetLogPath()
	require.NotEmpty(t, path)

	LogIntentChange(true, "cloudflare")
	LogTunnelOp(EventTunnelStart, "cloudflare", "1.1.1.1", errors.New("tunnel start failed"))
	require.NoError(t, Close())
	assert.Empty(t, GetLogPath())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		events = append(events, e)
	}
	require.Len(t, events, 2)

	assert.Equal(t, EventIntentChange, events[0].Type)
	assert.Equal(t, true, events[0].Details["enabled"])

	assert.Equal(t, EventTunnelStart, events[1].Type)
	assert.Equal(t, "warning", events[1].Severity)
	assert.Equal(t, false, events[1].Details["success"])
	assert.Equal(t, "Tunnel start", events[1].Message)
}
