package daemon

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/conductor/internal/detect"
	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/status"
	"github.com/msageha/conductor/internal/uds"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", LogLevelDebug},
		{"info", LogLevelInfo},
		{"warn", LogLevelWarn},
		{"warning", LogLevelWarn},
		{"error", LogLevelError},
		{"ERROR", LogLevelError},
		{"", LogLevelInfo},
		{"bogus", LogLevelInfo},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.in); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestDaemon_ControlSocket(t *testing.T) {
	// Use /tmp directly to avoid macOS Unix socket path length limit (104 bytes)
	dir, err := os.MkdirTemp("/tmp", "conductor-d-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := testConfig(model.Worker{ID: "worker1", Model: "opus", CLI: model.CLIClaude})
	d, err := newDaemon(dir, cfg, io.Discard, nil)
	require.NoError(t, err)

	d.dispatcher.SetObserver(&fakeObserver{states: map[string]detect.State{}})
	d.dispatcher.SetNudger(&fakeNudger{})

	d.registerHandlers()
	require.NoError(t, d.server.Start())
	defer d.server.Stop()

	client := uds.NewClient(filepath.Join(dir, uds.DefaultSocketName))
	client.SetTimeout(5 * time.Second)

	resp, err := client.SendCommand(uds.CommandPing, nil)
	require.NoError(t, err)
	assert.True(t, resp.Success)

	resp, err = client.SendCommand(uds.CommandScan, nil)
	require.NoError(t, err)
	assert.True(t, resp.Success)

	resp, err = client.SendCommand(uds.CommandStatus, nil)
	require.NoError(t, err)
	require.True(t, resp.Success)

	var fleet status.Fleet
	require.NoError(t, json.Unmarshal(resp.Data, &fleet))
	require.Len(t, fleet.Workers, 1)
	assert.Equal(t, "worker1", fleet.Workers[0].WorkerID)
}
