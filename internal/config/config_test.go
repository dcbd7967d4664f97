// ABOUTME: Tests for configuration loading, defaults, env expansion, and validation.
// ABOUTME: Uses temp files to exercise the YAML parsing path end to end.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadMinimal(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "127.0.0.1:8080"
database:
  path: ":memory:"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", cfg.Server.HTTPAddr)
	assert.Equal(t, ":memory:", cfg.Database.Path)

	// Defaults
	assert.Equal(t, DefaultHeartbeatInterval, cfg.Agents.HeartbeatInterval)
	assert.Equal(t, 3*DefaultHeartbeatInterval, cfg.Agents.IdleThreshold)
	assert.Equal(t, DefaultSessionTimeout, cfg.Commands.SessionTimeout)
	assert.Equal(t, DefaultRecordingTimeout, cfg.Transfers.RecordingTimeout)
	assert.Equal(t, DefaultStreamQuality, cfg.Streams.DefaultQuality)
	assert.Equal(t, DefaultStreamFPS, cfg.Streams.DefaultFPS)
}

func TestLoadDurations(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "fleet.db"
agents:
  heartbeat_interval: "10s"
  idle_threshold: "45s"
commands:
  session_timeout: "5s"
  transfer_timeout: "10m"
transfers:
  recording_timeout: "10s"
  file_timeout: "2m"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.Agents.HeartbeatInterval)
	assert.Equal(t, 45*time.Second, cfg.Agents.IdleThreshold)
	assert.Equal(t, 5*time.Second, cfg.Commands.SessionTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Commands.TransferTimeout)
	assert.Equal(t, 10*time.Second, cfg.Transfers.RecordingTimeout)
	assert.Equal(t, 2*time.Minute, cfg.Transfers.FileTimeout)
}

func TestLoadInvalidDuration(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "fleet.db"
agents:
  heartbeat_interval: "ten seconds"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "heartbeat_interval")
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("FLEET_TEST_SECRET", "hunter2")

	path := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "fleet.db"
auth:
  jwt_secret: "${FLEET_TEST_SECRET}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", cfg.Auth.JWTSecret)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "missing http addr",
			content: `
database:
  path: "fleet.db"
`,
			wantErr: "server.http_addr",
		},
		{
			name: "missing database path",
			content: `
server:
  http_addr: ":8080"
`,
			wantErr: "database.path",
		},
		{
			name: "quality out of range",
			content: `
server:
  http_addr: ":8080"
database:
  path: "fleet.db"
streams:
  default_quality: 250
`,
			wantErr: "default_quality",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
