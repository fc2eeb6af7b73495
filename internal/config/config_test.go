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
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
source:
  name: accounts
  uri: mem://source
target:
  uri: mem://replica
store:
  backend: memory
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "accounts", cfg.Source.Name)
	assert.Equal(t, int64(1000), cfg.Backup.TxnsPerSegment)
	assert.Equal(t, 5*time.Second, cfg.Restore.PollInterval)
	assert.Equal(t, 5, cfg.Restore.PrefetchBuffer)
	assert.Equal(t, 5*time.Minute, cfg.Restore.MaxRetryDelay)
	assert.Equal(t, time.Second, cfg.Restore.InitialRetryDelay)
	require.NotNil(t, cfg.Restore.Verify)
	assert.True(t, *cfg.Restore.Verify)
	assert.Equal(t, 0.01, cfg.Restore.VerifyProbability)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 9090, cfg.Metrics.Port)
}

func TestLoadConfigOverrides(t *testing.T) {
	path := writeConfig(t, `
source:
  name: accounts
  uri: mem://source
target:
  uri: mem://replica
store:
  backend: filesystem
  dir: /tmp/segments
backup:
  txns_per_segment: 250
  parallel: true
restore:
  poll_interval: 100ms
  verify: false
  blacklist:
    - person/ssn
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, int64(250), cfg.Backup.TxnsPerSegment)
	assert.True(t, cfg.Backup.Parallel)
	assert.Equal(t, 100*time.Millisecond, cfg.Restore.PollInterval)
	require.NotNil(t, cfg.Restore.Verify)
	assert.False(t, *cfg.Restore.Verify)
	assert.Equal(t, []string{"person/ssn"}, cfg.Restore.Blacklist)
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing source name", "source:\n  uri: mem://s\ntarget:\n  uri: mem://t\nstore:\n  backend: memory\n"},
		{"missing target uri", "source:\n  name: a\n  uri: mem://s\nstore:\n  backend: memory\n"},
		{"unknown backend", "source:\n  name: a\n  uri: mem://s\ntarget:\n  uri: mem://t\nstore:\n  backend: carrier-pigeon\n"},
		{"filesystem without dir", "source:\n  name: a\n  uri: mem://s\ntarget:\n  uri: mem://t\nstore:\n  backend: filesystem\n"},
		{"s3 without bucket", "source:\n  name: a\n  uri: mem://s\ntarget:\n  uri: mem://t\nstore:\n  backend: s3\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
