package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_address: "127.0.0.1:9000"
peer_id: "node-1"
max_message_size: 1024
store_history: false
peers:
  node-2: "10.0.0.2:7784"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddress)
	assert.Equal(t, "node-1", cfg.PeerID)
	assert.Equal(t, 1024, cfg.MaxMessageSize)
	assert.False(t, cfg.StoreHistory)
	assert.Equal(t, "10.0.0.2:7784", cfg.Peers["node-2"])

	// Unset fields keep their defaults.
	assert.Equal(t, 5, cfg.DeliveryIntervalSeconds)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"bad message size", "max_message_size: -1"},
		{"bad log level", `log_level: "chatty"`},
		{"bad interval", "delivery_interval_seconds: 0"},
		{"empty data dir", `data_dir: ""`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tc.body), 0o600))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_address: [unclosed"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}
