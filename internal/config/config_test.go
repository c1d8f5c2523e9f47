package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	require.NoError(t, cfg.Validate())
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
transport: Serial
radio:
  device_name: FieldNode
  retry:
    base_delay: 2s
serial:
  baud_rate: 9600
security:
  require_mac: true
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, TransportSerial, cfg.Transport)
	assert.Equal(t, "FieldNode", cfg.Radio.DeviceName)
	assert.Equal(t, 2*time.Second, cfg.Radio.Retry.BaseDelay)
	assert.Equal(t, 5, cfg.Radio.Retry.MaxAttempts, "untouched nested field keeps default")
	assert.Equal(t, 9600, cfg.Serial.BaudRate)
	assert.True(t, cfg.Security.RequireMAC)
	assert.Equal(t, DecryptDrop, cfg.Security.DecryptFailure)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("transport: [unterminated"), 0o600))
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown transport", func(c *Config) { c.Transport = "wifi" }},
		{"missing device name", func(c *Config) { c.Radio.DeviceName = " " }},
		{"zero vendor id", func(c *Config) { c.Serial.VendorID = 0 }},
		{"zero baud", func(c *Config) { c.Serial.BaudRate = 0 }},
		{"zero retry attempts", func(c *Config) { c.Serial.Retry.MaxAttempts = 0 }},
		{"bad decrypt policy", func(c *Config) { c.Security.DecryptFailure = "ignore" }},
		{"zero audit capacity", func(c *Config) { c.Audit.Capacity = 0 }},
		{"audit capacity above limit", func(c *Config) { c.Audit.Capacity = 20000 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
