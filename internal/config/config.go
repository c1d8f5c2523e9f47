// Package config loads meshlinkd configuration from a YAML file layered over
// built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meshcommons/meshlink/internal/audit"
)

// Transport names accepted by Config.Transport and the connection_method setting.
const (
	TransportBLE    = "ble"
	TransportSerial = "serial"
)

// Decrypt failure policies.
const (
	DecryptDrop        = "drop"
	DecryptPassthrough = "passthrough"
)

// Config is the full daemon configuration.
type Config struct {
	// Transport selects the active link: "ble" or "serial".
	Transport      string        `yaml:"transport"`
	HealthInterval time.Duration `yaml:"health_interval"`

	Gateway  GatewayConfig  `yaml:"gateway"`
	Radio    RadioConfig    `yaml:"radio"`
	Serial   SerialConfig   `yaml:"serial"`
	Security SecurityConfig `yaml:"security"`
	Audit    AuditConfig    `yaml:"audit"`
	Store    StoreConfig    `yaml:"store"`
	Log      LogConfig      `yaml:"log"`
}

// GatewayConfig configures the HTTP API listener.
type GatewayConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// RetryConfig drives reconnect backoff and the fallback periodic rescan.
type RetryConfig struct {
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxAttempts    int           `yaml:"max_attempts"`
	RescanInterval time.Duration `yaml:"rescan_interval"`
}

// RadioConfig configures the BLE link.
type RadioConfig struct {
	DeviceName  string `yaml:"device_name"`
	ServiceUUID string `yaml:"service_uuid"`
	NotifyUUID  string `yaml:"notify_uuid"`
	WriteUUID   string `yaml:"write_uuid"`

	ScanPeriod            time.Duration `yaml:"scan_period"`
	ScanRestartDelay      time.Duration `yaml:"scan_restart_delay"`
	ConnectTimeout        time.Duration `yaml:"connect_timeout"`
	DisconnectRescanDelay time.Duration `yaml:"disconnect_rescan_delay"`
	Retry                 RetryConfig   `yaml:"retry"`
}

// SerialConfig configures the USB serial link.
type SerialConfig struct {
	VendorID  uint16 `yaml:"vendor_id"`
	ProductID uint16 `yaml:"product_id"`
	BaudRate  int    `yaml:"baud_rate"`

	ScanPeriod       time.Duration `yaml:"scan_period"`
	ScanRestartDelay time.Duration `yaml:"scan_restart_delay"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	ReconnectDelay   time.Duration `yaml:"reconnect_delay"`
	Retry            RetryConfig   `yaml:"retry"`
}

// SecurityConfig controls key provisioning and frame protection.
type SecurityConfig struct {
	KeyFile      string `yaml:"key_file"`
	GenerateKeys bool   `yaml:"generate_keys"`
	RequireMAC   bool   `yaml:"require_mac"`
	// DecryptFailure is "drop" or "passthrough".
	DecryptFailure string `yaml:"decrypt_failure"`
}

// AuditConfig configures the in-memory trail and its export directory.
type AuditConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Capacity int    `yaml:"capacity"`
	Dir      string `yaml:"dir"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Transport:      TransportBLE,
		HealthInterval: 30 * time.Second,
		Gateway: GatewayConfig{
			ListenAddr: "127.0.0.1:8087",
		},
		Radio: RadioConfig{
			DeviceName:            "AkitaNode",
			ServiceUUID:           "0000181a-0000-1000-8000-00805f9b34fb",
			NotifyUUID:            "00002a6e-0000-1000-8000-00805f9b34fb",
			WriteUUID:             "00002a6c-0000-1000-8000-00805f9b34fb",
			ScanPeriod:            10 * time.Second,
			ScanRestartDelay:      5 * time.Second,
			ConnectTimeout:        15 * time.Second,
			DisconnectRescanDelay: 5 * time.Second,
			Retry: RetryConfig{
				BaseDelay:      5 * time.Second,
				MaxAttempts:    5,
				RescanInterval: 30 * time.Second,
			},
		},
		Serial: SerialConfig{
			VendorID:         0x0403,
			ProductID:        0x6001,
			BaudRate:         115200,
			ScanPeriod:       10 * time.Second,
			ScanRestartDelay: 5 * time.Second,
			OpenTimeout:      10 * time.Second,
			WriteTimeout:     500 * time.Millisecond,
			ReadTimeout:      time.Second,
			ReconnectDelay:   5 * time.Second,
			Retry: RetryConfig{
				BaseDelay:      5 * time.Second,
				MaxAttempts:    3,
				RescanInterval: 30 * time.Second,
			},
		},
		Security: SecurityConfig{
			KeyFile:        "meshlink.keys",
			GenerateKeys:   true,
			DecryptFailure: DecryptDrop,
		},
		Audit: AuditConfig{
			Enabled:  true,
			Capacity: audit.DefaultCapacity,
			Dir:      "audit_logs",
		},
		Store: StoreConfig{
			Path: "meshlink.db",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// DefaultPath returns ~/.meshlink/config.yaml, or a relative path when the
// home directory cannot be resolved.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".meshlink", "config.yaml")
	}
	return filepath.Join(home, ".meshlink", "config.yaml")
}

// Load reads the YAML file at path over Default(). A missing file yields the
// defaults with no error.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Transport = strings.ToLower(strings.TrimSpace(cfg.Transport))
	return cfg, nil
}

// Validate reports persistent configuration errors. These are the only
// failures surfaced to the operator as user-visible status.
func (c *Config) Validate() error {
	var errs []error
	switch c.Transport {
	case TransportBLE, TransportSerial:
	default:
		errs = append(errs, fmt.Errorf("transport must be %q or %q, got %q", TransportBLE, TransportSerial, c.Transport))
	}
	if strings.TrimSpace(c.Radio.DeviceName) == "" {
		errs = append(errs, errors.New("radio.device_name is required"))
	}
	if c.Radio.ServiceUUID == "" || c.Radio.NotifyUUID == "" || c.Radio.WriteUUID == "" {
		errs = append(errs, errors.New("radio service, notify and write UUIDs are required"))
	}
	if c.Serial.VendorID == 0 || c.Serial.ProductID == 0 {
		errs = append(errs, errors.New("serial.vendor_id and serial.product_id are required"))
	}
	if c.Serial.BaudRate <= 0 {
		errs = append(errs, fmt.Errorf("serial.baud_rate must be positive, got %d", c.Serial.BaudRate))
	}
	for name, r := range map[string]RetryConfig{"radio": c.Radio.Retry, "serial": c.Serial.Retry} {
		if r.BaseDelay <= 0 || r.MaxAttempts <= 0 || r.RescanInterval <= 0 {
			errs = append(errs, fmt.Errorf("%s.retry values must be positive", name))
		}
	}
	if c.HealthInterval <= 0 {
		errs = append(errs, errors.New("health_interval must be positive"))
	}
	switch c.Security.DecryptFailure {
	case DecryptDrop, DecryptPassthrough:
	default:
		errs = append(errs, fmt.Errorf("security.decrypt_failure must be %q or %q", DecryptDrop, DecryptPassthrough))
	}
	if c.Audit.Capacity <= 0 {
		errs = append(errs, errors.New("audit.capacity must be positive"))
	}
	if c.Audit.Capacity > audit.DefaultCapacity {
		errs = append(errs, fmt.Errorf("audit.capacity must not exceed %d", audit.DefaultCapacity))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
