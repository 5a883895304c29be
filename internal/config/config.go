package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/beacon-tracker/internal/beacon"
	"github.com/chaz8081/beacon-tracker/internal/platform"
)

// Config holds all application configuration.
type Config struct {
	Backend   BackendConfig   `yaml:"backend"`
	UserID    string          `yaml:"user_id"`
	Beacon    BeaconConfig    `yaml:"beacon"`
	Radio     RadioConfig     `yaml:"radio"`
	Provision ProvisionConfig `yaml:"provision"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Indicator IndicatorConfig `yaml:"indicator"`
	Location  LocationConfig  `yaml:"location"`
	Registry  RegistryConfig  `yaml:"registry"`
	LogLevel  string          `yaml:"log_level"`
}

// BackendConfig holds the tracker backend settings.
type BackendConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// BeaconConfig holds the identifiers of the beacon family.
type BeaconConfig struct {
	RegionUUID        string `yaml:"region_uuid"`
	ServiceUUID       string `yaml:"service_uuid"`
	WriteCharUUID     string `yaml:"write_char_uuid"`
	ReadBackCharUUID  string `yaml:"read_back_char_uuid"`
	IndicatorCharUUID string `yaml:"indicator_char_uuid"`
}

// RadioConfig holds radio facade settings.
type RadioConfig struct {
	RangingInterval   time.Duration `yaml:"ranging_interval"`
	RegionExitTimeout time.Duration `yaml:"region_exit_timeout"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
}

// ProvisionConfig holds provisioning deadlines.
type ProvisionConfig struct {
	PermissionTimeout time.Duration `yaml:"permission_timeout"`
	DiscoveryTimeout  time.Duration `yaml:"discovery_timeout"`
	BLETimeout        time.Duration `yaml:"ble_timeout"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	VerifyWindow      time.Duration `yaml:"verify_window"`
	WriteGrace        time.Duration `yaml:"write_grace"`
	SkipReadBack      bool          `yaml:"skip_read_back"`
}

// TelemetryConfig holds telemetry thresholds and cadences.
type TelemetryConfig struct {
	FarRSSI        int           `yaml:"far_rssi"`
	NearRSSI       int           `yaml:"near_rssi"`
	UploadInterval time.Duration `yaml:"upload_interval"`
	SettleDelay    time.Duration `yaml:"settle_delay"`
	BackgroundStop time.Duration `yaml:"background_stop"`
	FixTimeout     time.Duration `yaml:"fix_timeout"`
	// AllowRegistered restricts the nearest beacon to registered devices.
	AllowRegistered bool `yaml:"allow_registered"`
}

// IndicatorConfig holds indicator link settings.
type IndicatorConfig struct {
	Enabled      bool          `yaml:"enabled"`
	ReconnectMax time.Duration `yaml:"reconnect_max"`
}

// LocationConfig describes the static position reported with telemetry.
type LocationConfig struct {
	Lat           float64 `yaml:"lat"`
	Lng           float64 `yaml:"lng"`
	Authorization string  `yaml:"authorization"`
}

// RegistryConfig holds the device registry settings.
type RegistryConfig struct {
	Path string `yaml:"path"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "beacon-tracker")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	registryPath := filepath.Join(home, ".local", "share", "beacon-tracker", "devices.yaml")

	return &Config{
		Backend: BackendConfig{
			URL:     "http://localhost:3000",
			Timeout: 10 * time.Second,
		},
		Beacon: BeaconConfig{
			RegionUUID:        beacon.RegionUUID,
			ServiceUUID:       beacon.ServiceUUID,
			WriteCharUUID:     beacon.WriteCharUUID,
			ReadBackCharUUID:  beacon.ReadBackCharUUID,
			IndicatorCharUUID: beacon.IndicatorCharUUID,
		},
		Radio: RadioConfig{
			RangingInterval:   time.Second,
			RegionExitTimeout: 30 * time.Second,
			ConnectTimeout:    10 * time.Second,
		},
		Provision: ProvisionConfig{
			PermissionTimeout: 30 * time.Second,
			DiscoveryTimeout:  30 * time.Second,
			BLETimeout:        30 * time.Second,
			ConnectTimeout:    20 * time.Second,
			VerifyWindow:      8 * time.Second,
			WriteGrace:        200 * time.Millisecond,
		},
		Telemetry: TelemetryConfig{
			FarRSSI:         -85,
			NearRSSI:        -70,
			UploadInterval:  30 * time.Second,
			SettleDelay:     2 * time.Second,
			BackgroundStop:  3 * time.Second,
			FixTimeout:      5 * time.Second,
			AllowRegistered: true,
		},
		Indicator: IndicatorConfig{
			Enabled:      true,
			ReconnectMax: 30 * time.Second,
		},
		Location: LocationConfig{
			Authorization: platform.AuthWhenInUse.String(),
		},
		Registry: RegistryConfig{
			Path: registryPath,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in registry.path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Registry.Path = expandTilde(cfg.Registry.Path)

	return cfg, nil
}

// LoadOrDefault loads path, falling back to defaults when the file does not
// exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Backend.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("backend.url must be an http(s) URL, got %q", c.Backend.URL)
	}

	for _, f := range []struct {
		name, value string
	}{
		{"beacon.region_uuid", c.Beacon.RegionUUID},
		{"beacon.service_uuid", c.Beacon.ServiceUUID},
		{"beacon.write_char_uuid", c.Beacon.WriteCharUUID},
		{"beacon.read_back_char_uuid", c.Beacon.ReadBackCharUUID},
		{"beacon.indicator_char_uuid", c.Beacon.IndicatorCharUUID},
	} {
		if _, err := uuid.Parse(f.value); err != nil {
			return fmt.Errorf("%s must be a UUID, got %q", f.name, f.value)
		}
	}

	for _, f := range []struct {
		name  string
		value time.Duration
	}{
		{"radio.ranging_interval", c.Radio.RangingInterval},
		{"radio.region_exit_timeout", c.Radio.RegionExitTimeout},
		{"radio.connect_timeout", c.Radio.ConnectTimeout},
		{"provision.permission_timeout", c.Provision.PermissionTimeout},
		{"provision.discovery_timeout", c.Provision.DiscoveryTimeout},
		{"provision.ble_timeout", c.Provision.BLETimeout},
		{"provision.connect_timeout", c.Provision.ConnectTimeout},
		{"provision.verify_window", c.Provision.VerifyWindow},
		{"telemetry.upload_interval", c.Telemetry.UploadInterval},
		{"telemetry.settle_delay", c.Telemetry.SettleDelay},
		{"telemetry.background_stop", c.Telemetry.BackgroundStop},
		{"telemetry.fix_timeout", c.Telemetry.FixTimeout},
	} {
		if f.value <= 0 {
			return fmt.Errorf("%s must be > 0", f.name)
		}
	}

	if c.Provision.WriteGrace < 0 {
		return fmt.Errorf("provision.write_grace must be >= 0")
	}

	if c.Telemetry.FarRSSI >= 0 || c.Telemetry.NearRSSI >= 0 {
		return fmt.Errorf("telemetry.far_rssi and telemetry.near_rssi must be negative dBm")
	}
	if c.Telemetry.NearRSSI <= c.Telemetry.FarRSSI {
		return fmt.Errorf("telemetry.near_rssi (%d) must be stronger than telemetry.far_rssi (%d)",
			c.Telemetry.NearRSSI, c.Telemetry.FarRSSI)
	}

	if c.Indicator.Enabled && c.Indicator.ReconnectMax <= 0 {
		return fmt.Errorf("indicator.reconnect_max must be > 0")
	}

	if c.Location.Lat < -90 || c.Location.Lat > 90 || c.Location.Lng < -180 || c.Location.Lng > 180 {
		return fmt.Errorf("location lat/lng out of range: %v,%v", c.Location.Lat, c.Location.Lng)
	}
	if _, err := platform.ParseAuthorization(c.Location.Authorization); err != nil {
		return fmt.Errorf("location.authorization: %w", err)
	}

	if c.Registry.Path == "" {
		return fmt.Errorf("registry.path must not be empty")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	return ParseLogLevel(c.LogLevel)
}

// ParseLogLevel maps a level name to a slog level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultHeader = `# beacon-tracker configuration
# Durations use Go syntax (30s, 200ms).
`

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the written path, or "" when a config already exists there.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("marshalling default config: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
