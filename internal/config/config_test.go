package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/beacon-tracker/internal/beacon"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Backend.URL != "http://localhost:3000" {
		t.Errorf("Backend.URL = %q, want %q", cfg.Backend.URL, "http://localhost:3000")
	}
	if cfg.Beacon.RegionUUID != beacon.RegionUUID {
		t.Errorf("Beacon.RegionUUID = %q, want %q", cfg.Beacon.RegionUUID, beacon.RegionUUID)
	}
	if cfg.Provision.VerifyWindow != 8*time.Second {
		t.Errorf("Provision.VerifyWindow = %v, want 8s", cfg.Provision.VerifyWindow)
	}
	if cfg.Provision.WriteGrace != 200*time.Millisecond {
		t.Errorf("Provision.WriteGrace = %v, want 200ms", cfg.Provision.WriteGrace)
	}
	if cfg.Telemetry.FarRSSI != -85 || cfg.Telemetry.NearRSSI != -70 {
		t.Errorf("Telemetry thresholds = %d/%d, want -85/-70", cfg.Telemetry.FarRSSI, cfg.Telemetry.NearRSSI)
	}
	if cfg.Registry.Path == "" {
		t.Error("Registry.Path should not be empty")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
backend:
  url: https://tracker.example.com
  timeout: 5s
user_id: user-42
provision:
  verify_window: 12s
  write_grace: 500ms
  skip_read_back: true
telemetry:
  far_rssi: -90
  upload_interval: 1m
indicator:
  enabled: false
location:
  lat: 40.7128
  lng: -74.006
  authorization: always
registry:
  path: /tmp/devices.yaml
log_level: debug
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Backend.URL != "https://tracker.example.com" || cfg.Backend.Timeout != 5*time.Second {
		t.Errorf("Backend = %+v", cfg.Backend)
	}
	if cfg.UserID != "user-42" {
		t.Errorf("UserID = %q, want %q", cfg.UserID, "user-42")
	}
	if cfg.Provision.VerifyWindow != 12*time.Second || cfg.Provision.WriteGrace != 500*time.Millisecond {
		t.Errorf("Provision = %+v", cfg.Provision)
	}
	if !cfg.Provision.SkipReadBack {
		t.Error("Provision.SkipReadBack = false, want true")
	}
	if cfg.Provision.DiscoveryTimeout != 30*time.Second {
		t.Errorf("Provision.DiscoveryTimeout = %v, want default 30s", cfg.Provision.DiscoveryTimeout)
	}
	if cfg.Telemetry.FarRSSI != -90 || cfg.Telemetry.NearRSSI != -70 {
		t.Errorf("Telemetry thresholds = %d/%d, want -90/-70", cfg.Telemetry.FarRSSI, cfg.Telemetry.NearRSSI)
	}
	if cfg.Telemetry.UploadInterval != time.Minute {
		t.Errorf("Telemetry.UploadInterval = %v, want 1m", cfg.Telemetry.UploadInterval)
	}
	if cfg.Indicator.Enabled {
		t.Error("Indicator.Enabled = true, want false")
	}
	if cfg.Location.Lat != 40.7128 || cfg.Location.Authorization != "always" {
		t.Errorf("Location = %+v", cfg.Location)
	}
	if cfg.Registry.Path != "/tmp/devices.yaml" {
		t.Errorf("Registry.Path = %q", cfg.Registry.Path)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadExpandsTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("cannot determine home directory")
	}

	yamlContent := `
registry:
  path: ~/tracker/devices.yaml
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	expected := filepath.Join(home, "tracker/devices.yaml")
	if cfg.Registry.Path != expected {
		t.Errorf("Registry.Path = %q, want %q", cfg.Registry.Path, expected)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() should return error for nonexistent file")
	}
}

func TestLoadOrDefault(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.Backend.URL != Default().Backend.URL {
		t.Errorf("LoadOrDefault() did not return defaults: %+v", cfg.Backend)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("backend: [unterminated\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadOrDefault(bad); err == nil {
		t.Error("LoadOrDefault() should fail on malformed YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "backend url without scheme",
			modify:  func(c *Config) { c.Backend.URL = "localhost:3000" },
			wantErr: true,
		},
		{
			name:    "backend url with ftp scheme",
			modify:  func(c *Config) { c.Backend.URL = "ftp://tracker" },
			wantErr: true,
		},
		{
			name:    "lowercase region uuid",
			modify:  func(c *Config) { c.Beacon.RegionUUID = strings.ToLower(beacon.RegionUUID) },
			wantErr: false,
		},
		{
			name:    "invalid region uuid",
			modify:  func(c *Config) { c.Beacon.RegionUUID = "not-a-uuid" },
			wantErr: true,
		},
		{
			name:    "invalid indicator characteristic",
			modify:  func(c *Config) { c.Beacon.IndicatorCharUUID = "" },
			wantErr: true,
		},
		{
			name:    "zero verify window",
			modify:  func(c *Config) { c.Provision.VerifyWindow = 0 },
			wantErr: true,
		},
		{
			name:    "zero write grace",
			modify:  func(c *Config) { c.Provision.WriteGrace = 0 },
			wantErr: false,
		},
		{
			name:    "negative write grace",
			modify:  func(c *Config) { c.Provision.WriteGrace = -time.Millisecond },
			wantErr: true,
		},
		{
			name:    "thresholds inverted",
			modify:  func(c *Config) { c.Telemetry.NearRSSI = -90 },
			wantErr: true,
		},
		{
			name:    "positive threshold",
			modify:  func(c *Config) { c.Telemetry.NearRSSI = 10 },
			wantErr: true,
		},
		{
			name:    "indicator without backoff cap",
			modify:  func(c *Config) { c.Indicator.ReconnectMax = 0 },
			wantErr: true,
		},
		{
			name: "disabled indicator without backoff cap",
			modify: func(c *Config) {
				c.Indicator.Enabled = false
				c.Indicator.ReconnectMax = 0
			},
			wantErr: false,
		},
		{
			name:    "latitude out of range",
			modify:  func(c *Config) { c.Location.Lat = 91 },
			wantErr: true,
		},
		{
			name:    "unknown authorization",
			modify:  func(c *Config) { c.Location.Authorization = "sometimes" },
			wantErr: true,
		},
		{
			name:    "empty registry path",
			modify:  func(c *Config) { c.Registry.Path = "" },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.LogLevel = "invalid" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWriteDefault_CreatesFile(t *testing.T) {
	// Use a temp dir as fake home to avoid touching real config
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	expectedPath := filepath.Join(tmpHome, ".config", "beacon-tracker", "config.yaml")
	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# beacon-tracker") {
		t.Error("written config should start with header comment")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("written config is not valid YAML: %v", err)
	}
	if cfg.Provision.WriteGrace != 200*time.Millisecond {
		t.Errorf("written config Provision.WriteGrace = %v, want 200ms", cfg.Provision.WriteGrace)
	}
	if cfg.Beacon.RegionUUID != beacon.RegionUUID {
		t.Errorf("written config Beacon.RegionUUID = %q", cfg.Beacon.RegionUUID)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() of written config error = %v", err)
	}
	if err := loaded.Validate(); err != nil {
		t.Errorf("written config does not validate: %v", err)
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "beacon-tracker")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	existingContent := []byte("user_id: someone\n")
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, existingContent, 0644); err != nil {
		t.Fatalf("failed to write existing config: %v", err)
	}

	// WriteDefault should return ("", nil) without overwriting
	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if path != "" {
		t.Errorf("WriteDefault() path = %q, want empty string for existing file", path)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if string(data) != string(existingContent) {
		t.Error("WriteDefault() should not overwrite existing config file")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo}, // defaults to info
		{"", slog.LevelInfo},        // defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}

	cfg := Default()
	cfg.LogLevel = "warn"
	if cfg.SlogLevel() != slog.LevelWarn {
		t.Errorf("SlogLevel() = %v, want warn", cfg.SlogLevel())
	}
}
