package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.LogFormat != "text" {
		t.Errorf("LogFormat = %q, want %q", cfg.LogFormat, "text")
	}
	if cfg.BLE.MTU != 20 {
		t.Errorf("BLE.MTU = %d, want 20", cfg.BLE.MTU)
	}
	if cfg.BLE.ScanTimeout.D() != 5*time.Second {
		t.Errorf("BLE.ScanTimeout = %v, want 5s", cfg.BLE.ScanTimeout.D())
	}
	if cfg.Unlock.OperationTimeout.D() != 40*time.Second {
		t.Errorf("Unlock.OperationTimeout = %v, want 40s", cfg.Unlock.OperationTimeout.D())
	}
	if cfg.Unlock.MaxRetries != 1 {
		t.Errorf("Unlock.MaxRetries = %d, want 1", cfg.Unlock.MaxRetries)
	}
	if !cfg.Audit.Enabled || cfg.Audit.Path == "" {
		t.Errorf("Audit = %+v, want enabled with a path", cfg.Audit)
	}
	if cfg.MQTT.Enabled || cfg.InfluxDB.Enabled {
		t.Error("MQTT and InfluxDB should be disabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
log_level: debug
log_format: json
ble:
  mtu: 185
  inter_chunk_delay: 5ms
  scan_timeout: 8s
unlock:
  operation_timeout: 1m
  max_retries: 2
authz:
  base_url: https://access.example.com
mqtt:
  enabled: true
  broker: ssl://broker.example.com:8883
  qos: 2
locks:
  - name: front
    mac: d8714d0ce90f
    protocol_version: 29
    key_group_id: 900
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

	if cfg.LogLevel != "debug" || cfg.LogFormat != "json" {
		t.Errorf("log = %q/%q, want debug/json", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.BLE.MTU != 185 {
		t.Errorf("BLE.MTU = %d, want 185", cfg.BLE.MTU)
	}
	if cfg.BLE.InterChunkDelay.D() != 5*time.Millisecond {
		t.Errorf("BLE.InterChunkDelay = %v, want 5ms", cfg.BLE.InterChunkDelay.D())
	}
	if cfg.BLE.ScanTimeout.D() != 8*time.Second {
		t.Errorf("BLE.ScanTimeout = %v, want 8s", cfg.BLE.ScanTimeout.D())
	}
	// Unset fields keep their defaults.
	if cfg.BLE.ConnectTimeout.D() != 5*time.Second {
		t.Errorf("BLE.ConnectTimeout = %v, want default 5s", cfg.BLE.ConnectTimeout.D())
	}
	if cfg.Unlock.OperationTimeout.D() != time.Minute || cfg.Unlock.MaxRetries != 2 {
		t.Errorf("Unlock = %+v", cfg.Unlock)
	}
	if cfg.MQTT.QoS != 2 || !cfg.MQTT.Enabled {
		t.Errorf("MQTT = %+v", cfg.MQTT)
	}
	if len(cfg.Locks) != 1 || cfg.Locks[0].KeyGroupID != 900 {
		t.Fatalf("Locks = %+v", cfg.Locks)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadExpandsTilde(t *testing.T) {
	yamlContent := `
audit:
  path: ~/data/audit.db
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

	home, _ := os.UserHomeDir()
	want := filepath.Join(home, "data", "audit.db")
	if cfg.Audit.Path != want {
		t.Errorf("Audit.Path = %q, want %q", cfg.Audit.Path, want)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	tests := []string{
		"ble:\n  scan_timeout: soon\n",
		"ble:\n  scan_timeout: 5000000000\n",
	}
	for _, content := range tests {
		cfgPath := filepath.Join(t.TempDir(), "config.yaml")
		if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
			t.Fatalf("failed to write test config: %v", err)
		}
		if _, err := Load(cfgPath); err == nil {
			t.Errorf("Load(%q) succeeded, want a duration error", content)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{name: "valid default", modify: func(c *Config) {}},
		{name: "bad log level", modify: func(c *Config) { c.LogLevel = "verbose" }, wantErr: "log_level"},
		{name: "bad log format", modify: func(c *Config) { c.LogFormat = "xml" }, wantErr: "log_format"},
		{name: "bad service uuid", modify: func(c *Config) { c.BLE.ServiceUUID = "nus" }, wantErr: "ble.service_uuid"},
		{name: "small mtu", modify: func(c *Config) { c.BLE.MTU = 10 }, wantErr: "ble.mtu"},
		{name: "zero queue", modify: func(c *Config) { c.BLE.QueueSize = 0 }, wantErr: "ble.queue_size"},
		{name: "zero auth timeout", modify: func(c *Config) { c.BLE.AuthTimeout = 0 }, wantErr: "ble.auth_timeout"},
		{name: "too many retries", modify: func(c *Config) { c.Unlock.MaxRetries = 9 }, wantErr: "unlock.max_retries"},
		{name: "bad base url", modify: func(c *Config) { c.Authz.BaseURL = "ftp://x" }, wantErr: "authz.base_url"},
		{name: "audit without path", modify: func(c *Config) { c.Audit.Path = "" }, wantErr: "audit.path"},
		{name: "audit disabled without path", modify: func(c *Config) { c.Audit.Enabled = false; c.Audit.Path = "" }},
		{name: "mqtt bad qos", modify: func(c *Config) { c.MQTT.Enabled = true; c.MQTT.QoS = 3 }, wantErr: "mqtt.qos"},
		{name: "influx without org", modify: func(c *Config) { c.InfluxDB.Enabled = true }, wantErr: "influxdb"},
		{
			name:    "lock bad mac",
			modify:  func(c *Config) { c.Locks = []LockConfig{{MAC: "zz", ProtocolVersion: 2}} },
			wantErr: "locks[0]",
		},
		{
			name: "duplicate lock name",
			modify: func(c *Config) {
				l := LockConfig{Name: "front", MAC: "d8714d0ce90f", ProtocolVersion: 2}
				c.Locks = []LockConfig{l, l}
			},
			wantErr: "duplicate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want containing %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestWriteDefault_CreatesFile(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	expectedPath := filepath.Join(tmpHome, ".config", "blelock", "config.yaml")
	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# blelock") {
		t.Error("written config should start with header comment")
	}
	if !strings.Contains(string(data), "scan_timeout: 5s") {
		t.Error("durations should be written as Go duration strings")
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("written config does not load: %v", err)
	}
	if cfg.Unlock.OperationTimeout.D() != 40*time.Second {
		t.Errorf("written config Unlock.OperationTimeout = %v, want 40s", cfg.Unlock.OperationTimeout.D())
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "blelock")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	existingContent := []byte("log_level: debug\n")
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, existingContent, 0644); err != nil {
		t.Fatalf("failed to write existing config: %v", err)
	}

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

func TestDurationYAML(t *testing.T) {
	out, err := yaml.Marshal(struct {
		D Duration `yaml:"d"`
	}{D: Duration(1500 * time.Millisecond)})
	if err != nil {
		t.Fatalf("yaml.Marshal() error = %v", err)
	}
	if strings.TrimSpace(string(out)) != "d: 1.5s" {
		t.Errorf("yaml.Marshal() = %q, want d: 1.5s", out)
	}
}

func TestFindLock(t *testing.T) {
	cfg := Default()
	cfg.Locks = []LockConfig{
		{Name: "front", MAC: "d8714d0ce90f", ProtocolVersion: 29, KeyGroupID: 900},
		{Name: "garage", MAC: "AA:BB:CC:DD:EE:FF", ProtocolVersion: 1, KeyGroupID: 7},
	}

	if l, ok := cfg.FindLock("front"); !ok || l.KeyGroupID != 900 {
		t.Errorf("FindLock(front) = %+v, %v", l, ok)
	}
	if l, ok := cfg.FindLock("aa-bb-cc-dd-ee-ff"); !ok || l.Name != "garage" {
		t.Errorf("FindLock(mac) = %+v, %v", l, ok)
	}
	if _, ok := cfg.FindLock("back"); ok {
		t.Error("FindLock(back) found a lock")
	}

	id, err := cfg.Locks[0].Identity()
	if err != nil {
		t.Fatalf("Identity() error = %v", err)
	}
	if id.MAC.String() != "D8:71:4D:0C:E9:0F" || id.ProtocolVersion != 29 {
		t.Errorf("Identity() = %v", id)
	}
}

func TestConversions(t *testing.T) {
	cfg := Default()
	cfg.MQTT.QoS = 2
	cfg.InfluxDB.BatchSize = -1

	if opts := cfg.TransportOptions(); opts.MTU != cfg.BLE.MTU || opts.QueueSize != cfg.BLE.QueueSize {
		t.Errorf("TransportOptions() = %+v", opts)
	}
	if to := cfg.HandshakeTimeouts(); to.Auth != 3*time.Second {
		t.Errorf("HandshakeTimeouts().Auth = %v, want 3s", to.Auth)
	}
	if uo := cfg.UnlockOptions(); uo.MaxRetries != 1 || uo.OperationTimeout != 40*time.Second {
		t.Errorf("UnlockOptions() = %+v", uo)
	}
	if ec := cfg.EventsConfig(); ec.QoS != 2 || ec.TopicPrefix != "blelock" {
		t.Errorf("EventsConfig() = %+v", ec)
	}
	if tc := cfg.TelemetryConfig(); tc.BatchSize != 0 {
		t.Errorf("TelemetryConfig().BatchSize = %d, want 0 for a negative value", tc.BatchSize)
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
}
