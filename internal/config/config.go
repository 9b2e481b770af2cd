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

	"github.com/chaz8081/blelock/internal/audit"
	"github.com/chaz8081/blelock/internal/ble"
	"github.com/chaz8081/blelock/internal/events"
	"github.com/chaz8081/blelock/internal/handshake"
	"github.com/chaz8081/blelock/internal/telemetry"
	"github.com/chaz8081/blelock/internal/unlock"
)

// Config holds all application configuration.
type Config struct {
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"` // "text" or "json"
	BLE       BLEConfig      `yaml:"ble"`
	Unlock    UnlockConfig   `yaml:"unlock"`
	Authz     AuthzConfig    `yaml:"authz"`
	Audit     AuditConfig    `yaml:"audit"`
	MQTT      MQTTConfig     `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig `yaml:"influxdb"`
	API       APIConfig      `yaml:"api"`
	Locks     []LockConfig   `yaml:"locks,omitempty"`
}

// BLEConfig holds radio and handshake settings.
type BLEConfig struct {
	ServiceUUID     string   `yaml:"service_uuid"`
	WriteCharUUID   string   `yaml:"write_char_uuid"`
	NotifyCharUUID  string   `yaml:"notify_char_uuid"`
	MTU             int      `yaml:"mtu"`
	InterChunkDelay Duration `yaml:"inter_chunk_delay"`
	QueueSize       int      `yaml:"queue_size"`
	ScanTimeout     Duration `yaml:"scan_timeout"`
	ConnectTimeout  Duration `yaml:"connect_timeout"`
	AuthTimeout     Duration `yaml:"auth_timeout"`
	CommandTimeout  Duration `yaml:"command_timeout"`
}

// UnlockConfig holds attempt-level settings.
type UnlockConfig struct {
	OperationTimeout Duration `yaml:"operation_timeout"`
	MaxRetries       int      `yaml:"max_retries"`
	GuardGrace       Duration `yaml:"guard_grace"`
	GuardScan        Duration `yaml:"guard_scan"`
}

// AuthzConfig points at the access server.
type AuthzConfig struct {
	BaseURL        string   `yaml:"base_url"`
	RequestTimeout Duration `yaml:"request_timeout"`
}

// AuditConfig holds the local attempt journal settings.
type AuditConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Path        string   `yaml:"path"`
	BusyTimeout Duration `yaml:"busy_timeout"`
	Retention   Duration `yaml:"retention"`
}

// MQTTConfig holds broker settings for event publishing.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
}

// InfluxDBConfig holds metrics settings.
type InfluxDBConfig struct {
	Enabled       bool     `yaml:"enabled"`
	URL           string   `yaml:"url"`
	Token         string   `yaml:"token"`
	Org           string   `yaml:"org"`
	Bucket        string   `yaml:"bucket"`
	BatchSize     int      `yaml:"batch_size"`
	FlushInterval Duration `yaml:"flush_interval"`
}

// APIConfig holds the daemon's HTTP listener settings.
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// LockConfig names a lock so the CLI can refer to it by name.
type LockConfig struct {
	Name            string `yaml:"name"`
	MAC             string `yaml:"mac"`
	ProtocolVersion uint8  `yaml:"protocol_version"`
	KeyGroupID      uint32 `yaml:"key_group_id"`
}

// Identity returns the lock identity for l.
func (l LockConfig) Identity() (ble.LockIdentity, error) {
	return ble.NewLockIdentity(l.MAC, l.ProtocolVersion, l.KeyGroupID)
}

// Duration is a time.Duration written as a Go duration string ("5s").
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string like \"5s\"", node.Line)
	}
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "blelock")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	bleDef := ble.DefaultOptions()
	hsDef := handshake.DefaultTimeouts()
	unlockDef := unlock.DefaultOptions()

	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		BLE: BLEConfig{
			ServiceUUID:     bleDef.ServiceUUID,
			WriteCharUUID:   bleDef.WriteCharUUID,
			NotifyCharUUID:  bleDef.NotifyCharUUID,
			MTU:             bleDef.MTU,
			InterChunkDelay: Duration(bleDef.InterChunkDelay),
			QueueSize:       bleDef.QueueSize,
			ScanTimeout:     Duration(hsDef.Scan),
			ConnectTimeout:  Duration(hsDef.Connect),
			AuthTimeout:     Duration(hsDef.Auth),
			CommandTimeout:  Duration(hsDef.Command),
		},
		Unlock: UnlockConfig{
			OperationTimeout: Duration(unlockDef.OperationTimeout),
			MaxRetries:       unlockDef.MaxRetries,
			GuardGrace:       Duration(unlockDef.GuardGrace),
			GuardScan:        Duration(unlockDef.GuardScan),
		},
		Authz: AuthzConfig{
			RequestTimeout: Duration(10 * time.Second),
		},
		Audit: AuditConfig{
			Enabled:     true,
			Path:        filepath.Join(home, ".local", "share", "blelock", "audit.db"),
			BusyTimeout: Duration(5 * time.Second),
			Retention:   Duration(90 * 24 * time.Hour),
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://127.0.0.1:1883",
			ClientID:    "blelock",
			TopicPrefix: "blelock",
			QoS:         1,
		},
		InfluxDB: InfluxDBConfig{
			URL:           "http://127.0.0.1:8086",
			Bucket:        "blelock",
			BatchSize:     100,
			FlushInterval: Duration(10 * time.Second),
		},
		API: APIConfig{
			Listen: "127.0.0.1:8787",
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in audit.path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Audit.Path = expandTilde(cfg.Audit.Path)

	return cfg, nil
}

const defaultHeader = `# blelock configuration
# Durations use Go syntax: 500ms, 5s, 2m, 90h.
# Set authz.base_url to your access server before unlocking real locks.
`

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there. It returns the path written, or "" if a file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0o600); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be \"text\" or \"json\", got %q", c.LogFormat)
	}

	for name, v := range map[string]string{
		"ble.service_uuid":     c.BLE.ServiceUUID,
		"ble.write_char_uuid":  c.BLE.WriteCharUUID,
		"ble.notify_char_uuid": c.BLE.NotifyCharUUID,
	} {
		if _, err := uuid.Parse(v); err != nil {
			return fmt.Errorf("%s must be a UUID, got %q", name, v)
		}
	}

	if c.BLE.MTU < 20 {
		return fmt.Errorf("ble.mtu must be >= 20, got %d", c.BLE.MTU)
	}
	if c.BLE.InterChunkDelay < 0 {
		return fmt.Errorf("ble.inter_chunk_delay must not be negative")
	}
	if c.BLE.QueueSize <= 0 {
		return fmt.Errorf("ble.queue_size must be > 0")
	}
	for name, d := range map[string]Duration{
		"ble.scan_timeout":         c.BLE.ScanTimeout,
		"ble.connect_timeout":      c.BLE.ConnectTimeout,
		"ble.auth_timeout":         c.BLE.AuthTimeout,
		"ble.command_timeout":      c.BLE.CommandTimeout,
		"unlock.operation_timeout": c.Unlock.OperationTimeout,
		"unlock.guard_grace":       c.Unlock.GuardGrace,
		"unlock.guard_scan":        c.Unlock.GuardScan,
		"authz.request_timeout":    c.Authz.RequestTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}

	if c.Unlock.MaxRetries < 0 || c.Unlock.MaxRetries > 3 {
		return fmt.Errorf("unlock.max_retries must be between 0 and 3, got %d", c.Unlock.MaxRetries)
	}

	if c.Authz.BaseURL != "" {
		u, err := url.Parse(c.Authz.BaseURL)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			return fmt.Errorf("authz.base_url must be an http(s) URL, got %q", c.Authz.BaseURL)
		}
	}

	if c.Audit.Enabled && c.Audit.Path == "" {
		return fmt.Errorf("audit.path must not be empty when audit is enabled")
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker must not be empty when mqtt is enabled")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1, or 2, got %d", c.MQTT.QoS)
		}
	}

	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "") {
		return fmt.Errorf("influxdb.url, org and bucket are required when influxdb is enabled")
	}

	seen := make(map[string]bool)
	for i, l := range c.Locks {
		if _, err := l.Identity(); err != nil {
			return fmt.Errorf("locks[%d]: %w", i, err)
		}
		if l.Name != "" {
			if seen[l.Name] {
				return fmt.Errorf("locks[%d]: duplicate name %q", i, l.Name)
			}
			seen[l.Name] = true
		}
	}

	return nil
}

// FindLock returns the configured lock whose name or MAC matches ref.
func (c *Config) FindLock(ref string) (LockConfig, bool) {
	mac, macErr := ble.ParseMAC(ref)
	for _, l := range c.Locks {
		if l.Name != "" && l.Name == ref {
			return l, true
		}
		if macErr == nil {
			if m, err := ble.ParseMAC(l.MAC); err == nil && m == mac {
				return l, true
			}
		}
	}
	return LockConfig{}, false
}

// TransportOptions converts the ble section for ble.NewTransport.
func (c *Config) TransportOptions() ble.Options {
	return ble.Options{
		ServiceUUID:     c.BLE.ServiceUUID,
		WriteCharUUID:   c.BLE.WriteCharUUID,
		NotifyCharUUID:  c.BLE.NotifyCharUUID,
		MTU:             c.BLE.MTU,
		InterChunkDelay: c.BLE.InterChunkDelay.D(),
		QueueSize:       c.BLE.QueueSize,
	}
}

// HandshakeTimeouts converts the ble timeouts for handshake.NewMachine.
func (c *Config) HandshakeTimeouts() handshake.Timeouts {
	return handshake.Timeouts{
		Scan:    c.BLE.ScanTimeout.D(),
		Connect: c.BLE.ConnectTimeout.D(),
		Auth:    c.BLE.AuthTimeout.D(),
		Command: c.BLE.CommandTimeout.D(),
	}
}

// UnlockOptions converts the unlock section. Observer, sinks and logger are
// left for the caller to wire.
func (c *Config) UnlockOptions() unlock.Options {
	return unlock.Options{
		OperationTimeout: c.Unlock.OperationTimeout.D(),
		MaxRetries:       c.Unlock.MaxRetries,
		GuardGrace:       c.Unlock.GuardGrace.D(),
		GuardScan:        c.Unlock.GuardScan.D(),
	}
}

// AuditStoreConfig converts the audit section for audit.Open.
func (c *Config) AuditStoreConfig() audit.Config {
	return audit.Config{Path: c.Audit.Path, BusyTimeout: c.Audit.BusyTimeout.D()}
}

// EventsConfig converts the mqtt section for events.Connect.
func (c *Config) EventsConfig() events.Config {
	return events.Config{
		Broker:      c.MQTT.Broker,
		ClientID:    c.MQTT.ClientID,
		Username:    c.MQTT.Username,
		Password:    c.MQTT.Password,
		TopicPrefix: c.MQTT.TopicPrefix,
		QoS:         byte(c.MQTT.QoS),
	}
}

// TelemetryConfig converts the influxdb section for telemetry.Connect.
func (c *Config) TelemetryConfig() telemetry.Config {
	batch := c.InfluxDB.BatchSize
	if batch < 0 {
		batch = 0
	}
	return telemetry.Config{
		Enabled:       c.InfluxDB.Enabled,
		URL:           c.InfluxDB.URL,
		Token:         c.InfluxDB.Token,
		Org:           c.InfluxDB.Org,
		Bucket:        c.InfluxDB.Bucket,
		BatchSize:     uint(batch),
		FlushInterval: c.InfluxDB.FlushInterval.D(),
	}
}

// ParseLogLevel converts a log level string to slog.Level.
func ParseLogLevel(s string) slog.Level {
	switch s {
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
