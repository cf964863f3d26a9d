// Package config manages dmtpd server configuration using koanf/v2.
//
// Supports YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete dmtpd configuration.
type Config struct {
	Listener  ListenerConfig  `koanf:"listener"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Log       LogConfig       `koanf:"log"`
	Store     StoreConfig     `koanf:"store"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Devices   []DeviceConfig  `koanf:"devices"`
}

// ListenerConfig holds the combined TCP+UDP listener configuration.
type ListenerConfig struct {
	// Port is the single port both the TCP accept loop and the UDP receive
	// loop bind to.
	Port int `koanf:"port"`

	// IdleTimeout bounds the gap between packets before the first byte of
	// a new packet arrives.
	IdleTimeout time.Duration `koanf:"idle_timeout"`

	// PacketTimeout bounds how long a packet may take to arrive in full
	// once its first byte has been read.
	PacketTimeout time.Duration `koanf:"packet_timeout"`

	// SessionTimeoutTCP is the wall-clock bound on a whole duplex session.
	SessionTimeoutTCP time.Duration `koanf:"session_timeout_tcp"`

	// SessionTimeoutUDP is the wall-clock bound on a whole simplex session.
	SessionTimeoutUDP time.Duration `koanf:"session_timeout_udp"`

	// LingerSeconds sets SO_LINGER on accepted TCP connections so the final
	// EOT/ACK is transmitted before FIN.
	LingerSeconds int `koanf:"linger_seconds"`

	// MaxPacketBytes is the largest framed packet (header + payload) the
	// listener accepts before terminating the session.
	MaxPacketBytes int `koanf:"max_packet_bytes"`

	// MinPacketBytes is the smallest binary frame header length (3).
	MinPacketBytes int `koanf:"min_packet_bytes"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// StoreConfig selects and configures the pluggable event/device store
// backend (the SQL schema lives with the backend, not the protocol
// core -- this only names which implementation to construct).
type StoreConfig struct {
	// Driver is "memory" or "postgres".
	Driver string `koanf:"driver"`
	// DSN is the postgres connection string, ignored for the memory driver.
	DSN string `koanf:"dsn"`
}

// RateLimitConfig holds default per-device rate-limit parameters, applied
// to any device the store has not overridden individually.
type RateLimitConfig struct {
	// WindowMinutes is the connection-profile window length (1-255).
	WindowMinutes int `koanf:"window_minutes"`
	// MaxAllowedEvents is the event quota per window; 0 disables it.
	MaxAllowedEvents int `koanf:"max_allowed_events"`
	// TotalMaxConn is the max connections per window, across transports.
	TotalMaxConn int `koanf:"total_max_conn"`
	// TotalMaxConnPerMinute is the max connections in any 1-3 minute suffix.
	TotalMaxConnPerMinute int `koanf:"total_max_conn_per_minute"`
	// DuplexMaxConn is the max duplex (TCP) connections per window.
	DuplexMaxConn int `koanf:"duplex_max_conn"`
	// DuplexMaxConnPerMinute is the max duplex connections in a 1-3 minute suffix.
	DuplexMaxConnPerMinute int `koanf:"duplex_max_conn_per_minute"`
}

// DeviceConfig declares a device and its unique ID for a seed/bootstrap
// load into the memory store. Each entry creates one DeviceIdentity on
// daemon startup. Ignored by the postgres driver, which expects devices to
// already exist in the schema.
type DeviceConfig struct {
	// Account is the owning account's identifier.
	Account string `koanf:"account"`
	// Device is the device identifier, unique within Account.
	Device string `koanf:"device"`
	// UniqueID is the 6-byte (u48) unique ID used for CLIENT_UNIQUE_ID
	// resolution.
	UniqueID uint64 `koanf:"unique_id"`
	// Active marks the device eligible to connect.
	Active bool `koanf:"active"`
}

// SessionKey returns a unique identifier for the declarative device based
// on (account, device). Validate uses it to reject duplicate entries.
func (dc DeviceConfig) SessionKey() string {
	return dc.Account + "|" + dc.Device
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults. Timeouts
// are the values deployed OpenDMTP devices expect; rate-limit defaults are
// conservative starting points for production fleets.
func DefaultConfig() *Config {
	return &Config{
		Listener: ListenerConfig{
			Port:              31000,
			IdleTimeout:       4 * time.Second,
			PacketTimeout:     1 * time.Second,
			SessionTimeoutTCP: 5 * time.Second,
			SessionTimeoutUDP: 60 * time.Second,
			LingerSeconds:     5,
			MaxPacketBytes:    600,
			MinPacketBytes:    3,
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Store: StoreConfig{
			Driver: "memory",
		},
		RateLimit: RateLimitConfig{
			WindowMinutes:          60,
			MaxAllowedEvents:       0,
			TotalMaxConn:           30,
			TotalMaxConnPerMinute:  6,
			DuplexMaxConn:          30,
			DuplexMaxConnPerMinute: 6,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for dmtpd configuration.
// Variables are named DMTPD_<section>_<key>, e.g., DMTPD_LISTENER_PORT.
const envPrefix = "DMTPD_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (DMTPD_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	DMTPD_LISTENER_PORT  -> listener.port
//	DMTPD_METRICS_ADDR   -> metrics.addr
//	DMTPD_METRICS_PATH   -> metrics.path
//	DMTPD_LOG_LEVEL      -> log.level
//	DMTPD_LOG_FORMAT     -> log.format
//	DMTPD_STORE_DRIVER   -> store.driver
//	DMTPD_STORE_DSN      -> store.dsn
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	// DMTPD_LISTENER_PORT -> listener.port (strip prefix, lowercase, _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms DMTPD_LISTENER_PORT -> listener.port.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"listener.port":                         defaults.Listener.Port,
		"listener.idle_timeout":                 defaults.Listener.IdleTimeout.String(),
		"listener.packet_timeout":               defaults.Listener.PacketTimeout.String(),
		"listener.session_timeout_tcp":          defaults.Listener.SessionTimeoutTCP.String(),
		"listener.session_timeout_udp":          defaults.Listener.SessionTimeoutUDP.String(),
		"listener.linger_seconds":               defaults.Listener.LingerSeconds,
		"listener.max_packet_bytes":             defaults.Listener.MaxPacketBytes,
		"listener.min_packet_bytes":             defaults.Listener.MinPacketBytes,
		"metrics.addr":                          defaults.Metrics.Addr,
		"metrics.path":                          defaults.Metrics.Path,
		"log.level":                             defaults.Log.Level,
		"log.format":                            defaults.Log.Format,
		"store.driver":                          defaults.Store.Driver,
		"store.dsn":                             defaults.Store.DSN,
		"rate_limit.window_minutes":             defaults.RateLimit.WindowMinutes,
		"rate_limit.max_allowed_events":         defaults.RateLimit.MaxAllowedEvents,
		"rate_limit.total_max_conn":             defaults.RateLimit.TotalMaxConn,
		"rate_limit.total_max_conn_per_minute":  defaults.RateLimit.TotalMaxConnPerMinute,
		"rate_limit.duplex_max_conn":            defaults.RateLimit.DuplexMaxConn,
		"rate_limit.duplex_max_conn_per_minute": defaults.RateLimit.DuplexMaxConnPerMinute,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrInvalidPort indicates the listener port is out of range.
	ErrInvalidPort = errors.New("listener.port must be between 1 and 65535")

	// ErrInvalidMaxPacketBytes indicates max_packet_bytes is too small to
	// hold even an empty-payload header.
	ErrInvalidMaxPacketBytes = errors.New("listener.max_packet_bytes must be >= 3")

	// ErrInvalidWindowMinutes indicates the rate-limit window is out of
	// the 1-255 range the connection profile mask supports.
	ErrInvalidWindowMinutes = errors.New("rate_limit.window_minutes must be between 1 and 255")

	// ErrInvalidStoreDriver indicates an unrecognized store.driver value.
	ErrInvalidStoreDriver = errors.New("store.driver must be memory or postgres")

	// ErrEmptyPostgresDSN indicates store.driver=postgres with no DSN.
	ErrEmptyPostgresDSN = errors.New("store.dsn must not be empty when store.driver is postgres")

	// ErrInvalidDeviceUniqueID indicates a declarative device entry has a
	// zero unique ID.
	ErrInvalidDeviceUniqueID = errors.New("device unique_id must be nonzero")

	// ErrDuplicateDeviceKey indicates two declarative devices share the
	// same (account, device) key.
	ErrDuplicateDeviceKey = errors.New("duplicate device key")
)

// ValidStoreDrivers lists the recognized store.driver strings.
var ValidStoreDrivers = map[string]bool{
	"memory":   true,
	"postgres": true,
}

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Listener.Port < 1 || cfg.Listener.Port > 65535 {
		return ErrInvalidPort
	}

	if cfg.Listener.MaxPacketBytes < 3 {
		return ErrInvalidMaxPacketBytes
	}

	if cfg.RateLimit.WindowMinutes < 1 || cfg.RateLimit.WindowMinutes > 255 {
		return ErrInvalidWindowMinutes
	}

	if !ValidStoreDrivers[cfg.Store.Driver] {
		return fmt.Errorf("%q: %w", cfg.Store.Driver, ErrInvalidStoreDriver)
	}

	if cfg.Store.Driver == "postgres" && cfg.Store.DSN == "" {
		return ErrEmptyPostgresDSN
	}

	return validateDevices(cfg.Devices)
}

// validateDevices checks each declarative device entry for correctness.
func validateDevices(devices []DeviceConfig) error {
	seen := make(map[string]struct{}, len(devices))

	for i, dc := range devices {
		if dc.UniqueID == 0 {
			return fmt.Errorf("devices[%d]: %w", i, ErrInvalidDeviceUniqueID)
		}

		key := dc.SessionKey()
		if _, dup := seen[key]; dup {
			return fmt.Errorf("devices[%d] key %q: %w", i, key, ErrDuplicateDeviceKey)
		}
		seen[key] = struct{}{}
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
