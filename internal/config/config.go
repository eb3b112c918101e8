// Package config manages the m46ed daemon configuration using koanf/v2.
//
// Supports YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/m46e-project/m46ed/internal/pmtu"
	"github.com/m46e-project/m46ed/internal/translate"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete m46ed configuration.
type Config struct {
	Admin   AdminConfig   `koanf:"admin"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
	Tunnel  TunnelConfig  `koanf:"tunnel"`
	PMTUD   PMTUDConfig   `koanf:"pmtud"`
}

// AdminConfig holds the local admin-socket listener configuration.
type AdminConfig struct {
	// SocketPath is the Unix domain socket the admin API binds to.
	SocketPath string `koanf:"socket_path"`
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

// TunnelConfig holds the M46E tunnel parameters.
type TunnelConfig struct {
	// Mode selects NORMAL or AS translation.
	Mode string `koanf:"mode"`
	// RouteSync disables outbound peer publication when false.
	RouteSync bool `koanf:"route_sync"`
	// RouteEntryMax is the capacity of each route table.
	RouteEntryMax int `koanf:"route_entry_max"`
	// UnicastPrefix is the daemon's 96-bit (NORMAL) or 80-bit (AS)
	// unicast prefix, written as a full IPv6 address.
	UnicastPrefix string `koanf:"unicast_prefix"`
	// IPv4IfIndex and IPv6IfIndex are the tunnel device indices for each
	// family.
	IPv4IfIndex int `koanf:"ipv4_ifindex"`
	IPv6IfIndex int `koanf:"ipv6_ifindex"`
	// Devices is the managed device list.
	Devices []DeviceConfig `koanf:"device_list"`
}

// DeviceType enumerates the recognized device_list entry kinds.
type DeviceType string

const (
	DeviceMACVLAN  DeviceType = "MACVLAN"
	DeviceVETH     DeviceType = "VETH"
	DevicePhysical DeviceType = "PHYSICAL"
)

// DeviceConfig is one device_list entry. Only MACVLAN entries
// join the IPv4 interest set.
type DeviceConfig struct {
	Name    string     `koanf:"name"`
	Type    DeviceType `koanf:"type"`
	IfIndex int        `koanf:"ifindex"`
}

// PMTUDConfig holds the PMTU cache configuration.
type PMTUDConfig struct {
	// Type is one of NONE, TUNNEL, HOST.
	Type string `koanf:"type"`
	// ExpireTime is the per-entry timer duration.
	ExpireTime time.Duration `koanf:"expire_time"`
	// DefaultMTU seeds the always-present "default" entry.
	DefaultMTU int `koanf:"default_mtu"`
}

// ModeEnum parses Mode into a translate.Mode.
func (t TunnelConfig) ModeEnum() (translate.Mode, error) {
	switch strings.ToUpper(t.Mode) {
	case "NORMAL", "":
		return translate.ModeNormal, nil
	case "AS":
		return translate.ModeAS, nil
	default:
		return 0, fmt.Errorf("tunnel.mode %q: %w", t.Mode, ErrInvalidTunnelMode)
	}
}

// UnicastPrefixAddr parses UnicastPrefix as a netip.Addr.
func (t TunnelConfig) UnicastPrefixAddr() (netip.Addr, error) {
	addr, err := netip.ParseAddr(t.UnicastPrefix)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("tunnel.unicast_prefix %q: %w", t.UnicastPrefix, err)
	}
	if !addr.Is6() {
		return netip.Addr{}, fmt.Errorf("tunnel.unicast_prefix %q: %w", t.UnicastPrefix, ErrUnicastPrefixNotV6)
	}
	return addr, nil
}

// InterestSet builds the IPv4 managed-device interest set from Devices:
// only MACVLAN entries are included, by policy.
func (t TunnelConfig) InterestSet() map[int]struct{} {
	set := make(map[int]struct{})
	for _, d := range t.Devices {
		if d.Type == DeviceMACVLAN {
			set[d.IfIndex] = struct{}{}
		}
	}
	return set
}

// PMTUType parses PMTUD.Type into a pmtu.Type.
func (p PMTUDConfig) PMTUType() (pmtu.Type, error) {
	switch strings.ToUpper(p.Type) {
	case "NONE", "":
		return pmtu.TypeNone, nil
	case "TUNNEL":
		return pmtu.TypeTunnel, nil
	case "HOST":
		return pmtu.TypeHost, nil
	default:
		return 0, fmt.Errorf("pmtud.type %q: %w", p.Type, ErrInvalidPMTUType)
	}
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Admin: AdminConfig{
			SocketPath: "/run/m46ed/admin.sock",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Tunnel: TunnelConfig{
			Mode:          "NORMAL",
			RouteSync:     true,
			RouteEntryMax: 1024,
		},
		PMTUD: PMTUDConfig{
			Type:       "NONE",
			ExpireTime: 10 * time.Minute,
			DefaultMTU: 1500,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for m46ed configuration.
// Variables are named M46ED_<section>_<key>, e.g., M46ED_TUNNEL_MODE.
// Every underscore after the prefix becomes a key separator, so keys
// that themselves contain an underscore (e.g. tunnel.route_entry_max)
// cannot be set from the environment.
const envPrefix = "M46ED_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (M46ED_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	M46ED_TUNNEL_MODE -> tunnel.mode
//	M46ED_LOG_LEVEL   -> log.level
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

// envKeyMapper transforms M46ED_TUNNEL_MODE -> tunnel.mode.
// Strips the M46ED_ prefix, lowercases, and replaces _ with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"admin.socket_path":    defaults.Admin.SocketPath,
		"metrics.addr":         defaults.Metrics.Addr,
		"metrics.path":         defaults.Metrics.Path,
		"log.level":            defaults.Log.Level,
		"log.format":           defaults.Log.Format,
		"tunnel.mode":          defaults.Tunnel.Mode,
		"tunnel.route_sync":    defaults.Tunnel.RouteSync,
		"tunnel.route_entry_max": defaults.Tunnel.RouteEntryMax,
		"pmtud.type":           defaults.PMTUD.Type,
		"pmtud.expire_time":    defaults.PMTUD.ExpireTime.String(),
		"pmtud.default_mtu":    defaults.PMTUD.DefaultMTU,
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
	ErrInvalidTunnelMode   = errors.New("tunnel.mode must be NORMAL or AS")
	ErrInvalidPMTUType     = errors.New("pmtud.type must be NONE, TUNNEL, or HOST")
	ErrUnicastPrefixNotV6  = errors.New("tunnel.unicast_prefix must be an IPv6 address")
	ErrZeroRouteEntryMax   = errors.New("tunnel.route_entry_max must be > 0")
	ErrDuplicateIfIndex    = errors.New("device_list contains duplicate ifindex")
	ErrMissingUnicastPrefix = errors.New("tunnel.unicast_prefix must not be empty")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if _, err := cfg.Tunnel.ModeEnum(); err != nil {
		return err
	}

	if cfg.Tunnel.RouteEntryMax <= 0 {
		return ErrZeroRouteEntryMax
	}

	if cfg.Tunnel.UnicastPrefix == "" {
		return ErrMissingUnicastPrefix
	}
	if _, err := cfg.Tunnel.UnicastPrefixAddr(); err != nil {
		return err
	}

	if err := validateDevices(cfg.Tunnel.Devices); err != nil {
		return err
	}

	if _, err := cfg.PMTUD.PMTUType(); err != nil {
		return err
	}

	return nil
}

// validateDevices checks device_list for duplicate ifindexes.
func validateDevices(devices []DeviceConfig) error {
	seen := make(map[int]struct{}, len(devices))
	for i, d := range devices {
		if _, dup := seen[d.IfIndex]; dup {
			return fmt.Errorf("device_list[%d] ifindex %d: %w", i, d.IfIndex, ErrDuplicateIfIndex)
		}
		seen[d.IfIndex] = struct{}{}
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
