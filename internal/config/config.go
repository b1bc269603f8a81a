// Package config handles configuration loading using viper.
package config

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"firestige.xyz/divert/internal/core"
	"firestige.xyz/divert/internal/driver"
)

// Config is the top-level configuration.
// Maps to the `divert:` root key in YAML.
type Config struct {
	Driver  DriverConfig  `mapstructure:"driver"`
	Handle  HandleConfig  `mapstructure:"handle"`
	Relay   RelayConfig   `mapstructure:"relay"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Log     LogConfig     `mapstructure:"log"`
}

// ─── Driver ───

// DriverConfig selects the packet diversion driver.
type DriverConfig struct {
	Kind driver.Kind `mapstructure:"kind"` // windivert | memory
	Path string      `mapstructure:"path"` // WinDivert.dll location; empty = default search
}

// ─── Handle ───

// HandleConfig describes the sessions opened by the relay workers.
type HandleConfig struct {
	Filter     string       `mapstructure:"filter"`
	Priority   int16        `mapstructure:"priority"`
	Layer      driver.Layer `mapstructure:"layer"` // network | network_forward
	Flags      driver.Flags `mapstructure:"flags"` // e.g. "sniff|drop"
	BufferSize int          `mapstructure:"buffer_size"`
	QueueLen   uint64       `mapstructure:"queue_len"`  // 0 = driver default, hot-reloadable
	QueueTime  uint64       `mapstructure:"queue_time"` // milliseconds; 0 = driver default, hot-reloadable
}

// ─── Relay ───

// RelayConfig configures the receive/rewrite/reinject loop.
type RelayConfig struct {
	RedirectTo string        `mapstructure:"redirect_to"` // empty = forward unchanged
	FlowTTL    time.Duration `mapstructure:"flow_ttl"`
	Workers    int           `mapstructure:"workers"`
}

// RedirectAddr returns the parsed redirect target. ok is false when the
// relay only forwards.
func (r RelayConfig) RedirectAddr() (addr netip.Addr, ok bool) {
	a, err := netip.ParseAddr(r.RedirectTo)
	if err != nil {
		return netip.Addr{}, false
	}
	return a, true
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level      string           `mapstructure:"level"`       // debug / info / warn / error
	Format     string           `mapstructure:"format"`      // json / text / pattern
	Pattern    string           `mapstructure:"pattern"`     // used by the pattern format
	TimeFormat string           `mapstructure:"time_format"` // used by the pattern format
	Outputs    LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains log output destinations. Stdout is always on.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `divert: ...`.
type configRoot struct {
	Divert Config `mapstructure:"divert"`
}

// Defaults applied when neither the file nor the environment sets a value.
const (
	DefaultFilter        = "true"
	DefaultLogPattern    = "%time [%level] %msg %field%n"
	DefaultLogTimeFormat = "2006-01-02 15:04:05.000"
	DefaultFlowTTL       = 2 * time.Minute
)

// Load loads configuration from file. An empty path loads defaults and
// environment overrides only.
// The YAML file uses `divert:` as root key; env vars use the DIVERT_ prefix
// (e.g., DIVERT_HANDLE_PRIORITY).
func Load(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: failed to read config file: %w", core.ErrConfigInvalid, err)
		}
	}

	// The `divert.` key prefix maps to DIVERT_ in env vars through the key
	// replacer (e.g., key "divert.log.level" → env "DIVERT_LOG_LEVEL").
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v, nil
}

// decode unmarshals v, then validates and applies runtime defaults.
func decode(v *viper.Viper) (*Config, error) {
	var root configRoot
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
	))
	if err := v.Unmarshal(&root, hook); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal config: %w", core.ErrConfigInvalid, err)
	}
	cfg := root.Divert

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrConfigInvalid, err)
	}
	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use the "divert." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Driver defaults
	v.SetDefault("divert.driver.kind", string(driver.KindWinDivert))
	v.SetDefault("divert.driver.path", "")

	// Handle defaults
	v.SetDefault("divert.handle.filter", DefaultFilter)
	v.SetDefault("divert.handle.priority", 0)
	v.SetDefault("divert.handle.layer", "network")
	v.SetDefault("divert.handle.flags", "none")
	v.SetDefault("divert.handle.buffer_size", 65535)
	v.SetDefault("divert.handle.queue_len", 0)
	v.SetDefault("divert.handle.queue_time", 0)

	// Relay defaults
	v.SetDefault("divert.relay.redirect_to", "")
	v.SetDefault("divert.relay.flow_ttl", DefaultFlowTTL.String())
	v.SetDefault("divert.relay.workers", 1)

	// Metrics defaults
	v.SetDefault("divert.metrics.enabled", false)
	v.SetDefault("divert.metrics.listen", ":9091")
	v.SetDefault("divert.metrics.path", "/metrics")

	// Log defaults
	v.SetDefault("divert.log.level", "info")
	v.SetDefault("divert.log.format", "text")
	v.SetDefault("divert.log.pattern", DefaultLogPattern)
	v.SetDefault("divert.log.time_format", DefaultLogTimeFormat)
	v.SetDefault("divert.log.outputs.file.enabled", false)
	v.SetDefault("divert.log.outputs.file.path", "divert.log")
	v.SetDefault("divert.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("divert.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("divert.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("divert.log.outputs.file.rotation.compress", true)
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *Config) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "json", "text":
	case "pattern":
		if cfg.Log.Pattern == "" {
			cfg.Log.Pattern = DefaultLogPattern
		}
		if cfg.Log.TimeFormat == "" {
			cfg.Log.TimeFormat = DefaultLogTimeFormat
		}
	default:
		return fmt.Errorf("invalid log format: %s (must be json/text/pattern)", cfg.Log.Format)
	}
	if cfg.Log.Outputs.File.Enabled && cfg.Log.Outputs.File.Path == "" {
		return fmt.Errorf("log.outputs.file.path is required when file output is enabled")
	}

	// ── Handle validation ──
	h := &cfg.Handle
	if strings.TrimSpace(h.Filter) == "" {
		return fmt.Errorf("handle.filter must not be empty")
	}
	if h.Priority < driver.PriorityMin || h.Priority > driver.PriorityMax {
		return fmt.Errorf("handle.priority %d out of range [%d,%d]", h.Priority, driver.PriorityMin, driver.PriorityMax)
	}
	if h.BufferSize == 0 {
		h.BufferSize = 65535
	}
	if h.BufferSize < 20 || h.BufferSize > 65535 {
		return fmt.Errorf("handle.buffer_size %d out of range [20,65535]", h.BufferSize)
	}
	if h.QueueLen != 0 {
		if err := driver.ParamQueueLen.Check(h.QueueLen); err != nil {
			return fmt.Errorf("handle.queue_len: %w", err)
		}
	}
	if h.QueueTime != 0 {
		if err := driver.ParamQueueTime.Check(h.QueueTime); err != nil {
			return fmt.Errorf("handle.queue_time: %w", err)
		}
	}

	// ── Relay validation ──
	if cfg.Relay.Workers < 1 {
		cfg.Relay.Workers = 1
	}
	if cfg.Relay.FlowTTL <= 0 {
		cfg.Relay.FlowTTL = DefaultFlowTTL
	}
	if cfg.Relay.RedirectTo != "" {
		if _, ok := cfg.Relay.RedirectAddr(); !ok {
			return fmt.Errorf("relay.redirect_to: %w: %q", core.ErrInvalidAddressFormat, cfg.Relay.RedirectTo)
		}
	}

	// ── Metrics validation ──
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics.enabled=true")
	}

	return nil
}
