// Package config provides configuration loading and defaults for the
// neildev daemon.
//
// Configuration is loaded from a TOML file in the data directory. It
// describes the channel, the interrupt line it binds, the endpoint it is
// published on, the trigger sources that stand in for hardware, and the
// daemon's metrics, update and logging behavior.
package config

//go:generate go run ../../cmd/genconfig

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/time/rate"

	"tools.zach/dev/neildev/internal/device"
	"tools.zach/dev/neildev/internal/irq"
	"tools.zach/dev/neildev/internal/logger"
	"tools.zach/dev/neildev/internal/migrate"
	"tools.zach/dev/neildev/internal/paths"
	"tools.zach/dev/neildev/internal/trigger"
)

// DefaultManifestURL is the release manifest checked for updates.
const DefaultManifestURL = "https://raw.githubusercontent.com/zachthedev/neildev/main/" + paths.ReleaseManifest

// ///////////////////////////////////////////////
// Configuration Types
// ///////////////////////////////////////////////

// Config represents the top-level daemon configuration.
type Config struct {
	// Version is the config schema version used for migrations.
	Version int `toml:"version"`
	// Device holds channel settings.
	Device DeviceConfig `toml:"device"`
	// IRQ holds interrupt line settings.
	IRQ IRQConfig `toml:"irq"`
	// Endpoint holds the published endpoint settings.
	Endpoint EndpointConfig `toml:"endpoint"`
	// Metrics holds the Prometheus listener settings.
	Metrics MetricsConfig `toml:"metrics"`
	// Update holds release check settings.
	Update UpdateConfig `toml:"update"`
	// Log holds logging settings.
	Log LogConfig `toml:"log"`
	// Triggers lists the interrupt sources.
	Triggers []TriggerConfig `toml:"triggers"`
}

// DeviceConfig holds channel settings.
type DeviceConfig struct {
	// Name is the published channel name.
	Name string `toml:"name"`
	// Class is the device class name.
	Class string `toml:"class"`
	// ReadPayload is returned by every read.
	ReadPayload string `toml:"read_payload"`
	// WriteCapacity is the number of bytes a write retains.
	WriteCapacity int `toml:"write_capacity"`
}

// IRQConfig holds interrupt line settings.
type IRQConfig struct {
	// Line is the interrupt line the channel binds.
	Line int `toml:"line"`
	// Shared allows other handlers on the same line.
	Shared bool `toml:"shared"`
	// LogRate caps "interrupt occurred" log lines per second.
	LogRate float64 `toml:"log_rate"`
}

// EndpointConfig holds the published endpoint settings.
type EndpointConfig struct {
	// Path is the socket or pipe path. Empty means the platform default.
	Path string `toml:"path,omitempty"`
	// Mode is the octal endpoint permission.
	Mode string `toml:"mode"`
	// MaxConns bounds concurrent sessions.
	MaxConns int `toml:"max_conns"`
}

// TriggerConfig describes one interrupt source.
type TriggerConfig struct {
	// Kind is "signal", "file" or "timer".
	Kind string `toml:"kind"`
	// Line overrides the line raised. Omitted means [irq] line.
	Line *int `toml:"line,omitempty"`
	// Signal names the signal for kind "signal".
	Signal string `toml:"signal,omitempty"`
	// Path is the directory watched by kind "file".
	Path string `toml:"path,omitempty"`
	// Pattern filters kind "file" changes.
	Pattern string `toml:"pattern,omitempty"`
	// IntervalMS is the timer period or the file polling interval.
	IntervalMS int `toml:"interval_ms,omitempty"`
}

// MetricsConfig holds the Prometheus listener settings.
type MetricsConfig struct {
	// Listen is the metrics address. Empty disables metrics.
	Listen string `toml:"listen"`
}

// UpdateConfig holds release check settings.
type UpdateConfig struct {
	// Enabled turns on the startup release check.
	Enabled bool `toml:"enabled"`
	// ManifestURL is the release manifest location.
	ManifestURL string `toml:"manifest_url"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the minimum log level (trace, debug, info, warn, error).
	Level string `toml:"level"`
	// MaxSizeMB is the maximum log file size in megabytes before rotation.
	MaxSizeMB int `toml:"max_size_mb"`
	// MaxBackups is the number of rotated files kept.
	MaxBackups int `toml:"max_backups"`
	// MaxAgeDays is how long rotated files are kept.
	MaxAgeDays int `toml:"max_age_days"`
}

// ///////////////////////////////////////////////
// Default Configuration
// ///////////////////////////////////////////////

// DefaultConfig returns a Config populated with the stock channel settings.
func DefaultConfig() *Config {
	return &Config{
		Version: migrate.Config.CurrentVersion,
		Device: DeviceConfig{
			Name:          device.DefaultName,
			Class:         device.DefaultClass,
			ReadPayload:   device.DefaultReadPayload,
			WriteCapacity: device.DefaultWriteCapacity,
		},
		IRQ: IRQConfig{
			Line:    device.DefaultIRQLine,
			Shared:  true,
			LogRate: 10,
		},
		Endpoint: EndpointConfig{
			Mode:     "0666",
			MaxConns: 64,
		},
		Metrics: MetricsConfig{},
		Update: UpdateConfig{
			Enabled:     false,
			ManifestURL: DefaultManifestURL,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Triggers: []TriggerConfig{
			{Kind: string(trigger.KindSignal), Signal: trigger.DefaultSignal},
		},
	}
}

// ///////////////////////////////////////////////
// Example Configuration
// ///////////////////////////////////////////////

// ExampleConfig returns a Config suitable for generating config.default.toml.
// The shipped file is also the first-run config, so it carries no extra
// triggers or listeners beyond the defaults.
func ExampleConfig() *Config {
	return DefaultConfig()
}

// ///////////////////////////////////////////////
// PeekVersion
// ///////////////////////////////////////////////

// PeekVersion reads just the version field from raw TOML bytes.
// Returns 1 if the version field is missing or zero.
func PeekVersion(data []byte) int {
	var v struct {
		Version int `toml:"version"`
	}
	if err := toml.Unmarshal(data, &v); err != nil {
		return 1
	}
	if v.Version == 0 {
		return 1
	}
	return v.Version
}

// ///////////////////////////////////////////////
// Loading and Saving
// ///////////////////////////////////////////////

// Load reads and parses dataDir/config.toml, migrating older schemas in
// place. If the file doesn't exist, returns DefaultConfig.
func Load(dataDir string) (*Config, error) {
	path := filepath.Join(dataDir, paths.ConfigFile)

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	version := PeekVersion(data)
	migrated := migrate.Config.NeedsMigration(version)
	if migrated {
		if backupErr := os.WriteFile(path+".bak", data, 0o644); backupErr != nil {
			slog.Warn("failed to write config backup", "error", backupErr)
		}
	}
	data, _, err = migrate.Config.Run(data, version)
	if err != nil {
		return nil, fmt.Errorf("migrate config: %w", err)
	}

	cfg := DefaultConfig()
	cfg.Triggers = nil
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if !md.IsDefined("triggers") {
		cfg.Triggers = DefaultConfig().Triggers
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		slog.Warn("unknown config keys ignored", "keys", fmt.Sprint(undecoded))
	}
	cfg.Version = migrate.Config.CurrentVersion

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	if migrated {
		if err := cfg.Save(path); err != nil {
			slog.Warn("failed to save migrated config", "error", err)
		}
	}

	return cfg, nil
}

// Save writes the config to path as TOML. The file is replaced atomically.
func (c *Config) Save(path string) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return writeFileAtomic(path, buf.Bytes(), 0o644)
}

// writeFileAtomic writes data to a temp file beside path, syncs it and
// renames it over path. The temp file is removed on any failure.
func writeFileAtomic(path string, data []byte, perm os.FileMode) (err error) {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			os.Remove(tmp)
		}
	}()

	if _, err = f.Write(data); err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = os.Chmod(tmp, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err = os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// ///////////////////////////////////////////////
// Validation
// ///////////////////////////////////////////////

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "error": true,
}

// maxWriteCapacity bounds device.write_capacity to a single frame.
const maxWriteCapacity = 1 << 20

// Validate checks that all configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Device.Name) == "" {
		return errors.New("device.name must not be empty")
	}
	if c.Device.WriteCapacity <= 0 || c.Device.WriteCapacity > maxWriteCapacity {
		return fmt.Errorf("device.write_capacity must be in 1..%d, got %d", maxWriteCapacity, c.Device.WriteCapacity)
	}

	if c.IRQ.Line < 0 {
		return fmt.Errorf("irq.line must be >= 0, got %d", c.IRQ.Line)
	}
	if c.IRQ.LogRate < 0 {
		return fmt.Errorf("irq.log_rate must be >= 0, got %g", c.IRQ.LogRate)
	}

	if _, err := c.EndpointMode(); err != nil {
		return err
	}
	if c.Endpoint.MaxConns < 0 {
		return fmt.Errorf("endpoint.max_conns must be >= 0, got %d", c.Endpoint.MaxConns)
	}

	for i, tr := range c.Triggers {
		if err := tr.validate(); err != nil {
			return fmt.Errorf("triggers[%d]: %w", i, err)
		}
	}

	if c.Update.Enabled {
		u, err := url.Parse(c.Update.ManifestURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid update.manifest_url %q: must be an http(s) URL", c.Update.ManifestURL)
		}
	}

	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("invalid log.level %q: must be trace, debug, info, warn, or error", c.Log.Level)
	}
	if c.Log.MaxSizeMB <= 0 {
		return fmt.Errorf("log.max_size_mb must be > 0, got %d", c.Log.MaxSizeMB)
	}
	if c.Log.MaxBackups < 0 || c.Log.MaxAgeDays < 0 {
		return errors.New("log.max_backups and log.max_age_days must be >= 0")
	}

	return nil
}

func (t TriggerConfig) validate() error {
	if t.Line != nil && *t.Line < 0 {
		return fmt.Errorf("line must be >= 0, got %d", *t.Line)
	}
	if t.IntervalMS < 0 {
		return fmt.Errorf("interval_ms must be >= 0, got %d", t.IntervalMS)
	}
	switch trigger.Kind(strings.ToLower(t.Kind)) {
	case trigger.KindSignal:
	case trigger.KindFile:
		if t.Path == "" {
			return errors.New("file trigger needs a path")
		}
	case trigger.KindTimer:
		if t.IntervalMS <= 0 {
			return errors.New("timer trigger needs interval_ms > 0")
		}
	default:
		return fmt.Errorf("invalid kind %q: must be signal, file, or timer", t.Kind)
	}
	return nil
}

// ///////////////////////////////////////////////
// Conversions
// ///////////////////////////////////////////////

// DeviceOptions returns the channel options described by the config.
func (c *Config) DeviceOptions(log *slog.Logger) device.Options {
	return device.Options{
		Name:          c.Device.Name,
		Class:         c.Device.Class,
		IRQLine:       c.IRQ.Line,
		Shared:        c.IRQ.Shared,
		ReadPayload:   c.Device.ReadPayload,
		WriteCapacity: c.Device.WriteCapacity,
		Logger:        log,
	}
}

// DispatcherConfig returns dispatcher settings. A zero irq.log_rate removes
// the per-interrupt log limit.
func (c *Config) DispatcherConfig(log *slog.Logger) irq.Config {
	limit := rate.Limit(c.IRQ.LogRate)
	if limit == 0 {
		limit = rate.Inf
	}
	return irq.Config{Logger: log, LogRate: limit}
}

// EndpointPath returns the configured endpoint, or the platform default.
func (c *Config) EndpointPath() string {
	if c.Endpoint.Path != "" {
		return c.Endpoint.Path
	}
	return paths.DefaultEndpoint()
}

// EndpointMode parses endpoint.mode as an octal permission.
func (c *Config) EndpointMode() (os.FileMode, error) {
	m, err := strconv.ParseUint(c.Endpoint.Mode, 8, 32)
	if err != nil || m > 0o777 {
		return 0, fmt.Errorf("invalid endpoint.mode %q: must be an octal permission like 0666", c.Endpoint.Mode)
	}
	return os.FileMode(m), nil
}

// TriggerSpecs converts the trigger list, defaulting each line to [irq] line.
func (c *Config) TriggerSpecs() []trigger.Spec {
	specs := make([]trigger.Spec, 0, len(c.Triggers))
	for _, t := range c.Triggers {
		line := c.IRQ.Line
		if t.Line != nil {
			line = *t.Line
		}
		specs = append(specs, trigger.Spec{
			Kind:     trigger.Kind(t.Kind),
			Line:     line,
			Signal:   t.Signal,
			Path:     t.Path,
			Pattern:  t.Pattern,
			Interval: time.Duration(t.IntervalMS) * time.Millisecond,
		})
	}
	return specs
}

// LoggerOptions returns logger settings writing to path.
func (c *Config) LoggerOptions(path string) logger.Options {
	return logger.Options{
		Path:       path,
		Level:      logger.ParseLevel(c.Log.Level),
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}
}
