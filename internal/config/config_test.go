// Tests for the config package covering [Load] behavior (defaults, overrides,
// missing files, malformed input, v1 migration), validation
// ([Config.Validate]), conversions to device, endpoint, trigger and logger
// settings, serialization round-trips ([Config.Save]), and [ConfigDocs]
// completeness.

package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/time/rate"

	"tools.zach/dev/neildev/internal/device"
	"tools.zach/dev/neildev/internal/logger"
	"tools.zach/dev/neildev/internal/paths"
	"tools.zach/dev/neildev/internal/trigger"
)

// ///////////////////////////////////////////////
// Load
// ///////////////////////////////////////////////

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		config  string
		noFile  bool // if true, skip writing a config file
		wantErr bool
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name:   "defaults from minimal config",
			config: "version = 2\n",
			check: func(t *testing.T, cfg *Config) {
				t.Helper()
				def := DefaultConfig()
				if cfg.Device != def.Device {
					t.Errorf("Device = %+v, want %+v", cfg.Device, def.Device)
				}
				if cfg.IRQ != def.IRQ {
					t.Errorf("IRQ = %+v, want %+v", cfg.IRQ, def.IRQ)
				}
				if len(cfg.Triggers) != 1 || cfg.Triggers[0].Kind != "signal" {
					t.Errorf("Triggers = %+v, want the default signal trigger", cfg.Triggers)
				}
			},
		},
		{
			name: "user overrides applied",
			config: `
version = 2

[device]
read_payload = "hello"

[irq]
line = 7
shared = false

[endpoint]
mode = "0600"
`,
			check: func(t *testing.T, cfg *Config) {
				t.Helper()
				if cfg.Device.ReadPayload != "hello" {
					t.Errorf("ReadPayload = %q, want %q", cfg.Device.ReadPayload, "hello")
				}
				if cfg.IRQ.Line != 7 || cfg.IRQ.Shared {
					t.Errorf("IRQ = %+v, want line 7 unshared", cfg.IRQ)
				}
				if cfg.Device.Name != device.DefaultName {
					t.Errorf("Name = %q, want default %q", cfg.Device.Name, device.DefaultName)
				}
				if mode, _ := cfg.EndpointMode(); mode != 0o600 {
					t.Errorf("EndpointMode = %o, want 600", mode)
				}
			},
		},
		{
			name: "triggers replace the default list",
			config: `
version = 2

[[triggers]]
kind = "timer"
interval_ms = 250
line = 9

[[triggers]]
kind = "file"
path = "/tmp/x"
`,
			check: func(t *testing.T, cfg *Config) {
				t.Helper()
				if len(cfg.Triggers) != 2 {
					t.Fatalf("Triggers = %+v, want 2 entries", cfg.Triggers)
				}
				if cfg.Triggers[0].Line == nil || *cfg.Triggers[0].Line != 9 {
					t.Errorf("Triggers[0].Line = %v, want 9", cfg.Triggers[0].Line)
				}
				if cfg.Triggers[1].Line != nil {
					t.Errorf("Triggers[1].Line = %v, want nil", *cfg.Triggers[1].Line)
				}
			},
		},
		{
			name:   "missing file returns defaults",
			noFile: true,
			check: func(t *testing.T, cfg *Config) {
				t.Helper()
				if cfg.Version != 2 {
					t.Errorf("Version = %d, want 2", cfg.Version)
				}
			},
		},
		{
			name:    "malformed TOML returns error",
			config:  "this is not valid toml [[[",
			wantErr: true,
		},
		{
			name:    "invalid values return error",
			config:  "version = 2\n[log]\nlevel = \"verbose\"\n",
			wantErr: true,
		},
		{
			name:    "newer version returns error",
			config:  "version = 9\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if !tt.noFile {
				writeConfig(t, dir, tt.config)
			}

			cfg, err := Load(dir)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestLoad_Migration(t *testing.T) {
	dir := t.TempDir()
	v1 := `
device_name = "legacy-dev"
irq_no = 12
max_buffer_size = 32

[log]
level = "debug"
`
	writeConfig(t, dir, v1)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Version != 2 {
		t.Errorf("Version = %d, want 2", cfg.Version)
	}
	if cfg.Device.Name != "legacy-dev" || cfg.Device.WriteCapacity != 32 {
		t.Errorf("Device = %+v, want migrated name and capacity", cfg.Device)
	}
	if cfg.IRQ.Line != 12 {
		t.Errorf("IRQ.Line = %d, want 12", cfg.IRQ.Line)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}

	backup, err := os.ReadFile(filepath.Join(dir, paths.ConfigFile+".bak"))
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if string(backup) != v1 {
		t.Errorf("backup = %q, want original contents", backup)
	}

	saved, err := os.ReadFile(filepath.Join(dir, paths.ConfigFile))
	if err != nil {
		t.Fatalf("read migrated config: %v", err)
	}
	if PeekVersion(saved) != 2 {
		t.Errorf("saved config version = %d, want 2", PeekVersion(saved))
	}
	if strings.Contains(string(saved), "irq_no") {
		t.Errorf("saved config still has flat v1 keys:\n%s", saved)
	}
}

func TestUpgradeV2_SectionWins(t *testing.T) {
	out, err := upgradeV2([]byte("irq_no = 1\n[irq]\nline = 2\n"))
	if err != nil {
		t.Fatalf("upgradeV2: %v", err)
	}
	var cfg Config
	if err := toml.Unmarshal(out, &cfg); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if cfg.IRQ.Line != 2 || cfg.Version != 2 {
		t.Errorf("got line %d version %d, want line 2 version 2", cfg.IRQ.Line, cfg.Version)
	}
}

// ///////////////////////////////////////////////
// PeekVersion
// ///////////////////////////////////////////////

func TestPeekVersion(t *testing.T) {
	tests := []struct {
		name string
		data string
		want int
	}{
		{"reads version from TOML", "version = 3\n[device]\nname = \"x\"\n", 3},
		{"missing version returns 1", "irq_no = 305\n", 1},
		{"malformed returns 1", "[[[", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PeekVersion([]byte(tt.data)); got != tt.want {
				t.Errorf("PeekVersion() = %d, want %d", got, tt.want)
			}
		})
	}
}

// ///////////////////////////////////////////////
// ExampleConfig
// ///////////////////////////////////////////////

func TestExampleConfig(t *testing.T) {
	cfg := ExampleConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("ExampleConfig does not validate: %v", err)
	}
	if cfg.Metrics.Listen != "" {
		t.Errorf("expected metrics disabled in the shipped config, got %q", cfg.Metrics.Listen)
	}
	var buf strings.Builder
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		t.Fatalf("failed to marshal ExampleConfig: %v", err)
	}
	if !strings.Contains(buf.String(), "[[triggers]]") {
		t.Errorf("expected [[triggers]] in:\n%s", buf.String())
	}
}

// ///////////////////////////////////////////////
// ConfigDocs completeness
// ///////////////////////////////////////////////

func TestConfigDocsComplete(t *testing.T) {
	fields := collectTOMLFields(reflect.TypeOf(Config{}), "")
	for _, field := range fields {
		if _, ok := ConfigDocs[field]; !ok {
			t.Errorf("ConfigDocs missing entry for field %q", field)
		}
	}
}

// collectTOMLFields returns the dotted TOML path of every leaf field. Struct
// slices contribute their own path plus their element fields.
func collectTOMLFields(typ reflect.Type, prefix string) []string {
	var fields []string
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("toml")
		if tag == "" || tag == "-" {
			continue
		}
		if idx := strings.Index(tag, ","); idx != -1 {
			tag = tag[:idx]
		}
		path := tag
		if prefix != "" {
			path = prefix + "." + tag
		}
		switch {
		case f.Type.Kind() == reflect.Struct:
			fields = append(fields, collectTOMLFields(f.Type, path)...)
		case f.Type.Kind() == reflect.Slice && f.Type.Elem().Kind() == reflect.Struct:
			fields = append(fields, path)
			fields = append(fields, collectTOMLFields(f.Type.Elem(), path)...)
		default:
			fields = append(fields, path)
		}
	}
	return fields
}

func TestConfigMarshalFieldOrder(t *testing.T) {
	var buf strings.Builder
	if err := toml.NewEncoder(&buf).Encode(DefaultConfig()); err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out := buf.String()

	tests := []struct {
		before string
		after  string
	}{
		{"version", "[device]"},
		{"[device]", "[irq]"},
		{"[irq]", "[endpoint]"},
		{"[log]", "[[triggers]]"},
	}

	for _, tt := range tests {
		t.Run(tt.before+" before "+tt.after, func(t *testing.T) {
			bIdx := strings.Index(out, tt.before)
			aIdx := strings.Index(out, tt.after)
			if bIdx < 0 || aIdx < 0 || bIdx > aIdx {
				t.Errorf("expected %q before %q in marshaled output:\n%s", tt.before, tt.after, out)
			}
		})
	}
}

// ///////////////////////////////////////////////
// Save
// ///////////////////////////////////////////////

func TestConfig_Save_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	line := 42
	orig := DefaultConfig()
	orig.Device.ReadPayload = "round-trip"
	orig.Endpoint.Path = filepath.Join(dir, "x.sock")
	orig.Triggers = append(orig.Triggers, TriggerConfig{Kind: "timer", IntervalMS: 500, Line: &line})

	if err := orig.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Device.ReadPayload != orig.Device.ReadPayload {
		t.Errorf("ReadPayload = %q, want %q", loaded.Device.ReadPayload, orig.Device.ReadPayload)
	}
	if loaded.EndpointPath() != orig.Endpoint.Path {
		t.Errorf("EndpointPath = %q, want %q", loaded.EndpointPath(), orig.Endpoint.Path)
	}
	if !reflect.DeepEqual(loaded.Triggers, orig.Triggers) {
		t.Errorf("Triggers = %+v, want %+v", loaded.Triggers, orig.Triggers)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("expected only config.toml after Save, found %d entries", len(entries))
	}
}

func TestConfig_Save_BadDir(t *testing.T) {
	err := DefaultConfig().Save(filepath.Join(t.TempDir(), "missing", "config.toml"))
	if err == nil {
		t.Fatal("expected error saving into a missing directory")
	}
}

// ///////////////////////////////////////////////
// Validate
// ///////////////////////////////////////////////

func TestConfig_Validate(t *testing.T) {
	neg := -1
	tests := []struct {
		name    string
		setup   func(cfg *Config)
		wantErr bool
	}{
		{"default config passes", func(cfg *Config) {}, false},
		{"empty device name", func(cfg *Config) { cfg.Device.Name = " " }, true},
		{"zero write_capacity", func(cfg *Config) { cfg.Device.WriteCapacity = 0 }, true},
		{"oversized write_capacity", func(cfg *Config) { cfg.Device.WriteCapacity = 1<<20 + 1 }, true},
		{"negative irq.line", func(cfg *Config) { cfg.IRQ.Line = -1 }, true},
		{"negative log_rate", func(cfg *Config) { cfg.IRQ.LogRate = -1 }, true},
		{"non-octal mode", func(cfg *Config) { cfg.Endpoint.Mode = "0999" }, true},
		{"mode beyond permission bits", func(cfg *Config) { cfg.Endpoint.Mode = "1777" }, true},
		{"negative max_conns", func(cfg *Config) { cfg.Endpoint.MaxConns = -1 }, true},
		{"invalid log.level", func(cfg *Config) { cfg.Log.Level = "verbose" }, true},
		{"uppercase log.level", func(cfg *Config) { cfg.Log.Level = "DEBUG" }, false},
		{"zero max_size_mb", func(cfg *Config) { cfg.Log.MaxSizeMB = 0 }, true},
		{"unknown trigger kind", func(cfg *Config) { cfg.Triggers[0].Kind = "gpio" }, true},
		{"file trigger without path", func(cfg *Config) { cfg.Triggers[0] = TriggerConfig{Kind: "file"} }, true},
		{"timer without interval", func(cfg *Config) { cfg.Triggers[0] = TriggerConfig{Kind: "timer"} }, true},
		{"negative trigger line", func(cfg *Config) { cfg.Triggers[0].Line = &neg }, true},
		{"no triggers", func(cfg *Config) { cfg.Triggers = nil }, false},
		{"update with bad url", func(cfg *Config) {
			cfg.Update.Enabled = true
			cfg.Update.ManifestURL = "ftp://example.com/m.json"
		}, true},
		{"update disabled ignores url", func(cfg *Config) { cfg.Update.ManifestURL = "" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.setup(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// ///////////////////////////////////////////////
// Conversions
// ///////////////////////////////////////////////

func TestDeviceOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IRQ.Shared = false
	opts := cfg.DeviceOptions(nil)
	if opts.Name != device.DefaultName || opts.IRQLine != device.DefaultIRQLine || opts.Shared {
		t.Errorf("DeviceOptions = %+v", opts)
	}
	if opts.ReadPayload != device.DefaultReadPayload || opts.WriteCapacity != device.DefaultWriteCapacity {
		t.Errorf("DeviceOptions payload/capacity = %q/%d", opts.ReadPayload, opts.WriteCapacity)
	}
}

func TestDispatcherConfig(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.DispatcherConfig(nil).LogRate; got != 10 {
		t.Errorf("LogRate = %v, want 10", got)
	}
	cfg.IRQ.LogRate = 0
	if got := cfg.DispatcherConfig(nil).LogRate; got != rate.Inf {
		t.Errorf("LogRate = %v, want rate.Inf", got)
	}
}

func TestEndpointPathDefault(t *testing.T) {
	if got := DefaultConfig().EndpointPath(); got != paths.DefaultEndpoint() {
		t.Errorf("EndpointPath = %q, want %q", got, paths.DefaultEndpoint())
	}
}

func TestTriggerSpecs(t *testing.T) {
	line := 3
	cfg := DefaultConfig()
	cfg.IRQ.Line = 11
	cfg.Triggers = []TriggerConfig{
		{Kind: "signal", Signal: "SIGUSR2"},
		{Kind: "timer", IntervalMS: 1500, Line: &line},
	}

	specs := cfg.TriggerSpecs()
	want := []trigger.Spec{
		{Kind: trigger.KindSignal, Line: 11, Signal: "SIGUSR2"},
		{Kind: trigger.KindTimer, Line: 3, Interval: 1500 * time.Millisecond},
	}
	if !reflect.DeepEqual(specs, want) {
		t.Errorf("TriggerSpecs = %+v, want %+v", specs, want)
	}
}

func TestLoggerOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Log.Level = "trace"
	opts := cfg.LoggerOptions("/tmp/neildev.log")
	if opts.Path != "/tmp/neildev.log" || opts.Level != logger.LevelTrace {
		t.Errorf("LoggerOptions = %+v", opts)
	}
	if opts.MaxSizeMB != cfg.Log.MaxSizeMB || opts.MaxBackups != cfg.Log.MaxBackups {
		t.Errorf("LoggerOptions rotation = %+v", opts)
	}
}

// ///////////////////////////////////////////////
// Helpers
// ///////////////////////////////////////////////

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write test config: %v", err)
	}
}
