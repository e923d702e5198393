package paths

import (
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// ///////////////////////////////////////////////
// Constant Value Tests
// ///////////////////////////////////////////////

func TestConstantValues(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"DataDirRel", DataDirRel, ".neildev"},
		{"PIDFile", PIDFile, "neildev.pid"},
		{"ConfigFile", ConfigFile, "config.toml"},
		{"LogFile", LogFile, "neildev.log"},
		{"DaemonName", DaemonName, "neildev"},
		{"ClientName", ClientName, "neilctl"},
		{"EndpointName", EndpointName, "neil-dev"},
		{"ReleaseManifest", ReleaseManifest, ".release-manifest.json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.want)
			}
		})
	}
}

// ///////////////////////////////////////////////
// DataDir Method Tests
// ///////////////////////////////////////////////

func TestDataDirMethods(t *testing.T) {
	root := filepath.Join("home", "user", ".neildev")
	d := DataDir{Root: root}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"PID", d.PID(), filepath.Join(root, "neildev.pid")},
		{"Config", d.Config(), filepath.Join(root, "config.toml")},
		{"Log", d.Log(), filepath.Join(root, "neildev.log")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s() = %q, want %q", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestDataDirEmptyRoot(t *testing.T) {
	d := DataDir{Root: ""}

	// With an empty root, methods should return just the filename.
	if got := d.PID(); got != PIDFile {
		t.Errorf("PID() with empty root = %q, want %q", got, PIDFile)
	}
	if got := d.Config(); got != ConfigFile {
		t.Errorf("Config() with empty root = %q, want %q", got, ConfigFile)
	}
}

func TestDefaultDataDir(t *testing.T) {
	d := DefaultDataDir()
	if filepath.Base(d.Root) != DataDirRel {
		t.Errorf("DefaultDataDir().Root = %q, want suffix %q", d.Root, DataDirRel)
	}
}

// ///////////////////////////////////////////////
// Endpoint Tests
// ///////////////////////////////////////////////

func TestDefaultEndpoint(t *testing.T) {
	if runtime.GOOS == "windows" {
		if got := DefaultEndpoint(); got != `\\.\pipe\neil-dev` {
			t.Errorf("DefaultEndpoint() = %q", got)
		}
		return
	}

	dir := t.TempDir()
	t.Setenv("XDG_RUNTIME_DIR", dir)
	if got, want := DefaultEndpoint(), filepath.Join(dir, "neil-dev.sock"); got != want {
		t.Errorf("DefaultEndpoint() = %q, want %q", got, want)
	}

	t.Setenv("XDG_RUNTIME_DIR", "")
	if got := DefaultEndpoint(); !strings.HasSuffix(got, "neil-dev.sock") || !strings.HasPrefix(got, "/tmp") {
		t.Errorf("DefaultEndpoint() without XDG_RUNTIME_DIR = %q", got)
	}
}
