// Package paths centralizes file and directory names used by the neildev
// daemon and the neilctl client. Data directory layout and the default
// endpoint location are defined here and nowhere else.
package paths

import (
	"os"
	"path/filepath"
)

// ///////////////////////////////////////////////
// Constants
// ///////////////////////////////////////////////

// Data directory file names.
const (
	PIDFile    = "neildev.pid"
	ConfigFile = "config.toml"
	LogFile    = "neildev.log"
)

// Names shared by both binaries.
const (
	DaemonName   = "neildev"
	ClientName   = "neilctl"
	EndpointName = "neil-dev"
	DataDirRel   = ".neildev" // relative to $HOME
)

// ReleaseManifest is the release manifest path relative to the project's
// release host.
const ReleaseManifest = ".release-manifest.json"

// ///////////////////////////////////////////////
// DataDir
// ///////////////////////////////////////////////

// DataDir provides path construction rooted at a data directory.
type DataDir struct {
	Root string
}

// DefaultDataDir returns ~/.neildev, or ./.neildev when the home directory
// cannot be determined.
func DefaultDataDir() DataDir {
	home, err := os.UserHomeDir()
	if err != nil {
		return DataDir{Root: filepath.Join(".", DataDirRel)}
	}
	return DataDir{Root: filepath.Join(home, DataDirRel)}
}

// PID returns the full path to the PID file.
func (d DataDir) PID() string { return filepath.Join(d.Root, PIDFile) }

// Config returns the full path to the config file.
func (d DataDir) Config() string { return filepath.Join(d.Root, ConfigFile) }

// Log returns the full path to the log file.
func (d DataDir) Log() string { return filepath.Join(d.Root, LogFile) }
