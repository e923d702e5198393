// Package migrate upgrades versioned on-disk documents one schema version at
// a time. Each document kind owns a [Registry]; packages that define a
// schema register their upgrades against it at init.
package migrate

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// ///////////////////////////////////////////////
// Types
// ///////////////////////////////////////////////

// Migration upgrades a document from Version-1 to Version.
type Migration struct {
	// Version is the schema version this migration produces.
	Version int
	// Description is a short label for log output.
	Description string
	// Upgrade rewrites the raw document.
	Upgrade func(data []byte) ([]byte, error)
}

// Registry holds the migrations for one document kind.
type Registry struct {
	// Name identifies the document kind in logs.
	Name string
	// CurrentVersion is the version Run upgrades to.
	CurrentVersion int
	// Logger defaults to slog.Default.
	Logger *slog.Logger

	mu         sync.Mutex
	migrations []Migration
}

// Config is the registry for config.toml.
var Config = &Registry{Name: "config", CurrentVersion: 2}

// ///////////////////////////////////////////////
// Registry
// ///////////////////////////////////////////////

// Register adds m. It panics on a duplicate or out-of-range version so a
// conflicting registration fails at startup.
func (r *Registry) Register(m Migration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m.Version < 2 || m.Version > r.CurrentVersion {
		panic(fmt.Sprintf("migrate: %s migration v%d outside 2..%d", r.Name, m.Version, r.CurrentVersion))
	}
	for _, existing := range r.migrations {
		if existing.Version == m.Version {
			panic(fmt.Sprintf("migrate: duplicate %s migration v%d (%q)", r.Name, m.Version, m.Description))
		}
	}
	r.migrations = append(r.migrations, m)
	slices.SortFunc(r.migrations, func(a, b Migration) int { return a.Version - b.Version })
}

// Versions returns the registered migration versions in order.
func (r *Registry) Versions() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, len(r.migrations))
	for i, m := range r.migrations {
		out[i] = m.Version
	}
	return out
}

// NeedsMigration reports whether a document at version must be upgraded.
func (r *Registry) NeedsMigration(version int) bool {
	return version < r.CurrentVersion
}

// Run upgrades data from version to CurrentVersion. It returns the version
// reached, which is the last successful one when an upgrade fails. A
// document newer than CurrentVersion is an error.
func (r *Registry) Run(data []byte, version int) ([]byte, int, error) {
	if version > r.CurrentVersion {
		return nil, version, fmt.Errorf("%s version %d is newer than supported %d", r.Name, version, r.CurrentVersion)
	}

	r.mu.Lock()
	migrations := slices.Clone(r.migrations)
	r.mu.Unlock()

	log := r.Logger
	if log == nil {
		log = slog.Default()
	}
	for _, m := range migrations {
		if m.Version <= version {
			continue
		}
		if m.Version != version+1 {
			return nil, version, fmt.Errorf("%s: no migration from v%d to v%d", r.Name, version, version+1)
		}
		log.Info("applying migration", "target", r.Name, "version", m.Version, "description", m.Description)
		out, err := m.Upgrade(data)
		if err != nil {
			return nil, version, fmt.Errorf("migration to v%d failed: %w", m.Version, err)
		}
		data, version = out, m.Version
	}
	if version != r.CurrentVersion {
		return nil, version, fmt.Errorf("%s: no migration from v%d to v%d", r.Name, version, version+1)
	}
	return data, version, nil
}
