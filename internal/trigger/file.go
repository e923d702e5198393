package trigger

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// File raises its line when a file under a directory is written or created.
// It uses fsnotify and falls back to polling modification times when native
// notification is unavailable or fails.
//
// fsnotify watches only the directory itself; patterns reaching into
// subdirectories are matched by the polling fallback.
type File struct {
	base
	dir          string
	pattern      string
	pollInterval time.Duration
	// polling is true once the source has fallen back to stat-based polling.
	polling atomic.Bool
}

// NewFile returns a file source. An empty pattern matches every file and a
// non-positive interval means DefaultPollInterval.
func NewFile(dir, pattern string, line int, pollInterval time.Duration, log *slog.Logger) *File {
	if pattern == "" {
		pattern = DefaultPattern
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	f := &File{dir: dir, pattern: pattern, pollInterval: pollInterval}
	f.init("file:"+filepath.Join(dir, pattern), line, log)
	return f
}

// Polling reports whether the source is polling instead of using fsnotify.
func (f *File) Polling() bool {
	return f.polling.Load()
}

// Run implements [Source].
func (f *File) Run(ctx context.Context, r Raiser) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		f.log.Info("fsnotify unavailable, falling back to polling", "error", err)
		return f.poll(ctx, r)
	}
	if err := fsw.Add(f.dir); err != nil {
		f.log.Info("cannot watch directory, falling back to polling", "path", f.dir, "error", err)
		fsw.Close()
		return f.poll(ctx, r)
	}

	f.log.Info("trigger started", "mode", "fsnotify")
	for {
		select {
		case <-ctx.Done():
			fsw.Close()
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if (event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) && f.matches(event.Name) {
				f.fire(r)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			f.log.Info("fsnotify error, switching to polling", "error", err)
			fsw.Close()
			return f.poll(ctx, r)
		}
	}
}

// matches reports whether an event path falls under the pattern.
func (f *File) matches(name string) bool {
	rel, err := filepath.Rel(f.dir, name)
	if err != nil {
		return false
	}
	ok, err := doublestar.Match(f.pattern, filepath.ToSlash(rel))
	return err == nil && ok
}

// poll fires whenever the newest matching file's modification time advances.
func (f *File) poll(ctx context.Context, r Raiser) error {
	f.polling.Store(true)
	f.log.Info("trigger started", "mode", "polling", "interval", f.pollInterval.String())

	lastMod := f.latestMod()
	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if mod := f.latestMod(); mod.After(lastMod) {
				lastMod = mod
				f.fire(r)
			}
		}
	}
}

// latestMod returns the most recent modification time among matching files.
func (f *File) latestMod() time.Time {
	var latest time.Time
	fsys := os.DirFS(f.dir)
	matches, err := doublestar.Glob(fsys, f.pattern, doublestar.WithFilesOnly())
	if err != nil {
		return latest
	}
	for _, m := range matches {
		info, err := fs.Stat(fsys, m)
		if err != nil {
			continue
		}
		if info.ModTime().After(latest) {
			latest = info.ModTime()
		}
	}
	return latest
}
