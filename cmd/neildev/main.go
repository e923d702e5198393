// Package main implements the neildev daemon, which loads the neil-dev
// channel, publishes it on a local endpoint, and raises its interrupt line
// from the configured trigger sources until it is told to stop.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	rootpkg "tools.zach/dev/neildev"
	"tools.zach/dev/neildev/internal/config"
	"tools.zach/dev/neildev/internal/device"
	"tools.zach/dev/neildev/internal/devnode"
	"tools.zach/dev/neildev/internal/irq"
	"tools.zach/dev/neildev/internal/logger"
	"tools.zach/dev/neildev/internal/metrics"
	"tools.zach/dev/neildev/internal/paths"
	"tools.zach/dev/neildev/internal/trigger"
	"tools.zach/dev/neildev/internal/update"
)

// DataPaths aliases [paths.DataDir] into the main package.
type DataPaths = paths.DataDir

// ///////////////////////////////////////////////
// Version
// ///////////////////////////////////////////////

// version is set at build time via ldflags:
//   - goreleaser: -X main.version={{.Version}}  -> "0.1.0"
//   - make build: -X main.version=$(VERSION)    -> "0.0.0-dev+05ffee5"
//
// When ldflags are not set (bare go build), resolveVersion reads the VCS info
// that Go embeds automatically.
var version = "dev"

// resolveVersion returns the build version string. If [version] was set via
// ldflags at build time it is returned as-is; otherwise VCS revision and dirty
// state embedded by the Go toolchain are used to construct a "dev+<hash>" tag.
func resolveVersion() string {
	if version != "dev" {
		return version
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return version
	}
	var revision string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if revision == "" {
		return version
	}
	hash := revision[:min(7, len(revision))]
	if dirty {
		return "dev+" + hash + ".dirty"
	}
	return "dev+" + hash
}

// ///////////////////////////////////////////////
// PID Management
// ///////////////////////////////////////////////

// pidToken generates a random 16-character hex token used to prove ownership
// of the PID file, so [removePID] only deletes the file if this instance wrote it.
func pidToken() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// writePID creates or opens the PID file, acquires an advisory file lock, and
// writes "PID:TOKEN" content. The returned file handle must stay open for the
// lifetime of the daemon to hold the lock. neilctl raise reads the PID back.
func writePID(dirs DataPaths, token string) (*os.File, error) {
	f, err := os.OpenFile(dirs.PID(), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open PID file: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock PID file: %w", err)
	}
	if err := f.Truncate(0); err != nil {
		_ = unlockFile(f)
		f.Close()
		return nil, fmt.Errorf("truncate PID file: %w", err)
	}
	content := fmt.Sprintf("%d:%s", os.Getpid(), token)
	if _, err := f.WriteString(content); err != nil {
		_ = unlockFile(f)
		f.Close()
		return nil, fmt.Errorf("write PID file: %w", err)
	}
	return f, nil
}

// removePID releases the lock, closes the handle, and removes the PID file
// only if the stored token matches.
func removePID(dirs DataPaths, token string, f *os.File) {
	if f != nil {
		_ = unlockFile(f)
		f.Close()
	}
	data, err := os.ReadFile(dirs.PID())
	if err != nil {
		return
	}
	parts := strings.SplitN(string(data), ":", 2)
	if len(parts) == 2 && parts[1] == token {
		os.Remove(dirs.PID())
	}
}

// checkStalePID reports whether another daemon holds the PID file lock. A
// file whose lock can be taken belongs to a dead instance and is removed.
func checkStalePID(dirs DataPaths) (alive bool, pid int) {
	f, err := os.OpenFile(dirs.PID(), os.O_RDWR, 0o600)
	if err != nil {
		return false, 0
	}

	if lockErr := lockFile(f); lockErr != nil {
		data, _ := os.ReadFile(dirs.PID())
		f.Close()
		parts := strings.SplitN(string(data), ":", 2)
		if p, convErr := strconv.Atoi(parts[0]); convErr == nil {
			return true, p
		}
		return true, 0
	}

	_ = unlockFile(f)
	f.Close()
	os.Remove(dirs.PID())
	return false, 0
}

// ///////////////////////////////////////////////
// Main
// ///////////////////////////////////////////////

func main() {
	dataDir := flag.String("data-dir", paths.DefaultDataDir().Root, "Data directory for config, PID file, and logs")
	foreground := flag.Bool("foreground", false, "Also write the log to stderr")
	flag.Parse()

	dirs := DataPaths{Root: *dataDir}

	if err := os.MkdirAll(dirs.Root, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: create data dir: %v\n", err)
		os.Exit(1)
	}

	if alive, pid := checkStalePID(dirs); alive {
		fmt.Fprintf(os.Stderr, "daemon already running (pid %d)\n", pid)
		os.Exit(1)
	}

	if _, err := os.Stat(dirs.Config()); os.IsNotExist(err) {
		if writeErr := os.WriteFile(dirs.Config(), rootpkg.DefaultConfigTOML, 0o644); writeErr != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to write default config: %v\n", writeErr)
		}
	}

	cfg, err := config.Load(dirs.Root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: load config: %v\n", err)
		os.Exit(1)
	}

	logOpts := cfg.LoggerOptions(dirs.Log())
	if *foreground {
		logOpts.Tee = os.Stderr
	}
	log, logCloser, err := logger.New(logOpts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: init logger: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	slog.SetDefault(log)

	ver := resolveVersion()
	slog.Info("neildev starting", "version", ver, "data_dir", dirs.Root)

	token := pidToken()
	pidFile, err := writePID(dirs, token)
	if err != nil {
		slog.Error("failed to write PID file", "error", err)
		os.Exit(1)
	}
	defer removePID(dirs, token, pidFile)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go func() {
		select {
		case <-signalChannel():
			slog.Info("received shutdown signal")
			stop()
		case <-ctx.Done():
		}
	}()

	if err := run(ctx, cfg, log, ver); err != nil {
		logger.Fail(log, "daemon stopped", "error", err)
		logCloser.Close()
		removePID(dirs, token, pidFile)
		os.Exit(1)
	}
	slog.Info("neildev stopped")
}

// ///////////////////////////////////////////////
// Run
// ///////////////////////////////////////////////

// run loads the channel and drives its interrupt sources until ctx is done
// or one of them fails, then unloads. A handler panic on the dispatcher stops
// the daemon with an error wrapping [irq.ErrProducerFault].
func run(ctx context.Context, cfg *config.Config, log *slog.Logger, ver string) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	dcfg := cfg.DispatcherConfig(log)
	dcfg.OnFault = func(err error) {
		logger.Fail(log, "interrupt handler fault", "error", err)
		cancel(err)
	}
	dispatcher := irq.NewDispatcher(dcfg)

	mode, err := cfg.EndpointMode()
	if err != nil {
		return err
	}
	node := devnode.New(devnode.Config{
		Path:     cfg.EndpointPath(),
		Mode:     mode,
		MaxConns: cfg.Endpoint.MaxConns,
		Logger:   log.With("component", "devnode"),
	})

	mod, err := device.Load(cfg.DeviceOptions(log), dispatcher, node)
	if err != nil {
		return fmt.Errorf("load device: %w", err)
	}
	defer func() {
		if uerr := mod.Unload(); uerr != nil {
			log.Warn("unload reported errors", "error", uerr)
		}
	}()

	sources, err := buildSources(cfg.TriggerSpecs(), log)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, src := range sources {
		g.Go(func() error {
			if err := src.Run(gctx, dispatcher); err != nil {
				return fmt.Errorf("trigger %s: %w", src.Name(), err)
			}
			return nil
		})
	}

	if cfg.Metrics.Listen != "" {
		collector := metrics.New(mod, dispatcher)
		g.Go(func() error {
			return collector.Serve(gctx, cfg.Metrics.Listen, log.With("component", "metrics"))
		})
	}

	if cfg.Update.Enabled {
		g.Go(func() error {
			_, _ = update.Check(gctx, cfg.Update.ManifestURL, ver, log.With("component", "update"))
			return nil
		})
	}

	<-gctx.Done()
	err = g.Wait()
	if cause := context.Cause(ctx); errors.Is(cause, irq.ErrProducerFault) {
		return cause
	}
	return err
}

// buildSources constructs every configured trigger. Sources the platform
// cannot provide are skipped with a warning; any other error is returned.
func buildSources(specs []trigger.Spec, log *slog.Logger) ([]trigger.Source, error) {
	tlog := log.With("component", "trigger")
	sources := make([]trigger.Source, 0, len(specs))
	for i, spec := range specs {
		src, err := trigger.Build(spec, tlog)
		if errors.Is(err, trigger.ErrUnsupported) {
			log.Warn("trigger unavailable on this platform", "index", i, "kind", spec.Kind, "error", err)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("triggers[%d]: %w", i, err)
		}
		sources = append(sources, src)
	}
	if len(sources) == 0 {
		log.Warn("no trigger sources configured, the channel will never become ready")
	}
	return sources, nil
}
