// Package main derives the neildev release version from git state and the
// release manifest. With no flags it prints the version for ldflags:
//
//	go build -ldflags "-X main.version=$(go run ./cmd/buildver)" ./cmd/neildev
//
// With -manifest it rewrites the release manifest so the root entry carries
// the derived version, which is what the daemon's update check reads back.
//
//	On tag v0.1.0:      0.1.0
//	Dirty tag:          0.1.0-dirty
//	3 past v0.1.0:      0.1.0-dev.3+g1234567
//	No tags:            <manifest>-dev+05ffee5
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"tools.zach/dev/neildev/internal/paths"
)

// fallbackBase is used when the manifest has no root entry.
const fallbackBase = "0.0.0"

// gitFunc runs git with args and returns trimmed stdout.
type gitFunc func(args ...string) (string, error)

func runGit(args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "git", args...).Output()
	return strings.TrimSpace(string(out)), err
}

func main() {
	manifest := flag.String("manifest", "", "rewrite this release manifest with the derived version")
	flag.Parse()

	path := paths.ReleaseManifest
	if *manifest != "" {
		path = *manifest
	}
	base, err := baseVersion(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "buildver: %v\n", err)
		os.Exit(1)
	}
	ver := buildVersion(base, runGit)

	if *manifest == "" {
		fmt.Print(ver)
		return
	}
	if err := writeManifest(path, ver); err != nil {
		fmt.Fprintf(os.Stderr, "buildver: %v\n", err)
		os.Exit(1)
	}
}

// buildVersion prefers git describe against v-prefixed tags and falls back to
// base plus the short commit hash.
func buildVersion(base string, git gitFunc) string {
	if desc, err := git("describe", "--tags", "--match", "v*", "--dirty"); err == nil && desc != "" {
		return formatTaggedVersion(desc)
	}
	hash, err := git("rev-parse", "--short=7", "HEAD")
	if err != nil || hash == "" {
		return base + "-dev"
	}
	if status, err := git("status", "--porcelain"); err == nil && status != "" {
		return base + "-dev+" + hash + ".dirty"
	}
	return base + "-dev+" + hash
}

// formatTaggedVersion turns git describe output such as
// "v0.1.0-3-g1234567-dirty" into "0.1.0-dev.3+g1234567.dirty".
func formatTaggedVersion(desc string) string {
	dirty := strings.HasSuffix(desc, "-dirty")
	clean := strings.TrimPrefix(strings.TrimSuffix(desc, "-dirty"), "v")

	// <tag>-<N>-g<hash>
	if i := strings.LastIndex(clean, "-"); i > 0 {
		hash, rest := clean[i+1:], clean[:i]
		if j := strings.LastIndex(rest, "-"); j > 0 && strings.HasPrefix(hash, "g") {
			meta := hash
			if dirty {
				meta += ".dirty"
			}
			return fmt.Sprintf("%s-dev.%s+%s", rest[:j], rest[j+1:], meta)
		}
	}
	if dirty {
		return clean + "-dirty"
	}
	return clean
}

// readManifest returns the manifest entries. A missing file is empty.
func readManifest(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	m := map[string]string{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return m, nil
}

// baseVersion returns the manifest's root entry or [fallbackBase].
func baseVersion(path string) (string, error) {
	m, err := readManifest(path)
	if err != nil {
		return "", err
	}
	if v := m["."]; v != "" {
		return v, nil
	}
	return fallbackBase, nil
}

// writeManifest sets the root entry to ver, keeping any other entries. The
// update check ignores versions that are not strict semver, so those are
// refused here.
func writeManifest(path, ver string) error {
	if _, err := semver.StrictNewVersion(ver); err != nil {
		return fmt.Errorf("version %q: %w", ver, err)
	}
	m, err := readManifest(path)
	if err != nil {
		return err
	}
	m["."] = ver
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
