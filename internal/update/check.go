// Package update checks for newer neildev releases via the release manifest.
package update

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/hashicorp/go-retryablehttp"
)

// ErrNoManifest is returned when no manifest URL is configured.
var ErrNoManifest = errors.New("no manifest URL configured")

var (
	httpClient     *retryablehttp.Client
	httpClientOnce sync.Once
)

// getHTTPClient returns the shared retryable HTTP client, initializing it on
// first call.
func getHTTPClient() *retryablehttp.Client {
	httpClientOnce.Do(func() {
		httpClient = retryablehttp.NewClient()
		httpClient.RetryMax = 2
		httpClient.RetryWaitMin = 200 * time.Millisecond
		httpClient.RetryWaitMax = 2 * time.Second
		httpClient.HTTPClient.Timeout = 5 * time.Second
		httpClient.Logger = nil
	})
	return httpClient
}

// ///////////////////////////////////////////////
// Public API
// ///////////////////////////////////////////////

// Result is the outcome of a release check.
type Result struct {
	// Current is the running version.
	Current string
	// Latest is the manifest's stable version, empty if it lists none.
	Latest string
	// Newer reports whether Latest is a later release than Current.
	Newer bool
}

// Check fetches the release manifest at manifestURL and logs if a newer
// version is available. Failures are logged at debug and returned; callers
// treat them as non-fatal.
func Check(ctx context.Context, manifestURL, current string, log *slog.Logger) (Result, error) {
	if log == nil {
		log = slog.Default()
	}
	res := Result{Current: current}
	if manifestURL == "" {
		log.Debug("skipping version check: no manifest URL configured")
		return res, ErrNoManifest
	}
	latest, err := fetchLatest(ctx, manifestURL)
	if err != nil {
		log.Debug("version check failed", "error", err)
		return res, err
	}
	res.Latest = latest
	if latest == "" || latest == current {
		return res, nil
	}
	if isNewer(current, latest) {
		res.Newer = true
		log.Info("new version available", "current", current, "latest", latest)
	}
	return res, nil
}

// ///////////////////////////////////////////////
// Internal helpers
// ///////////////////////////////////////////////

// fetchLatest downloads the release manifest and returns the version string
// stored under the "." key, which represents the latest stable release.
func fetchLatest(ctx context.Context, url string) (string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := getHTTPClient().Do(req)
	if err != nil {
		return "", fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	var manifest map[string]string
	if err := json.Unmarshal(body, &manifest); err != nil {
		return "", fmt.Errorf("parsing manifest: %w", err)
	}
	return manifest["."], nil
}

// isNewer reports whether latest is a later release than current. Versions
// that do not parse as semver, such as "dev+05ffee5", are never compared.
func isNewer(current, latest string) bool {
	cv, err := semver.StrictNewVersion(strings.TrimPrefix(current, "v"))
	if err != nil {
		return false
	}
	lv, err := semver.StrictNewVersion(strings.TrimPrefix(latest, "v"))
	if err != nil {
		return false
	}
	return cv.LessThan(lv)
}
