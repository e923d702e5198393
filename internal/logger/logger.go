// Package logger provides structured logging for the neildev daemon and the
// neilctl client.
//
// Every record is one line:
//
//	2006-01-02T15:04:05.000Z [LEVEL] message | key=value, key2=value2
//
// Two levels extend the slog set:
//   - LevelTrace (-8): per-operation channel tracing (opens, polls, wakes)
//   - LevelFail  (12): faults that terminate the daemon
package logger

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// ///////////////////////////////////////////////
// Custom Levels
// ///////////////////////////////////////////////

const (
	LevelTrace slog.Level = -8
	LevelDebug slog.Level = slog.LevelDebug // -4
	LevelInfo  slog.Level = slog.LevelInfo  // 0
	LevelWarn  slog.Level = slog.LevelWarn  // 4
	LevelError slog.Level = slog.LevelError // 8
	LevelFail  slog.Level = 12
)

// levelNames is ordered by threshold; the first entry whose threshold is at
// or above the record level names it.
var levelNames = []struct {
	max  slog.Level
	name string
}{
	{LevelTrace, "TRACE"},
	{LevelDebug, "DEBUG"},
	{LevelInfo, "INFO"},
	{LevelWarn, "WARN"},
	{LevelError, "ERROR"},
}

// levelName returns the display name for a log level.
func levelName(l slog.Level) string {
	for _, n := range levelNames {
		if l <= n.max {
			return n.name
		}
	}
	return "FAIL"
}

// ParseLevel converts a level name (trace, debug, info, warn, error, fail;
// case-insensitive) to a slog.Level. Unrecognized names yield LevelInfo.
func ParseLevel(s string) slog.Level {
	for _, n := range levelNames {
		if strings.EqualFold(s, n.name) {
			return n.max
		}
	}
	if strings.EqualFold(s, "fail") {
		return LevelFail
	}
	return LevelInfo
}

// ///////////////////////////////////////////////
// Handler
// ///////////////////////////////////////////////

// lineEnding is CRLF on Windows, LF elsewhere.
var lineEnding = "\n"

func init() {
	if runtime.GOOS == "windows" {
		lineEnding = "\r\n"
	}
}

// Handler is a slog.Handler producing the single-line format described in
// the package documentation.
type Handler struct {
	// w receives formatted lines.
	w io.Writer
	// mu is shared by all handlers derived from the same root so lines from
	// different components never interleave.
	mu *sync.Mutex
	// level is the minimum severity emitted.
	level slog.Level
	// attrs are pre-applied via WithAttrs, already group-qualified.
	attrs []slog.Attr
	// group is the dot-joined prefix applied to record attributes.
	group string
}

// NewHandler creates a Handler that writes to w, filtering records below level.
func NewHandler(w io.Writer, level slog.Level) *Handler {
	return &Handler{w: w, level: level, mu: &sync.Mutex{}}
}

// Enabled reports whether records at level are emitted.
func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

// Handle formats and writes one record.
func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder
	buf.WriteString(r.Time.UTC().Format("2006-01-02T15:04:05.000Z"))
	buf.WriteString(" [")
	buf.WriteString(levelName(r.Level))
	buf.WriteString("] ")
	buf.WriteString(r.Message)

	first := true
	write := func(key string, v slog.Value) {
		if first {
			buf.WriteString(" | ")
			first = false
		} else {
			buf.WriteString(", ")
		}
		buf.WriteString(key)
		buf.WriteString("=")
		buf.WriteString(v.String())
	}
	for _, a := range h.attrs {
		write(a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		write(h.qualify(a.Key), a.Value)
		return true
	})
	buf.WriteString(lineEnding)

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, buf.String())
	return err
}

// qualify prefixes key with the handler's group.
func (h *Handler) qualify(key string) string {
	if h.group == "" {
		return key
	}
	return h.group + "." + key
}

// WithAttrs returns a Handler with attrs pre-applied under the current group.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(next, h.attrs)
	for _, a := range attrs {
		next = append(next, slog.Attr{Key: h.qualify(a.Key), Value: a.Value})
	}
	return &Handler{w: h.w, mu: h.mu, level: h.level, attrs: next, group: h.group}
}

// WithGroup returns a Handler that prefixes subsequent keys with name.
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &Handler{w: h.w, mu: h.mu, level: h.level, attrs: h.attrs, group: h.qualify(name)}
}

// ///////////////////////////////////////////////
// Logger Constructor
// ///////////////////////////////////////////////

// Options configures [New].
type Options struct {
	// Path is the log file. Empty disables file output.
	Path string
	// Level is the minimum severity written.
	Level slog.Level
	// MaxSizeMB is the size that triggers rotation.
	MaxSizeMB int
	// MaxBackups is the number of rotated files kept.
	MaxBackups int
	// MaxAgeDays is the age after which rotated files are removed.
	MaxAgeDays int
	// Tee, when non-nil, also receives every line (the daemon passes
	// os.Stderr in foreground mode).
	Tee io.Writer
}

// nopCloser closes nothing.
type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New creates a slog.Logger writing to a rotating file and optionally to
// Options.Tee. The returned io.Closer flushes and closes the file.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	var writers []io.Writer
	var closer io.Closer = nopCloser{}

	if opts.Path != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
		}
		writers = append(writers, lj)
		closer = lj
	}
	if opts.Tee != nil {
		writers = append(writers, opts.Tee)
	}
	if len(writers) == 0 {
		return nil, nil, fmt.Errorf("logger: no output configured")
	}

	w := writers[0]
	if len(writers) > 1 {
		w = io.MultiWriter(writers...)
	}
	return slog.New(NewHandler(w, opts.Level)), closer, nil
}

// Discard returns a logger that drops everything. Used by tests and by
// neilctl when no log file is wanted.
func Discard() *slog.Logger {
	return slog.New(NewHandler(io.Discard, LevelFail+1))
}

// ///////////////////////////////////////////////
// Helper Functions
// ///////////////////////////////////////////////

// Trace logs a message at LevelTrace.
func Trace(logger *slog.Logger, msg string, args ...any) {
	logger.Log(context.Background(), LevelTrace, msg, args...)
}

// Fail logs a message at LevelFail.
func Fail(logger *slog.Logger, msg string, args ...any) {
	logger.Log(context.Background(), LevelFail, msg, args...)
}

// ///////////////////////////////////////////////
// ReadTail
// ///////////////////////////////////////////////

// ReadTail returns the last n lines of the file at path in order.
func ReadTail(path string, n int) (string, error) {
	if n <= 0 {
		return "", nil
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	ring := make([]string, n)
	total := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		ring[total%n] = scanner.Text()
		total++
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("reading log file: %w", err)
	}

	if total <= n {
		return strings.Join(ring[:total], "\n"), nil
	}
	start := total % n
	out := make([]string, 0, n)
	out = append(out, ring[start:]...)
	out = append(out, ring[:start]...)
	return strings.Join(out, "\n"), nil
}
