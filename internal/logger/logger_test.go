// Tests for the line [Handler] format, level handling, attribute grouping,
// the [New] constructor outputs, and [ReadTail].
package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// line logs via fn into a fresh handler and returns the trimmed output.
func line(t *testing.T, level slog.Level, fn func(*slog.Logger)) string {
	t.Helper()
	var buf bytes.Buffer
	fn(slog.New(NewHandler(&buf, level)))
	return strings.TrimRight(buf.String(), "\r\n")
}

// ///////////////////////////////////////////////
// Handler Output Format
// ///////////////////////////////////////////////

func TestHandlerFormat(t *testing.T) {
	got := line(t, LevelInfo, func(l *slog.Logger) {
		l.Info("device open", "dev", "neil-dev", "handle", "abc")
	})

	if !strings.Contains(got, " [INFO] device open | dev=neil-dev, handle=abc") {
		t.Errorf("unexpected line %q", got)
	}
	if !strings.HasSuffix(strings.Split(got, " [")[0], "Z") {
		t.Errorf("expected UTC timestamp ending with Z, got %q", got)
	}
}

func TestHandlerNoAttrs(t *testing.T) {
	got := line(t, LevelInfo, func(l *slog.Logger) { l.Info("bare") })
	if strings.Contains(got, "|") {
		t.Errorf("expected no attribute separator, got %q", got)
	}
}

func TestHandlerLevelFiltering(t *testing.T) {
	got := line(t, LevelWarn, func(l *slog.Logger) {
		l.Info("dropped")
		l.Warn("kept")
	})
	if strings.Contains(got, "dropped") || !strings.Contains(got, "kept") {
		t.Errorf("unexpected filtering result %q", got)
	}
}

func TestHandlerCustomLevels(t *testing.T) {
	got := line(t, LevelTrace, func(l *slog.Logger) {
		Trace(l, "poll")
		Fail(l, "fault")
	})
	if !strings.Contains(got, "[TRACE] poll") || !strings.Contains(got, "[FAIL] fault") {
		t.Errorf("expected TRACE and FAIL lines, got %q", got)
	}
}

// ///////////////////////////////////////////////
// Levels
// ///////////////////////////////////////////////

func TestLevelNames(t *testing.T) {
	tests := []struct {
		level slog.Level
		want  string
	}{
		{LevelTrace - 4, "TRACE"},
		{LevelTrace, "TRACE"},
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{LevelFail, "FAIL"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := levelName(tt.level); got != tt.want {
				t.Errorf("levelName(%d) = %q, want %q", tt.level, got, tt.want)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"trace", LevelTrace},
		{"TRACE", LevelTrace},
		{"debug", LevelDebug},
		{"info", LevelInfo},
		{"Warn", LevelWarn},
		{"error", LevelError},
		{"fail", LevelFail},
		{"bogus", LevelInfo},
		{"", LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.want {
				t.Errorf("ParseLevel(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

// ///////////////////////////////////////////////
// WithAttrs / WithGroup
// ///////////////////////////////////////////////

func TestHandlerWithAttrs(t *testing.T) {
	got := line(t, LevelInfo, func(l *slog.Logger) {
		l.With("component", "device").Info("ready")
	})
	if !strings.Contains(got, "component=device") {
		t.Errorf("expected pre-applied attr, got %q", got)
	}
}

func TestHandlerWithGroup(t *testing.T) {
	got := line(t, LevelInfo, func(l *slog.Logger) {
		l.With("dev", "neil-dev").WithGroup("req").WithGroup("io").Info("write", "n", 64)
	})
	if !strings.Contains(got, "dev=neil-dev") {
		t.Errorf("attrs applied before a group must stay unqualified, got %q", got)
	}
	if !strings.Contains(got, "req.io.n=64") {
		t.Errorf("expected nested group prefix, got %q", got)
	}
}

func TestHandlerWithGroupEmpty(t *testing.T) {
	h := NewHandler(&bytes.Buffer{}, LevelInfo)
	if h.WithGroup("") != slog.Handler(h) {
		t.Error("WithGroup(\"\") should return the receiver")
	}
}

func TestHandlerDerivedShareMutex(t *testing.T) {
	var buf bytes.Buffer
	h := NewHandler(&buf, LevelInfo)
	h2 := h.WithAttrs([]slog.Attr{slog.String("k", "v")}).(*Handler)
	if h.mu != h2.mu {
		t.Fatal("derived handler must share the root mutex")
	}

	l1, l2 := slog.New(h), slog.New(h2)
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(2)
		go func() { defer wg.Done(); l1.Info("one") }()
		go func() { defer wg.Done(); l2.Info("two") }()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimRight(buf.String(), "\r\n"), "\n")
	if len(lines) != 100 {
		t.Errorf("expected 100 lines, got %d", len(lines))
	}
}

// ///////////////////////////////////////////////
// New
// ///////////////////////////////////////////////

func TestNewWritesFileAndTee(t *testing.T) {
	path := filepath.Join(t.TempDir(), "neildev.log")
	var tee bytes.Buffer

	log, closer, err := New(Options{Path: path, Level: LevelInfo, MaxSizeMB: 1, Tee: &tee})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Info("constructor test")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "constructor test") {
		t.Errorf("expected line in file, got %q", data)
	}
	if !strings.Contains(tee.String(), "constructor test") {
		t.Errorf("expected line in tee, got %q", tee.String())
	}
}

func TestNewTeeOnly(t *testing.T) {
	var tee bytes.Buffer
	log, closer, err := New(Options{Level: LevelDebug, Tee: &tee})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer closer.Close()
	log.Debug("stderr only")
	if !strings.Contains(tee.String(), "stderr only") {
		t.Errorf("expected tee output, got %q", tee.String())
	}
}

func TestNewNoOutput(t *testing.T) {
	if _, _, err := New(Options{}); err == nil {
		t.Fatal("expected error with no outputs")
	}
}

func TestDiscard(t *testing.T) {
	l := Discard()
	Fail(l, "nothing")
	if l.Enabled(t.Context(), LevelFail) {
		t.Fatal("Discard logger should not enable any level")
	}
}

// ///////////////////////////////////////////////
// ReadTail
// ///////////////////////////////////////////////

func writeLog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.log")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestReadTail(t *testing.T) {
	tests := []struct {
		name    string
		content string
		n       int
		want    string
	}{
		{"last three", "l1\nl2\nl3\nl4\nl5\n", 3, "l3\nl4\nl5"},
		{"exact count", "l1\nl2\nl3\n", 3, "l1\nl2\nl3"},
		{"fewer lines", "l1\nl2\n", 10, "l1\nl2"},
		{"empty file", "", 10, ""},
		{"zero requested", "l1\n", 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ReadTail(writeLog(t, tt.content), tt.n)
			if err != nil {
				t.Fatalf("ReadTail: %v", err)
			}
			if got != tt.want {
				t.Errorf("ReadTail = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReadTailMissingFile(t *testing.T) {
	if _, err := ReadTail(filepath.Join(t.TempDir(), "missing.log"), 10); err == nil {
		t.Fatal("expected error for missing file")
	}
}
