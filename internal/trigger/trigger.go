// Package trigger provides the interrupt sources that stand in for hardware:
// a POSIX signal, a file change, or a timer. Each [Source] raises its line
// on a [Raiser], normally the daemon's irq dispatcher.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"tools.zach/dev/neildev/internal/logger"
)

// ///////////////////////////////////////////////
// Sentinel Errors
// ///////////////////////////////////////////////

var (
	// ErrUnknownKind is returned by Build for an unrecognized trigger kind.
	ErrUnknownKind = errors.New("unknown trigger kind")
	// ErrInvalidSpec is returned by Build for a spec missing required fields.
	ErrInvalidSpec = errors.New("invalid trigger spec")
	// ErrUnsupported is returned for a trigger kind this platform lacks.
	ErrUnsupported = errors.New("trigger unsupported on this platform")
)

// ///////////////////////////////////////////////
// Types
// ///////////////////////////////////////////////

// Raiser delivers an interrupt on a line and returns how many handlers ran.
type Raiser interface {
	Raise(line int) int
}

// Source raises interrupts until its context ends.
type Source interface {
	Name() string
	// Run blocks until ctx is done. It returns nil on cancellation.
	Run(ctx context.Context, r Raiser) error
}

// Kind selects a trigger implementation.
type Kind string

const (
	KindSignal Kind = "signal"
	KindFile   Kind = "file"
	KindTimer  Kind = "timer"
)

// Defaults applied by Build.
const (
	DefaultSignal       = "SIGUSR1"
	DefaultPattern      = "*"
	DefaultPollInterval = 2 * time.Second
)

// Spec describes one trigger.
type Spec struct {
	Kind Kind
	Line int
	// Signal names the signal for KindSignal, e.g. "SIGUSR1" or "usr1".
	Signal string
	// Path is the directory watched by KindFile.
	Path string
	// Pattern filters KindFile changes by path relative to Path.
	Pattern string
	// Interval is the KindTimer period, or the KindFile polling interval.
	Interval time.Duration
}

// Build returns the source described by spec.
func Build(spec Spec, log *slog.Logger) (Source, error) {
	if log == nil {
		log = logger.Discard()
	}
	if spec.Line < 0 {
		return nil, fmt.Errorf("%w: negative line %d", ErrInvalidSpec, spec.Line)
	}

	switch Kind(strings.ToLower(string(spec.Kind))) {
	case KindSignal:
		name := spec.Signal
		if name == "" {
			name = DefaultSignal
		}
		sig, err := NewSignal(name, spec.Line, log)
		if err != nil {
			return nil, err
		}
		return sig, nil
	case KindFile:
		if spec.Path == "" {
			return nil, fmt.Errorf("%w: file trigger needs a path", ErrInvalidSpec)
		}
		return NewFile(spec.Path, spec.Pattern, spec.Line, spec.Interval, log), nil
	case KindTimer:
		if spec.Interval <= 0 {
			return nil, fmt.Errorf("%w: timer trigger needs a positive interval", ErrInvalidSpec)
		}
		return NewTimer(spec.Interval, spec.Line, log), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, spec.Kind)
	}
}

// ///////////////////////////////////////////////
// Shared State
// ///////////////////////////////////////////////

// base carries what every source has in common.
type base struct {
	name  string
	line  int
	log   *slog.Logger
	fired atomic.Uint64
}

func (b *base) init(name string, line int, log *slog.Logger) {
	b.name = name
	b.line = line
	b.log = log.With("trigger", name, "line", line)
}

// Name returns the source name.
func (b *base) Name() string { return b.name }

// Line returns the line the source raises.
func (b *base) Line() int { return b.line }

// Fired returns how many interrupts the source has raised.
func (b *base) Fired() uint64 { return b.fired.Load() }

func (b *base) fire(r Raiser) {
	n := r.Raise(b.line)
	b.fired.Add(1)
	logger.Trace(b.log, "trigger fired", "handlers", n)
}
