// Package irq is the interrupt dispatch layer: handlers register against
// numbered lines on a [Dispatcher], and trigger sources call
// [Dispatcher.Raise] to deliver an interrupt to every handler on that line.
//
// The dispatch path is lock-free. Registrations publish a new immutable
// handler table through an atomic pointer, so Raise never contends with
// Request or Free.
package irq

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"tools.zach/dev/neildev/internal/logger"
)

// ///////////////////////////////////////////////
// Sentinel Errors
// ///////////////////////////////////////////////

var (
	// ErrBusy is returned when a line is already claimed by a non-shared
	// handler, or a non-shared request targets a line with handlers.
	ErrBusy = errors.New("irq line busy")
	// ErrInvalidLine is returned for negative line numbers.
	ErrInvalidLine = errors.New("invalid irq line")
	// ErrNotRequested is returned by Free for an unknown registration.
	ErrNotRequested = errors.New("irq not requested")
	// ErrProducerFault wraps a panic raised by a handler during dispatch.
	ErrProducerFault = errors.New("interrupt handler fault")
	// ErrNilHandler is returned by Request when no handler is supplied.
	ErrNilHandler = errors.New("nil irq handler")
)

// ///////////////////////////////////////////////
// Handler
// ///////////////////////////////////////////////

// Handler receives interrupts for a line. HandleIRQ runs on the raising
// goroutine and must not block.
type Handler interface {
	HandleIRQ(line int)
}

// HandlerFunc adapts a function to [Handler].
type HandlerFunc func(line int)

// HandleIRQ calls f(line).
func (f HandlerFunc) HandleIRQ(line int) { f(line) }

// Flags modify a registration.
type Flags uint32

const (
	// FlagShared allows other shared handlers on the same line.
	FlagShared Flags = 1 << iota
)

// registration is one handler bound to a line.
type registration struct {
	name    string
	flags   Flags
	handler Handler
}

// table maps a line number to its handlers. Published tables are never
// mutated.
type table map[int][]registration

// ///////////////////////////////////////////////
// Dispatcher
// ///////////////////////////////////////////////

// Config configures a [Dispatcher].
type Config struct {
	// Logger receives dispatch diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
	// LogRate caps "interrupt occurred" log lines per second. Defaults to 10.
	LogRate rate.Limit
	// LogBurst is the burst allowance for LogRate. Defaults to 20.
	LogBurst int
	// OnFault is called with an error wrapping [ErrProducerFault] when a
	// handler panics. The default re-panics, terminating the process.
	OnFault func(error)
}

// Dispatcher routes raised interrupts to registered handlers.
type Dispatcher struct {
	// mu serializes Request and Free. Raise never takes it.
	mu sync.Mutex
	// handlers is the current immutable handler table.
	handlers atomic.Pointer[table]
	// log is the scoped dispatcher logger.
	log *slog.Logger
	// limiter throttles per-interrupt log lines.
	limiter *rate.Limiter
	// onFault receives handler panics.
	onFault func(error)

	// raised counts Raise calls.
	raised atomic.Uint64
	// spurious counts Raise calls that found no handler.
	spurious atomic.Uint64
	// faults counts handler panics.
	faults atomic.Uint64
}

// NewDispatcher creates a Dispatcher with no registered lines.
func NewDispatcher(cfg Config) *Dispatcher {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	r := cfg.LogRate
	if r == 0 {
		r = 10
	}
	burst := cfg.LogBurst
	if burst <= 0 {
		burst = 20
	}
	onFault := cfg.OnFault
	if onFault == nil {
		onFault = func(err error) { panic(err) }
	}
	d := &Dispatcher{
		log:     log.With("component", "irq"),
		limiter: rate.NewLimiter(r, burst),
		onFault: onFault,
	}
	d.handlers.Store(&table{})
	return d
}

// Request registers h on line under name. A second registration on the same
// line requires every registration, including this one, to carry
// [FlagShared]; otherwise [ErrBusy] is returned.
func (d *Dispatcher) Request(line int, name string, flags Flags, h Handler) error {
	if line < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidLine, line)
	}
	if h == nil {
		return ErrNilHandler
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	cur := *d.handlers.Load()
	existing := cur[line]
	for _, r := range existing {
		if r.flags&FlagShared == 0 || flags&FlagShared == 0 {
			return fmt.Errorf("%w: line %d held by %q", ErrBusy, line, r.name)
		}
		if r.name == name {
			return fmt.Errorf("%w: line %d already requested by %q", ErrBusy, line, name)
		}
	}

	next := make(table, len(cur)+1)
	for l, regs := range cur {
		next[l] = regs
	}
	next[line] = append(slices.Clone(existing), registration{name: name, flags: flags, handler: h})
	d.handlers.Store(&next)

	d.log.Debug("irq requested", "irq", line, "name", name, "shared", flags&FlagShared != 0)
	return nil
}

// Free removes the registration made by name on line.
func (d *Dispatcher) Free(line int, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	cur := *d.handlers.Load()
	existing := cur[line]
	idx := slices.IndexFunc(existing, func(r registration) bool { return r.name == name })
	if idx < 0 {
		return fmt.Errorf("%w: line %d name %q", ErrNotRequested, line, name)
	}

	next := make(table, len(cur))
	for l, regs := range cur {
		next[l] = regs
	}
	remaining := slices.Delete(slices.Clone(existing), idx, idx+1)
	if len(remaining) == 0 {
		delete(next, line)
	} else {
		next[line] = remaining
	}
	d.handlers.Store(&next)

	d.log.Debug("irq freed", "irq", line, "name", name)
	return nil
}

// Raise delivers an interrupt on line to every registered handler and
// returns how many ran to completion. A handler panic is reported through
// the fault hook and is never swallowed.
func (d *Dispatcher) Raise(line int) int {
	d.raised.Add(1)
	regs := (*d.handlers.Load())[line]
	if len(regs) == 0 {
		d.spurious.Add(1)
		logger.Trace(d.log, "spurious interrupt", "irq", line)
		return 0
	}

	n := 0
	for _, r := range regs {
		if d.invoke(line, r) {
			n++
		}
	}

	if d.limiter.Allow() {
		d.log.Info("interrupt occurred", "irq", line, "handlers", n)
	}
	return n
}

// invoke runs one handler, converting a panic into a producer fault.
func (d *Dispatcher) invoke(line int, r registration) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			d.faults.Add(1)
			err := fmt.Errorf("%w: irq %d handler %q: %v", ErrProducerFault, line, r.name, p)
			logger.Fail(d.log, "interrupt handler panicked", "irq", line, "name", r.name, "panic", fmt.Sprint(p))
			ok = false
			d.onFault(err)
		}
	}()
	r.handler.HandleIRQ(line)
	return true
}

// Lines returns the line numbers that currently have handlers, sorted.
func (d *Dispatcher) Lines() []int {
	cur := *d.handlers.Load()
	lines := make([]int, 0, len(cur))
	for l := range cur {
		lines = append(lines, l)
	}
	slices.Sort(lines)
	return lines
}

// Handlers returns the registration names on line.
func (d *Dispatcher) Handlers(line int) []string {
	regs := (*d.handlers.Load())[line]
	names := make([]string, len(regs))
	for i, r := range regs {
		names[i] = r.name
	}
	return names
}

// Raised returns the total number of Raise calls.
func (d *Dispatcher) Raised() uint64 { return d.raised.Load() }

// Spurious returns the number of Raise calls that found no handler.
func (d *Dispatcher) Spurious() uint64 { return d.spurious.Load() }

// Faults returns the number of handler panics.
func (d *Dispatcher) Faults() uint64 { return d.faults.Load() }
