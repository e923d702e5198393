// Package readiness holds the single level-triggered event flag shared by the
// interrupt producer and every consumer of the neil-dev channel.
//
// The flag is set by the producer and cleared only by the readiness query that
// observed it. Two interrupts that land before any query coalesce into one
// observed event; there is no counter.
package readiness

import (
	"strings"
	"sync/atomic"
)

// ///////////////////////////////////////////////
// Poll Mask
// ///////////////////////////////////////////////

// Mask is a set of poll readiness bits. The values match the Linux poll(2)
// constants so consumers ported from C can compare them directly.
type Mask uint32

const (
	// PollIn reports that a read will not block.
	PollIn Mask = 0x001
	// PollOut reports that a write will not block.
	PollOut Mask = 0x004
	// PollWrNorm reports that normal data may be written.
	PollWrNorm Mask = 0x100

	// ReadyMask is returned by a readiness query that consumed the event.
	// The single flag covers both directions.
	ReadyMask = PollIn | PollOut | PollWrNorm
)

// Has reports whether every bit in want is set in m.
func (m Mask) Has(want Mask) bool {
	return m&want == want && want != 0
}

// Any reports whether m shares at least one bit with want.
func (m Mask) Any(want Mask) bool {
	return m&want != 0
}

// String renders the set bits as "IN|OUT|WRNORM", or "0" when empty.
func (m Mask) String() string {
	if m == 0 {
		return "0"
	}
	var parts []string
	if m&PollIn != 0 {
		parts = append(parts, "IN")
	}
	if m&PollOut != 0 {
		parts = append(parts, "OUT")
	}
	if m&PollWrNorm != 0 {
		parts = append(parts, "WRNORM")
	}
	if len(parts) == 0 {
		return "0"
	}
	return strings.Join(parts, "|")
}

// ///////////////////////////////////////////////
// Flag
// ///////////////////////////////////////////////

// Flag is the readiness bit. The zero value is ready to use and starts unset.
// All methods are lock-free and safe for concurrent use, so the producer can
// call [Flag.Set] from any context.
type Flag struct {
	set atomic.Bool
}

// Set marks the flag. Setting an already set flag is a no-op.
func (f *Flag) Set() {
	f.set.Store(true)
}

// TestAndClear atomically clears the flag and reports whether it was set.
// Among concurrent callers exactly one observes true per Set.
func (f *Flag) TestAndClear() bool {
	return f.set.CompareAndSwap(true, false)
}

// Peek reports the flag without consuming it. It is intended for re-arming
// wakeup subscriptions and diagnostics; readiness reported to a consumer must
// go through [Flag.TestAndClear].
func (f *Flag) Peek() bool {
	return f.set.Load()
}
