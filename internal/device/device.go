// Package device implements the neil-dev channel: a single shared readiness
// source that consumers open, read, write, poll and wait on, and the
// lifecycle that publishes it and binds its interrupt producer.
//
// A [Channel] owns the readiness flag and the wait coordinator. Each
// [Channel.Open] returns a [Handle]; handles carry only an identity, so every
// open of the channel observes the same event state. [Load] and
// [Module.Unload] bring the channel up and down in a fixed order.
package device

import (
	"errors"
	"log/slog"
	"sync/atomic"

	"tools.zach/dev/neildev/internal/readiness"
	"tools.zach/dev/neildev/internal/waitq"
)

// ///////////////////////////////////////////////
// Constants
// ///////////////////////////////////////////////

const (
	// DefaultName is the published channel name.
	DefaultName = "neil-dev"
	// DefaultClass is the device class name.
	DefaultClass = "neil-class"
	// DefaultIRQLine is the interrupt line bound at load (the AGX Orin
	// power button).
	DefaultIRQLine = 305
	// DefaultWriteCapacity is the number of bytes a single write retains.
	DefaultWriteCapacity = 64
	// DefaultReadPayload is returned by every read.
	DefaultReadPayload = "Data from the kernel space"
)

// Ioctl commands. Every command succeeds and none changes channel state.
const (
	// IoctlNop does nothing. Unknown commands behave the same way.
	IoctlNop uint32 = 0
	// IoctlWaiters reports the number of goroutines blocked in Wait.
	IoctlWaiters uint32 = 1
	// IoctlHandles reports the number of open handles.
	IoctlHandles uint32 = 2
	// IoctlPending reports 1 when an event is pending, without consuming it.
	IoctlPending uint32 = 3
)

// ///////////////////////////////////////////////
// Sentinel Errors
// ///////////////////////////////////////////////

var (
	// ErrClosed is returned by operations on a closed handle or a released
	// channel.
	ErrClosed = errors.New("device closed")
	// ErrReleased is returned by Open after the channel is released and by
	// a second Unload.
	ErrReleased = errors.New("device released")
	// ErrAlreadyLoaded is returned by Load while another module is loaded.
	ErrAlreadyLoaded = errors.New("device already loaded")
	// ErrResourceExhausted wraps any failure while bringing the module up.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrTransferFault reports a data transfer that could not be completed
	// between caller memory and the channel.
	ErrTransferFault = errors.New("transfer fault")
	// ErrInvalidOptions is returned by Load for unusable options.
	ErrInvalidOptions = errors.New("invalid device options")
)

// ///////////////////////////////////////////////
// Options
// ///////////////////////////////////////////////

// Options configures a channel and its module.
type Options struct {
	// Name is the published channel name.
	Name string
	// Class is the device class name, used in logs.
	Class string
	// IRQLine is the interrupt line requested at load.
	IRQLine int
	// Shared requests the line as shared with other handlers.
	Shared bool
	// ReadPayload is the data every read returns.
	ReadPayload string
	// WriteCapacity bounds the bytes retained by a single write.
	WriteCapacity int
	// Logger receives channel logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultOptions returns the stock neil-dev configuration.
func DefaultOptions() Options {
	return Options{
		Name:          DefaultName,
		Class:         DefaultClass,
		IRQLine:       DefaultIRQLine,
		Shared:        true,
		ReadPayload:   DefaultReadPayload,
		WriteCapacity: DefaultWriteCapacity,
	}
}

// withDefaults fills zero fields from DefaultOptions.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Name == "" {
		o.Name = d.Name
	}
	if o.Class == "" {
		o.Class = d.Class
	}
	if o.ReadPayload == "" {
		o.ReadPayload = d.ReadPayload
	}
	if o.WriteCapacity <= 0 {
		o.WriteCapacity = d.WriteCapacity
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// ///////////////////////////////////////////////
// Stats
// ///////////////////////////////////////////////

// Stats is a point-in-time snapshot of channel activity.
type Stats struct {
	// Interrupts is the number of interrupts the producer handled.
	Interrupts uint64
	// Observed is the number of readiness queries that consumed an event.
	Observed uint64
	// Opens is the total number of successful opens.
	Opens uint64
	// Reads is the number of read calls.
	Reads uint64
	// Writes is the number of write calls.
	Writes uint64
	// BytesRead is the total bytes returned by reads.
	BytesRead uint64
	// BytesWritten is the total bytes accepted by writes.
	BytesWritten uint64
	// Handles is the number of currently open handles.
	Handles int
	// Waiters is the number of goroutines currently blocked in Wait.
	Waiters int
}

// counters are the live atomic counterparts of Stats.
type counters struct {
	observed     atomic.Uint64
	opens        atomic.Uint64
	reads        atomic.Uint64
	writes       atomic.Uint64
	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
	handles      atomic.Int64
}

// ///////////////////////////////////////////////
// Channel
// ///////////////////////////////////////////////

// Channel is the shared readiness source. Create one with [NewChannel];
// [Load] does so as part of bringing the module up.
type Channel struct {
	name     string
	class    string
	payload  []byte
	capacity int

	flag  readiness.Flag
	coord *waitq.Coordinator

	log      *slog.Logger
	released atomic.Bool
	stats    counters
}

// NewChannel allocates a channel from opts. Zero fields take defaults.
func NewChannel(opts Options) *Channel {
	opts = opts.withDefaults()
	return &Channel{
		name:     opts.Name,
		class:    opts.Class,
		payload:  []byte(opts.ReadPayload),
		capacity: opts.WriteCapacity,
		coord:    waitq.New(),
		log:      opts.Logger.With("dev", opts.Name),
	}
}

// Name returns the published channel name.
func (c *Channel) Name() string { return c.name }

// Class returns the device class name.
func (c *Channel) Class() string { return c.class }

// Capacity returns the per-write retention limit.
func (c *Channel) Capacity() int { return c.capacity }

// PayloadLen returns the length of the read payload.
func (c *Channel) PayloadLen() int { return len(c.payload) }

// Flag returns the channel's readiness flag for the producer.
func (c *Channel) Flag() *readiness.Flag { return &c.flag }

// Coordinator returns the channel's wait coordinator for the producer.
func (c *Channel) Coordinator() *waitq.Coordinator { return c.coord }

// Released reports whether [Channel.Release] has run.
func (c *Channel) Released() bool { return c.released.Load() }

// Handles returns the number of open handles.
func (c *Channel) Handles() int { return int(c.stats.handles.Load()) }

// Waiters returns the number of goroutines blocked in Wait.
func (c *Channel) Waiters() int { return c.coord.Waiters() }

// Stats returns a snapshot of channel activity. Interrupts is left zero;
// [Module.Stats] fills it from the producer.
func (c *Channel) Stats() Stats {
	return Stats{
		Observed:     c.stats.observed.Load(),
		Opens:        c.stats.opens.Load(),
		Reads:        c.stats.reads.Load(),
		Writes:       c.stats.writes.Load(),
		BytesRead:    c.stats.bytesRead.Load(),
		BytesWritten: c.stats.bytesWritten.Load(),
		Handles:      c.Handles(),
		Waiters:      c.Waiters(),
	}
}

// Open returns a new handle on the channel.
func (c *Channel) Open() (*Handle, error) {
	if c.released.Load() {
		return nil, ErrReleased
	}
	h := newHandle(c)
	c.stats.opens.Add(1)
	c.stats.handles.Add(1)
	h.log.Info("device open")
	return h, nil
}

// Release shuts the channel down. Blocked waiters return Cancelled and
// later operations on any handle fail with [ErrClosed]. Release is
// idempotent.
func (c *Channel) Release() {
	if !c.released.CompareAndSwap(false, true) {
		return
	}
	c.coord.Close()
	c.log.Info("device released", "handles", c.Handles())
}

// consume is the readiness test used by Poll and Wait.
func (c *Channel) consume() bool {
	if c.flag.TestAndClear() {
		c.stats.observed.Add(1)
		return true
	}
	return false
}
