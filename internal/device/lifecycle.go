package device

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"tools.zach/dev/neildev/internal/irq"
)

// ///////////////////////////////////////////////
// Collaborators
// ///////////////////////////////////////////////

// IRQRequester is the interrupt dispatch mechanism the module binds its
// producer to. [irq.Dispatcher] implements it.
type IRQRequester interface {
	Request(line int, name string, flags irq.Flags, h irq.Handler) error
	Free(line int, name string) error
}

// Node publishes the channel under its name so consumers can reach it.
type Node interface {
	Publish(ch *Channel) error
	Unpublish() error
}

// ///////////////////////////////////////////////
// Module
// ///////////////////////////////////////////////

// loaded guards against more than one module per process.
var loaded atomic.Bool

// Module is a loaded channel together with its producer binding and
// namespace node.
type Module struct {
	opts     Options
	ch       *Channel
	producer *irq.Producer
	irqs     IRQRequester
	node     Node
	log      *slog.Logger
	unloaded atomic.Bool
}

// Load brings the channel up: allocate, publish through node, then request
// the interrupt line. If a step fails every earlier step is undone in
// reverse order and the returned error wraps [ErrResourceExhausted]. node
// may be nil for an in-process channel.
func Load(opts Options, irqs IRQRequester, node Node) (*Module, error) {
	if irqs == nil {
		return nil, fmt.Errorf("%w: nil irq requester", ErrInvalidOptions)
	}
	if opts.IRQLine < 0 {
		return nil, fmt.Errorf("%w: irq line %d", ErrInvalidOptions, opts.IRQLine)
	}
	if opts.WriteCapacity < 0 {
		return nil, fmt.Errorf("%w: write capacity %d", ErrInvalidOptions, opts.WriteCapacity)
	}
	if !loaded.CompareAndSwap(false, true) {
		return nil, ErrAlreadyLoaded
	}

	opts = opts.withDefaults()
	log := opts.Logger.With("dev", opts.Name, "class", opts.Class)

	ch := NewChannel(opts)
	m := &Module{
		opts:     opts,
		ch:       ch,
		producer: irq.NewProducer(ch.Flag(), ch.Coordinator()),
		irqs:     irqs,
		node:     node,
		log:      log,
	}

	if node != nil {
		if err := node.Publish(ch); err != nil {
			ch.Release()
			loaded.Store(false)
			log.Error("cannot publish device", "error", err)
			return nil, fmt.Errorf("%w: publish %s: %w", ErrResourceExhausted, opts.Name, err)
		}
	}

	var flags irq.Flags
	if opts.Shared {
		flags |= irq.FlagShared
	}
	if err := irqs.Request(opts.IRQLine, opts.Name, flags, m.producer); err != nil {
		if node != nil {
			if uerr := node.Unpublish(); uerr != nil {
				log.Warn("unpublish during unwind failed", "error", uerr)
			}
		}
		ch.Release()
		loaded.Store(false)
		log.Error("cannot register irq", "irq", opts.IRQLine, "error", err)
		return nil, fmt.Errorf("%w: request irq %d: %w", ErrResourceExhausted, opts.IRQLine, err)
	}

	log.Info("device driver inserted", "irq", opts.IRQLine, "shared", opts.Shared)
	return m, nil
}

// Unload frees the interrupt line, unpublishes the node, and releases the
// channel, in that order. Waiters blocked on the channel return Cancelled.
// A second Unload returns [ErrReleased].
func (m *Module) Unload() error {
	if !m.unloaded.CompareAndSwap(false, true) {
		return ErrReleased
	}

	var errs []error
	if err := m.irqs.Free(m.opts.IRQLine, m.opts.Name); err != nil {
		errs = append(errs, fmt.Errorf("free irq %d: %w", m.opts.IRQLine, err))
	}
	if m.node != nil {
		if err := m.node.Unpublish(); err != nil {
			errs = append(errs, fmt.Errorf("unpublish: %w", err))
		}
	}
	m.ch.Release()
	loaded.Store(false)

	m.log.Info("device driver removed")
	return errors.Join(errs...)
}

// Channel returns the module's channel.
func (m *Module) Channel() *Channel { return m.ch }

// Producer returns the interrupt handler bound to the line.
func (m *Module) Producer() *irq.Producer { return m.producer }

// Options returns the effective options after defaults.
func (m *Module) Options() Options { return m.opts }

// Stats returns a channel snapshot with the producer's interrupt count.
func (m *Module) Stats() Stats {
	s := m.ch.Stats()
	s.Interrupts = m.producer.Fired()
	return s
}
