// Package poller multiplexes readiness across several sources, the way an
// event loop waits on many descriptors at once.
//
// A source is anything with a non-blocking [Pollable.Poll] and a
// [Pollable.Notify] channel that fires when readiness may have changed.
// [device.Handle] and a subscribed devclient connection both qualify. Wait
// takes every notify channel before polling, so an event that lands between
// the poll and the sleep still wakes it.
package poller

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"tools.zach/dev/neildev/internal/readiness"
	"tools.zach/dev/neildev/internal/waitq"
)

// ///////////////////////////////////////////////
// Sentinel Errors
// ///////////////////////////////////////////////

var (
	// ErrClosed is returned by operations on a closed poller.
	ErrClosed = errors.New("poller closed")
	// ErrDuplicate is returned when adding a name already registered.
	ErrDuplicate = errors.New("source already registered")
	// ErrNotFound is returned when removing an unknown name.
	ErrNotFound = errors.New("source not registered")
)

// ///////////////////////////////////////////////
// Types
// ///////////////////////////////////////////////

// Pollable is a readiness source.
type Pollable interface {
	// Poll reports readiness without blocking. A nonzero mask means the
	// caller consumed an event.
	Poll() (readiness.Mask, error)
	// Notify returns a channel that fires when readiness may have changed.
	Notify() <-chan struct{}
}

// Event is one source's result from Wait.
type Event struct {
	Name string
	Mask readiness.Mask
	Err  error
}

// Poller waits on a set of named sources.
type Poller struct {
	mu      sync.Mutex
	sources map[string]Pollable
	// changes is notified on registration changes and closed by Close.
	changes *waitq.Coordinator
}

// New returns an empty poller.
func New() *Poller {
	return &Poller{
		sources: make(map[string]Pollable),
		changes: waitq.New(),
	}
}

// Add registers src under name. A Wait in progress picks it up.
func (p *Poller) Add(name string, src Pollable) error {
	if p.changes.Closed() {
		return ErrClosed
	}
	p.mu.Lock()
	if _, ok := p.sources[name]; ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	p.sources[name] = src
	p.mu.Unlock()
	p.changes.NotifyAll()
	return nil
}

// Remove unregisters name.
func (p *Poller) Remove(name string) error {
	p.mu.Lock()
	if _, ok := p.sources[name]; !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(p.sources, name)
	p.mu.Unlock()
	p.changes.NotifyAll()
	return nil
}

// Len returns the number of registered sources.
func (p *Poller) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sources)
}

// Close wakes every Wait with [ErrClosed]. Sources are not closed.
func (p *Poller) Close() {
	p.changes.Close()
}

type entry struct {
	name string
	src  Pollable
}

func (p *Poller) snapshot() []entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]entry, 0, len(p.sources))
	for name, src := range p.sources {
		out = append(out, entry{name, src})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// ///////////////////////////////////////////////
// Waiting
// ///////////////////////////////////////////////

// Wait blocks until at least one source is ready or fails, ctx ends, or the
// poller is closed. Events are ordered by source name.
func (p *Poller) Wait(ctx context.Context) ([]Event, error) {
	for {
		changed := p.changes.Watch()
		if p.changes.Closed() {
			return nil, ErrClosed
		}

		entries := p.snapshot()
		cases := make([]reflect.SelectCase, 0, len(entries)+2)
		for _, e := range entries {
			cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(e.src.Notify())})
		}

		var events []Event
		for _, e := range entries {
			mask, err := e.src.Poll()
			if mask != 0 || err != nil {
				events = append(events, Event{Name: e.name, Mask: mask, Err: err})
			}
		}
		if len(events) > 0 {
			return events, nil
		}

		cases = append(cases,
			reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(changed)},
			reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())},
		)
		chosen, _, _ := reflect.Select(cases)
		if chosen == len(cases)-1 {
			return nil, ctx.Err()
		}
	}
}

// WaitTimeout is [Poller.Wait] bounded by timeout. It returns no events and
// a nil error when the timeout elapses.
func (p *Poller) WaitTimeout(timeout time.Duration) ([]Event, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	events, err := p.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, nil
	}
	return events, err
}
