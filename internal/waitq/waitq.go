// Package waitq provides the wait coordinator for the neil-dev channel: a
// broadcast wakeup primitive that lets any number of consumers sleep until the
// interrupt producer signals, without busy-waiting and without missed wakeups.
//
// Each notification generation is a channel. [Coordinator.NotifyAll] closes
// the current one; consumers obtain the next with [Coordinator.Watch]. The
// channel is only allocated on the consumer side, so the producer never
// allocates.
package waitq

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ///////////////////////////////////////////////
// Outcome
// ///////////////////////////////////////////////

// Outcome is the result of a blocking wait.
type Outcome int

const (
	// Ready means the readiness condition held and was consumed by this waiter.
	Ready Outcome = iota
	// TimedOut means the deadline passed before the condition held.
	TimedOut
	// Cancelled means the wait was interrupted by its context or by the
	// coordinator shutting down.
	Cancelled
)

// String returns the lowercase outcome name.
func (o Outcome) String() string {
	switch o {
	case Ready:
		return "ready"
	case TimedOut:
		return "timed_out"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ParseOutcome converts a name produced by [Outcome.String] back into an
// Outcome. Unknown names map to Cancelled.
func ParseOutcome(s string) Outcome {
	switch s {
	case "ready":
		return Ready
	case "timed_out":
		return TimedOut
	default:
		return Cancelled
	}
}

// ///////////////////////////////////////////////
// Coordinator
// ///////////////////////////////////////////////

// Coordinator wakes all current waiters on each notification.
type Coordinator struct {
	// mu guards ch and closed. It is held only for constant-time bookkeeping
	// and never across a blocking operation.
	mu sync.Mutex
	// ch is the current generation, closed by the next NotifyAll. Nil until
	// a consumer calls Watch.
	ch chan struct{}
	// closed is set once by Close.
	closed bool
	// done is closed by Close and returned by Watch afterwards.
	done chan struct{}
	// waiters counts goroutines currently inside Wait.
	waiters atomic.Int64
}

// New creates an open Coordinator.
func New() *Coordinator {
	return &Coordinator{done: make(chan struct{})}
}

// NotifyAll wakes every consumer holding the current generation. It never
// allocates or blocks and is safe to call from the producer context.
func (c *Coordinator) NotifyAll() {
	c.mu.Lock()
	if c.ch != nil {
		close(c.ch)
		c.ch = nil
	}
	c.mu.Unlock()
}

// Watch returns a channel that is closed by the next [Coordinator.NotifyAll]
// or by [Coordinator.Close]. Callers must obtain the channel before checking
// their condition, then block on it; a notification between the check and the
// block is then observed rather than lost.
func (c *Coordinator) Watch() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return c.done
	}
	if c.ch == nil {
		c.ch = make(chan struct{})
	}
	return c.ch
}

// Done returns a channel closed when the coordinator shuts down.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Closed reports whether [Coordinator.Close] has been called.
func (c *Coordinator) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close wakes every waiter with [Cancelled] and makes subsequent waits return
// Cancelled immediately. Calling Close more than once is a no-op.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
	if c.ch != nil {
		close(c.ch)
		c.ch = nil
	}
}

// Waiters returns the number of goroutines currently blocked in Wait.
func (c *Coordinator) Waiters() int {
	return int(c.waiters.Load())
}

// Wait blocks until ready reports true, ctx is done, or the coordinator is
// closed. ready typically consumes the event (a test-and-clear), so it is
// only evaluated after registering for the next generation and never once
// ctx is done, including a ctx that is already done on entry.
//
// A ctx that ends with [context.DeadlineExceeded] yields [TimedOut]; any
// other cancellation yields [Cancelled].
func (c *Coordinator) Wait(ctx context.Context, ready func() bool) Outcome {
	c.waiters.Add(1)
	defer c.waiters.Add(-1)

	for {
		wake := c.Watch()
		if c.Closed() {
			return Cancelled
		}
		if ctx.Err() != nil {
			return outcomeOf(ctx)
		}
		if ready() {
			return Ready
		}
		select {
		case <-wake:
		case <-ctx.Done():
			return outcomeOf(ctx)
		}
	}
}

// WaitTimeout is [Coordinator.Wait] bounded by timeout. A non-positive
// timeout checks the condition once without blocking.
func (c *Coordinator) WaitTimeout(timeout time.Duration, ready func() bool) Outcome {
	if timeout <= 0 {
		if c.Closed() {
			return Cancelled
		}
		if ready() {
			return Ready
		}
		return TimedOut
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Wait(ctx, ready)
}

func outcomeOf(ctx context.Context) Outcome {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return TimedOut
	}
	return Cancelled
}
