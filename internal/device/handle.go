package device

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tools.zach/dev/neildev/internal/logger"
	"tools.zach/dev/neildev/internal/readiness"
	"tools.zach/dev/neildev/internal/waitq"
)

// Handle is one open of the channel. It carries an identity for logging and
// nothing else; readiness is channel-wide. Methods are safe for concurrent
// use.
type Handle struct {
	ch     *Channel
	id     uuid.UUID
	log    *slog.Logger
	closed atomic.Bool
}

func newHandle(ch *Channel) *Handle {
	id := uuid.Must(uuid.NewV7())
	return &Handle{
		ch:  ch,
		id:  id,
		log: ch.log.With("handle", id.String()),
	}
}

// ID returns the handle identity.
func (h *Handle) ID() uuid.UUID { return h.id }

// Channel returns the channel this handle was opened on.
func (h *Handle) Channel() *Channel { return h.ch }

// usable reports whether operations may proceed.
func (h *Handle) usable() bool {
	return !h.closed.Load() && !h.ch.released.Load()
}

// Read copies a prefix of the channel payload into p and returns its length.
// It never blocks and never touches readiness.
func (h *Handle) Read(p []byte) (int, error) {
	if !h.usable() {
		return 0, ErrClosed
	}
	n := copy(p, h.ch.payload)
	if n < len(h.ch.payload) {
		h.log.Warn("read truncated", "requested", len(p), "available", len(h.ch.payload))
	}
	h.ch.stats.reads.Add(1)
	h.ch.stats.bytesRead.Add(uint64(n))
	logger.Trace(h.log, "data read", "bytes", n)
	return n, nil
}

// Write accepts up to the channel capacity from p into a private buffer and
// returns the accepted length. The buffer is logged and discarded; p is never
// retained.
func (h *Handle) Write(p []byte) (int, error) {
	if !h.usable() {
		return 0, ErrClosed
	}
	n := min(len(p), h.ch.capacity)
	if n < len(p) {
		h.log.Warn("write truncated", "requested", len(p), "capacity", h.ch.capacity)
	}

	buf := make([]byte, h.ch.capacity+1)
	copy(buf, p[:n])
	buf[n] = 0

	h.ch.stats.writes.Add(1)
	h.ch.stats.bytesWritten.Add(uint64(n))
	h.log.Info("data written", "bytes", n, "data", string(buf[:n]))
	return n, nil
}

// Poll is the non-blocking readiness query. It returns [readiness.ReadyMask]
// exactly when this call consumed the pending event, and 0 otherwise.
func (h *Handle) Poll() (readiness.Mask, error) {
	if !h.usable() {
		return 0, ErrClosed
	}
	if h.ch.consume() {
		logger.Trace(h.log, "poll ready")
		return readiness.ReadyMask, nil
	}
	return 0, nil
}

// Notify returns a channel closed on the next interrupt or on release.
// Multiplexers must take it before calling [Handle.Poll].
func (h *Handle) Notify() <-chan struct{} {
	return h.ch.coord.Watch()
}

// Wait blocks until this call consumes an event, ctx ends, or the channel is
// released. A closed handle returns [waitq.Cancelled] immediately.
func (h *Handle) Wait(ctx context.Context) waitq.Outcome {
	if !h.usable() {
		return waitq.Cancelled
	}
	out := h.ch.coord.Wait(ctx, h.ch.consume)
	logger.Trace(h.log, "wait returned", "outcome", out.String())
	return out
}

// WaitTimeout is [Handle.Wait] bounded by timeout. A non-positive timeout
// checks once without blocking.
func (h *Handle) WaitTimeout(timeout time.Duration) waitq.Outcome {
	if !h.usable() {
		return waitq.Cancelled
	}
	out := h.ch.coord.WaitTimeout(timeout, h.ch.consume)
	logger.Trace(h.log, "wait returned", "outcome", out.String())
	return out
}

// Ioctl answers a control command. It always succeeds on an open handle and
// never changes state; unknown commands return 0.
func (h *Handle) Ioctl(cmd, arg uint32) (int64, error) {
	if !h.usable() {
		return 0, ErrClosed
	}
	var v int64
	switch cmd {
	case IoctlWaiters:
		v = int64(h.ch.Waiters())
	case IoctlHandles:
		v = int64(h.ch.Handles())
	case IoctlPending:
		if h.ch.flag.Peek() {
			v = 1
		}
	}
	h.log.Debug("ioctl", "cmd", cmd, "arg", arg, "result", v)
	return v, nil
}

// Close releases the handle. It does not affect readiness or other handles.
// Closing twice is a no-op.
func (h *Handle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.ch.stats.handles.Add(-1)
	h.log.Info("device close")
	return nil
}
