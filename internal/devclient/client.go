// Package devclient opens the neil-dev channel published by the daemon.
//
// A [Conn] is one open of the channel. Its operations mirror
// [device.Handle] and may be called concurrently; a blocked Wait does not
// hold up other calls. Platform-specific dialing is handled by dial_unix.go
// and dial_windows.go.
package devclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"tools.zach/dev/neildev/internal/device"
	"tools.zach/dev/neildev/internal/logger"
	"tools.zach/dev/neildev/internal/readiness"
	"tools.zach/dev/neildev/internal/waitq"
	"tools.zach/dev/neildev/internal/wire"
)

// ///////////////////////////////////////////////
// Sentinel Errors
// ///////////////////////////////////////////////

var (
	// ErrNotConnected is returned when the session has ended.
	ErrNotConnected = errors.New("not connected")
	// ErrEndpointNotAvailable is returned by Dial when nothing serves the
	// endpoint.
	ErrEndpointNotAvailable = errors.New("endpoint not available")
	// ErrRefused is returned by Dial when the daemon declines the session.
	ErrRefused = errors.New("session refused")
	// ErrInvalidRequest is returned for requests the daemon rejects.
	ErrInvalidRequest = errors.New("invalid request")
)

// ///////////////////////////////////////////////
// Conn
// ///////////////////////////////////////////////

// Config configures [Dial].
type Config struct {
	// Path is the endpoint to dial.
	Path string
	// Client names this consumer in daemon logs.
	Client string
	Logger *slog.Logger
}

// Conn is an open session on the channel.
type Conn struct {
	conn    net.Conn
	log     *slog.Logger
	welcome wire.Welcome

	// wmu serializes frame writes.
	wmu sync.Mutex

	// mu protects pending and err.
	mu      sync.Mutex
	pending map[uint64]chan wire.Response
	err     error

	nonce      atomic.Uint64
	subscribed atomic.Bool
	// wakes holds at most one undelivered wake; further wakes coalesce.
	wakes chan struct{}
	done  chan struct{}
}

const handshakeTimeout = 5 * time.Second

// Dial connects to the daemon and opens the channel.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	log := cfg.Logger
	if log == nil {
		log = logger.Discard()
	}

	nc, err := dial(ctx, cfg.Path)
	if err != nil {
		return nil, err
	}
	c := &Conn{
		conn:    nc,
		log:     log.With("component", "devclient"),
		pending: make(map[uint64]chan wire.Response),
		wakes:   make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if err := c.handshake(ctx, cfg.Client); err != nil {
		nc.Close()
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

func (c *Conn) handshake(ctx context.Context, client string) error {
	deadline := time.Now().Add(handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetDeadline(deadline)
	defer c.conn.SetDeadline(time.Time{})

	// A refused session may already be closed by the time hello is sent;
	// the close frame is still readable.
	werr := wire.WriteMessage(c.conn, wire.OpHello, wire.Hello{Version: wire.Version, Client: client})
	op, payload, err := wire.DecodeFrame(c.conn)
	if err != nil {
		if werr != nil {
			return fmt.Errorf("send hello: %w", werr)
		}
		return fmt.Errorf("read welcome: %w", err)
	}
	switch op {
	case wire.OpWelcome:
		if err := wire.Unmarshal(payload, &c.welcome); err != nil {
			return err
		}
	case wire.OpClose:
		var reason wire.Response
		_ = wire.Unmarshal(payload, &reason)
		return fmt.Errorf("%w: %s", ErrRefused, reason.Message)
	default:
		return fmt.Errorf("unexpected %s during handshake", op)
	}
	c.log.Debug("session opened", "device", c.welcome.Device, "handle", c.welcome.Handle)
	return nil
}

// Welcome returns the daemon's session acknowledgement.
func (c *Conn) Welcome() wire.Welcome { return c.welcome }

// Done is closed when the session ends.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns why the session ended, or nil while it is live.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close ends the session. It is safe to call more than once.
func (c *Conn) Close() error {
	c.wmu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = wire.WriteMessage(c.conn, wire.OpClose, nil)
	c.wmu.Unlock()

	err := c.conn.Close()
	<-c.done
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// ///////////////////////////////////////////////
// Channel Operations
// ///////////////////////////////////////////////

// Read returns up to n bytes of the channel payload.
func (c *Conn) Read(ctx context.Context, n int) ([]byte, error) {
	resp, err := c.call(ctx, wire.Request{Cmd: wire.CmdRead, Max: n})
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Write sends p to the channel and returns the number of bytes retained.
func (c *Conn) Write(ctx context.Context, p []byte) (int, error) {
	resp, err := c.call(ctx, wire.Request{Cmd: wire.CmdWrite, Data: p})
	if err != nil {
		return 0, err
	}
	return resp.N, nil
}

// Poll is the non-blocking readiness query.
func (c *Conn) Poll(ctx context.Context) (readiness.Mask, error) {
	resp, err := c.call(ctx, wire.Request{Cmd: wire.CmdPoll})
	if err != nil {
		return 0, err
	}
	return readiness.Mask(resp.Mask), nil
}

// Wait blocks in the daemon until an event is consumed or timeout elapses.
// A ctx deadline shortens timeout; zero or negative with no ctx deadline
// waits without bound.
//
// When ctx ends first the daemon-side wait is withdrawn and its final
// answer awaited, so the daemon's waiter count drops back and an event the
// wait consumed in the meantime is still reported as [waitq.Ready].
func (c *Conn) Wait(ctx context.Context, timeout time.Duration) (waitq.Outcome, error) {
	if d, ok := ctx.Deadline(); ok {
		if left := time.Until(d); timeout <= 0 || left < timeout {
			timeout = max(left, time.Millisecond)
		}
	}
	req := wire.Request{Cmd: wire.CmdWait, TimeoutMS: timeout.Milliseconds()}
	reply, err := c.send(&req)
	if err != nil {
		return waitq.Cancelled, err
	}

	select {
	case resp := <-reply:
		if err := errorFor(resp); err != nil {
			return waitq.Cancelled, err
		}
		return waitq.ParseOutcome(resp.Outcome), nil
	case <-c.done:
		return waitq.Cancelled, c.Err()
	case <-ctx.Done():
	}

	if resp, ok := c.withdraw(req.Nonce, reply); ok && resp.Code == "" && waitq.ParseOutcome(resp.Outcome) == waitq.Ready {
		return waitq.Ready, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return waitq.TimedOut, nil
	}
	return waitq.Cancelled, ctx.Err()
}

// Ioctl sends a control command and returns its result.
func (c *Conn) Ioctl(ctx context.Context, cmd, arg uint32) (int64, error) {
	resp, err := c.call(ctx, wire.Request{Cmd: wire.CmdIoctl, IoctlCmd: cmd, IoctlArg: arg})
	if err != nil {
		return 0, err
	}
	return resp.Value, nil
}

// Subscribe asks the daemon to push wakes. Subscribing twice is a no-op.
func (c *Conn) Subscribe(ctx context.Context) error {
	if c.subscribed.Load() {
		return nil
	}
	if _, err := c.call(ctx, wire.Request{Cmd: wire.CmdSubscribe}); err != nil {
		return err
	}
	c.subscribed.Store(true)
	return nil
}

// Notify returns the wake channel. A receive means an event may be pending;
// the channel is closed when the session ends. Wakes are only delivered
// after [Conn.Subscribe].
func (c *Conn) Notify() <-chan struct{} { return c.wakes }

// ///////////////////////////////////////////////
// Poll Source
// ///////////////////////////////////////////////

// PollSource adapts a subscribed Conn to a readiness multiplexer.
type PollSource struct {
	c   *Conn
	ctx context.Context
}

// Pollable subscribes c and returns a source whose polls use ctx.
func (c *Conn) Pollable(ctx context.Context) (*PollSource, error) {
	if err := c.Subscribe(ctx); err != nil {
		return nil, err
	}
	return &PollSource{c: c, ctx: ctx}, nil
}

// Poll queries readiness.
func (p *PollSource) Poll() (readiness.Mask, error) { return p.c.Poll(p.ctx) }

// Notify returns the connection's wake channel.
func (p *PollSource) Notify() <-chan struct{} { return p.c.Notify() }

// ///////////////////////////////////////////////
// Request Routing
// ///////////////////////////////////////////////

// withdrawGrace bounds how long a withdrawn wait's final answer is awaited.
const withdrawGrace = 2 * time.Second

func (c *Conn) call(ctx context.Context, req wire.Request) (wire.Response, error) {
	reply, err := c.send(&req)
	if err != nil {
		return wire.Response{}, err
	}
	select {
	case resp := <-reply:
		return resp, errorFor(resp)
	case <-c.done:
		return wire.Response{}, c.Err()
	case <-ctx.Done():
		c.forget(req.Nonce)
		return wire.Response{}, ctx.Err()
	}
}

// send assigns req a nonce, registers for its response, and writes it.
func (c *Conn) send(req *wire.Request) (chan wire.Response, error) {
	req.Nonce = c.nonce.Add(1)
	reply := make(chan wire.Response, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.pending[req.Nonce] = reply
	c.mu.Unlock()

	if err := c.write(*req); err != nil {
		c.forget(req.Nonce)
		return nil, fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	return reply, nil
}

func (c *Conn) write(req wire.Request) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return wire.WriteRequest(c.conn, req)
}

// withdraw cancels the daemon-side wait with nonce and returns its final
// response if it arrives within [withdrawGrace].
func (c *Conn) withdraw(nonce uint64, reply chan wire.Response) (wire.Response, bool) {
	defer c.forget(nonce)
	cancel := wire.Request{Nonce: c.nonce.Add(1), Cmd: wire.CmdCancel, Target: nonce}
	if err := c.write(cancel); err != nil {
		c.log.Debug("cancel not sent", "nonce", nonce, "error", err)
		return wire.Response{}, false
	}
	timer := time.NewTimer(withdrawGrace)
	defer timer.Stop()
	select {
	case resp := <-reply:
		return resp, true
	case <-c.done:
		return wire.Response{}, false
	case <-timer.C:
		c.log.Debug("withdrawn wait never answered", "nonce", nonce)
		return wire.Response{}, false
	}
}

func (c *Conn) forget(nonce uint64) {
	c.mu.Lock()
	delete(c.pending, nonce)
	c.mu.Unlock()
}

// readLoop routes responses by nonce and coalesces wakes until the session
// ends.
func (c *Conn) readLoop() {
	var cause error
	defer func() {
		c.mu.Lock()
		c.err = cause
		c.pending = nil
		c.mu.Unlock()
		close(c.wakes)
		close(c.done)
	}()

	for {
		op, payload, err := wire.DecodeFrame(c.conn)
		if err != nil {
			cause = fmt.Errorf("%w: %w", ErrNotConnected, err)
			return
		}
		switch op {
		case wire.OpResponse:
			var resp wire.Response
			if err := wire.Unmarshal(payload, &resp); err != nil {
				c.log.Warn("malformed response", "error", err)
				continue
			}
			c.mu.Lock()
			reply, ok := c.pending[resp.Nonce]
			delete(c.pending, resp.Nonce)
			c.mu.Unlock()
			if !ok {
				c.log.Debug("unmatched response", "nonce", resp.Nonce, "code", string(resp.Code))
				continue
			}
			reply <- resp
		case wire.OpWake:
			select {
			case c.wakes <- struct{}{}:
			default:
			}
		case wire.OpClose:
			var reason wire.Response
			_ = wire.Unmarshal(payload, &reason)
			cause = fmt.Errorf("%w: daemon closed session: %s", ErrNotConnected, reason.Message)
			return
		default:
			c.log.Warn("unexpected frame", "op", op.String())
		}
	}
}

// errorFor maps a failed response to the matching sentinel.
func errorFor(resp wire.Response) error {
	switch resp.Code {
	case "":
		return nil
	case wire.CodeClosed:
		return fmt.Errorf("%w: %s", device.ErrClosed, resp.Message)
	case wire.CodeFault:
		return fmt.Errorf("%w: %s", device.ErrTransferFault, resp.Message)
	case wire.CodeShutdown:
		return fmt.Errorf("%w: %s", ErrNotConnected, resp.Message)
	default:
		return fmt.Errorf("%w: %s", ErrInvalidRequest, resp.Message)
	}
}
