package devnode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"tools.zach/dev/neildev/internal/device"
	"tools.zach/dev/neildev/internal/logger"
	"tools.zach/dev/neildev/internal/readiness"
	"tools.zach/dev/neildev/internal/wire"
)

const (
	handshakeTimeout = 5 * time.Second
	writeTimeout     = 5 * time.Second
)

// session is one connection and the handle opened for it.
type session struct {
	ctx    context.Context
	cancel context.CancelFunc
	ch     *device.Channel
	conn   net.Conn
	log    *slog.Logger

	h          *device.Handle
	wmu        sync.Mutex
	wg         sync.WaitGroup
	subscribed atomic.Bool
	wakes      atomic.Uint64

	// waitMu protects waits, the cancel funcs of in-flight waits by nonce.
	waitMu sync.Mutex
	waits  map[uint64]context.CancelFunc
}

func newSession(parent context.Context, ch *device.Channel, conn net.Conn, log *slog.Logger) *session {
	ctx, cancel := context.WithCancel(parent)
	return &session{
		ctx:    ctx,
		cancel: cancel,
		ch:     ch,
		conn:   conn,
		log:    log,
		waits:  make(map[uint64]context.CancelFunc),
	}
}

// serve runs the session until the peer hangs up, sends close, or the
// server shuts down. In-flight requests finish before the handle closes.
func (ss *session) serve() {
	defer ss.conn.Close()
	defer ss.cancel()

	h, err := ss.handshake()
	if err != nil {
		ss.log.Warn("handshake failed", "error", err)
		return
	}
	ss.h = h
	defer func() {
		ss.cancel()
		ss.wg.Wait()
		_ = h.Close()
	}()

	for {
		op, payload, err := wire.DecodeFrame(ss.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || ss.ctx.Err() != nil {
				return
			}
			ss.log.Warn("read frame", "error", err)
			return
		}

		switch op {
		case wire.OpRequest:
			req, err := wire.DecodeRequest(payload)
			if err != nil {
				ss.log.Warn("malformed request", "nonce", req.Nonce, "error", err)
				ss.reply(wire.Response{
					Nonce:   req.Nonce,
					Code:    wire.CodeFault,
					Message: device.ErrTransferFault.Error(),
				})
				continue
			}
			if req.Cmd == wire.CmdCancel {
				ss.withdraw(req.Target)
				continue
			}
			// The wait is registered here, before the next frame is read, so
			// a cancel that follows it on the wire always finds it.
			ctx, release := ss.requestContext(req)
			ss.wg.Add(1)
			go func() {
				defer ss.wg.Done()
				defer release()
				ss.reply(ss.exec(ctx, req))
			}()
		case wire.OpClose:
			ss.log.Debug("peer closed session")
			return
		default:
			ss.log.Warn("unexpected frame", "op", op.String())
		}
	}
}

func (ss *session) handshake() (*device.Handle, error) {
	_ = ss.conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	op, payload, err := wire.DecodeFrame(ss.conn)
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	_ = ss.conn.SetReadDeadline(time.Time{})

	if op != wire.OpHello {
		ss.sendClose(wire.CodeInvalid, "expected hello")
		return nil, fmt.Errorf("unexpected %s before hello", op)
	}
	var hello wire.Hello
	if err := wire.Unmarshal(payload, &hello); err != nil {
		ss.sendClose(wire.CodeFault, device.ErrTransferFault.Error())
		return nil, err
	}
	if hello.Version != wire.Version {
		ss.sendClose(wire.CodeInvalid, fmt.Sprintf("unsupported protocol version %d", hello.Version))
		return nil, fmt.Errorf("unsupported protocol version %d", hello.Version)
	}

	h, err := ss.ch.Open()
	if err != nil {
		ss.sendClose(wire.CodeClosed, err.Error())
		return nil, err
	}
	welcome := wire.Welcome{
		Version:    wire.Version,
		Device:     ss.ch.Name(),
		Handle:     h.ID().String(),
		PayloadLen: ss.ch.PayloadLen(),
		Capacity:   ss.ch.Capacity(),
	}
	if err := ss.send(wire.OpWelcome, welcome); err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("send welcome: %w", err)
	}
	ss.log = ss.log.With("handle", h.ID().String(), "client", hello.Client)
	ss.log.Debug("session opened")
	return h, nil
}

// requestContext returns the context req runs under. Waits get their own
// cancelable context, addressable by nonce until release is called.
func (ss *session) requestContext(req wire.Request) (context.Context, func()) {
	if req.Cmd != wire.CmdWait {
		return ss.ctx, func() {}
	}
	ctx, cancel := context.WithCancel(ss.ctx)
	ss.waitMu.Lock()
	ss.waits[req.Nonce] = cancel
	ss.waitMu.Unlock()
	return ctx, func() {
		ss.waitMu.Lock()
		delete(ss.waits, req.Nonce)
		ss.waitMu.Unlock()
		cancel()
	}
}

// withdraw cancels the in-flight wait with the given nonce. A wait that has
// already finished is left alone.
func (ss *session) withdraw(nonce uint64) {
	ss.waitMu.Lock()
	cancel, ok := ss.waits[nonce]
	ss.waitMu.Unlock()
	if !ok {
		logger.Trace(ss.log, "cancel for finished wait", "nonce", nonce)
		return
	}
	ss.log.Debug("wait withdrawn by peer", "nonce", nonce)
	cancel()
}

// exec runs one request against the session handle.
func (ss *session) exec(ctx context.Context, req wire.Request) wire.Response {
	resp := wire.Response{Nonce: req.Nonce}
	var err error

	switch req.Cmd {
	case wire.CmdRead:
		if req.Max < 0 {
			resp.Code, resp.Message = wire.CodeInvalid, "negative read size"
			return resp
		}
		buf := make([]byte, min(req.Max, ss.ch.PayloadLen()))
		resp.N, err = ss.h.Read(buf)
		resp.Data = buf[:resp.N]
	case wire.CmdWrite:
		resp.N, err = ss.h.Write(req.Data)
	case wire.CmdPoll:
		var m readiness.Mask
		m, err = ss.h.Poll()
		resp.Mask = uint32(m)
	case wire.CmdWait:
		if req.TimeoutMS > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMS)*time.Millisecond)
			defer cancel()
		}
		resp.Outcome = ss.h.Wait(ctx).String()
	case wire.CmdIoctl:
		resp.Value, err = ss.h.Ioctl(req.IoctlCmd, req.IoctlArg)
	case wire.CmdSubscribe:
		if ss.subscribed.CompareAndSwap(false, true) {
			ss.wg.Add(1)
			go ss.pump()
		}
	default:
		resp.Code, resp.Message = wire.CodeInvalid, fmt.Sprintf("unknown command %q", req.Cmd)
		return resp
	}

	if err != nil {
		resp.Code, resp.Message = codeFor(err), err.Error()
	}
	return resp
}

// pump pushes a wake frame whenever an event may be pending. The notify
// channel is taken before the flag is inspected so an interrupt landing in
// between still closes it.
func (ss *session) pump() {
	defer ss.wg.Done()
	for {
		wake := ss.h.Notify()
		if ss.ch.Flag().Peek() {
			if err := ss.sendWake(); err != nil {
				return
			}
		}
		select {
		case <-wake:
		case <-ss.ctx.Done():
			return
		}
		if ss.ch.Released() {
			// Let the subscriber observe the release through its next call.
			_ = ss.sendWake()
			return
		}
	}
}

func (ss *session) sendWake() error {
	seq := ss.wakes.Add(1)
	logger.Trace(ss.log, "wake sent", "seq", seq)
	return ss.send(wire.OpWake, wire.Wake{Seq: seq})
}

func (ss *session) reply(resp wire.Response) {
	if err := ss.send(wire.OpResponse, resp); err != nil {
		ss.log.Debug("reply dropped", "nonce", resp.Nonce, "error", err)
	}
}

func (ss *session) sendClose(code wire.ErrorCode, msg string) {
	_ = ss.send(wire.OpClose, wire.Response{Code: code, Message: msg})
}

// send writes one frame. Writes are serialized so frames never interleave.
func (ss *session) send(op wire.Opcode, v any) error {
	ss.wmu.Lock()
	defer ss.wmu.Unlock()
	_ = ss.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return wire.WriteMessage(ss.conn, op, v)
}

// rejectConn tells a peer the server cannot take it and hangs up.
func rejectConn(conn net.Conn, reason string) {
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = wire.WriteMessage(conn, wire.OpClose, wire.Response{Code: wire.CodeShutdown, Message: reason})
	_ = conn.Close()
}

// codeFor maps a device error to its wire code.
func codeFor(err error) wire.ErrorCode {
	switch {
	case errors.Is(err, device.ErrClosed), errors.Is(err, device.ErrReleased):
		return wire.CodeClosed
	case errors.Is(err, device.ErrTransferFault):
		return wire.CodeFault
	default:
		return wire.CodeInvalid
	}
}
