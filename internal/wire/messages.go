package wire

// Command names a channel operation carried by a [Request].
type Command string

const (
	CmdRead      Command = "read"
	CmdWrite     Command = "write"
	CmdPoll      Command = "poll"
	CmdWait      Command = "wait"
	CmdIoctl     Command = "ioctl"
	CmdSubscribe Command = "subscribe"
	// CmdCancel withdraws the in-flight wait whose nonce is Target. It is
	// never answered; the withdrawn wait answers with its own outcome.
	CmdCancel Command = "cancel"
)

// ErrorCode classifies a failed [Response].
type ErrorCode string

const (
	// CodeFault reports a payload that could not be transferred.
	CodeFault ErrorCode = "fault"
	// CodeInvalid reports an unknown command or malformed request.
	CodeInvalid ErrorCode = "invalid"
	// CodeClosed reports that the handle or channel is closed.
	CodeClosed ErrorCode = "closed"
	// CodeShutdown reports that the daemon is going away.
	CodeShutdown ErrorCode = "shutdown"
)

// Hello opens a session.
type Hello struct {
	Version int    `msgpack:"v"`
	Client  string `msgpack:"client,omitempty"`
}

// Welcome acknowledges a session with the handle opened for it.
type Welcome struct {
	Version    int    `msgpack:"v"`
	Device     string `msgpack:"device"`
	Handle     string `msgpack:"handle"`
	PayloadLen int    `msgpack:"payload_len"`
	Capacity   int    `msgpack:"capacity"`
}

// Request is one channel operation. Its nonce travels ahead of the msgpack
// body (see [WriteRequest]) so a body that fails to decode is still
// answerable.
type Request struct {
	Nonce uint64  `msgpack:"-"`
	Cmd   Command `msgpack:"cmd"`
	// Max is the read size.
	Max int `msgpack:"max,omitempty"`
	// Data is the write payload.
	Data []byte `msgpack:"data,omitempty"`
	// TimeoutMS bounds a wait; zero or negative waits without a deadline.
	TimeoutMS int64 `msgpack:"timeout_ms,omitempty"`
	// IoctlCmd and IoctlArg carry a control command.
	IoctlCmd uint32 `msgpack:"ioctl_cmd,omitempty"`
	IoctlArg uint32 `msgpack:"ioctl_arg,omitempty"`
	// Target is the nonce a CmdCancel withdraws.
	Target uint64 `msgpack:"target,omitempty"`
}

// Response answers the request with the same nonce.
type Response struct {
	Nonce   uint64    `msgpack:"nonce"`
	N       int       `msgpack:"n,omitempty"`
	Data    []byte    `msgpack:"data,omitempty"`
	Mask    uint32    `msgpack:"mask,omitempty"`
	Outcome string    `msgpack:"outcome,omitempty"`
	Value   int64     `msgpack:"value,omitempty"`
	Code    ErrorCode `msgpack:"code,omitempty"`
	Message string    `msgpack:"message,omitempty"`
}

// Wake is pushed to subscribed sessions.
type Wake struct {
	Seq uint64 `msgpack:"seq"`
}
